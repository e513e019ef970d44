// SPDX-License-Identifier: MPL-2.0

package history

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/opencontainers/go-digest"

	"github.com/relicrun/relic/internal/script"
)

const (
	snapshotTimeLayout = "20060102T150405Z"
	snapshotHashLen    = 8
	snapshotMode       = 0o444
	defaultScriptName  = "script.py"
)

type (
	// Problem describes why a record failed verification.
	Problem string

	// Finding is the verification outcome of one record.
	Finding struct {
		ID           string  `json:"id"`
		SnapshotPath string  `json:"snapshotPath"`
		OK           bool    `json:"ok"`
		Problem      Problem `json:"problem,omitempty"`
	}
)

// Verification problems.
const (
	ProblemMissing  Problem = "snapshot missing"
	ProblemMismatch Problem = "snapshot content does not match its recorded hash"
	ProblemNoHash   Problem = "snapshot directory carries no hash"
)

// Snapshot copies the verbatim script into a fresh, read-only snapshot
// directory and returns its stored (project-relative) path. An existing
// directory is never reused; a numeric suffix is added instead.
func (s *Store) Snapshot(ctx context.Context, src script.Source) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	hash := src.Hash
	if hash == "" {
		hash = digest.FromBytes(src.Content)
	}
	enc := hash.Encoded()
	if len(enc) > snapshotHashLen {
		enc = enc[:snapshotHashLen]
	}
	base := s.now().UTC().Format(snapshotTimeLayout) + "_" + enc

	parent := StateDir(s.root, "snapshots")
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return "", writeError("create snapshot directory", parent, err)
	}

	dir := filepath.Join(parent, base)
	for n := 2; ; n++ {
		err := os.Mkdir(dir, 0o755)
		if err == nil {
			break
		}
		if !errors.Is(err, fs.ErrExist) {
			return "", writeError("create snapshot directory", dir, err)
		}
		dir = filepath.Join(parent, base+"-"+strconv.Itoa(n))
	}

	name := src.Name
	if name == "" {
		name = defaultScriptName
	}
	file := filepath.Join(dir, name)
	if err := os.WriteFile(file, src.Content, snapshotMode); err != nil {
		return "", writeError("write snapshot", file, err)
	}
	if err := os.Chmod(file, snapshotMode); err != nil {
		return "", writeError("protect snapshot", file, err)
	}
	return s.Rel(file), nil
}

// Verify re-resolves every record's snapshot against the current root and
// checks its content against the hash prefix in the snapshot directory name.
func (s *Store) Verify(ctx context.Context) ([]Finding, error) {
	records, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	findings := make([]Finding, 0, len(records))
	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		findings = append(findings, s.verify(rec))
	}
	return findings, nil
}

func (s *Store) verify(rec Record) Finding {
	f := Finding{ID: rec.ID, SnapshotPath: rec.SnapshotPath}

	want, ok := snapshotHash(rec.SnapshotPath)
	if !ok {
		f.Problem = ProblemNoHash
		return f
	}
	content, err := os.ReadFile(s.Abs(rec.SnapshotPath))
	if err != nil {
		f.Problem = ProblemMissing
		return f
	}
	if !strings.HasPrefix(digest.FromBytes(content).Encoded(), want) {
		f.Problem = ProblemMismatch
		return f
	}
	f.OK = true
	return f
}

// snapshotHash extracts the hash prefix from .../<timestamp>_<hash8>[-n]/<name>.
func snapshotHash(stored string) (string, bool) {
	dir := path.Base(path.Dir(stored))
	_, rest, ok := strings.Cut(dir, "_")
	if !ok {
		return "", false
	}
	hash, _, _ := strings.Cut(rest, "-")
	if len(hash) != snapshotHashLen {
		return "", false
	}
	return hash, true
}

// String implements fmt.Stringer.
func (f Finding) String() string {
	if f.OK {
		return fmt.Sprintf("%s ok %s", f.ID, f.SnapshotPath)
	}
	return fmt.Sprintf("%s FAIL %s: %s", f.ID, f.SnapshotPath, f.Problem)
}
