// SPDX-License-Identifier: MPL-2.0

package history

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"

	"github.com/relicrun/relic/internal/generate"
	"github.com/relicrun/relic/internal/issue"
	"github.com/relicrun/relic/internal/script"
)

var fixedNow = time.Date(2024, 1, 2, 15, 4, 5, 0, time.UTC)

func openStore(t *testing.T, root string, backend BackendType) *Store {
	t.Helper()
	s, err := Open(root, backend, WithClock(func() time.Time { return fixedNow }), WithLogger(log.New(io.Discard)))
	if err != nil {
		t.Fatalf("Open(%s) error: %v", backend, err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func record(id string, started time.Time) Record {
	return Record{
		ID:           id,
		Project:      "proj",
		ScriptPath:   "scripts/calc.py",
		SnapshotPath: ".relic/snapshots/x/calc.py",
		StartedAt:    started,
		FinishedAt:   started.Add(2 * time.Second),
		ExitCode:     1,
		Status:       StatusCompleted,
		PathRewrites: []generate.PathRewrite{{Original: `C:\data\in.csv`, Rewritten: "/data/in.csv", Line: 3}},
	}
}

func TestRel(t *testing.T) {
	t.Parallel()

	root := filepath.FromSlash("/srv/proj")
	tests := []struct {
		in, want string
	}{
		{filepath.FromSlash("/srv/proj/scripts/calc.py"), "scripts/calc.py"},
		{filepath.FromSlash("/srv/proj"), "."},
		{filepath.FromSlash("/srv/other/x.py"), "/srv/other/x.py"},
		{filepath.FromSlash("/srv/project2/x.py"), "/srv/project2/x.py"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := Rel(root, tt.in); got != tt.want {
			t.Errorf("Rel(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
	if got := Abs(root, "scripts/calc.py"); got != filepath.Join(root, "scripts", "calc.py") {
		t.Errorf("Abs() = %q", got)
	}
}

func TestBackends_AppendListGet(t *testing.T) {
	t.Parallel()

	for _, backend := range []BackendType{BackendJSONL, BackendSQLite} {
		t.Run(string(backend), func(t *testing.T) {
			t.Parallel()
			s := openStore(t, t.TempDir(), backend)
			ctx := context.Background()

			local := time.FixedZone("CET", 3600)
			for i := range 3 {
				if err := s.Append(ctx, record(fmt.Sprintf("run-%d", i), fixedNow.In(local).Add(time.Duration(i)*time.Minute))); err != nil {
					t.Fatalf("Append() error: %v", err)
				}
			}

			records, err := s.List(ctx)
			if err != nil {
				t.Fatalf("List() error: %v", err)
			}
			if len(records) != 3 {
				t.Fatalf("List() = %d records, want 3", len(records))
			}
			for i, rec := range records {
				if rec.ID != fmt.Sprintf("run-%d", i) {
					t.Errorf("records[%d].ID = %s, not in append order", i, rec.ID)
				}
				if rec.StartedAt.Location() != time.UTC {
					t.Errorf("records[%d].StartedAt not UTC: %v", i, rec.StartedAt)
				}
			}
			if records[0].PathRewrites[0].Rewritten != "/data/in.csv" || records[0].Duration() != 2*time.Second {
				t.Errorf("record round trip lost fields: %+v", records[0])
			}

			got, err := s.Get(ctx, "run-1")
			if err != nil || got.ID != "run-1" {
				t.Errorf("Get(run-1) = %+v, %v", got, err)
			}
			if _, err := s.Get(ctx, "nope"); !errors.Is(err, ErrRecordNotFound) {
				t.Errorf("Get(nope) error = %v, want ErrRecordNotFound", err)
			}
		})
	}
}

func TestStore_AppendRejectsInvalidRecord(t *testing.T) {
	t.Parallel()

	s := openStore(t, t.TempDir(), BackendJSONL)
	rec := record("run-1", fixedNow)
	rec.Status = "running"
	err := s.Append(context.Background(), rec)
	if !errors.Is(err, issue.HistoryWriteError) || !errors.Is(err, ErrInvalidStatus) {
		t.Errorf("Append() error = %v, want HistoryWriteError wrapping ErrInvalidStatus", err)
	}
}

func TestStore_AppendFailureIsHistoryWriteError(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	s := openStore(t, root, BackendJSONL)
	// Replace the records file with a directory so the open fails.
	if err := os.MkdirAll(StateDir(root, "history", "records.jsonl"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := s.Append(context.Background(), record("run-1", fixedNow)); !errors.Is(err, issue.HistoryWriteError) {
		t.Errorf("Append() error = %v, want HistoryWriteError", err)
	}
}

func TestJSONL_ConcurrentAppends(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	// Two stores on the same project behave like two processes.
	a := openStore(t, root, BackendJSONL)
	b := openStore(t, root, BackendJSONL)

	const perWriter = 25
	var wg sync.WaitGroup
	for w, s := range []*Store{a, b} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range perWriter {
				if err := s.Append(context.Background(), record(fmt.Sprintf("w%d-%d", w, i), fixedNow)); err != nil {
					t.Errorf("Append() error: %v", err)
				}
			}
		}()
	}
	wg.Wait()

	records, err := a.List(context.Background())
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if len(records) != 2*perWriter {
		t.Errorf("List() = %d records, want %d", len(records), 2*perWriter)
	}
}

func TestJSONL_SkipsTornLine(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	s := openStore(t, root, BackendJSONL)
	if err := s.Append(context.Background(), record("run-1", fixedNow)); err != nil {
		t.Fatal(err)
	}
	path := StateDir(root, "history", "records.jsonl")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0)
	if err != nil {
		t.Fatal(err)
	}
	_, _ = f.WriteString(`{"id":"run-2","sta`)
	_ = f.Close()

	records, err := s.List(context.Background())
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if len(records) != 1 {
		t.Errorf("List() = %d records, want the one intact record", len(records))
	}
}

func TestSQLite_Migrations(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "history.db")
	db, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("OpenSQLite() error: %v", err)
	}
	if v, err := db.SchemaVersion(context.Background()); err != nil || v != len(migrations) {
		t.Errorf("SchemaVersion() = %d, %v; want %d", v, err, len(migrations))
	}
	_ = db.Close()

	// Reopening must not re-run applied migrations.
	db, err = OpenSQLite(path)
	if err != nil {
		t.Fatalf("reopen error: %v", err)
	}
	_ = db.Close()
}

func TestStore_SnapshotAndVerify(t *testing.T) {
	t.Parallel()

	root := filepath.Join(t.TempDir(), "project")
	s := openStore(t, root, BackendJSONL)
	ctx := context.Background()

	src, err := script.New("calc.py", []byte("print 'hello'\n"))
	if err != nil {
		t.Fatal(err)
	}

	first, err := s.Snapshot(ctx, src)
	if err != nil {
		t.Fatalf("Snapshot() error: %v", err)
	}
	want := ".relic/snapshots/20240102T150405Z_" + src.Hash.Encoded()[:8] + "/calc.py"
	if first != want {
		t.Errorf("Snapshot() = %q, want %q", first, want)
	}
	info, err := os.Stat(s.Abs(first))
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o444 {
		t.Errorf("snapshot mode = %v, want 0444", info.Mode().Perm())
	}

	second, err := s.Snapshot(ctx, src)
	if err != nil {
		t.Fatalf("second Snapshot() error: %v", err)
	}
	if second == first || !strings.Contains(second, src.Hash.Encoded()[:8]+"-2/") {
		t.Errorf("snapshot directory reused: %q", second)
	}

	rec := record("run-1", fixedNow)
	rec.SnapshotPath = first
	if err := s.Append(ctx, rec); err != nil {
		t.Fatal(err)
	}
	missing := record("run-2", fixedNow)
	missing.SnapshotPath = ".relic/snapshots/20240102T150405Z_deadbeef/gone.py"
	if err := s.Append(ctx, missing); err != nil {
		t.Fatal(err)
	}

	findings, err := s.Verify(ctx)
	if err != nil {
		t.Fatalf("Verify() error: %v", err)
	}
	if len(findings) != 2 || !findings[0].OK || findings[1].Problem != ProblemMissing {
		t.Errorf("Verify() = %+v", findings)
	}
}

func TestStore_Relocation(t *testing.T) {
	t.Parallel()

	base := t.TempDir()
	orig := filepath.Join(base, "orig")
	ctx := context.Background()

	s, err := Open(orig, BackendJSONL, WithClock(func() time.Time { return fixedNow }))
	if err != nil {
		t.Fatal(err)
	}
	src, _ := script.New("calc.py", []byte("import cv2\n"))
	snap, err := s.Snapshot(ctx, src)
	if err != nil {
		t.Fatal(err)
	}
	rec := record("run-1", fixedNow)
	rec.SnapshotPath = snap
	if err := s.Append(ctx, rec); err != nil {
		t.Fatal(err)
	}
	_ = s.Close()

	moved := filepath.Join(base, "moved")
	if err := os.Rename(orig, moved); err != nil {
		t.Fatal(err)
	}

	relocated := openStore(t, moved, BackendJSONL)
	findings, err := relocated.Verify(ctx)
	if err != nil {
		t.Fatalf("Verify() error: %v", err)
	}
	if len(findings) != 1 || !findings[0].OK {
		t.Fatalf("Verify() after move = %+v", findings)
	}
	content, err := os.ReadFile(relocated.Abs(snap))
	if err != nil || string(content) != "import cv2\n" {
		t.Errorf("relocated snapshot = %q, %v", content, err)
	}
}

func TestVerify_DetectsTampering(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	s := openStore(t, root, BackendSQLite)
	ctx := context.Background()
	src, _ := script.New("calc.py", []byte("x = 1\n"))
	snap, err := s.Snapshot(ctx, src)
	if err != nil {
		t.Fatal(err)
	}
	rec := record("run-1", fixedNow)
	rec.SnapshotPath = snap
	if err := s.Append(ctx, rec); err != nil {
		t.Fatal(err)
	}

	path := s.Abs(snap)
	if err := os.Chmod(path, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("x = 2\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	findings, err := s.Verify(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if findings[0].OK || findings[0].Problem != ProblemMismatch {
		t.Errorf("Verify() = %+v, want mismatch", findings[0])
	}
}

func TestBackendType_Validate(t *testing.T) {
	t.Parallel()

	if _, err := Open(t.TempDir(), "csv"); !errors.Is(err, ErrInvalidBackend) {
		t.Errorf("Open(csv) error = %v, want ErrInvalidBackend", err)
	}
}
