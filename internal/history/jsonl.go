// SPDX-License-Identifier: MPL-2.0

package history

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/charmbracelet/log"

	"github.com/relicrun/relic/internal/flock"
)

const maxRecordLine = 16 << 20

// JSONL appends records as JSON lines. Each record is written with a single
// write(2) on an O_APPEND descriptor while holding both an in-process mutex
// and an flock on a sibling lock file, so concurrent writers never
// interleave.
type JSONL struct {
	path string
	mu   sync.Mutex
}

// OpenJSONL returns a JSONL backend writing to path.
func OpenJSONL(path string) (*JSONL, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create history directory: %w", err)
	}
	return &JSONL{path: path}, nil
}

// Path returns the records file.
func (j *JSONL) Path() string { return j.path }

// Append writes rec as one line.
func (j *JSONL) Append(ctx context.Context, rec Record) error {
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	line = append(line, '\n')

	j.mu.Lock()
	defer j.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}

	lock, err := flock.Acquire(j.path + ".lock")
	if err != nil && !errors.Is(err, flock.ErrUnavailable) {
		return err
	}
	defer lock.Release()

	f, err := os.OpenFile(j.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open records: %w", err)
	}
	n, err := f.Write(line)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return fmt.Errorf("write record: %w", err)
	}
	if n != len(line) {
		return fmt.Errorf("write record: short write (%d of %d bytes)", n, len(line))
	}
	return nil
}

// List decodes every line. A line that fails to decode, typically a torn
// write from a crashed process, is skipped with a warning.
func (j *JSONL) List(ctx context.Context) ([]Record, error) {
	f, err := os.Open(j.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open records: %w", err)
	}
	defer f.Close()

	var records []Record
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64<<10), maxRecordLine)
	for lineNo := 1; scanner.Scan(); lineNo++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			log.Warn("skipping unreadable history line", "path", j.path, "line", lineNo, "error", err)
			continue
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read records: %w", err)
	}
	return records, nil
}

// Get scans for the record with the given id.
func (j *JSONL) Get(ctx context.Context, id string) (Record, error) {
	records, err := j.List(ctx)
	if err != nil {
		return Record{}, err
	}
	for _, rec := range records {
		if rec.ID == id {
			return rec, nil
		}
	}
	return Record{}, notFound(id)
}

// Close is a no-op; files are opened per call.
func (j *JSONL) Close() error { return nil }
