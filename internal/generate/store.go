// SPDX-License-Identifier: MPL-2.0

package generate

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

const (
	pendingExt   = ".pending"
	committedExt = ".Dockerfile"
)

// Store keeps rendered Dockerfiles under <project>/.relic/definitions. A
// definition is saved provisionally before its image is built, then either
// committed or rolled back, so the directory only ever holds Dockerfiles
// that built successfully.
type Store struct {
	dir string
}

// NewStore returns a store rooted at dir.
func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

// Dir returns the directory definitions are written to.
func (s *Store) Dir() string { return s.dir }

// SaveProvisional writes def as a pending definition and returns its path.
func (s *Store) SaveProvisional(def *Definition) (string, error) {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return "", fmt.Errorf("create definitions directory: %w", err)
	}
	path := s.path(def, pendingExt)
	if err := os.WriteFile(path, []byte(def.Dockerfile), 0o644); err != nil {
		return "", fmt.Errorf("save provisional definition: %w", err)
	}
	return path, nil
}

// Commit promotes a pending definition and returns the committed path.
func (s *Store) Commit(def *Definition) (string, error) {
	path := s.path(def, committedExt)
	if err := os.Rename(s.path(def, pendingExt), path); err != nil {
		return "", fmt.Errorf("commit definition: %w", err)
	}
	return path, nil
}

// Rollback discards a pending definition. A missing file is not an error.
func (s *Store) Rollback(def *Definition) error {
	if err := os.Remove(s.path(def, pendingExt)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("roll back definition: %w", err)
	}
	return nil
}

// Committed reports whether def has been committed before.
func (s *Store) Committed(def *Definition) bool {
	_, err := os.Stat(s.path(def, committedExt))
	return err == nil
}

// Path returns where def is stored once committed.
func (s *Store) Path(def *Definition) string {
	return s.path(def, committedExt)
}

func (s *Store) path(def *Definition, ext string) string {
	return filepath.Join(s.dir, def.Hash.Encoded()+ext)
}
