// SPDX-License-Identifier: MPL-2.0

// Package script holds the read-only representation of a legacy script
// handed to relic.
package script

import (
	_ "crypto/sha256"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/opencontainers/go-digest"
)

// ErrEmptyName is returned by New when the script has no file name.
var ErrEmptyName = errors.New("script name must not be empty")

// Source is a script as read from disk. It is never modified; path
// rewriting works on a derived copy.
type Source struct {
	// Path is the absolute host path, empty for uploaded scripts.
	Path    string        `json:"path,omitempty"`
	Name    string        `json:"name"`
	Content []byte        `json:"-"`
	Hash    digest.Digest `json:"hash"`
}

// Load reads the script at path.
func Load(path string) (Source, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return Source{}, fmt.Errorf("resolve script path: %w", err)
	}
	content, err := os.ReadFile(abs)
	if err != nil {
		return Source{}, fmt.Errorf("read script: %w", err)
	}
	return Source{
		Path:    abs,
		Name:    filepath.Base(abs),
		Content: content,
		Hash:    digest.FromBytes(content),
	}, nil
}

// New wraps in-memory content, e.g. an uploaded script. Only the base name
// of name is kept.
func New(name string, content []byte) (Source, error) {
	base := filepath.Base(filepath.Clean(name))
	if name == "" || base == "." || base == string(filepath.Separator) {
		return Source{}, ErrEmptyName
	}
	return Source{Name: base, Content: content, Hash: digest.FromBytes(content)}, nil
}

// Dir is the directory holding the script on the host, or "" when the
// script has no host path.
func (s Source) Dir() string {
	if s.Path == "" {
		return ""
	}
	return filepath.Dir(s.Path)
}
