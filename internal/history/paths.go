// SPDX-License-Identifier: MPL-2.0

package history

import (
	"path/filepath"
	"strings"
)

// DirName is the per-project state directory.
const DirName = ".relic"

// Rel converts a host path to the form stored in records: slash separated
// and relative to root. Paths outside root stay absolute.
func Rel(root, path string) string {
	if path == "" {
		return ""
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return filepath.ToSlash(path)
	}
	rel, err := filepath.Rel(root, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return filepath.ToSlash(abs)
	}
	return filepath.ToSlash(rel)
}

// Abs resolves a stored path against root.
func Abs(root, stored string) string {
	if stored == "" {
		return ""
	}
	p := filepath.FromSlash(stored)
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(root, p)
}

// StateDir returns <root>/.relic/<elem...>.
func StateDir(root string, elem ...string) string {
	return filepath.Join(append([]string{root, DirName}, elem...)...)
}
