// SPDX-License-Identifier: MPL-2.0

package pkgindex

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"regexp"
	"slices"
	"strings"

	"github.com/agext/levenshtein"
	"golang.org/x/text/cases"
)

// MaxDistance is the largest edit distance at which Search still reports a
// project as similar.
const MaxDistance = 2

var separatorRun = regexp.MustCompile(`[-_.]+`)

type (
	// Index is a source of distribution names.
	Index interface {
		// Search returns project names equal to, prefixed by, or within
		// MaxDistance edits of name, after normalization.
		Search(ctx context.Context, name string) ([]string, error)
		// Exists reports whether a project called name is published.
		Exists(ctx context.Context, name string) (bool, error)
	}

	// Static is an Index over a fixed set of names.
	Static struct {
		list nameList
		set  map[string]bool
	}

	// nameList keeps each name next to its normalized form so repeated
	// searches over a large listing normalize it only once.
	nameList struct {
		names []string
		norms []string
	}
)

// Normalize applies PEP 503 name normalization with full Unicode case
// folding: runs of "-", "_" and "." become a single "-".
func Normalize(name string) string {
	return separatorRun.ReplaceAllString(cases.Fold().String(strings.TrimSpace(name)), "-")
}

// NewStatic returns an index containing names.
func NewStatic(names []string) *Static {
	list := newNameList(names)
	set := make(map[string]bool, len(list.norms))
	for _, n := range list.norms {
		set[n] = true
	}
	return &Static{list: list, set: set}
}

// LoadStatic reads one project name per line. Blank lines and lines starting
// with "#" are ignored.
func LoadStatic(path string) (*Static, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open index file: %w", err)
	}
	defer func() { _ = f.Close() }()

	var names []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		names = append(names, line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read index file %s: %w", path, err)
	}
	return NewStatic(names), nil
}

// Search implements Index.
func (s *Static) Search(ctx context.Context, name string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.list.similar(name), nil
}

// Exists implements Index.
func (s *Static) Exists(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return s.set[Normalize(name)], nil
}

// Len returns the number of names in the index.
func (s *Static) Len() int { return len(s.list.names) }

// Similar filters names down to those equal to, prefixed by, or within
// MaxDistance edits of query once both are normalized. The result is sorted.
func Similar(names []string, query string) []string {
	return newNameList(names).similar(query)
}

func newNameList(names []string) nameList {
	var l nameList
	seen := make(map[string]bool, len(names))
	for _, n := range names {
		n = strings.TrimSpace(n)
		norm := Normalize(n)
		if norm == "" || seen[norm] {
			continue
		}
		seen[norm] = true
		l.names = append(l.names, n)
		l.norms = append(l.norms, norm)
	}
	return l
}

func (l nameList) similar(query string) []string {
	q := Normalize(query)
	if q == "" {
		return nil
	}
	var out []string
	for i, norm := range l.norms {
		switch {
		case strings.HasPrefix(norm, q):
			out = append(out, l.names[i])
		case abs(len(norm)-len(q)) <= MaxDistance && levenshtein.Distance(q, norm, nil) <= MaxDistance:
			out = append(out, l.names[i])
		}
	}
	slices.Sort(out)
	return out
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
