// SPDX-License-Identifier: MPL-2.0

package knowledge

import (
	_ "crypto/sha256"
	"encoding/json"
	"slices"
	"sort"
	"strings"

	"github.com/opencontainers/go-digest"
	"golang.org/x/exp/maps"
)

type (
	// Release is one installable version of a library.
	Release struct {
		Version   string `json:"version"`
		OSRelease string `json:"osRelease,omitempty"`
		// ArchiveSource is a --find-links location for releases no longer on the index.
		ArchiveSource string `json:"archiveSource,omitempty"`
		// Python is a semver constraint on the interpreter version.
		Python string `json:"python,omitempty"`
		Year   int    `json:"year,omitempty"`
	}

	// ImageRule is a candidate base image scored during resolution.
	ImageRule struct {
		ID               string   `json:"id"`
		Name             string   `json:"name,omitempty"`
		Python           string   `json:"python"`
		OSRelease        string   `json:"osRelease,omitempty"`
		Image            string   `json:"image"`
		Libs             []string `json:"libs"`
		Triggers         []string `json:"triggers"`
		Preinstalled     []string `json:"preinstalled"`
		EntrypointPython bool     `json:"entrypointPython"`
		ArchiveRepo      bool     `json:"archiveRepo"`
	}

	// Registry points pip at a private package index.
	Registry struct {
		IndexURL     string   `json:"indexURL"`
		TrustedHosts []string `json:"trustedHosts,omitempty"`
		// CredentialsRef names a build secret holding index credentials.
		CredentialsRef string `json:"credentialsRef,omitempty"`
	}

	// Document is the decoded form of one knowledge layer or of the merged
	// result of all layers.
	Document struct {
		Libraries map[string][]Release `json:"libraries,omitempty"`
		Packages  map[string]string    `json:"packages,omitempty"`
		Apt       map[string][]string  `json:"apt,omitempty"`
		Images    []ImageRule          `json:"images,omitempty"`
		Registry  *Registry            `json:"registry,omitempty"`
	}

	// Snapshot is an immutable, merged knowledge base. All name lookups are
	// insensitive to case and to the separators "-", "_" and ".".
	Snapshot struct {
		Libraries map[string][]Release `json:"libraries"`
		Packages  map[string]string    `json:"packages"`
		Apt       map[string][]string  `json:"apt"`
		Images    []ImageRule          `json:"images"`
		Registry  *Registry            `json:"registry,omitempty"`
		// Sources lists the layers that were applied, base first.
		Sources []string `json:"sources"`
		// Warnings records layers that were skipped.
		Warnings []string `json:"warnings,omitempty"`
		// Digest identifies the merged content.
		Digest digest.Digest `json:"digest"`

		libIndex     map[string]string
		packageIndex map[string]string
		aptIndex     map[string]string
	}
)

// NormalizeName folds a library or import name for lookup: lower case with
// "-", "_" and "." removed.
func NormalizeName(name string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '-', '_', '.':
			return -1
		}
		return r
	}, strings.ToLower(name))
}

// newSnapshot collapses duplicate releases and image rules and builds the
// lookup indexes. Releases sharing (version, osRelease) and rules sharing an
// id keep the position of the first and the content of the last.
func newSnapshot(doc *Document, sources, warnings []string, dgst digest.Digest) *Snapshot {
	s := &Snapshot{
		Libraries:    make(map[string][]Release, len(doc.Libraries)),
		Packages:     make(map[string]string, len(doc.Packages)),
		Apt:          make(map[string][]string, len(doc.Apt)),
		Registry:     doc.Registry,
		Sources:      sources,
		Warnings:     warnings,
		Digest:       dgst,
		libIndex:     make(map[string]string, len(doc.Libraries)),
		packageIndex: make(map[string]string, len(doc.Packages)),
		aptIndex:     make(map[string]string, len(doc.Apt)),
	}

	for _, name := range sortedKeys(doc.Libraries) {
		key := NormalizeName(name)
		if prev, ok := s.libIndex[key]; ok {
			s.Libraries[prev] = collapseReleases(append(s.Libraries[prev], doc.Libraries[name]...))
			continue
		}
		s.libIndex[key] = name
		s.Libraries[name] = collapseReleases(doc.Libraries[name])
	}
	for _, imp := range sortedKeys(doc.Packages) {
		s.Packages[imp] = doc.Packages[imp]
		s.packageIndex[NormalizeName(imp)] = imp
	}
	for _, name := range sortedKeys(doc.Apt) {
		s.Apt[name] = append([]string(nil), doc.Apt[name]...)
		s.aptIndex[NormalizeName(name)] = name
	}
	s.Images = collapseImages(doc.Images)
	return s
}

func collapseReleases(in []Release) []Release {
	type key struct{ version, os string }
	pos := make(map[key]int, len(in))
	out := make([]Release, 0, len(in))
	for _, r := range in {
		k := key{r.Version, r.OSRelease}
		if i, ok := pos[k]; ok {
			out[i] = r
			continue
		}
		pos[k] = len(out)
		out = append(out, r)
	}
	return out
}

func collapseImages(in []ImageRule) []ImageRule {
	pos := make(map[string]int, len(in))
	out := make([]ImageRule, 0, len(in))
	for _, r := range in {
		if i, ok := pos[r.ID]; ok {
			out[i] = r
			continue
		}
		pos[r.ID] = len(out)
		out = append(out, r)
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := maps.Keys(m)
	slices.Sort(keys)
	return keys
}

// Releases returns a copy of the releases known for name.
func (s *Snapshot) Releases(name string) []Release {
	display, ok := s.libIndex[NormalizeName(name)]
	if !ok {
		return nil
	}
	return append([]Release(nil), s.Libraries[display]...)
}

// Known reports whether the knowledge base has releases for name.
func (s *Snapshot) Known(name string) bool {
	_, ok := s.libIndex[NormalizeName(name)]
	return ok
}

// CanonicalName returns the spelling of name used in the knowledge base.
func (s *Snapshot) CanonicalName(name string) (string, bool) {
	display, ok := s.libIndex[NormalizeName(name)]
	return display, ok
}

// Distribution maps an import name to its distribution name via the
// package aliases.
func (s *Snapshot) Distribution(importName string) (string, bool) {
	imp, ok := s.packageIndex[NormalizeName(importName)]
	if !ok {
		return "", false
	}
	return s.Packages[imp], true
}

// AptPackages returns the system packages required by any of names, sorted
// and de-duplicated.
func (s *Snapshot) AptPackages(names ...string) []string {
	seen := map[string]bool{}
	var out []string
	for _, n := range names {
		display, ok := s.aptIndex[NormalizeName(n)]
		if !ok {
			continue
		}
		for _, pkg := range s.Apt[display] {
			if !seen[pkg] {
				seen[pkg] = true
				out = append(out, pkg)
			}
		}
	}
	sort.Strings(out)
	return out
}

// Image returns the rule with the given id.
func (s *Snapshot) Image(id string) (ImageRule, bool) {
	for _, r := range s.Images {
		if r.ID == id {
			return r, true
		}
	}
	return ImageRule{}, false
}

// LibraryNames returns every library with releases, sorted.
func (s *Snapshot) LibraryNames() []string {
	return sortedKeys(s.Libraries)
}

// FromDocument builds a snapshot directly from a decoded document, for
// callers that assemble knowledge in code.
func FromDocument(doc *Document, sources ...string) *Snapshot {
	b, _ := json.Marshal(doc)
	return newSnapshot(doc, sources, nil, digest.FromBytes(b))
}
