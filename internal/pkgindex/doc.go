// SPDX-License-Identifier: MPL-2.0

// Package pkgindex looks up distribution names on a Python package index.
//
// An Index answers two questions: which project names resemble a given name
// (Search) and whether a project exists (Exists). PyPI talks to a PEP 691
// JSON index over HTTP; Static serves a fixed list for offline use. The
// Guesser ranks candidates for an import name that has no known mapping and
// verifies them against an Index.
package pkgindex
