// SPDX-License-Identifier: MPL-2.0

package resolve

import (
	"errors"
	"fmt"

	"github.com/opencontainers/go-digest"

	"github.com/relicrun/relic/internal/detect"
	"github.com/relicrun/relic/internal/issue"
	"github.com/relicrun/relic/internal/knowledge"
	"github.com/relicrun/relic/internal/pkgindex"
)

const (
	// FromKnowledge entries were pinned from the knowledge base.
	FromKnowledge Source = "knowledge"
	// FromIndex entries were guessed and verified against the package index.
	FromIndex Source = "index"
	// FromStdlib entries are part of the interpreter.
	FromStdlib Source = "stdlib"
	// FromImage entries ship with the base image.
	FromImage Source = "image"

	// Resolved entries need no further input.
	Resolved Status = "resolved"
	// Unresolved entries need manual confirmation.
	Unresolved Status = "unresolved"
)

var (
	// ErrInvalidSource is returned when a Source value is not recognized.
	ErrInvalidSource = errors.New("invalid library source")
	// ErrInvalidStatus is returned when a Status value is not recognized.
	ErrInvalidStatus = errors.New("invalid resolution status")
)

type (
	// Source says where a library's mapping came from.
	Source string

	// Status says whether a library needs attention.
	Status string

	// InvalidSourceError is returned when a Source value is not recognized.
	InvalidSourceError struct {
		Value Source
	}

	// InvalidStatusError is returned when a Status value is not recognized.
	InvalidStatusError struct {
		Value Status
	}

	// Library is the resolution of one imported module.
	Library struct {
		Import        string               `json:"import"`
		Package       string               `json:"package,omitempty"`
		Version       string               `json:"version,omitempty"`
		OSRelease     string               `json:"osRelease,omitempty"`
		ArchiveSource string               `json:"archiveSource,omitempty"`
		Source        Source               `json:"source,omitempty"`
		Status        Status               `json:"status"`
		Reason        string               `json:"reason,omitempty"`
		Candidates    []pkgindex.Candidate `json:"candidates,omitempty"`
	}

	// Profile is everything needed to build an environment for one script.
	Profile struct {
		Dialect          detect.Dialect      `json:"dialect"`
		PythonVersion    string              `json:"pythonVersion"`
		ImageRule        string              `json:"imageRule"`
		BaseImage        string              `json:"baseImage"`
		OSRelease        string              `json:"osRelease,omitempty"`
		ArchiveRepo      bool                `json:"archiveRepo"`
		EntrypointPython bool                `json:"entrypointPython"`
		Libraries        []Library           `json:"libraries"`
		Apt              []string            `json:"apt,omitempty"`
		Registry         *knowledge.Registry `json:"registry,omitempty"`
		// Knowledge is the digest of the snapshot the profile was resolved against.
		Knowledge digest.Digest `json:"knowledge"`
	}
)

func (s Source) String() string { return string(s) }

// Validate returns nil if the Source is one of the defined sources.
func (s Source) Validate() error {
	switch s {
	case FromKnowledge, FromIndex, FromStdlib, FromImage:
		return nil
	default:
		return &InvalidSourceError{Value: s}
	}
}

func (e *InvalidSourceError) Error() string {
	return fmt.Sprintf("invalid library source %q", string(e.Value))
}

func (e *InvalidSourceError) Unwrap() error { return ErrInvalidSource }

func (s Status) String() string { return string(s) }

// Validate returns nil if the Status is one of the defined statuses.
func (s Status) Validate() error {
	switch s {
	case Resolved, Unresolved:
		return nil
	default:
		return &InvalidStatusError{Value: s}
	}
}

func (e *InvalidStatusError) Error() string {
	return fmt.Sprintf("invalid resolution status %q", string(e.Value))
}

func (e *InvalidStatusError) Unwrap() error { return ErrInvalidStatus }

// Installable reports whether the library needs a pip install line.
func (l Library) Installable() bool {
	return l.Status == Resolved && (l.Source == FromKnowledge || l.Source == FromIndex)
}

// Unresolved lists the entries that need manual confirmation.
func (p *Profile) Unresolved() []Library {
	var out []Library
	for _, l := range p.Libraries {
		if l.Status == Unresolved {
			out = append(out, l)
		}
	}
	return out
}

// Installable lists the entries the environment must install, in import order.
func (p *Profile) Installable() []Library {
	var out []Library
	for _, l := range p.Libraries {
		if l.Installable() {
			out = append(out, l)
		}
	}
	return out
}

// Warnings returns one UnresolvedDependency error per unresolved entry.
func (p *Profile) Warnings() []error {
	var out []error
	for _, l := range p.Unresolved() {
		out = append(out, l.Err())
	}
	return out
}

// Err returns an UnresolvedDependency error for an unresolved entry and nil
// otherwise.
func (l Library) Err() error {
	if l.Status != Unresolved {
		return nil
	}
	ctx := issue.NewErrorContext().
		WithKind(issue.UnresolvedDependency).
		WithOperation("resolve library " + l.Import).
		WithResource(l.Import)
	if l.Reason != "" {
		ctx = ctx.Wrap(errors.New(l.Reason))
	}
	return ctx.
		WithSuggestion(fmt.Sprintf("Add a packages alias for %q to a knowledge overlay", l.Import)).
		WithSuggestion("Re-run with --allow-unresolved to build without it").
		BuildError()
}
