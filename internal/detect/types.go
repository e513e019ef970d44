// SPDX-License-Identifier: MPL-2.0

package detect

import (
	"errors"
	"fmt"

	"github.com/relicrun/relic/internal/issue"
)

const (
	// Legacy is Python 2 source.
	Legacy Dialect = "legacy"
	// Modern is Python 3 source.
	Modern Dialect = "modern"
	// Unknown means no strategy could classify the source.
	Unknown Dialect = "unknown"

	// High confidence: a clean structural parse.
	High Confidence = "high"
	// Medium confidence: a structural parse with legacy markers.
	Medium Confidence = "medium"
	// Low confidence: line patterns only.
	Low Confidence = "low"
	// None means nothing was recognized.
	None Confidence = "none"

	// VersionLegacy, VersionModern and VersionUnknown are the python version
	// hints derived from the dialect.
	VersionLegacy  = "2.7"
	VersionModern  = "3.x"
	VersionUnknown = "unknown"
)

var (
	// ErrInvalidDialect is returned when a Dialect value is not recognized.
	ErrInvalidDialect = errors.New("invalid dialect")
	// ErrInvalidConfidence is returned when a Confidence value is not recognized.
	ErrInvalidConfidence = errors.New("invalid confidence")
)

type (
	// Dialect is the Python language generation a script is written in.
	Dialect string

	// Confidence grades how the dialect was determined.
	Confidence string

	// InvalidDialectError is returned when a Dialect value is not recognized.
	InvalidDialectError struct {
		Value Dialect
	}

	// InvalidConfidenceError is returned when a Confidence value is not recognized.
	InvalidConfidenceError struct {
		Value Confidence
	}

	// Marker is one legacy-only construct found in the source.
	Marker struct {
		Name string `json:"name"`
		Line int    `json:"line"`
	}

	// Hints carry secondary signals used by image selection and resolution.
	Hints struct {
		PythonVersion string `json:"pythonVersion"`
		// Keywords are runtime triggers such as "cv2.cv" or "sklearn.grid_search".
		Keywords []string `json:"keywords,omitempty"`
		// OpenCV is "2.x" or "3.x+" when constant usage reveals the API generation.
		OpenCV string `json:"opencv,omitempty"`
		// ValidationYear is the earliest plausible year mentioned in the source.
		ValidationYear int `json:"validationYear,omitempty"`
	}

	// Result is the outcome of detection.
	Result struct {
		Dialect    Dialect    `json:"dialect"`
		Confidence Confidence `json:"confidence"`
		// Libraries are top-level import names, sorted and unique.
		Libraries []string `json:"libraries"`
		Markers   []Marker `json:"markers,omitempty"`
		Hints     Hints    `json:"hints"`
		Strategy  string   `json:"strategy,omitempty"`
		Warnings  []string `json:"warnings,omitempty"`
	}
)

func (d Dialect) String() string { return string(d) }

// Validate returns nil if d is a known dialect.
func (d Dialect) Validate() error {
	switch d {
	case Legacy, Modern, Unknown:
		return nil
	default:
		return &InvalidDialectError{Value: d}
	}
}

func (e *InvalidDialectError) Error() string {
	return fmt.Sprintf("invalid dialect %q (valid: legacy, modern, unknown)", e.Value)
}

func (e *InvalidDialectError) Unwrap() error { return ErrInvalidDialect }

// PythonVersion maps the dialect to its python version hint.
func (d Dialect) PythonVersion() string {
	switch d {
	case Legacy:
		return VersionLegacy
	case Modern:
		return VersionModern
	default:
		return VersionUnknown
	}
}

func (c Confidence) String() string { return string(c) }

// Validate returns nil if c is a known confidence grade.
func (c Confidence) Validate() error {
	switch c {
	case High, Medium, Low, None:
		return nil
	default:
		return &InvalidConfidenceError{Value: c}
	}
}

func (e *InvalidConfidenceError) Error() string {
	return fmt.Sprintf("invalid confidence %q (valid: high, medium, low, none)", e.Value)
}

func (e *InvalidConfidenceError) Unwrap() error { return ErrInvalidConfidence }

// HasLibrary reports whether name was imported.
func (r Result) HasLibrary(name string) bool {
	for _, l := range r.Libraries {
		if l == name {
			return true
		}
	}
	return false
}

// Err returns an AnalysisUncertain error when the dialect could not be
// determined, nil otherwise. Callers may proceed regardless.
func (r Result) Err() error {
	if r.Dialect != Unknown {
		return nil
	}
	ctx := issue.NewErrorContext().
		WithKind(issue.AnalysisUncertain).
		WithOperation("determine script dialect").
		WithSuggestion("Pass the dialect explicitly with --dialect legacy|modern")
	if len(r.Libraries) == 0 {
		ctx = ctx.WithSuggestion("Check that the file is a Python script")
	}
	if r.Confidence == None {
		return ctx.Wrap(errors.New("no detection strategy recognized the source")).BuildError()
	}
	return ctx.Wrap(errors.New("imports were found but no dialect markers")).BuildError()
}
