// SPDX-License-Identifier: MPL-2.0

package issue

import (
	"errors"
	"fmt"
)

const (
	// AnalysisUncertain means dialect or library detection was inconclusive.
	// Non-fatal: the detection result is Unknown and the caller may override.
	AnalysisUncertain Kind = "AnalysisUncertain"
	// UnresolvedDependency means one library has no verified mapping.
	// Non-fatal: the remaining libraries still resolve.
	UnresolvedDependency Kind = "UnresolvedDependency"
	// GenerationError means rendering the container definition failed.
	GenerationError Kind = "GenerationError"
	// OrchestrationError means the build failed or the runtime is unreachable.
	OrchestrationError Kind = "OrchestrationError"
	// HistoryWriteError means an audit record or snapshot could not be persisted.
	HistoryWriteError Kind = "HistoryWriteError"
)

// ErrInvalidKind is the sentinel error wrapped by InvalidKindError.
var ErrInvalidKind = errors.New("invalid error kind")

type (
	// Kind classifies an error. Kind implements error so that
	// errors.Is(err, issue.GenerationError) matches any ActionableError of
	// that kind anywhere in the chain.
	Kind string

	// InvalidKindError is returned when a Kind value is not recognized.
	// It wraps ErrInvalidKind for errors.Is() compatibility.
	InvalidKindError struct {
		Value Kind
	}

	// ErrorInfo is the JSON-serializable form of an error, used in
	// execution records and API responses.
	ErrorInfo struct {
		Kind        Kind     `json:"kind,omitempty"`
		Operation   string   `json:"operation,omitempty"`
		Resource    string   `json:"resource,omitempty"`
		Message     string   `json:"message"`
		Suggestions []string `json:"suggestions,omitempty"`
	}
)

// Error implements the error interface.
func (k Kind) Error() string {
	return string(k)
}

// String returns the kind name.
func (k Kind) String() string {
	return string(k)
}

// Fatal reports whether an error of this kind aborts the current attempt.
func (k Kind) Fatal() bool {
	switch k {
	case AnalysisUncertain, UnresolvedDependency:
		return false
	default:
		return true
	}
}

// Validate returns nil if the Kind is one of the defined kinds.
func (k Kind) Validate() error {
	switch k {
	case AnalysisUncertain, UnresolvedDependency, GenerationError, OrchestrationError, HistoryWriteError:
		return nil
	default:
		return &InvalidKindError{Value: k}
	}
}

// Error implements the error interface for InvalidKindError.
func (e *InvalidKindError) Error() string {
	return fmt.Sprintf("invalid error kind %q", string(e.Value))
}

// Unwrap returns the sentinel error for errors.Is() compatibility.
func (e *InvalidKindError) Unwrap() error {
	return ErrInvalidKind
}

// KindOf returns the kind of the first ActionableError in err's chain, or
// the empty Kind if there is none.
func KindOf(err error) Kind {
	var ae *ActionableError
	if errors.As(err, &ae) {
		return ae.Kind
	}
	var k Kind
	if errors.As(err, &k) {
		return k
	}
	return ""
}

// Info converts err into its structured form. Returns nil for a nil error.
func Info(err error) *ErrorInfo {
	if err == nil {
		return nil
	}
	info := &ErrorInfo{Message: err.Error()}
	var ae *ActionableError
	if errors.As(err, &ae) {
		info.Kind = ae.Kind
		info.Operation = ae.Operation
		info.Resource = ae.Resource
		info.Suggestions = append([]string(nil), ae.Suggestions...)
		return info
	}
	info.Kind = KindOf(err)
	return info
}

// Error lets a stored ErrorInfo be returned again as an error value.
func (i *ErrorInfo) Error() string {
	return i.Message
}

// Is matches the stored kind.
func (i *ErrorInfo) Is(target error) bool {
	k, ok := target.(Kind)
	return ok && i.Kind != "" && k == i.Kind
}
