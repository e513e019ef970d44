// SPDX-License-Identifier: MPL-2.0

package history

import (
	"errors"
	"fmt"
	"time"

	"github.com/opencontainers/go-digest"

	"github.com/relicrun/relic/internal/generate"
	"github.com/relicrun/relic/internal/issue"
)

const (
	// StatusCompleted means the script ran to an exit code, zero or not.
	StatusCompleted Status = "completed"
	// StatusFailed means the environment could not be built or run.
	StatusFailed Status = "failed"
	// StatusCancelled means the execution was cancelled or timed out.
	StatusCancelled Status = "cancelled"
)

// ErrInvalidStatus is returned when a Status value is not recognized.
var ErrInvalidStatus = errors.New("invalid execution status")

type (
	// Status is the terminal state of a recorded execution.
	Status string

	// InvalidStatusError is returned when a Status value is not recognized.
	InvalidStatusError struct {
		Value Status
	}

	// Record is one execution in the audit trail. Paths are slash separated
	// and relative to the project root unless they lie outside it.
	Record struct {
		ID             string                 `json:"id"`
		Project        string                 `json:"project"`
		ScriptPath     string                 `json:"scriptPath"`
		SnapshotPath   string                 `json:"snapshotPath"`
		StartedAt      time.Time              `json:"startedAt"`
		FinishedAt     time.Time              `json:"finishedAt"`
		ExitCode       int                    `json:"exitCode"`
		Status         Status                 `json:"status"`
		LogRef         string                 `json:"logRef,omitempty"`
		OutputDir      string                 `json:"outputDir,omitempty"`
		ImageTag       string                 `json:"imageTag,omitempty"`
		DefinitionHash digest.Digest          `json:"definitionHash,omitempty"`
		Dialect        string                 `json:"dialect,omitempty"`
		PathRewrites   []generate.PathRewrite `json:"pathRewrites,omitempty"`
		Error          *issue.ErrorInfo       `json:"error,omitempty"`

		// HistoryError is set on the record handed back to the caller when
		// it could not be written. It is never persisted.
		HistoryError *issue.ErrorInfo `json:"historyError,omitempty"`
	}
)

func (s Status) String() string { return string(s) }

// Validate returns nil if the Status is one of the terminal statuses.
func (s Status) Validate() error {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return nil
	default:
		return &InvalidStatusError{Value: s}
	}
}

// Error implements the error interface.
func (e *InvalidStatusError) Error() string {
	return fmt.Sprintf("invalid execution status %q (valid: completed, failed, cancelled)", string(e.Value))
}

// Unwrap returns ErrInvalidStatus for errors.Is() compatibility.
func (e *InvalidStatusError) Unwrap() error { return ErrInvalidStatus }

// Duration is the wall time between start and finish.
func (r Record) Duration() time.Duration {
	if r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

func (r Record) validate() error {
	if r.ID == "" {
		return errors.New("record id must be set")
	}
	return r.Status.Validate()
}
