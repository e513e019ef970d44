// SPDX-License-Identifier: MPL-2.0

package orchestrate

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/relicrun/relic/internal/history"
)

const (
	// StatePending is waiting for the project lock.
	StatePending State = iota
	// StateAnalyzing is classifying the script.
	StateAnalyzing
	// StateResolving is mapping libraries and rendering the definition.
	StateResolving
	// StateBuilding is building the environment image.
	StateBuilding
	// StateRunning is executing the script in a container.
	StateRunning
	// StateCompleted is terminal: the script exited, with any code.
	StateCompleted
	// StateFailed is terminal: the environment could not be built or run.
	StateFailed
	// StateCancelled is terminal: cancelled by the caller or timed out.
	StateCancelled
)

// ErrInvalidState is returned when a State value is not one of the defined states.
var ErrInvalidState = errors.New("invalid execution state")

type (
	// State is the lifecycle state of an execution.
	State int32

	// InvalidStateError is returned when a State value is not recognized.
	// It wraps ErrInvalidState for errors.Is() compatibility.
	InvalidStateError struct {
		Value State
	}

	// stateMachine holds a State that only moves forward.
	stateMachine struct {
		v atomic.Int32
	}
)

// String returns a human-readable representation of the state.
func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateAnalyzing:
		return "analyzing"
	case StateResolving:
		return "resolving"
	case StateBuilding:
		return "building"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Error implements the error interface for InvalidStateError.
func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("invalid execution state %d", e.Value)
}

// Unwrap returns the sentinel error for errors.Is() compatibility.
func (e *InvalidStateError) Unwrap() error {
	return ErrInvalidState
}

// Validate returns nil if the State is one of the defined states.
func (s State) Validate() error {
	if s < StatePending || s > StateCancelled {
		return &InvalidStateError{Value: s}
	}
	return nil
}

// IsTerminal returns true for Completed, Failed and Cancelled.
func (s State) IsTerminal() bool {
	return s >= StateCompleted
}

// Status maps a terminal state to the status stored in history.
func (s State) Status() history.Status {
	switch s {
	case StateCompleted:
		return history.StatusCompleted
	case StateCancelled:
		return history.StatusCancelled
	default:
		return history.StatusFailed
	}
}

func (m *stateMachine) load() State {
	return State(m.v.Load())
}

// advance moves to the given state if it lies ahead of the current one and
// the current one is not terminal. It reports whether the move happened.
func (m *stateMachine) advance(to State) bool {
	for {
		cur := m.load()
		if cur.IsTerminal() || cur >= to {
			return false
		}
		if m.v.CompareAndSwap(int32(cur), int32(to)) {
			return true
		}
	}
}
