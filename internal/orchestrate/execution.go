// SPDX-License-Identifier: MPL-2.0

package orchestrate

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/relicrun/relic/internal/history"
	"github.com/relicrun/relic/internal/script"
)

var (
	// ErrCancelled is the cancellation cause for Cancel.
	ErrCancelled = errors.New("execution cancelled")
	// ErrTimeout is the cancellation cause when the request timeout elapses.
	ErrTimeout = errors.New("execution timed out")
)

type (
	// Execution is one run of a script. Its methods are safe for concurrent use.
	Execution struct {
		id        string
		project   string
		script    script.Source
		startedAt time.Time

		state  stateMachine
		sink   *sink
		ctx    context.Context
		cancel context.CancelCauseFunc
		done   chan struct{}

		mu     sync.Mutex
		record *history.Record
		err    error
	}

	// Summary is a point-in-time view of an execution.
	Summary struct {
		ID        string          `json:"id"`
		Project   string          `json:"project"`
		Script    string          `json:"script"`
		State     State           `json:"state"`
		StartedAt time.Time       `json:"startedAt"`
		Delivered int64           `json:"delivered"`
		Record    *history.Record `json:"record,omitempty"`
	}
)

// ID returns the execution id.
func (e *Execution) ID() string { return e.id }

// State returns the current state.
func (e *Execution) State() State { return e.state.load() }

// Events returns the execution's output. The channel is closed once the
// execution reaches a terminal state. Events must be consumed: a full
// channel holds the execution back.
func (e *Execution) Events() <-chan LogEvent { return e.sink.events }

// Done is closed once the execution is terminal and its record is final.
func (e *Execution) Done() <-chan struct{} { return e.done }

// Cancel stops the execution. Events emitted after the call are not
// delivered. Cancelling a finished execution does nothing.
func (e *Execution) Cancel() {
	e.stop(ErrCancelled)
}

// stop sets the log cutoff before cancelling so that nothing emitted after
// the call reaches the consumer.
func (e *Execution) stop(cause error) {
	select {
	case <-e.done:
		return
	default:
	}
	e.sink.cutoff()
	e.cancel(cause)
}

// Wait blocks until the execution finishes or ctx ends. The record is
// returned for every finished execution, including failed and cancelled
// ones; the error is the execution's failure cause, if any.
func (e *Execution) Wait(ctx context.Context) (*history.Record, error) {
	select {
	case <-e.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.record, e.err
}

// Summary returns the current view of the execution.
func (e *Execution) Summary() Summary {
	s := Summary{
		ID:        e.id,
		Project:   e.project,
		Script:    e.script.Name,
		State:     e.State(),
		StartedAt: e.startedAt,
		Delivered: e.sink.delivered(),
	}
	e.mu.Lock()
	s.Record = e.record
	e.mu.Unlock()
	return s
}

// finishedAt returns when a terminal execution finished.
func (e *Execution) finishedAt() (time.Time, bool) {
	select {
	case <-e.done:
	default:
		return time.Time{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.record == nil {
		return time.Time{}, false
	}
	return e.record.FinishedAt, true
}

func (e *Execution) finish(rec *history.Record, err error) {
	e.mu.Lock()
	e.record = rec
	e.err = err
	e.mu.Unlock()
}
