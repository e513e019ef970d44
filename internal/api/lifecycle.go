// SPDX-License-Identifier: MPL-2.0

package api

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

const (
	// StateCreated indicates the server was created but Start not called.
	StateCreated State = iota
	// StateStarting indicates Start was called and the listener is opening.
	StateStarting
	// StateRunning indicates the server is accepting requests.
	StateRunning
	// StateStopping indicates Stop was called and shutdown is in progress.
	StateStopping
	// StateStopped is terminal: the server has stopped.
	StateStopped
	// StateFailed is terminal: the server failed to start or serve.
	StateFailed
)

// ErrInvalidState is returned when a State value is not one of the defined lifecycle states.
var ErrInvalidState = errors.New("invalid server state")

type (
	// State is the lifecycle state of a Server.
	State int32

	// InvalidStateError is returned when a State value is not recognized.
	InvalidStateError struct {
		Value State
	}

	// lifecycle is the single-use state machine behind Server. Once
	// stopped or failed, a new Server must be created.
	lifecycle struct {
		state     atomic.Int32
		mu        sync.Mutex
		lastErr   error
		wg        sync.WaitGroup
		startedCh chan struct{}
		errCh     chan error
	}
)

// String returns a human-readable representation of the server state.
func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Error implements the error interface.
func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("invalid server state %d", e.Value)
}

// Unwrap returns ErrInvalidState for errors.Is() compatibility.
func (e *InvalidStateError) Unwrap() error { return ErrInvalidState }

// Validate returns nil if the State is one of the defined lifecycle states.
func (s State) Validate() error {
	if s < StateCreated || s > StateFailed {
		return &InvalidStateError{Value: s}
	}
	return nil
}

func newLifecycle() *lifecycle {
	l := &lifecycle{startedCh: make(chan struct{}), errCh: make(chan error, 1)}
	l.state.Store(int32(StateCreated))
	return l
}

func (l *lifecycle) load() State { return State(l.state.Load()) }

// starting moves Created to Starting. A cancelled ctx fails the server
// before anything is opened.
func (l *lifecycle) starting(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		l.failed(fmt.Errorf("context cancelled before start: %w", err))
		return l.err()
	}
	if !l.state.CompareAndSwap(int32(StateCreated), int32(StateStarting)) {
		return fmt.Errorf("cannot start server in state %s", l.load())
	}
	return nil
}

func (l *lifecycle) running() {
	if l.state.CompareAndSwap(int32(StateStarting), int32(StateRunning)) {
		close(l.startedCh)
	}
}

func (l *lifecycle) failed(err error) {
	l.mu.Lock()
	l.lastErr = err
	l.mu.Unlock()
	l.state.Store(int32(StateFailed))
	select {
	case l.errCh <- err:
	default:
	}
}

// stopping reports whether the caller owns the shutdown.
func (l *lifecycle) stopping() bool {
	for {
		cur := l.load()
		switch cur {
		case StateCreated:
			if l.state.CompareAndSwap(int32(cur), int32(StateStopped)) {
				return false
			}
		case StateStarting, StateRunning:
			if l.state.CompareAndSwap(int32(cur), int32(StateStopping)) {
				return true
			}
		default:
			return false
		}
	}
}

func (l *lifecycle) stopped() {
	l.state.CompareAndSwap(int32(StateStopping), int32(StateStopped))
}

func (l *lifecycle) err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastErr
}
