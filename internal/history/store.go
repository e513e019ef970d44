// SPDX-License-Identifier: MPL-2.0

package history

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/charmbracelet/log"

	"github.com/relicrun/relic/internal/issue"
	"github.com/relicrun/relic/internal/metrics"
)

const (
	// BackendJSONL appends one JSON document per line to records.jsonl.
	BackendJSONL BackendType = "jsonl"
	// BackendSQLite stores records in history.db.
	BackendSQLite BackendType = "sqlite"
)

var (
	// ErrInvalidBackend is returned when a BackendType value is not recognized.
	ErrInvalidBackend = errors.New("invalid history backend")
	// ErrRecordNotFound is returned by Get for an unknown execution id.
	ErrRecordNotFound = errors.New("execution record not found")
)

type (
	// BackendType selects where records are persisted.
	BackendType string

	// InvalidBackendError is returned when a BackendType value is not recognized.
	InvalidBackendError struct {
		Value BackendType
	}

	// Backend persists records in append order.
	Backend interface {
		Append(ctx context.Context, rec Record) error
		List(ctx context.Context) ([]Record, error)
		Get(ctx context.Context, id string) (Record, error)
		Close() error
	}

	// Store is the audit history of one project.
	Store struct {
		root    string
		backend Backend
		metrics *metrics.Metrics
		logger  *log.Logger
		now     func() time.Time
	}

	// Option configures a Store.
	Option func(*Store)
)

func (b BackendType) String() string { return string(b) }

// Validate returns nil if the BackendType is a known backend.
func (b BackendType) Validate() error {
	switch b {
	case BackendJSONL, BackendSQLite:
		return nil
	default:
		return &InvalidBackendError{Value: b}
	}
}

// Error implements the error interface.
func (e *InvalidBackendError) Error() string {
	return fmt.Sprintf("invalid history backend %q (valid: jsonl, sqlite)", string(e.Value))
}

// Unwrap returns ErrInvalidBackend for errors.Is() compatibility.
func (e *InvalidBackendError) Unwrap() error { return ErrInvalidBackend }

// WithMetrics counts failed history writes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Store) {
		s.metrics = m
	}
}

// WithLogger sets the store's logger.
func WithLogger(l *log.Logger) Option {
	return func(s *Store) {
		s.logger = l
	}
}

// WithClock replaces time.Now for snapshot directory names.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// WithBackend uses b instead of opening one from the backend type.
func WithBackend(b Backend) Option {
	return func(s *Store) {
		s.backend = b
	}
}

// Open opens the history of the project at root with the given backend.
func Open(root string, backend BackendType, opts ...Option) (*Store, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve project root: %w", err)
	}
	s := &Store{root: abs, logger: log.Default(), now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	if s.backend != nil {
		return s, nil
	}

	if backend == "" {
		backend = BackendJSONL
	}
	if err := backend.Validate(); err != nil {
		return nil, err
	}
	switch backend {
	case BackendSQLite:
		s.backend, err = OpenSQLite(StateDir(abs, "history", "history.db"))
	default:
		s.backend, err = OpenJSONL(StateDir(abs, "history", "records.jsonl"))
	}
	if err != nil {
		return nil, writeError("open history", abs, err)
	}
	return s, nil
}

// Root returns the absolute project root.
func (s *Store) Root() string { return s.root }

// Rel converts a host path to its stored form for this project.
func (s *Store) Rel(path string) string { return Rel(s.root, path) }

// Abs resolves a stored path for this project.
func (s *Store) Abs(stored string) string { return Abs(s.root, stored) }

// Append writes rec. A failure is a HistoryWriteError.
func (s *Store) Append(ctx context.Context, rec Record) error {
	if err := rec.validate(); err != nil {
		return writeError("append execution record", rec.ID, err)
	}
	rec.HistoryError = nil
	rec.StartedAt = rec.StartedAt.UTC()
	rec.FinishedAt = rec.FinishedAt.UTC()
	if err := s.backend.Append(ctx, rec); err != nil {
		s.metrics.HistoryWriteFailed()
		s.logger.Error("history write failed", "id", rec.ID, "error", err)
		return writeError("append execution record", rec.ID, err)
	}
	return nil
}

// List returns every record in append order.
func (s *Store) List(ctx context.Context) ([]Record, error) {
	return s.backend.List(ctx)
}

// Get returns the record with the given id.
func (s *Store) Get(ctx context.Context, id string) (Record, error) {
	return s.backend.Get(ctx, id)
}

// Close releases the backend.
func (s *Store) Close() error {
	return s.backend.Close()
}

func writeError(op, resource string, cause error) error {
	return issue.NewErrorContext().
		WithKind(issue.HistoryWriteError).
		WithOperation(op).
		WithResource(resource).
		Wrap(cause).
		WithSuggestion("Check that the project's .relic directory is writable").
		WithSuggestion("Check free disk space on the project volume").
		BuildError()
}

func notFound(id string) error {
	return fmt.Errorf("%w: %s", ErrRecordNotFound, id)
}
