// SPDX-License-Identifier: MPL-2.0

package knowledge

import (
	"sync"
	"sync/atomic"
)

// Store holds the current Snapshot. Readers never block; Reload builds a
// complete new snapshot and swaps it in, so a reader sees either the old or
// the new knowledge base and never a mix.
type Store struct {
	current atomic.Pointer[Snapshot]

	mu     sync.Mutex
	src    Sources
	opts   []Option
	static bool
}

// NewStore loads src and returns a Store holding the result.
func NewStore(src Sources, opts ...Option) (*Store, error) {
	snap, err := Load(src, opts...)
	if err != nil {
		return nil, err
	}
	s := &Store{src: src, opts: opts}
	s.current.Store(snap)
	return s, nil
}

// NewStaticStore wraps a fixed snapshot. Reload returns it unchanged.
func NewStaticStore(snap *Snapshot) *Store {
	s := &Store{static: true}
	s.current.Store(snap)
	return s
}

// Snapshot returns the current knowledge base.
func (s *Store) Snapshot() *Snapshot {
	return s.current.Load()
}

// Reload re-reads every layer. On error the previous snapshot stays current.
func (s *Store) Reload() (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.static {
		return s.current.Load(), nil
	}
	snap, err := Load(s.src, s.opts...)
	if err != nil {
		return s.current.Load(), err
	}
	s.current.Store(snap)
	return snap, nil
}
