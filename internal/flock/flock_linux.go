// SPDX-License-Identifier: MPL-2.0

//go:build linux

package flock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/charmbracelet/log"
	"golang.org/x/sys/unix"
)

// Lock holds an exclusive flock on a file. The zero-byte lock file is
// harmless if orphaned; the kernel releases the lock when the descriptor
// is closed, including on process crash.
type Lock struct {
	file *os.File
}

// Acquire opens (or creates) path and blocks until it holds an exclusive lock.
func Acquire(path string) (*Lock, error) {
	return acquire(path, unix.LOCK_EX)
}

// TryAcquire is like Acquire but returns ErrLocked instead of blocking.
func TryAcquire(path string) (*Lock, error) {
	return acquire(path, unix.LOCK_EX|unix.LOCK_NB)
}

func acquire(path string, how int) (*Lock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open lock file %s: %w", path, err)
	}

	if err := unix.Flock(int(f.Fd()), how); err != nil {
		f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, fmt.Errorf("%s: %w", path, ErrLocked)
		}
		return nil, fmt.Errorf("flock %s: %w", path, err)
	}
	return &Lock{file: f}, nil
}

// Release unlocks and closes the file. It is safe to call multiple times
// and on a nil Lock.
func (l *Lock) Release() {
	if l == nil || l.file == nil {
		return
	}
	if err := unix.Flock(int(l.file.Fd()), unix.LOCK_UN); err != nil {
		log.Debug("flock unlock failed", "error", err)
	}
	if err := l.file.Close(); err != nil {
		log.Debug("lock file close failed", "error", err)
	}
	l.file = nil
}
