// SPDX-License-Identifier: MPL-2.0

//go:build linux

package flock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

func TestAcquire_CreatesFile(t *testing.T) {
	t.Parallel()

	lockPath := filepath.Join(t.TempDir(), ".relic", "run.lock")
	lock, err := Acquire(lockPath)
	if err != nil {
		t.Fatalf("Acquire() error: %v", err)
	}
	defer lock.Release()

	if _, statErr := os.Stat(lockPath); statErr != nil {
		t.Errorf("lock file not found at %s: %v", lockPath, statErr)
	}
}

func TestAcquire_BlocksConcurrent(t *testing.T) {
	t.Parallel()

	lockPath := filepath.Join(t.TempDir(), "test.lock")
	lockA, err := Acquire(lockPath)
	if err != nil {
		t.Fatalf("Acquire A: %v", err)
	}

	var acquired atomic.Bool
	done := make(chan struct{})
	go func() {
		defer close(done)
		lockB, bErr := Acquire(lockPath)
		if bErr != nil {
			t.Errorf("Acquire B: %v", bErr)
			return
		}
		acquired.Store(true)
		lockB.Release()
	}()

	time.Sleep(100 * time.Millisecond)
	if acquired.Load() {
		t.Fatal("goroutine B acquired the lock while A still held it")
	}

	lockA.Release()

	select {
	case <-done:
		if !acquired.Load() {
			t.Fatal("goroutine B never acquired the lock after A released")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for goroutine B to acquire the lock")
	}
}

func TestTryAcquire(t *testing.T) {
	t.Parallel()

	lockPath := filepath.Join(t.TempDir(), "test.lock")
	held, err := TryAcquire(lockPath)
	if err != nil {
		t.Fatalf("TryAcquire() error: %v", err)
	}

	if _, err := TryAcquire(lockPath); !errors.Is(err, ErrLocked) {
		t.Errorf("second TryAcquire() error = %v, want ErrLocked", err)
	}

	held.Release()
	again, err := TryAcquire(lockPath)
	if err != nil {
		t.Fatalf("TryAcquire() after release error: %v", err)
	}
	again.Release()
}

func TestRelease_Idempotent(t *testing.T) {
	t.Parallel()

	lock, err := Acquire(filepath.Join(t.TempDir(), "test.lock"))
	if err != nil {
		t.Fatalf("Acquire() error: %v", err)
	}
	lock.Release()
	lock.Release()

	var nilLock *Lock
	nilLock.Release()
}

func TestAcquire_SerializedAccess(t *testing.T) {
	t.Parallel()

	lockPath := filepath.Join(t.TempDir(), "test.lock")
	counterPath := filepath.Join(t.TempDir(), "counter")
	if err := os.WriteFile(counterPath, []byte("0"), 0o600); err != nil {
		t.Fatalf("failed to write initial counter: %v", err)
	}

	const numGoroutines = 5
	done := make(chan struct{}, numGoroutines)
	for range numGoroutines {
		go func() {
			defer func() { done <- struct{}{} }()

			lock, lockErr := Acquire(lockPath)
			if lockErr != nil {
				t.Errorf("Acquire() error: %v", lockErr)
				return
			}
			defer lock.Release()

			data, readErr := os.ReadFile(counterPath)
			if readErr != nil {
				t.Errorf("read counter: %v", readErr)
				return
			}
			var n int
			if _, scanErr := fmt.Sscanf(string(data), "%d", &n); scanErr != nil {
				t.Errorf("parse counter %q: %v", string(data), scanErr)
				return
			}
			n++
			if writeErr := os.WriteFile(counterPath, fmt.Appendf(nil, "%d", n), 0o600); writeErr != nil {
				t.Errorf("write counter: %v", writeErr)
			}
		}()
	}

	for range numGoroutines {
		select {
		case <-done:
		case <-time.After(10 * time.Second):
			t.Fatal("timed out waiting for goroutines")
		}
	}

	data, err := os.ReadFile(counterPath)
	if err != nil {
		t.Fatalf("read final counter: %v", err)
	}
	var finalCount int
	if _, scanErr := fmt.Sscanf(string(data), "%d", &finalCount); scanErr != nil {
		t.Fatalf("parse final counter %q: %v", string(data), scanErr)
	}
	if finalCount != numGoroutines {
		t.Errorf("counter = %d, want %d (serialization failure)", finalCount, numGoroutines)
	}
}
