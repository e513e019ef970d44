// SPDX-License-Identifier: MPL-2.0

package container

import (
	"context"
	"errors"
	"testing"
	"time"
)

var (
	errPipTimeout = errors.New("pip install: Could not resolve host: pypi.org")
	errBadSyntax  = errors.New("Dockerfile parse error line 3: unknown instruction")
)

func TestRetryWithBackoff(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		attempts  int
		failUntil int // op fails for attempts below this index
		failWith  error
		wantErr   error
		wantCalls int
	}{
		{"first attempt succeeds", 3, 0, nil, nil, 1},
		{"transient failures then success", 4, 2, errPipTimeout, nil, 3},
		{"transient failures exhaust attempts", 3, 99, errPipTimeout, errPipTimeout, 3},
		{"permanent failure stops at once", 5, 99, errBadSyntax, errBadSyntax, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			calls := 0
			err := RetryWithBackoff(context.Background(), tt.attempts, time.Millisecond, func(attempt int) (bool, error) {
				calls++
				if attempt < tt.failUntil {
					return IsTransientError(tt.failWith), tt.failWith
				}
				return false, nil
			})
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("RetryWithBackoff() error = %v, want %v", err, tt.wantErr)
			}
			if calls != tt.wantCalls {
				t.Errorf("calls = %d, want %d", calls, tt.wantCalls)
			}
		})
	}
}

func TestRetryWithBackoff_CancelledDuringBackoff(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := RetryWithBackoff(ctx, 5, time.Hour, func(int) (bool, error) {
		calls++
		cancel()
		return true, errPipTimeout
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestRetryWithBackoff_Doubles(t *testing.T) {
	t.Parallel()

	start := time.Now()
	_ = RetryWithBackoff(context.Background(), 3, 20*time.Millisecond, func(int) (bool, error) {
		return true, errPipTimeout
	})
	// 20ms before the second attempt, 40ms before the third.
	if elapsed := time.Since(start); elapsed < 60*time.Millisecond {
		t.Errorf("elapsed = %v, want at least 60ms", elapsed)
	}
}
