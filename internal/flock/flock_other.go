// SPDX-License-Identifier: MPL-2.0

//go:build !linux

package flock

// Lock is the non-Linux stub. Release is a no-op.
type Lock struct{}

// Acquire always returns ErrUnavailable on this platform.
func Acquire(string) (*Lock, error) { return nil, ErrUnavailable }

// TryAcquire always returns ErrUnavailable on this platform.
func TryAcquire(string) (*Lock, error) { return nil, ErrUnavailable }

// Release is a no-op on non-Linux platforms.
func (l *Lock) Release() {}
