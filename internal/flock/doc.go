// SPDX-License-Identifier: MPL-2.0

// Package flock provides advisory file locks for serializing relic processes
// that share a project directory.
//
// Locks are flock(2) locks on Linux. Elsewhere every call returns
// ErrUnavailable and callers fall back to in-process synchronization.
package flock
