// SPDX-License-Identifier: MPL-2.0

// Package orchestrate runs a script inside its generated environment and
// records the outcome.
//
// An Execution moves forward through
//
//	Pending → Analyzing → Resolving → Building → Running → {Completed | Failed | Cancelled}
//
// and never leaves a terminal state. Output lines are delivered in order
// through a bounded channel that applies back-pressure instead of dropping
// events. Cancellation and timeouts share one path: the log cutoff is set,
// the container is stopped and, after the grace period, killed.
//
// At most one execution per project is active at a time, enforced in-process
// by a semaphore and across processes by an flock on .relic/run.lock.
package orchestrate
