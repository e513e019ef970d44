// SPDX-License-Identifier: MPL-2.0

package flock

import "errors"

var (
	// ErrUnavailable is returned on platforms without flock support.
	ErrUnavailable = errors.New("flock not available on this platform")

	// ErrLocked is returned by TryLock when another holder has the lock.
	ErrLocked = errors.New("lock held by another process")
)
