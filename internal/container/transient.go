// SPDX-License-Identifier: MPL-2.0

package container

import (
	"context"
	"errors"
	"os/exec"
	"strings"
)

// transientMarkers are substrings of engine and build output that indicate
// a failure worth retrying.
var transientMarkers = []string{
	"OCI runtime error",
	"Temporary failure resolving",
	"Could not resolve host",
	"connection timed out",
	"connection reset by peer",
	"TLS handshake timeout",
	"error creating overlay mount",
	"error mounting layer",
}

// IsTransientError reports whether err is a container engine failure that
// may succeed on retry: network trouble while pulling or installing
// packages, storage driver races, or the generic engine exit code 125.
// Context cancellation is never transient.
func IsTransientError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() == 125 {
		return true
	}

	msg := err.Error()
	for _, m := range transientMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}
