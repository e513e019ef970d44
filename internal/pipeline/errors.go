// SPDX-License-Identifier: MPL-2.0

package pipeline

import "errors"

// ErrNoOrchestrator is returned by Run and Cancel on a service built
// without an orchestrator.
var ErrNoOrchestrator = errors.New("execution is not configured")
