// SPDX-License-Identifier: MPL-2.0

package orchestrate

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/relicrun/relic/internal/detect"
	"github.com/relicrun/relic/internal/generate"
	"github.com/relicrun/relic/internal/script"
)

// ErrInvalidRequest is the sentinel error wrapped by InvalidRequestError.
var ErrInvalidRequest = errors.New("invalid run request")

type (
	// Planner produces the definition for a script while the execution is in
	// its Analyzing and Resolving states.
	Planner interface {
		// Analyze classifies the script.
		Analyze(ctx context.Context, src script.Source) (detect.Result, error)
		// Plan resolves the detection and renders the definition.
		Plan(ctx context.Context, det detect.Result, src script.Source, opts PlanOptions) (*generate.Definition, error)
	}

	// PlanOptions carries the request settings a Planner honours.
	PlanOptions struct {
		AllowUnresolved bool
		// InputDir is the host directory mounted at /app/input. Paths below
		// it are rewritten into the mount. Empty when nothing is mounted there.
		InputDir string
	}

	// Mounts are the host directories visible to the script.
	Mounts struct {
		// InputDir is mounted read-only at /app/input. Defaults to the
		// script's directory, which is what sanitized paths point into.
		InputDir string
		// DataDir is mounted read-only at /data when set.
		DataDir string
		// OutputRoot receives one RELIC_RUN_<timestamp> directory per run.
		// Defaults to <project>/output.
		OutputRoot string
	}

	// Request describes one execution.
	Request struct {
		// Project is the root all history paths are relative to.
		Project string
		Script  script.Source
		// Definition is used as is when set; otherwise Planner produces one.
		Definition *generate.Definition
		Planner    Planner
		Mounts     Mounts
		// Timeout cancels the execution after the given duration when positive.
		Timeout time.Duration
		Env     map[string]string
		// AllowUnresolved is passed to the Planner.
		AllowUnresolved bool
	}

	// InvalidRequestError is returned when a Request fails validation.
	InvalidRequestError struct {
		FieldErrs []error
	}
)

// Validate reports every missing field at once.
func (r Request) Validate() error {
	var errs []error
	if r.Project == "" {
		errs = append(errs, errors.New("project root must be set"))
	}
	if r.Script.Name == "" {
		errs = append(errs, errors.New("script must be set"))
	}
	if r.Definition == nil && r.Planner == nil {
		errs = append(errs, errors.New("either a definition or a planner must be set"))
	}
	if r.Timeout < 0 {
		errs = append(errs, fmt.Errorf("timeout %s must not be negative", r.Timeout))
	}
	if len(errs) > 0 {
		return &InvalidRequestError{FieldErrs: errs}
	}
	return nil
}

// Error implements the error interface.
func (e *InvalidRequestError) Error() string {
	return fmt.Sprintf("invalid run request: %v", errors.Join(e.FieldErrs...))
}

// Unwrap returns ErrInvalidRequest and the field errors.
func (e *InvalidRequestError) Unwrap() []error {
	return append([]error{ErrInvalidRequest}, e.FieldErrs...)
}

// resolved returns the mounts with defaults applied and every path absolute.
func (m Mounts) resolved(project string, src script.Source) (Mounts, error) {
	out := m
	if out.InputDir == "" {
		out.InputDir = src.Dir()
	}
	if out.OutputRoot == "" {
		out.OutputRoot = filepath.Join(project, "output")
	}
	for _, p := range []*string{&out.InputDir, &out.DataDir, &out.OutputRoot} {
		if *p == "" {
			continue
		}
		abs, err := filepath.Abs(*p)
		if err != nil {
			return Mounts{}, fmt.Errorf("resolve mount %s: %w", *p, err)
		}
		*p = abs
	}
	return out, nil
}

// collision reports the directory the output root may not coincide with.
func (m Mounts) collision(src script.Source) (string, bool) {
	if dir := src.Dir(); dir != "" && samePath(m.OutputRoot, dir) {
		return dir, true
	}
	if m.InputDir != "" && samePath(m.OutputRoot, m.InputDir) {
		return m.InputDir, true
	}
	if m.DataDir != "" && samePath(m.OutputRoot, m.DataDir) {
		return m.DataDir, true
	}
	return "", false
}

func samePath(a, b string) bool {
	return filepath.Clean(a) == filepath.Clean(b)
}
