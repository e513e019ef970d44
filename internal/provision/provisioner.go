// SPDX-License-Identifier: MPL-2.0

package provision

import (
	"context"
	"io"

	"github.com/relicrun/relic/internal/generate"
)

type (
	// Provisioner makes sure the image for a definition exists locally.
	Provisioner interface {
		// Ensure builds def's image unless it is already present. Build
		// output is written to out, which may be nil.
		Ensure(ctx context.Context, def *generate.Definition, out io.Writer) (*Result, error)
		// Cached reports whether Ensure would skip the build.
		Cached(ctx context.Context, def *generate.Definition) bool
	}

	// Result contains the output of a provisioning operation.
	Result struct {
		// ImageTag is the tag of the image to run, e.g. "relic-env:3f2a9c01b7de".
		ImageTag string
		// CacheHit is true when the image already existed and no build ran.
		CacheHit bool
		// DefinitionPath is the committed Dockerfile in the definition store.
		// Empty when the provisioner has no store.
		DefinitionPath string
		// Attempts is the number of builds started; zero on a cache hit.
		Attempts int
	}
)
