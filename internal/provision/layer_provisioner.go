// SPDX-License-Identifier: MPL-2.0

package provision

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/charmbracelet/log"

	"github.com/relicrun/relic/internal/container"
	"github.com/relicrun/relic/internal/generate"
	"github.com/relicrun/relic/internal/issue"
	"github.com/relicrun/relic/internal/metrics"
)

// Compile-time interface check
var _ Provisioner = (*LayerProvisioner)(nil)

type (
	// LayerProvisioner builds the image layers a definition describes on top
	// of its base image. Images are cached by definition hash; an existing
	// tag means the definition has been built before.
	LayerProvisioner struct {
		engine  container.Engine
		store   *generate.Store
		config  *Config
		metrics *metrics.Metrics
		logger  *log.Logger
	}

	// LayerProvisionerOption configures a LayerProvisioner.
	LayerProvisionerOption func(*LayerProvisioner)
)

// WithMetrics records cache hits and build durations.
func WithMetrics(m *metrics.Metrics) LayerProvisionerOption {
	return func(p *LayerProvisioner) {
		p.metrics = m
	}
}

// WithLogger sets the provisioner's logger.
func WithLogger(l *log.Logger) LayerProvisionerOption {
	return func(p *LayerProvisioner) {
		p.logger = l
	}
}

// NewLayerProvisioner creates a new LayerProvisioner. store may be nil, in
// which case definitions are built but not recorded.
func NewLayerProvisioner(engine container.Engine, store *generate.Store, cfg *Config, opts ...LayerProvisionerOption) *LayerProvisioner {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	p := &LayerProvisioner{
		engine: engine,
		store:  store,
		config: cfg,
		logger: log.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Config returns the provisioner's configuration.
func (p *LayerProvisioner) Config() *Config {
	return p.config
}

// Ensure returns def's image, building it when it does not exist yet. The
// definition is committed to the store after a successful build and rolled
// back when the build fails.
func (p *LayerProvisioner) Ensure(ctx context.Context, def *generate.Definition, out io.Writer) (*Result, error) {
	if def == nil {
		return nil, errors.New("no container definition")
	}
	if out == nil {
		out = io.Discard
	}

	if !p.config.ForceRebuild {
		exists, err := p.engine.ImageExists(ctx, def.ImageTag)
		if err != nil && ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if exists {
			p.metrics.BuildCacheHit()
			p.logger.Debug("image cached", "tag", def.ImageTag)
			path, err := p.recordCached(def)
			if err != nil {
				p.logger.Warn("definition not recorded", "hash", def.Hash, "error", err)
			}
			return &Result{ImageTag: def.ImageTag, CacheHit: true, DefinitionPath: path}, nil
		}
	}

	secrets, err := p.secretsFor(def)
	if err != nil {
		return nil, err
	}

	if p.store != nil {
		if _, err := p.store.SaveProvisional(def); err != nil {
			return nil, err
		}
	}

	started := time.Now()
	attempts, err := p.build(ctx, def, secrets, out)
	p.metrics.BuildFinished(time.Since(started), err)
	if err != nil {
		if p.store != nil {
			if rbErr := p.store.Rollback(def); rbErr != nil {
				p.logger.Warn("definition rollback failed", "hash", def.Hash, "error", rbErr)
			}
		}
		return nil, err
	}

	result := &Result{ImageTag: def.ImageTag, Attempts: attempts}
	if p.store != nil {
		path, err := p.store.Commit(def)
		if err != nil {
			return nil, err
		}
		result.DefinitionPath = path
	}
	return result, nil
}

// Cached reports whether def's image exists and no rebuild is forced.
// Engine errors count as a miss.
func (p *LayerProvisioner) Cached(ctx context.Context, def *generate.Definition) bool {
	if def == nil || p.config.ForceRebuild {
		return false
	}
	exists, err := p.engine.ImageExists(ctx, def.ImageTag)
	return err == nil && exists
}

// recordCached commits a definition whose image exists but which this
// store has not seen, e.g. after the project directory was recreated.
func (p *LayerProvisioner) recordCached(def *generate.Definition) (string, error) {
	if p.store == nil {
		return "", nil
	}
	if p.store.Committed(def) {
		return p.store.Path(def), nil
	}
	if _, err := p.store.SaveProvisional(def); err != nil {
		return "", err
	}
	return p.store.Commit(def)
}

func (p *LayerProvisioner) secretsFor(def *generate.Definition) ([]container.BuildSecret, error) {
	if def.Profile == nil || def.Profile.Registry == nil || def.Profile.Registry.CredentialsRef == "" {
		return nil, nil
	}
	ref := def.Profile.Registry.CredentialsRef
	path, ok := p.config.SecretFiles[ref]
	if !ok {
		return nil, issue.NewErrorContext().
			WithKind(issue.OrchestrationError).
			WithOperation("provide registry credentials").
			WithResource(ref).
			Wrap(fmt.Errorf("no credentials file configured for %q", ref)).
			WithSuggestion("Set registry.credentials_file to a netrc file for the package index").
			BuildError()
	}
	return []container.BuildSecret{{ID: ref, Src: container.HostFilesystemPath(path)}}, nil
}

// build runs the image build, retrying transient engine failures.
func (p *LayerProvisioner) build(ctx context.Context, def *generate.Definition, secrets []container.BuildSecret, out io.Writer) (int, error) {
	buildCtx, cleanup, err := p.prepareBuildContext(def)
	if err != nil {
		return 0, err
	}
	defer cleanup()

	opts := container.BuildOptions{
		ContextDir: container.HostFilesystemPath(buildCtx),
		Dockerfile: "Dockerfile",
		Tag:        def.ImageTag,
		Secrets:    secrets,
		NoCache:    p.config.NoCache,
		Stdout:     out,
		Stderr:     out,
	}

	maxAttempts := p.config.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	attempts := 0
	err = container.RetryWithBackoff(ctx, maxAttempts, p.config.BaseBackoff, func(attempt int) (bool, error) {
		attempts = attempt + 1
		buildErr := p.engine.Build(ctx, opts)
		if buildErr == nil {
			return false, nil
		}
		if container.IsTransientError(buildErr) && attempt+1 < maxAttempts {
			p.logger.Warn("transient build failure, retrying", "tag", def.ImageTag, "attempt", attempts, "error", buildErr)
			return true, buildErr
		}
		return false, buildErr
	})
	return attempts, err
}

// prepareBuildContext creates a temporary directory holding the definition's
// Dockerfile. The script is not part of the context; it is mounted at run
// time.
func (p *LayerProvisioner) prepareBuildContext(def *generate.Definition) (dir string, cleanup func(), err error) {
	parent := p.config.buildRoot()
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return "", nil, fmt.Errorf("failed to create build context parent directory: %w", err)
	}

	tmpDir, err := os.MkdirTemp(parent, "ctx-*")
	if err != nil {
		return "", nil, fmt.Errorf("failed to create temp directory: %w", err)
	}
	cleanup = func() {
		_ = os.RemoveAll(tmpDir) // Cleanup temp dir; error non-critical
	}

	if err := os.WriteFile(filepath.Join(tmpDir, "Dockerfile"), []byte(def.Dockerfile), 0o644); err != nil {
		cleanup()
		return "", nil, fmt.Errorf("failed to write Dockerfile: %w", err)
	}
	return tmpDir, cleanup, nil
}
