// SPDX-License-Identifier: MPL-2.0

package provision

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/relicrun/relic/internal/container"
	"github.com/relicrun/relic/internal/generate"
	"github.com/relicrun/relic/internal/issue"
	"github.com/relicrun/relic/internal/knowledge"
	"github.com/relicrun/relic/internal/metrics"
	"github.com/relicrun/relic/internal/resolve"
)

// mockEngine implements container.Engine for testing provisioner logic
// without requiring real Docker/Podman.
type mockEngine struct {
	mu sync.Mutex

	// imageExists controls what ImageExists returns
	imageExists bool
	// buildErrs are returned by successive Build calls; nil once exhausted
	buildErrs []error

	// builds records Build invocations for assertion
	builds []container.BuildOptions
	// dockerfiles holds the Dockerfile content seen by each build
	dockerfiles []string
}

func (m *mockEngine) Name() string                           { return "mock" }
func (m *mockEngine) Ping(context.Context) error             { return nil }
func (m *mockEngine) Version(context.Context) (string, error) { return "mock-1.0.0", nil }

func (m *mockEngine) Build(_ context.Context, opts container.BuildOptions) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.builds = append(m.builds, opts)
	data, _ := os.ReadFile(filepath.Join(string(opts.ContextDir), opts.Dockerfile))
	m.dockerfiles = append(m.dockerfiles, string(data))
	if opts.Stdout != nil {
		_, _ = io.WriteString(opts.Stdout, "Step 1/3 : FROM python\n")
	}
	if len(m.buildErrs) == 0 {
		return nil
	}
	err := m.buildErrs[0]
	m.buildErrs = m.buildErrs[1:]
	return err
}

func (m *mockEngine) ImageExists(context.Context, string) (bool, error) {
	return m.imageExists, nil
}

func (m *mockEngine) Start(context.Context, container.RunOptions) (container.ContainerID, error) {
	return "", errors.New("not implemented")
}

func (m *mockEngine) Logs(context.Context, container.ContainerID, io.Writer, io.Writer) error {
	return nil
}

func (m *mockEngine) Wait(context.Context, container.ContainerID) (int, error) { return 0, nil }

func (m *mockEngine) Stop(context.Context, container.ContainerID, time.Duration) error { return nil }

func (m *mockEngine) Kill(context.Context, container.ContainerID) error { return nil }

func (m *mockEngine) Remove(context.Context, container.ContainerID, bool) error { return nil }

func testDefinition(t *testing.T, registry *knowledge.Registry) *generate.Definition {
	t.Helper()
	dockerfile := "FROM python:3.8-slim\nRUN pip install --no-cache-dir numpy==1.19.5\n"
	hash := generate.Hash(dockerfile, "print(1)\n")
	return &generate.Definition{
		Dockerfile:      dockerfile,
		Hash:            hash,
		ImageTag:        generate.ImageTag(hash),
		Profile:         &resolve.Profile{BaseImage: "python:3.8-slim", Registry: registry},
		ScriptName:      "calc.py",
		SanitizedScript: "print(1)\n",
	}
}

func newTestProvisioner(t *testing.T, engine container.Engine, opts ...Option) (*LayerProvisioner, *generate.Store, *metrics.Metrics) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Apply(append([]Option{WithBuildRoot(t.TempDir()), WithRetry(3, time.Millisecond)}, opts...)...)
	store := generate.NewStore(filepath.Join(t.TempDir(), "definitions"))
	m := metrics.New()
	return NewLayerProvisioner(engine, store, cfg, WithMetrics(m), WithLogger(log.New(io.Discard))), store, m
}

func TestLayerProvisioner_CacheMiss(t *testing.T) {
	t.Parallel()

	engine := &mockEngine{}
	p, store, _ := newTestProvisioner(t, engine)
	def := testDefinition(t, nil)

	var out strings.Builder
	result, err := p.Ensure(context.Background(), def, &out)
	if err != nil {
		t.Fatalf("Ensure() error: %v", err)
	}
	if result.CacheHit || result.Attempts != 1 || result.ImageTag != def.ImageTag {
		t.Errorf("result = %+v", result)
	}
	if len(engine.builds) != 1 || engine.builds[0].Tag != def.ImageTag {
		t.Fatalf("builds = %+v", engine.builds)
	}
	if engine.dockerfiles[0] != def.Dockerfile {
		t.Errorf("build context Dockerfile = %q", engine.dockerfiles[0])
	}
	if !strings.Contains(out.String(), "Step 1/3") {
		t.Errorf("build output not forwarded: %q", out.String())
	}
	if !store.Committed(def) || result.DefinitionPath != store.Path(def) {
		t.Errorf("definition not committed: %+v", result)
	}
	if _, err := os.Stat(string(engine.builds[0].ContextDir)); !os.IsNotExist(err) {
		t.Errorf("build context not cleaned up: %v", err)
	}
}

func TestLayerProvisioner_CacheHit(t *testing.T) {
	t.Parallel()

	engine := &mockEngine{imageExists: true}
	p, store, m := newTestProvisioner(t, engine)
	def := testDefinition(t, nil)

	result, err := p.Ensure(context.Background(), def, nil)
	if err != nil {
		t.Fatalf("Ensure() error: %v", err)
	}
	if !result.CacheHit || result.Attempts != 0 {
		t.Errorf("result = %+v, want cache hit", result)
	}
	if len(engine.builds) != 0 {
		t.Errorf("Build called %d times on cache hit", len(engine.builds))
	}
	if got := testutil.ToFloat64(m.BuildsTotal.WithLabelValues("hit")); got != 1 {
		t.Errorf("cache hits = %v, want 1", got)
	}
	if !store.Committed(def) {
		t.Error("cached definition should still be recorded")
	}
}

func TestLayerProvisioner_ForceRebuild(t *testing.T) {
	t.Parallel()

	engine := &mockEngine{imageExists: true}
	p, _, _ := newTestProvisioner(t, engine, WithForceRebuild(true), WithNoCache(true))

	if _, err := p.Ensure(context.Background(), testDefinition(t, nil), nil); err != nil {
		t.Fatalf("Ensure() error: %v", err)
	}
	if len(engine.builds) != 1 || !engine.builds[0].NoCache {
		t.Errorf("builds = %+v, want one no-cache build", engine.builds)
	}
}

func TestLayerProvisioner_RetriesTransientFailures(t *testing.T) {
	t.Parallel()

	engine := &mockEngine{buildErrs: []error{
		errors.New("Could not resolve host: deb.debian.org"),
		errors.New("connection reset by peer"),
	}}
	p, store, _ := newTestProvisioner(t, engine)
	def := testDefinition(t, nil)

	result, err := p.Ensure(context.Background(), def, nil)
	if err != nil {
		t.Fatalf("Ensure() error: %v", err)
	}
	if result.Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", result.Attempts)
	}
	if !store.Committed(def) {
		t.Error("definition not committed after retry succeeded")
	}
}

func TestLayerProvisioner_PermanentFailureRollsBack(t *testing.T) {
	t.Parallel()

	buildErr := issue.NewErrorContext().
		WithKind(issue.OrchestrationError).
		WithOperation("build container image").
		Wrap(errors.New("No matching distribution found for numpy==9.9")).
		BuildError()
	engine := &mockEngine{buildErrs: []error{buildErr}}
	p, store, _ := newTestProvisioner(t, engine)
	def := testDefinition(t, nil)

	_, err := p.Ensure(context.Background(), def, nil)
	if !errors.Is(err, issue.OrchestrationError) {
		t.Fatalf("Ensure() error = %v, want OrchestrationError", err)
	}
	if len(engine.builds) != 1 {
		t.Errorf("permanent failure retried: %d builds", len(engine.builds))
	}
	if store.Committed(def) {
		t.Error("failed definition committed")
	}
	entries, _ := os.ReadDir(store.Dir())
	if len(entries) != 0 {
		t.Errorf("definition store not rolled back: %v", entries)
	}
}

func TestLayerProvisioner_RegistrySecret(t *testing.T) {
	t.Parallel()

	registry := &knowledge.Registry{IndexURL: "https://pypi.corp.example/simple", CredentialsRef: "corp-pypi"}

	t.Run("configured", func(t *testing.T) {
		t.Parallel()
		engine := &mockEngine{}
		p, _, _ := newTestProvisioner(t, engine, WithSecretFile("corp-pypi", "/home/u/.netrc"))
		if _, err := p.Ensure(context.Background(), testDefinition(t, registry), nil); err != nil {
			t.Fatalf("Ensure() error: %v", err)
		}
		secrets := engine.builds[0].Secrets
		if len(secrets) != 1 || secrets[0].ID != "corp-pypi" || secrets[0].Src != "/home/u/.netrc" {
			t.Errorf("secrets = %+v", secrets)
		}
	})

	t.Run("missing", func(t *testing.T) {
		t.Parallel()
		engine := &mockEngine{}
		p, _, _ := newTestProvisioner(t, engine)
		_, err := p.Ensure(context.Background(), testDefinition(t, registry), nil)
		if !errors.Is(err, issue.OrchestrationError) {
			t.Errorf("Ensure() error = %v, want OrchestrationError", err)
		}
		if len(engine.builds) != 0 {
			t.Error("build started without credentials")
		}
	})
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		cfg        Config
		wantFields int
	}{
		{"zero value", Config{}, 0},
		{"defaults", *DefaultConfig(), 0},
		{"whitespace build root", Config{BuildRoot: "  "}, 1},
		{"negative retry", Config{MaxAttempts: -1, BaseBackoff: -time.Second}, 2},
		{"empty secret path", Config{SecretFiles: map[string]string{"corp": ""}}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.cfg.Validate()
			if tt.wantFields == 0 {
				if err != nil {
					t.Errorf("Validate() unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, ErrInvalidProvisionConfig) {
				t.Fatalf("Validate() error = %v, want ErrInvalidProvisionConfig", err)
			}
			var cfgErr *InvalidProvisionConfigError
			if !errors.As(err, &cfgErr) || len(cfgErr.FieldErrors) != tt.wantFields {
				t.Errorf("field errors = %v, want %d", err, tt.wantFields)
			}
		})
	}
}
