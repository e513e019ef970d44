// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/charmbracelet/log"

	"github.com/relicrun/relic/internal/config"
	"github.com/relicrun/relic/internal/container"
	"github.com/relicrun/relic/internal/knowledge"
	"github.com/relicrun/relic/internal/metrics"
	"github.com/relicrun/relic/internal/orchestrate"
	"github.com/relicrun/relic/internal/pipeline"
	"github.com/relicrun/relic/internal/pkgindex"
	"github.com/relicrun/relic/internal/provision"
)

type (
	// ConfigProvider loads configuration using explicit options.
	ConfigProvider interface {
		Load(ctx context.Context, opts config.LoadOptions) (*config.Config, error)
	}

	// EngineFactory opens the container engine named in the configuration.
	EngineFactory func(engine config.ContainerEngine) (container.Engine, error)

	// App wires CLI services and shared dependencies. Every command handler
	// receives it and opens a session through it.
	App struct {
		Config  ConfigProvider
		Engines EngineFactory
		stdout  io.Writer
		stderr  io.Writer
		flags   globalFlags
	}

	// Dependencies defines the injection points for building an App. Nil fields
	// are replaced with production defaults by NewApp.
	Dependencies struct {
		Config  ConfigProvider
		Engines EngineFactory
		Stdout  io.Writer
		Stderr  io.Writer
	}

	globalFlags struct {
		verbose    bool
		configPath string
		json       bool
	}

	// session holds everything one command invocation works with.
	session struct {
		cfg     *config.Config
		logger  *log.Logger
		metrics *metrics.Metrics
		sources knowledge.Sources
		index   pkgindex.Index
		svc     *pipeline.Service
		engine  container.Engine
		orch    *orchestrate.Orchestrator
	}
)

// NewApp creates an App with defaults for omitted dependencies.
func NewApp(deps Dependencies) *App {
	if deps.Stdout == nil {
		deps.Stdout = os.Stdout
	}
	if deps.Stderr == nil {
		deps.Stderr = os.Stderr
	}
	if deps.Config == nil {
		deps.Config = config.NewProvider()
	}
	if deps.Engines == nil {
		deps.Engines = openEngine
	}
	return &App{
		Config:  deps.Config,
		Engines: deps.Engines,
		stdout:  deps.Stdout,
		stderr:  deps.Stderr,
	}
}

func openEngine(engine config.ContainerEngine) (container.Engine, error) {
	if engine == "" {
		return container.AutoDetectEngine()
	}
	return container.NewEngine(container.EngineType(engine))
}

func (a *App) loadConfig(ctx context.Context) (*config.Config, error) {
	return a.Config.Load(ctx, config.LoadOptions{ConfigFilePath: a.flags.configPath})
}

func (a *App) newLogger(cfg *config.Config) *log.Logger {
	verbose := a.flags.verbose || cfg.UI.Verbose
	logger := log.NewWithOptions(a.stderr, log.Options{
		Prefix:          "relic",
		ReportTimestamp: verbose,
	})
	if verbose {
		logger.SetLevel(log.DebugLevel)
	}
	return logger
}

// open loads configuration and knowledge and builds the pipeline. With
// withEngine set it also opens the container engine and the orchestrator.
func (a *App) open(ctx context.Context, withEngine bool) (*session, error) {
	cfg, err := a.loadConfig(ctx)
	if err != nil {
		return nil, err
	}
	s := &session{
		cfg:     cfg,
		logger:  a.newLogger(cfg),
		metrics: metrics.New(),
		sources: knowledge.Sources{
			Base:     cfg.Knowledge.Base,
			Overlays: cfg.Knowledge.Overlays,
			User:     cfg.Knowledge.User,
			PipConf:  cfg.Registry.PipConf,
		},
	}

	store, err := knowledge.NewStore(s.sources, knowledge.WithLogger(s.logger))
	if err != nil {
		return nil, err
	}

	opts := []pipeline.Option{
		pipeline.WithSources(s.sources),
		pipeline.WithMetrics(s.metrics),
		pipeline.WithLogger(s.logger),
	}
	idx, err := newIndex(cfg.Index)
	if err != nil {
		return nil, err
	}
	if idx != nil {
		s.index = idx
		opts = append(opts, pipeline.WithIndex(idx))
	}

	if withEngine {
		engine, err := a.Engines(cfg.ContainerEngine)
		if err != nil {
			return nil, err
		}
		s.engine = engine
		s.orch = orchestrate.New(engine,
			orchestrate.WithConfig(orchestrate.Config{
				Grace:          cfg.Execution.GracePeriod,
				LogBuffer:      cfg.Execution.LogBuffer,
				HistoryBackend: cfg.History.Backend,
				Provision:      provisionConfig(cfg, store.Snapshot()),
			}),
			orchestrate.WithMetrics(s.metrics),
			orchestrate.WithLogger(s.logger))
		opts = append(opts, pipeline.WithOrchestrator(s.orch))
	}

	s.svc = pipeline.New(store, opts...)
	return s, nil
}

func (s *session) close() error {
	var errs []error
	if s.orch != nil {
		errs = append(errs, s.orch.Close())
	}
	if c, ok := s.engine.(io.Closer); ok {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}

// projectRoot picks the explicit flag, then the configured root, then the
// working directory.
func (s *session) projectRoot(flag string) (string, error) {
	root := flag
	if root == "" {
		root = s.cfg.ProjectRoot
	}
	if root == "" {
		root = "."
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolve project root: %w", err)
	}
	return abs, nil
}

// newIndex returns nil when the index is offline and no names file is set;
// resolution then reports unmapped imports as unresolved.
func newIndex(cfg config.IndexConfig) (pkgindex.Index, error) {
	if cfg.Offline {
		if cfg.NamesFile == "" {
			return nil, nil
		}
		return pkgindex.LoadStatic(cfg.NamesFile)
	}
	opts := []pkgindex.ClientOption{
		pkgindex.WithUserAgent("relic/" + Version),
		pkgindex.WithRateLimit(cfg.Rate),
	}
	if cfg.URL != "" {
		opts = append(opts, pkgindex.WithBaseURL(cfg.URL))
	}
	return pkgindex.NewPyPI(opts...), nil
}

// provisionConfig passes the configured credentials file as the build secret
// the knowledge base's registry refers to.
func provisionConfig(cfg *config.Config, snap *knowledge.Snapshot) *provision.Config {
	pc := provision.DefaultConfig()
	if cfg.Registry.CredentialsFile == "" || snap == nil || snap.Registry == nil || snap.Registry.CredentialsRef == "" {
		return pc
	}
	pc.Apply(provision.WithSecretFile(snap.Registry.CredentialsRef, cfg.Registry.CredentialsFile))
	return pc
}
