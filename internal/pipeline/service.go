// SPDX-License-Identifier: MPL-2.0

package pipeline

import (
	"context"
	"os"

	"github.com/charmbracelet/log"

	"github.com/relicrun/relic/internal/detect"
	"github.com/relicrun/relic/internal/generate"
	"github.com/relicrun/relic/internal/knowledge"
	"github.com/relicrun/relic/internal/metrics"
	"github.com/relicrun/relic/internal/orchestrate"
	"github.com/relicrun/relic/internal/pkgindex"
	"github.com/relicrun/relic/internal/resolve"
	"github.com/relicrun/relic/internal/script"
)

type (
	// Service runs the relic pipeline. It is safe for concurrent use.
	Service struct {
		detector     *detect.Detector
		knowledge    *knowledge.Store
		sources      knowledge.Sources
		index        pkgindex.Index
		resolver     *resolve.Resolver
		generator    *generate.Generator
		orchestrator *orchestrate.Orchestrator
		metrics      *metrics.Metrics
		logger       *log.Logger
		homeDir      string
	}

	// Option configures a Service.
	Option func(*Service)

	// ResolveOptions adjusts one Resolve call.
	ResolveOptions struct {
		// Overlays are extra knowledge layers applied after the configured ones.
		Overlays []string
		// Dialect overrides the detected dialect when set.
		Dialect detect.Dialect
		// Image forces an image rule by id.
		Image string
	}

	// GenerateOptions adjusts one Generate call.
	GenerateOptions struct {
		AllowUnresolved bool
		// InputDir replaces the script's directory as the root of paths
		// rewritten to the input mount.
		InputDir string
	}
)

// WithIndex lets the resolver guess libraries the knowledge base lacks.
func WithIndex(idx pkgindex.Index) Option {
	return func(s *Service) {
		s.index = idx
	}
}

// WithOrchestrator enables Run and Cancel.
func WithOrchestrator(o *orchestrate.Orchestrator) Option {
	return func(s *Service) {
		s.orchestrator = o
	}
}

// WithSources records the layers the knowledge store was loaded from, so
// per-call overlays can be layered on top of them.
func WithSources(src knowledge.Sources) Option {
	return func(s *Service) {
		s.sources = src
	}
}

// WithMetrics records resolutions and knowledge reloads.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// WithLogger sets the service's logger.
func WithLogger(l *log.Logger) Option {
	return func(s *Service) {
		s.logger = l
	}
}

// WithHomeDir sets the directory "~/" expands to when sanitizing paths.
func WithHomeDir(dir string) Option {
	return func(s *Service) {
		s.homeDir = dir
	}
}

// New returns a Service resolving against store.
func New(store *knowledge.Store, opts ...Option) *Service {
	s := &Service{
		detector:  detect.New(),
		knowledge: store,
		logger:    log.Default(),
	}
	if home, err := os.UserHomeDir(); err == nil {
		s.homeDir = home
	}
	for _, opt := range opts {
		opt(s)
	}

	ropts := []resolve.ResolverOption{resolve.WithMetrics(s.metrics), resolve.WithLogger(s.logger)}
	if s.index != nil {
		ropts = append(ropts, resolve.WithIndex(s.index, pkgindex.WithGuessLogger(s.logger)))
	}
	s.resolver = resolve.New(s.knowledge, ropts...)
	s.generator = generate.NewGenerator(generate.WithLogger(s.logger))
	return s
}

// Knowledge returns the knowledge store.
func (s *Service) Knowledge() *knowledge.Store { return s.knowledge }

// Orchestrator returns the orchestrator, or nil when execution is disabled.
func (s *Service) Orchestrator() *orchestrate.Orchestrator { return s.orchestrator }

// ReloadKnowledge re-reads every knowledge layer. On failure the previous
// snapshot stays in use.
func (s *Service) ReloadKnowledge() (*knowledge.Snapshot, error) {
	snap, err := s.knowledge.Reload()
	s.metrics.KnowledgeReload(err)
	if err != nil {
		s.logger.Error("knowledge reload failed", "error", err)
		return snap, err
	}
	s.logger.Info("knowledge reloaded", "digest", snap.Digest, "sources", len(snap.Sources))
	for _, w := range snap.Warnings {
		s.logger.Warn("knowledge layer", "warning", w)
	}
	return snap, nil
}

// LoadScript reads a script from disk.
func (s *Service) LoadScript(path string) (script.Source, error) {
	return script.Load(path)
}

// Analyze classifies src. Detection itself never fails; an error is
// returned only when ctx has ended. An uncertain result is reported through
// Result.Err.
func (s *Service) Analyze(ctx context.Context, src script.Source) (detect.Result, error) {
	if err := ctx.Err(); err != nil {
		return detect.Result{}, err
	}
	res := s.detector.Detect(src.Content)
	s.logger.Debug("script analyzed", "script", src.Name, "dialect", res.Dialect, "confidence", res.Confidence, "libraries", len(res.Libraries))
	return res, nil
}

// Resolve maps det onto the knowledge base, optionally with extra overlays
// for this call only. Unresolved libraries are part of the profile, not
// errors.
func (s *Service) Resolve(ctx context.Context, det detect.Result, opts ResolveOptions) (*resolve.Profile, error) {
	var callOpts []resolve.Option
	if opts.Dialect != "" {
		callOpts = append(callOpts, resolve.WithDialect(opts.Dialect))
	}
	if opts.Image != "" {
		callOpts = append(callOpts, resolve.WithImage(opts.Image))
	}
	if len(opts.Overlays) > 0 {
		src := s.sources
		src.Overlays = append(append([]string(nil), src.Overlays...), opts.Overlays...)
		snap, err := knowledge.Load(src, knowledge.WithLogger(s.logger))
		if err != nil {
			return nil, err
		}
		callOpts = append(callOpts, resolve.WithSnapshot(snap))
	}
	return s.resolver.Resolve(ctx, det, callOpts...)
}

// Generate renders the container definition for profile and src. Paths
// below the input directory, by default the script's own, are rewritten to
// the input mount.
func (s *Service) Generate(profile *resolve.Profile, src script.Source, opts GenerateOptions) (*generate.Definition, error) {
	inputDir := opts.InputDir
	if inputDir == "" {
		inputDir = src.Dir()
	}
	return s.generator.Generate(profile, src, generate.Options{
		AllowUnresolved: opts.AllowUnresolved,
		Sanitize: generate.SanitizeOptions{
			ScriptDir: inputDir,
			HomeDir:   s.homeDir,
		},
	})
}

// Plan resolves det and renders the definition. It lets the orchestrator
// run the whole pipeline inside an execution.
func (s *Service) Plan(ctx context.Context, det detect.Result, src script.Source, opts orchestrate.PlanOptions) (*generate.Definition, error) {
	profile, err := s.Resolve(ctx, det, ResolveOptions{})
	if err != nil {
		return nil, err
	}
	return s.Generate(profile, src, GenerateOptions{AllowUnresolved: opts.AllowUnresolved, InputDir: opts.InputDir})
}

// Run starts an execution. Without a definition the service plans one
// inside the execution.
func (s *Service) Run(ctx context.Context, req orchestrate.Request) (*orchestrate.Execution, error) {
	if s.orchestrator == nil {
		return nil, ErrNoOrchestrator
	}
	if req.Definition == nil && req.Planner == nil {
		req.Planner = s
	}
	return s.orchestrator.Run(ctx, req)
}

// Cancel cancels a running execution.
func (s *Service) Cancel(id string) error {
	if s.orchestrator == nil {
		return ErrNoOrchestrator
	}
	return s.orchestrator.Cancel(id)
}
