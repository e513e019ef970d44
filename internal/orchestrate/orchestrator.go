// SPDX-License-Identifier: MPL-2.0

package orchestrate

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/relicrun/relic/internal/container"
	"github.com/relicrun/relic/internal/generate"
	"github.com/relicrun/relic/internal/history"
	"github.com/relicrun/relic/internal/issue"
	"github.com/relicrun/relic/internal/metrics"
	"github.com/relicrun/relic/internal/provision"
)

const (
	// DefaultGracePeriod is how long a cancelled container may take to stop
	// before it is killed.
	DefaultGracePeriod = 10 * time.Second
	// DefaultKillWait bounds the wait for a killed container and its log
	// streams.
	DefaultKillWait = 5 * time.Second
	// DefaultLockAttempts and DefaultLockBackoff bound the wait for another
	// process's execution in the same project.
	DefaultLockAttempts = 12
	DefaultLockBackoff  = 100 * time.Millisecond
	// DefaultRetention is how long a finished execution stays queryable in
	// memory. Its record remains in the project history.
	DefaultRetention = time.Hour

	outputDirPrefix = "RELIC_RUN_"
	outputDirLayout = "20060102_150405"

	containerScriptDir = "/app/script"
	containerInputDir  = "/app/input"
	containerDataDir   = "/data"
	containerOutputDir = "/app/output"

	labelExecution  = "io.relic.execution"
	labelProject    = "io.relic.project"
	labelDefinition = "io.relic.definition"
)

// ErrExecutionNotFound is returned by Cancel and Get for unknown ids.
var ErrExecutionNotFound = errors.New("execution not found")

type (
	// Config tunes an Orchestrator.
	Config struct {
		// Grace is passed to engine.Stop on cancel; Kill follows once it elapses.
		Grace time.Duration
		// KillWait bounds the wait after Kill.
		KillWait time.Duration
		// LogBuffer is the event channel capacity.
		LogBuffer int
		// LockAttempts and LockBackoff drive the cross-process lock retry.
		LockAttempts int
		LockBackoff  time.Duration
		// HistoryBackend selects the backend for project histories.
		HistoryBackend history.BackendType
		// Provision configures the default per-project provisioner.
		Provision *provision.Config
		// Retention is how long finished executions are kept for Get and
		// Executions before Prune evicts them.
		Retention time.Duration
	}

	// Orchestrator runs scripts in containers, one execution per project at
	// a time. It is safe for concurrent use.
	Orchestrator struct {
		engine         container.Engine
		provisionerFor func(project string) provision.Provisioner
		metrics        *metrics.Metrics
		logger         *log.Logger
		now            func() time.Time
		newID          func() string
		cfg            Config
		locks          projectLocks

		mu           sync.Mutex
		histories    map[string]*history.Store
		provisioners map[string]provision.Provisioner
		executions   map[string]*Execution
	}

	// Option configures an Orchestrator.
	Option func(*Orchestrator)
)

// DefaultConfig returns the default tuning.
func DefaultConfig() Config {
	return Config{
		Grace:          DefaultGracePeriod,
		KillWait:       DefaultKillWait,
		LogBuffer:      DefaultLogBuffer,
		LockAttempts:   DefaultLockAttempts,
		LockBackoff:    DefaultLockBackoff,
		HistoryBackend: history.BackendJSONL,
		Provision:      provision.DefaultConfig(),
		Retention:      DefaultRetention,
	}
}

// WithConfig replaces the tuning. Zero fields keep their defaults.
func WithConfig(cfg Config) Option {
	return func(o *Orchestrator) {
		def := DefaultConfig()
		if cfg.Grace <= 0 {
			cfg.Grace = def.Grace
		}
		if cfg.KillWait <= 0 {
			cfg.KillWait = def.KillWait
		}
		if cfg.LogBuffer <= 0 {
			cfg.LogBuffer = def.LogBuffer
		}
		if cfg.LockAttempts <= 0 {
			cfg.LockAttempts = def.LockAttempts
		}
		if cfg.LockBackoff <= 0 {
			cfg.LockBackoff = def.LockBackoff
		}
		if cfg.HistoryBackend == "" {
			cfg.HistoryBackend = def.HistoryBackend
		}
		if cfg.Provision == nil {
			cfg.Provision = def.Provision
		}
		if cfg.Retention <= 0 {
			cfg.Retention = def.Retention
		}
		o.cfg = cfg
	}
}

// WithProvisioner overrides how a project's provisioner is created.
func WithProvisioner(fn func(project string) provision.Provisioner) Option {
	return func(o *Orchestrator) {
		o.provisionerFor = fn
	}
}

// WithMetrics records executions and builds.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) {
		o.metrics = m
	}
}

// WithLogger sets the orchestrator's logger.
func WithLogger(l *log.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = l
	}
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		o.now = now
	}
}

// WithIDs overrides execution id generation, for tests.
func WithIDs(fn func() string) Option {
	return func(o *Orchestrator) {
		o.newID = fn
	}
}

// New returns an Orchestrator driving engine.
func New(engine container.Engine, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		engine:       engine,
		logger:       log.Default(),
		now:          time.Now,
		newID:        uuid.NewString,
		cfg:          DefaultConfig(),
		histories:    make(map[string]*history.Store),
		provisioners: make(map[string]provision.Provisioner),
		executions:   make(map[string]*Execution),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.provisionerFor == nil {
		o.provisionerFor = o.defaultProvisioner
	}
	return o
}

func (o *Orchestrator) defaultProvisioner(project string) provision.Provisioner {
	store := generate.NewStore(history.StateDir(project, "definitions"))
	return provision.NewLayerProvisioner(o.engine, store, o.cfg.Provision,
		provision.WithMetrics(o.metrics), provision.WithLogger(o.logger))
}

// History returns the project's history store, opening it on first use.
func (o *Orchestrator) History(project string) (*history.Store, error) {
	root, err := filepath.Abs(project)
	if err != nil {
		return nil, fmt.Errorf("resolve project root: %w", err)
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if s, ok := o.histories[root]; ok {
		return s, nil
	}
	s, err := history.Open(root, o.cfg.HistoryBackend,
		history.WithMetrics(o.metrics), history.WithLogger(o.logger), history.WithClock(o.now))
	if err != nil {
		return nil, err
	}
	o.histories[root] = s
	return s, nil
}

func (o *Orchestrator) provisioner(project string) provision.Provisioner {
	o.mu.Lock()
	defer o.mu.Unlock()
	p, ok := o.provisioners[project]
	if !ok {
		p = o.provisionerFor(project)
		o.provisioners[project] = p
	}
	return p
}

// Get returns a known execution.
func (o *Orchestrator) Get(id string) (*Execution, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	e, ok := o.executions[id]
	return e, ok
}

// Executions returns summaries of every execution started by this
// orchestrator, in no particular order.
func (o *Orchestrator) Executions() []Summary {
	o.mu.Lock()
	list := make([]*Execution, 0, len(o.executions))
	for _, e := range o.executions {
		list = append(list, e)
	}
	o.mu.Unlock()

	out := make([]Summary, 0, len(list))
	for _, e := range list {
		out = append(out, e.Summary())
	}
	return out
}

// Prune evicts executions that finished longer than the retention period ago
// and returns their ids, sorted. Run prunes on every call.
func (o *Orchestrator) Prune() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.pruneLocked()
}

func (o *Orchestrator) pruneLocked() []string {
	cutoff := o.now().Add(-o.cfg.Retention)
	var evicted []string
	for id, e := range o.executions {
		if at, ok := e.finishedAt(); ok && !at.After(cutoff) {
			delete(o.executions, id)
			evicted = append(evicted, id)
		}
	}
	if len(evicted) > 0 {
		slices.Sort(evicted)
		o.logger.Debug("executions evicted", "count", len(evicted))
	}
	return evicted
}

// Cancel cancels the execution with the given id.
func (o *Orchestrator) Cancel(id string) error {
	e, ok := o.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrExecutionNotFound, id)
	}
	e.Cancel()
	return nil
}

// Close closes every opened history store.
func (o *Orchestrator) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	var errs []error
	for root, s := range o.histories {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close history %s: %w", root, err))
		}
		delete(o.histories, root)
	}
	return errors.Join(errs...)
}

// Run validates req, checks that the engine is reachable and starts the
// execution in the background. The execution outlives ctx; use
// Execution.Cancel or Request.Timeout to stop it.
func (o *Orchestrator) Run(ctx context.Context, req Request) (*Execution, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	project, err := filepath.Abs(req.Project)
	if err != nil {
		return nil, fmt.Errorf("resolve project root: %w", err)
	}
	req.Project = project

	if err := o.engine.Ping(ctx); err != nil {
		return nil, issue.NewErrorContext().
			WithKind(issue.OrchestrationError).
			WithOperation("reach container engine").
			WithResource(o.engine.Name()).
			Wrap(err).
			WithSuggestions(
				"Start the container engine and check that your user can reach it",
				"Set container_engine to another engine (docker, podman, docker-api)",
				"Run 'relic doctor' for a full check",
			).
			BuildError()
	}

	mounts, err := req.Mounts.resolved(project, req.Script)
	if err != nil {
		return nil, err
	}
	if dir, clash := mounts.collision(req.Script); clash {
		return nil, issue.NewErrorContext().
			WithKind(issue.OrchestrationError).
			WithOperation("prepare output directory").
			WithResource(mounts.OutputRoot).
			Wrap(fmt.Errorf("output root %s is also mounted as input (%s)", mounts.OutputRoot, dir)).
			WithSuggestion("Choose an output root outside the script, input and data directories").
			BuildError()
	}

	id := o.newID()
	sk, err := newSink(o.cfg.LogBuffer, history.StateDir(project, "logs", id+".log"), o.now)
	if err != nil {
		return nil, err
	}

	execCtx, cancel := context.WithCancelCause(context.WithoutCancel(ctx))
	e := &Execution{
		id:        id,
		project:   project,
		script:    req.Script,
		startedAt: o.now().UTC(),
		sink:      sk,
		ctx:       execCtx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}

	o.mu.Lock()
	o.pruneLocked()
	o.executions[id] = e
	o.mu.Unlock()

	o.metrics.ExecutionStarted()
	o.logger.Debug("execution accepted", "id", id, "project", project, "script", req.Script.Name)

	var timer *time.Timer
	if req.Timeout > 0 {
		timer = time.AfterFunc(req.Timeout, func() { e.stop(ErrTimeout) })
	}
	go func() {
		o.run(e, req, mounts)
		if timer != nil {
			timer.Stop()
		}
	}()
	return e, nil
}

// run drives e through its states. It is the only writer of e's state and
// the only closer of its sink.
func (o *Orchestrator) run(e *Execution, req Request, mounts Mounts) {
	ctx := e.ctx
	rec := history.Record{
		ID:        e.id,
		Project:   req.Project,
		StartedAt: e.startedAt,
		ExitCode:  -1,
		LogRef:    history.Rel(req.Project, history.StateDir(req.Project, "logs", e.id+".log")),
	}
	if req.Script.Path != "" {
		rec.ScriptPath = history.Rel(req.Project, req.Script.Path)
	} else {
		rec.ScriptPath = req.Script.Name
	}

	var historyErrs []error
	store, err := o.History(req.Project)
	if err != nil {
		historyErrs = append(historyErrs, err)
	}

	release, err := o.lockProject(ctx, req.Project, func() {
		e.sink.emit(StreamSystem, "waiting for another execution in this project to finish")
	})
	if err != nil {
		o.finish(e, store, &rec, historyErrs, err)
		return
	}
	defer release()

	if store != nil {
		snap, err := store.Snapshot(ctx, req.Script)
		if err != nil {
			historyErrs = append(historyErrs, err)
		}
		rec.SnapshotPath = snap
	}

	def, err := o.plan(e, req, mounts.InputDir)
	if err != nil {
		o.finish(e, store, &rec, historyErrs, err)
		return
	}
	rec.DefinitionHash = def.Hash
	rec.ImageTag = def.ImageTag
	rec.PathRewrites = def.Rewrites
	if def.Profile != nil {
		rec.Dialect = def.Profile.Dialect.String()
	}

	if err := o.provision(e, req.Project, def); err != nil {
		o.finish(e, store, &rec, historyErrs, err)
		return
	}

	e.state.advance(StateRunning)
	outDir, err := o.outputDir(mounts.OutputRoot)
	if err != nil {
		o.finish(e, store, &rec, historyErrs, err)
		return
	}
	rec.OutputDir = history.Rel(req.Project, outDir)

	code, err := o.execute(e, req, def, mounts, outDir)
	rec.ExitCode = code
	o.finish(e, store, &rec, historyErrs, err)
}

// plan moves through Analyzing and Resolving, calling the Planner when the
// request carries no definition.
func (o *Orchestrator) plan(e *Execution, req Request, inputDir string) (*generate.Definition, error) {
	e.state.advance(StateAnalyzing)
	if req.Definition != nil {
		e.state.advance(StateResolving)
		return req.Definition, nil
	}

	e.sink.emitf(StreamSystem, "analyzing %s", req.Script.Name)
	det, err := req.Planner.Analyze(e.ctx, req.Script)
	if err != nil {
		return nil, err
	}
	if err := det.Err(); err != nil {
		e.sink.emitf(StreamSystem, "warning: %v", err)
	}

	e.state.advance(StateResolving)
	e.sink.emitf(StreamSystem, "resolving %d libraries (dialect %s)", len(det.Libraries), det.Dialect)
	return req.Planner.Plan(e.ctx, det, req.Script, PlanOptions{AllowUnresolved: req.AllowUnresolved, InputDir: inputDir})
}

// provision enters Building unless the image is cached, and makes sure the
// image exists either way.
func (o *Orchestrator) provision(e *Execution, project string, def *generate.Definition) error {
	p := o.provisioner(project)
	if !p.Cached(e.ctx, def) {
		e.state.advance(StateBuilding)
		e.sink.emitf(StreamSystem, "building %s", def.ImageTag)
	}

	w, wait := e.sink.lineWriter(StreamBuild)
	res, err := p.Ensure(e.ctx, def, w)
	_ = w.Close()
	wait()
	if err != nil {
		return err
	}
	if res.CacheHit {
		e.sink.emitf(StreamSystem, "using cached image %s", res.ImageTag)
	}
	return nil
}

// outputDir creates a fresh RELIC_RUN_<timestamp> directory under root.
func (o *Orchestrator) outputDir(root string) (string, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return "", runtimeError("create output root", root, err)
	}
	base := filepath.Join(root, outputDirPrefix+o.now().Format(outputDirLayout))
	dir := base
	for n := 2; ; n++ {
		err := os.Mkdir(dir, 0o755)
		if err == nil {
			return dir, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return "", runtimeError("create output directory", dir, err)
		}
		dir = base + "_" + strconv.Itoa(n)
	}
}

// stage writes the sanitized script into a per-execution directory that is
// mounted read-only.
func (o *Orchestrator) stage(project, id string, def *generate.Definition, name string) (string, func(), error) {
	dir := history.StateDir(project, "staging", id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", nil, runtimeError("stage script", dir, err)
	}
	cleanup := func() {
		if err := os.RemoveAll(dir); err != nil {
			o.logger.Warn("staging cleanup failed", "dir", dir, "error", err)
		}
	}
	if err := os.WriteFile(filepath.Join(dir, name), []byte(def.SanitizedScript), 0o644); err != nil {
		cleanup()
		return "", nil, runtimeError("stage script", dir, err)
	}
	return dir, cleanup, nil
}

func scriptName(def *generate.Definition, req Request) string {
	if def.ScriptName != "" {
		return def.ScriptName
	}
	return req.Script.Name
}

func runOptions(e *Execution, req Request, def *generate.Definition, mounts Mounts, stageDir, outDir string) container.RunOptions {
	name := scriptName(def, req)
	cmd := []string{"python", containerScriptDir + "/" + name}
	if def.Profile != nil && def.Profile.EntrypointPython {
		cmd = cmd[1:]
	}

	env := map[string]string{"PYTHONUNBUFFERED": "1"}
	for k, v := range req.Env {
		env[k] = v
	}

	vols := []container.VolumeMount{
		{HostPath: container.HostFilesystemPath(stageDir), ContainerPath: containerScriptDir, ReadOnly: true},
	}
	// Inline scripts have no directory of their own to mount.
	if mounts.InputDir != "" {
		vols = append(vols, container.VolumeMount{HostPath: container.HostFilesystemPath(mounts.InputDir), ContainerPath: containerInputDir, ReadOnly: true})
	}
	if mounts.DataDir != "" {
		vols = append(vols, container.VolumeMount{HostPath: container.HostFilesystemPath(mounts.DataDir), ContainerPath: containerDataDir, ReadOnly: true})
	}
	vols = append(vols, container.VolumeMount{HostPath: container.HostFilesystemPath(outDir), ContainerPath: containerOutputDir})

	labels := map[string]string{
		labelExecution: e.id,
		labelProject:   req.Project,
	}
	if def.Hash != "" {
		labels[labelDefinition] = def.Hash.String()
	}

	return container.RunOptions{
		Image:   def.ImageTag,
		Name:    "relic-" + e.id,
		Command: cmd,
		WorkDir: containerOutputDir,
		Env:     env,
		Mounts:  vols,
		Labels:  labels,
	}
}

type waitResult struct {
	code int
	err  error
}

// execute starts the container, streams its output and waits for it to
// exit or for the execution to be cancelled. It returns the exit code, or
// -1 when none was observed.
func (o *Orchestrator) execute(e *Execution, req Request, def *generate.Definition, mounts Mounts, outDir string) (int, error) {
	stageDir, cleanup, err := o.stage(req.Project, e.id, def, scriptName(def, req))
	if err != nil {
		return -1, err
	}
	defer cleanup()

	// Engine calls after Start must outlive cancellation so the container
	// can be stopped and removed.
	bg := context.WithoutCancel(e.ctx)

	id, err := o.engine.Start(e.ctx, runOptions(e, req, def, mounts, stageDir, outDir))
	if err != nil {
		return -1, runtimeError("start container", def.ImageTag, err)
	}
	o.logger.Debug("container started", "execution", e.id, "container", id)
	defer func() {
		if err := o.engine.Remove(bg, id, true); err != nil {
			o.logger.Warn("container removal failed", "container", id, "error", err)
		}
	}()

	stdout, waitOut := e.sink.lineWriter(StreamStdout)
	stderr, waitErr := e.sink.lineWriter(StreamStderr)
	logCtx, stopLogs := context.WithCancel(bg)
	logsDone := make(chan struct{})
	go func() {
		defer close(logsDone)
		if err := o.engine.Logs(logCtx, id, stdout, stderr); err != nil && logCtx.Err() == nil {
			o.logger.Warn("log stream ended", "container", id, "error", err)
		}
	}()
	defer func() {
		select {
		case <-logsDone:
		case <-time.After(o.cfg.KillWait):
		}
		stopLogs()
		<-logsDone
		_ = stdout.Close()
		_ = stderr.Close()
		waitOut()
		waitErr()
	}()

	exited := make(chan waitResult, 1)
	go func() {
		code, err := o.engine.Wait(bg, id)
		exited <- waitResult{code, err}
	}()

	select {
	case r := <-exited:
		if r.err != nil {
			return -1, runtimeError("wait for container", string(id), r.err)
		}
		return r.code, nil
	case <-e.ctx.Done():
	}

	e.sink.cutoff()
	return o.interrupt(bg, id, exited), context.Cause(e.ctx)
}

// interrupt stops a container after cancellation, killing it when it
// ignores the stop request for longer than the grace period.
func (o *Orchestrator) interrupt(ctx context.Context, id container.ContainerID, exited <-chan waitResult) int {
	go func() {
		if err := o.engine.Stop(ctx, id, o.cfg.Grace); err != nil {
			o.logger.Warn("container stop failed", "container", id, "error", err)
		}
	}()

	grace := time.NewTimer(o.cfg.Grace)
	defer grace.Stop()
	select {
	case r := <-exited:
		if r.err == nil {
			return r.code
		}
		return -1
	case <-grace.C:
	}

	o.logger.Warn("container ignored stop, killing", "container", id)
	if err := o.engine.Kill(ctx, id); err != nil {
		o.logger.Warn("container kill failed", "container", id, "error", err)
	}
	select {
	case r := <-exited:
		if r.err == nil {
			return r.code
		}
	case <-time.After(o.cfg.KillWait):
	}
	return -1
}

// finish settles the terminal state, appends the record and releases the
// execution's waiters. runErr is the error that ended the execution early.
func (o *Orchestrator) finish(e *Execution, store *history.Store, rec *history.Record, historyErrs []error, runErr error) {
	final := StateCompleted
	var waitErr error
	switch {
	case runErr != nil && e.ctx.Err() != nil:
		final = StateCancelled
		waitErr = context.Cause(e.ctx)
		if errors.Is(waitErr, ErrTimeout) {
			rec.Error = issue.Info(issue.NewErrorContext().
				WithKind(issue.OrchestrationError).
				WithOperation("run script").
				WithResource(e.id).
				Wrap(ErrTimeout).
				WithSuggestion("Raise execution.timeout or pass --timeout").
				BuildError())
		}
	case runErr != nil:
		final = StateFailed
		waitErr = runErr
		rec.Error = issue.Info(runErr)
	}

	rec.Status = final.Status()
	rec.FinishedAt = o.now().UTC()

	if store != nil {
		if err := store.Append(context.WithoutCancel(e.ctx), *rec); err != nil {
			historyErrs = append(historyErrs, err)
		}
	}
	if len(historyErrs) > 0 {
		rec.HistoryError = issue.Info(errors.Join(historyErrs...))
		o.logger.Warn("execution history incomplete", "id", e.id, "error", rec.HistoryError.Message)
	}

	o.metrics.ExecutionFinished(rec.Status.String(), rec.Duration())
	o.logger.Info("execution finished", "id", e.id, "status", rec.Status, "exit", rec.ExitCode)

	e.finish(rec, waitErr)
	e.state.advance(final)
	e.sink.close()
	e.cancel(nil)
	close(e.done)
}

func runtimeError(op, resource string, err error) error {
	if issue.KindOf(err) != "" {
		return err
	}
	return issue.NewErrorContext().
		WithKind(issue.OrchestrationError).
		WithOperation(op).
		WithResource(resource).
		Wrap(err).
		BuildError()
}
