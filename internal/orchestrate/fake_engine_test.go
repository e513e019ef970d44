// SPDX-License-Identifier: MPL-2.0

package orchestrate

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"

	"github.com/relicrun/relic/internal/container"
	"github.com/relicrun/relic/internal/detect"
	"github.com/relicrun/relic/internal/generate"
	"github.com/relicrun/relic/internal/provision"
	"github.com/relicrun/relic/internal/resolve"
	"github.com/relicrun/relic/internal/script"
)

// fakeEngine is an in-memory container.Engine. Containers print their
// configured lines and exit with exitCode, unless they are among the first
// `blocking` containers, which run until stopped or killed.
type fakeEngine struct {
	mu sync.Mutex

	pingErr    error
	images     map[string]bool
	buildErr   error
	lines      []string
	errLines   []string
	exitCode   int
	blocking   int
	ignoreStop bool

	builds  int
	starts  []container.RunOptions
	stops   int
	kills   int
	removes int
	procs   map[container.ContainerID]*fakeProc

	// startedCh receives the id of every started container.
	startedCh chan container.ContainerID
}

type fakeProc struct {
	blocking bool
	code     int
	exited   chan struct{}
	stopReq  chan struct{}
	once     sync.Once
	stopOnce sync.Once
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		images:    make(map[string]bool),
		procs:     make(map[container.ContainerID]*fakeProc),
		startedCh: make(chan container.ContainerID, 16),
	}
}

func (p *fakeProc) exit(code int) {
	p.once.Do(func() {
		p.code = code
		close(p.exited)
	})
}

func (f *fakeEngine) Name() string { return "fake" }

func (f *fakeEngine) Ping(context.Context) error { return f.pingErr }

func (f *fakeEngine) Version(context.Context) (string, error) { return "fake-1", nil }

func (f *fakeEngine) Build(_ context.Context, opts container.BuildOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.builds++
	if opts.Stdout != nil {
		_, _ = io.WriteString(opts.Stdout, "Step 1/2 : FROM python\nStep 2/2 : RUN pip install\n")
	}
	if f.buildErr != nil {
		return f.buildErr
	}
	f.images[opts.Tag] = true
	return nil
}

func (f *fakeEngine) ImageExists(_ context.Context, image string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.images[image], nil
}

func (f *fakeEngine) Start(_ context.Context, opts container.RunOptions) (container.ContainerID, error) {
	if err := opts.Validate(); err != nil {
		return "", err
	}
	f.mu.Lock()
	id := container.ContainerID(fmt.Sprintf("c%d", len(f.starts)+1))
	p := &fakeProc{
		blocking: len(f.starts) < f.blocking,
		exited:   make(chan struct{}),
		stopReq:  make(chan struct{}),
	}
	f.starts = append(f.starts, opts)
	f.procs[id] = p
	f.mu.Unlock()
	f.startedCh <- id
	return id, nil
}

func (f *fakeEngine) proc(id container.ContainerID) *fakeProc {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.procs[id]
}

func (f *fakeEngine) Logs(ctx context.Context, id container.ContainerID, stdout, stderr io.Writer) error {
	p := f.proc(id)
	for _, l := range f.lines {
		if _, err := io.WriteString(stdout, l+"\n"); err != nil {
			return err
		}
	}
	for _, l := range f.errLines {
		if _, err := io.WriteString(stderr, l+"\n"); err != nil {
			return err
		}
	}
	if !p.blocking {
		p.exit(f.exitCode)
		return nil
	}
	select {
	case <-p.stopReq:
		// Output produced while shutting down must not reach the consumer.
		_, _ = io.WriteString(stdout, "after cancel\n")
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-p.exited:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func (f *fakeEngine) Wait(ctx context.Context, id container.ContainerID) (int, error) {
	p := f.proc(id)
	select {
	case <-p.exited:
		return p.code, nil
	case <-ctx.Done():
		return -1, ctx.Err()
	}
}

func (f *fakeEngine) Stop(_ context.Context, id container.ContainerID, _ time.Duration) error {
	f.mu.Lock()
	f.stops++
	ignore := f.ignoreStop
	f.mu.Unlock()
	p := f.proc(id)
	p.stopOnce.Do(func() { close(p.stopReq) })
	if !ignore {
		p.exit(143)
	}
	return nil
}

func (f *fakeEngine) Kill(_ context.Context, id container.ContainerID) error {
	f.mu.Lock()
	f.kills++
	f.mu.Unlock()
	p := f.proc(id)
	p.stopOnce.Do(func() { close(p.stopReq) })
	p.exit(137)
	return nil
}

func (f *fakeEngine) Remove(context.Context, container.ContainerID, bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removes++
	return nil
}

func (f *fakeEngine) counts() (builds, starts, stops, kills, removes int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.builds, len(f.starts), f.stops, f.kills, f.removes
}

type fakePlanner struct {
	def             *generate.Definition
	err             error
	allowUnresolved bool
	inputDir        string
}

func (p *fakePlanner) Analyze(context.Context, script.Source) (detect.Result, error) {
	return detect.Result{Dialect: detect.Legacy, Confidence: detect.Medium, Libraries: []string{"numpy"}}, nil
}

func (p *fakePlanner) Plan(_ context.Context, _ detect.Result, _ script.Source, opts PlanOptions) (*generate.Definition, error) {
	p.allowUnresolved = opts.AllowUnresolved
	p.inputDir = opts.InputDir
	return p.def, p.err
}

// testProject creates a project directory holding scripts/job.py.
func testProject(t *testing.T) (string, script.Source) {
	t.Helper()
	root := t.TempDir()
	dir := filepath.Join(root, "scripts")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, "job.py")
	if err := os.WriteFile(path, []byte("print 'hello'\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	src, err := script.Load(path)
	if err != nil {
		t.Fatal(err)
	}
	return root, src
}

func testDefinition(dialect detect.Dialect) *generate.Definition {
	dockerfile := "FROM python:2.7-slim\n"
	sanitized := "print('hello')\n"
	hash := generate.Hash(dockerfile, sanitized)
	return &generate.Definition{
		Dockerfile:      dockerfile,
		Hash:            hash,
		ImageTag:        generate.ImageTag(hash),
		Profile:         &resolve.Profile{Dialect: dialect, PythonVersion: "2.7"},
		ScriptName:      "job.py",
		SanitizedScript: sanitized,
	}
}

func newTestOrchestrator(t *testing.T, engine container.Engine, opts ...Option) *Orchestrator {
	t.Helper()
	pc := provision.DefaultConfig()
	pc.Apply(provision.WithBuildRoot(t.TempDir()), provision.WithRetry(1, time.Millisecond))
	base := []Option{
		WithConfig(Config{
			Grace:       50 * time.Millisecond,
			KillWait:    2 * time.Second,
			LockBackoff: 5 * time.Millisecond,
			Provision:   pc,
		}),
		WithLogger(log.New(io.Discard)),
	}
	o := New(engine, append(base, opts...)...)
	t.Cleanup(func() { _ = o.Close() })
	return o
}

// collect drains e's events until the channel closes.
func collect(e *Execution) <-chan []LogEvent {
	out := make(chan []LogEvent, 1)
	go func() {
		var events []LogEvent
		for ev := range e.Events() {
			events = append(events, ev)
		}
		out <- events
	}()
	return out
}

func lines(events []LogEvent, stream Stream) []string {
	var out []string
	for _, ev := range events {
		if ev.Stream == stream {
			out = append(out, ev.Line)
		}
	}
	return out
}

func hasLine(events []LogEvent, stream Stream, substr string) bool {
	for _, l := range lines(events, stream) {
		if strings.Contains(l, substr) {
			return true
		}
	}
	return false
}

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

var errBuild = errors.New("pip install failed")
