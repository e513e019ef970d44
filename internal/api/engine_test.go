// SPDX-License-Identifier: MPL-2.0

package api

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/relicrun/relic/internal/container"
)

// stubEngine prints lines and exits with exitCode. With hold set, each
// container keeps running until hold is closed or it is stopped.
type stubEngine struct {
	lines    []string
	exitCode int
	hold     chan struct{}

	mu     sync.Mutex
	images map[string]bool
	starts int
	procs  map[container.ContainerID]*stubProc
}

type stubProc struct {
	exited  chan int
	stopped chan struct{}
	once    sync.Once
}

func newStubEngine(lines ...string) *stubEngine {
	return &stubEngine{
		lines:  lines,
		images: make(map[string]bool),
		procs:  make(map[container.ContainerID]*stubProc),
	}
}

func (e *stubEngine) Name() string                            { return "stub" }
func (e *stubEngine) Ping(context.Context) error              { return nil }
func (e *stubEngine) Version(context.Context) (string, error) { return "stub-1", nil }

func (e *stubEngine) Build(_ context.Context, opts container.BuildOptions) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.images[opts.Tag] = true
	return nil
}

func (e *stubEngine) ImageExists(_ context.Context, image string) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.images[image], nil
}

func (e *stubEngine) Start(context.Context, container.RunOptions) (container.ContainerID, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.starts++
	id := container.ContainerID(fmt.Sprintf("stub%d", e.starts))
	e.procs[id] = &stubProc{exited: make(chan int, 1), stopped: make(chan struct{})}
	return id, nil
}

func (e *stubEngine) proc(id container.ContainerID) *stubProc {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.procs[id]
}

func (e *stubEngine) Logs(ctx context.Context, id container.ContainerID, stdout, _ io.Writer) error {
	for _, l := range e.lines {
		if _, err := io.WriteString(stdout, l+"\n"); err != nil {
			return err
		}
	}
	if e.hold == nil {
		e.exit(id, e.exitCode)
		return nil
	}
	select {
	case <-e.hold:
		e.exit(id, e.exitCode)
	case <-e.proc(id).stopped:
	case <-ctx.Done():
	}
	return nil
}

func (e *stubEngine) exit(id container.ContainerID, code int) {
	p := e.proc(id)
	p.once.Do(func() {
		p.exited <- code
		close(p.stopped)
	})
}

func (e *stubEngine) Wait(ctx context.Context, id container.ContainerID) (int, error) {
	select {
	case code := <-e.proc(id).exited:
		return code, nil
	case <-ctx.Done():
		return -1, ctx.Err()
	}
}

func (e *stubEngine) Stop(_ context.Context, id container.ContainerID, _ time.Duration) error {
	e.exit(id, 143)
	return nil
}

func (e *stubEngine) Kill(_ context.Context, id container.ContainerID) error {
	e.exit(id, 137)
	return nil
}

func (e *stubEngine) Remove(context.Context, container.ContainerID, bool) error { return nil }
