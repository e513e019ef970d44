// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/relicrun/relic/internal/container"
)

var errEngineDown = errors.New("engine down")

// scriptedEngine prints lines on stdout and exits with exitCode. With down
// set, Ping fails.
type scriptedEngine struct {
	lines    []string
	exitCode int
	down     bool

	mu     sync.Mutex
	images map[string]bool
	builds int
	starts int
}

func newScriptedEngine(exitCode int, lines ...string) *scriptedEngine {
	return &scriptedEngine{lines: lines, exitCode: exitCode, images: make(map[string]bool)}
}

func (e *scriptedEngine) Name() string { return "scripted" }

func (e *scriptedEngine) Ping(context.Context) error {
	if e.down {
		return errEngineDown
	}
	return nil
}

func (e *scriptedEngine) Version(context.Context) (string, error) { return "1.0", nil }

func (e *scriptedEngine) Build(_ context.Context, opts container.BuildOptions) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.builds++
	e.images[opts.Tag] = true
	return nil
}

func (e *scriptedEngine) ImageExists(_ context.Context, image string) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.images[image], nil
}

func (e *scriptedEngine) Start(context.Context, container.RunOptions) (container.ContainerID, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.starts++
	return container.ContainerID(fmt.Sprintf("c%d", e.starts)), nil
}

func (e *scriptedEngine) Logs(_ context.Context, _ container.ContainerID, stdout, _ io.Writer) error {
	for _, l := range e.lines {
		if _, err := io.WriteString(stdout, l+"\n"); err != nil {
			return err
		}
	}
	return nil
}

func (e *scriptedEngine) Wait(context.Context, container.ContainerID) (int, error) {
	return e.exitCode, nil
}

func (e *scriptedEngine) Stop(context.Context, container.ContainerID, time.Duration) error {
	return nil
}

func (e *scriptedEngine) Kill(context.Context, container.ContainerID) error { return nil }

func (e *scriptedEngine) Remove(context.Context, container.ContainerID, bool) error { return nil }
