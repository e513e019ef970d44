// SPDX-License-Identifier: MPL-2.0

package container

import (
	"context"
	"fmt"
	"io"
	"maps"
	"math"
	"slices"
	"time"

	"github.com/containerd/errdefs"
	"github.com/moby/moby/api/pkg/stdcopy"
	"github.com/moby/moby/api/types/container"
	"github.com/moby/moby/client"
)

// APIEngine runs containers through the Docker Engine API. Image builds,
// image checks and version queries go through the docker CLI, which
// handles BuildKit secrets and build output for us.
type APIEngine struct {
	cli     *client.Client
	builder *DockerEngine
}

// NewAPIEngine connects to the daemon configured by the DOCKER_* environment.
func NewAPIEngine(builder *DockerEngine) (*APIEngine, error) {
	cli, err := client.New(client.FromEnv)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &APIEngine{cli: cli, builder: builder}, nil
}

// Name returns the engine name.
func (e *APIEngine) Name() string {
	return string(EngineTypeDockerAPI)
}

// Close releases the API client.
func (e *APIEngine) Close() error {
	return e.cli.Close()
}

// Ping checks the Docker daemon connection.
func (e *APIEngine) Ping(ctx context.Context) error {
	if _, err := e.cli.Ping(ctx, client.PingOptions{}); err != nil {
		return fmt.Errorf("ping docker daemon: %w", err)
	}
	return nil
}

// Version returns the Docker server version.
func (e *APIEngine) Version(ctx context.Context) (string, error) {
	return e.builder.Version(ctx)
}

// Build builds an image with the docker CLI.
func (e *APIEngine) Build(ctx context.Context, opts BuildOptions) error {
	return e.builder.Build(ctx, opts)
}

// ImageExists checks for a local image with the docker CLI.
func (e *APIEngine) ImageExists(ctx context.Context, image string) (bool, error) {
	return e.builder.ImageExists(ctx, image)
}

// Start creates and starts a container.
func (e *APIEngine) Start(ctx context.Context, opts RunOptions) (ContainerID, error) {
	if err := opts.Validate(); err != nil {
		return "", err
	}

	binds := make([]string, 0, len(opts.Mounts))
	for _, m := range opts.Mounts {
		binds = append(binds, FormatVolumeMount(m))
	}
	env := make([]string, 0, len(opts.Env))
	for _, k := range slices.Sorted(maps.Keys(opts.Env)) {
		env = append(env, k+"="+opts.Env[k])
	}

	created, err := e.cli.ContainerCreate(ctx, client.ContainerCreateOptions{
		Name:  opts.Name,
		Image: opts.Image,
		Config: &container.Config{
			Cmd:          opts.Command,
			Env:          env,
			WorkingDir:   string(opts.WorkDir),
			Labels:       opts.Labels,
			AttachStdout: true,
			AttachStderr: true,
		},
		HostConfig: &container.HostConfig{
			Binds: binds,
		},
	})
	if err != nil {
		return "", startContainerError(e.Name(), opts, err)
	}

	if _, err := e.cli.ContainerStart(ctx, created.ID, client.ContainerStartOptions{}); err != nil {
		_, _ = e.cli.ContainerRemove(context.WithoutCancel(ctx), created.ID, client.ContainerRemoveOptions{Force: true})
		return "", startContainerError(e.Name(), opts, err)
	}
	return ContainerID(created.ID), nil
}

// Logs follows the container's output, demultiplexing stdout and stderr.
func (e *APIEngine) Logs(ctx context.Context, id ContainerID, stdout, stderr io.Writer) error {
	rc, err := e.cli.ContainerLogs(ctx, string(id), client.ContainerLogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		return fmt.Errorf("follow logs of %s: %w", id, err)
	}
	defer rc.Close()

	if _, err := stdcopy.StdCopy(stdout, stderr, rc); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("read logs of %s: %w", id, err)
	}
	return nil
}

// Wait blocks until the container is no longer running.
func (e *APIEngine) Wait(ctx context.Context, id ContainerID) (int, error) {
	waitResult := e.cli.ContainerWait(ctx, string(id), client.ContainerWaitOptions{
		Condition: container.WaitConditionNotRunning,
	})

	select {
	case err := <-waitResult.Error:
		if err != nil {
			return -1, err
		}
		return 0, nil
	case resp := <-waitResult.Result:
		return int(resp.StatusCode), nil
	case <-ctx.Done():
		return -1, ctx.Err()
	}
}

// Stop sends the stop signal and lets the daemon kill after grace.
func (e *APIEngine) Stop(ctx context.Context, id ContainerID, grace time.Duration) error {
	secs := max(int(math.Ceil(grace.Seconds())), 0)
	if _, err := e.cli.ContainerStop(ctx, string(id), client.ContainerStopOptions{Timeout: &secs}); err != nil {
		return fmt.Errorf("stop %s: %w", id, err)
	}
	return nil
}

// Kill stops the container without a grace period.
func (e *APIEngine) Kill(ctx context.Context, id ContainerID) error {
	return e.Stop(ctx, id, 0)
}

// Remove deletes the container. A container that is already gone is not an
// error.
func (e *APIEngine) Remove(ctx context.Context, id ContainerID, force bool) error {
	_, err := e.cli.ContainerRemove(ctx, string(id), client.ContainerRemoveOptions{Force: force})
	if err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("remove %s: %w", id, err)
	}
	return nil
}

var _ Engine = (*APIEngine)(nil)
