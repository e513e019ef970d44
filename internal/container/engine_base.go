// SPDX-License-Identifier: MPL-2.0

package container

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/relicrun/relic/internal/issue"
)

type (
	// ExecCommandFunc is the function signature for creating exec.Cmd.
	// This allows injection of mock implementations for testing.
	ExecCommandFunc func(ctx context.Context, name string, arg ...string) *exec.Cmd

	// VolumeFormatFunc formats a mount for the -v flag. Podman uses it to
	// add SELinux labels.
	VolumeFormatFunc func(mount VolumeMount) string

	// RunArgsTransformer modifies run arguments after they're built.
	RunArgsTransformer func(args []string) []string

	// BaseCLIEngineOption configures a BaseCLIEngine.
	BaseCLIEngineOption func(*BaseCLIEngine)

	// BaseCLIEngine provides the implementation shared by CLI-based engines.
	// Docker and Podman embed it; engine-specific methods (Available, Ping,
	// Version, ImageExists) live on the concrete types.
	BaseCLIEngine struct {
		name               string
		binaryPath         HostFilesystemPath
		execCommand        ExecCommandFunc
		volumeFormatter    VolumeFormatFunc
		runArgsTransformer RunArgsTransformer
		cmdEnvOverrides    map[string]string
	}
)

// WithName sets the engine name used in error messages.
func WithName(name string) BaseCLIEngineOption {
	return func(e *BaseCLIEngine) {
		e.name = name
	}
}

// WithExecCommand sets a custom exec command function for testing.
func WithExecCommand(fn ExecCommandFunc) BaseCLIEngineOption {
	return func(e *BaseCLIEngine) {
		e.execCommand = fn
	}
}

// WithVolumeFormatter sets a custom volume formatter function.
func WithVolumeFormatter(fn VolumeFormatFunc) BaseCLIEngineOption {
	return func(e *BaseCLIEngine) {
		e.volumeFormatter = fn
	}
}

// WithRunArgsTransformer sets a custom run args transformer.
func WithRunArgsTransformer(fn RunArgsTransformer) BaseCLIEngineOption {
	return func(e *BaseCLIEngine) {
		e.runArgsTransformer = fn
	}
}

// WithCmdEnvOverride adds an environment variable applied to every command
// the engine runs, e.g. DOCKER_HOST or DOCKER_BUILDKIT.
func WithCmdEnvOverride(key, value string) BaseCLIEngineOption {
	return func(e *BaseCLIEngine) {
		if e.cmdEnvOverrides == nil {
			e.cmdEnvOverrides = make(map[string]string)
		}
		e.cmdEnvOverrides[key] = value
	}
}

// NewBaseCLIEngine creates a new base engine with the given binary path.
func NewBaseCLIEngine(binaryPath HostFilesystemPath, opts ...BaseCLIEngineOption) *BaseCLIEngine {
	e := &BaseCLIEngine{
		binaryPath:         binaryPath,
		execCommand:        exec.CommandContext,
		volumeFormatter:    FormatVolumeMount,
		runArgsTransformer: func(args []string) []string { return args },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Name returns the engine name used in error messages.
func (e *BaseCLIEngine) Name() string {
	return e.name
}

// BinaryPath returns the path to the container engine binary.
func (e *BaseCLIEngine) BinaryPath() string {
	return string(e.binaryPath)
}

// --- Argument Builders ---

// BuildArgs constructs arguments for a build command.
//
// Generated command: <binary> build [options] <context>
func (e *BaseCLIEngine) BuildArgs(opts BuildOptions) []string {
	args := []string{"build"}

	if opts.Dockerfile != "" {
		dockerfilePath := opts.Dockerfile
		if !filepath.IsAbs(dockerfilePath) && opts.ContextDir != "" {
			dockerfilePath = filepath.Join(string(opts.ContextDir), dockerfilePath)
		}
		args = append(args, "-f", dockerfilePath)
	}
	if opts.Tag != "" {
		args = append(args, "-t", opts.Tag)
	}
	if opts.NoCache {
		args = append(args, "--no-cache")
	}
	for _, k := range slices.Sorted(maps.Keys(opts.BuildArgs)) {
		args = append(args, "--build-arg", k+"="+opts.BuildArgs[k])
	}
	for _, s := range opts.Secrets {
		args = append(args, "--secret", fmt.Sprintf("id=%s,src=%s", s.ID, s.Src))
	}

	return append(args, string(opts.ContextDir))
}

// RunArgs constructs arguments for starting a detached container.
//
// Generated command: <binary> run -d [options] <image> [command...]
func (e *BaseCLIEngine) RunArgs(opts RunOptions) []string {
	args := []string{"run", "-d"}

	if opts.Name != "" {
		args = append(args, "--name", opts.Name)
	}
	if opts.WorkDir != "" {
		args = append(args, "-w", string(opts.WorkDir))
	}
	for _, k := range slices.Sorted(maps.Keys(opts.Env)) {
		args = append(args, "-e", k+"="+opts.Env[k])
	}
	for _, k := range slices.Sorted(maps.Keys(opts.Labels)) {
		args = append(args, "--label", k+"="+opts.Labels[k])
	}
	for _, m := range opts.Mounts {
		args = append(args, "-v", e.volumeFormatter(m))
	}

	args = append(args, opts.Image)
	args = append(args, opts.Command...)

	return e.runArgsTransformer(args)
}

// StopArgs constructs arguments for a stop command. The grace period is
// rounded up to whole seconds.
func (e *BaseCLIEngine) StopArgs(id ContainerID, grace time.Duration) []string {
	secs := int(math.Ceil(grace.Seconds()))
	return []string{"stop", "-t", strconv.Itoa(max(secs, 0)), string(id)}
}

// RemoveArgs constructs arguments for a container remove command.
func (e *BaseCLIEngine) RemoveArgs(id ContainerID, force bool) []string {
	args := []string{"rm"}
	if force {
		args = append(args, "-f")
	}
	return append(args, string(id))
}

// --- Command Execution ---

// RunCommand executes a command and returns its output.
func (e *BaseCLIEngine) RunCommand(ctx context.Context, args ...string) ([]byte, error) {
	cmd := e.CreateCommand(ctx, args...)
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("command %s %v failed: %w", string(e.binaryPath), args, err)
	}
	return out, nil
}

// RunCommandStatus executes a command and returns only the error status.
func (e *BaseCLIEngine) RunCommandStatus(ctx context.Context, args ...string) error {
	cmd := e.CreateCommand(ctx, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return fmt.Errorf("command %s %v failed: %w: %s", string(e.binaryPath), args, err, msg)
		}
		return fmt.Errorf("command %s %v failed: %w", string(e.binaryPath), args, err)
	}
	return nil
}

// RunCommandWithOutput executes a command with stdout captured to a buffer.
func (e *BaseCLIEngine) RunCommandWithOutput(ctx context.Context, args ...string) (string, error) {
	cmd := e.CreateCommand(ctx, args...)
	var out bytes.Buffer
	cmd.Stdout = &out

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("command %s %v failed: %w", string(e.binaryPath), args, err)
	}
	return out.String(), nil
}

// CreateCommand creates an exec.Cmd for the given arguments with the
// engine's environment overrides applied.
func (e *BaseCLIEngine) CreateCommand(ctx context.Context, args ...string) *exec.Cmd {
	cmd := e.execCommand(ctx, string(e.binaryPath), args...)
	if len(e.cmdEnvOverrides) > 0 {
		// A non-nil Env replaces the inherited environment entirely.
		cmd.Env = os.Environ()
		for _, k := range slices.Sorted(maps.Keys(e.cmdEnvOverrides)) {
			cmd.Env = append(cmd.Env, k+"="+e.cmdEnvOverrides[k])
		}
	}
	return cmd
}

// --- Engine Methods Shared by Docker and Podman ---

// Build builds an image from a Dockerfile.
func (e *BaseCLIEngine) Build(ctx context.Context, opts BuildOptions) error {
	if err := opts.Validate(); err != nil {
		return err
	}

	cmd := e.CreateCommand(ctx, e.BuildArgs(opts)...)
	cmd.Stdout = opts.Stdout
	cmd.Stderr = opts.Stderr

	if err := cmd.Run(); err != nil {
		return buildContainerError(e.name, opts, err)
	}
	return nil
}

// Start starts a detached container and returns its ID.
func (e *BaseCLIEngine) Start(ctx context.Context, opts RunOptions) (ContainerID, error) {
	if err := opts.Validate(); err != nil {
		return "", err
	}

	cmd := e.CreateCommand(ctx, e.RunArgs(opts)...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			err = fmt.Errorf("%w: %s", err, msg)
		}
		return "", startContainerError(e.name, opts, err)
	}

	id := lastLine(stdout.String())
	if id == "" {
		return "", startContainerError(e.name, opts, errors.New("engine returned no container id"))
	}
	return ContainerID(id), nil
}

// Logs follows the container's stdout and stderr until it exits.
func (e *BaseCLIEngine) Logs(ctx context.Context, id ContainerID, stdout, stderr io.Writer) error {
	cmd := e.CreateCommand(ctx, "logs", "-f", string(id))
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("follow logs of %s: %w", id, err)
	}
	return nil
}

// Wait blocks until the container exits and returns its exit code.
func (e *BaseCLIEngine) Wait(ctx context.Context, id ContainerID) (int, error) {
	out, err := e.RunCommandWithOutput(ctx, "wait", string(id))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return -1, ctxErr
		}
		return -1, err
	}
	code, err := strconv.Atoi(lastLine(out))
	if err != nil {
		return -1, fmt.Errorf("parse exit code of %s: %w", id, err)
	}
	return code, nil
}

// Stop asks the container to exit and lets the engine kill it after grace.
func (e *BaseCLIEngine) Stop(ctx context.Context, id ContainerID, grace time.Duration) error {
	return e.RunCommandStatus(ctx, e.StopArgs(id, grace)...)
}

// Kill terminates the container immediately.
func (e *BaseCLIEngine) Kill(ctx context.Context, id ContainerID) error {
	return e.RunCommandStatus(ctx, "kill", string(id))
}

// Remove removes a container.
func (e *BaseCLIEngine) Remove(ctx context.Context, id ContainerID, force bool) error {
	return e.RunCommandStatus(ctx, e.RemoveArgs(id, force)...)
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}

// --- Actionable Error Helpers ---

// buildContainerError creates an actionable error for image build failures.
func buildContainerError(engine string, opts BuildOptions, cause error) error {
	ctx := issue.NewErrorContext().
		WithKind(issue.OrchestrationError).
		WithOperation("build container image")

	switch {
	case opts.Tag != "":
		ctx.WithResource(opts.Tag)
	case opts.ContextDir != "":
		ctx.WithResource(string(opts.ContextDir))
	}

	ctx.WithSuggestion("Check the build log for the failing RUN step")
	ctx.WithSuggestion("Ensure base images are available (try: " + engine + " pull <base-image>)")
	ctx.WithSuggestion("Pin a different release in a knowledge overlay if a package fails to install")

	return ctx.Wrap(cause).BuildError()
}

// startContainerError creates an actionable error for container start failures.
func startContainerError(engine string, opts RunOptions, cause error) error {
	ctx := issue.NewErrorContext().
		WithKind(issue.OrchestrationError).
		WithOperation("start container").
		WithResource(opts.Image)

	ctx.WithSuggestion("Verify the image exists (try: " + engine + " images)")
	ctx.WithSuggestion("Check that the mounted directories exist on the host")

	return ctx.Wrap(cause).BuildError()
}
