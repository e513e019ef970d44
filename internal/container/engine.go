// SPDX-License-Identifier: MPL-2.0

package container

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"
)

const (
	// EngineTypeDocker drives the docker CLI.
	EngineTypeDocker EngineType = "docker"
	// EngineTypePodman drives the podman CLI.
	EngineTypePodman EngineType = "podman"
	// EngineTypeDockerAPI talks to the Docker Engine API.
	EngineTypeDockerAPI EngineType = "docker-api"
)

var (
	// ErrEngineNotAvailable is the sentinel wrapped by EngineNotAvailableError.
	ErrEngineNotAvailable = errors.New("container engine not available")

	// ErrInvalidEngineType is the sentinel wrapped by InvalidEngineTypeError.
	ErrInvalidEngineType = errors.New("invalid container engine type")

	// ErrInvalidBuildOptions is the sentinel wrapped by InvalidBuildOptionsError.
	ErrInvalidBuildOptions = errors.New("invalid build options")

	// ErrInvalidRunOptions is the sentinel wrapped by InvalidRunOptionsError.
	ErrInvalidRunOptions = errors.New("invalid run options")
)

type (
	// Engine is a container runtime relic can build images with and run
	// scripts in.
	Engine interface {
		// Name returns the engine name used in messages.
		Name() string
		// Ping checks that the runtime is reachable.
		Ping(ctx context.Context) error
		// Version returns the runtime's server version.
		Version(ctx context.Context) (string, error)

		// Build builds an image from a Dockerfile.
		Build(ctx context.Context, opts BuildOptions) error
		// ImageExists reports whether image is present locally.
		ImageExists(ctx context.Context, image string) (bool, error)

		// Start creates and starts a detached container.
		Start(ctx context.Context, opts RunOptions) (ContainerID, error)
		// Logs follows the container's output until it exits or ctx ends.
		Logs(ctx context.Context, id ContainerID, stdout, stderr io.Writer) error
		// Wait blocks until the container exits and returns its exit code.
		Wait(ctx context.Context, id ContainerID) (int, error)
		// Stop asks the container to exit, killing it after grace.
		Stop(ctx context.Context, id ContainerID, grace time.Duration) error
		// Kill terminates the container immediately.
		Kill(ctx context.Context, id ContainerID) error
		// Remove deletes the container.
		Remove(ctx context.Context, id ContainerID, force bool) error
	}

	// EngineType identifies a container engine implementation.
	EngineType string

	// ContainerID identifies a created container.
	ContainerID string

	// BuildSecret exposes a host file to the build as a BuildKit secret.
	BuildSecret struct {
		ID  string
		Src HostFilesystemPath
	}

	// BuildOptions contains options for building an image.
	BuildOptions struct {
		// ContextDir is the build context directory.
		ContextDir HostFilesystemPath
		// Dockerfile is the Dockerfile path, relative to ContextDir.
		Dockerfile string
		// Tag is the image tag.
		Tag string
		// BuildArgs are build-time variables.
		BuildArgs map[string]string
		// Secrets are mounted into RUN steps that request them.
		Secrets []BuildSecret
		// NoCache disables the build cache.
		NoCache bool
		// Stdout receives build output.
		Stdout io.Writer
		// Stderr receives build errors.
		Stderr io.Writer
	}

	// RunOptions contains options for starting a container.
	RunOptions struct {
		// Image is the image to run.
		Image string
		// Name is the container name.
		Name string
		// Command is the command to run.
		Command []string
		// WorkDir is the working directory inside the container.
		WorkDir MountTargetPath
		// Env contains environment variables.
		Env map[string]string
		// Mounts are bind mounts.
		Mounts []VolumeMount
		// Labels are attached to the container.
		Labels map[string]string
	}

	// EngineNotAvailableError is returned when no usable engine was found.
	EngineNotAvailableError struct {
		Engine EngineType
		Reason string
	}

	// InvalidEngineTypeError is returned when an EngineType is not recognized.
	InvalidEngineTypeError struct {
		Value EngineType
	}

	// InvalidBuildOptionsError is returned when BuildOptions fail validation.
	InvalidBuildOptionsError struct {
		FieldErrs []error
	}

	// InvalidRunOptionsError is returned when RunOptions fail validation.
	InvalidRunOptionsError struct {
		FieldErrs []error
	}
)

// String returns the engine type name.
func (t EngineType) String() string { return string(t) }

// Validate returns an error if the EngineType is not one of the defined types.
func (t EngineType) Validate() error {
	switch t {
	case EngineTypeDocker, EngineTypePodman, EngineTypeDockerAPI:
		return nil
	default:
		return &InvalidEngineTypeError{Value: t}
	}
}

// Error implements the error interface.
func (e *InvalidEngineTypeError) Error() string {
	return fmt.Sprintf("invalid container engine %q (valid: docker, podman, docker-api)", e.Value)
}

// Unwrap returns ErrInvalidEngineType for errors.Is() compatibility.
func (e *InvalidEngineTypeError) Unwrap() error { return ErrInvalidEngineType }

// String returns the container ID.
func (id ContainerID) String() string { return string(id) }

// Error implements the error interface.
func (e *EngineNotAvailableError) Error() string {
	return fmt.Sprintf("container engine '%s' is not available: %s", e.Engine, e.Reason)
}

// Unwrap returns ErrEngineNotAvailable for errors.Is() compatibility.
func (e *EngineNotAvailableError) Unwrap() error { return ErrEngineNotAvailable }

// Validate returns an error if the options cannot produce a build.
func (o BuildOptions) Validate() error {
	var errs []error
	if err := o.ContextDir.Validate(); err != nil {
		errs = append(errs, err)
	}
	if o.Tag == "" {
		errs = append(errs, errors.New("tag must be set"))
	}
	for _, s := range o.Secrets {
		if s.ID == "" {
			errs = append(errs, errors.New("build secret id must be set"))
		}
		if err := s.Src.Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return &InvalidBuildOptionsError{FieldErrs: errs}
	}
	return nil
}

// Error implements the error interface.
func (e *InvalidBuildOptionsError) Error() string {
	return fmt.Sprintf("invalid build options: %v", errors.Join(e.FieldErrs...))
}

// Unwrap returns ErrInvalidBuildOptions and the field errors.
func (e *InvalidBuildOptionsError) Unwrap() []error {
	return append([]error{ErrInvalidBuildOptions}, e.FieldErrs...)
}

// Validate returns an error if the options cannot start a container.
func (o RunOptions) Validate() error {
	var errs []error
	if o.Image == "" {
		errs = append(errs, errors.New("image must be set"))
	}
	for _, m := range o.Mounts {
		if err := m.Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return &InvalidRunOptionsError{FieldErrs: errs}
	}
	return nil
}

// Error implements the error interface.
func (e *InvalidRunOptionsError) Error() string {
	return fmt.Sprintf("invalid run options: %v", errors.Join(e.FieldErrs...))
}

// Unwrap returns ErrInvalidRunOptions and the field errors.
func (e *InvalidRunOptionsError) Unwrap() []error {
	return append([]error{ErrInvalidRunOptions}, e.FieldErrs...)
}

// NewEngine creates an engine of the preferred type. The docker and podman
// CLI engines fall back to each other when the preferred binary is missing.
func NewEngine(preferredType EngineType, opts ...BaseCLIEngineOption) (Engine, error) {
	switch preferredType {
	case EngineTypePodman:
		if engine := NewPodmanEngine(opts...); engine.Available() {
			return engine, nil
		}
		if engine := NewDockerEngine(opts...); engine.Available() {
			return engine, nil
		}
		return nil, &EngineNotAvailableError{
			Engine: EngineTypePodman,
			Reason: "podman is not installed or not accessible, and docker fallback is also not available",
		}

	case EngineTypeDocker:
		if engine := NewDockerEngine(opts...); engine.Available() {
			return engine, nil
		}
		if engine := NewPodmanEngine(opts...); engine.Available() {
			return engine, nil
		}
		return nil, &EngineNotAvailableError{
			Engine: EngineTypeDocker,
			Reason: "docker is not installed or not accessible, and podman fallback is also not available",
		}

	case EngineTypeDockerAPI:
		engine, err := NewAPIEngine(NewDockerEngine(opts...))
		if err != nil {
			return nil, &EngineNotAvailableError{Engine: EngineTypeDockerAPI, Reason: err.Error()}
		}
		return engine, nil

	default:
		return nil, &InvalidEngineTypeError{Value: preferredType}
	}
}

// AutoDetectEngine returns the first available CLI engine, trying docker
// first.
func AutoDetectEngine(opts ...BaseCLIEngineOption) (Engine, error) {
	if docker := NewDockerEngine(opts...); docker.Available() {
		return docker, nil
	}
	if podman := NewPodmanEngine(opts...); podman.Available() {
		return podman, nil
	}
	return nil, &EngineNotAvailableError{
		Engine: "any",
		Reason: "no container engine (docker or podman) is available on this system",
	}
}
