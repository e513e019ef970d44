// SPDX-License-Identifier: MPL-2.0

package provision

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/relicrun/relic/internal/container"
)

const (
	// DefaultMaxAttempts bounds builds retried after transient failures.
	DefaultMaxAttempts = 3
	// DefaultBaseBackoff is the wait before the first retry.
	DefaultBaseBackoff = 2 * time.Second
)

// ErrInvalidProvisionConfig is the sentinel error wrapped by InvalidProvisionConfigError.
var ErrInvalidProvisionConfig = errors.New("invalid provision config")

type (
	// Config holds configuration for building definition images.
	Config struct {
		// ForceRebuild bypasses existing images and always builds.
		ForceRebuild bool

		// NoCache disables the engine's layer cache during builds.
		NoCache bool

		// BuildRoot is the parent directory for temporary build contexts.
		// Empty means a visible directory in the user's home.
		BuildRoot string

		// SecretFiles maps a registry credentials reference to the host
		// file passed to the build as a secret with that id.
		SecretFiles map[string]string

		// MaxAttempts is the number of builds tried when failures are
		// transient.
		MaxAttempts int

		// BaseBackoff is the wait before the first retry; it doubles per attempt.
		BaseBackoff time.Duration
	}

	// Option is a functional option for configuring a Config.
	Option func(*Config)

	// InvalidProvisionConfigError is returned when Config fails validation.
	InvalidProvisionConfigError struct {
		FieldErrors []error
	}
)

// DefaultConfig returns a Config with default values.
func DefaultConfig() *Config {
	return &Config{
		MaxAttempts: DefaultMaxAttempts,
		BaseBackoff: DefaultBaseBackoff,
	}
}

// WithForceRebuild returns an Option that sets ForceRebuild on the config.
func WithForceRebuild(force bool) Option {
	return func(c *Config) {
		c.ForceRebuild = force
	}
}

// WithNoCache returns an Option that sets NoCache on the config.
func WithNoCache(noCache bool) Option {
	return func(c *Config) {
		c.NoCache = noCache
	}
}

// WithBuildRoot returns an Option that sets BuildRoot on the config.
func WithBuildRoot(dir string) Option {
	return func(c *Config) {
		c.BuildRoot = dir
	}
}

// WithSecretFile maps a credentials reference to a host file.
func WithSecretFile(ref, path string) Option {
	return func(c *Config) {
		if c.SecretFiles == nil {
			c.SecretFiles = make(map[string]string)
		}
		c.SecretFiles[ref] = path
	}
}

// WithRetry sets the attempt bound and initial backoff for transient failures.
func WithRetry(maxAttempts int, baseBackoff time.Duration) Option {
	return func(c *Config) {
		c.MaxAttempts = maxAttempts
		c.BaseBackoff = baseBackoff
	}
}

// Apply applies the given options to the config.
func (c *Config) Apply(opts ...Option) {
	for _, opt := range opts {
		opt(c)
	}
}

// Validate reports every invalid field at once.
func (c Config) Validate() error {
	var errs []error
	if c.BuildRoot != "" && strings.TrimSpace(c.BuildRoot) == "" {
		errs = append(errs, errors.New("build root must not be whitespace"))
	}
	if c.MaxAttempts < 0 {
		errs = append(errs, fmt.Errorf("max attempts %d must not be negative", c.MaxAttempts))
	}
	if c.BaseBackoff < 0 {
		errs = append(errs, fmt.Errorf("base backoff %s must not be negative", c.BaseBackoff))
	}
	for ref, path := range c.SecretFiles {
		if ref == "" {
			errs = append(errs, errors.New("secret reference must be set"))
		}
		if err := container.HostFilesystemPath(path).Validate(); err != nil {
			errs = append(errs, fmt.Errorf("secret %q: %w", ref, err))
		}
	}
	if len(errs) > 0 {
		return &InvalidProvisionConfigError{FieldErrors: errs}
	}
	return nil
}

// Error implements the error interface.
func (e *InvalidProvisionConfigError) Error() string {
	return fmt.Sprintf("invalid provision config (%d field errors): %v", len(e.FieldErrors), errors.Join(e.FieldErrors...))
}

// Unwrap returns ErrInvalidProvisionConfig for errors.Is() compatibility.
func (e *InvalidProvisionConfigError) Unwrap() error { return ErrInvalidProvisionConfig }

// buildRoot resolves where build contexts are created.
//
// Docker installed via Snap cannot see /tmp or hidden directories in $HOME,
// but it can see visible ones, so the default is ~/relic-build.
func (c Config) buildRoot() string {
	if c.BuildRoot != "" {
		return c.BuildRoot
	}
	if home, err := os.UserHomeDir(); err == nil {
		if _, statErr := os.Stat(home); statErr == nil {
			return filepath.Join(home, "relic-build")
		}
	}
	if cwd, err := os.Getwd(); err == nil {
		return filepath.Join(cwd, ".relic-build")
	}
	return filepath.Join(os.TempDir(), "relic-build")
}
