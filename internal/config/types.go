// SPDX-License-Identifier: MPL-2.0

package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/relicrun/relic/internal/history"
)

const (
	// ContainerEngineDocker drives the docker CLI.
	ContainerEngineDocker ContainerEngine = "docker"
	// ContainerEnginePodman drives the podman CLI.
	ContainerEnginePodman ContainerEngine = "podman"
	// ContainerEngineDockerAPI talks to the Docker daemon through its Go client.
	ContainerEngineDockerAPI ContainerEngine = "docker-api"

	// ColorSchemeAuto detects the terminal color scheme automatically.
	ColorSchemeAuto ColorScheme = "auto"
	// ColorSchemeDark forces dark color scheme.
	ColorSchemeDark ColorScheme = "dark"
	// ColorSchemeLight forces light color scheme.
	ColorSchemeLight ColorScheme = "light"

	// DefaultIndexURL is the PyPI simple index.
	DefaultIndexURL = "https://pypi.org/simple/"
	// DefaultIndexRate is the request rate allowed against the index, per second.
	DefaultIndexRate = 5.0
	// DefaultGracePeriod is the wait between stop and kill on cancellation.
	DefaultGracePeriod = 10 * time.Second
	// DefaultLogBuffer is the number of log lines buffered per execution.
	DefaultLogBuffer = 256
)

var (
	// ErrInvalidContainerEngine is returned when a ContainerEngine value is not recognized.
	ErrInvalidContainerEngine = errors.New("invalid container engine")
	// ErrInvalidColorScheme is returned when a ColorScheme value is not recognized.
	ErrInvalidColorScheme = errors.New("invalid color scheme")
	// ErrInvalidConfig is the sentinel error wrapped by InvalidConfigError.
	ErrInvalidConfig = errors.New("invalid config")
)

type (
	// ContainerEngine specifies which container runtime to use.
	ContainerEngine string

	// InvalidContainerEngineError is returned when a ContainerEngine value is not recognized.
	// It wraps ErrInvalidContainerEngine for errors.Is() compatibility.
	InvalidContainerEngineError struct {
		Value ContainerEngine
	}

	// ColorScheme specifies the terminal color scheme preference.
	ColorScheme string

	// InvalidColorSchemeError is returned when a ColorScheme value is not recognized.
	// It wraps ErrInvalidColorScheme for errors.Is() compatibility.
	InvalidColorSchemeError struct {
		Value ColorScheme
	}

	// InvalidConfigError is returned when a Config has invalid fields.
	InvalidConfigError struct {
		FieldErrors []error
	}

	// Config holds the application configuration.
	Config struct {
		// ContainerEngine selects the engine adapter.
		ContainerEngine ContainerEngine `json:"container_engine" mapstructure:"container_engine"`
		// ProjectRoot is the default project when a command names none.
		ProjectRoot string `json:"project_root" mapstructure:"project_root"`
		// Knowledge locates the knowledge layers.
		Knowledge KnowledgeConfig `json:"knowledge" mapstructure:"knowledge"`
		// Index configures the package index client.
		Index IndexConfig `json:"index" mapstructure:"index"`
		// Execution configures container runs.
		Execution ExecutionConfig `json:"execution" mapstructure:"execution"`
		// History configures the audit trail.
		History HistoryConfig `json:"history" mapstructure:"history"`
		// Registry locates private index settings and credentials.
		Registry RegistryConfig `json:"registry" mapstructure:"registry"`
		// UI configures terminal output.
		UI UIConfig `json:"ui" mapstructure:"ui"`
	}

	// KnowledgeConfig locates the knowledge layers. Empty Base uses the
	// embedded base layer.
	KnowledgeConfig struct {
		Base     string   `json:"base" mapstructure:"base"`
		Overlays []string `json:"overlays" mapstructure:"overlays"`
		User     string   `json:"user" mapstructure:"user"`
	}

	// IndexConfig configures the package index client.
	IndexConfig struct {
		URL string `json:"url" mapstructure:"url"`
		// Rate is requests per second; 0 disables limiting.
		Rate    float64 `json:"rate" mapstructure:"rate"`
		Offline bool    `json:"offline" mapstructure:"offline"`
		// NamesFile is a newline separated list of known distribution names
		// used for offline suggestions.
		NamesFile string `json:"names_file" mapstructure:"names_file"`
	}

	// ExecutionConfig configures container runs.
	ExecutionConfig struct {
		// Timeout of 0 means none.
		Timeout     time.Duration `json:"timeout" mapstructure:"timeout"`
		GracePeriod time.Duration `json:"grace_period" mapstructure:"grace_period"`
		LogBuffer   int           `json:"log_buffer" mapstructure:"log_buffer"`
		// OutputRoot replaces the project's output/ directory when set.
		OutputRoot string `json:"output_root" mapstructure:"output_root"`
		// EnvFile is a dotenv file whose variables are passed to every run.
		EnvFile string `json:"env_file" mapstructure:"env_file"`
	}

	// HistoryConfig configures the audit trail.
	HistoryConfig struct {
		Backend history.BackendType `json:"backend" mapstructure:"backend"`
	}

	// RegistryConfig locates private index settings and credentials.
	RegistryConfig struct {
		PipConf         string `json:"pip_conf" mapstructure:"pip_conf"`
		CredentialsFile string `json:"credentials_file" mapstructure:"credentials_file"`
	}

	// UIConfig configures terminal output.
	UIConfig struct {
		Verbose     bool        `json:"verbose" mapstructure:"verbose"`
		ColorScheme ColorScheme `json:"color_scheme" mapstructure:"color_scheme"`
	}
)

// String returns the string representation of the ContainerEngine.
func (ce ContainerEngine) String() string { return string(ce) }

// Validate returns nil if the ContainerEngine is one of the defined engine types.
func (ce ContainerEngine) Validate() error {
	switch ce {
	case ContainerEngineDocker, ContainerEnginePodman, ContainerEngineDockerAPI:
		return nil
	default:
		return &InvalidContainerEngineError{Value: ce}
	}
}

// Error implements the error interface.
func (e *InvalidContainerEngineError) Error() string {
	return fmt.Sprintf("invalid container engine %q (valid: docker, podman, docker-api)", e.Value)
}

// Unwrap returns ErrInvalidContainerEngine for errors.Is() compatibility.
func (e *InvalidContainerEngineError) Unwrap() error { return ErrInvalidContainerEngine }

// String returns the string representation of the ColorScheme.
func (cs ColorScheme) String() string { return string(cs) }

// Validate returns nil if the ColorScheme is one of the defined schemes.
func (cs ColorScheme) Validate() error {
	switch cs {
	case ColorSchemeAuto, ColorSchemeDark, ColorSchemeLight:
		return nil
	default:
		return &InvalidColorSchemeError{Value: cs}
	}
}

// Error implements the error interface.
func (e *InvalidColorSchemeError) Error() string {
	return fmt.Sprintf("invalid color scheme %q (valid: auto, dark, light)", e.Value)
}

// Unwrap returns ErrInvalidColorScheme for errors.Is() compatibility.
func (e *InvalidColorSchemeError) Unwrap() error { return ErrInvalidColorScheme }

// Error implements the error interface.
func (e *InvalidConfigError) Error() string {
	return fmt.Sprintf("invalid config (%d field errors): %v", len(e.FieldErrors), errors.Join(e.FieldErrors...))
}

// Unwrap returns ErrInvalidConfig followed by every field error, so errors.Is
// matches both the sentinel and the individual causes.
func (e *InvalidConfigError) Unwrap() []error {
	return append([]error{ErrInvalidConfig}, e.FieldErrors...)
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		ContainerEngine: ContainerEngineDocker,
		Knowledge:       KnowledgeConfig{Overlays: []string{}},
		Index: IndexConfig{
			URL:  DefaultIndexURL,
			Rate: DefaultIndexRate,
		},
		Execution: ExecutionConfig{
			GracePeriod: DefaultGracePeriod,
			LogBuffer:   DefaultLogBuffer,
		},
		History: HistoryConfig{Backend: history.BackendJSONL},
		UI:      UIConfig{ColorScheme: ColorSchemeAuto},
	}
}

// Validate reports every invalid field at once. The CUE schema covers file
// input; this covers values that arrive through the environment.
func (c Config) Validate() error {
	var errs []error
	if err := c.ContainerEngine.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := c.UI.ColorScheme.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := c.History.Backend.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Index.URL != "" && !strings.HasPrefix(c.Index.URL, "http://") && !strings.HasPrefix(c.Index.URL, "https://") {
		errs = append(errs, fmt.Errorf("index url %q must be http or https", c.Index.URL))
	}
	if c.Index.Rate < 0 {
		errs = append(errs, fmt.Errorf("index rate %g must not be negative", c.Index.Rate))
	}
	if c.Execution.Timeout < 0 {
		errs = append(errs, fmt.Errorf("execution timeout %s must not be negative", c.Execution.Timeout))
	}
	if c.Execution.GracePeriod < 0 {
		errs = append(errs, fmt.Errorf("grace period %s must not be negative", c.Execution.GracePeriod))
	}
	if c.Execution.LogBuffer <= 0 {
		errs = append(errs, fmt.Errorf("log buffer %d must be positive", c.Execution.LogBuffer))
	}
	for i, o := range c.Knowledge.Overlays {
		if strings.TrimSpace(o) == "" {
			errs = append(errs, fmt.Errorf("knowledge overlay %d must not be empty", i))
		}
	}
	if len(errs) > 0 {
		return &InvalidConfigError{FieldErrors: errs}
	}
	return nil
}
