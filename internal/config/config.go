// SPDX-License-Identifier: MPL-2.0

package config

import (
	"context"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"github.com/spf13/viper"

	"github.com/relicrun/relic/internal/cueutil"
	"github.com/relicrun/relic/internal/issue"
)

const (
	// AppName is the application name.
	AppName = "relic"
	// ConfigFileName is the name of the config file (without extension).
	ConfigFileName = "config"
	// ConfigFileExt is the config file extension.
	ConfigFileExt = "cue"
	// EnvPrefix prefixes environment overrides, e.g. RELIC_EXECUTION_TIMEOUT.
	EnvPrefix = "RELIC"
	// UserKnowledgeFile is the default user knowledge layer inside ConfigDir.
	UserKnowledgeFile = "knowledge.cue"
)

//go:embed config_schema.cue
var configSchema string

// ConfigDir returns the relic configuration directory using platform-specific
// conventions: Windows uses %APPDATA%, macOS uses ~/Library/Application Support,
// and Linux/others use $XDG_CONFIG_HOME (defaulting to ~/.config).
//
//nolint:revive // ConfigDir is more descriptive than Dir for external callers
func ConfigDir() (string, error) {
	if configDirOverride != "" {
		return configDirOverride, nil
	}

	var configDir string

	switch runtime.GOOS {
	case "windows":
		configDir = os.Getenv("APPDATA")
		if configDir == "" {
			configDir = filepath.Join(os.Getenv("USERPROFILE"), "AppData", "Roaming")
		}
	case "darwin":
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		configDir = filepath.Join(home, "Library", "Application Support")
	default:
		configDir = os.Getenv("XDG_CONFIG_HOME")
		if configDir == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return "", fmt.Errorf("failed to get home directory: %w", err)
			}
			configDir = filepath.Join(home, ".config")
		}
	}

	return filepath.Join(configDir, AppName), nil
}

// loadWithOptions layers defaults, the config file and RELIC_* environment
// variables, in increasing precedence.
func loadWithOptions(ctx context.Context, opts LoadOptions) (*Config, string, error) {
	select {
	case <-ctx.Done():
		return nil, "", fmt.Errorf("load config canceled: %w", ctx.Err())
	default:
	}

	cfgDir, err := configDirWithOverride(opts.ConfigDirPath)
	if err != nil {
		return nil, "", err
	}

	v := viper.New()
	setDefaults(v, DefaultConfig(), cfgDir)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	resolvedPath := ""
	if opts.ConfigFilePath != "" {
		if !fileExists(opts.ConfigFilePath) {
			return nil, "", issue.NewErrorContext().
				WithOperation("load configuration").
				WithResource(opts.ConfigFilePath).
				WithSuggestion("Verify the file path is correct").
				WithSuggestion("Check that the file exists and is readable").
				Wrap(fmt.Errorf("config file not found: %s", opts.ConfigFilePath)).
				BuildError()
		}
		resolvedPath = opts.ConfigFilePath
	} else if cuePath := filepath.Join(cfgDir, ConfigFileName+"."+ConfigFileExt); fileExists(cuePath) {
		resolvedPath = cuePath
	}

	if resolvedPath != "" {
		if err := loadCUEIntoViper(v, resolvedPath); err != nil {
			return nil, "", issue.NewErrorContext().
				WithOperation("load configuration").
				WithResource(resolvedPath).
				WithSuggestion("Check that the file contains valid CUE syntax").
				WithSuggestion("Verify the configuration values match the expected schema").
				Wrap(err).
				BuildError()
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, "", fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", issue.NewErrorContext().
			WithOperation("validate configuration").
			WithResource(resolvedPath).
			WithSuggestion("Check RELIC_* environment variables for typos").
			Wrap(err).
			BuildError()
	}

	return &cfg, resolvedPath, nil
}

// setDefaults registers every key so AutomaticEnv can override keys that no
// config file mentions.
func setDefaults(v *viper.Viper, d *Config, cfgDir string) {
	v.SetDefault("container_engine", string(d.ContainerEngine))
	v.SetDefault("project_root", d.ProjectRoot)
	v.SetDefault("knowledge.base", d.Knowledge.Base)
	v.SetDefault("knowledge.overlays", d.Knowledge.Overlays)
	v.SetDefault("knowledge.user", filepath.Join(cfgDir, UserKnowledgeFile))
	v.SetDefault("index.url", d.Index.URL)
	v.SetDefault("index.rate", d.Index.Rate)
	v.SetDefault("index.offline", d.Index.Offline)
	v.SetDefault("index.names_file", d.Index.NamesFile)
	v.SetDefault("execution.timeout", d.Execution.Timeout)
	v.SetDefault("execution.grace_period", d.Execution.GracePeriod)
	v.SetDefault("execution.log_buffer", d.Execution.LogBuffer)
	v.SetDefault("execution.output_root", d.Execution.OutputRoot)
	v.SetDefault("execution.env_file", d.Execution.EnvFile)
	v.SetDefault("history.backend", string(d.History.Backend))
	v.SetDefault("registry.pip_conf", d.Registry.PipConf)
	v.SetDefault("registry.credentials_file", d.Registry.CredentialsFile)
	v.SetDefault("ui.verbose", d.UI.Verbose)
	v.SetDefault("ui.color_scheme", string(d.UI.ColorScheme))
}

// configDirWithOverride resolves the configuration directory, honoring
// explicit provider options before platform defaults.
func configDirWithOverride(configDirPath string) (string, error) {
	if configDirPath != "" {
		return configDirPath, nil
	}
	return ConfigDir()
}

// loadCUEIntoViper parses a CUE file, validates it against the #Config schema,
// and merges its contents into Viper.
//
// Config decodes to map[string]any rather than a struct so that Viper keeps
// the defaults and environment layers around it, and uses Concrete(false)
// because every field is optional.
func loadCUEIntoViper(v *viper.Viper, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := cueutil.CheckFileSize(data, cueutil.DefaultMaxFileSize, path); err != nil {
		return err
	}

	ctx := cuecontext.New()
	schemaValue := ctx.CompileString(configSchema)
	if schemaValue.Err() != nil {
		return fmt.Errorf("internal error: failed to compile config schema: %w", schemaValue.Err())
	}

	userValue := ctx.CompileBytes(data, cue.Filename(path))
	if userValue.Err() != nil {
		return cueutil.FormatError(userValue.Err(), path)
	}

	unified := schemaValue.LookupPath(cue.ParsePath("#Config")).Unify(userValue)
	if err := unified.Validate(cue.Concrete(false)); err != nil {
		return cueutil.FormatError(err, path)
	}

	var configMap map[string]any
	if err := unified.Decode(&configMap); err != nil {
		return cueutil.FormatError(err, path)
	}

	if err := v.MergeConfigMap(configMap); err != nil {
		return fmt.Errorf("failed to merge config: %w", err)
	}
	return nil
}

// fileExists checks if a file exists and is not a directory
func fileExists(path string) bool {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return false
	}
	return err == nil && !info.IsDir()
}

// GenerateCUE renders cfg in the config file format.
func GenerateCUE(cfg *Config) string {
	var sb strings.Builder
	sb.WriteString("// relic configuration file\n")
	sb.WriteString("// See 'relic doctor' for the effective values.\n\n")

	fmt.Fprintf(&sb, "container_engine: %q\n", cfg.ContainerEngine)
	if cfg.ProjectRoot != "" {
		fmt.Fprintf(&sb, "project_root: %q\n", cfg.ProjectRoot)
	}

	sb.WriteString("\nknowledge: {\n")
	if cfg.Knowledge.Base != "" {
		fmt.Fprintf(&sb, "\tbase: %q\n", cfg.Knowledge.Base)
	}
	sb.WriteString("\toverlays: [")
	for i, o := range cfg.Knowledge.Overlays {
		if i > 0 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "%q", o)
	}
	sb.WriteString("]\n")
	if cfg.Knowledge.User != "" {
		fmt.Fprintf(&sb, "\tuser: %q\n", cfg.Knowledge.User)
	}
	sb.WriteString("}\n")

	sb.WriteString("\nindex: {\n")
	fmt.Fprintf(&sb, "\turl: %q\n", cfg.Index.URL)
	fmt.Fprintf(&sb, "\trate: %g\n", cfg.Index.Rate)
	fmt.Fprintf(&sb, "\toffline: %v\n", cfg.Index.Offline)
	sb.WriteString("}\n")

	sb.WriteString("\nexecution: {\n")
	fmt.Fprintf(&sb, "\ttimeout: %q\n", cfg.Execution.Timeout.String())
	fmt.Fprintf(&sb, "\tgrace_period: %q\n", cfg.Execution.GracePeriod.String())
	fmt.Fprintf(&sb, "\tlog_buffer: %d\n", cfg.Execution.LogBuffer)
	if cfg.Execution.EnvFile != "" {
		fmt.Fprintf(&sb, "\tenv_file: %q\n", cfg.Execution.EnvFile)
	}
	sb.WriteString("}\n")

	fmt.Fprintf(&sb, "\nhistory: backend: %q\n", cfg.History.Backend)

	sb.WriteString("\nui: {\n")
	fmt.Fprintf(&sb, "\tverbose: %v\n", cfg.UI.Verbose)
	fmt.Fprintf(&sb, "\tcolor_scheme: %q\n", cfg.UI.ColorScheme)
	sb.WriteString("}\n")

	return sb.String()
}
