// SPDX-License-Identifier: MPL-2.0

// Package cmd contains all CLI commands for relic.
package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/fang"
	"github.com/spf13/cobra"

	"github.com/relicrun/relic/internal/issue"
)

var (
	// Version is the semantic version (set via -ldflags).
	Version = "dev"
	// Commit is the git commit hash (set via -ldflags).
	Commit = "unknown"
	// BuildDate is the build timestamp (set via -ldflags).
	BuildDate = "unknown"
)

// NewRootCommand builds the relic command tree around app.
func NewRootCommand(app *App) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "relic",
		Short: "Run legacy Python scripts in reconstructed environments",
		Long: TitleStyle.Render("relic") + SubtitleStyle.Render(" - Run legacy Python scripts in reconstructed environments") + `

relic reads a Python script, works out which language generation and
libraries it was written against, and rebuilds a container environment
where it runs again. Every run is recorded in the project's audit history
together with an immutable snapshot of the script.

` + SubtitleStyle.Render("Quick Start:") + `
  1. relic analyze old_job.py      Detect dialect and imports
  2. relic resolve old_job.py      Map imports to historical versions
  3. relic run old_job.py          Build the environment and run

` + SubtitleStyle.Render("Examples:") + `
  relic generate job.py --out build/   Write the container definition
  relic history list                   Show past executions
  relic serve                          Expose the HTTP API
  relic explain UnresolvedDependency   Explain an error kind`,
		SilenceUsage: true,
	}
	rootCmd.SetOut(app.stdout)
	rootCmd.SetErr(app.stderr)

	rootCmd.PersistentFlags().BoolVarP(&app.flags.verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().StringVar(&app.flags.configPath, "config", "", "config file (default is $XDG_CONFIG_HOME/relic/config.cue)")
	rootCmd.PersistentFlags().BoolVar(&app.flags.json, "json", false, "print structured JSON output")

	rootCmd.AddCommand(
		newAnalyzeCommand(app),
		newResolveCommand(app),
		newGenerateCommand(app),
		newRunCommand(app),
		newHistoryCommand(app),
		newKnowledgeCommand(app),
		newDoctorCommand(app),
		newServeCommand(app),
		newExplainCommand(app),
	)
	return rootCmd
}

// getVersionString returns a formatted version string for display.
func getVersionString() string {
	if Version == "dev" {
		return "dev (built from source)"
	}
	return fmt.Sprintf("%s (commit: %s, built: %s)", Version, Commit, BuildDate)
}

// Execute runs the CLI. This is called by main.main().
func Execute() {
	app := NewApp(Dependencies{})
	if err := fang.Execute(
		context.Background(),
		NewRootCommand(app),
		fang.WithVersion(getVersionString()),
		fang.WithNotifySignal(os.Interrupt),
		fang.WithErrorHandler(handleError),
	); err != nil {
		var exitErr *ExitError
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.Code)
		}
		os.Exit(1)
	}
}

// handleError prints errors that commands have not already displayed.
func handleError(w io.Writer, styles fang.Styles, err error) {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return
	}
	fang.DefaultErrorHandler(w, styles, err)
}

// formatErrorForDisplay formats an error for user display.
// ActionableErrors render their operation, resource and suggestions; in
// verbose mode the full error chain follows.
func formatErrorForDisplay(err error, verboseMode bool) string {
	var ae *issue.ActionableError
	if errors.As(err, &ae) {
		return ae.Format(verboseMode)
	}
	return err.Error()
}

// fail prints err styled for the terminal and returns an ExitError carrying
// code, so fang does not print it a second time.
func (a *App) fail(err error, code int) error {
	if a.flags.json {
		_ = writeJSON(a.stdout, map[string]any{"error": issue.Info(err)})
	} else {
		fmt.Fprintln(a.stderr, ErrorStyle.Render("Error: ")+formatErrorForDisplay(err, a.flags.verbose))
	}
	return &ExitError{Code: code, Err: err}
}

// print writes v as indented JSON when --json is set and calls text otherwise.
func (a *App) print(v any, text func(w io.Writer)) error {
	if a.flags.json {
		return writeJSON(a.stdout, v)
	}
	text(a.stdout)
	return nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
