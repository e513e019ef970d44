// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/relicrun/relic/internal/config"
	"github.com/relicrun/relic/internal/history"
	"github.com/relicrun/relic/internal/orchestrate"
)

// exitCancelled is the conventional exit code after SIGINT.
const exitCancelled = 130

var (
	errInvalidEnvPair  = errors.New("expected KEY=VALUE")
	errExecutionFailed = errors.New("execution failed")
)

type (
	runFlags struct {
		project         string
		inputDir        string
		dataDir         string
		outputRoot      string
		envFile         string
		env             []string
		timeout         time.Duration
		allowUnresolved bool
	}

	// streamLine is one --json output line of relic run.
	streamLine struct {
		Type   string                `json:"type"`
		Event  *orchestrate.LogEvent `json:"event,omitempty"`
		Record *history.Record       `json:"record,omitempty"`
	}
)

func newRunCommand(app *App) *cobra.Command {
	var rf runFlags
	cmd := &cobra.Command{
		Use:   "run <script>",
		Short: "Build the script's environment and run it in a container",
		Long: `Analyze, resolve and render the script's environment, build the image
unless an identical one exists, and run the script with its directory
mounted read-only. Output streams live; interrupting cancels the run.

The script's exit code becomes relic's exit code. Every run, including
failed and cancelled ones, is recorded in the project's history.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScript(cmd, app, args[0], rf)
		},
	}
	cmd.Flags().StringVarP(&rf.project, "project", "p", "", "project root for history and output (default: configured root or working directory)")
	cmd.Flags().StringVar(&rf.inputDir, "input", "", "directory mounted read-only at /app/input (default: the script's directory)")
	cmd.Flags().StringVar(&rf.dataDir, "data", "", "directory mounted read-only at /data")
	cmd.Flags().StringVar(&rf.outputRoot, "output-root", "", "directory receiving per-run output directories")
	cmd.Flags().StringVar(&rf.envFile, "env-file", "", "dotenv file with variables for the container")
	cmd.Flags().StringArrayVarP(&rf.env, "env", "e", nil, "KEY=VALUE variable for the container (repeatable)")
	cmd.Flags().DurationVar(&rf.timeout, "timeout", 0, "cancel the run after this long (default: configured timeout)")
	cmd.Flags().BoolVar(&rf.allowUnresolved, "allow-unresolved", false, "build without unresolved libraries instead of failing")
	return cmd
}

func runScript(cmd *cobra.Command, app *App, path string, rf runFlags) error {
	ctx := cmd.Context()
	s, err := app.open(ctx, true)
	if err != nil {
		return app.fail(err, 1)
	}
	defer func() { _ = s.close() }()

	src, err := readScript(cmd, s.svc, path)
	if err != nil {
		return app.fail(err, 1)
	}
	root, err := s.projectRoot(rf.project)
	if err != nil {
		return app.fail(err, 1)
	}
	env, err := runEnv(s.cfg.Execution.EnvFile, rf.envFile, rf.env)
	if err != nil {
		return app.fail(err, 1)
	}
	req := orchestrate.Request{
		Project: root,
		Script:  src,
		Mounts: orchestrate.Mounts{
			InputDir:   rf.inputDir,
			DataDir:    rf.dataDir,
			OutputRoot: firstNonEmpty(rf.outputRoot, s.cfg.Execution.OutputRoot),
		},
		Timeout:         rf.timeout,
		Env:             env,
		AllowUnresolved: rf.allowUnresolved,
	}
	if req.Timeout == 0 {
		req.Timeout = s.cfg.Execution.Timeout
	}

	exec, err := s.svc.Run(ctx, req)
	if err != nil {
		return app.fail(err, 1)
	}
	s.logger.Debug("execution started", "id", exec.ID(), "project", root)
	app.follow(ctx, exec)

	rec, runErr := exec.Wait(context.Background())
	if app.flags.json {
		_ = json.NewEncoder(app.stdout).Encode(streamLine{Type: "end", Record: rec})
	} else if rec != nil {
		renderRecord(app.stderr, rec)
	}
	if rec != nil && rec.HistoryError != nil && !app.flags.json {
		fmt.Fprintln(app.stderr, WarningStyle.Render(markWarn+" ")+rec.HistoryError.Error())
	}

	switch {
	case rec == nil && runErr != nil:
		return app.fail(runErr, 1)
	case rec == nil:
		return &ExitError{Code: 1}
	case rec.Status == history.StatusCancelled:
		return &ExitError{Code: exitCancelled, Err: runErr}
	case rec.Status == history.StatusFailed:
		if runErr == nil {
			runErr = recordError(rec)
		}
		if app.flags.json {
			return &ExitError{Code: 1, Err: runErr}
		}
		return app.fail(runErr, 1)
	case rec.ExitCode != 0:
		return &ExitError{Code: rec.ExitCode}
	}
	return nil
}

// follow prints events until the execution ends. Cancelling ctx cancels the
// execution; the remaining events are still drained.
func (a *App) follow(ctx context.Context, exec *orchestrate.Execution) {
	enc := json.NewEncoder(a.stdout)
	done := ctx.Done()
	events := exec.Events()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			if a.flags.json {
				_ = enc.Encode(streamLine{Type: "event", Event: &ev})
				continue
			}
			a.printEvent(ev)
		case <-done:
			exec.Cancel()
			done = nil
		}
	}
}

func (a *App) printEvent(ev orchestrate.LogEvent) {
	switch ev.Stream {
	case orchestrate.StreamStdout:
		fmt.Fprintln(a.stdout, ev.Line)
	case orchestrate.StreamStderr:
		fmt.Fprintln(a.stderr, ev.Line)
	case orchestrate.StreamBuild:
		if a.flags.verbose {
			fmt.Fprintln(a.stderr, VerboseStyle.Render(ev.Line))
		}
	default:
		fmt.Fprintln(a.stderr, SubtitleStyle.Render("relic: "+ev.Line))
	}
}

func renderRecord(w io.Writer, rec *history.Record) {
	mark := SuccessStyle.Render(markOK)
	switch {
	case rec.Status == history.StatusFailed:
		mark = ErrorStyle.Render(markFail)
	case rec.Status == history.StatusCancelled || rec.ExitCode != 0:
		mark = WarningStyle.Render(markWarn)
	}
	fmt.Fprintf(w, "%s %s, exit %d in %s %s\n", mark, rec.Status, rec.ExitCode,
		rec.Duration().Round(time.Millisecond), SubtitleStyle.Render(rec.ID))
	if rec.OutputDir != "" {
		fmt.Fprintf(w, "%s %s\n", keyStyle.Render("Output"), CmdStyle.Render(rec.OutputDir))
	}
	if rec.SnapshotPath != "" {
		fmt.Fprintf(w, "%s %s\n", keyStyle.Render("Snapshot"), rec.SnapshotPath)
	}
}

// runEnv layers the configured env file, the --env-file and --env pairs, in
// that order.
func runEnv(configured, file string, pairs []string) (map[string]string, error) {
	env := make(map[string]string)
	for _, path := range []string{configured, file} {
		if path == "" {
			continue
		}
		vars, err := config.LoadEnvFile(path)
		if err != nil {
			return nil, err
		}
		maps.Copy(env, vars)
	}
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --env %q: %w", pair, errInvalidEnvPair)
		}
		env[key] = value
	}
	return env, nil
}

func recordError(rec *history.Record) error {
	if rec.Error != nil {
		return rec.Error
	}
	return errExecutionFailed
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
