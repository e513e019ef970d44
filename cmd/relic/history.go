// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"slices"
	"time"

	"github.com/spf13/cobra"

	"github.com/relicrun/relic/internal/history"
	"github.com/relicrun/relic/internal/orchestrate"
)

var errVerificationFailed = errors.New("history verification failed")

type historyShowOutput struct {
	Record history.Record         `json:"record"`
	Events []orchestrate.LogEvent `json:"events,omitempty"`
}

func newHistoryCommand(app *App) *cobra.Command {
	var project string
	histCmd := &cobra.Command{
		Use:   "history",
		Short: "Inspect a project's execution history",
		Long: `Inspect a project's execution history.

History lives in the project's .relic directory: one record per execution
and a read-only snapshot of every script that ran.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	histCmd.PersistentFlags().StringVarP(&project, "project", "p", "", "project root (default: configured root or working directory)")

	var limit int
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List executions, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.withHistory(cmd.Context(), project, func(store *history.Store) error {
				records, err := store.List(cmd.Context())
				if err != nil {
					return err
				}
				slices.Reverse(records)
				if limit > 0 && len(records) > limit {
					records = records[:limit]
				}
				return app.print(records, func(w io.Writer) {
					renderRecordTable(w, records)
				})
			})
		},
	}
	listCmd.Flags().IntVarP(&limit, "limit", "n", 0, "show at most this many executions")

	var withLogs bool
	showCmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show one execution and optionally its log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.withHistory(cmd.Context(), project, func(store *history.Store) error {
				rec, err := store.Get(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				out := historyShowOutput{Record: rec}
				if withLogs && rec.LogRef != "" {
					if out.Events, err = orchestrate.ReadLog(store.Abs(rec.LogRef)); err != nil {
						return err
					}
				}
				return app.print(out, func(w io.Writer) {
					renderRecordDetail(w, rec)
					if len(out.Events) > 0 {
						fmt.Fprintln(w)
						for _, ev := range out.Events {
							fmt.Fprintf(w, "%s %s\n", SubtitleStyle.Render(fmt.Sprintf("%-6s", ev.Stream)), ev.Line)
						}
					}
				})
			})
		},
	}
	showCmd.Flags().BoolVar(&withLogs, "logs", false, "print the execution's log")

	verifyCmd := &cobra.Command{
		Use:   "verify",
		Short: "Check every snapshot against its recorded hash",
		Long: `Check that every recorded snapshot still exists under the project root and
that its content matches the hash in its directory name. Snapshot paths
are stored relative to the project, so a relocated project verifies too.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var failed int
			err := app.withHistory(cmd.Context(), project, func(store *history.Store) error {
				findings, err := store.Verify(cmd.Context())
				if err != nil {
					return err
				}
				for _, f := range findings {
					if !f.OK {
						failed++
					}
				}
				return app.print(findings, func(w io.Writer) {
					for _, f := range findings {
						if f.OK {
							fmt.Fprintf(w, "%s %s %s\n", SuccessStyle.Render(markOK), f.ID, SubtitleStyle.Render(f.SnapshotPath))
							continue
						}
						fmt.Fprintf(w, "%s %s %s\n", ErrorStyle.Render(markFail), f.ID, WarningStyle.Render(string(f.Problem)))
					}
					fmt.Fprintf(w, "\n%d of %d snapshots verified\n", len(findings)-failed, len(findings))
				})
			})
			if err != nil {
				return err
			}
			if failed > 0 {
				return &ExitError{Code: 1, Err: fmt.Errorf("%w: %d snapshots", errVerificationFailed, failed)}
			}
			return nil
		},
	}

	histCmd.AddCommand(listCmd, showCmd, verifyCmd)
	return histCmd
}

// withHistory opens the project's history store for fn. Only configuration
// is loaded; no engine or knowledge base is needed.
func (a *App) withHistory(ctx context.Context, project string, fn func(*history.Store) error) error {
	cfg, err := a.loadConfig(ctx)
	if err != nil {
		return a.fail(err, 1)
	}
	s := &session{cfg: cfg}
	root, err := s.projectRoot(project)
	if err != nil {
		return a.fail(err, 1)
	}
	store, err := history.Open(root, cfg.History.Backend, history.WithLogger(a.newLogger(cfg)))
	if err != nil {
		return a.fail(err, 1)
	}
	defer func() { _ = store.Close() }()
	if err := fn(store); err != nil {
		return a.fail(err, 1)
	}
	return nil
}

func renderRecordTable(w io.Writer, records []history.Record) {
	if len(records) == 0 {
		fmt.Fprintln(w, SubtitleStyle.Render("No executions recorded."))
		return
	}
	for _, rec := range records {
		status := SuccessStyle.Render(fmt.Sprintf("%-9s", rec.Status))
		switch {
		case rec.Status == history.StatusFailed:
			status = ErrorStyle.Render(fmt.Sprintf("%-9s", rec.Status))
		case rec.Status == history.StatusCancelled || rec.ExitCode != 0:
			status = WarningStyle.Render(fmt.Sprintf("%-9s", rec.Status))
		}
		fmt.Fprintf(w, "%s  %s  %s  exit %-3d  %s\n",
			SubtitleStyle.Render(rec.ID),
			rec.StartedAt.Local().Format(time.DateTime),
			status,
			rec.ExitCode,
			CmdStyle.Render(filepath.Base(filepath.FromSlash(rec.ScriptPath))))
	}
}

func renderRecordDetail(w io.Writer, rec history.Record) {
	fmt.Fprintln(w, TitleStyle.Render(rec.ID))
	fmt.Fprintf(w, "%s %s\n", keyStyle.Render("Status"), rec.Status)
	fmt.Fprintf(w, "%s %d\n", keyStyle.Render("Exit code"), rec.ExitCode)
	fmt.Fprintf(w, "%s %s\n", keyStyle.Render("Started"), rec.StartedAt.Local().Format(time.RFC3339))
	fmt.Fprintf(w, "%s %s\n", keyStyle.Render("Duration"), rec.Duration().Round(time.Millisecond))
	fmt.Fprintf(w, "%s %s\n", keyStyle.Render("Script"), rec.ScriptPath)
	fmt.Fprintf(w, "%s %s\n", keyStyle.Render("Snapshot"), rec.SnapshotPath)
	if rec.Dialect != "" {
		fmt.Fprintf(w, "%s %s\n", keyStyle.Render("Dialect"), rec.Dialect)
	}
	if rec.ImageTag != "" {
		fmt.Fprintf(w, "%s %s\n", keyStyle.Render("Image"), rec.ImageTag)
	}
	if rec.DefinitionHash != "" {
		fmt.Fprintf(w, "%s %s\n", keyStyle.Render("Definition"), rec.DefinitionHash)
	}
	if rec.OutputDir != "" {
		fmt.Fprintf(w, "%s %s\n", keyStyle.Render("Output"), rec.OutputDir)
	}
	if rec.LogRef != "" {
		fmt.Fprintf(w, "%s %s\n", keyStyle.Render("Log"), rec.LogRef)
	}
	for _, rw := range rec.PathRewrites {
		fmt.Fprintf(w, "%s line %d: %s -> %s\n", keyStyle.Render("Rewrite"), rw.Line, rw.Original, rw.Rewritten)
	}
	if rec.Error != nil {
		fmt.Fprintf(w, "%s %s\n", keyStyle.Render("Error"), ErrorStyle.Render(rec.Error.Error()))
		for _, sug := range rec.Error.Suggestions {
			fmt.Fprintf(w, "%s %s\n", keyStyle.Render(""), SubtitleStyle.Render("- "+sug))
		}
	}
}
