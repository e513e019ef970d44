// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"fmt"
	"io"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/relicrun/relic/internal/config"
	"github.com/relicrun/relic/internal/issue"
)

type explainOutput struct {
	Kind     issue.Kind `json:"kind"`
	Markdown string     `json:"markdown"`
	Links    []string   `json:"links,omitempty"`
}

func newExplainCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "explain [kind]",
		Short: "Explain an error kind and how to fix it",
		Long: `Explain an error kind and how to fix it. Without an argument, list the
kinds relic reports.`,
		Args: cobra.MaximumNArgs(1),
		ValidArgsFunction: func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
			var kinds []string
			for _, iss := range issue.Values() {
				kinds = append(kinds, iss.Kind().String())
			}
			return kinds, cobra.ShellCompDirectiveNoFileComp
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return listKinds(app)
			}
			kind := issue.Kind(args[0])
			if err := kind.Validate(); err != nil {
				return app.fail(err, 1)
			}
			iss := issue.Get(kind)
			out := explainOutput{Kind: kind, Markdown: string(iss.MarkdownMsg())}
			for _, link := range iss.DocLinks() {
				out.Links = append(out.Links, string(link))
			}
			if app.flags.json {
				return writeJSON(app.stdout, out)
			}

			style := "dark"
			if cfg, err := app.loadConfig(cmd.Context()); err == nil {
				style = glamourStyle(cfg.UI.ColorScheme)
			}
			rendered, err := iss.Render(style)
			if err != nil {
				return app.fail(err, 1)
			}
			_, err = io.WriteString(app.stdout, rendered)
			return err
		},
	}
}

func listKinds(app *App) error {
	kinds := make([]issue.Kind, 0, len(issue.Values()))
	for _, iss := range issue.Values() {
		kinds = append(kinds, iss.Kind())
	}
	return app.print(kinds, func(w io.Writer) {
		for _, k := range kinds {
			severity := "warning"
			if k.Fatal() {
				severity = "fatal"
			}
			fmt.Fprintf(w, "%s %s\n", CmdStyle.Render(fmt.Sprintf("%-22s", k)), SubtitleStyle.Render(severity))
		}
	})
}

// glamourStyle maps the configured color scheme to a glamour standard style.
func glamourStyle(scheme config.ColorScheme) string {
	switch scheme {
	case config.ColorSchemeLight:
		return "light"
	case config.ColorSchemeDark:
		return "dark"
	default:
		if lipgloss.HasDarkBackground() {
			return "dark"
		}
		return "light"
	}
}
