// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/relicrun/relic/internal/knowledge"
)

var (
	errInvalidLayers  = errors.New("knowledge layers failed validation")
	errUnknownLibrary = errors.New("library not in the knowledge base")
)

type (
	layerResult struct {
		Path  string `json:"path"`
		OK    bool   `json:"ok"`
		Error string `json:"error,omitempty"`
	}

	libraryOutput struct {
		Name     string              `json:"name"`
		Import   string              `json:"import,omitempty"`
		Releases []knowledge.Release `json:"releases"`
		Apt      []string            `json:"apt,omitempty"`
	}
)

func newKnowledgeCommand(app *App) *cobra.Command {
	kbCmd := &cobra.Command{
		Use:     "kb",
		Aliases: []string{"knowledge"},
		Short:   "Inspect and validate knowledge layers",
		Long: `Inspect and validate knowledge layers.

The knowledge base is the embedded default layer (or knowledge.base),
then each overlay in order, then the user layer. Layers may be written in
CUE, JSON, YAML or TOML and are checked against the same schema.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	kbCmd.AddCommand(&cobra.Command{
		Use:   "validate <file>...",
		Short: "Check layer files against the knowledge schema",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			results := make([]layerResult, 0, len(args))
			var failed int
			for _, path := range args {
				res := layerResult{Path: path, OK: true}
				if _, err := knowledge.Validate(path); err != nil {
					res.OK = false
					res.Error = err.Error()
					failed++
				}
				results = append(results, res)
			}
			if err := app.print(results, func(w io.Writer) {
				for _, r := range results {
					if r.OK {
						fmt.Fprintf(w, "%s %s\n", SuccessStyle.Render(markOK), r.Path)
						continue
					}
					fmt.Fprintf(w, "%s %s\n  %s\n", ErrorStyle.Render(markFail), r.Path, WarningStyle.Render(r.Error))
				}
			}); err != nil {
				return err
			}
			if failed > 0 {
				return &ExitError{Code: 1, Err: fmt.Errorf("%w: %d of %d", errInvalidLayers, failed, len(args))}
			}
			return nil
		},
	})

	kbCmd.AddCommand(&cobra.Command{
		Use:   "show [library]",
		Short: "Summarize the merged knowledge base, or one library",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := app.open(cmd.Context(), false)
			if err != nil {
				return app.fail(err, 1)
			}
			defer func() { _ = s.close() }()

			snap := s.svc.Knowledge().Snapshot()
			if len(args) == 0 {
				return app.print(snap, func(w io.Writer) {
					renderSnapshot(w, snap)
				})
			}
			lib, ok := lookupLibrary(snap, args[0])
			if !ok {
				return app.fail(fmt.Errorf("%w: %s", errUnknownLibrary, args[0]), 1)
			}
			return app.print(lib, func(w io.Writer) {
				renderLibrary(w, lib)
			})
		},
	})

	kbCmd.AddCommand(&cobra.Command{
		Use:   "schema",
		Short: "Print the CUE schema every layer is validated against",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := app.stdout.Write(knowledge.Schema())
			return err
		},
	})

	return kbCmd
}

// lookupLibrary accepts a distribution name or an import name.
func lookupLibrary(snap *knowledge.Snapshot, name string) (libraryOutput, bool) {
	var out libraryOutput
	canonical, ok := snap.CanonicalName(name)
	if !ok {
		dist, found := snap.Distribution(name)
		if !found {
			return out, false
		}
		out.Import = name
		if canonical, ok = snap.CanonicalName(dist); !ok {
			canonical = dist
		}
	}
	out.Name = canonical
	out.Releases = snap.Releases(canonical)
	out.Apt = snap.AptPackages(canonical)
	return out, true
}

func renderSnapshot(w io.Writer, snap *knowledge.Snapshot) {
	fmt.Fprintf(w, "%s %s\n", keyStyle.Render("Digest"), snap.Digest)
	fmt.Fprintf(w, "%s %s\n", keyStyle.Render("Layers"), strings.Join(snap.Sources, " > "))
	fmt.Fprintf(w, "%s %d\n", keyStyle.Render("Libraries"), len(snap.Libraries))
	fmt.Fprintf(w, "%s %d\n", keyStyle.Render("Images"), len(snap.Images))
	if snap.Registry != nil {
		fmt.Fprintf(w, "%s %s\n", keyStyle.Render("Registry"), snap.Registry.IndexURL)
	}
	for _, warn := range snap.Warnings {
		fmt.Fprintln(w, WarningStyle.Render(markWarn+" "+warn))
	}
	fmt.Fprintln(w)
	for _, img := range snap.Images {
		fmt.Fprintf(w, "%s %s %s\n", CmdStyle.Render(img.ID), img.Image, SubtitleStyle.Render("python "+img.Python))
	}
}

func renderLibrary(w io.Writer, lib libraryOutput) {
	fmt.Fprintln(w, TitleStyle.Render(lib.Name))
	if lib.Import != "" {
		fmt.Fprintf(w, "%s %s\n", keyStyle.Render("Imported as"), lib.Import)
	}
	if len(lib.Apt) > 0 {
		fmt.Fprintf(w, "%s %s\n", keyStyle.Render("System"), strings.Join(lib.Apt, " "))
	}
	for _, r := range lib.Releases {
		var extra []string
		if r.Python != "" {
			extra = append(extra, "python "+r.Python)
		}
		if r.OSRelease != "" {
			extra = append(extra, r.OSRelease)
		}
		if r.Year > 0 {
			extra = append(extra, fmt.Sprint(r.Year))
		}
		fmt.Fprintf(w, "%s %s\n", CmdStyle.Render(r.Version), SubtitleStyle.Render(strings.Join(extra, ", ")))
	}
}
