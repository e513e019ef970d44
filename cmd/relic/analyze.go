// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/relicrun/relic/internal/detect"
	"github.com/relicrun/relic/internal/generate"
	"github.com/relicrun/relic/internal/pipeline"
	"github.com/relicrun/relic/internal/resolve"
	"github.com/relicrun/relic/internal/script"
)

const stdinScriptName = "stdin.py"

type (
	// resolveFlags are shared by resolve, generate and run.
	resolveFlags struct {
		overlays []string
		dialect  string
		image    string
	}

	analyzeOutput struct {
		Script    script.Source `json:"script"`
		Detection detect.Result `json:"detection"`
	}

	resolveOutput struct {
		Script    script.Source    `json:"script"`
		Detection detect.Result    `json:"detection"`
		Profile   *resolve.Profile `json:"profile"`
	}
)

func (f *resolveFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringArrayVar(&f.overlays, "overlay", nil, "extra knowledge layer for this call (repeatable)")
	cmd.Flags().StringVar(&f.dialect, "dialect", "", "override the detected dialect (legacy|modern)")
	cmd.Flags().StringVar(&f.image, "image", "", "force an image rule by id")
}

func (f *resolveFlags) options() (pipeline.ResolveOptions, error) {
	opts := pipeline.ResolveOptions{Overlays: f.overlays, Image: f.image}
	if f.dialect != "" {
		d := detect.Dialect(f.dialect)
		if err := d.Validate(); err != nil {
			return opts, err
		}
		opts.Dialect = d
	}
	return opts, nil
}

func newAnalyzeCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "analyze <script>",
		Short: "Detect a script's dialect, imports and legacy markers",
		Long: `Detect a script's Python dialect, its imported libraries and the
legacy-only constructs it uses. Pass "-" to read the script from stdin.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := app.open(cmd.Context(), false)
			if err != nil {
				return app.fail(err, 1)
			}
			defer func() { _ = s.close() }()

			src, err := readScript(cmd, s.svc, args[0])
			if err != nil {
				return app.fail(err, 1)
			}
			res, err := s.svc.Analyze(cmd.Context(), src)
			if err != nil {
				return app.fail(err, 1)
			}
			return app.print(analyzeOutput{Script: src, Detection: res}, func(w io.Writer) {
				renderDetection(w, src, res, app.flags.verbose)
			})
		},
	}
}

func newResolveCommand(app *App) *cobra.Command {
	var rf resolveFlags
	cmd := &cobra.Command{
		Use:   "resolve <script>",
		Short: "Map a script's imports to historical package versions",
		Long: `Resolve every import of a script against the knowledge base and, for
libraries it does not know, the package index. Unresolved libraries are
listed for manual confirmation; they do not make the command fail.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := app.open(cmd.Context(), false)
			if err != nil {
				return app.fail(err, 1)
			}
			defer func() { _ = s.close() }()

			src, res, profile, err := analyzeAndResolve(cmd, s.svc, args[0], rf)
			if err != nil {
				return app.fail(err, 1)
			}
			return app.print(resolveOutput{Script: src, Detection: res, Profile: profile}, func(w io.Writer) {
				renderProfile(w, profile, app.flags.verbose)
			})
		},
	}
	rf.register(cmd)
	return cmd
}

func newGenerateCommand(app *App) *cobra.Command {
	var (
		rf              resolveFlags
		outDir          string
		allowUnresolved bool
	)
	cmd := &cobra.Command{
		Use:   "generate <script>",
		Short: "Render the container definition for a script",
		Long: `Render the Dockerfile that rebuilds a script's environment, together with
the sanitized copy of the script it runs. Without --out the Dockerfile is
printed; with --out both files are written to the directory.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := app.open(cmd.Context(), false)
			if err != nil {
				return app.fail(err, 1)
			}
			defer func() { _ = s.close() }()

			src, _, profile, err := analyzeAndResolve(cmd, s.svc, args[0], rf)
			if err != nil {
				return app.fail(err, 1)
			}
			def, err := s.svc.Generate(profile, src, pipeline.GenerateOptions{AllowUnresolved: allowUnresolved})
			if err != nil {
				return app.fail(err, 1)
			}
			if outDir != "" {
				if err := writeDefinition(outDir, def); err != nil {
					return app.fail(err, 1)
				}
			}
			return app.print(def, func(w io.Writer) {
				if outDir == "" {
					fmt.Fprint(w, def.Dockerfile)
					return
				}
				fmt.Fprintf(w, "%s %s\n", SuccessStyle.Render(markOK), "definition written to "+CmdStyle.Render(outDir))
				fmt.Fprintf(w, "%s %s\n", keyStyle.Render("Image"), def.ImageTag)
				fmt.Fprintf(w, "%s %s\n", keyStyle.Render("Hash"), def.Hash)
				for _, rw := range def.Rewrites {
					fmt.Fprintf(w, "%s line %d: %s -> %s\n", keyStyle.Render("Rewrite"), rw.Line, rw.Original, rw.Rewritten)
				}
			})
		},
	}
	rf.register(cmd)
	cmd.Flags().StringVarP(&outDir, "out", "o", "", "directory to write the Dockerfile and sanitized script to")
	cmd.Flags().BoolVar(&allowUnresolved, "allow-unresolved", false, "render without unresolved libraries instead of failing")
	return cmd
}

// readScript loads path, or stdin when path is "-".
func readScript(cmd *cobra.Command, svc *pipeline.Service, path string) (script.Source, error) {
	if path != "-" {
		return svc.LoadScript(path)
	}
	content, err := io.ReadAll(cmd.InOrStdin())
	if err != nil {
		return script.Source{}, fmt.Errorf("read script from stdin: %w", err)
	}
	return script.New(stdinScriptName, content)
}

func analyzeAndResolve(cmd *cobra.Command, svc *pipeline.Service, path string, rf resolveFlags) (script.Source, detect.Result, *resolve.Profile, error) {
	opts, err := rf.options()
	if err != nil {
		return script.Source{}, detect.Result{}, nil, err
	}
	src, err := readScript(cmd, svc, path)
	if err != nil {
		return script.Source{}, detect.Result{}, nil, err
	}
	ctx := cmd.Context()
	res, err := svc.Analyze(ctx, src)
	if err != nil {
		return src, res, nil, err
	}
	profile, err := svc.Resolve(ctx, res, opts)
	return src, res, profile, err
}

func writeDefinition(dir string, def *generate.Definition) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "Dockerfile"), []byte(def.Dockerfile), 0o644); err != nil {
		return fmt.Errorf("write Dockerfile: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, def.ScriptName), []byte(def.SanitizedScript), 0o644); err != nil {
		return fmt.Errorf("write sanitized script: %w", err)
	}
	return nil
}

func renderDetection(w io.Writer, src script.Source, res detect.Result, verbose bool) {
	fmt.Fprintln(w, TitleStyle.Render(src.Name))
	fmt.Fprintf(w, "%s %s %s\n", keyStyle.Render("Dialect"), res.Dialect,
		SubtitleStyle.Render(fmt.Sprintf("(%s confidence, %s)", res.Confidence, orNone(res.Strategy))))
	fmt.Fprintf(w, "%s %s\n", keyStyle.Render("Python"), res.Hints.PythonVersion)
	fmt.Fprintf(w, "%s %s\n", keyStyle.Render("Libraries"), orNone(strings.Join(res.Libraries, ", ")))
	for _, m := range res.Markers {
		fmt.Fprintf(w, "%s %s %s\n", keyStyle.Render("Marker"), m.Name, SubtitleStyle.Render(fmt.Sprintf("line %d", m.Line)))
	}
	if len(res.Hints.Keywords) > 0 {
		fmt.Fprintf(w, "%s %s\n", keyStyle.Render("Keywords"), strings.Join(res.Hints.Keywords, ", "))
	}
	if res.Hints.OpenCV != "" {
		fmt.Fprintf(w, "%s %s\n", keyStyle.Render("OpenCV API"), res.Hints.OpenCV)
	}
	if res.Hints.ValidationYear > 0 {
		fmt.Fprintf(w, "%s %d\n", keyStyle.Render("Year"), res.Hints.ValidationYear)
	}
	if verbose {
		for _, warn := range res.Warnings {
			fmt.Fprintln(w, VerboseStyle.Render("  "+warn))
		}
	}
	if err := res.Err(); err != nil {
		fmt.Fprintln(w)
		fmt.Fprintln(w, WarningStyle.Render(markWarn+" ")+formatErrorForDisplay(err, verbose))
	}
}

func renderProfile(w io.Writer, p *resolve.Profile, verbose bool) {
	fmt.Fprintf(w, "%s %s %s\n", keyStyle.Render("Image"), p.BaseImage, SubtitleStyle.Render("("+p.ImageRule+")"))
	fmt.Fprintf(w, "%s %s (%s)\n", keyStyle.Render("Python"), p.PythonVersion, p.Dialect)
	if p.OSRelease != "" {
		fmt.Fprintf(w, "%s %s\n", keyStyle.Render("OS release"), p.OSRelease)
	}
	if len(p.Apt) > 0 {
		fmt.Fprintf(w, "%s %s\n", keyStyle.Render("System"), strings.Join(p.Apt, " "))
	}
	if p.Registry != nil {
		fmt.Fprintf(w, "%s %s\n", keyStyle.Render("Registry"), p.Registry.IndexURL)
	}
	if verbose {
		fmt.Fprintf(w, "%s %s\n", keyStyle.Render("Knowledge"), p.Knowledge)
	}
	fmt.Fprintln(w)
	for _, l := range p.Libraries {
		if l.Status == resolve.Unresolved {
			fmt.Fprintf(w, "%s %s %s\n", WarningStyle.Render(markWarn), l.Import, WarningStyle.Render(orNone(l.Reason)))
			for _, c := range l.Candidates {
				fmt.Fprintf(w, "    %s %s\n", CmdStyle.Render(c.Name), SubtitleStyle.Render(c.Rank.String()))
			}
			continue
		}
		target := l.Package
		if target == "" {
			fmt.Fprintf(w, "%s %s %s\n", SuccessStyle.Render(markOK), l.Import, SubtitleStyle.Render(string(l.Source)))
			continue
		}
		if l.Version != "" {
			target += "==" + l.Version
		}
		fmt.Fprintf(w, "%s %s -> %s %s\n", SuccessStyle.Render(markOK), l.Import, target, SubtitleStyle.Render(string(l.Source)))
	}
	if n := len(p.Unresolved()); n > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, WarningStyle.Render(fmt.Sprintf("%d unresolved; confirm them or pass --allow-unresolved to generate", n)))
	}
}

func orNone(s string) string {
	if s == "" {
		return "none"
	}
	return s
}
