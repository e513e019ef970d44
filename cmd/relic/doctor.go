// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/relicrun/relic/internal/config"
)

const (
	checkOK   checkStatus = "ok"
	checkWarn checkStatus = "warn"
	checkFail checkStatus = "fail"

	doctorProbeTimeout = 10 * time.Second
	// doctorProbePackage is a project every Python package index serves.
	doctorProbePackage = "pip"
)

var errDoctorFailed = errors.New("environment checks failed")

type (
	checkStatus string

	doctorCheck struct {
		Name   string      `json:"name"`
		Status checkStatus `json:"status"`
		Detail string      `json:"detail"`
	}
)

func newDoctorCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check configuration, knowledge base, package index and container engine",
		Long: `Check everything relic needs: the configuration loads, the knowledge
layers merge, the package index answers and the container engine is
reachable. A missing engine fails the check; analyze, resolve and generate
still work without one.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			checks := app.diagnose(cmd.Context())
			var failed int
			for _, c := range checks {
				if c.Status == checkFail {
					failed++
				}
			}
			if err := app.print(checks, func(w io.Writer) {
				renderChecks(w, checks)
			}); err != nil {
				return err
			}
			if failed > 0 {
				return &ExitError{Code: 1, Err: fmt.Errorf("%w: %d", errDoctorFailed, failed)}
			}
			return nil
		},
	}
}

func (a *App) diagnose(ctx context.Context) []doctorCheck {
	var checks []doctorCheck

	s, err := a.open(ctx, false)
	if err != nil {
		return append(checks, doctorCheck{Name: "config", Status: checkFail, Detail: formatErrorForDisplay(err, false)})
	}
	defer func() { _ = s.close() }()
	checks = append(checks, doctorCheck{Name: "config", Status: checkOK, Detail: a.configSource()})

	snap := s.svc.Knowledge().Snapshot()
	kb := doctorCheck{Name: "knowledge", Status: checkOK, Detail: fmt.Sprintf("%d layers, %d libraries, %s", len(snap.Sources), len(snap.Libraries), snap.Digest.Encoded()[:12])}
	if len(snap.Warnings) > 0 {
		kb.Status = checkWarn
		kb.Detail += fmt.Sprintf(" (%d layers skipped)", len(snap.Warnings))
	}
	checks = append(checks, kb)

	checks = append(checks, a.checkIndex(ctx, s))
	checks = append(checks, a.checkEngine(ctx, s.cfg))
	checks = append(checks, doctorCheck{Name: "history", Status: checkOK, Detail: "backend " + string(s.cfg.History.Backend)})
	return checks
}

func (a *App) configSource() string {
	if a.flags.configPath != "" {
		return a.flags.configPath
	}
	dir, err := config.ConfigDir()
	if err != nil {
		return "defaults"
	}
	path := filepath.Join(dir, config.ConfigFileName+"."+config.ConfigFileExt)
	if _, err := os.Stat(path); err != nil {
		return "defaults"
	}
	return path
}

func (a *App) checkIndex(ctx context.Context, s *session) doctorCheck {
	c := doctorCheck{Name: "index"}
	switch {
	case s.index == nil:
		c.Status = checkWarn
		c.Detail = "offline without a names file; unmapped imports stay unresolved"
		return c
	case s.cfg.Index.Offline:
		c.Status = checkOK
		c.Detail = "offline, names from " + s.cfg.Index.NamesFile
		return c
	}

	probeCtx, cancel := context.WithTimeout(ctx, doctorProbeTimeout)
	defer cancel()
	if _, err := s.index.Exists(probeCtx, doctorProbePackage); err != nil {
		c.Status = checkWarn
		c.Detail = fmt.Sprintf("%s unreachable: %v", s.cfg.Index.URL, err)
		return c
	}
	c.Status = checkOK
	c.Detail = s.cfg.Index.URL
	return c
}

func (a *App) checkEngine(ctx context.Context, cfg *config.Config) doctorCheck {
	c := doctorCheck{Name: "engine"}
	engine, err := a.Engines(cfg.ContainerEngine)
	if err != nil {
		c.Status = checkFail
		c.Detail = err.Error()
		return c
	}
	if closer, ok := engine.(io.Closer); ok {
		defer func() { _ = closer.Close() }()
	}

	probeCtx, cancel := context.WithTimeout(ctx, doctorProbeTimeout)
	defer cancel()
	if err := engine.Ping(probeCtx); err != nil {
		c.Status = checkFail
		c.Detail = fmt.Sprintf("%s not reachable: %v", engine.Name(), err)
		return c
	}
	version, err := engine.Version(probeCtx)
	if err != nil {
		c.Status = checkWarn
		c.Detail = fmt.Sprintf("%s reachable, version unknown: %v", engine.Name(), err)
		return c
	}
	c.Status = checkOK
	c.Detail = engine.Name() + " " + version
	return c
}

func renderChecks(w io.Writer, checks []doctorCheck) {
	for _, c := range checks {
		mark := SuccessStyle.Render(markOK)
		switch c.Status {
		case checkWarn:
			mark = WarningStyle.Render(markWarn)
		case checkFail:
			mark = ErrorStyle.Render(markFail)
		}
		fmt.Fprintf(w, "%s %s %s\n", mark, keyStyle.Render(c.Name), c.Detail)
	}
}
