// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/relicrun/relic/internal/api"
	"github.com/relicrun/relic/internal/config"
	"github.com/relicrun/relic/internal/watch"
)

const serveShutdownTimeout = 30 * time.Second

func newServeCommand(app *App) *cobra.Command {
	var (
		addr    string
		noWatch bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API",
		Long: `Serve the relic pipeline over HTTP until interrupted.

  POST /v1/analyze              classify a script
  POST /v1/resolve              resolve a script's environment
  POST /v1/runs                 start an execution
  GET  /v1/runs/{id}            execution state and record
  GET  /v1/runs/{id}/logs       WebSocket log stream (replay and follow)
  POST /v1/runs/{id}/cancel     cancel an execution
  GET  /v1/history?project=...  a project's audit history
  POST /v1/knowledge/reload     re-read the knowledge layers
  GET  /metrics                 Prometheus metrics

Knowledge layers are watched and reloaded when they change. Without a
reachable container engine the run endpoints answer 503.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), app, addr, noWatch)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", api.DefaultAddr, "listen address")
	cmd.Flags().BoolVar(&noWatch, "no-watch", false, "do not reload knowledge layers when they change")
	return cmd
}

func serve(ctx context.Context, app *App, addr string, noWatch bool) error {
	s, err := app.open(ctx, true)
	if err != nil {
		var cfgErr *config.InvalidConfigError
		if errors.As(err, &cfgErr) || ctx.Err() != nil {
			return app.fail(err, 1)
		}
		s, err = app.open(ctx, false)
		if err != nil {
			return app.fail(err, 1)
		}
		s.logger.Warn("container engine unavailable; run endpoints are disabled", "engine", s.cfg.ContainerEngine)
	}
	defer func() { _ = s.close() }()

	env, err := runEnv(s.cfg.Execution.EnvFile, "", nil)
	if err != nil {
		return app.fail(err, 1)
	}
	srv := api.New(s.svc,
		api.WithAddr(addr),
		api.WithMetrics(s.metrics),
		api.WithLogger(s.logger),
		api.WithRunDefaults(api.RunDefaults{
			Timeout:    s.cfg.Execution.Timeout,
			OutputRoot: s.cfg.Execution.OutputRoot,
			Env:        env,
		}))
	if err := srv.Start(ctx); err != nil {
		return app.fail(err, 1)
	}

	watchCtx, stopWatch := context.WithCancel(ctx)
	var wg sync.WaitGroup
	if files := s.sources.Files(); !noWatch && len(files) > 0 {
		w, err := watch.New(watch.Config{
			Paths:  files,
			Logger: s.logger,
			OnChange: func(context.Context, []string) error {
				_, err := s.svc.ReloadKnowledge()
				return err
			},
		})
		if err != nil {
			s.logger.Warn("knowledge watch disabled", "error", err)
		} else {
			wg.Go(func() {
				if err := w.Run(watchCtx); err != nil && !errors.Is(err, context.Canceled) {
					s.logger.Error("knowledge watch stopped", "error", err)
				}
			})
		}
	}

	fmt.Fprintf(app.stderr, "%s %s\n", SuccessStyle.Render("listening on"), CmdStyle.Render("http://"+srv.Addr()))

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-srv.Err():
	}
	stopWatch()
	wg.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), serveShutdownTimeout)
	defer cancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		serveErr = errors.Join(serveErr, err)
	}
	if serveErr != nil {
		return app.fail(serveErr, 1)
	}
	return nil
}
