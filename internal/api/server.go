// SPDX-License-Identifier: MPL-2.0

package api

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"

	"github.com/relicrun/relic/internal/metrics"
	"github.com/relicrun/relic/internal/pipeline"
)

// DefaultAddr is the listen address when none is configured.
const DefaultAddr = "127.0.0.1:8484"

type (
	// RunDefaults fill fields a run request leaves empty.
	RunDefaults struct {
		Timeout    time.Duration
		OutputRoot string
		// Env is merged under the request's variables.
		Env map[string]string
	}

	// Server exposes a pipeline.Service over HTTP. A Server is single-use:
	// once stopped or failed, create a new one.
	Server struct {
		svc      *pipeline.Service
		metrics  *metrics.Metrics
		logger   *log.Logger
		addr     string
		defaults RunDefaults
		validate *validator.Validate
		upgrader websocket.Upgrader
		router   chi.Router

		mu   sync.Mutex
		hubs map[string]*hub

		lc         *lifecycle
		ctx        context.Context
		cancel     context.CancelFunc
		httpServer *http.Server
		listener   net.Listener
	}

	// Option configures a Server.
	Option func(*Server)
)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(s *Server) {
		s.addr = addr
	}
}

// WithMetrics serves m on /metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

// WithLogger sets the server's logger.
func WithLogger(l *log.Logger) Option {
	return func(s *Server) {
		s.logger = l
	}
}

// WithRunDefaults sets values applied to every run request.
func WithRunDefaults(d RunDefaults) Option {
	return func(s *Server) {
		s.defaults = d
	}
}

// New returns a server for svc. Call Start to listen, or use Handler with
// an existing http.Server.
func New(svc *pipeline.Service, opts ...Option) *Server {
	s := &Server{
		svc:      svc,
		logger:   log.Default(),
		addr:     DefaultAddr,
		validate: newValidator(),
		hubs:     make(map[string]*hub),
		lc:       newLifecycle(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = metrics.New()
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/analyze", s.handleAnalyze)
		r.Post("/resolve", s.handleResolve)
		r.Post("/knowledge/reload", s.handleReload)
		r.Get("/history", s.handleHistory)
		r.Route("/runs", func(r chi.Router) {
			r.Post("/", s.handleRun)
			r.Get("/", s.handleListRuns)
			r.Get("/{id}", s.handleGetRun)
			r.Get("/{id}/logs", s.handleLogs)
			r.Post("/{id}/cancel", s.handleCancel)
		})
	})
	return r
}

// requestLogger logs each request once it completes. WebSocket requests
// are logged when the connection closes.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"elapsed", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()))
	})
}

// Handler returns the router.
func (s *Server) Handler() http.Handler { return s.router }

// State returns the lifecycle state.
func (s *Server) State() State { return s.lc.load() }

// Err delivers a serve failure after Start succeeded.
func (s *Server) Err() <-chan error { return s.lc.errCh }

// Addr returns the bound address once started, else the configured one.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// Start opens the listener and serves in the background.
func (s *Server) Start(ctx context.Context) error {
	if err := s.lc.starting(ctx); err != nil {
		return err
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.addr)
	if err != nil {
		err = fmt.Errorf("listen on %s: %w", s.addr, err)
		s.lc.failed(err)
		return err
	}
	s.listener = ln
	s.httpServer = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return s.ctx },
	}

	s.lc.wg.Go(func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("api server failed", "error", err)
			s.lc.failed(err)
		}
	})
	s.lc.running()
	s.logger.Info("api listening", "addr", s.Addr())
	return nil
}

// Stop cancels executions started through this server, closes log streams
// and shuts the listener down, waiting up to ctx for all of it. It is also
// valid on a server used only through Handler.
func (s *Server) Stop(ctx context.Context) error {
	owned := s.lc.stopping()

	s.mu.Lock()
	hubs := make(map[string]*hub, len(s.hubs))
	maps.Copy(hubs, s.hubs)
	s.mu.Unlock()

	if orch := s.svc.Orchestrator(); orch != nil {
		for id := range hubs {
			_ = orch.Cancel(id)
		}
	}

	var errs []error
	for id, h := range hubs {
		select {
		case <-h.done:
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("execution %s still running: %w", id, ctx.Err()))
		}
	}
	s.cancel()

	if owned {
		if s.httpServer != nil {
			if err := s.httpServer.Shutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("shutdown api server: %w", err))
			}
		}
		s.lc.wg.Wait()
		s.lc.stopped()
	}
	return errors.Join(errs...)
}

// track registers h and drops the drained hubs of executions the
// orchestrator no longer holds. Their logs stay replayable from disk.
func (s *Server) track(id string, h *hub) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if orch := s.svc.Orchestrator(); orch != nil {
		for old, oh := range s.hubs {
			if _, ok := orch.Get(old); !ok && oh.drained() {
				delete(s.hubs, old)
			}
		}
	}
	s.hubs[id] = h
}

func (s *Server) hub(id string) (*hub, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.hubs[id]
	return h, ok
}
