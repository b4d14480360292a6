// Package httpserver exposes the build orchestrator over HTTP.
package httpserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"git.home.luguber.info/inful/pagebuilder/internal/config"
	ferrors "git.home.luguber.info/inful/pagebuilder/internal/foundation/errors"
	"git.home.luguber.info/inful/pagebuilder/internal/server/handlers"
	smw "git.home.luguber.info/inful/pagebuilder/internal/server/middleware"
)

// Server owns the API listener.
type Server struct {
	cfg          config.HTTPConfig
	opts         Options
	srv          *http.Server
	addr         string
	errorAdapter *ferrors.HTTPErrorAdapter

	buildHandlers      *handlers.BuildHandlers
	cacheHandlers      *handlers.CacheHandlers
	monitoringHandlers *handlers.MonitoringHandlers

	mchain func(http.Handler) http.Handler
}

// New constructs the server wiring. Builder and Cache are required.
func New(cfg config.HTTPConfig, opts Options) *Server {
	if opts.StartTime.IsZero() {
		opts.StartTime = time.Now()
	}
	s := &Server{
		cfg:          cfg,
		opts:         opts,
		errorAdapter: ferrors.NewHTTPErrorAdapter(slog.Default()),
	}
	s.buildHandlers = handlers.NewBuildHandlers(opts.Builder, opts.MaxConcurrent)
	s.cacheHandlers = handlers.NewCacheHandlers(opts.Cache)
	s.monitoringHandlers = handlers.NewMonitoringHandlers(opts.StartTime, opts.Services)
	s.mchain = smw.Chain(slog.Default(), s.errorAdapter)
	return s
}

// Handler returns the routed and wrapped API handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /builds", s.buildHandlers.HandleBuild)
	mux.HandleFunc("POST /queue", s.buildHandlers.HandleEnqueue)
	mux.HandleFunc("GET /queue/stats", s.buildHandlers.HandleQueueStats)
	mux.HandleFunc("GET /builds/{id}", s.buildHandlers.HandleStatus)
	mux.HandleFunc("DELETE /builds/{id}", s.buildHandlers.HandleCancel)
	mux.HandleFunc("GET /cache/stats", s.cacheHandlers.HandleStats)
	mux.HandleFunc("POST /cache/cleanup", s.cacheHandlers.HandleCleanup)
	mux.HandleFunc("GET /healthz", s.monitoringHandlers.HandleHealthCheck)
	if s.opts.PrometheusHandler != nil {
		mux.Handle("GET /metrics", s.opts.PrometheusHandler)
	}
	return s.mchain(mux)
}

// Start binds the configured address and serves in the background. Bind
// errors are returned synchronously.
func (s *Server) Start(ctx context.Context) error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("http startup failed: %w", err)
	}
	s.addr = ln.Addr().String()
	s.srv = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		// Synchronous builds hold the request open for the whole compile.
		WriteTimeout: 15 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("API server error", "error", err)
		}
	}()
	slog.Info("HTTP server started", slog.String("addr", s.addr))
	return nil
}

// Addr returns the bound listen address, or "" before Start.
func (s *Server) Addr() string {
	return s.addr
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	if err := s.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("api server shutdown: %w", err)
	}
	slog.Info("HTTP server stopped")
	return nil
}
