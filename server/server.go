// Package server exposes a runtime over HTTP: one-shot turns, session
// inspection, a websocket conversation stream and Prometheus metrics.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sweetpotato0/agentstep/config"
	"github.com/sweetpotato0/agentstep/pkg/logging"
	"github.com/sweetpotato0/agentstep/runtime"
)

// Server is the HTTP front end of a runtime.
type Server struct {
	rt     *runtime.Runtime
	config config.ServerConfig
	logger *slog.Logger
	server *http.Server
}

// Option configures a Server.
type Option func(*Server)

// WithLogger overrides the server logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New creates a server for rt. Nothing listens until ListenAndServe.
func New(rt *runtime.Runtime, cfg config.ServerConfig, opts ...Option) *Server {
	s := &Server{
		rt:     rt,
		config: cfg,
		logger: logging.WithComponent("server"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the router with every route wired.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", s.handleHealth())
	if reg := s.rt.Metrics(); reg != nil {
		r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	}

	r.Route("/v1", func(r chi.Router) {
		if s.config.BearerToken != "" {
			r.Use(bearerAuth(s.config.BearerToken))
		}
		r.Post("/complete", s.handleComplete())
		r.Get("/stream", s.handleStream)
		r.Get("/sessions", s.handleListSessions())
		r.Get("/sessions/{id}", s.handleGetSession())
		r.Delete("/sessions/{id}", s.handleDeleteSession())
	})
	return r
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.config.Addr)
	if err != nil {
		return errors.New("server: listen failed: " + err.Error())
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: s.config.ReadHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", "addr", ln.Addr().String())
		errCh <- s.server.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	timeout := s.config.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	s.logger.Info("server shutting down")
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
