// Package server sets up the HTTP server, router, and all route definitions.
//
// SERVER ARCHITECTURE:
// This package is the "wiring" layer. It connects handlers, middleware and
// routes, and owns the lifecycle of the listener:
// - Which URL patterns map to which handler functions
// - What middleware runs on which routes
// - How the server starts and stops gracefully
//
// Handlers arrive fully built from main.go (the composition root). The server
// never reaches into the vault, the synthesizer or the sandbox itself.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/sakif/vulnproof/internal/handler"
	"github.com/sakif/vulnproof/internal/middleware"
)

// Config holds server configuration.
type Config struct {
	Port int
	// WriteTimeout must outlast a full validation: model call, sandbox limit
	// and grace period.
	WriteTimeout time.Duration
	// ShutdownTimeout bounds how long in-flight validations may finish.
	ShutdownTimeout time.Duration
}

// Handlers are the route targets, built by the caller.
type Handlers struct {
	Validate *handler.ValidateHandler
	Fabric   *handler.FabricHandler
}

// Server represents the HTTP server and everything it must release on exit.
type Server struct {
	router  *chi.Mux
	config  Config
	logger  *slog.Logger
	closers []io.Closer
}

// New creates a Server and registers its routes.
func New(cfg Config, h Handlers, logger *slog.Logger) (*Server, error) {
	if h.Validate == nil || h.Fabric == nil {
		return nil, errors.New("server: validate and fabric handlers are required")
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Minute
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = cfg.WriteTimeout
	}

	s := &Server{
		router: chi.NewRouter(),
		config: cfg,
		logger: logger,
	}
	s.setupRoutes(h)
	return s, nil
}

// Manage registers a resource to close after the listener has drained,
// in reverse registration order.
func (s *Server) Manage(c io.Closer) {
	s.closers = append(s.closers, c)
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// setupRoutes configures all middleware and route handlers.
//
// ROUTE STRUCTURE:
// POST /api/validate → run one validation (JSON)
// GET  /api/fabric   → the active isolation policy and its verification
// GET  /healthz      → 200 only while the policy verifies
//
// MIDDLEWARE ORDER MATTERS:
// 1. RequestID, so the logger can tag every line
// 2. RealIP, from proxy headers
// 3. Logger
// 4. Recoverer, innermost so a panic is still logged as a 500
func (s *Server) setupRoutes(h Handlers) {
	s.router.Use(chimiddleware.RequestID)
	s.router.Use(chimiddleware.RealIP)
	s.router.Use(middleware.Logger(s.logger))
	s.router.Use(chimiddleware.Recoverer)

	s.router.Get("/healthz", h.Fabric.HandleHealth)

	s.router.Route("/api", func(r chi.Router) {
		r.Post("/validate", h.Validate.HandleValidate)
		r.Get("/fabric", h.Fabric.HandleFabric)
	})
}

// Start serves until SIGINT/SIGTERM, then shuts down gracefully.
func (s *Server) Start() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return s.Run(ctx)
}

// Run serves until ctx is done, drains in-flight requests and closes every
// managed resource.
func (s *Server) Run(ctx context.Context) error {
	defer s.closeAll()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.config.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      s.config.WriteTimeout,
		IdleTimeout:       60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		s.logger.Info("server starting",
			slog.Int("port", s.config.Port),
			slog.Duration("write_timeout", s.config.WriteTimeout),
		)
		serverErrors <- srv.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}

	case <-ctx.Done():
		s.logger.Info("shutdown signal received")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		s.logger.Info("server stopped gracefully")
	}

	return nil
}

func (s *Server) closeAll() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i].Close(); err != nil {
			s.logger.Error("failed to release resource", slog.String("error", err.Error()))
		}
	}
}
