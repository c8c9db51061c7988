package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"the-relay/internal/auth"
	"the-relay/internal/core"
	"the-relay/internal/server/handlers"
)

type Server struct {
	config   *core.Config
	logger   *core.Logger
	db       *core.Database
	registry *core.Registry
	auth     *auth.Middleware
	router   chi.Router
	server   *http.Server
}

// New wires the HTTP surface around an already populated registry. Features
// are registered by the caller; routes are collected here once.
func New(config *core.Config, logger *core.Logger, db *core.Database, registry *core.Registry) (*Server, error) {
	authMiddleware, err := auth.NewMiddleware(config.Auth.AdminToken, logger.With("component", "auth"))
	if err != nil {
		return nil, err
	}

	srv := &Server{
		config:   config,
		logger:   logger,
		db:       db,
		registry: registry,
		auth:     authMiddleware,
	}

	srv.setupRoutes()

	return srv, nil
}

func (s *Server) setupRoutes() {
	portalHandler := handlers.NewPortalHandler(s.logger, s.registry, s.db)

	mux := chi.NewRouter()

	mux.Use(middleware.Recoverer)
	mux.Use(middleware.RequestID)
	mux.Use(middleware.RealIP)
	mux.Use(middleware.Logger)

	// Health check
	mux.Get("/health", portalHandler.HealthCheckHandler)

	// Protected routes (require the admin token)
	mux.Group(func(r chi.Router) {
		r.Use(s.auth.RequireToken)

		r.Get("/status", portalHandler.StatusHandler)

		// Feature routes - use the registry to get all feature routes
		for _, route := range s.registry.GetAllRoutes() {
			r.Method(route.Method, route.Path, route.Handler)
		}
	})

	mux.NotFound(func(w http.ResponseWriter, r *http.Request) {
		core.WriteErrorResponse(w, http.StatusNotFound, core.NewNotFoundError("Route not found", nil))
	})

	s.router = mux
	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.config.Server.Host, s.config.Server.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// Handler returns the root handler, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start initializes every feature and blocks serving HTTP until Shutdown
func (s *Server) Start(ctx context.Context) error {
	if err := s.registry.InitAll(ctx); err != nil {
		s.logger.Error("Failed to initialize features", "error", err)
		return err
	}

	s.logger.Info("Starting server", "host", s.config.Server.Host, "port", s.config.Server.Port)

	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down server...")

	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.Error("Failed to shutdown HTTP server", "error", err)
	}

	// Shutdown all features
	if err := s.registry.ShutdownAll(ctx); err != nil {
		s.logger.Error("Failed to shutdown features", "error", err)
	}

	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	return nil
}
