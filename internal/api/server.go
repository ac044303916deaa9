package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/profiled/internal/auth"
	"github.com/mattjoyce/profiled/internal/dispatch"
	"github.com/mattjoyce/profiled/internal/events"
	"github.com/mattjoyce/profiled/internal/profile"
)

// Submitter is the non-blocking request intake. The dispatcher satisfies it.
type Submitter interface {
	Enqueue(req *profile.Request)
	Stats() dispatch.Stats
}

// Activator flips the single-active selection. The manager satisfies it.
type Activator interface {
	Activate(ctx context.Context, id int64) error
}

// Config holds API server configuration
type Config struct {
	Listen string
	// APIKey is the legacy single bearer token (admin/full access).
	APIKey string
	// Tokens is an optional list of scoped bearer tokens.
	Tokens []auth.TokenConfig
	// MaxSyncWait caps how long a ?wait=1 submit may block.
	MaxSyncWait time.Duration
}

// Server represents the HTTP API server
type Server struct {
	config    Config
	submitter Submitter
	store     *profile.Store
	activator Activator
	hub       *events.Hub
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
}

// New creates a new API server instance
func New(config Config, submitter Submitter, store *profile.Store, activator Activator, hub *events.Hub, logger *slog.Logger) *Server {
	if config.MaxSyncWait <= 0 {
		config.MaxSyncWait = 60 * time.Second
	}
	if hub == nil {
		hub = events.NewHub(256)
	}
	return &Server{
		config:    config,
		submitter: submitter,
		store:     store,
		activator: activator,
		hub:       hub,
		logger:    logger,
		startedAt: time.Now(),
	}
}

// Start starts the HTTP server (blocking)
func (s *Server) Start(ctx context.Context) error {
	router := s.setupRoutes()

	s.server = &http.Server{
		Addr:         s.config.Listen,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("API server starting", "listen", s.config.Listen)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("API server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

// setupRoutes configures the HTTP router
func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	// Unauthenticated ops endpoint.
	r.Get("/healthz", s.handleHealthz)

	// Protected API.
	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.With(s.requireScopes("profiles:rw", "*")).Post("/profiles", s.handleSubmit)
		r.With(s.requireScopes("profiles:rw", "*")).Delete("/profiles/{id}", s.handleRemove)
		r.With(s.requireScopes("profiles:rw", "*")).Post("/profiles/{id}/activate", s.handleActivate)
		r.With(s.requireScopes("profiles:ro", "profiles:rw", "*")).Get("/profiles", s.handleList)
		r.With(s.requireScopes("profiles:ro", "profiles:rw", "*")).Get("/profiles/active", s.handleGetActive)
		r.With(s.requireScopes("profiles:ro", "profiles:rw", "*")).Get("/profiles/{id}", s.handleGet)
		r.With(s.requireScopes("events:ro", "events:rw", "*")).Get("/events", s.handleEvents)
	})

	return r
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
