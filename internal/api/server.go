package api

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/duzhobots/facequeue/internal/auth"
	"github.com/duzhobots/facequeue/internal/engine"
	"github.com/duzhobots/facequeue/internal/events"
	"github.com/duzhobots/facequeue/internal/joblog"
)

// JobRunner submits jobs and reports lane status.
type JobRunner interface {
	Submit(ctx context.Context, kind string, payload []byte, submitter string) (*engine.Result, error)
	Status() map[string]engine.LaneStatus
	Kinds() []string
}

// JobLog reads finished jobs.
type JobLog interface {
	Get(ctx context.Context, id string) (*joblog.Entry, error)
	Recent(ctx context.Context, f joblog.Filter) ([]joblog.Entry, error)
	ExportXLSX(ctx context.Context, w io.Writer, f joblog.Filter) (int, error)
}

// Config holds API server configuration
type Config struct {
	Listen string
	// APIKey is the legacy single bearer token (full access).
	APIKey string
	// Tokens is an optional list of scoped bearer tokens.
	Tokens          []auth.TokenConfig
	MaxPayloadBytes int64
}

// Server represents the HTTP API server
type Server struct {
	config    Config
	jobs      JobRunner
	log       JobLog
	events    *events.Hub
	auth      *auth.Authenticator
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
}

// New creates a new API server instance
func New(config Config, jobs JobRunner, jobLog JobLog, hub *events.Hub, logger *slog.Logger) *Server {
	if config.MaxPayloadBytes <= 0 {
		config.MaxPayloadBytes = 20 << 20
	}
	if hub == nil {
		hub = events.NewHub(0)
	}
	return &Server{
		config:    config,
		jobs:      jobs,
		log:       jobLog,
		events:    hub,
		auth:      auth.NewAuthenticator(config.APIKey, config.Tokens),
		logger:    logger,
		startedAt: time.Now(),
	}
}

// Handler returns the routed handler without starting a listener.
func (s *Server) Handler() http.Handler {
	return s.setupRoutes()
}

// Start starts the HTTP server (blocking)
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:        s.config.Listen,
		Handler:     s.setupRoutes(),
		ReadTimeout: 30 * time.Second,
		// Long enough for a queued job behind others plus its own run.
		WriteTimeout: 10 * time.Minute,
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

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	// Unauthenticated ops endpoints.
	r.Get("/healthz", s.handleHealthz)
	r.Get("/openapi.json", s.handleOpenAPI)

	r.Group(func(r chi.Router) {
		r.With(s.auth.Require(auth.ScopeJobsRW)).Post("/jobs/{kind}", s.handleSubmit)
		r.With(s.auth.Require(auth.ScopeJobsRO)).Get("/jobs", s.handleListJobs)
		r.With(s.auth.Require(auth.ScopeJobsRO)).Get("/jobs/export.xlsx", s.handleExportJobs)
		r.With(s.auth.Require(auth.ScopeJobsRO)).Get("/job/{jobID}", s.handleGetJob)
		r.With(s.auth.Require(auth.ScopeEventsRO)).Get("/events", s.handleEvents)
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
