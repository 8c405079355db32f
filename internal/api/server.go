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

	"github.com/mattjoyce/aoa-runner/internal/config"
	"github.com/mattjoyce/aoa-runner/internal/coordinator"
	"github.com/mattjoyce/aoa-runner/internal/events"
	"github.com/mattjoyce/aoa-runner/internal/job"
	"github.com/mattjoyce/aoa-runner/internal/workspace"
)

// JobService defines the job operations exposed over HTTP.
type JobService interface {
	Create(ctx context.Context, raw []byte, files coordinator.Uploads, owner string) (*job.Job, error)
	Get(ctx context.Context, id, owner string) (*job.Job, error)
	List(ctx context.Context, owner string) ([]job.Job, error)
	Delete(ctx context.Context, id, owner string) (job.DeleteResult, error)
	Files(ctx context.Context, id, owner string) ([]workspace.FileInfo, error)
	File(ctx context.Context, id, owner, name string) (io.ReadSeekCloser, workspace.FileInfo, error)
}

// HealthSource reports store reachability and the number of live processes.
type HealthSource interface {
	Ping(ctx context.Context) error
	RunningCount() int
}

// EventSource feeds the SSE stream.
type EventSource interface {
	Subscribe(owner string) (<-chan events.Event, func())
	SnapshotSince(owner string, lastID int64) []events.Event
}

// Config holds API server configuration
type Config struct {
	Listen string
	Tokens []config.APIToken
	// MaxBodyBytes bounds every request body.
	MaxBodyBytes int64
	// Dev adds stack traces to error bodies.
	Dev bool
}

// Server represents the HTTP API server
type Server struct {
	config    Config
	jobs      JobService
	health    HealthSource
	events    EventSource
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
}

// New creates a new API server instance
func New(cfg Config, jobs JobService, health HealthSource, hub EventSource, logger *slog.Logger) *Server {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 25 << 20
	}
	return &Server{
		config:    cfg,
		jobs:      jobs,
		health:    health,
		events:    hub,
		logger:    logger.With("component", "api"),
		startedAt: time.Now(),
	}
}

// Start starts the HTTP server (blocking)
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.config.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
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
		return nil
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	return s.setupRoutes()
}

func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	// Unauthenticated ops endpoint.
	r.Get("/healthz", s.handleHealthz)

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Use(s.limitBody)

		r.With(s.requireScopes("jobs:rw")).Post("/jobs", s.handleCreateJob)
		r.With(s.requireScopes("jobs:ro")).Get("/jobs", s.handleListJobs)
		r.With(s.requireScopes("jobs:ro")).Get("/jobs/{jobID}", s.handleGetJob)
		r.With(s.requireScopes("jobs:rw")).Delete("/jobs/{jobID}", s.handleDeleteJob)
		r.With(s.requireScopes("jobs:ro")).Get("/jobs/{jobID}/files", s.handleListFiles)
		r.With(s.requireScopes("jobs:ro")).Get("/jobs/{jobID}/files/{name}", s.handleGetFile)
		r.With(s.requireScopes("events:ro")).Get("/events", s.handleEvents)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		s.writeError(w, r, job.NotFound("Route not found"))
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

func (s *Server) limitBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxBodyBytes)
		next.ServeHTTP(w, r)
	})
}
