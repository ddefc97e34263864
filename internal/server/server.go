// Package server exposes the forgeci REST API: run ingestion and
// inspection for users, and the register/heartbeat/lease/report
// surface runners drive the scheduler through.
package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/me/forgeci/internal/config"
	"github.com/me/forgeci/internal/events"
	"github.com/me/forgeci/internal/scheduler"
	"github.com/me/forgeci/internal/store"
)

// Server is the forgeci REST API server.
type Server struct {
	router    chi.Router
	logger    *slog.Logger
	config    config.ServerConfig
	startTime time.Time
	store     store.Store
	scheduler *scheduler.Scheduler
	notifier  *events.Notifier

	// leaseWait caps how long a lease request blocks waiting for work.
	leaseWait time.Duration
}

// Option configures optional Server behavior.
type Option func(*Server)

// WithLeaseWait overrides the long-poll window for lease requests.
func WithLeaseWait(d time.Duration) Option {
	return func(s *Server) {
		s.leaseWait = d
	}
}

// New creates a new Server with all routes registered.
func New(cfg config.ServerConfig, st store.Store, sched *scheduler.Scheduler, notifier *events.Notifier, logger *slog.Logger, opts ...Option) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		logger:    logger.With("component", "server"),
		config:    cfg,
		startTime: time.Now(),
		store:     st,
		scheduler: sched,
		notifier:  notifier,
		leaseWait: 25 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Handler returns the http.Handler for this server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() {
	r := s.router

	// Global middleware
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))

	r.Route("/api/v1", func(r chi.Router) {
		// Discovery
		r.Get("/", s.handleDiscovery)

		// Health
		r.Get("/health", s.handleHealth)

		// Runs
		r.Route("/runs", func(r chi.Router) {
			r.Get("/", s.handleListRuns)
			r.Post("/", s.handleCreateRun)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetRun)
				r.Put("/cancel", s.handleCancelRun)
				r.Put("/approve", s.handleApproveRun)
				r.Route("/jobs", func(r chi.Router) {
					r.Get("/", s.handleListJobs)
					r.Route("/{jid}", func(r chi.Router) {
						r.Get("/", s.handleGetJob)
						r.Put("/rerun", s.handleRerunJob)
					})
				})
			})
		})

		// Tasks. The step/complete endpoints are runner-facing and
		// authenticated by lease token, not runner token.
		r.Route("/tasks", func(r chi.Router) {
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetTask)
				r.Get("/logs", s.handleGetTaskLogs)
				r.Put("/steps/{index}", s.handleReportStep)
				r.Put("/complete", s.handleCompleteTask)
			})
		})

		// Runners
		r.Route("/runners", func(r chi.Router) {
			r.Get("/", s.handleListRunners)
			r.Post("/", s.handleRegisterRunner)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetRunner)
				r.Delete("/", s.handleDeleteRunner)
				r.With(s.runnerAuth).Put("/heartbeat", s.handleRunnerHeartbeat)
				r.With(s.runnerAuth).Post("/lease", s.handleLease)
			})
		})

		// SSE endpoints for real-time updates
		r.Route("/sse", func(r chi.Router) {
			r.Get("/runs/{id}", s.handleSSERun)
		})
	})
}
