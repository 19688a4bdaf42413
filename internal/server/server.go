// Package server is the pipekit local backend: it serves the run submission
// REST API, executes submitted graphs with the local orchestrator and keeps
// run history in the store.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/me/pipekit/internal/config"
	"github.com/me/pipekit/internal/orchestrator"
	"github.com/me/pipekit/internal/store"
)

// Server is the pipekit REST API server.
type Server struct {
	router    chi.Router
	logger    *slog.Logger
	config    config.ServerConfig
	startTime time.Time
	store     store.Store
	orch      *orchestrator.Orchestrator
	gatherer  prometheus.Gatherer
	metrics   *httpMetrics
	// sseInterval is the polling interval of status streams.
	sseInterval time.Duration
}

// Option configures optional Server dependencies.
type Option func(*Server)

// WithRegistry serves /metrics from reg and registers the HTTP collectors on it.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(s *Server) {
		s.gatherer = reg
		s.metrics = newHTTPMetrics(reg)
	}
}

// WithSSEInterval sets how often status streams poll for changes.
func WithSSEInterval(d time.Duration) Option {
	return func(s *Server) {
		s.sseInterval = d
	}
}

// New creates a new Server with all routes registered. Runs are executed by
// orch, whose log uploader should be st so that logs outlive the process.
func New(cfg config.ServerConfig, st store.Store, orch *orchestrator.Orchestrator, logger *slog.Logger, opts ...Option) *Server {
	s := &Server{
		router:      chi.NewRouter(),
		logger:      logger.With("component", "server"),
		config:      cfg,
		startTime:   time.Now(),
		store:       st,
		orch:        orch,
		sseInterval: 2 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = newHTTPMetrics(nil)
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

// Recover marks runs that were in flight when the previous server process
// stopped as failed. Their executions cannot be resumed.
func (s *Server) Recover(ctx context.Context) error {
	return s.recoverRuns(ctx)
}

func (s *Server) routes() {
	r := s.router

	// Global middleware
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))
	r.Use(metricsMiddleware(s.metrics))

	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api/v1", func(r chi.Router) {
		// Discovery
		r.Get("/", s.handleDiscovery)

		// Health
		r.Get("/health", s.handleHealth)

		// Submission
		r.Post("/experiments/{experiment}/runs", s.handleSubmitRun)

		// Runs
		r.Route("/runs", func(r chi.Router) {
			r.Get("/", s.handleListRuns)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetRun)
				r.Get("/status", s.handleGetRunStatus)
				r.Get("/graph", s.handleGetRunGraph)
				r.Post("/cancel", s.handleCancelRun)
				r.Route("/steps/{node}", func(r chi.Router) {
					r.Get("/outputs", s.handleGetStepOutputs)
					r.Get("/logs", s.handleListLogFiles)
					r.Get("/logs/{file}", s.handleGetLogs)
				})
			})
		})

		// Drafts
		r.Route("/drafts", func(r chi.Router) {
			r.Get("/", s.handleListDrafts)
			r.Post("/", s.handleCreateDraft)
			r.Get("/{id}", s.handleGetDraft)
		})

		// Published pipelines and endpoints
		r.Post("/pipelines", s.handlePublish)
		r.Get("/pipelines/{id}", s.handleGetPipeline)
		r.Route("/endpoints/{name}", func(r chi.Router) {
			r.Get("/", s.handleGetEndpoint)
			r.Post("/pipelines", s.handlePublishToEndpoint)
			r.Post("/runs", s.handleSubmitEndpoint)
		})

		// SSE endpoints for real-time updates
		r.Get("/sse/runs/{id}", s.handleSSERun)
	})
}
