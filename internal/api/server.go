// Package api serves the HTTP surface: scan submission, task status and
// results, registry and queue introspection, and operator actions on the
// dead letter queues.
package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/scandhq/scand/internal/config"
	"github.com/scandhq/scand/internal/metrics"
	"github.com/scandhq/scand/internal/orchestrate"
	"github.com/scandhq/scand/internal/queue"
	"github.com/scandhq/scand/internal/registry"
	"github.com/scandhq/scand/internal/scanner"
	"github.com/scandhq/scand/internal/taskstore"
)

type Server struct {
	cfg      *config.Config
	store    *taskstore.Store
	queue    *queue.Queue
	registry *registry.Registry
	factory  *scanner.Factory
	orch     *orchestrate.Orchestrator
	log      zerolog.Logger

	rateLimitMu  sync.Mutex
	rateLimiters map[string]*rateLimiterEntry
}

type rateLimiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func New(cfg *config.Config, store *taskstore.Store, q *queue.Queue, reg *registry.Registry, factory *scanner.Factory, orch *orchestrate.Orchestrator, log zerolog.Logger) *Server {
	metrics.Register(q, reg)
	return &Server{
		cfg:          cfg,
		store:        store,
		queue:        q,
		registry:     reg,
		factory:      factory,
		orch:         orch,
		log:          log.With().Str("component", "api").Logger(),
		rateLimiters: make(map[string]*rateLimiterEntry),
	}
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)
	r.Use(s.traceMiddleware)
	r.Use(s.requestLogger)

	r.Get("/healthz", s.handleHealth)
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	r.Route("/api/v1", func(r chi.Router) {
		if s.authEnabled() {
			r.Use(s.authMiddleware)
		}

		r.With(s.rateLimitMiddleware).Post("/scans/untrusted", s.handleSubmitUntrusted)
		r.With(s.rateLimitMiddleware).Post("/scans/authenticated", s.handleSubmitAuthenticated)

		r.Get("/tasks", s.handleListTasks)
		r.Get("/tasks/{taskID}", s.handleTaskStatus)
		r.Get("/tasks/{taskID}/results", s.handleTaskResults)

		r.Get("/scanners", s.handleListScanners)
		r.Get("/pools", s.handleListPools)
		r.Get("/pools/{pool}", s.handlePoolStatus)

		r.Get("/queues", s.handleQueues)
		r.Get("/queues/{pool}", s.handleQueueStatus)
		r.Get("/queues/{pool}/dlq", s.handlePeekDLQ)
		r.Post("/queues/{pool}/dlq/{taskID}/requeue", s.handleRequeueDLQ)
		r.Delete("/queues/{pool}/dlq/{taskID}", s.handleRemoveDLQ)
		r.Delete("/queues/{pool}/dlq", s.handleClearDLQ)

		r.Get("/version", s.handleVersion)
	})

	return r
}
