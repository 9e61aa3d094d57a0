package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/runnerhub/runnerhub/pkg/config"
	"github.com/runnerhub/runnerhub/pkg/events"
	"github.com/runnerhub/runnerhub/pkg/ingress"
	"github.com/runnerhub/runnerhub/pkg/log"
	"github.com/runnerhub/runnerhub/pkg/metrics"
	"github.com/runnerhub/runnerhub/pkg/pool"
	"github.com/runnerhub/runnerhub/pkg/queue"
	"github.com/runnerhub/runnerhub/pkg/router"
	"github.com/runnerhub/runnerhub/pkg/scaler"
	"github.com/runnerhub/runnerhub/pkg/storage"
)

// Reaper removes idle isolation networks.
type Reaper interface {
	Reap(ctx context.Context) (int, error)
}

// Engine is the container surface the API needs. Stops are graceful;
// Logs returns the tail of the container's output.
type Engine interface {
	Stop(ctx context.Context, id string, grace time.Duration) error
	Logs(ctx context.Context, id string, tail int) (string, error)
}

// Deps bundles everything the HTTP surface reads from or mutates.
// Reaper and Engine may be nil; their endpoints then answer 503.
type Deps struct {
	Store   storage.Store
	Queue   *queue.Queue
	Router  *router.Router
	Pools   *pool.Manager
	Scaler  *scaler.Scaler
	Ingress *ingress.Ingress
	Reaper  Reaper
	Engine  Engine
	Bus     *events.Bus
	Config  *config.Config
}

// Server is the REST and webhook listener.
type Server struct {
	deps   Deps
	http   *http.Server
	logger zerolog.Logger
}

// NewServer builds the server around its dependency bundle.
func NewServer(deps Deps) *Server {
	s := &Server{
		deps:   deps,
		logger: log.WithComponent("api"),
	}
	s.http = &http.Server{
		Addr:         deps.Config.Server.Listen,
		Handler:      s.Routes(),
		ReadTimeout:  time.Duration(deps.Config.Server.ReadTimeoutS) * time.Second,
		WriteTimeout: time.Duration(deps.Config.Server.WriteTimeoutS) * time.Second,
	}
	return s
}

// Routes assembles the full handler tree.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(s.recoverer)
	r.Use(s.instrument)
	if origins := s.deps.Config.Server.CORSOrigins; len(origins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: origins,
			AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Content-Type"},
			MaxAge:         300,
		}))
	}

	r.Get("/health", metrics.HealthHandler())
	r.Get("/ready", metrics.ReadyHandler())
	r.Get("/live", metrics.LivenessHandler())
	r.Handle("/metrics", metrics.Handler())
	r.Post("/webhook", s.deps.Ingress.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/status", s.getStatus)

		r.Route("/jobs", func(r chi.Router) {
			r.Get("/", s.listJobs)
			r.Get("/{id}", s.getJob)
			r.Post("/{id}/cancel", s.cancelJob)
		})

		r.Route("/runners", func(r chi.Router) {
			r.Get("/", s.listRunners)
			r.Route("/pools", func(r chi.Router) {
				r.Get("/", s.listPools)
				r.Get("/{owner}/{name}", s.getPool)
				r.Put("/{owner}/{name}", s.putPool)
				r.Post("/{owner}/{name}/scale", s.scalePool)
			})
			r.Get("/{id}", s.getRunner)
			r.Delete("/{id}", s.deleteRunner)
			r.Post("/{id}/heartbeat", s.runnerHeartbeat)
		})

		r.Route("/routing", func(r chi.Router) {
			r.Get("/rules", s.listRules)
			r.Post("/rules", s.createRule)
			r.Get("/rules/{id}", s.getRule)
			r.Put("/rules/{id}", s.updateRule)
			r.Delete("/rules/{id}", s.deleteRule)
			r.Post("/preview", s.previewRoute)
		})

		r.Route("/networks", func(r chi.Router) {
			r.Get("/", s.listNetworks)
			r.Post("/cleanup", s.cleanupNetworks)
		})

		r.Route("/containers", func(r chi.Router) {
			r.Get("/", s.listContainers)
			r.Get("/{id}", s.getContainer)
			r.Post("/{id}/stop", s.stopContainer)
		})

		r.Route("/webhooks", func(r chi.Router) {
			r.Get("/", s.listWebhooks)
			r.Post("/retry-failed", s.retryFailedWebhooks)
			r.Post("/{delivery}/replay", s.replayWebhook)
		})

		r.Route("/queue", func(r chi.Router) {
			r.Get("/", s.getQueue)
			r.Get("/deadletters", s.listDeadLetters)
		})

		r.Get("/scaling", s.listScalingEvents)
	})

	return r
}

// Start serves until the listener fails or Shutdown runs.
func (s *Server) Start() error {
	s.logger.Info().Str("listen", s.http.Addr).Msg("API listening")
	metrics.RegisterComponent("api", true, "listening")
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests within the configured grace.
func (s *Server) Shutdown(ctx context.Context) error {
	metrics.UpdateComponent("api", false, "shutting down")
	grace := time.Duration(s.deps.Config.Server.ShutdownGraceS) * time.Second
	ctx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()
	return s.http.Shutdown(ctx)
}
