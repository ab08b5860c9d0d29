// Package server exposes the HTTP API: chat, schema management, sync
// control and the health/metrics surface.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/atamadata/atabot/internal/chat"
	"github.com/atamadata/atabot/internal/config"
	"github.com/atamadata/atabot/internal/db"
	"github.com/atamadata/atabot/internal/embedding"
	"github.com/atamadata/atabot/internal/schema"
	syncpkg "github.com/atamadata/atabot/internal/sync"
)

const httpTimeout = 120 * time.Second

// Service owns the HTTP server and its handler dependencies.
type Service struct {
	cfg          *config.Config
	router       *chi.Mux
	server       *http.Server
	store        *db.Store
	intro        *db.Introspector
	registry     *schema.Registry
	orchestrator *chat.Orchestrator
	pipeline     *syncpkg.Pipeline
	status       syncpkg.StatusStore
	queue        *embedding.Queue
	cache        *embedding.Cache
	startTime    time.Time
}

// Deps collects the wired components the server fronts.
type Deps struct {
	Store        *db.Store
	Introspector *db.Introspector
	Registry     *schema.Registry
	Orchestrator *chat.Orchestrator
	Pipeline     *syncpkg.Pipeline
	Status       syncpkg.StatusStore
	Queue        *embedding.Queue
	Cache        *embedding.Cache
}

// NewService builds the router and handlers.
func NewService(cfg *config.Config, deps Deps) (*Service, error) {
	if deps.Store == nil || deps.Registry == nil || deps.Orchestrator == nil ||
		deps.Pipeline == nil || deps.Status == nil || deps.Queue == nil {
		return nil, fmt.Errorf("missing server dependencies")
	}
	s := &Service{
		cfg:          cfg,
		router:       chi.NewRouter(),
		store:        deps.Store,
		intro:        deps.Introspector,
		registry:     deps.Registry,
		orchestrator: deps.Orchestrator,
		pipeline:     deps.Pipeline,
		status:       deps.Status,
		queue:        deps.Queue,
		cache:        deps.Cache,
		startTime:    time.Now(),
	}
	s.setupMiddleware()
	s.setupRoutes()
	return s, nil
}

func (s *Service) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Recoverer)
	s.router.Use(requestLogger)
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.cfg.CORS.Origins,
		AllowedMethods:   s.cfg.CORS.Methods,
		AllowedHeaders:   s.cfg.CORS.Headers,
		AllowCredentials: s.cfg.CORS.AllowCredentials,
	}))
	if s.cfg.RateLimit.Enabled {
		s.router.Use(rateLimitMiddleware(s.cfg.RateLimit.PerMinute))
	}
}

func (s *Service) setupRoutes() {
	// Liveness and readiness stay outside the request timeout.
	s.router.Get("/health", s.handleHealth)
	s.router.Get("/live", s.handleLive)
	s.router.Get("/ready", s.handleReady)
	if s.cfg.Features.Metrics {
		s.router.Handle("/metrics", promhttp.Handler())
	}

	s.router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(httpTimeout))

		r.Post("/chat", s.handleChat)
		if s.cfg.Features.Streaming {
			r.Post("/chat/stream", s.handleChatStream)
		}
		r.Get("/chat/history/{session}", s.handleGetHistory)
		r.Delete("/chat/history/{session}", s.handleDeleteHistory)

		r.Get("/schemas", s.handleListSchemas)
		r.Post("/schemas/{name}/analyze", s.handleAnalyzeSchema)
		r.Post("/schemas/{name}/activate", s.handleActivateSchema)
		r.Get("/schemas/{name}/tables", s.handleSchemaTables)
		r.Get("/schemas/{name}/statistics", s.handleSchemaStatistics)
		r.Get("/schemas/{name}/relationships", s.handleSchemaRelationships)
		r.Delete("/schemas/{name}", s.handleDeleteSchema)

		r.Post("/sync", s.handleSync)
		r.Get("/sync/status", s.handleSyncStatus)
		r.Get("/sync/jobs", s.handleListJobs)
		r.Get("/sync/jobs/{id}", s.handleGetJob)
		r.Delete("/sync/cache", s.handleClearCache)
	})
}

// Start runs the HTTP server until ctx is cancelled, then drains with a
// bounded shutdown window.
func (s *Service) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.cfg.App.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Int("port", s.cfg.App.Port).Msg("HTTP server listening")
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	log.Info().Msg("Shutting down HTTP server")
	return s.server.Shutdown(shutdownCtx)
}

// Router exposes the handler for tests.
func (s *Service) Router() http.Handler { return s.router }
