package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/catlover-bot/pushpipe/internal/config"
	"github.com/catlover-bot/pushpipe/internal/dispatch"
	"github.com/catlover-bot/pushpipe/internal/metrics"
	"github.com/catlover-bot/pushpipe/internal/receipts"
	"github.com/catlover-bot/pushpipe/internal/storage"
)

type Server struct {
	cfg        config.ServerConfig
	store      storage.Storage
	dispatcher *dispatch.Orchestrator
	reconciler *receipts.Reconciler
	agg        *metrics.Aggregator
	secret     string
	router     *chi.Mux
	log        zerolog.Logger
	http       *http.Server
}

func NewServer(cfg config.ServerConfig, store storage.Storage, dispatcher *dispatch.Orchestrator, reconciler *receipts.Reconciler, agg *metrics.Aggregator, secret string, log zerolog.Logger) *Server {
	s := &Server{
		cfg:        cfg,
		store:      store,
		dispatcher: dispatcher,
		reconciler: reconciler,
		agg:        agg,
		secret:     secret,
		log:        log,
	}
	s.router = s.buildRouter()
	return s
}

func (s *Server) buildRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(LoggingMiddleware(s.log))

	jobHandler := NewJobHandler(s.store, s.agg)
	deviceHandler := NewDeviceHandler(s.store)
	triggerHandler := NewTriggerHandler(s.dispatcher, s.reconciler)
	statsHandler := NewStatsHandler(s.store)

	// Health check — no auth
	r.Get("/health", statsHandler.Health)

	// Everything touching the queue sits behind the shared trigger secret.
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(TriggerAuthMiddleware(s.secret))

		r.Post("/jobs", jobHandler.Enqueue)
		r.Get("/jobs/{id}", jobHandler.Get)

		r.Put("/devices", deviceHandler.Register)
		r.Get("/users/{user_id}/devices", deviceHandler.List)
		r.Get("/users/{user_id}/metrics", statsHandler.UserMetrics)

		r.Get("/stats", statsHandler.Stats)
	})

	r.Route("/internal", func(r chi.Router) {
		r.Use(TriggerAuthMiddleware(s.secret))

		r.Post("/dispatch", triggerHandler.Dispatch)
		r.Post("/receipts", triggerHandler.Receipts)
	})

	return r
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.http = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	s.log.Info().Str("addr", addr).Msg("starting HTTP server")
	return s.http.ListenAndServe()
}

func (s *Server) Shutdown(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return s.http.Shutdown(ctx)
}
