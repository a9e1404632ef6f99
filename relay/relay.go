// Package relay wires the relay components together and owns their lifecycle.
package relay

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"collab-relay/backend"
	"collab-relay/config"
	"collab-relay/core"
	"collab-relay/handlers/api/rooms"
	"collab-relay/handlers/websocket"
	"collab-relay/metrics"
	"collab-relay/writeback"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/render"
	"github.com/sirupsen/logrus"
)

type Relay struct {
	cfg *config.Config

	Metrics   *metrics.Metrics
	Tokens    *backend.TokenCache
	Backend   *backend.Client
	Pending   *writeback.PendingStore
	Scheduler *writeback.Scheduler
	Registry  *websocket.Registry
	Server    *websocket.Server
	Activity  core.RoomRegistry

	stopJanitor chan struct{}
	janitorDone chan struct{}
	stopOnce    sync.Once
}

// New builds every component from cfg. activity may be nil; m may be nil.
func New(cfg *config.Config, activity core.RoomRegistry, m *metrics.Metrics) *Relay {
	tokens := backend.NewTokenCache(cfg.BackendURL, cfg.InternalAPIKey,
		backend.WithTokenTimeout(cfg.TokenTimeout),
		backend.WithTokenMetrics(m),
	)
	client := backend.NewClient(cfg.BackendURL, tokens,
		backend.WithTimeout(cfg.BackendTimeout),
		backend.WithMetrics(m),
	)
	pending := writeback.NewPendingStore()
	scheduler := writeback.NewScheduler(pending, client, cfg.FlushDebounce,
		writeback.WithSchedulerMetrics(m),
	)
	registry := websocket.NewRegistry(nil, m)

	opts := []websocket.ServerOption{
		websocket.WithServerMetrics(m),
		websocket.WithCheckOrigin(websocket.OriginPolicy(cfg.AllowedOrigins)),
		websocket.WithDeleteTimeout(cfg.BackendTimeout),
	}
	if activity != nil {
		opts = append(opts, websocket.WithActivity(activity))
	}

	return &Relay{
		cfg:       cfg,
		Metrics:   m,
		Tokens:    tokens,
		Backend:   client,
		Pending:   pending,
		Scheduler: scheduler,
		Registry:  registry,
		Server:    websocket.NewServer(registry, pending, scheduler, client, opts...),
		Activity:  activity,
	}
}

// Router mounts the HTTP API, the health check and, as the catch-all, the
// websocket relay. metricsHandler may be nil.
func (rl *Relay) Router(metricsHandler http.Handler) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.Logger)

	allow := websocket.OriginPolicy(rl.cfg.AllowedOrigins)
	r.Use(cors.Handler(cors.Options{
		AllowOriginFunc:  allow,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		render.JSON(w, r, map[string]string{"status": "ok"})
	})
	if metricsHandler != nil {
		r.Handle("/metrics", metricsHandler)
	}
	r.Route("/api/rooms", func(r chi.Router) {
		rooms.Routes(r, rl.Registry, rl.Pending, rl.Activity)
	})

	r.Handle("/*", rl.Server)
	return r
}

// Start runs the idle room janitor.
func (rl *Relay) Start() {
	rl.stopJanitor = make(chan struct{})
	rl.janitorDone = make(chan struct{})
	go rl.janitor(rl.cfg.RoomIdleGrace)
}

func (rl *Relay) janitor(grace time.Duration) {
	defer close(rl.janitorDone)

	ticker := time.NewTicker(grace / 2)
	defer ticker.Stop()

	for {
		select {
		case now := <-ticker.C:
			rl.Registry.EvictIdle(now, grace)
		case <-rl.stopJanitor:
			return
		}
	}
}

// Shutdown stops the janitor, disconnects every client, flushes every pending
// position and closes the activity store. Flush errors are returned after the
// store is closed.
func (rl *Relay) Shutdown(ctx context.Context) error {
	rl.stopOnce.Do(func() {
		if rl.stopJanitor != nil {
			close(rl.stopJanitor)
			<-rl.janitorDone
		}
	})

	var errs []error
	if err := rl.Server.Close(ctx); err != nil {
		logrus.WithError(err).Warn("connections still open at shutdown")
		errs = append(errs, err)
	}
	if err := rl.Scheduler.Stop(ctx); err != nil {
		logrus.WithError(err).Error("failed to flush pending positions")
		errs = append(errs, err)
	}
	if rl.Activity != nil {
		if err := rl.Activity.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
