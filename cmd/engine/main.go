// Package main is the entry point for the performance calculation engine.
//
// Startup order: load configuration, build the logger, wire every
// dependency through a single factory, start background processors, serve
// a thin operator-facing HTTP surface, then block for a shutdown signal
// and drain gracefully. Request decoding, authentication, and response
// framing belong to the adapters embedding this engine, so the router
// below exposes only health and debug introspection.
package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/aristath/perfengine/internal/config"
	"github.com/aristath/perfengine/internal/engine"
	"github.com/aristath/perfengine/internal/memrepo"
	"github.com/aristath/perfengine/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fallback := logger.New(logger.Config{Level: "info", Pretty: true})
		fallback.Fatal().Err(err).Msg("failed to load configuration")
	}

	log := logger.New(logger.Config{Level: cfg.LogLevel, Pretty: true})
	log.Info().Msg("starting performance calculation engine")

	// Reference in-process adapters for the engine's external
	// collaborators. A real deployment replaces these with adapters over
	// its own portfolio/transaction/security store, FX feed, and
	// time-series sink, and passes those into engine.Wire instead.
	repo := memrepo.NewRepository(log)
	rates := memrepo.NewRateProvider()
	sk := memrepo.NewSink()

	container, err := engine.Wire(cfg, log, repo, rates, sk)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to wire dependencies")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := container.StartBackground(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to start background processors")
	}
	log.Info().Msg("streaming processor and maintenance scheduler started")

	router := newRouter(container)
	httpSrv := &http.Server{
		Addr:              ":" + getEnv("ENGINE_HTTP_PORT", "8090"),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("operator HTTP surface failed")
		}
	}()
	log.Info().Str("addr", httpSrv.Addr).Msg("operator surface listening")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutdown signal received, draining")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("operator surface forced to shutdown")
	}
	if err := container.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("engine shutdown encountered an error")
	}
	log.Info().Msg("engine stopped")
}

// newRouter builds the thin operator surface: liveness/readiness and
// resilience/cache introspection only, never a request-decoding adapter
// for Calculate or batch.
func newRouter(c *engine.Container) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(10 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET"},
	}))

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		if err := c.Store.Ping(req.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})

	r.Get("/debug/breakers", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(c.Resilience.Snapshot())
	})

	r.Get("/debug/cache", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(c.Cache.Snapshot())
	})

	return r
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
