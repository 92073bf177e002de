package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"hls-abr/internal/platform/config"
	"hls-abr/internal/platform/logger"
	"hls-abr/internal/platform/metrics"
	"hls-abr/internal/session"
)

const shutdownTimeout = 10 * time.Second

func main() {
	_ = config.Load()

	srvCfg := config.LoadServer()
	log := logger.New(srvCfg.LogLevel, srvCfg.LogFormat)
	if err := srvCfg.Validate(); err != nil {
		log.Error("invalid server config", "error", err)
		os.Exit(2)
	}
	playerCfg, err := config.Player()
	if err != nil {
		log.Error("invalid player config", "error", err)
		os.Exit(2)
	}

	repo := session.NewInMemoryRepository()
	svc := session.NewService(repo, playerCfg, srvCfg.PlaylistWindow, log)
	met := metrics.New()
	svc.SetRecorder(met)
	h := session.NewHandler(svc, log, met)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(logger.RequestLogger(log))
	r.Use(metrics.RequestMiddleware(met))
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		met.Handler(func() { met.SetActiveSessions(svc.ActiveCount()) }).ServeHTTP(w, r)
	})
	h.Register(r)

	addr := ":" + srvCfg.Port
	srv := &http.Server{Addr: addr, Handler: r}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("server starting",
			"port", srvCfg.Port,
			"sliding_window_size", srvCfg.PlaylistWindow,
			"session_idle_timeout", srvCfg.IdleTimeout,
			"log_level", srvCfg.LogLevel,
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		return svc.RunReaper(ctx, srvCfg.ReapEvery, srvCfg.IdleTimeout, func(ids []session.ID) {
			for range ids {
				met.IncSessionsEnded("idle")
			}
		})
	})

	g.Go(func() error {
		<-ctx.Done()
		log.Info("shutdown signal received, draining connections")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error("server error", "error", err)
		os.Exit(1)
	}
	log.Info("server stopped")
}
