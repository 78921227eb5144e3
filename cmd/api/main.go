package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	api "companion-jobs/internal/api"
	"companion-jobs/internal/config"
	"companion-jobs/internal/deadletter"
	"companion-jobs/internal/logging"
	"companion-jobs/internal/ratelimit"
	"companion-jobs/internal/store"
	"companion-jobs/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	log := logging.New(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.DatabaseURL == "" {
		log.Fatal().Msg("DATABASE_URL is required")
	}
	st, err := store.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("connect postgres")
	}
	defer st.Close()

	if err := store.Migrate(cfg.DatabaseURL); err != nil {
		log.Fatal().Err(err).Msg("migrations")
	}

	rdb := deadletter.NewClient(cfg)
	defer rdb.Close()
	dlq := deadletter.New(rdb, cfg.DLQName)
	limiter := ratelimit.NewTokenBucket(rdb, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)

	deps := api.Deps{
		Store:       st,
		Limiter:     limiter,
		DeadLetters: dlq,
		Logger:      logging.Component(log, "api"),
	}
	// /dispatch answers 500 on its own when configuration is incomplete.
	components, err := worker.NewFromConfig(ctx, cfg, st, dlq, log)
	if err != nil {
		log.Fatal().Err(err).Msg("build job pipeline")
	}
	deps.Validator = worker.NewValidationRegistry()
	if cfg.Validate() == nil {
		deps.Dispatcher = components.Dispatcher
	}

	server := api.New(cfg, deps)
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Str("addr", httpServer.Addr).Msg("api listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("listen")
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("shutdown")
	}
}
