package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/KimMachineGun/automemlimit"

	"companion-jobs/internal/config"
	"companion-jobs/internal/deadletter"
	"companion-jobs/internal/logging"
	"companion-jobs/internal/scheduler"
	"companion-jobs/internal/store"
	"companion-jobs/internal/telemetry"
	"companion-jobs/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	log := logging.New(cfg)

	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

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

	components, err := worker.NewFromConfig(ctx, cfg, st, dlq, log)
	if err != nil {
		log.Fatal().Err(err).Msg("build job pipeline")
	}

	sched, err := scheduler.New(components.Dispatcher, st, st, scheduler.Options{
		DispatchSpec:      cfg.DispatchSchedule,
		ReminderSpec:      cfg.ReminderSchedule,
		WeeklySummarySpec: cfg.WeeklySummarySchedule,
		StatsSpec:         "@every 1m",
		MaxRetries:        cfg.DefaultMaxRetries,
		DeadLetters:       dlq,
		Logger:            logging.Component(log, "scheduler"),
	})
	if err != nil {
		log.Fatal().Err(err).Msg("scheduler")
	}

	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: telemetry.Handler(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("metrics server stopped")
		}
	}()

	log.Info().
		Str("dispatch", cfg.DispatchSchedule).
		Dur("lease", cfg.LeaseDuration).
		Dur("handler_timeout", cfg.HandlerTimeout).
		Int("batch", cfg.DispatchBatchSize).
		Msg("worker started")
	sched.Start(ctx)

	<-ctx.Done()
	// A running dispatch stops before its next job; the job in flight finishes
	// and persists. Jobs claimed but not started wait for their lease to expire.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HandlerTimeout+5*time.Second)
	defer cancel()
	if err := sched.Stop(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("scheduler did not drain")
	}
	_ = metricsServer.Shutdown(shutdownCtx)
	log.Info().Msg("worker stopped")
}
