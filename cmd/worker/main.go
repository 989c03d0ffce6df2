package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog/log"

	"github.com/dunamismax/pixelbatch/internal/app"
	"github.com/dunamismax/pixelbatch/internal/config"
	"github.com/dunamismax/pixelbatch/internal/logging"
	"github.com/dunamismax/pixelbatch/internal/queue"
	"github.com/dunamismax/pixelbatch/internal/staging"
	"github.com/dunamismax/pixelbatch/internal/telemetry"
	"github.com/dunamismax/pixelbatch/internal/worker"
)

func main() {
	if err := config.LoadDotEnv(); err != nil {
		log.Fatal().Err(err).Msg("load .env")
	}
	cfg := config.Load()
	logger := logging.Component(logging.Init(cfg.Log.Level, cfg.Log.Pretty), "worker")
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx := context.Background()

	shutdownTracing, err := telemetry.SetupTracing(ctx, telemetry.TraceConfig{
		ServiceName:  cfg.Telemetry.ServiceName + "-worker",
		Exporter:     cfg.Telemetry.Exporter,
		OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
		OTLPInsecure: cfg.Telemetry.OTLPInsecure,
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("tracing setup failed")
	}

	purgers := map[string]worker.Purger{
		queue.TargetStaging: staging.NewArea(cfg.Batch.UploadDir),
	}
	_, sink, err := app.Emitter(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Str("delivery", cfg.Delivery.Mode).Msg("artifact sink setup failed")
	}
	if sink != nil {
		purgers[queue.TargetArtifacts] = sink
	}

	srv := worker.NewServer(logger, cfg.Queue, cfg.Janitor, purgers)

	scheduler := asynq.NewScheduler(cfg.Queue.RedisClientOpt(), &asynq.SchedulerOpts{
		Location: time.UTC,
		LogLevel: asynq.WarnLevel,
	})
	targets := make([]string, 0, len(purgers))
	for target := range purgers {
		targets = append(targets, target)
	}
	if _, err := queue.RegisterPurges(scheduler, cfg.Janitor.CronSpec(), cfg.Queue.Name, cfg.Janitor.Retention, targets...); err != nil {
		logger.Fatal().Err(err).Msg("register periodic purges failed")
	}

	// One immediate pass so a restart does not wait a full interval.
	client := queue.NewClient(cfg.Queue.RedisClientOpt(), cfg.Queue.Name)
	for _, target := range targets {
		if _, err := client.EnqueuePurge(ctx, queue.NewPurgePayload(target, cfg.Janitor.Retention)); err != nil {
			logger.Warn().Err(err).Str("target", target).Msg("initial purge not enqueued")
		}
	}
	if err := client.Close(); err != nil {
		logger.Warn().Err(err).Msg("queue client close error")
	}

	metricsServer := &http.Server{
		Addr:              cfg.Janitor.MetricsAddr,
		Handler:           srv.MetricsHandler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("metrics server failed")
		}
	}()

	if err := scheduler.Start(); err != nil {
		logger.Fatal().Err(err).Msg("scheduler failed")
	}

	logger.Info().
		Str("queue", cfg.Queue.Name).
		Str("redis", cfg.Queue.RedisAddr).
		Strs("targets", targets).
		Dur("retention", cfg.Janitor.Retention).
		Str("schedule", cfg.Janitor.CronSpec()).
		Msg("starting janitor")

	go func() {
		stop := make(chan os.Signal, 1)
		signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
		<-stop
		scheduler.Shutdown()
		srv.Shutdown()
	}()

	if err := srv.Run(); err != nil {
		logger.Error().Err(err).Msg("worker failed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = metricsServer.Shutdown(shutdownCtx)
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("tracing shutdown failed")
	}
}
