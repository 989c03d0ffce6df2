package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dunamismax/pixelbatch/internal/api"
	"github.com/dunamismax/pixelbatch/internal/app"
	"github.com/dunamismax/pixelbatch/internal/batch"
	"github.com/dunamismax/pixelbatch/internal/config"
	"github.com/dunamismax/pixelbatch/internal/logging"
	"github.com/dunamismax/pixelbatch/internal/pipeline"
	"github.com/dunamismax/pixelbatch/internal/staging"
	"github.com/dunamismax/pixelbatch/internal/telemetry"
	"github.com/dunamismax/pixelbatch/internal/webhook"
)

func main() {
	if err := config.LoadDotEnv(); err != nil {
		log.Fatal().Err(err).Msg("load .env")
	}
	cfg := config.Load()
	logger := logging.Component(logging.Init(cfg.Log.Level, cfg.Log.Pretty), "api")
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx := context.Background()

	shutdownTracing, err := telemetry.SetupTracing(ctx, telemetry.TraceConfig{
		ServiceName:  cfg.Telemetry.ServiceName + "-api",
		Exporter:     cfg.Telemetry.Exporter,
		OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
		OTLPInsecure: cfg.Telemetry.OTLPInsecure,
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("tracing setup failed")
	}

	artifactDir := ""
	if cfg.Delivery.Mode == config.DeliveryLocal {
		artifactDir = cfg.Delivery.ArtifactDir
	}
	if err := staging.Init(cfg.Batch.UploadDir, artifactDir); err != nil {
		logger.Fatal().Err(err).Msg("directory bootstrap failed")
	}

	if err := pipeline.Startup(); err != nil {
		logger.Fatal().Err(err).Msg("image engine startup failed")
	}
	defer pipeline.Shutdown()

	emitter, _, err := app.Emitter(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Str("delivery", cfg.Delivery.Mode).Msg("output sink setup failed")
	}

	processor, err := pipeline.NewProcessor(emitter, app.ProcessorOptions(ctx, cfg, logging.Component(logger, "pipeline"))...)
	if err != nil {
		logger.Fatal().Err(err).Msg("pipeline setup failed")
	}
	orchestrator := batch.NewOrchestrator(processor,
		batch.WithConcurrency(cfg.Batch.Concurrency),
		batch.WithLogger(logging.Component(logger, "batch")),
	)

	usageStore, closeUsage, err := app.UsageStore(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("usage store setup failed")
	}
	defer func() {
		if err := closeUsage(); err != nil {
			logger.Warn().Err(err).Msg("usage store close error")
		}
	}()

	var audit *api.AuditLogger
	if cfg.API.AuditLogPath != "" {
		audit, err = api.OpenAuditLog(cfg.API.AuditLogPath)
		if err != nil {
			logger.Fatal().Err(err).Msg("audit log setup failed")
		}
		defer audit.Close()
	}

	var notifier api.Notifier
	if cfg.Webhook.URL != "" {
		notifier = webhook.NewClient(webhook.Config{
			Endpoint:    cfg.Webhook.URL,
			Secret:      cfg.Webhook.Secret,
			MaxAttempts: cfg.Webhook.MaxAttempts,
			Logger:      logging.Component(logger, "webhook"),
		})
	}

	srv, err := api.NewServer(api.Deps{
		Logger:         logger,
		Runner:         orchestrator,
		Stager:         staging.NewArea(cfg.Batch.UploadDir),
		Usage:          usageStore,
		Notifier:       notifier,
		Audit:          audit,
		MaxUploadBytes: cfg.API.MaxUploadBytes,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("api setup failed")
	}

	httpServer := &http.Server{
		Addr:              cfg.API.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info().
			Str("addr", cfg.API.Addr).
			Str("engine", pipeline.EngineName()).
			Str("delivery", cfg.Delivery.Mode).
			Int("concurrency", cfg.Batch.Concurrency).
			Msg("listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	logger.Info().Msg("shutting down")
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("tracing shutdown failed")
	}
}
