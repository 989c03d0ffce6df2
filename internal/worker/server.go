// Package worker runs the maintenance queue: periodic purges of expired
// artifacts and staged uploads left behind by crashed requests.
package worker

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/dunamismax/pixelbatch/internal/config"
	"github.com/dunamismax/pixelbatch/internal/queue"
)

// Purger deletes entries older than olderThan and reports how many it removed.
type Purger interface {
	Purge(ctx context.Context, olderThan time.Duration) (int, error)
}

type Server struct {
	server  *asynq.Server
	handler *handler
}

type handler struct {
	logger  zerolog.Logger
	purgers map[string]Purger
	metrics *metrics
	tracer  trace.Tracer
}

func NewServer(logger zerolog.Logger, queueCfg config.QueueConfig, janitorCfg config.JanitorConfig, purgers map[string]Purger) *Server {
	h := newHandler(logger, purgers)
	return &Server{
		server: asynq.NewServer(
			queueCfg.RedisClientOpt(),
			asynq.Config{
				Concurrency: max(1, janitorCfg.Concurrency),
				Queues: map[string]int{
					queueCfg.Name: 1,
				},
				LogLevel: asynq.WarnLevel,
				ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
					retried, _ := asynq.GetRetryCount(ctx)
					maxRetry, _ := asynq.GetMaxRetry(ctx)
					logger.Error().
						Err(err).
						Str("type", task.Type()).
						Int("retry", retried).
						Int("max_retry", maxRetry).
						Msg("task failed")
				}),
			},
		),
		handler: h,
	}
}

func newHandler(logger zerolog.Logger, purgers map[string]Purger) *handler {
	return &handler{
		logger:  logger,
		purgers: purgers,
		metrics: newMetrics(),
		tracer:  otel.Tracer("pixelbatch/worker"),
	}
}

func (s *Server) Run() error {
	return s.server.Run(s.handler.mux())
}

func (s *Server) Shutdown() {
	s.server.Shutdown()
}

func (s *Server) MetricsHandler() http.Handler {
	return s.handler.metrics.Handler()
}

func (h *handler) mux() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.TypePurge, h.handlePurge)
	return mux
}

func (h *handler) handlePurge(ctx context.Context, task *asynq.Task) error {
	startedAt := time.Now()
	outcome := "failed"

	payload, err := queue.ParsePurgePayload(task)
	if err != nil {
		return fmt.Errorf("parse payload: %v: %w", err, asynq.SkipRetry)
	}

	ctx, span := h.tracer.Start(ctx, "worker.purge", trace.WithSpanKind(trace.SpanKindConsumer))
	span.SetAttributes(
		attribute.String("purge.target", payload.Target),
		attribute.Int64("purge.older_than_seconds", payload.OlderThanSeconds),
	)
	defer span.End()
	defer func() {
		h.metrics.purgeDuration.WithLabelValues(payload.Target, outcome).Observe(time.Since(startedAt).Seconds())
		h.metrics.purgesTotal.WithLabelValues(payload.Target, outcome).Inc()
	}()

	purger, ok := h.purgers[payload.Target]
	if !ok || purger == nil {
		outcome = "skipped"
		h.logger.Debug().Str("target", payload.Target).Msg("no purger configured")
		return nil
	}

	removed, err := purger.Purge(ctx, payload.OlderThan())
	if removed > 0 {
		h.metrics.removedTotal.WithLabelValues(payload.Target).Add(float64(removed))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "purge failed")
		return fmt.Errorf("purge %s: %w", payload.Target, err)
	}

	outcome = "succeeded"
	span.SetAttributes(attribute.Int("purge.removed", removed))
	span.SetStatus(codes.Ok, "purged")
	h.logger.Info().
		Str("target", payload.Target).
		Int("removed", removed).
		Dur("older_than", payload.OlderThan()).
		Msg("purge completed")
	return nil
}
