// Package batch runs every image of a request through the pipeline and
// collects one result per image in input order.
package batch

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/dunamismax/pixelbatch/internal/domain"
	"github.com/dunamismax/pixelbatch/internal/pipeline"
)

// ImageProcessor is satisfied by *pipeline.Processor.
type ImageProcessor interface {
	Process(ctx context.Context, req pipeline.Request) ([]domain.OutputVariant, error)
}

type Orchestrator struct {
	processor   ImageProcessor
	concurrency int
	logger      zerolog.Logger
	tracer      trace.Tracer
}

type Option func(*Orchestrator)

// WithConcurrency bounds how many images are processed at once. Values
// below 1 mean sequential processing.
func WithConcurrency(n int) Option {
	return func(o *Orchestrator) { o.concurrency = n }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(o *Orchestrator) { o.logger = logger }
}

func NewOrchestrator(processor ImageProcessor, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		processor:   processor,
		concurrency: 1,
		logger:      zerolog.Nop(),
		tracer:      otel.Tracer("pixelbatch/batch"),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.concurrency < 1 {
		o.concurrency = 1
	}
	return o
}

// Run processes inputs and returns one ImageResult per input at the same
// index. Per-image failures are reported in their result; Run itself only
// fails for an empty batch. Every input is released before Run returns.
func (o *Orchestrator) Run(ctx context.Context, batchID string, inputs []domain.ImageInput, cfg domain.TransformConfig) (domain.BatchResult, error) {
	if len(inputs) == 0 {
		return nil, domain.ErrNoImages
	}

	ctx, span := o.tracer.Start(ctx, "batch.run")
	defer span.End()
	span.SetAttributes(
		attribute.String("batch.id", batchID),
		attribute.Int("batch.images", len(inputs)),
		attribute.Int("batch.concurrency", o.concurrency),
	)

	started := time.Now()
	results := make(domain.BatchResult, len(inputs))

	var g errgroup.Group
	g.SetLimit(o.concurrency)
	for i, input := range inputs {
		g.Go(func() error {
			results[i] = o.runOne(ctx, batchID, i, input, cfg)
			return nil
		})
	}
	_ = g.Wait()

	failed := results.FailedCount()
	span.SetAttributes(attribute.Int("batch.failed", failed))
	o.logger.Info().
		Str("batch_id", batchID).
		Int("images", len(inputs)).
		Int("failed", failed).
		Dur("elapsed", time.Since(started)).
		Msg("batch completed")

	return results, nil
}

func (o *Orchestrator) runOne(ctx context.Context, batchID string, index int, input domain.ImageInput, cfg domain.TransformConfig) (result domain.ImageResult) {
	defer o.release(batchID, input)
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error().
				Str("batch_id", batchID).
				Str("image", input.Name).
				Interface("panic", r).
				Msg("image processing panicked")
			result = domain.Failed(input.Name, fmt.Errorf("internal error: %v", r))
		}
	}()

	outputs, err := o.processor.Process(ctx, pipeline.Request{
		BatchID: batchID,
		Index:   index,
		Input:   input,
		Config:  cfg,
	})
	if err != nil {
		o.logger.Warn().
			Err(err).
			Str("batch_id", batchID).
			Str("image", input.Name).
			Msg("image failed")
		return domain.Failed(input.Name, err)
	}
	return domain.Succeeded(input.Name, input.Size, outputs)
}

func (o *Orchestrator) release(batchID string, input domain.ImageInput) {
	if input.Source == nil {
		return
	}
	if err := input.Source.Release(); err != nil {
		o.logger.Warn().
			Err(err).
			Str("batch_id", batchID).
			Str("image", input.Name).
			Msg("release staged input")
	}
}
