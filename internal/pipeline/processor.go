package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/dunamismax/pixelbatch/internal/domain"
)

// Request identifies one image of a batch.
type Request struct {
	BatchID string
	Index   int
	Input   domain.ImageInput
	Config  domain.TransformConfig
}

// EmitRequest carries one encoded variant to the output sink.
type EmitRequest struct {
	BatchID      string
	ImageIndex   int
	VariantIndex int
	OriginalName string
	OriginalSize int64
	Format       domain.Format
	Data         []byte
	Width        int
	Height       int
}

func (r EmitRequest) variant() domain.OutputVariant {
	size := int64(len(r.Data))
	return domain.OutputVariant{
		Format:         string(r.Format),
		CompressedSize: size,
		Ratio:          domain.Ratio(r.OriginalSize, size),
		Width:          r.Width,
		Height:         r.Height,
	}
}

// Emitter is the output sink. Discard removes an artifact that was emitted
// for an image which later failed.
type Emitter interface {
	Emit(ctx context.Context, req EmitRequest) (domain.OutputVariant, error)
	Discard(ctx context.Context, variant domain.OutputVariant) error
}

// Cache stores encoded variants by content and settings.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, data []byte) error
}

type Processor struct {
	transformer Transformer
	emitter     Emitter
	cache       Cache
	pixelLimit  int64
	logger      zerolog.Logger
	tracer      trace.Tracer
}

type Option func(*Processor)

func WithCache(cache Cache) Option {
	return func(p *Processor) { p.cache = cache }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(p *Processor) { p.logger = logger }
}

// WithPixelLimit caps the pixel count of sources and resize results. A
// non-positive limit disables the cap.
func WithPixelLimit(limit int64) Option {
	return func(p *Processor) { p.pixelLimit = max(0, limit) }
}

func WithTransformer(t Transformer) Option {
	return func(p *Processor) { p.transformer = t }
}

func NewProcessor(emitter Emitter, opts ...Option) (*Processor, error) {
	if emitter == nil {
		return nil, fmt.Errorf("emitter is required")
	}

	p := &Processor{
		emitter:    emitter,
		pixelLimit: DefaultPixelLimit,
		logger:     zerolog.Nop(),
		tracer:     otel.Tracer("pixelbatch/pipeline"),
	}
	for _, opt := range opts {
		opt(p)
	}

	if p.transformer == nil {
		transformer, err := newTransformer()
		if err != nil {
			return nil, fmt.Errorf("build transformer: %w", err)
		}
		p.transformer = transformer
	}
	return p, nil
}

// Process runs one image through the pipeline. The first failing step ends
// the image; variants already emitted for it are discarded.
func (p *Processor) Process(ctx context.Context, req Request) (outputs []domain.OutputVariant, err error) {
	ctx, span := p.tracer.Start(ctx, "pipeline.process_image")
	span.SetAttributes(
		attribute.String("batch.id", req.BatchID),
		attribute.Int("image.index", req.Index),
		attribute.String("image.name", req.Input.Name),
		attribute.Int64("image.size", req.Input.Size),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
		}
		span.End()
	}()

	plan, err := req.Config.FormatPlan(req.Input.Name)
	if err != nil {
		return nil, err
	}

	source, err := readSource(req.Input)
	if err != nil {
		return nil, err
	}

	prepare := prepareOptions(req.Config)
	prepare.MaxPixels = p.pixelLimit
	canvas, err := p.transformer.Prepare(ctx, source, prepare)
	if err != nil {
		return nil, err
	}
	defer canvas.Close()
	width, height := canvas.Size()

	var digest string
	if p.cache != nil {
		sum := sha256.Sum256(source)
		digest = hex.EncodeToString(sum[:])
	}

	outputs = make([]domain.OutputVariant, 0, len(plan))
	defer func() {
		if err != nil {
			p.discard(ctx, req, outputs)
			outputs = nil
		}
	}()

	for i, format := range plan {
		select {
		case <-ctx.Done():
			return outputs, ctx.Err()
		default:
		}

		quality := req.Config.QualityFor(format)
		data, err := p.encode(ctx, canvas, digest, req.Config, format, quality)
		if err != nil {
			return outputs, err
		}

		variant, err := p.emitter.Emit(ctx, EmitRequest{
			BatchID:      req.BatchID,
			ImageIndex:   req.Index,
			VariantIndex: i,
			OriginalName: req.Input.Name,
			OriginalSize: req.Input.Size,
			Format:       format,
			Data:         data,
			Width:        width,
			Height:       height,
		})
		if err != nil {
			return outputs, fmt.Errorf("emit %s: %w", format, err)
		}
		outputs = append(outputs, variant)
	}

	return outputs, nil
}

func (p *Processor) encode(ctx context.Context, canvas Canvas, digest string, cfg domain.TransformConfig, format domain.Format, quality int) ([]byte, error) {
	if p.cache == nil || digest == "" {
		return canvas.Encode(format, quality)
	}

	key := cacheKey(digest, cfg, format, quality)
	if data, ok, err := p.cache.Get(ctx, key); err != nil {
		p.logger.Warn().Err(err).Str("format", string(format)).Msg("variant cache lookup failed")
	} else if ok {
		return data, nil
	}

	data, err := canvas.Encode(format, quality)
	if err != nil {
		return nil, err
	}

	if err := p.cache.Set(ctx, key, data); err != nil {
		p.logger.Warn().Err(err).Str("format", string(format)).Msg("variant cache store failed")
	}
	return data, nil
}

// discard outlives a cancelled request so no partial artifacts remain.
func (p *Processor) discard(ctx context.Context, req Request, outputs []domain.OutputVariant) {
	ctx = context.WithoutCancel(ctx)
	for _, variant := range outputs {
		if err := p.emitter.Discard(ctx, variant); err != nil {
			p.logger.Warn().
				Err(err).
				Str("batch_id", req.BatchID).
				Str("image", req.Input.Name).
				Str("location", variant.Location).
				Msg("discard variant of failed image")
		}
	}
}

func readSource(in domain.ImageInput) ([]byte, error) {
	if in.Source == nil {
		return nil, fmt.Errorf("read source image %s: no source", in.Name)
	}

	rc, err := in.Source.Open()
	if err != nil {
		return nil, fmt.Errorf("read source image %s: %w", in.Name, err)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("read source image %s: %w", in.Name, err)
	}
	return data, nil
}

func cacheKey(digest string, cfg domain.TransformConfig, format domain.Format, quality int) string {
	opts := prepareOptions(cfg)
	return strings.Join([]string{
		digest,
		strconv.Itoa(opts.Width) + "x" + strconv.Itoa(opts.Height),
		strconv.FormatBool(opts.Cover),
		strconv.FormatBool(opts.Flatten),
		string(format),
		strconv.Itoa(quality),
	}, ":")
}

func sanitizePathToken(in string) string {
	in = strings.TrimSpace(in)
	if in == "" {
		return "unknown"
	}

	var b strings.Builder
	b.Grow(len(in))
	for _, r := range in {
		switch {
		case r >= 'a' && r <= 'z':
			b.WriteRune(r)
		case r >= 'A' && r <= 'Z':
			b.WriteRune(r)
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '-' || r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}
