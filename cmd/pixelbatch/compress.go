package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/dunamismax/pixelbatch/internal/batch"
	"github.com/dunamismax/pixelbatch/internal/domain"
	"github.com/dunamismax/pixelbatch/internal/id"
	"github.com/dunamismax/pixelbatch/internal/logging"
	"github.com/dunamismax/pixelbatch/internal/params"
	"github.com/dunamismax/pixelbatch/internal/pipeline"
	"github.com/dunamismax/pixelbatch/internal/staging"
)

type compressOptions struct {
	convertTo        string
	qualityJPEG      int
	qualityPNG       int
	qualityWebP      int
	qualityAVIF      int
	resizeWidth      int
	resizeHeight     int
	crop             bool
	keepTransparency bool
	outDir           string
	concurrency      int
	pixelLimit       int64
	logLevel         string
}

func newCompressCmd() *cobra.Command {
	opts := compressOptions{}
	cmd := &cobra.Command{
		Use:   "compress [files...]",
		Short: "Compress local images and print the batch result as JSON",
		Long: `Compress runs every file through the same pipeline as POST /compress.
Variants are written to --out when set, otherwise embedded as base64.

Examples:
  pixelbatch compress photo.jpg
  pixelbatch compress *.png --convert-to webp,avif --out ./compressed
  pixelbatch compress banner.png --resize-width 1200 --resize-height 630 --crop`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCompress(cmd.Context(), cmd.OutOrStdout(), args, opts)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.convertTo, "convert-to", "", "Comma separated output formats (jpeg, png, webp, avif)")
	f.IntVar(&opts.qualityJPEG, "quality-jpeg", domain.DefaultQualityJPEG, "JPEG quality 1-100")
	f.IntVar(&opts.qualityPNG, "quality-png", domain.DefaultQualityPNG, "PNG quality 1-100")
	f.IntVar(&opts.qualityWebP, "quality-webp", domain.DefaultQualityWebP, "WebP quality 1-100")
	f.IntVar(&opts.qualityAVIF, "quality-avif", domain.DefaultQualityAVIF, "AVIF quality 1-100")
	f.IntVar(&opts.resizeWidth, "resize-width", 0, "Target width in pixels (0 = keep)")
	f.IntVar(&opts.resizeHeight, "resize-height", 0, "Target height in pixels (0 = keep)")
	f.BoolVar(&opts.crop, "crop", false, "Cover the resize box and crop the overflow")
	f.BoolVar(&opts.keepTransparency, "keep-transparency", false, "Keep alpha instead of flattening onto white")
	f.StringVarP(&opts.outDir, "out", "o", "", "Write variants to this directory instead of inlining them")
	f.IntVarP(&opts.concurrency, "concurrency", "c", 1, "Images processed in parallel")
	f.Int64Var(&opts.pixelLimit, "pixel-limit", pipeline.DefaultPixelLimit, "Largest source or resized image in pixels (0 = unlimited)")
	f.StringVar(&opts.logLevel, "log-level", "warn", "Log level: debug, info, warn, error")
	return cmd
}

// fields maps the flags onto the same field names the HTTP API accepts so
// both fronts resolve settings identically.
func (o compressOptions) fields() params.Fields {
	fields := params.Fields{
		params.FieldQualityJPEG: o.qualityJPEG,
		params.FieldQualityPNG:  o.qualityPNG,
		params.FieldQualityWebP: o.qualityWebP,
		params.FieldQualityAVIF: o.qualityAVIF,
	}
	if o.resizeWidth > 0 {
		fields[params.FieldResizeWidth] = strconv.Itoa(o.resizeWidth)
	}
	if o.resizeHeight > 0 {
		fields[params.FieldResizeHeight] = strconv.Itoa(o.resizeHeight)
	}
	if o.crop {
		fields[params.FieldCrop] = "1"
	}
	if o.keepTransparency {
		fields[params.FieldKeepTransparency] = "1"
	}
	if strings.TrimSpace(o.convertTo) != "" {
		fields[params.FieldConvertTo] = o.convertTo
	}
	return fields
}

func runCompress(ctx context.Context, out io.Writer, files []string, opts compressOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}
	logger := logging.Init(opts.logLevel, true)

	inputs := make([]domain.ImageInput, 0, len(files))
	for _, path := range files {
		input, err := staging.Borrowed(path)
		if err != nil {
			return err
		}
		inputs = append(inputs, input)
	}

	var emitter pipeline.Emitter = pipeline.InlineEmitter{}
	if opts.outDir != "" {
		if err := staging.Init(opts.outDir); err != nil {
			return err
		}
		emitter = pipeline.LocalFileEmitter{OutputDir: opts.outDir}
	}

	if err := pipeline.Startup(); err != nil {
		return fmt.Errorf("start image engine: %w", err)
	}
	defer pipeline.Shutdown()

	processor, err := pipeline.NewProcessor(emitter,
		pipeline.WithLogger(logger),
		pipeline.WithPixelLimit(opts.pixelLimit),
	)
	if err != nil {
		return err
	}
	orchestrator := batch.NewOrchestrator(processor,
		batch.WithConcurrency(opts.concurrency),
		batch.WithLogger(logger),
	)

	result, err := orchestrator.Run(ctx, id.New(), inputs, params.Resolve(opts.fields()))
	if err != nil {
		return err
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(result); err != nil {
		return fmt.Errorf("write result: %w", err)
	}

	if failed := result.FailedCount(); failed > 0 {
		log.Warn().Int("failed", failed).Int("images", len(result)).Msg("some images failed")
	}
	return nil
}
