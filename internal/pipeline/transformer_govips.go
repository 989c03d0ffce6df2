//go:build govips && cgo

package pipeline

import (
	"context"
	"fmt"

	"github.com/davidbyttow/govips/v2/vips"

	"github.com/dunamismax/pixelbatch/internal/domain"
)

type govipsTransformer struct{}

func (t govipsTransformer) Prepare(ctx context.Context, input []byte, opts PrepareOptions) (Canvas, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	img, err := vips.NewImageFromBuffer(input)
	if err != nil {
		return nil, fmt.Errorf("decode source image: %w", err)
	}
	if err := checkPixels(img.Width(), img.Height(), opts.MaxPixels); err != nil {
		img.Close()
		return nil, fmt.Errorf("decode source image: %w", err)
	}

	if err := applyGovipsFit(img, opts); err != nil {
		img.Close()
		return nil, err
	}

	if opts.Flatten && img.HasAlpha() {
		if err := img.Flatten(&vips.Color{R: 255, G: 255, B: 255}); err != nil {
			img.Close()
			return nil, fmt.Errorf("flatten image: %w", err)
		}
	}

	return govipsCanvas{img: img}, nil
}

func applyGovipsFit(img *vips.ImageRef, opts PrepareOptions) error {
	srcW, srcH := img.Width(), img.Height()
	if srcW <= 0 || srcH <= 0 {
		return fmt.Errorf("resize image: source has invalid dimensions %dx%d", srcW, srcH)
	}

	plan := planFit(srcW, srcH, opts)
	if plan.identity(srcW, srcH) {
		return nil
	}
	if err := plan.check(opts.MaxPixels); err != nil {
		return fmt.Errorf("resize image: %w", err)
	}

	hScale := float64(plan.Scaled.X) / float64(srcW)
	vScale := float64(plan.Scaled.Y) / float64(srcH)
	if err := img.ResizeWithVScale(hScale, vScale, vips.KernelLanczos3); err != nil {
		return fmt.Errorf("resize image: %w", err)
	}

	// libvips may round the scaled size by a pixel; clamp the crop to it.
	crop := plan.Crop
	if crop.Dx() > img.Width() {
		crop.Max.X = crop.Min.X + img.Width()
	}
	if crop.Dy() > img.Height() {
		crop.Max.Y = crop.Min.Y + img.Height()
	}
	crop.Min.X = min(crop.Min.X, img.Width()-crop.Dx())
	crop.Min.Y = min(crop.Min.Y, img.Height()-crop.Dy())
	if crop.Min.X == 0 && crop.Min.Y == 0 && crop.Dx() == img.Width() && crop.Dy() == img.Height() {
		return nil
	}

	if err := img.ExtractArea(crop.Min.X, crop.Min.Y, crop.Dx(), crop.Dy()); err != nil {
		return fmt.Errorf("crop image: %w", err)
	}
	return nil
}

type govipsCanvas struct {
	img *vips.ImageRef
}

func (c govipsCanvas) Size() (int, int) {
	return c.img.Width(), c.img.Height()
}

func (c govipsCanvas) Close() {
	c.img.Close()
}

func (c govipsCanvas) Encode(format domain.Format, quality int) ([]byte, error) {
	switch format {
	case domain.FormatJPEG:
		params := vips.NewJpegExportParams()
		params.Quality = quality
		data, _, err := c.img.ExportJpeg(params)
		if err != nil {
			return nil, fmt.Errorf("encode jpeg: %w", err)
		}
		return data, nil
	case domain.FormatPNG:
		params := vips.NewPngExportParams()
		params.Quality = quality
		params.Compression = 9
		data, _, err := c.img.ExportPng(params)
		if err != nil {
			return nil, fmt.Errorf("encode png: %w", err)
		}
		return data, nil
	case domain.FormatWebP:
		params := vips.NewWebpExportParams()
		params.Quality = quality
		data, _, err := c.img.ExportWebp(params)
		if err != nil {
			return nil, fmt.Errorf("encode webp: %w", err)
		}
		return data, nil
	case domain.FormatAVIF:
		params := vips.NewAvifExportParams()
		params.Quality = quality
		data, _, err := c.img.ExportAvif(params)
		if err != nil {
			return nil, fmt.Errorf("encode avif: %w", err)
		}
		return data, nil
	default:
		return nil, fmt.Errorf("%w: %q", domain.ErrUnsupportedFormat, format)
	}
}
