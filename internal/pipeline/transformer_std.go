package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"math"

	"github.com/chai2010/webp"
	"github.com/gen2brain/avif"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"

	"github.com/dunamismax/pixelbatch/internal/domain"
)

const avifSpeed = 8

type stdlibTransformer struct{}

func (t stdlibTransformer) Prepare(ctx context.Context, input []byte, opts PrepareOptions) (Canvas, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	header, _, err := image.DecodeConfig(bytes.NewReader(input))
	if err != nil {
		return nil, fmt.Errorf("decode source image: %w", err)
	}
	if err := checkPixels(header.Width, header.Height, opts.MaxPixels); err != nil {
		return nil, fmt.Errorf("decode source image: %w", err)
	}

	src, _, err := image.Decode(bytes.NewReader(input))
	if err != nil {
		return nil, fmt.Errorf("decode source image: %w", err)
	}

	out, err := resizeFit(src, opts)
	if err != nil {
		return nil, err
	}

	if opts.Flatten {
		out = flattenWhite(out)
	}

	return stdlibCanvas{img: out}, nil
}

func resizeFit(src image.Image, opts PrepareOptions) (image.Image, error) {
	bounds := src.Bounds()
	srcW, srcH := bounds.Dx(), bounds.Dy()
	if srcW == 0 || srcH == 0 {
		return nil, fmt.Errorf("resize image: source has invalid dimensions %dx%d", srcW, srcH)
	}

	plan := planFit(srcW, srcH, opts)
	if plan.identity(srcW, srcH) {
		return src, nil
	}
	if err := plan.check(opts.MaxPixels); err != nil {
		return nil, fmt.Errorf("resize image: %w", err)
	}

	sx := float64(plan.Scaled.X) / float64(srcW)
	sy := float64(plan.Scaled.Y) / float64(srcH)
	srcRect := image.Rect(
		bounds.Min.X+int(math.Round(float64(plan.Crop.Min.X)/sx)),
		bounds.Min.Y+int(math.Round(float64(plan.Crop.Min.Y)/sy)),
		bounds.Min.X+int(math.Round(float64(plan.Crop.Max.X)/sx)),
		bounds.Min.Y+int(math.Round(float64(plan.Crop.Max.Y)/sy)),
	).Intersect(bounds)
	if srcRect.Empty() {
		return nil, fmt.Errorf("resize image: empty source region for %dx%d", plan.Crop.Dx(), plan.Crop.Dy())
	}

	dst := image.NewNRGBA(image.Rect(0, 0, plan.Crop.Dx(), plan.Crop.Dy()))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, srcRect, draw.Src, nil)
	return dst, nil
}

type opaquer interface {
	Opaque() bool
}

// flattenWhite composites img over an opaque white background.
func flattenWhite(img image.Image) image.Image {
	if o, ok := img.(opaquer); ok && o.Opaque() {
		return img
	}

	bounds := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	draw.Draw(dst, dst.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)
	draw.Draw(dst, dst.Bounds(), img, bounds.Min, draw.Over)
	return dst
}

type stdlibCanvas struct {
	img image.Image
}

func (c stdlibCanvas) Size() (int, int) {
	b := c.img.Bounds()
	return b.Dx(), b.Dy()
}

func (stdlibCanvas) Close() {}

func (c stdlibCanvas) Encode(format domain.Format, quality int) ([]byte, error) {
	var buf bytes.Buffer

	switch format {
	case domain.FormatJPEG:
		if err := jpeg.Encode(&buf, c.img, &jpeg.Options{Quality: quality}); err != nil {
			return nil, fmt.Errorf("encode jpeg: %w", err)
		}
	case domain.FormatPNG:
		encoder := png.Encoder{CompressionLevel: png.BestCompression}
		if err := encoder.Encode(&buf, c.img); err != nil {
			return nil, fmt.Errorf("encode png: %w", err)
		}
	case domain.FormatWebP:
		if err := webp.Encode(&buf, c.img, &webp.Options{Quality: float32(quality)}); err != nil {
			return nil, fmt.Errorf("encode webp: %w", err)
		}
	case domain.FormatAVIF:
		opts := avif.Options{Quality: quality, QualityAlpha: quality, Speed: avifSpeed}
		if err := avif.Encode(&buf, c.img, opts); err != nil {
			return nil, fmt.Errorf("encode avif: %w", err)
		}
	default:
		return nil, fmt.Errorf("%w: %q", domain.ErrUnsupportedFormat, format)
	}

	return buf.Bytes(), nil
}
