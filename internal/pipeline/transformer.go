package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"math"

	"github.com/dunamismax/pixelbatch/internal/domain"
)

// Transformer decodes a source image and applies the batch-wide geometric and
// color steps once. The returned Canvas is then encoded once per variant.
type Transformer interface {
	Prepare(ctx context.Context, input []byte, opts PrepareOptions) (Canvas, error)
}

type Canvas interface {
	Encode(format domain.Format, quality int) ([]byte, error)
	Size() (width, height int)
	Close()
}

type PrepareOptions struct {
	// Width and Height are the target box; zero leaves that axis unset.
	Width     int
	Height    int
	Cover     bool
	Flatten   bool
	// MaxPixels bounds both the decoded source and the resized result.
	// Zero disables the check.
	MaxPixels int64
}

// DefaultPixelLimit matches libvips' default input limit of 0x3FFF squared.
const DefaultPixelLimit int64 = 0x3FFF * 0x3FFF

var ErrPixelLimit = errors.New("image exceeds pixel limit")

// checkPixels rejects a w by h raster before anything is allocated for it.
func checkPixels(w, h int, limit int64) error {
	if w <= 0 || h <= 0 {
		return fmt.Errorf("invalid dimensions %dx%d", w, h)
	}
	if limit > 0 && (int64(w) > limit || int64(h) > limit/int64(w)) {
		return fmt.Errorf("%w: %dx%d is over %d pixels", ErrPixelLimit, w, h, limit)
	}
	return nil
}

func prepareOptions(cfg domain.TransformConfig) PrepareOptions {
	opts := PrepareOptions{
		Cover:   cfg.CropFit,
		Flatten: !cfg.KeepTransparency,
	}
	if cfg.ResizeWidth != nil {
		opts.Width = *cfg.ResizeWidth
	}
	if cfg.ResizeHeight != nil {
		opts.Height = *cfg.ResizeHeight
	}
	return opts
}

func (o PrepareOptions) resizes() bool {
	return o.Width > 0 || o.Height > 0
}

// fitPlan describes a resize: the whole source is scaled to Scaled, then Crop
// (in scaled coordinates) is the region kept.
type fitPlan struct {
	Scaled image.Point
	Crop   image.Rectangle
}

func (f fitPlan) check(limit int64) error {
	if err := checkPixels(f.Scaled.X, f.Scaled.Y, limit); err != nil {
		return err
	}
	return checkPixels(f.Crop.Dx(), f.Crop.Dy(), limit)
}

func (f fitPlan) identity(srcW, srcH int) bool {
	return f.Scaled.X == srcW && f.Scaled.Y == srcH && f.Crop == image.Rect(0, 0, srcW, srcH)
}

// planFit computes cover/inside geometry. Inside never enlarges the source;
// cover fills the box exactly, enlarging when the source is smaller.
func planFit(srcW, srcH int, opts PrepareOptions) fitPlan {
	full := fitPlan{Scaled: image.Pt(srcW, srcH), Crop: image.Rect(0, 0, srcW, srcH)}
	if !opts.resizes() || srcW <= 0 || srcH <= 0 {
		return full
	}

	sx := float64(opts.Width) / float64(srcW)
	sy := float64(opts.Height) / float64(srcH)

	var scale float64
	switch {
	case opts.Width > 0 && opts.Height > 0 && opts.Cover:
		scale = math.Max(sx, sy)
	case opts.Width > 0 && opts.Height > 0:
		scale = math.Min(sx, sy)
	case opts.Width > 0:
		scale = sx
	default:
		scale = sy
	}

	if !opts.Cover && scale >= 1 {
		return full
	}

	w := scaledDim(srcW, scale)
	h := scaledDim(srcH, scale)
	if opts.Width > 0 && (opts.Cover || opts.Height == 0) {
		w = opts.Width
	}
	if opts.Height > 0 && (opts.Cover || opts.Width == 0) {
		h = opts.Height
	}
	if opts.Cover && opts.Width > 0 && opts.Height > 0 {
		w = max(opts.Width, scaledDim(srcW, scale))
		h = max(opts.Height, scaledDim(srcH, scale))
		x0 := (w - opts.Width) / 2
		y0 := (h - opts.Height) / 2
		return fitPlan{
			Scaled: image.Pt(w, h),
			Crop:   image.Rect(x0, y0, x0+opts.Width, y0+opts.Height),
		}
	}

	return fitPlan{Scaled: image.Pt(w, h), Crop: image.Rect(0, 0, w, h)}
}

func scaledDim(v int, scale float64) int {
	return max(1, int(math.Round(float64(v)*scale)))
}
