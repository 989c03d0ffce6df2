package domain

import (
	"fmt"
	"path/filepath"
	"strings"
)

type Format string

const (
	FormatJPEG Format = "jpeg"
	FormatPNG  Format = "png"
	FormatWebP Format = "webp"
	FormatAVIF Format = "avif"
)

const (
	DefaultQualityJPEG = 75
	DefaultQualityPNG  = 80
	DefaultQualityWebP = 75
	DefaultQualityAVIF = 50
)

// DefaultQuality returns the quality used when a request does not carry a
// usable value for the format.
func DefaultQuality(f Format) int {
	switch f {
	case FormatJPEG:
		return DefaultQualityJPEG
	case FormatPNG:
		return DefaultQualityPNG
	case FormatWebP:
		return DefaultQualityWebP
	case FormatAVIF:
		return DefaultQualityAVIF
	default:
		return 0
	}
}

// ParseFormat maps a requested format name to the encoder that serves it.
func ParseFormat(name string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "jpeg", "jpg":
		return FormatJPEG, nil
	case "png":
		return FormatPNG, nil
	case "webp":
		return FormatWebP, nil
	case "avif":
		return FormatAVIF, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, name)
	}
}

func (f Format) Extension() string {
	return string(f)
}

func (f Format) ContentType() string {
	switch f {
	case FormatJPEG:
		return "image/jpeg"
	case FormatWebP:
		return "image/webp"
	case FormatAVIF:
		return "image/avif"
	default:
		return "image/png"
	}
}

// TransformConfig is the batch-wide parameter set shared by every image.
type TransformConfig struct {
	Quality          map[Format]int
	ResizeWidth      *int
	ResizeHeight     *int
	CropFit          bool
	KeepTransparency bool
	TargetFormats    []string
}

func DefaultTransformConfig() TransformConfig {
	return TransformConfig{
		Quality: map[Format]int{
			FormatJPEG: DefaultQualityJPEG,
			FormatPNG:  DefaultQualityPNG,
			FormatWebP: DefaultQualityWebP,
			FormatAVIF: DefaultQualityAVIF,
		},
		TargetFormats: []string{},
	}
}

func (c TransformConfig) QualityFor(f Format) int {
	if q, ok := c.Quality[f]; ok && q > 0 && q <= 100 {
		return q
	}
	return DefaultQuality(f)
}

func (c TransformConfig) Resizes() bool {
	return c.ResizeWidth != nil || c.ResizeHeight != nil
}

// FormatPlan returns the encodings to produce for an image, in order. Without
// explicit targets a .png source stays png and everything else becomes jpeg.
func (c TransformConfig) FormatPlan(originalName string) ([]Format, error) {
	if len(c.TargetFormats) == 0 {
		if strings.EqualFold(filepath.Ext(originalName), ".png") {
			return []Format{FormatPNG}, nil
		}
		return []Format{FormatJPEG}, nil
	}

	plan := make([]Format, 0, len(c.TargetFormats))
	for _, name := range c.TargetFormats {
		f, err := ParseFormat(name)
		if err != nil {
			return nil, err
		}
		plan = append(plan, f)
	}
	return plan, nil
}
