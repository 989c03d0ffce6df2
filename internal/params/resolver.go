package params

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/dunamismax/pixelbatch/internal/domain"
)

const (
	FieldQualityJPEG      = "quality_jpeg"
	FieldQualityPNG       = "quality_png"
	FieldQualityWebP      = "quality_webp"
	FieldQualityAVIF      = "quality_avif"
	FieldResizeWidth      = "resize_width"
	FieldResizeHeight     = "resize_height"
	FieldCrop             = "crop"
	FieldKeepTransparency = "keep_transparency"
	FieldConvertTo        = "convert_to"
)

// Fields holds untyped request fields. Values are strings, numbers, or
// slices of either.
type Fields map[string]any

// FieldsFromValues adapts parsed form values: a single value is a scalar and
// repeated values are an array.
func FieldsFromValues(values url.Values) Fields {
	fields := make(Fields, len(values))
	for key, vals := range values {
		switch len(vals) {
		case 0:
		case 1:
			fields[key] = vals[0]
		default:
			fields[key] = append([]string(nil), vals...)
		}
	}
	return fields
}

// Resolve turns request fields into a TransformConfig. It never fails:
// malformed values fall back to their defaults.
func Resolve(fields Fields) domain.TransformConfig {
	cfg := domain.DefaultTransformConfig()

	cfg.Quality[domain.FormatJPEG] = quality(fields[FieldQualityJPEG], domain.DefaultQualityJPEG)
	cfg.Quality[domain.FormatPNG] = quality(fields[FieldQualityPNG], domain.DefaultQualityPNG)
	cfg.Quality[domain.FormatWebP] = quality(fields[FieldQualityWebP], domain.DefaultQualityWebP)
	cfg.Quality[domain.FormatAVIF] = quality(fields[FieldQualityAVIF], domain.DefaultQualityAVIF)

	cfg.ResizeWidth = dimension(fields[FieldResizeWidth])
	cfg.ResizeHeight = dimension(fields[FieldResizeHeight])
	cfg.CropFit = truthy(fields[FieldCrop])
	cfg.KeepTransparency = truthy(fields[FieldKeepTransparency])
	cfg.TargetFormats = targetFormats(fields[FieldConvertTo])

	return cfg
}

func quality(raw any, fallback int) int {
	v, ok := integer(raw)
	if !ok || v <= 0 || v > 100 {
		return fallback
	}
	return v
}

func dimension(raw any) *int {
	v, ok := integer(raw)
	if !ok || v <= 0 {
		return nil
	}
	return &v
}

// integer parses the leading integer of a scalar field, so "80px" reads as 80.
func integer(raw any) (int, bool) {
	switch v := scalar(raw).(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	case string:
		return leadingInt(v)
	default:
		return 0, false
	}
}

func leadingInt(s string) (int, bool) {
	s = strings.TrimSpace(s)
	end := 0
	for end < len(s) {
		c := s[end]
		if (c == '-' || c == '+') && end == 0 {
			end++
			continue
		}
		if c < '0' || c > '9' {
			break
		}
		end++
	}
	v, err := strconv.Atoi(s[:end])
	if err != nil {
		return 0, false
	}
	return v, true
}

func truthy(raw any) bool {
	switch v := scalar(raw).(type) {
	case string:
		return v == "1"
	case int:
		return v == 1
	case int64:
		return v == 1
	case float64:
		return v == 1
	default:
		return false
	}
}

// scalar picks the first element of an array-valued field.
func scalar(raw any) any {
	switch v := raw.(type) {
	case []string:
		if len(v) == 0 {
			return nil
		}
		return v[0]
	case []any:
		if len(v) == 0 {
			return nil
		}
		return v[0]
	default:
		return raw
	}
}

func targetFormats(raw any) []string {
	var pieces []string
	switch v := raw.(type) {
	case nil:
	case []string:
		pieces = v
	case []any:
		for _, item := range v {
			pieces = append(pieces, fmt.Sprint(item))
		}
	case string:
		pieces = strings.Split(v, ",")
	default:
		pieces = strings.Split(fmt.Sprint(v), ",")
	}

	out := make([]string, 0, len(pieces))
	for _, p := range pieces {
		p = strings.ToLower(strings.TrimSpace(p))
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
