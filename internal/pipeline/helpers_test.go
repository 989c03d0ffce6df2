package pipeline

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"hash/crc32"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dunamismax/pixelbatch/internal/domain"
)

func buildTestImage(w, h int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.NRGBA{
				R: uint8((x * 255) / w),
				G: uint8((y * 255) / h),
				B: 140,
				A: 255,
			})
		}
	}
	return img
}

func buildTestPNG(t testing.TB, w, h int) []byte {
	t.Helper()

	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, buildTestImage(w, h)))
	return buf.Bytes()
}

func buildTestJPEG(t testing.TB, w, h int) []byte {
	t.Helper()

	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, buildTestImage(w, h), &jpeg.Options{Quality: 95}))
	return buf.Bytes()
}

// buildHalfTransparentPNG is opaque red on the right half and fully
// transparent on the left half.
func buildHalfTransparentPNG(t testing.TB, w, h int) []byte {
	t.Helper()

	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := w / 2; x < w; x++ {
			img.Set(x, y, color.NRGBA{R: 255, A: 255})
		}
	}

	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

// buildPNGHeader returns a PNG signature and IHDR declaring w by h RGBA
// pixels with no image data behind it.
func buildPNGHeader(w, h uint32) []byte {
	ihdr := make([]byte, 13)
	binary.BigEndian.PutUint32(ihdr[0:], w)
	binary.BigEndian.PutUint32(ihdr[4:], h)
	ihdr[8] = 8
	ihdr[9] = 6

	var buf bytes.Buffer
	buf.WriteString("\x89PNG\r\n\x1a\n")
	_ = binary.Write(&buf, binary.BigEndian, uint32(len(ihdr)))
	chunk := append([]byte("IHDR"), ihdr...)
	buf.Write(chunk)
	_ = binary.Write(&buf, binary.BigEndian, crc32.ChecksumIEEE(chunk))
	return buf.Bytes()
}

func decodeInline(t *testing.T, v domain.OutputVariant) image.Image {
	t.Helper()

	data, err := base64.StdEncoding.DecodeString(v.CompressedFile)
	require.NoError(t, err)
	require.Equal(t, v.CompressedSize, int64(len(data)))

	img, _, err := image.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	return img
}

func input(name string, data []byte) domain.ImageInput {
	return domain.ImageInput{
		Name:   name,
		Size:   int64(len(data)),
		Source: domain.BytesSource{Data: data},
	}
}

type recordingEmitter struct {
	mu        sync.Mutex
	inner     Emitter
	emitted   []domain.OutputVariant
	discarded []domain.OutputVariant
}

func (e *recordingEmitter) Emit(ctx context.Context, req EmitRequest) (domain.OutputVariant, error) {
	v, err := e.inner.Emit(ctx, req)
	if err == nil {
		e.mu.Lock()
		e.emitted = append(e.emitted, v)
		e.mu.Unlock()
	}
	return v, err
}

func (e *recordingEmitter) Discard(ctx context.Context, v domain.OutputVariant) error {
	e.mu.Lock()
	e.discarded = append(e.discarded, v)
	e.mu.Unlock()
	return e.inner.Discard(ctx, v)
}

// countingTransformer wraps the pure-Go transformer, counts encodes and can
// be told to fail a specific format.
type countingTransformer struct {
	inner   Transformer
	encodes *int
	failOn  domain.Format
}

func (t countingTransformer) Prepare(ctx context.Context, in []byte, opts PrepareOptions) (Canvas, error) {
	c, err := t.inner.Prepare(ctx, in, opts)
	if err != nil {
		return nil, err
	}
	return countingCanvas{Canvas: c, encodes: t.encodes, failOn: t.failOn}, nil
}

type countingCanvas struct {
	Canvas
	encodes *int
	failOn  domain.Format
}

func (c countingCanvas) Encode(format domain.Format, quality int) ([]byte, error) {
	*c.encodes++
	if format == c.failOn {
		return nil, errEncodeFailed
	}
	return c.Canvas.Encode(format, quality)
}

var errEncodeFailed = errors.New("encode avif: encoder exploded")

type mapCache struct {
	mu   sync.Mutex
	data map[string][]byte
}

func (c *mapCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.data[key]
	return v, ok, nil
}

func (c *mapCache) Set(_ context.Context, key string, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.data == nil {
		c.data = make(map[string][]byte)
	}
	c.data[key] = data
	return nil
}
