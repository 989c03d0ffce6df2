package domain

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"strconv"
)

var (
	ErrNoImages          = errors.New("No images uploaded")
	ErrUnsupportedFormat = errors.New("unsupported output format")
)

// Source is the readable, releasable backing of one uploaded image.
type Source interface {
	Open() (io.ReadCloser, error)
	Release() error
}

type ImageInput struct {
	Name   string
	Size   int64
	Source Source
}

// BytesSource serves an image that is already held in memory.
type BytesSource struct {
	Data []byte
}

func (s BytesSource) Open() (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(s.Data)), nil
}

func (BytesSource) Release() error { return nil }

type OutputVariant struct {
	Format         string `json:"format"`
	CompressedSize int64  `json:"compressed_size"`
	Ratio          string `json:"ratio"`
	Width          int    `json:"width"`
	Height         int    `json:"height"`
	CompressedFile string `json:"compressed_file,omitempty"`
	Location       string `json:"location,omitempty"`
	URL            string `json:"url,omitempty"`
}

// ImageResult is either a success carrying outputs or a failure carrying an
// error message. Exactly one shape is serialized.
type ImageResult struct {
	OriginalName string
	OriginalSize int64
	Outputs      []OutputVariant
	Error        string
}

func Succeeded(name string, size int64, outputs []OutputVariant) ImageResult {
	if outputs == nil {
		outputs = []OutputVariant{}
	}
	return ImageResult{OriginalName: name, OriginalSize: size, Outputs: outputs}
}

func Failed(name string, err error) ImageResult {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	return ImageResult{OriginalName: name, Error: msg}
}

func (r ImageResult) Failed() bool {
	return r.Error != ""
}

func (r ImageResult) MarshalJSON() ([]byte, error) {
	if r.Failed() {
		return json.Marshal(struct {
			OriginalName string `json:"original_name"`
			Error        string `json:"error"`
		}{r.OriginalName, r.Error})
	}

	outputs := r.Outputs
	if outputs == nil {
		outputs = []OutputVariant{}
	}
	return json.Marshal(struct {
		OriginalName string          `json:"original_name"`
		OriginalSize int64           `json:"original_size"`
		Outputs      []OutputVariant `json:"outputs"`
	}{r.OriginalName, r.OriginalSize, outputs})
}

type BatchResult []ImageResult

func (b BatchResult) FailedCount() int {
	n := 0
	for _, r := range b {
		if r.Failed() {
			n++
		}
	}
	return n
}

// Ratio formats the size reduction of a variant against its source, e.g.
// "63.20%". Outputs larger than the source yield a negative percentage.
func Ratio(originalSize, compressedSize int64) string {
	if originalSize <= 0 {
		return "0.00%"
	}
	pct := (1 - float64(compressedSize)/float64(originalSize)) * 100
	return strconv.FormatFloat(pct, 'f', 2, 64) + "%"
}
