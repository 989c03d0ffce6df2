package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/dunamismax/pixelbatch/internal/domain"
	"github.com/dunamismax/pixelbatch/internal/id"
	"github.com/dunamismax/pixelbatch/internal/params"
	"github.com/dunamismax/pixelbatch/internal/store"
)

const (
	imageFieldPrefix  = "images"
	maxValueFieldSize = 64 << 10
)

type BatchRunner interface {
	Run(ctx context.Context, batchID string, inputs []domain.ImageInput, cfg domain.TransformConfig) (domain.BatchResult, error)
}

type Stager interface {
	Stage(originalName string, r io.Reader) (domain.ImageInput, error)
}

type Notifier interface {
	BatchCompleted(ctx context.Context, usage domain.UsageLog) error
}

type Deps struct {
	Logger         zerolog.Logger
	Runner         BatchRunner
	Stager         Stager
	Usage          store.UsageStore
	Notifier       Notifier
	Audit          *AuditLogger
	MaxUploadBytes int64
}

type Server struct {
	logger         zerolog.Logger
	runner         BatchRunner
	stager         Stager
	usage          store.UsageStore
	notifier       Notifier
	audit          *AuditLogger
	maxUploadBytes int64
	metrics        *metrics
	tracer         trace.Tracer
	mux            *http.ServeMux
}

func NewServer(deps Deps) (*Server, error) {
	if deps.Runner == nil {
		return nil, fmt.Errorf("batch runner is required")
	}
	if deps.Stager == nil {
		return nil, fmt.Errorf("stager is required")
	}

	maxUpload := deps.MaxUploadBytes
	if maxUpload <= 0 {
		maxUpload = 512 << 20
	}
	usage := deps.Usage
	if usage == nil {
		usage = store.NewMemoryUsageStore()
	}

	s := &Server{
		logger:         deps.Logger,
		runner:         deps.Runner,
		stager:         deps.Stager,
		usage:          usage,
		notifier:       deps.Notifier,
		audit:          deps.Audit,
		maxUploadBytes: maxUpload,
		metrics:        newMetrics(),
		tracer:         otel.Tracer("pixelbatch/api"),
		mux:            http.NewServeMux(),
	}
	s.routes()
	return s, nil
}

func (s *Server) Handler() http.Handler {
	return s.metrics.withHTTPMetrics(s.withTracing(s.withAudit(s.mux)))
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	s.mux.Handle("GET /metrics", s.metrics.metricsHandler())
	s.mux.HandleFunc("POST /compress", s.handleCompress)
	s.mux.HandleFunc("GET /batches/{id}/usage", s.handleUsage)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	usage, err := s.usage.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, store.ErrUsageNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "batch not found"})
			return
		}
		s.logger.Error().Err(err).Msg("load usage failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to load usage"})
		return
	}
	writeJSON(w, http.StatusOK, usageResponse(usage))
}

func (s *Server) handleCompress(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)

	inputs, values, err := s.readUpload(r)
	fields := params.FieldsFromValues(values)
	if err != nil {
		s.auditRequest(r, "", fields, inputs)
		releaseAll(s.logger, inputs)
		status := http.StatusBadRequest
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		writeJSON(w, status, map[string]string{"error": err.Error()})
		return
	}
	if len(inputs) == 0 {
		s.auditRequest(r, "", fields, nil)
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": domain.ErrNoImages.Error()})
		return
	}

	batchID := id.New()
	s.auditRequest(r, batchID, fields, inputs)
	cfg := params.Resolve(fields)

	// A disconnected client does not abort the batch.
	ctx := context.WithoutCancel(r.Context())
	startedAt := time.Now()
	result, err := s.runner.Run(ctx, batchID, inputs, cfg)
	if err != nil {
		if errors.Is(err, domain.ErrNoImages) {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		s.logger.Error().Err(err).Str("batch_id", batchID).Msg("batch failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to process batch"})
		return
	}

	usage := domain.Usage(batchID, result, time.Since(startedAt))
	s.recordUsage(ctx, usage)
	s.metrics.observeBatch(result, usage)
	s.notify(ctx, usage)

	w.Header().Set("X-Batch-ID", batchID)
	writeJSON(w, http.StatusOK, result)
}

// readUpload streams the multipart body. File parts whose field name starts
// with "images" are staged; other file parts are drained. Inputs staged
// before an error are returned so the caller can release them.
func (s *Server) readUpload(r *http.Request) ([]domain.ImageInput, url.Values, error) {
	values := url.Values{}
	reader, err := r.MultipartReader()
	if err != nil {
		if errors.Is(err, http.ErrNotMultipart) {
			return nil, values, nil
		}
		return nil, values, fmt.Errorf("parse multipart body: %w", err)
	}

	var inputs []domain.ImageInput
	for {
		part, err := reader.NextPart()
		if errors.Is(err, io.EOF) {
			return inputs, values, nil
		}
		if err != nil {
			return inputs, values, fmt.Errorf("parse multipart body: %w", err)
		}

		input, staged, err := s.readPart(part, values)
		part.Close()
		if err != nil {
			return inputs, values, err
		}
		if staged {
			inputs = append(inputs, input)
		}
	}
}

func (s *Server) readPart(part *multipart.Part, values url.Values) (domain.ImageInput, bool, error) {
	name := part.FormName()
	if part.FileName() == "" {
		value, err := io.ReadAll(io.LimitReader(part, maxValueFieldSize))
		if err != nil {
			return domain.ImageInput{}, false, fmt.Errorf("read field %s: %w", name, err)
		}
		values.Add(name, string(value))
		return domain.ImageInput{}, false, nil
	}

	if !strings.HasPrefix(name, imageFieldPrefix) {
		if _, err := io.Copy(io.Discard, part); err != nil {
			return domain.ImageInput{}, false, fmt.Errorf("read file %s: %w", part.FileName(), err)
		}
		return domain.ImageInput{}, false, nil
	}

	input, err := s.stager.Stage(part.FileName(), part)
	if err != nil {
		return domain.ImageInput{}, false, err
	}
	return input, true, nil
}

func (s *Server) recordUsage(ctx context.Context, usage domain.UsageLog) {
	if err := s.usage.Record(ctx, usage); err != nil {
		s.logger.Warn().Err(err).Str("batch_id", usage.BatchID).Msg("usage log write failed")
	}
}

func (s *Server) notify(ctx context.Context, usage domain.UsageLog) {
	if s.notifier == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(ctx, time.Minute)
		defer cancel()
		if err := s.notifier.BatchCompleted(ctx, usage); err != nil {
			s.logger.Warn().Err(err).Str("batch_id", usage.BatchID).Msg("webhook delivery failed")
		}
	}()
}

func releaseAll(logger zerolog.Logger, inputs []domain.ImageInput) {
	for _, input := range inputs {
		if input.Source == nil {
			continue
		}
		if err := input.Source.Release(); err != nil {
			logger.Warn().Err(err).Str("image", input.Name).Msg("release staged input")
		}
	}
}

func usageResponse(u domain.UsageLog) map[string]any {
	return map[string]any{
		"batch_id":         u.BatchID,
		"images":           u.Images,
		"failed_images":    u.FailedImages,
		"variants":         u.Variants,
		"pixels_processed": u.PixelsProcessed,
		"bytes_in":         u.BytesIn,
		"bytes_out":        u.BytesOut,
		"bytes_saved":      u.BytesSaved,
		"compute_time_ms":  u.ComputeTimeMS,
		"created_at":       u.CreatedAt,
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
