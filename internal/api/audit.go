package api

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"

	"github.com/dunamismax/pixelbatch/internal/domain"
	"github.com/dunamismax/pixelbatch/internal/params"
)

// AuditLogger appends one JSON line per request: time, body fields, uploaded
// files, url and method. Batches are logged before they run.
type AuditLogger struct {
	logger zerolog.Logger
	closer io.Closer
}

func NewAuditLogger(w io.Writer) *AuditLogger {
	return &AuditLogger{logger: zerolog.New(w).With().Timestamp().Logger()}
}

// OpenAuditLog appends to path, creating it and its directory if needed.
func OpenAuditLog(path string) (*AuditLogger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create audit log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	a := NewAuditLogger(f)
	a.closer = f
	return a, nil
}

func (a *AuditLogger) Close() error {
	if a == nil || a.closer == nil {
		return nil
	}
	return a.closer.Close()
}

type auditFile struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
}

// auditEntry lets a handler write the line as soon as the request is
// understood. Whatever the handler did not record is written on the way out.
type auditEntry struct {
	once sync.Once
}

func (a *AuditLogger) write(r *http.Request, batchID string, fields params.Fields, inputs []domain.ImageInput) {
	if fields == nil {
		fields = params.Fields{}
	}
	files := make([]auditFile, 0, len(inputs))
	for _, in := range inputs {
		files = append(files, auditFile{Name: in.Name, Size: in.Size})
	}

	event := a.logger.Log()
	if batchID != "" {
		event = event.Str("batch_id", batchID)
	}
	event.
		Interface("body", fields).
		Interface("files", files).
		Str("url", r.URL.RequestURI()).
		Str("method", r.Method).
		Send()
}

type auditKey struct{}

// auditRequest writes the audit line for r now. Later calls for the same
// request are ignored.
func (s *Server) auditRequest(r *http.Request, batchID string, fields params.Fields, inputs []domain.ImageInput) {
	entry, ok := r.Context().Value(auditKey{}).(*auditEntry)
	if !ok {
		return
	}
	entry.once.Do(func() { s.audit.write(r, batchID, fields, inputs) })
}

func (s *Server) withAudit(next http.Handler) http.Handler {
	if s.audit == nil {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		entry := &auditEntry{}
		r = r.WithContext(context.WithValue(r.Context(), auditKey{}, entry))
		next.ServeHTTP(w, r)
		entry.once.Do(func() { s.audit.write(r, "", nil, nil) })
	})
}
