package api

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dunamismax/pixelbatch/internal/batch"
	"github.com/dunamismax/pixelbatch/internal/domain"
	"github.com/dunamismax/pixelbatch/internal/pipeline"
	"github.com/dunamismax/pixelbatch/internal/staging"
	"github.com/dunamismax/pixelbatch/internal/store"
)

type testEnv struct {
	server   *Server
	handler  http.Handler
	area     *staging.Area
	audit    *bytes.Buffer
	notified chan domain.UsageLog
}

type chanNotifier chan domain.UsageLog

func (c chanNotifier) BatchCompleted(_ context.Context, usage domain.UsageLog) error {
	c <- usage
	return nil
}

func newTestEnv(t *testing.T, maxUpload int64) *testEnv {
	t.Helper()

	proc, err := pipeline.NewProcessor(pipeline.InlineEmitter{})
	require.NoError(t, err)

	area := staging.NewArea(t.TempDir())
	audit := &bytes.Buffer{}
	notified := make(chan domain.UsageLog, 4)

	s, err := NewServer(Deps{
		Logger:         zerolog.Nop(),
		Runner:         batch.NewOrchestrator(proc, batch.WithConcurrency(2)),
		Stager:         area,
		Usage:          store.NewMemoryUsageStore(),
		Notifier:       chanNotifier(notified),
		Audit:          NewAuditLogger(audit),
		MaxUploadBytes: maxUpload,
	})
	require.NoError(t, err)

	return &testEnv{server: s, handler: s.Handler(), area: area, audit: audit, notified: notified}
}

func testPNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: uint8(x * 4), G: uint8(y * 4), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

type upload struct {
	field, name string
	data        []byte
}

func multipartBody(t *testing.T, fields map[string]string, files ...upload) (*bytes.Buffer, string) {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	for _, f := range files {
		fw, err := mw.CreateFormFile(f.field, f.name)
		require.NoError(t, err)
		_, err = fw.Write(f.data)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	return &body, mw.FormDataContentType()
}

func (e *testEnv) post(t *testing.T, body *bytes.Buffer, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/compress", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) assertStagingEmpty(t *testing.T) {
	t.Helper()
	entries, err := os.ReadDir(e.area.Dir())
	require.NoError(t, err)
	assert.Empty(t, entries, "staged uploads must be released")
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t, 0)
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestCompressReturnsResultsInUploadOrder(t *testing.T) {
	env := newTestEnv(t, 0)
	body, contentType := multipartBody(t,
		map[string]string{"convert_to": "webp, JPEG", "resize_width": "20"},
		upload{field: "images", name: "broken.png", data: []byte("not an image")},
		upload{field: "avatar", name: "ignored.png", data: testPNG(t, 4, 4)},
		upload{field: "images[]", name: "photo.png", data: testPNG(t, 40, 20)},
	)

	rec := env.post(t, body, contentType)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get("X-Batch-ID"))

	var results []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &results))
	require.Len(t, results, 2)

	assert.Equal(t, "broken.png", results[0]["original_name"])
	assert.Contains(t, results[0], "error")
	assert.NotContains(t, results[0], "outputs")

	assert.Equal(t, "photo.png", results[1]["original_name"])
	assert.NotContains(t, results[1], "error")
	outputs := results[1]["outputs"].([]any)
	require.Len(t, outputs, 2)
	first := outputs[0].(map[string]any)
	second := outputs[1].(map[string]any)
	assert.Equal(t, "webp", first["format"])
	assert.Equal(t, "jpeg", second["format"])
	assert.Equal(t, 20.0, first["width"])
	assert.Equal(t, 10.0, first["height"])
	assert.NotEmpty(t, first["compressed_file"])
	assert.True(t, strings.HasSuffix(first["ratio"].(string), "%"))

	env.assertStagingEmpty(t)

	select {
	case usage := <-env.notified:
		assert.Equal(t, rec.Header().Get("X-Batch-ID"), usage.BatchID)
		assert.Equal(t, 2, usage.Images)
		assert.Equal(t, 1, usage.FailedImages)
		assert.Equal(t, 2, usage.Variants)
	case <-time.After(2 * time.Second):
		t.Fatal("expected batch.completed notification")
	}
}

func TestCompressWithoutImages(t *testing.T) {
	env := newTestEnv(t, 0)

	body, contentType := multipartBody(t, map[string]string{"quality_jpeg": "50"},
		upload{field: "avatar", name: "a.png", data: []byte("x")})
	rec := env.post(t, body, contentType)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.JSONEq(t, `{"error":"No images uploaded"}`, rec.Body.String())

	rec = env.post(t, bytes.NewBufferString(`{"images":[]}`), "application/json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.JSONEq(t, `{"error":"No images uploaded"}`, rec.Body.String())
}

func TestCompressMalformedBodyReleasesStagedInputs(t *testing.T) {
	env := newTestEnv(t, 0)

	body, contentType := multipartBody(t, nil, upload{field: "images", name: "a.png", data: testPNG(t, 4, 4)})
	truncated := bytes.NewBuffer(body.Bytes()[:body.Len()-10])
	truncated.WriteString("garbage")

	rec := env.post(t, truncated, contentType)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "error")
	env.assertStagingEmpty(t)
}

func TestCompressRejectsOversizedUpload(t *testing.T) {
	env := newTestEnv(t, 1024)

	body, contentType := multipartBody(t, nil, upload{field: "images", name: "big.png", data: bytes.Repeat([]byte("x"), 4096)})
	rec := env.post(t, body, contentType)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	env.assertStagingEmpty(t)
}

func TestUsageEndpoint(t *testing.T) {
	env := newTestEnv(t, 0)

	body, contentType := multipartBody(t, nil, upload{field: "images", name: "a.png", data: testPNG(t, 8, 8)})
	rec := env.post(t, body, contentType)
	require.Equal(t, http.StatusOK, rec.Code)
	batchID := rec.Header().Get("X-Batch-ID")

	rec = httptest.NewRecorder()
	env.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/batches/"+batchID+"/usage", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var usage map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &usage))
	assert.Equal(t, batchID, usage["batch_id"])
	assert.Equal(t, 1.0, usage["images"])
	assert.Equal(t, 64.0, usage["pixels_processed"])

	rec = httptest.NewRecorder()
	env.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/batches/unknown/usage", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAuditLogRecordsRequest(t *testing.T) {
	env := newTestEnv(t, 0)

	body, contentType := multipartBody(t, map[string]string{"crop": "1"},
		upload{field: "images", name: "a.png", data: testPNG(t, 4, 4)})
	rec := env.post(t, body, contentType)
	require.Equal(t, http.StatusOK, rec.Code)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(env.audit.Bytes()), &entry))
	assert.Equal(t, "POST", entry["method"])
	assert.Equal(t, "/compress", entry["url"])
	assert.NotEmpty(t, entry["time"])
	assert.Equal(t, map[string]any{"crop": "1"}, entry["body"])

	files := entry["files"].([]any)
	require.Len(t, files, 1)
	assert.Equal(t, "a.png", files[0].(map[string]any)["name"])
}

// auditSnapshotRunner captures the audit log as it stood when the batch started.
type auditSnapshotRunner struct {
	audit *bytes.Buffer
	seen  string
}

func (r *auditSnapshotRunner) Run(_ context.Context, _ string, inputs []domain.ImageInput, _ domain.TransformConfig) (domain.BatchResult, error) {
	r.seen = r.audit.String()
	for _, in := range inputs {
		_ = in.Source.Release()
	}
	return domain.BatchResult{domain.Succeeded("a.png", 1, nil)}, nil
}

func TestAuditLogWrittenBeforeBatchRuns(t *testing.T) {
	audit := &bytes.Buffer{}
	runner := &auditSnapshotRunner{audit: audit}
	s, err := NewServer(Deps{
		Logger: zerolog.Nop(),
		Runner: runner,
		Stager: staging.NewArea(t.TempDir()),
		Usage:  store.NewMemoryUsageStore(),
		Audit:  NewAuditLogger(audit),
	})
	require.NoError(t, err)

	body, contentType := multipartBody(t, map[string]string{"convert_to": "webp"},
		upload{field: "images", name: "a.png", data: testPNG(t, 4, 4)})
	req := httptest.NewRequest(http.MethodPost, "/compress", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	require.NotEmpty(t, runner.seen, "audit line must precede processing")
	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(runner.seen)), &entry))
	assert.Equal(t, rec.Header().Get("X-Batch-ID"), entry["batch_id"])
	assert.Equal(t, map[string]any{"convert_to": "webp"}, entry["body"])
	assert.Equal(t, runner.seen, audit.String(), "one line per request")
}

func TestAuditLogCoversOtherRoutes(t *testing.T) {
	env := newTestEnv(t, 0)
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(env.audit.Bytes()), &entry))
	assert.Equal(t, "GET", entry["method"])
	assert.Equal(t, "/healthz", entry["url"])
	assert.NotContains(t, entry, "batch_id")
}

func TestMetricsExposeBatchCounters(t *testing.T) {
	env := newTestEnv(t, 0)

	body, contentType := multipartBody(t, nil, upload{field: "images", name: "a.png", data: testPNG(t, 4, 4)})
	require.Equal(t, http.StatusOK, env.post(t, body, contentType).Code)

	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `pixelbatch_images_total{status="succeeded"} 1`)
	assert.Contains(t, rec.Body.String(), `pixelbatch_variants_total{format="png"} 1`)
	assert.Contains(t, rec.Body.String(), `pixelbatch_api_requests_total{method="POST",route="/compress",status="200"} 1`)
}

func TestRouteLabel(t *testing.T) {
	assert.Equal(t, "/compress", routeLabel("/compress"))
	assert.Equal(t, "/batches/{id}/usage", routeLabel("/batches/abc/usage"))
	assert.Equal(t, "other", routeLabel("/wp-admin"))
}

func TestNewServerRequiresDependencies(t *testing.T) {
	_, err := NewServer(Deps{})
	assert.Error(t, err)
}
