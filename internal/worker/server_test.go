package worker

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dunamismax/pixelbatch/internal/queue"
)

type fakePurger struct {
	removed   int
	err       error
	olderThan time.Duration
	calls     int
}

func (p *fakePurger) Purge(_ context.Context, olderThan time.Duration) (int, error) {
	p.calls++
	p.olderThan = olderThan
	return p.removed, p.err
}

func purgeTask(t *testing.T, target string, olderThan time.Duration) *asynq.Task {
	t.Helper()
	task, err := queue.NewPurgeTask(queue.NewPurgePayload(target, olderThan))
	require.NoError(t, err)
	return task
}

func TestHandlePurgeDispatchesToTarget(t *testing.T) {
	artifacts := &fakePurger{removed: 3}
	staging := &fakePurger{}
	h := newHandler(zerolog.Nop(), map[string]Purger{
		queue.TargetArtifacts: artifacts,
		queue.TargetStaging:   staging,
	})

	require.NoError(t, h.handlePurge(context.Background(), purgeTask(t, queue.TargetArtifacts, 2*time.Hour)))

	assert.Equal(t, 1, artifacts.calls)
	assert.Equal(t, 2*time.Hour, artifacts.olderThan)
	assert.Zero(t, staging.calls)
	assert.Equal(t, 3.0, testutil.ToFloat64(h.metrics.removedTotal.WithLabelValues(queue.TargetArtifacts)))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.purgesTotal.WithLabelValues(queue.TargetArtifacts, "succeeded")))
}

func TestHandlePurgeWithoutPurgerIsSkipped(t *testing.T) {
	h := newHandler(zerolog.Nop(), map[string]Purger{})

	require.NoError(t, h.handlePurge(context.Background(), purgeTask(t, queue.TargetArtifacts, time.Hour)))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.purgesTotal.WithLabelValues(queue.TargetArtifacts, "skipped")))
}

func TestHandlePurgeReportsFailures(t *testing.T) {
	h := newHandler(zerolog.Nop(), map[string]Purger{
		queue.TargetStaging: &fakePurger{removed: 1, err: errors.New("permission denied")},
	})

	err := h.handlePurge(context.Background(), purgeTask(t, queue.TargetStaging, time.Hour))
	assert.ErrorContains(t, err, "purge staging")
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.removedTotal.WithLabelValues(queue.TargetStaging)))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.purgesTotal.WithLabelValues(queue.TargetStaging, "failed")))
}

func TestHandlePurgeSkipsRetryOnBadPayload(t *testing.T) {
	h := newHandler(zerolog.Nop(), nil)

	err := h.handlePurge(context.Background(), asynq.NewTask(queue.TypePurge, []byte(`{"target":"nope","older_than_seconds":5}`)))
	assert.ErrorIs(t, err, asynq.SkipRetry)
}

func TestMetricsHandlerServesRegistry(t *testing.T) {
	h := newHandler(zerolog.Nop(), nil)
	h.metrics.purgesTotal.WithLabelValues(queue.TargetStaging, "succeeded").Inc()

	rec := httptest.NewRecorder()
	h.metrics.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "pixelbatch_janitor_purges_total")
}
