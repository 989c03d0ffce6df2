package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dunamismax/pixelbatch/internal/domain"
)

type metrics struct {
	registry        *prometheus.Registry
	requestTotal    *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	imagesTotal     *prometheus.CounterVec
	variantsTotal   *prometheus.CounterVec
	bytesSavedTotal prometheus.Counter
	batchImages     prometheus.Histogram
}

func newMetrics() *metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &metrics{
		registry: registry,
		requestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pixelbatch_api_requests_total",
			Help: "Total HTTP requests handled by the API.",
		}, []string{"method", "route", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pixelbatch_api_request_duration_seconds",
			Help:    "API request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
		imagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pixelbatch_images_total",
			Help: "Total images processed by outcome.",
		}, []string{"status"}),
		variantsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pixelbatch_variants_total",
			Help: "Total output variants produced by format.",
		}, []string{"format"}),
		bytesSavedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pixelbatch_bytes_saved_total",
			Help: "Total bytes saved across successful images.",
		}),
		batchImages: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pixelbatch_batch_images",
			Help:    "Number of images per batch.",
			Buckets: []float64{1, 2, 5, 10, 20, 50, 100},
		}),
	}
	registry.MustRegister(
		m.requestTotal,
		m.requestDuration,
		m.imagesTotal,
		m.variantsTotal,
		m.bytesSavedTotal,
		m.batchImages,
	)
	return m
}

func (m *metrics) metricsHandler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *metrics) observeBatch(result domain.BatchResult, usage domain.UsageLog) {
	m.batchImages.Observe(float64(len(result)))
	for _, r := range result {
		if r.Failed() {
			m.imagesTotal.WithLabelValues("failed").Inc()
			continue
		}
		m.imagesTotal.WithLabelValues("succeeded").Inc()
		for _, out := range r.Outputs {
			m.variantsTotal.WithLabelValues(out.Format).Inc()
		}
	}
	m.bytesSavedTotal.Add(float64(usage.BytesSaved))
}

func (m *metrics) withHTTPMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)

		route := routeLabel(r.URL.Path)
		status := strconv.Itoa(recorder.status)

		m.requestTotal.WithLabelValues(r.Method, route, status).Inc()
		m.requestDuration.WithLabelValues(r.Method, route, status).Observe(time.Since(start).Seconds())
	})
}

func routeLabel(path string) string {
	switch {
	case path == "/compress":
		return "/compress"
	case path == "/healthz":
		return "/healthz"
	case path == "/metrics":
		return "/metrics"
	case strings.HasPrefix(path, "/batches/"):
		return "/batches/{id}/usage"
	default:
		return "other"
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(statusCode int) {
	r.status = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}
