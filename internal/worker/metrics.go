package worker

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type metrics struct {
	registry      *prometheus.Registry
	purgesTotal   *prometheus.CounterVec
	purgeDuration *prometheus.HistogramVec
	removedTotal  *prometheus.CounterVec
}

func newMetrics() *metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &metrics{
		registry: registry,
		purgesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pixelbatch_janitor_purges_total",
			Help: "Total purge runs by target and outcome.",
		}, []string{"target", "status"}),
		purgeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pixelbatch_janitor_purge_duration_seconds",
			Help:    "Duration of each purge run.",
			Buckets: prometheus.DefBuckets,
		}, []string{"target", "status"}),
		removedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pixelbatch_janitor_removed_total",
			Help: "Total files or objects removed by purges.",
		}, []string{"target"}),
	}

	registry.MustRegister(
		m.purgesTotal,
		m.purgeDuration,
		m.removedTotal,
	)
	return m
}

func (m *metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
