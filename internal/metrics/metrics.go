// SPDX-License-Identifier: MPL-2.0

// Package metrics exports Prometheus counters and histograms for
// resolutions, image builds and executions. A nil *Metrics is valid and
// records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "relic"

// Metrics holds every relic collector on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	ExecutionsTotal   *prometheus.CounterVec
	ExecutionDuration *prometheus.HistogramVec
	ExecutionsRunning prometheus.Gauge

	BuildsTotal   *prometheus.CounterVec
	BuildDuration prometheus.Histogram

	ResolutionsTotal *prometheus.CounterVec
	KnowledgeReloads *prometheus.CounterVec

	HistoryWriteErrors prometheus.Counter
}

// New registers all collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		ExecutionsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "executions_total",
				Help:      "Executions finished, by final status",
			},
			[]string{"status"},
		),
		ExecutionDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "execution_duration_seconds",
				Help:      "Wall time from start to terminal state",
				Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800, 3600},
			},
			[]string{"status"},
		),
		ExecutionsRunning: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "executions_running",
				Help:      "Executions not yet in a terminal state",
			},
		),
		BuildsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "image_builds_total",
				Help:      "Environment image requests, by cache result (hit, built, failed)",
			},
			[]string{"result"},
		),
		BuildDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "image_build_duration_seconds",
				Help:      "Time spent building environment images",
				Buckets:   []float64{5, 15, 30, 60, 120, 300, 600, 1200},
			},
		),
		ResolutionsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "library_resolutions_total",
				Help:      "Resolved libraries, by source and status",
			},
			[]string{"source", "status"},
		),
		KnowledgeReloads: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "knowledge_reloads_total",
				Help:      "Knowledge base reloads, by outcome",
			},
			[]string{"outcome"},
		),
		HistoryWriteErrors: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "history_write_errors_total",
				Help:      "Audit records or snapshots that could not be persisted",
			},
		),
	}
}

// ExecutionStarted marks an execution as running.
func (m *Metrics) ExecutionStarted() {
	if m == nil {
		return
	}
	m.ExecutionsRunning.Inc()
}

// ExecutionFinished records a terminal status and the elapsed time.
func (m *Metrics) ExecutionFinished(status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.ExecutionsRunning.Dec()
	m.ExecutionsTotal.WithLabelValues(status).Inc()
	m.ExecutionDuration.WithLabelValues(status).Observe(elapsed.Seconds())
}

// BuildCacheHit records an image that already existed.
func (m *Metrics) BuildCacheHit() {
	if m == nil {
		return
	}
	m.BuildsTotal.WithLabelValues("hit").Inc()
}

// BuildFinished records a build attempt.
func (m *Metrics) BuildFinished(elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	result := "built"
	if err != nil {
		result = "failed"
	}
	m.BuildsTotal.WithLabelValues(result).Inc()
	m.BuildDuration.Observe(elapsed.Seconds())
}

// Resolution records one resolved library.
func (m *Metrics) Resolution(source, status string) {
	if m == nil {
		return
	}
	if source == "" {
		source = "none"
	}
	m.ResolutionsTotal.WithLabelValues(source, status).Inc()
}

// KnowledgeReload records a knowledge base reload.
func (m *Metrics) KnowledgeReload(err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.KnowledgeReloads.WithLabelValues(outcome).Inc()
}

// HistoryWriteFailed counts a failed history write.
func (m *Metrics) HistoryWriteFailed() {
	if m == nil {
		return
	}
	m.HistoryWriteErrors.Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// WriteTextfile writes the current values to path for the node exporter
// textfile collector. CLI runs use it since they exit before any scrape.
func (m *Metrics) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, m.registry)
}
