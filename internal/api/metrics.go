package api

import (
	"fmt"
	"net/http"
	"sync"

	"github.com/openelectorate/pollstation/internal/failover"
	"github.com/openelectorate/pollstation/internal/health"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the engine
type Metrics struct {
	RequestCounter   *prometheus.CounterVec
	LatencyHistogram *prometheus.HistogramVec
	ProbeCounter     *prometheus.CounterVec
	FailoverCounter  *prometheus.CounterVec
	ApplyCounter     *prometheus.CounterVec
	HealthScore      prometheus.Gauge
	registry         *prometheus.Registry
}

var (
	metricsInstance *Metrics
	metricsOnce     sync.Once
)

// NewMetrics creates and registers all metrics (singleton pattern for tests)
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		registry := prometheus.NewRegistry()

		m := &Metrics{
			RequestCounter: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "pollstation_requests_total",
					Help: "Total number of HTTP requests",
				},
				[]string{"method", "path", "status"},
			),
			LatencyHistogram: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "pollstation_request_duration_seconds",
					Help:    "HTTP request latency in seconds",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"method", "path"},
			),
			ProbeCounter: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "pollstation_probes_total",
					Help: "Total number of store connectivity probes",
				},
				[]string{"target", "outcome"},
			),
			FailoverCounter: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "pollstation_failovers_total",
					Help: "Total number of mode transitions",
				},
				[]string{"from", "to", "trigger"},
			),
			ApplyCounter: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "pollstation_suggestion_applies_total",
					Help: "Total number of suggestion apply attempts",
				},
				[]string{"kind", "outcome"},
			),
			HealthScore: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "pollstation_health_score",
					Help: "System health score 0-100",
				},
			),
			registry: registry,
		}

		registry.MustRegister(m.RequestCounter)
		registry.MustRegister(m.LatencyHistogram)
		registry.MustRegister(m.ProbeCounter)
		registry.MustRegister(m.FailoverCounter)
		registry.MustRegister(m.ApplyCounter)
		registry.MustRegister(m.HealthScore)

		metricsInstance = m
	})

	return metricsInstance
}

// IncrementRequest increments the request counter
func (m *Metrics) IncrementRequest(method, path string, status int) {
	m.RequestCounter.WithLabelValues(method, path, fmt.Sprintf("%d", status)).Inc()
}

// RecordLatency records request latency
func (m *Metrics) RecordLatency(method, path string, seconds float64) {
	m.LatencyHistogram.WithLabelValues(method, path).Observe(seconds)
}

// RecordProbe counts one probe outcome
func (m *Metrics) RecordProbe(r health.ProbeResult) {
	outcome := "success"
	if !r.Healthy {
		outcome = "failure"
	}
	m.ProbeCounter.WithLabelValues(r.Target, outcome).Inc()
}

// RecordFailover counts one mode transition
func (m *Metrics) RecordFailover(e failover.Event) {
	m.FailoverCounter.WithLabelValues(e.FromMode, e.ToMode, e.Trigger).Inc()
}

// RecordApply counts one apply attempt
func (m *Metrics) RecordApply(kind, outcome string) {
	m.ApplyCounter.WithLabelValues(kind, outcome).Inc()
}

// Handler serves the custom registry
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
