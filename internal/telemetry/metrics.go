// Package telemetry exposes benchmark progress as Prometheus metrics. Each
// Metrics value owns a private registry so the CLI and tests never share
// global state.
package telemetry

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "inferbench"

// Metrics holds every collector.
type Metrics struct {
	registry *prometheus.Registry

	// CallLatency tracks total latency of successful measured calls
	CallLatency *prometheus.HistogramVec

	// TTFT tracks time to first token of successful measured calls
	TTFT *prometheus.HistogramVec

	// Samples counts measured iterations by outcome
	Samples *prometheus.CounterVec

	// Attempts counts individual inference attempts, warm-ups included.
	// kind is the failure kind, or "success".
	Attempts *prometheus.CounterVec

	Cost         *prometheus.CounterVec
	BackendState *prometheus.GaugeVec
	Runs         *prometheus.CounterVec

	// HTTP request metrics for the API server
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPRequestsTotal   *prometheus.CounterVec
}

// New registers all collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		CallLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "call_latency_seconds",
				Help:      "Total latency of successful benchmark calls by backend",
				Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12), // 50ms to ~100s
			},
			[]string{"backend"},
		),
		TTFT: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "ttft_seconds",
				Help:      "Time to first token of successful benchmark calls by backend",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
			},
			[]string{"backend"},
		),
		Samples: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "samples_total",
				Help:      "Measured iterations by backend and outcome",
			},
			[]string{"backend", "outcome"},
		),
		Attempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "attempts_total",
				Help:      "Inference attempts by backend and result kind",
			},
			[]string{"backend", "kind"},
		),
		Cost: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cost_usd_total",
				Help:      "Cost of successful measured calls in USD by backend",
			},
			[]string{"backend"},
		),
		BackendState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "backend_state",
				Help:      "1 for the current lifecycle state of each backend, 0 otherwise",
			},
			[]string{"backend", "state"},
		),
		Runs: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_total",
				Help:      "Finished benchmark runs by status",
			},
			[]string{"status"},
		),
		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "Duration of HTTP requests by method, path, and status",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests by method, path, and status",
			},
			[]string{"method", "path", "status"},
		),
	}
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// WriteTextfile writes the current values to path in the text format read by
// the node_exporter textfile collector.
func (m *Metrics) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("error writing metrics file: %w", err)
	}
	return nil
}

// RecordHTTPRequest records a served API request.
func (m *Metrics) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	m.HTTPRequestDuration.WithLabelValues(method, path, status).Observe(duration.Seconds())
	m.HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
}
