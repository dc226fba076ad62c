// Package metrics provides Prometheus collectors of the checker.
//
// All recording methods are safe to call on a nil *Metrics, which records
// nothing. This lets components run without metrics in tests and tools.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ispchecker"

// Metrics holds all Prometheus collectors registered on its own registry.
type Metrics struct {
	registry           *prometheus.Registry
	jobsTotal          *prometheus.CounterVec
	jobsRunning        prometheus.Gauge
	jobDuration        prometheus.Histogram
	probeFailures      *prometheus.CounterVec
	rateLimitDecisions *prometheus.CounterVec
	rateLimitBuckets   prometheus.Gauge
	httpRequests       *prometheus.CounterVec
	httpDuration       *prometheus.HistogramVec
}

// New creates and registers the collectors on a fresh registry, together
// with the process and Go runtime collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		jobsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "jobs_total",
				Help:      "Total number of diagnostic jobs by terminal status",
			},
			[]string{"status"},
		),
		jobsRunning: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "jobs_running",
				Help:      "Number of jobs currently holding an execution slot",
			},
		),
		jobDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "job_duration_seconds",
				Help:      "Duration of diagnostic job execution in seconds",
				Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
			},
		),
		probeFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "probe_failures_total",
				Help:      "Total number of probe executions converted to an error result, by kind",
			},
			[]string{"kind"},
		),
		rateLimitDecisions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ratelimit_decisions_total",
				Help:      "Total number of rate limiter decisions",
			},
			[]string{"decision"},
		),
		rateLimitBuckets: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "ratelimit_buckets",
				Help:      "Number of tracked rate limit buckets",
			},
		),
		httpRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		httpDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
			},
			[]string{"method", "route"},
		),
	}
}

// Registry returns the underlying registry, mostly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) JobStarted() {
	if m == nil {
		return
	}
	m.jobsRunning.Inc()
}

func (m *Metrics) JobStopped(d time.Duration) {
	if m == nil {
		return
	}
	m.jobsRunning.Dec()
	m.jobDuration.Observe(d.Seconds())
}

func (m *Metrics) JobFinished(status string) {
	if m == nil {
		return
	}
	m.jobsTotal.WithLabelValues(status).Inc()
}

func (m *Metrics) ProbeFailure(kind string) {
	if m == nil {
		return
	}
	m.probeFailures.WithLabelValues(kind).Inc()
}

func (m *Metrics) RateLimitDecision(allowed bool) {
	if m == nil {
		return
	}
	decision := "denied"
	if allowed {
		decision = "allowed"
	}
	m.rateLimitDecisions.WithLabelValues(decision).Inc()
}

func (m *Metrics) SetRateLimitBuckets(n int) {
	if m == nil {
		return
	}
	m.rateLimitBuckets.Set(float64(n))
}

func (m *Metrics) RecordHTTPRequest(method, route string, statusCode int, d time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(statusCode)).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(d.Seconds())
}
