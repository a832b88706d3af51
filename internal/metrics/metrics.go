// Package metrics exposes gateway metrics in the Prometheus format.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ad_sso_gateway"

var _ Recorder = (*Metrics)(nil)

// Metrics holds the Prometheus collectors of the gateway.
type Metrics struct {
	registry *prometheus.Registry

	AuthAttemptsTotal   *prometheus.CounterVec
	AuthDuration        *prometheus.HistogramVec
	LookupsTotal        *prometheus.CounterVec
	LookupDuration      *prometheus.HistogramVec
	DirectoryOpsTotal   *prometheus.CounterVec
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// Init returns Prometheus-backed metrics when enabled and NoopMetrics
// otherwise.
func Init(enabled bool) Recorder {
	if !enabled {
		return NewNoopMetrics()
	}
	return New()
}

// New creates Metrics on a private registry that also carries the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,

		AuthAttemptsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "auth_attempts_total",
				Help:      "Total number of authentication attempts",
			},
			[]string{"outcome"}, // authenticated, invalid_input, invalid_credentials, directory_unavailable
		),
		AuthDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "auth_duration_seconds",
				Help:      "Time taken to authenticate a credential",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"outcome"},
		),
		LookupsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "user_lookups_total",
				Help:      "Total number of user lookups",
			},
			[]string{"outcome"}, // found, not_found, invalid_input, directory_unavailable
		),
		LookupDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "user_lookup_duration_seconds",
				Help:      "Time taken to look up a user",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"outcome"},
		),
		DirectoryOpsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "directory_operations_total",
				Help:      "Total number of directory round trips",
			},
			[]string{"operation", "result"},
		),
		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request latency",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
	}
}

// Registry is the registry the collectors are registered with.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// MustRegister adds further collectors, such as a PoolCollector.
func (m *Metrics) MustRegister(cs ...prometheus.Collector) {
	m.registry.MustRegister(cs...)
}

func (m *Metrics) RecordAuth(outcome string, duration time.Duration) {
	m.AuthAttemptsTotal.WithLabelValues(outcome).Inc()
	m.AuthDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

func (m *Metrics) RecordLookup(outcome string, duration time.Duration) {
	m.LookupsTotal.WithLabelValues(outcome).Inc()
	m.LookupDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

func (m *Metrics) RecordDirectoryOp(op, result string) {
	m.DirectoryOpsTotal.WithLabelValues(op, result).Inc()
}

func (m *Metrics) RecordHTTPRequest(method, route string, status int, duration time.Duration) {
	if route == "" {
		route = "unknown"
	}
	m.HTTPRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}
