// Package metrics holds the Prometheus collectors exported by the bridge.
//
// A nil *Metrics is valid and records nothing, so libraries can take one optionally.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "protocol_bridge"

// Metrics groups every collector the bridge reports.
type Metrics struct {
	CallsTotal        *prometheus.CounterVec
	CallDuration      *prometheus.HistogramVec
	BackendRequests   *prometheus.CounterVec
	BackendDuration   *prometheus.HistogramVec
	BackendConnected  prometheus.Gauge
	BackendReconnects *prometheus.CounterVec
	RegistryTopics    prometheus.Gauge
	RateLimited       prometheus.Counter
}

// New creates the collectors and registers them with reg. Pass a fresh
// prometheus.NewRegistry() in tests to avoid duplicate registration.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		CallsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "xmlrpc",
				Name:      "calls_total",
				Help:      "Inbound XML-RPC calls by method and outcome (success, failure, fault)",
			},
			[]string{"method", "outcome"},
		),
		CallDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "xmlrpc",
				Name:      "call_duration_seconds",
				Help:      "Inbound XML-RPC call latency",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method"},
		),
		BackendRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "backend",
				Name:      "requests_total",
				Help:      "Requests sent to the backend master by method and result",
			},
			[]string{"method", "result"},
		),
		BackendDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "backend",
				Name:      "request_duration_seconds",
				Help:      "Backend latency including the wait for the connection",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method"},
		),
		BackendConnected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "backend",
				Name:      "connected",
				Help:      "1 while the backend connection is up",
			},
		),
		BackendReconnects: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "backend",
				Name:      "reconnects_total",
				Help:      "Reconnect cycles by result (success, exhausted, closed)",
			},
			[]string{"result"},
		),
		RegistryTopics: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "registry",
				Name:      "topics",
				Help:      "Topics currently mirrored in the registry",
			},
		),
		RateLimited: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "xmlrpc",
				Name:      "rate_limited_total",
				Help:      "Inbound calls rejected by the rate limiter",
			},
		),
	}
	if reg != nil {
		reg.MustRegister(
			m.CallsTotal,
			m.CallDuration,
			m.BackendRequests,
			m.BackendDuration,
			m.BackendConnected,
			m.BackendReconnects,
			m.RegistryTopics,
			m.RateLimited,
		)
	}
	return m
}

func (m *Metrics) RecordCall(method, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.CallsTotal.WithLabelValues(method, outcome).Inc()
	m.CallDuration.WithLabelValues(method).Observe(d.Seconds())
}

func (m *Metrics) RecordBackend(method, result string, d time.Duration) {
	if m == nil {
		return
	}
	m.BackendRequests.WithLabelValues(method, result).Inc()
	m.BackendDuration.WithLabelValues(method).Observe(d.Seconds())
}

func (m *Metrics) SetBackendConnected(up bool) {
	if m == nil {
		return
	}
	if up {
		m.BackendConnected.Set(1)
	} else {
		m.BackendConnected.Set(0)
	}
}

func (m *Metrics) RecordReconnect(result string) {
	if m == nil {
		return
	}
	m.BackendReconnects.WithLabelValues(result).Inc()
}

func (m *Metrics) SetTopics(n int) {
	if m == nil {
		return
	}
	m.RegistryTopics.Set(float64(n))
}

func (m *Metrics) RecordRateLimited() {
	if m == nil {
		return
	}
	m.RateLimited.Inc()
}
