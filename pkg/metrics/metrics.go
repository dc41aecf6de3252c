// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package metrics provides Prometheus instrumentation for the driver layer.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the driver layer. Label
// "role" is server or client; "secure" is tls or plain.
type Metrics struct {
	// Connection metrics
	ActiveConnections  *prometheus.GaugeVec
	TotalConnections   *prometheus.CounterVec
	ConnectionErrors   *prometheus.CounterVec
	ConnectionDuration *prometheus.HistogramVec

	// TLS tunnel metrics
	HandshakeFailures *prometheus.CounterVec

	// Driver metrics
	BytesRead      *prometheus.CounterVec
	BytesWritten   *prometheus.CounterVec
	DriverFailures *prometheus.CounterVec

	// Accept-path metrics
	RateLimitedAccepts *prometheus.CounterVec

	// Resource metrics
	GoroutinesActive *prometheus.GaugeVec
	MemoryAllocated  *prometheus.GaugeVec
}

// New creates a new Metrics instance registered on the default registry.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "asynchttp"
	}

	return &Metrics{
		ActiveConnections: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_connections",
				Help:      "Number of currently active connections",
			},
			[]string{"role", "secure"},
		),
		TotalConnections: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "connections_total",
				Help:      "Total number of connections",
			},
			[]string{"role", "secure", "status"},
		),
		ConnectionErrors: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "connection_errors_total",
				Help:      "Total number of connection errors",
			},
			[]string{"role", "error_type"},
		),
		ConnectionDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "connection_duration_seconds",
				Help:      "Connection duration in seconds",
				Buckets:   []float64{.01, .05, .1, .5, 1, 5, 10, 30, 60, 300, 600},
			},
			[]string{"role", "secure"},
		),
		HandshakeFailures: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tls_handshake_failures_total",
				Help:      "Total number of failed TLS handshakes",
			},
			[]string{"role"},
		),
		BytesRead: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "bytes_read_total",
				Help:      "Total bytes read from transports",
			},
			[]string{"role"},
		),
		BytesWritten: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "bytes_written_total",
				Help:      "Total bytes written to transports",
			},
			[]string{"role"},
		),
		DriverFailures: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "driver_failures_total",
				Help:      "Total driver loop failures caught at the connection boundary",
			},
			[]string{"role", "loop"},
		),
		RateLimitedAccepts: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rate_limited_accepts_total",
				Help:      "Total connections rejected by the accept rate limiter",
			},
			[]string{"scope"},
		),
		GoroutinesActive: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "goroutines_active",
				Help:      "Number of active goroutines",
			},
			[]string{"component"},
		),
		MemoryAllocated: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "memory_allocated_bytes",
				Help:      "Memory allocated in bytes",
			},
			[]string{"type"},
		),
	}
}

// ObserveConnection records the outcome of one finished connection.
func (m *Metrics) ObserveConnection(role, secure, status string, start time.Time) {
	m.TotalConnections.WithLabelValues(role, secure, status).Inc()
	m.ConnectionDuration.WithLabelValues(role, secure).Observe(time.Since(start).Seconds())
}
