// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package metrics provides Prometheus instrumentation for l7proxy.
package metrics

import (
	"strconv"
	"time"

	"github.com/absmach/l7proxy/pkg/backend"
	"github.com/absmach/l7proxy/pkg/parser"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for l7proxy. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	// Exchange metrics
	ActiveExchanges  *prometheus.GaugeVec
	TotalExchanges   *prometheus.CounterVec
	ExchangeDuration *prometheus.HistogramVec
	Timeouts         *prometheus.CounterVec

	// Request metrics
	RequestsTotal  *prometheus.CounterVec
	ResponsesTotal *prometheus.CounterVec
	ErrorReplies   *prometheus.CounterVec
	BytesRelayed   *prometheus.CounterVec
	Upgrades       *prometheus.CounterVec

	// Backend metrics
	BackendConnections     *prometheus.GaugeVec
	BackendStatus          *prometheus.GaugeVec
	BackendConnectDuration *prometheus.HistogramVec
	BackendResponseTime    *prometheus.HistogramVec
	BackendErrors          *prometheus.CounterVec

	// TLS metrics
	TLSHandshakes *prometheus.CounterVec

	// Cache metrics
	CacheLookups *prometheus.CounterVec
}

// New registers every instrument with reg, or with the default registerer
// when reg is nil.
func New(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "l7proxy"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Metrics{
		ActiveExchanges: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_exchanges",
				Help:      "Number of live client exchanges",
			},
			[]string{"listener"},
		),
		TotalExchanges: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "exchanges_total",
				Help:      "Total number of accepted client connections",
			},
			[]string{"listener"},
		),
		ExchangeDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "exchange_duration_seconds",
				Help:      "Client connection lifetime in seconds",
				Buckets:   []float64{.01, .05, .1, .5, 1, 5, 10, 30, 60, 300, 600},
			},
			[]string{"listener"},
		),
		Timeouts: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "timeouts_total",
				Help:      "Exchange timers that fired",
			},
			[]string{"listener", "kind"},
		),
		RequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_total",
				Help:      "Total number of parsed client requests",
			},
			[]string{"listener", "service", "method"},
		),
		ResponsesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "responses_total",
				Help:      "Total number of backend responses relayed",
			},
			[]string{"listener", "service", "code"},
		),
		ErrorReplies: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "error_replies_total",
				Help:      "Error responses synthesized by the proxy",
			},
			[]string{"listener", "code"},
		),
		BytesRelayed: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "relayed_bytes_total",
				Help:      "Bytes relayed between clients and backends",
			},
			[]string{"listener", "direction"},
		),
		Upgrades: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "pinned_exchanges_total",
				Help:      "Exchanges switched to raw relay",
			},
			[]string{"listener", "protocol"},
		),
		BackendConnections: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "backend_connections",
				Help:      "Established connections per backend",
			},
			[]string{"service", "backend"},
		),
		BackendStatus: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "backend_up",
				Help:      "Backend availability (1=up, 0=down or disabled)",
			},
			[]string{"service", "backend"},
		),
		BackendConnectDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "backend_connect_duration_seconds",
				Help:      "Backend connect latency in seconds",
				Buckets:   []float64{.0005, .001, .005, .01, .05, .1, .5, 1, 5},
			},
			[]string{"service", "backend"},
		),
		BackendResponseTime: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "backend_response_seconds",
				Help:      "Time from request sent to response header received",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"service", "backend"},
		),
		BackendErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "backend_errors_total",
				Help:      "Backend failures by kind",
			},
			[]string{"service", "backend", "error_type"},
		),
		TLSHandshakes: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tls_handshakes_total",
				Help:      "TLS handshakes by side and outcome",
			},
			[]string{"listener", "side", "result"},
		),
		CacheLookups: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_lookups_total",
				Help:      "Response cache lookups by result",
			},
			[]string{"listener", "result"},
		),
	}
}

// ExchangeOpened counts an accepted client connection.
func (m *Metrics) ExchangeOpened(listener string) {
	if m == nil {
		return
	}
	m.TotalExchanges.WithLabelValues(listener).Inc()
	m.ActiveExchanges.WithLabelValues(listener).Inc()
}

// ExchangeClosed records the end of a client connection.
func (m *Metrics) ExchangeClosed(listener string, lifetime time.Duration) {
	if m == nil {
		return
	}
	m.ActiveExchanges.WithLabelValues(listener).Dec()
	m.ExchangeDuration.WithLabelValues(listener).Observe(lifetime.Seconds())
}

func (m *Metrics) Timeout(listener, kind string) {
	if m == nil {
		return
	}
	m.Timeouts.WithLabelValues(listener, kind).Inc()
}

func (m *Metrics) Request(listener, service, method string) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(listener, service, method).Inc()
}

func (m *Metrics) Response(listener, service string, code int) {
	if m == nil {
		return
	}
	m.ResponsesTotal.WithLabelValues(listener, service, strconv.Itoa(code)).Inc()
}

func (m *Metrics) ErrorReply(listener string, code int) {
	if m == nil {
		return
	}
	m.ErrorReplies.WithLabelValues(listener, strconv.Itoa(code)).Inc()
}

// Relayed adds n bytes moving in direction d.
func (m *Metrics) Relayed(listener string, d parser.Direction, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.BytesRelayed.WithLabelValues(listener, d.String()).Add(float64(n))
}

func (m *Metrics) Pinned(listener, protocol string) {
	if m == nil {
		return
	}
	m.Upgrades.WithLabelValues(listener, protocol).Inc()
}

func (m *Metrics) BackendConnected(b *backend.Backend, d time.Duration) {
	if m == nil {
		return
	}
	m.BackendConnectDuration.WithLabelValues(b.Service, b.Name).Observe(d.Seconds())
	m.BackendConnections.WithLabelValues(b.Service, b.Name).Inc()
}

func (m *Metrics) BackendReleased(b *backend.Backend) {
	if m == nil {
		return
	}
	m.BackendConnections.WithLabelValues(b.Service, b.Name).Dec()
}

func (m *Metrics) BackendResponded(b *backend.Backend, d time.Duration) {
	if m == nil {
		return
	}
	m.BackendResponseTime.WithLabelValues(b.Service, b.Name).Observe(d.Seconds())
}

func (m *Metrics) BackendError(b *backend.Backend, kind string) {
	if m == nil {
		return
	}
	m.BackendErrors.WithLabelValues(b.Service, b.Name, kind).Inc()
}

// ObserveBackends publishes the current status of each backend.
func (m *Metrics) ObserveBackends(bs []*backend.Backend) {
	if m == nil {
		return
	}
	for _, b := range bs {
		v := 0.0
		if b.Available() {
			v = 1
		}
		m.BackendStatus.WithLabelValues(b.Service, b.Name).Set(v)
	}
}

func (m *Metrics) Handshake(listener, side string, ok bool) {
	if m == nil {
		return
	}
	result := "success"
	if !ok {
		result = "error"
	}
	m.TLSHandshakes.WithLabelValues(listener, side, result).Inc()
}

// CacheLookup records a hit or miss.
func (m *Metrics) CacheLookup(listener string, hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.CacheLookups.WithLabelValues(listener, result).Inc()
}
