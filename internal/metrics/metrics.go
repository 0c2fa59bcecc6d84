// ABOUTME: Prometheus instrumentation for sessions, relayed frames and inference calls
// ABOUTME: All methods are nil-safe so components run uninstrumented in tests

package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "jarvis_gateway"

// Handshake results
const (
	HandshakeAccepted    = "accepted"
	HandshakeRejected    = "rejected"
	HandshakeUnavailable = "unavailable"
)

// Metrics holds every collector the gateway exports.
type Metrics struct {
	registry *prometheus.Registry

	ActiveConnections prometheus.Gauge
	Handshakes        *prometheus.CounterVec
	Supersessions     prometheus.Counter
	FramesSent        *prometheus.CounterVec
	EngineFailures    prometheus.Counter
	BroadcastFailures prometheus.Counter
	ExchangeDuration  prometheus.Histogram
}

// New creates a Metrics registered on a fresh registry that also carries the
// Go runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,

		ActiveConnections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Number of registered realtime connections",
		}),
		Handshakes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshakes_total",
			Help:      "Total number of websocket handshakes by result",
		}, []string{"result"}),
		Supersessions: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "supersessions_total",
			Help:      "Connections closed because the same user connected again",
		}),
		FramesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_sent_total",
			Help:      "Reply frames written to clients by state",
		}, []string{"state"}),
		EngineFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "engine_failures_total",
			Help:      "Inference calls that ended in an error",
		}),
		BroadcastFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcast_failures_total",
			Help:      "Presence notifications that could not be delivered",
		}),
		ExchangeDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "exchange_duration_seconds",
			Help:      "Time from inbound message to terminal reply",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ConnectionOpened records a newly registered connection.
func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.ActiveConnections.Inc()
}

// ConnectionClosed records a connection leaving the registry.
func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.ActiveConnections.Dec()
}

// Handshake records the result of one handshake.
func (m *Metrics) Handshake(result string) {
	if m == nil {
		return
	}
	m.Handshakes.WithLabelValues(result).Inc()
}

// Superseded records an evicted connection.
func (m *Metrics) Superseded() {
	if m == nil {
		return
	}
	m.Supersessions.Inc()
}

// FrameSent records one reply frame.
func (m *Metrics) FrameSent(state string) {
	if m == nil {
		return
	}
	m.FramesSent.WithLabelValues(state).Inc()
}

// EngineFailed records a failed inference call.
func (m *Metrics) EngineFailed() {
	if m == nil {
		return
	}
	m.EngineFailures.Inc()
}

// BroadcastFailed records an undelivered presence notification.
func (m *Metrics) BroadcastFailed() {
	if m == nil {
		return
	}
	m.BroadcastFailures.Inc()
}

// ExchangeFinished records the duration of one exchange.
func (m *Metrics) ExchangeFinished(d time.Duration) {
	if m == nil {
		return
	}
	m.ExchangeDuration.Observe(d.Seconds())
}
