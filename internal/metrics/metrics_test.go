// ABOUTME: Tests for gateway Prometheus metrics
// ABOUTME: Checks counters move and that a nil *Metrics is a safe no-op

package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics_Counters(t *testing.T) {
	m := New()

	m.ConnectionOpened()
	m.ConnectionOpened()
	m.ConnectionClosed()
	m.Handshake(HandshakeAccepted)
	m.Handshake(HandshakeRejected)
	m.Handshake(HandshakeRejected)
	m.Superseded()
	m.FrameSent("ACTIVE")
	m.EngineFailed()
	m.BroadcastFailed()
	m.ExchangeFinished(120 * time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.ActiveConnections))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Handshakes.WithLabelValues(HandshakeAccepted)))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Handshakes.WithLabelValues(HandshakeRejected)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Supersessions))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FramesSent.WithLabelValues("ACTIVE")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EngineFailures))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BroadcastFailures))
	assert.Equal(t, 1, testutil.CollectAndCount(m.ExchangeDuration))
}

func TestMetrics_Handler(t *testing.T) {
	m := New()
	m.ConnectionOpened()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, "jarvis_gateway_connections_active 1"), "exposition should include the gauge")
	assert.True(t, strings.Contains(body, "go_goroutines"), "exposition should include runtime metrics")
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics

	m.ConnectionOpened()
	m.ConnectionClosed()
	m.Handshake(HandshakeAccepted)
	m.Superseded()
	m.FrameSent("ERROR")
	m.EngineFailed()
	m.BroadcastFailed()
	m.ExchangeFinished(time.Second)

	assert.Nil(t, m.Registry())

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
