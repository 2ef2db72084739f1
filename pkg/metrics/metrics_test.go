package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func newTestMetrics() *NetworkMetrics {
	return NewNetworkMetrics(prometheus.NewRegistry())
}

func TestCounters(t *testing.T) {
	m := newTestMetrics()

	m.IncConnectionAttempts()
	m.IncConnectionAttempts()
	m.IncFailedConnections()
	m.IncRateLimitViolations()
	m.IncSuspiciousActivity()
	m.IncSuspiciousActivity()
	m.IncSuspiciousActivity()

	snap := m.Get()
	assert.Equal(t, int64(2), snap.ConnectionAttempts)
	assert.Equal(t, int64(1), snap.FailedConnections)
	assert.Equal(t, int64(1), snap.RateLimitViolations)
	assert.Equal(t, int64(3), snap.SuspiciousActivity)
}

func TestReset_ClearsSnapshotNotPrometheus(t *testing.T) {
	m := newTestMetrics()

	m.IncConnectionAttempts()
	m.Reset()

	snap := m.Get()
	assert.Equal(t, int64(0), snap.ConnectionAttempts)

	// The Prometheus counter stays monotonic across resets.
	assert.Equal(t, float64(1), testutil.ToFloat64(m.promConnectionAttempts))
}

func TestObserveEnvelope(t *testing.T) {
	m := newTestMetrics()

	m.ObserveEnvelope("inbound", "offer")
	m.ObserveEnvelope("inbound", "offer")
	m.ObserveEnvelope("outbound", "answer")

	assert.Equal(t, float64(2), testutil.ToFloat64(m.promEnvelopesTotal.WithLabelValues("inbound", "offer")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.promEnvelopesTotal.WithLabelValues("outbound", "answer")))
}

func TestSetPeersConnected(t *testing.T) {
	m := newTestMetrics()

	m.SetPeersConnected(3)
	assert.Equal(t, float64(3), testutil.ToFloat64(m.promPeersConnected))

	m.SetPeersConnected(0)
	assert.Equal(t, float64(0), testutil.ToFloat64(m.promPeersConnected))
}
