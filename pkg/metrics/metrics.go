// Package metrics tracks connection and security counters for a session.
// Counters accumulate monotonically and reset only on explicit Reset; the
// readable snapshot drives throttling decisions while the Prometheus side
// feeds the diagnostics endpoint.
package metrics

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// NetworkMetrics holds the session's network and security counters
type NetworkMetrics struct {
	connectionAttempts  atomic.Int64
	failedConnections   atomic.Int64
	rateLimitViolations atomic.Int64
	suspiciousActivity  atomic.Int64

	promConnectionAttempts  prometheus.Counter
	promFailedConnections   prometheus.Counter
	promRateLimitViolations prometheus.Counter
	promSuspiciousActivity  prometheus.Counter
	promEnvelopesTotal      *prometheus.CounterVec
	promPeersConnected      prometheus.Gauge
}

// Snapshot is a point-in-time copy of the counters
type Snapshot struct {
	ConnectionAttempts  int64 `json:"connection_attempts"`
	FailedConnections   int64 `json:"failed_connections"`
	RateLimitViolations int64 `json:"rate_limit_violations"`
	SuspiciousActivity  int64 `json:"suspicious_activity"`
}

// NewNetworkMetrics creates and registers session metrics.
// A nil registerer falls back to the default Prometheus registry.
func NewNetworkMetrics(reg prometheus.Registerer) *NetworkMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &NetworkMetrics{
		promConnectionAttempts: factory.NewCounter(prometheus.CounterOpts{
			Name: "session_connection_attempts_total",
			Help: "Total number of signaling connection attempts",
		}),
		promFailedConnections: factory.NewCounter(prometheus.CounterOpts{
			Name: "session_failed_connections_total",
			Help: "Total number of failed signaling connection attempts",
		}),
		promRateLimitViolations: factory.NewCounter(prometheus.CounterOpts{
			Name: "session_rate_limit_violations_total",
			Help: "Total number of envelopes dropped for exceeding the per-sender rate limit",
		}),
		promSuspiciousActivity: factory.NewCounter(prometheus.CounterOpts{
			Name: "session_suspicious_activity_total",
			Help: "Total number of envelopes rejected by the security validator",
		}),
		promEnvelopesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "session_envelopes_total",
			Help: "Total number of signaling envelopes processed",
		}, []string{"direction", "type"}),
		promPeersConnected: factory.NewGauge(prometheus.GaugeOpts{
			Name: "session_peers_connected",
			Help: "Number of currently connected remote peers",
		}),
	}
}

// IncConnectionAttempts records a signaling connection attempt
func (m *NetworkMetrics) IncConnectionAttempts() {
	m.connectionAttempts.Add(1)
	m.promConnectionAttempts.Inc()
}

// IncFailedConnections records a failed signaling connection attempt
func (m *NetworkMetrics) IncFailedConnections() {
	m.failedConnections.Add(1)
	m.promFailedConnections.Inc()
}

// IncRateLimitViolations records an envelope dropped by the rate limiter
func (m *NetworkMetrics) IncRateLimitViolations() {
	m.rateLimitViolations.Add(1)
	m.promRateLimitViolations.Inc()
}

// IncSuspiciousActivity records an envelope rejected by validation
func (m *NetworkMetrics) IncSuspiciousActivity() {
	m.suspiciousActivity.Add(1)
	m.promSuspiciousActivity.Inc()
}

// ObserveEnvelope records a processed envelope by direction and type
func (m *NetworkMetrics) ObserveEnvelope(direction, envelopeType string) {
	m.promEnvelopesTotal.WithLabelValues(direction, envelopeType).Inc()
}

// SetPeersConnected records the current connected peer count
func (m *NetworkMetrics) SetPeersConnected(n int) {
	m.promPeersConnected.Set(float64(n))
}

// Get returns a point-in-time snapshot of the counters
func (m *NetworkMetrics) Get() Snapshot {
	return Snapshot{
		ConnectionAttempts:  m.connectionAttempts.Load(),
		FailedConnections:   m.failedConnections.Load(),
		RateLimitViolations: m.rateLimitViolations.Load(),
		SuspiciousActivity:  m.suspiciousActivity.Load(),
	}
}

// Reset clears the readable counters. The Prometheus counters stay
// monotonic; only the throttling snapshot is reset.
func (m *NetworkMetrics) Reset() {
	m.connectionAttempts.Store(0)
	m.failedConnections.Store(0)
	m.rateLimitViolations.Store(0)
	m.suspiciousActivity.Store(0)
}
