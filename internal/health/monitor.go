// Package health supervises signaling transport liveness and drives
// bounded exponential-backoff reconnection.
package health

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"mentorlink-rtc/internal/signaling"
	"mentorlink-rtc/pkg/config"
	"mentorlink-rtc/pkg/errors"
	"mentorlink-rtc/pkg/logger"
)

// Probe is the slice of the transport the monitor needs
type Probe interface {
	Connected() bool
	Ping(ctx context.Context) error
}

// ReconnectFunc re-establishes the signaling connection and re-runs the
// join protocol. Rejoin is idempotent, so a racing manual rejoin is safe.
type ReconnectFunc func(ctx context.Context) error

// ExhaustedFunc receives the terminal failure once the attempt budget is
// spent
type ExhaustedFunc func(err *errors.AppError)

// Monitor probes the transport on a fixed interval and runs the bounded
// reconnection loop after a non-server-initiated disconnect
type Monitor struct {
	probe     Probe
	cfg       config.ReconnectConfig
	reconnect ReconnectFunc
	exhausted ExhaustedFunc

	mu         sync.Mutex
	ctx        context.Context
	cancel     context.CancelFunc
	recovering atomic.Bool
	unhealthy  atomic.Bool

	// sleep is swappable for tests
	sleep func(ctx context.Context, d time.Duration) bool
}

// NewMonitor creates a health monitor. Start must be called to begin
// probing.
func NewMonitor(probe Probe, cfg config.ReconnectConfig, reconnect ReconnectFunc, exhausted ExhaustedFunc) *Monitor {
	return &Monitor{
		probe:     probe,
		cfg:       cfg,
		reconnect: reconnect,
		exhausted: exhausted,
		sleep:     sleepCtx,
	}
}

// Start launches the periodic liveness probe. Stop cancels it.
func (m *Monitor) Start() {
	m.mu.Lock()
	if m.cancel != nil {
		m.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.ctx = ctx
	m.cancel = cancel
	m.mu.Unlock()

	go m.probeLoop(ctx)
}

// Stop halts probing and any in-flight recovery loop
func (m *Monitor) Stop() {
	m.mu.Lock()
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	m.mu.Unlock()
}

// Healthy reports the last probe verdict
func (m *Monitor) Healthy() bool {
	return !m.unhealthy.Load()
}

func (m *Monitor) probeLoop(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !m.probe.Connected() {
				continue
			}
			probeCtx, cancel := context.WithTimeout(ctx, m.cfg.ProbeInterval/2)
			err := m.probe.Ping(probeCtx)
			cancel()
			if err != nil {
				// The socket still reports connected but the probe got no
				// answer: treat it as a dead connection without waiting
				// for a socket-level disconnect event.
				m.unhealthy.Store(true)
				logger.Warn("Liveness probe failed on a connected transport", zap.Error(err))
				m.TriggerRecovery(ctx)
			} else {
				m.unhealthy.Store(false)
			}
		}
	}
}

// HandleDisconnect reacts to a transport disconnect event. Server-initiated
// and locally-initiated closes never reconnect; everything else starts the
// bounded recovery loop.
func (m *Monitor) HandleDisconnect(reason signaling.DisconnectReason) {
	switch reason {
	case signaling.ReasonServerInitiated, signaling.ReasonClientClosed:
		return
	}

	// Recovery runs under the monitor's lifetime so Stop cancels it.
	m.mu.Lock()
	ctx := m.ctx
	m.mu.Unlock()
	if ctx == nil {
		return
	}
	m.TriggerRecovery(ctx)
}

// TriggerRecovery runs the exponential-backoff reconnection loop. Only
// one loop runs at a time; a second trigger while recovering is a no-op.
func (m *Monitor) TriggerRecovery(ctx context.Context) {
	if !m.recovering.CompareAndSwap(false, true) {
		return
	}

	go func() {
		defer m.recovering.Store(false)

		for attempt := 1; attempt <= m.cfg.MaxAttempts; attempt++ {
			delay := backoffDelay(m.cfg.BaseDelay, m.cfg.MaxDelay, attempt)
			logger.Info("Reconnection attempt scheduled",
				zap.Int("attempt", attempt),
				zap.Int("max_attempts", m.cfg.MaxAttempts),
				zap.Duration("delay", delay))

			if !m.sleep(ctx, delay) {
				return
			}

			if err := m.reconnect(ctx); err != nil {
				logger.Warn("Reconnection attempt failed",
					zap.Int("attempt", attempt),
					zap.Error(err))
				continue
			}

			m.unhealthy.Store(false)
			logger.Info("Reconnection succeeded", zap.Int("attempt", attempt))
			return
		}

		err := errors.ReconnectExhaustedError(m.cfg.MaxAttempts)
		logger.Error("Reconnection attempts exhausted", zap.Error(err))
		if m.exhausted != nil {
			m.exhausted(err)
		}
	}()
}

// backoffDelay computes min(base * 2^(attempt-1), maxDelay)
func backoffDelay(base, maxDelay time.Duration, attempt int) time.Duration {
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}

// sleepCtx waits for d unless ctx is canceled first
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
