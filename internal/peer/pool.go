// Package peer manages one peer-connection state machine per remote
// participant and drives the offer/answer/ICE exchange with validated
// signaling envelopes.
package peer

import (
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"mentorlink-rtc/internal/media"
	"mentorlink-rtc/internal/signaling"
	"mentorlink-rtc/pkg/errors"
	"mentorlink-rtc/pkg/logger"
	"mentorlink-rtc/pkg/metrics"
	"mentorlink-rtc/pkg/sanitize"
)

// State is the per-remote connection lifecycle
type State string

const (
	StateNew          State = "new"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
	StateFailed       State = "failed"
	StateClosed       State = "closed"
)

// Conn is the narrow peer-connection handle the pool drives. The
// production implementation wraps *webrtc.PeerConnection; tests use fakes.
type Conn interface {
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(webrtc.SessionDescription) error
	SetRemoteDescription(webrtc.SessionDescription) error
	AddICECandidate(webrtc.ICECandidateInit) error
	AddTrack(webrtc.TrackLocal) error
	ReplaceVideoTrack(webrtc.TrackLocal) error
	OnICECandidate(func(*webrtc.ICECandidate))
	OnConnectionStateChange(func(webrtc.PeerConnectionState))
	Close() error
}

// ConnFactory builds a fresh connection handle per remote participant
type ConnFactory func() (Conn, error)

// SendFunc transmits an envelope through the validated signaling path
type SendFunc func(env *signaling.Envelope) error

// TrackProvider supplies the local tracks to attach to new connections
type TrackProvider func() []*media.LocalTrack

// FailureHandler receives terminal per-peer failures
type FailureHandler func(address string, err *errors.AppError)

// record owns exactly one connection handle for one remote participant
type record struct {
	address          string
	conn             Conn
	state            State
	negotiationTimer *time.Timer
	remoteDescSet    bool
	offerPending     bool
	queuedCandidates []webrtc.ICECandidateInit
}

// Pool holds at most one record per remote participant per room
type Pool struct {
	mu      sync.Mutex
	records map[string]*record
	closed  bool

	factory            ConnFactory
	send               SendFunc
	tracks             TrackProvider
	onFailure          FailureHandler
	metrics            *metrics.NetworkMetrics
	localAddress       string
	roomID             string
	negotiationTimeout time.Duration
}

// NewPool creates a pool for one room session
func NewPool(factory ConnFactory, send SendFunc, tracks TrackProvider, negotiationTimeout time.Duration, m *metrics.NetworkMetrics) *Pool {
	return &Pool{
		records:            make(map[string]*record),
		factory:            factory,
		send:               send,
		tracks:             tracks,
		negotiationTimeout: negotiationTimeout,
		metrics:            m,
	}
}

// SetSession binds the pool to the local identity and room
func (p *Pool) SetSession(localAddress, roomID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.localAddress = sanitize.NormalizeWalletAddress(localAddress)
	p.roomID = roomID
	p.closed = false
}

// SetFailureHandler registers the terminal-failure callback
func (p *Pool) SetFailureHandler(h FailureHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onFailure = h
}

// shouldOffer is the deterministic glare tie-break: the peer with the
// lexicographically smaller address is always the offerer, so two peers
// never hold the offerer role for the same pair.
func (p *Pool) shouldOffer(remote string) bool {
	return p.localAddress < sanitize.NormalizeWalletAddress(remote)
}

// AddPeer creates a record for a remote participant and, when the local
// side holds the offerer role, starts negotiation. An existing record for
// the same address is closed and replaced, never duplicated.
func (p *Pool) AddPeer(address string) error {
	key := sanitize.NormalizeWalletAddress(address)

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return fmt.Errorf("pool is closed")
	}
	if existing, ok := p.records[key]; ok {
		p.closeRecordLocked(existing)
	}

	conn, err := p.factory()
	if err != nil {
		p.mu.Unlock()
		return errors.InternalError("failed to create peer connection", err)
	}

	rec := &record{address: key, conn: conn, state: StateNew}
	p.records[key] = rec
	p.registerCallbacksLocked(rec)

	for _, t := range p.tracks() {
		if err := conn.AddTrack(t.Source()); err != nil {
			logger.Warn("Failed to attach local track",
				zap.String("peer", key),
				zap.String("track", t.ID()),
				zap.Error(err))
		}
	}

	offer := p.shouldOffer(key)
	p.mu.Unlock()
	p.publishPeerCount()

	if offer {
		return p.CreateOffer(address)
	}
	return nil
}

// CreateOffer starts negotiation toward a peer. Valid only from the New
// or Disconnected states; a failure leaves the record in Failed and the
// caller may retry by re-adding the peer.
func (p *Pool) CreateOffer(address string) error {
	key := sanitize.NormalizeWalletAddress(address)

	p.mu.Lock()
	rec, ok := p.records[key]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("no peer record for %s", address)
	}
	if rec.state != StateNew && rec.state != StateDisconnected {
		p.mu.Unlock()
		return fmt.Errorf("cannot offer to %s in state %s", address, rec.state)
	}
	conn := rec.conn
	p.enterConnectingLocked(rec)
	rec.offerPending = true
	p.mu.Unlock()

	offer, err := conn.CreateOffer()
	if err == nil {
		err = conn.SetLocalDescription(offer)
	}
	if err != nil {
		p.mu.Lock()
		if current, ok := p.records[key]; ok && current == rec {
			rec.state = StateFailed
			p.stopTimerLocked(rec)
		}
		p.mu.Unlock()
		logger.Error("Offer creation failed", zap.String("peer", key), zap.Error(err))
		return errors.InternalError("failed to create offer", err)
	}

	env := signaling.NewEnvelope(signaling.KindOffer, p.localAddress, p.roomID)
	env.To = key
	env.Offer = &offer
	if err := p.send(env); err != nil {
		logger.Warn("Failed to send offer", zap.String("peer", key), zap.Error(err))
	}
	return nil
}

// HandleOffer applies a validated remote offer, creating the record if
// this is the first contact with the peer. Simultaneous offers resolve
// by the address tie-break: the designated offerer ignores the remote
// offer, the other side abandons its own and answers instead.
func (p *Pool) HandleOffer(from string, sdp webrtc.SessionDescription) error {
	key := sanitize.NormalizeWalletAddress(from)

	p.mu.Lock()
	rec, exists := p.records[key]
	if exists && rec.offerPending {
		if p.shouldOffer(key) {
			// Glare, and the local side keeps the offerer role.
			p.mu.Unlock()
			logger.Info("Ignoring remote offer during glare", zap.String("peer", key))
			return nil
		}
		// Glare lost: discard the local offer by rebuilding the record.
		p.closeRecordLocked(rec)
		exists = false
	}
	if !exists {
		conn, err := p.factory()
		if err != nil {
			p.mu.Unlock()
			return errors.InternalError("failed to create peer connection", err)
		}
		rec = &record{address: key, conn: conn, state: StateNew}
		p.records[key] = rec
		p.registerCallbacksLocked(rec)
		for _, t := range p.tracks() {
			if err := conn.AddTrack(t.Source()); err != nil {
				logger.Warn("Failed to attach local track",
					zap.String("peer", key), zap.Error(err))
			}
		}
	}
	conn := rec.conn
	p.enterConnectingLocked(rec)
	p.mu.Unlock()
	p.publishPeerCount()

	if err := conn.SetRemoteDescription(sdp); err != nil {
		return errors.InternalError("failed to apply remote offer", err)
	}
	p.flushCandidates(key)

	answer, err := conn.CreateAnswer()
	if err == nil {
		err = conn.SetLocalDescription(answer)
	}
	if err != nil {
		p.mu.Lock()
		if current, ok := p.records[key]; ok && current == rec {
			rec.state = StateFailed
			p.stopTimerLocked(rec)
		}
		p.mu.Unlock()
		return errors.InternalError("failed to create answer", err)
	}

	env := signaling.NewEnvelope(signaling.KindAnswer, p.localAddress, p.roomID)
	env.To = key
	env.Answer = &answer
	if err := p.send(env); err != nil {
		logger.Warn("Failed to send answer", zap.String("peer", key), zap.Error(err))
	}
	return nil
}

// HandleAnswer applies a validated remote answer. An answer with no
// matching record is a security or ordering anomaly and is dropped.
func (p *Pool) HandleAnswer(from string, sdp webrtc.SessionDescription) error {
	key := sanitize.NormalizeWalletAddress(from)

	p.mu.Lock()
	rec, ok := p.records[key]
	if !ok {
		p.mu.Unlock()
		return p.dropAnomaly(key, "answer")
	}
	conn := rec.conn
	rec.offerPending = false
	p.mu.Unlock()

	if err := conn.SetRemoteDescription(sdp); err != nil {
		return errors.InternalError("failed to apply remote answer", err)
	}
	p.flushCandidates(key)
	return nil
}

// HandleCandidate applies a validated remote ICE candidate, queueing it
// when it arrives before the remote description
func (p *Pool) HandleCandidate(from string, candidate webrtc.ICECandidateInit) error {
	key := sanitize.NormalizeWalletAddress(from)

	p.mu.Lock()
	rec, ok := p.records[key]
	if !ok {
		p.mu.Unlock()
		return p.dropAnomaly(key, "ice-candidate")
	}
	if !rec.remoteDescSet {
		rec.queuedCandidates = append(rec.queuedCandidates, candidate)
		p.mu.Unlock()
		return nil
	}
	conn := rec.conn
	p.mu.Unlock()

	if err := conn.AddICECandidate(candidate); err != nil {
		logger.Warn("Failed to apply ICE candidate", zap.String("peer", key), zap.Error(err))
	}
	return nil
}

func (p *Pool) dropAnomaly(key, kind string) error {
	if p.metrics != nil {
		p.metrics.IncSuspiciousActivity()
	}
	logger.Warn("Dropping signaling payload with no matching peer record",
		zap.String("peer", key),
		zap.String("kind", kind))
	return nil
}

// flushCandidates applies candidates queued before the remote description
func (p *Pool) flushCandidates(key string) {
	p.mu.Lock()
	rec, ok := p.records[key]
	if !ok {
		p.mu.Unlock()
		return
	}
	rec.remoteDescSet = true
	queued := rec.queuedCandidates
	rec.queuedCandidates = nil
	conn := rec.conn
	p.mu.Unlock()

	for _, c := range queued {
		if err := conn.AddICECandidate(c); err != nil {
			logger.Warn("Failed to apply queued ICE candidate", zap.String("peer", key), zap.Error(err))
		}
	}
}

// RemovePeer closes and removes a participant's record. No-op for
// unknown addresses.
func (p *Pool) RemovePeer(address string) {
	key := sanitize.NormalizeWalletAddress(address)
	p.mu.Lock()
	if rec, ok := p.records[key]; ok {
		p.closeRecordLocked(rec)
	}
	p.mu.Unlock()
	p.publishPeerCount()
}

// CloseAll tears down every record. The pool rejects new peers until the
// next SetSession.
func (p *Pool) CloseAll() {
	p.mu.Lock()
	for _, rec := range p.records {
		p.closeRecordLocked(rec)
	}
	p.closed = true
	p.mu.Unlock()
	p.publishPeerCount()
}

// Count returns the number of live records
func (p *Pool) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.records)
}

// States returns a snapshot of each record's state, keyed by address
func (p *Pool) States() map[string]State {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]State, len(p.records))
	for addr, rec := range p.records {
		out[addr] = rec.state
	}
	return out
}

// ReplaceVideoTrack substitutes the outgoing video track on every live
// record without renegotiation. Implements media.TrackReplacer.
func (p *Pool) ReplaceVideoTrack(newTrack *media.LocalTrack) error {
	p.mu.Lock()
	conns := make([]Conn, 0, len(p.records))
	for _, rec := range p.records {
		conns = append(conns, rec.conn)
	}
	p.mu.Unlock()

	var firstErr error
	for _, conn := range conns {
		if err := conn.ReplaceVideoTrack(newTrack.Source()); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// registerCallbacksLocked wires the connection's async callbacks to the
// record. Callbacks check that the record is still current before acting,
// so a replaced record is never mutated after removal.
func (p *Pool) registerCallbacksLocked(rec *record) {
	key := rec.address

	rec.conn.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		p.mu.Lock()
		current, ok := p.records[key]
		stale := !ok || current != rec
		p.mu.Unlock()
		if stale {
			return
		}

		init := c.ToJSON()
		env := signaling.NewEnvelope(signaling.KindICECandidate, p.localAddress, p.roomID)
		env.To = key
		env.Candidate = &init
		if err := p.send(env); err != nil {
			logger.Warn("Failed to send ICE candidate", zap.String("peer", key), zap.Error(err))
		}
	})

	rec.conn.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		p.mu.Lock()
		current, ok := p.records[key]
		if !ok || current != rec {
			p.mu.Unlock()
			return
		}

		var failure *errors.AppError
		switch state {
		case webrtc.PeerConnectionStateConnected:
			rec.state = StateConnected
			rec.offerPending = false
			p.stopTimerLocked(rec)
		case webrtc.PeerConnectionStateDisconnected:
			rec.state = StateDisconnected
		case webrtc.PeerConnectionStateFailed:
			rec.state = StateFailed
			p.stopTimerLocked(rec)
			failure = errors.IceFailureError(key)
		case webrtc.PeerConnectionStateClosed:
			rec.state = StateClosed
		}
		handler := p.onFailure
		p.mu.Unlock()

		logger.Info("Peer connection state changed",
			zap.String("peer", key),
			zap.String("state", state.String()))

		if failure != nil && handler != nil {
			handler(key, failure)
		}
	})
}

// enterConnectingLocked transitions a record into Connecting and arms the
// negotiation timeout that bounds half-open negotiations
func (p *Pool) enterConnectingLocked(rec *record) {
	rec.state = StateConnecting
	p.stopTimerLocked(rec)

	key := rec.address
	rec.negotiationTimer = time.AfterFunc(p.negotiationTimeout, func() {
		p.mu.Lock()
		current, ok := p.records[key]
		if !ok || current != rec || rec.state != StateConnecting {
			p.mu.Unlock()
			return
		}
		p.closeRecordLocked(rec)
		handler := p.onFailure
		p.mu.Unlock()
		p.publishPeerCount()

		logger.Warn("Negotiation timed out", zap.String("peer", key))
		if handler != nil {
			handler(key, errors.NegotiationTimeoutError(key))
		}
	})
}

// closeRecordLocked removes the record from the index before closing the
// handle, so no async continuation can observe a closed record
func (p *Pool) closeRecordLocked(rec *record) {
	delete(p.records, rec.address)
	p.stopTimerLocked(rec)
	rec.state = StateClosed
	_ = rec.conn.Close()
}

func (p *Pool) stopTimerLocked(rec *record) {
	if rec.negotiationTimer != nil {
		rec.negotiationTimer.Stop()
		rec.negotiationTimer = nil
	}
}

func (p *Pool) publishPeerCount() {
	if p.metrics != nil {
		p.metrics.SetPeersConnected(p.Count())
	}
}
