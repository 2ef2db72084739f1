package signaling

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"mentorlink-rtc/pkg/config"
	"mentorlink-rtc/pkg/errors"
	"mentorlink-rtc/pkg/logger"
	"mentorlink-rtc/pkg/metrics"
)

// DisconnectReason classifies why the transport lost its connection
type DisconnectReason string

const (
	// ReasonServerInitiated means the server deliberately closed the
	// connection; no automatic reconnection is attempted
	ReasonServerInitiated DisconnectReason = "server-initiated"
	// ReasonTransportError covers socket-level failures
	ReasonTransportError DisconnectReason = "transport-error"
	// ReasonClientClosed means the local side closed the connection
	ReasonClientClosed DisconnectReason = "client-closed"
)

// EventKind identifies a transport event variant
type EventKind int

const (
	EventConnected EventKind = iota
	EventDisconnected
	EventMessage
)

// Event is delivered on the transport's single inbound channel. Message
// events carry an envelope; disconnect events carry a reason.
type Event struct {
	Kind     EventKind
	Envelope *Envelope
	Reason   DisconnectReason
}

// Credentials carry the externally-issued session token for the handshake.
// The transport only attaches the token; issuance and validation happen in
// the wallet/auth collaborator.
type Credentials struct {
	Token    string
	Address  string
	AuthType string // always "siwe" for wallet sessions
}

// Gate validates outbound envelopes before transmission. Envelopes that
// fail the gate are dropped and logged, never sent.
type Gate interface {
	ValidateOutbound(env *Envelope) error
}

// Transport is the control-channel connection to the session server
type Transport interface {
	Connect(ctx context.Context, creds Credentials) error
	Send(env *Envelope) error
	Ping(ctx context.Context) error
	Events() <-chan Event
	Connected() bool
	SetRoom(roomID string)
	Close() error
}

// wsConn bundles the per-connection state so a reconnect never races the
// pumps of a previous connection
type wsConn struct {
	conn     *websocket.Conn
	send     chan []byte
	done     chan struct{}
	stopOnce sync.Once
}

// WSTransport is the gorilla/websocket implementation of Transport
type WSTransport struct {
	cfg     config.SignalingConfig
	gate    Gate
	metrics *metrics.NetworkMetrics

	mu      sync.Mutex
	current *wsConn
	address string
	roomID  atomic.Value // string

	connected atomic.Bool
	events    chan Event

	pongMu      sync.Mutex
	pongWaiters []chan struct{}
}

// NewWSTransport creates a transport for the given signaling endpoint.
// The gate must be set before Connect; outbound envelopes bypass nothing.
func NewWSTransport(cfg config.SignalingConfig, gate Gate, m *metrics.NetworkMetrics) *WSTransport {
	t := &WSTransport{
		cfg:     cfg,
		gate:    gate,
		metrics: m,
		events:  make(chan Event, 256),
	}
	t.roomID.Store("")
	return t
}

// Connect dials the signaling server and starts the read/write pumps.
// The handshake carries the session token and wallet address; a 401/403
// response surfaces as AuthRejected, a timeout as ConnectTimeout.
func (t *WSTransport) Connect(ctx context.Context, creds Credentials) error {
	t.mu.Lock()
	if t.current != nil {
		t.mu.Unlock()
		return fmt.Errorf("transport already connected")
	}
	t.mu.Unlock()

	if t.metrics != nil {
		t.metrics.IncConnectionAttempts()
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+creds.Token)
	header.Set("X-Wallet-Address", creds.Address)
	header.Set("X-Auth-Type", creds.AuthType)

	dialer := websocket.Dialer{HandshakeTimeout: t.cfg.ConnectTimeout}
	conn, resp, err := dialer.DialContext(ctx, t.cfg.URL, header)
	if err != nil {
		if t.metrics != nil {
			t.metrics.IncFailedConnections()
		}
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return errors.AuthRejectedError(err)
		}
		return errors.ConnectTimeoutError(err)
	}

	if t.cfg.ReadLimitBytes > 0 {
		conn.SetReadLimit(t.cfg.ReadLimitBytes)
	}

	c := &wsConn{
		conn: conn,
		send: make(chan []byte, 64),
		done: make(chan struct{}),
	}

	t.mu.Lock()
	t.current = c
	t.address = creds.Address
	t.mu.Unlock()
	t.connected.Store(true)

	go t.readPump(c)
	go t.writePump(c)

	t.emit(Event{Kind: EventConnected})
	logger.Info("Signaling transport connected",
		zap.String("url", t.cfg.URL),
		zap.String("address", creds.Address))
	return nil
}

// Send validates and transmits an envelope. Envelopes rejected by the
// gate are dropped; the rejection is returned so callers can observe it,
// but nothing reaches the wire.
func (t *WSTransport) Send(env *Envelope) error {
	t.mu.Lock()
	c := t.current
	t.mu.Unlock()
	if c == nil {
		return errors.New(errors.ErrCodeServerDisconnect, errors.CategorySignaling, "transport not connected")
	}

	if t.gate != nil {
		if err := t.gate.ValidateOutbound(env); err != nil {
			logger.Warn("Dropping outbound envelope rejected by validator",
				zap.String("type", string(env.Type)),
				zap.Error(err))
			return err
		}
	}

	data, err := env.Marshal()
	if err != nil {
		return errors.InternalError("failed to marshal envelope", err)
	}

	if t.metrics != nil {
		t.metrics.ObserveEnvelope("outbound", string(env.Type))
	}

	select {
	case c.send <- data:
		return nil
	default:
		return errors.New(errors.ErrCodeServerDisconnect, errors.CategorySignaling, "send buffer full")
	}
}

// Ping performs a liveness probe: a WebSocket ping that must be answered
// with a pong before ctx expires
func (t *WSTransport) Ping(ctx context.Context) error {
	t.mu.Lock()
	c := t.current
	t.mu.Unlock()
	if c == nil {
		return fmt.Errorf("transport not connected")
	}

	waiter := make(chan struct{}, 1)
	t.pongMu.Lock()
	t.pongWaiters = append(t.pongWaiters, waiter)
	t.pongMu.Unlock()

	deadline := time.Now().Add(t.cfg.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
		return fmt.Errorf("liveness ping write failed: %w", err)
	}

	select {
	case <-waiter:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("liveness probe timed out: %w", ctx.Err())
	case <-c.done:
		return fmt.Errorf("connection closed during liveness probe")
	}
}

// Events returns the single inbound event channel
func (t *WSTransport) Events() <-chan Event {
	return t.events
}

// Connected reports whether the transport currently holds a live connection
func (t *WSTransport) Connected() bool {
	return t.connected.Load()
}

// SetRoom tells the transport which room to stamp on heartbeat envelopes.
// An empty room ID suspends heartbeats.
func (t *WSTransport) SetRoom(roomID string) {
	t.roomID.Store(roomID)
}

// Close shuts the connection down from the local side. Safe to call when
// not connected.
func (t *WSTransport) Close() error {
	t.mu.Lock()
	c := t.current
	t.mu.Unlock()
	if c == nil {
		return nil
	}
	t.teardown(c, ReasonClientClosed, true)
	return nil
}

// teardown closes one connection generation exactly once and emits the
// disconnect event
func (t *WSTransport) teardown(c *wsConn, reason DisconnectReason, sendClose bool) {
	c.stopOnce.Do(func() {
		if sendClose {
			deadline := time.Now().Add(t.cfg.WriteTimeout)
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		}
		close(c.done)
		_ = c.conn.Close()

		t.connected.Store(false)
		t.mu.Lock()
		if t.current == c {
			t.current = nil
		}
		t.mu.Unlock()

		t.emit(Event{Kind: EventDisconnected, Reason: reason})
		logger.Info("Signaling transport disconnected", zap.String("reason", string(reason)))
	})
}

func (t *WSTransport) emit(ev Event) {
	select {
	case t.events <- ev:
	default:
		logger.Warn("Dropping transport event, event buffer full", zap.Int("kind", int(ev.Kind)))
	}
}

// readPump reads envelopes until the connection dies, classifying the
// disconnect reason from the close error
func (t *WSTransport) readPump(c *wsConn) {
	pongWait := 2 * t.cfg.PingInterval
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		t.notifyPong()
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			reason := ReasonTransportError
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				reason = ReasonServerInitiated
			}
			select {
			case <-c.done:
				// Local close already ran teardown; keep its reason.
			default:
				t.teardown(c, reason, false)
			}
			return
		}

		env, err := Unmarshal(data)
		if err != nil {
			logger.Warn("Invalid envelope from signaling server", zap.Error(err))
			continue
		}

		if t.metrics != nil {
			t.metrics.ObserveEnvelope("inbound", string(env.Type))
		}
		t.emit(Event{Kind: EventMessage, Envelope: env})
	}
}

// writePump drains the send queue and owns the ping and heartbeat tickers
func (t *WSTransport) writePump(c *wsConn) {
	pingTicker := time.NewTicker(t.cfg.PingInterval)
	heartbeatTicker := time.NewTicker(t.cfg.HeartbeatInterval)
	defer func() {
		pingTicker.Stop()
		heartbeatTicker.Stop()
	}()

	for {
		select {
		case <-c.done:
			return

		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(t.cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				logger.Warn("Signaling write failed", zap.Error(err))
				t.teardown(c, ReasonTransportError, false)
				return
			}

		case <-pingTicker.C:
			deadline := time.Now().Add(t.cfg.WriteTimeout)
			if err := c.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				t.teardown(c, ReasonTransportError, false)
				return
			}

		case <-heartbeatTicker.C:
			roomID, _ := t.roomID.Load().(string)
			if roomID == "" {
				continue
			}
			t.mu.Lock()
			address := t.address
			t.mu.Unlock()
			hb := NewEnvelope(KindHeartbeat, address, roomID)
			if t.gate != nil {
				if err := t.gate.ValidateOutbound(hb); err != nil {
					logger.Warn("Dropping heartbeat rejected by validator", zap.Error(err))
					continue
				}
			}
			data, err := hb.Marshal()
			if err != nil {
				continue
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(t.cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				t.teardown(c, ReasonTransportError, false)
				return
			}
		}
	}
}

func (t *WSTransport) notifyPong() {
	t.pongMu.Lock()
	waiters := t.pongWaiters
	t.pongWaiters = nil
	t.pongMu.Unlock()
	for _, w := range waiters {
		select {
		case w <- struct{}{}:
		default:
		}
	}
}
