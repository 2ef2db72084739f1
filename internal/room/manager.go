// Package room orchestrates the session lifecycle: access checks, media
// acquisition, signaling connect, roster tracking, and peer fan-out. All
// inbound envelopes flow through a single dispatcher goroutine, so
// per-sender ordering is preserved without further locking downstream.
package room

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"mentorlink-rtc/internal/auth"
	"mentorlink-rtc/internal/health"
	"mentorlink-rtc/internal/media"
	"mentorlink-rtc/internal/peer"
	"mentorlink-rtc/internal/security"
	"mentorlink-rtc/internal/signaling"
	"mentorlink-rtc/pkg/config"
	"mentorlink-rtc/pkg/errors"
	"mentorlink-rtc/pkg/logger"
	"mentorlink-rtc/pkg/sanitize"
)

// SessionState is the session lifecycle phase
type SessionState string

const (
	StateIdle    SessionState = "idle"
	StateJoining SessionState = "joining"
	StateJoined  SessionState = "joined"
	StateLeaving SessionState = "leaving"
)

// ActiveSession marks a paid mentorship session in progress. While set,
// leaving requires explicit confirmation.
type ActiveSession struct {
	SessionID      string    `json:"sessionId"`
	MentorAddress  string    `json:"mentorAddress"`
	StudentAddress string    `json:"studentAddress"`
	StartedAt      time.Time `json:"startedAt"`
}

// NotificationKind tags events surfaced to the embedding application
type NotificationKind string

const (
	NotifyRosterChanged  NotificationKind = "roster-changed"
	NotifyChatMessage    NotificationKind = "chat-message"
	NotifyPeerFailure    NotificationKind = "peer-failure"
	NotifyServerClosed   NotificationKind = "server-closed"
	NotifyConnectionLost NotificationKind = "connection-lost"
	NotifyReconnected    NotificationKind = "reconnected"
)

// Notification is one event on the manager's outbound channel
type Notification struct {
	Kind    NotificationKind
	Address string
	Chat    *signaling.ChatPayload
	Err     *errors.AppError
}

// Manager owns the session state machine and wires the validator, media
// controller, peer pool, transport, and health monitor together
type Manager struct {
	cfg       *config.Config
	transport signaling.Transport
	validator *security.Validator
	media     *media.Controller
	pool      *peer.Pool
	monitor   *health.Monitor

	mu            sync.Mutex
	state         SessionState
	roomID        string
	localAddress  string
	token         string
	enableVideo   bool
	generation    int
	roster        map[string]signaling.Participant
	activeSession *ActiveSession
	terminalErr   *errors.AppError
	joinWaiter    chan error

	notifications chan Notification
	dispatchOnce  sync.Once
}

// NewManager assembles the session manager and cross-wires its
// collaborators: the pool replaces tracks for the media controller, peer
// failures and health events flow back through the manager.
func NewManager(cfg *config.Config, transport signaling.Transport, validator *security.Validator,
	mediaCtl *media.Controller, pool *peer.Pool) *Manager {
	m := &Manager{
		cfg:           cfg,
		transport:     transport,
		validator:     validator,
		media:         mediaCtl,
		pool:          pool,
		state:         StateIdle,
		roster:        make(map[string]signaling.Participant),
		notifications: make(chan Notification, 64),
	}
	m.monitor = health.NewMonitor(transport, cfg.Reconnect, m.rejoin, m.onReconnectExhausted)
	mediaCtl.SetTrackReplacer(pool)
	pool.SetFailureHandler(m.onPeerFailure)
	return m
}

// Notifications is the channel of session events for the embedding
// application. Events are dropped, not blocked on, when the consumer lags.
func (m *Manager) Notifications() <-chan Notification {
	return m.notifications
}

// State returns the current lifecycle phase
func (m *Manager) State() SessionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// RoomID returns the room of the current or most recent session
func (m *Manager) RoomID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.roomID
}

// TerminalError reports the terminal connection failure, if any. Set only
// when the reconnection budget is exhausted; distinguishes "connection
// lost" from "never connected".
func (m *Manager) TerminalError() *errors.AppError {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.terminalErr
}

// Roster snapshots the current participant list
func (m *Manager) Roster() []signaling.Participant {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]signaling.Participant, 0, len(m.roster))
	for _, p := range m.roster {
		out = append(out, p)
	}
	return out
}

// SecurityState exposes the validator's diagnostic snapshot
func (m *Manager) SecurityState() security.State {
	return m.validator.State()
}

// JoinRoom runs the full join sequence: access check, media acquisition,
// transport connect, join announcement, and waiting for the server's
// roster. Joining the room already joined with live media is a no-op;
// joining a different room while joined is rejected, as is a second join
// while one is in flight.
func (m *Manager) JoinRoom(ctx context.Context, roomID, address, token string, enableVideo bool) error {
	m.mu.Lock()
	switch m.state {
	case StateJoining, StateLeaving:
		m.mu.Unlock()
		return errors.JoinInProgressError()
	case StateJoined:
		if m.roomID == roomID && m.media.HasLiveStream() {
			m.mu.Unlock()
			logger.Info("Join request for the current room ignored", zap.String("room_id", roomID))
			return nil
		}
		current := m.roomID
		m.mu.Unlock()
		return errors.AlreadyJoinedError(current)
	}
	m.state = StateJoining
	m.generation++
	gen := m.generation
	m.roomID = roomID
	m.localAddress = sanitize.NormalizeWalletAddress(address)
	m.token = token
	m.enableVideo = enableVideo
	m.terminalErr = nil
	waiter := make(chan error, 1)
	m.joinWaiter = waiter
	m.mu.Unlock()

	if err := m.validator.CheckRoomAccess(roomID, address); err != nil {
		m.failJoin(gen)
		return err
	}
	m.validator.SetLocalAddress(address)

	// Media before network: a device denial must abort the join before
	// any signaling traffic or peer record exists.
	if _, err := m.media.Acquire(enableVideo); err != nil {
		m.failJoin(gen)
		return err
	}
	if m.stale(gen) {
		m.media.Release()
		return errors.JoinInProgressError()
	}

	if !m.transport.Connected() {
		creds, err := auth.Credentials(token, address)
		if err != nil {
			m.media.Release()
			m.failJoin(gen)
			return errors.AuthRejectedError(err)
		}
		connectCtx, cancel := context.WithTimeout(ctx, m.cfg.Signaling.ConnectTimeout)
		err = m.transport.Connect(connectCtx, creds)
		cancel()
		if err != nil {
			m.media.Release()
			m.failJoin(gen)
			return err
		}
	}

	m.dispatchOnce.Do(func() { go m.dispatch() })

	m.pool.SetSession(address, roomID)
	m.transport.SetRoom(roomID)

	if err := m.sendJoin(roomID); err != nil {
		m.media.Release()
		m.transport.SetRoom("")
		m.failJoin(gen)
		return err
	}

	select {
	case err := <-waiter:
		if err != nil {
			return err
		}
	case <-ctx.Done():
		m.LeaveRoom()
		return errors.ConnectTimeoutError(ctx.Err())
	case <-time.After(m.cfg.Signaling.ConnectTimeout):
		m.LeaveRoom()
		return errors.ConnectTimeoutError(nil)
	}

	m.monitor.Start()
	logger.Info("Room joined",
		zap.String("room_id", roomID),
		zap.String("address", m.localAddress))
	return nil
}

// LeaveRoom cancels the session from any state, including a partially
// completed join. Safe to call repeatedly. The active-session lock is
// never cleared here; only explicit confirmation or completion clears it.
func (m *Manager) LeaveRoom() {
	m.mu.Lock()
	if m.state == StateIdle {
		m.mu.Unlock()
		return
	}
	m.state = StateLeaving
	m.generation++
	roomID := m.roomID
	if m.joinWaiter != nil {
		select {
		case m.joinWaiter <- errors.JoinInProgressError():
		default:
		}
		m.joinWaiter = nil
	}
	m.mu.Unlock()

	m.monitor.Stop()
	m.pool.CloseAll()
	m.media.Release()
	m.transport.SetRoom("")
	_ = m.transport.Close()
	m.validator.ResetRoom(nil)

	m.mu.Lock()
	m.state = StateIdle
	m.roster = make(map[string]signaling.Participant)
	m.mu.Unlock()

	logger.Info("Room left", zap.String("room_id", roomID))
}

// SendChat sends a chat message to the room through the validated path
func (m *Manager) SendChat(message string) error {
	m.mu.Lock()
	if m.state != StateJoined {
		m.mu.Unlock()
		return errors.New(errors.ErrCodeRoomAccessDenied, errors.CategorySession, "not in a room")
	}
	env := signaling.NewEnvelope(signaling.KindChatMessage, m.localAddress, m.roomID)
	m.mu.Unlock()

	env.Chat = &signaling.ChatPayload{Message: message}
	return m.transport.Send(env)
}

// ToggleVideo flips the local video track and announces the new state
func (m *Manager) ToggleVideo() bool {
	enabled := m.media.ToggleVideo()
	m.broadcastMediaState()
	return enabled
}

// ToggleAudio flips the local audio track and announces the new state
func (m *Manager) ToggleAudio() bool {
	enabled := m.media.ToggleAudio()
	m.broadcastMediaState()
	return enabled
}

// StartScreenShare swaps the outgoing video for a screen capture and
// announces it to the room
func (m *Manager) StartScreenShare() error {
	if err := m.media.StartScreenShare(); err != nil {
		return err
	}
	m.announceScreenShare(true)
	m.broadcastMediaState()
	return nil
}

// StopScreenShare restores the camera and announces it
func (m *Manager) StopScreenShare() error {
	if err := m.media.StopScreenShare(); err != nil {
		return err
	}
	m.announceScreenShare(false)
	m.broadcastMediaState()
	return nil
}

// SetActiveSession arms the navigation lock for a paid session. Valid
// only while joined.
func (m *Manager) SetActiveSession(session ActiveSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateJoined {
		return errors.New(errors.ErrCodeRoomAccessDenied, errors.CategorySession,
			"an active session can only be declared inside a joined room")
	}
	m.activeSession = &session
	logger.Info("Active session lock set", zap.String("session_id", session.SessionID))
	return nil
}

// ClearActiveSession releases the navigation lock on session completion
func (m *Manager) ClearActiveSession() {
	m.mu.Lock()
	m.activeSession = nil
	m.mu.Unlock()
	logger.Info("Active session lock cleared")
}

// ActiveSession returns the current lock holder, or nil
func (m *Manager) ActiveSession() *ActiveSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeSession
}

// CanNavigate reports whether the caller may navigate away without
// confirmation
func (m *Manager) CanNavigate() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeSession == nil
}

// RequestLeaveSession mediates leaving while a session lock may be held.
// With no lock, onConfirm runs immediately. With a lock, confirm is the
// caller's explicit confirmation step; an affirmative answer clears the
// lock and runs onConfirm, anything else runs onCancel and the lock
// stays.
func (m *Manager) RequestLeaveSession(confirm func() bool, onConfirm, onCancel func()) {
	m.mu.Lock()
	locked := m.activeSession != nil
	m.mu.Unlock()

	if !locked {
		if onConfirm != nil {
			onConfirm()
		}
		return
	}
	if confirm != nil && confirm() {
		m.ClearActiveSession()
		if onConfirm != nil {
			onConfirm()
		}
		return
	}
	if onCancel != nil {
		onCancel()
	}
}

// dispatch is the single consumer of transport events. It runs for the
// manager's lifetime; events arriving outside a session are discarded.
func (m *Manager) dispatch() {
	for ev := range m.transport.Events() {
		switch ev.Kind {
		case signaling.EventMessage:
			m.handleEnvelope(ev.Envelope)
		case signaling.EventDisconnected:
			m.handleDisconnect(ev.Reason)
		case signaling.EventConnected:
			// Join or rejoin announces itself; nothing to do here.
		}
	}
}

func (m *Manager) handleDisconnect(reason signaling.DisconnectReason) {
	m.mu.Lock()
	active := m.state == StateJoined || m.state == StateJoining
	m.mu.Unlock()
	if !active {
		return
	}

	if reason == signaling.ReasonServerInitiated {
		// The server ended the session; no automatic reconnection.
		m.notify(Notification{Kind: NotifyServerClosed, Err: errors.ServerDisconnectError()})
		return
	}
	m.monitor.HandleDisconnect(reason)
}

func (m *Manager) handleEnvelope(env *signaling.Envelope) {
	accepted, err := m.validator.ValidateInbound(env)
	if err != nil {
		// Rejections are counted and logged by the validator; the
		// envelope is simply dropped.
		return
	}

	switch accepted.Type {
	case signaling.KindRoomJoined:
		m.handleRoomJoined(accepted)
	case signaling.KindUserJoined:
		m.handleUserJoined(accepted)
	case signaling.KindUserLeft:
		m.handleUserLeft(accepted)
	case signaling.KindOffer:
		if err := m.pool.HandleOffer(accepted.From, *accepted.Offer); err != nil {
			logger.Warn("Failed to handle offer", zap.String("peer", accepted.From), zap.Error(err))
		}
	case signaling.KindAnswer:
		if err := m.pool.HandleAnswer(accepted.From, *accepted.Answer); err != nil {
			logger.Warn("Failed to handle answer", zap.String("peer", accepted.From), zap.Error(err))
		}
	case signaling.KindICECandidate:
		if err := m.pool.HandleCandidate(accepted.From, *accepted.Candidate); err != nil {
			logger.Warn("Failed to handle candidate", zap.String("peer", accepted.From), zap.Error(err))
		}
	case signaling.KindChatMessage:
		m.notify(Notification{Kind: NotifyChatMessage, Address: accepted.From, Chat: accepted.Chat})
	case signaling.KindMediaStateChange:
		m.updateRosterMedia(accepted.From, *accepted.MediaState)
	case signaling.KindScreenShare:
		m.updateRosterScreenShare(accepted.From, accepted.ScreenShare.Sharing)
	case signaling.KindHeartbeat:
		// Remote liveness only; nothing to track client-side.
	}
}

// handleRoomJoined installs the server's roster and starts negotiation
// with every existing participant. Runs both on first join and on rejoin
// after a reconnect.
func (m *Manager) handleRoomJoined(env *signaling.Envelope) {
	if env.RoomJoined == nil {
		return
	}

	m.mu.Lock()
	if m.state != StateJoining && m.state != StateJoined {
		m.mu.Unlock()
		return
	}
	rejoin := m.state == StateJoined
	m.state = StateJoined
	local := m.localAddress
	m.roster = make(map[string]signaling.Participant, len(env.RoomJoined.Participants))
	remotes := make([]string, 0, len(env.RoomJoined.Participants))
	allowed := make([]string, 0, len(env.RoomJoined.Participants)+1)
	allowed = append(allowed, local)
	for _, p := range env.RoomJoined.Participants {
		key := sanitize.NormalizeWalletAddress(p.Address)
		if key == local {
			continue
		}
		m.roster[key] = p
		remotes = append(remotes, key)
		allowed = append(allowed, key)
	}
	waiter := m.joinWaiter
	m.joinWaiter = nil
	m.mu.Unlock()

	m.validator.ResetRoom(allowed)

	for _, addr := range remotes {
		if err := m.pool.AddPeer(addr); err != nil {
			logger.Warn("Failed to add peer from roster", zap.String("peer", addr), zap.Error(err))
		}
	}

	m.broadcastMediaState()
	m.notify(Notification{Kind: NotifyRosterChanged})
	if rejoin {
		m.notify(Notification{Kind: NotifyReconnected})
	}
	if waiter != nil {
		waiter <- nil
	}
}

func (m *Manager) handleUserJoined(env *signaling.Envelope) {
	key := sanitize.NormalizeWalletAddress(env.From)

	m.mu.Lock()
	if m.state != StateJoined || key == m.localAddress {
		m.mu.Unlock()
		return
	}
	p := signaling.Participant{Address: key}
	if env.MediaState != nil {
		p.MediaState = *env.MediaState
	}
	m.roster[key] = p
	m.mu.Unlock()

	m.validator.AllowSender(key)
	if err := m.pool.AddPeer(key); err != nil {
		logger.Warn("Failed to add joining peer", zap.String("peer", key), zap.Error(err))
	}
	m.notify(Notification{Kind: NotifyRosterChanged, Address: key})
}

func (m *Manager) handleUserLeft(env *signaling.Envelope) {
	key := sanitize.NormalizeWalletAddress(env.From)

	m.mu.Lock()
	delete(m.roster, key)
	m.mu.Unlock()

	m.pool.RemovePeer(key)
	m.validator.RemoveSender(key)
	m.notify(Notification{Kind: NotifyRosterChanged, Address: key})
}

func (m *Manager) updateRosterMedia(address string, state signaling.MediaState) {
	key := sanitize.NormalizeWalletAddress(address)
	m.mu.Lock()
	if p, ok := m.roster[key]; ok {
		p.MediaState = state
		m.roster[key] = p
	}
	m.mu.Unlock()
	m.notify(Notification{Kind: NotifyRosterChanged, Address: key})
}

func (m *Manager) updateRosterScreenShare(address string, sharing bool) {
	key := sanitize.NormalizeWalletAddress(address)
	m.mu.Lock()
	if p, ok := m.roster[key]; ok {
		p.MediaState.ScreenShare = sharing
		m.roster[key] = p
	}
	m.mu.Unlock()
	m.notify(Notification{Kind: NotifyRosterChanged, Address: key})
}

// rejoin re-establishes the transport and replays the join announcement.
// The server answers with a fresh room-joined, which handleRoomJoined
// applies idempotently.
func (m *Manager) rejoin(ctx context.Context) error {
	m.mu.Lock()
	roomID := m.roomID
	address := m.localAddress
	token := m.token
	active := m.state == StateJoined || m.state == StateJoining
	m.mu.Unlock()
	if !active || roomID == "" {
		return nil
	}

	if !m.transport.Connected() {
		creds, err := auth.Credentials(token, address)
		if err != nil {
			return err
		}
		connectCtx, cancel := context.WithTimeout(ctx, m.cfg.Signaling.ConnectTimeout)
		err = m.transport.Connect(connectCtx, creds)
		cancel()
		if err != nil {
			return err
		}
	}

	m.transport.SetRoom(roomID)
	return m.sendJoin(roomID)
}

// onReconnectExhausted handles the terminal reconnection failure: tear
// down session resources but keep the room identity and any active
// session lock so the caller can offer a manual rejoin.
func (m *Manager) onReconnectExhausted(err *errors.AppError) {
	m.mu.Lock()
	m.terminalErr = err
	m.state = StateIdle
	m.roster = make(map[string]signaling.Participant)
	m.mu.Unlock()

	m.pool.CloseAll()
	m.media.Release()
	m.transport.SetRoom("")

	logger.Error("Session connection lost", zap.Error(err))
	m.notify(Notification{Kind: NotifyConnectionLost, Err: err})
}

func (m *Manager) onPeerFailure(address string, err *errors.AppError) {
	m.notify(Notification{Kind: NotifyPeerFailure, Address: address, Err: err})
}

func (m *Manager) sendJoin(roomID string) error {
	m.mu.Lock()
	local := m.localAddress
	m.mu.Unlock()

	env := signaling.NewEnvelope(signaling.KindJoin, local, roomID)
	env.Join = &signaling.JoinPayload{Capabilities: []string{"video", "audio", "screen-share", "chat"}}
	return m.transport.Send(env)
}

func (m *Manager) broadcastMediaState() {
	m.mu.Lock()
	joined := m.state == StateJoined
	local := m.localAddress
	roomID := m.roomID
	m.mu.Unlock()
	if !joined {
		return
	}

	state := m.media.MediaState()
	env := signaling.NewEnvelope(signaling.KindMediaStateChange, local, roomID)
	env.MediaState = &state
	if err := m.transport.Send(env); err != nil {
		logger.Warn("Failed to broadcast media state", zap.Error(err))
	}
}

func (m *Manager) announceScreenShare(sharing bool) {
	m.mu.Lock()
	joined := m.state == StateJoined
	local := m.localAddress
	roomID := m.roomID
	m.mu.Unlock()
	if !joined {
		return
	}

	env := signaling.NewEnvelope(signaling.KindScreenShare, local, roomID)
	env.ScreenShare = &signaling.ScreenSharePayload{Sharing: sharing}
	if err := m.transport.Send(env); err != nil {
		logger.Warn("Failed to announce screen share", zap.Error(err))
	}
}

// failJoin rolls the state machine back to Idle after a join step failed,
// unless a concurrent LeaveRoom already moved the generation on
func (m *Manager) failJoin(gen int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.generation != gen {
		return
	}
	m.state = StateIdle
	m.joinWaiter = nil
}

// stale reports whether a concurrent LeaveRoom superseded this join
func (m *Manager) stale(gen int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.generation != gen
}

func (m *Manager) notify(n Notification) {
	select {
	case m.notifications <- n:
	default:
		logger.Warn("Dropping session notification, consumer is lagging",
			zap.String("kind", string(n.Kind)))
	}
}
