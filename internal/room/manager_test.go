package room

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pion/webrtc/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"

	"mentorlink-rtc/internal/media"
	"mentorlink-rtc/internal/peer"
	"mentorlink-rtc/internal/security"
	"mentorlink-rtc/internal/signaling"
	"mentorlink-rtc/pkg/config"
	"mentorlink-rtc/pkg/constants"
	"mentorlink-rtc/pkg/errors"
	"mentorlink-rtc/pkg/logger"
	"mentorlink-rtc/pkg/metrics"
)

var (
	addrA = "0x" + strings.Repeat("aa", 20)
	addrB = "0x" + strings.Repeat("bb", 20)
	addrC = "0x" + strings.Repeat("cc", 20)
)

func TestMain(m *testing.M) {
	logger.InitDefault()
	m.Run()
}

// fakeTransport is an in-memory signaling.Transport
type fakeTransport struct {
	mu           sync.Mutex
	connected    bool
	connectErr   error
	connectCalls int
	sent         []*signaling.Envelope
	room         string
	events       chan signaling.Event
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{events: make(chan signaling.Event, 64)}
}

func (f *fakeTransport) Connect(ctx context.Context, creds signaling.Credentials) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connectCalls++
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connected = true
	return nil
}

func (f *fakeTransport) Send(env *signaling.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return fmt.Errorf("not connected")
	}
	f.sent = append(f.sent, env)
	return nil
}

func (f *fakeTransport) Ping(ctx context.Context) error { return nil }

func (f *fakeTransport) Events() <-chan signaling.Event { return f.events }

func (f *fakeTransport) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeTransport) SetRoom(roomID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.room = roomID
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	return nil
}

func (f *fakeTransport) connects() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connectCalls
}

func (f *fakeTransport) sentByKind(kind signaling.Kind) []*signaling.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*signaling.Envelope
	for _, e := range f.sent {
		if e.Type == kind {
			out = append(out, e)
		}
	}
	return out
}

// stubCapture satisfies media.CaptureTrack without touching devices
type stubCapture struct {
	id   string
	kind webrtc.RTPCodecType
}

func (s *stubCapture) ID() string                { return s.id }
func (s *stubCapture) RID() string               { return "" }
func (s *stubCapture) StreamID() string          { return "stub" }
func (s *stubCapture) Kind() webrtc.RTPCodecType { return s.kind }
func (s *stubCapture) Bind(webrtc.TrackLocalContext) (webrtc.RTPCodecParameters, error) {
	return webrtc.RTPCodecParameters{}, nil
}
func (s *stubCapture) Unbind(webrtc.TrackLocalContext) error { return nil }
func (s *stubCapture) Close() error                          { return nil }
func (s *stubCapture) OnEnded(func(error))                   {}

// fakeOpener scripts media acquisition
type fakeOpener struct {
	mu        sync.Mutex
	openErr   error
	openCalls int
}

func (f *fakeOpener) OpenUserMedia(enableVideo bool, bounds config.MediaConfig) (*media.LocalStream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.openCalls++
	if f.openErr != nil {
		return nil, f.openErr
	}
	tracks := []*media.LocalTrack{
		media.NewLocalTrack(&stubCapture{id: "mic", kind: webrtc.RTPCodecTypeAudio},
			media.TrackKindAudio, media.TrackSettings{SampleRate: 48000}),
	}
	if enableVideo {
		tracks = append(tracks, media.NewLocalTrack(&stubCapture{id: "cam", kind: webrtc.RTPCodecTypeVideo},
			media.TrackKindVideo, media.TrackSettings{Width: 1280, Height: 720, FrameRate: 30}))
	}
	return media.NewLocalStream(tracks), nil
}

func (f *fakeOpener) OpenCameraVideo(bounds config.MediaConfig) (*media.LocalTrack, error) {
	return media.NewLocalTrack(&stubCapture{id: "cam2", kind: webrtc.RTPCodecTypeVideo},
		media.TrackKindVideo, media.TrackSettings{Width: 1280, Height: 720, FrameRate: 30}), nil
}

func (f *fakeOpener) OpenDisplayMedia(bounds config.MediaConfig) (*media.LocalTrack, error) {
	return media.NewLocalTrack(&stubCapture{id: "screen", kind: webrtc.RTPCodecTypeVideo},
		media.TrackKindVideo, media.TrackSettings{Width: 1280, Height: 720, FrameRate: 30}), nil
}

func (f *fakeOpener) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.openCalls
}

// fakeConn is a no-device peer connection handle
type fakeConn struct{}

func (fakeConn) CreateOffer() (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "offer-sdp"}, nil
}
func (fakeConn) CreateAnswer() (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer-sdp"}, nil
}
func (fakeConn) SetLocalDescription(webrtc.SessionDescription) error     { return nil }
func (fakeConn) SetRemoteDescription(webrtc.SessionDescription) error    { return nil }
func (fakeConn) AddICECandidate(webrtc.ICECandidateInit) error           { return nil }
func (fakeConn) AddTrack(webrtc.TrackLocal) error                        { return nil }
func (fakeConn) ReplaceVideoTrack(webrtc.TrackLocal) error               { return nil }
func (fakeConn) OnICECandidate(func(*webrtc.ICECandidate))               {}
func (fakeConn) OnConnectionStateChange(func(webrtc.PeerConnectionState)) {}
func (fakeConn) Close() error                                            { return nil }

type fixture struct {
	manager   *Manager
	transport *fakeTransport
	opener    *fakeOpener
	mediaCtl  *media.Controller
	pool      *peer.Pool
	validator *security.Validator
	cfg       *config.Config
}

func testManagerConfig() *config.Config {
	return &config.Config{
		Signaling: config.SignalingConfig{
			URL:            "ws://localhost/ws",
			ConnectTimeout: 2 * time.Second,
			WriteTimeout:   time.Second,
			PingInterval:   constants.WebSocketPingInterval,
		},
		Media: config.MediaConfig{MaxWidth: 1920, MaxHeight: 1080, MaxFrameRate: 60, MaxSampleRate: 48000},
		Security: config.SecurityConfig{
			FreshnessTolerance:   constants.FreshnessTolerance,
			RateLimitMaxMessages: 100, // generous; rate limiting has its own tests
			RateLimitWindow:      constants.RateLimitWindow,
			MaxChatMessageLength: constants.MaxChatMessageLength,
			MaxWarnings:          constants.MaxSecurityWarnings,
		},
		Reconnect: config.ReconnectConfig{
			BaseDelay:     constants.ReconnectBaseDelay,
			MaxDelay:      constants.ReconnectMaxDelay,
			MaxAttempts:   constants.ReconnectMaxAttempts,
			ProbeInterval: time.Hour,
		},
	}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := testManagerConfig()
	m := metrics.NewNetworkMetrics(prometheus.NewRegistry())
	validator := security.NewValidator(cfg.Security, m)
	transport := newFakeTransport()
	opener := &fakeOpener{}
	mediaCtl := media.NewController(opener, validator, cfg.Media)
	pool := peer.NewPool(
		func() (peer.Conn, error) { return fakeConn{}, nil },
		transport.Send,
		func() []*media.LocalTrack {
			if s := mediaCtl.Stream(); s != nil {
				return s.Tracks()
			}
			return nil
		},
		constants.NegotiationTimeout,
		m,
	)
	return &fixture{
		manager:   NewManager(cfg, transport, validator, mediaCtl, pool),
		transport: transport,
		opener:    opener,
		mediaCtl:  mediaCtl,
		pool:      pool,
		validator: validator,
		cfg:       cfg,
	}
}

func sessionToken(t *testing.T, address string) string {
	t.Helper()
	claims := jwt.MapClaims{
		"address": address,
		"exp":     time.Now().Add(time.Hour).Unix(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("server-secret"))
	assert.NoError(t, err)
	return token
}

// roomJoinedEvent is the server's roster reply, queued before JoinRoom so
// the dispatcher picks it up as soon as it starts
func roomJoinedEvent(roomID string, participants ...string) signaling.Event {
	env := signaling.NewEnvelope(signaling.KindRoomJoined, participants[0], roomID)
	payload := &signaling.RoomJoinedPayload{Config: signaling.RoomConfig{ChatEnabled: true}}
	for _, p := range participants {
		payload.Participants = append(payload.Participants, signaling.Participant{Address: p})
	}
	env.RoomJoined = payload
	return signaling.Event{Kind: signaling.EventMessage, Envelope: env}
}

func join(t *testing.T, f *fixture, participants ...string) {
	t.Helper()
	f.transport.events <- roomJoinedEvent("room-1", participants...)
	err := f.manager.JoinRoom(context.Background(), "room-1", addrA, sessionToken(t, addrA), true)
	assert.NoError(t, err)
}

func waitNotification(t *testing.T, f *fixture, kind NotificationKind) Notification {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case n := <-f.manager.Notifications():
			if n.Kind == kind {
				return n
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s notification", kind)
		}
	}
}

func TestJoinRoom(t *testing.T) {
	f := newFixture(t)

	join(t, f, addrB)

	assert.Equal(t, StateJoined, f.manager.State())
	assert.Equal(t, "room-1", f.manager.RoomID())

	roster := f.manager.Roster()
	assert.Len(t, roster, 1)
	assert.Equal(t, addrB, roster[0].Address)

	// Exactly one peer record, and the smaller address offered.
	assert.Equal(t, 1, f.pool.Count())
	offers := f.transport.sentByKind(signaling.KindOffer)
	assert.Len(t, offers, 1)
	assert.Equal(t, addrB, offers[0].To)

	// The join announcement and the initial media state went out.
	assert.Len(t, f.transport.sentByKind(signaling.KindJoin), 1)
	assert.NotEmpty(t, f.transport.sentByKind(signaling.KindMediaStateChange))
}

func TestJoinRoom_MediaDenied(t *testing.T) {
	f := newFixture(t)
	f.opener.openErr = errors.PermissionDeniedError()

	err := f.manager.JoinRoom(context.Background(), "room-1", addrA, sessionToken(t, addrA), true)

	assert.True(t, errors.IsCode(err, errors.ErrCodePermissionDenied))
	assert.Equal(t, StateIdle, f.manager.State())
	// No signaling traffic and no peer records exist.
	assert.Empty(t, f.transport.sentByKind(signaling.KindJoin))
	assert.Equal(t, 0, f.pool.Count())
}

func TestJoinRoom_AccessDeniedBeforeMedia(t *testing.T) {
	f := newFixture(t)

	err := f.manager.JoinRoom(context.Background(), "", addrA, sessionToken(t, addrA), true)

	assert.Error(t, err)
	assert.Equal(t, 0, f.opener.calls(), "media must not be touched when access is denied")
	assert.Equal(t, StateIdle, f.manager.State())
}

func TestJoinRoom_BadToken(t *testing.T) {
	f := newFixture(t)

	err := f.manager.JoinRoom(context.Background(), "room-1", addrA, "garbage", true)

	assert.True(t, errors.IsCode(err, errors.ErrCodeAuthRejected))
	assert.Equal(t, StateIdle, f.manager.State())
	assert.False(t, f.mediaCtl.HasLiveStream())
}

func TestJoinRoom_ConnectFailureReleasesMedia(t *testing.T) {
	f := newFixture(t)
	f.transport.connectErr = errors.ConnectTimeoutError(fmt.Errorf("dial tcp: timeout"))

	err := f.manager.JoinRoom(context.Background(), "room-1", addrA, sessionToken(t, addrA), true)

	assert.Error(t, err)
	assert.Equal(t, StateIdle, f.manager.State())
	assert.False(t, f.mediaCtl.HasLiveStream())
}

func TestJoinRoom_Idempotent(t *testing.T) {
	f := newFixture(t)
	join(t, f, addrB)

	err := f.manager.JoinRoom(context.Background(), "room-1", addrA, sessionToken(t, addrA), true)

	assert.NoError(t, err)
	assert.Equal(t, 1, f.opener.calls(), "no re-acquisition on idempotent join")
	assert.Len(t, f.transport.sentByKind(signaling.KindJoin), 1)
}

func TestJoinRoom_DifferentRoomRejected(t *testing.T) {
	f := newFixture(t)
	join(t, f, addrB)

	err := f.manager.JoinRoom(context.Background(), "room-2", addrA, sessionToken(t, addrA), true)

	assert.True(t, errors.IsCode(err, errors.ErrCodeAlreadyJoined))
	assert.Equal(t, "room-1", f.manager.RoomID())
}

func TestLeaveRoom(t *testing.T) {
	f := newFixture(t)
	join(t, f, addrB)

	f.manager.LeaveRoom()

	assert.Equal(t, StateIdle, f.manager.State())
	assert.Equal(t, 0, f.pool.Count())
	assert.False(t, f.mediaCtl.HasLiveStream())
	assert.False(t, f.transport.Connected())
	assert.Empty(t, f.manager.Roster())
}

func TestLeaveRoom_IdleIsNoOp(t *testing.T) {
	f := newFixture(t)
	f.manager.LeaveRoom()
	assert.Equal(t, StateIdle, f.manager.State())
}

func TestUserJoined(t *testing.T) {
	f := newFixture(t)
	join(t, f, addrB)

	env := signaling.NewEnvelope(signaling.KindUserJoined, addrC, "room-1")
	f.transport.events <- signaling.Event{Kind: signaling.EventMessage, Envelope: env}

	assert.Eventually(t, func() bool { return len(f.manager.Roster()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, f.pool.Count())
}

func TestUserLeft(t *testing.T) {
	f := newFixture(t)
	join(t, f, addrB)

	env := signaling.NewEnvelope(signaling.KindUserLeft, addrB, "room-1")
	f.transport.events <- signaling.Event{Kind: signaling.EventMessage, Envelope: env}

	assert.Eventually(t, func() bool { return len(f.manager.Roster()) == 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, f.pool.Count())
}

func TestChatMessageNotification(t *testing.T) {
	f := newFixture(t)
	join(t, f, addrB)

	env := signaling.NewEnvelope(signaling.KindChatMessage, addrB, "room-1")
	env.Chat = &signaling.ChatPayload{Message: `<script>x</script>hello mentor`}
	f.transport.events <- signaling.Event{Kind: signaling.EventMessage, Envelope: env}

	n := waitNotification(t, f, NotifyChatMessage)
	assert.Equal(t, addrB, n.Address)
	assert.NotContains(t, n.Chat.Message, "<script>")
	assert.Contains(t, n.Chat.Message, "hello mentor")
}

func TestChatFromStrangerDropped(t *testing.T) {
	f := newFixture(t)
	join(t, f, addrB)

	env := signaling.NewEnvelope(signaling.KindChatMessage, addrC, "room-1")
	env.Chat = &signaling.ChatPayload{Message: "intruder"}
	f.transport.events <- signaling.Event{Kind: signaling.EventMessage, Envelope: env}

	select {
	case n := <-f.manager.Notifications():
		assert.NotEqual(t, NotifyChatMessage, n.Kind)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestSendChat(t *testing.T) {
	f := newFixture(t)
	join(t, f, addrB)

	assert.NoError(t, f.manager.SendChat("hi"))
	chats := f.transport.sentByKind(signaling.KindChatMessage)
	assert.Len(t, chats, 1)
	assert.Equal(t, addrA, chats[0].From)
	assert.Equal(t, "hi", chats[0].Chat.Message)
}

func TestSendChat_NotJoined(t *testing.T) {
	f := newFixture(t)
	assert.Error(t, f.manager.SendChat("hi"))
}

func TestMediaStateChangeUpdatesRoster(t *testing.T) {
	f := newFixture(t)
	join(t, f, addrB)

	env := signaling.NewEnvelope(signaling.KindMediaStateChange, addrB, "room-1")
	env.MediaState = &signaling.MediaState{Video: false, Audio: true}
	f.transport.events <- signaling.Event{Kind: signaling.EventMessage, Envelope: env}

	assert.Eventually(t, func() bool {
		roster := f.manager.Roster()
		return len(roster) == 1 && roster[0].MediaState.Audio && !roster[0].MediaState.Video
	}, time.Second, 5*time.Millisecond)
}

func TestServerInitiatedDisconnect(t *testing.T) {
	f := newFixture(t)
	join(t, f, addrB)
	connectsBefore := f.transport.connects()

	f.transport.events <- signaling.Event{Kind: signaling.EventDisconnected, Reason: signaling.ReasonServerInitiated}

	n := waitNotification(t, f, NotifyServerClosed)
	assert.Equal(t, errors.ErrCodeServerDisconnect, n.Err.Code)

	// No automatic reconnection after a deliberate server close.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, connectsBefore, f.transport.connects())
}

func TestActiveSessionLock(t *testing.T) {
	f := newFixture(t)

	// Arming the lock requires a joined room.
	err := f.manager.SetActiveSession(ActiveSession{SessionID: "s-1"})
	assert.Error(t, err)

	join(t, f, addrB)
	assert.NoError(t, f.manager.SetActiveSession(ActiveSession{
		SessionID:      "s-1",
		MentorAddress:  addrB,
		StudentAddress: addrA,
		StartedAt:      time.Now(),
	}))
	assert.False(t, f.manager.CanNavigate())

	f.manager.ClearActiveSession()
	assert.True(t, f.manager.CanNavigate())
}

func TestActiveSessionLock_SurvivesLeave(t *testing.T) {
	f := newFixture(t)
	join(t, f, addrB)
	assert.NoError(t, f.manager.SetActiveSession(ActiveSession{SessionID: "s-1"}))

	// Leaving is a network-level action; the lock stays until an
	// explicit confirmation or completion clears it.
	f.manager.LeaveRoom()
	assert.False(t, f.manager.CanNavigate())
}

func TestRequestLeaveSession_NoLock(t *testing.T) {
	f := newFixture(t)

	var confirmed, canceled bool
	f.manager.RequestLeaveSession(nil,
		func() { confirmed = true },
		func() { canceled = true })

	assert.True(t, confirmed)
	assert.False(t, canceled)
}

func TestRequestLeaveSession_Declined(t *testing.T) {
	f := newFixture(t)
	join(t, f, addrB)
	assert.NoError(t, f.manager.SetActiveSession(ActiveSession{SessionID: "s-1"}))

	var confirmed, canceled bool
	f.manager.RequestLeaveSession(
		func() bool { return false },
		func() { confirmed = true },
		func() { canceled = true })

	assert.False(t, confirmed)
	assert.True(t, canceled)
	assert.False(t, f.manager.CanNavigate(), "declined confirmation keeps the lock")
}

func TestRequestLeaveSession_Confirmed(t *testing.T) {
	f := newFixture(t)
	join(t, f, addrB)
	assert.NoError(t, f.manager.SetActiveSession(ActiveSession{SessionID: "s-1"}))

	var confirmed bool
	f.manager.RequestLeaveSession(
		func() bool { return true },
		func() { confirmed = true },
		nil)

	assert.True(t, confirmed)
	assert.True(t, f.manager.CanNavigate())
}

func TestToggleVideoBroadcasts(t *testing.T) {
	f := newFixture(t)
	join(t, f, addrB)
	before := len(f.transport.sentByKind(signaling.KindMediaStateChange))

	f.manager.ToggleVideo()

	after := f.transport.sentByKind(signaling.KindMediaStateChange)
	assert.Len(t, after, before+1)
	assert.False(t, after[len(after)-1].MediaState.Video)
}
