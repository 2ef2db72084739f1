// Package signaling defines the envelope types exchanged with the session
// server and the WebSocket transport that carries them. Envelopes are
// immutable once constructed; every inbound and outbound envelope passes
// through the security validator before it is acted on.
package signaling

import (
	"encoding/json"
	"time"

	"github.com/pion/webrtc/v4"
)

// Kind identifies the envelope variant
type Kind string

const (
	KindJoin             Kind = "join"
	KindRoomJoined       Kind = "room-joined"
	KindUserJoined       Kind = "user-joined"
	KindUserLeft         Kind = "user-left"
	KindOffer            Kind = "offer"
	KindAnswer           Kind = "answer"
	KindICECandidate     Kind = "ice-candidate"
	KindChatMessage      Kind = "chat-message"
	KindMediaStateChange Kind = "media-state-change"
	KindScreenShare      Kind = "screen-share"
	KindHeartbeat        Kind = "heartbeat"
)

// KnownKind reports whether k is a recognized envelope kind
func KnownKind(k Kind) bool {
	switch k {
	case KindJoin, KindRoomJoined, KindUserJoined, KindUserLeft,
		KindOffer, KindAnswer, KindICECandidate,
		KindChatMessage, KindMediaStateChange, KindScreenShare, KindHeartbeat:
		return true
	}
	return false
}

// MediaState describes which of a participant's tracks are live
type MediaState struct {
	Video       bool `json:"video"`
	Audio       bool `json:"audio"`
	ScreenShare bool `json:"screenShare"`
}

// Participant is one member of a room's roster
type Participant struct {
	Address    string     `json:"address"`
	MediaState MediaState `json:"mediaState"`
}

// JoinPayload announces capabilities when joining a room
type JoinPayload struct {
	Capabilities []string `json:"capabilities,omitempty"`
}

// RoomJoinedPayload is the server's reply to a join request
type RoomJoinedPayload struct {
	Participants []Participant `json:"participants"`
	ChatHistory  []ChatPayload `json:"chatHistory,omitempty"`
	Config       RoomConfig    `json:"config"`
}

// RoomConfig carries server-assigned room settings
type RoomConfig struct {
	MaxParticipants int  `json:"maxParticipants,omitempty"`
	ChatEnabled     bool `json:"chatEnabled"`
}

// RosterPayload accompanies user-joined and user-left pushes
type RosterPayload struct {
	Participants []Participant `json:"participants"`
}

// ChatPayload is the body of a chat-message envelope
type ChatPayload struct {
	Message string `json:"message"`
}

// ScreenSharePayload signals a screen-share start or stop
type ScreenSharePayload struct {
	Sharing bool `json:"sharing"`
}

// Envelope is the tagged union of all signaling messages. Exactly one of
// the payload pointers is set for the kinds that carry one; heartbeat,
// user-joined and user-left carry only the common fields plus roster.
type Envelope struct {
	Type      Kind   `json:"type"`
	From      string `json:"from"`
	To        string `json:"to,omitempty"`
	RoomID    string `json:"roomId"`
	Timestamp int64  `json:"timestamp"` // unix milliseconds

	Join        *JoinPayload               `json:"join,omitempty"`
	RoomJoined  *RoomJoinedPayload         `json:"roomJoined,omitempty"`
	Roster      *RosterPayload             `json:"roster,omitempty"`
	Offer       *webrtc.SessionDescription `json:"offer,omitempty"`
	Answer      *webrtc.SessionDescription `json:"answer,omitempty"`
	Candidate   *webrtc.ICECandidateInit   `json:"candidate,omitempty"`
	Chat        *ChatPayload               `json:"chat,omitempty"`
	MediaState  *MediaState                `json:"mediaState,omitempty"`
	ScreenShare *ScreenSharePayload        `json:"screenShare,omitempty"`
}

// NewEnvelope constructs an envelope stamped with the current time
func NewEnvelope(kind Kind, from, roomID string) *Envelope {
	return &Envelope{
		Type:      kind,
		From:      from,
		RoomID:    roomID,
		Timestamp: time.Now().UnixMilli(),
	}
}

// Age returns how far the envelope timestamp deviates from now.
// The result is always non-negative; future-dated envelopes age the
// same way stale ones do.
func (e *Envelope) Age(now time.Time) time.Duration {
	d := now.Sub(time.UnixMilli(e.Timestamp))
	if d < 0 {
		d = -d
	}
	return d
}

// Marshal serializes the envelope to JSON bytes
func (e *Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Unmarshal deserializes JSON bytes into an envelope
func Unmarshal(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	return &env, nil
}
