package signaling

import (
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
)

func TestNewEnvelope(t *testing.T) {
	before := time.Now().UnixMilli()
	env := NewEnvelope(KindOffer, "0xab5801a7d398351b8be11c439e05c5b3259aec9b", "room-1")
	after := time.Now().UnixMilli()

	assert.Equal(t, KindOffer, env.Type)
	assert.Equal(t, "room-1", env.RoomID)
	assert.GreaterOrEqual(t, env.Timestamp, before)
	assert.LessOrEqual(t, env.Timestamp, after)
}

func TestKnownKind(t *testing.T) {
	assert.True(t, KnownKind(KindJoin))
	assert.True(t, KnownKind(KindHeartbeat))
	assert.False(t, KnownKind(Kind("shutdown")))
	assert.False(t, KnownKind(Kind("")))
}

func TestEnvelope_Age_SymmetricForFutureTimestamps(t *testing.T) {
	now := time.Now()

	stale := &Envelope{Timestamp: now.Add(-90 * time.Second).UnixMilli()}
	future := &Envelope{Timestamp: now.Add(90 * time.Second).UnixMilli()}

	assert.InDelta(t, (90 * time.Second).Seconds(), stale.Age(now).Seconds(), 1)
	assert.InDelta(t, (90 * time.Second).Seconds(), future.Age(now).Seconds(), 1)
}

func TestEnvelope_RoundTrip(t *testing.T) {
	env := NewEnvelope(KindOffer, "0xab5801a7d398351b8be11c439e05c5b3259aec9b", "room-1")
	env.To = "0xcd5801a7d398351b8be11c439e05c5b3259aec9b"
	env.Offer = &webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0"}

	data, err := env.Marshal()
	assert.NoError(t, err)

	decoded, err := Unmarshal(data)
	assert.NoError(t, err)
	assert.Equal(t, env.Type, decoded.Type)
	assert.Equal(t, env.To, decoded.To)
	assert.Equal(t, "v=0", decoded.Offer.SDP)
	assert.Nil(t, decoded.Answer)
}

func TestUnmarshal_Invalid(t *testing.T) {
	_, err := Unmarshal([]byte("{not json"))
	assert.Error(t, err)
}
