// Package constants defines application-wide constants for timeouts, limits, and durations.
package constants

import "time"

// Time-related constants
const (
	// DefaultTimeout is the default timeout for most operations
	DefaultTimeout = 30 * time.Second

	// ConnectTimeout is the timeout for the signaling handshake
	ConnectTimeout = 15 * time.Second

	// WebSocketPingInterval is the interval for WebSocket ping/pong
	WebSocketPingInterval = 30 * time.Second

	// WebSocketWriteTimeout is the per-message write deadline
	WebSocketWriteTimeout = 10 * time.Second

	// HeartbeatInterval is the interval between heartbeat envelopes
	HeartbeatInterval = 30 * time.Second
)

// Peer negotiation constants
const (
	// NegotiationTimeout bounds how long a peer connection may stay in
	// the connecting state before it is force-closed
	NegotiationTimeout = 30 * time.Second
)

// Security validation constants
const (
	// FreshnessTolerance is the maximum clock skew accepted on an
	// envelope timestamp before it is rejected as stale
	FreshnessTolerance = 60 * time.Second

	// RateLimitMaxMessages is the maximum number of envelopes accepted
	// from a single sender within RateLimitWindow
	RateLimitMaxMessages = 10

	// RateLimitWindow is the sliding window for per-sender rate limiting
	RateLimitWindow = 1 * time.Second

	// MaxChatMessageLength is the maximum accepted chat message length
	MaxChatMessageLength = 1000

	// MaxSecurityWarnings bounds the security warning ring buffer
	MaxSecurityWarnings = 50
)

// Media bounds
const (
	// MaxVideoWidth is the maximum accepted video track width
	MaxVideoWidth = 1920

	// MaxVideoHeight is the maximum accepted video track height
	MaxVideoHeight = 1080

	// MaxVideoFrameRate is the maximum accepted video frame rate
	MaxVideoFrameRate = 60

	// MaxAudioSampleRate is the maximum accepted audio sample rate
	MaxAudioSampleRate = 48000
)

// Reconnection constants
const (
	// ReconnectBaseDelay is the first backoff delay after a disconnect
	ReconnectBaseDelay = 1 * time.Second

	// ReconnectMaxDelay caps the exponential backoff delay
	ReconnectMaxDelay = 30 * time.Second

	// ReconnectMaxAttempts is the number of reconnection attempts before
	// the monitor reports a terminal failure
	ReconnectMaxAttempts = 5

	// HealthProbeInterval is the interval between transport liveness probes
	HealthProbeInterval = 30 * time.Second
)
