// Package security implements the validation pipeline applied to every
// signaling envelope, plus room-access and media-bounds checks. No check
// ever fails an operation by throwing: the pipeline yields accept or
// reject, increments counters, and records a warning.
package security

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"mentorlink-rtc/internal/signaling"
	"mentorlink-rtc/pkg/config"
	"mentorlink-rtc/pkg/errors"
	"mentorlink-rtc/pkg/logger"
	"mentorlink-rtc/pkg/metrics"
	"mentorlink-rtc/pkg/sanitize"
)

// Warning is one entry in the bounded security warning log
type Warning struct {
	Code      errors.ErrorCode `json:"code"`
	Detail    string           `json:"detail"`
	Sender    string           `json:"sender,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}

// State is a diagnostic snapshot. It never gates behavior by itself;
// throttling decisions run off NetworkMetrics counters.
type State struct {
	IsSecure          bool      `json:"is_secure"`
	EncryptionEnabled bool      `json:"encryption_enabled"`
	IdentityVerified  bool      `json:"identity_verified"`
	Warnings          []Warning `json:"warnings"`
}

// TrackInfo describes an acquired local track for media-bounds validation
type TrackInfo struct {
	Kind       string // "video" or "audio"
	Width      int
	Height     int
	FrameRate  int
	SampleRate int
}

// Validator applies the fixed-order validation pipeline:
// schema, freshness, rate, identity, content.
type Validator struct {
	cfg     config.SecurityConfig
	metrics *metrics.NetworkMetrics

	mu            sync.Mutex
	localAddress  string
	allowed       map[string]bool
	senderHistory map[string][]time.Time
	joinAttempts  []time.Time
	warnings      []Warning
	identityOK    bool

	// now is swappable for tests
	now func() time.Time
}

// Join attempts allowed per joinAttemptWindow before the connection
// throttle rejects further attempts
const (
	maxJoinAttempts   = 5
	joinAttemptWindow = 10 * time.Second
)

// NewValidator creates a validator with the given limits
func NewValidator(cfg config.SecurityConfig, m *metrics.NetworkMetrics) *Validator {
	return &Validator{
		cfg:           cfg,
		metrics:       m,
		allowed:       make(map[string]bool),
		senderHistory: make(map[string][]time.Time),
		now:           time.Now,
	}
}

// SetLocalAddress registers the local participant's wallet address.
// Local outbound envelopes are identity-checked against it.
func (v *Validator) SetLocalAddress(address string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.localAddress = sanitize.NormalizeWalletAddress(address)
	v.identityOK = sanitize.ValidateWalletAddress(address)
}

// AllowSender adds a roster member to the identity allow-list
func (v *Validator) AllowSender(address string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.allowed[sanitize.NormalizeWalletAddress(address)] = true
}

// RemoveSender drops a departed participant from the allow-list and
// clears its rate-limit history
func (v *Validator) RemoveSender(address string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	key := sanitize.NormalizeWalletAddress(address)
	delete(v.allowed, key)
	delete(v.senderHistory, key)
}

// ResetRoom replaces the allow-list with the given roster and clears all
// per-sender history. Called on join and rejoin.
func (v *Validator) ResetRoom(participants []string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.allowed = make(map[string]bool, len(participants))
	v.senderHistory = make(map[string][]time.Time)
	for _, p := range participants {
		v.allowed[sanitize.NormalizeWalletAddress(p)] = true
	}
}

// CheckRoomAccess validates a join request before any media or network
// work happens: well-formed identifiers plus the local connection throttle.
func (v *Validator) CheckRoomAccess(roomID, address string) error {
	if roomID == "" {
		return v.reject(errors.RoomAccessDeniedError(roomID), "")
	}
	if !sanitize.ValidateWalletAddress(address) {
		return v.reject(errors.UnknownIdentityError(address), address)
	}

	v.mu.Lock()
	now := v.now()
	v.joinAttempts = pruneBefore(v.joinAttempts, now.Add(-joinAttemptWindow))
	throttled := len(v.joinAttempts) >= maxJoinAttempts
	if !throttled {
		v.joinAttempts = append(v.joinAttempts, now)
	}
	v.mu.Unlock()

	if throttled {
		return v.reject(errors.RateLimitExceededError(address), address)
	}
	return nil
}

// ValidateInbound runs the full pipeline on a received envelope. On
// acceptance it returns the envelope to act on, which for chat messages
// is a sanitized copy; the input is never mutated.
func (v *Validator) ValidateInbound(env *signaling.Envelope) (*signaling.Envelope, error) {
	return v.validate(env, false)
}

// ValidateOutbound runs the pipeline on a locally-constructed envelope.
// It implements signaling.Gate, so nothing reaches the wire unchecked.
func (v *Validator) ValidateOutbound(env *signaling.Envelope) error {
	_, err := v.validate(env, true)
	return err
}

func (v *Validator) validate(env *signaling.Envelope, outbound bool) (*signaling.Envelope, error) {
	// 1. Schema
	if err := v.checkSchema(env); err != nil {
		return nil, v.reject(err, env.From)
	}

	// 2. Freshness
	if env.Age(v.now()) > v.cfg.FreshnessTolerance {
		return nil, v.reject(errors.StaleMessageError(), env.From)
	}

	// 3. Rate
	if err := v.checkRate(env.From); err != nil {
		return nil, err
	}

	// 4. Identity
	if err := v.checkIdentity(env.From, env.Type, outbound); err != nil {
		return nil, v.reject(err, env.From)
	}

	// 5. Content (chat only)
	if env.Type == signaling.KindChatMessage {
		return v.checkChatContent(env)
	}

	return env, nil
}

func (v *Validator) checkSchema(env *signaling.Envelope) *errors.AppError {
	if !signaling.KnownKind(env.Type) {
		return errors.InvalidSchemaError(fmt.Sprintf("unknown envelope type %q", env.Type))
	}
	if env.From == "" {
		return errors.InvalidSchemaError("envelope missing sender")
	}
	if env.RoomID == "" {
		return errors.InvalidSchemaError("envelope missing room id")
	}
	if env.Timestamp == 0 {
		return errors.InvalidSchemaError("envelope missing timestamp")
	}
	if !sanitize.ValidateWalletAddress(env.From) {
		return errors.InvalidSchemaError(fmt.Sprintf("malformed sender address %q", env.From))
	}

	switch env.Type {
	case signaling.KindOffer:
		if env.Offer == nil || env.Offer.SDP == "" {
			return errors.InvalidSchemaError("offer envelope missing session description")
		}
	case signaling.KindAnswer:
		if env.Answer == nil || env.Answer.SDP == "" {
			return errors.InvalidSchemaError("answer envelope missing session description")
		}
	case signaling.KindICECandidate:
		if env.Candidate == nil || env.Candidate.Candidate == "" {
			return errors.InvalidSchemaError("ice-candidate envelope missing candidate")
		}
	case signaling.KindChatMessage:
		if env.Chat == nil {
			return errors.InvalidSchemaError("chat envelope missing message body")
		}
	case signaling.KindMediaStateChange:
		if env.MediaState == nil {
			return errors.InvalidSchemaError("media-state-change envelope missing state")
		}
	case signaling.KindScreenShare:
		if env.ScreenShare == nil {
			return errors.InvalidSchemaError("screen-share envelope missing payload")
		}
	}
	return nil
}

// checkRate applies the per-sender sliding window. Rejected envelopes do
// not consume window slots; the sender's accepted traffic alone decides.
func (v *Validator) checkRate(sender string) error {
	key := sanitize.NormalizeWalletAddress(sender)

	v.mu.Lock()
	now := v.now()
	history := pruneBefore(v.senderHistory[key], now.Add(-v.cfg.RateLimitWindow))
	exceeded := len(history) >= v.cfg.RateLimitMaxMessages
	if !exceeded {
		history = append(history, now)
	}
	v.senderHistory[key] = history
	v.mu.Unlock()

	if exceeded {
		if v.metrics != nil {
			v.metrics.IncRateLimitViolations()
		}
		appErr := errors.RateLimitExceededError(sender)
		v.recordWarning(appErr, sender)
		return appErr
	}
	return nil
}

func (v *Validator) checkIdentity(sender string, kind signaling.Kind, outbound bool) *errors.AppError {
	key := sanitize.NormalizeWalletAddress(sender)

	v.mu.Lock()
	defer v.mu.Unlock()
	if key == v.localAddress && v.localAddress != "" {
		return nil
	}
	if outbound {
		// Local envelopes must come from the registered local identity.
		return errors.UnknownIdentityError(sender)
	}
	if isRosterKind(kind) {
		// Roster pushes announce participants the allow-list cannot know
		// yet; the schema stage has already checked the address format.
		return nil
	}
	if !v.allowed[key] {
		return errors.UnknownIdentityError(sender)
	}
	return nil
}

// isRosterKind reports whether the envelope is a server-relayed roster
// event whose sender is the affected participant
func isRosterKind(kind signaling.Kind) bool {
	switch kind {
	case signaling.KindRoomJoined, signaling.KindUserJoined, signaling.KindUserLeft:
		return true
	}
	return false
}

func (v *Validator) checkChatContent(env *signaling.Envelope) (*signaling.Envelope, error) {
	if len(env.Chat.Message) > v.cfg.MaxChatMessageLength {
		return nil, v.reject(errors.OversizedContentError(), env.From)
	}

	clean := *env
	clean.Chat = &signaling.ChatPayload{Message: sanitize.SanitizeChatMessage(env.Chat.Message)}
	return &clean, nil
}

// ValidateMediaTracks checks acquired tracks against the platform bounds.
// A stream failing this check must be stopped immediately by the caller
// and never attached to a peer connection.
func (v *Validator) ValidateMediaTracks(mediaCfg config.MediaConfig, tracks []TrackInfo) error {
	for _, t := range tracks {
		switch t.Kind {
		case "video":
			if t.Width > mediaCfg.MaxWidth || t.Height > mediaCfg.MaxHeight {
				return v.reject(errors.InvalidSchemaError(
					fmt.Sprintf("video resolution %dx%d exceeds maximum %dx%d",
						t.Width, t.Height, mediaCfg.MaxWidth, mediaCfg.MaxHeight)), "")
			}
			if t.FrameRate > mediaCfg.MaxFrameRate {
				return v.reject(errors.InvalidSchemaError(
					fmt.Sprintf("video frame rate %d exceeds maximum %d", t.FrameRate, mediaCfg.MaxFrameRate)), "")
			}
		case "audio":
			if t.SampleRate > mediaCfg.MaxSampleRate {
				return v.reject(errors.InvalidSchemaError(
					fmt.Sprintf("audio sample rate %d exceeds maximum %d", t.SampleRate, mediaCfg.MaxSampleRate)), "")
			}
		}
	}
	return nil
}

// State returns the diagnostic snapshot including a copy of the warning log
func (v *Validator) State() State {
	v.mu.Lock()
	defer v.mu.Unlock()

	warnings := make([]Warning, len(v.warnings))
	copy(warnings, v.warnings)

	return State{
		IsSecure:          len(v.warnings) == 0,
		EncryptionEnabled: true, // DTLS-SRTP is mandatory on every peer connection
		IdentityVerified:  v.identityOK,
		Warnings:          warnings,
	}
}

// reject records the violation in metrics and the warning log, then
// returns the error for the caller to drop the envelope with
func (v *Validator) reject(appErr *errors.AppError, sender string) *errors.AppError {
	if v.metrics != nil {
		v.metrics.IncSuspiciousActivity()
	}
	v.recordWarning(appErr, sender)
	logger.Debug("Envelope rejected",
		zap.String("code", string(appErr.Code)),
		zap.String("sender", sender))
	return appErr
}

func (v *Validator) recordWarning(appErr *errors.AppError, sender string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.warnings = append(v.warnings, Warning{
		Code:      appErr.Code,
		Detail:    appErr.Message,
		Sender:    sender,
		Timestamp: v.now(),
	})
	if len(v.warnings) > v.cfg.MaxWarnings {
		v.warnings = v.warnings[len(v.warnings)-v.cfg.MaxWarnings:]
	}
}

func pruneBefore(times []time.Time, cutoff time.Time) []time.Time {
	idx := 0
	for idx < len(times) && !times[idx].After(cutoff) {
		idx++
	}
	return times[idx:]
}
