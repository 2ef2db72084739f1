package errors

import (
	"errors"
	"fmt"
)

// ErrorCode represents application-specific error codes
type ErrorCode string

const (
	// Media access errors
	ErrCodePermissionDenied       ErrorCode = "PERMISSION_DENIED"
	ErrCodeDeviceNotFound         ErrorCode = "DEVICE_NOT_FOUND"
	ErrCodeDeviceBusy             ErrorCode = "DEVICE_BUSY"
	ErrCodeConstraintsUnsatisfied ErrorCode = "CONSTRAINTS_UNSATISFIABLE"

	// Signaling errors
	ErrCodeConnectTimeout   ErrorCode = "CONNECT_TIMEOUT"
	ErrCodeAuthRejected     ErrorCode = "AUTH_REJECTED"
	ErrCodeServerDisconnect ErrorCode = "SERVER_DISCONNECT"

	// Peer connection errors
	ErrCodeNegotiationTimeout ErrorCode = "NEGOTIATION_TIMEOUT"
	ErrCodeIceFailure         ErrorCode = "ICE_FAILURE"

	// Security violations
	ErrCodeInvalidSchema     ErrorCode = "INVALID_SCHEMA"
	ErrCodeStaleMessage      ErrorCode = "STALE_MESSAGE"
	ErrCodeRateLimitExceeded ErrorCode = "RATE_LIMIT_EXCEEDED"
	ErrCodeUnknownIdentity   ErrorCode = "UNKNOWN_IDENTITY"
	ErrCodeOversizedContent  ErrorCode = "OVERSIZED_CONTENT"

	// Session errors
	ErrCodeAlreadyJoined      ErrorCode = "ALREADY_JOINED"
	ErrCodeJoinInProgress     ErrorCode = "JOIN_IN_PROGRESS"
	ErrCodeRoomAccessDenied   ErrorCode = "ROOM_ACCESS_DENIED"
	ErrCodeReconnectExhausted ErrorCode = "RECONNECT_EXHAUSTED"

	// Internal errors
	ErrCodeInternal ErrorCode = "INTERNAL_ERROR"
)

// Category groups error codes into the classes callers branch on
type Category string

const (
	CategoryMediaAccess    Category = "media_access"
	CategorySignaling      Category = "signaling"
	CategoryPeerConnection Category = "peer_connection"
	CategorySecurity       Category = "security_violation"
	CategorySession        Category = "session"
	CategoryInternal       Category = "internal"
)

// AppError represents a structured application error with a code and category
type AppError struct {
	Code     ErrorCode `json:"code"`
	Category Category  `json:"category"`
	Message  string    `json:"message"`
	Err      error     `json:"-"`
}

// Error implements the error interface, returning a formatted error message
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError with the given code, category, and message
func New(code ErrorCode, category Category, message string) *AppError {
	return &AppError{Code: code, Category: category, Message: message}
}

// Wrap wraps an existing error with an AppError, preserving the original error
func Wrap(code ErrorCode, category Category, message string, err error) *AppError {
	return &AppError{Code: code, Category: category, Message: message, Err: err}
}

// Media access errors. These are user-actionable: the message explains what
// the user has to do, not just what failed.

func PermissionDeniedError() *AppError {
	return New(ErrCodePermissionDenied, CategoryMediaAccess,
		"Camera or microphone access was denied. Grant permission in your system settings and try again")
}

func DeviceNotFoundError() *AppError {
	return New(ErrCodeDeviceNotFound, CategoryMediaAccess,
		"No camera or microphone was found. Connect a device and try again")
}

func DeviceBusyError() *AppError {
	return New(ErrCodeDeviceBusy, CategoryMediaAccess,
		"Your camera or microphone is in use by another application. Close it and try again")
}

func ConstraintsUnsatisfiableError(err error) *AppError {
	return Wrap(ErrCodeConstraintsUnsatisfied, CategoryMediaAccess,
		"Your device does not support the required capture settings", err)
}

// Signaling errors

func ConnectTimeoutError(err error) *AppError {
	return Wrap(ErrCodeConnectTimeout, CategorySignaling, "Timed out connecting to the session server", err)
}

func AuthRejectedError(err error) *AppError {
	return Wrap(ErrCodeAuthRejected, CategorySignaling, "The session server rejected the authentication token", err)
}

func ServerDisconnectError() *AppError {
	return New(ErrCodeServerDisconnect, CategorySignaling, "The session server closed the connection")
}

// Peer connection errors

func NegotiationTimeoutError(peerAddress string) *AppError {
	return New(ErrCodeNegotiationTimeout, CategoryPeerConnection,
		fmt.Sprintf("Connection negotiation with %s timed out", peerAddress))
}

func IceFailureError(peerAddress string) *AppError {
	return New(ErrCodeIceFailure, CategoryPeerConnection,
		fmt.Sprintf("Media path negotiation with %s failed", peerAddress))
}

// Security violations. These never fail an operation; they annotate dropped
// envelopes and metrics.

func InvalidSchemaError(detail string) *AppError {
	return New(ErrCodeInvalidSchema, CategorySecurity, detail)
}

func StaleMessageError() *AppError {
	return New(ErrCodeStaleMessage, CategorySecurity, "Message timestamp outside freshness tolerance")
}

func RateLimitExceededError(sender string) *AppError {
	return New(ErrCodeRateLimitExceeded, CategorySecurity,
		fmt.Sprintf("Rate limit exceeded for sender %s", sender))
}

func UnknownIdentityError(sender string) *AppError {
	return New(ErrCodeUnknownIdentity, CategorySecurity,
		fmt.Sprintf("Sender %s is not a recognized room participant", sender))
}

func OversizedContentError() *AppError {
	return New(ErrCodeOversizedContent, CategorySecurity, "Message content exceeds the maximum allowed length")
}

// Session errors

func AlreadyJoinedError(roomID string) *AppError {
	return New(ErrCodeAlreadyJoined, CategorySession,
		fmt.Sprintf("Already joined to room %s; leave it before joining another", roomID))
}

func JoinInProgressError() *AppError {
	return New(ErrCodeJoinInProgress, CategorySession, "A join is already in progress")
}

func RoomAccessDeniedError(roomID string) *AppError {
	return New(ErrCodeRoomAccessDenied, CategorySession,
		fmt.Sprintf("Access to room %s was denied", roomID))
}

func ReconnectExhaustedError(attempts int) *AppError {
	return New(ErrCodeReconnectExhausted, CategorySession,
		fmt.Sprintf("Session connection lost after %d reconnection attempts; manual rejoin required", attempts))
}

// Internal errors

func InternalError(message string, err error) *AppError {
	return Wrap(ErrCodeInternal, CategoryInternal, message, err)
}

// IsCode reports whether err is an AppError carrying the given code
func IsCode(err error, code ErrorCode) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// IsCategory reports whether err is an AppError in the given category
func IsCategory(err error, category Category) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Category == category
	}
	return false
}

// GetAppError extracts AppError from an error, wrapping non-AppErrors as internal
func GetAppError(err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return InternalError(err.Error(), err)
}
