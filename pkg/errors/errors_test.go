package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAppError_Error(t *testing.T) {
	err := New(ErrCodePermissionDenied, CategoryMediaAccess, "access denied")
	assert.Contains(t, err.Error(), "PERMISSION_DENIED")
	assert.Contains(t, err.Error(), "access denied")
}

func TestAppError_Unwrap(t *testing.T) {
	cause := fmt.Errorf("device open failed")
	err := Wrap(ErrCodeDeviceBusy, CategoryMediaAccess, "busy", cause)

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "device open failed")
}

func TestIsCode(t *testing.T) {
	err := RateLimitExceededError("0xabc")
	wrapped := fmt.Errorf("dropped: %w", err)

	assert.True(t, IsCode(wrapped, ErrCodeRateLimitExceeded))
	assert.False(t, IsCode(wrapped, ErrCodeStaleMessage))
	assert.False(t, IsCode(errors.New("plain"), ErrCodeRateLimitExceeded))
}

func TestIsCategory(t *testing.T) {
	assert.True(t, IsCategory(PermissionDeniedError(), CategoryMediaAccess))
	assert.True(t, IsCategory(NegotiationTimeoutError("0xabc"), CategoryPeerConnection))
	assert.False(t, IsCategory(PermissionDeniedError(), CategorySignaling))
}

func TestGetAppError_PassThrough(t *testing.T) {
	orig := JoinInProgressError()
	got := GetAppError(fmt.Errorf("join failed: %w", orig))
	assert.Equal(t, ErrCodeJoinInProgress, got.Code)
}

func TestGetAppError_WrapsPlainError(t *testing.T) {
	got := GetAppError(errors.New("boom"))
	assert.Equal(t, ErrCodeInternal, got.Code)
	assert.Equal(t, CategoryInternal, got.Category)
}

func TestReconnectExhaustedError(t *testing.T) {
	err := ReconnectExhaustedError(5)
	assert.Equal(t, ErrCodeReconnectExhausted, err.Code)
	assert.Equal(t, CategorySession, err.Category)
	assert.Contains(t, err.Message, "5")
}
