// Package session exposes the local control and diagnostics surface for
// the session agent. The API is consumed by the desktop shell on
// localhost; it is not a public service.
package session

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"mentorlink-rtc/internal/room"
	"mentorlink-rtc/pkg/errors"
	"mentorlink-rtc/pkg/metrics"
	"mentorlink-rtc/pkg/response"
)

// Handler handles session control HTTP requests
type Handler struct {
	manager *room.Manager
	metrics *metrics.NetworkMetrics
}

// NewHandler creates a new session handler
func NewHandler(manager *room.Manager, m *metrics.NetworkMetrics) *Handler {
	return &Handler{manager: manager, metrics: m}
}

// JoinRequest represents a room join request
type JoinRequest struct {
	RoomID      string `json:"room_id" binding:"required"`
	Address     string `json:"address" binding:"required"`
	Token       string `json:"token" binding:"required"`
	EnableVideo bool   `json:"enable_video"`
}

// Join enters a room
// POST /v1/session/join
func (h *Handler) Join(c *gin.Context) {
	var req JoinRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	if err := h.manager.JoinRoom(c.Request.Context(), req.RoomID, req.Address, req.Token, req.EnableVideo); err != nil {
		response.AppError(c, errors.GetAppError(err))
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"room_id": req.RoomID,
		"state":   h.manager.State(),
	})
}

// Leave exits the current room from any state
// POST /v1/session/leave
func (h *Handler) Leave(c *gin.Context) {
	h.manager.LeaveRoom()
	response.Success(c, http.StatusOK, gin.H{"state": h.manager.State()})
}

// ChatRequest represents an outbound chat message
type ChatRequest struct {
	Message string `json:"message" binding:"required"`
}

// Chat sends a chat message to the room
// POST /v1/session/chat
func (h *Handler) Chat(c *gin.Context) {
	var req ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}
	if err := h.manager.SendChat(req.Message); err != nil {
		response.AppError(c, errors.GetAppError(err))
		return
	}
	response.Success(c, http.StatusOK, gin.H{"sent": true})
}

// ToggleVideo flips the local camera track
// POST /v1/session/video/toggle
func (h *Handler) ToggleVideo(c *gin.Context) {
	response.Success(c, http.StatusOK, gin.H{"video": h.manager.ToggleVideo()})
}

// ToggleAudio flips the local microphone track
// POST /v1/session/audio/toggle
func (h *Handler) ToggleAudio(c *gin.Context) {
	response.Success(c, http.StatusOK, gin.H{"audio": h.manager.ToggleAudio()})
}

// StartScreenShare substitutes the screen capture for the camera
// POST /v1/session/screen-share/start
func (h *Handler) StartScreenShare(c *gin.Context) {
	if err := h.manager.StartScreenShare(); err != nil {
		response.AppError(c, errors.GetAppError(err))
		return
	}
	response.Success(c, http.StatusOK, gin.H{"sharing": true})
}

// StopScreenShare restores the camera track
// POST /v1/session/screen-share/stop
func (h *Handler) StopScreenShare(c *gin.Context) {
	if err := h.manager.StopScreenShare(); err != nil {
		response.AppError(c, errors.GetAppError(err))
		return
	}
	response.Success(c, http.StatusOK, gin.H{"sharing": false})
}

// ActiveSessionRequest declares a paid session in progress
type ActiveSessionRequest struct {
	SessionID      string `json:"session_id" binding:"required"`
	MentorAddress  string `json:"mentor_address" binding:"required"`
	StudentAddress string `json:"student_address" binding:"required"`
}

// SetActiveSession arms the navigation lock
// POST /v1/session/active
func (h *Handler) SetActiveSession(c *gin.Context) {
	var req ActiveSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	err := h.manager.SetActiveSession(room.ActiveSession{
		SessionID:      req.SessionID,
		MentorAddress:  req.MentorAddress,
		StudentAddress: req.StudentAddress,
		StartedAt:      time.Now().UTC(),
	})
	if err != nil {
		response.AppError(c, errors.GetAppError(err))
		return
	}
	response.Success(c, http.StatusOK, gin.H{"locked": true})
}

// ClearActiveSession releases the navigation lock on session completion
// DELETE /v1/session/active
func (h *Handler) ClearActiveSession(c *gin.Context) {
	h.manager.ClearActiveSession()
	response.Success(c, http.StatusOK, gin.H{"locked": false})
}

// State reports the full session snapshot for diagnostics
// GET /v1/session/state
func (h *Handler) State(c *gin.Context) {
	var terminal *string
	if err := h.manager.TerminalError(); err != nil {
		msg := err.Message
		terminal = &msg
	}

	response.Success(c, http.StatusOK, gin.H{
		"state":          h.manager.State(),
		"room_id":        h.manager.RoomID(),
		"roster":         h.manager.Roster(),
		"can_navigate":   h.manager.CanNavigate(),
		"active_session": h.manager.ActiveSession(),
		"security":       h.manager.SecurityState(),
		"network":        h.metrics.Get(),
		"terminal_error": terminal,
	})
}
