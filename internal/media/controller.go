// Package media owns the local capture stream lifecycle. The controller
// is the sole owner of device handles; the peer pool and any rendering
// surface hold track references only, so stopping and replacing tracks
// happens in exactly one place.
package media

import (
	"sync"

	"go.uber.org/zap"

	"mentorlink-rtc/internal/security"
	"mentorlink-rtc/internal/signaling"
	"mentorlink-rtc/pkg/config"
	"mentorlink-rtc/pkg/errors"
	"mentorlink-rtc/pkg/logger"
)

// TrackReplacer substitutes the outgoing video track on every live peer
// connection. The peer pool implements it.
type TrackReplacer interface {
	ReplaceVideoTrack(newTrack *LocalTrack) error
}

// Controller acquires, toggles, and releases local media
type Controller struct {
	opener    DeviceOpener
	validator *security.Validator
	bounds    config.MediaConfig

	mu          sync.Mutex
	stream      *LocalStream
	screenShare bool
	replacer    TrackReplacer
}

// NewController creates a media controller. The replacer is attached
// later, once the peer pool exists.
func NewController(opener DeviceOpener, validator *security.Validator, bounds config.MediaConfig) *Controller {
	return &Controller{
		opener:    opener,
		validator: validator,
		bounds:    bounds,
	}
}

// SetTrackReplacer wires the peer pool in for screen-share handoffs
func (c *Controller) SetTrackReplacer(r TrackReplacer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.replacer = r
}

// Acquire requests microphone and, optionally, camera access. Any
// previously-held stream is stopped first so device handles never leak.
// The acquired stream is validated against the platform media bounds
// before it is stored; a stream exceeding them is stopped immediately.
func (c *Controller) Acquire(enableVideo bool) (*LocalStream, error) {
	c.mu.Lock()
	previous := c.stream
	c.mu.Unlock()
	if previous != nil {
		previous.StopAll()
	}

	stream, err := c.opener.OpenUserMedia(enableVideo, c.bounds)
	if err != nil {
		return nil, err
	}

	if err := c.validateStream(stream); err != nil {
		stream.StopAll()
		return nil, errors.ConstraintsUnsatisfiableError(err)
	}

	c.mu.Lock()
	c.stream = stream
	c.screenShare = false
	c.mu.Unlock()

	logger.Info("Local media acquired",
		zap.Bool("video", enableVideo),
		zap.Int("tracks", len(stream.Tracks())))
	return stream, nil
}

func (c *Controller) validateStream(stream *LocalStream) error {
	tracks := stream.Tracks()
	infos := make([]security.TrackInfo, 0, len(tracks))
	for _, t := range tracks {
		s := t.Settings()
		infos = append(infos, security.TrackInfo{
			Kind:       string(t.Kind()),
			Width:      s.Width,
			Height:     s.Height,
			FrameRate:  s.FrameRate,
			SampleRate: s.SampleRate,
		})
	}
	return c.validator.ValidateMediaTracks(c.bounds, infos)
}

// Stream returns the currently-held stream, or nil
func (c *Controller) Stream() *LocalStream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stream
}

// HasLiveStream reports whether a stream is held. Used by the session
// manager's join idempotency check.
func (c *Controller) HasLiveStream() bool {
	return c.Stream() != nil
}

// ToggleVideo flips the video track's enabled flag in place and returns
// the new state. No re-acquisition happens.
func (c *Controller) ToggleVideo() bool {
	c.mu.Lock()
	stream := c.stream
	c.mu.Unlock()
	if stream == nil {
		return false
	}
	track := stream.VideoTrack()
	if track == nil {
		return false
	}
	track.SetEnabled(!track.Enabled())
	return track.Enabled()
}

// ToggleAudio flips the audio track's enabled flag in place and returns
// the new state
func (c *Controller) ToggleAudio() bool {
	c.mu.Lock()
	stream := c.stream
	c.mu.Unlock()
	if stream == nil {
		return false
	}
	track := stream.AudioTrack()
	if track == nil {
		return false
	}
	track.SetEnabled(!track.Enabled())
	return track.Enabled()
}

// StartScreenShare acquires a screen capture source, substitutes it for
// the outgoing video track on every live peer connection, then stops the
// camera track. Substitution is a track replace, not a renegotiation.
// If the user ends the capture from the OS, the stop path runs
// automatically.
func (c *Controller) StartScreenShare() error {
	c.mu.Lock()
	if c.screenShare {
		c.mu.Unlock()
		return nil
	}
	stream := c.stream
	replacer := c.replacer
	c.mu.Unlock()
	if stream == nil {
		return errors.DeviceNotFoundError()
	}

	screenTrack, err := c.opener.OpenDisplayMedia(c.bounds)
	if err != nil {
		return err
	}

	if replacer != nil {
		if err := replacer.ReplaceVideoTrack(screenTrack); err != nil {
			screenTrack.Stop()
			return errors.InternalError("failed to substitute screen track", err)
		}
	}

	oldTrack := stream.ReplaceVideoTrack(screenTrack)
	if oldTrack != nil {
		oldTrack.Stop()
	}

	c.mu.Lock()
	c.screenShare = true
	c.mu.Unlock()

	screenTrack.OnEnded(func(err error) {
		logger.Info("Screen capture ended by platform", zap.Error(err))
		if stopErr := c.StopScreenShare(); stopErr != nil {
			logger.Warn("Failed to recover camera after screen capture ended", zap.Error(stopErr))
		}
	})

	logger.Info("Screen share started", zap.String("track_id", screenTrack.ID()))
	return nil
}

// StopScreenShare acquires a fresh camera source, substitutes it back on
// every live peer connection, and stops the screen track. No-op when no
// screen share is active.
func (c *Controller) StopScreenShare() error {
	c.mu.Lock()
	if !c.screenShare {
		c.mu.Unlock()
		return nil
	}
	stream := c.stream
	replacer := c.replacer
	c.mu.Unlock()
	if stream == nil {
		return nil
	}

	cameraTrack, err := c.opener.OpenCameraVideo(c.bounds)
	if err != nil {
		return err
	}

	if replacer != nil {
		if err := replacer.ReplaceVideoTrack(cameraTrack); err != nil {
			cameraTrack.Stop()
			return errors.InternalError("failed to restore camera track", err)
		}
	}

	oldTrack := stream.ReplaceVideoTrack(cameraTrack)
	if oldTrack != nil {
		oldTrack.Stop()
	}

	c.mu.Lock()
	c.screenShare = false
	c.mu.Unlock()

	logger.Info("Screen share stopped", zap.String("track_id", cameraTrack.ID()))
	return nil
}

// ScreenSharing reports whether a screen share is active
func (c *Controller) ScreenSharing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.screenShare
}

// MediaState snapshots the local track flags for media-state-change events
func (c *Controller) MediaState() signaling.MediaState {
	c.mu.Lock()
	stream := c.stream
	sharing := c.screenShare
	c.mu.Unlock()

	state := signaling.MediaState{ScreenShare: sharing}
	if stream == nil {
		return state
	}
	if v := stream.VideoTrack(); v != nil {
		state.Video = v.Enabled()
	}
	if a := stream.AudioTrack(); a != nil {
		state.Audio = a.Enabled()
	}
	return state
}

// Release stops every held track and clears the stream reference.
// Idempotent; safe to call when nothing is held.
func (c *Controller) Release() {
	c.mu.Lock()
	stream := c.stream
	c.stream = nil
	c.screenShare = false
	c.mu.Unlock()

	if stream != nil {
		stream.StopAll()
		logger.Info("Local media released")
	}
}
