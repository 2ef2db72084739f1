package media

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"     // registers the camera driver
	_ "github.com/pion/mediadevices/pkg/driver/microphone" // registers the microphone driver
	_ "github.com/pion/mediadevices/pkg/driver/screen"     // registers the screen capture driver
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"

	"mentorlink-rtc/pkg/config"
	"mentorlink-rtc/pkg/errors"
)

// TrackKind distinguishes capture track types
type TrackKind string

const (
	TrackKindVideo TrackKind = "video"
	TrackKindAudio TrackKind = "audio"
)

// TrackSettings captures the parameters a track was acquired with
type TrackSettings struct {
	Width      int
	Height     int
	FrameRate  int
	SampleRate int
}

// CaptureTrack is the device-backed track handle. It is attachable to a
// peer connection; pion/mediadevices tracks satisfy it directly.
type CaptureTrack interface {
	webrtc.TrackLocal
	Close() error
	OnEnded(func(error))
}

// LocalTrack wraps a capture track with an enabled flag and the settings
// it was acquired with. The controller is the only owner; everything else
// holds references.
type LocalTrack struct {
	src      CaptureTrack
	kind     TrackKind
	settings TrackSettings
	enabled  atomic.Bool
	stopOnce sync.Once
	isScreen bool
}

// NewLocalTrack wraps a capture track. Tracks start enabled.
func NewLocalTrack(src CaptureTrack, kind TrackKind, settings TrackSettings) *LocalTrack {
	t := &LocalTrack{src: src, kind: kind, settings: settings}
	t.enabled.Store(true)
	return t
}

// ID returns the underlying track identifier
func (t *LocalTrack) ID() string { return t.src.ID() }

// Kind returns whether this is a video or audio track
func (t *LocalTrack) Kind() TrackKind { return t.kind }

// Settings returns the acquisition parameters
func (t *LocalTrack) Settings() TrackSettings { return t.settings }

// Enabled reports whether the track is currently live toward peers
func (t *LocalTrack) Enabled() bool { return t.enabled.Load() }

// SetEnabled flips the track's live flag in place without re-acquisition
func (t *LocalTrack) SetEnabled(enabled bool) { t.enabled.Store(enabled) }

// IsScreen reports whether this track captures the screen
func (t *LocalTrack) IsScreen() bool { return t.isScreen }

// Source exposes the capture track for attachment to peer connections
func (t *LocalTrack) Source() CaptureTrack { return t.src }

// OnEnded registers a handler for out-of-band track termination, such as
// the user ending a screen capture from the OS
func (t *LocalTrack) OnEnded(handler func(error)) { t.src.OnEnded(handler) }

// Stop closes the underlying device handle. Idempotent.
func (t *LocalTrack) Stop() {
	t.stopOnce.Do(func() {
		t.enabled.Store(false)
		_ = t.src.Close()
	})
}

// LocalStream is the set of local capture tracks for a session
type LocalStream struct {
	mu     sync.Mutex
	tracks []*LocalTrack
}

// NewLocalStream builds a stream from acquired tracks
func NewLocalStream(tracks []*LocalTrack) *LocalStream {
	return &LocalStream{tracks: tracks}
}

// Tracks returns a copy of the current track list
func (s *LocalStream) Tracks() []*LocalTrack {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*LocalTrack, len(s.tracks))
	copy(out, s.tracks)
	return out
}

// VideoTrack returns the current video track, or nil
func (s *LocalStream) VideoTrack() *LocalTrack {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tracks {
		if t.kind == TrackKindVideo {
			return t
		}
	}
	return nil
}

// AudioTrack returns the current audio track, or nil
func (s *LocalStream) AudioTrack() *LocalTrack {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tracks {
		if t.kind == TrackKindAudio {
			return t
		}
	}
	return nil
}

// ReplaceVideoTrack swaps the stream's video track reference. The caller
// owns stopping the old track.
func (s *LocalStream) ReplaceVideoTrack(newTrack *LocalTrack) *LocalTrack {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, t := range s.tracks {
		if t.kind == TrackKindVideo {
			old := t
			s.tracks[i] = newTrack
			return old
		}
	}
	s.tracks = append(s.tracks, newTrack)
	return nil
}

// StopAll stops every track in the stream
func (s *LocalStream) StopAll() {
	for _, t := range s.Tracks() {
		t.Stop()
	}
}

// DeviceOpener acquires capture devices. The production implementation
// uses pion/mediadevices; tests substitute fakes.
type DeviceOpener interface {
	OpenUserMedia(enableVideo bool, bounds config.MediaConfig) (*LocalStream, error)
	OpenCameraVideo(bounds config.MediaConfig) (*LocalTrack, error)
	OpenDisplayMedia(bounds config.MediaConfig) (*LocalTrack, error)
}

// Default capture parameters, all within the platform bounds
const (
	captureWidth      = 1280
	captureHeight     = 720
	captureFrameRate  = 30
	captureSampleRate = 48000
)

// mediadevicesOpener acquires real devices through pion/mediadevices
type mediadevicesOpener struct {
	selectorOnce sync.Once
	selector     *mediadevices.CodecSelector
	selectorErr  error
}

// NewDeviceOpener creates the production device opener
func NewDeviceOpener() DeviceOpener {
	return &mediadevicesOpener{}
}

func (o *mediadevicesOpener) codecSelector() (*mediadevices.CodecSelector, error) {
	o.selectorOnce.Do(func() {
		vpxParams, err := vpx.NewVP8Params()
		if err != nil {
			o.selectorErr = err
			return
		}
		vpxParams.BitRate = 500_000

		opusParams, err := opus.NewParams()
		if err != nil {
			o.selectorErr = err
			return
		}

		o.selector = mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		)
	})
	return o.selector, o.selectorErr
}

func videoConstraints(c *mediadevices.MediaTrackConstraints) {
	c.Width = prop.Int(captureWidth)
	c.Height = prop.Int(captureHeight)
	c.FrameRate = prop.Float(captureFrameRate)
}

func audioConstraints(c *mediadevices.MediaTrackConstraints) {
	c.SampleRate = prop.Int(captureSampleRate)
	c.ChannelCount = prop.Int(1)
}

// OpenUserMedia acquires microphone and, optionally, camera tracks
func (o *mediadevicesOpener) OpenUserMedia(enableVideo bool, bounds config.MediaConfig) (*LocalStream, error) {
	selector, err := o.codecSelector()
	if err != nil {
		return nil, errors.ConstraintsUnsatisfiableError(err)
	}

	constraints := mediadevices.MediaStreamConstraints{
		Audio: audioConstraints,
		Codec: selector,
	}
	if enableVideo {
		constraints.Video = videoConstraints
	}

	stream, err := mediadevices.GetUserMedia(constraints)
	if err != nil {
		return nil, classifyDeviceError(err)
	}

	tracks := make([]*LocalTrack, 0, 2)
	for _, tr := range stream.GetTracks() {
		switch tr.Kind() {
		case webrtc.RTPCodecTypeVideo:
			tracks = append(tracks, NewLocalTrack(tr, TrackKindVideo, TrackSettings{
				Width:     captureWidth,
				Height:    captureHeight,
				FrameRate: captureFrameRate,
			}))
		case webrtc.RTPCodecTypeAudio:
			tracks = append(tracks, NewLocalTrack(tr, TrackKindAudio, TrackSettings{
				SampleRate: captureSampleRate,
			}))
		}
	}
	return NewLocalStream(tracks), nil
}

// OpenCameraVideo acquires a fresh camera track, used when screen sharing ends
func (o *mediadevicesOpener) OpenCameraVideo(bounds config.MediaConfig) (*LocalTrack, error) {
	selector, err := o.codecSelector()
	if err != nil {
		return nil, errors.ConstraintsUnsatisfiableError(err)
	}

	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Video: videoConstraints,
		Codec: selector,
	})
	if err != nil {
		return nil, classifyDeviceError(err)
	}

	videoTracks := stream.GetVideoTracks()
	if len(videoTracks) == 0 {
		return nil, errors.DeviceNotFoundError()
	}
	return NewLocalTrack(videoTracks[0], TrackKindVideo, TrackSettings{
		Width:     captureWidth,
		Height:    captureHeight,
		FrameRate: captureFrameRate,
	}), nil
}

// OpenDisplayMedia acquires a screen capture track
func (o *mediadevicesOpener) OpenDisplayMedia(bounds config.MediaConfig) (*LocalTrack, error) {
	selector, err := o.codecSelector()
	if err != nil {
		return nil, errors.ConstraintsUnsatisfiableError(err)
	}

	stream, err := mediadevices.GetDisplayMedia(mediadevices.MediaStreamConstraints{
		Video: func(c *mediadevices.MediaTrackConstraints) {
			c.FrameRate = prop.Float(captureFrameRate)
		},
		Codec: selector,
	})
	if err != nil {
		return nil, classifyDeviceError(err)
	}

	videoTracks := stream.GetVideoTracks()
	if len(videoTracks) == 0 {
		return nil, errors.DeviceNotFoundError()
	}
	track := NewLocalTrack(videoTracks[0], TrackKindVideo, TrackSettings{
		Width:     captureWidth,
		Height:    captureHeight,
		FrameRate: captureFrameRate,
	})
	track.isScreen = true
	return track, nil
}

// classifyDeviceError maps platform capture failures onto the
// user-actionable media access categories
func classifyDeviceError(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "permission denied") || strings.Contains(msg, "not allowed") ||
		strings.Contains(msg, "operation not permitted"):
		return errors.PermissionDeniedError()
	case strings.Contains(msg, "not found") || strings.Contains(msg, "no such") ||
		strings.Contains(msg, "no device"):
		return errors.DeviceNotFoundError()
	case strings.Contains(msg, "busy") || strings.Contains(msg, "in use"):
		return errors.DeviceBusyError()
	default:
		return errors.ConstraintsUnsatisfiableError(fmt.Errorf("media acquisition failed: %w", err))
	}
}
