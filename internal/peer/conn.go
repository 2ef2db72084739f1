package peer

import (
	"fmt"

	"github.com/pion/webrtc/v4"

	"mentorlink-rtc/pkg/config"
)

// pionConn adapts *webrtc.PeerConnection to the Conn interface the pool
// drives
type pionConn struct {
	pc *webrtc.PeerConnection
}

// NewPionFactory builds the production connection factory from the
// configured ICE servers
func NewPionFactory(ice config.ICEConfig) ConnFactory {
	webrtcConfig := webrtc.Configuration{}
	if len(ice.URLs) > 0 {
		server := webrtc.ICEServer{URLs: ice.URLs}
		if ice.Username != "" {
			server.Username = ice.Username
			server.Credential = ice.Credential
		}
		webrtcConfig.ICEServers = []webrtc.ICEServer{server}
	}

	return func() (Conn, error) {
		pc, err := webrtc.NewPeerConnection(webrtcConfig)
		if err != nil {
			return nil, err
		}
		return &pionConn{pc: pc}, nil
	}
}

func (c *pionConn) CreateOffer() (webrtc.SessionDescription, error) {
	return c.pc.CreateOffer(nil)
}

func (c *pionConn) CreateAnswer() (webrtc.SessionDescription, error) {
	return c.pc.CreateAnswer(nil)
}

func (c *pionConn) SetLocalDescription(sdp webrtc.SessionDescription) error {
	return c.pc.SetLocalDescription(sdp)
}

func (c *pionConn) SetRemoteDescription(sdp webrtc.SessionDescription) error {
	return c.pc.SetRemoteDescription(sdp)
}

func (c *pionConn) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	return c.pc.AddICECandidate(candidate)
}

func (c *pionConn) AddTrack(track webrtc.TrackLocal) error {
	_, err := c.pc.AddTrack(track)
	return err
}

// ReplaceVideoTrack swaps the outgoing video track on the existing sender
// without renegotiation
func (c *pionConn) ReplaceVideoTrack(track webrtc.TrackLocal) error {
	for _, sender := range c.pc.GetSenders() {
		current := sender.Track()
		if current == nil || current.Kind() != webrtc.RTPCodecTypeVideo {
			continue
		}
		return sender.ReplaceTrack(track)
	}
	return fmt.Errorf("no video sender to replace")
}

func (c *pionConn) OnICECandidate(handler func(*webrtc.ICECandidate)) {
	c.pc.OnICECandidate(handler)
}

func (c *pionConn) OnConnectionStateChange(handler func(webrtc.PeerConnectionState)) {
	c.pc.OnConnectionStateChange(handler)
}

func (c *pionConn) Close() error {
	return c.pc.Close()
}
