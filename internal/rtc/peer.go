// Package rtc holds the broadcaster and viewer signaling state machines.
// Peers are created through a PeerFactory so the machines can run against
// pion or a fake.
package rtc

import (
	"errors"
	"fmt"

	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/intervalpli"
	"github.com/pion/webrtc/v4"
)

// Peer is the part of an RTCPeerConnection the state machines drive.
type Peer interface {
	// CreateOffer creates an offer and sets it as the local description.
	CreateOffer(iceRestart bool) (webrtc.SessionDescription, error)
	// CreateAnswer creates an answer and sets it as the local description.
	CreateAnswer() (webrtc.SessionDescription, error)
	SetRemoteDescription(desc webrtc.SessionDescription) error
	AddICECandidate(c webrtc.ICECandidateInit) error
	AddTrack(track webrtc.TrackLocal) error
	OnICECandidate(fn func(webrtc.ICECandidateInit))
	OnConnectionStateChange(fn func(webrtc.PeerConnectionState))
	OnTrack(fn func(*webrtc.TrackRemote))
	Close() error
}

// PeerFactory creates a new Peer.
type PeerFactory func() (Peer, error)

// NewPionFactory returns a factory for pion peer connections using the
// given STUN/TURN urls. Every peer carries the default NACK, RTCP report
// and TWCC interceptors plus a periodic PLI for received video.
func NewPionFactory(iceServers []string) PeerFactory {
	api, apiErr := newPionAPI()
	return func() (Peer, error) {
		if apiErr != nil {
			return nil, apiErr
		}
		cfg := webrtc.Configuration{}
		if len(iceServers) > 0 {
			cfg.ICEServers = []webrtc.ICEServer{{URLs: iceServers}}
		}
		pc, err := api.NewPeerConnection(cfg)
		if err != nil {
			return nil, fmt.Errorf("create peer connection: %w", err)
		}
		return &pionPeer{pc: pc}, nil
	}
}

func newPionAPI() (*webrtc.API, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	i := &interceptor.Registry{}

	// Ask the sender for a keyframe every few seconds so a late or lossy
	// viewer recovers.
	pli, err := intervalpli.NewReceiverInterceptor()
	if err != nil {
		return nil, fmt.Errorf("create pli interceptor: %w", err)
	}
	i.Add(pli)

	if err := webrtc.RegisterDefaultInterceptors(m, i); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	return webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithInterceptorRegistry(i)), nil
}

type pionPeer struct {
	pc *webrtc.PeerConnection
}

func (p *pionPeer) CreateOffer(iceRestart bool) (webrtc.SessionDescription, error) {
	offer, err := p.pc.CreateOffer(&webrtc.OfferOptions{ICERestart: iceRestart})
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("create offer: %w", err)
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set local description: %w", err)
	}
	return offer, nil
}

func (p *pionPeer) CreateAnswer() (webrtc.SessionDescription, error) {
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("create answer: %w", err)
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set local description: %w", err)
	}
	return answer, nil
}

func (p *pionPeer) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return p.pc.SetRemoteDescription(desc)
}

func (p *pionPeer) AddICECandidate(c webrtc.ICECandidateInit) error {
	return p.pc.AddICECandidate(c)
}

func (p *pionPeer) AddTrack(track webrtc.TrackLocal) error {
	_, err := p.pc.AddTrack(track)
	return err
}

func (p *pionPeer) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	p.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		fn(c.ToJSON())
	})
}

func (p *pionPeer) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	p.pc.OnConnectionStateChange(fn)
}

func (p *pionPeer) OnTrack(fn func(*webrtc.TrackRemote)) {
	p.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		fn(track)
	})
}

func (p *pionPeer) Close() error {
	return p.pc.Close()
}

// MediaSource supplies the local tracks a broadcaster publishes.
type MediaSource interface {
	Tracks() ([]webrtc.TrackLocal, error)
	Stop()
}

// MediaAcquisitionError means local media could not be obtained. It is
// fatal to starting a broadcast.
type MediaAcquisitionError struct {
	Err error
}

func (e *MediaAcquisitionError) Error() string {
	return "could not access camera or microphone: " + e.Err.Error()
}

func (e *MediaAcquisitionError) Unwrap() error { return e.Err }

// IsMediaAcquisition reports whether err is a MediaAcquisitionError.
func IsMediaAcquisition(err error) bool {
	var target *MediaAcquisitionError
	return errors.As(err, &target)
}

// StaticSource publishes one VP8 video track with no samples. The demo
// client uses it to exercise negotiation without a camera.
type StaticSource struct {
	track *webrtc.TrackLocalStaticSample
}

// NewStaticSource creates a source with a single video track.
func NewStaticSource(streamID string) (*StaticSource, error) {
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", streamID)
	if err != nil {
		return nil, &MediaAcquisitionError{Err: err}
	}
	return &StaticSource{track: track}, nil
}

func (s *StaticSource) Tracks() ([]webrtc.TrackLocal, error) {
	return []webrtc.TrackLocal{s.track}, nil
}

func (s *StaticSource) Stop() {}
