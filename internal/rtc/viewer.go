package rtc

import (
	"encoding/json"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/weiawesome/wes-io-live-relay/internal/domain"
	pkglog "github.com/weiawesome/wes-io-live-relay/pkg/log"
)

// ViewerOption configures a Viewer.
type ViewerOption func(*Viewer)

// WithTrackHandler is called for every remote track.
func WithTrackHandler(fn func(*webrtc.TrackRemote)) ViewerOption {
	return func(v *Viewer) { v.onTrack = fn }
}

// WithCloseHandler is called once the viewer tears down.
func WithCloseHandler(fn func(reason string)) ViewerOption {
	return func(v *Viewer) { v.onClose = fn }
}

// Viewer answers the broadcaster's offers for one room.
type Viewer struct {
	roomID      string
	signaler    Signaler
	newPeer     PeerFactory
	maxFailures int
	onTrack     func(*webrtc.TrackRemote)
	onClose     func(reason string)

	mu       sync.Mutex
	viewerID string
	session  *peerSession
	early    []webrtc.ICECandidateInit
	failures int
	closed   bool
}

// NewViewer creates a viewer for roomID. After maxFailures consecutive
// failed connection states the viewer tears down.
func NewViewer(roomID string, signaler Signaler, newPeer PeerFactory, maxFailures int, opts ...ViewerOption) *Viewer {
	v := &Viewer{
		roomID:      roomID,
		signaler:    signaler,
		newPeer:     newPeer,
		maxFailures: maxFailures,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// ViewerID returns the id the relay assigned, once known.
func (v *Viewer) ViewerID() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.viewerID
}

// Closed reports whether the viewer has torn down.
func (v *Viewer) Closed() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.closed
}

// HandleFrame consumes relay frames addressed to the viewer.
func (v *Viewer) HandleFrame(msgType string, raw []byte) {
	l := pkglog.Component("rtc")

	switch msgType {
	case domain.MsgTypeJoinAck:
		var ack domain.JoinAckMessage
		if json.Unmarshal(raw, &ack) == nil && ack.Role == domain.RoleViewer {
			v.setViewerID(ack.ID)
		}

	case domain.MsgTypeChatJoinAck:
		var ack domain.ChatJoinAckMessage
		if json.Unmarshal(raw, &ack) == nil {
			v.setViewerID(ack.ViewerID)
		}

	case domain.MsgTypeOffer:
		var f signalFrame
		if err := json.Unmarshal(raw, &f); err != nil || f.SDP == nil {
			return
		}
		if err := v.handleOffer(f); err != nil {
			l.Error().Err(err).Str(pkglog.FieldRoomID, v.roomID).Msg("failed to answer offer")
		}

	case domain.MsgTypeICECandidate:
		var f signalFrame
		if err := json.Unmarshal(raw, &f); err != nil || f.Candidate == nil {
			return
		}
		v.mu.Lock()
		var err error
		if v.session == nil {
			v.early = append(v.early, *f.Candidate)
		} else {
			err = v.session.addCandidate(*f.Candidate)
		}
		v.mu.Unlock()
		if err != nil {
			l.Warn().Err(err).Msg("failed to add candidate")
		}

	case domain.MsgTypePeerUnavailable:
		// Drop this negotiation; a fresh offer starts a new one.
		v.mu.Lock()
		s := v.session
		v.session = nil
		v.early = nil
		v.mu.Unlock()
		if s != nil {
			s.peer.Close()
		}

	case domain.MsgTypeStreamEnd:
		v.teardown("stream ended")
	}
}

// Close disposes the peer connection.
func (v *Viewer) Close() {
	v.teardown("closed")
}

func (v *Viewer) setViewerID(id string) {
	if id == "" {
		return
	}
	v.mu.Lock()
	v.viewerID = id
	v.mu.Unlock()
}

func (v *Viewer) handleOffer(f signalFrame) error {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return nil
	}
	if v.viewerID == "" {
		v.viewerID = f.ViewerID
	}
	viewerID := v.viewerID
	key := negotiationKey(*f.SDP)

	// An offer from a different remote connection, such as a reconnected
	// broadcaster, cannot be applied to the old peer.
	var stale Peer
	s := v.session
	if s != nil && s.negotiation != key {
		stale = s.peer
		s = nil
		v.session = nil
		v.failures = 0
	}
	if s == nil {
		peer, err := v.newPeer()
		if err != nil {
			v.mu.Unlock()
			closePeer(stale)
			return err
		}
		s = &peerSession{viewerID: viewerID, peer: peer, negotiation: key, buffered: v.early}
		v.early = nil
		v.session = s
		v.watch(s)
	}

	err := s.setRemote(*f.SDP)
	var answer webrtc.SessionDescription
	if err == nil {
		answer, err = s.peer.CreateAnswer()
	}
	v.mu.Unlock()

	if stale != nil {
		l := pkglog.Component("rtc")
		l.Info().Str(pkglog.FieldRoomID, v.roomID).Msg("new broadcaster connection, replacing peer")
		closePeer(stale)
	}
	if err != nil {
		return err
	}

	return v.signaler.SendFrame(&signalFrame{
		Type:          domain.MsgTypeAnswer,
		SDP:           &answer,
		ViewerID:      viewerID,
		BroadcasterID: v.roomID,
	})
}

func closePeer(p Peer) {
	if p != nil {
		p.Close()
	}
}

// watch wires the peer callbacks. Called with v.mu held.
func (v *Viewer) watch(s *peerSession) {
	peer := s.peer
	viewerID := s.viewerID

	peer.OnICECandidate(func(c webrtc.ICECandidateInit) {
		if err := v.signaler.SendFrame(&signalFrame{
			Type:          domain.MsgTypeICECandidate,
			Candidate:     &c,
			ViewerID:      viewerID,
			BroadcasterID: v.roomID,
		}); err != nil {
			l := pkglog.Component("rtc")
			l.Debug().Err(err).Msg("signaling send failed")
		}
	})
	peer.OnTrack(func(t *webrtc.TrackRemote) {
		if v.onTrack != nil {
			v.onTrack(t)
		}
	})
	peer.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		v.onState(peer, state)
	})
}

func (v *Viewer) onState(peer Peer, state webrtc.PeerConnectionState) {
	l := pkglog.Component("rtc").With().Str(pkglog.FieldRoomID, v.roomID).Str(pkglog.FieldState, state.String()).Logger()

	v.mu.Lock()
	if v.session == nil || v.session.peer != peer {
		v.mu.Unlock()
		return
	}
	switch state {
	case webrtc.PeerConnectionStateConnected:
		v.failures = 0
		v.mu.Unlock()
		l.Info().Msg("receiving stream")
		return
	case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateDisconnected:
		v.failures++
		failures := v.failures
		v.mu.Unlock()
		l.Warn().Int("failures", failures).Msg("peer connection degraded")
		if failures >= v.maxFailures {
			v.teardown("connection failed")
		}
		return
	}
	v.mu.Unlock()
}

func (v *Viewer) teardown(reason string) {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return
	}
	v.closed = true
	s := v.session
	v.session = nil
	v.early = nil
	v.mu.Unlock()

	if s != nil {
		s.peer.Close()
	}
	l := pkglog.Component("rtc")
	l.Info().Str(pkglog.FieldRoomID, v.roomID).Str("reason", reason).Msg("viewer stopped")
	if v.onClose != nil {
		v.onClose(reason)
	}
}
