package rtc

import (
	"strconv"

	"github.com/pion/webrtc/v4"

	pkglog "github.com/weiawesome/wes-io-live-relay/pkg/log"
)

// Signaler sends a frame to the relay.
type Signaler interface {
	SendFrame(v any) error
}

// signalFrame is offer, answer and ice_candidate on the wire.
type signalFrame struct {
	Type          string                     `json:"type"`
	SDP           *webrtc.SessionDescription `json:"sdp,omitempty"`
	Candidate     *webrtc.ICECandidateInit   `json:"candidate,omitempty"`
	ViewerID      string                     `json:"viewerId"`
	BroadcasterID string                     `json:"broadcasterId,omitempty"`
}

// peerSession is one peer connection plus the remote candidates that
// arrived before its remote description.
type peerSession struct {
	viewerID       string
	peer           Peer
	negotiation    string
	remoteSet      bool
	buffered       []webrtc.ICECandidateInit
	renegotiations int
}

// addCandidate applies c, or buffers it until the remote description is set.
func (s *peerSession) addCandidate(c webrtc.ICECandidateInit) error {
	if !s.remoteSet {
		s.buffered = append(s.buffered, c)
		return nil
	}
	return s.peer.AddICECandidate(c)
}

// setRemote sets the remote description and then applies buffered
// candidates in arrival order.
func (s *peerSession) setRemote(desc webrtc.SessionDescription) error {
	if err := s.peer.SetRemoteDescription(desc); err != nil {
		return err
	}
	s.remoteSet = true

	l := pkglog.Component("rtc")
	for _, c := range s.buffered {
		if err := s.peer.AddICECandidate(c); err != nil {
			l.Warn().Err(err).Str(pkglog.FieldViewerID, s.viewerID).Msg("failed to apply buffered candidate")
		}
	}
	s.buffered = nil
	return nil
}

// negotiationKey identifies the remote peer connection behind desc. The SDP
// origin session id stays fixed across renegotiations of one connection and
// changes when the remote side builds a new one. Unparseable SDP yields "".
func negotiationKey(desc webrtc.SessionDescription) string {
	parsed, err := desc.Unmarshal()
	if err != nil {
		return ""
	}
	return parsed.Origin.Username + "/" + strconv.FormatUint(parsed.Origin.SessionID, 10)
}
