package rtc

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/weiawesome/wes-io-live-relay/internal/domain"
	pkglog "github.com/weiawesome/wes-io-live-relay/pkg/log"
)

// Broadcaster publishes local media to every viewer of a room, one peer
// connection per viewer.
type Broadcaster struct {
	roomID            string
	signaler          Signaler
	newPeer           PeerFactory
	media             MediaSource
	maxRenegotiations int

	mu      sync.Mutex
	live    bool
	tracks  []webrtc.TrackLocal
	peers   map[string]*peerSession
	waiting []string
}

// NewBroadcaster creates a broadcaster for roomID.
func NewBroadcaster(roomID string, signaler Signaler, newPeer PeerFactory, media MediaSource, maxRenegotiations int) *Broadcaster {
	return &Broadcaster{
		roomID:            roomID,
		signaler:          signaler,
		newPeer:           newPeer,
		media:             media,
		maxRenegotiations: maxRenegotiations,
		peers:             make(map[string]*peerSession),
	}
}

// Start acquires local media, announces the stream and offers to viewers
// that joined earlier.
func (b *Broadcaster) Start() error {
	tracks, err := b.media.Tracks()
	if err != nil {
		var mae *MediaAcquisitionError
		if errors.As(err, &mae) {
			return err
		}
		return &MediaAcquisitionError{Err: err}
	}

	b.mu.Lock()
	b.live = true
	b.tracks = tracks
	waiting := b.waiting
	b.waiting = nil
	b.mu.Unlock()

	b.send(&domain.StreamMessage{Type: domain.MsgTypeStreamStart, BroadcasterID: b.roomID, Timestamp: time.Now().UnixMilli()})
	for _, id := range waiting {
		b.connectViewer(id)
	}
	return nil
}

// Stop stops local media, closes every peer and sends a best-effort
// stream_end.
func (b *Broadcaster) Stop() {
	b.mu.Lock()
	wasLive := b.live
	b.live = false
	peers := b.peers
	b.peers = make(map[string]*peerSession)
	b.waiting = nil
	b.mu.Unlock()

	b.media.Stop()
	for _, s := range peers {
		s.peer.Close()
	}
	if wasLive {
		b.send(&domain.StreamMessage{Type: domain.MsgTypeStreamEnd, BroadcasterID: b.roomID, Timestamp: time.Now().UnixMilli()})
	}
}

// Viewers returns the ids of viewers with a peer connection.
func (b *Broadcaster) Viewers() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	ids := make([]string, 0, len(b.peers))
	for id := range b.peers {
		ids = append(ids, id)
	}
	return ids
}

// HandleFrame consumes relay frames addressed to the broadcaster.
func (b *Broadcaster) HandleFrame(msgType string, raw []byte) {
	l := pkglog.Component("rtc")

	switch msgType {
	case domain.MsgTypeViewerJoined:
		var msg domain.ViewerJoinedMessage
		if err := json.Unmarshal(raw, &msg); err != nil || msg.ViewerID == "" {
			return
		}
		b.connectViewer(msg.ViewerID)

	case domain.MsgTypeAnswer:
		var f signalFrame
		if err := json.Unmarshal(raw, &f); err != nil || f.SDP == nil {
			return
		}
		b.mu.Lock()
		s, ok := b.peers[f.ViewerID]
		var err error
		if ok {
			err = s.setRemote(*f.SDP)
		}
		b.mu.Unlock()
		if err != nil {
			l.Warn().Err(err).Str(pkglog.FieldViewerID, f.ViewerID).Msg("failed to apply answer")
		}

	case domain.MsgTypeICECandidate:
		var f signalFrame
		if err := json.Unmarshal(raw, &f); err != nil || f.Candidate == nil {
			return
		}
		b.mu.Lock()
		s, ok := b.peers[f.ViewerID]
		var err error
		if ok {
			err = s.addCandidate(*f.Candidate)
		}
		b.mu.Unlock()
		if err != nil {
			l.Warn().Err(err).Str(pkglog.FieldViewerID, f.ViewerID).Msg("failed to add candidate")
		}

	case domain.MsgTypeViewerLeft:
		var msg domain.ViewerLeftMessage
		if json.Unmarshal(raw, &msg) == nil {
			b.dispose(msg.ViewerID)
		}

	case domain.MsgTypePeerUnavailable:
		var msg domain.PeerUnavailableMessage
		if json.Unmarshal(raw, &msg) == nil {
			l.Info().Str(pkglog.FieldViewerID, msg.ViewerID).Msg("viewer unavailable, abandoning negotiation")
			b.dispose(msg.ViewerID)
		}
	}
}

func (b *Broadcaster) connectViewer(viewerID string) {
	l := pkglog.Component("rtc").With().Str(pkglog.FieldRoomID, b.roomID).Str(pkglog.FieldViewerID, viewerID).Logger()

	b.mu.Lock()
	if !b.live {
		b.waiting = append(b.waiting, viewerID)
		b.mu.Unlock()
		return
	}
	old := b.peers[viewerID]
	delete(b.peers, viewerID)
	tracks := b.tracks
	b.mu.Unlock()

	if old != nil {
		old.peer.Close()
	}

	peer, err := b.newPeer()
	if err != nil {
		l.Error().Err(err).Msg("failed to create peer connection")
		return
	}
	for _, t := range tracks {
		if err := peer.AddTrack(t); err != nil {
			l.Error().Err(err).Msg("failed to attach track")
			peer.Close()
			return
		}
	}

	peer.OnICECandidate(func(c webrtc.ICECandidateInit) {
		b.send(&signalFrame{Type: domain.MsgTypeICECandidate, Candidate: &c, ViewerID: viewerID, BroadcasterID: b.roomID})
	})
	peer.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		b.onState(viewerID, peer, state)
	})

	b.mu.Lock()
	b.peers[viewerID] = &peerSession{viewerID: viewerID, peer: peer}
	b.mu.Unlock()

	offer, err := peer.CreateOffer(false)
	if err != nil {
		l.Error().Err(err).Msg("failed to create offer")
		b.dispose(viewerID)
		return
	}
	l.Debug().Msg("sending offer")
	b.send(&signalFrame{Type: domain.MsgTypeOffer, SDP: &offer, ViewerID: viewerID, BroadcasterID: b.roomID})
}

// onState renegotiates with an ICE restart on failure, up to the limit,
// then gives up on the viewer.
func (b *Broadcaster) onState(viewerID string, peer Peer, state webrtc.PeerConnectionState) {
	l := pkglog.Component("rtc").With().Str(pkglog.FieldViewerID, viewerID).Str(pkglog.FieldState, state.String()).Logger()

	b.mu.Lock()
	s, ok := b.peers[viewerID]
	if !ok || s.peer != peer {
		b.mu.Unlock()
		return
	}

	switch state {
	case webrtc.PeerConnectionStateConnected:
		s.renegotiations = 0
		b.mu.Unlock()
		l.Info().Msg("viewer connected")

	case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateDisconnected:
		if s.renegotiations >= b.maxRenegotiations {
			delete(b.peers, viewerID)
			b.mu.Unlock()
			l.Warn().Msg("renegotiation limit reached, closing viewer peer")
			peer.Close()
			return
		}
		s.renegotiations++
		attempt := s.renegotiations
		b.mu.Unlock()

		offer, err := peer.CreateOffer(true)
		if err != nil {
			l.Error().Err(err).Msg("failed to create restart offer")
			return
		}
		l.Info().Int("attempt", attempt).Msg("renegotiating")
		b.send(&signalFrame{Type: domain.MsgTypeOffer, SDP: &offer, ViewerID: viewerID, BroadcasterID: b.roomID})

	default:
		b.mu.Unlock()
	}
}

func (b *Broadcaster) dispose(viewerID string) {
	b.mu.Lock()
	s, ok := b.peers[viewerID]
	delete(b.peers, viewerID)
	b.mu.Unlock()
	if ok {
		s.peer.Close()
	}
}

func (b *Broadcaster) send(v any) {
	if err := b.signaler.SendFrame(v); err != nil {
		l := pkglog.Component("rtc")
		l.Debug().Err(err).Msg("signaling send failed")
	}
}
