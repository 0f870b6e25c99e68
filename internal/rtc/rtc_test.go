package rtc

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weiawesome/wes-io-live-relay/internal/domain"
)

type fakePeer struct {
	mu       sync.Mutex
	origin   uint64
	version  int
	calls    []string
	restarts int
	closed   bool
	onState  func(webrtc.PeerConnectionState)
	onICE    func(webrtc.ICECandidateInit)
}

func (p *fakePeer) record(call string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, call)
}

func (p *fakePeer) CreateOffer(iceRestart bool) (webrtc.SessionDescription, error) {
	p.record("offer")
	p.mu.Lock()
	defer p.mu.Unlock()
	if iceRestart {
		p.restarts++
	}
	p.version++
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdpWithOrigin(p.origin, p.version)}, nil
}

func (p *fakePeer) CreateAnswer() (webrtc.SessionDescription, error) {
	p.record("answer")
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 answer"}, nil
}

func (p *fakePeer) SetRemoteDescription(webrtc.SessionDescription) error {
	p.record("remote")
	return nil
}

func (p *fakePeer) AddICECandidate(c webrtc.ICECandidateInit) error {
	p.record("candidate:" + c.Candidate)
	return nil
}

func (p *fakePeer) AddTrack(webrtc.TrackLocal) error {
	p.record("track")
	return nil
}

func (p *fakePeer) OnICECandidate(fn func(webrtc.ICECandidateInit)) { p.onICE = fn }

func (p *fakePeer) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) { p.onState = fn }

func (p *fakePeer) OnTrack(func(*webrtc.TrackRemote)) {}

func (p *fakePeer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakePeer) history() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.calls...)
}

func (p *fakePeer) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

type peerPool struct {
	mu    sync.Mutex
	peers []*fakePeer
}

func (pp *peerPool) factory() (Peer, error) {
	pp.mu.Lock()
	defer pp.mu.Unlock()
	p := &fakePeer{origin: uint64(4000 + len(pp.peers))}
	pp.peers = append(pp.peers, p)
	return p, nil
}

func (pp *peerPool) all() []*fakePeer {
	pp.mu.Lock()
	defer pp.mu.Unlock()
	return append([]*fakePeer(nil), pp.peers...)
}

func (pp *peerPool) last() *fakePeer {
	pp.mu.Lock()
	defer pp.mu.Unlock()
	if len(pp.peers) == 0 {
		return nil
	}
	return pp.peers[len(pp.peers)-1]
}

type fakeSignaler struct {
	mu     sync.Mutex
	frames []map[string]any
}

func (s *fakeSignaler) SendFrame(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, m)
	return nil
}

func (s *fakeSignaler) ofType(t string) []map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []map[string]any
	for _, f := range s.frames {
		if f["type"] == t {
			out = append(out, f)
		}
	}
	return out
}

func frame(t *testing.T, v any) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

func candidateFrame(t *testing.T, viewerID, c string) []byte {
	return frame(t, &signalFrame{
		Type:      domain.MsgTypeICECandidate,
		Candidate: &webrtc.ICECandidateInit{Candidate: c},
		ViewerID:  viewerID,
	})
}

func sdpWithOrigin(sessionID uint64, version int) string {
	return fmt.Sprintf("v=0\r\no=- %d %d IN IP4 0.0.0.0\r\ns=-\r\nt=0 0\r\n", sessionID, version)
}

func offerFrame(t *testing.T, viewerID string) []byte {
	return frame(t, &signalFrame{
		Type:     domain.MsgTypeOffer,
		SDP:      &webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0"},
		ViewerID: viewerID,
	})
}

func TestViewerBuffersEarlyCandidates(t *testing.T) {
	pool := &peerPool{}
	sig := &fakeSignaler{}
	v := NewViewer("r1", sig, pool.factory, 3)

	v.HandleFrame(domain.MsgTypeChatJoinAck, frame(t, &domain.ChatJoinAckMessage{Type: domain.MsgTypeChatJoinAck, ViewerID: "v1"}))
	v.HandleFrame(domain.MsgTypeICECandidate, candidateFrame(t, "v1", "c1"))
	v.HandleFrame(domain.MsgTypeICECandidate, candidateFrame(t, "v1", "c2"))
	assert.Nil(t, pool.last(), "no peer exists before the offer")

	v.HandleFrame(domain.MsgTypeOffer, offerFrame(t, "v1"))
	v.HandleFrame(domain.MsgTypeICECandidate, candidateFrame(t, "v1", "c3"))

	peer := pool.last()
	require.NotNil(t, peer)
	assert.Equal(t, []string{"remote", "candidate:c1", "candidate:c2", "answer", "candidate:c3"}, peer.history())

	answers := sig.ofType(domain.MsgTypeAnswer)
	require.Len(t, answers, 1)
	assert.Equal(t, "v1", answers[0]["viewerId"])
	assert.Equal(t, "r1", answers[0]["broadcasterId"])
}

func TestViewerReplacesPeerWhenBroadcasterReconnects(t *testing.T) {
	broadcasterPeers := &peerPool{}
	toViewer := &fakeSignaler{}
	viewerPeers := &peerPool{}
	toBroadcaster := &fakeSignaler{}
	v := NewViewer("r1", toBroadcaster, viewerPeers.factory, 3)

	relayed := 0
	relayOffers := func() {
		offers := toViewer.ofType(domain.MsgTypeOffer)
		for _, o := range offers[relayed:] {
			v.HandleFrame(domain.MsgTypeOffer, frame(t, o))
		}
		relayed = len(offers)
	}
	joined := frame(t, &domain.ViewerJoinedMessage{Type: domain.MsgTypeViewerJoined, ViewerID: "v1"})

	first := NewBroadcaster("r1", toViewer, broadcasterPeers.factory, &fakeMedia{}, 2)
	require.NoError(t, first.Start())
	first.HandleFrame(domain.MsgTypeViewerJoined, joined)
	relayOffers()
	require.Len(t, viewerPeers.all(), 1)

	// An ICE restart from the same broadcaster peer renegotiates in place.
	broadcasterPeers.last().onState(webrtc.PeerConnectionStateFailed)
	relayOffers()
	require.Len(t, viewerPeers.all(), 1)
	assert.Equal(t, []string{"remote", "answer", "remote", "answer"}, viewerPeers.last().history())

	// The broadcaster comes back on a new connection and offers from a new peer.
	second := NewBroadcaster("r1", toViewer, broadcasterPeers.factory, &fakeMedia{}, 2)
	require.NoError(t, second.Start())
	second.HandleFrame(domain.MsgTypeViewerJoined, joined)
	relayOffers()

	peers := viewerPeers.all()
	require.Len(t, peers, 2)
	assert.True(t, peers[0].isClosed())
	assert.False(t, peers[1].isClosed())
	assert.Equal(t, []string{"remote", "answer"}, peers[1].history())
	assert.False(t, v.Closed())
	assert.Len(t, toBroadcaster.ofType(domain.MsgTypeAnswer), 3)

	// State changes from the replaced peer no longer count against the viewer.
	peers[0].onState(webrtc.PeerConnectionStateFailed)
	peers[0].onState(webrtc.PeerConnectionStateFailed)
	peers[0].onState(webrtc.PeerConnectionStateFailed)
	assert.False(t, v.Closed())
}

func TestNegotiationKeyFollowsSDPOrigin(t *testing.T) {
	a1 := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdpWithOrigin(11, 1)}
	a2 := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdpWithOrigin(11, 2)}
	b := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdpWithOrigin(12, 1)}

	assert.NotEmpty(t, negotiationKey(a1))
	assert.Equal(t, negotiationKey(a1), negotiationKey(a2))
	assert.NotEqual(t, negotiationKey(a1), negotiationKey(b))
	assert.Empty(t, negotiationKey(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0"}))
}

func TestPeerSessionBuffersUntilRemoteSet(t *testing.T) {
	peer := &fakePeer{}
	s := &peerSession{viewerID: "v1", peer: peer}

	require.NoError(t, s.addCandidate(webrtc.ICECandidateInit{Candidate: "a"}))
	assert.Empty(t, peer.history())

	require.NoError(t, s.setRemote(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0"}))
	require.NoError(t, s.addCandidate(webrtc.ICECandidateInit{Candidate: "b"}))
	assert.Equal(t, []string{"remote", "candidate:a", "candidate:b"}, peer.history())
}

func TestViewerTearsDownAfterRepeatedFailures(t *testing.T) {
	pool := &peerPool{}
	var reason string
	v := NewViewer("r1", &fakeSignaler{}, pool.factory, 2, WithCloseHandler(func(r string) { reason = r }))

	v.HandleFrame(domain.MsgTypeOffer, offerFrame(t, "v1"))
	peer := pool.last()
	require.NotNil(t, peer)

	peer.onState(webrtc.PeerConnectionStateDisconnected)
	peer.onState(webrtc.PeerConnectionStateConnected)
	peer.onState(webrtc.PeerConnectionStateFailed)
	assert.False(t, v.Closed(), "a connected state resets the failure count")

	peer.onState(webrtc.PeerConnectionStateFailed)
	assert.True(t, v.Closed())
	assert.True(t, peer.isClosed())
	assert.Equal(t, "connection failed", reason)
}

func TestViewerStopsOnStreamEnd(t *testing.T) {
	pool := &peerPool{}
	v := NewViewer("r1", &fakeSignaler{}, pool.factory, 3)
	v.HandleFrame(domain.MsgTypeOffer, offerFrame(t, "v1"))

	v.HandleFrame(domain.MsgTypeStreamEnd, frame(t, &domain.StreamMessage{Type: domain.MsgTypeStreamEnd, BroadcasterID: "r1"}))
	assert.True(t, v.Closed())
	assert.True(t, pool.last().isClosed())
}

type fakeMedia struct {
	err     error
	stopped bool
}

func (m *fakeMedia) Tracks() ([]webrtc.TrackLocal, error) {
	if m.err != nil {
		return nil, m.err
	}
	return nil, nil
}

func (m *fakeMedia) Stop() { m.stopped = true }

func TestBroadcasterOffersToEachViewer(t *testing.T) {
	pool := &peerPool{}
	sig := &fakeSignaler{}
	b := NewBroadcaster("r1", sig, pool.factory, &fakeMedia{}, 2)

	// A viewer that joins before the stream starts gets its offer on Start.
	b.HandleFrame(domain.MsgTypeViewerJoined, frame(t, &domain.ViewerJoinedMessage{Type: domain.MsgTypeViewerJoined, ViewerID: "v1"}))
	assert.Empty(t, sig.ofType(domain.MsgTypeOffer))

	require.NoError(t, b.Start())
	require.Len(t, sig.ofType(domain.MsgTypeStreamStart), 1)
	b.HandleFrame(domain.MsgTypeViewerJoined, frame(t, &domain.ViewerJoinedMessage{Type: domain.MsgTypeViewerJoined, ViewerID: "v2"}))

	offers := sig.ofType(domain.MsgTypeOffer)
	require.Len(t, offers, 2)
	assert.Equal(t, "v1", offers[0]["viewerId"])
	assert.Equal(t, "v2", offers[1]["viewerId"])
	assert.ElementsMatch(t, []string{"v1", "v2"}, b.Viewers())

	// Candidates before the answer are held back.
	peer := pool.last()
	b.HandleFrame(domain.MsgTypeICECandidate, candidateFrame(t, "v2", "c1"))
	b.HandleFrame(domain.MsgTypeAnswer, frame(t, &signalFrame{
		Type:     domain.MsgTypeAnswer,
		SDP:      &webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0"},
		ViewerID: "v2",
	}))
	assert.Equal(t, []string{"offer", "remote", "candidate:c1"}, peer.history())

	b.HandleFrame(domain.MsgTypeViewerLeft, frame(t, &domain.ViewerLeftMessage{Type: domain.MsgTypeViewerLeft, ViewerID: "v2"}))
	assert.True(t, peer.isClosed())
	assert.Equal(t, []string{"v1"}, b.Viewers())
}

func TestBroadcasterRenegotiatesThenGivesUp(t *testing.T) {
	pool := &peerPool{}
	sig := &fakeSignaler{}
	b := NewBroadcaster("r1", sig, pool.factory, &fakeMedia{}, 2)
	require.NoError(t, b.Start())
	b.HandleFrame(domain.MsgTypeViewerJoined, frame(t, &domain.ViewerJoinedMessage{Type: domain.MsgTypeViewerJoined, ViewerID: "v1"}))
	peer := pool.last()

	peer.onState(webrtc.PeerConnectionStateFailed)
	peer.onState(webrtc.PeerConnectionStateDisconnected)
	assert.Equal(t, 2, peer.restarts)
	assert.False(t, peer.isClosed())

	peer.onState(webrtc.PeerConnectionStateFailed)
	assert.True(t, peer.isClosed())
	assert.Empty(t, b.Viewers())
	assert.Len(t, sig.ofType(domain.MsgTypeOffer), 3)
}

func TestBroadcasterPeerUnavailableDropsOnlyThatViewer(t *testing.T) {
	pool := &peerPool{}
	b := NewBroadcaster("r1", &fakeSignaler{}, pool.factory, &fakeMedia{}, 2)
	require.NoError(t, b.Start())
	b.HandleFrame(domain.MsgTypeViewerJoined, frame(t, &domain.ViewerJoinedMessage{Type: domain.MsgTypeViewerJoined, ViewerID: "v1"}))
	b.HandleFrame(domain.MsgTypeViewerJoined, frame(t, &domain.ViewerJoinedMessage{Type: domain.MsgTypeViewerJoined, ViewerID: "v2"}))

	b.HandleFrame(domain.MsgTypePeerUnavailable, frame(t, &domain.PeerUnavailableMessage{Type: domain.MsgTypePeerUnavailable, ViewerID: "v1"}))
	assert.Equal(t, []string{"v2"}, b.Viewers())
}

func TestBroadcasterMediaFailure(t *testing.T) {
	sig := &fakeSignaler{}
	b := NewBroadcaster("r1", sig, (&peerPool{}).factory, &fakeMedia{err: errors.New("permission denied")}, 2)

	err := b.Start()
	require.Error(t, err)
	assert.True(t, IsMediaAcquisition(err))
	assert.Empty(t, sig.ofType(domain.MsgTypeStreamStart))
}

func TestBroadcasterStopEndsStream(t *testing.T) {
	pool := &peerPool{}
	sig := &fakeSignaler{}
	media := &fakeMedia{}
	b := NewBroadcaster("r1", sig, pool.factory, media, 2)
	require.NoError(t, b.Start())
	b.HandleFrame(domain.MsgTypeViewerJoined, frame(t, &domain.ViewerJoinedMessage{Type: domain.MsgTypeViewerJoined, ViewerID: "v1"}))

	b.Stop()
	assert.True(t, media.stopped)
	assert.True(t, pool.last().isClosed())
	assert.Len(t, sig.ofType(domain.MsgTypeStreamEnd), 1)
}
