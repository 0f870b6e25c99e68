package chatclient

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weiawesome/wes-io-live-relay/internal/config"
	"github.com/weiawesome/wes-io-live-relay/internal/domain"
	"github.com/weiawesome/wes-io-live-relay/internal/transport"
)

func TestBackoffDelay(t *testing.T) {
	b := Backoff{Base: time.Second, Max: 15 * time.Second}

	assert.Equal(t, time.Second, b.Delay(0))
	assert.Equal(t, 2*time.Second, b.Delay(1))
	assert.Equal(t, 8*time.Second, b.Delay(3))
	assert.Equal(t, 15*time.Second, b.Delay(4))
	assert.Equal(t, 15*time.Second, b.Delay(100))
}

func TestPendingTrackerResendThenFail(t *testing.T) {
	start := time.Unix(1000, 0)
	tr := NewPendingTracker(5*time.Second, 3)
	tr.Track("a", "hello", start)

	resend, failed := tr.Due(start.Add(4 * time.Second))
	assert.Empty(t, resend)
	assert.Empty(t, failed)

	resend, _ = tr.Due(start.Add(5 * time.Second))
	require.Len(t, resend, 1)
	assert.Equal(t, 1, resend[0].Retries)

	// Next resend is due at resendAfter * (retries+1).
	resend, _ = tr.Due(start.Add(9 * time.Second))
	assert.Empty(t, resend)
	resend, _ = tr.Due(start.Add(10 * time.Second))
	require.Len(t, resend, 1)
	assert.Equal(t, 2, resend[0].Retries)

	resend, _ = tr.Due(start.Add(15 * time.Second))
	require.Len(t, resend, 1)
	assert.Equal(t, 3, resend[0].Retries)

	resend, failed = tr.Due(start.Add(20 * time.Second))
	assert.Empty(t, resend)
	require.Len(t, failed, 1)
	assert.Equal(t, "a", failed[0].TempID)
	assert.Zero(t, tr.Len())
}

func TestPendingTrackerResolvesOnce(t *testing.T) {
	tr := NewPendingTracker(5*time.Second, 3)
	tr.Track("a", "hello", time.Now())

	_, first := tr.Resolve("a")
	_, second := tr.Resolve("a")
	assert.True(t, first)
	assert.False(t, second)
}

func TestOutboxDropsOldest(t *testing.T) {
	o := NewOutbox(2)

	_, dropped := o.Push(Pending{TempID: "1"})
	assert.False(t, dropped)
	o.Push(Pending{TempID: "2"})
	old, dropped := o.Push(Pending{TempID: "3"})
	assert.True(t, dropped)
	assert.Equal(t, "1", old.TempID)

	items := o.Drain()
	require.Len(t, items, 2)
	assert.Equal(t, "2", items[0].TempID)
	assert.Equal(t, "3", items[1].TempID)
	assert.Zero(t, o.Len())
}

type fakeLink struct {
	events chan transport.Event

	mu     sync.Mutex
	sent   [][]byte
	closed bool
}

func newFakeLink() *fakeLink {
	return &fakeLink{events: make(chan transport.Event, 16)}
}

func (f *fakeLink) Open(context.Context) {}

func (f *fakeLink) Send(frame []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return transport.ErrClosed
	}
	f.sent = append(f.sent, append([]byte(nil), frame...))
	return nil
}

func (f *fakeLink) Events() <-chan transport.Event { return f.events }

func (f *fakeLink) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeLink) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeLink) frames() []map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]map[string]any, 0, len(f.sent))
	for _, raw := range f.sent {
		var m map[string]any
		if json.Unmarshal(raw, &m) == nil {
			out = append(out, m)
		}
	}
	return out
}

func (f *fakeLink) deliver(t *testing.T, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	f.events <- transport.Event{Type: transport.EventMessage, Data: data}
}

type rendered struct {
	states    []State
	pending   []string
	confirmed []string
	failed    map[string]string
	messages  []domain.ChatMessage
	notices   []string
}

type recorder struct {
	mu sync.Mutex
	r  rendered
}

func newRecorder() *recorder {
	return &recorder{r: rendered{failed: make(map[string]string)}}
}

func (r *recorder) State(s State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.r.states = append(r.r.states, s)
}

func (r *recorder) Pending(tempID, _ string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.r.pending = append(r.r.pending, tempID)
}

func (r *recorder) Confirmed(tempID, _ string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.r.confirmed = append(r.r.confirmed, tempID)
}

func (r *recorder) Failed(tempID, _, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.r.failed[tempID] = reason
}

func (r *recorder) Message(msg domain.ChatMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.r.messages = append(r.r.messages, msg)
}

func (r *recorder) Notice(text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.r.notices = append(r.r.notices, text)
}

func (r *recorder) snapshot() rendered {
	r.mu.Lock()
	defer r.mu.Unlock()
	failed := make(map[string]string, len(r.r.failed))
	for k, v := range r.r.failed {
		failed[k] = v
	}
	return rendered{
		states:    slices.Clone(r.r.states),
		pending:   slices.Clone(r.r.pending),
		confirmed: slices.Clone(r.r.confirmed),
		failed:    failed,
		messages:  slices.Clone(r.r.messages),
		notices:   slices.Clone(r.r.notices),
	}
}

func testClientConfig() config.ClientConfig {
	cfg := config.DefaultClientConfig()
	cfg.BackoffBase = 10 * time.Millisecond
	cfg.BackoffMax = 40 * time.Millisecond
	cfg.PendingTick = time.Hour
	cfg.HeartbeatInterval = time.Hour
	cfg.FailureThreshold = 2
	cfg.SendInterval = 0
	return cfg
}

type harness struct {
	client *Client
	rec    *recorder
	links  chan *fakeLink
}

func startClient(t *testing.T, cfg config.ClientConfig, opts ...Option) *harness {
	t.Helper()
	h := &harness{rec: newRecorder(), links: make(chan *fakeLink, 8)}
	h.client = New(cfg, func() Link {
		l := newFakeLink()
		h.links <- l
		return l
	}, h.rec, opts...)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.client.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return h
}

func (h *harness) nextLink(t *testing.T) *fakeLink {
	t.Helper()
	select {
	case l := <-h.links:
		return l
	case <-time.After(2 * time.Second):
		t.Fatal("no connection attempt")
		return nil
	}
}

func (h *harness) waitState(t *testing.T, s State) {
	t.Helper()
	require.Eventually(t, func() bool { return h.client.State() == s }, 2*time.Second, 5*time.Millisecond)
}

func TestClientFlushesQueueInOrderAfterJoin(t *testing.T) {
	join := &domain.JoinMessage{Type: domain.MsgTypeJoin, Role: domain.RoleViewer, RoomID: "r1"}
	h := startClient(t, testClientConfig(), WithJoin(join), WithIdentity(domain.RoleViewer, "bob"))
	link := h.nextLink(t)

	a := h.client.Send("first")
	b := h.client.Send("second")
	assert.Empty(t, h.client.Send("   "))
	require.Eventually(t, func() bool { return len(h.rec.snapshot().pending) == 2 }, time.Second, 5*time.Millisecond)
	assert.Empty(t, link.frames(), "nothing is written before the transport opens")

	link.events <- transport.Event{Type: transport.EventOpen, Transport: transport.KindPolling}
	h.waitState(t, StateConnected)

	c := h.client.Send("third")
	require.Eventually(t, func() bool { return len(link.frames()) == 4 }, time.Second, 5*time.Millisecond)

	frames := link.frames()
	assert.Equal(t, domain.MsgTypeJoin, frames[0]["type"])
	assert.Equal(t, a, frames[1]["tempId"])
	assert.Equal(t, b, frames[2]["tempId"])
	assert.Equal(t, c, frames[3]["tempId"])
	assert.Equal(t, "bob", frames[1]["username"])
}

func TestClientAckAndEchoResolveOnce(t *testing.T) {
	h := startClient(t, testClientConfig())
	link := h.nextLink(t)
	link.events <- transport.Event{Type: transport.EventOpen}
	h.waitState(t, StateConnected)

	tempID := h.client.Send("hi")
	require.Eventually(t, func() bool { return len(link.frames()) == 1 }, time.Second, 5*time.Millisecond)

	link.deliver(t, domain.NewAck(tempID, "m1", ""))
	echo := domain.ChatEvent{Type: domain.MsgTypeChat, ChatMessage: domain.ChatMessage{ID: "m1", TempID: tempID, Text: "hi"}}
	link.deliver(t, echo)
	link.deliver(t, echo)

	other := domain.ChatEvent{Type: domain.MsgTypeChat, ChatMessage: domain.ChatMessage{ID: "m2", Text: "yo", Username: "alice"}}
	link.deliver(t, other)
	link.deliver(t, other)

	require.Eventually(t, func() bool { return len(h.rec.snapshot().messages) == 1 }, time.Second, 5*time.Millisecond)
	snap := h.rec.snapshot()
	assert.Equal(t, []string{tempID}, snap.confirmed)
	assert.Equal(t, "m2", snap.messages[0].ID)
}

func TestClientEchoBeforeAck(t *testing.T) {
	h := startClient(t, testClientConfig())
	link := h.nextLink(t)
	link.events <- transport.Event{Type: transport.EventOpen}
	h.waitState(t, StateConnected)

	tempID := h.client.Send("hi")
	require.Eventually(t, func() bool { return len(link.frames()) == 1 }, time.Second, 5*time.Millisecond)

	link.deliver(t, domain.ChatEvent{Type: domain.MsgTypeChat, ChatMessage: domain.ChatMessage{ID: "m1", TempID: tempID, Text: "hi"}})
	link.deliver(t, domain.NewAck(tempID, "m1", ""))
	link.deliver(t, domain.BaseMessage{Type: domain.MsgTypePong})

	require.Eventually(t, func() bool { return len(h.rec.snapshot().confirmed) == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	snap := h.rec.snapshot()
	assert.Len(t, snap.confirmed, 1)
	assert.Empty(t, snap.messages)
}

func TestClientRejectionMarksFailed(t *testing.T) {
	h := startClient(t, testClientConfig())
	link := h.nextLink(t)
	link.events <- transport.Event{Type: transport.EventOpen}
	h.waitState(t, StateConnected)

	tempID := h.client.Send("hi")
	require.Eventually(t, func() bool { return len(link.frames()) == 1 }, time.Second, 5*time.Millisecond)
	link.deliver(t, domain.NewAck(tempID, "", domain.RejectMuted))

	require.Eventually(t, func() bool { return h.rec.snapshot().failed[tempID] == domain.RejectMuted }, time.Second, 5*time.Millisecond)
	assert.NotEmpty(t, h.rec.snapshot().notices)
}

func chatFrames(l *fakeLink) []map[string]any {
	var out []map[string]any
	for _, f := range l.frames() {
		if f["type"] == domain.MsgTypeChat {
			out = append(out, f)
		}
	}
	return out
}

func TestClientPacesQueuedSends(t *testing.T) {
	cfg := testClientConfig()
	cfg.SendInterval = time.Hour
	h := startClient(t, cfg)
	link := h.nextLink(t)

	h.client.Send("one")
	h.client.Send("two")
	require.Eventually(t, func() bool { return len(h.rec.snapshot().pending) == 2 }, time.Second, 5*time.Millisecond)

	link.events <- transport.Event{Type: transport.EventOpen}
	h.waitState(t, StateConnected)
	require.Eventually(t, func() bool { return len(chatFrames(link)) == 1 }, time.Second, 5*time.Millisecond)
	assert.Never(t, func() bool { return len(chatFrames(link)) > 1 }, 100*time.Millisecond, 10*time.Millisecond)
}

func TestClientRetriesQueuedMessagesAfterTooFast(t *testing.T) {
	cfg := testClientConfig()
	cfg.SendInterval = 20 * time.Millisecond
	h := startClient(t, cfg)
	link := h.nextLink(t)

	a := h.client.Send("one")
	b := h.client.Send("two")
	c := h.client.Send("three")
	require.Eventually(t, func() bool { return len(h.rec.snapshot().pending) == 3 }, time.Second, 5*time.Millisecond)

	link.events <- transport.Event{Type: transport.EventOpen}
	require.Eventually(t, func() bool { return len(chatFrames(link)) == 3 }, time.Second, 5*time.Millisecond)

	link.deliver(t, domain.NewAck(a, "m1", ""))
	link.deliver(t, domain.NewAck(b, "", domain.RejectTooFast))
	link.deliver(t, domain.NewAck(c, "", domain.RejectTooFast))

	require.Eventually(t, func() bool { return len(chatFrames(link)) == 5 }, time.Second, 5*time.Millisecond)
	frames := chatFrames(link)
	assert.Equal(t, b, frames[3]["tempId"])
	assert.Equal(t, c, frames[4]["tempId"])

	link.deliver(t, domain.NewAck(b, "m2", ""))
	link.deliver(t, domain.NewAck(c, "m3", ""))

	require.Eventually(t, func() bool { return len(h.rec.snapshot().confirmed) == 3 }, time.Second, 5*time.Millisecond)
	got := h.rec.snapshot()
	assert.Empty(t, got.failed)
	assert.Empty(t, got.notices)
}

func TestClientRequeuesUnsentMessagesOnDisconnect(t *testing.T) {
	cfg := testClientConfig()
	cfg.SendInterval = 300 * time.Millisecond
	h := startClient(t, cfg)
	first := h.nextLink(t)

	a := h.client.Send("one")
	b := h.client.Send("two")
	require.Eventually(t, func() bool { return len(h.rec.snapshot().pending) == 2 }, time.Second, 5*time.Millisecond)

	first.events <- transport.Event{Type: transport.EventOpen}
	require.Eventually(t, func() bool { return len(chatFrames(first)) == 1 }, time.Second, 5*time.Millisecond)
	first.events <- transport.Event{Type: transport.EventClose, Err: errors.New("reset")}

	second := h.nextLink(t)
	second.events <- transport.Event{Type: transport.EventOpen}

	require.Eventually(t, func() bool { return len(chatFrames(second)) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, b, chatFrames(second)[0]["tempId"])
	require.Len(t, chatFrames(first), 1)
	assert.Equal(t, a, chatFrames(first)[0]["tempId"])
	assert.Empty(t, h.rec.snapshot().failed)
}

func TestClientReconnectsAndEntersErrorState(t *testing.T) {
	h := startClient(t, testClientConfig())

	first := h.nextLink(t)
	first.events <- transport.Event{Type: transport.EventClose, Err: errors.New("refused")}
	require.Eventually(t, func() bool {
		return slices.Contains(h.rec.snapshot().states, StateDisconnected)
	}, 2*time.Second, 5*time.Millisecond)

	second := h.nextLink(t)
	second.events <- transport.Event{Type: transport.EventClose, Err: errors.New("refused")}
	h.waitState(t, StateError)

	third := h.nextLink(t)
	third.events <- transport.Event{Type: transport.EventOpen}
	h.waitState(t, StateConnected)
	assert.True(t, first.isClosed())
}

func TestClientRetryResetsErrorState(t *testing.T) {
	cfg := testClientConfig()
	cfg.BackoffBase = time.Hour
	cfg.BackoffMax = time.Hour
	cfg.FailureThreshold = 1
	h := startClient(t, cfg)

	first := h.nextLink(t)
	first.events <- transport.Event{Type: transport.EventClose, Err: errors.New("refused")}
	h.waitState(t, StateError)

	h.client.Retry()
	second := h.nextLink(t)
	second.events <- transport.Event{Type: transport.EventOpen}
	h.waitState(t, StateConnected)
}

func TestClientForwardsOtherFrames(t *testing.T) {
	got := make(chan string, 4)
	h := startClient(t, testClientConfig(), WithFrameHandler(func(msgType string, _ []byte) {
		got <- msgType
	}))
	link := h.nextLink(t)
	link.events <- transport.Event{Type: transport.EventOpen}
	h.waitState(t, StateConnected)

	link.deliver(t, domain.BaseMessage{Type: domain.MsgTypeOffer})
	select {
	case msgType := <-got:
		assert.Equal(t, domain.MsgTypeOffer, msgType)
	case <-time.After(time.Second):
		t.Fatal("frame not forwarded")
	}

	require.NoError(t, h.client.SendFrame(&domain.BaseMessage{Type: domain.MsgTypePing}))
	require.Eventually(t, func() bool { return len(link.frames()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestSendFrameWhileDisconnected(t *testing.T) {
	c := New(testClientConfig(), func() Link { return newFakeLink() }, newRecorder())
	assert.ErrorIs(t, c.SendFrame(&domain.BaseMessage{Type: domain.MsgTypePing}), ErrNotConnected)
}
