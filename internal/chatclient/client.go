package chatclient

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/weiawesome/wes-io-live-relay/internal/config"
	"github.com/weiawesome/wes-io-live-relay/internal/domain"
	"github.com/weiawesome/wes-io-live-relay/internal/transport"
	pkglog "github.com/weiawesome/wes-io-live-relay/pkg/log"
)

// ErrNotConnected is returned by SendFrame while no transport is open.
var ErrNotConnected = errors.New("chatclient: not connected")

const (
	rejectTimeout = "timeout"
	rejectDropped = "dropped"
)

// Link is one connection attempt to the relay. *transport.Link satisfies it.
type Link interface {
	Open(ctx context.Context)
	Send(frame []byte) error
	Events() <-chan transport.Event
	Close() error
}

// LinkFactory creates a fresh Link for every connection attempt.
type LinkFactory func() Link

// FrameHandler receives every frame that is not chat traffic.
type FrameHandler func(msgType string, raw []byte)

// Renderer displays chat state. Calls are made from the client's own
// goroutine, one at a time.
type Renderer interface {
	State(s State)
	Pending(tempID, text string)
	Confirmed(tempID, id string)
	Failed(tempID, text, reason string)
	Message(msg domain.ChatMessage)
	Notice(text string)
}

// Option configures a Client.
type Option func(*Client)

// WithJoin sets the frames sent, in order, every time a transport opens.
func WithJoin(frames ...any) Option {
	return func(c *Client) { c.join = frames }
}

// WithIdentity sets the role and username stamped on chat frames.
func WithIdentity(role domain.Role, username string) Option {
	return func(c *Client) {
		c.role = role
		c.username = username
	}
}

// WithFrameHandler routes non-chat frames, such as signaling, to fn.
func WithFrameHandler(fn FrameHandler) Option {
	return func(c *Client) { c.onFrame = fn }
}

type linkRef struct{ link Link }

// Client is the chat state machine. Run owns all mutable state; other
// methods hand work to it over a channel.
type Client struct {
	cfg      config.ClientConfig
	newLink  LinkFactory
	renderer Renderer
	onFrame  FrameHandler
	join     []any
	role     domain.Role
	username string

	cmds    chan func()
	done    chan struct{}
	state   atomic.Int32
	current atomic.Pointer[linkRef]

	// Owned by Run.
	ctx       context.Context
	backoff   Backoff
	pending   *PendingTracker
	outbox    *Outbox
	confirmed *recentSet
	seen      *recentSet
	link      Link
	events    <-chan transport.Event
	heartbeat *time.Ticker
	retry     *time.Timer
	sendQueue []Pending
	nextSend  time.Time
	sendTimer *time.Timer
	attempt   int
	failures  int
}

// New creates a client. Call Run to start it.
func New(cfg config.ClientConfig, newLink LinkFactory, renderer Renderer, opts ...Option) *Client {
	c := &Client{
		cfg:       cfg,
		newLink:   newLink,
		renderer:  renderer,
		cmds:      make(chan func(), 64),
		done:      make(chan struct{}),
		backoff:   Backoff{Base: cfg.BackoffBase, Max: cfg.BackoffMax},
		pending:   NewPendingTracker(cfg.ResendAfter, cfg.MaxRetries),
		outbox:    NewOutbox(cfg.QueueCapacity),
		confirmed: newRecentSet(512),
		seen:      newRecentSet(1024),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// State returns the current connection state.
func (c *Client) State() State {
	return State(c.state.Load())
}

// Send queues text for delivery and returns its tempId, or "" for blank
// text.
func (c *Client) Send(text string) string {
	text = domain.NormalizeText(text)
	if text == "" {
		return ""
	}
	tempID := ulid.Make().String()
	c.do(func() { c.enqueue(tempID, text) })
	return tempID
}

// Retry reconnects immediately and resets the backoff.
func (c *Client) Retry() {
	c.do(func() {
		c.attempt = 0
		c.failures = 0
		c.stopRetry()
		c.setState(StateConnecting)
		if c.link == nil {
			c.connect()
		}
	})
}

// SendFrame writes v on the open transport. It does not queue.
func (c *Client) SendFrame(v any) error {
	ref := c.current.Load()
	if ref == nil {
		return ErrNotConnected
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return ref.link.Send(data)
}

func (c *Client) do(fn func()) {
	select {
	case c.cmds <- fn:
	case <-c.done:
	}
}

// Run drives the client until ctx is done. On exit it sends a best-effort
// leave and closes the transport.
func (c *Client) Run(ctx context.Context) error {
	c.ctx = ctx
	defer close(c.done)
	defer c.teardown()

	tick := c.cfg.PendingTick
	if tick <= 0 {
		tick = time.Second
	}
	pendingTicker := time.NewTicker(tick)
	defer pendingTicker.Stop()

	c.connect()
	for {
		select {
		case <-ctx.Done():
			return nil
		case fn := <-c.cmds:
			fn()
		case ev, ok := <-c.events:
			if !ok {
				c.onClosed(nil)
				continue
			}
			switch ev.Type {
			case transport.EventOpen:
				c.onOpen(ev.Transport)
			case transport.EventMessage:
				c.onMessage(ev.Data)
			case transport.EventClose:
				c.onClosed(ev.Err)
			}
		case <-c.heartbeatC():
			c.sendHeartbeat()
		case <-c.retryC():
			c.retry = nil
			c.connect()
		case now := <-c.sendC():
			c.sendTimer = nil
			c.pump(now)
		case now := <-pendingTicker.C:
			c.checkPending(now)
		}
	}
}

func (c *Client) setState(s State) {
	if c.State() == s {
		return
	}
	c.state.Store(int32(s))
	l := pkglog.Component("chatclient")
	l.Debug().Str(pkglog.FieldState, s.String()).Msg("state changed")
	c.renderer.State(s)
}

func (c *Client) connect() {
	// The error state stays visible until an attempt succeeds.
	if c.State() != StateError {
		c.setState(StateConnecting)
	}
	c.link = c.newLink()
	c.events = c.link.Events()
	c.link.Open(c.ctx)
}

func (c *Client) onOpen(kind string) {
	c.failures = 0
	c.attempt = 0
	c.current.Store(&linkRef{link: c.link})
	c.setState(StateConnected)

	l := pkglog.Component("chatclient")
	l.Info().Str(pkglog.FieldTransport, kind).Msg("connected to relay")

	for _, frame := range c.join {
		c.write(frame)
	}
	// Queued messages go out before any new input is handled.
	c.sendQueue = append(c.sendQueue, c.outbox.Drain()...)
	c.pump(time.Now())

	if c.cfg.HeartbeatInterval > 0 {
		c.heartbeat = time.NewTicker(c.cfg.HeartbeatInterval)
	}
}

func (c *Client) onClosed(err error) {
	if c.link == nil {
		return
	}
	c.current.Store(nil)
	c.link.Close()
	c.link = nil
	c.events = nil
	c.stopHeartbeat()
	c.stopSend()

	// Unsent messages wait for the next transport, ahead of anything newer.
	queued := append(c.sendQueue, c.outbox.Drain()...)
	c.sendQueue = nil
	for _, p := range queued {
		if dropped, ok := c.outbox.Push(p); ok {
			c.renderer.Failed(dropped.TempID, dropped.Text, rejectDropped)
		}
	}

	c.failures++
	l := pkglog.Component("chatclient")
	l.Warn().Err(err).Int("failures", c.failures).Msg("relay connection closed")

	threshold := c.cfg.FailureThreshold
	if threshold > 0 && c.failures >= threshold {
		if c.State() != StateError {
			c.renderer.Notice("unable to reach the relay, still retrying")
		}
		c.setState(StateError)
	} else {
		c.setState(StateDisconnected)
	}

	c.stopRetry()
	c.retry = time.NewTimer(c.backoff.Delay(c.attempt))
	c.attempt++
}

func (c *Client) enqueue(tempID, text string) {
	c.renderer.Pending(tempID, text)
	p := Pending{TempID: tempID, Text: text}
	if c.State() == StateConnected {
		c.sendQueue = append(c.sendQueue, p)
		c.pump(time.Now())
		return
	}
	if dropped, ok := c.outbox.Push(p); ok {
		c.renderer.Failed(dropped.TempID, dropped.Text, rejectDropped)
	}
}

// pump transmits queued messages no closer than SendInterval apart and arms
// the send timer for the rest.
func (c *Client) pump(now time.Time) {
	if c.State() != StateConnected {
		return
	}
	for len(c.sendQueue) > 0 {
		if wait := c.nextSend.Sub(now); wait > 0 {
			c.stopSend()
			c.sendTimer = time.NewTimer(wait)
			return
		}
		p := c.sendQueue[0]
		c.sendQueue = c.sendQueue[1:]
		c.transmit(p, now)
		c.nextSend = now.Add(c.cfg.SendInterval)
	}
}

// requeue puts a message the relay refused as too fast back on the send
// queue in compose order. tempIds are ULIDs, so they sort by creation.
func (c *Client) requeue(p Pending) {
	i := slices.IndexFunc(c.sendQueue, func(q Pending) bool { return q.TempID > p.TempID })
	if i < 0 {
		i = len(c.sendQueue)
	}
	c.sendQueue = slices.Insert(c.sendQueue, i, p)

	wait := c.cfg.SendInterval
	if wait <= 0 {
		wait = time.Second
	}
	now := time.Now()
	if next := now.Add(wait); next.After(c.nextSend) {
		c.nextSend = next
	}
	c.pump(now)
}

func (c *Client) transmit(p Pending, now time.Time) {
	c.pending.Track(p.TempID, p.Text, now)
	c.write(&domain.ChatSendMessage{
		Type:      domain.MsgTypeChat,
		Role:      c.role,
		Username:  c.username,
		Text:      p.Text,
		TempID:    p.TempID,
		Timestamp: now.UnixMilli(),
	})
}

func (c *Client) write(v any) {
	if c.link == nil {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := c.link.Send(data); err != nil {
		l := pkglog.Component("chatclient")
		l.Debug().Err(err).Msg("send failed")
	}
}

func (c *Client) onMessage(data []byte) {
	var base domain.BaseMessage
	if err := json.Unmarshal(data, &base); err != nil {
		return
	}

	switch base.Type {
	case domain.MsgTypeAck:
		var ack domain.AckMessage
		if json.Unmarshal(data, &ack) != nil {
			return
		}
		if ack.OK {
			c.resolve(ack.TempID, ack.ID)
			return
		}
		p, ok := c.pending.Resolve(ack.TempID)
		if !ok {
			return
		}
		if ack.Error == domain.RejectTooFast {
			c.requeue(p)
			return
		}
		c.renderer.Failed(p.TempID, p.Text, ack.Error)
		c.renderer.Notice("message rejected: " + ack.Error)

	case domain.MsgTypeChat:
		var msg domain.ChatMessage
		if json.Unmarshal(data, &msg) != nil {
			return
		}
		c.receive(msg)

	case domain.MsgTypeChatHistory:
		var hist domain.ChatHistoryMessage
		if json.Unmarshal(data, &hist) != nil {
			return
		}
		for _, msg := range hist.Messages {
			c.receive(msg)
		}

	default:
		if base.Type == domain.MsgTypeError {
			var e domain.ErrorMessage
			if json.Unmarshal(data, &e) == nil {
				c.renderer.Notice(e.Message)
			}
		}
		if c.onFrame != nil {
			c.onFrame(base.Type, data)
		}
	}
}

// receive renders msg unless it is an echo of our own send or was already
// shown.
func (c *Client) receive(msg domain.ChatMessage) {
	if msg.TempID != "" {
		if _, ok := c.pending.Get(msg.TempID); ok {
			c.resolve(msg.TempID, msg.ID)
			return
		}
		if c.confirmed.has(msg.TempID) {
			c.seen.add(msg.ID)
			return
		}
	}
	if c.seen.has(msg.ID) {
		return
	}
	c.seen.add(msg.ID)
	c.renderer.Message(msg)
}

func (c *Client) resolve(tempID, id string) {
	if _, ok := c.pending.Resolve(tempID); !ok {
		return
	}
	c.confirmed.add(tempID)
	c.seen.add(id)
	c.renderer.Confirmed(tempID, id)
}

func (c *Client) checkPending(now time.Time) {
	if c.State() != StateConnected {
		return
	}
	resend, failed := c.pending.Due(now)
	for _, p := range resend {
		c.write(&domain.ChatSendMessage{
			Type:      domain.MsgTypeChat,
			Role:      c.role,
			Username:  c.username,
			Text:      p.Text,
			TempID:    p.TempID,
			Timestamp: now.UnixMilli(),
		})
	}
	for _, p := range failed {
		c.renderer.Failed(p.TempID, p.Text, rejectTimeout)
	}
}

func (c *Client) sendHeartbeat() {
	c.write(&domain.HeartbeatMessage{Type: domain.MsgTypeHeartbeat, TS: time.Now().UnixMilli()})
}

func (c *Client) heartbeatC() <-chan time.Time {
	if c.heartbeat == nil {
		return nil
	}
	return c.heartbeat.C
}

func (c *Client) retryC() <-chan time.Time {
	if c.retry == nil {
		return nil
	}
	return c.retry.C
}

func (c *Client) sendC() <-chan time.Time {
	if c.sendTimer == nil {
		return nil
	}
	return c.sendTimer.C
}

func (c *Client) stopSend() {
	if c.sendTimer != nil {
		c.sendTimer.Stop()
		c.sendTimer = nil
	}
}

func (c *Client) stopHeartbeat() {
	if c.heartbeat != nil {
		c.heartbeat.Stop()
		c.heartbeat = nil
	}
}

func (c *Client) stopRetry() {
	if c.retry != nil {
		c.retry.Stop()
		c.retry = nil
	}
}

func (c *Client) teardown() {
	c.stopHeartbeat()
	c.stopRetry()
	c.stopSend()
	c.current.Store(nil)
	if c.link != nil {
		c.write(&domain.BaseMessage{Type: domain.MsgTypeLeave})
		c.link.Close()
		c.link = nil
		c.events = nil
	}
	c.setState(StateDisconnected)
}
