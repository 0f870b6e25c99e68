package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/weiawesome/wes-io-live-relay/internal/audit"
	"github.com/weiawesome/wes-io-live-relay/internal/chat"
	"github.com/weiawesome/wes-io-live-relay/internal/directory"
	"github.com/weiawesome/wes-io-live-relay/internal/domain"
	"github.com/weiawesome/wes-io-live-relay/internal/events"
	"github.com/weiawesome/wes-io-live-relay/internal/hub"
	"github.com/weiawesome/wes-io-live-relay/internal/metrics"
	"github.com/weiawesome/wes-io-live-relay/internal/moderation"
	"github.com/weiawesome/wes-io-live-relay/internal/registry"
	"github.com/weiawesome/wes-io-live-relay/internal/transcript"
	"github.com/weiawesome/wes-io-live-relay/pkg/log"
)

// ErrTranscriptsDisabled is returned when no archive is configured.
var ErrTranscriptsDisabled = errors.New("service: transcripts disabled")

const sideChannelTimeout = 10 * time.Second

// Option configures the relay service.
type Option func(*relayService)

// WithEvents publishes room lifecycle events.
func WithEvents(p *events.Publisher) Option {
	return func(s *relayService) { s.events = p }
}

// WithProducer streams accepted chat messages.
func WithProducer(p events.ChatProducer) Option {
	return func(s *relayService) { s.producer = p }
}

// WithDirectory announces hosted rooms.
func WithDirectory(d directory.Directory) Option {
	return func(s *relayService) { s.directory = d }
}

// WithArchiver stores a transcript when a stream ends.
func WithArchiver(a *transcript.Archiver) Option {
	return func(s *relayService) { s.archiver = a }
}

// WithRoomReaper removes idle rooms every interval. A zero ttl keeps rooms
// for the life of the process.
func WithRoomReaper(ttl, interval time.Duration) Option {
	return func(s *relayService) {
		s.idleTTL = ttl
		s.reapInterval = interval
	}
}

// WithClock overrides the time source used for chat admission and ids.
func WithClock(now func() time.Time) Option {
	return func(s *relayService) { s.now = now }
}

type relayService struct {
	registry   *registry.Registry
	guard      *chat.Guard
	moderation *moderation.Store

	events    *events.Publisher
	producer  events.ChatProducer
	directory directory.Directory
	archiver  *transcript.Archiver

	idleTTL      time.Duration
	reapInterval time.Duration
	now          func() time.Time

	background sync.WaitGroup
	cancel     context.CancelFunc
}

// NewRelayService creates the relay service.
func NewRelayService(reg *registry.Registry, guard *chat.Guard, mod *moderation.Store, opts ...Option) RelayService {
	s := &relayService{
		registry:   reg,
		guard:      guard,
		moderation: mod,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *relayService) HandleJoin(ctx context.Context, c hub.Conn, msg *domain.JoinMessage) error {
	if msg.RoomID == "" {
		return s.sendError(c, domain.ErrCodeBadRequest, "roomId is required")
	}
	if !msg.Role.Valid() {
		return s.sendError(c, domain.ErrCodeBadRequest, "role must be broadcaster or viewer")
	}

	ack := &domain.JoinAckMessage{Type: domain.MsgTypeJoinAck, Role: msg.Role, RoomID: msg.RoomID}
	if msg.Role == domain.RoleBroadcaster {
		ack.ID = msg.RoomID
		ack.ViewerCount = s.joinBroadcaster(ctx, c, msg.RoomID, msg.Username)
	} else {
		ack.ID, ack.ViewerCount = s.joinViewer(ctx, c, msg.RoomID, msg.ViewerID, msg.Username)
	}

	if err := hub.SendJSON(c, ack); err != nil {
		return err
	}
	if msg.Role == domain.RoleBroadcaster {
		s.announceWaitingViewers(c, msg.RoomID)
	} else {
		s.afterViewerJoin(ctx, c, msg.RoomID, ack.ViewerCount)
	}
	return s.sendHistory(c, msg.RoomID)
}

func (s *relayService) HandleBroadcasterJoin(ctx context.Context, c hub.Conn, msg *domain.BroadcasterJoinMessage) error {
	if msg.BroadcasterID == "" {
		return s.sendError(c, domain.ErrCodeBadRequest, "broadcasterId is required")
	}

	count := s.joinBroadcaster(ctx, c, msg.BroadcasterID, userName(msg.UserInfo))

	if err := hub.SendJSON(c, &domain.BroadcasterJoinedMessage{
		Type:          domain.MsgTypeBroadcasterJoined,
		BroadcasterID: msg.BroadcasterID,
		ViewerCount:   count,
	}); err != nil {
		return err
	}
	if err := s.sendHistory(c, msg.BroadcasterID); err != nil {
		return err
	}
	s.announceWaitingViewers(c, msg.BroadcasterID)
	return nil
}

func (s *relayService) HandleViewerJoin(ctx context.Context, c hub.Conn, msg *domain.ViewerJoinMessage) error {
	if msg.StreamerID == "" {
		return s.sendError(c, domain.ErrCodeBadRequest, "streamerId is required")
	}

	viewerID, count := s.joinViewer(ctx, c, msg.StreamerID, msg.ViewerID, userName(msg.UserInfo))
	info := c.Session().Info()

	if err := hub.SendJSON(c, &domain.ChatJoinAckMessage{
		Type:          domain.MsgTypeChatJoinAck,
		BroadcasterID: msg.StreamerID,
		Role:          domain.RoleViewer,
		Username:      info.DisplayName,
		ViewerID:      viewerID,
		ViewerCount:   count,
	}); err != nil {
		return err
	}
	if err := s.sendHistory(c, msg.StreamerID); err != nil {
		return err
	}
	s.afterViewerJoin(ctx, c, msg.StreamerID, count)
	return nil
}

// joinBroadcaster moves c into roomID's broadcaster slot and returns the
// room's viewer count.
func (s *relayService) joinBroadcaster(ctx context.Context, c hub.Conn, roomID, name string) int {
	s.leaveOther(ctx, c, roomID, domain.RoleBroadcaster)

	if displaced := s.registry.SetBroadcaster(roomID, c); displaced != nil {
		s.closeDisplaced(ctx, displaced, roomID)
	}
	c.Session().Join(domain.RoleBroadcaster, roomID, "", name)
	info := c.Session().Info()

	l := log.Ctx(ctx)
	l.Info().Str(log.FieldRoomID, roomID).Str(log.FieldRole, string(domain.RoleBroadcaster)).Msg("broadcaster joined")
	audit.Log(ctx, audit.ActionJoin, roomID, info.DisplayName, "broadcaster joined room")

	s.events.BroadcasterJoined(ctx, roomID, info.DisplayName)
	if s.directory != nil {
		if err := s.directory.Register(ctx, roomID); err != nil {
			l.Warn().Err(err).Str(log.FieldRoomID, roomID).Msg("failed to register room in directory")
		}
	}
	s.updateRoomGauge()

	return s.registry.ViewerCount(roomID)
}

// joinViewer adds c to roomID's viewers and returns its viewer id and the
// new viewer count.
func (s *relayService) joinViewer(ctx context.Context, c hub.Conn, roomID, requestedID, name string) (string, int) {
	s.leaveOther(ctx, c, roomID, domain.RoleViewer)

	viewerID, count, displaced := s.registry.AddViewer(roomID, c, requestedID)
	if displaced != nil {
		s.closeDisplaced(ctx, displaced, roomID)
	}
	c.Session().Join(domain.RoleViewer, roomID, viewerID, name)

	l := log.Ctx(ctx)
	l.Info().Str(log.FieldRoomID, roomID).Str(log.FieldViewerID, viewerID).Int("viewer_count", count).Msg("viewer joined")
	audit.Log(ctx, audit.ActionJoin, roomID, c.Session().Info().DisplayName, "viewer joined room")
	s.updateRoomGauge()

	return viewerID, count
}

// afterViewerJoin tells the broadcaster about the new viewer and the room
// about the new count.
func (s *relayService) afterViewerJoin(ctx context.Context, c hub.Conn, roomID string, count int) {
	info := c.Session().Info()
	if b, ok := s.registry.Broadcaster(roomID); ok {
		s.sendTo(ctx, b, &domain.ViewerJoinedMessage{
			Type:     domain.MsgTypeViewerJoined,
			ViewerID: info.ViewerID,
			Username: info.DisplayName,
		})
	}
	s.broadcast(ctx, s.registry.Members(roomID), &domain.ViewerCountUpdateMessage{
		Type:  domain.MsgTypeViewerCountUpdate,
		Count: count,
	})
	s.events.ViewerCount(ctx, roomID, count)
}

// announceWaitingViewers sends the broadcaster a viewer_joined for every
// viewer that joined before it, so it can offer to each of them.
func (s *relayService) announceWaitingViewers(c hub.Conn, roomID string) {
	for _, ep := range s.registry.Viewers(roomID) {
		conn, ok := ep.(hub.Conn)
		if !ok {
			continue
		}
		info := conn.Session().Info()
		hub.SendJSON(c, &domain.ViewerJoinedMessage{
			Type:     domain.MsgTypeViewerJoined,
			ViewerID: info.ViewerID,
			Username: info.DisplayName,
		})
	}
}

func (s *relayService) sendHistory(c hub.Conn, roomID string) error {
	return hub.SendJSON(c, &domain.ChatHistoryMessage{
		Type:     domain.MsgTypeChatHistory,
		Messages: s.registry.History(roomID),
	})
}

func (s *relayService) closeDisplaced(ctx context.Context, ep registry.Endpoint, roomID string) {
	l := log.Ctx(ctx)
	l.Info().Str(log.FieldRoomID, roomID).Str("displaced_conn_id", ep.ID()).Msg("connection displaced")

	if conn, ok := ep.(hub.Conn); ok {
		conn.Session().Leave()
		conn.Close()
	}
}

// leaveCurrent detaches c from the room it is in, if any.
func (s *relayService) leaveCurrent(ctx context.Context, c hub.Conn) {
	if c.Session().Joined() {
		s.evict(ctx, c.ID())
		c.Session().Leave()
	}
}

// leaveOther detaches c unless it already holds the same role in roomID.
func (s *relayService) leaveOther(ctx context.Context, c hub.Conn, roomID string, role domain.Role) {
	info := c.Session().Info()
	if info.RoomID == roomID && info.Role == role {
		return
	}
	s.leaveCurrent(ctx, c)
}

func (s *relayService) HandleLeave(ctx context.Context, c hub.Conn) error {
	info := c.Session().Info()
	if info.RoomID == "" {
		return nil
	}
	s.leaveCurrent(ctx, c)
	audit.Log(ctx, audit.ActionLeave, info.RoomID, info.DisplayName, "left room")
	return nil
}

func (s *relayService) HandleDisconnect(ctx context.Context, c hub.Conn) {
	info := c.Session().Info()
	s.guard.Forget(c.ID())

	if info.RoomID == "" {
		return
	}
	if s.evict(ctx, c.ID()) {
		audit.Log(ctx, audit.ActionLeave, info.RoomID, info.DisplayName, "disconnected")
	}
	c.Session().Leave()
}

// evict removes a connection from its room and notifies the rest of the
// room. It reports whether the connection still held a slot.
func (s *relayService) evict(ctx context.Context, connID string) bool {
	m, ok := s.registry.Membership(connID)
	if !ok {
		return false
	}
	room, _ := s.registry.Room(m.RoomID)
	wasLive := m.Role == domain.RoleBroadcaster && room.Live

	var broadcasterName string
	if m.Role == domain.RoleBroadcaster {
		if b, ok := s.registry.Broadcaster(m.RoomID); ok {
			if conn, ok := b.(hub.Conn); ok {
				broadcasterName = conn.Session().Info().DisplayName
			}
		}
	}

	removed, ok := s.registry.RemoveConnection(connID)
	if !ok {
		return false
	}

	l := log.Ctx(ctx)
	switch removed.Role {
	case domain.RoleViewer:
		l.Info().Str(log.FieldRoomID, removed.RoomID).Str(log.FieldViewerID, removed.ViewerID).Int("viewer_count", removed.ViewerCount).Msg("viewer left")
		if b, ok := s.registry.Broadcaster(removed.RoomID); ok {
			s.sendTo(ctx, b, &domain.ViewerLeftMessage{Type: domain.MsgTypeViewerLeft, ViewerID: removed.ViewerID})
		}
		s.broadcast(ctx, s.registry.Members(removed.RoomID), &domain.ViewerCountUpdateMessage{
			Type:  domain.MsgTypeViewerCountUpdate,
			Count: removed.ViewerCount,
		})
		s.events.ViewerCount(ctx, removed.RoomID, removed.ViewerCount)

	case domain.RoleBroadcaster:
		l.Info().Str(log.FieldRoomID, removed.RoomID).Msg("broadcaster left")
		if wasLive {
			// Viewers tear their peers down on stream_end.
			data, _ := json.Marshal(&domain.StreamMessage{
				Type:          domain.MsgTypeStreamEnd,
				BroadcasterID: removed.RoomID,
				Timestamp:     s.now().UnixMilli(),
			})
			s.endStream(ctx, removed.RoomID, broadcasterName, data)
		}
		if s.directory != nil {
			if err := s.directory.Deregister(ctx, removed.RoomID); err != nil {
				l.Warn().Err(err).Str(log.FieldRoomID, removed.RoomID).Msg("failed to deregister room from directory")
			}
		}
	}
	s.updateRoomGauge()
	return true
}

func (s *relayService) HandleSignal(ctx context.Context, c hub.Conn, msg *domain.SignalMessage, raw []byte) error {
	info := c.Session().Info()
	if info.RoomID == "" {
		return s.sendError(c, domain.ErrCodeNotJoined, "join a room before signaling")
	}

	l := log.Ctx(ctx)

	var (
		target   registry.Endpoint
		found    bool
		viewerID string
		toRole   domain.Role
	)
	switch info.Role {
	case domain.RoleBroadcaster:
		if msg.ViewerID == "" {
			return s.sendError(c, domain.ErrCodeBadRequest, "viewerId is required")
		}
		viewerID, toRole = msg.ViewerID, domain.RoleViewer
		target, found = s.registry.Viewer(info.RoomID, viewerID)

	case domain.RoleViewer:
		if msg.Type == domain.MsgTypeOffer {
			return s.sendError(c, domain.ErrCodeNotAuthorized, "only the broadcaster sends offers")
		}
		if msg.ViewerID == "" {
			return s.sendError(c, domain.ErrCodeBadRequest, "viewerId is required")
		}
		if msg.ViewerID != info.ViewerID {
			return s.sendError(c, domain.ErrCodeNotAuthorized, "viewerId does not match this connection")
		}
		viewerID, toRole = info.ViewerID, domain.RoleBroadcaster
		target, found = s.registry.Broadcaster(info.RoomID)
	}

	if !found {
		metrics.SignalingUnavailable.Inc()
		l.Debug().Str(log.FieldRoomID, info.RoomID).Str(log.FieldViewerID, viewerID).Str(log.FieldMsgType, msg.Type).Msg("signaling target unavailable")
		return hub.SendJSON(c, &domain.PeerUnavailableMessage{
			Type:          domain.MsgTypePeerUnavailable,
			ViewerID:      viewerID,
			BroadcasterID: info.RoomID,
			Target:        toRole,
			SignalType:    msg.Type,
		})
	}

	if err := target.Send(raw); err != nil {
		s.prune(ctx, []registry.Endpoint{target})
		return nil
	}
	metrics.SignalingForwarded.WithLabelValues(msg.Type).Inc()
	l.Debug().Str(log.FieldRoomID, info.RoomID).Str(log.FieldViewerID, viewerID).Str(log.FieldMsgType, msg.Type).Msg("signaling forwarded")
	return nil
}

func (s *relayService) HandleStreamStart(ctx context.Context, c hub.Conn, raw []byte) error {
	info, ok := s.requireBroadcaster(c)
	if !ok {
		return s.sendError(c, domain.ErrCodeNotAuthorized, "only the room's broadcaster controls the stream")
	}

	s.registry.SetLive(info.RoomID, true)
	s.broadcast(ctx, s.registry.Viewers(info.RoomID), json.RawMessage(raw))

	l := log.Ctx(ctx)
	l.Info().Str(log.FieldRoomID, info.RoomID).Msg("stream started")
	audit.Log(ctx, audit.ActionStreamStart, info.RoomID, info.DisplayName, "stream started")
	s.events.StreamStart(ctx, info.RoomID, info.DisplayName)
	return nil
}

func (s *relayService) HandleStreamEnd(ctx context.Context, c hub.Conn, raw []byte) error {
	info, ok := s.requireBroadcaster(c)
	if !ok {
		return s.sendError(c, domain.ErrCodeNotAuthorized, "only the room's broadcaster controls the stream")
	}
	s.endStream(ctx, info.RoomID, info.DisplayName, raw)
	return nil
}

func (s *relayService) endStream(ctx context.Context, roomID, broadcaster string, raw []byte) {
	s.registry.SetLive(roomID, false)
	s.broadcast(ctx, s.registry.Viewers(roomID), json.RawMessage(raw))

	l := log.Ctx(ctx)
	l.Info().Str(log.FieldRoomID, roomID).Msg("stream ended")
	audit.Log(ctx, audit.ActionStreamEnd, roomID, broadcaster, "stream ended")
	s.events.StreamEnd(ctx, roomID, broadcaster)
	s.archive(ctx, roomID, broadcaster)
}

// archive writes the room's transcript in the background.
func (s *relayService) archive(ctx context.Context, roomID, broadcaster string) {
	if s.archiver == nil {
		return
	}
	history := s.registry.History(roomID)

	s.background.Add(1)
	go func() {
		defer s.background.Done()

		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sideChannelTimeout)
		defer cancel()

		l := log.Ctx(ctx)
		key, err := s.archiver.Save(ctx, roomID, broadcaster, history)
		if err != nil {
			l.Error().Err(err).Str(log.FieldRoomID, roomID).Msg("failed to archive transcript")
			return
		}
		l.Info().Str(log.FieldRoomID, roomID).Str("key", key).Int("messages", len(history)).Msg("transcript archived")
	}()
}

func (s *relayService) requireBroadcaster(c hub.Conn) (domain.SessionInfo, bool) {
	info := c.Session().Info()
	if info.Role != domain.RoleBroadcaster || info.RoomID == "" {
		return info, false
	}
	b, ok := s.registry.Broadcaster(info.RoomID)
	return info, ok && b.ID() == c.ID()
}

func (s *relayService) HandleChat(ctx context.Context, c hub.Conn, msg *domain.ChatSendMessage) error {
	text := domain.NormalizeText(msg.Text)
	if text == "" {
		return nil
	}

	info := c.Session().Info()
	if info.RoomID == "" {
		return s.reject(c, msg.TempID, domain.RejectNotAuthorized)
	}

	// A resend of an accepted message is acknowledged again, not re-posted.
	if prev, ok := s.registry.FindByTempID(info.RoomID, info.DisplayName, msg.TempID); ok {
		metrics.ChatMessages.WithLabelValues("replayed").Inc()
		return hub.SendJSON(c, domain.NewAck(msg.TempID, prev.ID, ""))
	}

	if reason := s.moderation.Check(info.RoomID, info.DisplayName); reason != "" {
		err := s.reject(c, msg.TempID, reason)
		if reason == domain.RejectKicked {
			s.evict(ctx, c.ID())
			c.Session().Leave()
			c.Close()
		}
		return err
	}

	now := s.now()
	if reason := s.guard.Admit(c.ID(), text, now); reason != "" {
		return s.reject(c, msg.TempID, reason)
	}

	accepted := domain.ChatMessage{
		ID:        ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String(),
		TempID:    msg.TempID,
		RoomID:    info.RoomID,
		Role:      info.Role,
		Username:  info.DisplayName,
		Text:      domain.EscapeText(text),
		Timestamp: now.UnixMilli(),
	}
	s.registry.AppendMessage(info.RoomID, accepted)
	metrics.ChatMessages.WithLabelValues("accepted").Inc()

	s.broadcast(ctx, s.registry.Members(info.RoomID), &domain.ChatEvent{
		Type:        domain.MsgTypeChat,
		ChatMessage: accepted,
	})

	l := log.Ctx(ctx)
	l.Debug().Str(log.FieldRoomID, info.RoomID).Str(log.FieldTempID, msg.TempID).Str("message_id", accepted.ID).Msg("chat accepted")

	if s.producer != nil {
		if err := s.producer.ProduceMessage(ctx, &accepted); err != nil {
			l.Warn().Err(err).Str(log.FieldRoomID, info.RoomID).Msg("failed to produce chat message")
		}
	}

	return hub.SendJSON(c, domain.NewAck(msg.TempID, accepted.ID, ""))
}

func (s *relayService) reject(c hub.Conn, tempID, reason string) error {
	metrics.ChatMessages.WithLabelValues(reason).Inc()
	return hub.SendJSON(c, domain.NewAck(tempID, "", reason))
}

func (s *relayService) HandleHeartbeat(ctx context.Context, c hub.Conn) error {
	c.Session().UpdateActivity()
	return nil
}

func (s *relayService) Moderate(ctx context.Context, roomID, username string, action moderation.Action) error {
	if err := s.moderation.Apply(roomID, username, action); err != nil {
		return err
	}
	audit.LogWithDetail(ctx, audit.ActionModeration, roomID, username, string(action), "moderation applied")

	if action != moderation.ActionKick {
		return nil
	}
	for _, ep := range s.registry.Members(roomID) {
		conn, ok := ep.(hub.Conn)
		if !ok || conn.Session().Info().DisplayName != username {
			continue
		}
		hub.SendJSON(conn, domain.NewErrorMessage(domain.ErrCodeNotAuthorized, "removed from room"))
		s.evict(ctx, conn.ID())
		conn.Session().Leave()
		conn.Close()
	}
	return nil
}

func (s *relayService) Rooms() []registry.RoomInfo {
	return s.registry.Rooms()
}

func (s *relayService) Room(roomID string) (registry.RoomInfo, bool) {
	return s.registry.Room(roomID)
}

func (s *relayService) History(roomID string) []domain.ChatMessage {
	return s.registry.History(roomID)
}

func (s *relayService) Transcripts(ctx context.Context, roomID string) ([]transcript.Entry, error) {
	if s.archiver == nil {
		return nil, ErrTranscriptsDisabled
	}
	return s.archiver.List(ctx, roomID)
}

func (s *relayService) Transcript(ctx context.Context, key string) (*transcript.Transcript, error) {
	if s.archiver == nil {
		return nil, ErrTranscriptsDisabled
	}
	return s.archiver.Load(ctx, key)
}

// broadcast sends v to every endpoint. A failed send does not stop
// delivery to the rest; failed endpoints are pruned once all sends are done.
func (s *relayService) broadcast(ctx context.Context, targets []registry.Endpoint, v any) {
	if len(targets) == 0 {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		l := log.Ctx(ctx)
		l.Error().Err(err).Msg("failed to marshal broadcast frame")
		return
	}

	var failed []registry.Endpoint
	for _, ep := range targets {
		if err := ep.Send(data); err != nil {
			failed = append(failed, ep)
		}
	}
	s.prune(ctx, failed)
}

func (s *relayService) sendTo(ctx context.Context, ep registry.Endpoint, v any) {
	s.broadcast(ctx, []registry.Endpoint{ep}, v)
}

// prune evicts connections whose send failed.
func (s *relayService) prune(ctx context.Context, failed []registry.Endpoint) {
	l := log.Ctx(ctx)
	for _, ep := range failed {
		metrics.SendFailures.Inc()
		l.Warn().Str("target_conn_id", ep.ID()).Msg("send failed, pruning connection")

		s.evict(ctx, ep.ID())
		if conn, ok := ep.(hub.Conn); ok {
			conn.Session().Leave()
			conn.Close()
		}
	}
}

func (s *relayService) sendError(c hub.Conn, code, message string) error {
	return hub.SendJSON(c, domain.NewErrorMessage(code, message))
}

func (s *relayService) updateRoomGauge() {
	metrics.Rooms.Set(float64(len(s.registry.Rooms())))
}

func (s *relayService) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	if s.directory != nil {
		if err := s.directory.StartHeartbeat(ctx); err != nil {
			return err
		}
	}

	if s.idleTTL > 0 {
		interval := s.reapInterval
		if interval <= 0 {
			interval = time.Minute
		}
		s.background.Add(1)
		go func() {
			defer s.background.Done()
			s.reapLoop(ctx, interval)
		}()
	}

	l := log.L()
	l.Info().Dur("idle_ttl", s.idleTTL).Msg("relay service started")
	return nil
}

func (s *relayService) reapLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if reaped := s.registry.Reap(s.idleTTL); len(reaped) > 0 {
				l := log.L()
				l.Info().Strs("rooms", reaped).Msg("reaped idle rooms")
				s.updateRoomGauge()
			}
		}
	}
}

func (s *relayService) Stop() error {
	if s.cancel != nil {
		s.cancel()
	}
	s.background.Wait()

	l := log.L()
	if s.producer != nil {
		if err := s.producer.Close(); err != nil {
			l.Error().Err(err).Msg("failed to close kafka producer")
		}
	}
	if s.directory != nil {
		if err := s.directory.Close(); err != nil {
			l.Error().Err(err).Msg("failed to close directory")
		}
	}
	return nil
}

func userName(u *domain.UserInfo) string {
	if u == nil {
		return ""
	}
	return u.Username
}
