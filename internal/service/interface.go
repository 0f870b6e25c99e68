package service

import (
	"context"

	"github.com/weiawesome/wes-io-live-relay/internal/domain"
	"github.com/weiawesome/wes-io-live-relay/internal/hub"
	"github.com/weiawesome/wes-io-live-relay/internal/moderation"
	"github.com/weiawesome/wes-io-live-relay/internal/registry"
	"github.com/weiawesome/wes-io-live-relay/internal/transcript"
)

// RelayService routes frames between the connections of a room.
type RelayService interface {
	// Joins
	HandleJoin(ctx context.Context, c hub.Conn, msg *domain.JoinMessage) error
	HandleBroadcasterJoin(ctx context.Context, c hub.Conn, msg *domain.BroadcasterJoinMessage) error
	HandleViewerJoin(ctx context.Context, c hub.Conn, msg *domain.ViewerJoinMessage) error
	HandleLeave(ctx context.Context, c hub.Conn) error
	HandleDisconnect(ctx context.Context, c hub.Conn)

	// Signaling and stream lifecycle. raw is forwarded unmodified.
	HandleSignal(ctx context.Context, c hub.Conn, msg *domain.SignalMessage, raw []byte) error
	HandleStreamStart(ctx context.Context, c hub.Conn, raw []byte) error
	HandleStreamEnd(ctx context.Context, c hub.Conn, raw []byte) error

	// Chat
	HandleChat(ctx context.Context, c hub.Conn, msg *domain.ChatSendMessage) error
	HandleHeartbeat(ctx context.Context, c hub.Conn) error

	// Admin surface
	Moderate(ctx context.Context, roomID, username string, action moderation.Action) error
	Rooms() []registry.RoomInfo
	Room(roomID string) (registry.RoomInfo, bool)
	History(roomID string) []domain.ChatMessage
	Transcripts(ctx context.Context, roomID string) ([]transcript.Entry, error)
	Transcript(ctx context.Context, key string) (*transcript.Transcript, error)

	Start(ctx context.Context) error
	Stop() error
}
