package audit

import (
	"context"

	"github.com/weiawesome/wes-io-live-relay/pkg/log"
)

// Audit actions for the relay.
const (
	ActionJoin        = "relay.join"
	ActionLeave       = "relay.leave"
	ActionStreamStart = "relay.stream_start"
	ActionStreamEnd   = "relay.stream_end"
	ActionModeration  = "relay.moderation"
)

// Field constants for audit entries.
const (
	FieldAction = "action"
	FieldDetail = "detail"
)

// Log emits a structured audit log entry via the context logger.
func Log(ctx context.Context, action, roomID, username, msg string) {
	l := log.Ctx(ctx)
	l.Info().
		Str(log.FieldLogType, log.LogTypeAudit).
		Str(FieldAction, action).
		Str(log.FieldRoomID, roomID).
		Str(log.FieldUsername, username).
		Msg(msg)
}

// LogWithDetail emits an audit log with an extra detail field.
func LogWithDetail(ctx context.Context, action, roomID, username, detail, msg string) {
	l := log.Ctx(ctx)
	l.Info().
		Str(log.FieldLogType, log.LogTypeAudit).
		Str(FieldAction, action).
		Str(log.FieldRoomID, roomID).
		Str(log.FieldUsername, username).
		Str(FieldDetail, detail).
		Msg(msg)
}
