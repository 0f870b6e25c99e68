package handler

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/weiawesome/wes-io-live-relay/internal/domain"
	"github.com/weiawesome/wes-io-live-relay/internal/hub"
	"github.com/weiawesome/wes-io-live-relay/internal/service"
	pkglog "github.com/weiawesome/wes-io-live-relay/pkg/log"
)

// Dispatcher decodes inbound frames and routes them to the relay service.
// Websocket and polling connections share it.
type Dispatcher struct {
	service service.RelayService
}

// NewDispatcher creates a new Dispatcher.
func NewDispatcher(svc service.RelayService) *Dispatcher {
	return &Dispatcher{service: svc}
}

// Dispatch handles one frame. Errors are answered with an error frame and
// never end the connection.
func (d *Dispatcher) Dispatch(ctx context.Context, c hub.Conn, message []byte) {
	ctx = pkglog.WithConn(ctx, c.ID(), c.Transport())
	l := pkglog.Ctx(ctx)

	defer func() {
		if r := recover(); r != nil {
			l.Error().Str("panic", fmt.Sprint(r)).Msg("recovered from panic in message handler")
			hub.SendJSON(c, domain.NewErrorMessage(domain.ErrCodeInternalError, "Internal error"))
		}
	}()

	var base domain.BaseMessage
	if err := json.Unmarshal(message, &base); err != nil {
		l.Warn().Err(err).Msg("malformed frame")
		hub.SendJSON(c, domain.NewErrorMessage(domain.ErrCodeBadRequest, "Invalid message format"))
		return
	}

	l.Debug().Str(pkglog.FieldMsgType, base.Type).Msg("frame received")

	var err error
	switch base.Type {
	case domain.MsgTypeJoin:
		var msg domain.JoinMessage
		if !decode(c, message, &msg, base.Type) {
			return
		}
		err = d.service.HandleJoin(ctx, c, &msg)

	case domain.MsgTypeBroadcasterJoin:
		var msg domain.BroadcasterJoinMessage
		if !decode(c, message, &msg, base.Type) {
			return
		}
		err = d.service.HandleBroadcasterJoin(ctx, c, &msg)

	case domain.MsgTypeViewerJoin:
		var msg domain.ViewerJoinMessage
		if !decode(c, message, &msg, base.Type) {
			return
		}
		err = d.service.HandleViewerJoin(ctx, c, &msg)

	case domain.MsgTypeOffer, domain.MsgTypeAnswer, domain.MsgTypeICECandidate:
		var msg domain.SignalMessage
		if !decode(c, message, &msg, base.Type) {
			return
		}
		err = d.service.HandleSignal(ctx, c, &msg, message)

	case domain.MsgTypeChat:
		var msg domain.ChatSendMessage
		if !decode(c, message, &msg, base.Type) {
			return
		}
		err = d.service.HandleChat(ctx, c, &msg)

	case domain.MsgTypeStreamStart:
		err = d.service.HandleStreamStart(ctx, c, message)

	case domain.MsgTypeStreamEnd:
		err = d.service.HandleStreamEnd(ctx, c, message)

	case domain.MsgTypeHeartbeat:
		err = d.service.HandleHeartbeat(ctx, c)

	case domain.MsgTypeLeave:
		err = d.service.HandleLeave(ctx, c)

	case domain.MsgTypePing:
		err = hub.SendJSON(c, &domain.BaseMessage{Type: domain.MsgTypePong})

	default:
		hub.SendJSON(c, domain.NewErrorMessage(domain.ErrCodeUnknownType, "Unknown message type"))
		return
	}

	if err != nil {
		l.Error().Err(err).Str(pkglog.FieldMsgType, base.Type).Msg("message handler failed")
	}
}

func decode(c hub.Conn, message []byte, v any, msgType string) bool {
	if err := json.Unmarshal(message, v); err != nil {
		hub.SendJSON(c, domain.NewErrorMessage(domain.ErrCodeBadRequest, "Invalid "+msgType+" message"))
		return false
	}
	return true
}
