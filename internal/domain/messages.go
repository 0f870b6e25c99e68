package domain

import "encoding/json"

// Frame types sent by clients.
const (
	MsgTypeJoin            = "join"
	MsgTypeBroadcasterJoin = "broadcaster_join"
	MsgTypeViewerJoin      = "viewer_join"
	MsgTypeOffer           = "offer"
	MsgTypeAnswer          = "answer"
	MsgTypeICECandidate    = "ice_candidate"
	MsgTypeChat            = "chat"
	MsgTypeStreamStart     = "stream_start"
	MsgTypeStreamEnd       = "stream_end"
	MsgTypeHeartbeat       = "heartbeat"
	MsgTypeLeave           = "leave"
	MsgTypePing            = "ping"
)

// Frame types sent by the relay.
const (
	MsgTypeJoinAck           = "join_ack"
	MsgTypeBroadcasterJoined = "broadcaster_joined"
	MsgTypeChatJoinAck       = "chat_join_ack"
	MsgTypeChatHistory       = "chat_history"
	MsgTypeAck               = "ack"
	MsgTypeViewerCountUpdate = "viewer_count_update"
	MsgTypeViewerJoined      = "viewer_joined"
	MsgTypeViewerLeft        = "viewer_left"
	MsgTypePeerUnavailable   = "peer_unavailable"
	MsgTypeError             = "error"
	MsgTypePong              = "pong"
)

// BaseMessage is the base structure for all frames.
type BaseMessage struct {
	Type string `json:"type"`
}

// UserInfo is the display identity a client attaches to its join frame.
type UserInfo struct {
	UserID   string `json:"userId,omitempty"`
	Username string `json:"username,omitempty"`
}

// Client -> Server

// JoinMessage is the role-agnostic join frame.
type JoinMessage struct {
	Type     string `json:"type"`
	Role     Role   `json:"role"`
	RoomID   string `json:"roomId"`
	Username string `json:"username,omitempty"`
	ViewerID string `json:"viewerId,omitempty"`
}

// BroadcasterJoinMessage registers the sender as the broadcaster of a room.
type BroadcasterJoinMessage struct {
	Type          string    `json:"type"`
	BroadcasterID string    `json:"broadcasterId"`
	UserInfo      *UserInfo `json:"userInfo,omitempty"`
}

// ViewerJoinMessage registers the sender as a viewer of the streamer's room.
type ViewerJoinMessage struct {
	Type       string    `json:"type"`
	ViewerID   string    `json:"viewerId,omitempty"`
	StreamerID string    `json:"streamerId"`
	UserInfo   *UserInfo `json:"userInfo,omitempty"`
}

// SignalMessage covers offer, answer and ice_candidate. Only the addressing
// fields are read; the frame itself is forwarded byte for byte.
type SignalMessage struct {
	Type          string          `json:"type"`
	SDP           json.RawMessage `json:"sdp,omitempty"`
	Candidate     json.RawMessage `json:"candidate,omitempty"`
	ViewerID      string          `json:"viewerId"`
	BroadcasterID string          `json:"broadcasterId,omitempty"`
}

// ChatSendMessage is a chat frame as sent by a client.
type ChatSendMessage struct {
	Type      string `json:"type"`
	Role      Role   `json:"role,omitempty"`
	Username  string `json:"username,omitempty"`
	Text      string `json:"text"`
	TempID    string `json:"tempId,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

// StreamMessage is stream_start / stream_end.
type StreamMessage struct {
	Type          string `json:"type"`
	BroadcasterID string `json:"broadcasterId"`
	Timestamp     int64  `json:"timestamp"`
}

// HeartbeatMessage keeps intermediaries from idling out the connection.
type HeartbeatMessage struct {
	Type string `json:"type"`
	TS   int64  `json:"ts"`
}

// Server -> Client

// JoinAckMessage answers a role-agnostic join.
type JoinAckMessage struct {
	Type        string `json:"type"`
	ID          string `json:"id"`
	Role        Role   `json:"role"`
	RoomID      string `json:"roomId"`
	ViewerCount int    `json:"viewerCount"`
}

// BroadcasterJoinedMessage answers broadcaster_join.
type BroadcasterJoinedMessage struct {
	Type          string `json:"type"`
	BroadcasterID string `json:"broadcasterId"`
	ViewerCount   int    `json:"viewerCount"`
}

// ChatJoinAckMessage answers viewer_join.
type ChatJoinAckMessage struct {
	Type          string `json:"type"`
	BroadcasterID string `json:"broadcasterId"`
	Role          Role   `json:"role"`
	Username      string `json:"username"`
	ViewerID      string `json:"viewerId"`
	ViewerCount   int    `json:"viewerCount"`
}

// ChatHistoryMessage carries the room history in delivery order.
type ChatHistoryMessage struct {
	Type     string        `json:"type"`
	Messages []ChatMessage `json:"messages"`
}

// ChatEvent is the fan-out form of an accepted chat message.
type ChatEvent struct {
	Type string `json:"type"`
	ChatMessage
}

// AckMessage acknowledges or rejects a chat frame.
type AckMessage struct {
	Type   string `json:"type"`
	Event  string `json:"event"`
	OK     bool   `json:"ok"`
	TempID string `json:"tempId,omitempty"`
	ID     string `json:"id,omitempty"`
	Error  string `json:"error,omitempty"`
}

// ViewerCountUpdateMessage is broadcast when the viewer set changes.
type ViewerCountUpdateMessage struct {
	Type  string `json:"type"`
	Count int    `json:"count"`
}

// ViewerJoinedMessage tells the broadcaster a viewer is ready for an offer.
type ViewerJoinedMessage struct {
	Type     string `json:"type"`
	ViewerID string `json:"viewerId"`
	Username string `json:"username,omitempty"`
}

// ViewerLeftMessage tells the broadcaster to dispose a viewer's peer.
type ViewerLeftMessage struct {
	Type     string `json:"type"`
	ViewerID string `json:"viewerId"`
}

// PeerUnavailableMessage tells a signaling sender its target is gone.
type PeerUnavailableMessage struct {
	Type          string `json:"type"`
	ViewerID      string `json:"viewerId,omitempty"`
	BroadcasterID string `json:"broadcasterId"`
	Target        Role   `json:"target"`
	SignalType    string `json:"signalType"`
}

// ErrorMessage reports a protocol error; the connection stays open.
type ErrorMessage struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewErrorMessage creates a new error frame.
func NewErrorMessage(code, message string) *ErrorMessage {
	return &ErrorMessage{
		Type:    MsgTypeError,
		Code:    code,
		Message: message,
	}
}

// NewAck builds an ack frame for a chat send.
func NewAck(tempID, id, reason string) *AckMessage {
	return &AckMessage{
		Type:   MsgTypeAck,
		Event:  MsgTypeChat,
		OK:     reason == "",
		TempID: tempID,
		ID:     id,
		Error:  reason,
	}
}
