package domain

import (
	"errors"
	"fmt"
)

// Error frame codes.
const (
	ErrCodeBadRequest    = "BAD_REQUEST"
	ErrCodeNotJoined     = "NOT_JOINED"
	ErrCodeNotAuthorized = "NOT_AUTHORIZED"
	ErrCodeUnknownType   = "UNKNOWN_TYPE"
	ErrCodeInternalError = "INTERNAL_ERROR"
)

// Chat rejection reasons carried in ack.error.
const (
	RejectTooFast       = "too_fast"
	RejectDuplicate     = "duplicate"
	RejectMuted         = "muted"
	RejectKicked        = "kicked"
	RejectNotAuthorized = "not_authorized"
)

// ErrorKind classifies failures by how they propagate.
type ErrorKind int

const (
	// KindTransport: socket closed or errored. Triggers reconnect or fallback.
	KindTransport ErrorKind = iota + 1
	// KindProtocol: malformed or unaddressable frame. Logged; connection kept.
	KindProtocol
	// KindChatRejected: a chat send was refused. Transient notice to the sender.
	KindChatRejected
	// KindSignalingUnavailable: the signaling target is not connected.
	KindSignalingUnavailable
	// KindMediaAcquisition: local media could not be opened. Fatal to broadcasting.
	KindMediaAcquisition
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransport:
		return "TransportError"
	case KindProtocol:
		return "ProtocolError"
	case KindChatRejected:
		return "ChatRejected"
	case KindSignalingUnavailable:
		return "SignalingUnavailable"
	case KindMediaAcquisition:
		return "MediaAcquisitionError"
	default:
		return "UnknownError"
	}
}

// Error is a classified relay error.
type Error struct {
	Kind    ErrorKind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Code != "" {
		msg += " [" + e.Code + "]"
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates a classified error.
func NewError(kind ErrorKind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// WrapError classifies an underlying error.
func WrapError(kind ErrorKind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// IsKind reports whether err is a *Error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}
