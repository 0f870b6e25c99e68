package log

const (
	// Request
	FieldRequestID = "request_id"
	FieldMethod    = "method"
	FieldPath      = "path"
	FieldStatus    = "status"
	FieldLatency   = "latency_ms"
	FieldClientIP  = "client_ip"

	// Actor (set by the session lookup in handler code)
	FieldUserID   = "user_id"
	FieldUsername = "username"

	// Relay
	FieldConnID    = "conn_id"
	FieldRoomID    = "room_id"
	FieldRole      = "role"
	FieldViewerID  = "viewer_id"
	FieldTransport = "transport"
	FieldMsgType   = "msg_type"
	FieldTempID    = "temp_id"
	FieldState     = "state"

	// Service
	FieldService   = "service"
	FieldComponent = "component"

	// Log type (for audit log)
	FieldLogType = "log_type"
	LogTypeAudit = "audit"
)
