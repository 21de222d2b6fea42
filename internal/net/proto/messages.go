// Package proto defines the JSON control-plane messages exchanged with
// clients. High-rate snapshot and delta payloads travel as binary frames and
// are defined next to the room engine.
package proto

// Error codes replied on the control plane.
const (
	CodeRoomNotFound    = "ROOM_NOT_FOUND"
	CodeRoomFull        = "ROOM_FULL"
	CodeInvalidInput    = "INVALID_INPUT"
	CodeInvalidRoom     = "INVALID_ROOM"
	CodeWrongRoom       = "WRONG_ROOM"
	CodeInvalidType     = "INVALID_TYPE"
	CodeParseError      = "PARSE_ERROR"
	CodeUnauthorized    = "UNAUTHORIZED"
	CodeInternalError   = "INTERNAL_ERROR"
	CodeConnectionError = "CONNECTION_ERROR"
)

// ClientMessage is the single inbound JSON envelope; Type selects which
// fields are meaningful.
type ClientMessage struct {
	Type     string         `json:"type"`
	RoomID   string         `json:"roomId,omitempty"`
	PlayerID string         `json:"playerId,omitempty"`
	Payload  map[string]any `json:"payload,omitempty"`
	SentAt   int64          `json:"sentAt,omitempty"`
}

// JoinedMessage acknowledges a join with the assigned player id.
type JoinedMessage struct {
	Type     string `json:"type"`
	RoomID   string `json:"roomId"`
	PlayerID string `json:"playerId"`
}

// LeftMessage notifies a session it left a room.
type LeftMessage struct {
	Type   string `json:"type"`
	RoomID string `json:"roomId"`
}

// ErrorMessage reports a recoverable control-plane failure; the socket stays
// open.
type ErrorMessage struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// HeartbeatMessage echoes a client heartbeat with server time and measured
// RTT.
type HeartbeatMessage struct {
	Type       string `json:"type"`
	ServerTime int64  `json:"serverTime"`
	ClientTime int64  `json:"clientTime"`
	RTTMillis  int64  `json:"rtt"`
}

// NewError builds an error reply.
func NewError(code, message string) ErrorMessage {
	return ErrorMessage{Type: "error", Code: code, Message: message}
}
