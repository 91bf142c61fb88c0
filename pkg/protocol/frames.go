package protocol

import "encoding/json"

// ProtocolVersion is bumped on breaking wire changes.
const ProtocolVersion = 3

// Frame type discriminators.
const (
	FrameTypeRequest  = "req"
	FrameTypeResponse = "res"
	FrameTypeEvent    = "event"
	FrameTypePresence = "presence"
)

// Error codes returned in ResponseFrame.Error.Code.
const (
	ErrInvalidRequest = "INVALID_REQUEST"
	ErrUnavailable    = "UNAVAILABLE"
	ErrNotFound       = "NOT_FOUND"
	ErrInternal       = "INTERNAL_ERROR"
	ErrHTTP           = "HTTP_ERROR"
	ErrQueueFull      = "QUEUE_FULL"
	ErrNotPaired      = "NOT_PAIRED"
	ErrNotConnected   = "NOT_CONNECTED"
)

// RequestFrame is a client → server RPC call.
type RequestFrame struct {
	Type   string          `json:"type"`
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// ErrorDetail carries a stable code plus a one-line human message.
type ErrorDetail struct {
	Code    string          `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// ResponseFrame is the server's reply to a RequestFrame, matched by ID.
type ResponseFrame struct {
	Type    string       `json:"type"`
	ID      string       `json:"id"`
	OK      bool         `json:"ok"`
	Payload any          `json:"payload,omitempty"`
	Error   *ErrorDetail `json:"error,omitempty"`
}

// StateVersion is an opaque reorder guard attached to every event.
type StateVersion struct {
	Presence int `json:"presence"`
	Health   int `json:"health"`
}

// EventFrame is a server → client push. Seq is strictly increasing
// per connection.
type EventFrame struct {
	Type         string       `json:"type"`
	Event        string       `json:"event"`
	Payload      any          `json:"payload,omitempty"`
	Seq          int64        `json:"seq"`
	StateVersion StateVersion `json:"stateVersion"`
}

// PresenceFrame is a client → server heartbeat with local activity info.
type PresenceFrame struct {
	Type             string `json:"type"`
	InstanceID       string `json:"instanceId"`
	Mode             string `json:"mode"`
	LastInputSeconds *int   `json:"lastInputSeconds,omitempty"`
	Host             string `json:"host,omitempty"`
	Version          string `json:"version,omitempty"`
}

// NewOKResponse builds a successful response frame.
func NewOKResponse(id string, payload any) *ResponseFrame {
	return &ResponseFrame{Type: FrameTypeResponse, ID: id, OK: true, Payload: payload}
}

// NewErrorResponse builds a failed response frame.
func NewErrorResponse(id, code, message string) *ResponseFrame {
	return &ResponseFrame{
		Type:  FrameTypeResponse,
		ID:    id,
		OK:    false,
		Error: &ErrorDetail{Code: code, Message: message},
	}
}

// NewEvent builds an event frame. Seq and StateVersion are stamped by the
// sending connection.
func NewEvent(name string, payload any) *EventFrame {
	return &EventFrame{Type: FrameTypeEvent, Event: name, Payload: payload}
}
