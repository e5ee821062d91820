// Package protocol defines the wire format for the walink gateway WebSocket
// protocol: request/response frames for the two RPC methods and event frames
// carrying linking progress. The package has no dependencies so external
// clients can import it directly.
package protocol

import "encoding/json"

// Protocol version, negotiated implicitly: the server rejects requests whose
// shape it does not understand.
const ProtocolVersion = 1

// Frame types
const (
	FrameTypeRequest  = "req"
	FrameTypeResponse = "res"
	FrameTypeEvent    = "event"
)

// RequestFrame is sent by clients to invoke an RPC method.
type RequestFrame struct {
	Type   string          `json:"type"`   // always "req"
	ID     string          `json:"id"`     // client-generated request ID
	Method string          `json:"method"` // RPC method name
	Params json.RawMessage `json:"params,omitempty"`
}

// ResponseFrame answers a request.
type ResponseFrame struct {
	Type    string      `json:"type"` // always "res"
	ID      string      `json:"id"`   // matches the request ID
	OK      bool        `json:"ok"`
	Payload any         `json:"payload,omitempty"`
	Error   *ErrorShape `json:"error,omitempty"`
}

// ErrorShape describes a protocol-level error.
type ErrorShape struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// EventFrame is pushed from server to client without a preceding request.
// Events for one connection are delivered in emission order.
type EventFrame struct {
	Type    string `json:"type"`  // always "event"
	Event   string `json:"event"` // event name, see events.go
	Payload any    `json:"payload,omitempty"`
}

// NewOKResponse builds a success response frame.
func NewOKResponse(id string, payload any) *ResponseFrame {
	return &ResponseFrame{Type: FrameTypeResponse, ID: id, OK: true, Payload: payload}
}

// NewErrorResponse builds an error response frame.
func NewErrorResponse(id, code, message string) *ResponseFrame {
	return &ResponseFrame{
		Type:  FrameTypeResponse,
		ID:    id,
		OK:    false,
		Error: &ErrorShape{Code: code, Message: message},
	}
}

// NewEvent builds an event frame.
func NewEvent(event string, payload any) *EventFrame {
	return &EventFrame{Type: FrameTypeEvent, Event: event, Payload: payload}
}

// ParseFrameType extracts the frame type from raw JSON bytes.
func ParseFrameType(data []byte) (string, error) {
	var raw struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return "", err
	}
	return raw.Type, nil
}
