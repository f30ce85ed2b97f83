package log

import (
	"time"
)

// Event is one captured protocol event.
// CBOR encoding uses integer keys for compactness.
type Event struct {
	// Timestamp when the event occurred (nanosecond precision).
	Timestamp time.Time `cbor:"1,keyasint"`

	// ConnectionID identifies the client instance for the lifetime of the
	// process (UUID). It is stable across sessions.
	ConnectionID string `cbor:"2,keyasint"`

	// SessionID is the server-assigned session id, empty while disconnected.
	SessionID string `cbor:"3,keyasint,omitempty"`

	Direction Direction `cbor:"4,keyasint"`
	Layer     Layer     `cbor:"5,keyasint"`
	Category  Category  `cbor:"6,keyasint"`

	// Endpoint is the server base URL.
	Endpoint string `cbor:"7,keyasint,omitempty"`

	// Type-specific payload (one of these will be set).
	Exchange    *ExchangeEvent    `cbor:"10,keyasint,omitempty"` // Transport layer
	Message     *MessageEvent     `cbor:"11,keyasint,omitempty"` // Wire layer
	StateChange *StateChangeEvent `cbor:"12,keyasint,omitempty"` // Connection and sync state
	Error       *ErrorEventData   `cbor:"13,keyasint,omitempty"` // Errors at any layer
}

// Direction indicates the direction of message flow.
type Direction uint8

const (
	// DirectionIn indicates data received from the server.
	DirectionIn Direction = 0
	// DirectionOut indicates data sent to the server.
	DirectionOut Direction = 1
)

// String returns the direction name.
func (d Direction) String() string {
	switch d {
	case DirectionIn:
		return "IN"
	case DirectionOut:
		return "OUT"
	default:
		return "UNKNOWN"
	}
}

// Layer indicates which layer captured the event.
type Layer uint8

const (
	// LayerTransport is the HTTP exchange layer (raw batches).
	LayerTransport Layer = 0
	// LayerWire is the decoded message layer.
	LayerWire Layer = 1
	// LayerSync is the subscription and presence layer.
	LayerSync Layer = 2
)

// String returns the layer name.
func (l Layer) String() string {
	switch l {
	case LayerTransport:
		return "TRANSPORT"
	case LayerWire:
		return "WIRE"
	case LayerSync:
		return "SYNC"
	default:
		return "UNKNOWN"
	}
}

// Category classifies the event type.
type Category uint8

const (
	// CategoryMessage indicates a request, response or push.
	CategoryMessage Category = 0
	// CategoryControl indicates a session control exchange (connect, poll, disconnect).
	CategoryControl Category = 1
	// CategoryState indicates a state change.
	CategoryState Category = 2
	// CategoryError indicates an error event.
	CategoryError Category = 3
)

// String returns the category name.
func (c Category) String() string {
	switch c {
	case CategoryMessage:
		return "MESSAGE"
	case CategoryControl:
		return "CONTROL"
	case CategoryState:
		return "STATE"
	case CategoryError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ExchangeEvent captures one HTTP exchange with the long-poll server.
type ExchangeEvent struct {
	// Kind is the exchange performed.
	Kind ExchangeKind `cbor:"1,keyasint"`

	// Status is the HTTP status code, 0 if no response was received.
	Status int `cbor:"2,keyasint,omitempty"`

	// Size is the body size in bytes.
	Size int `cbor:"3,keyasint"`

	// Data is the raw body (may be truncated for large batches).
	Data []byte `cbor:"4,keyasint,omitempty"`

	// Truncated indicates if Data was truncated.
	Truncated bool `cbor:"5,keyasint,omitempty"`

	// Duration is the round trip time.
	Duration time.Duration `cbor:"6,keyasint,omitempty"`
}

// ExchangeKind identifies an HTTP exchange.
type ExchangeKind uint8

const (
	ExchangeConnect    ExchangeKind = 0
	ExchangeSend       ExchangeKind = 1
	ExchangePoll       ExchangeKind = 2
	ExchangeDisconnect ExchangeKind = 3
)

// String returns the exchange name.
func (k ExchangeKind) String() string {
	switch k {
	case ExchangeConnect:
		return "CONNECT"
	case ExchangeSend:
		return "SEND"
	case ExchangePoll:
		return "POLL"
	case ExchangeDisconnect:
		return "DISCONNECT"
	default:
		return "UNKNOWN"
	}
}

// MessageEvent captures a decoded message at the wire layer.
type MessageEvent struct {
	// Kind distinguishes request/response/push.
	Kind MessageKind `cbor:"1,keyasint"`

	// Type is the message type tag ("sub", "pub", "response", ...).
	Type string `cbor:"2,keyasint"`

	// RequestID correlates request/response pairs (0 for pushes).
	RequestID uint64 `cbor:"3,keyasint,omitempty"`

	// Key is the subscription key, when the payload carries one.
	Key string `cbor:"4,keyasint,omitempty"`

	// Payload is the decoded payload.
	Payload any `cbor:"5,keyasint,omitempty"`

	// Latency is the time from request enqueue to response (responses only).
	Latency *time.Duration `cbor:"6,keyasint,omitempty"`
}

// MessageKind distinguishes request/response/push.
type MessageKind uint8

const (
	MessageKindRequest  MessageKind = 0
	MessageKindResponse MessageKind = 1
	MessageKindPush     MessageKind = 2
)

// String returns the message kind name.
func (m MessageKind) String() string {
	switch m {
	case MessageKindRequest:
		return "REQUEST"
	case MessageKindResponse:
		return "RESPONSE"
	case MessageKindPush:
		return "PUSH"
	default:
		return "UNKNOWN"
	}
}

// StateChangeEvent captures connection and sync lifecycle events.
type StateChangeEvent struct {
	// Entity being changed.
	Entity StateEntity `cbor:"1,keyasint"`

	// OldState is the previous state (may be empty).
	OldState string `cbor:"2,keyasint,omitempty"`

	// NewState is the new state.
	NewState string `cbor:"3,keyasint"`

	// Reason for the change (if available).
	Reason string `cbor:"4,keyasint,omitempty"`
}

// StateEntity indicates what entity changed state.
type StateEntity uint8

const (
	// StateEntityConnection indicates a transport state change.
	StateEntityConnection StateEntity = 0
	// StateEntitySubscription indicates a subscription lifecycle change.
	StateEntitySubscription StateEntity = 1
	// StateEntityPresence indicates a presence status change.
	StateEntityPresence StateEntity = 2
)

// String returns the state entity name.
func (s StateEntity) String() string {
	switch s {
	case StateEntityConnection:
		return "CONNECTION"
	case StateEntitySubscription:
		return "SUBSCRIPTION"
	case StateEntityPresence:
		return "PRESENCE"
	default:
		return "UNKNOWN"
	}
}

// ErrorEventData captures errors at any layer.
type ErrorEventData struct {
	// Layer where the error occurred.
	Layer Layer `cbor:"1,keyasint"`

	// Message is the error message.
	Message string `cbor:"2,keyasint"`

	// Status is the HTTP status code (if applicable).
	Status *int `cbor:"3,keyasint,omitempty"`

	// Context describes what operation was being performed.
	Context string `cbor:"4,keyasint,omitempty"`
}

// MaxLoggedBodySize is the maximum body size included in exchange events.
const MaxLoggedBodySize = 4096

// NewExchange builds an ExchangeEvent, truncating data to MaxLoggedBodySize.
func NewExchange(kind ExchangeKind, status int, data []byte, d time.Duration) *ExchangeEvent {
	ev := &ExchangeEvent{
		Kind:     kind,
		Status:   status,
		Size:     len(data),
		Duration: d,
	}
	if len(data) > MaxLoggedBodySize {
		ev.Data = append([]byte(nil), data[:MaxLoggedBodySize]...)
		ev.Truncated = true
	} else if len(data) > 0 {
		ev.Data = append([]byte(nil), data...)
	}
	return ev
}
