package wire

import (
	"fmt"
	"math"
)

// Message types with a fixed meaning.
const (
	TypeResponse = "response"
	TypePub      = "pub"
	TypePresence = "presence"
	TypeNotify   = "not"
)

// Response is the payload of a "response" message.
type Response struct {
	ID    uint64
	Value any

	// Error is the remote error message; empty on success.
	Error string
}

// Payload returns the response as a message payload.
func (r Response) Payload() Payload {
	p := Payload{"id": int64(r.ID)}
	if r.Error != "" {
		p["error"] = r.Error
	} else {
		p["value"] = r.Value
	}
	return p
}

// ParseResponse extracts a Response from a "response" payload.
func ParseResponse(p Payload) (Response, error) {
	id, ok := AsInt(p["id"])
	if !ok || id < 0 {
		return Response{}, fmt.Errorf("%w: response id %v", ErrInvalidField, p["id"])
	}

	r := Response{ID: uint64(id), Value: p["value"]}
	if _, isUndef := r.Value.(Undefined); isUndef {
		r.Value = nil
	}
	switch e := p["error"].(type) {
	case nil, Undefined:
	case string:
		r.Error = e
	default:
		r.Error = fmt.Sprint(e)
	}
	return r, nil
}

// AsInt converts a decoded numeric value to int64.
func AsInt(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		if n != math.Trunc(n) {
			return 0, false
		}
		return int64(n), true
	}
	return 0, false
}

// AsFloat converts a decoded numeric value to float64.
func AsFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}
