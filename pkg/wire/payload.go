package wire

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

// Field tags.
const (
	TagString    byte = 's'
	TagFloat     byte = 'f'
	TagInteger   byte = 'i'
	TagBool      byte = 'b'
	TagDate      byte = 'd'
	TagNull      byte = 'n'
	TagUndefined byte = 'u'
	TagObject    byte = 'o'
)

// Payload errors.
var (
	// ErrInvalidField indicates a field whose value does not match its tag.
	ErrInvalidField = errors.New("invalid field value")

	// ErrUnsupportedValue indicates a Go value that has no wire tag.
	ErrUnsupportedValue = errors.New("unsupported value")
)

// Undefined marks a field that is present but has no value. In a model diff
// it deletes the field.
type Undefined struct{}

// Payload is a message payload keyed by field name.
//
// Decoded values are one of: string, float64, int64, bool, time.Time, nil,
// Undefined, map[string]any or []any.
type Payload map[string]any

// Clone returns a shallow copy of p.
func (p Payload) Clone() Payload {
	if p == nil {
		return nil
	}
	out := make(Payload, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Tag returns the wire tag used to encode v.
func Tag(v any) (byte, error) {
	switch v.(type) {
	case nil:
		return TagNull, nil
	case Undefined:
		return TagUndefined, nil
	case string:
		return TagString, nil
	case bool:
		return TagBool, nil
	case float32, float64:
		return TagFloat, nil
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return TagInteger, nil
	case time.Time, *time.Time:
		return TagDate, nil
	case map[string]any, []any, []string, []int64, []float64, []map[string]any, Payload, json.RawMessage:
		return TagObject, nil
	}
	return 0, fmt.Errorf("%w: %T", ErrUnsupportedValue, v)
}

// EncodePayload encodes p as a tagged JSON object.
func EncodePayload(p Payload) ([]byte, error) {
	tagged := make(map[string]any, len(p))
	for name, v := range p {
		tag, err := Tag(v)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", name, err)
		}
		switch tag {
		case TagUndefined:
			v = nil
		case TagDate:
			switch t := v.(type) {
			case time.Time:
				v = t.UnixMilli()
			case *time.Time:
				if t == nil {
					tag, v = TagNull, nil
				} else {
					v = t.UnixMilli()
				}
			}
		}
		tagged[string(tag)+name] = v
	}
	return json.Marshal(tagged)
}

// DecodePayload decodes a tagged JSON object.
func DecodePayload(data []byte) (Payload, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}

	p := make(Payload, len(raw))
	for key, value := range raw {
		if key == "" {
			continue
		}
		v, err := decodeField(key[0], value)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", key, err)
		}
		p[key[1:]] = v
	}
	return p, nil
}

func decodeField(tag byte, raw json.RawMessage) (any, error) {
	switch tag {
	case TagString:
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, fmt.Errorf("%w: expected string", ErrInvalidField)
		}
		return s, nil

	case TagBool:
		var b bool
		if err := json.Unmarshal(raw, &b); err != nil {
			return nil, fmt.Errorf("%w: expected boolean", ErrInvalidField)
		}
		return b, nil

	case TagFloat:
		text, err := numberText(raw)
		if err != nil {
			return nil, err
		}
		return parseFloat(text)

	case TagInteger:
		text, err := numberText(raw)
		if err != nil {
			return nil, err
		}
		if i, err := strconv.ParseInt(text, 10, 64); err == nil {
			return i, nil
		}
		f, err := parseFloat(text)
		if err != nil {
			return nil, err
		}
		return int64(math.Trunc(f)), nil

	case TagDate:
		text, err := numberText(raw)
		if err != nil {
			return nil, err
		}
		f, err := parseFloat(text)
		if err != nil {
			return nil, err
		}
		return time.UnixMilli(int64(f)), nil

	case TagNull:
		return nil, nil

	case TagObject:
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidField, err)
		}
		return v, nil
	}
	return Undefined{}, nil
}

// numberText returns the text of a JSON number or of a string holding one.
func numberText(raw json.RawMessage) (string, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s), nil
	}

	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return "", fmt.Errorf("%w: expected number", ErrInvalidField)
	}
	return string(n), nil
}

func parseFloat(text string) (float64, error) {
	f, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q is not numeric", ErrInvalidField, text)
	}
	return f, nil
}
