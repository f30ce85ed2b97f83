package wire

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
)

// Frame errors.
var (
	// ErrMalformedFrame indicates a frame that could not be parsed.
	ErrMalformedFrame = errors.New("malformed frame")
)

// Separator delimits the sections of a frame.
const Separator = '|'

// Message is a server to client message.
type Message struct {
	Type    string
	Payload Payload
}

// Request is a client to server message.
type Request struct {
	// Session is the session id the frame is transmitted under.
	Session string

	// ID is the correlator's request id.
	ID uint64

	Type    string
	Payload Payload
}

// SanitizeType removes every character outside [A-Za-z0-9_-].
func SanitizeType(t string) string {
	clean := true
	for i := 0; i < len(t); i++ {
		if !isTypeChar(t[i]) {
			clean = false
			break
		}
	}
	if clean {
		return t
	}

	b := make([]byte, 0, len(t))
	for i := 0; i < len(t); i++ {
		if isTypeChar(t[i]) {
			b = append(b, t[i])
		}
	}
	return string(b)
}

func isTypeChar(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '_' || c == '-'
}

// appendFrame writes len|body to buf.
func appendFrame(buf *bytes.Buffer, body []byte) {
	buf.WriteString(strconv.Itoa(len(body)))
	buf.WriteByte(Separator)
	buf.Write(body)
}

// EncodeRequest encodes a single client to server frame.
func EncodeRequest(r Request) ([]byte, error) {
	var buf bytes.Buffer
	if err := appendRequest(&buf, r); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// EncodeRequestBatch encodes frames back to back.
func EncodeRequestBatch(reqs []Request) ([]byte, error) {
	var buf bytes.Buffer
	for _, r := range reqs {
		if err := appendRequest(&buf, r); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

func appendRequest(buf *bytes.Buffer, r Request) error {
	payload, err := EncodePayload(r.Payload)
	if err != nil {
		return fmt.Errorf("encode request %d (%s): %w", r.ID, r.Type, err)
	}

	var body bytes.Buffer
	body.WriteString(r.Session)
	body.WriteByte(Separator)
	body.WriteString(strconv.FormatUint(r.ID, 10))
	body.WriteByte(Separator)
	body.WriteString(SanitizeType(r.Type))
	body.WriteByte(Separator)
	body.Write(payload)

	appendFrame(buf, body.Bytes())
	return nil
}

// EncodeMessage encodes a single server to client frame.
func EncodeMessage(m Message) ([]byte, error) {
	return EncodeMessageBatch([]Message{m})
}

// EncodeMessageBatch encodes frames back to back.
func EncodeMessageBatch(msgs []Message) ([]byte, error) {
	var buf bytes.Buffer
	for _, m := range msgs {
		payload, err := EncodePayload(m.Payload)
		if err != nil {
			return nil, fmt.Errorf("encode message (%s): %w", m.Type, err)
		}

		body := make([]byte, 0, len(m.Type)+1+len(payload))
		body = append(body, SanitizeType(m.Type)...)
		body = append(body, Separator)
		body = append(body, payload...)
		appendFrame(&buf, body)
	}
	return buf.Bytes(), nil
}

// DecodeMessageBatch decodes server to client frames.
//
// On a malformed frame it returns the messages decoded so far and an error
// wrapping ErrMalformedFrame.
func DecodeMessageBatch(data []byte) ([]Message, error) {
	var msgs []Message
	for offset := 0; len(data) > 0; {
		body, rest, err := nextFrame(data)
		if err != nil {
			return msgs, fmt.Errorf("%w at byte %d: %v", ErrMalformedFrame, offset, err)
		}

		typ, payload, ok := bytes.Cut(body, []byte{Separator})
		if !ok {
			return msgs, fmt.Errorf("%w at byte %d: missing type", ErrMalformedFrame, offset)
		}
		p, err := DecodePayload(payload)
		if err != nil {
			return msgs, fmt.Errorf("%w at byte %d: %v", ErrMalformedFrame, offset, err)
		}

		msgs = append(msgs, Message{Type: string(typ), Payload: p})
		offset += len(data) - len(rest)
		data = rest
	}
	return msgs, nil
}

// DecodeRequestBatch decodes client to server frames.
//
// On a malformed frame it returns the requests decoded so far and an error
// wrapping ErrMalformedFrame.
func DecodeRequestBatch(data []byte) ([]Request, error) {
	var reqs []Request
	for offset := 0; len(data) > 0; {
		body, rest, err := nextFrame(data)
		if err != nil {
			return reqs, fmt.Errorf("%w at byte %d: %v", ErrMalformedFrame, offset, err)
		}

		parts := bytes.SplitN(body, []byte{Separator}, 4)
		if len(parts) != 4 {
			return reqs, fmt.Errorf("%w at byte %d: expected 4 sections, got %d", ErrMalformedFrame, offset, len(parts))
		}
		id, err := strconv.ParseUint(string(parts[1]), 10, 64)
		if err != nil {
			return reqs, fmt.Errorf("%w at byte %d: request id: %v", ErrMalformedFrame, offset, err)
		}
		p, err := DecodePayload(parts[3])
		if err != nil {
			return reqs, fmt.Errorf("%w at byte %d: %v", ErrMalformedFrame, offset, err)
		}

		reqs = append(reqs, Request{
			Session: string(parts[0]),
			ID:      id,
			Type:    string(parts[2]),
			Payload: p,
		})
		offset += len(data) - len(rest)
		data = rest
	}
	return reqs, nil
}

// nextFrame splits one len|body frame off the front of data.
func nextFrame(data []byte) (body, rest []byte, err error) {
	i := bytes.IndexByte(data, Separator)
	if i <= 0 {
		return nil, nil, errors.New("missing length prefix")
	}
	n, err := strconv.Atoi(string(data[:i]))
	if err != nil || n < 0 {
		return nil, nil, fmt.Errorf("invalid length %q", data[:i])
	}
	data = data[i+1:]
	if n > len(data) {
		return nil, nil, fmt.Errorf("frame truncated: need %d bytes, have %d", n, len(data))
	}
	return data[:n], data[n:], nil
}
