package log

import (
	"errors"
	"fmt"
	"io"
	"iter"
	"os"

	"github.com/fxamacker/cbor/v2"
)

// ErrTruncated is returned when a capture ends in the middle of an event,
// as happens when the writing process dies.
var ErrTruncated = errors.New("log: truncated event")

// Reader streams the events of a capture file.
type Reader struct {
	src    io.ReadCloser
	dec    *cbor.Decoder
	filter Filter
}

// NewReader opens a capture and reads every event.
func NewReader(path string) (*Reader, error) {
	return NewFilteredReader(path, Filter{})
}

// NewFilteredReader opens a capture and reads the events that match filter.
func NewFilteredReader(path string, filter Filter) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	return NewStreamReader(f, filter), nil
}

// NewStreamReader reads events from src. Close closes src.
func NewStreamReader(src io.ReadCloser, filter Filter) *Reader {
	return &Reader{src: src, dec: NewDecoder(src), filter: filter}
}

// Next returns the next matching event, or io.EOF at the end of the capture.
func (r *Reader) Next() (Event, error) {
	for {
		var event Event
		err := r.dec.Decode(&event)
		switch {
		case err == nil:
		case errors.Is(err, io.EOF):
			return Event{}, io.EOF
		case errors.Is(err, io.ErrUnexpectedEOF):
			return Event{}, fmt.Errorf("%w after %d bytes", ErrTruncated, r.dec.NumBytesRead())
		default:
			return Event{}, err
		}
		if r.filter.Matches(event) {
			return event, nil
		}
	}
}

// Events iterates the remaining matching events. A read error is yielded
// once and ends the iteration; io.EOF is not yielded.
func (r *Reader) Events() iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		for {
			event, err := r.Next()
			if errors.Is(err, io.EOF) {
				return
			}
			if !yield(event, err) || err != nil {
				return
			}
		}
	}
}

// Close closes the underlying source.
func (r *Reader) Close() error {
	return r.src.Close()
}
