package log

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestEventCBORRoundTrip(t *testing.T) {
	ts := time.Date(2026, 1, 28, 10, 15, 32, 123456789, time.UTC)
	latency := 35 * time.Millisecond
	original := Event{
		Timestamp:    ts,
		ConnectionID: "abc12345-def6-7890-abcd-ef1234567890",
		SessionID:    "s-42",
		Direction:    DirectionIn,
		Layer:        LayerWire,
		Category:     CategoryMessage,
		Endpoint:     "http://localhost:8080",
		Message: &MessageEvent{
			Kind:      MessageKindResponse,
			Type:      "response",
			RequestID: 17,
			Key:       "user/5",
			Latency:   &latency,
		},
	}

	data, err := EncodeEvent(original)
	if err != nil {
		t.Fatalf("EncodeEvent failed: %v", err)
	}
	decoded, err := DecodeEvent(data)
	if err != nil {
		t.Fatalf("DecodeEvent failed: %v", err)
	}

	if !decoded.Timestamp.Equal(original.Timestamp) {
		t.Errorf("Timestamp: got %v, want %v", decoded.Timestamp, original.Timestamp)
	}
	if decoded.ConnectionID != original.ConnectionID || decoded.SessionID != original.SessionID {
		t.Errorf("ids: got %q/%q", decoded.ConnectionID, decoded.SessionID)
	}
	if decoded.Direction != DirectionIn || decoded.Layer != LayerWire || decoded.Category != CategoryMessage {
		t.Errorf("classification: got %v/%v/%v", decoded.Direction, decoded.Layer, decoded.Category)
	}
	if decoded.Endpoint != original.Endpoint {
		t.Errorf("Endpoint: got %q", decoded.Endpoint)
	}
	if decoded.Message == nil {
		t.Fatal("Message is nil")
	}
	if decoded.Message.RequestID != 17 || decoded.Message.Type != "response" || decoded.Message.Key != "user/5" {
		t.Errorf("Message: got %+v", decoded.Message)
	}
	if decoded.Message.Latency == nil || *decoded.Message.Latency != latency {
		t.Errorf("Latency: got %v", decoded.Message.Latency)
	}
}

func TestExchangeEventTruncation(t *testing.T) {
	big := bytes.Repeat([]byte("x"), MaxLoggedBodySize+10)
	ev := NewExchange(ExchangePoll, 200, big, time.Second)
	if !ev.Truncated || len(ev.Data) != MaxLoggedBodySize || ev.Size != len(big) {
		t.Errorf("truncation: got size=%d len=%d truncated=%v", ev.Size, len(ev.Data), ev.Truncated)
	}

	small := NewExchange(ExchangeSend, 201, []byte("abc"), 0)
	if small.Truncated || string(small.Data) != "abc" {
		t.Errorf("small: got %+v", small)
	}

	empty := NewExchange(ExchangeConnect, 0, nil, 0)
	if empty.Data != nil || empty.Size != 0 {
		t.Errorf("empty: got %+v", empty)
	}
}

func TestEnumStrings(t *testing.T) {
	cases := []struct {
		got, want string
	}{
		{DirectionOut.String(), "OUT"},
		{Direction(9).String(), "UNKNOWN"},
		{LayerSync.String(), "SYNC"},
		{CategoryControl.String(), "CONTROL"},
		{ExchangeDisconnect.String(), "DISCONNECT"},
		{MessageKindPush.String(), "PUSH"},
		{StateEntityPresence.String(), "PRESENCE"},
	}
	for _, c := range cases {
		if c.got != c.want {
			t.Errorf("got %q, want %q", c.got, c.want)
		}
	}
}

func writeLog(t *testing.T, events []Event) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.clog")

	fl, err := NewFileLogger(path)
	if err != nil {
		t.Fatalf("NewFileLogger failed: %v", err)
	}
	for _, e := range events {
		fl.Log(e)
	}
	if err := fl.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	// Logging after close is ignored.
	fl.Log(Event{ConnectionID: "late"})
	return path
}

func TestFileLoggerAndReader(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	events := []Event{
		{Timestamp: base, ConnectionID: "c1", SessionID: "s1", Layer: LayerTransport, Category: CategoryControl,
			Exchange: NewExchange(ExchangeConnect, 201, []byte("s1"), 0)},
		{Timestamp: base.Add(time.Second), ConnectionID: "c1", SessionID: "s1", Direction: DirectionOut, Layer: LayerWire,
			Message: &MessageEvent{Kind: MessageKindRequest, Type: "sub", RequestID: 1, Key: "user/5"}},
		{Timestamp: base.Add(2 * time.Second), ConnectionID: "c1", SessionID: "s1", Layer: LayerWire,
			Message: &MessageEvent{Kind: MessageKindPush, Type: "pub", Key: "user/5"}},
		{Timestamp: base.Add(3 * time.Second), ConnectionID: "c1", Layer: LayerSync, Category: CategoryState,
			StateChange: &StateChangeEvent{Entity: StateEntityConnection, OldState: "CONNECTED", NewState: "DISCONNECTED"}},
	}
	path := writeLog(t, events)

	t.Run("All", func(t *testing.T) {
		r, err := NewReader(path)
		if err != nil {
			t.Fatalf("NewReader failed: %v", err)
		}
		defer r.Close()

		n := 0
		for {
			_, err := r.Next()
			if err == io.EOF {
				break
			}
			if err != nil {
				t.Fatalf("Next failed: %v", err)
			}
			n++
		}
		if n != len(events) {
			t.Errorf("got %d events, want %d", n, len(events))
		}
	})

	t.Run("Filtered", func(t *testing.T) {
		wire := LayerWire
		out := DirectionOut
		cases := []struct {
			name   string
			filter Filter
			want   int
		}{
			{"Layer", Filter{Layer: &wire}, 2},
			{"Direction", Filter{Direction: &out}, 1},
			{"MessageType", Filter{MessageType: "pub"}, 1},
			{"Key", Filter{Key: "user/5"}, 2},
			{"Session", Filter{SessionID: "s1"}, 3},
			{"TimeWindow", Filter{TimeStart: ptr(base.Add(time.Second)), TimeEnd: ptr(base.Add(3 * time.Second))}, 2},
		}
		for _, c := range cases {
			t.Run(c.name, func(t *testing.T) {
				r, err := NewFilteredReader(path, c.filter)
				if err != nil {
					t.Fatalf("NewFilteredReader failed: %v", err)
				}
				defer r.Close()

				n := 0
				for {
					if _, err := r.Next(); err != nil {
						break
					}
					n++
				}
				if n != c.want {
					t.Errorf("got %d events, want %d", n, c.want)
				}
			})
		}
	})

	t.Run("ReadAll", func(t *testing.T) {
		var buf bytes.Buffer
		enc := NewEncoder(&buf)
		for _, e := range events {
			if err := enc.Encode(e); err != nil {
				t.Fatalf("Encode failed: %v", err)
			}
		}
		got, err := ReadAll(&buf, Filter{ConnectionID: "c1"})
		if err != nil {
			t.Fatalf("ReadAll failed: %v", err)
		}
		if len(got) != len(events) {
			t.Errorf("got %d events, want %d", len(got), len(events))
		}
	})
}

func TestReaderTruncated(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	for _, id := range []string{"c1", "c2"} {
		if err := enc.Encode(Event{ConnectionID: id}); err != nil {
			t.Fatalf("Encode failed: %v", err)
		}
	}
	cut := buf.Bytes()[:buf.Len()-2]

	r := NewStreamReader(io.NopCloser(bytes.NewReader(cut)), Filter{})
	defer r.Close()

	var ids []string
	var last error
	for e, err := range r.Events() {
		if err != nil {
			last = err
			continue
		}
		ids = append(ids, e.ConnectionID)
	}
	if len(ids) != 1 || ids[0] != "c1" {
		t.Errorf("events: got %v, want [c1]", ids)
	}
	if !errors.Is(last, ErrTruncated) {
		t.Errorf("error: got %v, want ErrTruncated", last)
	}
}

func ptr[T any](v T) *T { return &v }

type recordingLogger struct {
	mu     sync.Mutex
	events []Event
}

func (r *recordingLogger) Log(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func TestMultiLogger(t *testing.T) {
	a, b := &recordingLogger{}, &recordingLogger{}
	m := NewMultiLogger(a, nil, b)
	if m.Len() != 2 {
		t.Fatalf("Len: got %d, want 2", m.Len())
	}

	m.Log(Event{ConnectionID: "x"})
	if len(a.events) != 1 || len(b.events) != 1 {
		t.Errorf("fan-out: got %d/%d", len(a.events), len(b.events))
	}
}

func TestOrNoop(t *testing.T) {
	if _, ok := OrNoop(nil).(NoopLogger); !ok {
		t.Error("OrNoop(nil) should return NoopLogger")
	}
	r := &recordingLogger{}
	if OrNoop(r) != Logger(r) {
		t.Error("OrNoop should return its argument")
	}
}

func TestSlogAdapter(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	a := NewSlogAdapter(logger)

	status := 503
	a.Log(Event{ConnectionID: "c1", SessionID: "s9", Layer: LayerTransport, Category: CategoryControl,
		Exchange: NewExchange(ExchangePoll, 200, []byte("12|pub|{}"), 5*time.Millisecond)})
	a.Log(Event{ConnectionID: "c1", Layer: LayerWire,
		Message: &MessageEvent{Kind: MessageKindRequest, Type: "sub", RequestID: 3, Key: "user/1"}})
	a.Log(Event{ConnectionID: "c1", Category: CategoryError,
		Error: &ErrorEventData{Layer: LayerTransport, Message: "unavailable", Status: &status, Context: "send"}})

	out := buf.String()
	for _, want := range []string{"session=s9", "exchange=POLL", "type=sub", "req_id=3", "key=user/1", "error_status=503"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}
