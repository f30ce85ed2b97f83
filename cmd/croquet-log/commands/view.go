package commands

import (
	"fmt"
	"io"
	"time"

	"github.com/goccy/go-json"

	"github.com/croquet-sync/croquet-go/pkg/log"
)

// maxDataShown bounds how much of an exchange body view prints.
const maxDataShown = 256

// RunView prints the matching events of the capture at path.
func RunView(path string, filter log.Filter, w io.Writer) error {
	reader, err := log.NewFilteredReader(path, filter)
	if err != nil {
		return fmt.Errorf("failed to open capture: %w", err)
	}
	defer reader.Close()

	for {
		event, err := reader.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read event: %w", err)
		}
		formatEvent(w, event)
	}
}

// eventLabel names the payload of an event.
func eventLabel(event log.Event) string {
	switch {
	case event.Exchange != nil:
		return event.Exchange.Kind.String()
	case event.Message != nil:
		return event.Message.Kind.String() + " " + event.Message.Type
	case event.StateChange != nil:
		return "State"
	case event.Error != nil:
		return "Error"
	default:
		return "Unknown"
	}
}

// formatEvent writes a human-readable representation of the event to w.
func formatEvent(w io.Writer, event log.Event) {
	ts := event.Timestamp.UTC().Format("2006-01-02T15:04:05.000000Z")
	fmt.Fprintf(w, "%s [conn:%s] %-3s %s %s\n",
		ts, shortID(event.ConnectionID), event.Direction, event.Layer, eventLabel(event))

	if event.SessionID != "" {
		fmt.Fprintf(w, "  Session: %s\n", event.SessionID)
	}

	switch {
	case event.Exchange != nil:
		formatExchange(w, event.Exchange)
	case event.Message != nil:
		formatMessage(w, event.Message)
	case event.StateChange != nil:
		formatStateChange(w, event.StateChange)
	case event.Error != nil:
		formatError(w, event.Error)
	}

	fmt.Fprintln(w)
}

// shortID returns the first 8 characters of an id.
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func formatExchange(w io.Writer, ex *log.ExchangeEvent) {
	if ex.Status != 0 {
		fmt.Fprintf(w, "  Status: %d\n", ex.Status)
	}
	fmt.Fprintf(w, "  Size: %d bytes\n", ex.Size)
	if ex.Duration != 0 {
		fmt.Fprintf(w, "  Duration: %s\n", formatDuration(ex.Duration))
	}
	if len(ex.Data) > 0 {
		data := ex.Data
		cut := ex.Truncated
		if len(data) > maxDataShown {
			data = data[:maxDataShown]
			cut = true
		}
		fmt.Fprintf(w, "  Data: %q", data)
		if cut {
			fmt.Fprint(w, " (truncated)")
		}
		fmt.Fprintln(w)
	}
}

func formatMessage(w io.Writer, msg *log.MessageEvent) {
	if msg.RequestID != 0 {
		fmt.Fprintf(w, "  RequestID: %d\n", msg.RequestID)
	}
	if msg.Key != "" {
		fmt.Fprintf(w, "  Key: %s\n", msg.Key)
	}
	if msg.Latency != nil {
		fmt.Fprintf(w, "  Latency: %s\n", formatDuration(*msg.Latency))
	}
	if msg.Payload != nil {
		if data, err := json.Marshal(msg.Payload); err == nil {
			fmt.Fprintf(w, "  Payload: %s\n", data)
		}
	}
}

func formatStateChange(w io.Writer, sc *log.StateChangeEvent) {
	fmt.Fprintf(w, "  Entity: %s\n", sc.Entity)
	if sc.OldState != "" {
		fmt.Fprintf(w, "  %s -> %s\n", sc.OldState, sc.NewState)
	} else {
		fmt.Fprintf(w, "  -> %s\n", sc.NewState)
	}
	if sc.Reason != "" {
		fmt.Fprintf(w, "  Reason: %s\n", sc.Reason)
	}
}

func formatError(w io.Writer, e *log.ErrorEventData) {
	fmt.Fprintf(w, "  Layer: %s\n", e.Layer)
	fmt.Fprintf(w, "  Message: %s\n", e.Message)
	if e.Status != nil {
		fmt.Fprintf(w, "  Status: %d\n", *e.Status)
	}
	if e.Context != "" {
		fmt.Fprintf(w, "  Context: %s\n", e.Context)
	}
}

// formatDuration formats a duration for display.
func formatDuration(d time.Duration) string {
	if d < time.Millisecond {
		return fmt.Sprintf("%.3fus", float64(d.Nanoseconds())/1000)
	}
	if d < time.Second {
		return fmt.Sprintf("%.3fms", float64(d.Microseconds())/1000)
	}
	return fmt.Sprintf("%.3fs", d.Seconds())
}
