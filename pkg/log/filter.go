package log

import "time"

// Filter selects events. Zero fields match everything.
type Filter struct {
	ConnectionID string
	SessionID    string

	Direction *Direction
	Layer     *Layer
	Category  *Category

	// MessageType and Key only match wire-layer message events.
	MessageType string
	Key         string

	// The time window is half open: [TimeStart, TimeEnd).
	TimeStart *time.Time
	TimeEnd   *time.Time
}

// Matches reports whether event passes every criterion of f.
func (f *Filter) Matches(event Event) bool {
	switch {
	case f.ConnectionID != "" && event.ConnectionID != f.ConnectionID,
		f.SessionID != "" && event.SessionID != f.SessionID:
		return false
	case f.Direction != nil && event.Direction != *f.Direction,
		f.Layer != nil && event.Layer != *f.Layer,
		f.Category != nil && event.Category != *f.Category:
		return false
	case f.TimeStart != nil && event.Timestamp.Before(*f.TimeStart),
		f.TimeEnd != nil && !event.Timestamp.Before(*f.TimeEnd):
		return false
	}
	if f.MessageType == "" && f.Key == "" {
		return true
	}
	m := event.Message
	if m == nil {
		return false
	}
	return (f.MessageType == "" || m.Type == f.MessageType) && (f.Key == "" || m.Key == f.Key)
}
