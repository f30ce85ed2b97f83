// Package presence tracks the online status of the local client and of
// watched users.
//
// The local status follows the connection: offline while disconnected,
// online once connected, and away when the application says so. It is
// published on the "me" topic and, when the self user is being watched, on
// that user's topic too.
//
// Watching a user subscribes to its presence with "sub-presence"; the
// server then pushes "presence {user, state}". A push for a user nobody
// watches any more is answered with "unsub-presence".
package presence

import (
	"log/slog"
	"sort"

	"github.com/croquet-sync/croquet-go/pkg/event"
	"github.com/croquet-sync/croquet-go/pkg/rpc"
	"github.com/croquet-sync/croquet-go/pkg/wire"
)

// Me is the topic of the local client's own status.
const Me = "me"

// Message types sent by the tracker.
const (
	TypeSubPresence   = "sub-presence"
	TypeUnsubPresence = "unsub-presence"
)

// Status is a presence state. The values are the wire encoding.
type Status uint8

const (
	Offline Status = iota
	Online
	Away
)

// String returns the status name.
func (s Status) String() string {
	switch s {
	case Offline:
		return "OFFLINE"
	case Online:
		return "ONLINE"
	case Away:
		return "AWAY"
	default:
		return "UNKNOWN"
	}
}

// Caller sends requests; implemented by *rpc.Correlator.
type Caller interface {
	Call(typ string, payload wire.Payload, cb rpc.Callback) uint64
}

// Connector drives the connection; implemented by *connection.Supervisor.
type Connector interface {
	Connect()
	Disconnect()
}

// Config configures a Tracker.
type Config struct {
	// Logger is the optional logger for debug output.
	// If nil, logging is disabled.
	Logger *slog.Logger
}

// Tracker holds presence state. All methods must be called on the loop.
type Tracker struct {
	rpc    Caller
	conn   Connector
	logger *slog.Logger

	status  Status
	self    string
	watched map[string]Status
	topics  event.Keyed[string, Status]
}

// New creates a tracker. The local status starts offline.
func New(caller Caller, conn Connector, cfg Config) *Tracker {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	return &Tracker{
		rpc:     caller,
		conn:    conn,
		logger:  cfg.Logger.With("component", "presence"),
		watched: make(map[string]Status),
	}
}

// Status returns the local status.
func (t *Tracker) Status() Status { return t.status }

// SetSelf names the user the local client is logged in as.
func (t *Tracker) SetSelf(user string) { t.self = user }

// Self returns the local user, or "".
func (t *Tracker) Self() string { return t.self }

// Online connects, or returns from away.
func (t *Tracker) Online() {
	switch t.status {
	case Online:
	case Away:
		t.set(Online)
	default:
		t.conn.Connect()
	}
}

// Offline disconnects.
func (t *Tracker) Offline() {
	if t.status == Offline {
		return
	}
	t.conn.Disconnect()
}

// Away marks the local client away while staying connected.
func (t *Tracker) Away() {
	if t.status != Online {
		return
	}
	t.set(Away)
}

// Connected records a new session and renews every presence watch.
func (t *Tracker) Connected() {
	t.set(Online)
	for _, user := range t.Watching() {
		t.subscribe(user)
	}
}

// Disconnected records the loss of the session.
func (t *Tracker) Disconnected() {
	t.set(Offline)
}

func (t *Tracker) set(s Status) {
	if t.status == s {
		return
	}
	t.status = s
	t.logger.Debug("status changed", "status", s)
	t.topics.Emit(Me, s)
	if _, ok := t.watched[t.self]; ok && t.self != "" {
		t.watched[t.self] = s
		t.topics.Emit(t.self, s)
	}
}

// Watch registers fn for status changes of user, or of the local client
// for Me. The first watcher of a user subscribes to its presence; later
// watchers are called right away with the known status.
func (t *Tracker) Watch(user string, fn func(Status)) event.Handle {
	if user == Me {
		return t.topics.On(Me, fn)
	}

	status, ok := t.watched[user]
	h := t.topics.On(user, fn)
	if !ok {
		t.watched[user] = Offline
		t.subscribe(user)
	} else {
		fn(status)
	}
	return h
}

// Watching returns the watched users in sorted order.
func (t *Tracker) Watching() []string {
	users := make([]string, 0, len(t.watched))
	for u := range t.watched {
		users = append(users, u)
	}
	sort.Strings(users)
	return users
}

func (t *Tracker) subscribe(user string) {
	t.rpc.Call(TypeSubPresence, wire.Payload{"user": user}, func(_ any, err error) {
		if err != nil {
			t.logger.Debug("presence subscribe failed", "user", user, "error", err)
		}
	})
}

// HandlePresence applies a "presence" push.
func (t *Tracker) HandlePresence(p wire.Payload) {
	user, _ := p["user"].(string)
	if user == "" {
		t.logger.Debug("presence push without user")
		return
	}

	if t.topics.Len(user) == 0 {
		t.rpc.Call(TypeUnsubPresence, wire.Payload{"user": user}, nil)
		delete(t.watched, user)
		return
	}

	state, ok := wire.AsInt(p["state"])
	if !ok || state < int64(Offline) || state > int64(Away) {
		t.logger.Warn("unknown presence state", "user", user, "state", p["state"])
		return
	}
	status := Status(state)
	t.watched[user] = status
	t.topics.Emit(user, status)
}
