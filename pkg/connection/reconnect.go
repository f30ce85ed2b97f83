package connection

import (
	"log/slog"
	"time"

	"github.com/croquet-sync/croquet-go/pkg/event"
	"github.com/croquet-sync/croquet-go/pkg/loop"
	"github.com/croquet-sync/croquet-go/pkg/transport"
)

// State represents the supervisor state.
type State uint8

const (
	// StateDisconnected indicates no session and no reconnection planned.
	StateDisconnected State = iota

	// StateConnecting indicates a connect exchange is in progress.
	StateConnecting

	// StateConnected indicates an active session.
	StateConnected

	// StateReconnecting indicates a retry is scheduled.
	StateReconnecting

	// StateClosed indicates the supervisor has been closed.
	StateClosed
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateReconnecting:
		return "RECONNECTING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Connector is the transport surface the supervisor drives.
// *transport.Conn implements it.
type Connector interface {
	Connect()
	Disconnect()
	OnConnected(fn func(session string)) event.Handle
	OnConnectFailed(fn func(error)) event.Handle
	OnDisconnected(fn func(transport.Disconnect)) event.Handle
}

// Supervisor reconnects a Connector after unrequested disconnects.
// All methods must be called on the loop.
type Supervisor struct {
	loop    *loop.Loop
	conn    Connector
	backoff *Backoff
	logger  *slog.Logger

	state State

	// held is set by Disconnect and cleared by Connect.
	held  bool
	retry *loop.Task

	handles []event.Handle

	onStateChange  event.Emitter[StateChange]
	onReconnecting event.Emitter[Retry]
}

// StateChange is raised on every supervisor state transition.
type StateChange struct {
	Old, New State
}

// Retry describes a scheduled reconnection attempt.
type Retry struct {
	Attempt int
	Delay   time.Duration
	Err     error
}

// NewSupervisor attaches a supervisor to conn. A nil backoff uses the
// defaults; a nil logger disables logging.
func NewSupervisor(l *loop.Loop, conn Connector, backoff *Backoff, logger *slog.Logger) *Supervisor {
	if backoff == nil {
		backoff = NewBackoff()
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	s := &Supervisor{
		loop:    l,
		conn:    conn,
		backoff: backoff,
		logger:  logger.With("component", "supervisor"),
	}
	s.handles = []event.Handle{
		conn.OnConnected(s.connected),
		conn.OnConnectFailed(s.connectFailed),
		conn.OnDisconnected(s.disconnected),
	}
	return s
}

// State returns the current state.
func (s *Supervisor) State() State { return s.state }

// Held reports whether an explicit Disconnect suppresses reconnection.
func (s *Supervisor) Held() bool { return s.held }

// OnStateChange registers fn for state transitions.
func (s *Supervisor) OnStateChange(fn func(StateChange)) event.Handle {
	return s.onStateChange.On(fn)
}

// OnReconnecting registers fn for scheduled retries.
func (s *Supervisor) OnReconnecting(fn func(Retry)) event.Handle {
	return s.onReconnecting.On(fn)
}

// Connect clears the hold and connects now, replacing a scheduled retry.
func (s *Supervisor) Connect() {
	if s.state == StateClosed {
		return
	}
	s.held = false
	s.retry.Cancel()
	s.retry = nil
	if s.state == StateDisconnected || s.state == StateReconnecting {
		s.setState(StateConnecting)
		s.conn.Connect()
	}
}

// Disconnect holds the supervisor and ends the session.
func (s *Supervisor) Disconnect() {
	if s.state == StateClosed {
		return
	}
	s.held = true
	s.retry.Cancel()
	s.retry = nil
	s.conn.Disconnect()
	s.setState(StateDisconnected)
}

// Close detaches the supervisor. The transport is left as it is.
func (s *Supervisor) Close() {
	if s.state == StateClosed {
		return
	}
	s.held = true
	s.retry.Cancel()
	s.retry = nil
	for _, h := range s.handles {
		h.Off()
	}
	s.setState(StateClosed)
}

func (s *Supervisor) connected(session string) {
	if s.state == StateClosed {
		return
	}
	s.backoff.Reset()
	s.setState(StateConnected)
}

func (s *Supervisor) connectFailed(err error) {
	if s.held || s.state == StateClosed {
		s.setState(StateDisconnected)
		return
	}

	delay := s.backoff.Next()
	r := Retry{Attempt: s.backoff.Attempts(), Delay: delay, Err: err}
	s.logger.Info("reconnecting", "attempt", r.Attempt, "delay", delay, "error", err)

	s.setState(StateReconnecting)
	s.onReconnecting.Emit(r)
	s.retry = s.loop.After(delay, func() {
		s.retry = nil
		if s.held || s.state != StateReconnecting {
			return
		}
		s.setState(StateConnecting)
		s.conn.Connect()
	})
}

func (s *Supervisor) disconnected(d transport.Disconnect) {
	if s.state == StateClosed {
		return
	}
	if d.Requested || s.held {
		s.setState(StateDisconnected)
		return
	}

	s.logger.Info("session lost, reconnecting", "session", d.Session, "error", d.Err)
	s.setState(StateConnecting)
	s.conn.Connect()
}

func (s *Supervisor) setState(st State) {
	if s.state == st {
		return
	}
	old := s.state
	s.state = st
	s.onStateChange.Emit(StateChange{Old: old, New: st})
}
