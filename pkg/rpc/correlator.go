package rpc

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/croquet-sync/croquet-go/pkg/event"
	"github.com/croquet-sync/croquet-go/pkg/loop"
	"github.com/croquet-sync/croquet-go/pkg/transport"
	"github.com/croquet-sync/croquet-go/pkg/wire"
)

// DefaultWaitThreshold is how long a request may stay unanswered before it
// counts as waiting.
const DefaultWaitThreshold = time.Second

// Correlator errors.
var (
	// ErrSessionLost completes requests whose session ended before the
	// response arrived.
	ErrSessionLost = errors.New("session lost before response")

	// ErrClosed completes requests still pending when the correlator closes.
	ErrClosed = errors.New("correlator closed")
)

// RemoteError is an error reported by the server in a response.
type RemoteError struct {
	// Type is the request's message type.
	Type string

	// ID is the request id.
	ID uint64

	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s #%d: %s", e.Type, e.ID, e.Message)
}

// Callback receives the outcome of a request: the response value, or an
// error which is a *RemoteError, ErrSessionLost or the Close error.
type Callback func(value any, err error)

// Transport is the part of transport.Conn the correlator uses.
type Transport interface {
	Enqueue(f wire.Request) error
	OnMessage(fn func(wire.Message)) event.Handle
	OnSent(fn func([]wire.Request)) event.Handle
	OnDisconnected(fn func(transport.Disconnect)) event.Handle
}

// Completion describes a finished request.
type Completion struct {
	Type    string
	ID      uint64
	Latency time.Duration
	Err     error
}

// Config configures a Correlator.
type Config struct {
	// WaitThreshold (default: 1s).
	WaitThreshold time.Duration

	// Logger is the optional logger for debug output.
	// If nil, logging is disabled.
	Logger *slog.Logger
}

type request struct {
	id       uint64
	typ      string
	cb       Callback
	timeout  *loop.Task
	waiting  bool
	sent     bool
	enqueued time.Time
}

// Correlator assigns request ids and routes responses and pushes.
// All methods must be called on the loop.
type Correlator struct {
	loop   *loop.Loop
	conn   Transport
	cfg    Config
	logger *slog.Logger

	nextID  uint64
	pending map[uint64]*request
	waiting int
	closed  bool

	// held frames wait in delayed until Release.
	held    bool
	delayed []wire.Request

	handles []event.Handle

	pushes    event.Keyed[string, wire.Payload]
	onWaiting event.Emitter[struct{}]
	onDone    event.Emitter[struct{}]
	completed event.Emitter[Completion]
}

// New creates a correlator bound to conn.
func New(l *loop.Loop, conn Transport, cfg Config) *Correlator {
	if cfg.WaitThreshold <= 0 {
		cfg.WaitThreshold = DefaultWaitThreshold
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	c := &Correlator{
		loop:    l,
		conn:    conn,
		cfg:     cfg,
		logger:  cfg.Logger.With("component", "rpc"),
		nextID:  1,
		pending: make(map[uint64]*request),
	}
	c.handles = []event.Handle{
		conn.OnMessage(c.HandleMessage),
		conn.OnSent(c.MarkSent),
		conn.OnDisconnected(func(transport.Disconnect) { c.SessionLost() }),
	}
	return c
}

// Call sends a request. cb may be nil for fire-and-forget requests.
// Returns the request id, or 0 if the request could not be queued, in which
// case cb has already been called with the error.
func (c *Correlator) Call(typ string, payload wire.Payload, cb Callback) uint64 {
	if c.closed {
		if cb != nil {
			cb(nil, ErrClosed)
		}
		return 0
	}
	if payload == nil {
		payload = wire.Payload{}
	}

	id := c.nextID
	f := wire.Request{ID: id, Type: typ, Payload: payload}
	var err error
	if c.held {
		if _, err = wire.EncodePayload(payload); err == nil {
			c.delayed = append(c.delayed, f)
		}
	} else {
		err = c.conn.Enqueue(f)
	}
	if err != nil {
		if cb != nil {
			cb(nil, err)
		}
		return 0
	}
	c.nextID++

	r := &request{
		id:       id,
		typ:      typ,
		cb:       cb,
		enqueued: c.loop.Clock().Now(),
	}
	r.timeout = c.loop.After(c.cfg.WaitThreshold, func() { c.markWaiting(r) })
	c.pending[id] = r
	return id
}

// Hold keeps later calls from reaching the transport until Release. They
// get their ids and wait timeouts as usual.
func (c *Correlator) Hold() { c.held = true }

// Held reports whether calls are being held back.
func (c *Correlator) Held() bool { return c.held }

// Release enqueues the held frames in id order and lets later calls through.
func (c *Correlator) Release() {
	c.held = false
	delayed := c.delayed
	c.delayed = nil
	if len(delayed) > 0 {
		c.logger.Debug("releasing held requests", "count", len(delayed))
	}
	for _, f := range delayed {
		if err := c.conn.Enqueue(f); err != nil {
			if r, ok := c.pending[f.ID]; ok {
				c.complete(r, nil, err)
			}
		}
	}
}

// Bypass runs fn with the hold lifted, so calls made by fn are enqueued at
// once. Calls already held stay held.
func (c *Correlator) Bypass(fn func()) {
	held := c.held
	c.held = false
	defer func() { c.held = held }()
	fn()
}

func (c *Correlator) markWaiting(r *request) {
	if _, ok := c.pending[r.id]; !ok || r.waiting {
		return
	}
	r.waiting = true
	c.waiting++
	c.logger.Debug("request waiting", "type", r.typ, "id", r.id, "waiting", c.waiting)
	if c.waiting == 1 {
		c.onWaiting.Emit(struct{}{})
	}
}

// HandleMessage routes an inbound message.
func (c *Correlator) HandleMessage(m wire.Message) {
	if m.Type != wire.TypeResponse {
		if c.pushes.Len(m.Type) == 0 {
			c.logger.Debug("unhandled push", "type", m.Type)
			return
		}
		c.pushes.Emit(m.Type, m.Payload)
		return
	}

	resp, err := wire.ParseResponse(m.Payload)
	if err != nil {
		c.logger.Warn("dropping malformed response", "error", err)
		return
	}
	r, ok := c.pending[resp.ID]
	if !ok {
		c.logger.Debug("response for unknown request", "id", resp.ID)
		return
	}

	if resp.Error != "" {
		c.complete(r, nil, &RemoteError{Type: r.typ, ID: r.id, Message: resp.Error})
		return
	}
	c.complete(r, resp.Value, nil)
}

func (c *Correlator) complete(r *request, value any, err error) {
	delete(c.pending, r.id)
	r.timeout.Cancel()
	if r.waiting {
		c.waiting--
		if c.waiting == 0 {
			c.onDone.Emit(struct{}{})
		}
	}

	c.completed.Emit(Completion{
		Type:    r.typ,
		ID:      r.id,
		Latency: c.loop.Clock().Since(r.enqueued),
		Err:     err,
	})
	if r.cb != nil {
		r.cb(value, err)
	}
}

// MarkSent records that the server accepted frames.
func (c *Correlator) MarkSent(frames []wire.Request) {
	for _, f := range frames {
		if r, ok := c.pending[f.ID]; ok {
			r.sent = true
		}
	}
}

// SessionLost fails every transmitted request that has no response.
func (c *Correlator) SessionLost() {
	lost := c.sorted(func(r *request) bool { return r.sent })
	if len(lost) > 0 {
		c.logger.Info("failing requests of lost session", "count", len(lost))
	}
	for _, r := range lost {
		c.complete(r, nil, ErrSessionLost)
	}
}

// Close completes every pending request with err (ErrClosed if nil) and
// rejects further calls.
func (c *Correlator) Close(err error) {
	if c.closed {
		return
	}
	if err == nil {
		err = ErrClosed
	}
	c.closed = true
	c.delayed = nil
	for _, r := range c.sorted(func(*request) bool { return true }) {
		c.complete(r, nil, err)
	}
	for _, h := range c.handles {
		h.Off()
	}
}

func (c *Correlator) sorted(pred func(*request) bool) []*request {
	var out []*request
	for _, r := range c.pending {
		if pred(r) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// On registers fn for pushes of the given message type.
func (c *Correlator) On(typ string, fn func(wire.Payload)) event.Handle {
	return c.pushes.On(typ, fn)
}

// OnWaiting registers fn for the first request to become waiting.
func (c *Correlator) OnWaiting(fn func()) event.Handle {
	return c.onWaiting.On(func(struct{}) { fn() })
}

// OnDone registers fn for the last waiting request to complete.
func (c *Correlator) OnDone(fn func()) event.Handle {
	return c.onDone.On(func(struct{}) { fn() })
}

// OnComplete registers fn for every finished request.
func (c *Correlator) OnComplete(fn func(Completion)) event.Handle {
	return c.completed.On(fn)
}

// Waiting returns the number of waiting requests.
func (c *Correlator) Waiting() int { return c.waiting }

// Pending returns the number of requests without a response.
func (c *Correlator) Pending() int { return len(c.pending) }
