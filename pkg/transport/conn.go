package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/sourcegraph/conc"

	"github.com/croquet-sync/croquet-go/pkg/event"
	"github.com/croquet-sync/croquet-go/pkg/log"
	"github.com/croquet-sync/croquet-go/pkg/loop"
	"github.com/croquet-sync/croquet-go/pkg/wire"
)

// Default timing.
const (
	DefaultSendInterval      = 50 * time.Millisecond
	DefaultPollRetryDelay    = 250 * time.Millisecond
	DefaultDisconnectTimeout = 5 * time.Second
)

// Config configures a Conn.
type Config struct {
	// BaseURL is the server root, e.g. "http://localhost:8080".
	BaseURL string

	// HTTPClient performs the exchanges (default: http.DefaultClient).
	// Its timeout must exceed the server's long-poll hold time.
	HTTPClient Doer

	// SendInterval is the send loop tick (default: 50ms).
	SendInterval time.Duration

	// PollRetryDelay is the wait before reissuing a failed poll (default: 250ms).
	PollRetryDelay time.Duration

	// DisconnectTimeout bounds the best-effort disconnect exchange (default: 5s).
	DisconnectTimeout time.Duration

	// ConnectionID identifies this client in protocol logs (default: random UUID).
	ConnectionID string

	// Logger is the optional logger for debug output.
	// If nil, logging is disabled.
	Logger *slog.Logger

	// ProtocolLogger receives exchange and message events (optional).
	ProtocolLogger log.Logger
}

func (c *Config) applyDefaults() {
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
	if c.SendInterval <= 0 {
		c.SendInterval = DefaultSendInterval
	}
	if c.PollRetryDelay <= 0 {
		c.PollRetryDelay = DefaultPollRetryDelay
	}
	if c.DisconnectTimeout <= 0 {
		c.DisconnectTimeout = DefaultDisconnectTimeout
	}
	if c.ConnectionID == "" {
		c.ConnectionID = uuid.NewString()
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.DiscardHandler)
	}
	c.ProtocolLogger = log.OrNoop(c.ProtocolLogger)
}

// Conn is a long-poll session with automatic batching.
type Conn struct {
	loop   *loop.Loop
	clock  clock.Clock
	cfg    Config
	x      exchanger
	logger *slog.Logger
	plog   log.Logger

	// ctx is cancelled by Close.
	ctx  context.Context
	stop context.CancelFunc

	state   State
	session string

	// epoch is bumped whenever the session is established or torn down.
	// I/O results carrying an older epoch are ignored.
	epoch   uint64
	sessCtx context.Context
	cancel  context.CancelFunc

	queue     []wire.Request
	inflight  []wire.Request
	sendTask  *loop.Task
	pollRetry *loop.Task

	wg conc.WaitGroup

	connected     event.Emitter[string]
	connectFailed event.Emitter[error]
	disconnected  event.Emitter[Disconnect]
	messages      event.Emitter[wire.Message]
	sent          event.Emitter[[]wire.Request]
	faults        event.Emitter[error]
}

// New creates a disconnected Conn bound to l.
func New(l *loop.Loop, cfg Config) *Conn {
	cfg.applyDefaults()
	ctx, stop := context.WithCancel(context.Background())
	return &Conn{
		loop:   l,
		clock:  l.Clock(),
		cfg:    cfg,
		x:      exchanger{base: cfg.BaseURL, http: cfg.HTTPClient},
		logger: cfg.Logger.With("component", "transport"),
		plog:   cfg.ProtocolLogger,
		ctx:    ctx,
		stop:   stop,
	}
}

// OnConnected registers fn for established sessions.
func (c *Conn) OnConnected(fn func(session string)) event.Handle { return c.connected.On(fn) }

// OnConnectFailed registers fn for failed connect exchanges.
func (c *Conn) OnConnectFailed(fn func(error)) event.Handle { return c.connectFailed.On(fn) }

// OnDisconnected registers fn for ended sessions. It fires exactly once per
// established session.
func (c *Conn) OnDisconnected(fn func(Disconnect)) event.Handle { return c.disconnected.On(fn) }

// OnMessage registers fn for inbound messages, in arrival order.
func (c *Conn) OnMessage(fn func(wire.Message)) event.Handle { return c.messages.On(fn) }

// OnSent registers fn for batches the server accepted.
func (c *Conn) OnSent(fn func([]wire.Request)) event.Handle { return c.sent.On(fn) }

// OnError registers fn for transient errors that did not end the session:
// failed polls and undecodable batches.
func (c *Conn) OnError(fn func(error)) event.Handle { return c.faults.On(fn) }

// State returns the current state.
func (c *Conn) State() State { return c.state }

// Session returns the current session id, empty unless connected.
func (c *Conn) Session() string { return c.session }

// Pending returns the number of frames not yet accepted by the server.
func (c *Conn) Pending() int { return len(c.queue) + len(c.inflight) }

// Enqueue appends a frame to the outbound queue. It works in every state;
// the frame is stamped with the session in force when it is transmitted.
// Frames whose payload cannot be encoded are rejected.
func (c *Conn) Enqueue(f wire.Request) error {
	if _, err := wire.EncodePayload(f.Payload); err != nil {
		return fmt.Errorf("enqueue %s: %w", f.Type, err)
	}
	f.Session = ""
	c.queue = append(c.queue, f)
	return nil
}

// Connect starts the session-establishing exchange. It does nothing unless
// the Conn is disconnected.
func (c *Conn) Connect() {
	if c.state != StateDisconnected || c.ctx.Err() != nil {
		return
	}
	c.setState(StateConnecting, "")

	ctx := c.nextEpoch()
	epoch := c.epoch
	c.wg.Go(func() {
		start := c.clock.Now()
		session, status, err := c.x.connect(ctx)
		c.logExchange(log.DirectionIn, session, log.NewExchange(log.ExchangeConnect, status, []byte(session), c.clock.Since(start)), err)
		c.loop.Post(func() { c.connectDone(epoch, session, err) })
	})
}

// Disconnect ends the session. Idempotent. Aborting a pending connect raises
// no event.
func (c *Conn) Disconnect() {
	c.teardown(true, nil)
}

// Close disconnects and refuses further connects. Call Wait off the loop to
// wait for outstanding exchanges.
func (c *Conn) Close() {
	c.teardown(true, nil)
	c.stop()
}

// Wait blocks until every I/O goroutine has returned.
func (c *Conn) Wait() {
	c.wg.Wait()
}

func (c *Conn) nextEpoch() context.Context {
	c.epoch++
	if c.cancel != nil {
		c.cancel()
	}
	c.sessCtx, c.cancel = context.WithCancel(c.ctx)
	return c.sessCtx
}

func (c *Conn) connectDone(epoch uint64, session string, err error) {
	if epoch != c.epoch || c.state != StateConnecting {
		return
	}
	if err != nil {
		c.cancel()
		c.cancel = nil
		c.setState(StateDisconnected, err.Error())
		c.logger.Warn("connect failed", "error", err)
		c.connectFailed.Emit(err)
		return
	}

	c.session = session
	c.setState(StateConnected, "")
	c.logger.Info("connected", "session", session, "queued", len(c.queue))

	c.scheduleSend()
	c.poll()
	c.connected.Emit(session)
}

func (c *Conn) scheduleSend() {
	c.sendTask = c.loop.After(c.cfg.SendInterval, c.sendTick)
}

func (c *Conn) sendTick() {
	if c.state != StateConnected {
		return
	}
	c.flush()
	c.scheduleSend()
}

// flush transmits the whole queue as one batch.
func (c *Conn) flush() {
	if c.inflight != nil || len(c.queue) == 0 {
		return
	}

	batch := make([]wire.Request, len(c.queue))
	for i, f := range c.queue {
		f.Session = c.session
		batch[i] = f
	}
	data, err := wire.EncodeRequestBatch(batch)
	if err != nil {
		// Payloads are validated by Enqueue; this only happens if a caller
		// mutated a payload after enqueueing it.
		c.logger.Error("dropping unencodable batch", "frames", len(batch), "error", err)
		c.queue = nil
		c.faults.Emit(err)
		return
	}

	c.queue = nil
	c.inflight = batch

	ctx, epoch, session := c.sessCtx, c.epoch, c.session
	c.wg.Go(func() {
		start := c.clock.Now()
		status, err := c.x.send(ctx, data)
		c.logExchange(log.DirectionOut, session, log.NewExchange(log.ExchangeSend, status, data, c.clock.Since(start)), err)
		c.loop.Post(func() { c.sendDone(epoch, batch, err) })
	})
}

func (c *Conn) sendDone(epoch uint64, batch []wire.Request, err error) {
	if epoch != c.epoch {
		// teardown already requeued the batch
		return
	}
	c.inflight = nil

	if err != nil {
		c.queue = append(batch, c.queue...)
		c.logger.Warn("send failed", "frames", len(batch), "error", err)
		c.teardown(false, fmt.Errorf("send: %w", err))
		return
	}

	for _, f := range batch {
		c.logRequest(f)
	}
	c.sent.Emit(batch)
}

func (c *Conn) poll() {
	ctx, epoch, session := c.sessCtx, c.epoch, c.session
	c.wg.Go(func() {
		start := c.clock.Now()
		status, body, err := c.x.poll(ctx, session)
		if ctx.Err() == nil {
			c.logExchange(log.DirectionIn, session, log.NewExchange(log.ExchangePoll, status, body, c.clock.Since(start)), err)
		}
		c.loop.Post(func() { c.pollDone(epoch, body, err) })
	})
}

func (c *Conn) pollDone(epoch uint64, body []byte, err error) {
	if epoch != c.epoch || c.state != StateConnected {
		return
	}

	if errors.Is(err, ErrSessionGone) {
		c.logger.Info("session gone", "session", c.session)
		c.teardown(false, err)
		return
	}
	if err != nil {
		c.logger.Debug("poll failed, retrying", "error", err, "delay", c.cfg.PollRetryDelay)
		c.faults.Emit(err)
		c.pollRetry = c.loop.After(c.cfg.PollRetryDelay, func() {
			if epoch == c.epoch && c.state == StateConnected {
				c.poll()
			}
		})
		return
	}

	msgs, decodeErr := wire.DecodeMessageBatch(body)
	for i, m := range msgs {
		// A listener may end the session mid-batch.
		if epoch != c.epoch || c.state != StateConnected {
			c.logger.Debug("session ended, dropping rest of batch", "dropped", len(msgs)-i)
			return
		}
		c.deliver(m)
	}
	if epoch != c.epoch || c.state != StateConnected {
		return
	}
	if decodeErr != nil {
		c.logger.Error("discarding rest of batch", "delivered", len(msgs), "error", decodeErr)
		c.logError(log.LayerWire, decodeErr, "decode poll batch")
		c.faults.Emit(decodeErr)
	}
	c.poll()
}

// deliver raises one message. A panicking listener does not stop the batch.
func (c *Conn) deliver(m wire.Message) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("message listener panicked", "type", m.Type, "panic", r)
		}
	}()
	c.logMessage(m)
	c.messages.Emit(m)
}

// teardown ends the current session or aborts a pending connect.
func (c *Conn) teardown(requested bool, cause error) {
	switch c.state {
	case StateDisconnected, StateDisconnecting:
		return
	case StateConnecting:
		c.epoch++
		c.cancel()
		c.cancel = nil
		c.setState(StateDisconnected, "connect aborted")
		return
	}

	session := c.session
	reason := "requested"
	if cause != nil {
		reason = cause.Error()
	}

	c.epoch++
	c.cancel()
	c.cancel = nil
	c.sendTask.Cancel()
	c.pollRetry.Cancel()
	c.sendTask, c.pollRetry = nil, nil
	if c.inflight != nil {
		c.queue = append(c.inflight, c.queue...)
		c.inflight = nil
	}

	c.setState(StateDisconnecting, reason)
	if !errors.Is(cause, ErrSessionGone) {
		c.wg.Go(func() {
			ctx, cancel := context.WithTimeout(context.Background(), c.cfg.DisconnectTimeout)
			defer cancel()
			start := c.clock.Now()
			status, err := c.x.disconnect(ctx, session)
			c.logExchange(log.DirectionOut, session, log.NewExchange(log.ExchangeDisconnect, status, []byte(session), c.clock.Since(start)), err)
		})
	}
	c.session = ""
	c.setState(StateDisconnected, reason)

	if requested {
		c.logger.Info("disconnected", "session", session)
	} else {
		c.logger.Warn("session lost", "session", session, "error", cause)
	}
	c.disconnected.Emit(Disconnect{Session: session, Requested: requested, Err: cause})
}

func (c *Conn) setState(s State, reason string) {
	old := c.state
	c.state = s
	ev := c.baseEvent(log.DirectionIn, log.LayerTransport, log.CategoryState)
	ev.StateChange = &log.StateChangeEvent{
		Entity:   log.StateEntityConnection,
		OldState: old.String(),
		NewState: s.String(),
		Reason:   reason,
	}
	c.plog.Log(ev)
}
