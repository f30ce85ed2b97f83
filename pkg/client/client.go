package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/croquet-sync/croquet-go/pkg/auth"
	"github.com/croquet-sync/croquet-go/pkg/connection"
	"github.com/croquet-sync/croquet-go/pkg/entity"
	"github.com/croquet-sync/croquet-go/pkg/event"
	"github.com/croquet-sync/croquet-go/pkg/log"
	"github.com/croquet-sync/croquet-go/pkg/loop"
	"github.com/croquet-sync/croquet-go/pkg/metrics"
	"github.com/croquet-sync/croquet-go/pkg/presence"
	"github.com/croquet-sync/croquet-go/pkg/rpc"
	"github.com/croquet-sync/croquet-go/pkg/subscription"
	"github.com/croquet-sync/croquet-go/pkg/transport"
	"github.com/croquet-sync/croquet-go/pkg/wire"
)

// Message types sent by the client itself.
const (
	TypePing  = "ping"
	TypeError = "error"
)

// Notification is a "not" push.
type Notification struct {
	Message string
	Key     string
	Other   any
}

// Option configures a Client beyond its Config.
type Option func(*options)

type options struct {
	logger     *slog.Logger
	clock      clock.Clock
	httpClient transport.Doer
	registerer prometheus.Registerer
	plog       log.Logger
}

// WithLogger sets the operational logger. The default discards.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithClock drives the loop from c instead of the wall clock.
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithHTTPClient sets the client performing the exchanges.
func WithHTTPClient(d transport.Doer) Option {
	return func(o *options) { o.httpClient = d }
}

// WithRegisterer registers the client's metrics with reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// WithProtocolLogger adds a protocol event sink, in addition to the
// configured capture file.
func WithProtocolLogger(l log.Logger) Option {
	return func(o *options) { o.plog = l }
}

// Client is one sync engine instance.
type Client struct {
	cfg     Config
	logger  *slog.Logger
	loop    *loop.Loop
	conn    *transport.Conn
	sup     *connection.Supervisor
	rpc     *rpc.Correlator
	cache   *subscription.Cache
	store   *entity.Store
	tracker *presence.Tracker
	auth    *auth.Session
	metrics *metrics.Metrics
	limiter *rate.Limiter
	capture *log.FileLogger
	plog    log.Logger
	connID  string

	// ready is set by the first session and never cleared.
	ready    bool
	sessions int
	inits    []func()
	closed   bool

	notifications event.Emitter[Notification]
}

// New assembles a client. It does not connect.
func New(cfg Config, opts ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.New(slog.DiscardHandler)
	}

	m, err := metrics.New(o.registerer)
	if err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}

	creds, err := cfg.Auth.store()
	if err != nil {
		return nil, fmt.Errorf("credential store: %w", err)
	}

	var capture *log.FileLogger
	if cfg.ProtocolLog != "" {
		capture, err = log.NewFileLogger(cfg.ProtocolLog)
		if err != nil {
			return nil, fmt.Errorf("open protocol log: %w", err)
		}
	}
	var plog log.Logger
	switch {
	case capture != nil && o.plog != nil:
		plog = log.NewMultiLogger(capture, o.plog)
	case capture != nil:
		plog = capture
	default:
		plog = o.plog
	}

	connID := uuid.NewString()
	l := loop.New(o.clock)
	conn := transport.New(l, transport.Config{
		BaseURL:           cfg.URL,
		ConnectionID:      connID,
		HTTPClient:        o.httpClient,
		SendInterval:      cfg.SendInterval,
		PollRetryDelay:    cfg.PollRetryDelay,
		DisconnectTimeout: cfg.DisconnectTimeout,
		Logger:            o.logger,
		ProtocolLogger:    plog,
	})
	sup := connection.NewSupervisor(l, conn, cfg.Reconnect.backoff(), o.logger)
	corr := rpc.New(l, conn, rpc.Config{WaitThreshold: cfg.WaitThreshold, Logger: o.logger})
	corr.Hold()
	cache := subscription.NewCache(l, corr, subscription.Config{GracePeriod: cfg.GracePeriod, Logger: o.logger})

	c := &Client{
		cfg:     cfg,
		logger:  o.logger.With("component", "client"),
		loop:    l,
		conn:    conn,
		sup:     sup,
		rpc:     corr,
		cache:   cache,
		store:   entity.NewStore(cache, corr, entity.Config{Datatypes: cfg.Datatypes, Logger: o.logger}),
		tracker: presence.New(corr, sup, presence.Config{Logger: o.logger}),
		metrics: m,
		limiter: rate.NewLimiter(rate.Limit(cfg.ErrorReports.PerSecond), cfg.ErrorReports.Burst),
		capture: capture,
		plog:    log.OrNoop(plog),
		connID:  connID,
	}
	c.tracker.SetSelf(cfg.User)
	c.auth = auth.New(corr, c.store, sup, c.tracker, auth.Config{Store: creds, Logger: o.logger})
	c.wire()
	return c, nil
}

// wire connects the components' events. It runs before the loop starts.
func (c *Client) wire() {
	c.conn.OnConnected(c.connected)
	c.conn.OnDisconnected(c.disconnected)
	c.conn.OnSent(func(batch []wire.Request) { c.metrics.FramesSent(len(batch)) })
	c.conn.OnMessage(func(m wire.Message) { c.metrics.MessageReceived(m.Type) })
	c.conn.OnError(func(error) { c.metrics.TransportError() })
	c.sup.OnReconnecting(func(connection.Retry) { c.metrics.ReconnectScheduled() })

	c.rpc.On(wire.TypePub, c.cache.HandlePub)
	c.rpc.On(wire.TypePresence, c.tracker.HandlePresence)
	c.rpc.On(wire.TypeNotify, c.notify)
	c.rpc.OnComplete(c.metrics.RequestCompleted)
	c.rpc.OnWaiting(func() { c.metrics.Waiting(true) })
	c.rpc.OnDone(func() { c.metrics.Waiting(false) })

	c.cache.OnCreated(func(key string) {
		c.metrics.SubscriptionCreated()
		c.logSync(log.StateEntitySubscription, "", subscriptionActive, key)
	})
	c.cache.OnEvicted(func(e subscription.Eviction) {
		c.metrics.SubscriptionEvicted(e.Unsubscribed)
		next := subscriptionDropped
		if e.Unsubscribed {
			next = subscriptionEvicted
		}
		c.logSync(log.StateEntitySubscription, subscriptionActive, next, e.Key)
	})

	last := c.tracker.Status()
	c.tracker.Watch(presence.Me, func(s presence.Status) {
		c.logSync(log.StateEntityPresence, last.String(), s.String(), "")
		last = s
	})
}

// connected logs in again before anything queued while disconnected is
// sent.
func (c *Client) connected(session string) {
	c.sessions++
	c.metrics.SessionStarted()
	c.auth.Reauth(func() { c.makeReady(session) })
}

func (c *Client) makeReady(session string) {
	if c.closed || c.conn.Session() != session {
		c.logger.Debug("session ended before it was ready", "session", session)
		return
	}
	c.rpc.Release()
	c.tracker.Connected()
	if c.sessions > 1 {
		c.logger.Info("resubscribing", "session", session, "keys", c.cache.Len())
		c.cache.Resubscribe()
	}

	if c.ready {
		return
	}
	c.ready = true
	inits := c.inits
	c.inits = nil
	for _, fn := range inits {
		fn()
	}
}

func (c *Client) disconnected(d transport.Disconnect) {
	c.rpc.Hold()
	c.metrics.SessionEnded(d.Requested)
	c.cache.Purge()
	c.tracker.Disconnected()
}

func (c *Client) notify(p wire.Payload) {
	n := Notification{Other: p["other"]}
	n.Message, _ = p["message"].(string)
	n.Key, _ = p["key"].(string)
	c.notifications.Emit(n)
}

// Run drives the loop until ctx is cancelled or the client is closed.
func (c *Client) Run(ctx context.Context) error {
	return c.loop.Run(ctx)
}

// Do runs fn on the loop and waits for it. It must not be called from the
// loop.
func (c *Client) Do(ctx context.Context, fn func()) error {
	return c.loop.Do(ctx, fn)
}

// Post queues fn on the loop without waiting.
func (c *Client) Post(fn func()) bool {
	return c.loop.Post(fn)
}

// Init connects if needed and calls fn once the client is ready. Once ready,
// fn is called immediately.
func (c *Client) Init(fn func()) {
	if c.ready {
		fn()
		return
	}
	c.inits = append(c.inits, fn)
	c.sup.Connect()
}

// Ready reports whether a session has been established.
func (c *Client) Ready() bool { return c.ready }

// Connect connects, and keeps reconnecting after session loss.
func (c *Client) Connect() { c.sup.Connect() }

// Disconnect ends the session and stops reconnecting until Connect.
func (c *Client) Disconnect() { c.sup.Disconnect() }

// State returns the connection state.
func (c *Client) State() connection.State { return c.sup.State() }

// Session returns the current session id, or "" when disconnected.
func (c *Client) Session() string { return c.conn.Session() }

// Ping sends a ping. cb may be nil.
func (c *Client) Ping(cb func(error)) {
	c.rpc.Call(TypePing, nil, func(_ any, err error) {
		if cb != nil {
			cb(err)
		}
	})
}

// RecordError reports a client-side error to the server. Reports beyond the
// configured rate are dropped; RecordError returns false for those.
func (c *Client) RecordError(data any) bool {
	if !c.limiter.AllowN(c.loop.Clock().Now(), 1) {
		c.metrics.ErrorReported(true)
		c.logger.Debug("dropping error report")
		return false
	}
	c.metrics.ErrorReported(false)
	c.rpc.Call(TypeError, wire.Payload{"data": data}, nil)
	return true
}

// OnNotification registers fn for "not" pushes.
func (c *Client) OnNotification(fn func(Notification)) event.Handle {
	return c.notifications.On(fn)
}

// OnWaiting registers fn for when a request has been outstanding longer than
// the wait threshold.
func (c *Client) OnWaiting(fn func()) event.Handle { return c.rpc.OnWaiting(fn) }

// OnDone registers fn for when no request is waiting any more.
func (c *Client) OnDone(fn func()) event.Handle { return c.rpc.OnDone(fn) }

// OnStateChange registers fn for connection state changes.
func (c *Client) OnStateChange(fn func(connection.StateChange)) event.Handle {
	return c.sup.OnStateChange(fn)
}

// Store returns the entity store.
func (c *Client) Store() *entity.Store { return c.store }

// Auth returns the login session.
func (c *Client) Auth() *auth.Session { return c.auth }

// Presence returns the presence tracker.
func (c *Client) Presence() *presence.Tracker { return c.tracker }

// Cache returns the subscription cache.
func (c *Client) Cache() *subscription.Cache { return c.cache }

// Pending returns the number of outstanding requests.
func (c *Client) Pending() int { return c.rpc.Pending() }

// Close fails outstanding requests, ends the session and stops the loop.
// It must not be called from the loop. Run must be running for Close to
// reach the loop; ctx bounds the wait.
func (c *Client) Close(ctx context.Context) error {
	err := c.loop.Do(ctx, func() {
		if c.closed {
			return
		}
		c.closed = true
		c.rpc.Close(nil)
		c.sup.Close()
		c.conn.Close()
	})
	if err != nil && !errors.Is(err, loop.ErrClosed) {
		return err
	}

	c.conn.Wait()
	c.loop.Close()
	if c.capture != nil {
		if err := c.capture.Close(); err != nil {
			return fmt.Errorf("close protocol log: %w", err)
		}
	}
	return nil
}
