package subscription

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/croquet-sync/croquet-go/pkg/event"
	"github.com/croquet-sync/croquet-go/pkg/loop"
	"github.com/croquet-sync/croquet-go/pkg/rpc"
	"github.com/croquet-sync/croquet-go/pkg/wire"
)

// DefaultGracePeriod is how long an unused subscription is kept.
const DefaultGracePeriod = 10 * time.Second

// Message types sent by the cache.
const (
	TypeSub   = "sub"
	TypeUnsub = "unsub"
)

// Subscription errors.
var (
	// ErrDoubleSubscribe is the panic value when the server reports an
	// existing subscription for a key the cache did not hold.
	ErrDoubleSubscribe = errors.New("duplicate subscribe")

	// ErrNegativeRefs is the panic value for a Release without Retain.
	ErrNegativeRefs = errors.New("release of unretained subscription")

	// ErrKeyKind is the panic value when a model key is used as a relation
	// or the other way round.
	ErrKeyKind = errors.New("wrong key kind")
)

// Caller sends requests; implemented by *rpc.Correlator.
type Caller interface {
	Call(typ string, payload wire.Payload, cb rpc.Callback) uint64
}

var _ Caller = (*rpc.Correlator)(nil)

// Config configures a Cache.
type Config struct {
	// GracePeriod (default: 10s).
	GracePeriod time.Duration

	// Logger is the optional logger for debug output.
	// If nil, logging is disabled.
	Logger *slog.Logger
}

// Eviction reports a removed entry.
type Eviction struct {
	Key string

	// Unsubscribed is false when the entry was dropped without telling the
	// server (invalid key, failed subscribe, disconnect).
	Unsubscribed bool
}

// Cache holds one subscription per key. All methods must be called on the
// loop.
type Cache struct {
	loop   *loop.Loop
	rpc    Caller
	grace  time.Duration
	logger *slog.Logger

	subs map[string]Sub

	created event.Emitter[string]
	evicted event.Emitter[Eviction]
}

// NewCache creates an empty cache.
func NewCache(l *loop.Loop, caller Caller, cfg Config) *Cache {
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = DefaultGracePeriod
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	return &Cache{
		loop:   l,
		rpc:    caller,
		grace:  cfg.GracePeriod,
		logger: cfg.Logger.With("component", "subscription"),
		subs:   make(map[string]Sub),
	}
}

// Len returns the number of cached keys.
func (c *Cache) Len() int { return len(c.subs) }

// Keys returns the cached keys in sorted order.
func (c *Cache) Keys() []string {
	keys := make([]string, 0, len(c.subs))
	for k := range c.subs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Lookup returns the subscription for key without creating it.
func (c *Cache) Lookup(key string) (Sub, bool) {
	s, ok := c.subs[key]
	return s, ok
}

// Model returns the subscription for a model key, creating it if needed.
// It panics with ErrKeyKind for relation keys.
func (c *Cache) Model(key string) *ModelSub {
	if !IsModelKey(key) {
		panic(fmt.Errorf("%w: %q is not a model key", ErrKeyKind, key))
	}
	if s, ok := c.subs[key]; ok {
		return s.(*ModelSub)
	}
	s := newModelSub(c, key)
	c.register(s)
	return s
}

// Relation returns the subscription for a relation key, creating it if
// needed. It panics with ErrKeyKind for model keys.
func (c *Cache) Relation(key string) *RelationSub {
	if IsModelKey(key) {
		panic(fmt.Errorf("%w: %q is not a relation key", ErrKeyKind, key))
	}
	if s, ok := c.subs[key]; ok {
		return s.(*RelationSub)
	}
	s := newRelationSub(c, key)
	c.register(s)
	return s
}

// Get returns the subscription for key, creating one of the kind the key
// names.
func (c *Cache) Get(key string) Sub {
	if IsModelKey(key) {
		return c.Model(key)
	}
	return c.Relation(key)
}

// GetModel calls fn with the ready subscription for key, or with nil if the
// key turned out to be invalid.
func (c *Cache) GetModel(key string, fn func(*ModelSub)) {
	s := c.Model(key)
	s.WhenReady(func(ok bool) {
		if !ok {
			fn(nil)
			return
		}
		fn(s)
	})
}

// GetRelation calls fn with the ready subscription for key, or with nil if
// the key turned out to be invalid.
func (c *Cache) GetRelation(key string, fn func(*RelationSub)) {
	s := c.Relation(key)
	s.WhenReady(func(ok bool) {
		if !ok {
			fn(nil)
			return
		}
		fn(s)
	})
}

// OnCreated registers fn for every newly registered key.
func (c *Cache) OnCreated(fn func(key string)) event.Handle {
	return c.created.On(fn)
}

// OnEvicted registers fn for every removed entry.
func (c *Cache) OnEvicted(fn func(Eviction)) event.Handle {
	return c.evicted.On(fn)
}

func (c *Cache) register(s Sub) {
	b := s.core()
	c.subs[b.key] = s
	c.logger.Debug("subscribing", "key", b.key)
	c.created.Emit(b.key)
	c.subscribe(s)
}

func (c *Cache) subscribe(s Sub) {
	b := s.core()
	b.subscribing = true
	c.rpc.Call(TypeSub, wire.Payload{"key": b.key}, func(value any, err error) {
		b.subscribing = false
		c.subscribed(s, value, err)
	})
}

// current reports whether s is still the entry for its key.
func (c *Cache) current(b *base) bool {
	s, ok := c.subs[b.key]
	return ok && s.core() == b
}

func (c *Cache) subscribed(s Sub, value any, err error) {
	b := s.core()

	if !c.current(b) {
		// The entry went away while the subscribe was in flight. If the
		// server accepted it, undo that so a later subscribe is not a
		// duplicate.
		if err == nil && !b.unsubscribed && !isBool(value) {
			c.rpc.Call(TypeUnsub, wire.Payload{"key": b.key}, c.unsubDone(b.key))
		}
		b.resolve(false)
		return
	}

	switch {
	case errors.Is(err, rpc.ErrSessionLost):
		c.logger.Debug("subscribe lost with session", "key", b.key)
		return
	case err != nil:
		c.logger.Warn("subscribe failed", "key", b.key, "error", err)
		c.remove(b, false)
		b.resolve(false)
		return
	}

	if v, ok := value.(bool); ok {
		if v {
			panic(fmt.Errorf("%w: %s", ErrDoubleSubscribe, b.key))
		}
		c.remove(b, false)
		if b.ready {
			c.logger.Warn("resubscribed key is no longer valid", "key", b.key)
			b.invalidate()
			return
		}
		c.logger.Debug("invalid key", "key", b.key)
		b.resolve(false)
		return
	}

	if b.ready {
		s.reconcile(value)
		return
	}
	s.initial(value)
	b.ready = true
	b.resolve(true)
	if b.refs == 0 && c.current(b) {
		b.scheduleEvict()
	}
}

func (c *Cache) unsubDone(key string) rpc.Callback {
	return func(_ any, err error) {
		if err != nil {
			c.logger.Debug("unsubscribe failed", "key", key, "error", err)
		}
	}
}

// destroy unsubscribes and removes the entry if it is still current.
func (c *Cache) destroy(b *base) {
	if !c.current(b) {
		return
	}
	c.logger.Debug("evicting", "key", b.key)
	b.unsubscribed = true
	c.rpc.Call(TypeUnsub, wire.Payload{"key": b.key}, c.unsubDone(b.key))
	c.remove(b, true)
}

func (c *Cache) remove(b *base, unsubscribed bool) {
	if !c.current(b) {
		return
	}
	delete(c.subs, b.key)
	b.evict.Cancel()
	b.evict = nil
	c.evicted.Emit(Eviction{Key: b.key, Unsubscribed: unsubscribed})
}

// Resubscribe subscribes every cached key again. Call it after each
// reconnect but the first.
func (c *Cache) Resubscribe() {
	for _, key := range c.Keys() {
		s := c.subs[key]
		if s.core().subscribing {
			continue
		}
		c.subscribe(s)
	}
}

// Purge drops every entry waiting for eviction without unsubscribing.
// Call it when the session is lost.
func (c *Cache) Purge() {
	for _, key := range c.Keys() {
		b := c.subs[key].core()
		if b.evict == nil || b.subscribing {
			continue
		}
		c.logger.Debug("dropping unused subscription", "key", key)
		c.remove(b, false)
	}
}

// HandlePub applies a "pub" push.
func (c *Cache) HandlePub(p wire.Payload) {
	key, _ := p["key"].(string)
	s, ok := c.subs[key]
	if !ok {
		c.logger.Debug("dangling pub", "key", key)
		return
	}
	if !s.core().ready {
		// The subscribe response carries the state this diff is based on.
		c.logger.Debug("pub before subscribe completed", "key", key)
		return
	}
	if err := s.apply(p["diff"]); err != nil {
		c.logger.Warn("dropping pub", "key", key, "error", err)
	}
}

func isBool(v any) bool {
	_, ok := v.(bool)
	return ok
}
