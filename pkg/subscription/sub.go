package subscription

import (
	"fmt"

	"github.com/croquet-sync/croquet-go/pkg/event"
	"github.com/croquet-sync/croquet-go/pkg/loop"
)

// Sub is a cache entry. It is implemented by *ModelSub and *RelationSub.
type Sub interface {
	Key() string
	Ready() bool
	Refs() int
	Retain()
	Release()

	// WhenReady calls fn once the first subscribe resolves: ok is false if
	// the key was invalid or the subscribe failed. If that already happened
	// fn runs immediately.
	WhenReady(fn func(ok bool)) event.Handle

	// OnInvalidated calls fn when a resubscribe finds the key no longer
	// valid. The entry has left the cache by then.
	OnInvalidated(fn func()) event.Handle

	core() *base
	initial(value any)
	reconcile(value any)
	apply(diff any) error
}

type base struct {
	cache *Cache
	key   string

	ready        bool
	resolved     bool
	valid        bool
	subscribing  bool
	unsubscribed bool

	refs  int
	evict *loop.Task

	waiters     event.Emitter[bool]
	invalidated event.Emitter[struct{}]
}

func (b *base) core() *base { return b }

// Key returns the subscribed key.
func (b *base) Key() string { return b.key }

// Ready reports whether the initial value has arrived.
func (b *base) Ready() bool { return b.ready }

// Refs returns the reference count.
func (b *base) Refs() int { return b.refs }

// Retain adds a reference and cancels a pending eviction.
func (b *base) Retain() {
	b.refs++
	b.evict.Cancel()
	b.evict = nil
}

// Release drops a reference. The last one starts the grace period.
func (b *base) Release() {
	if b.refs == 0 {
		panic(fmt.Errorf("%w: %s", ErrNegativeRefs, b.key))
	}
	b.refs--
	if b.refs == 0 {
		b.scheduleEvict()
	}
}

func (b *base) scheduleEvict() {
	if !b.cache.current(b) {
		return
	}
	b.evict.Cancel()
	b.evict = b.cache.loop.After(b.cache.grace, func() {
		b.evict = nil
		if b.refs == 0 {
			b.cache.destroy(b)
		}
	})
}

// WhenReady implements Sub.
func (b *base) WhenReady(fn func(ok bool)) event.Handle {
	if b.resolved {
		fn(b.valid)
		return event.Handle{}
	}
	return b.waiters.Once(fn)
}

// OnInvalidated implements Sub.
func (b *base) OnInvalidated(fn func()) event.Handle {
	return b.invalidated.On(func(struct{}) { fn() })
}

func (b *base) invalidate() {
	b.invalidated.Emit(struct{}{})
	b.invalidated.Clear()
}

func (b *base) resolve(ok bool) {
	if b.resolved {
		return
	}
	b.resolved = true
	b.valid = ok
	b.waiters.Emit(ok)
	b.waiters.Clear()
}
