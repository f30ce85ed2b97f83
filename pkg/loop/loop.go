package loop

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Loop errors.
var (
	ErrClosed = errors.New("loop closed")
)

// Loop executes posted closures one at a time, in FIFO order.
type Loop struct {
	clock clock.Clock

	mu     sync.Mutex
	queue  []func()
	closed bool

	// wake has capacity 1 and signals Run that the queue is non-empty.
	wake chan struct{}
}

// New creates a loop driven by the given clock. A nil clock means the
// wall clock.
func New(c clock.Clock) *Loop {
	if c == nil {
		c = clock.New()
	}
	return &Loop{
		clock: c,
		wake:  make(chan struct{}, 1),
	}
}

// Clock returns the clock the loop schedules tasks on.
func (l *Loop) Clock() clock.Clock {
	return l.clock
}

// Post queues fn for execution on the loop. It never blocks and may be
// called from any goroutine, including from within the loop.
// Returns false if the loop has been closed.
func (l *Loop) Post(fn func()) bool {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// RunPending executes queued closures on the calling goroutine until the
// queue is empty, including closures posted while draining.
// Returns the number of closures executed.
//
// Run calls this internally; tests that drive the loop by hand call it
// directly instead of starting Run.
func (l *Loop) RunPending() int {
	n := 0
	for {
		l.mu.Lock()
		if len(l.queue) == 0 {
			l.mu.Unlock()
			return n
		}
		batch := l.queue
		l.queue = nil
		l.mu.Unlock()

		for _, fn := range batch {
			fn()
			n++
		}
	}
}

// Run executes posted closures until ctx is cancelled or the loop is
// closed.
func (l *Loop) Run(ctx context.Context) error {
	for {
		l.RunPending()

		l.mu.Lock()
		closed := l.closed
		l.mu.Unlock()
		if closed {
			return ErrClosed
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.wake:
		}
	}
}

// Do runs fn on the loop and waits for it to complete.
// It must not be called from the loop itself, which would deadlock.
func (l *Loop) Do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	if !l.Post(func() {
		defer close(done)
		fn()
	}) {
		return ErrClosed
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// After schedules fn to run on the loop once d has elapsed.
func (l *Loop) After(d time.Duration, fn func()) *Task {
	t := &Task{fn: fn}
	t.timer = l.clock.AfterFunc(d, func() {
		l.Post(t.fire)
	})
	return t
}

// Close stops accepting new closures. Already queued closures are dropped
// once Run returns.
func (l *Loop) Close() {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}
