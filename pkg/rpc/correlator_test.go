package rpc

import (
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/croquet-sync/croquet-go/pkg/event"
	"github.com/croquet-sync/croquet-go/pkg/loop"
	"github.com/croquet-sync/croquet-go/pkg/transport"
	"github.com/croquet-sync/croquet-go/pkg/wire"
)

var errQueueFull = errors.New("queue full")

type fakeTransport struct {
	queued       []wire.Request
	rejectNext   error
	messages     event.Emitter[wire.Message]
	sent         event.Emitter[[]wire.Request]
	disconnected event.Emitter[transport.Disconnect]
}

func (f *fakeTransport) Enqueue(r wire.Request) error {
	if err := f.rejectNext; err != nil {
		f.rejectNext = nil
		return err
	}
	f.queued = append(f.queued, r)
	return nil
}

func (f *fakeTransport) OnMessage(fn func(wire.Message)) event.Handle { return f.messages.On(fn) }
func (f *fakeTransport) OnSent(fn func([]wire.Request)) event.Handle  { return f.sent.On(fn) }
func (f *fakeTransport) OnDisconnected(fn func(transport.Disconnect)) event.Handle {
	return f.disconnected.On(fn)
}

func (f *fakeTransport) respond(id uint64, value any) {
	f.messages.Emit(wire.Message{Type: wire.TypeResponse, Payload: wire.Response{ID: id, Value: value}.Payload()})
}

func (f *fakeTransport) fail(id uint64, msg string) {
	f.messages.Emit(wire.Message{Type: wire.TypeResponse, Payload: wire.Response{ID: id, Error: msg}.Payload()})
}

type result struct {
	value any
	err   error
	calls int
}

func (r *result) cb(value any, err error) {
	r.value, r.err = value, err
	r.calls++
}

func newCorrelator(t *testing.T) (*Correlator, *fakeTransport, *clock.Mock, *loop.Loop) {
	t.Helper()
	mock := clock.NewMock()
	l := loop.New(mock)
	ft := &fakeTransport{}
	return New(l, ft, Config{}), ft, mock, l
}

func TestCallIDsIncrease(t *testing.T) {
	c, ft, _, _ := newCorrelator(t)

	assert.Equal(t, uint64(1), c.Call("ping", nil, nil))
	assert.Equal(t, uint64(2), c.Call("ping", nil, nil))
	assert.Equal(t, uint64(3), c.Call("sub", wire.Payload{"key": "listing/1"}, nil))

	require.Len(t, ft.queued, 3)
	assert.Equal(t, "sub", ft.queued[2].Type)
	assert.Equal(t, "listing/1", ft.queued[2].Payload["key"])
	assert.NotNil(t, ft.queued[0].Payload)
	assert.Equal(t, 3, c.Pending())
}

func TestResponseCompletesOnce(t *testing.T) {
	c, ft, _, _ := newCorrelator(t)

	var r result
	id := c.Call("create", wire.Payload{"type": "listing"}, r.cb)

	ft.respond(id, "listing/7")
	assert.Equal(t, 1, r.calls)
	assert.Equal(t, "listing/7", r.value)
	assert.NoError(t, r.err)

	// A duplicate response is ignored.
	ft.respond(id, "listing/8")
	assert.Equal(t, 1, r.calls)
	assert.Equal(t, 0, c.Pending())
}

func TestRemoteError(t *testing.T) {
	c, ft, _, _ := newCorrelator(t)

	var r result
	id := c.Call("update", nil, r.cb)
	ft.fail(id, "validation failed")

	require.Equal(t, 1, r.calls)
	var remote *RemoteError
	require.True(t, errors.As(r.err, &remote))
	assert.Equal(t, "update", remote.Type)
	assert.Equal(t, id, remote.ID)
	assert.Equal(t, "validation failed", remote.Message)
	assert.Nil(t, r.value)
}

func TestUnknownAndMalformedResponses(t *testing.T) {
	c, ft, _, _ := newCorrelator(t)

	var r result
	c.Call("ping", nil, r.cb)

	ft.respond(99, true)
	ft.messages.Emit(wire.Message{Type: wire.TypeResponse, Payload: wire.Payload{"id": "x"}})
	assert.Equal(t, 0, r.calls)
	assert.Equal(t, 1, c.Pending())
}

func TestEnqueueRejected(t *testing.T) {
	c, ft, _, _ := newCorrelator(t)
	ft.rejectNext = wire.ErrUnsupportedValue

	var r result
	id := c.Call("create", wire.Payload{"bad": make(chan int)}, r.cb)
	assert.Zero(t, id)
	assert.Equal(t, 1, r.calls)
	assert.ErrorIs(t, r.err, wire.ErrUnsupportedValue)

	// The id is not consumed.
	assert.Equal(t, uint64(1), c.Call("ping", nil, nil))
}

func TestPushRouting(t *testing.T) {
	c, ft, _, _ := newCorrelator(t)

	var pubs []wire.Payload
	h := c.On(wire.TypePub, func(p wire.Payload) { pubs = append(pubs, p) })

	ft.messages.Emit(wire.Message{Type: wire.TypePub, Payload: wire.Payload{"key": "listing/1"}})
	ft.messages.Emit(wire.Message{Type: "other", Payload: wire.Payload{}})
	require.Len(t, pubs, 1)
	assert.Equal(t, "listing/1", pubs[0]["key"])

	h.Off()
	ft.messages.Emit(wire.Message{Type: wire.TypePub, Payload: wire.Payload{"key": "listing/2"}})
	assert.Len(t, pubs, 1)
}

func TestWaitingAndDone(t *testing.T) {
	c, ft, mock, l := newCorrelator(t)

	waiting, done := 0, 0
	c.OnWaiting(func() { waiting++ })
	c.OnDone(func() { done++ })

	fast := c.Call("ping", nil, nil)
	ft.respond(fast, true)

	slow1 := c.Call("query", nil, nil)
	slow2 := c.Call("query", nil, nil)

	mock.Add(DefaultWaitThreshold)
	require.Eventually(t, func() bool {
		l.RunPending()
		return c.Waiting() == 2
	}, time.Second, time.Millisecond)
	assert.Equal(t, 1, waiting)
	assert.Equal(t, 0, done)

	ft.respond(slow1, nil)
	assert.Equal(t, 0, done)
	ft.respond(slow2, nil)
	assert.Equal(t, 1, done)
	assert.Equal(t, 0, c.Waiting())

	// The fast request never counted as waiting.
	assert.Equal(t, 1, waiting)
}

func TestSessionLost(t *testing.T) {
	c, ft, _, _ := newCorrelator(t)

	var sent, queued result
	sentID := c.Call("update", nil, sent.cb)
	c.Call("update", nil, queued.cb)

	ft.sent.Emit([]wire.Request{{ID: sentID, Type: "update"}})
	ft.disconnected.Emit(transport.Disconnect{Session: "s1"})

	assert.Equal(t, 1, sent.calls)
	assert.ErrorIs(t, sent.err, ErrSessionLost)
	assert.Equal(t, 0, queued.calls)
	assert.Equal(t, 1, c.Pending())
}

func TestClose(t *testing.T) {
	c, ft, _, _ := newCorrelator(t)

	var order []uint64
	for i := 0; i < 3; i++ {
		var id uint64
		id = c.Call("ping", nil, func(_ any, err error) {
			assert.ErrorIs(t, err, ErrClosed)
			order = append(order, id)
		})
	}

	c.Close(nil)
	assert.Equal(t, []uint64{1, 2, 3}, order)

	var late result
	assert.Zero(t, c.Call("ping", nil, late.cb))
	assert.ErrorIs(t, late.err, ErrClosed)

	// Listeners are detached from the transport.
	ft.respond(1, true)
	assert.Equal(t, 3, len(order))
	assert.Equal(t, 0, ft.messages.Len())
}

func TestOnComplete(t *testing.T) {
	c, ft, mock, _ := newCorrelator(t)

	var got []Completion
	c.OnComplete(func(cp Completion) { got = append(got, cp) })

	id := c.Call("query", nil, nil)
	mock.Add(300 * time.Millisecond)
	ft.fail(id, "nope")

	require.Len(t, got, 1)
	assert.Equal(t, "query", got[0].Type)
	assert.Equal(t, 300*time.Millisecond, got[0].Latency)
	assert.Error(t, got[0].Err)
}

func TestHoldRelease(t *testing.T) {
	c, ft, _, _ := newCorrelator(t)
	c.Hold()
	require.True(t, c.Held())

	var r result
	first := c.Call("fetch", wire.Payload{"key": "user/1"}, r.cb)
	second := c.Call("ping", nil, nil)
	assert.Equal(t, uint64(1), first)
	assert.Equal(t, uint64(2), second)
	assert.Empty(t, ft.queued)
	assert.Equal(t, 2, c.Pending())

	// Calls made while bypassing go out at once and keep the id order.
	c.Bypass(func() { c.Call("auth", wire.Payload{"email": "a@b.c"}, nil) })
	require.Len(t, ft.queued, 1)
	assert.Equal(t, "auth", ft.queued[0].Type)
	assert.Equal(t, uint64(3), ft.queued[0].ID)
	assert.True(t, c.Held())

	c.Release()
	assert.False(t, c.Held())
	require.Len(t, ft.queued, 3)
	assert.Equal(t, []uint64{3, 1, 2}, []uint64{ft.queued[0].ID, ft.queued[1].ID, ft.queued[2].ID})

	ft.respond(first, map[string]any{"name": "x"})
	assert.Equal(t, 1, r.calls)
	assert.NoError(t, r.err)

	c.Call("ping", nil, nil)
	assert.Len(t, ft.queued, 4)
}

func TestHeldCallValidatesPayload(t *testing.T) {
	c, ft, _, _ := newCorrelator(t)
	c.Hold()

	var r result
	assert.Zero(t, c.Call("create", wire.Payload{"bad": make(chan int)}, r.cb))
	assert.Equal(t, 1, r.calls)
	assert.ErrorIs(t, r.err, wire.ErrUnsupportedValue)
	assert.Equal(t, uint64(1), c.Call("ping", nil, nil))

	c.Release()
	assert.Len(t, ft.queued, 1)
}

func TestReleaseEnqueueFailure(t *testing.T) {
	c, ft, _, _ := newCorrelator(t)
	c.Hold()

	var failed, ok result
	c.Call("ping", nil, failed.cb)
	c.Call("ping", nil, ok.cb)

	ft.rejectNext = errQueueFull
	c.Release()
	assert.Equal(t, 1, failed.calls)
	assert.ErrorIs(t, failed.err, errQueueFull)
	assert.Zero(t, ok.calls)
	assert.Equal(t, 1, c.Pending())
	require.Len(t, ft.queued, 1)
	assert.Equal(t, uint64(2), ft.queued[0].ID)
}

func TestCloseDropsHeld(t *testing.T) {
	c, ft, _, _ := newCorrelator(t)
	c.Hold()

	var r result
	c.Call("ping", nil, r.cb)
	c.Close(nil)
	assert.ErrorIs(t, r.err, ErrClosed)

	c.Release()
	assert.Empty(t, ft.queued)
}
