package entity

import (
	"math/rand"
	"strconv"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/croquet-sync/croquet-go/pkg/loop"
	"github.com/croquet-sync/croquet-go/pkg/rpc"
	"github.com/croquet-sync/croquet-go/pkg/subscription"
	"github.com/croquet-sync/croquet-go/pkg/wire"
)

type call struct {
	typ     string
	payload wire.Payload
	cb      rpc.Callback
	done    bool
}

// fakeServer answers subscribes from an in-memory model table.
type fakeServer struct {
	calls []*call
	data  map[string]any
}

func (f *fakeServer) Call(typ string, payload wire.Payload, cb rpc.Callback) uint64 {
	f.calls = append(f.calls, &call{typ: typ, payload: payload, cb: cb})
	return uint64(len(f.calls))
}

// serve answers every pending subscribe, including those issued while
// answering.
func (f *fakeServer) serve() {
	for {
		var next *call
		for _, c := range f.calls {
			if !c.done && c.typ == subscription.TypeSub {
				next = c
				break
			}
		}
		if next == nil {
			return
		}
		f.answer(next)
	}
}

func (f *fakeServer) answer(c *call) {
	c.done = true
	v, ok := f.data[c.payload["key"].(string)]
	if !ok {
		c.cb(false, nil)
		return
	}
	c.cb(v, nil)
}

func (f *fakeServer) pendingSub(key string) *call {
	for _, c := range f.calls {
		if !c.done && c.typ == subscription.TypeSub && c.payload["key"] == key {
			return c
		}
	}
	return nil
}

func (f *fakeServer) last(typ string) *call {
	for i := len(f.calls) - 1; i >= 0; i-- {
		if f.calls[i].typ == typ {
			return f.calls[i]
		}
	}
	return nil
}

type harness struct {
	store  *Store
	cache  *subscription.Cache
	server *fakeServer
}

func newHarness(t *testing.T, datatypes ...string) *harness {
	t.Helper()
	l := loop.New(clock.NewMock())
	fs := &fakeServer{data: map[string]any{}}
	cache := subscription.NewCache(l, fs, subscription.Config{})
	return &harness{
		store:  NewStore(cache, fs, Config{Datatypes: datatypes}),
		cache:  cache,
		server: fs,
	}
}

func (h *harness) fetch(t *testing.T, key string) *Entity {
	t.Helper()
	var got *Entity
	h.store.Fetch(key, func(e *Entity) { got = e })
	h.server.serve()
	require.NotNil(t, got, "fetch %s", key)
	return got
}

func (h *harness) pub(key string, diff any) {
	h.cache.HandlePub(wire.Payload{"key": key, "diff": diff})
}

func TestFetch(t *testing.T) {
	h := newHarness(t, "listing", "user")
	h.server.data["listing/1"] = map[string]any{"_id": "listing/1", "price": 10.0, "user": "user/2"}

	e := h.fetch(t, "listing/1")
	assert.Equal(t, "listing", e.Type())
	assert.Equal(t, "listing/1", e.ID())
	assert.False(t, e.Hot())
	v, _ := e.Get("price")
	assert.Equal(t, 10.0, v)
	assert.Equal(t, "user/2", e.Ref("user"))
	assert.Equal(t, "", e.Ref("price"))

	// Invalid keys resolve with nil.
	called := false
	h.store.Fetch("listing/404", func(e *Entity) {
		called = true
		assert.Nil(t, e)
	})
	h.server.serve()
	assert.True(t, called)

	// Unconfigured types never reach the server.
	n := len(h.server.calls)
	h.store.Fetch("offer/1", func(e *Entity) { assert.Nil(t, e) })
	h.store.Fetch("offer(listing=listing/1)", func(e *Entity) { assert.Nil(t, e) })
	assert.Len(t, h.server.calls, n)

	assert.PanicsWithValue(t, ErrMissingCallback, func() { h.store.Fetch("listing/1", nil) })
}

func TestEntityHeatFreeze(t *testing.T) {
	h := newHarness(t)
	h.server.data["listing/42"] = map[string]any{"price": 10.0}

	e := h.fetch(t, "listing/42")

	// A change before heating is picked up by the bootstrap, once.
	h.pub("listing/42", map[string]any{"price": 12.0})

	var events []subscription.FieldChange
	var prices []any
	e.Subscribe(func(fc subscription.FieldChange) { events = append(events, fc) })
	e.OnField("price", func(fc subscription.FieldChange) { prices = append(prices, fc.Value) })

	e.Heat()
	assert.True(t, e.Hot())
	assert.Equal(t, []any{12.0}, prices)

	h.pub("listing/42", map[string]any{"price": 12.0, "title": "bike"})
	assert.Equal(t, []any{12.0}, prices)
	require.Len(t, events, 2)
	assert.Equal(t, "title", events[1].Field)
	assert.Equal(t, "bike", e.Text("title"))

	sub, ok := h.cache.Lookup("listing/42")
	require.True(t, ok)
	assert.Equal(t, 1, sub.Refs())

	assert.Panics(t, func() { e.Heat() })

	e.Freeze()
	assert.False(t, e.Hot())
	assert.Equal(t, 0, sub.Refs())
	assert.Equal(t, 0, sub.(*subscription.ModelSub).Listeners())

	// Own listeners are gone, the entity keeps its last values.
	h.pub("listing/42", map[string]any{"price": 13.0})
	assert.Len(t, events, 2)
	v, _ := e.Get("price")
	assert.Equal(t, 12.0, v)

	assert.Panics(t, func() { e.Freeze() })

	// Heating again catches up.
	e.Heat()
	v, _ = e.Get("price")
	assert.Equal(t, 13.0, v)
}

func TestHeatAppliesFieldsDeletedWhileCold(t *testing.T) {
	h := newHarness(t)
	h.server.data["listing/9"] = map[string]any{"price": 10.0, "note": "firm"}

	hot := h.fetch(t, "listing/9").Heat()
	cold := h.fetch(t, "listing/9")
	_, ok := cold.Get("note")
	require.True(t, ok)

	h.pub("listing/9", map[string]any{"note": wire.Undefined{}})
	_, ok = hot.Get("note")
	assert.False(t, ok)
	_, ok = cold.Get("note")
	assert.True(t, ok, "cold entities keep their values")

	var events []subscription.FieldChange
	cold.Subscribe(func(fc subscription.FieldChange) { events = append(events, fc) })
	cold.Heat()

	_, ok = cold.Get("note")
	assert.False(t, ok)
	assert.Equal(t, []subscription.FieldChange{{Field: "note", Deleted: true}}, events)
	assert.Equal(t, map[string]any{"price": 10.0}, cold.Fields())
}

func TestInvalidatedOnResubscribe(t *testing.T) {
	h := newHarness(t)
	key := "listing(user=user/5)"
	h.server.data[key] = []any{"listing/1"}
	h.server.data["listing/1"] = map[string]any{"price": 1.0}

	e := h.fetch(t, "listing/1").Heat()
	var list *List
	h.store.FetchList(key, func(l *List) { list = l })
	h.server.serve()
	require.NotNil(t, list)
	list.Heat()

	var gone []string
	e.OnInvalidated(func() { gone = append(gone, e.ID()) })
	list.OnInvalidated(func() { gone = append(gone, list.Key()) })

	delete(h.server.data, "listing/1")
	delete(h.server.data, key)
	h.cache.Resubscribe()
	h.server.serve()

	assert.ElementsMatch(t, []string{"listing/1", key}, gone)
	assert.False(t, e.Hot())
	assert.False(t, list.Hot())
	assert.Equal(t, 0, h.cache.Len())

	// Values are kept and the holders may heat again later.
	v, _ := e.Get("price")
	assert.Equal(t, 1.0, v)
	assert.NotPanics(t, func() { e.Heat().Freeze() })
}

func TestEntityHeatBeforeReady(t *testing.T) {
	h := newHarness(t)
	h.server.data["listing/7"] = map[string]any{"price": 5.0}

	e := newEntity(h.store, "listing/7", nil)
	var fields []string
	e.Subscribe(func(fc subscription.FieldChange) { fields = append(fields, fc.Field) })

	e.Heat()
	assert.Empty(t, fields)

	h.server.serve()
	assert.Equal(t, []string{"price"}, fields)

	h.pub("listing/7", map[string]any{"price": wire.Undefined{}})
	_, ok := e.Get("price")
	assert.False(t, ok)
}

func TestFetchVia(t *testing.T) {
	h := newHarness(t)
	h.server.data["offer/1"] = map[string]any{"listing": "listing/2"}
	h.server.data["listing/2"] = map[string]any{"user": "user/3"}
	h.server.data["user/3"] = map[string]any{"name": "ann"}

	offer := h.fetch(t, "offer/1")

	var got *Entity
	h.store.FetchVia(offer, []string{"listing", "user"}, func(e *Entity) { got = e })
	h.server.serve()
	require.NotNil(t, got)
	assert.Equal(t, "user/3", got.ID())
	assert.Equal(t, "ann", got.Text("name"))

	got = nil
	h.store.FetchVia(offer, []string{"listing"}, func(e *Entity) { got = e })
	h.server.serve()
	require.NotNil(t, got)
	assert.Equal(t, "listing/2", got.ID())

	called := false
	h.store.FetchVia(offer, []string{"missing", "user"}, func(e *Entity) {
		called = true
		assert.Nil(t, e)
	})
	assert.True(t, called)
}

func TestRelatedAndFetchList(t *testing.T) {
	h := newHarness(t)
	h.server.data["user/5"] = map[string]any{"name": "bob"}
	h.server.data["listing(user=user/5)"] = []any{"listing/1", "listing/2", "listing/3"}
	h.server.data["listing/1"] = map[string]any{"price": 1.0}
	h.server.data["listing/3"] = map[string]any{"price": 3.0}

	user := h.fetch(t, "user/5")

	var list *List
	h.store.Related(user, "listing", "", func(l *List) { list = l })
	h.server.serve()

	require.NotNil(t, list)
	assert.Equal(t, "listing(user=user/5)", list.Key())
	assert.Equal(t, "listing", list.Type())
	// listing/2 does not exist and is left out.
	assert.Equal(t, []string{"listing/1", "listing/3"}, list.IDs())

	var empty *List
	h.server.data["listing(seller=user/5)"] = []any{}
	h.store.Related(user, "listing", "seller", func(l *List) { empty = l })
	h.server.serve()
	require.NotNil(t, empty)
	assert.Equal(t, 0, empty.Len())

	called := false
	h.store.FetchList("listing(buyer=user/5)", func(l *List) {
		called = true
		assert.Nil(t, l)
	})
	h.server.serve()
	assert.True(t, called)
}

func TestListHeat(t *testing.T) {
	h := newHarness(t)
	key := "listing(user=user/5)"
	h.server.data[key] = []any{"listing/1"}
	h.server.data["listing/1"] = map[string]any{"price": 1.0}
	h.server.data["listing/2"] = map[string]any{"price": 2.0}

	var list *List
	h.store.FetchList(key, func(l *List) { list = l })
	h.server.serve()
	require.NotNil(t, list)

	var changes []Change
	list.Subscribe(func(c Change) { changes = append(changes, c) })
	list.Heat()
	assert.Empty(t, changes)

	h.pub(key, map[string]any{"add": []any{"listing/2"}})
	assert.Empty(t, changes, "added member is still being fetched")
	h.server.serve()
	require.Len(t, changes, 1)
	assert.Equal(t, Change{Kind: Added, ID: "listing/2", Entity: list.At(1), Index: 1}, changes[0])

	// A removal before the fetch completes cancels it.
	h.server.data["listing/3"] = map[string]any{"price": 3.0}
	h.pub(key, []any{"listing/3"})
	h.pub(key, map[string]any{"remove": []any{"listing/3"}})
	h.server.serve()
	assert.Len(t, changes, 1)
	assert.Equal(t, []string{"listing/1", "listing/2"}, list.IDs())

	h.pub(key, map[string]any{"remove": []any{"listing/1"}})
	require.Len(t, changes, 2)
	assert.Equal(t, Change{Kind: Removed, ID: "listing/1", Index: 0}, changes[1])

	list.Freeze()
	assert.Panics(t, func() { list.Freeze() })
	sub, _ := h.cache.Lookup(key)
	assert.Equal(t, 0, sub.Refs())
}

func TestListBootstrapReconciles(t *testing.T) {
	h := newHarness(t)
	key := "offer(listing=listing/1)"
	h.server.data[key] = []any{"offer/1", "offer/2", "offer/3"}
	for _, id := range []string{"offer/1", "offer/2", "offer/3", "offer/4"} {
		h.server.data[id] = map[string]any{}
	}

	var list *List
	h.store.FetchList(key, func(l *List) { list = l })
	h.server.serve()
	require.Equal(t, []string{"offer/1", "offer/2", "offer/3"}, list.IDs())

	// The relation changes while the list is cold.
	h.pub(key, map[string]any{"add": []any{"offer/4"}, "remove": []any{"offer/1"}})

	var log []string
	list.OnRemove(func(id string, _ int) { log = append(log, "remove "+id) })
	list.OnAdd(func(e *Entity, _ int) { log = append(log, "add "+e.ID()) })
	list.Heat()
	h.server.serve()

	assert.Equal(t, []string{"remove offer/1", "add offer/4"}, log)
	assert.Equal(t, []string{"offer/2", "offer/3", "offer/4"}, list.IDs())
}

func byPrice(a, b *Entity) int {
	pa, _ := a.Get("price")
	pb, _ := b.Get("price")
	fa, _ := wire.AsFloat(pa)
	fb, _ := wire.AsFloat(pb)
	switch {
	case fa < fb:
		return -1
	case fa > fb:
		return 1
	}
	return 0
}

func TestListSort(t *testing.T) {
	h := newHarness(t)
	key := "listing(user=user/1)"
	h.server.data[key] = []any{"listing/1", "listing/2", "listing/3"}
	h.server.data["listing/1"] = map[string]any{"price": 3.0}
	h.server.data["listing/2"] = map[string]any{"price": 1.0}
	h.server.data["listing/3"] = map[string]any{"price": 3.0}

	var list *List
	h.store.FetchList(key, func(l *List) { list = l })
	h.server.serve()

	assert.PanicsWithValue(t, ErrNilComparator, func() { list.Sort(nil) })

	list.Sort(byPrice).Heat()
	assert.True(t, list.Sorted())
	assert.Equal(t, []string{"listing/2", "listing/1", "listing/3"}, list.IDs())

	var indexes []int
	list.OnAdd(func(_ *Entity, i int) { indexes = append(indexes, i) })

	// Equal prices go after the existing equals.
	h.server.data["listing/4"] = map[string]any{"price": 3.0}
	h.pub(key, []any{"listing/4"})
	h.server.serve()
	assert.Equal(t, []int{3}, indexes)

	h.server.data["listing/5"] = map[string]any{"price": 0.5}
	h.pub(key, []any{"listing/5"})
	h.server.serve()
	assert.Equal(t, []int{3, 0}, indexes)
	assert.Equal(t, []string{"listing/5", "listing/2", "listing/1", "listing/3", "listing/4"}, list.IDs())

	list.Unsort()
	h.server.data["listing/6"] = map[string]any{"price": 0.1}
	h.pub(key, []any{"listing/6"})
	h.server.serve()
	assert.Equal(t, []int{3, 0, 5}, indexes)
}

func TestListSortedInsertProperty(t *testing.T) {
	rng := rand.New(rand.NewSource(7))

	for round := 0; round < 20; round++ {
		h := newHarness(t)
		key := "listing(user=user/1)"
		h.server.data[key] = []any{}

		var list *List
		h.store.FetchList(key, func(l *List) { list = l })
		h.server.serve()
		list.Sort(byPrice).Heat()

		seq := map[string]int{}
		for i := 0; i < 30; i++ {
			id := "listing/" + strconv.Itoa(i)
			h.server.data[id] = map[string]any{"price": float64(rng.Intn(5))}
			seq[id] = i
			h.pub(key, []any{id})
			h.server.serve()

			for j := 1; j < list.Len(); j++ {
				a, b := list.At(j-1), list.At(j)
				c := byPrice(a, b)
				require.LessOrEqual(t, c, 0, "round %d: list out of order", round)
				if c == 0 {
					// Equal members keep insertion order.
					require.Less(t, seq[a.ID()], seq[b.ID()])
				}
			}
		}
		assert.Equal(t, 30, list.Len())
	}
}

func TestCreateUpdateDelete(t *testing.T) {
	h := newHarness(t, "listing", "user")
	h.server.data["user/1"] = map[string]any{}
	user := h.fetch(t, "user/1")

	var key string
	var err error
	when := time.UnixMilli(1700000000000)
	h.store.Create("listing", map[string]any{"title": "bike", "user": user, "price": 10, "at": when}, func(k string, e error) { key, err = k, e })

	c := h.server.last(TypeCreate)
	require.NotNil(t, c)
	assert.Equal(t, "listing", c.payload["type"])
	data := c.payload["data"].(map[string]any)
	assert.Equal(t, "user/1", data["user"])
	assert.Equal(t, when, data["at"])
	c.cb("listing/9", nil)
	assert.NoError(t, err)
	assert.Equal(t, "listing/9", key)

	h.store.Create("offer", map[string]any{}, func(_ string, e error) { err = e })
	assert.ErrorIs(t, err, ErrUnknownType)

	h.store.Create("listing", map[string]any{"fn": func() {}}, func(_ string, e error) { err = e })
	assert.ErrorIs(t, err, ErrUnsupportedValue)

	h.store.Create("listing", map[string]any{}, func(_ string, e error) { err = e })
	h.server.last(TypeCreate).cb(false, nil)
	assert.ErrorIs(t, err, ErrValidation)

	err = nil
	h.store.Update("listing/9", map[string]any{"price": 11.0}, func(e error) { err = e })
	u := h.server.last(TypeUpdate)
	assert.Equal(t, "listing/9", u.payload["key"])
	assert.Equal(t, map[string]any{"price": 11.0}, u.payload["diff"])
	u.cb(true, nil)
	assert.NoError(t, err)

	h.store.Delete("listing/9", func(e error) { err = e })
	d := h.server.last(TypeDelete)
	assert.Equal(t, wire.Payload{"key": "listing/9"}, d.payload)
	d.cb(nil, &rpc.RemoteError{Type: TypeDelete, Message: "no"})
	var remote *rpc.RemoteError
	assert.ErrorAs(t, err, &remote)

	h.store.Update("listing(user=user/1)", nil, func(e error) { err = e })
	assert.ErrorIs(t, err, ErrUnknownType)

	// Callbacks are optional for writes.
	assert.NotPanics(t, func() { h.store.Delete("listing/9", nil) })
}

func TestQuery(t *testing.T) {
	h := newHarness(t, "listing")
	h.server.data["listing/1"] = map[string]any{"price": 1.0}

	q := h.store.Query("listing", "recent").Offset(10).Limit(5).Sort("-created").Params(map[string]any{"city": "oslo", "max": 100})
	p, err := q.Payload()
	require.NoError(t, err)
	assert.Equal(t, wire.Payload{
		"type":   "listing",
		"query":  "recent",
		"offset": int64(10),
		"limit":  int64(5),
		"sort":   "-created",
		"params": map[string]any{"city": "oslo", "max": 100},
	}, p)

	var ids []string
	q.Run(func(got []string, err error) {
		require.NoError(t, err)
		ids = got
	})
	h.server.last(TypeQuery).cb([]any{"listing/1", "listing/2"}, nil)
	assert.Equal(t, []string{"listing/1", "listing/2"}, ids)

	var entities []*Entity
	h.store.Query("listing", "recent").RunEntities(func(es []*Entity, err error) {
		require.NoError(t, err)
		entities = es
	})
	h.server.last(TypeQuery).cb([]any{"listing/1", "listing/2"}, nil)
	h.server.serve()
	require.Len(t, entities, 1)
	assert.Equal(t, "listing/1", entities[0].ID())

	var qerr error
	h.store.Query("listing", "bad").Params(map[string]any{"x": []any{1}}).Run(func(_ []string, err error) { qerr = err })
	assert.ErrorIs(t, qerr, ErrUnsupportedValue)

	h.store.Query("user", "all").Run(func(_ []string, err error) { qerr = err })
	assert.ErrorIs(t, qerr, ErrUnknownType)
}
