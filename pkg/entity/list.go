package entity

import (
	"fmt"
	"sort"

	"github.com/croquet-sync/croquet-go/pkg/event"
	"github.com/croquet-sync/croquet-go/pkg/subscription"
)

// ChangeKind tells additions from removals.
type ChangeKind uint8

const (
	Added ChangeKind = iota
	Removed
)

// String returns the change kind name.
func (k ChangeKind) String() string {
	switch k {
	case Added:
		return "ADDED"
	case Removed:
		return "REMOVED"
	default:
		return "UNKNOWN"
	}
}

// Change is a list event.
type Change struct {
	Kind ChangeKind

	// ID is the model key of the added or removed member.
	ID string

	// Entity is the added member; nil for removals.
	Entity *Entity

	// Index is the member's position after an addition, or its position
	// before a removal.
	Index int
}

// Compare orders two entities: negative if a sorts before b, zero if equal.
type Compare func(a, b *Entity) int

type fetch struct {
	cancelled bool
}

// List is the ordered members of a relation.
type List struct {
	store *Store
	typ   string
	key   string
	items []*Entity

	hot     bool
	sub     *subscription.RelationSub
	handles []event.Handle
	pending map[string]*fetch

	cmp         Compare
	changes     event.Emitter[Change]
	invalidated event.Emitter[struct{}]
}

var _ event.Observable[Change] = (*List)(nil)

func newList(s *Store, typ, key string) *List {
	return &List{
		store:   s,
		typ:     typ,
		key:     key,
		pending: make(map[string]*fetch),
	}
}

// Type returns the member type.
func (l *List) Type() string { return l.typ }

// Key returns the relation key.
func (l *List) Key() string { return l.key }

// Hot reports whether the list follows its subscription.
func (l *List) Hot() bool { return l.hot }

// Sorted reports whether a comparator is attached.
func (l *List) Sorted() bool { return l.cmp != nil }

// Len returns the number of members.
func (l *List) Len() int { return len(l.items) }

// At returns the member at index i.
func (l *List) At(i int) *Entity { return l.items[i] }

// Entities returns the members in order.
func (l *List) Entities() []*Entity {
	return append([]*Entity(nil), l.items...)
}

// IDs returns the member keys in order.
func (l *List) IDs() []string {
	ids := make([]string, len(l.items))
	for i, e := range l.items {
		ids[i] = e.ID()
	}
	return ids
}

// Index returns the position of the member with key id, or -1.
func (l *List) Index(id string) int {
	for i, e := range l.items {
		if e.ID() == id {
			return i
		}
	}
	return -1
}

// Subscribe registers fn for additions and removals.
func (l *List) Subscribe(fn func(Change)) event.Handle {
	return l.changes.On(fn)
}

// OnAdd registers fn for additions.
func (l *List) OnAdd(fn func(e *Entity, index int)) event.Handle {
	return l.changes.On(func(c Change) {
		if c.Kind == Added {
			fn(c.Entity, c.Index)
		}
	})
}

// OnRemove registers fn for removals.
func (l *List) OnRemove(fn func(id string, index int)) event.Handle {
	return l.changes.On(func(c Change) {
		if c.Kind == Removed {
			fn(c.ID, c.Index)
		}
	})
}

// Sort attaches cmp, sorts the current members stably and keeps every
// later addition in order. It panics if cmp is nil.
func (l *List) Sort(cmp Compare) *List {
	if cmp == nil {
		panic(ErrNilComparator)
	}
	l.cmp = cmp
	if len(l.items) > 1 {
		sort.SliceStable(l.items, func(i, j int) bool {
			return cmp(l.items[i], l.items[j]) < 0
		})
	}
	return l
}

// Unsort detaches the comparator; later additions are appended.
func (l *List) Unsort() *List {
	l.cmp = nil
	return l
}

// Heat binds the list to its subscription. It panics if already hot.
func (l *List) Heat() *List {
	if l.hot {
		panic(fmt.Errorf("%w: %s", ErrAlreadyHot, l.key))
	}
	sub := l.store.cache.Relation(l.key)
	if sub.Ready() {
		l.bootstrap(sub.IDs())
	} else {
		l.handles = append(l.handles, sub.WhenReady(func(ok bool) {
			if ok {
				l.bootstrap(sub.IDs())
			}
		}))
	}
	l.handles = append(l.handles,
		sub.OnAdd(l.add),
		sub.OnRemove(l.remove),
		sub.OnInvalidated(l.invalidate),
	)
	sub.Retain()

	l.sub = sub
	l.hot = true
	return l
}

// Freeze detaches the list from its subscription, abandons pending member
// fetches and removes every listener registered on it. It panics if
// already cold.
func (l *List) Freeze() *List {
	if !l.hot {
		panic(fmt.Errorf("%w: %s", ErrAlreadyCold, l.key))
	}
	l.sub.Release()
	l.detach()
	return l
}

// OnInvalidated registers fn for the server no longer knowing the relation.
// The list is cold and its listeners are removed once fn returns.
func (l *List) OnInvalidated(fn func()) event.Handle {
	return l.invalidated.On(func(struct{}) { fn() })
}

func (l *List) invalidate() {
	if !l.hot {
		return
	}
	l.invalidated.Emit(struct{}{})
	if l.hot {
		l.detach()
	}
}

func (l *List) detach() {
	for _, h := range l.handles {
		h.Off()
	}
	l.handles = nil
	l.sub = nil

	for id, f := range l.pending {
		f.cancelled = true
		delete(l.pending, id)
	}
	l.changes.Clear()
	l.invalidated.Clear()
	l.hot = false
}

// bootstrap reconciles the members, including those still being fetched,
// with ids.
func (l *List) bootstrap(ids []string) {
	current := l.IDs()
	for id := range l.pending {
		current = append(current, id)
	}
	added, removed := subscription.Reconcile(current, ids)
	l.remove(removed)
	l.add(added)
}

func (l *List) has(id string) bool {
	if _, ok := l.pending[id]; ok {
		return true
	}
	return l.Index(id) >= 0
}

func (l *List) add(ids []string) {
	for _, id := range ids {
		if l.has(id) {
			continue
		}
		f := &fetch{}
		l.pending[id] = f
		l.store.Fetch(id, func(e *Entity) {
			if f.cancelled {
				return
			}
			delete(l.pending, id)
			if e == nil {
				l.store.logger.Debug("list member no longer exists", "list", l.key, "id", id)
				return
			}
			l.insert(e)
		})
	}
}

func (l *List) remove(ids []string) {
	for _, id := range ids {
		if f, ok := l.pending[id]; ok {
			f.cancelled = true
			delete(l.pending, id)
			continue
		}
		i := l.Index(id)
		if i < 0 {
			continue
		}
		l.items = append(l.items[:i], l.items[i+1:]...)
		l.changes.Emit(Change{Kind: Removed, ID: id, Index: i})
	}
}

// insert places e after every member that does not sort after it.
func (l *List) insert(e *Entity) {
	i := len(l.items)
	if l.cmp != nil {
		i = sort.Search(len(l.items), func(j int) bool {
			return l.cmp(l.items[j], e) > 0
		})
	}
	l.items = append(l.items, nil)
	copy(l.items[i+1:], l.items[i:])
	l.items[i] = e
	l.changes.Emit(Change{Kind: Added, ID: e.ID(), Entity: e, Index: i})
}
