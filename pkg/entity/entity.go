package entity

import (
	"fmt"
	"sort"

	"github.com/croquet-sync/croquet-go/pkg/event"
	"github.com/croquet-sync/croquet-go/pkg/subscription"
)

// FieldIDKey is the field every model carries with its own key.
const FieldIDKey = "_id"

// Entity is one model.
type Entity struct {
	store  *Store
	typ    string
	key    string
	fields map[string]any

	hot     bool
	sub     *subscription.ModelSub
	handles []event.Handle

	changes     event.Emitter[subscription.FieldChange]
	byField     event.Keyed[string, subscription.FieldChange]
	invalidated event.Emitter[struct{}]
}

var _ event.Observable[subscription.FieldChange] = (*Entity)(nil)

func newEntity(s *Store, key string, fields map[string]any) *Entity {
	e := &Entity{
		store:  s,
		typ:    subscription.KeyType(key),
		key:    key,
		fields: make(map[string]any, len(fields)),
	}
	for k, v := range fields {
		e.fields[k] = v
	}
	return e
}

// Type returns the model type, e.g. "listing".
func (e *Entity) Type() string { return e.typ }

// ID returns the model key, e.g. "listing/12".
func (e *Entity) ID() string { return e.key }

// Hot reports whether the entity follows its subscription.
func (e *Entity) Hot() bool { return e.hot }

// Get returns a field value.
func (e *Entity) Get(field string) (any, bool) {
	v, ok := e.fields[field]
	return v, ok
}

// Text returns a string field, or "" if it is missing or not a string.
func (e *Entity) Text(field string) string {
	s, _ := e.fields[field].(string)
	return s
}

// Ref returns the model key stored in a reference field.
func (e *Entity) Ref(field string) string {
	key := e.Text(field)
	if !subscription.IsModelKey(key) {
		return ""
	}
	return key
}

// Fields returns a copy of every field.
func (e *Entity) Fields() map[string]any {
	out := make(map[string]any, len(e.fields))
	for k, v := range e.fields {
		out[k] = v
	}
	return out
}

// OnField registers fn for changes of one field.
func (e *Entity) OnField(field string, fn func(subscription.FieldChange)) event.Handle {
	return e.byField.On(field, fn)
}

// Subscribe registers fn for changes of any field.
func (e *Entity) Subscribe(fn func(subscription.FieldChange)) event.Handle {
	return e.changes.On(fn)
}

// Heat binds the entity to its subscription. It panics if already hot.
func (e *Entity) Heat() *Entity {
	if e.hot {
		panic(fmt.Errorf("%w: %s", ErrAlreadyHot, e.key))
	}
	sub := e.store.cache.Model(e.key)
	if sub.Ready() {
		e.bootstrap(sub.Value())
	} else {
		e.handles = append(e.handles, sub.WhenReady(func(ok bool) {
			if ok {
				e.bootstrap(sub.Value())
			}
		}))
	}
	e.handles = append(e.handles, sub.OnField(e.apply), sub.OnInvalidated(e.invalidate))
	sub.Retain()

	e.sub = sub
	e.hot = true
	return e
}

// Freeze detaches the entity from its subscription and removes every
// listener registered on it. It panics if already cold.
func (e *Entity) Freeze() *Entity {
	if !e.hot {
		panic(fmt.Errorf("%w: %s", ErrAlreadyCold, e.key))
	}
	e.sub.Release()
	e.detach()
	return e
}

// OnInvalidated registers fn for the server no longer knowing the model.
// The entity is cold and its listeners are removed once fn returns.
func (e *Entity) OnInvalidated(fn func()) event.Handle {
	return e.invalidated.On(func(struct{}) { fn() })
}

func (e *Entity) invalidate() {
	if !e.hot {
		return
	}
	e.invalidated.Emit(struct{}{})
	if e.hot {
		e.detach()
	}
}

func (e *Entity) detach() {
	for _, h := range e.handles {
		h.Off()
	}
	e.handles = nil
	e.sub = nil

	e.changes.Clear()
	e.byField.Clear()
	e.invalidated.Clear()
	e.hot = false
}

// bootstrap brings the fields in line with values, emitting only real
// changes. Fields missing from values were deleted while the entity was cold.
func (e *Entity) bootstrap(values map[string]any) {
	names := make([]string, 0, len(values))
	for k := range values {
		names = append(names, k)
	}
	sort.Strings(names)

	for _, name := range names {
		v := values[name]
		if old, ok := e.fields[name]; ok && subscription.ValuesEqual(old, v) {
			continue
		}
		e.apply(subscription.FieldChange{Field: name, Value: v})
	}

	var gone []string
	for name := range e.fields {
		if _, ok := values[name]; !ok {
			gone = append(gone, name)
		}
	}
	sort.Strings(gone)
	for _, name := range gone {
		e.apply(subscription.FieldChange{Field: name, Deleted: true})
	}
}

func (e *Entity) apply(fc subscription.FieldChange) {
	if fc.Deleted {
		delete(e.fields, fc.Field)
	} else {
		e.fields[fc.Field] = fc.Value
	}
	e.byField.Emit(fc.Field, fc)
	e.changes.Emit(fc)
}
