package subscription

import (
	"fmt"
	"sort"

	"github.com/croquet-sync/croquet-go/pkg/event"
	"github.com/croquet-sync/croquet-go/pkg/wire"
)

// FieldChange is a field event of a model.
type FieldChange struct {
	Field string
	Value any

	// Deleted is set when the field was removed; Value is then nil.
	Deleted bool
}

// ModelSub is the subscription of a single model. Its value is a field map.
type ModelSub struct {
	base
	data   map[string]any
	fields event.Emitter[FieldChange]
}

func newModelSub(c *Cache, key string) *ModelSub {
	return &ModelSub{
		base: base{cache: c, key: key},
		data: make(map[string]any),
	}
}

// Value returns a copy of the field map.
func (s *ModelSub) Value() map[string]any {
	out := make(map[string]any, len(s.data))
	for k, v := range s.data {
		out[k] = v
	}
	return out
}

// Field returns the cached value of one field.
func (s *ModelSub) Field(name string) (any, bool) {
	v, ok := s.data[name]
	return v, ok
}

// OnField registers fn for field changes. The initial value is delivered
// through WhenReady, not as field events.
func (s *ModelSub) OnField(fn func(FieldChange)) event.Handle {
	return s.fields.On(fn)
}

// Listeners returns the number of field listeners.
func (s *ModelSub) Listeners() int { return s.fields.Len() }

func (s *ModelSub) initial(value any) {
	m, err := fieldMap(value)
	if err != nil {
		s.cache.logger.Warn("unexpected model value", "key", s.key, "error", err)
		return
	}
	for k, v := range m {
		if !isUndefined(v) {
			s.data[k] = v
		}
	}
}

func (s *ModelSub) reconcile(value any) {
	if err := s.apply(value); err != nil {
		s.cache.logger.Warn("unexpected model value", "key", s.key, "error", err)
	}
}

func (s *ModelSub) apply(diff any) error {
	m, err := fieldMap(diff)
	if err != nil {
		return err
	}
	s.Publish(m)
	return nil
}

// Publish merges fields into the cached value and emits a FieldChange for
// every field whose value actually changed. Fields are visited in name
// order.
func (s *ModelSub) Publish(fields map[string]any) {
	names := make([]string, 0, len(fields))
	for k := range fields {
		names = append(names, k)
	}
	sort.Strings(names)

	for _, name := range names {
		v := fields[name]
		old, had := s.data[name]
		if isUndefined(v) {
			if had {
				delete(s.data, name)
				s.fields.Emit(FieldChange{Field: name, Deleted: true})
			}
			continue
		}
		if had && ValuesEqual(old, v) {
			continue
		}
		s.data[name] = v
		s.fields.Emit(FieldChange{Field: name, Value: v})
	}
}

func fieldMap(v any) (map[string]any, error) {
	switch m := v.(type) {
	case map[string]any:
		return m, nil
	case wire.Payload:
		return m, nil
	case nil:
		return nil, nil
	}
	return nil, fmt.Errorf("%w: model value is %T", wire.ErrInvalidField, v)
}
