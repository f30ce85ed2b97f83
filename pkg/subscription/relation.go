package subscription

import (
	"fmt"
	"strconv"

	"github.com/croquet-sync/croquet-go/pkg/event"
	"github.com/croquet-sync/croquet-go/pkg/wire"
)

// RelationSub is the subscription of a relation. Its value is an ordered,
// duplicate-free list of model keys.
type RelationSub struct {
	base
	ids     []string
	members map[string]struct{}

	added   event.Emitter[[]string]
	removed event.Emitter[[]string]
}

func newRelationSub(c *Cache, key string) *RelationSub {
	return &RelationSub{
		base:    base{cache: c, key: key},
		members: make(map[string]struct{}),
	}
}

// IDs returns a copy of the member ids in order.
func (s *RelationSub) IDs() []string {
	return append([]string(nil), s.ids...)
}

// Has reports whether id is a member.
func (s *RelationSub) Has(id string) bool {
	_, ok := s.members[id]
	return ok
}

// Len returns the number of members.
func (s *RelationSub) Len() int { return len(s.ids) }

// OnAdd registers fn for added ids. The initial value is delivered through
// WhenReady, not as add events.
func (s *RelationSub) OnAdd(fn func(ids []string)) event.Handle {
	return s.added.On(fn)
}

// OnRemove registers fn for removed ids.
func (s *RelationSub) OnRemove(fn func(ids []string)) event.Handle {
	return s.removed.On(fn)
}

// Listeners returns the number of add and remove listeners.
func (s *RelationSub) Listeners() int { return s.added.Len() + s.removed.Len() }

func (s *RelationSub) initial(value any) {
	ids, err := idList(value)
	if err != nil {
		s.cache.logger.Warn("unexpected relation value", "key", s.key, "error", err)
		return
	}
	s.insert(ids)
}

// reconcile replaces the members with value, emitting only the delta.
func (s *RelationSub) reconcile(value any) {
	ids, err := idList(value)
	if err != nil {
		s.cache.logger.Warn("unexpected relation value", "key", s.key, "error", err)
		return
	}
	added, removed := Reconcile(s.ids, ids)
	s.Update(added, removed)
}

func (s *RelationSub) apply(diff any) error {
	var add, remove []string
	var err error
	switch d := diff.(type) {
	case []any, []string:
		add, err = idList(d)
	case map[string]any:
		if add, err = idList(d["add"]); err == nil {
			remove, err = idList(d["remove"])
		}
	case wire.Payload:
		return s.apply(map[string]any(d))
	default:
		err = fmt.Errorf("%w: relation diff is %T", wire.ErrInvalidField, diff)
	}
	if err != nil {
		return err
	}
	s.Update(add, remove)
	return nil
}

// Update removes then adds ids and emits the effective changes: removals
// first, then additions. Additions are appended in the given order.
func (s *RelationSub) Update(add, remove []string) {
	var removed []string
	for _, id := range remove {
		if _, ok := s.members[id]; !ok {
			continue
		}
		delete(s.members, id)
		removed = append(removed, id)
	}
	if len(removed) > 0 {
		kept := s.ids[:0]
		for _, id := range s.ids {
			if _, ok := s.members[id]; ok {
				kept = append(kept, id)
			}
		}
		s.ids = kept
	}

	added := s.insert(add)

	if len(removed) > 0 {
		s.removed.Emit(removed)
	}
	if len(added) > 0 {
		s.added.Emit(added)
	}
}

func (s *RelationSub) insert(ids []string) []string {
	var added []string
	for _, id := range ids {
		if _, ok := s.members[id]; ok {
			continue
		}
		s.members[id] = struct{}{}
		s.ids = append(s.ids, id)
		added = append(added, id)
	}
	return added
}

func idList(v any) ([]string, error) {
	switch l := v.(type) {
	case nil, wire.Undefined:
		return nil, nil
	case []string:
		return l, nil
	case []any:
		out := make([]string, 0, len(l))
		for _, e := range l {
			id, err := idString(e)
			if err != nil {
				return nil, err
			}
			out = append(out, id)
		}
		return out, nil
	}
	return nil, fmt.Errorf("%w: id list is %T", wire.ErrInvalidField, v)
}

func idString(v any) (string, error) {
	switch id := v.(type) {
	case string:
		return id, nil
	case int64:
		return strconv.FormatInt(id, 10), nil
	case float64:
		return strconv.FormatFloat(id, 'f', -1, 64), nil
	}
	return "", fmt.Errorf("%w: id is %T", wire.ErrInvalidField, v)
}
