package entity

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/croquet-sync/croquet-go/pkg/subscription"
	"github.com/croquet-sync/croquet-go/pkg/wire"
)

// Message types sent by the store.
const (
	TypeCreate = "create"
	TypeUpdate = "update"
	TypeDelete = "delete"
	TypeQuery  = "query"
)

// Entity errors.
var (
	// ErrAlreadyHot is the panic value for heating a hot entity or list.
	ErrAlreadyHot = errors.New("already hot")

	// ErrAlreadyCold is the panic value for freezing a cold entity or list.
	ErrAlreadyCold = errors.New("already cold")

	// ErrNilComparator is the panic value for sorting without a comparator.
	ErrNilComparator = errors.New("sort requires a comparator")

	// ErrMissingCallback is the panic value for a fetch without callback.
	ErrMissingCallback = errors.New("callback required")

	// ErrUnknownType is returned for types outside the configured datatypes.
	ErrUnknownType = errors.New("unknown datatype")

	// ErrUnsupportedValue is returned for field values that cannot be sent.
	ErrUnsupportedValue = errors.New("unsupported field value")

	// ErrValidation is returned when the server rejects the data.
	ErrValidation = errors.New("validation failed")
)

// Config configures a Store.
type Config struct {
	// Datatypes restricts fetches and data operations to these types.
	// Empty allows every type.
	Datatypes []string

	// Logger is the optional logger for debug output.
	// If nil, logging is disabled.
	Logger *slog.Logger
}

// Store fetches entities and lists and sends data operations. All methods
// must be called on the loop.
type Store struct {
	cache  *subscription.Cache
	rpc    subscription.Caller
	types  map[string]struct{}
	logger *slog.Logger
}

// NewStore creates a store on top of cache.
func NewStore(cache *subscription.Cache, caller subscription.Caller, cfg Config) *Store {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	s := &Store{
		cache:  cache,
		rpc:    caller,
		logger: cfg.Logger.With("component", "entity"),
	}
	if len(cfg.Datatypes) > 0 {
		s.types = make(map[string]struct{}, len(cfg.Datatypes))
		for _, t := range cfg.Datatypes {
			s.types[t] = struct{}{}
		}
	}
	return s
}

// Datatypes returns the configured types in sorted order.
func (s *Store) Datatypes() []string {
	out := make([]string, 0, len(s.types))
	for t := range s.types {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func (s *Store) checkType(typ string) error {
	if typ == "" {
		return fmt.Errorf("%w: empty type", ErrUnknownType)
	}
	if s.types == nil {
		return nil
	}
	if _, ok := s.types[typ]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownType, typ)
	}
	return nil
}

// Fetch calls cb with a cold entity for key, or with nil if the key is
// invalid or its type is not configured.
func (s *Store) Fetch(key string, cb func(*Entity)) {
	if cb == nil {
		panic(ErrMissingCallback)
	}
	if !subscription.IsModelKey(key) {
		s.logger.Debug("fetch of non-model key", "key", key)
		cb(nil)
		return
	}
	if err := s.checkType(subscription.KeyType(key)); err != nil {
		s.logger.Debug("fetch rejected", "key", key, "error", err)
		cb(nil)
		return
	}
	s.cache.GetModel(key, func(sub *subscription.ModelSub) {
		if sub == nil {
			cb(nil)
			return
		}
		cb(newEntity(s, key, sub.Value()))
	})
}

// FetchVia follows a chain of reference fields starting at e and calls cb
// with the entity at the end, or nil if any link is missing. With one field
// it fetches the entity that field references.
func (s *Store) FetchVia(e *Entity, fields []string, cb func(*Entity)) {
	if cb == nil {
		panic(ErrMissingCallback)
	}
	if len(fields) == 0 {
		panic(errors.New("FetchVia requires at least one field"))
	}
	s.fetchVia(e.fields, fields, cb)
}

func (s *Store) fetchVia(values map[string]any, fields []string, cb func(*Entity)) {
	ref, _ := values[fields[0]].(string)
	if !subscription.IsModelKey(ref) {
		cb(nil)
		return
	}
	if len(fields) == 1 {
		s.Fetch(ref, cb)
		return
	}
	s.cache.GetModel(ref, func(sub *subscription.ModelSub) {
		if sub == nil {
			cb(nil)
			return
		}
		s.fetchVia(sub.Value(), fields[1:], cb)
	})
}

// Related calls cb with the list of typ models whose field references e.
// An empty field defaults to e's type, so Related(user, "listing", "", cb)
// lists "listing(user=user/5)".
func (s *Store) Related(e *Entity, typ, field string, cb func(*List)) {
	if field == "" {
		field = e.Type()
	}
	key := subscription.RelationKey{Type: typ, Field: field, ID: e.ID()}
	s.FetchList(key.String(), cb)
}

// FetchList calls cb with a cold list holding every member of the relation
// key, or with nil if the key is invalid. Members that no longer exist are
// left out.
func (s *Store) FetchList(key string, cb func(*List)) {
	if cb == nil {
		panic(ErrMissingCallback)
	}
	rk, ok := subscription.ParseRelationKey(key)
	if !ok {
		s.logger.Debug("fetch of malformed relation key", "key", key)
		cb(nil)
		return
	}
	if err := s.checkType(rk.Type); err != nil {
		s.logger.Debug("fetch rejected", "key", key, "error", err)
		cb(nil)
		return
	}

	s.cache.GetRelation(key, func(sub *subscription.RelationSub) {
		if sub == nil {
			cb(nil)
			return
		}
		l := newList(s, rk.Type, key)
		ids := sub.IDs()
		if len(ids) == 0 {
			cb(l)
			return
		}

		fetched := make([]*Entity, len(ids))
		remaining := len(ids)
		for i, id := range ids {
			s.Fetch(id, func(e *Entity) {
				fetched[i] = e
				if remaining--; remaining > 0 {
					return
				}
				for _, m := range fetched {
					if m != nil {
						l.items = append(l.items, m)
					}
				}
				cb(l)
			})
		}
	})
}

// Create creates a model of typ and calls cb with its key.
func (s *Store) Create(typ string, data map[string]any, cb func(key string, err error)) {
	if cb == nil {
		cb = func(string, error) {}
	}
	if err := s.checkType(typ); err != nil {
		cb("", err)
		return
	}
	converted, err := convert(data)
	if err != nil {
		cb("", err)
		return
	}
	s.rpc.Call(TypeCreate, wire.Payload{"type": typ, "data": converted}, func(value any, err error) {
		if err != nil {
			cb("", fmt.Errorf("create %s: %w", typ, err))
			return
		}
		key, ok := value.(string)
		if !ok || key == "" {
			cb("", fmt.Errorf("create %s: %w", typ, ErrValidation))
			return
		}
		cb(key, nil)
	})
}

// Update applies diff to the model key.
func (s *Store) Update(key string, diff map[string]any, cb func(error)) {
	s.modify(TypeUpdate, key, diff, cb)
}

// Delete deletes the model key.
func (s *Store) Delete(key string, cb func(error)) {
	s.modify(TypeDelete, key, nil, cb)
}

func (s *Store) modify(op, key string, diff map[string]any, cb func(error)) {
	if cb == nil {
		cb = func(error) {}
	}
	if !subscription.IsModelKey(key) {
		cb(fmt.Errorf("%s %q: %w", op, key, ErrUnknownType))
		return
	}
	if err := s.checkType(subscription.KeyType(key)); err != nil {
		cb(err)
		return
	}

	payload := wire.Payload{"key": key}
	if op == TypeUpdate {
		converted, err := convert(diff)
		if err != nil {
			cb(err)
			return
		}
		payload["diff"] = converted
	}

	s.rpc.Call(op, payload, func(value any, err error) {
		if err != nil {
			cb(fmt.Errorf("%s %s: %w", op, key, err))
			return
		}
		if ok, _ := value.(bool); !ok {
			cb(fmt.Errorf("%s %s: %w", op, key, ErrValidation))
			return
		}
		cb(nil)
	})
}

// convert replaces entities by their keys and rejects values that cannot
// be sent.
func convert(data map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(data))
	for k, v := range data {
		switch d := v.(type) {
		case *Entity:
			if d == nil {
				out[k] = nil
				continue
			}
			out[k] = d.ID()
		case []*Entity:
			ids := make([]any, len(d))
			for i, e := range d {
				ids[i] = e.ID()
			}
			out[k] = ids
		case nil, string, bool, float64, float32, int, int8, int16, int32, int64,
			uint, uint8, uint16, uint32, uint64, time.Time,
			map[string]any, wire.Payload, []any, []string:
			out[k] = v
		default:
			return nil, fmt.Errorf("%w: field %q has type %T", ErrUnsupportedValue, k, v)
		}
	}
	return out, nil
}
