package entity

import (
	"fmt"

	"github.com/croquet-sync/croquet-go/pkg/wire"
)

// Query is a named server-side query over one type. Build it with
// Store.Query and send it with Run.
type Query struct {
	store  *Store
	typ    string
	name   string
	offset int
	limit  int
	sort   string
	params map[string]any
}

// Query starts a query named name over typ.
func (s *Store) Query(typ, name string) *Query {
	return &Query{store: s, typ: typ, name: name}
}

// Offset skips the first n results.
func (q *Query) Offset(n int) *Query {
	q.offset = n
	return q
}

// Limit caps the number of results.
func (q *Query) Limit(n int) *Query {
	q.limit = n
	return q
}

// Sort sets the sort expression, e.g. "-created".
func (q *Query) Sort(s string) *Query {
	q.sort = s
	return q
}

// Params sets query parameters. Values must be strings or numbers.
func (q *Query) Params(p map[string]any) *Query {
	q.params = p
	return q
}

// Payload returns the request payload.
func (q *Query) Payload() (wire.Payload, error) {
	p := wire.Payload{"type": q.typ, "query": q.name}
	if q.limit > 0 {
		p["limit"] = int64(q.limit)
	}
	if q.offset > 0 {
		p["offset"] = int64(q.offset)
	}
	if q.sort != "" {
		p["sort"] = q.sort
	}
	if len(q.params) > 0 {
		params := make(map[string]any, len(q.params))
		for k, v := range q.params {
			switch v.(type) {
			case string, float64, float32, int, int32, int64, uint, uint32, uint64:
				params[k] = v
			default:
				return nil, fmt.Errorf("%w: parameter %q has type %T", ErrUnsupportedValue, k, v)
			}
		}
		p["params"] = params
	}
	return p, nil
}

// Run sends the query and calls cb with the matching model keys.
func (q *Query) Run(cb func(ids []string, err error)) {
	if cb == nil {
		panic(ErrMissingCallback)
	}
	if err := q.store.checkType(q.typ); err != nil {
		cb(nil, err)
		return
	}
	p, err := q.Payload()
	if err != nil {
		cb(nil, err)
		return
	}
	q.store.rpc.Call(TypeQuery, p, func(value any, err error) {
		if err != nil {
			cb(nil, fmt.Errorf("query %s/%s: %w", q.typ, q.name, err))
			return
		}
		ids, err := keyList(value)
		if err != nil {
			cb(nil, fmt.Errorf("query %s/%s: %w", q.typ, q.name, err))
			return
		}
		cb(ids, nil)
	})
}

// RunEntities runs the query and fetches every result. Results that no
// longer exist are left out; the order of the query is kept.
func (q *Query) RunEntities(cb func(entities []*Entity, err error)) {
	if cb == nil {
		panic(ErrMissingCallback)
	}
	q.Run(func(ids []string, err error) {
		if err != nil || len(ids) == 0 {
			cb(nil, err)
			return
		}
		fetched := make([]*Entity, len(ids))
		remaining := len(ids)
		for i, id := range ids {
			q.store.Fetch(id, func(e *Entity) {
				fetched[i] = e
				if remaining--; remaining > 0 {
					return
				}
				out := make([]*Entity, 0, len(fetched))
				for _, m := range fetched {
					if m != nil {
						out = append(out, m)
					}
				}
				cb(out, nil)
			})
		}
	})
}

func keyList(v any) ([]string, error) {
	switch l := v.(type) {
	case nil:
		return nil, nil
	case []string:
		return l, nil
	case []any:
		out := make([]string, 0, len(l))
		for _, e := range l {
			s, ok := e.(string)
			if !ok {
				return nil, fmt.Errorf("%w: result id is %T", wire.ErrInvalidField, e)
			}
			out = append(out, s)
		}
		return out, nil
	}
	return nil, fmt.Errorf("%w: result is %T", wire.ErrInvalidField, v)
}
