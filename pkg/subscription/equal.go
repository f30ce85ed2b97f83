package subscription

import (
	"reflect"
	"time"

	"github.com/croquet-sync/croquet-go/pkg/wire"
)

// ValuesEqual reports whether two field values are the same. Dates compare
// by millisecond and numbers compare numerically across integer and float
// kinds. Objects and arrays compare deeply.
func ValuesEqual(a, b any) bool {
	if isUndefined(a) || isUndefined(b) {
		return isUndefined(a) && isUndefined(b)
	}
	if a == nil || b == nil {
		return a == nil && b == nil
	}

	switch av := a.(type) {
	case time.Time:
		bv, ok := b.(time.Time)
		return ok && av.UnixMilli() == bv.UnixMilli()
	case *time.Time:
		if av == nil {
			return false
		}
		return ValuesEqual(*av, b)
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	case map[string]any:
		return mapsEqual(av, asMap(b))
	case wire.Payload:
		return mapsEqual(av, asMap(b))
	case []any:
		bv, ok := b.([]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !ValuesEqual(av[i], bv[i]) {
				return false
			}
		}
		return true
	}

	if an, ok := wire.AsFloat(a); ok {
		bn, ok := wire.AsFloat(b)
		return ok && an == bn
	}
	if bt, ok := b.(*time.Time); ok && bt != nil {
		return ValuesEqual(a, *bt)
	}
	return reflect.DeepEqual(a, b)
}

func asMap(v any) map[string]any {
	switch m := v.(type) {
	case map[string]any:
		return m
	case wire.Payload:
		return m
	}
	return nil
}

func mapsEqual(a, b map[string]any) bool {
	if b == nil || len(a) != len(b) {
		return false
	}
	for k, av := range a {
		bv, ok := b[k]
		if !ok || !ValuesEqual(av, bv) {
			return false
		}
	}
	return true
}

func isUndefined(v any) bool {
	_, ok := v.(wire.Undefined)
	return ok
}
