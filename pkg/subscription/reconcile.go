package subscription

import "sort"

// Reconcile computes the delta that turns old into next. added keeps the
// order of next and removed the order of old; ids present in both are left
// out. Duplicates are reported once.
func Reconcile(old, next []string) (added, removed []string) {
	o := sortedUnique(old)
	n := sortedUnique(next)

	addSet := make(map[string]struct{})
	removeSet := make(map[string]struct{})
	i, j := 0, 0
	for i < len(o) || j < len(n) {
		switch {
		case j == len(n) || (i < len(o) && o[i] < n[j]):
			removeSet[o[i]] = struct{}{}
			i++
		case i == len(o) || n[j] < o[i]:
			addSet[n[j]] = struct{}{}
			j++
		default:
			i++
			j++
		}
	}

	added = pick(next, addSet)
	removed = pick(old, removeSet)
	return added, removed
}

func sortedUnique(ids []string) []string {
	out := append([]string(nil), ids...)
	sort.Strings(out)
	n := 0
	for i, id := range out {
		if i > 0 && id == out[n-1] {
			continue
		}
		out[n] = id
		n++
	}
	return out[:n]
}

// pick returns the ids of src found in set, in src order, each once.
func pick(src []string, set map[string]struct{}) []string {
	var out []string
	for _, id := range src {
		if _, ok := set[id]; ok {
			out = append(out, id)
			delete(set, id)
		}
	}
	return out
}
