package event

// Keyed is a set of emitters indexed by topic.
type Keyed[K comparable, E any] struct {
	topics map[K]*Emitter[E]
}

// On registers fn for topic k.
func (k *Keyed[K, E]) On(key K, fn func(E)) Handle {
	if k.topics == nil {
		k.topics = make(map[K]*Emitter[E])
	}
	em, ok := k.topics[key]
	if !ok {
		em = &Emitter[E]{}
		k.topics[key] = em
	}
	h := em.On(fn)
	return Handle{off: func() {
		h.Off()
		if em.Len() == 0 && k.topics[key] == em {
			delete(k.topics, key)
		}
	}}
}

// Emit delivers v to the listeners of topic key.
func (k *Keyed[K, E]) Emit(key K, v E) {
	if em, ok := k.topics[key]; ok {
		em.Emit(v)
	}
}

// Len returns the number of listeners on topic key.
func (k *Keyed[K, E]) Len(key K) int {
	if em, ok := k.topics[key]; ok {
		return em.Len()
	}
	return 0
}

// Keys returns every topic that has at least one listener.
func (k *Keyed[K, E]) Keys() []K {
	keys := make([]K, 0, len(k.topics))
	for key := range k.topics {
		keys = append(keys, key)
	}
	return keys
}

// Clear removes every listener on every topic.
func (k *Keyed[K, E]) Clear() {
	for _, em := range k.topics {
		em.Clear()
	}
	k.topics = nil
}
