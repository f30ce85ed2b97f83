package event

// Handle removes a listener registration. The zero Handle is valid and does
// nothing.
type Handle struct {
	off func()
}

// Off removes the listener. Safe to call more than once.
func (h Handle) Off() {
	if h.off != nil {
		h.off()
	}
}

// Observable is implemented by containers that publish events of type E.
type Observable[E any] interface {
	Subscribe(fn func(E)) Handle
}

type listener[E any] struct {
	fn      func(E)
	once    bool
	removed bool
}

// Emitter is an ordered observer list.
type Emitter[E any] struct {
	listeners []*listener[E]
}

// On registers fn and returns a handle that removes it.
func (e *Emitter[E]) On(fn func(E)) Handle {
	return e.add(&listener[E]{fn: fn})
}

// Once registers fn to be called for the next event only.
func (e *Emitter[E]) Once(fn func(E)) Handle {
	return e.add(&listener[E]{fn: fn, once: true})
}

// Subscribe is an alias of On that makes Emitter an Observable.
func (e *Emitter[E]) Subscribe(fn func(E)) Handle {
	return e.On(fn)
}

func (e *Emitter[E]) add(l *listener[E]) Handle {
	e.listeners = append(e.listeners, l)
	return Handle{off: func() { e.remove(l) }}
}

func (e *Emitter[E]) remove(l *listener[E]) {
	if l.removed {
		return
	}
	l.removed = true
	for i, cur := range e.listeners {
		if cur == l {
			e.listeners = append(e.listeners[:i:i], e.listeners[i+1:]...)
			return
		}
	}
}

// Emit calls every listener registered at the time of the call, in
// registration order. Listeners removed while emitting are skipped.
func (e *Emitter[E]) Emit(v E) {
	if len(e.listeners) == 0 {
		return
	}
	snapshot := make([]*listener[E], len(e.listeners))
	copy(snapshot, e.listeners)

	for _, l := range snapshot {
		if l.removed {
			continue
		}
		if l.once {
			e.remove(l)
		}
		l.fn(v)
	}
}

// Len returns the number of registered listeners.
func (e *Emitter[E]) Len() int {
	return len(e.listeners)
}

// Clear removes every listener.
func (e *Emitter[E]) Clear() {
	for _, l := range e.listeners {
		l.removed = true
	}
	e.listeners = nil
}
