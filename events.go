package engicom

import "sync"

// emitter fans typed events out to registered handlers. Handlers run on the
// emitting goroutine after the owner's lock has been released.
type emitter[E any] struct {
	mu       sync.RWMutex
	handlers []func(E)
}

func (e *emitter[E]) on(h func(E)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers = append(e.handlers, h)
}

func (e *emitter[E]) emit(ev E) {
	e.mu.RLock()
	handlers := append([]func(E){}, e.handlers...)
	e.mu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() { recover() }() // swallow panics in user callbacks
			h(ev)
		}()
	}
}
