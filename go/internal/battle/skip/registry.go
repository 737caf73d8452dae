// Package skip holds the single cancellable action for the current phase.
//
// A Registry belongs to one match session. Skips requested before any phase
// has registered a handler are remembered and delivered to the next handler,
// so a click that lands during a phase transition is never lost.
package skip

import (
	"sync"

	"github.com/rs/zerolog/log"
)

// Handler is the phase's cancellable action.
type Handler func()

// Listener is told whether a handler is currently registered.
type Listener func(hasHandler bool)

// Registry is a single-slot holder for the current phase's skip handler.
type Registry struct {
	mu        sync.Mutex
	handler   Handler
	pending   bool
	nextID    int
	listeners map[int]Listener
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{listeners: make(map[int]Listener)}
}

// SetHandler replaces the current handler (nil clears it) and notifies
// listeners. If a skip was pending, fn runs immediately and the slot is left
// empty again.
func (r *Registry) SetHandler(fn Handler) {
	r.mu.Lock()
	r.handler = fn
	consume := fn != nil && r.pending
	if consume {
		r.pending = false
		r.handler = nil
	}
	listeners := r.snapshotLocked()
	r.mu.Unlock()

	notify(listeners, fn != nil)
	if consume {
		log.Debug().Msg("consuming pending skip on handler registration")
		notify(listeners, false)
		fn()
	}
}

// Clear removes the current handler without running it.
func (r *Registry) Clear() {
	r.SetHandler(nil)
}

// Skip runs and clears the current handler, or records a pending skip when
// no handler is registered.
func (r *Registry) Skip() {
	r.mu.Lock()
	fn := r.handler
	if fn == nil {
		r.pending = true
		r.mu.Unlock()
		log.Debug().Msg("skip requested with no handler; marked pending")
		return
	}
	r.handler = nil
	listeners := r.snapshotLocked()
	r.mu.Unlock()

	notify(listeners, false)
	fn()
}

// HasHandler reports whether a handler is registered.
func (r *Registry) HasHandler() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.handler != nil
}

// Pending reports whether a skip is waiting for a handler.
func (r *Registry) Pending() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pending
}

// DiscardPending forgets a pending skip, for example when a match is torn down.
func (r *Registry) DiscardPending() {
	r.mu.Lock()
	r.pending = false
	r.mu.Unlock()
}

// OnChange subscribes to handler-presence changes. The returned func unsubscribes.
func (r *Registry) OnChange(l Listener) func() {
	r.mu.Lock()
	r.nextID++
	id := r.nextID
	r.listeners[id] = l
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		delete(r.listeners, id)
		r.mu.Unlock()
	}
}

func (r *Registry) snapshotLocked() []Listener {
	out := make([]Listener, 0, len(r.listeners))
	for _, l := range r.listeners {
		out = append(out, l)
	}
	return out
}

func notify(listeners []Listener, has bool) {
	for _, l := range listeners {
		l(has)
	}
}
