// Package bus is the decoupled notification channel for battle events.
package bus

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog/log"
)

// ErrClosed is returned by Emit after Close.
var ErrClosed = errors.New("event bus closed")

// Wildcard subscribes a handler to every event name.
const Wildcard = "*"

// Event is one emitted notification.
type Event struct {
	Name   string
	Detail any
}

// Handler receives events.
type Handler func(ctx context.Context, ev Event)

// Bus is what the round core needs from an event bus.
type Bus interface {
	Emit(ctx context.Context, name string, detail any) error
	On(name string, h Handler) (unsubscribe func())
}

type subscription struct {
	id int
	h  Handler
}

// Local is a synchronous in-process bus. Handlers run on the emitting
// goroutine in subscription order, named handlers before wildcard ones.
type Local struct {
	mu     sync.RWMutex
	nextID int
	subs   map[string][]subscription
	closed bool
}

// NewLocal creates an empty bus.
func NewLocal() *Local {
	return &Local{subs: make(map[string][]subscription)}
}

// Emit delivers the event to every matching handler. A panicking handler is
// logged and skipped; it never prevents delivery to the rest.
func (b *Local) Emit(ctx context.Context, name string, detail any) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrClosed
	}
	targets := make([]subscription, 0, len(b.subs[name])+len(b.subs[Wildcard]))
	targets = append(targets, b.subs[name]...)
	targets = append(targets, b.subs[Wildcard]...)
	b.mu.RUnlock()

	ev := Event{Name: name, Detail: detail}
	for _, sub := range targets {
		if !b.subscribed(name, sub.id) {
			continue
		}
		deliver(ctx, sub.h, ev)
	}
	return nil
}

// On subscribes h to name (or Wildcard).
func (b *Local) On(name string, h Handler) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs[name] = append(b.subs[name], subscription{id: id, h: h})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			list := b.subs[name]
			for i, sub := range list {
				if sub.id == id {
					b.subs[name] = append(list[:i:i], list[i+1:]...)
					break
				}
			}
			if len(b.subs[name]) == 0 {
				delete(b.subs, name)
			}
		})
	}
}

// Close drops all subscriptions and rejects further emits.
func (b *Local) Close() {
	b.mu.Lock()
	b.closed = true
	b.subs = make(map[string][]subscription)
	b.mu.Unlock()
}

// subscribed reports whether id is still attached, so a handler that
// unsubscribes a later sibling mid-emit stops that sibling from running.
func (b *Local) subscribed(name string, id int) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, key := range []string{name, Wildcard} {
		for _, sub := range b.subs[key] {
			if sub.id == id {
				return true
			}
		}
	}
	return false
}

func deliver(ctx context.Context, h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("event", ev.Name).
				Interface("panic", r).
				Msg("event handler panicked")
		}
	}()
	h(ctx, ev)
}
