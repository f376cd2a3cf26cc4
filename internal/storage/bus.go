package storage

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Bus connects several views of one shared backend inside a process. A write made
// through one view is announced to the subscribers of every other view, never to
// the writer itself, the same way a browser fires storage events only in the
// other tabs of an origin.
type Bus struct {
	mu   sync.RWMutex
	subs map[string]subscription
}

type subscription struct {
	view string
	fn   func(Event)
}

// NewBus creates an empty Bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[string]subscription)}
}

// View wraps backend so that writes through it are published on the bus.
// Each call returns a view with its own identity.
func (b *Bus) View(backend Backend) *View {
	return &View{
		Backend: backend,
		bus:     b,
		id:      uuid.NewString(),
	}
}

func (b *Bus) publish(event Event) {
	b.mu.RLock()
	targets := make([]func(Event), 0, len(b.subs))
	for _, sub := range b.subs {
		if sub.view != event.Origin {
			targets = append(targets, sub.fn)
		}
	}
	b.mu.RUnlock()

	for _, fn := range targets {
		fn(event)
	}
}

func (b *Bus) subscribe(view string, fn func(Event)) func() {
	id := uuid.NewString()

	b.mu.Lock()
	b.subs[id] = subscription{view: view, fn: fn}
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}

// View is one participant on a Bus. It behaves exactly like the wrapped backend and
// additionally notifies the other views about successful writes.
type View struct {
	Backend

	bus *Bus
	id  string
}

// Compile-time checks to ensure View implements Backend and Notifier
var (
	_ Backend  = (*View)(nil)
	_ Notifier = (*View)(nil)
)

// ID returns the view identity carried in Event.Origin.
func (v *View) ID() string { return v.id }

// Set writes through to the backend and announces the key.
func (v *View) Set(ctx context.Context, key, value string) error {
	if err := v.Backend.Set(ctx, key, value); err != nil {
		return err
	}
	v.bus.publish(Event{Key: key, Origin: v.id})
	return nil
}

// Remove deletes through the backend and announces the key.
func (v *View) Remove(ctx context.Context, key string) error {
	if err := v.Backend.Remove(ctx, key); err != nil {
		return err
	}
	v.bus.publish(Event{Key: key, Origin: v.id})
	return nil
}

// Clear removes every key and announces a single global event.
// Removal continues past failures; the first error is returned.
func (v *View) Clear(ctx context.Context) error {
	keys, err := v.Backend.Keys(ctx)
	if err != nil {
		return err
	}

	var firstErr error
	for _, key := range keys {
		if err := v.Backend.Remove(ctx, key); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	v.bus.publish(Event{Origin: v.id})
	return firstErr
}

// Subscribe receives events from every other view on the bus.
func (v *View) Subscribe(fn func(Event)) func() {
	return v.bus.subscribe(v.id, fn)
}
