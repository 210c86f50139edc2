// Package memory provides an in-process event publisher that fans events out to
// subscribed handlers, e.g. local projection builders.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/hiran-hiran/outbox"
)

var _ outbox.EventPublisher = (*Bus)(nil)

// AllEvents subscribes a handler to every event type.
const AllEvents = "*"

// Handler processes a published event.
type Handler func(ctx context.Context, event *outbox.Event) error

// Bus delivers each event synchronously to the handlers subscribed to its type.
// Publish fails with outbox.ErrDeliveryFailed if any handler fails; handlers
// must therefore tolerate receiving the same event again.
type Bus struct {
	mu        sync.RWMutex
	subs      map[string][]Handler
	record    bool
	published []*outbox.Event
	rejectFn  func(*outbox.Event) error
}

// BusOption configures a Bus.
type BusOption func(*Bus)

// WithRecording keeps every accepted event so that Published can return it.
// The history is never trimmed, so it is meant for tests and short-lived tools.
func WithRecording() BusOption {
	return func(b *Bus) {
		b.record = true
	}
}

// NewBus creates a Bus without subscribers.
func NewBus(opts ...BusOption) *Bus {
	b := &Bus{
		subs: make(map[string][]Handler),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers h for events of the given type, or AllEvents.
func (b *Bus) Subscribe(eventType string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[eventType] = append(b.subs[eventType], h)
}

// RejectWith installs a hook consulted before delivery; a non-nil error rejects
// the event. Pass nil to accept everything again.
func (b *Bus) RejectWith(fn func(*outbox.Event) error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rejectFn = fn
}

func (b *Bus) Publish(ctx context.Context, event *outbox.Event) error {
	b.mu.RLock()
	reject := b.rejectFn
	handlers := append([]Handler(nil), b.subs[event.EventType()]...)
	handlers = append(handlers, b.subs[AllEvents]...)
	b.mu.RUnlock()

	if reject != nil {
		if err := reject(event); err != nil {
			return outbox.DeliveryFailed(event, err)
		}
	}

	var errs []error
	for _, h := range handlers {
		if err := h(ctx, event); err != nil {
			errs = append(errs, fmt.Errorf("handler for %s: %w", event.EventType(), err))
		}
	}
	if len(errs) > 0 {
		return outbox.DeliveryFailed(event, errors.Join(errs...))
	}

	if b.record {
		b.mu.Lock()
		b.published = append(b.published, event)
		b.mu.Unlock()
	}
	return nil
}

// Published returns the events accepted so far, in delivery order. It is empty
// unless the Bus was created WithRecording.
func (b *Bus) Published() []*outbox.Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]*outbox.Event(nil), b.published...)
}
