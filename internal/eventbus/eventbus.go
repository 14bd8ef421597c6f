// Package eventbus is the in-process publish/subscribe seam between the
// business operations and the notification pipeline. Subscriptions are
// wired once at startup; there is no global bus instance.
package eventbus

import (
	"context"
	"sync"

	"github.com/hashicorp/go-hclog"

	"github.com/helpdesk-forge/helpdesk/pkg/messaging"
)

// Handler consumes one published event. Handlers must not assume they run
// on any particular goroutine; Publish invokes them synchronously in
// subscription order.
type Handler func(ctx context.Context, ev messaging.Event)

// Bus fans domain events out to its subscribers. A failing or panicking
// subscriber never affects the publisher or the other subscribers.
type Bus struct {
	log hclog.Logger

	mu       sync.RWMutex
	handlers []Handler
}

// New returns an empty bus.
func New(log hclog.Logger) *Bus {
	return &Bus{log: log}
}

// Subscribe registers a handler. Intended for startup wiring; handlers
// cannot be removed.
func (b *Bus) Subscribe(h Handler) {
	b.mu.Lock()
	b.handlers = append(b.handlers, h)
	b.mu.Unlock()
}

// Publish delivers the event to every subscriber in order. Panics are
// contained and logged so event production never takes down the operation
// that fired the event.
func (b *Bus) Publish(ctx context.Context, ev messaging.Event) {
	b.mu.RLock()
	handlers := make([]Handler, len(b.handlers))
	copy(handlers, b.handlers)
	b.mu.RUnlock()

	for _, h := range handlers {
		b.invoke(ctx, h, ev)
	}
}

func (b *Bus) invoke(ctx context.Context, h Handler, ev messaging.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("event subscriber panicked", "event", ev.Type, "panic", r)
		}
	}()
	h(ctx, ev)
}
