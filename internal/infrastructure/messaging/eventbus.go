// Package messaging implements a synchronous in-memory event bus for task and
// aggregation lifecycle events. Suitable for single-instance deployments.
package messaging

import (
	"context"
	"log/slog"
	"sync"

	"github.com/edustats-hub/assessment-hub/internal/domain/shared"
)

// Handler processes one published event.
type Handler func(ctx context.Context, event shared.Event) error

// Bus dispatches events to subscribed handlers in subscription order.
// Handler errors are logged and never propagate to publishers.
type Bus struct {
	mu       sync.RWMutex
	handlers map[shared.EventType][]Handler
	logger   *slog.Logger
}

// NewBus creates an event bus.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		handlers: make(map[shared.EventType][]Handler),
		logger:   logger,
	}
}

// Subscribe registers a handler for an event type.
func (b *Bus) Subscribe(eventType shared.EventType, handler Handler) {
	if handler == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventType] = append(b.handlers[eventType], handler)
}

// Publish dispatches an event synchronously to all handlers of its type.
func (b *Bus) Publish(ctx context.Context, event shared.Event) {
	b.mu.RLock()
	handlers := b.handlers[event.Type()]
	b.mu.RUnlock()

	for _, handler := range handlers {
		if err := handler(ctx, event); err != nil {
			b.logger.Error("event handler failed",
				"event_type", string(event.Type()), "error", err)
		}
	}
}
