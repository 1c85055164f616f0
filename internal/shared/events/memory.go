package events

import (
	"context"
	"log/slog"
	"sync"
)

// MemoryBus delivers events synchronously to in-process subscribers. It is
// used for single-node deployments and tests; nothing is persisted.
type MemoryBus struct {
	mu     sync.RWMutex
	subs   []memorySub
	closed bool
}

type memorySub struct {
	pattern  string
	consumer string
	handler  Handler
	ctx      context.Context
}

// NewMemoryBus creates an empty in-process bus
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{}
}

// Publish hands the event to every matching subscriber in subscription
// order. Handler errors are logged and do not fail the publisher.
func (b *MemoryBus) Publish(ctx context.Context, event Event) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrBusClosed
	}
	subs := make([]memorySub, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	for _, s := range subs {
		if s.ctx.Err() != nil || !matchesPattern(event.Type, s.pattern) {
			continue
		}
		if err := s.handler(ctx, event); err != nil {
			slog.Error("event handler failed",
				"consumer", s.consumer, "event_id", event.ID, "type", event.Type, "error", err)
		}
	}
	return nil
}

// Subscribe registers handler for events matching pattern until ctx ends.
func (b *MemoryBus) Subscribe(ctx context.Context, pattern string, consumerName string, handler Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBusClosed
	}
	b.subs = append(b.subs, memorySub{pattern: pattern, consumer: consumerName, handler: handler, ctx: ctx})
	return nil
}

// Close drops all subscribers
func (b *MemoryBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.subs = nil
}

// Health reports whether the bus is open
func (b *MemoryBus) Health() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrBusClosed
	}
	return nil
}
