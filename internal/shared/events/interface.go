package events

import (
	"context"
	"fmt"
	"time"

	"github.com/rehabmotion/platform/internal/shared/config"
)

// EventBus defines the interface for event publishing and subscription
type EventBus interface {
	// Publish publishes an event to the bus
	Publish(ctx context.Context, event Event) error

	// Subscribe creates a subscription to events matching a pattern
	Subscribe(ctx context.Context, pattern string, consumerName string, handler Handler) error

	// Close closes the event bus connection
	Close()

	// Health checks the event bus connection
	Health() error
}

// NewEventBus returns the KurrentDB bus when it is enabled and reachable,
// and the in-process bus otherwise. The second return value names the
// transport for logging.
func NewEventBus(ctx context.Context, cfg config.KurrentDBConfig) (EventBus, string, error) {
	if !cfg.Enabled {
		return NewMemoryBus(), "memory", nil
	}

	bus, err := tryGRPCBus(ctx, cfg)
	if err != nil {
		return nil, "", fmt.Errorf("failed to connect to KurrentDB: %w", err)
	}
	return bus, "grpc", nil
}

// tryGRPCBus attempts to create a gRPC-based event bus
func tryGRPCBus(ctx context.Context, cfg config.KurrentDBConfig) (EventBus, error) {
	timeoutCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	bus, err := NewBus(timeoutCtx, cfg)
	if err != nil {
		return nil, err
	}

	// Test the connection with a health check
	if err := bus.Health(); err != nil {
		bus.Close()
		return nil, fmt.Errorf("gRPC health check failed: %w", err)
	}

	return bus, nil
}

// Ensure Bus implements EventBus
var _ EventBus = (*Bus)(nil)

// Ensure MemoryBus implements EventBus
var _ EventBus = (*MemoryBus)(nil)
