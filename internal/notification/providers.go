package notification

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Provider delivers a notification over one channel
type Provider interface {
	Send(ctx context.Context, n *Notification) error
}

// LogProvider writes notifications to the structured log. It backs the
// in-app channel, where the stored inbox is the delivery.
type LogProvider struct {
	logger *slog.Logger
}

// NewLogProvider creates a provider that logs each notification
func NewLogProvider(logger *slog.Logger) *LogProvider {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogProvider{logger: logger}
}

func (p *LogProvider) Send(ctx context.Context, n *Notification) error {
	p.logger.InfoContext(ctx, "notification",
		"id", n.ID,
		"recipient", n.RecipientID,
		"priority", n.Priority,
		"subject", n.Subject,
		"reminder", n.Reminder,
	)
	return nil
}

// MemoryProvider records sent notifications and can be told to fail
type MemoryProvider struct {
	mu       sync.Mutex
	sent     []*Notification
	failures int
}

// NewMemoryProvider creates a recording provider
func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{}
}

func (p *MemoryProvider) Send(ctx context.Context, n *Notification) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failures > 0 {
		p.failures--
		return fmt.Errorf("simulated delivery failure")
	}
	p.sent = append(p.sent, n)
	return nil
}

// FailNext makes the next count sends fail
func (p *MemoryProvider) FailNext(count int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures = count
}

// Sent returns the delivered notifications
func (p *MemoryProvider) Sent() []*Notification {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Notification, len(p.sent))
	copy(out, p.sent)
	return out
}
