package notification

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rehabmotion/platform/internal/shared/config"
	"github.com/rehabmotion/platform/internal/shared/errors"
	"github.com/rehabmotion/platform/internal/shared/metrics"
	"github.com/rehabmotion/platform/internal/shared/types"
)

// Service queues notifications and delivers them on a worker pool
type Service struct {
	providers map[Channel]Provider
	logger    *slog.Logger

	// State
	mu    sync.RWMutex
	inbox map[types.ID][]*Notification
	stats Stats

	// Processing
	notifCh chan *Notification
	workers int

	// Lifecycle
	started bool
	stopped bool
	stopCh  chan struct{}
	wg      sync.WaitGroup

	config ServiceConfig
}

// ServiceConfig holds service configuration
type ServiceConfig struct {
	Workers       int
	BufferSize    int
	RetryAttempts int
	RetryDelay    time.Duration
}

// DefaultServiceConfig returns default configuration
func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		Workers:       2,
		BufferSize:    256,
		RetryAttempts: 3,
		RetryDelay:    30 * time.Second,
	}
}

// ConfigFrom maps the environment configuration onto the service config.
func ConfigFrom(cfg config.NotificationConfig) ServiceConfig {
	out := DefaultServiceConfig()
	if cfg.Workers > 0 {
		out.Workers = cfg.Workers
	}
	if cfg.BufferSize > 0 {
		out.BufferSize = cfg.BufferSize
	}
	if cfg.RetryAttempts > 0 {
		out.RetryAttempts = cfg.RetryAttempts
	}
	return out
}

// NewService creates a new notification service. Channels without a
// provider fail delivery.
func NewService(providers map[Channel]Provider, cfg ServiceConfig, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		providers: providers,
		logger:    logger.With("component", "notification"),
		inbox:     make(map[types.ID][]*Notification),
		stats:     Stats{ByPriority: make(map[Priority]int64)},
		notifCh:   make(chan *Notification, cfg.BufferSize),
		workers:   cfg.Workers,
		stopCh:    make(chan struct{}),
		config:    cfg,
	}
}

// Start starts the notification workers
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("service already started")
	}
	s.started = true
	s.mu.Unlock()

	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go s.worker(ctx)
	}

	return nil
}

// Stop stops the workers and waits for them to exit
func (s *Service) Stop() error {
	s.mu.Lock()
	if !s.started || s.stopped {
		s.mu.Unlock()
		return fmt.Errorf("service not running")
	}
	s.stopped = true
	s.mu.Unlock()

	close(s.stopCh)
	s.wg.Wait()

	return nil
}

// Send queues a notification for delivery and files it in the recipient's
// inbox.
func (s *Service) Send(ctx context.Context, n *Notification) error {
	if n.RecipientID.IsZero() {
		return errors.Input("notification recipient is required")
	}
	if n.ID.IsZero() {
		n.ID = types.NewID()
	}
	if n.Channel == "" {
		n.Channel = ChannelInApp
	}
	if n.Priority == "" {
		n.Priority = PriorityNormal
	}
	now := time.Now().UTC()
	if n.CreatedAt.IsZero() {
		n.CreatedAt = now
	}
	n.UpdatedAt = now
	n.Status = StatusPending

	s.mu.Lock()
	s.inbox[n.RecipientID] = append(s.inbox[n.RecipientID], n)
	s.stats.TotalQueued++
	s.stats.ByPriority[n.Priority]++
	s.mu.Unlock()

	select {
	case s.notifCh <- n:
		return nil
	default:
		s.finish(n, fmt.Errorf("notification buffer full"))
		return fmt.Errorf("notification buffer full")
	}
}

func (s *Service) worker(ctx context.Context) {
	defer s.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case n := <-s.notifCh:
			s.process(ctx, n)
		}
	}
}

func (s *Service) process(ctx context.Context, n *Notification) {
	var err error
	if p, ok := s.providers[n.Channel]; ok && p != nil {
		err = p.Send(ctx, n)
	} else {
		err = fmt.Errorf("%s provider not configured", n.Channel)
	}

	if err == nil {
		s.finish(n, nil)
		return
	}

	s.mu.Lock()
	n.ErrorMessage = err.Error()
	n.RetryCount++
	now := time.Now().UTC()
	n.LastRetryAt = &now
	n.UpdatedAt = now
	exhausted := n.RetryCount >= s.config.RetryAttempts
	s.mu.Unlock()

	if exhausted {
		s.finish(n, err)
		return
	}

	metrics.RecordNotification("retry")
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		timer := time.NewTimer(s.config.RetryDelay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		}
		select {
		case s.notifCh <- n:
		default:
			s.finish(n, fmt.Errorf("notification buffer full"))
		}
	}()
}

// finish records the terminal outcome of a delivery.
func (s *Service) finish(n *Notification, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	n.UpdatedAt = now
	if err != nil {
		n.Status = StatusFailed
		n.ErrorMessage = err.Error()
		s.stats.TotalFailed++
		metrics.RecordNotification("failed")
		s.logger.Warn("notification failed", "id", n.ID, "recipient", n.RecipientID, "error", err)
	} else {
		n.Status = StatusSent
		n.SentAt = &now
		s.stats.TotalSent++
		metrics.RecordNotification("sent")
	}
	if done := s.stats.TotalSent + s.stats.TotalFailed; done > 0 {
		s.stats.DeliveryRate = float64(s.stats.TotalSent) / float64(done)
	}
}

// Inbox returns a recipient's notifications, newest first
func (s *Service) Inbox(recipientID types.ID) []Notification {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.inbox[recipientID]
	out := make([]Notification, 0, len(list))
	for i := len(list) - 1; i >= 0; i-- {
		out = append(out, *list[i])
	}
	return out
}

// MarkAsRead marks a notification in the recipient's inbox as read
func (s *Service) MarkAsRead(recipientID, notificationID types.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, n := range s.inbox[recipientID] {
		if n.ID != notificationID {
			continue
		}
		if n.ReadAt == nil {
			now := time.Now().UTC()
			n.ReadAt = &now
			n.Status = StatusRead
			n.UpdatedAt = now
			s.stats.TotalRead++
		}
		return nil
	}
	return errors.NotFound("notification", notificationID.String())
}

// GetStats returns notification statistics
func (s *Service) GetStats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := s.stats
	out.ByPriority = make(map[Priority]int64, len(s.stats.ByPriority))
	for k, v := range s.stats.ByPriority {
		out.ByPriority[k] = v
	}
	return out
}
