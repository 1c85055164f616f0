package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/rehabmotion/platform/internal/shared/events"
	"github.com/rehabmotion/platform/internal/shared/types"
)

// Subscriber listens to domain events and creates audit entries
type Subscriber struct {
	repo   AuditRepository
	bus    events.EventBus
	logger *slog.Logger
}

// NewSubscriber creates a new audit subscriber
func NewSubscriber(repo AuditRepository, bus events.EventBus, logger *slog.Logger) *Subscriber {
	if logger == nil {
		logger = slog.Default()
	}
	return &Subscriber{repo: repo, bus: bus, logger: logger}
}

// Start subscribes to the audited event families
func (s *Subscriber) Start(ctx context.Context) error {
	patterns := []struct {
		pattern      string
		consumerName string
	}{
		{"exercise.*", "audit-exercise-subscriber"},
		{"evaluation.*", "audit-evaluation-subscriber"},
		{"session.*", "audit-session-subscriber"},
	}

	for _, p := range patterns {
		if err := s.bus.Subscribe(ctx, p.pattern, p.consumerName, s.handleEvent); err != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", p.pattern, err)
		}
	}

	return nil
}

func (s *Subscriber) handleEvent(ctx context.Context, event events.Event) error {
	entry := eventToAuditEntry(event)
	if entry == nil {
		return nil
	}

	if err := s.repo.Append(ctx, entry); err != nil {
		s.logger.Error("audit append failed", "event_type", event.Type, "event_id", event.ID, "error", err)
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

// eventToAuditEntry maps "<resource>.<verb>" events onto entries. The
// resource ID comes from the event, or from an "id" field in its data.
func eventToAuditEntry(event events.Event) *AuditEntry {
	resourceType, _, ok := strings.Cut(event.Type, ".")
	if !ok {
		return nil
	}

	changes := eventChanges(event.Data)

	var resourceID *types.ID
	if !event.ResourceID.IsZero() {
		id := event.ResourceID
		resourceID = &id
	} else if raw, ok := changes["id"].(string); ok {
		if id, err := types.ParseID(raw); err == nil {
			resourceID = &id
		}
	}

	actorType := ActorTypeSystem
	switch event.ActorType {
	case events.ActorDoctor:
		actorType = ActorTypeDoctor
	case events.ActorPatient:
		actorType = ActorTypePatient
	}

	actorID := event.ActorID
	if actorID.IsZero() {
		actorID = SystemActorID
	}

	timestamp := event.Timestamp
	if timestamp.IsZero() {
		timestamp = time.Now()
	}

	entry := &AuditEntry{
		ID:           types.NewID(),
		Timestamp:    timestamp.UTC().Truncate(time.Microsecond),
		ActorType:    actorType,
		ActorID:      actorID,
		Action:       event.Type,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Changes:      changes,
	}

	if id, err := types.ParseID(event.CorrelationID); err == nil {
		entry.WithCorrelation(id)
	}

	return entry
}

// eventChanges flattens event data into a JSON object. Typed payloads from
// the in-process bus and decoded maps from KurrentDB end up identical.
func eventChanges(data any) map[string]any {
	if data == nil {
		return nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil
	}
	var changes map[string]any
	if err := json.Unmarshal(raw, &changes); err != nil {
		return map[string]any{"value": json.RawMessage(raw)}
	}
	return changes
}
