package evaluation

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron"

	"github.com/rehabmotion/platform/internal/shared/config"
	"github.com/rehabmotion/platform/internal/shared/errors"
	"github.com/rehabmotion/platform/internal/shared/events"
	"github.com/rehabmotion/platform/internal/shared/metrics"
	"github.com/rehabmotion/platform/internal/shared/types"
)

// Notifier routes open alerts to the responsible doctor.
type Notifier interface {
	NotifyAlert(ctx context.Context, e *ExerciseEvaluation, reminder bool) error
}

// Service wraps a Store with the alert and review workflow.
type Service struct {
	store    Store
	bus      events.EventBus
	notifier Notifier
	cfg      config.EvaluationConfig
	logger   *slog.Logger
	now      func() time.Time
}

// NewService creates the evaluation service. bus and notifier may be nil.
func NewService(store Store, bus events.EventBus, notifier Notifier, cfg config.EvaluationConfig, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:    store,
		bus:      bus,
		notifier: notifier,
		cfg:      cfg,
		logger:   logger.With("component", "evaluation"),
		now:      time.Now,
	}
}

// Create stores a finalized evaluation. Submitting the same session twice
// returns the stored record instead of failing.
func (s *Service) Create(ctx context.Context, e *ExerciseEvaluation) (*ExerciseEvaluation, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}

	if err := s.store.Create(ctx, e); err != nil {
		if errors.Is(err, errors.ErrConflict) {
			existing, getErr := s.store.Get(ctx, e.ID)
			if getErr == nil && existing.SessionID == e.SessionID {
				return existing, nil
			}
		}
		return nil, err
	}

	metrics.RecordEvaluationCreated(e.CompositeScore, e.HasAlerts)
	s.logger.InfoContext(ctx, "evaluation created",
		"evaluation_id", e.ID,
		"session_id", e.SessionID,
		"composite_score", e.CompositeScore,
		"has_alerts", e.HasAlerts,
	)

	s.publish(ctx, events.NewEvent(events.TypeEvaluationCreated, "evaluation", map[string]any{
		"sessionId":      e.SessionID,
		"exerciseId":     e.ExerciseID,
		"patientId":      e.PatientID,
		"doctorId":       e.DoctorID,
		"compositeScore": e.CompositeScore,
		"hasAlerts":      e.HasAlerts,
		"warnings":       e.Warnings,
	}).WithActor(e.PatientID, events.ActorPatient).WithResource(e.ID))

	if e.HasAlerts && s.notifier != nil {
		if err := s.notifier.NotifyAlert(ctx, e, false); err != nil {
			s.logger.WarnContext(ctx, "alert notification failed", "evaluation_id", e.ID, "error", err)
		}
	}

	return e, nil
}

// Get returns one evaluation.
func (s *Service) Get(ctx context.Context, id types.ID) (*ExerciseEvaluation, error) {
	return s.store.Get(ctx, id)
}

// List resolves the view and returns a page of evaluations with the total.
func (s *Service) List(ctx context.Context, filter ListFilter) ([]*ExerciseEvaluation, int, error) {
	filter = filter.normalize()
	if filter.View == ViewRecent && filter.Since == nil {
		days := s.cfg.RecentWindowDays
		if days <= 0 {
			days = 7
		}
		since := s.now().UTC().AddDate(0, 0, -days)
		filter.Since = &since
	}
	return s.store.List(ctx, filter)
}

// Review records a doctor's review once.
func (s *Service) Review(ctx context.Context, id, reviewerID types.ID, notes string) (*ExerciseEvaluation, error) {
	notes, err := ReviewNotes(notes)
	if err != nil {
		return nil, err
	}

	e, err := s.store.Review(ctx, id, notes, s.now().UTC())
	if err != nil {
		return nil, err
	}

	metrics.RecordEvaluationReviewed()
	s.logger.InfoContext(ctx, "evaluation reviewed", "evaluation_id", id, "reviewer", reviewerID)

	actor := reviewerID
	if actor.IsZero() {
		actor = e.DoctorID
	}
	s.publish(ctx, events.NewEvent(events.TypeEvaluationReviewed, "evaluation", map[string]any{
		"patientId":  e.PatientID,
		"reviewedAt": e.ReviewedAt,
	}).WithActor(actor, events.ActorDoctor).WithResource(e.ID))

	return e, nil
}

// RemindUnreviewed re-notifies doctors about alerts still open after the
// configured grace period. Each alert is reminded once. It returns the
// number of reminders sent.
func (s *Service) RemindUnreviewed(ctx context.Context) (int, error) {
	if s.notifier == nil {
		return 0, nil
	}
	hours := s.cfg.AlertReminderAfterHours
	if hours <= 0 {
		hours = 24
	}
	cutoff := s.now().UTC().Add(-time.Duration(hours) * time.Hour)

	open, err := s.store.UnreviewedAlerts(ctx, cutoff, MaxListLimit)
	if err != nil {
		return 0, err
	}

	sent := 0
	for _, e := range open {
		if err := s.notifier.NotifyAlert(ctx, e, true); err != nil {
			s.logger.WarnContext(ctx, "alert reminder failed", "evaluation_id", e.ID, "error", err)
			continue
		}
		sent++
		if err := s.store.MarkReminded(ctx, e.ID, s.now().UTC()); err != nil {
			return sent, err
		}
	}
	return sent, nil
}

// Schedule registers the reminder job on c. An empty schedule disables it.
func (s *Service) Schedule(ctx context.Context, c *cron.Cron) error {
	if s.cfg.ReminderSchedule == "" {
		return nil
	}
	return c.AddFunc(s.cfg.ReminderSchedule, func() {
		n, err := s.RemindUnreviewed(ctx)
		if err != nil {
			s.logger.Error("alert reminder run failed", "error", err)
			return
		}
		if n > 0 {
			s.logger.Info("alert reminders sent", "count", n)
		}
	})
}

func (s *Service) publish(ctx context.Context, event events.Event) {
	if s.bus == nil {
		return
	}
	if err := s.bus.Publish(ctx, event); err != nil {
		s.logger.WarnContext(ctx, "failed to publish event", "type", event.Type, "error", err)
	}
}
