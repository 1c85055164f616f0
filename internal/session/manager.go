package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron"

	"github.com/rehabmotion/platform/internal/exercise"
	"github.com/rehabmotion/platform/internal/shared/config"
	"github.com/rehabmotion/platform/internal/shared/errors"
	"github.com/rehabmotion/platform/internal/shared/events"
	"github.com/rehabmotion/platform/internal/shared/metrics"
	"github.com/rehabmotion/platform/internal/shared/types"
)

// SweepSchedule is how often idle sessions are looked for
const SweepSchedule = "@every 1m"

// ExerciseSource looks up the exercise a session runs against
type ExerciseSource interface {
	Get(ctx context.Context, id types.ID) (*exercise.Exercise, error)
}

// Manager owns the in-memory sessions of this process
type Manager struct {
	exercises ExerciseSource
	store     Submitter
	bus       events.EventBus
	cfg       config.SessionConfig
	threshold float64
	logger    *slog.Logger
	now       func() time.Time

	mu       sync.RWMutex
	sessions map[types.ID]*Session
}

// NewManager creates a session manager
func NewManager(exercises ExerciseSource, store Submitter, bus events.EventBus, cfg *config.Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		exercises: exercises,
		store:     store,
		bus:       bus,
		cfg:       cfg.Session,
		threshold: cfg.Evaluation.RepSimilarityThreshold,
		logger:    logger,
		now:       time.Now,
		sessions:  make(map[types.ID]*Session),
	}
}

// Create starts a session for patientID on an active exercise
func (m *Manager) Create(ctx context.Context, exerciseID, patientID types.ID) (*Session, error) {
	ex, err := m.exercises.Get(ctx, exerciseID)
	if err != nil {
		return nil, err
	}

	s, err := New(ex, patientID, m.threshold,
		WithClock(m.now),
		WithFrameRate(m.cfg.FramesPerSecondLimit),
		OnTerminal(m.terminated),
	)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.sessions[s.ID()] = s
	count := len(m.sessions)
	m.mu.Unlock()
	metrics.SetSessionsActive(count)

	m.logger.InfoContext(ctx, "session created",
		"session_id", s.ID(),
		"exercise_id", exerciseID,
		"patient_id", patientID,
	)
	return s, nil
}

// Get returns a session by ID
func (m *Manager) Get(id types.ID) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, errors.NotFound("session", id.String())
	}
	return s, nil
}

// Submit persists a session's evaluation through the manager's store
func (m *Manager) Submit(ctx context.Context, s *Session) error {
	e, err := s.Submit(ctx, m.store)
	if err != nil {
		m.logger.WarnContext(ctx, "session submit failed", "session_id", s.ID(), "error", err)
		return err
	}
	m.logger.InfoContext(ctx, "session submitted",
		"session_id", s.ID(),
		"evaluation_id", e.ID,
		"composite_score", e.CompositeScore,
	)
	return nil
}

// Sweep aborts sessions idle for longer than the configured timeout and
// forgets finished ones past the same age. It returns the number aborted.
func (m *Manager) Sweep() int {
	timeout := m.cfg.IdleTimeout()
	if timeout <= 0 {
		return 0
	}
	cutoff := m.now().UTC().Add(-timeout)

	m.mu.RLock()
	var idle, finished []*Session
	for _, s := range m.sessions {
		last, terminal := s.idleSince()
		if !last.Before(cutoff) {
			continue
		}
		if terminal {
			finished = append(finished, s)
		} else {
			idle = append(idle, s)
		}
	}
	m.mu.RUnlock()

	aborted := 0
	for _, s := range idle {
		if err := s.Abort(); err == nil {
			aborted++
			m.logger.Info("idle session aborted", "session_id", s.ID())
		}
		finished = append(finished, s)
	}

	m.mu.Lock()
	for _, s := range finished {
		delete(m.sessions, s.ID())
	}
	count := len(m.sessions)
	m.mu.Unlock()
	metrics.SetSessionsActive(count)

	return aborted
}

// Schedule registers the idle sweep on c
func (m *Manager) Schedule(c *cron.Cron) error {
	return c.AddFunc(SweepSchedule, func() {
		if n := m.Sweep(); n > 0 {
			m.logger.Info("session sweep", "aborted", n)
		}
	})
}

// Close aborts every live session, releasing their cameras
func (m *Manager) Close() {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.sessions = make(map[types.ID]*Session)
	m.mu.Unlock()

	for _, s := range sessions {
		_ = s.Abort()
	}
	metrics.SetSessionsActive(0)
}

func (m *Manager) terminated(v View) {
	if m.bus == nil {
		return
	}

	eventType := events.TypeSessionAborted
	data := map[string]any{
		"exerciseId": v.ExerciseID,
		"patientId":  v.PatientID,
		"frames":     v.Metrics.FramesCaptured,
	}
	if v.State == StateSubmitted {
		eventType = events.TypeSessionSubmitted
		data["evaluationId"] = v.EvaluationID
	}

	event := events.NewEvent(eventType, "session", data).WithActor(v.PatientID, events.ActorPatient).WithResource(v.ID)
	ctx := context.Background()
	if err := m.bus.Publish(ctx, event); err != nil {
		m.logger.Warn("failed to publish event", "type", event.Type, "error", err)
	}
}
