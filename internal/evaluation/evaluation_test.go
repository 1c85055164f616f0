package evaluation

import (
	"context"
	"database/sql"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rehabmotion/platform/internal/scoring"
	"github.com/rehabmotion/platform/internal/shared/config"
	"github.com/rehabmotion/platform/internal/shared/database"
	"github.com/rehabmotion/platform/internal/shared/errors"
	"github.com/rehabmotion/platform/internal/shared/events"
	"github.com/rehabmotion/platform/internal/shared/types"
)

type fixture struct {
	db         *sql.DB
	store      *SQLiteStore
	exerciseID types.ID
	doctorID   types.ID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "eval.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	f := &fixture{db: db, store: NewSQLiteStore(db), exerciseID: types.NewID(), doctorID: types.NewID()}
	_, err = db.Exec(`INSERT INTO exercises (id, name, reference_movement, expected_reps, tolerance_degrees,
		difficulty, target_body_part, created_by, created_at, updated_at)
		VALUES (?, '{"en":"Arm raise"}', '{}', 2, 15, 'beginner', 'shoulder', ?, 0, 0)`,
		f.exerciseID, f.doctorID)
	require.NoError(t, err)
	return f
}

func (f *fixture) evaluation(patient types.ID, date time.Time, res scoring.Result, pain int) *ExerciseEvaluation {
	return NewFromResult(Subject{
		SessionID:  types.NewID(),
		ExerciseID: f.exerciseID,
		PatientID:  patient,
		DoctorID:   f.doctorID,
	}, date, 2, 2, res, SelfReport{PainLevel: pain, FatigueLevel: 3, PatientNotes: "  felt fine "})
}

var (
	perfect = scoring.Result{
		CompositeScore: 100, AccuracyPercent: 100,
		AngleScore: 40, RepScore: 30, StabilityScore: 20, CompletionScore: 10,
		Warnings: []scoring.Warning{},
	}
	poor = scoring.Result{
		CompositeScore: 42, AccuracyPercent: 30,
		AngleScore: 12, RepScore: 15, StabilityScore: 10, CompletionScore: 5,
		Warnings:  []scoring.Warning{scoring.WarningUnsafeAngle},
		HasAlerts: true,
	}
)

type recordingNotifier struct {
	mu    sync.Mutex
	calls []bool
	ids   []types.ID
}

func (n *recordingNotifier) NotifyAlert(_ context.Context, e *ExerciseEvaluation, reminder bool) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, reminder)
	n.ids = append(n.ids, e.ID)
	return nil
}

func TestNewFromResultIsDeterministic(t *testing.T) {
	f := &fixture{exerciseID: types.NewID(), doctorID: types.NewID()}
	patient := types.NewID()
	e := f.evaluation(patient, time.Now(), perfect, 2)

	again := NewFromResult(Subject{SessionID: e.SessionID}, time.Now(), 2, 2, perfect, SelfReport{})
	assert.Equal(t, e.ID, again.ID)
	assert.Equal(t, "felt fine", e.PatientNotes)
	assert.NotNil(t, e.Warnings)
	require.NoError(t, e.Validate())
}

func TestValidateRejectsInconsistentRecords(t *testing.T) {
	f := &fixture{exerciseID: types.NewID(), doctorID: types.NewID()}
	e := f.evaluation(types.NewID(), time.Now(), perfect, 2)
	e.CompositeScore = 40
	e.HasAlerts = false
	e.AngleScore = 41

	err := e.Validate()
	require.Error(t, err)
	var appErr *errors.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Contains(t, appErr.Details, "hasAlerts")
	assert.Contains(t, appErr.Details, "angleScore")

	e = f.evaluation(types.NewID(), time.Now(), perfect, 11)
	assert.ErrorIs(t, e.Validate(), errors.ErrInput)
}

func TestReviewNotes(t *testing.T) {
	notes, err := ReviewNotes("  looks good \n")
	require.NoError(t, err)
	assert.Equal(t, "looks good", notes)

	long := make([]byte, MaxNotesLength+1)
	for i := range long {
		long[i] = 'a'
	}
	_, err = ReviewNotes(string(long))
	assert.ErrorIs(t, err, errors.ErrInput)
}

func TestSQLiteStoreRoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	date := time.Date(2026, 5, 4, 9, 30, 15, 123456789, time.UTC)
	e := f.evaluation(types.NewID(), date, poor, 8)
	e.HasAlerts = scoring.HasAlerts(e.CompositeScore, e.Warnings, e.PainLevel)

	require.NoError(t, f.store.Create(ctx, e))

	got, err := f.store.Get(ctx, e.ID)
	require.NoError(t, err)
	if diff := cmp.Diff(e, got); diff != "" {
		t.Errorf("stored evaluation mismatch (-want +got):\n%s", diff)
	}

	_, err = f.store.Get(ctx, types.NewID())
	assert.ErrorIs(t, err, errors.ErrNotFound)
}

func TestSQLiteStoreRejectsDuplicatesAndUnknownExercise(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	e := f.evaluation(types.NewID(), time.Now(), perfect, 0)
	require.NoError(t, f.store.Create(ctx, e))

	assert.ErrorIs(t, f.store.Create(ctx, e), errors.ErrConflict)

	orphan := f.evaluation(types.NewID(), time.Now(), perfect, 0)
	orphan.ExerciseID = types.NewID()
	assert.ErrorIs(t, f.store.Create(ctx, orphan), errors.ErrNotFound)
}

func TestScoringFieldsAreWriteOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	e := f.evaluation(types.NewID(), time.Now(), perfect, 0)
	require.NoError(t, f.store.Create(ctx, e))

	_, err := f.db.Exec(`UPDATE exercise_evaluations SET composite_score = 10 WHERE id = ?`, e.ID)
	require.Error(t, err)
	assert.True(t, database.IsImmutableViolation(err))

	_, err = f.db.Exec(`DELETE FROM exercise_evaluations WHERE id = ?`, e.ID)
	require.Error(t, err)

	got, err := f.store.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, 100, got.CompositeScore)
}

func TestSQLiteStoreReview(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	e := f.evaluation(types.NewID(), time.Now(), poor, 2)
	require.NoError(t, f.store.Create(ctx, e))

	at := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	got, err := f.store.Review(ctx, e.ID, "adjust elbow", at)
	require.NoError(t, err)
	assert.True(t, got.DoctorReviewed)
	assert.Equal(t, "adjust elbow", got.DoctorNotes)
	require.NotNil(t, got.ReviewedAt)
	assert.True(t, at.Equal(*got.ReviewedAt))
	assert.Equal(t, poor.CompositeScore, got.CompositeScore)

	_, err = f.store.Review(ctx, e.ID, "second", at)
	assert.ErrorIs(t, err, errors.ErrConflict)

	_, err = f.store.Review(ctx, types.NewID(), "missing", at)
	assert.ErrorIs(t, err, errors.ErrNotFound)
}

func TestServiceReviewTrimsNotes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	svc := NewService(f.store, nil, nil, config.EvaluationConfig{}, nil)
	e := f.evaluation(types.NewID(), time.Now(), poor, 2)
	require.NoError(t, f.store.Create(ctx, e))

	got, err := svc.Review(ctx, e.ID, f.doctorID, "  adjust elbow  ")
	require.NoError(t, err)
	assert.Equal(t, "adjust elbow", got.DoctorNotes)
}

func TestSQLiteStoreRejectsCorruptWarnings(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	e := f.evaluation(types.NewID(), time.Now(), poor, 2)
	require.NoError(t, f.store.Create(ctx, e))

	other := f.evaluation(types.NewID(), time.Now(), poor, 2)
	_, err := f.db.Exec(`INSERT INTO exercise_evaluations (id, session_id, exercise_id, patient_id, doctor_id,
		session_date, composite_score, accuracy_percent, reps_completed, reps_expected, angle_score,
		rep_score, stability_score, completion_score, warnings, has_alerts, pain_level, fatigue_level, created_at)
		VALUES (?, ?, ?, ?, ?, 0, 42, 30, 2, 2, 12, 15, 10, 5, '{not json', 1, 2, 3, 0)`,
		other.ID, other.SessionID, f.exerciseID, other.PatientID, f.doctorID)
	require.NoError(t, err)

	_, err = f.store.Get(ctx, other.ID)
	assert.ErrorIs(t, err, errors.ErrPersistence)

	_, _, err = f.store.List(ctx, ListFilter{DoctorID: &f.doctorID})
	assert.ErrorIs(t, err, errors.ErrPersistence)

	got, err := f.store.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, []scoring.Warning{scoring.WarningUnsafeAngle}, got.Warnings)
}

func TestServiceListViews(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := time.Date(2026, 6, 10, 12, 0, 0, 0, time.UTC)
	svc := NewService(f.store, nil, nil, config.EvaluationConfig{RecentWindowDays: 7}, nil)
	svc.now = func() time.Time { return now }

	alice, bob := types.NewID(), types.NewID()
	oldAlert := f.evaluation(alice, now.AddDate(0, 0, -20), poor, 2)
	recentGood := f.evaluation(alice, now.AddDate(0, 0, -1), perfect, 1)
	recentAlert := f.evaluation(bob, now.AddDate(0, 0, -2), poor, 2)
	for _, e := range []*ExerciseEvaluation{oldAlert, recentGood, recentAlert} {
		_, err := svc.Create(ctx, e)
		require.NoError(t, err)
	}
	_, err := svc.Review(ctx, recentAlert.ID, types.NewID(), "seen")
	require.NoError(t, err)

	ids := func(list []*ExerciseEvaluation) []types.ID {
		out := make([]types.ID, len(list))
		for i, e := range list {
			out[i] = e.ID
		}
		return out
	}

	all, total, err := svc.List(ctx, ListFilter{DoctorID: &f.doctorID})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	assert.Equal(t, []types.ID{recentGood.ID, recentAlert.ID, oldAlert.ID}, ids(all))

	alerts, _, err := svc.List(ctx, ListFilter{DoctorID: &f.doctorID, View: ViewAlerts})
	require.NoError(t, err)
	assert.Equal(t, []types.ID{oldAlert.ID}, ids(alerts))

	recent, _, err := svc.List(ctx, ListFilter{View: ViewRecent})
	require.NoError(t, err)
	assert.Equal(t, []types.ID{recentGood.ID, recentAlert.ID}, ids(recent))

	mine, total, err := svc.List(ctx, ListFilter{PatientID: &alice, Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Equal(t, []types.ID{recentGood.ID}, ids(mine))

	page2, _, err := svc.List(ctx, ListFilter{PatientID: &alice, Limit: 1, Offset: 1})
	require.NoError(t, err)
	assert.Equal(t, []types.ID{oldAlert.ID}, ids(page2))
}

func TestServiceCreateIsIdempotentAndNotifies(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	bus := events.NewMemoryBus()
	notifier := &recordingNotifier{}
	svc := NewService(f.store, bus, notifier, config.EvaluationConfig{}, nil)

	var published []string
	require.NoError(t, bus.Subscribe(ctx, "evaluation.*", "test", func(_ context.Context, ev events.Event) error {
		published = append(published, ev.Type)
		return nil
	}))

	e := f.evaluation(types.NewID(), time.Now(), poor, 8)
	first, err := svc.Create(ctx, e)
	require.NoError(t, err)

	retry := *e
	second, err := svc.Create(ctx, &retry)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	_, err = svc.Review(ctx, e.ID, f.doctorID, "call patient")
	require.NoError(t, err)

	assert.Equal(t, []string{events.TypeEvaluationCreated, events.TypeEvaluationReviewed}, published)
	assert.Equal(t, []bool{false}, notifier.calls)
}

func TestServiceRemindsOnlyStaleOpenAlerts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := time.Now().UTC()
	notifier := &recordingNotifier{}
	svc := NewService(f.store, nil, notifier, config.EvaluationConfig{AlertReminderAfterHours: 24}, nil)

	stale := f.evaluation(types.NewID(), now.Add(-72*time.Hour), poor, 2)
	stale.CreatedAt = now.Add(-48 * time.Hour)
	fresh := f.evaluation(types.NewID(), now, poor, 2)
	fresh.CreatedAt = now.Add(-time.Hour)
	reviewed := f.evaluation(types.NewID(), now.Add(-72*time.Hour), poor, 2)
	reviewed.CreatedAt = now.Add(-48 * time.Hour)
	healthy := f.evaluation(types.NewID(), now.Add(-72*time.Hour), perfect, 0)
	healthy.CreatedAt = now.Add(-48 * time.Hour)

	for _, e := range []*ExerciseEvaluation{stale, fresh, reviewed, healthy} {
		require.NoError(t, f.store.Create(ctx, e))
	}
	_, err := f.store.Review(ctx, reviewed.ID, "", now)
	require.NoError(t, err)

	n, err := svc.RemindUnreviewed(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []types.ID{stale.ID}, notifier.ids)
	assert.Equal(t, []bool{true}, notifier.calls)

	got, err := f.store.Get(ctx, stale.ID)
	require.NoError(t, err)
	assert.NotNil(t, got.RemindedAt)
}

func TestServiceRemindsEachAlertOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := time.Now().UTC()
	notifier := &recordingNotifier{}
	svc := NewService(f.store, nil, notifier, config.EvaluationConfig{AlertReminderAfterHours: 24}, nil)

	stale := f.evaluation(types.NewID(), now.Add(-72*time.Hour), poor, 2)
	stale.CreatedAt = now.Add(-48 * time.Hour)
	require.NoError(t, f.store.Create(ctx, stale))

	total := 0
	for i := 0; i < 24; i++ {
		n, err := svc.RemindUnreviewed(ctx)
		require.NoError(t, err)
		total += n
	}
	assert.Equal(t, 1, total)
	assert.Len(t, notifier.calls, 1)
}

type failingNotifier struct{ attempts int }

func (n *failingNotifier) NotifyAlert(context.Context, *ExerciseEvaluation, bool) error {
	n.attempts++
	return errors.CapabilityUnavailable("notifier offline", nil)
}

func TestServiceRetriesFailedReminders(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := time.Now().UTC()
	notifier := &failingNotifier{}
	svc := NewService(f.store, nil, notifier, config.EvaluationConfig{AlertReminderAfterHours: 24}, nil)

	stale := f.evaluation(types.NewID(), now.Add(-72*time.Hour), poor, 2)
	stale.CreatedAt = now.Add(-48 * time.Hour)
	require.NoError(t, f.store.Create(ctx, stale))

	for i := 0; i < 2; i++ {
		n, err := svc.RemindUnreviewed(ctx)
		require.NoError(t, err)
		assert.Zero(t, n)
	}
	assert.Equal(t, 2, notifier.attempts)

	got, err := f.store.Get(ctx, stale.ID)
	require.NoError(t, err)
	assert.Nil(t, got.RemindedAt)
}

func TestServiceReviewRejectsLongNotes(t *testing.T) {
	f := newFixture(t)
	svc := NewService(f.store, nil, nil, config.EvaluationConfig{}, nil)
	long := make([]byte, MaxNotesLength+1)
	for i := range long {
		long[i] = 'a'
	}
	_, err := svc.Review(context.Background(), types.NewID(), types.NewID(), string(long))
	assert.ErrorIs(t, err, errors.ErrInput)
}

func TestParseView(t *testing.T) {
	for in, want := range map[string]View{"": ViewAll, "all": ViewAll, "alerts": ViewAlerts, "recent": ViewRecent} {
		got, err := ParseView(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseView("starred")
	assert.ErrorIs(t, err, errors.ErrInput)
}
