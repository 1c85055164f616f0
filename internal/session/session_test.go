package session

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rehabmotion/platform/internal/capture"
	"github.com/rehabmotion/platform/internal/evaluation"
	"github.com/rehabmotion/platform/internal/exercise"
	"github.com/rehabmotion/platform/internal/pose"
	"github.com/rehabmotion/platform/internal/pose/posetest"
	"github.com/rehabmotion/platform/internal/scoring"
	"github.com/rehabmotion/platform/internal/shared/errors"
	"github.com/rehabmotion/platform/internal/shared/types"
)

// fakeCamera replays a fixed list of detections and counts releases.
type fakeCamera struct {
	mu       sync.Mutex
	frames   []pose.Landmarks
	failAt   int
	calls    int
	releases int
}

func (c *fakeCamera) Detect(_ context.Context, _ time.Duration) (pose.Landmarks, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.failAt > 0 && c.calls == c.failAt {
		return nil, false, fmt.Errorf("device disconnected")
	}
	if len(c.frames) == 0 {
		return nil, false, nil
	}
	lms := c.frames[0]
	c.frames = c.frames[1:]
	return lms, lms != nil, nil
}

func (c *fakeCamera) Release() {
	c.mu.Lock()
	c.releases++
	c.mu.Unlock()
}

func (c *fakeCamera) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.releases == 0
}

func (c *fakeCamera) released() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.releases
}

// fakeStore records submissions and can fail on demand.
type fakeStore struct {
	mu    sync.Mutex
	fail  int
	saved []*evaluation.ExerciseEvaluation
}

func (s *fakeStore) Create(_ context.Context, e *evaluation.ExerciseEvaluation) (*evaluation.ExerciseEvaluation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail > 0 {
		s.fail--
		return nil, fmt.Errorf("connection reset")
	}
	s.saved = append(s.saved, e)
	return e, nil
}

func armRaise() *exercise.Exercise {
	return &exercise.Exercise{
		ID:                types.NewID(),
		ReferenceMovement: posetest.Movement(15, 0, 45, 90),
		ExpectedReps:      2,
		ToleranceDegrees:  15,
		CreatedBy:         types.NewID(),
		Active:            true,
	}
}

// mirror returns live poses matching the reference at the clamped cursor.
func mirror(degrees ...float64) []pose.Landmarks {
	out := make([]pose.Landmarks, len(degrees))
	for i, d := range degrees {
		out[i] = posetest.Standing(d)
	}
	return out
}

func readySession(t *testing.T, cam *fakeCamera, opts ...Option) *Session {
	t.Helper()
	s, err := New(armRaise(), types.NewID(), DefaultRepThreshold, opts...)
	require.NoError(t, err)
	require.NoError(t, s.Consent(true))
	require.NoError(t, s.AttachCamera(cam))
	require.NoError(t, s.Start())
	return s
}

func TestPerfectSessionScoresHundred(t *testing.T) {
	cam := &fakeCamera{frames: mirror(0, 45, 90, 90, 90, 90)}
	s := readySession(t, cam)
	ctx := context.Background()

	var results []FrameResult
	for i := 0; i < 6; i++ {
		res, err := s.Step(ctx)
		require.NoError(t, err)
		results = append(results, res)
	}

	assert.Equal(t, []int{0, 1, 2, 2, 2, 2}, cursors(results))
	assert.True(t, results[5].Done)
	assert.True(t, results[2].RepComplete)
	assert.True(t, results[5].RepComplete)

	view := s.Snapshot()
	assert.Equal(t, StateReviewingResults, view.State)
	assert.False(t, view.CameraActive)
	require.NotNil(t, view.Result)
	assert.Equal(t, scoring.Result{
		CompositeScore:  100,
		AccuracyPercent: 100,
		AngleScore:      40,
		RepScore:        30,
		StabilityScore:  20,
		CompletionScore: 10,
		Warnings:        []scoring.Warning{},
	}, *view.Result)

	_, err := s.Step(ctx)
	assert.True(t, errors.Is(err, errors.ErrInvalidTransition))
	assert.Equal(t, 6, cam.calls)

	store := &fakeStore{}
	require.NoError(t, s.Review(evaluation.SelfReport{PainLevel: 2, FatigueLevel: 3}))
	e, err := s.Submit(ctx, store)
	require.NoError(t, err)
	assert.Equal(t, 100, e.CompositeScore)
	assert.Equal(t, 2, e.RepsCompleted)
	assert.False(t, e.HasAlerts)
	assert.Equal(t, StateSubmitted, s.Snapshot().State)
	assert.Equal(t, 1, cam.released())
}

func cursors(results []FrameResult) []int {
	out := make([]int, len(results))
	for i, r := range results {
		out[i] = r.Cursor
	}
	return out
}

func TestHighPainRaisesAlertOnGoodScore(t *testing.T) {
	cam := &fakeCamera{frames: mirror(0, 45, 90, 90, 90, 90)}
	s := readySession(t, cam)
	for i := 0; i < 6; i++ {
		_, err := s.Step(context.Background())
		require.NoError(t, err)
	}

	require.NoError(t, s.Review(evaluation.SelfReport{PainLevel: 8}))
	e, err := s.Submit(context.Background(), &fakeStore{})
	require.NoError(t, err)
	assert.True(t, e.HasAlerts)
	assert.Equal(t, 8, e.PainLevel)
}

func TestSkippedFramesDoNotAdvance(t *testing.T) {
	partial := posetest.Standing(45)
	for i := range partial {
		partial[i].Visibility = 0.1
	}
	cam := &fakeCamera{frames: []pose.Landmarks{posetest.Standing(0), nil, partial, posetest.Standing(45)}}
	s := readySession(t, cam)

	var results []FrameResult
	for i := 0; i < 4; i++ {
		res, err := s.Step(context.Background())
		require.NoError(t, err)
		results = append(results, res)
	}

	assert.False(t, results[1].Evaluated)
	assert.False(t, results[2].Evaluated)
	assert.Equal(t, 1, results[3].Cursor)
	assert.Equal(t, 100.0, results[3].Similarity)

	m := s.Snapshot().Metrics
	assert.Equal(t, 2, m.FramesCaptured)
	assert.Equal(t, 2, m.SkippedFrames)
	assert.Equal(t, 6, m.FramesExpected)
}

func TestManualStopKeepsPartialBuffer(t *testing.T) {
	cam := &fakeCamera{frames: mirror(0, 45)}
	s := readySession(t, cam)
	for i := 0; i < 2; i++ {
		_, err := s.Step(context.Background())
		require.NoError(t, err)
	}

	require.NoError(t, s.Stop())
	view := s.Snapshot()
	assert.Equal(t, StateReviewingResults, view.State)
	assert.Equal(t, 2, view.Metrics.FramesCaptured)
	assert.False(t, view.Metrics.ReachedTarget)
	assert.InDelta(t, 10.0*2/6, view.Result.CompletionScore, 0.01)
	assert.Contains(t, view.Result.Warnings, scoring.WarningIncompleteReps)
	assert.Equal(t, 1, cam.released())

	assert.Error(t, s.Stop())
}

func TestCameraFailureStopsAndKeepsData(t *testing.T) {
	cam := &fakeCamera{frames: mirror(0, 45, 90), failAt: 3}
	s := readySession(t, cam)

	for i := 0; i < 2; i++ {
		_, err := s.Step(context.Background())
		require.NoError(t, err)
	}
	_, err := s.Step(context.Background())
	assert.True(t, errors.Is(err, errors.ErrCapabilityUnavailable))

	view := s.Snapshot()
	assert.Equal(t, StateReviewingResults, view.State)
	assert.Equal(t, 2, view.Metrics.FramesCaptured)
	assert.Equal(t, 1, cam.released())
}

func TestSubmitFailureStaysInReview(t *testing.T) {
	cam := &fakeCamera{frames: mirror(0, 45, 90, 90, 90, 90)}
	s := readySession(t, cam)
	for i := 0; i < 6; i++ {
		_, err := s.Step(context.Background())
		require.NoError(t, err)
	}

	store := &fakeStore{fail: 1}
	_, err := s.Submit(context.Background(), store)
	assert.True(t, errors.Is(err, errors.ErrInput), "self report is required first")

	require.NoError(t, s.Review(evaluation.SelfReport{PainLevel: 1, FatigueLevel: 1, PatientNotes: "ok"}))
	_, err = s.Submit(context.Background(), store)
	assert.True(t, errors.Is(err, errors.ErrPersistence))
	assert.Equal(t, StateReviewingResults, s.Snapshot().State)

	e, err := s.Submit(context.Background(), store)
	require.NoError(t, err)
	assert.Equal(t, types.NewDeterministicID("evaluation", s.ID().String()), e.ID)
	assert.Equal(t, StateSubmitted, s.Snapshot().State)
	assert.Len(t, store.saved, 1)
	assert.Equal(t, 1, cam.released())
}

func TestAbortReleasesOnce(t *testing.T) {
	cam := &fakeCamera{}
	s := readySession(t, cam)

	var terminal []View
	s.onTerminal = func(v View) { terminal = append(terminal, v) }

	require.NoError(t, s.Abort())
	assert.Error(t, s.Abort())
	assert.Equal(t, 1, cam.released())
	assert.Equal(t, StateAborted, s.Snapshot().State)
	require.Len(t, terminal, 1)
	assert.Equal(t, StateAborted, terminal[0].State)
}

func TestConsentDeclinedAborts(t *testing.T) {
	s, err := New(armRaise(), types.NewID(), 0)
	require.NoError(t, err)
	require.NoError(t, s.Consent(false))
	assert.Equal(t, StateAborted, s.Snapshot().State)

	cam := &fakeCamera{}
	assert.Error(t, s.AttachCamera(cam))
	assert.Equal(t, 1, cam.released(), "a stream handed to a finished session is released")
}

func TestCannotExerciseWithoutReady(t *testing.T) {
	s, err := New(armRaise(), types.NewID(), 0)
	require.NoError(t, err)
	assert.Error(t, s.Start())
	require.NoError(t, s.Consent(true))
	assert.Error(t, s.Start())

	err = s.CameraFailed(fmt.Errorf("permission denied"))
	assert.True(t, errors.Is(err, errors.ErrCapabilityUnavailable))
	assert.Equal(t, StateAborted, s.Snapshot().State)
}

func TestNewRejectsInactiveExercise(t *testing.T) {
	ex := armRaise()
	ex.Active = false
	_, err := New(ex, types.NewID(), 0)
	assert.True(t, errors.Is(err, errors.ErrConflict))

	_, err = New(armRaise(), "", 0)
	assert.True(t, errors.Is(err, errors.ErrInput))
}

func TestFrameRateLimit(t *testing.T) {
	clock := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	s, err := New(armRaise(), types.NewID(), 0, WithFrameRate(1), WithClock(func() time.Time { return clock }))
	require.NoError(t, err)
	require.NoError(t, s.Consent(true))
	require.NoError(t, s.AttachCamera(capture.NewPushStream(8, nil)))
	require.NoError(t, s.Start())

	// Frames without a person never reach the rep target.
	batch := make([]pose.Landmarks, MaxFramesPerBatch)
	results, err := s.PushFrames(context.Background(), batch)
	require.NoError(t, err)
	assert.Len(t, results, MaxFramesPerBatch)

	_, err = s.PushFrame(context.Background(), posetest.Standing(0))
	assert.True(t, errors.Is(err, errors.ErrRateLimited))

	clock = clock.Add(time.Second)
	_, err = s.PushFrame(context.Background(), posetest.Standing(0))
	require.NoError(t, err)

	_, err = s.PushFrames(context.Background(), make([]pose.Landmarks, MaxFramesPerBatch+1))
	assert.True(t, errors.Is(err, errors.ErrInput))
}

func TestFullBatchFitsDefaultFrameRate(t *testing.T) {
	s, err := New(armRaise(), types.NewID(), 0, WithFrameRate(60))
	require.NoError(t, err)
	require.NoError(t, s.Consent(true))
	require.NoError(t, s.AttachCamera(capture.NewPushStream(8, nil)))
	require.NoError(t, s.Start())

	results, err := s.PushFrames(context.Background(), make([]pose.Landmarks, MaxFramesPerBatch))
	require.NoError(t, err)
	assert.Len(t, results, MaxFramesPerBatch)
	assert.Equal(t, MaxFramesPerBatch, s.Snapshot().Metrics.SkippedFrames)
}
