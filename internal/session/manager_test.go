package session

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rehabmotion/platform/internal/exercise"
	"github.com/rehabmotion/platform/internal/pose"
	"github.com/rehabmotion/platform/internal/pose/posetest"
	"github.com/rehabmotion/platform/internal/shared/auth"
	"github.com/rehabmotion/platform/internal/shared/config"
	"github.com/rehabmotion/platform/internal/shared/errors"
	"github.com/rehabmotion/platform/internal/shared/events"
	"github.com/rehabmotion/platform/internal/shared/types"
)

type exerciseMap map[types.ID]*exercise.Exercise

func (m exerciseMap) Get(_ context.Context, id types.ID) (*exercise.Exercise, error) {
	if e, ok := m[id]; ok {
		return e, nil
	}
	return nil, errors.NotFound("exercise", id.String())
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type managerFixture struct {
	manager  *Manager
	store    *fakeStore
	exercise *exercise.Exercise
	clock    *testClock
	events   chan events.Event
}

func newManagerFixture(t *testing.T) *managerFixture {
	t.Helper()
	ex := armRaise()
	f := &managerFixture{
		store:    &fakeStore{},
		exercise: ex,
		clock:    &testClock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)},
		events:   make(chan events.Event, 16),
	}

	bus := events.NewMemoryBus()
	require.NoError(t, bus.Subscribe(context.Background(), "session.*", "test", func(_ context.Context, e events.Event) error {
		f.events <- e
		return nil
	}))

	cfg := &config.Config{
		Session:    config.SessionConfig{IdleTimeoutMinutes: 30, PendingFrameLimit: 16},
		Evaluation: config.EvaluationConfig{RepSimilarityThreshold: 50},
	}
	f.manager = NewManager(exerciseMap{ex.ID: ex}, f.store, bus, cfg, nil)
	f.manager.now = f.clock.Now
	return f
}

func TestManagerCreateAndGet(t *testing.T) {
	f := newManagerFixture(t)
	patient := types.NewID()

	s, err := f.manager.Create(context.Background(), f.exercise.ID, patient)
	require.NoError(t, err)
	assert.Equal(t, f.exercise.CreatedBy, s.Snapshot().DoctorID)

	got, err := f.manager.Get(s.ID())
	require.NoError(t, err)
	assert.Same(t, s, got)

	_, err = f.manager.Create(context.Background(), types.NewID(), patient)
	assert.True(t, errors.Is(err, errors.ErrNotFound))

	_, err = f.manager.Get(types.NewID())
	assert.True(t, errors.Is(err, errors.ErrNotFound))
}

func TestManagerSweepAbortsIdleSessions(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	idle, err := f.manager.Create(ctx, f.exercise.ID, types.NewID())
	require.NoError(t, err)
	cam := &fakeCamera{}
	require.NoError(t, idle.Consent(true))
	require.NoError(t, idle.AttachCamera(cam))

	f.clock.Advance(20 * time.Minute)
	fresh, err := f.manager.Create(ctx, f.exercise.ID, types.NewID())
	require.NoError(t, err)

	f.clock.Advance(15 * time.Minute)
	assert.Equal(t, 1, f.manager.Sweep())
	assert.Equal(t, StateAborted, idle.Snapshot().State)
	assert.Equal(t, 1, cam.released())

	_, err = f.manager.Get(idle.ID())
	assert.True(t, errors.Is(err, errors.ErrNotFound))
	_, err = f.manager.Get(fresh.ID())
	assert.NoError(t, err)

	ev := <-f.events
	assert.Equal(t, events.TypeSessionAborted, ev.Type)
	assert.Equal(t, idle.ID(), ev.ResourceID)
}

func TestManagerCloseAbortsAll(t *testing.T) {
	f := newManagerFixture(t)
	s, err := f.manager.Create(context.Background(), f.exercise.ID, types.NewID())
	require.NoError(t, err)

	f.manager.Close()
	assert.Equal(t, StateAborted, s.Snapshot().State)
	_, err = f.manager.Get(s.ID())
	assert.Error(t, err)
}

// --- HTTP ---

func call(t *testing.T, h http.Handler, method, target string, body any, user *auth.User) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, target, &buf)
	if user != nil {
		req = req.WithContext(auth.WithUser(req.Context(), user))
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

type frame struct {
	Landmarks pose.Landmarks `json:"landmarks"`
}

func frames(degrees ...float64) map[string]any {
	out := make([]frame, len(degrees))
	for i, d := range degrees {
		out[i] = frame{Landmarks: posetest.Standing(d)}
	}
	return map[string]any{"frames": out}
}

func TestHandlerFullSession(t *testing.T) {
	f := newManagerFixture(t)
	routes := NewHandler(f.manager, config.SessionConfig{PendingFrameLimit: 16}).Routes()
	patient := &auth.User{ID: types.NewID(), Roles: []string{auth.RolePatient}}

	rec := call(t, routes, http.MethodPost, "/", map[string]any{"exerciseId": f.exercise.ID}, patient)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var view View
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&view))
	assert.Equal(t, patient.ID, view.PatientID)
	assert.Equal(t, StateAwaitingConsent, view.State)
	base := "/" + view.ID.String()

	rec = call(t, routes, http.MethodPost, base+"/start", nil, patient)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = call(t, routes, http.MethodPost, base+"/consent", ConsentRequest{Granted: true}, patient)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = call(t, routes, http.MethodPost, base+"/camera", CameraRequest{OK: true}, patient)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = call(t, routes, http.MethodPost, base+"/start", nil, patient)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = call(t, routes, http.MethodPost, base+"/frames", frames(0, 45, 90, 90, 90, 90, 90, 90), patient)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var batch struct {
		Results  []FrameResult `json:"results"`
		Accepted int           `json:"accepted"`
		Metrics  Metrics       `json:"metrics"`
		State    State         `json:"state"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&batch))
	assert.Equal(t, 6, batch.Accepted)
	assert.True(t, batch.Results[5].Done)
	assert.Equal(t, StateReviewingResults, batch.State)
	assert.Equal(t, 2, batch.Metrics.RepsCompleted)

	rec = call(t, routes, http.MethodPost, base+"/frames", frames(0), patient)
	assert.Equal(t, http.StatusConflict, rec.Code)

	other := &auth.User{ID: types.NewID(), Roles: []string{auth.RolePatient}}
	rec = call(t, routes, http.MethodGet, base, nil, other)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = call(t, routes, http.MethodPost, base+"/review", map[string]any{"painLevel": 11}, patient)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = call(t, routes, http.MethodPost, base+"/review", map[string]any{"painLevel": 3, "fatigueLevel": 2}, patient)
	require.Equal(t, http.StatusOK, rec.Code)

	f.store.fail = 1
	rec = call(t, routes, http.MethodPost, base+"/submit", nil, patient)
	assert.Equal(t, http.StatusBadGateway, rec.Code)

	rec = call(t, routes, http.MethodPost, base+"/submit", nil, patient)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&view))
	assert.Equal(t, StateSubmitted, view.State)
	require.NotNil(t, view.EvaluationID)
	assert.Equal(t, 100, view.Result.CompositeScore)

	ev := <-f.events
	assert.Equal(t, events.TypeSessionSubmitted, ev.Type)

	rec = call(t, routes, http.MethodDelete, base, nil, patient)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestHandlerCameraFailureAborts(t *testing.T) {
	f := newManagerFixture(t)
	routes := NewHandler(f.manager, config.SessionConfig{}).Routes()

	rec := call(t, routes, http.MethodPost, "/", CreateSessionRequest{ExerciseID: f.exercise.ID, PatientID: types.NewID()}, nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	var view View
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&view))
	base := "/" + view.ID.String()

	call(t, routes, http.MethodPost, base+"/consent", ConsentRequest{Granted: true}, nil)
	rec = call(t, routes, http.MethodPost, base+"/camera", CameraRequest{Error: "NotAllowedError"}, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = call(t, routes, http.MethodGet, base, nil, nil)
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&view))
	assert.Equal(t, StateAborted, view.State)
}

func TestHandlerCreateForOtherPatientForbidden(t *testing.T) {
	f := newManagerFixture(t)
	routes := NewHandler(f.manager, config.SessionConfig{}).Routes()
	patient := &auth.User{ID: types.NewID(), Roles: []string{auth.RolePatient}}

	rec := call(t, routes, http.MethodPost, "/", CreateSessionRequest{ExerciseID: f.exercise.ID, PatientID: types.NewID()}, patient)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}
