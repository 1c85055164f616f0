package exercise

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rehabmotion/platform/internal/capture"
	"github.com/rehabmotion/platform/internal/pose"
	"github.com/rehabmotion/platform/internal/pose/posetest"
	"github.com/rehabmotion/platform/internal/reference"
	"github.com/rehabmotion/platform/internal/shared/auth"
	"github.com/rehabmotion/platform/internal/shared/config"
	"github.com/rehabmotion/platform/internal/shared/database"
	"github.com/rehabmotion/platform/internal/shared/errors"
	"github.com/rehabmotion/platform/internal/shared/events"
	"github.com/rehabmotion/platform/internal/shared/types"
)

func newRepo(t *testing.T) *SQLiteRepository {
	t.Helper()
	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "exercise.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewSQLiteRepository(db)
}

func armRaise() CreateExerciseRequest {
	return CreateExerciseRequest{
		Name:              LocalizedText{"en": "Arm raise", "sr": "Podizanje ruku"},
		Instructions:      LocalizedText{"en": "Raise both arms slowly"},
		ReferenceMovement: posetest.Movement(15, 0, 45, 90),
		ExpectedReps:      2,
		Difficulty:        DifficultyBeginner,
		TargetBodyPart:    "shoulder",
	}
}

func TestNewExerciseDefaultsTolerance(t *testing.T) {
	e, err := NewExercise(armRaise(), types.NewID(), 15)
	require.NoError(t, err)
	assert.Equal(t, 15.0, e.ToleranceDegrees)
	assert.True(t, e.Active)
	assert.NotNil(t, e.Description)
	assert.Equal(t, "Podizanje ruku", e.Name.In("sr"))
	assert.Equal(t, "Arm raise", e.Name.In("de"))
}

func TestNewExerciseValidation(t *testing.T) {
	req := armRaise()
	req.Name = LocalizedText{"sr": "samo srpski"}
	req.ExpectedReps = 0
	req.HoldSeconds = -1
	req.Difficulty = "expert"
	req.TargetBodyPart = "tail"
	req.ReferenceMovement.KeyFrameIndices = []int{1}

	_, err := NewExercise(req, "", 15)
	var appErr *errors.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, "VALIDATION_ERROR", appErr.Code)
	assert.Equal(t, map[string]string{
		"name":              "an English name is required",
		"expectedReps":      "must be at least 1",
		"holdSeconds":       "must not be negative",
		"difficulty":        "must be beginner, intermediate or advanced",
		"targetBodyPart":    "unknown body part",
		"createdBy":         "required",
		"referenceMovement": "key frames must include the first and last frame",
	}, appErr.Details)
}

func TestValidateReference(t *testing.T) {
	assert.Error(t, ValidateReference(nil))

	m := posetest.Movement(15, 0, 90)
	m.FPS = 0
	assert.Error(t, ValidateReference(m))

	m = posetest.Movement(15, 0, 90)
	m.KeyFrameIndices = append(m.KeyFrameIndices, 7)
	assert.Error(t, ValidateReference(m))

	m = posetest.Movement(15, 0, 90)
	for i := range m.Frames {
		m.Frames[i].Angles = nil
	}
	assert.Error(t, ValidateReference(m))

	assert.NoError(t, ValidateReference(posetest.Movement(15, 0, 90)))
}

func TestNewExerciseRecomputesReferenceAngles(t *testing.T) {
	req := armRaise()
	req.ReferenceMovement.Frames[1].Angles[pose.JointLeftShoulder] = 170

	e, err := NewExercise(req, types.NewID(), 15)
	require.NoError(t, err)
	assert.InDelta(t, 45, e.ReferenceMovement.Frames[1].Angles[pose.JointLeftShoulder], 1e-6)
	// the request is left untouched
	assert.Equal(t, 170.0, req.ReferenceMovement.Frames[1].Angles[pose.JointLeftShoulder])
}

func TestNewExerciseRejectsIncompleteReferenceFrames(t *testing.T) {
	req := armRaise()
	req.ReferenceMovement.Frames[1].Landmarks = nil
	_, err := NewExercise(req, types.NewID(), 15)
	var appErr *errors.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Contains(t, appErr.Details["referenceMovement"], "landmarks")

	req = armRaise()
	req.ReferenceMovement.Frames[2].FrameIndex = 1
	_, err = NewExercise(req, types.NewID(), 15)
	require.True(t, errors.As(err, &appErr))
	assert.Contains(t, appErr.Details["referenceMovement"], "frame indices")

	_, err = PrepareReference(nil)
	assert.ErrorIs(t, err, errors.ErrInput)
}

func TestSQLiteRepositoryRoundTrip(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)

	e, err := NewExercise(armRaise(), types.NewID(), 15)
	require.NoError(t, err)
	require.NoError(t, repo.Create(ctx, e))
	assert.True(t, errors.Is(repo.Create(ctx, e), errors.ErrConflict))

	got, err := repo.Get(ctx, e.ID)
	require.NoError(t, err)
	if diff := cmp.Diff(e, got); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}

	_, err = repo.Get(ctx, types.NewID())
	assert.True(t, errors.Is(err, errors.ErrNotFound))
}

func TestSQLiteRepositoryListAndDeactivate(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)
	author, other := types.NewID(), types.NewID()

	var ids []types.ID
	for i, by := range []types.ID{author, author, other} {
		e, err := NewExercise(armRaise(), by, 15)
		require.NoError(t, err)
		e.CreatedAt = e.CreatedAt.Add(time.Duration(i) * time.Second)
		require.NoError(t, repo.Create(ctx, e))
		ids = append(ids, e.ID)
	}

	list, total, err := repo.List(ctx, ListFilter{CreatedBy: &author})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Equal(t, []types.ID{ids[1], ids[0]}, []types.ID{list[0].ID, list[1].ID})

	deactivated, err := repo.Deactivate(ctx, ids[0])
	require.NoError(t, err)
	assert.False(t, deactivated.Active)

	_, total, err = repo.List(ctx, ListFilter{ActiveOnly: true})
	require.NoError(t, err)
	assert.Equal(t, 2, total)

	_, total, err = repo.List(ctx, ListFilter{})
	require.NoError(t, err)
	assert.Equal(t, 3, total)

	_, err = repo.Deactivate(ctx, types.NewID())
	assert.True(t, errors.Is(err, errors.ErrNotFound))
}

func TestReferenceDataIsImmutable(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)
	e, err := NewExercise(armRaise(), types.NewID(), 15)
	require.NoError(t, err)
	require.NoError(t, repo.Create(ctx, e))

	_, err = repo.db.ExecContext(ctx, `UPDATE exercises SET expected_reps = 5 WHERE id = ?`, e.ID)
	require.Error(t, err)
	assert.True(t, database.IsImmutableViolation(err))

	_, err = repo.db.ExecContext(ctx, `UPDATE exercises SET reference_movement = '{}' WHERE id = ?`, e.ID)
	assert.Error(t, err)
}

// --- HTTP ---

type harness struct {
	repo   *SQLiteRepository
	bus    *events.MemoryBus
	runner *reference.Runner
	events chan events.Event
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	runner := reference.NewRunner(reference.NewProcessor(config.ReferenceConfig{}, nil), reference.DefaultRunnerConfig(), nil)
	require.NoError(t, runner.Start(ctx))
	t.Cleanup(func() { runner.Stop() })

	h := &harness{repo: newRepo(t), bus: events.NewMemoryBus(), runner: runner, events: make(chan events.Event, 16)}
	require.NoError(t, h.bus.Subscribe(ctx, "exercise.*", "test", func(_ context.Context, e events.Event) error {
		h.events <- e
		return nil
	}))
	return h
}

func (h *harness) routes(authCfg config.AuthConfig, maxUpload int64) http.Handler {
	cfg := &config.Config{
		Auth: authCfg,
		Reference: config.ReferenceConfig{
			MaxUploadBytes:    maxUpload,
			AllowedVideoTypes: []string{"video/mp4"},
		},
		Evaluation: config.EvaluationConfig{DefaultToleranceDegrees: 15},
	}
	return NewHandler(h.repo, h.bus, h.runner, cfg, nil).Routes()
}

func serve(h http.Handler, method, target, contentType string, body []byte, user *auth.User) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if user != nil {
		req = req.WithContext(auth.WithUser(req.Context(), user))
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func TestHandlerCreateGetList(t *testing.T) {
	h := newHarness(t)
	routes := h.routes(config.AuthConfig{}, 0)

	req := armRaise()
	req.CreatedBy = types.NewID()
	rec := serve(routes, http.MethodPost, "/", "application/json", mustJSON(t, req), nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var created Exercise
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&created))
	assert.Equal(t, req.CreatedBy, created.CreatedBy)
	assert.Equal(t, 3, created.ReferenceMovement.Len())

	ev := <-h.events
	assert.Equal(t, events.TypeExerciseCreated, ev.Type)
	assert.Equal(t, created.ID, ev.ResourceID)

	rec = serve(routes, http.MethodGet, "/"+created.ID.String(), "", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = serve(routes, http.MethodGet, "/", "", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Data  []Summary `json:"data"`
		Total int       `json:"total"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	require.Equal(t, 1, body.Total)
	assert.Equal(t, 3, body.Data[0].ReferenceFrames)

	rec = serve(routes, http.MethodGet, "/"+types.NewID().String(), "", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	bad := armRaise()
	bad.ExpectedReps = 0
	rec = serve(routes, http.MethodPost, "/", "application/json", mustJSON(t, bad), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandlerDeactivateRequiresAuthor(t *testing.T) {
	h := newHarness(t)
	routes := h.routes(config.AuthConfig{Enabled: true}, 0)
	author := &auth.User{ID: types.NewID(), Roles: []string{auth.RoleDoctor}}

	rec := serve(routes, http.MethodPost, "/", "application/json", mustJSON(t, armRaise()), author)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created Exercise
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&created))
	assert.Equal(t, author.ID, created.CreatedBy)

	target := "/" + created.ID.String() + "/deactivate"
	rec = serve(routes, http.MethodPost, target, "", nil, &auth.User{ID: types.NewID(), Roles: []string{auth.RolePatient}})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = serve(routes, http.MethodPost, target, "", nil, &auth.User{ID: types.NewID(), Roles: []string{auth.RoleDoctor}})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = serve(routes, http.MethodPost, target, "", nil, author)
	require.Equal(t, http.StatusOK, rec.Code)
	var got Exercise
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	assert.False(t, got.Active)
}

func poseTrack(t *testing.T) []byte {
	t.Helper()
	track := capture.PoseTrack{DurationSeconds: 1}
	for i := 0; i < 10; i++ {
		track.Samples = append(track.Samples, capture.TrackSample{
			TimeSeconds: float64(i) / 10,
			Landmarks:   posetest.Standing(float64(i) * 10),
		})
	}
	return mustJSON(t, track)
}

func TestHandlerReferenceUploadToExercise(t *testing.T) {
	h := newHarness(t)
	routes := h.routes(config.AuthConfig{}, 1<<20)

	rec := serve(routes, http.MethodPost, "/reference", PoseTrackContentType, poseTrack(t), nil)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var job reference.Job
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&job))

	require.Eventually(t, func() bool {
		rec := serve(routes, http.MethodGet, "/reference/jobs/"+job.ID.String(), "", nil, nil)
		if rec.Code != http.StatusOK {
			return false
		}
		if err := json.NewDecoder(rec.Body).Decode(&job); err != nil {
			return false
		}
		return job.Status == reference.JobCompleted
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 100, job.Progress)

	req := armRaise()
	req.ReferenceMovement = nil
	req.ReferenceJobID = &job.ID
	req.CreatedBy = types.NewID()
	rec = serve(routes, http.MethodPost, "/", "application/json", mustJSON(t, req), nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created Exercise
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&created))
	assert.Equal(t, 15, created.ReferenceMovement.Len())

	unknown := types.NewID()
	req.ReferenceJobID = &unknown
	rec = serve(routes, http.MethodPost, "/", "application/json", mustJSON(t, req), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandlerReferenceUploadRejects(t *testing.T) {
	h := newHarness(t)

	rec := serve(h.routes(config.AuthConfig{}, 1<<20), http.MethodPost, "/reference", "text/plain", []byte("hello"), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(h.routes(config.AuthConfig{}, 1<<20), http.MethodPost, "/reference", "", []byte("hello"), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(h.routes(config.AuthConfig{}, 64), http.MethodPost, "/reference", PoseTrackContentType, poseTrack(t), nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "exceeds 64 bytes"), rec.Body.String())

	rec = serve(h.routes(config.AuthConfig{}, 1<<20), http.MethodGet, "/reference/jobs/"+types.NewID().String(), "", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
