// Package session runs a patient's live exercise session: the lifecycle
// state machine, the per-frame evaluator and the final scoring and
// submission.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/rehabmotion/platform/internal/capture"
	"github.com/rehabmotion/platform/internal/evaluation"
	"github.com/rehabmotion/platform/internal/exercise"
	"github.com/rehabmotion/platform/internal/pose"
	"github.com/rehabmotion/platform/internal/scoring"
	"github.com/rehabmotion/platform/internal/shared/errors"
	"github.com/rehabmotion/platform/internal/shared/metrics"
	"github.com/rehabmotion/platform/internal/shared/types"
)

// Submitter persists a finished evaluation
type Submitter interface {
	Create(ctx context.Context, e *evaluation.ExerciseEvaluation) (*evaluation.ExerciseEvaluation, error)
}

// View is a point-in-time copy of a session
type View struct {
	ID           types.ID               `json:"id"`
	ExerciseID   types.ID               `json:"exerciseId"`
	PatientID    types.ID               `json:"patientId"`
	DoctorID     types.ID               `json:"doctorId"`
	State        State                  `json:"state"`
	CameraActive bool                   `json:"cameraActive"`
	Metrics      Metrics                `json:"metrics"`
	Result       *scoring.Result        `json:"result,omitempty"`
	SelfReport   *evaluation.SelfReport `json:"selfReport,omitempty"`
	EvaluationID *types.ID              `json:"evaluationId,omitempty"`
	CreatedAt    time.Time              `json:"createdAt"`
	StartedAt    *time.Time             `json:"startedAt,omitempty"`
	StoppedAt    *time.Time             `json:"stoppedAt,omitempty"`
	LastActivity time.Time              `json:"lastActivity"`
}

// Session is one patient performing one exercise. All methods are safe for
// concurrent use; frames are still processed one at a time.
type Session struct {
	mu sync.Mutex

	id         types.ID
	exerciseID types.ID
	patientID  types.ID
	doctorID   types.ID

	state          State
	camera         capture.LiveCameraSource
	cameraReleased bool
	eval           *Evaluator
	result         *scoring.Result
	report         *evaluation.SelfReport
	evaluationID   *types.ID

	createdAt    time.Time
	startedAt    time.Time
	stoppedAt    time.Time
	lastActivity time.Time

	limiter         *rate.Limiter
	now             func() time.Time
	onTerminal      func(View)
	terminalPending bool
}

// Option configures a session
type Option func(*Session)

// WithClock replaces the wall clock
func WithClock(now func() time.Time) Option {
	return func(s *Session) { s.now = now }
}

// MaxFramesPerBatch bounds one PushFrames call.
const MaxFramesPerBatch = 120

// WithFrameRate caps client-pushed frames per second. Zero means no cap.
// The burst always fits one full batch.
func WithFrameRate(fps int) Option {
	return func(s *Session) {
		if fps > 0 {
			s.limiter = rate.NewLimiter(rate.Limit(fps), max(fps, MaxFramesPerBatch))
		}
	}
}

// OnTerminal registers fn to run once the session is submitted or aborted.
// fn runs without the session lock held.
func OnTerminal(fn func(View)) Option {
	return func(s *Session) { s.onTerminal = fn }
}

// New creates a session awaiting consent. The exercise author becomes the
// reviewing doctor.
func New(ex *exercise.Exercise, patientID types.ID, repThreshold float64, opts ...Option) (*Session, error) {
	if !ex.Active {
		return nil, errors.Conflict("exercise is no longer active")
	}
	if patientID.IsZero() {
		return nil, errors.Input("patientId is required")
	}
	eval, err := NewEvaluator(ex.ReferenceMovement, ex.ExpectedReps, ex.ToleranceDegrees, repThreshold)
	if err != nil {
		return nil, err
	}

	s := &Session{
		id:         types.NewID(),
		exerciseID: ex.ID,
		patientID:  patientID,
		doctorID:   ex.CreatedBy,
		state:      StateAwaitingConsent,
		eval:       eval,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.createdAt = s.now().UTC()
	s.lastActivity = s.createdAt
	return s, nil
}

// ID returns the session ID
func (s *Session) ID() types.ID {
	return s.id
}

// PatientID returns the patient performing the session
func (s *Session) PatientID() types.ID {
	return s.patientID
}

// Consent records the patient's answer to the camera prompt.
func (s *Session) Consent(granted bool) error {
	s.mu.Lock()
	defer s.unlock()

	ev := EventConsentDeclined
	if granted {
		ev = EventConsentGranted
	}
	return s.transition(ev)
}

// AttachCamera hands the session its stream. The session owns cam from here
// on and releases it exactly once.
func (s *Session) AttachCamera(cam capture.LiveCameraSource) error {
	s.mu.Lock()
	defer s.unlock()

	if err := s.transition(EventCameraReady); err != nil {
		cam.Release()
		return err
	}
	s.camera = cam
	return nil
}

// CameraFailed aborts the session after a denied or failed camera request.
// There is no automatic retry.
func (s *Session) CameraFailed(cause error) error {
	s.mu.Lock()
	defer s.unlock()

	if err := s.transition(EventCameraFailed); err != nil {
		return err
	}
	return errors.CapabilityUnavailable("camera unavailable", cause)
}

// Start begins exercising.
func (s *Session) Start() error {
	s.mu.Lock()
	defer s.unlock()

	if err := s.transition(EventStart); err != nil {
		return err
	}
	s.startedAt = s.now().UTC()
	return nil
}

// Step pulls one detection from the camera and evaluates it. Reaching the
// frame target stops the session. A camera failure also stops it; frames
// collected so far are kept for scoring.
func (s *Session) Step(ctx context.Context) (FrameResult, error) {
	s.mu.Lock()
	defer s.unlock()

	if s.state != StateExercising {
		return FrameResult{}, errors.InvalidTransition(string(s.state), "frame")
	}

	lms, ok, err := s.camera.Detect(ctx, s.now().Sub(s.startedAt))
	if err != nil {
		if ctx.Err() != nil {
			return FrameResult{}, err
		}
		s.stop()
		return FrameResult{}, errors.CapabilityUnavailable("camera stream failed", err)
	}

	res, err := s.eval.Step(lms, ok)
	if err != nil {
		return res, err
	}
	metrics.RecordSessionFrame(res.Evaluated)
	s.lastActivity = s.now().UTC()

	if res.Done {
		s.stop()
	}
	return res, nil
}

// framePusher is a camera fed by the client rather than read by the server
type framePusher interface {
	Push(lms pose.Landmarks) error
}

// PushFrame queues a client-side detection on the session camera and
// evaluates it. An empty landmark set is a frame without a person.
func (s *Session) PushFrame(ctx context.Context, lms pose.Landmarks) (FrameResult, error) {
	if err := s.reserveFrames(1); err != nil {
		return FrameResult{}, err
	}
	return s.pushFrame(ctx, lms)
}

// PushFrames evaluates a batch of client-side detections in capture order.
// The whole batch is charged against the frame rate up front. Evaluation
// stops at auto-stop or at the first failing frame; the error is returned
// only when no frame was accepted.
func (s *Session) PushFrames(ctx context.Context, batch []pose.Landmarks) ([]FrameResult, error) {
	if len(batch) == 0 {
		return nil, errors.Input("no frames")
	}
	if len(batch) > MaxFramesPerBatch {
		return nil, errors.Input(fmt.Sprintf("at most %d frames per request", MaxFramesPerBatch))
	}
	if err := s.reserveFrames(len(batch)); err != nil {
		return nil, err
	}

	results := make([]FrameResult, 0, len(batch))
	for _, lms := range batch {
		res, err := s.pushFrame(ctx, lms)
		if err != nil {
			if len(results) == 0 {
				return nil, err
			}
			break
		}
		results = append(results, res)
		if res.Done {
			break
		}
	}
	return results, nil
}

func (s *Session) reserveFrames(n int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateExercising {
		return errors.InvalidTransition(string(s.state), "frame")
	}
	if s.limiter != nil && !s.limiter.AllowN(s.now(), n) {
		return errors.RateLimited("frame rate limit exceeded")
	}
	return nil
}

func (s *Session) pushFrame(ctx context.Context, lms pose.Landmarks) (FrameResult, error) {
	s.mu.Lock()
	if s.state != StateExercising {
		state := s.state
		s.mu.Unlock()
		return FrameResult{}, errors.InvalidTransition(string(state), "frame")
	}
	pusher, ok := s.camera.(framePusher)
	s.mu.Unlock()

	if !ok {
		return FrameResult{}, errors.Input("session camera does not accept pushed frames")
	}
	if err := pusher.Push(lms); err != nil {
		if errors.Is(err, capture.ErrStreamReleased) {
			return FrameResult{}, errors.Conflict("camera stream released")
		}
		return FrameResult{}, err
	}
	return s.Step(ctx)
}

// Stop ends exercising and moves straight to results review.
func (s *Session) Stop() error {
	s.mu.Lock()
	defer s.unlock()

	if s.state != StateExercising {
		return errors.InvalidTransition(string(s.state), string(EventStop))
	}
	s.stop()
	return nil
}

// stop finalizes the buffer as-is and scores it once.
func (s *Session) stop() {
	if err := s.transition(EventStop); err != nil {
		return
	}
	s.stoppedAt = s.now().UTC()
	s.releaseCamera()

	res := scoring.Score(s.eval.ScoringInput(0, 0))
	s.result = &res

	_ = s.transition(EventShowResults)
}

// Review captures the patient's self-report. It may be repeated until the
// session is submitted.
func (s *Session) Review(report evaluation.SelfReport) error {
	s.mu.Lock()
	defer s.unlock()

	if s.state != StateReviewingResults {
		return errors.InvalidTransition(string(s.state), "review")
	}
	if err := report.Validate(); err != nil {
		return err
	}
	s.report = &report
	s.lastActivity = s.now().UTC()
	return nil
}

// Submit persists the evaluation. On failure the session stays in review so
// the patient can retry without repeating the exercise.
func (s *Session) Submit(ctx context.Context, store Submitter) (*evaluation.ExerciseEvaluation, error) {
	s.mu.Lock()
	defer s.unlock()

	if s.state != StateReviewingResults {
		return nil, errors.InvalidTransition(string(s.state), string(EventSubmitted))
	}
	if s.report == nil {
		return nil, errors.Input("pain and fatigue must be reported before submitting")
	}

	res := *s.result
	res.HasAlerts = scoring.HasAlerts(res.CompositeScore, res.Warnings, s.report.PainLevel)

	m := s.eval.Metrics()
	e := evaluation.NewFromResult(evaluation.Subject{
		SessionID:  s.id,
		ExerciseID: s.exerciseID,
		PatientID:  s.patientID,
		DoctorID:   s.doctorID,
	}, s.startedAt, m.RepsCompleted, m.RepsExpected, res, *s.report)

	saved, err := store.Create(ctx, e)
	if err != nil {
		_ = s.transition(EventSubmitFailed)
		var appErr *errors.AppError
		if errors.As(err, &appErr) {
			return nil, err
		}
		return nil, errors.Persistence(err)
	}

	if err := s.transition(EventSubmitted); err != nil {
		return nil, err
	}
	s.releaseCamera()
	s.evaluationID = &saved.ID
	return saved, nil
}

// Abort tears the session down early and releases the camera.
func (s *Session) Abort() error {
	s.mu.Lock()
	defer s.unlock()

	if err := s.transition(EventAbort); err != nil {
		return err
	}
	s.releaseCamera()
	return nil
}

// Snapshot returns a copy of the session state
func (s *Session) Snapshot() View {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view()
}

// idleSince reports the last activity and whether the session is finished.
func (s *Session) idleSince() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity, s.state.Terminal()
}

func (s *Session) transition(ev Event) error {
	to, err := Next(s.state, ev)
	if err != nil {
		return err
	}
	from := s.state
	s.state = to
	s.lastActivity = s.now().UTC()
	if from != to {
		metrics.RecordSessionTransition(string(from), string(to))
	}
	if to.Terminal() {
		s.releaseCamera()
		s.terminalPending = true
	}
	return nil
}

func (s *Session) releaseCamera() {
	if s.camera == nil || s.cameraReleased {
		return
	}
	s.camera.Release()
	s.cameraReleased = true
}

// unlock releases the lock and then runs the terminal hook, if due.
func (s *Session) unlock() {
	var v *View
	if s.terminalPending && s.onTerminal != nil {
		view := s.view()
		v = &view
	}
	s.terminalPending = false
	s.mu.Unlock()

	if v != nil {
		s.onTerminal(*v)
	}
}

func (s *Session) view() View {
	m := s.eval.Metrics()
	v := View{
		ID:           s.id,
		ExerciseID:   s.exerciseID,
		PatientID:    s.patientID,
		DoctorID:     s.doctorID,
		State:        s.state,
		CameraActive: holdsCamera(s.state) && s.camera != nil && !s.cameraReleased && s.camera.Active(),
		Metrics:      m,
		CreatedAt:    s.createdAt,
		LastActivity: s.lastActivity,
		EvaluationID: s.evaluationID,
	}
	if s.result != nil {
		res := *s.result
		v.Result = &res
	}
	if s.report != nil {
		report := *s.report
		v.SelfReport = &report
	}
	if !s.startedAt.IsZero() {
		t := s.startedAt
		v.StartedAt = &t
	}
	if !s.stoppedAt.IsZero() {
		t := s.stoppedAt
		v.StoppedAt = &t
	}
	return v
}
