package session

import (
	"math"

	"gonum.org/v1/gonum/stat"

	"github.com/rehabmotion/platform/internal/pose"
	"github.com/rehabmotion/platform/internal/scoring"
	"github.com/rehabmotion/platform/internal/shared/errors"
)

// ErrEvaluatorDone is returned when a frame arrives after the target.
var ErrEvaluatorDone = errors.InvalidTransition("stopped", "frame")

// FrameResult is the per-frame output of the live loop.
type FrameResult struct {
	// Evaluated is false when the frame carried no usable pose and was skipped
	Evaluated  bool          `json:"evaluated"`
	Similarity float64       `json:"similarity"`
	Feedback   pose.Feedback `json:"feedback"`
	// Cursor is the reference position the frame was compared against
	Cursor      int  `json:"cursor"`
	KeyFrame    bool `json:"keyFrame"`
	RepComplete bool `json:"repComplete"`
	Done        bool `json:"done"`
}

// Metrics are the cumulative session figures shown while exercising.
type Metrics struct {
	FramesCaptured int     `json:"framesCaptured"`
	FramesExpected int     `json:"framesExpected"`
	SkippedFrames  int     `json:"skippedFrames"`
	RepsCompleted  int     `json:"repsCompleted"`
	RepsExpected   int     `json:"repsExpected"`
	MeanSimilarity float64 `json:"meanSimilarity"`
	Cursor         int     `json:"cursor"`
	ReachedTarget  bool    `json:"reachedTarget"`
}

// Evaluator is the live reducer: frames in, feedback and metrics out. It
// holds no I/O and is not safe for concurrent use.
type Evaluator struct {
	ref          *pose.ReferenceMovement
	tolerance    float64
	repsExpected int
	target       int

	cursor       int
	buffer       []pose.Frame
	similarities []float64
	skipped      int
	reps         *RepCounter
}

// NewEvaluator prepares a session against ref. The session auto-stops after
// ref.Len() × expectedReps evaluated frames.
func NewEvaluator(ref *pose.ReferenceMovement, expectedReps int, toleranceDegrees, repThreshold float64) (*Evaluator, error) {
	if ref.Len() == 0 {
		return nil, errors.Input("exercise has no reference frames")
	}
	if expectedReps < 1 {
		expectedReps = 1
	}
	return &Evaluator{
		ref:          ref,
		tolerance:    toleranceDegrees,
		repsExpected: expectedReps,
		target:       ref.Len() * expectedReps,
		buffer:       make([]pose.Frame, 0, ref.Len()*expectedReps),
		reps:         NewRepCounter(ref.Len(), repThreshold),
	}, nil
}

// Step consumes one detection. ok false, or a landmark set from which no
// joint angle can be computed, skips the frame without advancing.
func (e *Evaluator) Step(lms pose.Landmarks, ok bool) (FrameResult, error) {
	if e.Done() {
		return FrameResult{Done: true, Cursor: e.cursor}, ErrEvaluatorDone
	}

	var angles pose.Angles
	if ok {
		angles = pose.ExtractAngles(lms)
	}
	if len(angles) == 0 {
		e.skipped++
		return FrameResult{Cursor: e.cursor}, nil
	}

	refFrame := e.ref.FrameAt(e.cursor)
	res := FrameResult{
		Evaluated:  true,
		Similarity: pose.CalculateSimilarity(refFrame.Angles, angles, e.tolerance),
		Feedback:   pose.GenerateFeedback(refFrame.Angles, angles, e.tolerance),
		Cursor:     e.cursor,
		KeyFrame:   e.ref.IsKeyFrame(e.cursor),
	}

	e.buffer = append(e.buffer, pose.Frame{
		FrameIndex: len(e.buffer),
		Landmarks:  lms,
		Angles:     angles,
	})
	e.similarities = append(e.similarities, res.Similarity)
	res.RepComplete = e.reps.Add(res.Similarity)

	if e.cursor < e.ref.Len()-1 {
		e.cursor++
	}
	res.Done = e.Done()
	return res, nil
}

// Done reports whether the frame target was reached.
func (e *Evaluator) Done() bool {
	return len(e.buffer) >= e.target
}

// Metrics returns the cumulative figures so far.
func (e *Evaluator) Metrics() Metrics {
	m := Metrics{
		FramesCaptured: len(e.buffer),
		FramesExpected: e.target,
		SkippedFrames:  e.skipped,
		RepsCompleted:  e.reps.Count(),
		RepsExpected:   e.repsExpected,
		Cursor:         e.cursor,
		ReachedTarget:  e.Done(),
	}
	if len(e.similarities) > 0 {
		m.MeanSimilarity = math.Round(stat.Mean(e.similarities, nil)*100) / 100
	}
	return m
}

// Frames returns the buffered live frames.
func (e *Evaluator) Frames() []pose.Frame {
	return e.buffer
}

// ScoringInput finalizes the buffer as collected so far.
func (e *Evaluator) ScoringInput(painLevel, fatigueLevel int) scoring.Input {
	return scoring.Input{
		Similarities:   append([]float64(nil), e.similarities...),
		RepsCompleted:  e.reps.Count(),
		RepsExpected:   e.repsExpected,
		FramesCaptured: len(e.buffer),
		FramesExpected: e.target,
		ReachedTarget:  e.Done(),
		PainLevel:      painLevel,
		FatigueLevel:   fatigueLevel,
	}
}
