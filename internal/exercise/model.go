package exercise

import (
	"fmt"
	"strings"
	"time"

	"github.com/rehabmotion/platform/internal/pose"
	"github.com/rehabmotion/platform/internal/shared/errors"
	"github.com/rehabmotion/platform/internal/shared/types"
)

// Difficulty grades an exercise
type Difficulty string

const (
	DifficultyBeginner     Difficulty = "beginner"
	DifficultyIntermediate Difficulty = "intermediate"
	DifficultyAdvanced     Difficulty = "advanced"
)

func (d Difficulty) valid() bool {
	switch d {
	case DifficultyBeginner, DifficultyIntermediate, DifficultyAdvanced:
		return true
	}
	return false
}

// BodyParts are the accepted target body part labels
var BodyParts = []string{
	"neck", "shoulder", "elbow", "wrist", "back", "hip", "knee", "ankle", "full_body",
}

// DefaultLanguage must be present in every exercise name
const DefaultLanguage = "en"

// LocalizedText maps a language code to text
type LocalizedText map[string]string

// In returns the text for lang, falling back to English.
func (t LocalizedText) In(lang string) string {
	if s, ok := t[lang]; ok && s != "" {
		return s
	}
	return t[DefaultLanguage]
}

// Exercise is a doctor-authored movement. The reference data is immutable
// after creation; only Active may change.
type Exercise struct {
	ID                types.ID                `json:"id"`
	Name              LocalizedText           `json:"name"`
	Description       LocalizedText           `json:"description"`
	Instructions      LocalizedText           `json:"instructions"`
	ReferenceMovement *pose.ReferenceMovement `json:"referenceMovement"`
	ExpectedReps      int                     `json:"expectedReps"`
	HoldSeconds       float64                 `json:"holdSeconds"`
	ToleranceDegrees  float64                 `json:"toleranceDegrees"`
	Difficulty        Difficulty              `json:"difficulty"`
	TargetBodyPart    string                  `json:"targetBodyPart"`
	CreatedBy         types.ID                `json:"createdBy"`
	Active            bool                    `json:"active"`
	CreatedAt         time.Time               `json:"createdAt"`
	UpdatedAt         time.Time               `json:"updatedAt"`
}

// Summary is the list representation without reference frames
type Summary struct {
	ID               types.ID      `json:"id"`
	Name             LocalizedText `json:"name"`
	ExpectedReps     int           `json:"expectedReps"`
	ToleranceDegrees float64       `json:"toleranceDegrees"`
	Difficulty       Difficulty    `json:"difficulty"`
	TargetBodyPart   string        `json:"targetBodyPart"`
	ReferenceFrames  int           `json:"referenceFrames"`
	CreatedBy        types.ID      `json:"createdBy"`
	Active           bool          `json:"active"`
	CreatedAt        time.Time     `json:"createdAt"`
}

// Summarize drops the reference frames
func (e *Exercise) Summarize() Summary {
	return Summary{
		ID:               e.ID,
		Name:             e.Name,
		ExpectedReps:     e.ExpectedReps,
		ToleranceDegrees: e.ToleranceDegrees,
		Difficulty:       e.Difficulty,
		TargetBodyPart:   e.TargetBodyPart,
		ReferenceFrames:  e.ReferenceMovement.Len(),
		CreatedBy:        e.CreatedBy,
		Active:           e.Active,
		CreatedAt:        e.CreatedAt,
	}
}

// CreateExerciseRequest is the doctor-submitted metadata. The reference is
// either inline or taken from a completed processing job.
type CreateExerciseRequest struct {
	Name              LocalizedText           `json:"name"`
	Description       LocalizedText           `json:"description"`
	Instructions      LocalizedText           `json:"instructions"`
	ReferenceMovement *pose.ReferenceMovement `json:"referenceMovement,omitempty"`
	ReferenceJobID    *types.ID               `json:"referenceJobId,omitempty"`
	ExpectedReps      int                     `json:"expectedReps"`
	HoldSeconds       float64                 `json:"holdSeconds"`
	ToleranceDegrees  float64                 `json:"toleranceDegrees"`
	Difficulty        Difficulty              `json:"difficulty"`
	TargetBodyPart    string                  `json:"targetBodyPart"`
	// CreatedBy is only honoured for anonymous requests; otherwise the
	// authenticated user is the author
	CreatedBy types.ID `json:"createdBy,omitempty"`
}

// NewExercise validates req and builds an active exercise. A zero
// tolerance takes defaultTolerance.
func NewExercise(req CreateExerciseRequest, createdBy types.ID, defaultTolerance float64) (*Exercise, error) {
	if req.ToleranceDegrees == 0 {
		req.ToleranceDegrees = defaultTolerance
	}

	details := map[string]string{}
	if strings.TrimSpace(req.Name[DefaultLanguage]) == "" {
		details["name"] = "an English name is required"
	}
	if req.ExpectedReps < 1 {
		details["expectedReps"] = "must be at least 1"
	}
	if req.ToleranceDegrees <= 0 {
		details["toleranceDegrees"] = "must be positive"
	}
	if req.HoldSeconds < 0 {
		details["holdSeconds"] = "must not be negative"
	}
	if !req.Difficulty.valid() {
		details["difficulty"] = "must be beginner, intermediate or advanced"
	}
	if !knownBodyPart(req.TargetBodyPart) {
		details["targetBodyPart"] = "unknown body part"
	}
	if createdBy.IsZero() {
		details["createdBy"] = "required"
	}
	ref, err := PrepareReference(req.ReferenceMovement)
	if err != nil {
		var appErr *errors.AppError
		if errors.As(err, &appErr) {
			details["referenceMovement"] = appErr.Message
		}
	}
	if len(details) > 0 {
		return nil, errors.Validation("invalid exercise", details)
	}

	now := time.Now().UTC()
	return &Exercise{
		ID:                types.NewID(),
		Name:              req.Name,
		Description:       orEmpty(req.Description),
		Instructions:      orEmpty(req.Instructions),
		ReferenceMovement: ref,
		ExpectedReps:      req.ExpectedReps,
		HoldSeconds:       req.HoldSeconds,
		ToleranceDegrees:  req.ToleranceDegrees,
		Difficulty:        req.Difficulty,
		TargetBodyPart:    req.TargetBodyPart,
		CreatedBy:         createdBy,
		Active:            true,
		CreatedAt:         now,
		UpdatedAt:         now,
	}, nil
}

// PrepareReference returns a validated copy of m whose joint angles are
// recomputed from the landmarks. Client-supplied angles are discarded.
func PrepareReference(m *pose.ReferenceMovement) (*pose.ReferenceMovement, error) {
	if m == nil {
		return nil, errors.Input("reference movement has no frames")
	}
	out := *m
	out.Frames = make([]pose.Frame, len(m.Frames))
	for i, f := range m.Frames {
		out.Frames[i] = pose.Frame{FrameIndex: f.FrameIndex, Landmarks: f.Landmarks}
	}
	pose.AttachAngles(out.Frames)
	out.KeyFrameIndices = append([]int(nil), m.KeyFrameIndices...)

	if err := ValidateReference(&out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ValidateReference checks that a reference movement can drive a session:
// every frame carries the full landmark topology and frame indices increase.
func ValidateReference(m *pose.ReferenceMovement) error {
	if m.Len() == 0 {
		return errors.Input("reference movement has no frames")
	}
	if m.FPS <= 0 {
		return errors.Input("reference movement fps must be positive")
	}
	last := m.Len() - 1
	if !m.IsKeyFrame(0) || !m.IsKeyFrame(last) {
		return errors.Input("key frames must include the first and last frame")
	}
	for _, k := range m.KeyFrameIndices {
		if k < 0 || k > last {
			return errors.Input("key frame index out of range")
		}
	}
	for i, f := range m.Frames {
		if !f.Landmarks.Complete() {
			return errors.Input(fmt.Sprintf("frame %d must carry %d landmarks", i, pose.NumLandmarks))
		}
		if i > 0 && f.FrameIndex <= m.Frames[i-1].FrameIndex {
			return errors.Input(fmt.Sprintf("frame %d: frame indices must increase", i))
		}
	}
	for _, f := range m.Frames {
		if len(f.Angles) > 0 {
			return nil
		}
	}
	return errors.Input("reference movement has no joint angles")
}

func knownBodyPart(part string) bool {
	for _, p := range BodyParts {
		if p == part {
			return true
		}
	}
	return false
}

func orEmpty(t LocalizedText) LocalizedText {
	if t == nil {
		return LocalizedText{}
	}
	return t
}

// ListFilter narrows exercise listings
type ListFilter struct {
	CreatedBy  *types.ID
	ActiveOnly bool
	Limit      int
	Offset     int
}

func (f ListFilter) normalize() ListFilter {
	if f.Limit <= 0 || f.Limit > 100 {
		f.Limit = 50
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return f
}
