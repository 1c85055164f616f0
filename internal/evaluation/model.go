package evaluation

import (
	"strings"
	"time"

	"github.com/rehabmotion/platform/internal/scoring"
	"github.com/rehabmotion/platform/internal/shared/errors"
	"github.com/rehabmotion/platform/internal/shared/types"
)

// MaxNotesLength bounds patient and doctor free text.
const MaxNotesLength = 2000

// ExerciseEvaluation is the stored outcome of one submitted session. Scoring
// fields are written once at creation; only the review fields change later.
type ExerciseEvaluation struct {
	ID          types.ID  `json:"id"`
	SessionID   types.ID  `json:"sessionId"`
	ExerciseID  types.ID  `json:"exerciseId"`
	PatientID   types.ID  `json:"patientId"`
	DoctorID    types.ID  `json:"doctorId"`
	SessionDate time.Time `json:"sessionDate"`

	CompositeScore  int               `json:"compositeScore"`
	AccuracyPercent float64           `json:"accuracyPercent"`
	RepsCompleted   int               `json:"repsCompleted"`
	RepsExpected    int               `json:"repsExpected"`
	AngleScore      float64           `json:"angleScore"`
	RepScore        float64           `json:"repScore"`
	StabilityScore  float64           `json:"stabilityScore"`
	CompletionScore float64           `json:"completionScore"`
	Warnings        []scoring.Warning `json:"warnings"`
	HasAlerts       bool              `json:"hasAlerts"`

	PainLevel    int    `json:"painLevel"`
	FatigueLevel int    `json:"fatigueLevel"`
	PatientNotes string `json:"patientNotes"`

	DoctorReviewed bool       `json:"doctorReviewed"`
	DoctorNotes    string     `json:"doctorNotes"`
	ReviewedAt     *time.Time `json:"reviewedAt,omitempty"`

	// RemindedAt is set once the open-alert reminder has gone out.
	RemindedAt *time.Time `json:"remindedAt,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
}

// SelfReport is what the patient enters after stopping.
type SelfReport struct {
	PainLevel    int    `json:"painLevel"`
	FatigueLevel int    `json:"fatigueLevel"`
	PatientNotes string `json:"patientNotes"`
}

// Validate checks the self-reported levels and notes.
func (r SelfReport) Validate() error {
	if err := scoring.ValidateSelfReport(r.PainLevel, r.FatigueLevel); err != nil {
		return err
	}
	if len(r.PatientNotes) > MaxNotesLength {
		return errors.Input("patient notes are too long")
	}
	return nil
}

// Subject identifies who performed which exercise in which session.
type Subject struct {
	SessionID  types.ID
	ExerciseID types.ID
	PatientID  types.ID
	DoctorID   types.ID
}

// NewFromResult assembles an evaluation from a finalized score. The ID is
// derived from the session so a repeated submission maps to the same record.
func NewFromResult(subj Subject, sessionDate time.Time, repsCompleted, repsExpected int, res scoring.Result, report SelfReport) *ExerciseEvaluation {
	warnings := res.Warnings
	if warnings == nil {
		warnings = []scoring.Warning{}
	}
	return &ExerciseEvaluation{
		ID:              types.NewDeterministicID("evaluation", subj.SessionID.String()),
		SessionID:       subj.SessionID,
		ExerciseID:      subj.ExerciseID,
		PatientID:       subj.PatientID,
		DoctorID:        subj.DoctorID,
		SessionDate:     sessionDate.UTC(),
		CompositeScore:  res.CompositeScore,
		AccuracyPercent: res.AccuracyPercent,
		RepsCompleted:   repsCompleted,
		RepsExpected:    repsExpected,
		AngleScore:      res.AngleScore,
		RepScore:        res.RepScore,
		StabilityScore:  res.StabilityScore,
		CompletionScore: res.CompletionScore,
		Warnings:        warnings,
		HasAlerts:       res.HasAlerts,
		PainLevel:       report.PainLevel,
		FatigueLevel:    report.FatigueLevel,
		PatientNotes:    strings.TrimSpace(report.PatientNotes),
	}
}

// Validate checks identity and score ranges before the record is stored.
func (e *ExerciseEvaluation) Validate() error {
	details := map[string]string{}
	if e.ID.IsZero() {
		details["id"] = "required"
	}
	if e.SessionID.IsZero() {
		details["sessionId"] = "required"
	}
	if e.ExerciseID.IsZero() {
		details["exerciseId"] = "required"
	}
	if e.PatientID.IsZero() {
		details["patientId"] = "required"
	}
	if e.DoctorID.IsZero() {
		details["doctorId"] = "required"
	}
	if e.SessionDate.IsZero() {
		details["sessionDate"] = "required"
	}
	if e.CompositeScore < 0 || e.CompositeScore > 100 {
		details["compositeScore"] = "must be between 0 and 100"
	}
	checkRange(details, "angleScore", e.AngleScore, scoring.MaxAngleScore)
	checkRange(details, "repScore", e.RepScore, scoring.MaxRepScore)
	checkRange(details, "stabilityScore", e.StabilityScore, scoring.MaxStabilityScore)
	checkRange(details, "completionScore", e.CompletionScore, scoring.MaxCompletionScore)
	if e.RepsCompleted < 0 {
		details["repsCompleted"] = "must not be negative"
	}
	if e.RepsExpected < 1 {
		details["repsExpected"] = "must be at least 1"
	}
	if e.CompositeScore < scoring.AlertScoreFloor && !e.HasAlerts {
		details["hasAlerts"] = "must be set for scores below the alert floor"
	}
	if len(details) > 0 {
		return errors.Validation("invalid evaluation", details)
	}

	return SelfReport{
		PainLevel:    e.PainLevel,
		FatigueLevel: e.FatigueLevel,
		PatientNotes: e.PatientNotes,
	}.Validate()
}

func checkRange(details map[string]string, field string, v, max float64) {
	if v < 0 || v > max {
		details[field] = "out of range"
	}
}

// ReviewNotes normalizes doctor notes before a review is stored.
func ReviewNotes(notes string) (string, error) {
	notes = strings.TrimSpace(notes)
	if len(notes) > MaxNotesLength {
		return "", errors.Input("doctor notes are too long")
	}
	return notes, nil
}

// View selects a doctor queue.
type View string

const (
	ViewAll    View = "all"
	ViewAlerts View = "alerts"
	ViewRecent View = "recent"
)

// ParseView maps a query value to a View; empty means all.
func ParseView(s string) (View, error) {
	switch View(s) {
	case "", ViewAll:
		return ViewAll, nil
	case ViewAlerts, ViewRecent:
		return View(s), nil
	default:
		return "", errors.Input("unknown view " + s)
	}
}

const (
	DefaultListLimit = 50
	MaxListLimit     = 100
)

// ListFilter narrows evaluation listings. Since is resolved by the service
// for the recent view.
type ListFilter struct {
	PatientID  *types.ID
	DoctorID   *types.ID
	ExerciseID *types.ID
	View       View
	Since      *time.Time
	Limit      int
	Offset     int
}

// normalize applies the paging defaults.
func (f ListFilter) normalize() ListFilter {
	if f.Limit <= 0 {
		f.Limit = DefaultListLimit
	}
	if f.Limit > MaxListLimit {
		f.Limit = MaxListLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	if f.View == "" {
		f.View = ViewAll
	}
	return f
}
