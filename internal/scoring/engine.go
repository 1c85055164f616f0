// Package scoring turns a finished session into the composite evaluation
// score, its four sub-scores and the safety warnings.
package scoring

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"

	"github.com/rehabmotion/platform/internal/shared/errors"
)

// Sub-score ceilings. They sum to 100.
const (
	MaxAngleScore      = 40.0
	MaxRepScore        = 30.0
	MaxStabilityScore  = 20.0
	MaxCompletionScore = 10.0
)

// maxPopVariance is the largest population variance of values in [0,100].
const maxPopVariance = 2500.0

// Warning is a named safety code attached to an evaluation.
type Warning string

const (
	WarningLowStability      Warning = "low_stability"
	WarningUnsafeAngle       Warning = "unsafe_angle"
	WarningIncompleteReps    Warning = "incomplete_reps"
	WarningIncompleteSession Warning = "incomplete_session"
)

// Floors below which a sub-score raises its warning.
const (
	StabilityFloor  = 10.0
	AngleFloor      = 20.0
	RepFloor        = 15.0
	CompletionFloor = 5.0
)

// AlertScoreFloor is the composite score below which an evaluation always
// goes to the doctor's alert queue.
const AlertScoreFloor = 60

// PainAlertLevel is the self-reported pain level that raises an alert
// regardless of score.
const PainAlertLevel = 7

// Input is everything the engine needs from a finished session.
type Input struct {
	// Similarities holds the per-frame similarity of every evaluated frame
	Similarities   []float64
	RepsCompleted  int
	RepsExpected   int
	FramesCaptured int
	FramesExpected int
	// ReachedTarget is true when the session auto-stopped at its frame target
	ReachedTarget bool
	PainLevel     int
	FatigueLevel  int
}

// Result is the scored session.
type Result struct {
	CompositeScore  int       `json:"compositeScore"`
	AccuracyPercent float64   `json:"accuracyPercent"`
	AngleScore      float64   `json:"angleScore"`
	RepScore        float64   `json:"repScore"`
	StabilityScore  float64   `json:"stabilityScore"`
	CompletionScore float64   `json:"completionScore"`
	Warnings        []Warning `json:"warnings"`
	HasAlerts       bool      `json:"hasAlerts"`
}

// Score computes the evaluation result. It is pure and runs once per session.
func Score(in Input) Result {
	var mean, variance float64
	if len(in.Similarities) > 0 {
		mean, variance = stat.PopMeanVariance(in.Similarities, nil)
	}

	angle := MaxAngleScore * (mean / 100)

	expected := in.RepsExpected
	if expected <= 0 {
		expected = 1
	}
	reps := MaxRepScore * math.Min(1, float64(max(in.RepsCompleted, 0))/float64(expected))

	stability := 0.0
	if len(in.Similarities) > 0 {
		normalized := math.Min(1, math.Max(0, variance/maxPopVariance))
		stability = math.Max(0, MaxStabilityScore*(1-normalized))
	}

	completion := 0.0
	switch {
	case in.ReachedTarget:
		completion = MaxCompletionScore
	case in.FramesExpected > 0:
		completion = MaxCompletionScore * math.Min(1, float64(in.FramesCaptured)/float64(in.FramesExpected))
	}

	composite := int(math.Round(angle + reps + stability + completion))
	composite = min(max(composite, 0), 100)

	warnings := []Warning{}
	if stability < StabilityFloor {
		warnings = append(warnings, WarningLowStability)
	}
	if angle < AngleFloor {
		warnings = append(warnings, WarningUnsafeAngle)
	}
	if reps < RepFloor {
		warnings = append(warnings, WarningIncompleteReps)
	}
	if completion < CompletionFloor {
		warnings = append(warnings, WarningIncompleteSession)
	}

	return Result{
		CompositeScore:  composite,
		AccuracyPercent: round2(mean),
		AngleScore:      round2(angle),
		RepScore:        round2(reps),
		StabilityScore:  round2(stability),
		CompletionScore: round2(completion),
		Warnings:        warnings,
		HasAlerts:       HasAlerts(composite, warnings, in.PainLevel),
	}
}

// HasAlerts reports whether an evaluation belongs in the alert queue.
func HasAlerts(compositeScore int, warnings []Warning, painLevel int) bool {
	return compositeScore < AlertScoreFloor || len(warnings) > 0 || painLevel >= PainAlertLevel
}

// ValidateSelfReport checks patient-reported pain and fatigue levels.
func ValidateSelfReport(painLevel, fatigueLevel int) error {
	if painLevel < 0 || painLevel > 10 {
		return errors.Input(fmt.Sprintf("painLevel must be between 0 and 10, got %d", painLevel))
	}
	if fatigueLevel < 0 || fatigueLevel > 10 {
		return errors.Input(fmt.Sprintf("fatigueLevel must be between 0 and 10, got %d", fatigueLevel))
	}
	return nil
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
