// Command posereplay runs a recorded pose track through a headless exercise
// session and prints per-frame feedback and the final score.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rehabmotion/platform/internal/capture"
	"github.com/rehabmotion/platform/internal/evaluation"
	"github.com/rehabmotion/platform/internal/exercise"
	"github.com/rehabmotion/platform/internal/pose"
	"github.com/rehabmotion/platform/internal/session"
	"github.com/rehabmotion/platform/internal/shared/types"
)

func main() {
	if err := run(context.Background(), os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "posereplay: %v\n", err)
		os.Exit(1)
	}
}

type options struct {
	referencePath string
	trackPath     string
	reps          int
	tolerance     float64
	repThreshold  float64
	fps           float64
	pain          int
	fatigue       int
	quiet         bool
	asJSON        bool
}

func parseFlags(args []string) (options, error) {
	var o options
	fs := flag.NewFlagSet("posereplay", flag.ContinueOnError)
	fs.StringVar(&o.referencePath, "reference", "", "Reference movement JSON")
	fs.StringVar(&o.trackPath, "track", "", "Recorded pose track JSON")
	fs.IntVar(&o.reps, "reps", 1, "Expected repetitions")
	fs.Float64Var(&o.tolerance, "tolerance", 15, "Per-joint tolerance in degrees")
	fs.Float64Var(&o.repThreshold, "rep-threshold", session.DefaultRepThreshold, "Mean similarity a window needs to count as a rep")
	fs.Float64Var(&o.fps, "fps", 0, "Sampling rate; defaults to the reference rate")
	fs.IntVar(&o.pain, "pain", 0, "Self-reported pain level (0-10)")
	fs.IntVar(&o.fatigue, "fatigue", 0, "Self-reported fatigue level (0-10)")
	fs.BoolVar(&o.quiet, "quiet", false, "Only print the final score")
	fs.BoolVar(&o.asJSON, "json", false, "Print the evaluation as JSON")
	if err := fs.Parse(args); err != nil {
		return o, err
	}
	if o.referencePath == "" || o.trackPath == "" {
		return o, fmt.Errorf("-reference and -track are required")
	}
	return o, nil
}

func run(ctx context.Context, args []string, out io.Writer) error {
	o, err := parseFlags(args)
	if err != nil {
		return err
	}

	ref, err := loadReference(o.referencePath)
	if err != nil {
		return err
	}
	track, err := loadTrack(o.trackPath)
	if err != nil {
		return err
	}

	fps := o.fps
	if fps <= 0 {
		fps = ref.FPS
	}
	interval := time.Duration(float64(time.Second) / fps)

	ex := &exercise.Exercise{
		ID:                types.NewID(),
		Name:              exercise.LocalizedText{exercise.DefaultLanguage: "replay"},
		ReferenceMovement: ref,
		ExpectedReps:      o.reps,
		ToleranceDegrees:  o.tolerance,
		CreatedBy:         types.NewID(),
		Active:            true,
	}

	clock := time.Unix(0, 0).UTC()
	s, err := session.New(ex, types.NewID(), o.repThreshold, session.WithClock(func() time.Time { return clock }))
	if err != nil {
		return err
	}
	if err := s.Consent(true); err != nil {
		return err
	}
	if err := s.AttachCamera(capture.NewReplay(track)); err != nil {
		return err
	}
	if err := s.Start(); err != nil {
		return err
	}

	for elapsed := time.Duration(0); elapsed <= track.Duration(); elapsed += interval {
		res, err := s.Step(ctx)
		if err != nil {
			return err
		}
		if !o.quiet {
			printFrame(out, elapsed, res)
		}
		if res.Done {
			break
		}
		clock = clock.Add(interval)
	}

	if s.Snapshot().State == session.StateExercising {
		if err := s.Stop(); err != nil {
			return err
		}
	}
	if err := s.Review(evaluation.SelfReport{PainLevel: o.pain, FatigueLevel: o.fatigue}); err != nil {
		return err
	}

	e, err := s.Submit(ctx, discard{})
	if err != nil {
		return err
	}

	if o.asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(e)
	}
	printSummary(out, s.Snapshot(), e)
	return nil
}

// discard accepts the evaluation without storing it
type discard struct{}

func (discard) Create(_ context.Context, e *evaluation.ExerciseEvaluation) (*evaluation.ExerciseEvaluation, error) {
	return e, nil
}

func loadReference(path string) (*pose.ReferenceMovement, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var ref pose.ReferenceMovement
	if err := json.NewDecoder(f).Decode(&ref); err != nil {
		return nil, fmt.Errorf("decode reference: %w", err)
	}
	return exercise.PrepareReference(&ref)
}

func loadTrack(path string) (*capture.PoseTrack, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return capture.DecodePoseTrack(f)
}

func printFrame(out io.Writer, at time.Duration, res session.FrameResult) {
	if !res.Evaluated {
		fmt.Fprintf(out, "%7.3fs  --      no pose\n", at.Seconds())
		return
	}
	marker := " "
	if res.RepComplete {
		marker = "*"
	}
	fmt.Fprintf(out, "%7.3fs  ref %-4d %6.2f%s %s\n", at.Seconds(), res.Cursor, res.Similarity, marker, res.Feedback.Message)
}

func printSummary(out io.Writer, v session.View, e *evaluation.ExerciseEvaluation) {
	fmt.Fprintln(out, "----------------------------------------")
	fmt.Fprintf(out, "frames      %d captured, %d skipped, %d expected\n",
		v.Metrics.FramesCaptured, v.Metrics.SkippedFrames, v.Metrics.FramesExpected)
	fmt.Fprintf(out, "reps        %d / %d\n", e.RepsCompleted, e.RepsExpected)
	fmt.Fprintf(out, "accuracy    %.2f%%\n", e.AccuracyPercent)
	fmt.Fprintf(out, "components  angle %.2f  reps %.2f  stability %.2f  completion %.2f\n",
		e.AngleScore, e.RepScore, e.StabilityScore, e.CompletionScore)
	fmt.Fprintf(out, "score       %d\n", e.CompositeScore)
	if len(e.Warnings) > 0 {
		fmt.Fprintf(out, "warnings    %v\n", e.Warnings)
	}
	if e.HasAlerts {
		fmt.Fprintln(out, "ALERT       doctor review required")
	}
}
