// Package reference turns a doctor's recorded video into the immutable
// reference movement a patient session is scored against.
package reference

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/rehabmotion/platform/internal/capture"
	"github.com/rehabmotion/platform/internal/pose"
	"github.com/rehabmotion/platform/internal/shared/config"
	"github.com/rehabmotion/platform/internal/shared/errors"
	"github.com/rehabmotion/platform/internal/shared/metrics"
)

// Default processing parameters.
const (
	DefaultCaptureFPS        = 30.0
	DefaultTargetFPS         = 15.0
	DefaultKeyFrameThreshold = 15.0
)

// samplingShare is the part of the progress range spent sampling; the rest
// covers angle extraction, downsampling and key frames.
const samplingShare = 90

// ProgressFunc receives integer percentages in [0,100]. Values never
// decrease and the last call on success is exactly 100.
type ProgressFunc func(percent int)

// Processor builds reference movements.
type Processor struct {
	captureFPS float64
	targetFPS  float64
	threshold  float64
	logger     *slog.Logger
}

// NewProcessor creates a processor from configuration, filling defaults for
// unset values.
func NewProcessor(cfg config.ReferenceConfig, logger *slog.Logger) *Processor {
	p := &Processor{
		captureFPS: cfg.CaptureFPS,
		targetFPS:  cfg.TargetFPS,
		threshold:  cfg.KeyFrameThresholdDegrees,
		logger:     logger,
	}
	if p.captureFPS <= 0 {
		p.captureFPS = DefaultCaptureFPS
	}
	if p.targetFPS <= 0 {
		p.targetFPS = DefaultTargetFPS
	}
	if p.threshold <= 0 {
		p.threshold = DefaultKeyFrameThreshold
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	return p
}

// Process samples src, attaches angles, downsamples and flags key frames.
func (p *Processor) Process(ctx context.Context, src capture.RecordedVideoSource, progress ProgressFunc) (*pose.ReferenceMovement, error) {
	start := time.Now()
	movement, err := p.process(ctx, src, newProgress(progress))

	retained := 0
	if movement != nil {
		retained = movement.Len()
	}
	metrics.RecordReferenceProcessed(time.Since(start), retained, err)
	if err != nil {
		p.logger.Warn("reference processing failed", "error", err)
		return nil, err
	}
	p.logger.Info("reference movement built",
		"frames", retained,
		"key_frames", len(movement.KeyFrameIndices),
		"fps", movement.FPS,
		"duration_seconds", movement.DurationSeconds)
	return movement, nil
}

func (p *Processor) process(ctx context.Context, src capture.RecordedVideoSource, report *progressReporter) (*pose.ReferenceMovement, error) {
	duration := src.Duration()
	if duration <= 0 {
		return nil, errors.Input("video duration must be positive")
	}
	report.set(0)

	frames, err := SampleFrames(ctx, src, p.captureFPS, func(done, total int) {
		report.set(done * samplingShare / total)
	})
	if err != nil {
		return nil, err
	}
	if len(frames) == 0 {
		return nil, errors.NoPoseDetected()
	}

	pose.AttachAngles(frames)
	step := DownsampleStep(p.captureFPS, p.targetFPS)
	frames = DownsampleFrames(frames, p.targetFPS, p.captureFPS)
	keys := DetectKeyFrames(frames, p.threshold)

	report.set(100)
	return &pose.ReferenceMovement{
		Frames:          frames,
		FPS:             p.captureFPS / float64(step),
		DurationSeconds: duration.Seconds(),
		KeyFrameIndices: keys,
	}, nil
}

// SampleFrames seeks through src at fps, one detection at a time, and keeps
// only frames where a person was found. FrameIndex is the sample number, so
// a frame's timestamp is FrameIndex/fps. onSample, if set, is called after
// every seek with the count done and the total.
func SampleFrames(ctx context.Context, src capture.RecordedVideoSource, fps float64, onSample func(done, total int)) ([]pose.Frame, error) {
	total := int(math.Floor(src.Duration().Seconds() * fps))
	if total < 1 {
		total = 1
	}

	var frames []pose.Frame
	for i := 0; i < total; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		at := time.Duration(float64(i) / fps * float64(time.Second))
		lms, ok, err := src.Detect(ctx, at)
		if err != nil {
			return nil, fmt.Errorf("detect frame %d: %w", i, err)
		}
		if ok {
			frames = append(frames, pose.Frame{FrameIndex: i, Landmarks: lms})
		}
		if onSample != nil {
			onSample(i+1, total)
		}
	}
	return frames, nil
}

// DownsampleStep returns N = max(1, round(sourceFPS/targetFPS)).
func DownsampleStep(sourceFPS, targetFPS float64) int {
	if sourceFPS <= 0 || targetFPS <= 0 {
		return 1
	}
	n := int(math.Round(sourceFPS / targetFPS))
	if n < 1 {
		return 1
	}
	return n
}

// DownsampleFrames keeps every Nth frame, starting with the first. It never
// interpolates.
func DownsampleFrames(frames []pose.Frame, targetFPS, sourceFPS float64) []pose.Frame {
	step := DownsampleStep(sourceFPS, targetFPS)
	out := make([]pose.Frame, 0, (len(frames)+step-1)/step)
	for i := 0; i < len(frames); i += step {
		out = append(out, frames[i])
	}
	return out
}

// DetectKeyFrames returns positions in frames that mark significant pose
// transitions. The first and last positions are always included; an
// interior frame is included when some joint angle changed by more than
// thresholdDegrees since the previous frame.
func DetectKeyFrames(frames []pose.Frame, thresholdDegrees float64) []int {
	if len(frames) == 0 {
		return nil
	}
	keys := []int{0}
	last := len(frames) - 1
	for i := 1; i < last; i++ {
		delta, ok := pose.MaxAngleDelta(frames[i-1].Angles, frames[i].Angles)
		if ok && delta > thresholdDegrees {
			keys = append(keys, i)
		}
	}
	if last > 0 {
		keys = append(keys, last)
	}
	return keys
}

// progressReporter drops non-increasing values and clamps to [0,100].
type progressReporter struct {
	fn   ProgressFunc
	last int
}

func newProgress(fn ProgressFunc) *progressReporter {
	return &progressReporter{fn: fn, last: -1}
}

func (r *progressReporter) set(percent int) {
	if r.fn == nil {
		return
	}
	percent = min(max(percent, 0), 100)
	if percent <= r.last {
		return
	}
	r.last = percent
	r.fn(percent)
}
