package capture

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"sort"
	"time"

	"github.com/rehabmotion/platform/internal/pose"
	"github.com/rehabmotion/platform/internal/shared/errors"
)

// TrackSample is one recorded detection. Landmarks is empty when the
// recorder found no person at that instant.
type TrackSample struct {
	TimeSeconds float64        `json:"t"`
	Landmarks   pose.Landmarks `json:"landmarks,omitempty"`
}

// PoseTrack is a recorded video reduced to timestamped detections, as
// exported by the pose-capture tooling. It is a RecordedVideoSource.
type PoseTrack struct {
	DurationSeconds float64       `json:"durationSeconds"`
	Samples         []TrackSample `json:"samples"`
}

// DecodePoseTrack reads a pose track from JSON and sorts it by time.
func DecodePoseTrack(r io.Reader) (*PoseTrack, error) {
	var t PoseTrack
	if err := json.NewDecoder(r).Decode(&t); err != nil {
		return nil, errors.Input(fmt.Sprintf("invalid pose track: %v", err))
	}
	if t.DurationSeconds <= 0 || math.IsNaN(t.DurationSeconds) {
		return nil, errors.Input("pose track duration must be positive")
	}
	sort.SliceStable(t.Samples, func(i, j int) bool {
		return t.Samples[i].TimeSeconds < t.Samples[j].TimeSeconds
	})
	return &t, nil
}

// Duration implements RecordedVideoSource.
func (t *PoseTrack) Duration() time.Duration {
	return time.Duration(t.DurationSeconds * float64(time.Second))
}

// Detect returns the latest sample at or before at.
func (t *PoseTrack) Detect(ctx context.Context, at time.Duration) (pose.Landmarks, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	sec := at.Seconds()
	i := sort.Search(len(t.Samples), func(i int) bool {
		return t.Samples[i].TimeSeconds > sec
	})
	if i == 0 {
		return nil, false, nil
	}
	s := t.Samples[i-1]
	if len(s.Landmarks) == 0 {
		return nil, false, nil
	}
	return s.Landmarks, true, nil
}

// Replay plays a recorded source as if it were a live camera. Used to run
// sessions headlessly.
type Replay struct {
	releaseOnce
	src RecordedVideoSource
}

// NewReplay wraps src as a LiveCameraSource.
func NewReplay(src RecordedVideoSource) *Replay {
	return &Replay{src: src}
}

// Detect forwards to the recorded source while the replay is active.
func (r *Replay) Detect(ctx context.Context, at time.Duration) (pose.Landmarks, bool, error) {
	if !r.Active() {
		return nil, false, ErrStreamReleased
	}
	return r.src.Detect(ctx, at)
}

// Duration returns the length of the underlying recording.
func (r *Replay) Duration() time.Duration {
	return r.src.Duration()
}
