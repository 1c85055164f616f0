// Package pose holds the body-landmark data model and the pure geometry used
// to compare a patient's movement against a reference movement.
package pose

import "math"

// Landmark indices in the 33-point body topology. The meaning of an index is
// fixed across every frame and every session.
const (
	Nose = iota
	LeftEyeInner
	LeftEye
	LeftEyeOuter
	RightEyeInner
	RightEye
	RightEyeOuter
	LeftEar
	RightEar
	MouthLeft
	MouthRight
	LeftShoulder
	RightShoulder
	LeftElbow
	RightElbow
	LeftWrist
	RightWrist
	LeftPinky
	RightPinky
	LeftIndex
	RightIndex
	LeftThumb
	RightThumb
	LeftHip
	RightHip
	LeftKnee
	RightKnee
	LeftAnkle
	RightAnkle
	LeftHeel
	RightHeel
	LeftFootIndex
	RightFootIndex

	NumLandmarks
)

// MinVisibility is the confidence below which a landmark is treated as absent.
const MinVisibility = 0.5

// Landmark is a tracked body point. Coordinates are normalized to roughly
// [0,1] in image space; Visibility is the detector's confidence in [0,1].
type Landmark struct {
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	Z          float64 `json:"z"`
	Visibility float64 `json:"visibility"`
}

// Landmarks is an ordered landmark set indexed by the topology constants.
type Landmarks []Landmark

// At returns the landmark at index i and whether it is usable.
func (l Landmarks) At(i int) (Landmark, bool) {
	if i < 0 || i >= len(l) {
		return Landmark{}, false
	}
	lm := l[i]
	if math.IsNaN(lm.X) || math.IsNaN(lm.Y) || lm.Visibility < MinVisibility {
		return Landmark{}, false
	}
	return lm, true
}

// Complete reports whether the set carries the full topology.
func (l Landmarks) Complete() bool {
	return len(l) == NumLandmarks
}

// Frame is one sampled pose. FrameIndex is monotonic within its sequence;
// Angles is nil until attached.
type Frame struct {
	FrameIndex int       `json:"frameIndex"`
	Landmarks  Landmarks `json:"landmarks"`
	Angles     Angles    `json:"angles,omitempty"`
}

// ReferenceMovement is the doctor-authored canonical motion. It is produced
// once by the reference processor and never mutated afterwards.
type ReferenceMovement struct {
	Frames          []Frame `json:"frames"`
	FPS             float64 `json:"fps"`
	DurationSeconds float64 `json:"durationSeconds"`
	KeyFrameIndices []int   `json:"keyFrameIndices"`
}

// Len returns the number of reference frames.
func (m *ReferenceMovement) Len() int {
	if m == nil {
		return 0
	}
	return len(m.Frames)
}

// FrameAt returns the reference frame at position i, clamped to the valid range.
func (m *ReferenceMovement) FrameAt(i int) Frame {
	if i < 0 {
		i = 0
	}
	if i >= len(m.Frames) {
		i = len(m.Frames) - 1
	}
	return m.Frames[i]
}

// IsKeyFrame reports whether position i is flagged as a key frame.
func (m *ReferenceMovement) IsKeyFrame(i int) bool {
	for _, k := range m.KeyFrameIndices {
		if k == i {
			return true
		}
	}
	return false
}
