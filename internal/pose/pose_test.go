package pose_test

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rehabmotion/platform/internal/pose"
	"github.com/rehabmotion/platform/internal/pose/posetest"
)

func TestComputeAngleKnownShapes(t *testing.T) {
	v := pose.Landmark{X: 0.5, Y: 0.5}

	tests := []struct {
		name string
		a, c pose.Landmark
		want float64
	}{
		{"right angle", pose.Landmark{X: 0.5, Y: 0.2}, pose.Landmark{X: 0.8, Y: 0.5}, 90},
		{"straight line", pose.Landmark{X: 0.2, Y: 0.5}, pose.Landmark{X: 0.8, Y: 0.5}, 180},
		{"collinear same side", pose.Landmark{X: 0.7, Y: 0.5}, pose.Landmark{X: 0.9, Y: 0.5}, 0},
		{"reflex reflected", pose.Landmark{X: 0.5, Y: 0.2}, pose.Landmark{X: 0.2, Y: 0.5}, 90},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, pose.ComputeAngle(tt.a, v, tt.c), 1e-9)
		})
	}
}

func TestComputeAngleAlwaysWithinRange(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	point := func() pose.Landmark {
		return pose.Landmark{X: rng.Float64(), Y: rng.Float64(), Z: rng.Float64(), Visibility: 1}
	}

	for i := 0; i < 10000; i++ {
		got := pose.ComputeAngle(point(), point(), point())
		if got < 0 || got > 180 || math.IsNaN(got) {
			t.Fatalf("angle %v out of [0,180] on iteration %d", got, i)
		}
	}
}

func TestExtractAnglesFullSet(t *testing.T) {
	angles := pose.ExtractAngles(posetest.Standing(90))

	require.Len(t, angles, len(pose.Joints))
	assert.InDelta(t, 90, angles[pose.JointLeftShoulder], 1e-6)
	assert.InDelta(t, 90, angles[pose.JointRightShoulder], 1e-6)
	assert.InDelta(t, 180, angles[pose.JointLeftElbow], 1e-6)
	assert.InDelta(t, 180, angles[pose.JointLeftHip], 1e-6)
	assert.InDelta(t, 180, angles[pose.JointRightKnee], 1e-6)
}

func TestExtractAnglesOmitsMissingJoints(t *testing.T) {
	t.Run("low visibility wrist", func(t *testing.T) {
		lms := posetest.Standing(45)
		lms[pose.LeftWrist].Visibility = 0.1

		angles := pose.ExtractAngles(lms)

		_, present := angles[pose.JointLeftElbow]
		assert.False(t, present, "left_elbow key must be absent, not zero")
		assert.Contains(t, angles, pose.JointRightElbow)
		assert.Contains(t, angles, pose.JointLeftShoulder)
	})

	t.Run("truncated set keeps only arm joints", func(t *testing.T) {
		lms := posetest.Standing(45)[:pose.LeftHip]

		angles := pose.ExtractAngles(lms)

		assert.Len(t, angles, 2)
		assert.Contains(t, angles, pose.JointLeftElbow)
		assert.Contains(t, angles, pose.JointRightElbow)
	})

	t.Run("empty set", func(t *testing.T) {
		assert.Empty(t, pose.ExtractAngles(nil))
	})
}

func TestCalculateSimilarity(t *testing.T) {
	ref := pose.Angles{pose.JointLeftElbow: 90, pose.JointRightElbow: 120}

	assert.Equal(t, 100.0, pose.CalculateSimilarity(ref, ref, 15))

	half := pose.Angles{pose.JointLeftElbow: 97.5, pose.JointRightElbow: 112.5}
	assert.InDelta(t, 50, pose.CalculateSimilarity(ref, half, 15), 1e-9)

	far := pose.Angles{pose.JointLeftElbow: 10, pose.JointRightElbow: 10}
	assert.Equal(t, 0.0, pose.CalculateSimilarity(ref, far, 15))

	disjoint := pose.Angles{pose.JointLeftKnee: 90}
	assert.Equal(t, 0.0, pose.CalculateSimilarity(ref, disjoint, 15))
}

func TestCalculateSimilarityOnlySharedJointsCount(t *testing.T) {
	ref := pose.Angles{pose.JointLeftElbow: 90, pose.JointRightElbow: 120}
	live := pose.Angles{pose.JointLeftElbow: 90}

	assert.Equal(t, 100.0, pose.CalculateSimilarity(ref, live, 15))
}

func TestCalculateSimilarityMonotonic(t *testing.T) {
	ref := pose.Angles{pose.JointLeftKnee: 100}
	prev := math.Inf(1)

	for delta := 0.0; delta <= 40; delta += 0.5 {
		live := pose.Angles{pose.JointLeftKnee: 100 + delta}
		got := pose.CalculateSimilarity(ref, live, 20)
		require.LessOrEqual(t, got, prev, "similarity rose at delta %v", delta)
		require.GreaterOrEqual(t, got, 0.0)
		prev = got
	}
}

func TestGenerateFeedbackPriority(t *testing.T) {
	ref := pose.Angles{
		pose.JointLeftShoulder: 90,
		pose.JointLeftElbow:    180,
	}

	t.Run("shoulder wins over elbow", func(t *testing.T) {
		live := pose.Angles{pose.JointLeftShoulder: 40, pose.JointLeftElbow: 100}
		fb := pose.GenerateFeedback(ref, live, 15)
		assert.False(t, fb.OK)
		assert.Equal(t, pose.JointLeftShoulder, fb.Joint)
		assert.Equal(t, "Raise your left arm higher", fb.Message)
	})

	t.Run("elbow when shoulder is fine", func(t *testing.T) {
		live := pose.Angles{pose.JointLeftShoulder: 95, pose.JointLeftElbow: 140}
		fb := pose.GenerateFeedback(ref, live, 15)
		assert.Equal(t, pose.JointLeftElbow, fb.Joint)
		assert.Equal(t, "Straighten your left elbow", fb.Message)
	})

	t.Run("good form", func(t *testing.T) {
		live := pose.Angles{pose.JointLeftShoulder: 100, pose.JointLeftElbow: 170}
		fb := pose.GenerateFeedback(ref, live, 15)
		assert.True(t, fb.OK)
		assert.Equal(t, pose.GoodFormMessage, fb.Message)
	})
}

func TestReferenceMovementHelpers(t *testing.T) {
	m := posetest.Movement(15, 10, 20, 30)

	assert.Equal(t, 3, m.Len())
	assert.Equal(t, 2, m.FrameAt(99).FrameIndex)
	assert.Equal(t, 0, m.FrameAt(-1).FrameIndex)
	assert.True(t, m.IsKeyFrame(0))
	assert.True(t, m.IsKeyFrame(2))
	assert.False(t, m.IsKeyFrame(1))

	var nilMovement *pose.ReferenceMovement
	assert.Equal(t, 0, nilMovement.Len())
}
