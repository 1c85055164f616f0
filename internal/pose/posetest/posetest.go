// Package posetest builds synthetic landmark sets with known joint angles for
// use in tests across the evaluation pipeline.
package posetest

import (
	"math"

	"github.com/rehabmotion/platform/internal/pose"
)

const (
	armLength = 0.15
	shoulderY = 0.30
	hipY      = 0.60
	kneeY     = 0.80
	ankleY    = 0.95
	leftX     = 0.40
	rightX    = 0.60
)

// Standing returns a full 33-point set with both arms raised armDegrees from
// the torso and straight elbows, hips and knees (180°).
func Standing(armDegrees float64) pose.Landmarks {
	return Arms(armDegrees, armDegrees)
}

// Arms returns a standing pose with independent shoulder angles.
func Arms(leftDegrees, rightDegrees float64) pose.Landmarks {
	lms := make(pose.Landmarks, pose.NumLandmarks)
	for i := range lms {
		lms[i] = pose.Landmark{X: 0.5, Y: 0.1, Visibility: 1}
	}

	set := func(i int, x, y float64) {
		lms[i] = pose.Landmark{X: x, Y: y, Visibility: 1}
	}

	set(pose.LeftShoulder, leftX, shoulderY)
	set(pose.RightShoulder, rightX, shoulderY)
	set(pose.LeftHip, leftX, hipY)
	set(pose.RightHip, rightX, hipY)
	set(pose.LeftKnee, leftX, kneeY)
	set(pose.RightKnee, rightX, kneeY)
	set(pose.LeftAnkle, leftX, ankleY)
	set(pose.RightAnkle, rightX, ankleY)

	// Image y grows downward, so "down the torso" is +y. The left arm swings
	// outward toward -x, the right arm toward +x.
	lt := leftDegrees * math.Pi / 180
	ldx, ldy := -math.Sin(lt)*armLength, math.Cos(lt)*armLength
	set(pose.LeftElbow, leftX+ldx, shoulderY+ldy)
	set(pose.LeftWrist, leftX+2*ldx, shoulderY+2*ldy)

	rt := rightDegrees * math.Pi / 180
	rdx, rdy := math.Sin(rt)*armLength, math.Cos(rt)*armLength
	set(pose.RightElbow, rightX+rdx, shoulderY+rdy)
	set(pose.RightWrist, rightX+2*rdx, shoulderY+2*rdy)

	return lms
}

// Frames builds one frame per shoulder angle, with angles attached.
func Frames(armDegrees ...float64) []pose.Frame {
	frames := make([]pose.Frame, len(armDegrees))
	for i, deg := range armDegrees {
		frames[i] = pose.Frame{FrameIndex: i, Landmarks: Standing(deg)}
	}
	return pose.AttachAngles(frames)
}

// Movement builds a reference movement from shoulder angles with every frame
// marked as a key frame boundary at the ends.
func Movement(fps float64, armDegrees ...float64) *pose.ReferenceMovement {
	frames := Frames(armDegrees...)
	keys := []int{0}
	if len(frames) > 1 {
		keys = append(keys, len(frames)-1)
	}
	return &pose.ReferenceMovement{
		Frames:          frames,
		FPS:             fps,
		DurationSeconds: float64(len(frames)) / fps,
		KeyFrameIndices: keys,
	}
}
