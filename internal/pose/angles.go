package pose

import "math"

// Joint names a tracked joint angle.
type Joint string

const (
	JointLeftShoulder  Joint = "left_shoulder"
	JointRightShoulder Joint = "right_shoulder"
	JointLeftElbow     Joint = "left_elbow"
	JointRightElbow    Joint = "right_elbow"
	JointLeftHip       Joint = "left_hip"
	JointRightHip      Joint = "right_hip"
	JointLeftKnee      Joint = "left_knee"
	JointRightKnee     Joint = "right_knee"
)

// Joints lists every tracked joint in feedback priority order: shoulders,
// then elbows, then hips, then knees.
var Joints = []Joint{
	JointLeftShoulder,
	JointRightShoulder,
	JointLeftElbow,
	JointRightElbow,
	JointLeftHip,
	JointRightHip,
	JointLeftKnee,
	JointRightKnee,
}

// triple is the (a, vertex, c) landmark indices that define a joint angle.
type triple struct {
	a, vertex, c int
}

var jointTriples = map[Joint]triple{
	JointLeftShoulder:  {LeftHip, LeftShoulder, LeftElbow},
	JointRightShoulder: {RightHip, RightShoulder, RightElbow},
	JointLeftElbow:     {LeftShoulder, LeftElbow, LeftWrist},
	JointRightElbow:    {RightShoulder, RightElbow, RightWrist},
	JointLeftHip:       {LeftShoulder, LeftHip, LeftKnee},
	JointRightHip:      {RightShoulder, RightHip, RightKnee},
	JointLeftKnee:      {LeftHip, LeftKnee, LeftAnkle},
	JointRightKnee:     {RightHip, RightKnee, RightAnkle},
}

// Angles maps a joint to its angle in degrees. A joint whose landmarks were
// not all present has no key at all.
type Angles map[Joint]float64

// ComputeAngle returns the angle at vertex formed by a and c, in degrees
// within [0,180]. Only the image-plane coordinates are used.
func ComputeAngle(a, vertex, c Landmark) float64 {
	rad := math.Atan2(c.Y-vertex.Y, c.X-vertex.X) - math.Atan2(a.Y-vertex.Y, a.X-vertex.X)
	deg := math.Abs(rad * 180 / math.Pi)
	if deg > 180 {
		deg = 360 - deg
	}
	return deg
}

// ExtractAngles computes every tracked joint angle the landmark set supports.
func ExtractAngles(lms Landmarks) Angles {
	angles := make(Angles, len(jointTriples))
	for joint, t := range jointTriples {
		a, ok := lms.At(t.a)
		if !ok {
			continue
		}
		v, ok := lms.At(t.vertex)
		if !ok {
			continue
		}
		c, ok := lms.At(t.c)
		if !ok {
			continue
		}
		angles[joint] = ComputeAngle(a, v, c)
	}
	return angles
}

// AttachAngles sets Angles on every frame in place and returns the slice.
func AttachAngles(frames []Frame) []Frame {
	for i := range frames {
		frames[i].Angles = ExtractAngles(frames[i].Landmarks)
	}
	return frames
}

// MaxAngleDelta returns the largest absolute change across joints present in
// both maps, and false when no joint is shared.
func MaxAngleDelta(prev, next Angles) (float64, bool) {
	var maxDelta float64
	shared := false
	for joint, p := range prev {
		n, ok := next[joint]
		if !ok {
			continue
		}
		shared = true
		if d := math.Abs(n - p); d > maxDelta {
			maxDelta = d
		}
	}
	return maxDelta, shared
}
