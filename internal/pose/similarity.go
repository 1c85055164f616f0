package pose

import "math"

// DefaultToleranceDegrees applies when an exercise does not set its own.
const DefaultToleranceDegrees = 15.0

// JointScore scores one joint: 100 at an exact match, falling linearly to 0
// once the deviation reaches toleranceDegrees.
func JointScore(ref, live, toleranceDegrees float64) float64 {
	if toleranceDegrees <= 0 {
		toleranceDegrees = DefaultToleranceDegrees
	}
	return math.Max(0, 100-(math.Abs(ref-live)/toleranceDegrees)*100)
}

// CalculateSimilarity averages JointScore over joints present in both maps.
// It returns 0 when no joint can be compared.
func CalculateSimilarity(ref, live Angles, toleranceDegrees float64) float64 {
	var sum float64
	n := 0
	for _, joint := range Joints {
		r, ok := ref[joint]
		if !ok {
			continue
		}
		l, ok := live[joint]
		if !ok {
			continue
		}
		sum += JointScore(r, l, toleranceDegrees)
		n++
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}
