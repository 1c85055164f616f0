package pose

import (
	"fmt"
	"math"
	"strings"
)

// GoodFormMessage is returned when every compared joint is within tolerance.
const GoodFormMessage = "Good form! Keep it up."

// Feedback is one advisory instruction for the current frame.
type Feedback struct {
	OK      bool   `json:"ok"`
	Joint   Joint  `json:"joint,omitempty"`
	Message string `json:"message"`
}

// GenerateFeedback walks the joints in priority order and returns the first
// out-of-tolerance correction, or a good-form message.
func GenerateFeedback(ref, live Angles, toleranceDegrees float64) Feedback {
	if toleranceDegrees <= 0 {
		toleranceDegrees = DefaultToleranceDegrees
	}
	for _, joint := range Joints {
		r, ok := ref[joint]
		if !ok {
			continue
		}
		l, ok := live[joint]
		if !ok {
			continue
		}
		if math.Abs(r-l) <= toleranceDegrees {
			continue
		}
		return Feedback{
			Joint:   joint,
			Message: correction(joint, l < r),
		}
	}
	return Feedback{OK: true, Message: GoodFormMessage}
}

func correction(joint Joint, tooSmall bool) string {
	side, part, _ := strings.Cut(string(joint), "_")
	switch part {
	case "shoulder":
		if tooSmall {
			return fmt.Sprintf("Raise your %s arm higher", side)
		}
		return fmt.Sprintf("Lower your %s arm", side)
	case "elbow":
		if tooSmall {
			return fmt.Sprintf("Straighten your %s elbow", side)
		}
		return fmt.Sprintf("Bend your %s elbow more", side)
	case "hip":
		if tooSmall {
			return fmt.Sprintf("Stand taller through your %s hip", side)
		}
		return fmt.Sprintf("Hinge more at your %s hip", side)
	default:
		if tooSmall {
			return fmt.Sprintf("Straighten your %s knee", side)
		}
		return fmt.Sprintf("Bend your %s knee more", side)
	}
}
