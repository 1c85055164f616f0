package notification

import (
	"context"
	"fmt"
	"strings"

	"github.com/rehabmotion/platform/internal/evaluation"
	"github.com/rehabmotion/platform/internal/scoring"
)

// NotifyAlert tells the exercise author that an evaluation needs review.
// Reminders are sent for alerts that are still open after the grace period.
func (s *Service) NotifyAlert(ctx context.Context, e *evaluation.ExerciseEvaluation, reminder bool) error {
	return s.Send(ctx, alertNotification(e, reminder))
}

func alertNotification(e *evaluation.ExerciseEvaluation, reminder bool) *Notification {
	priority := PriorityHigh
	if e.PainLevel >= scoring.PainAlertLevel {
		priority = PriorityUrgent
	}

	subject := "Exercise evaluation needs review"
	if reminder {
		subject = "Reminder: " + subject
	}

	var body strings.Builder
	fmt.Fprintf(&body, "Score %d/100, pain %d/10.", e.CompositeScore, e.PainLevel)
	if len(e.Warnings) > 0 {
		codes := make([]string, len(e.Warnings))
		for i, w := range e.Warnings {
			codes[i] = string(w)
		}
		fmt.Fprintf(&body, " Warnings: %s.", strings.Join(codes, ", "))
	}

	return &Notification{
		Channel:      ChannelInApp,
		Priority:     priority,
		RecipientID:  e.DoctorID,
		Subject:      subject,
		Body:         body.String(),
		EvaluationID: e.ID,
		Reminder:     reminder,
		Data: map[string]any{
			"patientId":  e.PatientID.String(),
			"exerciseId": e.ExerciseID.String(),
		},
	}
}
