package evaluation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rehabmotion/platform/internal/shared/types"
)

// Store persists evaluations. Implementations must reject a second record
// with the same ID or session with a Conflict error, report missing records
// as NotFound, and apply a review only to an unreviewed record.
type Store interface {
	Create(ctx context.Context, e *ExerciseEvaluation) error
	Get(ctx context.Context, id types.ID) (*ExerciseEvaluation, error)
	List(ctx context.Context, filter ListFilter) ([]*ExerciseEvaluation, int, error)
	Review(ctx context.Context, id types.ID, notes string, at time.Time) (*ExerciseEvaluation, error)
	// UnreviewedAlerts returns open alerts created before the cutoff that
	// have not been reminded yet, oldest first.
	UnreviewedAlerts(ctx context.Context, createdBefore time.Time, limit int) ([]*ExerciseEvaluation, error)
	// MarkReminded stamps the reminder time. An already stamped record is
	// left unchanged.
	MarkReminded(ctx context.Context, id types.ID, at time.Time) error
}

const selectColumns = `
	id, session_id, exercise_id, patient_id, doctor_id, session_date,
	composite_score, accuracy_percent, reps_completed, reps_expected,
	angle_score, rep_score, stability_score, completion_score,
	warnings, has_alerts, pain_level, fatigue_level, patient_notes,
	doctor_reviewed, doctor_notes, reviewed_at, reminded_at, created_at`

// whereBuilder collects filter conditions. Placeholder and time encoding
// differ between the Postgres and SQLite stores.
type whereBuilder struct {
	placeholder func(n int) string
	timeArg     func(t time.Time) any
	conditions  []string
	args        []any
}

func (b *whereBuilder) add(cond string, arg any) {
	b.args = append(b.args, arg)
	b.conditions = append(b.conditions, fmt.Sprintf(cond, b.placeholder(len(b.args))))
}

func (b *whereBuilder) clause() string {
	if len(b.conditions) == 0 {
		return ""
	}
	return "WHERE " + strings.Join(b.conditions, " AND ")
}

func buildWhere(f ListFilter, placeholder func(int) string, timeArg func(time.Time) any, falseLiteral string) *whereBuilder {
	b := &whereBuilder{placeholder: placeholder, timeArg: timeArg}
	if f.PatientID != nil {
		b.add("patient_id = %s", *f.PatientID)
	}
	if f.DoctorID != nil {
		b.add("doctor_id = %s", *f.DoctorID)
	}
	if f.ExerciseID != nil {
		b.add("exercise_id = %s", *f.ExerciseID)
	}
	switch f.View {
	case ViewAlerts:
		b.conditions = append(b.conditions, "has_alerts AND doctor_reviewed = "+falseLiteral)
	case ViewRecent:
		if f.Since != nil {
			b.add("session_date >= %s", b.timeArg(*f.Since))
		}
	}
	return b
}
