package evaluation

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rehabmotion/platform/internal/shared/errors"
	"github.com/rehabmotion/platform/internal/shared/metrics"
	"github.com/rehabmotion/platform/internal/shared/types"
)

// PostgresStore keeps evaluations in exercise_evaluations.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new Postgres-backed store
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func pgPlaceholder(n int) string { return fmt.Sprintf("$%d", n) }

func pgTime(t time.Time) any { return t.UTC() }

// Create inserts a new evaluation.
func (s *PostgresStore) Create(ctx context.Context, e *ExerciseEvaluation) error {
	defer observe("evaluation_create", time.Now())

	warnings, err := json.Marshal(e.Warnings)
	if err != nil {
		return errors.Wrap(err, "failed to marshal warnings")
	}

	err = s.pool.QueryRow(ctx, `
		INSERT INTO exercise_evaluations (
			id, session_id, exercise_id, patient_id, doctor_id, session_date,
			composite_score, accuracy_percent, reps_completed, reps_expected,
			angle_score, rep_score, stability_score, completion_score,
			warnings, has_alerts, pain_level, fatigue_level, patient_notes
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
		RETURNING created_at`,
		e.ID, e.SessionID, e.ExerciseID, e.PatientID, e.DoctorID, e.SessionDate,
		e.CompositeScore, e.AccuracyPercent, e.RepsCompleted, e.RepsExpected,
		e.AngleScore, e.RepScore, e.StabilityScore, e.CompletionScore,
		warnings, e.HasAlerts, e.PainLevel, e.FatigueLevel, e.PatientNotes,
	).Scan(&e.CreatedAt)

	return translateWriteError(err, e.ID)
}

// Get returns one evaluation.
func (s *PostgresStore) Get(ctx context.Context, id types.ID) (*ExerciseEvaluation, error) {
	defer observe("evaluation_get", time.Now())

	row := s.pool.QueryRow(ctx, `SELECT `+selectColumns+` FROM exercise_evaluations WHERE id = $1`, id)
	e, err := scanPostgres(row)
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("evaluation", id.String())
	}
	if err != nil {
		return nil, errors.Persistence(err)
	}
	return e, nil
}

// List returns a page of evaluations, newest session first, plus the total.
func (s *PostgresStore) List(ctx context.Context, filter ListFilter) ([]*ExerciseEvaluation, int, error) {
	defer observe("evaluation_list", time.Now())

	filter = filter.normalize()
	where := buildWhere(filter, pgPlaceholder, pgTime, "FALSE")

	var total int
	if err := s.pool.QueryRow(ctx,
		"SELECT COUNT(*) FROM exercise_evaluations "+where.clause(), where.args...,
	).Scan(&total); err != nil {
		return nil, 0, errors.Persistence(err)
	}

	query := fmt.Sprintf(`SELECT %s FROM exercise_evaluations %s
		ORDER BY session_date DESC, id LIMIT $%d OFFSET $%d`,
		selectColumns, where.clause(), len(where.args)+1, len(where.args)+2)
	args := append(where.args, filter.Limit, filter.Offset)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, errors.Persistence(err)
	}
	defer rows.Close()

	list, err := collectPostgres(rows)
	if err != nil {
		return nil, 0, err
	}
	return list, total, nil
}

// Review marks an unreviewed evaluation as reviewed in one statement, so
// two concurrent reviews cannot both succeed.
func (s *PostgresStore) Review(ctx context.Context, id types.ID, notes string, at time.Time) (*ExerciseEvaluation, error) {
	defer observe("evaluation_review", time.Now())

	row := s.pool.QueryRow(ctx, `
		UPDATE exercise_evaluations
		SET doctor_reviewed = TRUE, doctor_notes = $2, reviewed_at = $3
		WHERE id = $1 AND NOT doctor_reviewed
		RETURNING `+selectColumns,
		id, notes, at.UTC(),
	)
	e, err := scanPostgres(row)
	if err == pgx.ErrNoRows {
		if _, getErr := s.Get(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, errors.Conflict("evaluation has already been reviewed")
	}
	if err != nil {
		return nil, errors.Persistence(err)
	}
	return e, nil
}

// UnreviewedAlerts returns open, unreminded alerts older than the cutoff.
func (s *PostgresStore) UnreviewedAlerts(ctx context.Context, createdBefore time.Time, limit int) ([]*ExerciseEvaluation, error) {
	defer observe("evaluation_unreviewed_alerts", time.Now())

	if limit <= 0 {
		limit = MaxListLimit
	}
	rows, err := s.pool.Query(ctx, `SELECT `+selectColumns+` FROM exercise_evaluations
		WHERE has_alerts AND NOT doctor_reviewed AND reminded_at IS NULL AND created_at < $1
		ORDER BY created_at LIMIT $2`, createdBefore.UTC(), limit)
	if err != nil {
		return nil, errors.Persistence(err)
	}
	defer rows.Close()
	return collectPostgres(rows)
}

// MarkReminded records when the reminder for id was sent.
func (s *PostgresStore) MarkReminded(ctx context.Context, id types.ID, at time.Time) error {
	defer observe("evaluation_mark_reminded", time.Now())

	_, err := s.pool.Exec(ctx,
		`UPDATE exercise_evaluations SET reminded_at = $2 WHERE id = $1 AND reminded_at IS NULL`,
		id, at.UTC(),
	)
	if err != nil {
		return errors.Persistence(err)
	}
	return nil
}

func scanPostgres(row pgx.Row) (*ExerciseEvaluation, error) {
	var (
		e        ExerciseEvaluation
		warnings []byte
	)
	err := row.Scan(
		&e.ID, &e.SessionID, &e.ExerciseID, &e.PatientID, &e.DoctorID, &e.SessionDate,
		&e.CompositeScore, &e.AccuracyPercent, &e.RepsCompleted, &e.RepsExpected,
		&e.AngleScore, &e.RepScore, &e.StabilityScore, &e.CompletionScore,
		&warnings, &e.HasAlerts, &e.PainLevel, &e.FatigueLevel, &e.PatientNotes,
		&e.DoctorReviewed, &e.DoctorNotes, &e.ReviewedAt, &e.RemindedAt, &e.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	e.SessionDate = e.SessionDate.UTC()
	e.CreatedAt = e.CreatedAt.UTC()
	if e.Warnings, err = decodeWarnings(warnings); err != nil {
		return nil, err
	}
	return &e, nil
}

func collectPostgres(rows pgx.Rows) ([]*ExerciseEvaluation, error) {
	list := []*ExerciseEvaluation{}
	for rows.Next() {
		e, err := scanPostgres(rows)
		if err != nil {
			return nil, errors.Persistence(err)
		}
		list = append(list, e)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Persistence(err)
	}
	return list, nil
}

func observe(op string, start time.Time) {
	metrics.RecordDBQuery(op, time.Since(start))
}
