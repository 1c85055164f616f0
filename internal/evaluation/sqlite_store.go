package evaluation

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rehabmotion/platform/internal/scoring"
	"github.com/rehabmotion/platform/internal/shared/database"
	"github.com/rehabmotion/platform/internal/shared/errors"
	"github.com/rehabmotion/platform/internal/shared/types"
)

// SQLiteStore keeps evaluations in the embedded database. Times are stored
// as unix nanoseconds.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a store over a migrated database.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

func sqlitePlaceholder(int) string { return "?" }

func sqliteTime(t time.Time) any { return t.UTC().UnixNano() }

// Create inserts a new evaluation.
func (s *SQLiteStore) Create(ctx context.Context, e *ExerciseEvaluation) error {
	warnings, err := json.Marshal(e.Warnings)
	if err != nil {
		return errors.Wrap(err, "failed to marshal warnings")
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO exercise_evaluations (`+selectColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.SessionID, e.ExerciseID, e.PatientID, e.DoctorID, sqliteTime(e.SessionDate),
		e.CompositeScore, e.AccuracyPercent, e.RepsCompleted, e.RepsExpected,
		e.AngleScore, e.RepScore, e.StabilityScore, e.CompletionScore,
		string(warnings), e.HasAlerts, e.PainLevel, e.FatigueLevel, e.PatientNotes,
		e.DoctorReviewed, e.DoctorNotes, nullableNanos(e.ReviewedAt), nullableNanos(e.RemindedAt), sqliteTime(e.CreatedAt),
	)
	return translateWriteError(err, e.ID)
}

// Get returns one evaluation.
func (s *SQLiteStore) Get(ctx context.Context, id types.ID) (*ExerciseEvaluation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM exercise_evaluations WHERE id = ?`, id)
	e, err := scanSQLite(row)
	if err == sql.ErrNoRows {
		return nil, errors.NotFound("evaluation", id.String())
	}
	if err != nil {
		return nil, errors.Persistence(err)
	}
	return e, nil
}

// List returns a page of evaluations, newest session first, plus the total.
func (s *SQLiteStore) List(ctx context.Context, filter ListFilter) ([]*ExerciseEvaluation, int, error) {
	filter = filter.normalize()
	where := buildWhere(filter, sqlitePlaceholder, sqliteTime, "0")

	var total int
	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM exercise_evaluations "+where.clause(), where.args...,
	).Scan(&total); err != nil {
		return nil, 0, errors.Persistence(err)
	}

	query := fmt.Sprintf(`SELECT %s FROM exercise_evaluations %s
		ORDER BY session_date DESC, id LIMIT ? OFFSET ?`, selectColumns, where.clause())
	args := append(where.args, filter.Limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, errors.Persistence(err)
	}
	defer rows.Close()

	list, err := collectSQLite(rows)
	if err != nil {
		return nil, 0, err
	}
	return list, total, nil
}

// Review marks an unreviewed evaluation as reviewed.
func (s *SQLiteStore) Review(ctx context.Context, id types.ID, notes string, at time.Time) (*ExerciseEvaluation, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE exercise_evaluations
		SET doctor_reviewed = 1, doctor_notes = ?, reviewed_at = ?
		WHERE id = ? AND doctor_reviewed = 0`,
		notes, sqliteTime(at), id,
	)
	if err != nil {
		return nil, errors.Persistence(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, errors.Persistence(err)
	}
	if n == 0 {
		if _, err := s.Get(ctx, id); err != nil {
			return nil, err
		}
		return nil, errors.Conflict("evaluation has already been reviewed")
	}
	return s.Get(ctx, id)
}

// UnreviewedAlerts returns open, unreminded alerts older than the cutoff.
func (s *SQLiteStore) UnreviewedAlerts(ctx context.Context, createdBefore time.Time, limit int) ([]*ExerciseEvaluation, error) {
	if limit <= 0 {
		limit = MaxListLimit
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+selectColumns+` FROM exercise_evaluations
		WHERE has_alerts = 1 AND doctor_reviewed = 0 AND reminded_at IS NULL AND created_at < ?
		ORDER BY created_at LIMIT ?`, sqliteTime(createdBefore), limit)
	if err != nil {
		return nil, errors.Persistence(err)
	}
	defer rows.Close()
	return collectSQLite(rows)
}

// MarkReminded records when the reminder for id was sent.
func (s *SQLiteStore) MarkReminded(ctx context.Context, id types.ID, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE exercise_evaluations SET reminded_at = ? WHERE id = ? AND reminded_at IS NULL`,
		sqliteTime(at), id,
	)
	if err != nil {
		return errors.Persistence(err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLite(row rowScanner) (*ExerciseEvaluation, error) {
	var (
		e                      ExerciseEvaluation
		warnings               string
		sessionDate, createdAt int64
		reviewedAt             sql.NullInt64
		remindedAt             sql.NullInt64
	)
	err := row.Scan(
		&e.ID, &e.SessionID, &e.ExerciseID, &e.PatientID, &e.DoctorID, &sessionDate,
		&e.CompositeScore, &e.AccuracyPercent, &e.RepsCompleted, &e.RepsExpected,
		&e.AngleScore, &e.RepScore, &e.StabilityScore, &e.CompletionScore,
		&warnings, &e.HasAlerts, &e.PainLevel, &e.FatigueLevel, &e.PatientNotes,
		&e.DoctorReviewed, &e.DoctorNotes, &reviewedAt, &remindedAt, &createdAt,
	)
	if err != nil {
		return nil, err
	}
	e.SessionDate = time.Unix(0, sessionDate).UTC()
	e.CreatedAt = time.Unix(0, createdAt).UTC()
	if reviewedAt.Valid {
		t := time.Unix(0, reviewedAt.Int64).UTC()
		e.ReviewedAt = &t
	}
	if remindedAt.Valid {
		t := time.Unix(0, remindedAt.Int64).UTC()
		e.RemindedAt = &t
	}
	if e.Warnings, err = decodeWarnings([]byte(warnings)); err != nil {
		return nil, err
	}
	return &e, nil
}

func collectSQLite(rows *sql.Rows) ([]*ExerciseEvaluation, error) {
	list := []*ExerciseEvaluation{}
	for rows.Next() {
		e, err := scanSQLite(rows)
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

func nullableNanos(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().UnixNano()
}

func decodeWarnings(raw []byte) ([]scoring.Warning, error) {
	warnings := []scoring.Warning{}
	if len(raw) == 0 {
		return warnings, nil
	}
	if err := json.Unmarshal(raw, &warnings); err != nil {
		return nil, fmt.Errorf("decode warnings: %w", err)
	}
	return warnings, nil
}

// translateWriteError maps driver constraint errors onto domain errors.
func translateWriteError(err error, id types.ID) error {
	switch {
	case err == nil:
		return nil
	case database.IsUniqueViolation(err):
		return errors.Conflict("evaluation already exists for this session")
	case database.IsForeignKeyViolation(err):
		return errors.NotFound("exercise", "")
	default:
		return errors.Persistence(fmt.Errorf("create evaluation %s: %w", id, err))
	}
}
