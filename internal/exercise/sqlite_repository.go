package exercise

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/rehabmotion/platform/internal/shared/database"
	"github.com/rehabmotion/platform/internal/shared/errors"
	"github.com/rehabmotion/platform/internal/shared/types"
)

// SQLiteRepository stores exercises in the embedded database
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a repository over a migrated database
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// Create inserts a new exercise
func (r *SQLiteRepository) Create(ctx context.Context, e *Exercise) error {
	enc, err := encode(e)
	if err != nil {
		return errors.Wrap(err, "failed to encode exercise")
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO exercises (`+exerciseColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, string(enc.name), string(enc.description), string(enc.instructions), string(enc.reference),
		e.ExpectedReps, e.HoldSeconds, e.ToleranceDegrees, e.Difficulty, e.TargetBodyPart,
		e.CreatedBy, e.Active, e.CreatedAt.UTC().UnixNano(), e.UpdatedAt.UTC().UnixNano(),
	)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return errors.Conflict("exercise already exists")
		}
		return errors.Wrap(err, "failed to create exercise")
	}
	return nil
}

// Get retrieves an exercise by ID
func (r *SQLiteRepository) Get(ctx context.Context, id types.ID) (*Exercise, error) {
	e, err := scanSQLite(r.db.QueryRowContext(ctx, `SELECT `+exerciseColumns+` FROM exercises WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, errors.NotFound("exercise", id.String())
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get exercise")
	}
	return e, nil
}

// List lists exercises, newest first
func (r *SQLiteRepository) List(ctx context.Context, filter ListFilter) ([]*Exercise, int, error) {
	filter = filter.normalize()

	var conditions []string
	var args []any
	if filter.CreatedBy != nil {
		conditions = append(conditions, "created_by = ?")
		args = append(args, *filter.CreatedBy)
	}
	if filter.ActiveOnly {
		conditions = append(conditions, "active = 1")
	}
	whereClause := ""
	if len(conditions) > 0 {
		whereClause = "WHERE " + strings.Join(conditions, " AND ")
	}

	var total int
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM exercises "+whereClause, args...).Scan(&total); err != nil {
		return nil, 0, errors.Wrap(err, "failed to count exercises")
	}

	query := fmt.Sprintf(`SELECT %s FROM exercises %s ORDER BY created_at DESC LIMIT ? OFFSET ?`, exerciseColumns, whereClause)
	rows, err := r.db.QueryContext(ctx, query, append(args, filter.Limit, filter.Offset)...)
	if err != nil {
		return nil, 0, errors.Wrap(err, "failed to list exercises")
	}
	defer rows.Close()

	list := []*Exercise{}
	for rows.Next() {
		e, err := scanSQLite(rows)
		if err != nil {
			return nil, 0, errors.Wrap(err, "failed to scan exercise")
		}
		list = append(list, e)
	}
	return list, total, rows.Err()
}

// Deactivate hides an exercise from new sessions
func (r *SQLiteRepository) Deactivate(ctx context.Context, id types.ID) (*Exercise, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE exercises SET active = 0, updated_at = ? WHERE id = ?`,
		time.Now().UTC().UnixNano(), id)
	if err != nil {
		return nil, errors.Wrap(err, "failed to deactivate exercise")
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return nil, errors.NotFound("exercise", id.String())
	}
	return r.Get(ctx, id)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLite(row rowScanner) (*Exercise, error) {
	var (
		e                    Exercise
		name, desc, instr    string
		reference            string
		createdAt, updatedAt int64
	)
	err := row.Scan(
		&e.ID, &name, &desc, &instr, &reference,
		&e.ExpectedReps, &e.HoldSeconds, &e.ToleranceDegrees, &e.Difficulty, &e.TargetBodyPart,
		&e.CreatedBy, &e.Active, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	e.CreatedAt = time.Unix(0, createdAt).UTC()
	e.UpdatedAt = time.Unix(0, updatedAt).UTC()

	enc := encoded{name: []byte(name), description: []byte(desc), instructions: []byte(instr), reference: []byte(reference)}
	if err := enc.decodeInto(&e); err != nil {
		return nil, err
	}
	return &e, nil
}
