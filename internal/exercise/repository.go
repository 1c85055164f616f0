package exercise

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rehabmotion/platform/internal/shared/database"
	"github.com/rehabmotion/platform/internal/shared/errors"
	"github.com/rehabmotion/platform/internal/shared/types"
)

// Repository stores exercises. Reference data is insert-only.
type Repository interface {
	Create(ctx context.Context, e *Exercise) error
	Get(ctx context.Context, id types.ID) (*Exercise, error)
	List(ctx context.Context, filter ListFilter) ([]*Exercise, int, error)
	Deactivate(ctx context.Context, id types.ID) (*Exercise, error)
}

const exerciseColumns = `
	id, name, description, instructions, reference_movement,
	expected_reps, hold_seconds, tolerance_degrees, difficulty, target_body_part,
	created_by, active, created_at, updated_at`

// PostgresRepository provides database operations for exercises
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository creates a new exercise repository
func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

// encoded holds the JSON columns of an exercise
type encoded struct {
	name, description, instructions, reference []byte
}

func encode(e *Exercise) (encoded, error) {
	var out encoded
	var err error
	if out.name, err = json.Marshal(e.Name); err != nil {
		return out, err
	}
	if out.description, err = json.Marshal(orEmpty(e.Description)); err != nil {
		return out, err
	}
	if out.instructions, err = json.Marshal(orEmpty(e.Instructions)); err != nil {
		return out, err
	}
	out.reference, err = json.Marshal(e.ReferenceMovement)
	return out, err
}

func (enc encoded) decodeInto(e *Exercise) error {
	if err := json.Unmarshal(enc.name, &e.Name); err != nil {
		return fmt.Errorf("decode name: %w", err)
	}
	if err := json.Unmarshal(enc.description, &e.Description); err != nil {
		return fmt.Errorf("decode description: %w", err)
	}
	if err := json.Unmarshal(enc.instructions, &e.Instructions); err != nil {
		return fmt.Errorf("decode instructions: %w", err)
	}
	if err := json.Unmarshal(enc.reference, &e.ReferenceMovement); err != nil {
		return fmt.Errorf("decode reference movement: %w", err)
	}
	return nil
}

// Create inserts a new exercise
func (r *PostgresRepository) Create(ctx context.Context, e *Exercise) error {
	enc, err := encode(e)
	if err != nil {
		return errors.Wrap(err, "failed to encode exercise")
	}

	_, err = r.pool.Exec(ctx, `
		INSERT INTO exercises (`+exerciseColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		e.ID, enc.name, enc.description, enc.instructions, enc.reference,
		e.ExpectedReps, e.HoldSeconds, e.ToleranceDegrees, e.Difficulty, e.TargetBodyPart,
		e.CreatedBy, e.Active, e.CreatedAt, e.UpdatedAt,
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
func (r *PostgresRepository) Get(ctx context.Context, id types.ID) (*Exercise, error) {
	e, err := scanPostgres(r.pool.QueryRow(ctx, `SELECT `+exerciseColumns+` FROM exercises WHERE id = $1`, id))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("exercise", id.String())
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get exercise")
	}
	return e, nil
}

// List lists exercises, newest first
func (r *PostgresRepository) List(ctx context.Context, filter ListFilter) ([]*Exercise, int, error) {
	filter = filter.normalize()

	var conditions []string
	var args []any
	if filter.CreatedBy != nil {
		args = append(args, *filter.CreatedBy)
		conditions = append(conditions, fmt.Sprintf("created_by = $%d", len(args)))
	}
	if filter.ActiveOnly {
		conditions = append(conditions, "active")
	}
	whereClause := ""
	if len(conditions) > 0 {
		whereClause = "WHERE " + strings.Join(conditions, " AND ")
	}

	var total int
	if err := r.pool.QueryRow(ctx, "SELECT COUNT(*) FROM exercises "+whereClause, args...).Scan(&total); err != nil {
		return nil, 0, errors.Wrap(err, "failed to count exercises")
	}

	query := fmt.Sprintf(`SELECT %s FROM exercises %s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		exerciseColumns, whereClause, len(args)+1, len(args)+2)
	rows, err := r.pool.Query(ctx, query, append(args, filter.Limit, filter.Offset)...)
	if err != nil {
		return nil, 0, errors.Wrap(err, "failed to list exercises")
	}
	defer rows.Close()

	list := []*Exercise{}
	for rows.Next() {
		e, err := scanPostgres(rows)
		if err != nil {
			return nil, 0, errors.Wrap(err, "failed to scan exercise")
		}
		list = append(list, e)
	}
	return list, total, rows.Err()
}

// Deactivate hides an exercise from new sessions
func (r *PostgresRepository) Deactivate(ctx context.Context, id types.ID) (*Exercise, error) {
	tag, err := r.pool.Exec(ctx, `UPDATE exercises SET active = FALSE, updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return nil, errors.Wrap(err, "failed to deactivate exercise")
	}
	if tag.RowsAffected() == 0 {
		return nil, errors.NotFound("exercise", id.String())
	}
	return r.Get(ctx, id)
}

func scanPostgres(row pgx.Row) (*Exercise, error) {
	var e Exercise
	var enc encoded
	err := row.Scan(
		&e.ID, &enc.name, &enc.description, &enc.instructions, &enc.reference,
		&e.ExpectedReps, &e.HoldSeconds, &e.ToleranceDegrees, &e.Difficulty, &e.TargetBodyPart,
		&e.CreatedBy, &e.Active, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := enc.decodeInto(&e); err != nil {
		return nil, err
	}
	return &e, nil
}
