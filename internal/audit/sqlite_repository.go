package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/rehabmotion/platform/internal/shared/errors"
	"github.com/rehabmotion/platform/internal/shared/metrics"
	"github.com/rehabmotion/platform/internal/shared/types"
)

// SQLiteRepository keeps the audit chain in the embedded database.
// Timestamps are unix nanoseconds.
type SQLiteRepository struct {
	db       *sql.DB
	mu       sync.Mutex
	lastHash string
}

// NewSQLiteRepository creates a repository over a migrated database
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// Initialize loads the last hash from the database
func (r *SQLiteRepository) Initialize(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var hash string
	err := r.db.QueryRowContext(ctx, `SELECT hash FROM audit_entries ORDER BY sequence DESC LIMIT 1`).Scan(&hash)
	if err != nil && err != sql.ErrNoRows {
		return errors.Wrap(err, "failed to get last audit hash")
	}
	r.lastHash = hash
	return nil
}

// GetLastHash returns the chain head
func (r *SQLiteRepository) GetLastHash() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastHash
}

// Append links entry to the chain head and inserts it
func (r *SQLiteRepository) Append(ctx context.Context, entry *AuditEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry.PrevHash = r.lastHash
	entry.Hash = entry.calculateHash()

	var changes any
	if entry.Changes != nil {
		raw, err := json.Marshal(entry.Changes)
		if err != nil {
			return errors.Wrap(err, "failed to marshal changes")
		}
		changes = string(raw)
	}

	res, err := r.db.ExecContext(ctx, `
		INSERT INTO audit_entries (
			id, timestamp, hash, prev_hash,
			actor_type, actor_id, action, resource_type, resource_id,
			changes, correlation_id
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.Timestamp.UTC().UnixNano(), entry.Hash, entry.PrevHash,
		entry.ActorType, entry.ActorID, entry.Action, entry.ResourceType, optionalID(entry.ResourceID),
		changes, optionalID(entry.CorrelationID),
	)
	if err != nil {
		return errors.Wrap(err, "failed to append audit entry")
	}
	if entry.Sequence, err = res.LastInsertId(); err != nil {
		return errors.Wrap(err, "failed to read audit sequence")
	}

	r.lastHash = entry.Hash
	metrics.RecordAuditEntry()
	return nil
}

// List lists audit entries newest first
func (r *SQLiteRepository) List(ctx context.Context, filter ListFilter) ([]*AuditEntry, int, error) {
	filter = filter.normalize()

	var conditions []string
	var args []any
	if filter.ActorID != nil {
		conditions, args = append(conditions, "actor_id = ?"), append(args, *filter.ActorID)
	}
	if filter.ActorType != nil {
		conditions, args = append(conditions, "actor_type = ?"), append(args, string(*filter.ActorType))
	}
	if filter.Action != "" {
		conditions, args = append(conditions, "action LIKE ?"), append(args, filter.Action+"%")
	}
	if filter.ResourceType != "" {
		conditions, args = append(conditions, "resource_type = ?"), append(args, filter.ResourceType)
	}
	if filter.ResourceID != nil {
		conditions, args = append(conditions, "resource_id = ?"), append(args, *filter.ResourceID)
	}
	if filter.StartTime != nil {
		conditions, args = append(conditions, "timestamp >= ?"), append(args, filter.StartTime.UTC().UnixNano())
	}
	if filter.EndTime != nil {
		conditions, args = append(conditions, "timestamp <= ?"), append(args, filter.EndTime.UTC().UnixNano())
	}

	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}

	var total int
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM audit_entries "+where, args...).Scan(&total); err != nil {
		return nil, 0, errors.Wrap(err, "failed to count audit entries")
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT `+entryColumns+` FROM audit_entries `+where+` ORDER BY sequence DESC LIMIT ? OFFSET ?`,
		append(args, filter.Limit, filter.Offset)...)
	if err != nil {
		return nil, 0, errors.Wrap(err, "failed to list audit entries")
	}
	defer rows.Close()

	entries, err := collectSQLite(rows)
	if err != nil {
		return nil, 0, err
	}
	return entries, total, nil
}

// FindByID finds an audit entry by ID
func (r *SQLiteRepository) FindByID(ctx context.Context, id types.ID) (*AuditEntry, error) {
	e, err := scanSQLite(r.db.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM audit_entries WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, errors.NotFound("audit entry", id.String())
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to find audit entry")
	}
	return e, nil
}

// VerifyChain verifies content and linkage of the newest entries
func (r *SQLiteRepository) VerifyChain(ctx context.Context, limit int, includeDetails bool) (*VerifyResult, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+entryColumns+` FROM audit_entries ORDER BY sequence DESC LIMIT ?`, verifyLimit(limit))
	if err != nil {
		return nil, errors.Wrap(err, "failed to query audit entries")
	}
	defer rows.Close()

	entries, err := collectSQLite(rows)
	if err != nil {
		return nil, err
	}
	return verifyChain(entries, includeDetails), nil
}

// GetByResource gets the entries for one resource
func (r *SQLiteRepository) GetByResource(ctx context.Context, resourceType string, resourceID types.ID, limit int) ([]*AuditEntry, error) {
	entries, _, err := r.List(ctx, ListFilter{
		ResourceType: resourceType,
		ResourceID:   &resourceID,
		Limit:        resourceLimit(limit),
	})
	return entries, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLite(row rowScanner) (*AuditEntry, error) {
	var (
		e           AuditEntry
		timestamp   int64
		resourceID  sql.NullString
		changes     sql.NullString
		correlation sql.NullString
	)
	err := row.Scan(
		&e.ID, &e.Sequence, &timestamp, &e.Hash, &e.PrevHash,
		&e.ActorType, &e.ActorID, &e.Action, &e.ResourceType, &resourceID,
		&changes, &correlation,
	)
	if err != nil {
		return nil, err
	}
	e.Timestamp = time.Unix(0, timestamp).UTC()
	e.ResourceID = nullableID(resourceID)
	e.CorrelationID = nullableID(correlation)
	if changes.Valid {
		e.Changes = decodeChanges([]byte(changes.String))
	}
	return &e, nil
}

func collectSQLite(rows *sql.Rows) ([]*AuditEntry, error) {
	var entries []*AuditEntry
	for rows.Next() {
		e, err := scanSQLite(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan audit entry")
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func optionalID(id *types.ID) any {
	if id == nil || id.IsZero() {
		return nil
	}
	return id.String()
}

func nullableID(s sql.NullString) *types.ID {
	if !s.Valid || s.String == "" {
		return nil
	}
	id := types.ID(s.String)
	return &id
}
