package audit

import (
	"context"

	"github.com/rehabmotion/platform/internal/shared/types"
)

// AuditRepository defines the audit storage operations. Both the PostgreSQL
// and SQLite stores keep the chain head in memory and serialize appends.
type AuditRepository interface {
	// Initialize loads the chain head
	Initialize(ctx context.Context) error

	// Append links entry to the chain head and stores it
	Append(ctx context.Context, entry *AuditEntry) error

	FindByID(ctx context.Context, id types.ID) (*AuditEntry, error)

	// List returns entries newest first plus the unpaged total
	List(ctx context.Context, filter ListFilter) ([]*AuditEntry, int, error)

	GetByResource(ctx context.Context, resourceType string, resourceID types.ID, limit int) ([]*AuditEntry, error)

	// VerifyChain checks the newest limit entries
	VerifyChain(ctx context.Context, limit int, includeDetails bool) (*VerifyResult, error)

	// GetLastHash returns the chain head
	GetLastHash() string
}

var (
	_ AuditRepository = (*Repository)(nil)
	_ AuditRepository = (*SQLiteRepository)(nil)
)

func verifyLimit(limit int) int {
	if limit <= 0 || limit > 1000 {
		return 100
	}
	return limit
}

func resourceLimit(limit int) int {
	if limit <= 0 || limit > 100 {
		return 50
	}
	return limit
}
