package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rehabmotion/platform/internal/shared/types"
)

// canonicalJSON normalizes v through a JSON round trip. encoding/json sorts
// map keys, so the same logical change set always hashes the same whether
// it came from a typed struct, the event bus or a database column.
func canonicalJSON(v any) ([]byte, error) {
	if v == nil {
		return []byte("null"), nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	return json.Marshal(generic)
}

// ActorType identifies who performed an audited action
type ActorType string

const (
	ActorTypeDoctor  ActorType = "doctor"
	ActorTypePatient ActorType = "patient"
	ActorTypeSystem  ActorType = "system"
)

// SystemActorID stands in for actions taken without an authenticated user
var SystemActorID = types.NewDeterministicID("actor", "system")

// Audited actions
const (
	ActionExerciseCreated     = "exercise.created"
	ActionExerciseDeactivated = "exercise.deactivated"
	ActionEvaluationCreated   = "evaluation.created"
	ActionEvaluationReviewed  = "evaluation.reviewed"
	ActionSessionSubmitted    = "session.submitted"
	ActionSessionAborted      = "session.aborted"
)

// AuditEntry is one link in the append-only hash chain
type AuditEntry struct {
	ID            types.ID       `json:"id"`
	Sequence      int64          `json:"sequence"`
	Timestamp     time.Time      `json:"timestamp"`
	Hash          string         `json:"hash"`
	PrevHash      string         `json:"prevHash"`
	ActorType     ActorType      `json:"actorType"`
	ActorID       types.ID       `json:"actorId"`
	Action        string         `json:"action"`
	ResourceType  string         `json:"resourceType"`
	ResourceID    *types.ID      `json:"resourceId,omitempty"`
	Changes       map[string]any `json:"changes,omitempty"`
	CorrelationID *types.ID      `json:"correlationId,omitempty"`
}

// NewAuditEntry builds an entry linked to prevHash. Stores relink the entry
// to their own chain head when appending.
func NewAuditEntry(
	actorType ActorType,
	actorID types.ID,
	action string,
	resourceType string,
	resourceID *types.ID,
	changes map[string]any,
	prevHash string,
) *AuditEntry {
	if actorID.IsZero() {
		actorID = SystemActorID
	}
	entry := &AuditEntry{
		ID:           types.NewID(),
		Timestamp:    time.Now().UTC().Truncate(time.Microsecond),
		PrevHash:     prevHash,
		ActorType:    actorType,
		ActorID:      actorID,
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Changes:      changes,
	}
	entry.Hash = entry.calculateHash()
	return entry
}

// WithCorrelation attaches a request correlation ID. It is not hashed.
func (e *AuditEntry) WithCorrelation(id types.ID) *AuditEntry {
	e.CorrelationID = &id
	return e
}

func (e *AuditEntry) calculateHash() string {
	changes, err := canonicalJSON(e.Changes)
	if err != nil {
		changes = []byte(fmt.Sprintf("%v", e.Changes))
	}

	resourceID := ""
	if e.ResourceID != nil {
		resourceID = e.ResourceID.String()
	}

	data := fmt.Sprintf("%s|%s|%s|%s|%s|%s|%s|%s|%s",
		e.ID,
		e.Timestamp.UTC().Format(time.RFC3339Nano),
		e.PrevHash,
		e.ActorType,
		e.ActorID,
		e.Action,
		e.ResourceType,
		resourceID,
		changes,
	)

	sum := sha256.Sum256([]byte(data))
	return hex.EncodeToString(sum[:])
}

// VerifyHash reports whether the stored hash matches the entry contents
func (e *AuditEntry) VerifyHash() bool {
	return e.Hash == e.calculateHash()
}

// ComputeHash returns the hash the entry should carry
func (e *AuditEntry) ComputeHash() string {
	return e.calculateHash()
}

// ListFilter narrows audit listings
type ListFilter struct {
	ActorID      *types.ID
	ActorType    *ActorType
	Action       string // prefix match
	ResourceType string
	ResourceID   *types.ID
	StartTime    *time.Time
	EndTime      *time.Time
	Limit        int
	Offset       int
}

func (f ListFilter) normalize() ListFilter {
	if f.Limit <= 0 || f.Limit > 500 {
		f.Limit = 50
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return f
}

// VerifyEntryResult is the per-entry outcome of a chain check
type VerifyEntryResult struct {
	ID            types.ID `json:"id"`
	Sequence      int64    `json:"sequence"`
	Hash          string   `json:"hash"`
	ComputedHash  string   `json:"computedHash,omitempty"`
	PrevHash      string   `json:"prevHash"`
	Valid         bool     `json:"valid"`
	ContentValid  bool     `json:"contentValid"`
	LinkageValid  bool     `json:"linkageValid"`
	Action        string   `json:"action"`
	ViolationType string   `json:"violationType,omitempty"` // content, linkage or both
}

// VerifyResult summarizes a chain check over the newest entries
type VerifyResult struct {
	Valid          bool                `json:"valid"`
	Checked        int                 `json:"checked"`
	ContentValid   int                 `json:"contentValid"`
	ContentInvalid int                 `json:"contentInvalid"`
	LinkageValid   int                 `json:"linkageValid"`
	LinkageInvalid int                 `json:"linkageInvalid"`
	Violations     []string            `json:"violations,omitempty"`
	Entries        []VerifyEntryResult `json:"entries,omitempty"`
}

// verifyChain checks entries ordered newest first. Content: the stored hash
// must match the recomputed one. Linkage: each entry's hash must equal the
// prev hash of the entry appended after it.
func verifyChain(entries []*AuditEntry, includeDetails bool) *VerifyResult {
	result := &VerifyResult{Valid: true}

	var expected string
	for i, e := range entries {
		v := VerifyEntryResult{
			ID:           e.ID,
			Sequence:     e.Sequence,
			Hash:         e.Hash,
			PrevHash:     e.PrevHash,
			Action:       e.Action,
			ContentValid: true,
			LinkageValid: true,
			Valid:        true,
		}

		v.ComputedHash = e.calculateHash()
		if v.ComputedHash != e.Hash {
			v.ContentValid, v.Valid, result.Valid = false, false, false
			v.ViolationType = "content"
			result.ContentInvalid++
			result.Violations = append(result.Violations,
				fmt.Sprintf("content tampered: entry %s (seq %d)", e.ID, e.Sequence))
		} else {
			result.ContentValid++
		}

		if i > 0 {
			if e.Hash != expected {
				v.LinkageValid, v.Valid, result.Valid = false, false, false
				if v.ViolationType == "content" {
					v.ViolationType = "both"
				} else {
					v.ViolationType = "linkage"
				}
				result.LinkageInvalid++
				result.Violations = append(result.Violations,
					fmt.Sprintf("chain broken: entry %s (seq %d)", e.ID, e.Sequence))
			} else {
				result.LinkageValid++
			}
		}

		if includeDetails {
			result.Entries = append(result.Entries, v)
		}
		expected = e.PrevHash
		result.Checked++
	}

	return result
}
