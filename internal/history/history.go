// Package history persists the daemon's observation trail: content
// transitions detected by the tracker and admission decisions made by the
// session guard. Two backends implement the same Store interface, an
// embedded WAL-mode SQLite database for single-host deployments and a
// PostgreSQL store for shared operator tooling.
//
// History is an operational audit, not an input: nothing in the admission or
// change-detection path reads it back, and a disabled store changes no
// runtime behaviour.
package history

import (
	"context"
	"time"
)

// ChangeRecord is one content transition of the monitored file.
type ChangeRecord struct {
	ID int64 `json:"id"`
	// ObservedAt is the UTC refresh instant that detected the transition.
	ObservedAt time.Time `json:"observed_at"`
	// Exists is false for a disappearance record.
	Exists bool `json:"exists"`
	// MD5 is the content digest after the transition; empty when the file
	// disappeared.
	MD5  string `json:"md5,omitempty"`
	Size int64  `json:"size"`
}

// ClaimRecord is one noteworthy admission decision. Routine refreshes from
// the incumbent holder are not recorded; claims, takeovers, and conflicts
// are.
type ClaimRecord struct {
	ID         int64     `json:"id"`
	OccurredAt time.Time `json:"occurred_at"`
	// KeyPrefix is the truncated access key; full keys are never persisted.
	KeyPrefix  string `json:"key_prefix"`
	HolderID   string `json:"holder_id"`
	SourceAddr string `json:"source_addr"`
	// Outcome is the session guard's verdict: CLAIMED, TAKEOVER, or
	// DENIED.
	Outcome string `json:"outcome"`
}

// Store is implemented by both history backends. All methods are safe for
// concurrent use.
type Store interface {
	// RecordChange persists one content transition.
	RecordChange(ctx context.Context, rec ChangeRecord) error
	// RecordClaim persists one admission decision.
	RecordClaim(ctx context.Context, rec ClaimRecord) error
	// QueryChanges returns transitions within [from, to), newest first,
	// capped at limit (a non-positive limit selects the backend default).
	QueryChanges(ctx context.Context, from, to time.Time, limit int) ([]ChangeRecord, error)
	// QueryClaims returns admission decisions within [from, to), newest
	// first, capped at limit.
	QueryClaims(ctx context.Context, from, to time.Time, limit int) ([]ClaimRecord, error)
	// Close flushes any buffered records and releases the backend.
	Close(ctx context.Context) error
}

// DefaultQueryLimit caps query results when the caller does not specify a
// limit.
const DefaultQueryLimit = 100

// MaxQueryLimit is the hard cap applied to caller-supplied limits.
const MaxQueryLimit = 1000

// clampLimit normalises a caller-supplied limit into [1, MaxQueryLimit].
func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultQueryLimit
	}
	if limit > MaxQueryLimit {
		return MaxQueryLimit
	}
	return limit
}
