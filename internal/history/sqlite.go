package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // register "sqlite" driver with database/sql
)

// SQLiteStore is a WAL-mode SQLite-backed Store. It is safe for concurrent
// use.
type SQLiteStore struct {
	db *sql.DB
}

// sqliteDDL is the schema, kept here so the package is self-contained. All
// statements are idempotent.
const sqliteDDL = `
CREATE TABLE IF NOT EXISTS change_history (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    observed_at TEXT    NOT NULL,
    file_exists INTEGER NOT NULL,
    md5         TEXT    NOT NULL DEFAULT '',
    size        INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_change_history_observed
    ON change_history (observed_at);

CREATE TABLE IF NOT EXISTS claim_history (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    occurred_at TEXT    NOT NULL,
    key_prefix  TEXT    NOT NULL,
    holder_id   TEXT    NOT NULL,
    source_addr TEXT    NOT NULL DEFAULT '',
    outcome     TEXT    NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_claim_history_occurred
    ON claim_history (occurred_at);
`

// NewSQLite opens (or creates) the SQLite database at path, enables WAL
// journal mode, and applies the schema. ":memory:" selects an in-memory
// database suitable for tests.
func NewSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("history: open %q: %w", path, err)
	}

	// SQLite allows only one writer at a time; a single pooled connection
	// serialises writers and avoids "database is locked" errors.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("history: set WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA synchronous = NORMAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("history: set synchronous = NORMAL: %w", err)
	}
	if _, err := db.Exec(sqliteDDL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("history: apply schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// RecordChange implements Store.
func (s *SQLiteStore) RecordChange(ctx context.Context, rec ChangeRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO change_history (observed_at, file_exists, md5, size)
		 VALUES (?, ?, ?, ?)`,
		rec.ObservedAt.UTC().Format(time.RFC3339Nano),
		boolToInt(rec.Exists),
		rec.MD5,
		rec.Size,
	)
	if err != nil {
		return fmt.Errorf("history: record change: %w", err)
	}
	return nil
}

// RecordClaim implements Store.
func (s *SQLiteStore) RecordClaim(ctx context.Context, rec ClaimRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO claim_history (occurred_at, key_prefix, holder_id, source_addr, outcome)
		 VALUES (?, ?, ?, ?, ?)`,
		rec.OccurredAt.UTC().Format(time.RFC3339Nano),
		rec.KeyPrefix,
		rec.HolderID,
		rec.SourceAddr,
		rec.Outcome,
	)
	if err != nil {
		return fmt.Errorf("history: record claim: %w", err)
	}
	return nil
}

// QueryChanges implements Store.
func (s *SQLiteStore) QueryChanges(ctx context.Context, from, to time.Time, limit int) ([]ChangeRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, observed_at, file_exists, md5, size
		 FROM   change_history
		 WHERE  observed_at >= ? AND observed_at < ?
		 ORDER  BY observed_at DESC, id DESC
		 LIMIT  ?`,
		from.UTC().Format(time.RFC3339Nano),
		to.UTC().Format(time.RFC3339Nano),
		clampLimit(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("history: query changes: %w", err)
	}
	defer rows.Close()

	var out []ChangeRecord
	for rows.Next() {
		var (
			rec        ChangeRecord
			observedAt string
			exists     int
		)
		if err := rows.Scan(&rec.ID, &observedAt, &exists, &rec.MD5, &rec.Size); err != nil {
			return nil, fmt.Errorf("history: scan change row: %w", err)
		}
		rec.ObservedAt, err = time.Parse(time.RFC3339Nano, observedAt)
		if err != nil {
			return nil, fmt.Errorf("history: malformed observed_at %q: %w", observedAt, err)
		}
		rec.Exists = exists != 0
		out = append(out, rec)
	}
	return out, rows.Err()
}

// QueryClaims implements Store.
func (s *SQLiteStore) QueryClaims(ctx context.Context, from, to time.Time, limit int) ([]ClaimRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, occurred_at, key_prefix, holder_id, source_addr, outcome
		 FROM   claim_history
		 WHERE  occurred_at >= ? AND occurred_at < ?
		 ORDER  BY occurred_at DESC, id DESC
		 LIMIT  ?`,
		from.UTC().Format(time.RFC3339Nano),
		to.UTC().Format(time.RFC3339Nano),
		clampLimit(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("history: query claims: %w", err)
	}
	defer rows.Close()

	var out []ClaimRecord
	for rows.Next() {
		var (
			rec        ClaimRecord
			occurredAt string
		)
		if err := rows.Scan(&rec.ID, &occurredAt, &rec.KeyPrefix, &rec.HolderID, &rec.SourceAddr, &rec.Outcome); err != nil {
			return nil, fmt.Errorf("history: scan claim row: %w", err)
		}
		rec.OccurredAt, err = time.Parse(time.RFC3339Nano, occurredAt)
		if err != nil {
			return nil, fmt.Errorf("history: malformed occurred_at %q: %w", occurredAt, err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Close implements Store.
func (s *SQLiteStore) Close(_ context.Context) error {
	return s.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
