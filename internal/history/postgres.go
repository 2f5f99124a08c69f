package history

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	// DefaultBatchSize is the number of buffered change records that
	// triggers an automatic flush.
	DefaultBatchSize = 64

	// DefaultFlushInterval is how often buffered change records are
	// flushed even when the batch is not full.
	DefaultFlushInterval = time.Second
)

// PostgresStore is a pgx-backed Store. Change records arrive on every
// tracker transition and are batched before insertion; claim records are
// comparatively rare and written immediately.
type PostgresStore struct {
	pool          *pgxpool.Pool
	batchSize     int
	flushInterval time.Duration

	mu    sync.Mutex
	batch []ChangeRecord

	stopCh chan struct{}
	doneCh chan struct{}
}

// postgresDDL is the schema applied on startup; all statements are
// idempotent.
const postgresDDL = `
CREATE TABLE IF NOT EXISTS change_history (
    id          BIGSERIAL PRIMARY KEY,
    observed_at TIMESTAMPTZ NOT NULL,
    file_exists BOOLEAN     NOT NULL,
    md5         TEXT        NOT NULL DEFAULT '',
    size        BIGINT      NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_change_history_observed
    ON change_history (observed_at);

CREATE TABLE IF NOT EXISTS claim_history (
    id          BIGSERIAL PRIMARY KEY,
    occurred_at TIMESTAMPTZ NOT NULL,
    key_prefix  TEXT        NOT NULL,
    holder_id   TEXT        NOT NULL,
    source_addr TEXT        NOT NULL DEFAULT '',
    outcome     TEXT        NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_claim_history_occurred
    ON claim_history (occurred_at);
`

// NewPostgres opens a pgxpool connection to connStr, pings the database,
// applies the schema, and starts the background flush goroutine.
//
// batchSize ≤ 0 is replaced with DefaultBatchSize.
// flushInterval ≤ 0 is replaced with DefaultFlushInterval.
func NewPostgres(ctx context.Context, connStr string, batchSize int, flushInterval time.Duration) (*PostgresStore, error) {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if flushInterval <= 0 {
		flushInterval = DefaultFlushInterval
	}

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("history: pgxpool.New: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("history: pool.Ping: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresDDL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("history: apply schema: %w", err)
	}

	s := &PostgresStore{
		pool:          pool,
		batchSize:     batchSize,
		flushInterval: flushInterval,
		batch:         make([]ChangeRecord, 0, batchSize),
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
	go s.flushLoop()
	return s, nil
}

// flushLoop ticks on flushInterval and flushes the change buffer. It exits
// when stopCh is closed.
func (s *PostgresStore) flushLoop() {
	defer close(s.doneCh)
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			_ = s.Flush(context.Background())
		}
	}
}

// RecordChange implements Store. The record is buffered; when the buffer
// reaches the batch size, Flush runs synchronously so the caller observes
// back-pressure rather than unbounded memory growth.
func (s *PostgresStore) RecordChange(ctx context.Context, rec ChangeRecord) error {
	s.mu.Lock()
	s.batch = append(s.batch, rec)
	full := len(s.batch) >= s.batchSize
	s.mu.Unlock()

	if full {
		return s.Flush(ctx)
	}
	return nil
}

// Flush drains the current change buffer and sends all rows to PostgreSQL in
// a single pgx.Batch round-trip. Safe to call concurrently: each call drains
// a distinct snapshot of the buffer.
func (s *PostgresStore) Flush(ctx context.Context) error {
	s.mu.Lock()
	if len(s.batch) == 0 {
		s.mu.Unlock()
		return nil
	}
	toInsert := s.batch
	s.batch = make([]ChangeRecord, 0, s.batchSize)
	s.mu.Unlock()

	const query = `
		INSERT INTO change_history (observed_at, file_exists, md5, size)
		VALUES ($1, $2, $3, $4)`

	b := &pgx.Batch{}
	for i := range toInsert {
		rec := &toInsert[i]
		b.Queue(query, rec.ObservedAt.UTC(), rec.Exists, rec.MD5, rec.Size)
	}

	br := s.pool.SendBatch(ctx, b)
	defer br.Close()

	for range toInsert {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("history: batch exec change: %w", err)
		}
	}
	return nil
}

// RecordClaim implements Store. Claim records are written immediately.
func (s *PostgresStore) RecordClaim(ctx context.Context, rec ClaimRecord) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO claim_history (occurred_at, key_prefix, holder_id, source_addr, outcome)
		 VALUES ($1, $2, $3, $4, $5)`,
		rec.OccurredAt.UTC(), rec.KeyPrefix, rec.HolderID, rec.SourceAddr, rec.Outcome,
	)
	if err != nil {
		return fmt.Errorf("history: record claim: %w", err)
	}
	return nil
}

// QueryChanges implements Store. Buffered records are flushed first so a
// query issued immediately after a write observes it.
func (s *PostgresStore) QueryChanges(ctx context.Context, from, to time.Time, limit int) ([]ChangeRecord, error) {
	if err := s.Flush(ctx); err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, observed_at, file_exists, md5, size
		 FROM   change_history
		 WHERE  observed_at >= $1 AND observed_at < $2
		 ORDER  BY observed_at DESC, id DESC
		 LIMIT  $3`,
		from.UTC(), to.UTC(), clampLimit(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("history: query changes: %w", err)
	}
	defer rows.Close()

	var out []ChangeRecord
	for rows.Next() {
		var rec ChangeRecord
		if err := rows.Scan(&rec.ID, &rec.ObservedAt, &rec.Exists, &rec.MD5, &rec.Size); err != nil {
			return nil, fmt.Errorf("history: scan change row: %w", err)
		}
		rec.ObservedAt = rec.ObservedAt.UTC()
		out = append(out, rec)
	}
	return out, rows.Err()
}

// QueryClaims implements Store.
func (s *PostgresStore) QueryClaims(ctx context.Context, from, to time.Time, limit int) ([]ClaimRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, occurred_at, key_prefix, holder_id, source_addr, outcome
		 FROM   claim_history
		 WHERE  occurred_at >= $1 AND occurred_at < $2
		 ORDER  BY occurred_at DESC, id DESC
		 LIMIT  $3`,
		from.UTC(), to.UTC(), clampLimit(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("history: query claims: %w", err)
	}
	defer rows.Close()

	var out []ClaimRecord
	for rows.Next() {
		var rec ClaimRecord
		if err := rows.Scan(&rec.ID, &rec.OccurredAt, &rec.KeyPrefix, &rec.HolderID, &rec.SourceAddr, &rec.Outcome); err != nil {
			return nil, fmt.Errorf("history: scan claim row: %w", err)
		}
		rec.OccurredAt = rec.OccurredAt.UTC()
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Close stops the flush goroutine, performs a best-effort final flush, and
// closes the pool. Safe to call more than once.
func (s *PostgresStore) Close(ctx context.Context) error {
	select {
	case <-s.stopCh:
		// already closed
	default:
		close(s.stopCh)
		<-s.doneCh
		_ = s.Flush(ctx)
	}
	s.pool.Close()
	return nil
}
