package history_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/skywatch/skymirror/internal/history"
)

// newSQLiteStore opens a file-backed store in a temp dir and registers
// cleanup. A real file (not ":memory:") exercises the WAL pragmas.
func newSQLiteStore(t *testing.T) *history.SQLiteStore {
	t.Helper()
	s, err := history.NewSQLite(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s
}

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestSQLite_ChangeRoundTrip(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()

	recs := []history.ChangeRecord{
		{ObservedAt: base, Exists: true, MD5: "aaaa", Size: 10},
		{ObservedAt: base.Add(time.Minute), Exists: false},
		{ObservedAt: base.Add(2 * time.Minute), Exists: true, MD5: "bbbb", Size: 20},
	}
	for _, rec := range recs {
		if err := s.RecordChange(ctx, rec); err != nil {
			t.Fatalf("RecordChange: %v", err)
		}
	}

	got, err := s.QueryChanges(ctx, base, base.Add(time.Hour), 0)
	if err != nil {
		t.Fatalf("QueryChanges: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d records, want 3", len(got))
	}
	// Newest first.
	if got[0].MD5 != "bbbb" || got[2].MD5 != "aaaa" {
		t.Errorf("unexpected order: %+v", got)
	}
	if got[1].Exists {
		t.Error("middle record should be a disappearance")
	}
	if !got[0].ObservedAt.Equal(base.Add(2 * time.Minute)) {
		t.Errorf("ObservedAt = %v", got[0].ObservedAt)
	}
}

func TestSQLite_QueryWindowIsHalfOpen(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		rec := history.ChangeRecord{ObservedAt: base.Add(time.Duration(i) * time.Minute), Exists: true, MD5: "x"}
		if err := s.RecordChange(ctx, rec); err != nil {
			t.Fatalf("RecordChange: %v", err)
		}
	}

	// [base, base+2m) excludes the record at exactly base+2m.
	got, err := s.QueryChanges(ctx, base, base.Add(2*time.Minute), 0)
	if err != nil {
		t.Fatalf("QueryChanges: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("got %d records, want 2", len(got))
	}
}

func TestSQLite_QueryLimit(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		rec := history.ChangeRecord{ObservedAt: base.Add(time.Duration(i) * time.Second), Exists: true, MD5: "x"}
		if err := s.RecordChange(ctx, rec); err != nil {
			t.Fatalf("RecordChange: %v", err)
		}
	}

	got, err := s.QueryChanges(ctx, base, base.Add(time.Hour), 2)
	if err != nil {
		t.Fatalf("QueryChanges: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d records, want 2", len(got))
	}
	// The newest two survive the cap.
	if !got[0].ObservedAt.Equal(base.Add(4 * time.Second)) {
		t.Errorf("ObservedAt = %v, want %v", got[0].ObservedAt, base.Add(4*time.Second))
	}
}

func TestSQLite_ClaimRoundTrip(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()

	rec := history.ClaimRecord{
		OccurredAt: base,
		KeyPrefix:  "key-abc1",
		HolderID:   "mirror-01",
		SourceAddr: "10.0.0.7",
		Outcome:    "TAKEOVER",
	}
	if err := s.RecordClaim(ctx, rec); err != nil {
		t.Fatalf("RecordClaim: %v", err)
	}

	got, err := s.QueryClaims(ctx, base.Add(-time.Minute), base.Add(time.Minute), 0)
	if err != nil {
		t.Fatalf("QueryClaims: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d records, want 1", len(got))
	}
	if got[0].KeyPrefix != "key-abc1" || got[0].HolderID != "mirror-01" || got[0].Outcome != "TAKEOVER" {
		t.Errorf("round-trip mismatch: %+v", got[0])
	}
}

func TestSQLite_EmptyWindow(t *testing.T) {
	s := newSQLiteStore(t)
	got, err := s.QueryChanges(context.Background(), base, base.Add(time.Hour), 0)
	if err != nil {
		t.Fatalf("QueryChanges: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("got %d records, want 0", len(got))
	}
}

// TestSQLite_ConcurrentWriters verifies that the single-connection pool
// serialises concurrent inserts without "database is locked" errors.
func TestSQLite_ConcurrentWriters(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				rec := history.ChangeRecord{
					ObservedAt: base.Add(time.Duration(g*100+i) * time.Millisecond),
					Exists:     true,
					MD5:        "x",
				}
				if err := s.RecordChange(ctx, rec); err != nil {
					t.Errorf("RecordChange: %v", err)
					return
				}
			}
		}(g)
	}
	wg.Wait()

	got, err := s.QueryChanges(ctx, base.Add(-time.Minute), base.Add(time.Hour), history.MaxQueryLimit)
	if err != nil {
		t.Fatalf("QueryChanges: %v", err)
	}
	if len(got) != 100 {
		t.Errorf("got %d records, want 100", len(got))
	}
}
