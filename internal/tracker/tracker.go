// Package tracker maintains a continuously refreshed snapshot of one
// monitored file. A background goroutine fingerprints the file's content
// (MD5, used purely as an equality check) on a fixed cadence and records
// the wall-clock instant at which the content was last observed to change.
// Filesystem metadata timestamps are deliberately ignored: a file rewritten
// with identical bytes is not a change.
package tracker

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultCheckInterval is the refresh cadence used when the configured
// interval is zero or negative. Fingerprinting reads the whole file, so the
// cadence is coarse by design.
const DefaultCheckInterval = 2 * time.Second

// Snapshot is an immutable point-in-time description of the monitored file.
// Values are published by copy; callers never observe a partially updated
// snapshot.
type Snapshot struct {
	// Exists reports whether the file was present at the last refresh.
	Exists bool
	// MD5 is the lowercase hex digest of the file content. Empty iff
	// Exists is false.
	MD5 string
	// Size is the content length in bytes that produced MD5.
	Size int64
	// LastChanged is the UTC instant at which the content digest was last
	// observed to differ from its predecessor (or the instant of first
	// observation). The zero value means the file has never existed during
	// this process's lifetime. LastChanged survives absence: deleting the
	// file does not clear it.
	LastChanged time.Time
}

// ChangeEvent describes one observed content transition: a new digest, the
// file appearing, or the file disappearing.
type ChangeEvent struct {
	// ObservedAt is the UTC refresh instant that detected the transition.
	ObservedAt time.Time
	// Exists, MD5, and Size mirror the committed Snapshot fields.
	Exists bool
	MD5    string
	Size   int64
}

// Tracker watches a single file path and keeps the latest Snapshot available
// to any number of concurrent readers without ever blocking them on I/O.
// Create one with New, then call Start; Snapshot may be called at any time,
// including before Start.
type Tracker struct {
	path     string
	interval time.Duration
	logger   *slog.Logger

	// current is the single commit point: refresh builds a complete
	// Snapshot and swaps the pointer in one store.
	current atomic.Pointer[Snapshot]

	events chan ChangeEvent
	done   chan struct{}
	// ready is closed once the initial refresh has committed. Callers
	// (especially tests) may wait on Ready() before asserting on Snapshot.
	ready chan struct{}

	wg sync.WaitGroup

	// stopOnce ensures close(done), wg.Wait(), and close(events) run
	// exactly once, making Stop safe to invoke multiple times.
	stopOnce sync.Once

	// now is the clock used to stamp LastChanged; replaced in tests.
	now func() time.Time
}

// New creates a Tracker for the file at path. The interval parameter
// controls the refresh cadence; passing zero uses DefaultCheckInterval.
// The Tracker is idle until Start is called.
func New(path string, interval time.Duration, logger *slog.Logger) *Tracker {
	if interval <= 0 {
		interval = DefaultCheckInterval
	}
	t := &Tracker{
		path:     path,
		interval: interval,
		logger:   logger,
		events:   make(chan ChangeEvent, 16),
		done:     make(chan struct{}),
		ready:    make(chan struct{}),
		now:      time.Now,
	}
	t.current.Store(&Snapshot{})
	return t
}

// Start begins the background refresh loop and returns immediately. It is
// safe to call Start only once; the loop exits when Stop is called.
func (t *Tracker) Start(_ context.Context) error {
	t.wg.Add(1)
	go t.run()
	return nil
}

// Stop signals the refresh loop to exit and blocks until it has. The Events
// channel is closed after Stop returns. Stop is idempotent.
func (t *Tracker) Stop() {
	t.stopOnce.Do(func() {
		close(t.done)
		t.wg.Wait()
		close(t.events)
	})
}

// Ready returns a channel that is closed once the initial refresh has
// committed a Snapshot reflecting the filesystem at startup.
func (t *Tracker) Ready() <-chan struct{} {
	return t.ready
}

// Events returns the read-only channel on which content transitions are
// delivered. Events are advisory: if the channel is full a transition is
// dropped with a warning and the committed Snapshot remains authoritative.
// The channel is closed when Stop returns.
func (t *Tracker) Events() <-chan ChangeEvent {
	return t.events
}

// Snapshot returns the most recently committed Snapshot. It never touches
// the filesystem and is safe for unlimited concurrent callers.
func (t *Tracker) Snapshot() Snapshot {
	return *t.current.Load()
}

// run is the background goroutine that refreshes on a fixed ticker.
func (t *Tracker) run() {
	defer t.wg.Done()

	// Commit the initial state before signalling readiness so the very
	// first Snapshot readers see reflects the filesystem at startup.
	t.refresh()
	close(t.ready)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			t.refresh()
		}
	}
}

// refresh samples the file once and commits a new Snapshot. On any
// transient I/O failure the previously committed Snapshot is retained
// unmodified; a read error is never reported as "file missing" or as a
// content change.
func (t *Tracker) refresh() {
	prev := t.current.Load()
	now := t.now().UTC()

	info, err := os.Stat(t.path)
	if errors.Is(err, fs.ErrNotExist) || (err == nil && info.IsDir()) {
		next := &Snapshot{LastChanged: prev.LastChanged}
		t.current.Store(next)
		if prev.Exists {
			t.logger.Info("tracker: file disappeared", slog.String("path", t.path))
			t.emit(now, next)
		}
		return
	}
	if err != nil {
		t.logger.Warn("tracker: stat failed, keeping previous snapshot",
			slog.String("path", t.path),
			slog.Any("error", err),
		)
		return
	}

	digest, size, err := fileMD5(t.path)
	if err != nil {
		t.logger.Warn("tracker: read failed, keeping previous snapshot",
			slog.String("path", t.path),
			slog.Any("error", err),
		)
		return
	}

	next := &Snapshot{
		Exists:      true,
		MD5:         digest,
		Size:        size,
		LastChanged: prev.LastChanged,
	}
	changed := !prev.Exists || digest != prev.MD5
	if changed {
		next.LastChanged = now
	}
	t.current.Store(next)

	if changed {
		t.logger.Info("tracker: content changed",
			slog.String("path", t.path),
			slog.String("md5", digest),
			slog.Int64("size", size),
		)
		t.emit(now, next)
	}
}

// emit performs a non-blocking send of a ChangeEvent for the committed
// snapshot s.
func (t *Tracker) emit(now time.Time, s *Snapshot) {
	evt := ChangeEvent{
		ObservedAt: now,
		Exists:     s.Exists,
		MD5:        s.MD5,
		Size:       s.Size,
	}
	select {
	case t.events <- evt:
	default:
		t.logger.Warn("tracker: event channel full, dropping event",
			slog.String("path", t.path),
		)
	}
}

// fileMD5 streams the file at path through an MD5 hash and returns the hex
// digest together with the number of bytes read. The byte count, not a
// separate stat call, is reported as the size so that digest and size always
// describe the same read.
func fileMD5(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	h := md5.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}
