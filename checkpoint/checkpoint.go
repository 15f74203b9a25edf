// Package checkpoint implements the CheckpointStore component specified
// in section 4.7 of the design specification: persistent per-feed
// progress, backed by a local, atomically-rewritten JSON file that holds
// both the durable {lastProcessedRow, total, timestamp} checkpoint and
// the feed's counters, so a crash-and-resume never loses a batch's
// contribution to updated/skipped/failed/corrupt (section 3: "Counters
// ... durable").
package checkpoint

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"
)

// Checkpoint is the durable per-feed progress record of section 3 of
// the spec.
type Checkpoint struct {
	LastProcessedRow    int       `json:"lastProcessedRow"`
	TotalProductsInFile int       `json:"totalProductsInFile"`
	Timestamp           time.Time `json:"timestamp"`
}

// Counters is the per-feed counter set of section 3 of the spec.
// Corrupt is a supplemented addition: it tracks rows the CSV tokenizer
// itself dropped before the row ever reached the Reconciler, distinct
// from Failed (which counts Reconciler-level row failures). An ingest
// aborted by the 3-consecutive-parse-exception rule of section 4.3 stops
// in the row-counting pass and adds nothing to Corrupt.
type Counters struct {
	Updated int64 `json:"updated"`
	Skipped int64 `json:"skipped"`
	Failed  int64 `json:"failed"`
	Corrupt int64 `json:"corrupt"`
	Total   int64 `json:"total"`
}

// FeedState is the combined snapshot ReadAll returns for one feed, and
// also the unit persisted to the checkpoint JSON file: Checkpoint and
// Counters are rewritten together so a resume reloads both halves.
type FeedState struct {
	Checkpoint Checkpoint `json:"checkpoint"`
	Counters   Counters   `json:"counters"`
}

// CounterKind names one of the counters IncrementCounter can adjust.
type CounterKind string

const (
	Updated CounterKind = "updated"
	Skipped CounterKind = "skipped"
	Failed  CounterKind = "failed"
	Corrupt CounterKind = "corrupt"
)

// feedEntry is the live, in-process state for one feedKey: the durable
// checkpoint fields and the durable counters, both rewritten to disk on
// every commit (section 4.7: "in-memory table backed by a local,
// atomically-rewritten JSON file"). Counters are held as atomics so
// IncrementCounter can adjust them without taking the Store-wide lock
// for the arithmetic itself.
type feedEntry struct {
	checkpoint Checkpoint
	counters   Counters
}

// Store implements the CheckpointStore component. A single Store is
// shared by every worker processing a run; all mutation goes through its
// methods so the checkpoint JSON file is single-writer per feedKey, per
// section 5 of the spec.
type Store struct {
	path string

	mu    sync.Mutex
	feeds map[string]*feedEntry
}

// New creates a Store persisting to path, loading any existing durable
// state at path first so a restart resumes rather than starting over.
func New(path string) (*Store, error) {
	s := &Store{path: path, feeds: make(map[string]*feedEntry)}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("checkpoint: reading %s: %w", path, err)
	}

	var persisted map[string]FeedState
	if err := json.Unmarshal(data, &persisted); err != nil {
		return nil, fmt.Errorf("checkpoint: decoding %s: %w", path, err)
	}
	for feedKey, state := range persisted {
		s.feeds[feedKey] = &feedEntry{checkpoint: state.Checkpoint, counters: state.Counters}
	}
	return s, nil
}

func (s *Store) entry(feedKey string) *feedEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.feeds[feedKey]
	if !ok {
		e = &feedEntry{}
		s.feeds[feedKey] = e
	}
	return e
}

// SetTotal implements CheckpointStore.setTotal, per section 4.7 of the
// spec: persists totalRows for feedKey before any job is emitted.
func (s *Store) SetTotal(ctx context.Context, feedKey string, total int) error {
	e := s.entry(feedKey)
	s.mu.Lock()
	e.checkpoint.TotalProductsInFile = total
	e.checkpoint.Timestamp = timestamp(ctx)
	atomic.StoreInt64(&e.counters.Total, int64(total))
	s.mu.Unlock()
	return s.persist()
}

// GetLastProcessed implements CheckpointStore.getLastProcessed.
func (s *Store) GetLastProcessed(ctx context.Context, feedKey string) (int, error) {
	e := s.entry(feedKey)
	s.mu.Lock()
	defer s.mu.Unlock()
	return e.checkpoint.LastProcessedRow, nil
}

// CommitBatch implements CheckpointStore.commitBatch, per section 4.5 and
// 4.7 of the spec. newLast must be monotonically non-decreasing; the
// worker passes min(job.LastRowIndex, totalRowsInFeed), the batch's own
// upper row index, and CommitBatch itself enforces
// monotonicity defensively since batches may complete out of order
// (section 5: "ordering guarantees").
func (s *Store) CommitBatch(ctx context.Context, feedKey string, newLast, total int) error {
	e := s.entry(feedKey)
	s.mu.Lock()
	if newLast > e.checkpoint.LastProcessedRow {
		e.checkpoint.LastProcessedRow = newLast
	}
	e.checkpoint.TotalProductsInFile = total
	e.checkpoint.Timestamp = timestamp(ctx)
	s.mu.Unlock()
	return s.persist()
}

// IncrementCounter implements CheckpointStore.incrementCounter. Counter
// increments are individually atomic, then the store is persisted so the
// counter survives a crash: a batch that has already been acked out of
// the queue (and so will never be redelivered, per the dedup contract of
// JobQueue.enqueue) must not also lose its contribution to
// updated/skipped/failed on restart, or updated+skipped+failed can never
// reach total again (section 3's Counter-bound invariant).
func (s *Store) IncrementCounter(ctx context.Context, feedKey string, which CounterKind, by int) error {
	e := s.entry(feedKey)
	switch which {
	case Updated:
		atomic.AddInt64(&e.counters.Updated, int64(by))
	case Skipped:
		atomic.AddInt64(&e.counters.Skipped, int64(by))
	case Failed:
		atomic.AddInt64(&e.counters.Failed, int64(by))
	case Corrupt:
		atomic.AddInt64(&e.counters.Corrupt, int64(by))
	default:
		return fmt.Errorf("checkpoint: unknown counter kind %q", which)
	}
	return s.persist()
}

// ReadAll implements CheckpointStore.readAll: a snapshot of every known
// feed's durable checkpoint plus its live counters.
func (s *Store) ReadAll(ctx context.Context) (map[string]FeedState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]FeedState, len(s.feeds))
	for feedKey, e := range s.feeds {
		out[feedKey] = FeedState{
			Checkpoint: e.checkpoint,
			Counters: Counters{
				Updated: atomic.LoadInt64(&e.counters.Updated),
				Skipped: atomic.LoadInt64(&e.counters.Skipped),
				Failed:  atomic.LoadInt64(&e.counters.Failed),
				Corrupt: atomic.LoadInt64(&e.counters.Corrupt),
				Total:   atomic.LoadInt64(&e.counters.Total),
			},
		}
	}
	return out, nil
}

// persist rewrites the checkpoint JSON file atomically (write-tmp-then-
// rename), per section 4.7 of the spec: "a commit is transactional only
// in the sense that the JSON file is rewritten atomically." Both the
// checkpoint and the counters are included, so New can restore a feed's
// full state after a restart.
func (s *Store) persist() error {
	s.mu.Lock()
	snapshot := make(map[string]FeedState, len(s.feeds))
	for feedKey, e := range s.feeds {
		snapshot[feedKey] = FeedState{
			Checkpoint: e.checkpoint,
			Counters: Counters{
				Updated: atomic.LoadInt64(&e.counters.Updated),
				Skipped: atomic.LoadInt64(&e.counters.Skipped),
				Failed:  atomic.LoadInt64(&e.counters.Failed),
				Corrupt: atomic.LoadInt64(&e.counters.Corrupt),
				Total:   atomic.LoadInt64(&e.counters.Total),
			},
		}
	}
	s.mu.Unlock()

	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return fmt.Errorf("checkpoint: encoding %s: %w", s.path, err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("checkpoint: creating directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".checkpoint-*.tmp")
	if err != nil {
		return fmt.Errorf("checkpoint: creating temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("checkpoint: writing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("checkpoint: closing temp file: %w", err)
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("checkpoint: renaming temp file to %s: %w", s.path, err)
	}
	return nil
}

// timestamp reports the commit time. Tests inject a fixed clock through
// the context; production callers leave it unset and get time.Now.
func timestamp(ctx context.Context) time.Time {
	if t, ok := ctx.Value(clockKey{}).(time.Time); ok {
		return t
	}
	return time.Now()
}

type clockKey struct{}

// WithClock returns a context that makes Store report t as the commit
// timestamp, for deterministic tests.
func WithClock(ctx context.Context, t time.Time) context.Context {
	return context.WithValue(ctx, clockKey{}, t)
}
