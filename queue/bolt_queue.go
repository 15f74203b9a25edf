// Package queue implements the JobQueue component specified in section
// 4.6 of the design specification: durable, at-least-once delivery of
// BatchJobs with bounded retry attempts and exponential backoff,
// deduplicated by jobId.
package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/welllife1010/catalog-sync/feed"
	"go.etcd.io/bbolt"
)

const (
	pendingBucket  = "pending"
	inflightBucket = "inflight"
	deadBucket     = "dead"
	knownIDsBucket = "known_ids"
)

// DefaultAttempts and DefaultInitialBackoff implement the enqueue
// defaults of section 4.6 of the spec.
const (
	DefaultAttempts       = 5
	DefaultInitialBackoff = 5 * time.Second
)

// Event is one of the state transitions section 4.6 of the spec
// requires a JobQueue to emit. Job is populated on every event so a
// "failed" event (a job that exhausted its retry budget and was moved to
// the dead bucket) carries enough to account for it: FeedKey, the row
// range it covered, and how many rows it held.
type Event struct {
	Kind    string // active | waiting | completed | failed | error
	JobID   string
	Attempt int
	Job     feed.BatchJob
	Err     error
}

// Handler processes one BatchJob. A nil return acknowledges the job; a
// non-nil error requeues it (subject to the attempts budget) or sends it
// to the dead bucket once attempts are exhausted.
type Handler func(ctx context.Context, job feed.BatchJob) error

// entry is the durable envelope stored in the pending/inflight/dead
// buckets, wrapping a BatchJob with its retry bookkeeping.
type entry struct {
	Job         feed.BatchJob `json:"job"`
	Attempt     int           `json:"attempt"`
	NextAttempt time.Time     `json:"next_attempt"`
}

// BoltQueue implements the JobQueue component over an embedded bbolt
// store, per section 4.6 of the spec. A single BoltQueue instance is
// safe for concurrent Enqueue and Consume calls.
type BoltQueue struct {
	db             *bbolt.DB
	attempts       int
	initialBackoff time.Duration
	pollInterval   time.Duration
	logger         zerolog.Logger
	events         chan Event
}

// Open creates or opens a BoltQueue backed by the file at path.
func Open(path string, pollInterval time.Duration, logger zerolog.Logger) (*BoltQueue, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("queue: opening bolt db at %s: %w", path, err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range []string{pendingBucket, inflightBucket, deadBucket, knownIDsBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
		}
		// Any entry still in inflight belongs to a process that died
		// before ack/requeue ran. Move it back to pending so a restart
		// redelivers it rather than losing it silently.
		inflight := tx.Bucket([]byte(inflightBucket))
		pending := tx.Bucket([]byte(pendingBucket))
		var orphaned [][2][]byte
		c := inflight.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			orphaned = append(orphaned, [2][]byte{append([]byte(nil), k...), append([]byte(nil), v...)})
		}
		for _, kv := range orphaned {
			if err := pending.Put(kv[0], kv[1]); err != nil {
				return fmt.Errorf("recovering orphaned inflight job: %w", err)
			}
			if err := inflight.Delete(kv[0]); err != nil {
				return fmt.Errorf("clearing recovered inflight job: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("queue: initializing buckets: %w", err)
	}

	if pollInterval <= 0 {
		pollInterval = 200 * time.Millisecond
	}

	return &BoltQueue{
		db:             db,
		attempts:       DefaultAttempts,
		initialBackoff: DefaultInitialBackoff,
		pollInterval:   pollInterval,
		logger:         logger,
		events:         make(chan Event, 64),
	}, nil
}

// Close closes the underlying bolt database.
func (q *BoltQueue) Close() error {
	close(q.events)
	return q.db.Close()
}

// Events returns the channel state-transition events are published on,
// per section 4.6 of the spec.
func (q *BoltQueue) Events() <-chan Event {
	return q.events
}

func (q *BoltQueue) emit(ev Event) {
	select {
	case q.events <- ev:
	default:
		q.logger.Warn().Str("job_id", ev.JobID).Str("kind", ev.Kind).Msg("dropping queue event, consumer not keeping up")
	}
}

// Enqueue implements JobQueue.enqueue, per section 4.6 of the spec.
// Duplicate enqueue of the same JobID is suppressed by consulting the
// known-ids bucket, which is durable across restarts so a re-ingested
// feed does not re-deliver already-seen batches. A newly stored job is
// announced with a "waiting" event.
func (q *BoltQueue) Enqueue(ctx context.Context, job feed.BatchJob) error {
	added := false
	err := q.db.Update(func(tx *bbolt.Tx) error {
		known := tx.Bucket([]byte(knownIDsBucket))
		if known.Get([]byte(job.JobID)) != nil {
			return nil
		}

		e := entry{Job: job, Attempt: 0, NextAttempt: time.Time{}}
		data, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("queue: marshaling job %s: %w", job.JobID, err)
		}

		pending := tx.Bucket([]byte(pendingBucket))
		if err := pending.Put([]byte(job.JobID), data); err != nil {
			return fmt.Errorf("queue: enqueuing job %s: %w", job.JobID, err)
		}
		if err := known.Put([]byte(job.JobID), []byte{1}); err != nil {
			return err
		}
		added = true
		return nil
	})
	if err == nil && added {
		q.emit(Event{Kind: "waiting", JobID: job.JobID, Job: job})
	}
	return err
}

// Consume runs concurrency workers pulling jobs from the pending bucket
// and invoking handler, per section 4.6 of the spec. It polls the
// pending bucket at the queue's configured interval since bbolt has no
// native blocking pop; it returns when ctx is cancelled, after letting
// any in-flight handler invocations finish.
func (q *BoltQueue) Consume(ctx context.Context, concurrency int, handler Handler) error {
	if concurrency < 1 {
		concurrency = 1
	}

	jobs := make(chan entry)
	var workers sync.WaitGroup
	workers.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go func() {
			defer workers.Done()
			for e := range jobs {
				q.process(ctx, e, handler)
			}
		}()
	}

	ticker := time.NewTicker(q.pollInterval)
	defer ticker.Stop()
pollLoop:
	for {
		select {
		case <-ctx.Done():
			break pollLoop
		case <-ticker.C:
			for _, e := range q.claimReady() {
				select {
				case jobs <- e:
				case <-ctx.Done():
					break pollLoop
				}
			}
		}
	}

	close(jobs)
	workers.Wait()
	return ctx.Err()
}

// claimReady moves every pending job whose NextAttempt has arrived into
// the inflight bucket and returns them for dispatch.
func (q *BoltQueue) claimReady() []entry {
	var ready []entry
	now := time.Now()

	_ = q.db.Update(func(tx *bbolt.Tx) error {
		pending := tx.Bucket([]byte(pendingBucket))
		inflight := tx.Bucket([]byte(inflightBucket))

		var claimedIDs [][]byte
		c := pending.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var e entry
			if err := json.Unmarshal(v, &e); err != nil {
				continue
			}
			if e.NextAttempt.After(now) {
				continue
			}
			ready = append(ready, e)
			claimedIDs = append(claimedIDs, append([]byte(nil), k...))
			if err := inflight.Put(k, v); err != nil {
				return err
			}
		}
		for _, id := range claimedIDs {
			if err := pending.Delete(id); err != nil {
				return err
			}
		}
		return nil
	})

	return ready
}

// process invokes handler for one claimed entry and applies the
// ack/requeue/dead-letter bookkeeping of section 4.6 of the spec.
func (q *BoltQueue) process(ctx context.Context, e entry, handler Handler) {
	q.emit(Event{Kind: "active", JobID: e.Job.JobID, Attempt: e.Attempt, Job: e.Job})

	err := handler(ctx, e.Job)
	if err == nil {
		q.ack(e)
		q.emit(Event{Kind: "completed", JobID: e.Job.JobID, Attempt: e.Attempt, Job: e.Job})
		return
	}

	e.Attempt++
	if e.Attempt >= q.attempts {
		q.moveToDead(e)
		q.emit(Event{Kind: "failed", JobID: e.Job.JobID, Attempt: e.Attempt, Job: e.Job, Err: err})
		return
	}

	e.NextAttempt = time.Now().Add(backoffDelay(q.initialBackoff, e.Attempt))
	q.requeue(e)
	q.emit(Event{Kind: "error", JobID: e.Job.JobID, Attempt: e.Attempt, Job: e.Job, Err: err})
}

func (q *BoltQueue) ack(e entry) {
	_ = q.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(inflightBucket)).Delete([]byte(e.Job.JobID))
	})
}

func (q *BoltQueue) requeue(e entry) {
	_ = q.db.Update(func(tx *bbolt.Tx) error {
		data, err := json.Marshal(e)
		if err != nil {
			return err
		}
		if err := tx.Bucket([]byte(inflightBucket)).Delete([]byte(e.Job.JobID)); err != nil {
			return err
		}
		return tx.Bucket([]byte(pendingBucket)).Put([]byte(e.Job.JobID), data)
	})
}

// backoffDelay computes the delay before attempt's retry, doubling from
// initial each attempt with no jitter: the queue is the sole source of
// truth for NextAttempt and two workers racing to claim the same entry
// at slightly different times would be surprising behavior to debug.
func backoffDelay(initial time.Duration, attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	// NewExponentialBackOff already started from its default interval;
	// Reset makes the first NextBackOff return initial.
	b.Reset()

	var delay time.Duration
	for i := 0; i < attempt; i++ {
		delay = b.NextBackOff()
	}
	return delay
}

func (q *BoltQueue) moveToDead(e entry) {
	_ = q.db.Update(func(tx *bbolt.Tx) error {
		data, err := json.Marshal(e)
		if err != nil {
			return err
		}
		if err := tx.Bucket([]byte(inflightBucket)).Delete([]byte(e.Job.JobID)); err != nil {
			return err
		}
		return tx.Bucket([]byte(deadBucket)).Put([]byte(e.Job.JobID), data)
	})
}
