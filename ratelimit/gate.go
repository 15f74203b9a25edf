// Package ratelimit implements the RateGate component specified in
// section 4.1 of the design specification: a single admission point for
// every outbound remote-API call, enforcing bounded concurrency and
// minimum inter-request spacing, and centralizing the retry/backoff
// policy every caller consults.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/semaphore"
)

// MaxAttempts is the maximum number of attempts the onFailure policy will
// authorize, per section 4.1 of the spec.
const MaxAttempts = 5

// Gate is the RateGate implementation. It is created once per process and
// injected into every component that calls the remote API (section 9 of
// the spec's design notes: "explicit dependency", never module-level
// state).
type Gate struct {
	sem        *semaphore.Weighted
	minSpacing time.Duration

	mu          sync.Mutex
	nextAllowed time.Time
}

// New creates a Gate admitting at most maxConcurrent concurrent tasks,
// spaced at least minSpacing apart.
func New(maxConcurrent int, minSpacing time.Duration) *Gate {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Gate{
		sem:        semaphore.NewWeighted(int64(maxConcurrent)),
		minSpacing: minSpacing,
	}
}

// Options carries the free-form attribution attached to a scheduled task,
// used for log correlation as specified in section 4.1 of the spec.
type Options struct {
	ID      string
	Context string
}

// Schedule admits task under the gate's two constraints (maxConcurrent in
// flight, minSpacing between successive dispatches) as specified in
// section 4.1 of the spec. It suspends the caller until a slot and a
// spacing interval are both available, and surfaces ctx cancellation
// without invoking task.
func (g *Gate) Schedule(ctx context.Context, opts Options, task func(context.Context) error) error {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("ratelimit: admission for %s cancelled: %w", opts.ID, err)
	}
	defer g.sem.Release(1)

	if err := g.waitForSpacing(ctx); err != nil {
		return fmt.Errorf("ratelimit: spacing wait for %s cancelled: %w", opts.ID, err)
	}

	return task(ctx)
}

// waitForSpacing blocks until minSpacing has elapsed since the previous
// dispatch, then reserves the next slot. Admission order per id is
// best-effort FIFO; fairness across ids is not guaranteed, per section
// 4.1 of the spec.
func (g *Gate) waitForSpacing(ctx context.Context) error {
	g.mu.Lock()
	now := time.Now()
	wait := time.Duration(0)
	if g.nextAllowed.After(now) {
		wait = g.nextAllowed.Sub(now)
	}
	g.nextAllowed = now.Add(wait).Add(g.minSpacing)
	g.mu.Unlock()

	if wait <= 0 {
		return nil
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// OnFailure implements the retry/backoff decision policy of section 4.1
// of the spec: if attempt < MaxAttempts and err is transient, it returns
// an exponential backoff delay from base, doubling per attempt;
// otherwise it signals give-up. The Gate itself never retries — it only
// exposes this policy for the caller's own retry loop
// (WooCommerceClient's callWithRetry and bulkUpdateChunk).
func (g *Gate) OnFailure(err error, attempt int, base time.Duration) (delay time.Duration, retry bool) {
	if attempt >= MaxAttempts || !IsTransient(err) {
		return 0, false
	}
	return exponentialDelay(base, attempt+1), true
}

// exponentialDelay returns the delay before the nth attempt, doubling
// from base with no jitter: callers attribute a single OnFailure call
// per attempt, and deterministic spacing makes the attempt/delay
// relationship easy to reason about in logs.
func exponentialDelay(base time.Duration, attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = base
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	// NewExponentialBackOff already started from its default interval;
	// Reset makes the first NextBackOff return base.
	b.Reset()

	var delay time.Duration
	for i := 0; i < attempt; i++ {
		delay = b.NextBackOff()
	}
	return delay
}

// transientStatusCodes are the HTTP statuses classified as transient by
// section 7 of the spec.
var transientStatusCodes = map[int]bool{
	429: true,
	502: true,
	504: true,
	524: true,
}

// StatusError is implemented by remote-API errors that carry an HTTP
// status code, so IsTransient can classify them without depending on any
// particular HTTP client implementation.
type StatusError interface {
	error
	StatusCode() int
}

// IsTransient classifies an error as transient per the taxonomy of
// section 7 of the spec: HTTP 429/502/504/524, ECONNRESET, or "socket
// hang up" (Go's analogue being an unexpected EOF from a peer that reset
// the connection mid-response). A plain io.EOF and a net.Error reporting
// a timeout are classified as transient too.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var statusErr StatusError
	if errors.As(err, &statusErr) && transientStatusCodes[statusErr.StatusCode()] {
		return true
	}

	if errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, needle := range []string{"econnreset", "socket hang up", "connection reset"} {
		if strings.Contains(msg, needle) {
			return true
		}
	}

	return false
}
