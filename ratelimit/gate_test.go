package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeStatusError struct {
	status int
}

func (e *fakeStatusError) Error() string  { return fmt.Sprintf("status %d", e.status) }
func (e *fakeStatusError) StatusCode() int { return e.status }

func TestGate_Schedule_BoundsConcurrency(t *testing.T) {
	gate := New(2, 0)
	var inFlight int32
	var maxObserved int32

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = gate.Schedule(context.Background(), Options{ID: "t"}, func(ctx context.Context) error {
				n := atomic.AddInt32(&inFlight, 1)
				for {
					old := atomic.LoadInt32(&maxObserved)
					if n <= old || atomic.CompareAndSwapInt32(&maxObserved, old, n) {
						break
					}
				}
				time.Sleep(20 * time.Millisecond)
				atomic.AddInt32(&inFlight, -1)
				return nil
			})
		}()
	}
	wg.Wait()

	if maxObserved > 2 {
		t.Fatalf("observed %d concurrent tasks, want <= 2", maxObserved)
	}
}

func TestGate_Schedule_EnforcesMinSpacing(t *testing.T) {
	gate := New(4, 50*time.Millisecond)
	start := time.Now()

	for i := 0; i < 3; i++ {
		_ = gate.Schedule(context.Background(), Options{ID: "t"}, func(ctx context.Context) error {
			return nil
		})
	}

	elapsed := time.Since(start)
	if elapsed < 100*time.Millisecond {
		t.Fatalf("elapsed %v, want >= 100ms for 3 dispatches spaced 50ms apart", elapsed)
	}
}

func TestGate_Schedule_CancelledContext(t *testing.T) {
	gate := New(1, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := gate.Schedule(ctx, Options{ID: "t"}, func(ctx context.Context) error {
		called = true
		return nil
	})
	if err == nil {
		t.Fatal("expected error for cancelled context")
	}
	if called {
		t.Fatal("task should not run once context is already cancelled before admission")
	}
}

func TestGate_OnFailure_RetriesTransientUnderMaxAttempts(t *testing.T) {
	gate := New(1, 0)
	delay, retry := gate.OnFailure(&fakeStatusError{status: 502}, 0, time.Second)
	if !retry {
		t.Fatal("expected retry=true for a transient error under MaxAttempts")
	}
	if delay != time.Second {
		t.Errorf("delay = %v, want 1s (base * 2^0)", delay)
	}

	delay, retry = gate.OnFailure(&fakeStatusError{status: 502}, 2, time.Second)
	if !retry || delay != 4*time.Second {
		t.Errorf("delay = %v retry=%v, want 4s true (base * 2^2)", delay, retry)
	}
}

func TestGate_OnFailure_GivesUpAtMaxAttempts(t *testing.T) {
	gate := New(1, 0)
	_, retry := gate.OnFailure(&fakeStatusError{status: 502}, MaxAttempts, time.Second)
	if retry {
		t.Fatal("expected retry=false once attempt reaches MaxAttempts")
	}
}

func TestGate_OnFailure_GivesUpOnPermanentError(t *testing.T) {
	gate := New(1, 0)
	_, retry := gate.OnFailure(errors.New("boom"), 0, time.Second)
	if retry {
		t.Fatal("expected retry=false for a non-transient error")
	}
}

func TestIsTransient(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{&fakeStatusError{status: 429}, true},
		{&fakeStatusError{status: 502}, true},
		{&fakeStatusError{status: 504}, true},
		{&fakeStatusError{status: 524}, true},
		{&fakeStatusError{status: 404}, false},
		{errors.New("socket hang up"), true},
		{errors.New("read: connection reset by peer"), true},
		{errors.New("not found"), false},
		{nil, false},
	}

	for _, c := range cases {
		if got := IsTransient(c.err); got != c.want {
			t.Errorf("IsTransient(%v) = %v, want %v", c.err, got, c.want)
		}
	}
}
