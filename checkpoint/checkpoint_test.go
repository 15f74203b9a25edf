package checkpoint

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
)

func TestStore_SetTotal_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "process_checkpoint.json")

	s1, err := New(path)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	if err := s1.SetTotal(context.Background(), "feed-1", 100); err != nil {
		t.Fatalf("SetTotal returned error: %v", err)
	}

	s2, err := New(path)
	if err != nil {
		t.Fatalf("reopening Store returned error: %v", err)
	}
	n, err := s2.GetLastProcessed(context.Background(), "feed-1")
	if err != nil {
		t.Fatalf("GetLastProcessed returned error: %v", err)
	}
	if n != 0 {
		t.Errorf("LastProcessedRow = %d, want 0 before any commit", n)
	}

	all, err := s2.ReadAll(context.Background())
	if err != nil {
		t.Fatalf("ReadAll returned error: %v", err)
	}
	if all["feed-1"].Checkpoint.TotalProductsInFile != 100 {
		t.Errorf("TotalProductsInFile = %d, want 100", all["feed-1"].Checkpoint.TotalProductsInFile)
	}
}

func TestStore_CommitBatch_MonotonicallyNonDecreasing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "process_checkpoint.json")
	s, err := New(path)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	if err := s.CommitBatch(context.Background(), "feed-1", 10, 100); err != nil {
		t.Fatalf("CommitBatch returned error: %v", err)
	}
	// Out-of-order completion: a later-dispatched, earlier-index batch
	// commits after a higher one already landed. LastProcessedRow must
	// never regress.
	if err := s.CommitBatch(context.Background(), "feed-1", 5, 100); err != nil {
		t.Fatalf("CommitBatch returned error: %v", err)
	}

	n, err := s.GetLastProcessed(context.Background(), "feed-1")
	if err != nil {
		t.Fatalf("GetLastProcessed returned error: %v", err)
	}
	if n != 10 {
		t.Errorf("LastProcessedRow = %d, want 10 (must not regress)", n)
	}
}

func TestStore_IncrementCounter_ConcurrentAndAtomic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "process_checkpoint.json")
	s, err := New(path)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.IncrementCounter(context.Background(), "feed-1", Updated, 1)
		}()
	}
	wg.Wait()

	all, err := s.ReadAll(context.Background())
	if err != nil {
		t.Fatalf("ReadAll returned error: %v", err)
	}
	if all["feed-1"].Counters.Updated != 100 {
		t.Errorf("Updated = %d, want 100", all["feed-1"].Counters.Updated)
	}
}

func TestStore_CounterBound_NeverExceedsTotal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "process_checkpoint.json")
	s, err := New(path)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	ctx := context.Background()

	if err := s.SetTotal(ctx, "feed-1", 3); err != nil {
		t.Fatalf("SetTotal returned error: %v", err)
	}
	_ = s.IncrementCounter(ctx, "feed-1", Updated, 1)
	_ = s.IncrementCounter(ctx, "feed-1", Skipped, 1)
	_ = s.IncrementCounter(ctx, "feed-1", Failed, 1)

	all, err := s.ReadAll(ctx)
	if err != nil {
		t.Fatalf("ReadAll returned error: %v", err)
	}
	c := all["feed-1"].Counters
	sum := c.Updated + c.Skipped + c.Failed
	if sum > c.Total {
		t.Errorf("updated+skipped+failed = %d exceeds total = %d", sum, c.Total)
	}
}

func TestStore_IncrementCounter_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "process_checkpoint.json")

	s1, err := New(path)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	ctx := context.Background()
	if err := s1.SetTotal(ctx, "feed-1", 4); err != nil {
		t.Fatalf("SetTotal returned error: %v", err)
	}
	if err := s1.IncrementCounter(ctx, "feed-1", Updated, 1); err != nil {
		t.Fatalf("IncrementCounter returned error: %v", err)
	}
	if err := s1.IncrementCounter(ctx, "feed-1", Failed, 1); err != nil {
		t.Fatalf("IncrementCounter returned error: %v", err)
	}
	if err := s1.CommitBatch(ctx, "feed-1", 2, 4); err != nil {
		t.Fatalf("CommitBatch returned error: %v", err)
	}

	// A fresh Store over the same path simulates the process restarting
	// after a crash: a batch already acked out of the queue before the
	// crash will never be redelivered, so its counter contribution must
	// come back from disk or it is lost forever.
	s2, err := New(path)
	if err != nil {
		t.Fatalf("reopening Store returned error: %v", err)
	}
	all, err := s2.ReadAll(ctx)
	if err != nil {
		t.Fatalf("ReadAll returned error: %v", err)
	}
	c := all["feed-1"]
	if c.Counters.Updated != 1 {
		t.Errorf("Updated = %d, want 1", c.Counters.Updated)
	}
	if c.Counters.Failed != 1 {
		t.Errorf("Failed = %d, want 1", c.Counters.Failed)
	}
	if c.Checkpoint.LastProcessedRow != 2 {
		t.Errorf("LastProcessedRow = %d, want 2", c.Checkpoint.LastProcessedRow)
	}
}

func TestStore_ReadAll_UnknownFeedAbsent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "process_checkpoint.json")
	s, err := New(path)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	all, err := s.ReadAll(context.Background())
	if err != nil {
		t.Fatalf("ReadAll returned error: %v", err)
	}
	if len(all) != 0 {
		t.Errorf("expected empty snapshot for a fresh store, got %+v", all)
	}
}
