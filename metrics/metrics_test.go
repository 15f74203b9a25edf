package metrics

import (
	"testing"
	"time"

	"github.com/welllife1010/catalog-sync/checkpoint"
)

func TestBuildReport_MarksCompleteWhenCountersReachTotal(t *testing.T) {
	now := time.Now()
	snapshot := map[string]checkpoint.FeedState{
		"feed-1": {
			Checkpoint: checkpoint.Checkpoint{LastProcessedRow: 10, TotalProductsInFile: 10},
			Counters:   checkpoint.Counters{Updated: 7, Skipped: 2, Failed: 1, Total: 10},
		},
		"feed-2": {
			Checkpoint: checkpoint.Checkpoint{LastProcessedRow: 3, TotalProductsInFile: 10},
			Counters:   checkpoint.Counters{Updated: 2, Skipped: 1, Total: 10},
		},
	}

	report := BuildReport(snapshot, now.Add(-time.Minute), now)

	if len(report.Feeds) != 2 {
		t.Fatalf("len(Feeds) = %d, want 2", len(report.Feeds))
	}
	if report.Feeds[0].FeedKey != "feed-1" || report.Feeds[1].FeedKey != "feed-2" {
		t.Errorf("feeds not sorted by feedKey: %+v", report.Feeds)
	}
	if !report.Feeds[0].Complete {
		t.Error("feed-1 should be complete (10 of 10 accounted for)")
	}
	if report.Feeds[1].Complete {
		t.Error("feed-2 should not be complete (3 of 10 accounted for)")
	}
	if report.AllComplete() {
		t.Error("AllComplete should be false while feed-2 is incomplete")
	}
}

func TestBuildReport_EmptySnapshotIsNotComplete(t *testing.T) {
	report := BuildReport(map[string]checkpoint.FeedState{}, time.Now(), time.Now())
	if report.AllComplete() {
		t.Error("a report with no feeds should never report complete")
	}
}

func TestRegistry_ObserveDoesNotPanicOnRepeatedFeedKeys(t *testing.T) {
	r := NewRegistry()
	snapshot := map[string]checkpoint.FeedState{
		"feed-1": {
			Checkpoint: checkpoint.Checkpoint{LastProcessedRow: 5, TotalProductsInFile: 10},
			Counters:   checkpoint.Counters{Updated: 5, Total: 10},
		},
	}
	r.Observe(snapshot)
	r.Observe(snapshot) // idempotent re-observe, as the Supervisor's ticker does
}
