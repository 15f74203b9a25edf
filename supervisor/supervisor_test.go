package supervisor

import (
	"context"
	"io"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/rs/zerolog"
	"github.com/welllife1010/catalog-sync/checkpoint"
	"github.com/welllife1010/catalog-sync/config"
	"github.com/welllife1010/catalog-sync/metrics"
	"github.com/welllife1010/catalog-sync/queue"
	"github.com/welllife1010/catalog-sync/reconciler"
	"github.com/welllife1010/catalog-sync/remotecatalog"
	"github.com/welllife1010/catalog-sync/worker"
)

const testCSV = "part_number,sku\nX-1,sku-new\nX-2,sku-same\n"

type fakeStore struct {
	folder string
	csv    string
}

func (f *fakeStore) ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	if params.Delimiter != nil && params.Prefix == nil {
		prefix := f.folder + "/"
		return &s3.ListObjectsV2Output{CommonPrefixes: []types.CommonPrefix{{Prefix: &prefix}}}, nil
	}
	key := f.folder + "/products.csv"
	return &s3.ListObjectsV2Output{Contents: []types.Object{{Key: &key}}}, nil
}

func (f *fakeStore) GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	return &s3.GetObjectOutput{Body: io.NopCloser(strings.NewReader(f.csv))}, nil
}

func (f *fakeStore) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	return &s3.PutObjectOutput{}, nil
}

type fakeCatalog struct {
	idByPartNumber map[string]string
	products       map[string]remotecatalog.CanonicalProduct
}

func (f *fakeCatalog) LookupIDByPartNumber(ctx context.Context, partNumber string) (string, error) {
	id, ok := f.idByPartNumber[partNumber]
	if !ok {
		return "", remotecatalog.ErrNotFound
	}
	return id, nil
}

func (f *fakeCatalog) FetchByID(ctx context.Context, remoteID string) (remotecatalog.CanonicalProduct, error) {
	p, ok := f.products[remoteID]
	if !ok {
		return remotecatalog.CanonicalProduct{}, remotecatalog.ErrFetchFailed
	}
	return p, nil
}

func (f *fakeCatalog) BulkUpdate(ctx context.Context, payloads []remotecatalog.UpdatePayload) error {
	return nil
}

func newTestSupervisor(t *testing.T) *Supervisor {
	t.Helper()
	dir := t.TempDir()

	cfg := &config.Config{
		ExecutionMode: config.Production,
		S3BucketName:  "bucket",
		Concurrency:   2,
		BatchSize:     10,
		OutputDir:     filepath.Join(dir, "output-files"),
	}
	_ = cfg.Validate() // populates folderPattern; WOO/validation errors are irrelevant to this test path

	store := &fakeStore{folder: "01-15-2026", csv: testCSV}

	q, err := queue.Open(filepath.Join(dir, "job_queue.db"), 20*time.Millisecond, zerolog.Nop())
	if err != nil {
		t.Fatalf("queue.Open returned error: %v", err)
	}
	t.Cleanup(func() { _ = q.Close() })

	checkpoints, err := checkpoint.New(filepath.Join(dir, "process_checkpoint.json"))
	if err != nil {
		t.Fatalf("checkpoint.New returned error: %v", err)
	}

	catalog := &fakeCatalog{
		idByPartNumber: map[string]string{"X-1": "1", "X-2": "2"},
		products: map[string]remotecatalog.CanonicalProduct{
			"1": {RemoteID: "1", SKU: "sku-old"},
			"2": {RemoteID: "2", SKU: "sku-same"},
		},
	}
	rec := reconciler.New(catalog)
	w := worker.New(rec, catalog, checkpoints, 4, zerolog.Nop(), zerolog.Nop(), zerolog.Nop())

	sv := New(cfg, store, q, checkpoints, w.Handle, metrics.NewRegistry(), nil, zerolog.Nop(), zerolog.Nop())
	sv.scanInterval = 50 * time.Millisecond
	return sv
}

func TestSupervisor_Run_ProcessesDiscoveredFeedToCompletion(t *testing.T) {
	sv := newTestSupervisor(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := sv.Run(ctx); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	snapshot, err := sv.checkpoints.ReadAll(context.Background())
	if err != nil {
		t.Fatalf("ReadAll returned error: %v", err)
	}
	if len(snapshot) != 1 {
		t.Fatalf("expected exactly one feed in checkpoint snapshot, got %d", len(snapshot))
	}
	for feedKey, state := range snapshot {
		if state.Counters.Updated != 1 {
			t.Errorf("feed %s: Updated = %d, want 1", feedKey, state.Counters.Updated)
		}
		if state.Counters.Skipped != 1 {
			t.Errorf("feed %s: Skipped = %d, want 1", feedKey, state.Counters.Skipped)
		}
		if state.Checkpoint.LastProcessedRow != 2 {
			t.Errorf("feed %s: LastProcessedRow = %d, want 2", feedKey, state.Checkpoint.LastProcessedRow)
		}
	}
}

func TestFeedKeyFor_IsFolderQualified(t *testing.T) {
	key := FeedKeyFor("01-15-2026", "products.csv")
	if key != "01-15-2026/products" {
		t.Errorf("FeedKeyFor = %q, want 01-15-2026/products", key)
	}
}
