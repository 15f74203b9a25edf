package objectstore

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

type fakeClient struct {
	prefixes []string
	objects  map[string][]string // folder -> keys
}

func (f *fakeClient) ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	if params.Delimiter != nil && *params.Delimiter == "/" && params.Prefix == nil {
		out := &s3.ListObjectsV2Output{}
		for _, p := range f.prefixes {
			prefix := p
			out.CommonPrefixes = append(out.CommonPrefixes, types.CommonPrefix{Prefix: &prefix})
		}
		return out, nil
	}

	folder := strings.TrimSuffix(*params.Prefix, "/")
	out := &s3.ListObjectsV2Output{}
	for _, key := range f.objects[folder] {
		k := key
		out.Contents = append(out.Contents, types.Object{Key: &k})
	}
	return out, nil
}

func (f *fakeClient) GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	return &s3.GetObjectOutput{Body: io.NopCloser(strings.NewReader(""))}, nil
}

func (f *fakeClient) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	return &s3.PutObjectOutput{}, nil
}

func TestDiscoverNewestFeed_PicksLatestDateFolder(t *testing.T) {
	// "01-15-2026" sorts lexicographically BEFORE "12-01-2025" (since "0" <
	// "1"), yet January 15 2026 is chronologically after December 1 2025.
	// The newest folder must be chosen by date, not by string order.
	client := &fakeClient{
		prefixes: []string{"12-01-2025/", "01-15-2026/"},
		objects: map[string][]string{
			"01-15-2026": {"01-15-2026/products.csv", "01-15-2026/readme.txt"},
		},
	}

	folder, files, err := DiscoverNewestFeed(context.Background(), client, "bucket", `^\d{2}-\d{2}-\d{4}$`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if folder != "01-15-2026" {
		t.Fatalf("folder = %q, want 01-15-2026 (chronologically newest despite lexicographic order)", folder)
	}
	if len(files) != 1 || files[0].Name != "products.csv" {
		t.Fatalf("files = %+v, want exactly one products.csv (non-csv filtered out)", files)
	}
}

func TestDiscoverNewestFeed_FiltersByFolderPattern(t *testing.T) {
	client := &fakeClient{
		prefixes: []string{"07-04-2026/", "07-04-2026-test/"},
		objects: map[string][]string{
			"07-04-2026-test": {"07-04-2026-test/a.csv"},
		},
	}

	folder, files, err := DiscoverNewestFeed(context.Background(), client, "bucket", `^\d{2}-\d{2}-\d{4}-test$`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if folder != "07-04-2026-test" {
		t.Fatalf("folder = %q, want the -test variant only", folder)
	}
	if len(files) != 1 {
		t.Fatalf("files = %+v", files)
	}
}

func TestDiscoverNewestFeed_NoMatchingFolders(t *testing.T) {
	client := &fakeClient{prefixes: []string{"not-a-date/"}}
	if _, _, err := DiscoverNewestFeed(context.Background(), client, "bucket", `^\d{2}-\d{2}-\d{4}$`); err == nil {
		t.Fatal("expected error when no folder matches the pattern")
	}
}
