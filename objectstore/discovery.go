// This file implements newest-feed-folder discovery as specified in
// section 4.8 and section 6 of the design specification.
package objectstore

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// FeedFile describes a single CSV object discovered within the newest
// feed folder, as required by section 4.8 of the spec.
type FeedFile struct {
	Key  string // full S3 key, e.g. "07-30-2026/products-1.csv"
	Name string // base file name, e.g. "products-1.csv"
}

// DiscoverNewestFeed lists top-level folders in bucket, selects the
// newest one whose name matches folderPattern (e.g. "MM-DD-YYYY" in
// production, "MM-DD-YYYY-test" in development, per section 6 of the
// spec), and returns every ".csv" object (case-insensitive) within it.
func DiscoverNewestFeed(ctx context.Context, client Client, bucket, folderPattern string) (folder string, files []FeedFile, err error) {
	pattern, err := regexp.Compile(folderPattern)
	if err != nil {
		return "", nil, fmt.Errorf("invalid folder pattern %q: %w", folderPattern, err)
	}

	out, err := client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:    &bucket,
		Delimiter: awsString("/"),
	})
	if err != nil {
		return "", nil, fmt.Errorf("failed to list folders in bucket %s: %w", bucket, err)
	}

	var folders []string
	for _, prefix := range out.CommonPrefixes {
		if prefix.Prefix == nil {
			continue
		}
		name := strings.TrimSuffix(*prefix.Prefix, "/")
		if pattern.MatchString(name) {
			folders = append(folders, name)
		}
	}
	if len(folders) == 0 {
		return "", nil, fmt.Errorf("no feed folders matching %q found in bucket %s", folderPattern, bucket)
	}

	// MM-DD-YYYY sorts lexicographically by month then day, not by date;
	// re-key to YYYY-MM-DD for a correct "newest" comparison.
	sort.Slice(folders, func(i, j int) bool {
		return dateKey(folders[i]) > dateKey(folders[j])
	})
	newest := folders[0]

	listOut, err := client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket: &bucket,
		Prefix: awsString(newest + "/"),
	})
	if err != nil {
		return "", nil, fmt.Errorf("failed to list objects in folder %s: %w", newest, err)
	}

	for _, obj := range listOut.Contents {
		if obj.Key == nil {
			continue
		}
		if !strings.EqualFold(ext(*obj.Key), ".csv") {
			continue
		}
		parts := strings.Split(*obj.Key, "/")
		files = append(files, FeedFile{Key: *obj.Key, Name: parts[len(parts)-1]})
	}

	return newest, files, nil
}

// dateKey turns "MM-DD-YYYY" or "MM-DD-YYYY-test" into a "YYYY-MM-DD"
// string so string comparison reflects chronological order.
func dateKey(folder string) string {
	trimmed := strings.TrimSuffix(folder, "-test")
	parts := strings.Split(trimmed, "-")
	if len(parts) != 3 {
		return folder
	}
	return parts[2] + "-" + parts[0] + "-" + parts[1]
}

func ext(key string) string {
	idx := strings.LastIndex(key, ".")
	if idx < 0 {
		return ""
	}
	return key[idx:]
}

func awsString(s string) *string { return &s }
