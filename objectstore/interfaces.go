// Package objectstore implements the object-store abstraction that the
// core treats as an external collaborator (section 1 of the design
// specification). It exposes only the contract FeedIngestor and the
// Supervisor's feed-discovery step actually consume: list folders/objects
// and stream an object's body.
package objectstore

import (
	"context"
	"io"

	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Client defines the interface for S3 operations as required by sections
// 4.3 and 4.8 of the spec: discovering feed folders and streaming CSV
// objects.
type Client interface {
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Compile-time interface checks.
var (
	_ Client = (*ClientImpl)(nil)
	_ Client = (*s3.Client)(nil)
)

// ClientImpl implements Client using the AWS SDK, as specified in
// section 4.3 of the spec.
type ClientImpl struct {
	client *s3.Client
}

// NewClient creates a new ClientImpl instance.
func NewClient(client *s3.Client) *ClientImpl {
	return &ClientImpl{client: client}
}

// ListObjectsV2 implements the Client interface for listing folder/object keys.
func (c *ClientImpl) ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	return c.client.ListObjectsV2(ctx, params, optFns...)
}

// GetObject implements the Client interface for reading a CSV object body.
func (c *ClientImpl) GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	return c.client.GetObject(ctx, params, optFns...)
}

// PutObject implements the Client interface for uploading an object,
// used by the checkpoint package's report uploader.
func (c *ClientImpl) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	return c.client.PutObject(ctx, params, optFns...)
}

// ReadAll is a convenience used by FeedIngestor to buffer an object body
// once for the two-pass algorithm of section 4.3 of the spec (count, then
// parse), rather than downloading it twice.
func ReadAll(body io.ReadCloser) ([]byte, error) {
	defer func() { _ = body.Close() }()
	return io.ReadAll(body)
}
