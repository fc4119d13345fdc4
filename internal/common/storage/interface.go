package storage

import (
	"context"
	"time"
)

// ObjectStorage defines the object storage operations the grading pipeline
// needs: fetching submission archives and resource packs, and publishing
// report bundles. It is intentionally small so we can swap MinIO/AWS-S3
// implementations without touching business logic.
type ObjectStorage interface {
	// GetObject opens a reader for an object.
	// Caller must close the returned reader.
	GetObject(ctx context.Context, bucket, objectKey string) (ObjectReader, error)

	// PutObject uploads an object in a single request. sizeBytes may be -1
	// when the size is unknown.
	PutObject(ctx context.Context, bucket, objectKey string, reader ObjectReader, sizeBytes int64, contentType string) error

	// StatObject returns size and ETag for an object.
	StatObject(ctx context.Context, bucket, objectKey string) (ObjectStat, error)

	// PresignGet returns a presigned URL for downloading an object via HTTP GET.
	PresignGet(ctx context.Context, bucket, objectKey string, ttl time.Duration) (string, error)

	// ListObjects streams object metadata under a prefix.
	ListObjects(ctx context.Context, bucket, prefix string) <-chan ObjectInfo

	// RemoveObjects deletes the given keys, stopping at the first failure.
	RemoveObjects(ctx context.Context, bucket string, keys []string) error
}

// ObjectReader is a streaming reader for object data.
type ObjectReader interface {
	Read(p []byte) (int, error)
	Close() error
}

// ObjectStat contains object metadata used for validation.
type ObjectStat struct {
	SizeBytes   int64
	ETag        string
	ContentType string
}

// ObjectInfo is one entry from a listing. Err is set when the listing
// itself failed.
type ObjectInfo struct {
	Key       string
	SizeBytes int64
	Err       error
}
