// Package storage reads submission sources that producers upload to an
// S3-compatible bucket instead of inlining them in the Kafka message.
package storage

import (
	"context"
	"io"
)

// ObjectStorage is the read side of a source bucket.
type ObjectStorage interface {
	// GetObject streams an object. Callers close the reader.
	GetObject(ctx context.Context, bucket, objectKey string) (io.ReadCloser, error)
	StatObject(ctx context.Context, bucket, objectKey string) (ObjectStat, error)
}

// ObjectStat is the metadata checked before a source is downloaded.
type ObjectStat struct {
	SizeBytes   int64
	ETag        string
	ContentType string
}
