package storage

import (
	"context"
	"errors"
	"io"
)

// ErrObjectNotFound is returned by non-MinIO implementations for a missing
// object. IsNotFound recognizes it.
var ErrObjectNotFound = errors.New("object not found")

// ObjectStorage defines the object operations used for verdict archives.
type ObjectStorage interface {
	// PutObject uploads size bytes from reader. A negative size streams.
	PutObject(ctx context.Context, bucket, objectKey string, reader io.Reader, sizeBytes int64, contentType string) error

	// GetObject opens a reader for an object.
	// Caller must close the returned reader.
	GetObject(ctx context.Context, bucket, objectKey string) (io.ReadCloser, error)

	// StatObject returns size and ETag for an object.
	StatObject(ctx context.Context, bucket, objectKey string) (ObjectStat, error)
}

// ObjectStat contains object metadata.
type ObjectStat struct {
	SizeBytes   int64
	ETag        string
	ContentType string
}
