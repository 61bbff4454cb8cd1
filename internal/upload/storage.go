package upload

import (
	"context"
	"io"
	"time"
)

// CompletedPart is the storage view of an acknowledged part.
type CompletedPart struct {
	// Number is the 1-based storage part number.
	Number int
	Tag    string
}

// ObjectStorage is the durable store artifacts are uploaded to. Transient
// failures must match ceremony.ErrStorageUnavailable.
type ObjectStorage interface {
	// CreateMultipartSession reserves a multipart upload and returns its id.
	CreateMultipartSession(ctx context.Context, bucket, key string) (string, error)
	// SignPartUpload returns a URL allowing exactly one PUT of size bytes as
	// part number partNumber, valid for ttl.
	SignPartUpload(ctx context.Context, bucket, key, uploadID string, partNumber int, size int64, ttl time.Duration) (string, error)
	// CompleteMultipartSession commits the parts, in order, and returns the
	// tag of the resulting object.
	CompleteMultipartSession(ctx context.Context, bucket, key, uploadID string, parts []CompletedPart) (string, error)
	// AbortMultipartSession releases the reservation. Aborting an unknown
	// upload is not an error.
	AbortMultipartSession(ctx context.Context, bucket, key, uploadID string) error
	// Open streams a committed object.
	Open(ctx context.Context, bucket, key string) (io.ReadCloser, error)
	// SignDownload returns a URL allowing a GET of the object, valid for ttl.
	SignDownload(ctx context.Context, bucket, key string, ttl time.Duration) (string, error)
}
