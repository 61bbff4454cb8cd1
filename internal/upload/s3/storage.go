// Package s3 implements upload.ObjectStorage on AWS S3 and compatible stores.
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"

	"github.com/drand/ceremony/common/log"
	"github.com/drand/ceremony/internal/ceremony"
	"github.com/drand/ceremony/internal/upload"
)

// Config selects the S3 endpoint.
type Config struct {
	Region string
	// Endpoint overrides the AWS endpoint, for minio and friends.
	Endpoint string
	// PathStyle addresses buckets as path segments instead of subdomains.
	PathStyle bool
}

// Storage talks to S3 with the ambient AWS credentials.
type Storage struct {
	svc  *s3.S3
	sess *session.Session
	log  log.Logger
}

var _ upload.ObjectStorage = (*Storage)(nil)

// NewSession builds the AWS session for cfg.
func NewSession(cfg Config) (*session.Session, error) {
	awsCfg := &aws.Config{Region: aws.String(cfg.Region)}
	if cfg.Endpoint != "" {
		awsCfg.Endpoint = aws.String(cfg.Endpoint)
	}
	if cfg.PathStyle {
		awsCfg.S3ForcePathStyle = aws.Bool(true)
	}
	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, fmt.Errorf("creating aws session: %w", err)
	}
	return sess, nil
}

// New returns a storage using sess.
func New(sess *session.Session, l log.Logger) *Storage {
	return &Storage{svc: s3.New(sess), sess: sess, log: l.Named("s3")}
}

// CheckCredentials fails when no credentials can be found.
func (s *Storage) CheckCredentials() error {
	if _, err := s.sess.Config.Credentials.Get(); err != nil {
		return fmt.Errorf("checking credentials: %w", err)
	}
	return nil
}

// classify maps transient AWS failures to ErrStorageUnavailable and missing
// objects to ErrNotFound.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var aerr awserr.Error
	if errors.As(err, &aerr) {
		switch aerr.Code() {
		case s3.ErrCodeNoSuchKey, s3.ErrCodeNoSuchBucket:
			return fmt.Errorf("%s: %s: %w", op, aerr.Message(), ceremony.ErrNotFound)
		case request.CanceledErrorCode:
			return fmt.Errorf("%s: %w", op, err)
		case "SlowDown", "RequestTimeout", "InternalError", "ServiceUnavailable":
			// S3 sends these with 4xx statuses too
			return fmt.Errorf("%s: %v: %w", op, err, ceremony.ErrStorageUnavailable)
		}
	}
	var reqErr awserr.RequestFailure
	if errors.As(err, &reqErr) && reqErr.StatusCode() >= http.StatusInternalServerError {
		return fmt.Errorf("%s: %v: %w", op, err, ceremony.ErrStorageUnavailable)
	}
	if request.IsErrorRetryable(err) || request.IsErrorThrottle(err) {
		return fmt.Errorf("%s: %v: %w", op, err, ceremony.ErrStorageUnavailable)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func (s *Storage) CreateMultipartSession(ctx context.Context, bucket, key string) (string, error) {
	out, err := s.svc.CreateMultipartUploadWithContext(ctx, &s3.CreateMultipartUploadInput{
		Bucket:      aws.String(bucket),
		Key:         aws.String(key),
		ContentType: aws.String("application/octet-stream"),
	})
	if err != nil {
		return "", classify("create multipart upload", err)
	}
	return aws.StringValue(out.UploadId), nil
}

// SignPartUpload presigns an UploadPart request. The content length is part
// of the signature, so the URL cannot be used for a part of another size.
func (s *Storage) SignPartUpload(_ context.Context, bucket, key, uploadID string, partNumber int, size int64, ttl time.Duration) (string, error) {
	req, _ := s.svc.UploadPartRequest(&s3.UploadPartInput{
		Bucket:        aws.String(bucket),
		Key:           aws.String(key),
		UploadId:      aws.String(uploadID),
		PartNumber:    aws.Int64(int64(partNumber)),
		ContentLength: aws.Int64(size),
	})
	url, err := req.Presign(ttl)
	if err != nil {
		return "", classify("presign upload part", err)
	}
	return url, nil
}

func (s *Storage) CompleteMultipartSession(ctx context.Context, bucket, key, uploadID string, parts []upload.CompletedPart) (string, error) {
	completed := make([]*s3.CompletedPart, len(parts))
	for i, p := range parts {
		completed[i] = &s3.CompletedPart{
			ETag:       aws.String(p.Tag),
			PartNumber: aws.Int64(int64(p.Number)),
		}
	}
	out, err := s.svc.CompleteMultipartUploadWithContext(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(bucket),
		Key:             aws.String(key),
		UploadId:        aws.String(uploadID),
		MultipartUpload: &s3.CompletedMultipartUpload{Parts: completed},
	})
	if err != nil {
		return "", classify("complete multipart upload", err)
	}
	return aws.StringValue(out.ETag), nil
}

func (s *Storage) AbortMultipartSession(ctx context.Context, bucket, key, uploadID string) error {
	_, err := s.svc.AbortMultipartUploadWithContext(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(bucket),
		Key:      aws.String(key),
		UploadId: aws.String(uploadID),
	})
	var aerr awserr.Error
	if errors.As(err, &aerr) && aerr.Code() == s3.ErrCodeNoSuchUpload {
		s.log.Debugw("abort of unknown upload", "bucket", bucket, "key", key, "upload", uploadID)
		return nil
	}
	return classify("abort multipart upload", err)
}

func (s *Storage) Open(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	out, err := s.svc.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, classify("get object", err)
	}
	return out.Body, nil
}

func (s *Storage) SignDownload(_ context.Context, bucket, key string, ttl time.Duration) (string, error) {
	req, _ := s.svc.GetObjectRequest(&s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	url, err := req.Presign(ttl)
	if err != nil {
		return "", classify("presign get object", err)
	}
	return url, nil
}

// PutObject uploads a whole object, such as a genesis zkey, with the
// concurrent multipart uploader.
func (s *Storage) PutObject(ctx context.Context, bucket, key string, r io.Reader) (string, error) {
	upr := s3manager.NewUploader(s.sess)
	out, err := upr.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket:      aws.String(bucket),
		Key:         aws.String(key),
		Body:        r,
		ContentType: aws.String("application/octet-stream"),
	})
	if err != nil {
		return "", classify("upload object", err)
	}
	return out.Location, nil
}
