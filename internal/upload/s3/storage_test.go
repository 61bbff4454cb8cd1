package s3

import (
	"context"
	"errors"
	"net/url"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/stretchr/testify/require"

	"github.com/drand/ceremony/internal/ceremony"
	"github.com/drand/ceremony/internal/test/testlogger"
)

// newOffline returns a storage whose presigning needs no network.
func newOffline(t *testing.T) *Storage {
	t.Helper()
	sess, err := session.NewSession(&aws.Config{
		Region:           aws.String("us-east-1"),
		Endpoint:         aws.String("http://localhost:9000"),
		S3ForcePathStyle: aws.Bool(true),
		Credentials:      credentials.NewStaticCredentials("AKID", "SECRET", ""),
	})
	require.NoError(t, err)
	return New(sess, testlogger.New(t))
}

func TestSignPartUpload(t *testing.T) {
	s := newOffline(t)
	raw, err := s.SignPartUpload(context.Background(), "bucket", "circuits/c/contributions/c_00001.zkey", "up-1", 3, 1024, 10*time.Minute)
	require.NoError(t, err)

	u, err := url.Parse(raw)
	require.NoError(t, err)
	require.Equal(t, "/bucket/circuits/c/contributions/c_00001.zkey", u.Path)
	q := u.Query()
	require.Equal(t, "3", q.Get("partNumber"))
	require.Equal(t, "up-1", q.Get("uploadId"))
	require.Equal(t, "600", q.Get("X-Amz-Expires"))
	require.NotEmpty(t, q.Get("X-Amz-Signature"))
}

func TestSignDownload(t *testing.T) {
	s := newOffline(t)
	raw, err := s.SignDownload(context.Background(), "bucket", "k", time.Minute)
	require.NoError(t, err)
	u, err := url.Parse(raw)
	require.NoError(t, err)
	require.Equal(t, "/bucket/k", u.Path)
	require.Equal(t, "60", u.Query().Get("X-Amz-Expires"))
}

func TestClassify(t *testing.T) {
	require.NoError(t, classify("op", nil))

	notFound := awserr.New(s3.ErrCodeNoSuchKey, "gone", nil)
	require.ErrorIs(t, classify("get", notFound), ceremony.ErrNotFound)

	unavailable := awserr.NewRequestFailure(awserr.New("InternalError", "boom", nil), 503, "req")
	require.ErrorIs(t, classify("put", unavailable), ceremony.ErrStorageUnavailable)

	throttled := awserr.NewRequestFailure(awserr.New("SlowDown", "slow down", nil), 400, "req")
	require.ErrorIs(t, classify("put", throttled), ceremony.ErrStorageUnavailable)

	timedOut := awserr.NewRequestFailure(awserr.New("RequestTimeout", "idle", nil), 400, "req")
	require.ErrorIs(t, classify("put", timedOut), ceremony.ErrStorageUnavailable)

	internal := awserr.New("InternalError", "boom", nil)
	require.ErrorIs(t, classify("put", internal), ceremony.ErrStorageUnavailable)

	denied := awserr.NewRequestFailure(awserr.New("AccessDenied", "no", nil), 403, "req")
	err := classify("put", denied)
	require.False(t, errors.Is(err, ceremony.ErrStorageUnavailable))
	require.False(t, errors.Is(err, ceremony.ErrNotFound))
}
