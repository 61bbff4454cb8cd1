package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	nhttp "net/http"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/briandowns/spinner"
	"github.com/sethvargo/go-retry"

	"github.com/drand/ceremony/common/log"
	"github.com/drand/ceremony/internal/ceremony"
	"github.com/drand/ceremony/internal/metrics"
	"github.com/drand/ceremony/internal/scheduler"
	"github.com/drand/ceremony/internal/upload"
	"github.com/drand/ceremony/internal/verify"
)

const refreshRate = 500 * time.Millisecond

// Uploader sends an artifact through the upload session of an attempt. An
// interrupted upload resumes from the parts the coordinator acknowledged.
type Uploader struct {
	Client *Client
	// HTTP performs the presigned PUTs, http.DefaultClient when nil.
	HTTP *nhttp.Client
	// ChunkSize asks for a part size, the coordinator chooses when 0.
	ChunkSize int64
	// Retries bounds the attempts of one part PUT.
	Retries uint64
	// Progress shows a spinner on the given writer, none when nil.
	Progress io.Writer
	Log      log.Logger
}

// Upload sends size bytes of r as the artifact of attemptID and returns the
// session, ready to be submitted.
func (u *Uploader) Upload(ctx context.Context, attemptID string, r io.ReaderAt, size int64) (*ceremony.UploadSession, error) {
	st, err := u.Client.ResumeAfterReconnect(ctx, attemptID)
	if err != nil {
		return nil, err
	}
	if st.Attempt.State.Terminal() {
		return nil, fmt.Errorf("attempt %s is %s: %w", attemptID, st.Attempt.State, ceremony.ErrTimeoutEvicted)
	}

	sess := st.Session
	switch {
	case sess == nil:
		if sess, err = u.Client.OpenUpload(ctx, attemptID, size, u.ChunkSize); err != nil {
			return nil, err
		}
	case sess.State == ceremony.SessionAborted:
		return nil, upload.ErrSessionAborted
	case sess.TotalSize != size:
		return nil, fmt.Errorf("session %s expects %d bytes, artifact has %d: %w",
			sess.ID, sess.TotalSize, size, ceremony.ErrUploadIntegrity)
	default:
		u.logger().Infow("resuming upload", "session", sess.ID, "missing", len(st.Missing))
	}
	if sess.State == ceremony.SessionClosed {
		return sess, nil
	}

	var sent int64
	for i := range sess.Parts {
		if sess.Parts[i].Acknowledged() {
			sent += sess.Parts[i].Size
		}
	}
	if u.Progress != nil {
		s := spinner.New(spinner.CharSets[9], refreshRate, spinner.WithWriter(u.Progress))
		s.PreUpdate = func(spin *spinner.Spinner) {
			done := atomic.LoadInt64(&sent)
			spin.Suffix = fmt.Sprintf("  uploading %s: %d/%d bytes (%.1f %%)",
				sess.Key, done, size, 100*float64(done)/float64(size))
		}
		s.Start()
		defer s.Stop()
	}

	for {
		auths, err := u.Client.AuthorizeParts(ctx, sess.ID, 0, 0)
		if err != nil {
			return nil, err
		}
		if len(auths) == 0 {
			break
		}
		for _, a := range auths {
			tag, err := u.put(ctx, a, r)
			if err != nil {
				return nil, fmt.Errorf("part %d: %w", a.PartIndex, err)
			}
			if err := u.Client.ReportPartComplete(ctx, sess.ID, a.PartIndex, tag); err != nil {
				return nil, err
			}
			atomic.AddInt64(&sent, a.Size)
			metrics.ClientUploadedBytes.Add(float64(a.Size))
		}
	}
	u.logger().Infow("upload complete", "session", sess.ID, "bytes", size)
	return sess, nil
}

var errStatus = errors.New("unexpected status")

// put uploads one part and returns the tag storage gave it.
func (u *Uploader) put(ctx context.Context, a upload.Authorization, r io.ReaderAt) (string, error) {
	hc := u.HTTP
	if hc == nil {
		hc = nhttp.DefaultClient
	}
	retries := u.Retries
	if retries == 0 {
		retries = 3
	}
	var tag string
	b := retry.WithMaxRetries(retries, retry.NewExponential(200*time.Millisecond))
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		body := io.NewSectionReader(r, a.Offset, a.Size)
		req, err := nhttp.NewRequestWithContext(ctx, nhttp.MethodPut, a.URL, body)
		if err != nil {
			return err
		}
		req.ContentLength = a.Size
		resp, err := hc.Do(req)
		if err != nil {
			return retry.RetryableError(err)
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, resp.Body)
		switch {
		case resp.StatusCode >= nhttp.StatusInternalServerError:
			return retry.RetryableError(fmt.Errorf("%w %s", errStatus, resp.Status))
		case resp.StatusCode >= nhttp.StatusBadRequest:
			return fmt.Errorf("%w %s", errStatus, resp.Status)
		}
		tag = strings.Trim(resp.Header.Get("ETag"), `"`)
		if tag == "" {
			return fmt.Errorf("no ETag in answer: %w", ceremony.ErrUploadIntegrity)
		}
		return nil
	})
	return tag, err
}

func (u *Uploader) logger() log.Logger {
	if u.Log != nil {
		return u.Log
	}
	return u.Client.l
}

// Contribute declares, uploads and submits the artifact at p for attemptID.
// computation is the time it took to produce it.
func (u *Uploader) Contribute(ctx context.Context, attemptID, p string, computation time.Duration) (*scheduler.VerificationResult, error) {
	fd, err := os.Open(p)
	if err != nil {
		return nil, err
	}
	defer fd.Close()
	info, err := fd.Stat()
	if err != nil {
		return nil, err
	}
	hash, err := verify.HashReader(fd)
	if err != nil {
		return nil, err
	}
	if err := u.Client.DeclareContribution(ctx, attemptID, hash, computation); err != nil {
		return nil, err
	}
	sess, err := u.Upload(ctx, attemptID, fd, info.Size())
	if err != nil {
		return nil, err
	}
	return u.Client.SubmitForVerification(ctx, sess.ID, hash)
}
