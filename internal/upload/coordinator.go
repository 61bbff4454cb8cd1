// Package upload manages the multipart upload sessions through which
// contributors commit their artifacts. Clients upload parts directly to object
// storage with presigned URLs; the coordinator only keeps the accounting.
package upload

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/sethvargo/go-retry"

	"github.com/drand/ceremony/common/log"
	"github.com/drand/ceremony/internal/ceremony"
	"github.com/drand/ceremony/internal/metrics"
)

// Config bounds the sessions handed out by a Coordinator.
type Config struct {
	// DefaultChunkSize is used when the client does not ask for one.
	DefaultChunkSize int64
	// MinChunkSize is the smallest part storage accepts, the last part excepted.
	MinChunkSize int64
	// MaxParts is the largest number of parts of a session.
	MaxParts int
	// MaxSize is the largest artifact a session accepts, unbounded when 0.
	MaxSize int64
	// MaxOutstanding caps the live, unacknowledged authorizations of a session.
	MaxOutstanding int
	// AuthorizationTTL is the validity of a presigned part URL.
	AuthorizationTTL time.Duration
	// StorageRetries bounds the retries of a transient storage failure.
	StorageRetries uint64
	// RetryBase is the first backoff delay.
	RetryBase time.Duration
}

// maxStorageParts is the S3 limit, applied when Config.MaxParts is not set.
const maxStorageParts = 10000

// DefaultConfig matches S3 multipart limits.
func DefaultConfig() Config {
	return Config{
		DefaultChunkSize: 50 << 20,
		MinChunkSize:     5 << 20,
		MaxParts:         maxStorageParts,
		MaxSize:          5 << 40,
		MaxOutstanding:   8,
		AuthorizationTTL: 15 * time.Minute,
		StorageRetries:   5,
		RetryBase:        200 * time.Millisecond,
	}
}

// Authorization lets a client PUT exactly one part.
type Authorization struct {
	PartIndex  int
	PartNumber int
	Offset     int64
	Size       int64
	URL        string
	ExpiresAt  time.Time
}

// Coordinator opens, tracks and commits upload sessions.
type Coordinator struct {
	store   ceremony.Store
	storage ObjectStorage
	clock   clockwork.Clock
	log     log.Logger
	cfg     Config
}

// NewCoordinator returns a coordinator persisting sessions in s.
func NewCoordinator(s ceremony.Store, storage ObjectStorage, clock clockwork.Clock, l log.Logger, cfg Config) *Coordinator {
	return &Coordinator{
		store:   s,
		storage: storage,
		clock:   clock,
		log:     l.Named("upload"),
		cfg:     cfg,
	}
}

// Storage returns the object storage behind the coordinator.
func (c *Coordinator) Storage() ObjectStorage {
	return c.storage
}

// withRetry runs fn until it succeeds, fails with a non transient error, or
// runs out of attempts.
func (c *Coordinator) withRetry(ctx context.Context, op string, fn func(context.Context) error) error {
	b := retry.WithMaxRetries(c.cfg.StorageRetries, retry.NewExponential(c.cfg.RetryBase))
	attempt := 0
	return retry.Do(ctx, b, func(ctx context.Context) error {
		attempt++
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if errors.Is(err, ceremony.ErrStorageUnavailable) {
			metrics.StorageRetries.WithLabelValues(op).Inc()
			c.log.Warnw("storage call failed, retrying", "op", op, "attempt", attempt, "err", err)
			return retry.RetryableError(err)
		}
		return err
	})
}

// PartCount is the number of chunkSize parts needed for totalSize bytes.
func PartCount(totalSize, chunkSize int64) int64 {
	n := totalSize / chunkSize
	if totalSize%chunkSize != 0 {
		n++
	}
	return n
}

// Parts splits totalSize into chunkSize parts, the last one possibly shorter.
func Parts(totalSize, chunkSize int64) []ceremony.Part {
	n := PartCount(totalSize, chunkSize)
	parts := make([]ceremony.Part, n)
	for i := range parts {
		off := int64(i) * chunkSize
		size := chunkSize
		if size > totalSize-off {
			size = totalSize - off
		}
		parts[i] = ceremony.Part{Index: i, Offset: off, Size: size}
	}
	return parts
}

func (c *Coordinator) checkSizes(totalSize, chunkSize int64) (int64, error) {
	if chunkSize == 0 {
		chunkSize = c.cfg.DefaultChunkSize
	}
	if totalSize <= 0 || chunkSize <= 0 {
		return 0, fmt.Errorf("invalid sizes total=%d chunk=%d: %w", totalSize, chunkSize, ceremony.ErrInvalidStateTransition)
	}
	if chunkSize < c.cfg.MinChunkSize && chunkSize < totalSize {
		return 0, fmt.Errorf("chunk of %d bytes below minimum %d: %w", chunkSize, c.cfg.MinChunkSize, ceremony.ErrInvalidStateTransition)
	}
	if c.cfg.MaxSize > 0 && totalSize > c.cfg.MaxSize {
		return 0, fmt.Errorf("artifact of %d bytes above maximum %d: %w", totalSize, c.cfg.MaxSize, ceremony.ErrInvalidStateTransition)
	}
	maxParts := int64(c.cfg.MaxParts)
	if maxParts <= 0 {
		maxParts = maxStorageParts
	}
	if PartCount(totalSize, chunkSize) > maxParts {
		return 0, fmt.Errorf("more than %d parts: %w", maxParts, ceremony.ErrInvalidStateTransition)
	}
	return chunkSize, nil
}

// OpenSession reserves a multipart upload for a locked attempt and moves the
// attempt to Uploading. A chunkSize of 0 selects the default.
func (c *Coordinator) OpenSession(ctx context.Context, attemptID, bucket, key string, totalSize, chunkSize int64) (*ceremony.UploadSession, error) {
	chunkSize, err := c.checkSizes(totalSize, chunkSize)
	if err != nil {
		return nil, err
	}
	parts := Parts(totalSize, chunkSize)

	id := uuid.NewString()
	err = c.store.UpdateAttempt(ctx, attemptID, func(a *ceremony.Attempt) error {
		if a.SessionID != "" {
			return ErrSessionAlreadyOpen
		}
		if a.State != ceremony.Locked {
			return fmt.Errorf("opening upload in state %s: %w", a.State, ceremony.ErrInvalidStateTransition)
		}
		a.SessionID = id
		a.State = ceremony.Uploading
		a.Step = ceremony.StepUploading
		return nil
	})
	if err != nil {
		return nil, err
	}

	var uploadID string
	err = c.withRetry(ctx, "create", func(ctx context.Context) error {
		var err error
		uploadID, err = c.storage.CreateMultipartSession(ctx, bucket, key)
		return err
	})
	if err != nil {
		c.release(ctx, attemptID, id)
		return nil, err
	}

	session := &ceremony.UploadSession{
		ID:              id,
		AttemptID:       attemptID,
		Bucket:          bucket,
		Key:             key,
		StorageUploadID: uploadID,
		TotalSize:       totalSize,
		ChunkSize:       chunkSize,
		Parts:           parts,
		State:           ceremony.SessionOpened,
		CreatedAt:       c.clock.Now(),
	}
	if err := c.store.PutSession(ctx, session); err != nil {
		_ = c.storage.AbortMultipartSession(ctx, bucket, key, uploadID)
		c.release(ctx, attemptID, id)
		return nil, err
	}

	// an eviction that raced with the reservation found no session to abort
	a, err := c.store.Attempt(ctx, attemptID)
	if err != nil {
		return nil, err
	}
	if a.State != ceremony.Uploading {
		if err := c.AbortSession(ctx, id); err != nil {
			c.log.Errorw("aborting session of a terminated attempt", "session", id, "err", err)
		}
		return nil, ErrSessionAborted
	}

	metrics.UploadSessions.WithLabelValues(ceremony.SessionOpened.String()).Inc()
	c.log.Infow("upload session opened", "session", id, "attempt", attemptID, "key", key, "parts", len(session.Parts))
	return session, nil
}

// release undoes the session reservation of an attempt.
func (c *Coordinator) release(ctx context.Context, attemptID, sessionID string) {
	err := c.store.UpdateAttempt(ctx, attemptID, func(a *ceremony.Attempt) error {
		if a.SessionID != sessionID || a.State != ceremony.Uploading {
			return nil
		}
		a.SessionID = ""
		a.State = ceremony.Locked
		return nil
	})
	if err != nil {
		c.log.Errorw("releasing session reservation", "attempt", attemptID, "err", err)
	}
}

// Session returns the current state of a session.
func (c *Coordinator) Session(ctx context.Context, sessionID string) (*ceremony.UploadSession, error) {
	return c.store.Session(ctx, sessionID)
}

func usable(s *ceremony.UploadSession) error {
	switch s.State {
	case ceremony.SessionAborted:
		return ErrSessionAborted
	case ceremony.SessionClosed:
		return ErrSessionClosed
	}
	return nil
}

// AuthorizeParts presigns unacknowledged parts starting at index from, in
// order, at most limit of them (0 means as many as allowed). Parts that
// already hold a live authorization are signed again without counting
// against MaxOutstanding.
func (c *Coordinator) AuthorizeParts(ctx context.Context, sessionID string, from, limit int) ([]Authorization, error) {
	s, err := c.store.Session(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if err := usable(s); err != nil {
		return nil, err
	}
	if from < 0 || from > len(s.Parts) {
		return nil, fmt.Errorf("first part %d of %d: %w", from, len(s.Parts), ErrUnknownPart)
	}

	now := c.clock.Now()
	live := 0
	for i := range s.Parts {
		if !s.Parts[i].Acknowledged() && s.Parts[i].AuthorizedUntil.After(now) {
			live++
		}
	}
	budget := c.cfg.MaxOutstanding - live
	if limit <= 0 {
		limit = c.cfg.MaxOutstanding
	}

	expires := now.Add(c.cfg.AuthorizationTTL)
	var out []Authorization
	for i := from; i < len(s.Parts) && len(out) < limit; i++ {
		p := s.Parts[i]
		if p.Acknowledged() {
			continue
		}
		if !p.AuthorizedUntil.After(now) {
			if budget <= 0 {
				break
			}
			budget--
		}
		var url string
		err := c.withRetry(ctx, "sign", func(ctx context.Context) error {
			var err error
			url, err = c.storage.SignPartUpload(ctx, s.Bucket, s.Key, s.StorageUploadID, p.Index+1, p.Size, c.cfg.AuthorizationTTL)
			return err
		})
		if err != nil {
			return nil, err
		}
		out = append(out, Authorization{
			PartIndex:  p.Index,
			PartNumber: p.Index + 1,
			Offset:     p.Offset,
			Size:       p.Size,
			URL:        url,
			ExpiresAt:  expires,
		})
	}
	if len(out) == 0 {
		return nil, nil
	}

	err = c.store.UpdateSession(ctx, sessionID, func(s *ceremony.UploadSession) error {
		if err := usable(s); err != nil {
			return err
		}
		for _, a := range out {
			s.Parts[a.PartIndex].AuthorizedUntil = expires
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// AcknowledgePart records the storage tag of an uploaded part. Repeating an
// acknowledgement with the same tag is a no-op; a different tag is a
// conflicting retry.
func (c *Coordinator) AcknowledgePart(ctx context.Context, sessionID string, index int, tag string) error {
	return c.store.UpdateSession(ctx, sessionID, func(s *ceremony.UploadSession) error {
		if s.State == ceremony.SessionAborted {
			return ErrSessionAborted
		}
		if index < 0 || index >= len(s.Parts) {
			return fmt.Errorf("part %d of %d: %w", index, len(s.Parts), ErrUnknownPart)
		}
		if tag == "" {
			return fmt.Errorf("part %d: empty tag: %w", index, ErrUnknownPart)
		}
		p := &s.Parts[index]
		if p.Acknowledged() {
			if p.Tag != tag {
				return fmt.Errorf("part %d already acknowledged with another tag: %w", index, ErrUnknownPart)
			}
			return nil
		}
		if s.State == ceremony.SessionClosed {
			return ErrSessionClosed
		}
		p.Tag = tag
		if s.State == ceremony.SessionOpened {
			s.State = ceremony.SessionInProgress
		}
		return nil
	})
}

// IncompleteError lists the parts missing from a session.
type IncompleteError struct {
	Missing []int
}

func (e *IncompleteError) Error() string {
	return fmt.Sprintf("%d parts missing, first %d", len(e.Missing), e.Missing[0])
}

func (e *IncompleteError) Is(target error) bool {
	return target == ErrIncompleteParts || target == ceremony.ErrUploadIntegrity
}

// CloseSession commits the multipart upload. hash is the declared content
// hash of the artifact and is recorded in the returned location. Closing a
// closed session returns its location again.
func (c *Coordinator) CloseSession(ctx context.Context, sessionID string, hash []byte) (*ceremony.ArtifactLocation, error) {
	s, err := c.store.Session(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	switch s.State {
	case ceremony.SessionClosed:
		return s.Location, nil
	case ceremony.SessionAborted:
		return nil, ErrSessionAborted
	}
	if missing := s.Missing(); len(missing) > 0 {
		return nil, &IncompleteError{Missing: missing}
	}

	parts := make([]CompletedPart, len(s.Parts))
	for i, p := range s.Parts {
		parts[i] = CompletedPart{Number: p.Index + 1, Tag: p.Tag}
	}
	sort.Slice(parts, func(i, j int) bool { return parts[i].Number < parts[j].Number })

	var etag string
	err = c.withRetry(ctx, "complete", func(ctx context.Context) error {
		var err error
		etag, err = c.storage.CompleteMultipartSession(ctx, s.Bucket, s.Key, s.StorageUploadID, parts)
		return err
	})
	if err != nil {
		return nil, err
	}

	loc := &ceremony.ArtifactLocation{
		Bucket: s.Bucket,
		Key:    s.Key,
		ETag:   etag,
		Hash:   append([]byte(nil), hash...),
	}
	err = c.store.UpdateSession(ctx, sessionID, func(s *ceremony.UploadSession) error {
		switch s.State {
		case ceremony.SessionAborted:
			return ErrSessionAborted
		case ceremony.SessionClosed:
			loc = s.Location
			return nil
		}
		s.State = ceremony.SessionClosed
		s.Location = loc
		return nil
	})
	if err != nil {
		return nil, err
	}
	metrics.UploadSessions.WithLabelValues(ceremony.SessionClosed.String()).Inc()
	c.log.Infow("upload session closed", "session", sessionID, "key", loc.Key, "etag", etag)
	return loc, nil
}

// AbortSession marks the session aborted, so later acknowledgements fail,
// then releases the storage reservation. Unknown, closed and aborted
// sessions are left untouched.
func (c *Coordinator) AbortSession(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return nil
	}
	var s *ceremony.UploadSession
	err := c.store.UpdateSession(ctx, sessionID, func(us *ceremony.UploadSession) error {
		if us.State == ceremony.SessionClosed || us.State == ceremony.SessionAborted {
			return nil
		}
		us.State = ceremony.SessionAborted
		s = us
		return nil
	})
	if errors.Is(err, ceremony.ErrNotFound) {
		return nil
	}
	if err != nil || s == nil {
		return err
	}

	metrics.UploadSessions.WithLabelValues(ceremony.SessionAborted.String()).Inc()
	c.log.Infow("upload session aborted", "session", sessionID, "attempt", s.AttemptID)
	return c.withRetry(ctx, "abort", func(ctx context.Context) error {
		return c.storage.AbortMultipartSession(ctx, s.Bucket, s.Key, s.StorageUploadID)
	})
}

// AuthorizeDownload presigns a GET of an existing object.
func (c *Coordinator) AuthorizeDownload(ctx context.Context, bucket, key string) (string, time.Time, error) {
	var url string
	err := c.withRetry(ctx, "sign-download", func(ctx context.Context) error {
		var err error
		url, err = c.storage.SignDownload(ctx, bucket, key, c.cfg.AuthorizationTTL)
		return err
	})
	return url, c.clock.Now().Add(c.cfg.AuthorizationTTL), err
}
