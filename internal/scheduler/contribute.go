package scheduler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/drand/ceremony/internal/ceremony"
	"github.com/drand/ceremony/internal/metrics"
	"github.com/drand/ceremony/internal/upload"
)

// HashSize is the size of a declared artifact hash, a blake2b-512 digest.
const HashSize = 64

// DeclareContribution records the hash of the artifact the caller computed
// and how long the computation took, before the upload starts.
func (s *Scheduler) DeclareContribution(ctx context.Context, attemptID string, hash []byte, computation time.Duration) error {
	const op = "declareContribution"
	t, err := s.active(ctx, attemptID)
	if err != nil {
		return wrap(err, op, attemptOf(t))
	}
	if len(hash) != HashSize {
		return wrap(fmt.Errorf("hash of %d bytes: %w", len(hash), ceremony.ErrInvalidStateTransition), op, t.attempt)
	}
	err = s.store.UpdateAttempt(ctx, attemptID, func(a *ceremony.Attempt) error {
		if a.State != ceremony.Locked && a.State != ceremony.Uploading {
			return fmt.Errorf("declaring in state %s: %w", a.State, ceremony.ErrInvalidStateTransition)
		}
		a.DeclaredHash = append([]byte(nil), hash...)
		if computation > 0 {
			a.ComputationTime = computation
		}
		return nil
	})
	return wrap(err, op, t.attempt)
}

// AdvanceStep records the progress reported by the client. Steps only move
// forward, and only up to Uploading; later steps are set by the coordinator.
func (s *Scheduler) AdvanceStep(ctx context.Context, attemptID string, step ceremony.Step) error {
	const op = "advanceStep"
	t, err := s.active(ctx, attemptID)
	if err != nil {
		return wrap(err, op, attemptOf(t))
	}
	if step > ceremony.StepUploading {
		return wrap(fmt.Errorf("step %s is set by the coordinator: %w", step, ceremony.ErrInvalidStateTransition), op, t.attempt)
	}
	err = s.store.UpdateAttempt(ctx, attemptID, func(a *ceremony.Attempt) error {
		if a.State.Terminal() {
			return fmt.Errorf("attempt already %s: %w", a.State, ceremony.ErrInvalidStateTransition)
		}
		if step < a.Step {
			return fmt.Errorf("step %s after %s: %w", step, a.Step, ceremony.ErrInvalidStateTransition)
		}
		a.Step = step
		return nil
	})
	if err == nil {
		s.log.Debugw("step advanced", "attempt", attemptID, "step", step)
	}
	return wrap(err, op, t.attempt)
}

func attemptOf(t *tenure) *ceremony.Attempt {
	if t == nil {
		return nil
	}
	return t.attempt
}

// Download is a temporary authorization to fetch an artifact.
type Download struct {
	Bucket    string
	Key       string
	URL       string
	ExpiresAt time.Time
}

// AuthorizeDownload presigns a GET of the artifact the attempt transforms.
func (s *Scheduler) AuthorizeDownload(ctx context.Context, attemptID string) (*Download, error) {
	const op = "authorizeDownload"
	t, err := s.active(ctx, attemptID)
	if err != nil {
		return nil, wrap(err, op, attemptOf(t))
	}
	d := &Download{
		Bucket: s.Bucket(t.ceremony),
		Key:    ceremony.PredecessorKey(t.circuit.Prefix, t.attempt.Index),
	}
	d.URL, d.ExpiresAt, err = s.uploads.AuthorizeDownload(ctx, d.Bucket, d.Key)
	if err != nil {
		return nil, wrap(err, op, t.attempt)
	}
	return d, nil
}

// OpenUpload opens the upload session of the artifact of a locked attempt.
// A chunkSize of 0 lets the coordinator choose.
func (s *Scheduler) OpenUpload(ctx context.Context, attemptID string, size, chunkSize int64) (*ceremony.UploadSession, error) {
	const op = "openUpload"
	t, err := s.active(ctx, attemptID)
	if err != nil {
		return nil, wrap(err, op, attemptOf(t))
	}
	if t.attempt.SessionID != "" {
		return nil, wrap(upload.ErrSessionAlreadyOpen, op, t.attempt)
	}
	key := ceremony.ArtifactKey(t.circuit.Prefix, t.attempt.Index)
	sess, err := s.uploads.OpenSession(ctx, attemptID, s.Bucket(t.ceremony), key, size, chunkSize)
	if err != nil {
		return nil, wrap(err, op, t.attempt)
	}
	return sess, nil
}

// sessionTenure loads a session and the live attempt owning it.
func (s *Scheduler) sessionTenure(ctx context.Context, sessionID string) (*ceremony.UploadSession, *tenure, error) {
	sess, err := s.uploads.Session(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}
	t, err := s.load(ctx, sess.AttemptID)
	if err != nil {
		return sess, nil, err
	}
	return sess, t, nil
}

// AuthorizeUpload hands out presigned part URLs of a session, starting at
// part from, at most limit of them.
func (s *Scheduler) AuthorizeUpload(ctx context.Context, sessionID string, from, limit int) ([]upload.Authorization, error) {
	const op = "authorizeParts"
	_, t, err := s.sessionTenure(ctx, sessionID)
	if err != nil {
		return nil, wrap(err, op, nil)
	}
	if err := s.checkLive(ctx, t); err != nil {
		return nil, wrap(err, op, t.attempt)
	}
	auths, err := s.uploads.AuthorizeParts(ctx, sessionID, from, limit)
	return auths, wrap(err, op, t.attempt)
}

// ReportPartComplete acknowledges an uploaded part. Once the attempt is
// evicted its session is aborted and the acknowledgement is refused with
// ErrSessionAborted.
func (s *Scheduler) ReportPartComplete(ctx context.Context, sessionID string, index int, tag string) error {
	const op = "reportPartComplete"
	_, t, err := s.sessionTenure(ctx, sessionID)
	if err != nil {
		return wrap(err, op, nil)
	}
	switch {
	case !t.attempt.State.Terminal() && !s.clock.Now().Before(t.attempt.ExpiresAt):
		if _, err := s.evict(ctx, t.lock(), "deadline exceeded", true); err != nil {
			s.log.Errorw("evicting expired attempt", "attempt", t.attempt.ID, "err", err)
		}
	case t.attempt.State == ceremony.Evicted:
		// the eviction may still be on its way to the session
		if err := s.uploads.AbortSession(ctx, sessionID); err != nil {
			s.log.Warnw("aborting session of an evicted attempt", "session", sessionID, "err", err)
		}
	}
	return wrap(s.uploads.AcknowledgePart(ctx, sessionID, index, tag), op, t.attempt)
}

// VerificationResult is the outcome of SubmitForVerification.
type VerificationResult struct {
	AttemptID    string
	Verification ceremony.Verification
	Reason       string
	// Index is the contribution index, meaningful when valid.
	Index    uint64
	Location *ceremony.ArtifactLocation
	Took     time.Duration
}

// Valid reports whether the contribution was accepted.
func (r *VerificationResult) Valid() bool {
	return r.Verification == ceremony.Valid
}

// SubmitForVerification commits the upload of a session and verifies the
// artifact against the declared hash, or hash when given. A valid artifact
// completes the attempt and advances the circuit; an invalid one rejects the
// attempt, the result then comes with an ErrUploadIntegrity or
// ErrVerificationFailure error. Missing parts leave the attempt uploading.
func (s *Scheduler) SubmitForVerification(ctx context.Context, sessionID string, hash []byte) (*VerificationResult, error) {
	const op = "submitForVerification"
	_, t, err := s.sessionTenure(ctx, sessionID)
	if err != nil {
		return nil, wrap(err, op, nil)
	}
	switch t.attempt.State {
	case ceremony.Completed, ceremony.Rejected:
		res, err := s.recordedResult(ctx, t.attempt)
		return res, wrap(err, op, t.attempt)
	}
	if err := s.checkLive(ctx, t); err != nil {
		return nil, wrap(err, op, t.attempt)
	}
	if len(hash) == 0 {
		hash = t.attempt.DeclaredHash
	}
	if len(hash) != HashSize {
		return nil, wrap(fmt.Errorf("no artifact hash declared: %w", ceremony.ErrInvalidStateTransition), op, t.attempt)
	}

	loc, err := s.uploads.CloseSession(ctx, sessionID, hash)
	if err != nil {
		return nil, wrap(err, op, t.attempt)
	}

	if err := s.startVerifying(ctx, t, hash); err != nil {
		return nil, wrap(err, op, t.attempt)
	}

	remaining := t.attempt.ExpiresAt.Sub(s.clock.Now())
	if remaining <= 0 {
		return nil, wrap(s.expireNow(ctx, t), op, t.attempt)
	}
	vctx, cancel := context.WithTimeout(ctx, remaining)
	defer cancel()

	prev := ceremony.ArtifactLocation{
		Bucket: loc.Bucket,
		Key:    ceremony.PredecessorKey(t.circuit.Prefix, t.attempt.Index),
	}
	res, err := s.gate.Check(vctx, t.circuit, prev, *loc, hash)
	if err != nil {
		if errors.Is(vctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, wrap(s.expireNow(ctx, t), op, t.attempt)
		}
		// left in Verifying, the caller may submit again
		return nil, wrap(err, op, t.attempt)
	}
	metrics.ContributionVerified(t.circuit.ID, res.Verification.String(), res.Took)
	if !s.clock.Now().Before(t.attempt.ExpiresAt) {
		return nil, wrap(s.expireNow(ctx, t), op, t.attempt)
	}

	out := &VerificationResult{
		AttemptID:    t.attempt.ID,
		Verification: res.Verification,
		Reason:       res.Reason,
		Index:        t.attempt.Index,
		Location:     loc,
		Took:         res.Took,
	}
	if res.Valid() {
		if err := s.complete(ctx, t, *loc, res.Took); err != nil {
			return nil, wrap(err, op, t.attempt)
		}
		return out, nil
	}
	if err := s.reject(ctx, t, loc, res.Reason); err != nil {
		return nil, wrap(err, op, t.attempt)
	}
	return out, wrap(fmt.Errorf("%s: %w", res.Reason, res.Kind), op, t.attempt)
}

// expireNow evicts an attempt that ran out of time and reports it.
func (s *Scheduler) expireNow(ctx context.Context, t *tenure) error {
	if _, err := s.evict(ctx, t.lock(), "deadline exceeded", true); err != nil {
		return multierror.Append(ceremony.ErrTimeoutEvicted, err)
	}
	return ceremony.ErrTimeoutEvicted
}

// startVerifying moves the attempt to Verifying and, the first time, extends
// its deadline by the verification window of the ceremony.
func (s *Scheduler) startVerifying(ctx context.Context, t *tenure, hash []byte) error {
	extended := false
	var updated ceremony.Attempt
	err := s.store.UpdateAttempt(ctx, t.attempt.ID, func(a *ceremony.Attempt) error {
		switch a.State {
		case ceremony.Evicted:
			return ceremony.ErrTimeoutEvicted
		case ceremony.Uploading:
			a.State = ceremony.Verifying
			a.Step = ceremony.StepVerifying
			if w := t.ceremony.VerificationWindow; w > 0 {
				a.ExpiresAt = a.ExpiresAt.Add(w)
				extended = true
			}
		case ceremony.Verifying:
		default:
			return fmt.Errorf("verifying in state %s: %w", a.State, ceremony.ErrInvalidStateTransition)
		}
		if !bytes.Equal(a.DeclaredHash, hash) {
			a.DeclaredHash = append([]byte(nil), hash...)
		}
		updated = *a
		return nil
	})
	if err != nil {
		return err
	}
	t.attempt = &updated
	if !extended {
		return nil
	}

	q, _, err := s.mutateQueue(ctx, t.circuit.ID, func(q *ceremony.WaitingQueue) error {
		if q.AttemptID != t.attempt.ID {
			return ceremony.ErrTimeoutEvicted
		}
		q.ExpiresAt = t.attempt.ExpiresAt
		return nil
	})
	if err != nil {
		return err
	}
	s.monitor.Arm(*q.Lock())
	s.log.Debugw("deadline extended for verification", "attempt", t.attempt.ID, "expires", t.attempt.ExpiresAt)
	return nil
}

// complete ends a verified attempt. The attempt transition decides between a
// completion and a concurrent eviction.
func (s *Scheduler) complete(ctx context.Context, t *tenure, loc ceremony.ArtifactLocation, took time.Duration) error {
	now := s.clock.Now()
	err := s.store.UpdateAttempt(ctx, t.attempt.ID, func(a *ceremony.Attempt) error {
		if a.State != ceremony.Verifying {
			if a.State == ceremony.Evicted {
				return ceremony.ErrTimeoutEvicted
			}
			return fmt.Errorf("completing in state %s: %w", a.State, ceremony.ErrInvalidStateTransition)
		}
		a.State = ceremony.Completed
		a.Step = ceremony.StepCompleted
		a.EndedAt = now
		done := *a
		t.attempt = &done
		return nil
	})
	if err != nil {
		return err
	}
	return s.finishCompleted(ctx, t, loc, took)
}

// finishCompleted releases the lock of a completed attempt, consuming its
// index, and records the contribution.
func (s *Scheduler) finishCompleted(ctx context.Context, t *tenure, loc ceremony.ArtifactLocation, took time.Duration) error {
	a, cer, circuit := t.attempt, t.ceremony, t.circuit
	var granted string
	q, written, err := s.mutateQueue(ctx, circuit.ID, func(q *ceremony.WaitingQueue) error {
		if err := release(q, a.ID); err != nil {
			return err
		}
		q.CompletedContributions++
		if cer.RequiredContributions > 0 && q.CompletedContributions >= cer.RequiredContributions {
			q.Complete = true
			q.Contributors = nil
		}
		granted = s.promote(q, cer, circuit, "")
		return nil
	})
	s.monitor.Disarm(circuit.ID, a.ID)
	if errors.Is(err, errNotHolder) {
		s.log.Warnw("completed attempt no longer held its lock", "circuit", circuit.ID, "attempt", a.ID)
		return nil
	}
	if err != nil || !written {
		return err
	}

	var merr error
	full := a.EndedAt.Sub(a.AcquiredAt)
	err = s.store.AppendContribution(ctx, &ceremony.Contribution{
		CircuitID:       circuit.ID,
		Index:           a.Index,
		ContributorID:   a.ContributorID,
		AttemptID:       a.ID,
		StartedAt:       a.AcquiredAt,
		EndedAt:         a.EndedAt,
		ComputationTime: a.ComputationTime,
		Hash:            a.DeclaredHash,
		Verification:    ceremony.Valid,
		SessionID:       a.SessionID,
		Artifact:        loc,
	})
	if err != nil {
		merr = multierror.Append(merr, err)
	}

	circuits, err := s.registry.Circuits(ctx, cer.ID)
	if err != nil {
		merr = multierror.Append(merr, err)
	}
	err = s.updateParticipant(ctx, cer.ID, a.ContributorID, func(p *ceremony.Participant) error {
		if p.CurrentAttempt == a.ID {
			p.CurrentAttempt = ""
		}
		if p.ContributionProgress+1 == circuit.SequencePosition {
			p.ContributionProgress = circuit.SequencePosition
		}
		p.Status = ceremony.Waiting
		if circuits != nil && p.ContributionProgress >= uint64(len(circuits)) {
			p.Status = ceremony.Done
		}
		return nil
	})
	if err != nil {
		merr = multierror.Append(merr, err)
	}

	computation := a.ComputationTime
	if computation == 0 {
		computation = full
	}
	err = s.store.UpdateCircuit(ctx, circuit.ID, func(c *ceremony.Circuit) error {
		c.AvgTimings = c.AvgTimings.Add(computation, full, took)
		return nil
	})
	if err != nil {
		merr = multierror.Append(merr, err)
	}
	s.registry.Invalidate(cer.ID)

	s.log.Infow("contribution completed", "circuit", circuit.ID, "contributor", a.ContributorID,
		"attempt", a.ID, "index", a.Index, "key", loc.Key, "complete", q.Complete)
	if granted != "" {
		if _, err := s.afterGrant(ctx, circuit, q); err != nil {
			merr = multierror.Append(merr, err)
		}
	}
	return merr
}

// reject ends an attempt whose artifact did not verify.
func (s *Scheduler) reject(ctx context.Context, t *tenure, loc *ceremony.ArtifactLocation, reason string) error {
	now := s.clock.Now()
	err := s.store.UpdateAttempt(ctx, t.attempt.ID, func(a *ceremony.Attempt) error {
		if a.State != ceremony.Verifying {
			if a.State == ceremony.Evicted {
				return ceremony.ErrTimeoutEvicted
			}
			return fmt.Errorf("rejecting in state %s: %w", a.State, ceremony.ErrInvalidStateTransition)
		}
		a.State = ceremony.Rejected
		a.Reason = reason
		a.EndedAt = now
		done := *a
		t.attempt = &done
		return nil
	})
	if err != nil {
		return err
	}
	return s.finishRejected(ctx, t, loc, reason)
}

// finishRejected releases the lock of a rejected attempt without consuming
// its index and puts the contributor back per the reject policy.
func (s *Scheduler) finishRejected(ctx context.Context, t *tenure, loc *ceremony.ArtifactLocation, reason string) error {
	a, cer, circuit := t.attempt, t.ceremony, t.circuit
	var granted string
	q, written, err := s.mutateQueue(ctx, circuit.ID, func(q *ceremony.WaitingQueue) error {
		if err := release(q, a.ID); err != nil {
			return err
		}
		q.FailedContributions++
		q.Without(a.ContributorID)
		if !q.Complete {
			switch cer.RejectPolicy {
			case ceremony.RequeueBack:
				q.Contributors = append(q.Contributors, a.ContributorID)
			case ceremony.RequeueFront:
				q.Contributors = append([]string{a.ContributorID}, q.Contributors...)
			}
		}
		granted = s.promote(q, cer, circuit, "")
		return nil
	})
	s.monitor.Disarm(circuit.ID, a.ID)
	if errors.Is(err, errNotHolder) {
		return nil
	}
	if err != nil || !written {
		return err
	}

	var merr error
	record := &ceremony.Contribution{
		CircuitID:       circuit.ID,
		Index:           a.Index,
		ContributorID:   a.ContributorID,
		AttemptID:       a.ID,
		StartedAt:       a.AcquiredAt,
		EndedAt:         a.EndedAt,
		ComputationTime: a.ComputationTime,
		Hash:            a.DeclaredHash,
		Verification:    ceremony.Invalid,
		Reason:          reason,
		SessionID:       a.SessionID,
	}
	if loc != nil {
		record.Artifact = *loc
	}
	if err := s.store.AppendContribution(ctx, record); err != nil {
		merr = multierror.Append(merr, err)
	}
	err = s.updateParticipant(ctx, cer.ID, a.ContributorID, func(p *ceremony.Participant) error {
		if p.CurrentAttempt == a.ID {
			p.CurrentAttempt = ""
		}
		p.Status = ceremony.Waiting
		if cer.RejectPolicy == ceremony.Remove && p.ContributionProgress+1 == circuit.SequencePosition {
			p.ContributionProgress = circuit.SequencePosition
		}
		return nil
	})
	if err != nil {
		merr = multierror.Append(merr, err)
	}

	s.log.Infow("contribution rejected", "circuit", circuit.ID, "contributor", a.ContributorID,
		"attempt", a.ID, "reason", reason, "policy", cer.RejectPolicy)
	if granted != "" {
		if _, err := s.afterGrant(ctx, circuit, q); err != nil {
			merr = multierror.Append(merr, err)
		}
	}
	return merr
}

// recordedResult rebuilds the result of an attempt verified earlier.
func (s *Scheduler) recordedResult(ctx context.Context, a *ceremony.Attempt) (*VerificationResult, error) {
	records, err := s.store.Contributions(ctx, a.CircuitID)
	if err != nil {
		return nil, err
	}
	for i := len(records) - 1; i >= 0; i-- {
		r := records[i]
		if r.AttemptID != a.ID {
			continue
		}
		loc := r.Artifact
		res := &VerificationResult{
			AttemptID:    a.ID,
			Verification: r.Verification,
			Reason:       r.Reason,
			Index:        r.Index,
			Location:     &loc,
		}
		if r.Verification == ceremony.Valid {
			return res, nil
		}
		return res, fmt.Errorf("%s: %w", r.Reason, ceremony.ErrVerificationFailure)
	}
	return nil, fmt.Errorf("no record of attempt %s: %w", a.ID, ceremony.ErrNotFound)
}
