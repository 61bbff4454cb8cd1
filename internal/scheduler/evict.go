package scheduler

import (
	"context"
	"errors"

	"github.com/hashicorp/go-multierror"

	"github.com/drand/ceremony/internal/ceremony"
	"github.com/drand/ceremony/internal/metrics"
)

// onExpire is the timeout monitor callback.
func (s *Scheduler) onExpire(ctx context.Context, lock ceremony.Lock) {
	if _, err := s.evict(ctx, lock, "deadline exceeded", true); err != nil {
		s.log.Errorw("eviction failed", "circuit", lock.CircuitID, "attempt", lock.AttemptID, "err", err)
	}
}

// Evict forcibly ends a live attempt, as if its deadline had passed. It
// reports whether this call performed the eviction.
func (s *Scheduler) Evict(ctx context.Context, attemptID string, reason string) (bool, error) {
	a, err := s.store.Attempt(ctx, attemptID)
	if err != nil {
		return false, wrap(err, "evict", nil)
	}
	lock := ceremony.Lock{
		CircuitID:     a.CircuitID,
		ContributorID: a.ContributorID,
		AttemptID:     a.ID,
		AcquiredAt:    a.AcquiredAt,
		ExpiresAt:     a.ExpiresAt,
	}
	done, err := s.evict(ctx, lock, reason, true)
	return done, wrap(err, "evict", a)
}

// evict terminates the attempt of lock. The attempt record is moved to
// Evicted first, so a concurrent completion cannot win afterwards, then its
// upload session is aborted and only then is the lock released. The
// participant side effects run once, for the call whose release was written.
func (s *Scheduler) evict(ctx context.Context, lock ceremony.Lock, reason string, penalize bool) (bool, error) {
	now := s.clock.Now()
	var sessionID string
	err := s.store.UpdateAttempt(ctx, lock.AttemptID, func(a *ceremony.Attempt) error {
		sessionID = a.SessionID
		switch {
		case a.State == ceremony.Evicted:
			return errSkip
		case a.State.Terminal():
			return errNotHolder
		}
		a.State = ceremony.Evicted
		a.Reason = reason
		a.EndedAt = now
		return nil
	})
	switch {
	case errors.Is(err, errNotHolder):
		// completed or rejected first
		s.monitor.Disarm(lock.CircuitID, lock.AttemptID)
		return false, nil
	case errors.Is(err, errSkip), errors.Is(err, ceremony.ErrNotFound):
	case err != nil:
		return false, err
	}

	if err := s.uploads.AbortSession(ctx, sessionID); err != nil {
		// the session is marked aborted before storage is called, late parts
		// are refused either way
		s.log.Warnw("releasing storage of an evicted session", "session", sessionID, "err", err)
	}

	cer, err := s.registry.Ceremony(ctx, s.ceremonyOf(ctx, lock))
	if err != nil {
		return false, err
	}
	circuit, err := s.registry.Circuit(ctx, cer.ID, lock.CircuitID)
	if err != nil {
		return false, err
	}

	var granted string
	q, written, err := s.mutateQueue(ctx, lock.CircuitID, func(q *ceremony.WaitingQueue) error {
		if err := release(q, lock.AttemptID); err != nil {
			return err
		}
		q.Without(lock.ContributorID)
		granted = s.promote(q, cer, circuit, "")
		return nil
	})
	s.monitor.Expire(lock.CircuitID, lock.AttemptID)
	if errors.Is(err, errNotHolder) {
		return false, nil
	}
	if err != nil || !written {
		return false, err
	}

	var merr error
	err = s.updateParticipant(ctx, cer.ID, lock.ContributorID, func(p *ceremony.Participant) error {
		if p.CurrentAttempt == lock.AttemptID {
			p.CurrentAttempt = ""
		}
		if !penalize {
			return nil
		}
		p.Status = ceremony.TimedOut
		p.BlockedUntil = now.Add(cer.Penalty)
		p.Timeouts = append(p.Timeouts, ceremony.TimeoutRecord{
			CircuitID: lock.CircuitID,
			AttemptID: lock.AttemptID,
			Start:     now,
			End:       p.BlockedUntil,
		})
		return nil
	})
	if err != nil {
		merr = multierror.Append(merr, err)
	}
	metrics.Evictions.WithLabelValues(lock.CircuitID).Inc()
	s.log.Infow("attempt evicted", "circuit", lock.CircuitID, "contributor", lock.ContributorID,
		"attempt", lock.AttemptID, "reason", reason, "penalty", penalize)

	if granted != "" {
		if _, err := s.afterGrant(ctx, circuit, q); err != nil {
			merr = multierror.Append(merr, err)
		}
	}
	return true, merr
}

// ceremonyOf finds the ceremony of a lock through its attempt or circuit.
func (s *Scheduler) ceremonyOf(ctx context.Context, lock ceremony.Lock) string {
	if a, err := s.store.Attempt(ctx, lock.AttemptID); err == nil {
		return a.CeremonyID
	}
	if c, err := s.store.Circuit(ctx, lock.CircuitID); err == nil {
		return c.CeremonyID
	}
	return ""
}

// enforceDeadline evicts the holder of a circuit whose deadline passed.
func (s *Scheduler) enforceDeadline(ctx context.Context, circuitID string) error {
	q, err := s.store.ReadQueue(ctx, circuitID)
	if err != nil {
		return err
	}
	lock := q.Lock()
	if lock == nil || s.clock.Now().Before(lock.ExpiresAt) {
		return nil
	}
	_, err = s.evict(ctx, *lock, "deadline exceeded", true)
	return err
}

// Reconcile rebuilds the in-memory state after a restart: it finishes
// releases interrupted by a crash, recreates missing attempts, arms a timer
// per held lock, evicting those that expired while the process was down, and
// terminates attempts that no longer hold their circuit.
func (s *Scheduler) Reconcile(ctx context.Context) error {
	var merr error
	ceremonies, err := s.store.Ceremonies(ctx)
	if err != nil {
		return err
	}
	var locks []ceremony.Lock
	holders := make(map[string]string)
	for _, cer := range ceremonies {
		circuits, err := s.registry.Circuits(ctx, cer.ID)
		if err != nil {
			merr = multierror.Append(merr, err)
			continue
		}
		for _, circuit := range circuits {
			lock, err := s.reconcileCircuit(ctx, cer, circuit)
			if err != nil {
				merr = multierror.Append(merr, err)
				continue
			}
			if lock != nil {
				locks = append(locks, *lock)
				holders[circuit.ID] = lock.AttemptID
			}
		}
	}

	active, err := s.store.ActiveAttempts(ctx)
	if err != nil {
		return multierror.Append(merr, err).ErrorOrNil()
	}
	for _, a := range active {
		if holders[a.CircuitID] == a.ID {
			continue
		}
		err := s.store.UpdateAttempt(ctx, a.ID, func(a *ceremony.Attempt) error {
			if a.State.Terminal() {
				return errSkip
			}
			a.State = ceremony.Evicted
			a.Reason = "lock lost"
			a.EndedAt = s.clock.Now()
			return nil
		})
		if err != nil && !errors.Is(err, errSkip) {
			merr = multierror.Append(merr, err)
			continue
		}
		if err := s.uploads.AbortSession(ctx, a.SessionID); err != nil {
			merr = multierror.Append(merr, err)
		}
	}

	s.log.Infow("reconciled", "ceremonies", len(ceremonies), "locks", len(locks))
	s.monitor.Reconcile(locks)
	return merr
}

func (s *Scheduler) reconcileCircuit(ctx context.Context, cer *ceremony.Ceremony, circuit *ceremony.Circuit) (*ceremony.Lock, error) {
	q, err := s.store.ReadQueue(ctx, circuit.ID)
	if err != nil {
		return nil, err
	}
	if q.CurrentContributor == "" {
		if q.Complete || len(q.Contributors) == 0 {
			return nil, nil
		}
		var granted string
		q, _, err = s.mutateQueue(ctx, circuit.ID, func(q *ceremony.WaitingQueue) error {
			if granted = s.promote(q, cer, circuit, ""); granted == "" {
				return errUnchanged
			}
			return nil
		})
		if err != nil || granted == "" {
			return nil, err
		}
		if _, err := s.afterGrant(ctx, circuit, q); err != nil {
			return nil, err
		}
		return q.Lock(), nil
	}

	a, err := s.store.Attempt(ctx, q.AttemptID)
	if errors.Is(err, ceremony.ErrNotFound) {
		s.log.Warnw("recreating attempt of a held lock", "circuit", circuit.ID, "attempt", q.AttemptID)
		if _, err := s.afterGrant(ctx, circuit, q); err != nil {
			return nil, err
		}
		return q.Lock(), nil
	}
	if err != nil {
		return nil, err
	}
	if !a.State.Terminal() {
		return q.Lock(), nil
	}

	// the process stopped between the attempt transition and the release
	s.log.Warnw("finishing interrupted release", "circuit", circuit.ID, "attempt", a.ID, "state", a.State)
	switch a.State {
	case ceremony.Evicted:
		_, err = s.evict(ctx, *q.Lock(), a.Reason, true)
	case ceremony.Completed:
		var loc ceremony.ArtifactLocation
		if sess, serr := s.store.Session(ctx, a.SessionID); serr == nil && sess.Location != nil {
			loc = *sess.Location
		}
		err = s.finishCompleted(ctx, &tenure{attempt: a, circuit: circuit, ceremony: cer}, loc, 0)
	case ceremony.Rejected:
		err = s.finishRejected(ctx, &tenure{attempt: a, circuit: circuit, ceremony: cer}, nil, a.Reason)
	}
	return nil, err
}
