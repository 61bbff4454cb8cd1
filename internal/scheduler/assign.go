package scheduler

import (
	"context"
	"errors"
	"fmt"

	"github.com/drand/ceremony/internal/ceremony"
)

// Assignment answers RequestNextCircuit. Until the lock is granted Attempt is
// nil and Position is the place of the caller in the waiting list.
type Assignment struct {
	CeremonyID string
	Circuit    *ceremony.Circuit
	Position   int
	Attempt    *ceremony.Attempt
	// Bucket and keys are set once locked.
	Bucket         string
	PredecessorKey string
	ArtifactKey    string
}

// Locked reports whether the caller holds the circuit.
func (a *Assignment) Locked() bool {
	return a.Attempt != nil
}

func (s *Scheduler) lockedAssignment(cer *ceremony.Ceremony, circuit *ceremony.Circuit, a *ceremony.Attempt) *Assignment {
	return &Assignment{
		CeremonyID:     cer.ID,
		Circuit:        circuit,
		Attempt:        a,
		Bucket:         s.Bucket(cer),
		PredecessorKey: ceremony.PredecessorKey(circuit.Prefix, a.Index),
		ArtifactKey:    ceremony.ArtifactKey(circuit.Prefix, a.Index),
	}
}

// participant returns the record of id, creating it on first sight.
func (s *Scheduler) participant(ctx context.Context, ceremonyID, id string) (*ceremony.Participant, error) {
	now := s.clock.Now()
	var out ceremony.Participant
	err := s.store.UpdateParticipant(ctx, ceremonyID, id, func(p *ceremony.Participant) error {
		if p.Status == ceremony.TimedOut && !p.BlockedUntil.After(now) {
			p.Status = ceremony.Waiting
		}
		if p.LastUpdated.IsZero() {
			p.LastUpdated = now
		}
		out = *p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// CheckEligibility reports whether the caller may queue on the circuits of a
// ceremony: the ceremony is open, the caller is not serving a penalty and
// still has circuits to contribute to.
func (s *Scheduler) CheckEligibility(ctx context.Context, ceremonyID string) (bool, error) {
	const op = "checkEligibility"
	id, err := identity(ctx)
	if err != nil {
		return false, wrap(err, op, nil)
	}
	cer, err := s.registry.Ceremony(ctx, ceremonyID)
	if err != nil {
		return false, wrap(err, op, nil)
	}
	now := s.clock.Now()
	if !cer.IsOpenAt(now) {
		return false, nil
	}
	p, err := s.participant(ctx, ceremonyID, id)
	if err != nil {
		return false, wrap(err, op, nil)
	}
	eligible := !p.BlockedUntil.After(now) && p.Status != ceremony.Done
	s.log.Debugw("eligibility checked", "ceremony", ceremonyID, "participant", id, "eligible", eligible)
	return eligible, nil
}

// RequestNextCircuit queues the caller on the first circuit it has not
// contributed to yet, or hands it the lock if it is its turn. A caller
// already holding an unclaimed lock claims it. ErrNoneAvailable is returned
// once every circuit is done or complete.
func (s *Scheduler) RequestNextCircuit(ctx context.Context, ceremonyID string) (*Assignment, error) {
	const op = "requestNextCircuit"
	id, err := identity(ctx)
	if err != nil {
		return nil, wrap(err, op, nil)
	}
	cer, err := s.registry.Ceremony(ctx, ceremonyID)
	if err != nil {
		return nil, wrap(err, op, nil)
	}
	now := s.clock.Now()
	p, err := s.participant(ctx, ceremonyID, id)
	if err != nil {
		return nil, wrap(err, op, nil)
	}
	if p.BlockedUntil.After(now) {
		return nil, wrap(fmt.Errorf("until %s: %w", p.BlockedUntil.Format("15:04:05"), ErrBlocked), op, nil)
	}
	circuits, err := s.registry.Circuits(ctx, ceremonyID)
	if err != nil {
		return nil, wrap(err, op, nil)
	}

	if p.CurrentAttempt != "" {
		asg, err := s.resumeCurrent(ctx, cer, p.CurrentAttempt)
		if asg != nil || err != nil {
			return asg, wrap(err, op, nil)
		}
	}

	if !cer.IsOpenAt(now) {
		return nil, wrap(fmt.Errorf("ceremony %s is %s: %w", cer.ID, cer.State, ceremony.ErrAuthorization), op, nil)
	}

	for pos := p.ContributionProgress; pos < uint64(len(circuits)); pos++ {
		circuit, err := ceremony.NextCircuitForContribution(circuits, pos+1)
		if err != nil {
			return nil, wrap(err, op, nil)
		}
		asg, err := s.enqueue(ctx, cer, circuit, id)
		if errors.Is(err, errComplete) {
			// nothing left to do on this one
			err = s.updateParticipant(ctx, cer.ID, id, func(p *ceremony.Participant) error {
				if p.ContributionProgress == pos {
					p.ContributionProgress++
				}
				return nil
			})
			if err != nil {
				return nil, wrap(err, op, nil)
			}
			continue
		}
		return asg, wrap(err, op, nil)
	}

	err = s.updateParticipant(ctx, cer.ID, id, func(p *ceremony.Participant) error {
		p.Status = ceremony.Done
		return nil
	})
	if err != nil {
		return nil, wrap(err, op, nil)
	}
	return nil, wrap(ceremony.ErrNoneAvailable, op, nil)
}

// resumeCurrent returns the assignment of a live attempt, nil when the
// attempt ended.
func (s *Scheduler) resumeCurrent(ctx context.Context, cer *ceremony.Ceremony, attemptID string) (*Assignment, error) {
	a, err := s.store.Attempt(ctx, attemptID)
	if errors.Is(err, ceremony.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if a.State.Terminal() || a.CeremonyID != cer.ID {
		return nil, nil
	}
	circuit, err := s.registry.Circuit(ctx, cer.ID, a.CircuitID)
	if err != nil {
		return nil, err
	}
	t := &tenure{attempt: a, circuit: circuit, ceremony: cer}
	if err := s.checkLive(ctx, t); err != nil {
		return nil, ceremony.Wrap(err, "requestNextCircuit", a)
	}
	if err := s.claim(ctx, t); err != nil {
		return nil, err
	}
	return s.lockedAssignment(cer, circuit, a), nil
}

// claim marks the lock of t as handed to its holder. Claiming twice fails
// with ErrAlreadyClaimed.
func (s *Scheduler) claim(ctx context.Context, t *tenure) error {
	_, _, err := s.mutateQueue(ctx, t.circuit.ID, func(q *ceremony.WaitingQueue) error {
		if q.AttemptID != t.attempt.ID {
			return ceremony.ErrTimeoutEvicted
		}
		if q.Claimed {
			return ErrAlreadyClaimed
		}
		q.Claimed = true
		return nil
	})
	return ceremony.Wrap(err, "claim", t.attempt)
}

// enqueue puts id on the waiting list of circuit, granting it the lock when
// the circuit is idle and id is first in line.
func (s *Scheduler) enqueue(ctx context.Context, cer *ceremony.Ceremony, circuit *ceremony.Circuit, id string) (*Assignment, error) {
	if err := s.enforceDeadline(ctx, circuit.ID); err != nil {
		return nil, err
	}

	var granted, held string
	q, written, err := s.mutateQueue(ctx, circuit.ID, func(q *ceremony.WaitingQueue) error {
		granted, held = "", ""
		if q.Complete {
			return errComplete
		}
		if q.CurrentContributor == id {
			held = q.AttemptID
			if q.Claimed {
				return ErrAlreadyClaimed
			}
			return errUnchanged
		}
		added := false
		if q.Position(id) == 0 {
			q.Contributors = append(q.Contributors, id)
			added = true
		}
		granted = s.promote(q, cer, circuit, id)
		if !added && granted == "" {
			return errUnchanged
		}
		return nil
	})
	if errors.Is(err, ErrAlreadyClaimed) {
		return nil, &ceremony.Error{Op: "requestNextCircuit", CircuitID: circuit.ID, AttemptID: held, Err: err}
	}
	if err != nil {
		return nil, err
	}

	if written && granted != "" {
		a, err := s.afterGrant(ctx, circuit, q)
		if err != nil {
			return nil, err
		}
		if granted == id {
			return s.lockedAssignment(cer, circuit, a), nil
		}
	}
	if held != "" {
		// a lock handed over on release, picked up here
		a, err := s.store.Attempt(ctx, held)
		if errors.Is(err, ceremony.ErrNotFound) {
			return nil, errNotClaimed
		}
		if err != nil {
			return nil, err
		}
		t := &tenure{attempt: a, circuit: circuit, ceremony: cer}
		if err := s.checkLive(ctx, t); err != nil {
			return nil, ceremony.Wrap(err, "requestNextCircuit", a)
		}
		if err := s.claim(ctx, t); err != nil {
			return nil, err
		}
		return s.lockedAssignment(cer, circuit, a), nil
	}

	err = s.updateParticipant(ctx, cer.ID, id, func(p *ceremony.Participant) error {
		p.Status = ceremony.Waiting
		return nil
	})
	if err != nil {
		return nil, err
	}
	pos := q.Position(id)
	s.log.Debugw("contributor waiting", "circuit", circuit.ID, "contributor", id, "position", pos)
	return &Assignment{CeremonyID: cer.ID, Circuit: circuit, Position: pos}, nil
}

// AttemptStatus is what a reconnecting contributor needs to carry on.
type AttemptStatus struct {
	Attempt *ceremony.Attempt
	Circuit *ceremony.Circuit
	// Session is the upload session of the attempt, if one was opened.
	Session *ceremony.UploadSession
	// Missing lists the parts still to upload.
	Missing        []int
	Bucket         string
	PredecessorKey string
	ArtifactKey    string
}

// ResumeAfterReconnect returns the current state of an attempt of the caller.
// A live attempt whose lock was handed over and not yet picked up is claimed.
// Evicted attempts are reported, not treated as errors.
func (s *Scheduler) ResumeAfterReconnect(ctx context.Context, attemptID string) (*AttemptStatus, error) {
	const op = "resumeAfterReconnect"
	t, err := s.load(ctx, attemptID)
	if err != nil {
		return nil, wrap(err, op, nil)
	}
	if !t.attempt.State.Terminal() {
		if err := s.checkLive(ctx, t); err == nil {
			err := s.claim(ctx, t)
			if err != nil && !errors.Is(err, ErrAlreadyClaimed) && !errors.Is(err, ceremony.ErrTimeoutEvicted) {
				return nil, wrap(err, op, t.attempt)
			}
		}
		if t.attempt, err = s.store.Attempt(ctx, attemptID); err != nil {
			return nil, wrap(err, op, nil)
		}
	}

	st := &AttemptStatus{
		Attempt:        t.attempt,
		Circuit:        t.circuit,
		Bucket:         s.Bucket(t.ceremony),
		PredecessorKey: ceremony.PredecessorKey(t.circuit.Prefix, t.attempt.Index),
		ArtifactKey:    ceremony.ArtifactKey(t.circuit.Prefix, t.attempt.Index),
	}
	if t.attempt.SessionID != "" {
		sess, err := s.uploads.Session(ctx, t.attempt.SessionID)
		switch {
		case err == nil:
			st.Session = sess
			st.Missing = sess.Missing()
		case !errors.Is(err, ceremony.ErrNotFound):
			return nil, wrap(err, op, t.attempt)
		}
	}
	s.log.Debugw("attempt resumed", "attempt", attemptID, "state", t.attempt.State, "missing", len(st.Missing))
	return st, nil
}
