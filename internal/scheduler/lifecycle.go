package scheduler

import (
	"context"
	"errors"
	"fmt"

	"github.com/hashicorp/go-multierror"

	"github.com/drand/ceremony/internal/ceremony"
	"github.com/drand/ceremony/internal/metrics"
)

// Ceremonies returns the ceremonies currently accepting participants.
func (s *Scheduler) Ceremonies(ctx context.Context) ([]*ceremony.Ceremony, error) {
	out, err := s.registry.OpenedCeremonies(ctx, s.clock.Now())
	return out, wrap(err, "ceremonies", nil)
}

// Circuits returns the circuits of a ceremony with the state of their queue.
func (s *Scheduler) Circuits(ctx context.Context, ceremonyID string) ([]ceremony.CircuitView, error) {
	views, err := s.registry.CircuitViews(ctx, ceremonyID)
	return views, wrap(err, "circuits", nil)
}

// Contributions returns the contribution records of a circuit.
func (s *Scheduler) Contributions(ctx context.Context, circuitID string) ([]*ceremony.Contribution, error) {
	out, err := s.store.Contributions(ctx, circuitID)
	return out, wrap(err, "contributions", nil)
}

// Participant returns the record of the caller in a ceremony.
func (s *Scheduler) Participant(ctx context.Context, ceremonyID string) (*ceremony.Participant, error) {
	id, err := identity(ctx)
	if err != nil {
		return nil, wrap(err, "participant", nil)
	}
	p, err := s.store.Participant(ctx, ceremonyID, id)
	return p, wrap(err, "participant", nil)
}

// AttestationEntry is the outcome of the contributions of a participant to
// one circuit. Index and Hash are set when Valid.
type AttestationEntry struct {
	CircuitID string
	Prefix    string
	Name      string
	Valid     bool
	Index     uint64
	Hash      []byte
}

// Attestation lists, circuit by circuit, the contributions of a participant
// that were verified and kept in the chain.
type Attestation struct {
	CeremonyID    string
	Title         string
	ParticipantID string
	Entries       []AttestationEntry
}

// Complete reports whether the participant has a valid contribution on every
// circuit.
func (a *Attestation) Complete() bool {
	for _, e := range a.Entries {
		if !e.Valid {
			return false
		}
	}
	return len(a.Entries) > 0
}

// Attestation returns the valid contributions of the caller to the circuits
// of a ceremony, in sequence order.
func (s *Scheduler) Attestation(ctx context.Context, ceremonyID string) (*Attestation, error) {
	const op = "attestation"
	id, err := identity(ctx)
	if err != nil {
		return nil, wrap(err, op, nil)
	}
	cer, err := s.registry.Ceremony(ctx, ceremonyID)
	if err != nil {
		return nil, wrap(err, op, nil)
	}
	circuits, err := s.store.Circuits(ctx, ceremonyID)
	if err != nil {
		return nil, wrap(err, op, nil)
	}

	att := &Attestation{CeremonyID: cer.ID, Title: cer.Title, ParticipantID: id}
	for _, c := range circuits {
		entry := AttestationEntry{CircuitID: c.ID, Prefix: c.Prefix, Name: c.Name}
		contribs, err := s.store.Contributions(ctx, c.ID)
		if err != nil {
			return nil, wrap(err, op, nil)
		}
		for _, ct := range contribs {
			if ct.ContributorID != id || ct.Verification != ceremony.Valid {
				continue
			}
			entry.Valid = true
			entry.Index = ct.Index
			entry.Hash = ct.Hash
		}
		att.Entries = append(att.Entries, entry)
	}
	return att, nil
}

// FinalizeCeremony closes every circuit of a ceremony and freezes it. Only
// the coordinator identity of the ceremony may call it. Running attempts are
// ended without penalty. Finalizing twice is a no-op.
func (s *Scheduler) FinalizeCeremony(ctx context.Context, ceremonyID string) error {
	const op = "finalizeCeremony"
	id, err := identity(ctx)
	if err != nil {
		return wrap(err, op, nil)
	}
	cer, err := s.registry.Ceremony(ctx, ceremonyID)
	if err != nil {
		return wrap(err, op, nil)
	}
	if cer.Coordinator == "" || cer.Coordinator != id {
		return wrap(fmt.Errorf("%s is not the coordinator of %s: %w", id, ceremonyID, ceremony.ErrAuthorization), op, nil)
	}

	err = s.store.UpdateCeremony(ctx, ceremonyID, func(c *ceremony.Ceremony) error {
		if c.State == ceremony.Finalized {
			return errSkip
		}
		c.State = ceremony.Closed
		return nil
	})
	if errors.Is(err, errSkip) {
		return nil
	}
	if err != nil {
		return wrap(err, op, nil)
	}

	circuits, err := s.registry.Circuits(ctx, ceremonyID)
	if err != nil {
		return wrap(err, op, nil)
	}
	var merr error
	for _, circuit := range circuits {
		q, _, err := s.mutateQueue(ctx, circuit.ID, func(q *ceremony.WaitingQueue) error {
			if q.Complete && len(q.Contributors) == 0 {
				return errUnchanged
			}
			q.Complete = true
			q.Contributors = nil
			return nil
		})
		if err != nil {
			merr = multierror.Append(merr, err)
			continue
		}
		if lock := q.Lock(); lock != nil {
			if _, err := s.evict(ctx, *lock, "ceremony finalized", false); err != nil {
				merr = multierror.Append(merr, err)
			}
		}
	}
	if merr != nil {
		return wrap(merr, op, nil)
	}

	err = s.store.UpdateCeremony(ctx, ceremonyID, func(c *ceremony.Ceremony) error {
		c.State = ceremony.Finalized
		return nil
	})
	if err != nil {
		return wrap(err, op, nil)
	}
	metrics.CeremonyStateChange(ceremonyID, uint32(ceremony.Finalized))
	s.log.Infow("ceremony finalized", "ceremony", ceremonyID, "circuits", len(circuits))
	return nil
}

// AdvanceLifecycle opens scheduled ceremonies whose start date passed and
// closes opened ones past their end date. It also evicts holders whose
// deadline passed, should a timer have been missed. It returns the number of
// ceremonies that changed state.
func (s *Scheduler) AdvanceLifecycle(ctx context.Context) (int, error) {
	all, err := s.store.Ceremonies(ctx)
	if err != nil {
		return 0, err
	}
	now := s.clock.Now()
	changed := 0
	var merr error
	for _, cer := range all {
		next := cer.State
		switch {
		case cer.State == ceremony.Scheduled && !now.Before(cer.StartDate) &&
			(cer.EndDate.IsZero() || now.Before(cer.EndDate)):
			next = ceremony.Opened
		case cer.State == ceremony.Opened && !cer.EndDate.IsZero() && !now.Before(cer.EndDate):
			next = ceremony.Closed
		}
		if next != cer.State {
			err := s.store.UpdateCeremony(ctx, cer.ID, func(c *ceremony.Ceremony) error {
				if c.State != cer.State {
					return errSkip
				}
				c.State = next
				return nil
			})
			switch {
			case errors.Is(err, errSkip):
			case err != nil:
				merr = multierror.Append(merr, err)
			default:
				changed++
				metrics.CeremonyStateChange(cer.ID, uint32(next))
				s.log.Infow("ceremony state changed", "ceremony", cer.ID, "from", cer.State, "to", next)
			}
		}

		if cer.State == ceremony.Scheduled || cer.State == ceremony.Finalized {
			continue
		}
		circuits, err := s.registry.Circuits(ctx, cer.ID)
		if err != nil {
			merr = multierror.Append(merr, err)
			continue
		}
		for _, circuit := range circuits {
			if err := s.enforceDeadline(ctx, circuit.ID); err != nil {
				merr = multierror.Append(merr, err)
			}
		}
	}
	return changed, merr
}
