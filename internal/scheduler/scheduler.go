// Package scheduler decides who contributes to which circuit and when. It owns
// the per participant-circuit state machine:
//
//	Waiting -> Locked -> Uploading -> Verifying -> Completed | Evicted | Rejected
//
// Every change to a circuit queue goes through a conditional write on the
// store, which makes grants, evictions and completions on a circuit
// linearizable while different circuits proceed independently.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/sethvargo/go-retry"

	"github.com/drand/ceremony/common/log"
	"github.com/drand/ceremony/internal/ceremony"
	dcontext "github.com/drand/ceremony/internal/context"
	"github.com/drand/ceremony/internal/metrics"
	"github.com/drand/ceremony/internal/timeout"
	"github.com/drand/ceremony/internal/upload"
	"github.com/drand/ceremony/internal/verify"
)

// DefaultBucketPostfix is appended to the ceremony prefix to name its bucket.
const DefaultBucketPostfix = "-ph2-ceremony"

// Config tunes a Scheduler.
type Config struct {
	BucketPostfix string
	// ConflictRetries bounds the internal retries of a lost conditional write.
	ConflictRetries uint64
	RetryBase       time.Duration
}

// DefaultConfig returns the settings used by the daemon.
func DefaultConfig() Config {
	return Config{
		BucketPostfix:   DefaultBucketPostfix,
		ConflictRetries: 8,
		RetryBase:       5 * time.Millisecond,
	}
}

var (
	errUnchanged  = errors.New("queue unchanged")
	errLostRace   = errors.New("conditional write lost")
	errNotHolder  = errors.New("attempt no longer holds the lock")
	errSkip       = errors.New("skip")
	errComplete   = errors.New("circuit complete")
	errNotClaimed = ceremony.NewKindError(ceremony.ErrConcurrencyConflict, "lock is being handed over, retry")

	// ErrAlreadyClaimed is returned when a lock was already handed to another
	// request of the same contributor. ResumeAfterReconnect picks it up.
	ErrAlreadyClaimed = ceremony.NewKindError(ceremony.ErrConcurrencyConflict, "lock already claimed")
	// ErrBlocked is returned while an evicted participant serves its penalty.
	ErrBlocked = ceremony.NewKindError(ceremony.ErrTimeoutEvicted, "participant blocked after timeout")
)

// Scheduler is the coordination API.
type Scheduler struct {
	store    ceremony.Store
	registry *ceremony.Registry
	uploads  *upload.Coordinator
	gate     *verify.Gate
	monitor  *timeout.Monitor
	clock    clockwork.Clock
	log      log.Logger
	cfg      Config
}

// New returns a scheduler and starts its timeout monitor. Call Reconcile
// before serving requests after a restart, and Stop when done.
func New(store ceremony.Store, registry *ceremony.Registry, uploads *upload.Coordinator, gate *verify.Gate,
	clock clockwork.Clock, l log.Logger, cfg Config) *Scheduler {
	s := &Scheduler{
		store:    store,
		registry: registry,
		uploads:  uploads,
		gate:     gate,
		clock:    clock,
		log:      l.Named("scheduler"),
		cfg:      cfg,
	}
	s.monitor = timeout.NewMonitor(clock, s.onExpire, l)
	return s
}

// Monitor exposes the timeout monitor.
func (s *Scheduler) Monitor() *timeout.Monitor {
	return s.monitor
}

// Stop stops every timer.
func (s *Scheduler) Stop() {
	s.monitor.Stop()
}

// Bucket returns the bucket holding the artifacts of a ceremony.
func (s *Scheduler) Bucket(c *ceremony.Ceremony) string {
	return ceremony.BucketName(c.Prefix, s.cfg.BucketPostfix)
}

func identity(ctx context.Context) (string, error) {
	id, ok := dcontext.IdentityFromContext(ctx)
	if !ok {
		return "", fmt.Errorf("no identity: %w", ceremony.ErrAuthorization)
	}
	return id, nil
}

// wrap annotates err unless it already carries an operation.
func wrap(err error, op string, a *ceremony.Attempt) error {
	if err == nil {
		return nil
	}
	var ce *ceremony.Error
	if errors.As(err, &ce) {
		return err
	}
	return ceremony.Wrap(err, op, a)
}

// mutateQueue applies fn to a copy of the queue of a circuit and writes it
// back conditionally, retrying lost races. fn returns errUnchanged to skip the
// write. It returns the queue as stored and whether this call wrote it.
func (s *Scheduler) mutateQueue(ctx context.Context, circuitID string, fn func(q *ceremony.WaitingQueue) error) (*ceremony.WaitingQueue, bool, error) {
	var out *ceremony.WaitingQueue
	written := false
	b := retry.WithMaxRetries(s.cfg.ConflictRetries, retry.NewExponential(s.cfg.RetryBase))
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		prev, err := s.store.ReadQueue(ctx, circuitID)
		if err != nil {
			return err
		}
		next := prev.Clone()
		if err := fn(next); err != nil {
			if errors.Is(err, errUnchanged) {
				out, written = prev, false
				return nil
			}
			return err
		}
		ok, err := s.store.WriteQueueConditional(ctx, prev, next)
		if err != nil {
			return err
		}
		if !ok {
			s.log.Debugw("queue write lost a race", "circuit", circuitID, "version", prev.Version)
			return retry.RetryableError(errLostRace)
		}
		out, written = next, true
		return nil
	})
	if errors.Is(err, errLostRace) {
		return nil, false, fmt.Errorf("queue of %s: %w", circuitID, ceremony.ErrConcurrencyConflict)
	}
	if err != nil {
		return nil, false, err
	}
	if written {
		metrics.QueueChanged(circuitID, len(out.Contributors), out.CompletedContributions)
	}
	return out, written, nil
}

// promote hands the lock of an idle queue to the head of its waiting list.
// The grant is claimed right away when the head is claimer.
func (s *Scheduler) promote(q *ceremony.WaitingQueue, cer *ceremony.Ceremony, circuit *ceremony.Circuit, claimer string) string {
	if q.CurrentContributor != "" || q.Complete || len(q.Contributors) == 0 {
		return ""
	}
	now := s.clock.Now()
	head := q.Contributors[0]
	q.Contributors = q.Contributors[1:]
	q.CurrentContributor = head
	q.AttemptID = uuid.NewString()
	q.Claimed = head == claimer
	q.LockedAt = now
	q.ExpiresAt = now.Add(timeout.Window(cer.Timeout, circuit))
	return head
}

// release frees the lock held by attemptID.
func release(q *ceremony.WaitingQueue, attemptID string) error {
	if q.CurrentContributor == "" || q.AttemptID != attemptID {
		return errNotHolder
	}
	q.CurrentContributor = ""
	q.AttemptID = ""
	q.Claimed = false
	q.LockedAt = time.Time{}
	q.ExpiresAt = time.Time{}
	return nil
}

func attemptFromQueue(circuit *ceremony.Circuit, q *ceremony.WaitingQueue) *ceremony.Attempt {
	return &ceremony.Attempt{
		ID:            q.AttemptID,
		CeremonyID:    circuit.CeremonyID,
		CircuitID:     circuit.ID,
		ContributorID: q.CurrentContributor,
		Index:         q.CompletedContributions,
		State:         ceremony.Locked,
		Step:          ceremony.Downloading,
		AcquiredAt:    q.LockedAt,
		ExpiresAt:     q.ExpiresAt,
	}
}

// afterGrant persists the attempt of a fresh grant, points its participant
// at it and arms its timer.
func (s *Scheduler) afterGrant(ctx context.Context, circuit *ceremony.Circuit, q *ceremony.WaitingQueue) (*ceremony.Attempt, error) {
	a := attemptFromQueue(circuit, q)
	if err := s.store.PutAttempt(ctx, a); err != nil {
		return nil, err
	}
	err := s.updateParticipant(ctx, circuit.CeremonyID, a.ContributorID, func(p *ceremony.Participant) error {
		p.Status = ceremony.Contributing
		p.CurrentAttempt = a.ID
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.monitor.Arm(*q.Lock())
	metrics.LockGranted(circuit.ID)
	s.log.Infow("lock granted", "circuit", circuit.ID, "contributor", a.ContributorID, "attempt", a.ID,
		"index", a.Index, "expires", a.ExpiresAt, "claimed", q.Claimed)
	return a, nil
}

func (s *Scheduler) updateParticipant(ctx context.Context, ceremonyID, id string, fn func(*ceremony.Participant) error) error {
	now := s.clock.Now()
	return s.store.UpdateParticipant(ctx, ceremonyID, id, func(p *ceremony.Participant) error {
		if err := fn(p); err != nil {
			return err
		}
		p.LastUpdated = now
		return nil
	})
}

// tenure is an attempt together with what it refers to.
type tenure struct {
	attempt  *ceremony.Attempt
	circuit  *ceremony.Circuit
	ceremony *ceremony.Ceremony
}

func (t *tenure) lock() ceremony.Lock {
	return ceremony.Lock{
		CircuitID:     t.attempt.CircuitID,
		ContributorID: t.attempt.ContributorID,
		AttemptID:     t.attempt.ID,
		AcquiredAt:    t.attempt.AcquiredAt,
		ExpiresAt:     t.attempt.ExpiresAt,
	}
}

// load returns the attempt of the caller with its circuit and ceremony.
func (s *Scheduler) load(ctx context.Context, attemptID string) (*tenure, error) {
	id, err := identity(ctx)
	if err != nil {
		return nil, err
	}
	a, err := s.store.Attempt(ctx, attemptID)
	if err != nil {
		return nil, err
	}
	if a.ContributorID != id {
		return nil, fmt.Errorf("attempt belongs to another contributor: %w", ceremony.ErrAuthorization)
	}
	cer, err := s.registry.Ceremony(ctx, a.CeremonyID)
	if err != nil {
		return nil, err
	}
	circuit, err := s.registry.Circuit(ctx, a.CeremonyID, a.CircuitID)
	if err != nil {
		return nil, err
	}
	return &tenure{attempt: a, circuit: circuit, ceremony: cer}, nil
}

// active is load for operations that need a live attempt. It evicts the
// attempt if its deadline passed.
func (s *Scheduler) active(ctx context.Context, attemptID string) (*tenure, error) {
	t, err := s.load(ctx, attemptID)
	if err != nil {
		return nil, err
	}
	if err := s.checkLive(ctx, t); err != nil {
		return t, err
	}
	return t, nil
}

func (s *Scheduler) checkLive(ctx context.Context, t *tenure) error {
	switch {
	case t.attempt.State == ceremony.Evicted:
		return ceremony.ErrTimeoutEvicted
	case t.attempt.State.Terminal():
		return fmt.Errorf("attempt already %s: %w", t.attempt.State, ceremony.ErrInvalidStateTransition)
	}
	if s.clock.Now().Before(t.attempt.ExpiresAt) {
		return nil
	}
	if _, err := s.evict(ctx, t.lock(), "deadline exceeded", true); err != nil {
		s.log.Errorw("evicting expired attempt", "attempt", t.attempt.ID, "err", err)
	}
	return ceremony.ErrTimeoutEvicted
}
