package scheduler_test

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/drand/ceremony/internal/ceremony"
	"github.com/drand/ceremony/internal/ceremony/memdb"
	dcontext "github.com/drand/ceremony/internal/context"
	"github.com/drand/ceremony/internal/scheduler"
	"github.com/drand/ceremony/internal/test/mock"
	"github.com/drand/ceremony/internal/test/testlogger"
	"github.com/drand/ceremony/internal/upload"
	"github.com/drand/ceremony/internal/verify"
)

const (
	ceremonyID  = "cer"
	circuitOne  = "circ-1"
	circuitTwo  = "circ-2"
	coordinator = "coordinator"
	window      = 10 * time.Minute
)

var start = time.Date(2022, 6, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	t        *testing.T
	store    *memdb.Store
	storage  *mock.Storage
	clock    clockwork.FakeClock
	registry *ceremony.Registry
	uploads  *upload.Coordinator
	sched    *scheduler.Scheduler

	mu      sync.Mutex
	verdict ceremony.Verification
	during  func()
}

func newCeremony(mod func(c *ceremony.Ceremony)) *ceremony.Ceremony {
	c := &ceremony.Ceremony{
		ID:          ceremonyID,
		Prefix:      "semaphore",
		Title:       "Semaphore",
		Coordinator: coordinator,
		State:       ceremony.Opened,
		StartDate:   start.Add(-time.Hour),
		EndDate:     start.Add(30 * 24 * time.Hour),
		Timeout: ceremony.TimeoutPolicy{
			Mechanism: ceremony.Fixed,
			Duration:  window,
		},
		Penalty:            time.Hour,
		RejectPolicy:       ceremony.RequeueBack,
		VerificationWindow: time.Minute,
	}
	if mod != nil {
		mod(c)
	}
	return c
}

func newFixture(t *testing.T, mod func(c *ceremony.Ceremony)) *fixture {
	t.Helper()
	ctx := context.Background()
	f := &fixture{
		t:       t,
		store:   memdb.NewStore(),
		storage: mock.NewStorage(),
		clock:   clockwork.NewFakeClockAt(start),
		verdict: ceremony.Valid,
	}
	require.NoError(t, f.store.PutCeremony(ctx, newCeremony(mod)))
	for i, id := range []string{circuitOne, circuitTwo} {
		require.NoError(t, f.store.PutCircuit(ctx, &ceremony.Circuit{
			ID:               id,
			CeremonyID:       ceremonyID,
			Prefix:           id,
			Name:             id,
			SequencePosition: uint64(i + 1),
		}))
	}
	f.start()
	return f
}

// start builds a scheduler over the store, as a process (re)start would.
func (f *fixture) start() {
	t := f.t
	logger := testlogger.New(t)
	var err error
	f.registry, err = ceremony.NewRegistry(f.store, 0, logger)
	require.NoError(t, err)
	cfg := upload.Config{
		DefaultChunkSize: 4,
		MinChunkSize:     1,
		MaxParts:         100,
		MaxOutstanding:   4,
		AuthorizationTTL: time.Minute,
		StorageRetries:   2,
		RetryBase:        time.Millisecond,
	}
	f.uploads = upload.NewCoordinator(f.store, f.storage, f.clock, logger, cfg)
	v := verify.VerifierFunc(func(context.Context, ceremony.ArtifactLocation, ceremony.ArtifactLocation, *ceremony.Circuit) (verify.Result, error) {
		f.mu.Lock()
		verdict, during := f.verdict, f.during
		f.mu.Unlock()
		if during != nil {
			during()
		}
		return verify.Result{Verification: verdict, Reason: "checked by test"}, nil
	})
	gate := verify.NewGate(f.storage, v, f.clock, logger)
	f.sched = scheduler.New(f.store, f.registry, f.uploads, gate, f.clock, logger, scheduler.Config{
		BucketPostfix:   "-ph2",
		ConflictRetries: 20,
		RetryBase:       time.Millisecond,
	})
	t.Cleanup(f.sched.Stop)
}

func (f *fixture) setVerdict(v ceremony.Verification) {
	f.mu.Lock()
	f.verdict = v
	f.mu.Unlock()
}

func as(id string) context.Context {
	return dcontext.WithIdentity(context.Background(), id)
}

func hashOf(t *testing.T, data []byte) []byte {
	t.Helper()
	h, err := verify.HashReader(bytes.NewReader(data))
	require.NoError(t, err)
	return h
}

func (f *fixture) request(id string) *scheduler.Assignment {
	f.t.Helper()
	asg, err := f.sched.RequestNextCircuit(as(id), ceremonyID)
	require.NoError(f.t, err)
	return asg
}

func (f *fixture) queue(circuitID string) *ceremony.WaitingQueue {
	f.t.Helper()
	q, err := f.store.ReadQueue(context.Background(), circuitID)
	require.NoError(f.t, err)
	return q
}

func (f *fixture) attempt(id string) *ceremony.Attempt {
	f.t.Helper()
	a, err := f.store.Attempt(context.Background(), id)
	require.NoError(f.t, err)
	return a
}

// upload sends the parts of data, skipping the indexes in skip.
func (f *fixture) upload(owner string, sess *ceremony.UploadSession, data []byte, skip ...int) {
	t := f.t
	t.Helper()
	skipped := make(map[int]bool)
	for _, i := range skip {
		skipped[i] = true
	}
	ctx := as(owner)
	from := 0
	for {
		auths, err := f.sched.AuthorizeUpload(ctx, sess.ID, from, 0)
		require.NoError(t, err)
		if len(auths) == 0 {
			return
		}
		for _, a := range auths {
			from = a.PartIndex + 1
			if skipped[a.PartIndex] {
				continue
			}
			tag, err := f.storage.PutPart(sess.StorageUploadID, a.PartNumber, data[a.Offset:a.Offset+a.Size])
			require.NoError(t, err)
			require.NoError(t, f.sched.ReportPartComplete(ctx, sess.ID, a.PartIndex, tag))
		}
	}
}

// contribute runs a whole locked attempt and returns the verification result.
func (f *fixture) contribute(owner string, asg *scheduler.Assignment, data []byte) (*scheduler.VerificationResult, error) {
	t := f.t
	t.Helper()
	require.True(t, asg.Locked())
	ctx := as(owner)
	id := asg.Attempt.ID
	require.NoError(t, f.sched.AdvanceStep(ctx, id, ceremony.Computing))
	require.NoError(t, f.sched.DeclareContribution(ctx, id, hashOf(t, data), time.Minute))
	sess, err := f.sched.OpenUpload(ctx, id, int64(len(data)), 0)
	require.NoError(t, err)
	f.upload(owner, sess, data)
	return f.sched.SubmitForVerification(ctx, sess.ID, nil)
}

func (f *fixture) waitFor(cond func() bool) {
	f.t.Helper()
	require.Eventually(f.t, cond, 5*time.Second, 5*time.Millisecond)
}

// granted waits until id is told about a lock handed over to it.
func (f *fixture) granted(id string) {
	f.waitFor(func() bool {
		p, err := f.store.Participant(context.Background(), ceremonyID, id)
		if err != nil || p.CurrentAttempt == "" {
			return false
		}
		_, armed := f.sched.Monitor().Armed(circuitOne)
		return armed
	})
}

func TestEvictionHandsOverToNext(t *testing.T) {
	f := newFixture(t, nil)

	a := f.request("A")
	require.True(t, a.Locked())
	require.Equal(t, circuitOne, a.Circuit.ID)
	require.Equal(t, uint64(0), a.Attempt.Index)
	require.Equal(t, "semaphore-ph2", a.Bucket)
	require.Equal(t, ceremony.PredecessorKey(circuitOne, 0), a.PredecessorKey)
	require.Equal(t, ceremony.ArtifactKey(circuitOne, 0), a.ArtifactKey)

	b := f.request("B")
	require.False(t, b.Locked())
	require.Equal(t, 1, b.Position)

	f.clock.Advance(window)
	f.waitFor(func() bool { return f.queue(circuitOne).CurrentContributor == "B" })
	f.granted("B")

	require.Equal(t, ceremony.Evicted, f.attempt(a.Attempt.ID).State)
	q := f.queue(circuitOne)
	require.Zero(t, q.Position("A"))
	require.False(t, q.Claimed)
	require.True(t, f.sched.Monitor().Expired(a.Attempt.ID))

	pa, err := f.store.Participant(context.Background(), ceremonyID, "A")
	require.NoError(t, err)
	require.Equal(t, ceremony.TimedOut, pa.Status)
	require.True(t, f.clock.Now().Add(time.Hour).Equal(pa.BlockedUntil))
	require.Len(t, pa.Timeouts, 1)

	_, err = f.sched.RequestNextCircuit(as("A"), ceremonyID)
	require.ErrorIs(t, err, ceremony.ErrTimeoutEvicted)
	ok, err := f.sched.CheckEligibility(as("A"), ceremonyID)
	require.NoError(t, err)
	require.False(t, ok)

	b = f.request("B")
	require.True(t, b.Locked())
	require.True(t, f.queue(circuitOne).Claimed)
	require.Equal(t, uint64(0), b.Attempt.Index)

	res, err := f.contribute("B", b, []byte("contribution of B"))
	require.NoError(t, err)
	require.True(t, res.Valid())
	require.Equal(t, uint64(0), res.Index)

	q = f.queue(circuitOne)
	require.Equal(t, uint64(1), q.CompletedContributions)
	require.Empty(t, q.CurrentContributor)
	records, err := f.sched.Contributions(context.Background(), circuitOne)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, "B", records[0].ContributorID)
	require.Equal(t, uint64(0), records[0].Index)
	require.Equal(t, ceremony.Valid, records[0].Verification)

	// penalty served, A goes to the back of the queue of the same circuit
	f.clock.Advance(time.Hour)
	again := f.request("A")
	require.True(t, again.Locked())
	require.Equal(t, circuitOne, again.Circuit.ID)
	require.Equal(t, uint64(1), again.Attempt.Index)
}

func TestConcurrentRequestsGrantOnce(t *testing.T) {
	f := newFixture(t, nil)

	const n = 8
	var wg sync.WaitGroup
	results := make(chan error, n)
	locked := make(chan *scheduler.Assignment, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			asg, err := f.sched.RequestNextCircuit(as("A"), ceremonyID)
			if err == nil && asg.Locked() {
				locked <- asg
			}
			results <- err
		}()
	}
	wg.Wait()
	close(results)
	close(locked)

	require.Len(t, locked, 1)
	for err := range results {
		if err != nil {
			require.True(t, errors.Is(err, ceremony.ErrConcurrencyConflict) || errors.Is(err, ceremony.ErrNoneAvailable), err)
		}
	}
	winner := <-locked

	// a later request points at the attempt to resume
	_, err := f.sched.RequestNextCircuit(as("A"), ceremonyID)
	require.ErrorIs(t, err, scheduler.ErrAlreadyClaimed)
	var ce *ceremony.Error
	require.ErrorAs(t, err, &ce)
	require.Equal(t, winner.Attempt.ID, ce.AttemptID)

	active, err := f.store.ActiveAttempts(context.Background())
	require.NoError(t, err)
	require.Len(t, active, 1)
}

func TestConcurrentContributorsSingleHolder(t *testing.T) {
	f := newFixture(t, nil)

	ids := []string{"A", "B", "C", "D", "E", "F", "G", "H"}
	var wg sync.WaitGroup
	locked := make(chan string, len(ids))
	failed := make(chan error, len(ids))
	circuits := make(chan string, len(ids))
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			asg, err := f.sched.RequestNextCircuit(as(id), ceremonyID)
			if err != nil {
				failed <- err
				return
			}
			circuits <- asg.Circuit.ID
			if asg.Locked() {
				locked <- id
			}
		}(id)
	}
	wg.Wait()
	close(locked)
	close(failed)
	close(circuits)

	for err := range failed {
		require.ErrorIs(t, err, ceremony.ErrConcurrencyConflict)
	}
	for id := range circuits {
		require.Equal(t, circuitOne, id)
	}
	require.Len(t, locked, 1)
	holder := <-locked

	active, err := f.store.ActiveAttempts(context.Background())
	require.NoError(t, err)
	perCircuit := make(map[string]int)
	for _, a := range active {
		perCircuit[a.CircuitID]++
		require.Equal(t, holder, a.ContributorID)
	}
	require.Equal(t, map[string]int{circuitOne: 1}, perCircuit)

	q := f.queue(circuitOne)
	require.Equal(t, holder, q.CurrentContributor)
	seen := make(map[string]bool)
	for _, id := range q.Contributors {
		require.False(t, seen[id], "%s queued twice", id)
		seen[id] = true
	}
}

func TestAttestation(t *testing.T) {
	f := newFixture(t, func(c *ceremony.Ceremony) { c.RejectPolicy = ceremony.Remove })

	att, err := f.sched.Attestation(as("A"), ceremonyID)
	require.NoError(t, err)
	require.Equal(t, "A", att.ParticipantID)
	require.Len(t, att.Entries, 2)
	require.False(t, att.Complete())

	// an invalid contribution of B precedes the valid one of A on circuit one
	f.setVerdict(ceremony.Invalid)
	b := f.request("B")
	_, err = f.contribute("B", b, []byte("contribution of B"))
	require.ErrorIs(t, err, ceremony.ErrVerificationFailure)
	f.setVerdict(ceremony.Valid)

	first := []byte("contribution of A to circuit one")
	res, err := f.contribute("A", f.request("A"), first)
	require.NoError(t, err)
	require.True(t, res.Valid())

	att, err = f.sched.Attestation(as("A"), ceremonyID)
	require.NoError(t, err)
	require.True(t, att.Entries[0].Valid)
	require.Equal(t, circuitOne, att.Entries[0].CircuitID)
	require.Equal(t, res.Index, att.Entries[0].Index)
	require.Equal(t, hashOf(t, first), att.Entries[0].Hash)
	require.False(t, att.Entries[1].Valid)
	require.False(t, att.Complete())

	second := []byte("contribution of A to circuit two")
	asg := f.request("A")
	require.Equal(t, circuitTwo, asg.Circuit.ID)
	_, err = f.contribute("A", asg, second)
	require.NoError(t, err)

	att, err = f.sched.Attestation(as("A"), ceremonyID)
	require.NoError(t, err)
	require.True(t, att.Complete())
	require.Equal(t, uint64(0), att.Entries[1].Index)
	require.Equal(t, hashOf(t, second), att.Entries[1].Hash)

	// the only contribution of B was rejected
	att, err = f.sched.Attestation(as("B"), ceremonyID)
	require.NoError(t, err)
	for _, e := range att.Entries {
		require.False(t, e.Valid)
	}

	_, err = f.sched.Attestation(context.Background(), ceremonyID)
	require.ErrorIs(t, err, ceremony.ErrAuthorization)
	_, err = f.sched.Attestation(as("A"), "unknown")
	require.ErrorIs(t, err, ceremony.ErrNotFound)
}

func TestAcknowledgementAfterEvictionIsRefused(t *testing.T) {
	f := newFixture(t, nil)
	ctx := as("A")
	data := []byte("0123456789abcdef")

	a := f.request("A")
	sess, err := f.sched.OpenUpload(ctx, a.Attempt.ID, int64(len(data)), 4)
	require.NoError(t, err)
	require.Len(t, sess.Parts, 4)
	require.Equal(t, ceremony.Uploading, f.attempt(a.Attempt.ID).State)

	auths, err := f.sched.AuthorizeUpload(ctx, sess.ID, 0, 2)
	require.NoError(t, err)
	require.Len(t, auths, 2)
	tag0, err := f.storage.PutPart(sess.StorageUploadID, 1, data[0:4])
	require.NoError(t, err)
	require.NoError(t, f.sched.ReportPartComplete(ctx, sess.ID, 0, tag0))
	tag1, err := f.storage.PutPart(sess.StorageUploadID, 2, data[4:8])
	require.NoError(t, err)

	f.clock.Advance(window)
	f.waitFor(func() bool {
		s, err := f.uploads.Session(context.Background(), sess.ID)
		return err == nil && s.State == ceremony.SessionAborted
	})

	err = f.sched.ReportPartComplete(ctx, sess.ID, 1, tag1)
	require.ErrorIs(t, err, upload.ErrSessionAborted)
	require.ErrorIs(t, err, ceremony.ErrTimeoutEvicted)
	require.True(t, f.storage.Aborted(sess.StorageUploadID))
	require.Equal(t, ceremony.Evicted, f.attempt(a.Attempt.ID).State)

	_, err = f.sched.AuthorizeUpload(ctx, sess.ID, 0, 0)
	require.ErrorIs(t, err, ceremony.ErrTimeoutEvicted)
	_, err = f.sched.SubmitForVerification(ctx, sess.ID, hashOf(t, data))
	require.ErrorIs(t, err, ceremony.ErrTimeoutEvicted)
}

func TestDeadlineCheckedOnRequest(t *testing.T) {
	f := newFixture(t, nil)
	a := f.request("A")
	// stop the timer so only the request path can notice the deadline
	f.sched.Monitor().Disarm(circuitOne, a.Attempt.ID)
	f.clock.Advance(window + time.Second)

	_, err := f.sched.OpenUpload(as("A"), a.Attempt.ID, 16, 4)
	require.ErrorIs(t, err, ceremony.ErrTimeoutEvicted)
	require.Equal(t, ceremony.Evicted, f.attempt(a.Attempt.ID).State)
	require.Empty(t, f.queue(circuitOne).CurrentContributor)
}

func TestResumeAfterReconnect(t *testing.T) {
	f := newFixture(t, nil)
	ctx := as("A")
	data := []byte("resumable contribution")

	a := f.request("A")
	id := a.Attempt.ID
	require.NoError(t, f.sched.DeclareContribution(ctx, id, hashOf(t, data), 2*time.Minute))
	sess, err := f.sched.OpenUpload(ctx, id, int64(len(data)), 8)
	require.NoError(t, err)
	require.Len(t, sess.Parts, 3)

	_, err = f.sched.OpenUpload(ctx, id, int64(len(data)), 8)
	require.ErrorIs(t, err, upload.ErrSessionAlreadyOpen)

	auths, err := f.sched.AuthorizeUpload(ctx, sess.ID, 0, 1)
	require.NoError(t, err)
	require.Len(t, auths, 1)
	tag, err := f.storage.PutPart(sess.StorageUploadID, 1, data[:8])
	require.NoError(t, err)
	require.NoError(t, f.sched.ReportPartComplete(ctx, sess.ID, 0, tag))
	// retried acknowledgement
	require.NoError(t, f.sched.ReportPartComplete(ctx, sess.ID, 0, tag))
	err = f.sched.ReportPartComplete(ctx, sess.ID, 0, "other")
	require.ErrorIs(t, err, upload.ErrUnknownPart)
	require.ErrorIs(t, err, ceremony.ErrUploadIntegrity)

	_, err = f.sched.ResumeAfterReconnect(as("B"), id)
	require.ErrorIs(t, err, ceremony.ErrAuthorization)

	st, err := f.sched.ResumeAfterReconnect(ctx, id)
	require.NoError(t, err)
	require.Equal(t, ceremony.Uploading, st.Attempt.State)
	require.Equal(t, ceremony.StepUploading, st.Attempt.Step)
	require.Equal(t, sess.ID, st.Session.ID)
	require.Equal(t, []int{1, 2}, st.Missing)
	require.Equal(t, a.ArtifactKey, st.ArtifactKey)

	// resuming twice changes nothing
	again, err := f.sched.ResumeAfterReconnect(ctx, id)
	require.NoError(t, err)
	require.Equal(t, st.Missing, again.Missing)

	f.upload("A", sess, data, 0)
	res, err := f.sched.SubmitForVerification(ctx, sess.ID, nil)
	require.NoError(t, err)
	require.True(t, res.Valid())

	// a repeated submission returns the recorded verdict
	res2, err := f.sched.SubmitForVerification(ctx, sess.ID, nil)
	require.NoError(t, err)
	require.Equal(t, res.Index, res2.Index)
	require.Equal(t, ceremony.Valid, res2.Verification)

	st, err = f.sched.ResumeAfterReconnect(ctx, id)
	require.NoError(t, err)
	require.Equal(t, ceremony.Completed, st.Attempt.State)
	require.Empty(t, st.Missing)
}

func TestUploadRoundTrip(t *testing.T) {
	f := newFixture(t, nil)
	ctx := as("A")
	data := bytes.Repeat([]byte("zkey"), 9)

	a := f.request("A")
	require.NoError(t, f.sched.DeclareContribution(ctx, a.Attempt.ID, hashOf(t, data), 0))
	sess, err := f.sched.OpenUpload(ctx, a.Attempt.ID, int64(len(data)), 5)
	require.NoError(t, err)
	require.Len(t, sess.Parts, 8)

	f.upload("A", sess, data, 3)
	_, err = f.sched.SubmitForVerification(ctx, sess.ID, nil)
	require.ErrorIs(t, err, upload.ErrIncompleteParts)
	require.ErrorIs(t, err, ceremony.ErrUploadIntegrity)
	require.Equal(t, ceremony.Uploading, f.attempt(a.Attempt.ID).State)

	f.upload("A", sess, data)
	res, err := f.sched.SubmitForVerification(ctx, sess.ID, nil)
	require.NoError(t, err)
	require.True(t, res.Valid())
	require.Equal(t, hashOf(t, data), res.Location.Hash)
	require.Equal(t, a.ArtifactKey, res.Location.Key)

	stored, ok := f.storage.Object(res.Location.Bucket, res.Location.Key)
	require.True(t, ok)
	require.Equal(t, hashOf(t, data), hashOf(t, stored))

	circuit, err := f.store.Circuit(context.Background(), circuitOne)
	require.NoError(t, err)
	require.Equal(t, uint64(1), circuit.AvgTimings.Samples)
}

func TestHashMismatchRejects(t *testing.T) {
	f := newFixture(t, nil)
	ctx := as("A")

	a := f.request("A")
	f.request("B")
	require.NoError(t, f.sched.DeclareContribution(ctx, a.Attempt.ID, hashOf(t, []byte("declared")), 0))
	sess, err := f.sched.OpenUpload(ctx, a.Attempt.ID, 8, 4)
	require.NoError(t, err)
	f.upload("A", sess, []byte("uploaded"))

	res, err := f.sched.SubmitForVerification(ctx, sess.ID, nil)
	require.ErrorIs(t, err, ceremony.ErrUploadIntegrity)
	require.NotNil(t, res)
	require.Equal(t, ceremony.Invalid, res.Verification)
	require.Equal(t, ceremony.Rejected, f.attempt(a.Attempt.ID).State)

	q := f.queue(circuitOne)
	require.Equal(t, uint64(1), q.FailedContributions)
	require.Zero(t, q.CompletedContributions)
	require.Equal(t, "B", q.CurrentContributor)
}

func TestRejectPolicies(t *testing.T) {
	tests := []struct {
		policy  ceremony.RejectPolicy
		holder  string
		waiting []string
	}{
		{ceremony.RequeueBack, "B", []string{"A"}},
		{ceremony.RequeueFront, "A", []string{"B"}},
		{ceremony.Remove, "B", nil},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.policy.String(), func(t *testing.T) {
			f := newFixture(t, func(c *ceremony.Ceremony) { c.RejectPolicy = tt.policy })
			a := f.request("A")
			f.request("B")

			f.setVerdict(ceremony.Invalid)
			res, err := f.contribute("A", a, []byte("bad contribution"))
			require.ErrorIs(t, err, ceremony.ErrVerificationFailure)
			require.Equal(t, ceremony.Invalid, res.Verification)
			require.Equal(t, "checked by test", res.Reason)

			q := f.queue(circuitOne)
			require.Equal(t, tt.holder, q.CurrentContributor)
			require.ElementsMatch(t, tt.waiting, q.Contributors)
			require.Equal(t, uint64(1), q.FailedContributions)
			require.False(t, q.Claimed)

			records, err := f.sched.Contributions(context.Background(), circuitOne)
			require.NoError(t, err)
			require.Len(t, records, 1)
			require.Equal(t, ceremony.Invalid, records[0].Verification)

			// the failed attempt did not consume index 0
			f.setVerdict(ceremony.Valid)
			f.granted(tt.holder)
			next := f.request(tt.holder)
			require.True(t, next.Locked())
			require.Equal(t, uint64(0), next.Attempt.Index)
			res, err = f.contribute(tt.holder, next, []byte("good contribution"))
			require.NoError(t, err)
			require.Equal(t, uint64(0), res.Index)

			if tt.policy == ceremony.Remove {
				asg := f.request("A")
				require.Equal(t, circuitTwo, asg.Circuit.ID)
			}
		})
	}
}

func TestRequiredContributionsAndNoneAvailable(t *testing.T) {
	f := newFixture(t, func(c *ceremony.Ceremony) { c.RequiredContributions = 1 })

	a := f.request("A")
	waiting := f.request("B")
	require.Equal(t, 1, waiting.Position)

	_, err := f.contribute("A", a, []byte("A on one"))
	require.NoError(t, err)
	q := f.queue(circuitOne)
	require.True(t, q.Complete)
	require.Empty(t, q.Contributors)
	require.Empty(t, q.CurrentContributor)

	a = f.request("A")
	require.True(t, a.Locked())
	require.Equal(t, circuitTwo, a.Circuit.ID)

	// B skips the complete circuit and waits on the next one
	b := f.request("B")
	require.False(t, b.Locked())
	require.Equal(t, circuitTwo, b.Circuit.ID)
	require.Equal(t, 1, b.Position)

	_, err = f.contribute("A", a, []byte("A on two"))
	require.NoError(t, err)

	_, err = f.sched.RequestNextCircuit(as("A"), ceremonyID)
	require.ErrorIs(t, err, ceremony.ErrNoneAvailable)
	p, err := f.sched.Participant(as("A"), ceremonyID)
	require.NoError(t, err)
	require.Equal(t, ceremony.Done, p.Status)
	require.Equal(t, uint64(2), p.ContributionProgress)
	ok, err := f.sched.CheckEligibility(as("A"), ceremonyID)
	require.NoError(t, err)
	require.False(t, ok)

	// complete circuits leave nobody waiting
	q = f.queue(circuitTwo)
	require.True(t, q.Complete)
	require.Empty(t, q.CurrentContributor)
	_, err = f.sched.RequestNextCircuit(as("B"), ceremonyID)
	require.ErrorIs(t, err, ceremony.ErrNoneAvailable)
}

func TestVerificationWindow(t *testing.T) {
	f := newFixture(t, nil)
	a := f.request("A")
	expires := a.Attempt.ExpiresAt

	res, err := f.contribute("A", a, []byte("in time"))
	require.NoError(t, err)
	require.True(t, res.Valid())
	require.True(t, expires.Add(time.Minute).Equal(f.attempt(a.Attempt.ID).ExpiresAt))

	// a verification running past the extended deadline counts as a timeout
	b := f.request("B")
	f.mu.Lock()
	f.during = func() { f.clock.Advance(window + 2*time.Minute) }
	f.mu.Unlock()
	_, err = f.contribute("B", b, []byte("too slow"))
	require.ErrorIs(t, err, ceremony.ErrTimeoutEvicted)
	require.Equal(t, ceremony.Evicted, f.attempt(b.Attempt.ID).State)
	require.Equal(t, uint64(1), f.queue(circuitOne).CompletedContributions)
}

func TestStepsMoveForward(t *testing.T) {
	f := newFixture(t, nil)
	ctx := as("A")
	a := f.request("A")

	require.NoError(t, f.sched.AdvanceStep(ctx, a.Attempt.ID, ceremony.Computing))
	require.NoError(t, f.sched.AdvanceStep(ctx, a.Attempt.ID, ceremony.Computing))
	err := f.sched.AdvanceStep(ctx, a.Attempt.ID, ceremony.Downloading)
	require.ErrorIs(t, err, ceremony.ErrInvalidStateTransition)
	err = f.sched.AdvanceStep(ctx, a.Attempt.ID, ceremony.StepCompleted)
	require.ErrorIs(t, err, ceremony.ErrInvalidStateTransition)
	err = f.sched.AdvanceStep(as("B"), a.Attempt.ID, ceremony.StepUploading)
	require.ErrorIs(t, err, ceremony.ErrAuthorization)

	err = f.sched.DeclareContribution(ctx, a.Attempt.ID, []byte("short"), 0)
	require.ErrorIs(t, err, ceremony.ErrInvalidStateTransition)

	f.storage.PutObject("semaphore-ph2", a.PredecessorKey, []byte("genesis"))
	d, err := f.sched.AuthorizeDownload(ctx, a.Attempt.ID)
	require.NoError(t, err)
	require.Equal(t, a.PredecessorKey, d.Key)
	require.NotEmpty(t, d.URL)
}

func TestEligibility(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.sched.CheckEligibility(context.Background(), ceremonyID)
	require.ErrorIs(t, err, ceremony.ErrAuthorization)
	_, err = f.sched.RequestNextCircuit(context.Background(), ceremonyID)
	require.ErrorIs(t, err, ceremony.ErrAuthorization)

	ok, err := f.sched.CheckEligibility(as("A"), ceremonyID)
	require.NoError(t, err)
	require.True(t, ok)
	p, err := f.sched.Participant(as("A"), ceremonyID)
	require.NoError(t, err)
	require.Equal(t, ceremony.Waiting, p.Status)

	_, err = f.sched.CheckEligibility(as("A"), "unknown")
	require.ErrorIs(t, err, ceremony.ErrNotFound)
}

func TestFinalizeCeremony(t *testing.T) {
	f := newFixture(t, nil)
	a := f.request("A")
	f.request("B")

	err := f.sched.FinalizeCeremony(as("A"), ceremonyID)
	require.ErrorIs(t, err, ceremony.ErrAuthorization)

	require.NoError(t, f.sched.FinalizeCeremony(as(coordinator), ceremonyID))
	require.Equal(t, ceremony.Evicted, f.attempt(a.Attempt.ID).State)
	for _, id := range []string{circuitOne, circuitTwo} {
		q := f.queue(id)
		require.True(t, q.Complete)
		require.Empty(t, q.Contributors)
		require.Empty(t, q.CurrentContributor)
	}
	cer, err := f.store.Ceremony(context.Background(), ceremonyID)
	require.NoError(t, err)
	require.Equal(t, ceremony.Finalized, cer.State)

	// no penalty for a finalization
	pa, err := f.store.Participant(context.Background(), ceremonyID, "A")
	require.NoError(t, err)
	require.True(t, pa.BlockedUntil.IsZero())

	_, err = f.sched.RequestNextCircuit(as("B"), ceremonyID)
	require.ErrorIs(t, err, ceremony.ErrAuthorization)
	require.NoError(t, f.sched.FinalizeCeremony(as(coordinator), ceremonyID))
	opened, err := f.sched.Ceremonies(context.Background())
	require.NoError(t, err)
	require.Empty(t, opened)
}

func TestAdvanceLifecycle(t *testing.T) {
	f := newFixture(t, func(c *ceremony.Ceremony) {
		c.State = ceremony.Scheduled
		c.StartDate = start.Add(time.Hour)
		c.EndDate = start.Add(time.Hour + 5*time.Minute)
	})
	ctx := context.Background()

	n, err := f.sched.AdvanceLifecycle(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
	ok, err := f.sched.CheckEligibility(as("A"), ceremonyID)
	require.NoError(t, err)
	require.False(t, ok)

	f.clock.Advance(time.Hour)
	n, err = f.sched.AdvanceLifecycle(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	a := f.request("A")
	require.True(t, a.Locked())

	f.clock.Advance(5 * time.Minute)
	n, err = f.sched.AdvanceLifecycle(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	cer, err := f.store.Ceremony(ctx, ceremonyID)
	require.NoError(t, err)
	require.Equal(t, ceremony.Closed, cer.State)

	// the running attempt may still finish once closed
	res, err := f.contribute("A", a, []byte("late but locked"))
	require.NoError(t, err)
	require.True(t, res.Valid())
	_, err = f.sched.RequestNextCircuit(as("A"), ceremonyID)
	require.ErrorIs(t, err, ceremony.ErrAuthorization)
}

func TestReconcileAfterRestart(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	a := f.request("A")
	f.request("B")
	f.sched.Stop()

	// the process is down past the deadline of A
	f.clock.Advance(window + time.Minute)
	f.start()
	require.NoError(t, f.sched.Reconcile(ctx))

	f.waitFor(func() bool { return f.queue(circuitOne).CurrentContributor == "B" })
	require.Equal(t, ceremony.Evicted, f.attempt(a.Attempt.ID).State)
	f.granted("B")
	b := f.request("B")
	require.True(t, b.Locked())

	// a lock whose attempt record was lost is rebuilt and supervised
	q := f.queue(circuitTwo)
	next := q.Clone()
	next.CurrentContributor = "C"
	next.AttemptID = "orphan-lock"
	next.LockedAt = f.clock.Now()
	next.ExpiresAt = f.clock.Now().Add(window)
	ok, err := f.store.WriteQueueConditional(ctx, q, next)
	require.NoError(t, err)
	require.True(t, ok)

	f.sched.Stop()
	f.start()
	require.NoError(t, f.sched.Reconcile(ctx))
	rebuilt := f.attempt("orphan-lock")
	require.Equal(t, "C", rebuilt.ContributorID)
	require.Equal(t, ceremony.Locked, rebuilt.State)
	lock, armed := f.sched.Monitor().Armed(circuitTwo)
	require.True(t, armed)
	require.Equal(t, "orphan-lock", lock.AttemptID)
}
