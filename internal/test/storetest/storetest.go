// Package storetest holds the behaviour every ceremony.Store backend must share.
package storetest

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/drand/ceremony/internal/ceremony"
)

// Run exercises a store created by newStore. Each subtest gets a fresh store.
func Run(t *testing.T, newStore func(t *testing.T) ceremony.Store) {
	t.Run("ceremonies", func(t *testing.T) { testCeremonies(t, newStore(t)) })
	t.Run("circuits", func(t *testing.T) { testCircuits(t, newStore(t)) })
	t.Run("queue", func(t *testing.T) { testQueue(t, newStore(t)) })
	t.Run("queueRace", func(t *testing.T) { testQueueRace(t, newStore(t)) })
	t.Run("contributions", func(t *testing.T) { testContributions(t, newStore(t)) })
	t.Run("participants", func(t *testing.T) { testParticipants(t, newStore(t)) })
	t.Run("attempts", func(t *testing.T) { testAttempts(t, newStore(t)) })
	t.Run("sessions", func(t *testing.T) { testSessions(t, newStore(t)) })
}

// Fixture returns a ceremony with two circuits, in reverse sequence order.
func Fixture() (*ceremony.Ceremony, []*ceremony.Circuit) {
	start := time.Date(2022, 6, 1, 0, 0, 0, 0, time.UTC)
	c := &ceremony.Ceremony{
		ID:          "cer-1",
		Prefix:      "semaphore",
		Title:       "Semaphore",
		Coordinator: "coordinator",
		State:       ceremony.Opened,
		StartDate:   start,
		EndDate:     start.Add(30 * 24 * time.Hour),
		Timeout: ceremony.TimeoutPolicy{
			Mechanism: ceremony.Fixed,
			Duration:  10 * time.Minute,
		},
		Penalty:               time.Hour,
		RequiredContributions: 2,
		RejectPolicy:          ceremony.RequeueBack,
		VerificationWindow:    time.Minute,
	}
	circuits := []*ceremony.Circuit{
		{ID: "circ-2", CeremonyID: c.ID, Prefix: "semaphore-32", Name: "Semaphore 32", SequencePosition: 2,
			Metadata: ceremony.CircuitMetadata{Curve: "bn128", Constraints: 1000, Wires: 1010}},
		{ID: "circ-1", CeremonyID: c.ID, Prefix: "semaphore-16", Name: "Semaphore 16", SequencePosition: 1,
			Metadata: ceremony.CircuitMetadata{Curve: "bn128", Constraints: 500, Wires: 505}},
	}
	return c, circuits
}

func seed(t *testing.T, s ceremony.Store) (*ceremony.Ceremony, []*ceremony.Circuit) {
	t.Helper()
	ctx := context.Background()
	c, circuits := Fixture()
	require.NoError(t, s.PutCeremony(ctx, c))
	for _, circ := range circuits {
		require.NoError(t, s.PutCircuit(ctx, circ))
	}
	return c, circuits
}

func testCeremonies(t *testing.T, s ceremony.Store) {
	ctx := context.Background()
	c, _ := seed(t, s)

	got, err := s.Ceremony(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, c.Title, got.Title)
	require.Equal(t, ceremony.Opened, got.State)
	require.True(t, c.StartDate.Equal(got.StartDate))
	require.Equal(t, c.Timeout, got.Timeout)

	_, err = s.Ceremony(ctx, "nope")
	require.ErrorIs(t, err, ceremony.ErrNotFound)

	require.NoError(t, s.UpdateCeremony(ctx, c.ID, func(c *ceremony.Ceremony) error {
		c.State = ceremony.Closed
		return nil
	}))
	all, err := s.Ceremonies(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.Equal(t, ceremony.Closed, all[0].State)
}

func testCircuits(t *testing.T, s ceremony.Store) {
	ctx := context.Background()
	c, _ := seed(t, s)

	circuits, err := s.Circuits(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, circuits, 2)
	require.Equal(t, "circ-1", circuits[0].ID)
	require.Equal(t, "circ-2", circuits[1].ID)

	require.NoError(t, s.UpdateCircuit(ctx, "circ-1", func(c *ceremony.Circuit) error {
		c.AvgTimings = c.AvgTimings.Add(time.Minute, 2*time.Minute, time.Second)
		return nil
	}))
	got, err := s.Circuit(ctx, "circ-1")
	require.NoError(t, err)
	require.Equal(t, uint64(1), got.AvgTimings.Samples)
	require.Equal(t, 2*time.Minute, got.AvgTimings.FullContribution)

	empty, err := s.Circuits(ctx, "other")
	require.NoError(t, err)
	require.Empty(t, empty)
}

func testQueue(t *testing.T, s ceremony.Store) {
	ctx := context.Background()
	seed(t, s)

	q, err := s.ReadQueue(ctx, "circ-1")
	require.NoError(t, err)
	require.Empty(t, q.CurrentContributor)
	require.Zero(t, q.Version)

	next := q.Clone()
	next.Contributors = append(next.Contributors, "alice", "bob")
	ok, err := s.WriteQueueConditional(ctx, q, next)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(1), next.Version)

	// a writer holding the old version loses
	stale := q.Clone()
	stale.Contributors = []string{"mallory"}
	ok, err = s.WriteQueueConditional(ctx, q, stale)
	require.NoError(t, err)
	require.False(t, ok)

	got, err := s.ReadQueue(ctx, "circ-1")
	require.NoError(t, err)
	require.Equal(t, []string{"alice", "bob"}, got.Contributors)
	require.Equal(t, uint64(1), got.Version)

	// PutCircuit again keeps the existing queue
	_, circuits := Fixture()
	require.NoError(t, s.PutCircuit(ctx, circuits[1]))
	got, err = s.ReadQueue(ctx, "circ-1")
	require.NoError(t, err)
	require.Equal(t, []string{"alice", "bob"}, got.Contributors)
}

func testQueueRace(t *testing.T, s ceremony.Store) {
	ctx := context.Background()
	seed(t, s)
	q, err := s.ReadQueue(ctx, "circ-1")
	require.NoError(t, err)

	const n = 8
	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			next := q.Clone()
			next.CurrentContributor = string(rune('a' + i))
			ok, err := s.WriteQueueConditional(ctx, q, next)
			if err == nil && ok {
				atomic.AddInt32(&wins, 1)
			}
		}(i)
	}
	wg.Wait()
	require.Equal(t, int32(1), wins)
}

func testContributions(t *testing.T, s ceremony.Store) {
	ctx := context.Background()
	seed(t, s)
	for i, who := range []string{"alice", "bob"} {
		require.NoError(t, s.AppendContribution(ctx, &ceremony.Contribution{
			CircuitID:     "circ-1",
			Index:         uint64(i),
			ContributorID: who,
			Hash:          []byte{byte(i), 0xff},
			Verification:  ceremony.Valid,
		}))
	}
	got, err := s.Contributions(ctx, "circ-1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "alice", got[0].ContributorID)
	require.Equal(t, "bob", got[1].ContributorID)
	require.Equal(t, []byte{1, 0xff}, got[1].Hash)
	require.Equal(t, ceremony.Valid, got[1].Verification)

	none, err := s.Contributions(ctx, "circ-2")
	require.NoError(t, err)
	require.Empty(t, none)
}

func testParticipants(t *testing.T, s ceremony.Store) {
	ctx := context.Background()
	_, err := s.Participant(ctx, "cer-1", "alice")
	require.ErrorIs(t, err, ceremony.ErrNotFound)

	blocked := time.Date(2022, 6, 2, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.UpdateParticipant(ctx, "cer-1", "alice", func(p *ceremony.Participant) error {
		require.Equal(t, ceremony.Waiting, p.Status)
		p.Status = ceremony.TimedOut
		p.BlockedUntil = blocked
		p.Timeouts = append(p.Timeouts, ceremony.TimeoutRecord{CircuitID: "circ-1", End: blocked})
		return nil
	}))
	p, err := s.Participant(ctx, "cer-1", "alice")
	require.NoError(t, err)
	require.Equal(t, ceremony.TimedOut, p.Status)
	require.True(t, blocked.Equal(p.BlockedUntil))
	require.Len(t, p.Timeouts, 1)

	// same id in another ceremony is another participant
	_, err = s.Participant(ctx, "cer-2", "alice")
	require.ErrorIs(t, err, ceremony.ErrNotFound)
}

func testAttempts(t *testing.T, s ceremony.Store) {
	ctx := context.Background()
	now := time.Date(2022, 6, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, s.PutAttempt(ctx, &ceremony.Attempt{ID: "a1", CircuitID: "circ-1", ContributorID: "alice", AcquiredAt: now}))
	require.NoError(t, s.PutAttempt(ctx, &ceremony.Attempt{ID: "a2", CircuitID: "circ-2", ContributorID: "bob", AcquiredAt: now.Add(time.Minute)}))

	active, err := s.ActiveAttempts(ctx)
	require.NoError(t, err)
	require.Len(t, active, 2)

	require.NoError(t, s.UpdateAttempt(ctx, "a1", func(a *ceremony.Attempt) error {
		a.State = ceremony.Evicted
		return nil
	}))
	active, err = s.ActiveAttempts(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	require.Equal(t, "a2", active[0].ID)

	err = s.UpdateAttempt(ctx, "zz", func(*ceremony.Attempt) error { return nil })
	require.ErrorIs(t, err, ceremony.ErrNotFound)
}

func testSessions(t *testing.T, s ceremony.Store) {
	ctx := context.Background()
	us := &ceremony.UploadSession{
		ID:        "s1",
		AttemptID: "a1",
		Bucket:    "semaphore-ph2",
		Key:       "circuits/semaphore-16/contributions/semaphore-16_00001.zkey",
		TotalSize: 10,
		ChunkSize: 4,
		Parts:     []ceremony.Part{{Index: 0, Size: 4}, {Index: 1, Offset: 4, Size: 4}, {Index: 2, Offset: 8, Size: 2}},
	}
	require.NoError(t, s.PutSession(ctx, us))
	require.NoError(t, s.UpdateSession(ctx, "s1", func(us *ceremony.UploadSession) error {
		us.Parts[1].Tag = "etag-1"
		us.State = ceremony.SessionInProgress
		return nil
	}))
	got, err := s.Session(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, ceremony.SessionInProgress, got.State)
	require.Equal(t, []int{0, 2}, got.Missing())
	require.Nil(t, got.Location)
}
