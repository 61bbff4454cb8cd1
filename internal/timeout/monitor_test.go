package timeout

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/drand/ceremony/internal/ceremony"
	"github.com/drand/ceremony/internal/test/testlogger"
)

type recorder struct {
	mu      sync.Mutex
	evicted []ceremony.Lock
	ch      chan ceremony.Lock
}

func newRecorder() *recorder {
	return &recorder{ch: make(chan ceremony.Lock, 16)}
}

func (r *recorder) evict(_ context.Context, l ceremony.Lock) {
	r.mu.Lock()
	r.evicted = append(r.evicted, l)
	r.mu.Unlock()
	r.ch <- l
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.evicted)
}

func (r *recorder) wait(t *testing.T) ceremony.Lock {
	t.Helper()
	select {
	case l := <-r.ch:
		return l
	case <-time.After(5 * time.Second):
		t.Fatal("eviction never happened")
		return ceremony.Lock{}
	}
}

func (r *recorder) none(t *testing.T) {
	t.Helper()
	select {
	case l := <-r.ch:
		t.Fatalf("unexpected eviction of %s", l.AttemptID)
	case <-time.After(50 * time.Millisecond):
	}
}

func lockAt(clock clockwork.Clock, circuit, attempt string, d time.Duration) ceremony.Lock {
	now := clock.Now()
	return ceremony.Lock{CircuitID: circuit, ContributorID: "alice", AttemptID: attempt, AcquiredAt: now, ExpiresAt: now.Add(d)}
}

func TestMonitorFiresOnce(t *testing.T) {
	clock := clockwork.NewFakeClock()
	rec := newRecorder()
	m := NewMonitor(clock, rec.evict, testlogger.New(t))
	defer m.Stop()

	require.True(t, m.Arm(lockAt(clock, "c1", "a1", time.Minute)))
	clock.Advance(59 * time.Second)
	rec.none(t)

	clock.Advance(time.Second)
	l := rec.wait(t)
	require.Equal(t, "a1", l.AttemptID)
	require.True(t, m.Expired("a1"))
	_, armed := m.Armed("c1")
	require.False(t, armed)

	// a late heartbeat cannot re-arm it
	require.False(t, m.Arm(lockAt(clock, "c1", "a1", time.Minute)))
	clock.Advance(time.Hour)
	rec.none(t)
	require.Equal(t, 1, rec.count())
}

func TestMonitorDisarm(t *testing.T) {
	clock := clockwork.NewFakeClock()
	rec := newRecorder()
	m := NewMonitor(clock, rec.evict, testlogger.New(t))
	defer m.Stop()

	m.Arm(lockAt(clock, "c1", "a1", time.Minute))
	m.Disarm("c1", "other")
	_, armed := m.Armed("c1")
	require.True(t, armed)

	m.Disarm("c1", "a1")
	clock.Advance(2 * time.Minute)
	rec.none(t)
	require.False(t, m.Expired("a1"))
}

func TestMonitorReplace(t *testing.T) {
	clock := clockwork.NewFakeClock()
	rec := newRecorder()
	m := NewMonitor(clock, rec.evict, testlogger.New(t))
	defer m.Stop()

	m.Arm(lockAt(clock, "c1", "a1", time.Minute))
	// same circuit, next holder
	m.Arm(lockAt(clock, "c1", "a2", 3*time.Minute))
	clock.Advance(2 * time.Minute)
	rec.none(t)

	clock.Advance(time.Minute)
	require.Equal(t, "a2", rec.wait(t).AttemptID)

	// extending the same attempt moves its deadline
	m.Arm(lockAt(clock, "c2", "b1", time.Minute))
	m.Arm(lockAt(clock, "c2", "b1", 5*time.Minute))
	clock.Advance(2 * time.Minute)
	rec.none(t)
	clock.Advance(3 * time.Minute)
	require.Equal(t, "b1", rec.wait(t).AttemptID)
}

func TestMonitorIndependentCircuits(t *testing.T) {
	clock := clockwork.NewFakeClock()
	rec := newRecorder()
	m := NewMonitor(clock, rec.evict, testlogger.New(t))
	defer m.Stop()

	m.Arm(lockAt(clock, "c1", "a1", time.Minute))
	m.Arm(lockAt(clock, "c2", "a2", 2*time.Minute))
	clock.Advance(time.Minute)
	require.Equal(t, "a1", rec.wait(t).AttemptID)
	_, armed := m.Armed("c2")
	require.True(t, armed)
	clock.Advance(time.Minute)
	require.Equal(t, "a2", rec.wait(t).AttemptID)
}

func TestMonitorReconcile(t *testing.T) {
	clock := clockwork.NewFakeClock()
	rec := newRecorder()
	m := NewMonitor(clock, rec.evict, testlogger.New(t))
	defer m.Stop()

	stale := lockAt(clock, "c1", "old", -time.Second)
	fresh := lockAt(clock, "c2", "new", time.Minute)
	m.Reconcile([]ceremony.Lock{stale, fresh})

	require.Equal(t, "old", rec.wait(t).AttemptID)
	rec.none(t)
	clock.Advance(time.Minute)
	require.Equal(t, "new", rec.wait(t).AttemptID)
}

func TestMonitorExpire(t *testing.T) {
	clock := clockwork.NewFakeClock()
	rec := newRecorder()
	m := NewMonitor(clock, rec.evict, testlogger.New(t))
	defer m.Stop()

	m.Arm(lockAt(clock, "c1", "a1", time.Minute))
	m.Expire("c1", "a1")
	clock.Advance(time.Hour)
	rec.none(t)
	require.True(t, m.Expired("a1"))
	require.False(t, m.Arm(lockAt(clock, "c1", "a1", time.Minute)))
}

func TestWindow(t *testing.T) {
	fixed := ceremony.TimeoutPolicy{Mechanism: ceremony.Fixed, Duration: 10 * time.Minute}
	dynamic := ceremony.TimeoutPolicy{Mechanism: ceremony.Dynamic, Duration: 10 * time.Minute, Threshold: 50}

	small := &ceremony.Circuit{Metadata: ceremony.CircuitMetadata{Curve: "bn128", Constraints: 1000, Wires: 1000}}
	require.Equal(t, 10*time.Minute, Window(fixed, small))
	require.Equal(t, 10*time.Minute, Window(dynamic, small))
	require.Equal(t, 10*time.Minute, Window(dynamic, nil))

	// 4M wires alone weigh 1GiB, the domain pushes it into the second one
	big := &ceremony.Circuit{Metadata: ceremony.CircuitMetadata{Curve: "bn128", Constraints: 1 << 22, Wires: 1 << 22}}
	require.Equal(t, 20*time.Minute, Window(dynamic, big))

	measured := &ceremony.Circuit{AvgTimings: ceremony.Timings{FullContribution: 20 * time.Minute, Samples: 3}}
	require.Equal(t, 30*time.Minute, Window(dynamic, measured))

	quick := &ceremony.Circuit{AvgTimings: ceremony.Timings{FullContribution: time.Minute, Samples: 3}}
	require.Equal(t, 10*time.Minute, Window(dynamic, quick))
}
