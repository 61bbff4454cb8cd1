// Package timeout supervises lock deadlines and evicts contributors whose
// window elapsed.
package timeout

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/jonboulle/clockwork"

	"github.com/drand/ceremony/common/log"
	"github.com/drand/ceremony/internal/ceremony"
)

// expiredCacheSize bounds the set of remembered expired attempts.
const expiredCacheSize = 4096

// EvictFunc is called once per expired lock.
type EvictFunc func(ctx context.Context, lock ceremony.Lock)

type entry struct {
	lock ceremony.Lock
	stop chan struct{}
}

// Monitor runs one timer per locked circuit.
type Monitor struct {
	clock clockwork.Clock
	evict EvictFunc
	log   log.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	timers  map[string]*entry
	expired *lru.Cache
}

// NewMonitor returns a monitor calling evict when a deadline passes.
func NewMonitor(clock clockwork.Clock, evict EvictFunc, l log.Logger) *Monitor {
	expired, err := lru.New(expiredCacheSize)
	if err != nil {
		panic(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Monitor{
		clock:   clock,
		evict:   evict,
		log:     l.Named("timeout"),
		ctx:     ctx,
		cancel:  cancel,
		timers:  make(map[string]*entry),
		expired: expired,
	}
}

// Arm starts the timer of lock, replacing any timer of the same circuit. It
// returns false, and does nothing, when the attempt already expired.
func (m *Monitor) Arm(lock ceremony.Lock) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.expired.Contains(lock.AttemptID) {
		m.log.Debugw("refusing to re-arm expired attempt", "circuit", lock.CircuitID, "attempt", lock.AttemptID)
		return false
	}
	if old, ok := m.timers[lock.CircuitID]; ok {
		if old.lock.AttemptID == lock.AttemptID && old.lock.ExpiresAt.Equal(lock.ExpiresAt) {
			return true
		}
		close(old.stop)
	}
	e := &entry{lock: lock, stop: make(chan struct{})}
	m.timers[lock.CircuitID] = e

	d := lock.ExpiresAt.Sub(m.clock.Now())
	var fire <-chan time.Time
	if d > 0 {
		fire = m.clock.After(d)
	}
	m.wg.Add(1)
	go m.wait(e, fire)
	m.log.Debugw("timer armed", "circuit", lock.CircuitID, "attempt", lock.AttemptID, "in", d)
	return true
}

// wait blocks until fire delivers, a nil fire meaning already expired.
func (m *Monitor) wait(e *entry, fire <-chan time.Time) {
	defer m.wg.Done()
	if fire != nil {
		select {
		case <-fire:
		case <-e.stop:
			return
		case <-m.ctx.Done():
			return
		}
	}
	if !m.take(e) {
		return
	}
	m.log.Infow("lock expired", "circuit", e.lock.CircuitID, "attempt", e.lock.AttemptID, "contributor", e.lock.ContributorID)
	m.evict(m.ctx, e.lock)
}

// take removes e if it is still the current timer of its circuit and marks
// its attempt expired. Only one caller can win.
func (m *Monitor) take(e *entry) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.timers[e.lock.CircuitID] != e {
		return false
	}
	delete(m.timers, e.lock.CircuitID)
	m.expired.Add(e.lock.AttemptID, struct{}{})
	return true
}

// Disarm stops the timer of an attempt that reached a terminal state.
func (m *Monitor) Disarm(circuitID, attemptID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.timers[circuitID]; ok && e.lock.AttemptID == attemptID {
		close(e.stop)
		delete(m.timers, circuitID)
	}
}

// Expire records that an attempt was evicted outside of the monitor, so its
// timer stops and can never be armed again.
func (m *Monitor) Expire(circuitID, attemptID string) {
	m.Disarm(circuitID, attemptID)
	m.mu.Lock()
	m.expired.Add(attemptID, struct{}{})
	m.mu.Unlock()
}

// Expired reports whether the attempt expired.
func (m *Monitor) Expired(attemptID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.expired.Contains(attemptID)
}

// Armed returns the lock whose timer runs on a circuit.
func (m *Monitor) Armed(circuitID string) (ceremony.Lock, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.timers[circuitID]
	if !ok {
		return ceremony.Lock{}, false
	}
	return e.lock, true
}

// Reconcile arms the locks found in the store after a restart. Locks whose
// deadline already passed are evicted right away.
func (m *Monitor) Reconcile(locks []ceremony.Lock) {
	now := m.clock.Now()
	for _, l := range locks {
		if !l.ExpiresAt.After(now) {
			m.log.Infow("evicting lock expired while down", "circuit", l.CircuitID, "attempt", l.AttemptID)
		}
		m.Arm(l)
	}
}

// Stop cancels every timer and waits for running evictions to return.
func (m *Monitor) Stop() {
	m.cancel()
	m.wg.Wait()
}
