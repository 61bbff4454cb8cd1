// Package memdb is an in-memory ceremony.Store. It serializes every write
// behind a single mutex and is meant for tests and single process demos.
package memdb

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/drand/ceremony/internal/ceremony"
)

// Store keeps encoded records so callers never share memory with it.
type Store struct {
	mu            sync.Mutex
	ceremonies    map[string][]byte
	circuits      map[string][]byte
	queues        map[string][]byte
	contributions map[string][][]byte
	participants  map[string][]byte
	attempts      map[string][]byte
	sessions      map[string][]byte
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{
		ceremonies:    make(map[string][]byte),
		circuits:      make(map[string][]byte),
		queues:        make(map[string][]byte),
		contributions: make(map[string][][]byte),
		participants:  make(map[string][]byte),
		attempts:      make(map[string][]byte),
		sessions:      make(map[string][]byte),
	}
}

func get[T any](m map[string][]byte, kind, id string) (*T, error) {
	b, ok := m[id]
	if !ok {
		return nil, fmt.Errorf("%s %s: %w", kind, id, ceremony.ErrNotFound)
	}
	v := new(T)
	return v, ceremony.Decode(b, v)
}

func put(m map[string][]byte, id string, v interface{}) error {
	b, err := ceremony.Encode(v)
	if err != nil {
		return err
	}
	m[id] = b
	return nil
}

func update[T any](m map[string][]byte, kind, id string, fn func(*T) error) error {
	v, err := get[T](m, kind, id)
	if err != nil {
		return err
	}
	if err := fn(v); err != nil {
		return err
	}
	return put(m, id, v)
}

func (s *Store) PutCeremony(_ context.Context, c *ceremony.Ceremony) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return put(s.ceremonies, c.ID, c)
}

func (s *Store) Ceremony(_ context.Context, id string) (*ceremony.Ceremony, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return get[ceremony.Ceremony](s.ceremonies, "ceremony", id)
}

func (s *Store) Ceremonies(_ context.Context) ([]*ceremony.Ceremony, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*ceremony.Ceremony, 0, len(s.ceremonies))
	for id := range s.ceremonies {
		c, err := get[ceremony.Ceremony](s.ceremonies, "ceremony", id)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) UpdateCeremony(_ context.Context, id string, fn func(*ceremony.Ceremony) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return update(s.ceremonies, "ceremony", id, fn)
}

func (s *Store) PutCircuit(_ context.Context, c *ceremony.Circuit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := put(s.circuits, c.ID, c); err != nil {
		return err
	}
	if _, ok := s.queues[c.ID]; ok {
		return nil
	}
	return put(s.queues, c.ID, ceremony.NewQueue(c.ID))
}

func (s *Store) Circuit(_ context.Context, id string) (*ceremony.Circuit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return get[ceremony.Circuit](s.circuits, "circuit", id)
}

func (s *Store) Circuits(_ context.Context, ceremonyID string) ([]*ceremony.Circuit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*ceremony.Circuit
	for id := range s.circuits {
		c, err := get[ceremony.Circuit](s.circuits, "circuit", id)
		if err != nil {
			return nil, err
		}
		if c.CeremonyID == ceremonyID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SequencePosition < out[j].SequencePosition })
	return out, nil
}

func (s *Store) UpdateCircuit(_ context.Context, id string, fn func(*ceremony.Circuit) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return update(s.circuits, "circuit", id, fn)
}

func (s *Store) ReadQueue(_ context.Context, circuitID string) (*ceremony.WaitingQueue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return get[ceremony.WaitingQueue](s.queues, "queue", circuitID)
}

func (s *Store) WriteQueueConditional(_ context.Context, prev, next *ceremony.WaitingQueue) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, err := get[ceremony.WaitingQueue](s.queues, "queue", prev.CircuitID)
	if err != nil {
		return false, err
	}
	if !ceremony.Conditional(stored, prev) {
		return false, nil
	}
	next.Version = prev.Version + 1
	return true, put(s.queues, prev.CircuitID, next)
}

func (s *Store) AppendContribution(_ context.Context, c *ceremony.Contribution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, err := ceremony.Encode(c)
	if err != nil {
		return err
	}
	s.contributions[c.CircuitID] = append(s.contributions[c.CircuitID], b)
	return nil
}

func (s *Store) Contributions(_ context.Context, circuitID string) ([]*ceremony.Contribution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	records := s.contributions[circuitID]
	out := make([]*ceremony.Contribution, 0, len(records))
	for _, b := range records {
		c := new(ceremony.Contribution)
		if err := ceremony.Decode(b, c); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

func participantKey(ceremonyID, id string) string {
	return ceremonyID + "/" + id
}

func (s *Store) Participant(_ context.Context, ceremonyID, id string) (*ceremony.Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return get[ceremony.Participant](s.participants, "participant", participantKey(ceremonyID, id))
}

func (s *Store) UpdateParticipant(_ context.Context, ceremonyID, id string, fn func(*ceremony.Participant) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := participantKey(ceremonyID, id)
	if _, ok := s.participants[key]; !ok {
		if err := put(s.participants, key, ceremony.NewParticipant(ceremonyID, id)); err != nil {
			return err
		}
	}
	return update(s.participants, "participant", key, fn)
}

func (s *Store) PutAttempt(_ context.Context, a *ceremony.Attempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return put(s.attempts, a.ID, a)
}

func (s *Store) Attempt(_ context.Context, id string) (*ceremony.Attempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return get[ceremony.Attempt](s.attempts, "attempt", id)
}

func (s *Store) UpdateAttempt(_ context.Context, id string, fn func(*ceremony.Attempt) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return update(s.attempts, "attempt", id, fn)
}

func (s *Store) ActiveAttempts(_ context.Context) ([]*ceremony.Attempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*ceremony.Attempt
	for id := range s.attempts {
		a, err := get[ceremony.Attempt](s.attempts, "attempt", id)
		if err != nil {
			return nil, err
		}
		if !a.State.Terminal() {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AcquiredAt.Before(out[j].AcquiredAt) })
	return out, nil
}

func (s *Store) PutSession(_ context.Context, us *ceremony.UploadSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return put(s.sessions, us.ID, us)
}

func (s *Store) Session(_ context.Context, id string) (*ceremony.UploadSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return get[ceremony.UploadSession](s.sessions, "session", id)
}

func (s *Store) UpdateSession(_ context.Context, id string, fn func(*ceremony.UploadSession) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return update(s.sessions, "session", id, fn)
}

func (s *Store) Close() error {
	return nil
}
