package ceremony

import (
	"context"
	"fmt"
	"sort"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"github.com/drand/ceremony/common/log"
)

// DefaultRegistryCacheSize is the number of ceremonies whose circuits are cached.
const DefaultRegistryCacheSize = 64

// Registry is the read side of the ceremony catalog. Circuit definitions are
// cached per ceremony; queues are always read from the store.
type Registry struct {
	store Store
	cache *lru.Cache
	log   log.Logger
}

// CircuitView is a circuit together with the current state of its queue.
type CircuitView struct {
	Circuit *Circuit
	Queue   *WaitingQueue
}

// NewRegistry returns a registry over s caching up to size ceremonies.
func NewRegistry(s Store, size int, l log.Logger) (*Registry, error) {
	if size <= 0 {
		size = DefaultRegistryCacheSize
	}
	cache, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &Registry{store: s, cache: cache, log: l}, nil
}

// Ceremony returns the ceremony with the given id.
func (r *Registry) Ceremony(ctx context.Context, id string) (*Ceremony, error) {
	return r.store.Ceremony(ctx, id)
}

// OpenedCeremonies returns the ceremonies accepting participants at now.
func (r *Registry) OpenedCeremonies(ctx context.Context, now time.Time) ([]*Ceremony, error) {
	all, err := r.store.Ceremonies(ctx)
	if err != nil {
		return nil, err
	}
	var out []*Ceremony
	for _, c := range all {
		if c.IsOpenAt(now) {
			out = append(out, c)
		}
	}
	return out, nil
}

// Circuits returns the circuits of a ceremony ordered by sequence position.
func (r *Registry) Circuits(ctx context.Context, ceremonyID string) ([]*Circuit, error) {
	if v, ok := r.cache.Get(ceremonyID); ok {
		return v.([]*Circuit), nil
	}
	circuits, err := r.store.Circuits(ctx, ceremonyID)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(circuits, func(i, j int) bool {
		return circuits[i].SequencePosition < circuits[j].SequencePosition
	})
	if len(circuits) > 0 {
		r.cache.Add(ceremonyID, circuits)
	}
	return circuits, nil
}

// Circuit returns a single circuit of a ceremony.
func (r *Registry) Circuit(ctx context.Context, ceremonyID, circuitID string) (*Circuit, error) {
	circuits, err := r.Circuits(ctx, ceremonyID)
	if err != nil {
		return nil, err
	}
	for _, c := range circuits {
		if c.ID == circuitID {
			return c, nil
		}
	}
	return nil, fmt.Errorf("circuit %s of ceremony %s: %w", circuitID, ceremonyID, ErrNotFound)
}

// CircuitViews returns every circuit of a ceremony with its queue.
func (r *Registry) CircuitViews(ctx context.Context, ceremonyID string) ([]CircuitView, error) {
	circuits, err := r.Circuits(ctx, ceremonyID)
	if err != nil {
		return nil, err
	}
	views := make([]CircuitView, 0, len(circuits))
	for _, c := range circuits {
		q, err := r.store.ReadQueue(ctx, c.ID)
		if err != nil {
			return nil, fmt.Errorf("reading queue of %s: %w", c.ID, err)
		}
		views = append(views, CircuitView{Circuit: c, Queue: q})
	}
	return views, nil
}

// Invalidate drops the cached circuits of a ceremony.
func (r *Registry) Invalidate(ceremonyID string) {
	r.cache.Remove(ceremonyID)
	r.log.Debugw("registry cache invalidated", "ceremony", ceremonyID)
}

// NextCircuitForContribution returns the circuit at the given 1-based
// sequence position.
func NextCircuitForContribution(circuits []*Circuit, position uint64) (*Circuit, error) {
	for _, c := range circuits {
		if c.SequencePosition == position {
			return c, nil
		}
	}
	return nil, fmt.Errorf("no circuit at position %d: %w", position, ErrNotFound)
}
