package ceremony

import (
	"context"
)

// Store is the metadata store of the coordinator. Implementations must make
// WriteQueueConditional and every Update* call atomic with respect to
// concurrent callers on the same record. Records returned by getters are
// copies owned by the caller.
//
//nolint:interfacebloat
type Store interface {
	PutCeremony(ctx context.Context, c *Ceremony) error
	Ceremony(ctx context.Context, id string) (*Ceremony, error)
	Ceremonies(ctx context.Context) ([]*Ceremony, error)
	UpdateCeremony(ctx context.Context, id string, fn func(*Ceremony) error) error

	// PutCircuit stores a circuit and creates its empty waiting queue if it
	// has none yet.
	PutCircuit(ctx context.Context, c *Circuit) error
	Circuit(ctx context.Context, id string) (*Circuit, error)
	// Circuits returns the circuits of a ceremony ordered by sequence position.
	Circuits(ctx context.Context, ceremonyID string) ([]*Circuit, error)
	UpdateCircuit(ctx context.Context, id string, fn func(*Circuit) error) error

	ReadQueue(ctx context.Context, circuitID string) (*WaitingQueue, error)
	// WriteQueueConditional stores next only if the persisted queue still has
	// the holder and version of prev. It reports false, without error, when
	// another writer got there first. On success next.Version is prev.Version+1.
	WriteQueueConditional(ctx context.Context, prev, next *WaitingQueue) (bool, error)

	AppendContribution(ctx context.Context, c *Contribution) error
	// Contributions returns the records of a circuit in insertion order.
	Contributions(ctx context.Context, circuitID string) ([]*Contribution, error)

	Participant(ctx context.Context, ceremonyID, id string) (*Participant, error)
	// UpdateParticipant runs fn on the stored participant, or on a fresh
	// Waiting participant when none exists, and stores the result.
	UpdateParticipant(ctx context.Context, ceremonyID, id string, fn func(*Participant) error) error

	PutAttempt(ctx context.Context, a *Attempt) error
	Attempt(ctx context.Context, id string) (*Attempt, error)
	UpdateAttempt(ctx context.Context, id string, fn func(*Attempt) error) error
	// ActiveAttempts returns every attempt not yet in a terminal state.
	ActiveAttempts(ctx context.Context) ([]*Attempt, error)

	PutSession(ctx context.Context, s *UploadSession) error
	Session(ctx context.Context, id string) (*UploadSession, error)
	UpdateSession(ctx context.Context, id string, fn func(*UploadSession) error) error

	Close() error
}

// NewParticipant returns the record of a participant seen for the first time.
func NewParticipant(ceremonyID, id string) *Participant {
	return &Participant{
		ID:         id,
		CeremonyID: ceremonyID,
		Status:     Waiting,
	}
}

// NewQueue returns the idle queue of a freshly registered circuit.
func NewQueue(circuitID string) *WaitingQueue {
	return &WaitingQueue{CircuitID: circuitID}
}

// Conditional reports whether stored still matches the holder and version a
// writer read in prev. Store implementations share this check.
func Conditional(stored, prev *WaitingQueue) bool {
	return stored.CurrentContributor == prev.CurrentContributor &&
		stored.AttemptID == prev.AttemptID &&
		stored.Version == prev.Version
}
