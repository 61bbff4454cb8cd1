package ceremony

import (
	"bytes"
	"fmt"
	"time"
)

// State is the lifecycle state of a ceremony.
type State uint32

const (
	// Scheduled ceremonies exist but do not accept participants yet.
	Scheduled State = iota
	// Opened ceremonies grant locks.
	Opened
	// Closed ceremonies stopped accepting new participants; running
	// attempts may still complete.
	Closed
	// Finalized ceremonies are frozen: every circuit is complete.
	Finalized
)

var stateNames = []string{"Scheduled", "Opened", "Closed", "Finalized"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", uint32(s))
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *State) UnmarshalText(b []byte) error { return parseEnum(b, stateNames, (*uint32)(s)) }

// TimeoutMechanism selects how the lock window of a circuit is computed.
type TimeoutMechanism uint32

const (
	// Dynamic windows follow the measured contribution times of a circuit.
	Dynamic TimeoutMechanism = iota
	// Fixed windows use a constant duration.
	Fixed
)

var mechanismNames = []string{"Dynamic", "Fixed"}

func (m TimeoutMechanism) String() string {
	if int(m) < len(mechanismNames) {
		return mechanismNames[m]
	}
	return fmt.Sprintf("TimeoutMechanism(%d)", uint32(m))
}

func (m TimeoutMechanism) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

func (m *TimeoutMechanism) UnmarshalText(b []byte) error {
	return parseEnum(b, mechanismNames, (*uint32)(m))
}

// RejectPolicy decides where a contributor whose contribution failed
// verification goes.
type RejectPolicy uint32

const (
	// RequeueBack appends the contributor to the waiting list.
	RequeueBack RejectPolicy = iota
	// RequeueFront puts the contributor at the head of the waiting list.
	RequeueFront
	// Remove drops the contributor from the circuit.
	Remove
)

var rejectPolicyNames = []string{"Back", "Front", "Remove"}

func (p RejectPolicy) String() string {
	if int(p) < len(rejectPolicyNames) {
		return rejectPolicyNames[p]
	}
	return fmt.Sprintf("RejectPolicy(%d)", uint32(p))
}

func (p RejectPolicy) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

func (p *RejectPolicy) UnmarshalText(b []byte) error {
	return parseEnum(b, rejectPolicyNames, (*uint32)(p))
}

func parseEnum(b []byte, names []string, out *uint32) error {
	for i, n := range names {
		if bytes.EqualFold(b, []byte(n)) {
			*out = uint32(i)
			return nil
		}
	}
	return fmt.Errorf("unknown value %q, expected one of %v", b, names)
}

// TimeoutPolicy is the penalty/timeout policy of a ceremony.
type TimeoutPolicy struct {
	Mechanism TimeoutMechanism
	// Duration is the fixed window, and the floor of dynamic windows.
	Duration time.Duration
	// Threshold is the percentage added on top of the average contribution
	// time for dynamic windows.
	Threshold uint32
}

// Ceremony is the top level event.
type Ceremony struct {
	ID          string
	Prefix      string
	Title       string
	Description string
	// Coordinator is the identity allowed to finalize the ceremony.
	Coordinator string
	State       State
	StartDate   time.Time
	EndDate     time.Time
	Timeout     TimeoutPolicy
	// Penalty is how long an evicted participant is blocked.
	Penalty time.Duration
	// RequiredContributions per circuit, 0 means unbounded.
	RequiredContributions uint64
	RejectPolicy          RejectPolicy
	// VerificationWindow extends a lock while its contribution verifies.
	VerificationWindow time.Duration
}

// IsOpenAt reports whether the ceremony accepts participants at now.
func (c *Ceremony) IsOpenAt(now time.Time) bool {
	if c.State != Opened {
		return false
	}
	if !c.StartDate.IsZero() && now.Before(c.StartDate) {
		return false
	}
	return c.EndDate.IsZero() || now.Before(c.EndDate)
}

// CircuitMetadata describes the constraint system of a circuit.
type CircuitMetadata struct {
	Curve         string
	Constraints   uint64
	Wires         uint64
	PublicInputs  uint64
	PrivateInputs uint64
	Outputs       uint64
	Labels        uint64
	// Pot is the powers of tau size needed by the circuit.
	Pot uint32
}

// Timings are running averages over the valid contributions of a circuit.
type Timings struct {
	ContributionComputation time.Duration
	FullContribution        time.Duration
	Verification            time.Duration
	Samples                 uint64
}

// Add folds one more valid contribution into the averages.
func (t Timings) Add(computation, full, verification time.Duration) Timings {
	n := time.Duration(t.Samples)
	return Timings{
		ContributionComputation: (t.ContributionComputation*n + computation) / (n + 1),
		FullContribution:        (t.FullContribution*n + full) / (n + 1),
		Verification:            (t.Verification*n + verification) / (n + 1),
		Samples:                 t.Samples + 1,
	}
}

// Circuit is one constraint system of a ceremony.
type Circuit struct {
	ID               string
	CeremonyID       string
	Prefix           string
	Name             string
	SequencePosition uint64
	Metadata         CircuitMetadata
	AvgTimings       Timings
}

// WaitingQueue is the per circuit turn-taking state. It is the only shared
// mutable record and is written exclusively through conditional writes.
type WaitingQueue struct {
	CircuitID string
	// CurrentContributor is the lock holder, empty when the circuit is idle.
	CurrentContributor string
	AttemptID          string
	// Claimed is false while a lock handed over by the previous holder has
	// not yet been picked up by its new holder.
	Claimed                bool
	Contributors           []string
	CompletedContributions uint64
	FailedContributions    uint64
	LockedAt               time.Time
	ExpiresAt              time.Time
	Complete               bool
	Version                uint64
}

// Clone returns a deep copy safe to mutate.
func (q *WaitingQueue) Clone() *WaitingQueue {
	c := *q
	c.Contributors = append([]string(nil), q.Contributors...)
	return &c
}

// Position returns the 1-based position of id in the waiting list, 0 when absent.
func (q *WaitingQueue) Position(id string) int {
	for i, c := range q.Contributors {
		if c == id {
			return i + 1
		}
	}
	return 0
}

// Without removes id from the waiting list.
func (q *WaitingQueue) Without(id string) {
	out := q.Contributors[:0]
	for _, c := range q.Contributors {
		if c != id {
			out = append(out, c)
		}
	}
	q.Contributors = out
}

// Lock returns the lock the queue currently encodes, nil when idle.
func (q *WaitingQueue) Lock() *Lock {
	if q.CurrentContributor == "" {
		return nil
	}
	return &Lock{
		CircuitID:     q.CircuitID,
		ContributorID: q.CurrentContributor,
		AttemptID:     q.AttemptID,
		AcquiredAt:    q.LockedAt,
		ExpiresAt:     q.ExpiresAt,
	}
}

// Lock is derived from a WaitingQueue, it is never stored on its own.
type Lock struct {
	CircuitID     string
	ContributorID string
	AttemptID     string
	AcquiredAt    time.Time
	ExpiresAt     time.Time
}

// Verification is the verdict on a contribution.
type Verification uint32

const (
	Pending Verification = iota
	Valid
	Invalid
)

var verificationNames = []string{"Pending", "Valid", "Invalid"}

func (v Verification) String() string {
	if int(v) < len(verificationNames) {
		return verificationNames[v]
	}
	return fmt.Sprintf("Verification(%d)", uint32(v))
}

func (v Verification) MarshalText() ([]byte, error) { return []byte(v.String()), nil }

func (v *Verification) UnmarshalText(b []byte) error {
	return parseEnum(b, verificationNames, (*uint32)(v))
}

// ArtifactLocation addresses a committed zkey and the hash it must match.
type ArtifactLocation struct {
	Bucket string
	Key    string
	URL    string
	ETag   string
	Hash   []byte
}

// Contribution is the historical record of a verified attempt. Invalid
// contributions are kept for auditing but do not own their index.
type Contribution struct {
	CircuitID       string
	Index           uint64
	ContributorID   string
	AttemptID       string
	StartedAt       time.Time
	EndedAt         time.Time
	ComputationTime time.Duration
	Hash            []byte
	Verification    Verification
	Reason          string
	SessionID       string
	Artifact        ArtifactLocation
}

// AttemptState is the scheduler state of a participant-circuit pairing.
type AttemptState uint32

const (
	Locked AttemptState = iota
	Uploading
	Verifying
	Completed
	Evicted
	Rejected
)

var attemptStateNames = []string{"Locked", "Uploading", "Verifying", "Completed", "Evicted", "Rejected"}

func (s AttemptState) String() string {
	if int(s) < len(attemptStateNames) {
		return attemptStateNames[s]
	}
	return fmt.Sprintf("AttemptState(%d)", uint32(s))
}

func (s AttemptState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *AttemptState) UnmarshalText(b []byte) error {
	return parseEnum(b, attemptStateNames, (*uint32)(s))
}

// Terminal reports whether no further transition is possible.
func (s AttemptState) Terminal() bool {
	return s == Completed || s == Evicted || s == Rejected
}

// Step is the client reported progress inside a lock tenure.
type Step uint32

const (
	Downloading Step = iota
	Computing
	StepUploading
	StepVerifying
	StepCompleted
)

var stepNames = []string{"Downloading", "Computing", "Uploading", "Verifying", "Completed"}

func (s Step) String() string {
	if int(s) < len(stepNames) {
		return stepNames[s]
	}
	return fmt.Sprintf("Step(%d)", uint32(s))
}

func (s Step) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Step) UnmarshalText(b []byte) error { return parseEnum(b, stepNames, (*uint32)(s)) }

// Attempt is one lock tenure of a contributor on a circuit.
type Attempt struct {
	ID              string
	CeremonyID      string
	CircuitID       string
	ContributorID   string
	Index           uint64
	State           AttemptState
	Step            Step
	AcquiredAt      time.Time
	ExpiresAt       time.Time
	SessionID       string
	DeclaredHash    []byte
	ComputationTime time.Duration
	EndedAt         time.Time
	Reason          string
}

// ParticipantStatus is the ceremony wide status of a participant.
type ParticipantStatus uint32

const (
	Waiting ParticipantStatus = iota
	Contributing
	Done
	TimedOut
	Finalizing
)

var participantStatusNames = []string{"Waiting", "Contributing", "Done", "TimedOut", "Finalizing"}

func (s ParticipantStatus) String() string {
	if int(s) < len(participantStatusNames) {
		return participantStatusNames[s]
	}
	return fmt.Sprintf("ParticipantStatus(%d)", uint32(s))
}

func (s ParticipantStatus) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *ParticipantStatus) UnmarshalText(b []byte) error {
	return parseEnum(b, participantStatusNames, (*uint32)(s))
}

// TimeoutRecord remembers one eviction of a participant.
type TimeoutRecord struct {
	CircuitID string
	AttemptID string
	Start     time.Time
	End       time.Time
}

// Participant tracks one contributor across the circuits of a ceremony.
type Participant struct {
	ID         string
	CeremonyID string
	Status     ParticipantStatus
	// ContributionProgress is the number of circuits the participant is done with.
	ContributionProgress uint64
	CurrentAttempt       string
	BlockedUntil         time.Time
	Timeouts             []TimeoutRecord
	LastUpdated          time.Time
}

// SessionState is the lifecycle of an upload session.
type SessionState uint32

const (
	SessionOpened SessionState = iota
	SessionInProgress
	SessionClosed
	SessionAborted
)

var sessionStateNames = []string{"Opened", "InProgress", "Closed", "Aborted"}

func (s SessionState) String() string {
	if int(s) < len(sessionStateNames) {
		return sessionStateNames[s]
	}
	return fmt.Sprintf("SessionState(%d)", uint32(s))
}

func (s SessionState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *SessionState) UnmarshalText(b []byte) error {
	return parseEnum(b, sessionStateNames, (*uint32)(s))
}

// Part describes one chunk of an upload session. Index is zero based; the
// storage part number is Index+1.
type Part struct {
	Index           int
	Offset          int64
	Size            int64
	Tag             string
	AuthorizedUntil time.Time
}

// Acknowledged reports whether the storage tag of the part was recorded.
func (p *Part) Acknowledged() bool {
	return p.Tag != ""
}

// UploadSession is the multipart upload of the artifact of one attempt.
type UploadSession struct {
	ID              string
	AttemptID       string
	Bucket          string
	Key             string
	StorageUploadID string
	TotalSize       int64
	ChunkSize       int64
	Parts           []Part
	State           SessionState
	Location        *ArtifactLocation
	CreatedAt       time.Time
}

// Missing returns the indexes of the parts that were not acknowledged.
func (s *UploadSession) Missing() []int {
	var out []int
	for i := range s.Parts {
		if !s.Parts[i].Acknowledged() {
			out = append(out, s.Parts[i].Index)
		}
	}
	return out
}
