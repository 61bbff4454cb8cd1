package ceremony

import (
	"errors"
	"fmt"
	"strings"
)

// Error kinds. Every error returned by the coordination API matches exactly one
// of them with errors.Is.
var (
	// ErrAuthorization is returned when the caller is not eligible or has no identity.
	ErrAuthorization = errors.New("not authorized")
	// ErrConcurrencyConflict means a conditional queue write lost a race. The
	// request may be retried as is.
	ErrConcurrencyConflict = errors.New("concurrency conflict")
	// ErrTimeoutEvicted is terminal for the attempt: the contributor is locked
	// out and must request access again once its penalty has elapsed.
	ErrTimeoutEvicted = errors.New("evicted after timeout")
	// ErrUploadIntegrity covers part tag conflicts, missing parts and artifact
	// hash mismatches. The attempt is rejected without consuming an index.
	ErrUploadIntegrity = errors.New("upload integrity")
	// ErrVerificationFailure means the contribution did not verify.
	ErrVerificationFailure = errors.New("verification failed")
	// ErrStorageUnavailable is a transient object storage failure.
	ErrStorageUnavailable = errors.New("storage unavailable")
	// ErrInvalidStateTransition is a protocol violation by the caller or a bug.
	ErrInvalidStateTransition = errors.New("invalid state transition")

	// ErrNotFound is returned by stores for unknown records.
	ErrNotFound = errors.New("not found")
	// ErrNoneAvailable means the participant has no circuit left to contribute to.
	ErrNoneAvailable = errors.New("no circuit available")
)

type kindError struct {
	kind error
	msg  string
}

func (k *kindError) Error() string        { return k.msg }
func (k *kindError) Is(target error) bool { return target == k.kind }

// NewKindError returns a sentinel error that also matches kind.
func NewKindError(kind error, msg string) error {
	return &kindError{kind: kind, msg: msg}
}

// Error carries enough context for a caller to decide whether to re-queue.
type Error struct {
	Op        string
	CircuitID string
	AttemptID string
	Err       error
}

// Wrap annotates err with the operation and the attempt it concerns. A nil err
// stays nil.
func Wrap(err error, op string, a *Attempt) error {
	if err == nil {
		return nil
	}
	e := &Error{Op: op, Err: err}
	if a != nil {
		e.CircuitID = a.CircuitID
		e.AttemptID = a.ID
	}
	return e
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	if e.CircuitID != "" {
		fmt.Fprintf(&b, " circuit=%s", e.CircuitID)
	}
	if e.AttemptID != "" {
		fmt.Fprintf(&b, " attempt=%s", e.AttemptID)
	}
	b.WriteString(": ")
	b.WriteString(e.Err.Error())
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether err is worth retrying without changing the request.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrencyConflict) || errors.Is(err, ErrStorageUnavailable)
}
