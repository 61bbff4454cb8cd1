package upload

import (
	"github.com/drand/ceremony/internal/ceremony"
)

var (
	// ErrSessionAlreadyOpen is returned when the attempt already owns a session.
	ErrSessionAlreadyOpen = ceremony.NewKindError(ceremony.ErrInvalidStateTransition, "upload session already open")
	// ErrUnknownPart is returned for out of range indexes and conflicting tags.
	ErrUnknownPart = ceremony.NewKindError(ceremony.ErrUploadIntegrity, "unknown part")
	// ErrIncompleteParts is returned when closing a session with missing parts.
	ErrIncompleteParts = ceremony.NewKindError(ceremony.ErrUploadIntegrity, "incomplete parts")
	// ErrSessionAborted rejects any use of an aborted session.
	ErrSessionAborted = ceremony.NewKindError(ceremony.ErrTimeoutEvicted, "upload session aborted")
	// ErrSessionClosed rejects changes to a committed session.
	ErrSessionClosed = ceremony.NewKindError(ceremony.ErrInvalidStateTransition, "upload session closed")
)
