package http

import (
	"errors"
	"net/http"

	"github.com/drand/ceremony/internal/auth"
	"github.com/drand/ceremony/internal/ceremony"
)

// Kind names travel in ErrorResponse.Kind so clients can rebuild the error.
const (
	KindAuthorization          = "Authorization"
	KindUnauthenticated        = "Unauthenticated"
	KindConcurrencyConflict    = "ConcurrencyConflict"
	KindTimeoutEvicted         = "TimeoutEvicted"
	KindUploadIntegrity        = "UploadIntegrity"
	KindVerificationFailure    = "VerificationFailure"
	KindStorageUnavailable     = "StorageUnavailable"
	KindInvalidStateTransition = "InvalidStateTransition"
	KindNotFound               = "NotFound"
	KindNoneAvailable          = "NoneAvailable"
	KindInternal               = "Internal"
)

var kinds = []struct {
	name   string
	err    error
	status int
}{
	// credentials first, they are also authorization errors
	{KindUnauthenticated, auth.ErrMissingToken, http.StatusUnauthorized},
	{KindUnauthenticated, auth.ErrUnknownToken, http.StatusUnauthorized},
	{KindAuthorization, ceremony.ErrAuthorization, http.StatusForbidden},
	{KindConcurrencyConflict, ceremony.ErrConcurrencyConflict, http.StatusConflict},
	{KindTimeoutEvicted, ceremony.ErrTimeoutEvicted, http.StatusGone},
	{KindUploadIntegrity, ceremony.ErrUploadIntegrity, http.StatusUnprocessableEntity},
	{KindVerificationFailure, ceremony.ErrVerificationFailure, http.StatusUnprocessableEntity},
	{KindStorageUnavailable, ceremony.ErrStorageUnavailable, http.StatusServiceUnavailable},
	{KindInvalidStateTransition, ceremony.ErrInvalidStateTransition, http.StatusBadRequest},
	{KindNotFound, ceremony.ErrNotFound, http.StatusNotFound},
	{KindNoneAvailable, ceremony.ErrNoneAvailable, http.StatusNoContent},
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error     string `json:"error"`
	Kind      string `json:"kind"`
	Op        string `json:"op,omitempty"`
	CircuitID string `json:"circuitId,omitempty"`
	AttemptID string `json:"attemptId,omitempty"`
}

// StatusOf maps an error to its HTTP status and kind name.
func StatusOf(err error) (int, string) {
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.status, k.name
		}
	}
	return http.StatusInternalServerError, KindInternal
}

func errorResponse(err error) (int, *ErrorResponse) {
	status, kind := StatusOf(err)
	resp := &ErrorResponse{Error: err.Error(), Kind: kind}
	var ce *ceremony.Error
	if errors.As(err, &ce) {
		resp.Op = ce.Op
		resp.CircuitID = ce.CircuitID
		resp.AttemptID = ce.AttemptID
	}
	return status, resp
}

// Err rebuilds the error a server reported, so errors.Is matches the same
// kinds on both sides.
func (e *ErrorResponse) Err() error {
	msg := e.Error
	if msg == "" {
		msg = e.Kind
	}
	var err error = errors.New(msg)
	for _, k := range kinds {
		if k.name != e.Kind {
			continue
		}
		kind := k.err
		if k.name == KindUnauthenticated {
			kind = ceremony.ErrAuthorization
		}
		err = ceremony.NewKindError(kind, msg)
		break
	}
	if e.Op == "" && e.AttemptID == "" {
		return err
	}
	return &ceremony.Error{Op: e.Op, CircuitID: e.CircuitID, AttemptID: e.AttemptID, Err: err}
}
