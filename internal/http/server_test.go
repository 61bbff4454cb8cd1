package http

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	json "github.com/nikkolasg/hexjson"
	"github.com/stretchr/testify/require"

	"github.com/drand/ceremony/common"
	"github.com/drand/ceremony/internal/auth"
	"github.com/drand/ceremony/internal/ceremony"
	"github.com/drand/ceremony/internal/ceremony/memdb"
	"github.com/drand/ceremony/internal/scheduler"
	"github.com/drand/ceremony/internal/test/mock"
	"github.com/drand/ceremony/internal/test/testlogger"
	"github.com/drand/ceremony/internal/upload"
	"github.com/drand/ceremony/internal/verify"
)

var start = time.Date(2022, 6, 1, 12, 0, 0, 0, time.UTC)

type env struct {
	t       *testing.T
	url     string
	storage *mock.Storage
}

func newEnv(t *testing.T) *env {
	t.Helper()
	ctx := context.Background()
	l := testlogger.New(t)
	store := memdb.NewStore()
	require.NoError(t, store.PutCeremony(ctx, &ceremony.Ceremony{
		ID:          "cer",
		Prefix:      "semaphore",
		Title:       "Semaphore",
		Coordinator: "coordinator",
		State:       ceremony.Opened,
		StartDate:   start.Add(-time.Hour),
		EndDate:     start.Add(24 * time.Hour),
		Timeout:     ceremony.TimeoutPolicy{Mechanism: ceremony.Fixed, Duration: 10 * time.Minute},
		Penalty:     time.Hour,
	}))
	require.NoError(t, store.PutCircuit(ctx, &ceremony.Circuit{
		ID: "circ-1", CeremonyID: "cer", Prefix: "circ-1", Name: "circ-1", SequencePosition: 1,
	}))

	clock := clockwork.NewFakeClockAt(start)
	registry, err := ceremony.NewRegistry(store, 0, l)
	require.NoError(t, err)
	storage := mock.NewStorage()
	cfg := upload.DefaultConfig()
	cfg.MinChunkSize = 1
	cfg.DefaultChunkSize = 4
	uploads := upload.NewCoordinator(store, storage, clock, l, cfg)
	gate := verify.NewGate(storage, verify.AcceptAll, clock, l)
	sched := scheduler.New(store, registry, uploads, gate, clock, l, scheduler.DefaultConfig())
	t.Cleanup(sched.Stop)

	tokens := auth.NewStatic(map[string]string{
		"token-a":     "A",
		"token-b":     "B",
		"token-coord": "coordinator",
	})
	srv := httptest.NewServer(New(sched, tokens, l))
	t.Cleanup(srv.Close)
	return &env{t: t, url: srv.URL, storage: storage}
}

// call sends body as JSON and decodes the answer into out when it is not nil.
func (e *env) call(method, path, token string, body, out interface{}) (int, *ErrorResponse) {
	t := e.t
	t.Helper()
	var r io.Reader = http.NoBody
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(context.Background(), method, e.url+path, r)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, common.GetAppVersion().String(), resp.Header.Get(common.VersionHeader))

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if resp.StatusCode >= http.StatusBadRequest {
		var er ErrorResponse
		require.NoError(t, json.Unmarshal(raw, &er), string(raw))
		return resp.StatusCode, &er
	}
	if out != nil && len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, out), string(raw))
	}
	return resp.StatusCode, nil
}

func TestHealth(t *testing.T) {
	e := newEnv(t)
	var h HealthResponse
	status, _ := e.call(http.MethodGet, "/health", "", nil, &h)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "ok", h.Status)
	require.Equal(t, common.GetAppVersion().String(), h.Version)
}

func TestAuthentication(t *testing.T) {
	e := newEnv(t)

	status, er := e.call(http.MethodPost, "/ceremonies/cer/assignments", "", nil, nil)
	require.Equal(t, http.StatusUnauthorized, status)
	require.Equal(t, KindUnauthenticated, er.Kind)

	status, er = e.call(http.MethodPost, "/ceremonies/cer/assignments", "forged", nil, nil)
	require.Equal(t, http.StatusUnauthorized, status)
	require.Equal(t, KindUnauthenticated, er.Kind)

	// public routes stay open
	var opened []*ceremony.Ceremony
	status, _ = e.call(http.MethodGet, "/ceremonies", "", nil, &opened)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, opened, 1)
	require.Equal(t, "cer", opened[0].ID)

	status, er = e.call(http.MethodPost, "/ceremonies/cer/finalize", "token-a", nil, nil)
	require.Equal(t, http.StatusForbidden, status)
	require.Equal(t, KindAuthorization, er.Kind)
}

func TestVersionCheck(t *testing.T) {
	e := newEnv(t)
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, e.url+"/health", http.NoBody)
	require.NoError(t, err)
	ours := common.GetAppVersion()
	req.Header.Set(common.VersionHeader, fmt.Sprintf("%d.%d.0", ours.Major+1, ours.Minor))
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestContributionOverHTTP(t *testing.T) {
	e := newEnv(t)
	data := []byte("a contribution over http")
	hash, err := verify.HashReader(bytes.NewReader(data))
	require.NoError(t, err)

	var el EligibilityResponse
	status, _ := e.call(http.MethodPost, "/ceremonies/cer/eligibility", "token-a", nil, &el)
	require.Equal(t, http.StatusOK, status)
	require.True(t, el.Eligible)

	var asg scheduler.Assignment
	status, _ = e.call(http.MethodPost, "/ceremonies/cer/assignments", "token-a", nil, &asg)
	require.Equal(t, http.StatusOK, status)
	require.True(t, asg.Locked())
	require.Equal(t, "circ-1", asg.Circuit.ID)
	require.Equal(t, ceremony.Locked, asg.Attempt.State)
	attempt := "/attempts/" + asg.Attempt.ID

	var waiting scheduler.Assignment
	status, _ = e.call(http.MethodPost, "/ceremonies/cer/assignments", "token-b", nil, &waiting)
	require.Equal(t, http.StatusAccepted, status)
	require.False(t, waiting.Locked())
	require.Equal(t, 1, waiting.Position)

	// the attempt belongs to A
	status, er := e.call(http.MethodGet, attempt, "token-b", nil, nil)
	require.Equal(t, http.StatusForbidden, status)
	require.Equal(t, KindAuthorization, er.Kind)

	status, _ = e.call(http.MethodPost, attempt+"/step", "token-a", &StepRequest{Step: ceremony.Computing}, nil)
	require.Equal(t, http.StatusNoContent, status)
	status, er = e.call(http.MethodPost, attempt+"/step", "token-a", &StepRequest{Step: ceremony.Downloading}, nil)
	require.Equal(t, http.StatusBadRequest, status)
	require.Equal(t, KindInvalidStateTransition, er.Kind)

	status, _ = e.call(http.MethodPost, attempt+"/contribution", "token-a",
		&DeclareRequest{Hash: hash, ComputationTime: time.Minute}, nil)
	require.Equal(t, http.StatusNoContent, status)

	var sess ceremony.UploadSession
	status, _ = e.call(http.MethodPost, attempt+"/uploads", "token-a", &OpenUploadRequest{Size: int64(len(data))}, &sess)
	require.Equal(t, http.StatusCreated, status)
	require.Len(t, sess.Parts, 6)

	status, er = e.call(http.MethodPost, attempt+"/uploads", "token-a", &OpenUploadRequest{Size: int64(len(data))}, nil)
	require.Equal(t, http.StatusBadRequest, status)
	require.Equal(t, KindInvalidStateTransition, er.Kind)

	uploadPath := "/uploads/" + sess.ID
	for from := 0; ; {
		var auths []upload.Authorization
		status, _ = e.call(http.MethodPost, uploadPath+"/authorizations", "token-a", &AuthorizePartsRequest{From: from}, &auths)
		require.Equal(t, http.StatusOK, status)
		if len(auths) == 0 {
			break
		}
		for _, a := range auths {
			tag, err := e.storage.PutPart(sess.StorageUploadID, a.PartNumber, data[a.Offset:a.Offset+a.Size])
			require.NoError(t, err)
			status, _ = e.call(http.MethodPut, fmt.Sprintf("%s/parts/%d", uploadPath, a.PartIndex), "token-a", &PartRequest{Tag: tag}, nil)
			require.Equal(t, http.StatusNoContent, status)
			from = a.PartIndex + 1
		}
	}

	status, er = e.call(http.MethodPut, uploadPath+"/parts/0", "token-a", &PartRequest{Tag: "conflicting"}, nil)
	require.Equal(t, http.StatusUnprocessableEntity, status)
	require.Equal(t, KindUploadIntegrity, er.Kind)

	var vr VerificationResponse
	status, _ = e.call(http.MethodPost, uploadPath+"/verification", "token-a", &SubmitRequest{}, &vr)
	require.Equal(t, http.StatusOK, status)
	require.Nil(t, vr.Error)
	require.True(t, vr.Result.Valid())
	require.Equal(t, uint64(0), vr.Result.Index)

	var records []*ceremony.Contribution
	status, _ = e.call(http.MethodGet, "/circuits/circ-1/contributions", "", nil, &records)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, records, 1)
	require.Equal(t, hash, records[0].Hash)

	// B was handed the lock on release
	var p ceremony.Participant
	require.Eventually(t, func() bool {
		status, _ := e.call(http.MethodGet, "/ceremonies/cer/participant", "token-b", nil, &p)
		return status == http.StatusOK && p.CurrentAttempt != ""
	}, 5*time.Second, 10*time.Millisecond)

	// A has nothing left to do
	status, _ = e.call(http.MethodPost, "/ceremonies/cer/assignments", "token-a", nil, nil)
	require.Equal(t, http.StatusNoContent, status)
}

func TestStatusOf(t *testing.T) {
	tests := []struct {
		err    error
		status int
		kind   string
	}{
		{auth.ErrMissingToken, http.StatusUnauthorized, KindUnauthenticated},
		{ceremony.Wrap(ceremony.ErrAuthorization, "op", nil), http.StatusForbidden, KindAuthorization},
		{scheduler.ErrAlreadyClaimed, http.StatusConflict, KindConcurrencyConflict},
		{upload.ErrSessionAborted, http.StatusGone, KindTimeoutEvicted},
		{scheduler.ErrBlocked, http.StatusGone, KindTimeoutEvicted},
		{upload.ErrIncompleteParts, http.StatusUnprocessableEntity, KindUploadIntegrity},
		{ceremony.ErrVerificationFailure, http.StatusUnprocessableEntity, KindVerificationFailure},
		{fmt.Errorf("s3: %w", ceremony.ErrStorageUnavailable), http.StatusServiceUnavailable, KindStorageUnavailable},
		{upload.ErrSessionAlreadyOpen, http.StatusBadRequest, KindInvalidStateTransition},
		{ceremony.ErrNotFound, http.StatusNotFound, KindNotFound},
		{ceremony.ErrNoneAvailable, http.StatusNoContent, KindNoneAvailable},
		{errors.New("boom"), http.StatusInternalServerError, KindInternal},
	}
	for _, tt := range tests {
		status, kind := StatusOf(tt.err)
		require.Equal(t, tt.status, status, tt.err.Error())
		require.Equal(t, tt.kind, kind, tt.err.Error())
	}
}

func TestErrorResponseRebuildsKind(t *testing.T) {
	orig := &ceremony.Error{Op: "requestNextCircuit", CircuitID: "c", AttemptID: "a1", Err: scheduler.ErrAlreadyClaimed}
	_, resp := errorResponse(orig)
	require.Equal(t, "a1", resp.AttemptID)

	err := resp.Err()
	require.ErrorIs(t, err, ceremony.ErrConcurrencyConflict)
	var ce *ceremony.Error
	require.ErrorAs(t, err, &ce)
	require.Equal(t, "a1", ce.AttemptID)

	_, resp = errorResponse(auth.ErrUnknownToken)
	require.ErrorIs(t, resp.Err(), ceremony.ErrAuthorization)
	require.NotErrorIs(t, (&ErrorResponse{Error: "boom", Kind: KindInternal}).Err(), ceremony.ErrNotFound)
}
