// Package client talks to a ceremony coordinator over its HTTP API and
// uploads contributed artifacts to the presigned URLs it hands out.
package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	nhttp "net/http"
	"os"
	"path"
	"strings"
	"time"

	json "github.com/nikkolasg/hexjson"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/drand/ceremony/common"
	"github.com/drand/ceremony/common/log"
	"github.com/drand/ceremony/internal/ceremony"
	dhttp "github.com/drand/ceremony/internal/http"
	"github.com/drand/ceremony/internal/metrics"
	"github.com/drand/ceremony/internal/scheduler"
	"github.com/drand/ceremony/internal/upload"
)

const defaultClientExec = "unknown"
const defaultHTTPTimeout = 60 * time.Second

// Client calls the coordinator API on behalf of one identity.
type Client struct {
	root   string
	token  string
	client *nhttp.Client
	l      log.Logger
	Agent  string
}

// New returns a client of the coordinator at url authenticating with token.
// An empty token only gives access to the public routes.
func New(l log.Logger, url, token string, transport nhttp.RoundTripper) *Client {
	if transport == nil {
		transport = nhttp.DefaultTransport
	}
	url = strings.TrimSuffix(url, "/")
	pn, err := os.Executable()
	if err != nil {
		pn = defaultClientExec
	}
	return &Client{
		root:   url,
		token:  token,
		client: instrumentClient(transport),
		l:      l.Named("client"),
		Agent:  fmt.Sprintf("ceremony-client-%s/%s", path.Base(pn), common.GetAppVersion()),
	}
}

func instrumentClient(transport nhttp.RoundTripper) *nhttp.Client {
	return &nhttp.Client{
		Timeout: defaultHTTPTimeout,
		Transport: promhttp.InstrumentRoundTripperInFlight(metrics.ClientInFlight,
			promhttp.InstrumentRoundTripperCounter(metrics.ClientRequests,
				promhttp.InstrumentRoundTripperDuration(metrics.ClientLatency, transport))),
	}
}

// String returns the name of this client.
func (c *Client) String() string {
	return fmt.Sprintf("HTTP(%q)", c.root)
}

func (c *Client) newRequest(ctx context.Context, method, p string, body interface{}) (*nhttp.Request, error) {
	var rd io.Reader = nhttp.NoBody
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		rd = bytes.NewReader(b)
	}
	req, err := nhttp.NewRequestWithContext(ctx, method, c.root+p, rd)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("User-Agent", c.Agent)
	req.Header.Set(common.VersionHeader, common.GetAppVersion().String())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

// do sends a request and decodes a successful answer into out. Failed
// requests come back as the error the coordinator reported.
func (c *Client) do(ctx context.Context, method, p string, body, out interface{}) (int, error) {
	req, err := c.newRequest(ctx, method, p, body)
	if err != nil {
		return 0, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%s %s: %v: %w", method, p, err, ceremony.ErrStorageUnavailable)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= nhttp.StatusBadRequest {
		er := new(dhttp.ErrorResponse)
		if err := json.NewDecoder(resp.Body).Decode(er); err != nil {
			return resp.StatusCode, fmt.Errorf("%s %s: status %d", method, p, resp.StatusCode)
		}
		return resp.StatusCode, er.Err()
	}
	if out == nil || resp.StatusCode == nhttp.StatusNoContent {
		return resp.StatusCode, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return resp.StatusCode, fmt.Errorf("decoding %s answer: %w", p, err)
	}
	return resp.StatusCode, nil
}

// Health pings the coordinator.
func (c *Client) Health(ctx context.Context) (*dhttp.HealthResponse, error) {
	h := new(dhttp.HealthResponse)
	_, err := c.do(ctx, nhttp.MethodGet, "/health", nil, h)
	return h, err
}

// Ceremonies lists the ceremonies accepting participants.
func (c *Client) Ceremonies(ctx context.Context) ([]*ceremony.Ceremony, error) {
	var out []*ceremony.Ceremony
	_, err := c.do(ctx, nhttp.MethodGet, "/ceremonies", nil, &out)
	return out, err
}

// Circuits lists the circuits of a ceremony with their queue.
func (c *Client) Circuits(ctx context.Context, ceremonyID string) ([]ceremony.CircuitView, error) {
	var out []ceremony.CircuitView
	_, err := c.do(ctx, nhttp.MethodGet, "/ceremonies/"+ceremonyID+"/circuits", nil, &out)
	return out, err
}

// Contributions lists the contribution records of a circuit.
func (c *Client) Contributions(ctx context.Context, circuitID string) ([]*ceremony.Contribution, error) {
	var out []*ceremony.Contribution
	_, err := c.do(ctx, nhttp.MethodGet, "/circuits/"+circuitID+"/contributions", nil, &out)
	return out, err
}

func (c *Client) CheckEligibility(ctx context.Context, ceremonyID string) (bool, error) {
	var out dhttp.EligibilityResponse
	_, err := c.do(ctx, nhttp.MethodPost, "/ceremonies/"+ceremonyID+"/eligibility", nil, &out)
	return out.Eligible, err
}

func (c *Client) Participant(ctx context.Context, ceremonyID string) (*ceremony.Participant, error) {
	out := new(ceremony.Participant)
	_, err := c.do(ctx, nhttp.MethodGet, "/ceremonies/"+ceremonyID+"/participant", nil, out)
	return out, err
}

// Attestation returns the valid contributions of the caller to a ceremony.
func (c *Client) Attestation(ctx context.Context, ceremonyID string) (*scheduler.Attestation, error) {
	out := new(scheduler.Attestation)
	_, err := c.do(ctx, nhttp.MethodGet, "/ceremonies/"+ceremonyID+"/attestation", nil, out)
	return out, err
}

// RequestNextCircuit asks for the next circuit to contribute to. It returns
// ceremony.ErrNoneAvailable once the caller contributed to every circuit.
func (c *Client) RequestNextCircuit(ctx context.Context, ceremonyID string) (*scheduler.Assignment, error) {
	out := new(scheduler.Assignment)
	status, err := c.do(ctx, nhttp.MethodPost, "/ceremonies/"+ceremonyID+"/assignments", nil, out)
	if err != nil {
		return nil, err
	}
	if status == nhttp.StatusNoContent {
		return nil, ceremony.NewKindError(ceremony.ErrNoneAvailable, "no circuit left")
	}
	return out, nil
}

func (c *Client) FinalizeCeremony(ctx context.Context, ceremonyID string) error {
	_, err := c.do(ctx, nhttp.MethodPost, "/ceremonies/"+ceremonyID+"/finalize", nil, nil)
	return err
}

func (c *Client) ResumeAfterReconnect(ctx context.Context, attemptID string) (*scheduler.AttemptStatus, error) {
	out := new(scheduler.AttemptStatus)
	_, err := c.do(ctx, nhttp.MethodGet, "/attempts/"+attemptID, nil, out)
	return out, err
}

func (c *Client) DeclareContribution(ctx context.Context, attemptID string, hash []byte, computation time.Duration) error {
	_, err := c.do(ctx, nhttp.MethodPost, "/attempts/"+attemptID+"/contribution",
		&dhttp.DeclareRequest{Hash: hash, ComputationTime: computation}, nil)
	return err
}

func (c *Client) AdvanceStep(ctx context.Context, attemptID string, step ceremony.Step) error {
	_, err := c.do(ctx, nhttp.MethodPost, "/attempts/"+attemptID+"/step", &dhttp.StepRequest{Step: step}, nil)
	return err
}

// AuthorizeDownload returns a presigned URL of the artifact to transform.
func (c *Client) AuthorizeDownload(ctx context.Context, attemptID string) (*scheduler.Download, error) {
	out := new(scheduler.Download)
	_, err := c.do(ctx, nhttp.MethodGet, "/attempts/"+attemptID+"/predecessor", nil, out)
	return out, err
}

func (c *Client) OpenUpload(ctx context.Context, attemptID string, size, chunkSize int64) (*ceremony.UploadSession, error) {
	out := new(ceremony.UploadSession)
	_, err := c.do(ctx, nhttp.MethodPost, "/attempts/"+attemptID+"/uploads",
		&dhttp.OpenUploadRequest{Size: size, ChunkSize: chunkSize}, out)
	return out, err
}

func (c *Client) AuthorizeParts(ctx context.Context, sessionID string, from, limit int) ([]upload.Authorization, error) {
	var out []upload.Authorization
	_, err := c.do(ctx, nhttp.MethodPost, "/uploads/"+sessionID+"/authorizations",
		&dhttp.AuthorizePartsRequest{From: from, Limit: limit}, &out)
	return out, err
}

func (c *Client) ReportPartComplete(ctx context.Context, sessionID string, index int, tag string) error {
	_, err := c.do(ctx, nhttp.MethodPut, fmt.Sprintf("/uploads/%s/parts/%d", sessionID, index),
		&dhttp.PartRequest{Tag: tag}, nil)
	return err
}

// SubmitForVerification closes the upload and waits for the verdict. A
// rejected contribution returns both its result and the error.
func (c *Client) SubmitForVerification(ctx context.Context, sessionID string, hash []byte) (*scheduler.VerificationResult, error) {
	req, err := c.newRequest(ctx, nhttp.MethodPost, "/uploads/"+sessionID+"/verification", &dhttp.SubmitRequest{Hash: hash})
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("submitting %s: %v: %w", sessionID, err, ceremony.ErrStorageUnavailable)
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= nhttp.StatusBadRequest {
		// plain failures carry a string error, rejections a nested one
		er := new(dhttp.ErrorResponse)
		if json.Unmarshal(b, er) == nil && er.Kind != "" {
			return nil, er.Err()
		}
	}
	out := new(dhttp.VerificationResponse)
	if err := json.Unmarshal(b, out); err != nil {
		return nil, fmt.Errorf("decoding verification answer: %w", err)
	}
	if out.Error != nil {
		return out.Result, out.Error.Err()
	}
	if resp.StatusCode >= nhttp.StatusBadRequest {
		return nil, errors.New(resp.Status)
	}
	return out.Result, nil
}
