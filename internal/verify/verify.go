// Package verify decides whether an uploaded artifact is a valid contribution.
package verify

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/crypto/blake2b"

	"github.com/drand/ceremony/common/log"
	"github.com/drand/ceremony/internal/ceremony"
	"github.com/drand/ceremony/internal/upload"
)

// Result is the verdict on one contribution.
type Result struct {
	Verification ceremony.Verification
	Reason       string
	// Kind is nil for valid contributions, ErrUploadIntegrity when the
	// artifact does not match its declared hash and ErrVerificationFailure
	// when the verifier refused it.
	Kind error
	// Took is the wall time spent in the gate.
	Took time.Duration
}

// Valid reports whether the contribution was accepted.
func (r Result) Valid() bool {
	return r.Verification == ceremony.Valid
}

// Verifier checks the transformation from prev to next for a circuit. An
// error means the check could not run, not that it failed.
type Verifier interface {
	Verify(ctx context.Context, prev, next ceremony.ArtifactLocation, circuit *ceremony.Circuit) (Result, error)
}

// VerifierFunc adapts a function to the Verifier interface.
type VerifierFunc func(ctx context.Context, prev, next ceremony.ArtifactLocation, circuit *ceremony.Circuit) (Result, error)

// Verify calls f.
func (f VerifierFunc) Verify(ctx context.Context, prev, next ceremony.ArtifactLocation, circuit *ceremony.Circuit) (Result, error) {
	return f(ctx, prev, next, circuit)
}

// AcceptAll is a Verifier accepting every contribution.
var AcceptAll = VerifierFunc(func(context.Context, ceremony.ArtifactLocation, ceremony.ArtifactLocation, *ceremony.Circuit) (Result, error) {
	return Result{Verification: ceremony.Valid}, nil
})

// HashReader returns the blake2b-512 digest of everything read from r.
func HashReader(r io.Reader) ([]byte, error) {
	h, err := blake2b.New512(nil)
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(h, r); err != nil {
		return nil, err
	}
	return h.Sum(nil), nil
}

// Gate re-hashes committed artifacts before handing them to the verifier.
type Gate struct {
	storage  upload.ObjectStorage
	verifier Verifier
	clock    clockwork.Clock
	log      log.Logger
}

// NewGate returns a gate reading artifacts from storage.
func NewGate(storage upload.ObjectStorage, v Verifier, clock clockwork.Clock, l log.Logger) *Gate {
	return &Gate{storage: storage, verifier: v, clock: clock, log: l.Named("verify")}
}

// Check streams next, compares its digest with declared and, if they match,
// asks the verifier whether next extends prev.
func (g *Gate) Check(ctx context.Context, circuit *ceremony.Circuit, prev, next ceremony.ArtifactLocation, declared []byte) (Result, error) {
	start := g.clock.Now()

	rc, err := g.storage.Open(ctx, next.Bucket, next.Key)
	if err != nil {
		return Result{}, fmt.Errorf("opening artifact: %w", err)
	}
	digest, err := HashReader(rc)
	_ = rc.Close()
	if err != nil {
		return Result{}, fmt.Errorf("hashing artifact: %w", err)
	}

	if !bytes.Equal(digest, declared) {
		g.log.Warnw("artifact hash mismatch", "circuit", circuit.ID, "key", next.Key,
			"declared", hex.EncodeToString(declared), "computed", hex.EncodeToString(digest))
		return Result{
			Verification: ceremony.Invalid,
			Reason:       "artifact hash does not match the declared hash",
			Kind:         ceremony.ErrUploadIntegrity,
			Took:         g.clock.Since(start),
		}, nil
	}

	next.Hash = digest
	res, err := g.verifier.Verify(ctx, prev, next, circuit)
	if err != nil {
		return Result{}, fmt.Errorf("running verifier: %w", err)
	}
	res.Took = g.clock.Since(start)
	switch res.Verification {
	case ceremony.Valid:
		res.Kind = nil
	case ceremony.Invalid:
		res.Kind = ceremony.ErrVerificationFailure
	default:
		return Result{}, fmt.Errorf("verifier returned %s: %w", res.Verification, ceremony.ErrInvalidStateTransition)
	}
	g.log.Infow("contribution checked", "circuit", circuit.ID, "key", next.Key, "verification", res.Verification, "took", res.Took)
	return res, nil
}
