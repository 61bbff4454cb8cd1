package verify_test

import (
	"bytes"
	"context"
	"os/exec"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/drand/ceremony/internal/ceremony"
	"github.com/drand/ceremony/internal/test/mock"
	"github.com/drand/ceremony/internal/test/testlogger"
	"github.com/drand/ceremony/internal/verify"
)

var (
	circuit = &ceremony.Circuit{ID: "c1", Prefix: "c"}
	prev    = ceremony.ArtifactLocation{Bucket: "b", Key: ceremony.ZkeyKey("c", 0)}
	next    = ceremony.ArtifactLocation{Bucket: "b", Key: ceremony.ZkeyKey("c", 1)}
)

func digest(t *testing.T, data []byte) []byte {
	t.Helper()
	d, err := verify.HashReader(bytes.NewReader(data))
	require.NoError(t, err)
	return d
}

func TestHashReader(t *testing.T) {
	a := digest(t, []byte("zkey"))
	require.Len(t, a, 64)
	require.Equal(t, a, digest(t, []byte("zkey")))
	require.NotEqual(t, a, digest(t, []byte("zkey2")))
}

func TestGate(t *testing.T) {
	ctx := context.Background()
	storage := mock.NewStorage()
	storage.PutObject(next.Bucket, next.Key, []byte("contributed"))

	var seenPrev ceremony.ArtifactLocation
	verdict := ceremony.Valid
	v := verify.VerifierFunc(func(_ context.Context, p, n ceremony.ArtifactLocation, c *ceremony.Circuit) (verify.Result, error) {
		seenPrev = p
		require.Equal(t, circuit.ID, c.ID)
		require.NotEmpty(t, n.Hash)
		return verify.Result{Verification: verdict, Reason: "checked"}, nil
	})
	g := verify.NewGate(storage, v, clockwork.NewFakeClock(), testlogger.New(t))

	res, err := g.Check(ctx, circuit, prev, next, digest(t, []byte("contributed")))
	require.NoError(t, err)
	require.True(t, res.Valid())
	require.NoError(t, res.Kind)
	require.Equal(t, prev, seenPrev)

	verdict = ceremony.Invalid
	res, err = g.Check(ctx, circuit, prev, next, digest(t, []byte("contributed")))
	require.NoError(t, err)
	require.False(t, res.Valid())
	require.ErrorIs(t, res.Kind, ceremony.ErrVerificationFailure)

	verdict = ceremony.Pending
	_, err = g.Check(ctx, circuit, prev, next, digest(t, []byte("contributed")))
	require.ErrorIs(t, err, ceremony.ErrInvalidStateTransition)
}

func TestGateHashMismatch(t *testing.T) {
	storage := mock.NewStorage()
	storage.PutObject(next.Bucket, next.Key, []byte("substituted"))
	called := false
	v := verify.VerifierFunc(func(context.Context, ceremony.ArtifactLocation, ceremony.ArtifactLocation, *ceremony.Circuit) (verify.Result, error) {
		called = true
		return verify.Result{Verification: ceremony.Valid}, nil
	})
	g := verify.NewGate(storage, v, clockwork.NewFakeClock(), testlogger.New(t))

	res, err := g.Check(context.Background(), circuit, prev, next, digest(t, []byte("declared")))
	require.NoError(t, err)
	require.Equal(t, ceremony.Invalid, res.Verification)
	require.ErrorIs(t, res.Kind, ceremony.ErrUploadIntegrity)
	require.False(t, called)
}

func TestGateStorageErrors(t *testing.T) {
	storage := mock.NewStorage()
	g := verify.NewGate(storage, verify.AcceptAll, clockwork.NewFakeClock(), testlogger.New(t))
	_, err := g.Check(context.Background(), circuit, prev, next, nil)
	require.ErrorIs(t, err, ceremony.ErrNotFound)

	storage.PutObject(next.Bucket, next.Key, []byte("x"))
	storage.FailNext("open", 1)
	_, err = g.Check(context.Background(), circuit, prev, next, nil)
	require.ErrorIs(t, err, ceremony.ErrStorageUnavailable)
}

func TestCommandVerifier(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("no shell available")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	storage := mock.NewStorage()
	storage.PutObject(prev.Bucket, prev.Key, []byte("genesis"))
	storage.PutObject(next.Bucket, next.Key, []byte("ok contribution"))

	cv := &verify.CommandVerifier{
		Storage: storage,
		Command: []string{"sh", "-c", "test -s {prev} && grep -q ok {next} || { echo refused {circuit}; exit 3; }"},
		WorkDir: t.TempDir(),
		Log:     testlogger.New(t),
	}
	res, err := cv.Verify(ctx, prev, next, circuit)
	require.NoError(t, err)
	require.True(t, res.Valid())

	storage.PutObject(next.Bucket, next.Key, []byte("garbage"))
	res, err = cv.Verify(ctx, prev, next, circuit)
	require.NoError(t, err)
	require.Equal(t, ceremony.Invalid, res.Verification)
	require.Equal(t, "refused c", res.Reason)

	cv.Command = []string{"/nonexistent/verifier"}
	_, err = cv.Verify(ctx, prev, next, circuit)
	require.Error(t, err)
}
