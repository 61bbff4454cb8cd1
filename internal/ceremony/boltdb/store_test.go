package boltdb

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/drand/ceremony/internal/ceremony"
	"github.com/drand/ceremony/internal/test/storetest"
	"github.com/drand/ceremony/internal/test/testlogger"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(context.Background(), testlogger.New(t), t.TempDir(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) ceremony.Store {
		return newStore(t)
	})
}

func TestStoreReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	l := testlogger.New(t)

	s, err := NewStore(ctx, l, dir, nil)
	require.NoError(t, err)
	c, circuits := storetest.Fixture()
	require.NoError(t, s.PutCeremony(ctx, c))
	require.NoError(t, s.PutCircuit(ctx, circuits[0]))
	require.NoError(t, s.AppendContribution(ctx, &ceremony.Contribution{CircuitID: circuits[0].ID, ContributorID: "alice"}))
	require.NoError(t, s.Close())

	s, err = NewStore(ctx, l, dir, nil)
	require.NoError(t, err)
	defer s.Close()

	got, err := s.Ceremony(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, c.Prefix, got.Prefix)
	contribs, err := s.Contributions(ctx, circuits[0].ID)
	require.NoError(t, err)
	require.Len(t, contribs, 1)
}

func TestStoreCanceledContext(t *testing.T) {
	s := newStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.Ceremony(ctx, "x")
	require.ErrorIs(t, err, context.Canceled)
}
