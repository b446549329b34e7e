package store

import (
	"bytes"
	"context"
	"testing"

	"github.com/drand/kyber/util/random"
	"github.com/stretchr/testify/require"

	"github.com/cobrabft/cobra/common/testlogger"
	"github.com/cobrabft/cobra/crypto"
	"github.com/cobrabft/cobra/crypto/vss"
	"github.com/cobrabft/cobra/internal/test"
)

func testPoints(t *testing.T, kind vss.Kind) (*vss.Registry, map[string]*vss.VerifiableShare) {
	suite := crypto.NewSuite()
	_, view := test.BatchIdentities(suite, 4, 1)
	scheme, err := vss.NewScheme(kind, suite, 1, []byte("store test setup"))
	require.NoError(t, err)
	reg, err := vss.NewRegistry(suite, view, scheme)
	require.NoError(t, err)

	points := make(map[string]*vss.VerifiableShare)
	for _, id := range []string{"recovery", "refresh"} {
		p := reg.NewPolynomial(nil, random.New())
		c, err := reg.CommitTo(p)
		require.NoError(t, err)
		points[id] = &vss.VerifiableShare{Share: reg.Evaluate(p, 2), Commitment: c, SharedData: []byte(id)}
	}
	return reg, points
}

func TestStorePutGet(t *testing.T) {
	for _, kind := range []vss.Kind{vss.Linear, vss.Constant} {
		t.Run(kind.String(), func(t *testing.T) {
			ctx := context.Background()
			dir := t.TempDir()
			reg, points := testPoints(t, kind)
			s, err := New(ctx, testlogger.New(t), dir, reg.Scheme(), nil)
			require.NoError(t, err)

			_, err = s.Get(ctx, "r1", "recovery")
			require.ErrorIs(t, err, ErrNotFound)
			require.NoError(t, s.Put(ctx, "r1", points))

			got, err := s.Get(ctx, "r1", "recovery")
			require.NoError(t, err)
			require.Equal(t, 2, got.Pid())
			require.True(t, got.Share.V.Equal(points["recovery"].Share.V))
			require.True(t, got.Commitment.Equal(points["recovery"].Commitment))
			require.True(t, got.Valid(reg.Scheme()))
			require.Equal(t, []byte("recovery"), got.SharedData)
			_, err = s.Get(ctx, "r1", "other")
			require.ErrorIs(t, err, ErrNotFound)

			// survives a reopen
			require.NoError(t, s.Close())
			s, err = New(ctx, testlogger.New(t), dir, reg.Scheme(), nil)
			require.NoError(t, err)
			defer s.Close()
			all, err := s.Round(ctx, "r1")
			require.NoError(t, err)
			require.Len(t, all, 2)
			require.True(t, all["refresh"].Valid(reg.Scheme()))
		})
	}
}

func TestStoreRoundsAndDelete(t *testing.T) {
	ctx := context.Background()
	reg, points := testPoints(t, vss.Linear)
	s, err := New(ctx, testlogger.New(t), t.TempDir(), reg.Scheme(), nil)
	require.NoError(t, err)
	defer s.Close()

	require.ErrorIs(t, s.Put(ctx, "", points), ErrEmptyKey)
	require.NoError(t, s.Put(ctx, "r2", points))
	require.NoError(t, s.Put(ctx, "r1", points))
	rounds, err := s.Rounds(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"r1", "r2"}, rounds)

	require.NoError(t, s.Del(ctx, "r1"))
	require.NoError(t, s.Del(ctx, "missing"))
	_, err = s.Round(ctx, "r1")
	require.ErrorIs(t, err, ErrNotFound)

	var b bytes.Buffer
	require.NoError(t, s.SaveTo(ctx, &b))
	require.NotZero(t, b.Len())
}

func TestStoreCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	reg, _ := testPoints(t, vss.Linear)
	_, err := New(ctx, testlogger.New(t), t.TempDir(), reg.Scheme(), nil)
	require.ErrorIs(t, err, context.Canceled)
}
