package recovery

import (
	"testing"

	"github.com/drand/kyber/util/random"
	"github.com/stretchr/testify/require"

	"github.com/cobrabft/cobra/crypto/vss"
)

func TestLinearStrategy(t *testing.T) {
	fx := newFixture(t, 4, 1, vss.Linear)
	suite := fx.reg.Suite()
	s := NewStrategy(fx.reg.Scheme(), suite, fx.blindingC, 3)

	full := fx.build(0, true)
	require.NoError(t, s.HandleNewCommitments(0, full.Commitments, nil))
	require.False(t, s.PrepareCommitments())
	_, err := s.ReadBlindingCommitment()
	require.ErrorIs(t, err, ErrNoCommitments)

	require.ErrorIs(t, s.HandleNewCommitments(1, nil, nil), ErrMalformedFrame)
	require.NoError(t, s.HandleNewCommitments(1, nil, fx.build(1, false).CommitmentsHash))
	require.NoError(t, s.HandleNewCommitments(2, nil, []byte("other")))
	require.False(t, s.PrepareCommitments())
	require.NoError(t, s.HandleNewCommitments(2, nil, fx.build(2, false).CommitmentsHash))
	require.True(t, s.PrepareCommitments())

	blinding, err := s.ReadBlindingCommitment()
	require.NoError(t, err)
	require.True(t, blinding.Equal(fx.blindingC))
	for i := range fx.secrets {
		c, err := s.ReadNextCommitment()
		require.NoError(t, err)
		require.True(t, c.Equal(fx.secretsC[i]))
	}
	_, err = s.ReadNextCommitment()
	var se *SuspectsError
	require.ErrorAs(t, err, &se)
	require.Equal(t, []int{0}, se.Pids)

	// losing the sender of the full commitments starts over
	_, err = s.RemoveServersCommitment(0)
	require.NoError(t, err)
	require.False(t, s.PrepareCommitments())
}

func TestLinearStrategyForeignBlinding(t *testing.T) {
	fx := newFixture(t, 4, 1, vss.Linear)
	other, err := fx.reg.CommitTo(fx.reg.NewPolynomial(nil, random.New()))
	require.NoError(t, err)
	s := NewStrategy(fx.reg.Scheme(), fx.reg.Suite(), other, 1)
	require.NoError(t, s.HandleNewCommitments(0, fx.build(0, true).Commitments, nil))
	_, err = s.ReadBlindingCommitment()
	var se *SuspectsError
	require.ErrorAs(t, err, &se)
	require.Equal(t, []int{0}, se.Pids)
}

func TestConstantStrategy(t *testing.T) {
	fx := newFixture(t, 4, 1, vss.Constant)
	s := NewStrategy(fx.reg.Scheme(), fx.reg.Suite(), fx.blindingC, 3)

	require.ErrorIs(t, s.HandleNewCommitments(0, nil, nil), ErrMalformedFrame)
	for _, pid := range []int{0, 1} {
		require.NoError(t, s.HandleNewCommitments(pid, fx.build(pid, pid == 0).Commitments, nil))
	}
	require.False(t, s.PrepareCommitments())
	require.NoError(t, s.HandleNewCommitments(2, fx.build(2, false).Commitments, nil))
	require.True(t, s.PrepareCommitments())

	_, err := s.ReadBlindingCommitment()
	require.NoError(t, err)
	for i := range fx.secrets {
		c, err := s.ReadNextCommitment()
		require.NoError(t, err)
		for _, pid := range []int{0, 1, 2} {
			require.True(t, fx.reg.Scheme().Check(fx.secrets[i].Eval(pid), c), "share %d of %d", i, pid)
		}
	}

	_, err = s.RemoveServersCommitment(2)
	require.NoError(t, err)
	require.False(t, s.PrepareCommitments())
}

func TestConstantStrategyOutliers(t *testing.T) {
	fx := newFixture(t, 4, 1, vss.Constant)
	s := NewStrategy(fx.reg.Scheme(), fx.reg.Suite(), fx.blindingC, 3)
	for _, pid := range []int{0, 1} {
		require.NoError(t, s.HandleNewCommitments(pid, fx.build(pid, false).Commitments, nil))
	}
	// sender 2 commits to other secrets
	for i := range fx.secrets {
		p := fx.reg.NewPolynomial(nil, random.New())
		c, err := fx.reg.CommitTo(p)
		require.NoError(t, err)
		fx.secrets[i], fx.secretsC[i] = p, c
	}
	require.NoError(t, s.HandleNewCommitments(2, fx.build(2, false).Commitments, nil))

	_, err := s.ReadBlindingCommitment()
	require.NoError(t, err)
	_, err = s.ReadNextCommitment()
	var se *SuspectsError
	require.ErrorAs(t, err, &se)
	require.Equal(t, []int{2}, se.Pids)
}
