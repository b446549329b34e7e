package vss

import (
	"math/rand"
	"testing"

	"github.com/drand/kyber/share"
	"github.com/drand/kyber/util/random"
	"github.com/stretchr/testify/require"
)

var kinds = []Kind{Linear, Constant}

func TestParseKind(t *testing.T) {
	k, err := ParseKind("kate")
	require.NoError(t, err)
	require.Equal(t, Constant, k)
	k, err = ParseKind("Linear")
	require.NoError(t, err)
	require.Equal(t, Linear, k)
	_, err = ParseKind("pedersen")
	require.Error(t, err)
	require.Equal(t, "constant", Constant.String())
}

func TestCommitmentCheck(t *testing.T) {
	for _, kind := range kinds {
		t.Run(kind.String(), func(t *testing.T) {
			reg := newRegistry(t, 4, 1, kind)
			s := reg.Scheme()
			poly := reg.NewPolynomial(nil, random.New())
			c, err := reg.CommitTo(poly)
			require.NoError(t, err)

			for _, pid := range reg.Members() {
				require.True(t, s.Check(poly.Eval(pid), c), "pid %d", pid)
			}

			bad := poly.Eval(2)
			bad.V = reg.Group().Scalar().Add(bad.V, reg.Group().Scalar().One())
			require.False(t, s.Check(bad, c))
			require.False(t, s.Check(nil, c))
		})
	}
}

func TestCommitmentMarshalling(t *testing.T) {
	for _, kind := range kinds {
		t.Run(kind.String(), func(t *testing.T) {
			reg := newRegistry(t, 4, 1, kind)
			s := reg.Scheme()
			c, err := reg.CommitTo(reg.NewPolynomial(nil, random.New()))
			require.NoError(t, err)

			buff, err := c.MarshalBinary()
			require.NoError(t, err)
			c2, err := s.Unmarshal(buff)
			require.NoError(t, err)
			require.True(t, c.Equal(c2))

			_, err = s.Unmarshal(buff[:len(buff)-3])
			require.ErrorIs(t, err, ErrMalformed)
			_, err = s.Unmarshal(nil)
			require.ErrorIs(t, err, ErrKindMismatch)
		})
	}
}

func TestCommitmentAddSub(t *testing.T) {
	for _, kind := range kinds {
		t.Run(kind.String(), func(t *testing.T) {
			reg := newRegistry(t, 4, 1, kind)
			s := reg.Scheme()
			p1 := reg.NewPolynomial(nil, random.New())
			p2 := reg.NewPolynomial(nil, random.New())
			c1, err := reg.CommitTo(p1)
			require.NoError(t, err)
			c2, err := reg.CommitTo(p2)
			require.NoError(t, err)

			sum, err := s.Add(c1, c2)
			require.NoError(t, err)
			p3, err := p1.Add(p2)
			require.NoError(t, err)
			for _, pid := range reg.Members() {
				require.True(t, s.Check(p3.Eval(pid), sum))
				require.False(t, s.Check(p1.Eval(pid), sum))
			}

			back, err := s.Sub(sum, c2)
			require.NoError(t, err)
			require.True(t, back.Equal(c1))
		})
	}
}

func TestCommitmentCombineOrderIndependent(t *testing.T) {
	for _, kind := range kinds {
		t.Run(kind.String(), func(t *testing.T) {
			reg := newRegistry(t, 7, 2, kind)
			s := reg.Scheme()
			poly := reg.NewPolynomial(nil, random.New())
			full, err := reg.CommitTo(poly)
			require.NoError(t, err)

			subset := []int{0, 2, 3, 5, 6}
			var reference []byte
			for i := 0; i < 10; i++ {
				rand.Shuffle(len(subset), func(a, b int) {
					subset[a], subset[b] = subset[b], subset[a]
				})
				views := make(map[int]Commitment)
				for _, pid := range subset {
					v, err := s.View(full, pid)
					require.NoError(t, err)
					views[pid] = v
				}
				combined, err := s.Combine(views)
				require.NoError(t, err)
				for _, pid := range subset {
					require.True(t, s.Check(poly.Eval(pid), combined))
				}
				buff, err := combined.MarshalBinary()
				require.NoError(t, err)
				if reference == nil {
					reference = buff
				}
				require.Equal(t, reference, buff)
			}

			all := make(map[int]Commitment)
			for _, pid := range reg.Members() {
				v, err := s.View(full, pid)
				require.NoError(t, err)
				all[pid] = v
			}
			combined, err := s.Combine(all)
			require.NoError(t, err)
			require.True(t, combined.Equal(full))
		})
	}
}

func TestCombineRejectsForeignView(t *testing.T) {
	for _, kind := range kinds {
		t.Run(kind.String(), func(t *testing.T) {
			reg := newRegistry(t, 4, 1, kind)
			s := reg.Scheme()
			c1, err := reg.CommitTo(reg.NewPolynomial(nil, random.New()))
			require.NoError(t, err)
			c2, err := reg.CommitTo(reg.NewPolynomial(nil, random.New()))
			require.NoError(t, err)
			v0, err := s.View(c1, 0)
			require.NoError(t, err)
			v1, err := s.View(c2, 1)
			require.NoError(t, err)
			_, err = s.Combine(map[int]Commitment{0: v0, 1: v1})
			require.ErrorIs(t, err, ErrIncompatible)
			_, err = s.Combine(nil)
			require.ErrorIs(t, err, ErrIncompatible)
		})
	}
}

func TestKateViewHoldsSingleWitness(t *testing.T) {
	reg := newRegistry(t, 4, 1, Constant)
	s := reg.Scheme()
	poly := reg.NewPolynomial(nil, random.New())
	c, err := reg.CommitTo(poly)
	require.NoError(t, err)

	v, err := s.View(c, 3)
	require.NoError(t, err)
	require.Len(t, v.(*KateCommitment).Witnesses, 1)
	require.True(t, s.Check(poly.Eval(3), v))
	require.False(t, s.Check(poly.Eval(2), v))

	_, err = s.View(v, 2)
	require.ErrorIs(t, err, ErrNoWitness)
}

func TestKateRejectsDegreeAboveSetup(t *testing.T) {
	reg := newRegistry(t, 4, 1, Constant)
	poly := share.NewPriPoly(reg.Group(), 4, nil, random.New())
	_, err := reg.CommitTo(poly)
	require.ErrorIs(t, err, ErrIncompatible)
}

func TestMixedKinds(t *testing.T) {
	lin := newRegistry(t, 4, 1, Linear)
	cst := newRegistry(t, 4, 1, Constant)
	poly := lin.NewPolynomial(nil, random.New())
	cl, err := lin.CommitTo(poly)
	require.NoError(t, err)
	cc, err := cst.CommitTo(poly)
	require.NoError(t, err)
	_, err = lin.Scheme().Add(cl, cc)
	require.ErrorIs(t, err, ErrKindMismatch)
	require.False(t, cst.Scheme().Check(poly.Eval(0), cl))
}
