package vss

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/drand/kyber"
	"github.com/drand/kyber/pairing"
	"github.com/drand/kyber/share"

	"github.com/cobrabft/cobra/crypto"
	"github.com/cobrabft/cobra/internal/wire"
)

// KateSetup holds the public parameters of the constant-size scheme: the
// powers tau^i of a secret tau in the first source group and tau in the
// second.
type KateSetup struct {
	Powers []kyber.Point
	TauG2  kyber.Point
}

// NewKateSetup derives the parameters for polynomials up to maxDegree from
// seed. Every replica of a view must use the same seed. Whoever knows the seed
// can forge witnesses, so it has to come from a trusted ceremony.
func NewKateSetup(suite *crypto.Suite, maxDegree int, seed []byte) (*KateSetup, error) {
	if maxDegree < 0 {
		return nil, errors.New("vss: negative degree")
	}
	tau := suite.ScalarFromSeed(seed)
	g1 := suite.Pairing.G1()
	powers := make([]kyber.Point, maxDegree+1)
	acc := g1.Scalar().One()
	for i := range powers {
		powers[i] = g1.Point().Mul(acc, nil)
		acc = g1.Scalar().Mul(acc, tau)
	}
	return &KateSetup{
		Powers: powers,
		TauG2:  suite.Pairing.G2().Point().Mul(tau, nil),
	}, nil
}

// MaxDegree returns the largest degree the setup can commit to.
func (k *KateSetup) MaxDegree() int {
	return len(k.Powers) - 1
}

// KateCommitment is a single group element C plus evaluation witnesses keyed
// by process id.
type KateCommitment struct {
	C         kyber.Point
	Witnesses map[int]kyber.Point
}

// Kind implements Commitment.
func (k *KateCommitment) Kind() Kind { return Constant }

// Equal implements Commitment.
func (k *KateCommitment) Equal(c Commitment) bool {
	o, ok := c.(*KateCommitment)
	if !ok || !k.C.Equal(o.C) || len(k.Witnesses) != len(o.Witnesses) {
		return false
	}
	for pid, w := range k.Witnesses {
		ow, ok := o.Witnesses[pid]
		if !ok || !w.Equal(ow) {
			return false
		}
	}
	return true
}

// MarshalBinary encodes C followed by the witnesses sorted by process id.
func (k *KateCommitment) MarshalBinary() ([]byte, error) {
	var b bytes.Buffer
	enc := wire.NewEncoder(&b)
	enc.Raw([]byte{byte(Constant)})
	enc.Marshaler(k.C)
	pids := make(map[int]Commitment, len(k.Witnesses))
	for pid := range k.Witnesses {
		pids[pid] = nil
	}
	keys := sortedKeys(pids)
	enc.Int(len(keys))
	for _, pid := range keys {
		enc.Int(pid)
		enc.Marshaler(k.Witnesses[pid])
	}
	return b.Bytes(), enc.Err()
}

type kate struct {
	setup *KateSetup
	p     pairing.Suite
	g1    kyber.Group
	g2    kyber.Group
}

// NewKate returns the constant-size commitment scheme using setup.
func NewKate(suite *crypto.Suite, setup *KateSetup) Scheme {
	return &kate{
		setup: setup,
		p:     suite.Pairing,
		g1:    suite.Pairing.G1(),
		g2:    suite.Pairing.G2(),
	}
}

func (s *kate) Kind() Kind          { return Constant }
func (s *kate) Group() kyber.Group { return s.g1 }

func (s *kate) eval(coeffs []kyber.Scalar) kyber.Point {
	acc := s.g1.Point().Null()
	for i, c := range coeffs {
		acc = s.g1.Point().Add(acc, s.g1.Point().Mul(c, s.setup.Powers[i]))
	}
	return acc
}

// witness commits to (p(X) - p(x)) / (X - x), obtained by synthetic division.
func (s *kate) witness(coeffs []kyber.Scalar, x kyber.Scalar) kyber.Point {
	d := len(coeffs) - 1
	if d == 0 {
		return s.g1.Point().Null()
	}
	q := make([]kyber.Scalar, d)
	q[d-1] = coeffs[d].Clone()
	for i := d - 1; i > 0; i-- {
		q[i-1] = s.g1.Scalar().Add(coeffs[i], s.g1.Scalar().Mul(x, q[i]))
	}
	return s.eval(q)
}

func (s *kate) Commit(poly *share.PriPoly, members []int) (Commitment, error) {
	coeffs := poly.Coefficients()
	if len(coeffs)-1 > s.setup.MaxDegree() {
		return nil, fmt.Errorf("%w: degree %d above setup maximum %d", ErrIncompatible, len(coeffs)-1, s.setup.MaxDegree())
	}
	c := &KateCommitment{
		C:         s.eval(coeffs),
		Witnesses: make(map[int]kyber.Point, len(members)),
	}
	for _, pid := range members {
		c.Witnesses[pid] = s.witness(coeffs, shareholderScalar(s.g1, pid))
	}
	return c, nil
}

// Check verifies e(C - v*G1, G2) == e(W, tau*G2 - x*G2).
func (s *kate) Check(sh *share.PriShare, c Commitment) bool {
	kc, ok := c.(*KateCommitment)
	if !ok || sh == nil || sh.V == nil {
		return false
	}
	w, ok := kc.Witnesses[sh.I]
	if !ok {
		return false
	}
	x := shareholderScalar(s.g1, sh.I)
	left := s.g1.Point().Sub(kc.C, s.g1.Point().Mul(sh.V, nil))
	right := s.g2.Point().Sub(s.setup.TauG2, s.g2.Point().Mul(x, nil))
	return s.p.Pair(left, s.g2.Point().Base()).Equal(s.p.Pair(w, right))
}

func (s *kate) operands(a, b Commitment) (*KateCommitment, *KateCommitment, error) {
	ka, ok1 := a.(*KateCommitment)
	kb, ok2 := b.(*KateCommitment)
	if !ok1 || !ok2 {
		return nil, nil, ErrKindMismatch
	}
	return ka, kb, nil
}

// combineLinear applies op to C and to every witness both operands hold.
// Witnesses held by only one side cannot be carried over.
func (s *kate) combineLinear(a, b Commitment, op func(x, y kyber.Point) kyber.Point) (Commitment, error) {
	ka, kb, err := s.operands(a, b)
	if err != nil {
		return nil, err
	}
	out := &KateCommitment{
		C:         op(ka.C, kb.C),
		Witnesses: make(map[int]kyber.Point),
	}
	for pid, wa := range ka.Witnesses {
		if wb, ok := kb.Witnesses[pid]; ok {
			out.Witnesses[pid] = op(wa, wb)
		}
	}
	return out, nil
}

func (s *kate) Add(a, b Commitment) (Commitment, error) {
	return s.combineLinear(a, b, func(x, y kyber.Point) kyber.Point {
		return s.g1.Point().Add(x, y)
	})
}

func (s *kate) Sub(a, b Commitment) (Commitment, error) {
	return s.combineLinear(a, b, func(x, y kyber.Point) kyber.Point {
		return s.g1.Point().Sub(x, y)
	})
}

// Combine requires every view to carry the same C and merges their witnesses.
// Two views disagreeing on the witness of a given process are rejected.
func (s *kate) Combine(views map[int]Commitment) (Commitment, error) {
	if len(views) == 0 {
		return nil, fmt.Errorf("%w: no views", ErrIncompatible)
	}
	var out *KateCommitment
	for _, pid := range sortedKeys(views) {
		kc, ok := views[pid].(*KateCommitment)
		if !ok {
			return nil, ErrKindMismatch
		}
		if out == nil {
			out = &KateCommitment{C: kc.C, Witnesses: make(map[int]kyber.Point)}
		} else if !out.C.Equal(kc.C) {
			return nil, fmt.Errorf("%w: view of %d commits to another polynomial", ErrIncompatible, pid)
		}
		for wp, w := range kc.Witnesses {
			if prev, ok := out.Witnesses[wp]; ok && !prev.Equal(w) {
				return nil, fmt.Errorf("%w: conflicting witnesses for %d", ErrIncompatible, wp)
			}
			out.Witnesses[wp] = w
		}
	}
	return out, nil
}

func (s *kate) View(c Commitment, pid int) (Commitment, error) {
	kc, ok := c.(*KateCommitment)
	if !ok {
		return nil, ErrKindMismatch
	}
	w, ok := kc.Witnesses[pid]
	if !ok {
		return nil, fmt.Errorf("%w %d", ErrNoWitness, pid)
	}
	return &KateCommitment{C: kc.C, Witnesses: map[int]kyber.Point{pid: w}}, nil
}

// Extend interpolates the witness of target in the exponent. For a fixed tau
// the witness is a polynomial of degree f-1 in the evaluation point, so the
// witnesses of f+1 processes determine every other one.
func (s *kate) Extend(c Commitment, target int, lagrange map[int]kyber.Scalar) (Commitment, error) {
	kc, ok := c.(*KateCommitment)
	if !ok {
		return nil, ErrKindMismatch
	}
	if w, ok := kc.Witnesses[target]; ok {
		return &KateCommitment{C: kc.C, Witnesses: map[int]kyber.Point{target: w}}, nil
	}
	acc := s.g1.Point().Null()
	for pid, l := range lagrange {
		w, ok := kc.Witnesses[pid]
		if !ok {
			return nil, fmt.Errorf("%w %d", ErrNoWitness, pid)
		}
		acc = s.g1.Point().Add(acc, s.g1.Point().Mul(l, w))
	}
	return &KateCommitment{C: kc.C, Witnesses: map[int]kyber.Point{target: acc}}, nil
}

func (s *kate) Unmarshal(buff []byte) (Commitment, error) {
	if len(buff) < 1 || Kind(buff[0]) != Constant {
		return nil, ErrKindMismatch
	}
	dec := wire.NewDecoder(bytes.NewReader(buff[1:]))
	c := dec.Point(s.g1)
	n := dec.Int()
	if dec.Err() != nil || n < 0 || n > len(buff) {
		return nil, ErrMalformed
	}
	out := &KateCommitment{C: c, Witnesses: make(map[int]kyber.Point, n)}
	for i := 0; i < n; i++ {
		pid := dec.Int()
		w := dec.Point(s.g1)
		if dec.Err() != nil {
			break
		}
		out.Witnesses[pid] = w
	}
	if err := dec.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return out, nil
}
