package vss

import (
	"bytes"
	"fmt"

	"github.com/drand/kyber"
	"github.com/drand/kyber/share"

	"github.com/cobrabft/cobra/internal/wire"
)

// FeldmanCommitment commits to every coefficient of a polynomial. Its size is
// linear in the degree.
type FeldmanCommitment struct {
	Commits []kyber.Point
}

// Kind implements Commitment.
func (f *FeldmanCommitment) Kind() Kind { return Linear }

// Equal implements Commitment.
func (f *FeldmanCommitment) Equal(c Commitment) bool {
	o, ok := c.(*FeldmanCommitment)
	if !ok || len(o.Commits) != len(f.Commits) {
		return false
	}
	for i := range f.Commits {
		if !f.Commits[i].Equal(o.Commits[i]) {
			return false
		}
	}
	return true
}

// MarshalBinary encodes the kind, the number of commits and each commit.
func (f *FeldmanCommitment) MarshalBinary() ([]byte, error) {
	var b bytes.Buffer
	enc := wire.NewEncoder(&b)
	enc.Raw([]byte{byte(Linear)})
	enc.Int(len(f.Commits))
	for _, p := range f.Commits {
		enc.Marshaler(p)
	}
	return b.Bytes(), enc.Err()
}

type feldman struct {
	g kyber.Group
}

// NewFeldman returns the linear commitment scheme over g.
func NewFeldman(g kyber.Group) Scheme {
	return &feldman{g: g}
}

func (s *feldman) Kind() Kind          { return Linear }
func (s *feldman) Group() kyber.Group { return s.g }

func (s *feldman) Commit(poly *share.PriPoly, _ []int) (Commitment, error) {
	_, commits := poly.Commit(nil).Info()
	return &FeldmanCommitment{Commits: commits}, nil
}

func (s *feldman) Check(sh *share.PriShare, c Commitment) bool {
	fc, ok := c.(*FeldmanCommitment)
	if !ok || sh == nil || sh.V == nil || len(fc.Commits) == 0 {
		return false
	}
	return share.NewPubPoly(s.g, nil, fc.Commits).Check(sh)
}

func (s *feldman) operands(a, b Commitment) (*FeldmanCommitment, *FeldmanCommitment, error) {
	fa, ok1 := a.(*FeldmanCommitment)
	fb, ok2 := b.(*FeldmanCommitment)
	if !ok1 || !ok2 {
		return nil, nil, ErrKindMismatch
	}
	if len(fa.Commits) != len(fb.Commits) {
		return nil, nil, fmt.Errorf("%w: degree %d vs %d", ErrIncompatible, len(fa.Commits)-1, len(fb.Commits)-1)
	}
	return fa, fb, nil
}

func (s *feldman) Add(a, b Commitment) (Commitment, error) {
	fa, fb, err := s.operands(a, b)
	if err != nil {
		return nil, err
	}
	out := make([]kyber.Point, len(fa.Commits))
	for i := range out {
		out[i] = s.g.Point().Add(fa.Commits[i], fb.Commits[i])
	}
	return &FeldmanCommitment{Commits: out}, nil
}

func (s *feldman) Sub(a, b Commitment) (Commitment, error) {
	fa, fb, err := s.operands(a, b)
	if err != nil {
		return nil, err
	}
	out := make([]kyber.Point, len(fa.Commits))
	for i := range out {
		out[i] = s.g.Point().Sub(fa.Commits[i], fb.Commits[i])
	}
	return &FeldmanCommitment{Commits: out}, nil
}

// Combine requires every view to be identical, since every shareholder
// receives the full commitment.
func (s *feldman) Combine(views map[int]Commitment) (Commitment, error) {
	if len(views) == 0 {
		return nil, fmt.Errorf("%w: no views", ErrIncompatible)
	}
	var first Commitment
	for _, pid := range sortedKeys(views) {
		v := views[pid]
		if v.Kind() != Linear {
			return nil, ErrKindMismatch
		}
		if first == nil {
			first = v
			continue
		}
		if !first.Equal(v) {
			return nil, fmt.Errorf("%w: view of %d differs", ErrIncompatible, pid)
		}
	}
	return first, nil
}

func (s *feldman) View(c Commitment, _ int) (Commitment, error) {
	if c.Kind() != Linear {
		return nil, ErrKindMismatch
	}
	return c, nil
}

// Extend is the identity: a linear commitment checks every shareholder.
func (s *feldman) Extend(c Commitment, _ int, _ map[int]kyber.Scalar) (Commitment, error) {
	if c.Kind() != Linear {
		return nil, ErrKindMismatch
	}
	return c, nil
}

func (s *feldman) Unmarshal(buff []byte) (Commitment, error) {
	if len(buff) < 1 || Kind(buff[0]) != Linear {
		return nil, ErrKindMismatch
	}
	dec := wire.NewDecoder(bytes.NewReader(buff[1:]))
	n := dec.Int()
	if dec.Err() != nil || n <= 0 || n > len(buff) {
		return nil, ErrMalformed
	}
	commits := make([]kyber.Point, n)
	for i := range commits {
		commits[i] = dec.Point(s.g)
	}
	if err := dec.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return &FeldmanCommitment{Commits: commits}, nil
}
