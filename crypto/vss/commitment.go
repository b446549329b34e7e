// Package vss implements the field arithmetic and polynomial commitments the
// confidentiality layer is built on: the mapping between process ids and
// shareholder ids, two commitment schemes, verifiable shares, blinding and
// interpolation.
//
// A replica with process id p is shareholder p+1. Shares are represented as
// kyber's share.PriShare{I: p}, which kyber evaluates at I+1, so both
// conventions line up.
package vss

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/drand/kyber"
	"github.com/drand/kyber/share"
)

// Kind identifies a commitment scheme.
type Kind uint8

const (
	// Linear commitments grow with the degree of the polynomial (Feldman).
	Linear Kind = iota + 1
	// Constant commitments are one group element plus per-shareholder
	// evaluation witnesses (Kate).
	Constant
)

func (k Kind) String() string {
	switch k {
	case Linear:
		return "linear"
	case Constant:
		return "constant"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// ParseKind maps "linear"/"feldman" and "constant"/"kate" to a Kind.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(s) {
	case "linear", "feldman", "1":
		return Linear, nil
	case "constant", "kate", "0":
		return Constant, nil
	default:
		return 0, fmt.Errorf("vss: unknown commitment scheme %q", s)
	}
}

var (
	// ErrKindMismatch is returned when commitments of different schemes are
	// mixed.
	ErrKindMismatch = errors.New("vss: commitment kind mismatch")
	// ErrIncompatible is returned when commitments cannot be combined
	// because they bind different polynomials or degrees.
	ErrIncompatible = errors.New("vss: incompatible commitments")
	// ErrNoWitness is returned when a constant-size commitment holds no
	// witness for the requested shareholder.
	ErrNoWitness = errors.New("vss: no witness for shareholder")
	// ErrMalformed is returned by Unmarshal on corrupted input.
	ErrMalformed = errors.New("vss: malformed commitment")
)

// Commitment binds a polynomial without revealing it.
type Commitment interface {
	Kind() Kind
	MarshalBinary() ([]byte, error)
	Equal(Commitment) bool
}

// Scheme is a polynomial commitment scheme. Implementations are stateless and
// safe for concurrent use.
type Scheme interface {
	Kind() Kind
	// Group is the group commitments live in.
	Group() kyber.Group
	// Commit commits to poly. members are the process ids that will need to
	// verify their evaluation.
	Commit(poly *share.PriPoly, members []int) (Commitment, error)
	// Check verifies that s is the evaluation of the committed polynomial at
	// the shareholder of s.I. It needs no precomputation.
	Check(s *share.PriShare, c Commitment) bool
	// Add returns the commitment to the sum of both polynomials.
	Add(a, b Commitment) (Commitment, error)
	// Sub returns the commitment to the difference of both polynomials,
	// removing b's contribution from a.
	Sub(a, b Commitment) (Commitment, error)
	// Combine merges per-shareholder views, keyed by process id, of the same
	// polynomial into one commitment. The result does not depend on the
	// iteration order of views.
	Combine(views map[int]Commitment) (Commitment, error)
	// View restricts c to what process pid needs to verify its own share.
	View(c Commitment, pid int) (Commitment, error)
	// Extend returns c made checkable by process target, given the Lagrange
	// coefficients at target of processes whose shares c can already check.
	Extend(c Commitment, target int, lagrange map[int]kyber.Scalar) (Commitment, error)
	Unmarshal(buff []byte) (Commitment, error)
}

func shareholderScalar(g kyber.Group, pid int) kyber.Scalar {
	return g.Scalar().SetInt64(int64(pid) + 1)
}

func sortedKeys(m map[int]Commitment) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}
