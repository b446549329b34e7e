// Package crypto fixes the curve, field and hash used by every replica of a
// view. A Suite is immutable once built and is passed explicitly to the
// components that need it.
package crypto

import (
	"crypto/cipher"
	"fmt"
	"hash"
	"io"
	"math/big"

	"golang.org/x/crypto/blake2b"

	"github.com/drand/kyber"
	bls "github.com/drand/kyber-bls12381"
	"github.com/drand/kyber/pairing"
	"github.com/drand/kyber/util/random"
)

// DefaultSuiteName is the only suite currently supported.
const DefaultSuiteName = "bls12381-blake2b"

// bls12381Order is the order r of the BLS12-381 prime-order subgroups, i.e.
// the prime of the scalar field shares live in.
const bls12381Order = "52435875175126190479447740508185965837690552500527637822603658699938581184513"

// Suite groups the algebraic structures of a view.
type Suite struct {
	// Name of the suite, stored in view files.
	Name string
	// Pairing is the pairing-friendly curve. KeyGroup and PairGroup are its
	// two source groups.
	Pairing pairing.Suite
	// KeyGroup holds replica encryption keys and commitments.
	KeyGroup kyber.Group
	// PairGroup is the second source group, only used to verify constant-size
	// commitments.
	PairGroup kyber.Group
	// Hash is the digest used for state hashes and view fingerprints.
	Hash func() hash.Hash

	prime *big.Int
}

// NewSuite returns the default suite.
func NewSuite() *Suite {
	p := bls.NewBLS12381Suite()
	prime, _ := new(big.Int).SetString(bls12381Order, 10)
	return &Suite{
		Name:      DefaultSuiteName,
		Pairing:   p,
		KeyGroup:  p.G1(),
		PairGroup: p.G2(),
		Hash:      blake2b256,
		prime:     prime,
	}
}

// SuiteFromName returns the suite registered under name.
func SuiteFromName(name string) (*Suite, error) {
	switch name {
	case DefaultSuiteName, "":
		return NewSuite(), nil
	default:
		return nil, fmt.Errorf("crypto: unknown suite %q", name)
	}
}

func blake2b256() hash.Hash {
	// New256 only errors on oversized keys
	h, _ := blake2b.New256(nil)
	return h
}

// FieldPrime returns a copy of the prime of the scalar field.
func (s *Suite) FieldPrime() *big.Int {
	return new(big.Int).Set(s.prime)
}

// Digest hashes data with the suite hash.
func (s *Suite) Digest(data []byte) []byte {
	h := s.Hash()
	_, _ = h.Write(data)
	return h.Sum(nil)
}

// RandomStream returns a stream drawing from source, or from crypto/rand when
// source is nil.
func (s *Suite) RandomStream(source io.Reader) cipher.Stream {
	if source == nil {
		return random.New()
	}
	return random.New(source)
}

// Scalar returns the scalar x of the key group.
func (s *Suite) Scalar(x int64) kyber.Scalar {
	return s.KeyGroup.Scalar().SetInt64(x)
}

// ScalarFromSeed deterministically maps seed to a scalar.
func (s *Suite) ScalarFromSeed(seed []byte) kyber.Scalar {
	h := blake2b.Sum512(seed)
	return s.KeyGroup.Scalar().SetBytes(h[:])
}
