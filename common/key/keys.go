// Package key holds the identity material of replicas: their encryption key
// pairs, their network addresses and the view they belong to.
package key

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/drand/kyber"
	"github.com/drand/kyber/util/random"

	"github.com/cobrabft/cobra/crypto"
)

// Pair is a replica's long-term encryption key pair. Proposal points sent to
// this replica are encrypted to Public.Key.
type Pair struct {
	Key    kyber.Scalar
	Public *Identity
}

// Identity is the public part of a replica.
type Identity struct {
	Key kyber.Point
	// Addr is the host:port of the recovery channel of the replica.
	Addr string
	TLS  bool
}

// Address returns the recovery address.
func (i *Identity) Address() string {
	return i.Addr
}

// IsTLS reports whether the recovery channel of the replica runs over TLS.
func (i *Identity) IsTLS() bool {
	return i.TLS
}

// Equal returns true if both identities hold the same key and address.
func (i *Identity) Equal(i2 *Identity) bool {
	if i == nil || i2 == nil {
		return i == i2
	}
	return i.Addr == i2.Addr && i.TLS == i2.TLS && i.Key.Equal(i2.Key)
}

// NewKeyPair returns a fresh key pair in the key group of suite.
func NewKeyPair(suite *crypto.Suite, address string) *Pair {
	k := suite.KeyGroup.Scalar().Pick(random.New())
	return &Pair{
		Key: k,
		Public: &Identity{
			Key:  suite.KeyGroup.Point().Mul(k, nil),
			Addr: address,
		},
	}
}

// PairTOML is the TOML-able version of a private key.
type PairTOML struct {
	Key string
}

// PublicTOML is the TOML-able version of an identity.
type PublicTOML struct {
	Address string
	Key     string
	TLS     bool
}

// TOML returns the private part of the pair as a TOML struct.
func (p *Pair) TOML() interface{} {
	return &PairTOML{ScalarToString(p.Key)}
}

// FromTOML decodes the private part of the pair. Public must be loaded
// separately.
func (p *Pair) FromTOML(suite *crypto.Suite, i interface{}) error {
	ptoml, ok := i.(*PairTOML)
	if !ok {
		return errors.New("key: private can't decode toml from non PairTOML struct")
	}
	k, err := StringToScalar(suite.KeyGroup, ptoml.Key)
	if err != nil {
		return fmt.Errorf("key: private key corrupted: %w", err)
	}
	p.Key = k
	p.Public = new(Identity)
	return nil
}

// TOMLValue returns an empty TOML-compatible value.
func (p *Pair) TOMLValue() interface{} {
	return &PairTOML{}
}

// TOML returns the identity as a TOML struct.
func (i *Identity) TOML() interface{} {
	return &PublicTOML{
		Address: i.Addr,
		Key:     PointToString(i.Key),
		TLS:     i.TLS,
	}
}

// FromTOML decodes the identity.
func (i *Identity) FromTOML(suite *crypto.Suite, t interface{}) error {
	ptoml, ok := t.(*PublicTOML)
	if !ok {
		return errors.New("key: public can't decode from non PublicTOML struct")
	}
	k, err := StringToPoint(suite.KeyGroup, ptoml.Key)
	if err != nil {
		return fmt.Errorf("key: public key corrupted: %w", err)
	}
	i.Key = k
	i.Addr = ptoml.Address
	i.TLS = ptoml.TLS
	return nil
}

// TOMLValue returns an empty TOML-compatible value.
func (i *Identity) TOMLValue() interface{} {
	return &PublicTOML{}
}

// PointToString returns a hex-encoded string representation of the given point.
func PointToString(p kyber.Point) string {
	buff, _ := p.MarshalBinary()
	return hex.EncodeToString(buff)
}

// ScalarToString returns a hex-encoded string representation of the given scalar.
func ScalarToString(s kyber.Scalar) string {
	buff, _ := s.MarshalBinary()
	return hex.EncodeToString(buff)
}

// StringToPoint unmarshals a point in the given group from the given string.
func StringToPoint(g kyber.Group, s string) (kyber.Point, error) {
	buff, err := hex.DecodeString(s)
	if err != nil {
		return nil, err
	}
	p := g.Point()
	return p, p.UnmarshalBinary(buff)
}

// StringToScalar unmarshals a scalar in the given group from the given string.
func StringToScalar(g kyber.Group, s string) (kyber.Scalar, error) {
	buff, err := hex.DecodeString(s)
	if err != nil {
		return nil, err
	}
	sc := g.Scalar()
	return sc, sc.UnmarshalBinary(buff)
}
