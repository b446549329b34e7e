package vss

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/drand/kyber"
	"github.com/drand/kyber/share"

	"github.com/cobrabft/cobra/internal/wire"
)

// VerifiableShare is a point of a shared polynomial together with the
// commitment it can be checked against. SharedData is an optional opaque blob
// the application attaches to the share, such as an encrypted payload.
type VerifiableShare struct {
	Share      *share.PriShare
	Commitment Commitment
	SharedData []byte
}

// ErrInvalidShare is returned when a share does not match its commitment.
var ErrInvalidShare = errors.New("vss: share does not match commitment")

// Valid checks the share against its commitment.
func (v *VerifiableShare) Valid(s Scheme) bool {
	if v == nil || v.Commitment == nil {
		return false
	}
	return s.Check(v.Share, v.Commitment)
}

// Pid returns the process id owning the share.
func (v *VerifiableShare) Pid() int {
	return v.Share.I
}

// MarshalBinary encodes pid, value, commitment and shared data.
func (v *VerifiableShare) MarshalBinary() ([]byte, error) {
	var b bytes.Buffer
	enc := wire.NewEncoder(&b)
	enc.Int(v.Share.I)
	enc.Marshaler(v.Share.V)
	enc.Marshaler(v.Commitment)
	enc.Bytes(v.SharedData)
	return b.Bytes(), enc.Err()
}

// UnmarshalShare decodes a share encoded by MarshalBinary.
func UnmarshalShare(s Scheme, buff []byte) (*VerifiableShare, error) {
	dec := wire.NewDecoder(bytes.NewReader(buff))
	pid := dec.Int()
	val := dec.Scalar(s.Group())
	cb := dec.Bytes()
	data := dec.Bytes()
	if err := dec.Err(); err != nil {
		return nil, fmt.Errorf("vss: decoding share: %w", err)
	}
	c, err := s.Unmarshal(cb)
	if err != nil {
		return nil, err
	}
	return &VerifiableShare{
		Share:      &share.PriShare{I: pid, V: val},
		Commitment: c,
		SharedData: data,
	}, nil
}

// Blind returns s + b in the field, b being the point of a blinding
// polynomial at the index of s. Blinded shares interpolate to the sum of both
// polynomials, whatever the constant term of the blinding one.
func Blind(g kyber.Group, s, b kyber.Scalar) kyber.Scalar {
	return g.Scalar().Add(s, b)
}

// Unblind returns bs - b in the field.
func Unblind(g kyber.Group, bs, b kyber.Scalar) kyber.Scalar {
	return g.Scalar().Sub(bs, b)
}

// Refresh adds the point zero of a zero-secret polynomial to vs and returns the
// refreshed share. zeroCommitment is the commitment to that polynomial; the
// refreshed share is checked against the sum of both commitments.
func Refresh(s Scheme, vs *VerifiableShare, zero *share.PriShare, zeroCommitment Commitment) (*VerifiableShare, error) {
	if vs.Share.I != zero.I {
		return nil, fmt.Errorf("vss: refreshing share of %d with point of %d", vs.Share.I, zero.I)
	}
	c, err := s.Add(vs.Commitment, zeroCommitment)
	if err != nil {
		return nil, err
	}
	out := &VerifiableShare{
		Share:      &share.PriShare{I: vs.Share.I, V: Blind(s.Group(), vs.Share.V, zero.V)},
		Commitment: c,
		SharedData: vs.SharedData,
	}
	if !out.Valid(s) {
		return nil, ErrInvalidShare
	}
	return out, nil
}
