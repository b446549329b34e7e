// Package recovery transfers the state of a replica to a recovering one
// without revealing its shares. Senders blind every share with their point of
// a jointly created polynomial; the recovering replica checks the blinded
// points against the combined commitments, interpolates its own points and
// removes the blinding with its own point of that polynomial.
package recovery

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/drand/kyber"

	"github.com/cobrabft/cobra/crypto/vss"
	"github.com/cobrabft/cobra/internal/state"
	"github.com/cobrabft/cobra/internal/wire"
)

// ErrNoShare is returned when building recovery state from a share slot that
// holds no share.
var ErrNoShare = errors.New("recovery: share slot without share")

// RecoveryApplicationState is what one sender transmits. Exactly one of
// CommonState and CommonStateHash is set, as told by HasCommonState; the same
// goes for Commitments and CommitmentsHash.
type RecoveryApplicationState struct {
	Pid               int
	LastCheckpointCID int
	LastCID           int
	// Shares are the blinded share values, in state order.
	Shares []kyber.Scalar

	HasCommonState  bool
	CommonState     []byte
	CommonStateHash []byte

	// Commitments holds the view of the blinding commitment followed by the
	// view of every share commitment, each length-prefixed.
	Commitments     []byte
	CommitmentsHash []byte
}

// Builder turns the local application state into what this replica sends to
// a recovering replica.
type Builder struct {
	reg *vss.Registry
	pid int
}

// NewBuilder returns a builder for replica pid.
func NewBuilder(reg *vss.Registry, pid int) *Builder {
	return &Builder{reg: reg, pid: pid}
}

// Build blinds every share of st with the recovery point and serializes the
// rest of the state. When designated is false only the hash of the common
// state is kept; under the linear scheme the same goes for commitments, whose
// bytes are identical on every sender.
func (b *Builder) Build(st *state.ApplicationState, recoveryPoint *vss.VerifiableShare, designated bool) (*RecoveryApplicationState, error) {
	if recoveryPoint.Pid() != b.pid {
		return nil, fmt.Errorf("recovery: recovery point of %d used by %d", recoveryPoint.Pid(), b.pid)
	}
	scheme := b.reg.Scheme()
	g := b.reg.Group()

	common, err := state.EncodeCommon(st)
	if err != nil {
		return nil, err
	}

	var cb bytes.Buffer
	enc := wire.NewEncoder(&cb)
	rv, err := scheme.View(recoveryPoint.Commitment, b.pid)
	if err != nil {
		return nil, err
	}
	enc.Marshaler(rv)

	slots := st.Shares()
	blinded := make([]kyber.Scalar, len(slots))
	for i, cd := range slots {
		if cd.Share == nil || cd.Share.Share == nil {
			return nil, fmt.Errorf("%w: slot %d", ErrNoShare, i)
		}
		if cd.Share.Pid() != b.pid {
			return nil, fmt.Errorf("recovery: slot %d holds the share of %d", i, cd.Share.Pid())
		}
		blinded[i] = vss.Blind(g, cd.Share.Share.V, recoveryPoint.Share.V)
		v, err := scheme.View(cd.Share.Commitment, b.pid)
		if err != nil {
			return nil, err
		}
		enc.Marshaler(v)
	}
	if err := enc.Err(); err != nil {
		return nil, err
	}

	out := &RecoveryApplicationState{
		Pid:               b.pid,
		LastCheckpointCID: st.LastCheckpointCID,
		LastCID:           st.LastCID,
		Shares:            blinded,
		HasCommonState:    designated,
	}
	if designated {
		out.CommonState = common
	} else {
		out.CommonStateHash = b.reg.Suite().Digest(common)
	}
	if designated || scheme.Kind() == vss.Constant {
		out.Commitments = cb.Bytes()
	} else {
		out.CommitmentsHash = b.reg.Suite().Digest(cb.Bytes())
	}
	return out, nil
}

// encodeShares writes the checkpoint ids and the blinded values.
func encodeShares(s *RecoveryApplicationState) ([]byte, error) {
	var b bytes.Buffer
	enc := wire.NewEncoder(&b)
	enc.Int(s.LastCheckpointCID)
	enc.Int(s.LastCID)
	enc.Int(len(s.Shares))
	for _, v := range s.Shares {
		enc.Marshaler(v)
	}
	return b.Bytes(), enc.Err()
}

type blindedShares struct {
	lastCheckpointCID int
	lastCID           int
	values            []kyber.Scalar
}

func decodeShares(g kyber.Group, buff []byte) (*blindedShares, error) {
	r := bytes.NewReader(buff)
	dec := wire.NewDecoder(r)
	out := &blindedShares{
		lastCheckpointCID: dec.Int(),
		lastCID:           dec.Int(),
	}
	n := dec.Count()
	if n < 0 && dec.Err() == nil {
		return nil, fmt.Errorf("%w: negative share count", ErrMalformedFrame)
	}
	for i := 0; i < n && dec.Err() == nil; i++ {
		out.values = append(out.values, dec.Scalar(g))
	}
	if err := dec.Err(); err != nil {
		return nil, fmt.Errorf("%w: blinded shares: %v", ErrMalformedFrame, err)
	}
	if r.Len() > 0 {
		return nil, fmt.Errorf("%w: trailing bytes after blinded shares", ErrMalformedFrame)
	}
	return out, nil
}
