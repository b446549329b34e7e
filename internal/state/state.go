// Package state models the application state a replica hands over during
// recovery: the committed command batches since the last checkpoint and the
// latest snapshot. Secrets appear only as verifiable shares.
package state

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/cobrabft/cobra/crypto/vss"
	"github.com/cobrabft/cobra/internal/wire"
)

// ErrShareCount is returned when filling a state with a number of shares that
// differs from the number of slots it holds.
var ErrShareCount = errors.New("state: share count mismatch")

// RequestType tells the application what a request does.
type RequestType uint8

// Request types understood by the confidential layer.
const (
	Get RequestType = iota
	Put
	Delete
	GetAll
	Policy
)

func (t RequestType) String() string {
	switch t {
	case Get:
		return "get"
	case Put:
		return "put"
	case Delete:
		return "delete"
	case GetAll:
		return "getall"
	case Policy:
		return "policy"
	default:
		return fmt.Sprintf("request(%d)", uint8(t))
	}
}

// ConfidentialData is a secret share held by this replica plus the public
// shares the client attached to it.
type ConfidentialData struct {
	Share        *vss.VerifiableShare
	PublicShares []*vss.VerifiableShare
}

// Request is an ordered client command. Its shares are carried separately
// from its plain part so that they can be blinded on their own.
type Request struct {
	Type      RequestType
	PlainData []byte
	Shares    []*ConfidentialData
}

// MarshalPlain encodes the request without its shares.
func (r *Request) MarshalPlain() ([]byte, error) {
	var b bytes.Buffer
	enc := wire.NewEncoder(&b)
	enc.Raw([]byte{byte(r.Type)})
	enc.Bytes(r.PlainData)
	return b.Bytes(), enc.Err()
}

// UnmarshalRequest decodes a request encoded by MarshalPlain. The returned
// request has no shares.
func UnmarshalRequest(buff []byte) (*Request, error) {
	dec := wire.NewDecoder(bytes.NewReader(buff))
	t := dec.Raw(1)
	data := dec.Bytes()
	if err := dec.Err(); err != nil {
		return nil, fmt.Errorf("state: decoding request: %w", err)
	}
	return &Request{Type: RequestType(t[0]), PlainData: data}, nil
}

// CommandsBatch is one decided batch of the log. Contexts, when present, hold
// one entry per command.
type CommandsBatch struct {
	Commands []*Request
	Contexts []*MessageContext
}

// Snapshot is the application checkpoint.
type Snapshot struct {
	PlainData []byte
	Shares    []*ConfidentialData
}

// ApplicationState is the state transferred to a recovering replica.
type ApplicationState struct {
	LastCheckpointCID int
	LastCID           int
	// Batches is nil when the log holds nothing since the checkpoint.
	Batches  []*CommandsBatch
	Snapshot *Snapshot
}

// Shares returns every share of the state, log first then snapshot, in the
// order used on the wire.
func (s *ApplicationState) Shares() []*ConfidentialData {
	var out []*ConfidentialData
	for _, b := range s.Batches {
		for _, c := range b.Commands {
			out = append(out, c.Shares...)
		}
	}
	if s.Snapshot != nil {
		out = append(out, s.Snapshot.Shares...)
	}
	return out
}

// FillShares sets, in wire order, the verifiable share of every slot of the
// state. SharedData decoded with the common state is kept.
func (s *ApplicationState) FillShares(shares []*vss.VerifiableShare) error {
	slots := s.Shares()
	if len(slots) != len(shares) {
		return fmt.Errorf("%w: %d slots, %d shares", ErrShareCount, len(slots), len(shares))
	}
	for i, slot := range slots {
		vs := shares[i]
		if slot.Share != nil {
			vs.SharedData = slot.Share.SharedData
		}
		slot.Share = vs
	}
	return nil
}
