package polynomial

import (
	"fmt"
	"strconv"

	json "github.com/nikkolasg/hexjson"

	"github.com/cobrabft/cobra/crypto/vss"
)

// Proposal is one sender's contribution to one context: the points of its
// polynomial, each encrypted to the member it belongs to, and the commitment
// to the polynomial.
type Proposal struct {
	Points     map[int][]byte
	Commitment vss.Commitment
}

// ProposalMessage carries a sender's proposals for every context of a round,
// in the order of the contexts.
type ProposalMessage struct {
	Round     string
	Sender    int
	Proposals []*Proposal
}

type proposalJSON struct {
	// keyed by the decimal process id
	Points     map[string][]byte
	Commitment []byte
}

type proposalMessageJSON struct {
	Round     string
	Sender    int
	Proposals []*proposalJSON
}

// Marshal provides a JSON encoding of the message, byte fields being hex
// encoded.
func (m *ProposalMessage) Marshal() ([]byte, error) {
	out, err := m.toJSON()
	if err != nil {
		return nil, err
	}
	return json.Marshal(out)
}

func (m *ProposalMessage) toJSON() (*proposalMessageJSON, error) {
	out := &proposalMessageJSON{
		Round:     m.Round,
		Sender:    m.Sender,
		Proposals: make([]*proposalJSON, len(m.Proposals)),
	}
	for i, p := range m.Proposals {
		if p == nil || p.Commitment == nil {
			return nil, fmt.Errorf("polynomial: proposal %d of %d is empty", i, m.Sender)
		}
		c, err := p.Commitment.MarshalBinary()
		if err != nil {
			return nil, err
		}
		points := make(map[string][]byte, len(p.Points))
		for pid, pt := range p.Points {
			points[strconv.Itoa(pid)] = pt
		}
		out.Proposals[i] = &proposalJSON{Points: points, Commitment: c}
	}
	return out, nil
}

// UnmarshalProposalMessage decodes a message produced by Marshal, decoding
// commitments with scheme.
func UnmarshalProposalMessage(scheme vss.Scheme, buff []byte) (*ProposalMessage, error) {
	in := new(proposalMessageJSON)
	if err := json.Unmarshal(buff, in); err != nil {
		return nil, fmt.Errorf("polynomial: decoding proposal message: %w", err)
	}
	return in.decode(scheme)
}

func (in *proposalMessageJSON) decode(scheme vss.Scheme) (*ProposalMessage, error) {
	m := &ProposalMessage{
		Round:     in.Round,
		Sender:    in.Sender,
		Proposals: make([]*Proposal, len(in.Proposals)),
	}
	for i, p := range in.Proposals {
		if p == nil {
			return nil, fmt.Errorf("polynomial: proposal %d of %d is empty", i, in.Sender)
		}
		c, err := scheme.Unmarshal(p.Commitment)
		if err != nil {
			return nil, err
		}
		points := make(map[int][]byte, len(p.Points))
		for k, pt := range p.Points {
			pid, err := strconv.Atoi(k)
			if err != nil {
				return nil, fmt.Errorf("polynomial: point key %q: %w", k, err)
			}
			points[pid] = pt
		}
		m.Proposals[i] = &Proposal{Points: points, Commitment: c}
	}
	return m, nil
}
