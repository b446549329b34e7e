package polynomial

import (
	"errors"
	"fmt"

	json "github.com/nikkolasg/hexjson"

	"github.com/cobrabft/cobra/crypto/vss"
)

// Message is anything exchanged between the creators of a round.
type Message interface {
	// RoundID is the id of the round the message belongs to.
	RoundID() string
	// From is the pid of the replica that sent the message.
	From() int
}

// RoundID implements Message.
func (m *ProposalMessage) RoundID() string { return m.Round }

// From implements Message.
func (m *ProposalMessage) From() int { return m.Sender }

// FinalSetMessage is sent by the leader of a round once it has a quorum of
// valid proposals: every replica finalizes with the proposals of Senders.
type FinalSetMessage struct {
	Round   string
	Sender  int
	Senders []int
}

// RoundID implements Message.
func (m *FinalSetMessage) RoundID() string { return m.Round }

// From implements Message.
func (m *FinalSetMessage) From() int { return m.Sender }

// ComplaintMessage is sent by a replica whose points from some senders of the
// final set do not match their commitments.
type ComplaintMessage struct {
	Round   string
	Sender  int
	Accused []int
}

// RoundID implements Message.
func (m *ComplaintMessage) RoundID() string { return m.Round }

// From implements Message.
func (m *ComplaintMessage) From() int { return m.Sender }

// JustificationMessage answers a complaint: the accused sender deals again,
// encrypted to the complainer, its point of every context.
type JustificationMessage struct {
	Round      string
	Sender     int
	Complainer int
	Points     [][]byte
}

// RoundID implements Message.
func (m *JustificationMessage) RoundID() string { return m.Round }

// From implements Message.
func (m *JustificationMessage) From() int { return m.Sender }

// messageJSON tags the message it holds by the field that is set.
type messageJSON struct {
	Proposal      *proposalMessageJSON  `json:",omitempty"`
	FinalSet      *FinalSetMessage      `json:",omitempty"`
	Complaint     *ComplaintMessage     `json:",omitempty"`
	Justification *JustificationMessage `json:",omitempty"`
}

// MarshalMessage encodes any message of a round.
func MarshalMessage(m Message) ([]byte, error) {
	out := new(messageJSON)
	switch msg := m.(type) {
	case *ProposalMessage:
		p, err := msg.toJSON()
		if err != nil {
			return nil, err
		}
		out.Proposal = p
	case *FinalSetMessage:
		out.FinalSet = msg
	case *ComplaintMessage:
		out.Complaint = msg
	case *JustificationMessage:
		out.Justification = msg
	default:
		return nil, fmt.Errorf("polynomial: cannot encode %T", m)
	}
	return json.Marshal(out)
}

// UnmarshalMessage decodes a message produced by MarshalMessage.
func UnmarshalMessage(scheme vss.Scheme, buff []byte) (Message, error) {
	in := new(messageJSON)
	if err := json.Unmarshal(buff, in); err != nil {
		return nil, fmt.Errorf("polynomial: decoding message: %w", err)
	}
	switch {
	case in.Proposal != nil:
		return in.Proposal.decode(scheme)
	case in.FinalSet != nil:
		return in.FinalSet, nil
	case in.Complaint != nil:
		return in.Complaint, nil
	case in.Justification != nil:
		return in.Justification, nil
	default:
		return nil, errors.New("polynomial: empty message")
	}
}
