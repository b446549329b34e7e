package state

import (
	"github.com/cobrabft/cobra/internal/wire"
)

// ConsensusProof is one message of the proof that a batch was decided.
type ConsensusProof struct {
	Number int
	Epoch  int
	Type   int
	Value  []byte
}

// MessageContext is the metadata the ordering layer attaches to a command.
type MessageContext struct {
	Sender      int
	ViewID      int
	Type        int
	Session     int
	Sequence    int
	OperationID int
	ReplyServer int
	Signature   []byte
	Timestamp   int64
	Regency     int
	Leader      int
	ConsensusID int
	NumOfNonces int
	Seed        int64
	Proof       []*ConsensusProof
	LastInBatch bool
	NoOp        bool
	Nonces      []byte
}

func (m *MessageContext) encode(enc *wire.Encoder) {
	enc.Int(m.Sender)
	enc.Int(m.ViewID)
	enc.Int(m.Type)
	enc.Int(m.Session)
	enc.Int(m.Sequence)
	enc.Int(m.OperationID)
	enc.Int(m.ReplyServer)
	enc.Bytes(m.Signature)
	enc.Int64(m.Timestamp)
	enc.Int(m.Regency)
	enc.Int(m.Leader)
	enc.Int(m.ConsensusID)
	enc.Int(m.NumOfNonces)
	enc.Int64(m.Seed)
	if m.Proof == nil {
		enc.Int32(wire.Absent)
	} else {
		enc.Int(len(m.Proof))
		for _, p := range m.Proof {
			enc.Int(p.Number)
			enc.Int(p.Epoch)
			enc.Int(p.Type)
			enc.Bytes(p.Value)
		}
	}
	enc.Bool(m.LastInBatch)
	enc.Bool(m.NoOp)
	enc.Bytes(m.Nonces)
}

func decodeMessageContext(dec *wire.Decoder) *MessageContext {
	m := &MessageContext{
		Sender:      dec.Int(),
		ViewID:      dec.Int(),
		Type:        dec.Int(),
		Session:     dec.Int(),
		Sequence:    dec.Int(),
		OperationID: dec.Int(),
		ReplyServer: dec.Int(),
		Signature:   dec.Bytes(),
		Timestamp:   dec.Int64(),
		Regency:     dec.Int(),
		Leader:      dec.Int(),
		ConsensusID: dec.Int(),
		NumOfNonces: dec.Int(),
		Seed:        dec.Int64(),
	}
	if n := dec.Count(); n >= 0 && dec.Err() == nil {
		m.Proof = []*ConsensusProof{}
		for i := 0; i < n && dec.Err() == nil; i++ {
			m.Proof = append(m.Proof, &ConsensusProof{
				Number: dec.Int(),
				Epoch:  dec.Int(),
				Type:   dec.Int(),
				Value:  dec.Bytes(),
			})
		}
	}
	m.LastInBatch = dec.Bool()
	m.NoOp = dec.Bool()
	m.Nonces = dec.Bytes()
	return m
}
