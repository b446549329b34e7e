package state

import (
	"bytes"
	"fmt"

	"github.com/cobrabft/cobra/crypto/vss"
	"github.com/cobrabft/cobra/internal/wire"
)

// EncodeCommon serializes everything of s except the share values and their
// commitments, which differ from one replica to the other. Honest replicas
// holding the same state produce the same bytes.
func EncodeCommon(s *ApplicationState) ([]byte, error) {
	var b bytes.Buffer
	enc := wire.NewEncoder(&b)
	if s.Batches == nil {
		enc.Int32(wire.Absent)
	} else {
		enc.Int(len(s.Batches))
		for _, batch := range s.Batches {
			encodeBatch(enc, batch)
		}
	}
	enc.Bool(s.Snapshot != nil)
	if s.Snapshot != nil {
		enc.Bytes(s.Snapshot.PlainData)
		encodeSlots(enc, s.Snapshot.Shares)
	}
	return b.Bytes(), enc.Err()
}

func encodeBatch(enc *wire.Encoder, batch *CommandsBatch) {
	if batch.Contexts == nil {
		enc.Int32(wire.Absent)
	} else {
		enc.Int(len(batch.Contexts))
		for _, c := range batch.Contexts {
			c.encode(enc)
		}
	}
	enc.Int(len(batch.Commands))
	for _, cmd := range batch.Commands {
		if len(cmd.Shares) == 0 {
			enc.Int32(wire.Absent)
		} else {
			enc.Int(len(cmd.Shares))
			for _, cd := range cmd.Shares {
				encodeSlot(enc, cd)
			}
		}
		enc.Marshaler(plainRequest{cmd})
	}
}

type plainRequest struct{ *Request }

func (p plainRequest) MarshalBinary() ([]byte, error) {
	return p.MarshalPlain()
}

func encodeSlots(enc *wire.Encoder, slots []*ConfidentialData) {
	if slots == nil {
		enc.Int32(wire.Absent)
		return
	}
	enc.Int(len(slots))
	for _, cd := range slots {
		encodeSlot(enc, cd)
	}
}

func encodeSlot(enc *wire.Encoder, cd *ConfidentialData) {
	var shared []byte
	if cd.Share != nil {
		shared = cd.Share.SharedData
	}
	enc.Bytes(shared)
	if cd.PublicShares == nil {
		enc.Int32(wire.Absent)
		return
	}
	enc.Int(len(cd.PublicShares))
	for _, ps := range cd.PublicShares {
		enc.Marshaler(ps)
	}
}

// DecodeCommon parses bytes produced by EncodeCommon. Every share slot of the
// result holds a VerifiableShare with only SharedData set; FillShares
// completes them.
func DecodeCommon(scheme vss.Scheme, buff []byte) (*ApplicationState, error) {
	r := bytes.NewReader(buff)
	d := &commonDecoder{dec: wire.NewDecoder(r), scheme: scheme}
	s := new(ApplicationState)
	if n := d.dec.Count(); n >= 0 {
		s.Batches = []*CommandsBatch{}
		for i := 0; i < n && d.ok(); i++ {
			s.Batches = append(s.Batches, d.batch())
		}
	}
	if d.dec.Bool() && d.ok() {
		s.Snapshot = &Snapshot{PlainData: d.dec.Bytes()}
		s.Snapshot.Shares = d.slots(d.dec.Count())
	}
	if d.err == nil {
		d.err = d.dec.Err()
	}
	if d.err != nil {
		return nil, fmt.Errorf("state: decoding common state: %w", d.err)
	}
	if r.Len() > 0 {
		return nil, fmt.Errorf("state: %d trailing bytes after common state", r.Len())
	}
	return s, nil
}

type commonDecoder struct {
	dec    *wire.Decoder
	scheme vss.Scheme
	err    error
}

func (d *commonDecoder) ok() bool {
	return d.err == nil && d.dec.Err() == nil
}

func (d *commonDecoder) batch() *CommandsBatch {
	b := new(CommandsBatch)
	if n := d.dec.Count(); n >= 0 {
		b.Contexts = []*MessageContext{}
		for i := 0; i < n && d.ok(); i++ {
			b.Contexts = append(b.Contexts, decodeMessageContext(d.dec))
		}
	}
	n := d.dec.Count()
	if n < 0 && d.ok() {
		d.err = fmt.Errorf("%w: negative command count", wire.ErrCorruptLength)
		return b
	}
	for i := 0; i < n && d.ok(); i++ {
		slots := d.slots(d.dec.Count())
		plain := d.dec.Bytes()
		if !d.ok() {
			break
		}
		req, err := UnmarshalRequest(plain)
		if err != nil {
			d.err = err
			break
		}
		req.Shares = slots
		b.Commands = append(b.Commands, req)
	}
	return b
}

func (d *commonDecoder) slots(n int) []*ConfidentialData {
	if n < 0 || !d.ok() {
		return nil
	}
	out := []*ConfidentialData{}
	for i := 0; i < n && d.ok(); i++ {
		cd := &ConfidentialData{Share: &vss.VerifiableShare{SharedData: d.dec.Bytes()}}
		if m := d.dec.Count(); m >= 0 {
			cd.PublicShares = []*vss.VerifiableShare{}
			for j := 0; j < m && d.ok(); j++ {
				ps, err := vss.UnmarshalShare(d.scheme, d.dec.Bytes())
				if err != nil && d.ok() {
					d.err = err
					break
				}
				cd.PublicShares = append(cd.PublicShares, ps)
			}
		}
		out = append(out, cd)
	}
	return out
}
