package recovery

import (
	"bufio"
	"errors"
	"fmt"
	"hash"
	"io"

	"github.com/cobrabft/cobra/crypto/vss"
	"github.com/cobrabft/cobra/internal/wire"
)

// blockSize is the size of the chunks large blobs are written and hashed in.
const blockSize = 1024

// MaxFrameBlob bounds the length of every blob of a frame.
const MaxFrameBlob = 256 << 20

// ErrMalformedFrame is returned for frames that cannot be decoded.
var ErrMalformedFrame = errors.New("recovery: malformed frame")

// Frame is one sender's transmission as read from the wire. Blobs a sender
// only sends the hash of are nil; hashes of blobs received in full are
// computed while reading.
type Frame struct {
	Pid             int
	BlindedShares   []byte
	Commitments     []byte
	CommitmentsHash []byte
	CommonState     []byte
	CommonStateHash []byte
}

// HasCommonState reports whether the frame carries the full common state.
func (f *Frame) HasCommonState() bool {
	return f.CommonState != nil
}

// WriteFrame writes
// pid | len | blinded shares | len | commitments or hash | len | state or hash
// with big-endian 32 bits integers. Large blobs go out in blockSize chunks.
func WriteFrame(w io.Writer, s *RecoveryApplicationState) (int64, error) {
	shares, err := encodeShares(s)
	if err != nil {
		return 0, err
	}
	commitments := s.Commitments
	if commitments == nil {
		commitments = s.CommitmentsHash
	}
	common := s.CommonStateHash
	if s.HasCommonState {
		common = s.CommonState
	}
	if commitments == nil || common == nil {
		return 0, fmt.Errorf("%w: sender %d has nothing to send", ErrMalformedFrame, s.Pid)
	}

	cw := &countingWriter{w: w}
	bw := bufio.NewWriterSize(cw, blockSize)
	enc := wire.NewEncoder(&chunkedWriter{w: bw})
	enc.Int(s.Pid)
	enc.Bytes(shares)
	enc.Bytes(commitments)
	enc.Bytes(common)
	if err := enc.Err(); err != nil {
		return cw.n, err
	}
	err = bw.Flush()
	return cw.n, err
}

// Designation tells a frame reader how to interpret a sender's blobs.
type Designation interface {
	// Kind is the commitment scheme in use.
	Kind() vss.Kind
	// IsDesignated reports whether pid is expected to send the full state.
	IsDesignated(pid int) bool
}

// ReadFrame decodes a frame written by WriteFrame. The commitments blob is
// raw under the constant-size scheme and for the designated sender; the
// state blob is raw only for the designated sender. Raw blobs of the
// designated sender are hashed with h while being read.
func ReadFrame(r io.Reader, d Designation, h func() hash.Hash) (*Frame, error) {
	br := bufio.NewReaderSize(r, blockSize)
	dec := wire.NewDecoder(br).WithMaxLen(MaxFrameBlob)
	f := &Frame{Pid: dec.Int()}
	f.BlindedShares = dec.Bytes()
	if err := dec.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	designated := d.IsDesignated(f.Pid)

	var err error
	switch {
	case d.Kind() == vss.Constant && !designated:
		f.Commitments = dec.Bytes()
	case designated:
		f.Commitments, f.CommitmentsHash, err = readBlob(dec, br, h)
	default:
		f.CommitmentsHash = dec.Bytes()
	}
	if err == nil && designated {
		f.CommonState, f.CommonStateHash, err = readBlob(dec, br, h)
	} else if err == nil {
		f.CommonStateHash = dec.Bytes()
	}
	if err == nil {
		err = dec.Err()
	}
	if err != nil {
		return nil, fmt.Errorf("%w: from %d: %v", ErrMalformedFrame, f.Pid, err)
	}
	if f.BlindedShares == nil || (f.Commitments == nil && f.CommitmentsHash == nil) || f.CommonStateHash == nil {
		return nil, fmt.Errorf("%w: absent blob from %d", ErrMalformedFrame, f.Pid)
	}
	return f, nil
}

func readBlob(dec *wire.Decoder, r io.Reader, h func() hash.Hash) ([]byte, []byte, error) {
	n := dec.Length()
	if err := dec.Err(); err != nil {
		return nil, nil, err
	}
	if n < 0 {
		return nil, nil, fmt.Errorf("absent blob")
	}
	return readAndHash(r, n, h())
}

// readAndHash reads exactly n bytes from r. A background goroutine hashes
// every chunk as soon as it has landed, so the digest is ready right after
// the last read. Memory grows with the bytes actually read.
func readAndHash(r io.Reader, n int, h hash.Hash) ([]byte, []byte, error) {
	data := make([]byte, 0, minInt(n, blockSize))
	ready := make(chan []byte, 16)
	digest := make(chan []byte, 1)
	go func() {
		for chunk := range ready {
			_, _ = h.Write(chunk)
		}
		digest <- h.Sum(nil)
	}()

	var err error
	for len(data) < n {
		chunk := make([]byte, minInt(n-len(data), blockSize))
		var k int
		k, err = io.ReadFull(r, chunk)
		if k > 0 {
			ready <- chunk[:k]
			data = append(data, chunk[:k]...)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			break
		}
	}
	close(ready)
	sum := <-digest
	if err != nil {
		return nil, nil, err
	}
	return data, sum, nil
}

// chunkedWriter splits large writes into blockSize pieces.
type chunkedWriter struct {
	w io.Writer
}

func (c *chunkedWriter) Write(p []byte) (int, error) {
	written := 0
	for written < len(p) {
		end := written + blockSize
		if end > len(p) {
			end = len(p)
		}
		n, err := c.w.Write(p[written:end])
		written += n
		if err != nil {
			return written, err
		}
	}
	return written, nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
