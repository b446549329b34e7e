// Package wire implements the big-endian, length-prefixed binary encoding
// used on the recovery channel and inside recovery state blobs. Absent byte
// blobs are encoded with length -1.
//
// Encoder and Decoder keep the first error they hit and turn every later call
// into a no-op, so callers check Err once at the end.
package wire

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/drand/kyber"
)

// Absent is the length written for a nil blob.
const Absent int32 = -1

// MaxBlobLen bounds the length prefix accepted by a Decoder.
const MaxBlobLen = 1 << 30

// ErrCorruptLength is returned when a length prefix is negative (other than
// Absent) or larger than the configured maximum.
var ErrCorruptLength = errors.New("wire: corrupt length prefix")

// Encoder writes values to an io.Writer.
type Encoder struct {
	w   io.Writer
	err error
	buf [8]byte
}

// NewEncoder returns an encoder over w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// Err returns the first error encountered.
func (e *Encoder) Err() error {
	return e.err
}

func (e *Encoder) write(b []byte) {
	if e.err != nil {
		return
	}
	_, e.err = e.w.Write(b)
}

// Int32 writes v as 4 big-endian bytes.
func (e *Encoder) Int32(v int32) {
	binary.BigEndian.PutUint32(e.buf[:4], uint32(v))
	e.write(e.buf[:4])
}

// Int writes v as an int32, failing if it does not fit.
func (e *Encoder) Int(v int) {
	if v > math.MaxInt32 || v < math.MinInt32 {
		if e.err == nil {
			e.err = fmt.Errorf("wire: %d does not fit in 32 bits", v)
		}
		return
	}
	e.Int32(int32(v))
}

// Int64 writes v as 8 big-endian bytes.
func (e *Encoder) Int64(v int64) {
	binary.BigEndian.PutUint64(e.buf[:8], uint64(v))
	e.write(e.buf[:8])
}

// Bool writes one byte.
func (e *Encoder) Bool(v bool) {
	e.buf[0] = 0
	if v {
		e.buf[0] = 1
	}
	e.write(e.buf[:1])
}

// Bytes writes a length-prefixed blob, Absent when b is nil.
func (e *Encoder) Bytes(b []byte) {
	if b == nil {
		e.Int32(Absent)
		return
	}
	e.Int(len(b))
	e.write(b)
}

// Raw writes b without a prefix.
func (e *Encoder) Raw(b []byte) {
	e.write(b)
}

// Marshaler writes the length-prefixed binary form of m.
func (e *Encoder) Marshaler(m interface{ MarshalBinary() ([]byte, error) }) {
	if e.err != nil {
		return
	}
	b, err := m.MarshalBinary()
	if err != nil {
		e.err = err
		return
	}
	e.Bytes(b)
}

// Decoder reads values from an io.Reader.
type Decoder struct {
	r      io.Reader
	err    error
	maxLen int
	buf    [8]byte
}

// NewDecoder returns a decoder over r accepting blobs up to MaxBlobLen.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: r, maxLen: MaxBlobLen}
}

// NewBufferedDecoder wraps r in a bufio.Reader first.
func NewBufferedDecoder(r io.Reader) *Decoder {
	return NewDecoder(bufio.NewReader(r))
}

// WithMaxLen lowers the accepted blob length.
func (d *Decoder) WithMaxLen(n int) *Decoder {
	d.maxLen = n
	return d
}

// Err returns the first error encountered. Truncated input surfaces as
// io.ErrUnexpectedEOF.
func (d *Decoder) Err() error {
	return d.err
}

func (d *Decoder) fail(err error) {
	if d.err == nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		d.err = err
	}
}

func (d *Decoder) read(b []byte) bool {
	if d.err != nil {
		return false
	}
	if _, err := io.ReadFull(d.r, b); err != nil {
		d.fail(err)
		return false
	}
	return true
}

// Int32 reads 4 big-endian bytes.
func (d *Decoder) Int32() int32 {
	if !d.read(d.buf[:4]) {
		return 0
	}
	return int32(binary.BigEndian.Uint32(d.buf[:4]))
}

// Int reads an int32 as an int.
func (d *Decoder) Int() int {
	return int(d.Int32())
}

// Int64 reads 8 big-endian bytes.
func (d *Decoder) Int64() int64 {
	if !d.read(d.buf[:8]) {
		return 0
	}
	return int64(binary.BigEndian.Uint64(d.buf[:8]))
}

// Bool reads one byte.
func (d *Decoder) Bool() bool {
	if !d.read(d.buf[:1]) {
		return false
	}
	return d.buf[0] != 0
}

// Length reads a length prefix. It returns Absent for absent blobs.
func (d *Decoder) Length() int {
	l := d.Int32()
	if d.err != nil {
		return 0
	}
	if l == Absent {
		return int(Absent)
	}
	if l < 0 || int(l) > d.maxLen {
		d.fail(fmt.Errorf("%w: %d", ErrCorruptLength, l))
		return 0
	}
	return int(l)
}

// Bytes reads a length-prefixed blob; nil when absent. The blob grows as its
// bytes arrive, so a length prefix alone never allocates more than the input
// holds.
func (d *Decoder) Bytes() []byte {
	l := d.Length()
	if d.err != nil || l == int(Absent) {
		return nil
	}
	b, err := io.ReadAll(io.LimitReader(d.r, int64(l)))
	if err != nil {
		d.fail(err)
		return nil
	}
	if len(b) < l {
		d.fail(io.ErrUnexpectedEOF)
		return nil
	}
	return b
}

// Raw reads exactly n bytes.
func (d *Decoder) Raw(n int) []byte {
	b := make([]byte, n)
	if !d.read(b) {
		return nil
	}
	return b
}

// Count reads a list length, Absent mapped to -1.
func (d *Decoder) Count() int {
	return d.Length()
}

// Scalar reads a length-prefixed scalar of g.
func (d *Decoder) Scalar(g kyber.Group) kyber.Scalar {
	b := d.Bytes()
	if d.err != nil {
		return nil
	}
	s := g.Scalar()
	if err := s.UnmarshalBinary(b); err != nil {
		d.fail(err)
		return nil
	}
	return s
}

// Point reads a length-prefixed point of g.
func (d *Decoder) Point(g kyber.Group) kyber.Point {
	b := d.Bytes()
	if d.err != nil {
		return nil
	}
	p := g.Point()
	if err := p.UnmarshalBinary(b); err != nil {
		d.fail(err)
		return nil
	}
	return p
}
