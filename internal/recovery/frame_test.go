package recovery

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cobrabft/cobra/crypto"
	"github.com/cobrabft/cobra/crypto/vss"
	"github.com/cobrabft/cobra/internal/wire"
)

type designation struct {
	kind vss.Kind
	pid  int
}

func (d designation) Kind() vss.Kind            { return d.kind }
func (d designation) IsDesignated(pid int) bool { return pid == d.pid }

func TestReadAndHash(t *testing.T) {
	suite := crypto.NewSuite()
	data := make([]byte, 5000)
	for i := range data {
		data[i] = byte(i)
	}
	got, sum, err := readAndHash(bytes.NewReader(data), len(data), suite.Hash())
	require.NoError(t, err)
	require.Equal(t, data, got)
	require.Equal(t, suite.Digest(data), sum)

	_, _, err = readAndHash(bytes.NewReader(data[:3000]), len(data), suite.Hash())
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)

	// a forged length only costs what the input holds
	_, _, err = readAndHash(bytes.NewReader(data[:10]), 1<<30, suite.Hash())
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestReadFrameForgedLengths(t *testing.T) {
	suite := crypto.NewSuite()
	d := designation{kind: vss.Linear, pid: 0}

	// above the frame limit
	var b bytes.Buffer
	enc := wire.NewEncoder(&b)
	enc.Int(1)
	enc.Int32(MaxFrameBlob + 1)
	_, err := ReadFrame(&b, d, suite.Hash)
	require.ErrorIs(t, err, ErrMalformedFrame)
	require.Contains(t, err.Error(), wire.ErrCorruptLength.Error())

	// within the limit but far longer than the input, for the designated
	// sender whose blobs are hashed while read and for the others
	for _, pid := range []int{0, 1} {
		b.Reset()
		enc = wire.NewEncoder(&b)
		enc.Int(pid)
		enc.Bytes([]byte{1})
		enc.Int32(MaxFrameBlob)
		enc.Raw([]byte{2, 3, 4})
		_, err = ReadFrame(&b, d, suite.Hash)
		require.ErrorIs(t, err, ErrMalformedFrame, "pid %d", pid)
		require.Contains(t, err.Error(), io.ErrUnexpectedEOF.Error(), "pid %d", pid)
	}
}

func TestChunkedWriter(t *testing.T) {
	var calls []int
	w := &chunkedWriter{w: writerFunc(func(p []byte) (int, error) {
		calls = append(calls, len(p))
		return len(p), nil
	})}
	n, err := w.Write(make([]byte, 2*blockSize+10))
	require.NoError(t, err)
	require.Equal(t, 2*blockSize+10, n)
	require.Equal(t, []int{blockSize, blockSize, 10}, calls)
}

type writerFunc func([]byte) (int, error)

func (f writerFunc) Write(p []byte) (int, error) { return f(p) }

func TestFrameRoundTrip(t *testing.T) {
	for _, kind := range kinds {
		t.Run(kind.String(), func(t *testing.T) {
			fx := newFixture(t, 4, 1, kind)
			suite := fx.reg.Suite()
			d := designation{kind: kind, pid: 0}

			full := fx.build(0, true)
			var b bytes.Buffer
			n, err := WriteFrame(&b, full)
			require.NoError(t, err)
			require.EqualValues(t, b.Len(), n)
			f, err := ReadFrame(&b, d, suite.Hash)
			require.NoError(t, err)
			require.Equal(t, 0, f.Pid)
			require.True(t, f.HasCommonState())
			require.Equal(t, full.CommonState, f.CommonState)
			require.Equal(t, suite.Digest(full.CommonState), f.CommonStateHash)
			require.Equal(t, full.Commitments, f.Commitments)
			require.Equal(t, suite.Digest(full.Commitments), f.CommitmentsHash)
			shares, err := decodeShares(fx.reg.Group(), f.BlindedShares)
			require.NoError(t, err)
			require.Equal(t, 40, shares.lastCheckpointCID)
			require.Equal(t, 42, shares.lastCID)
			require.Len(t, shares.values, 3)
			require.True(t, shares.values[0].Equal(full.Shares[0]))

			partial := fx.build(2, false)
			b.Reset()
			_, err = WriteFrame(&b, partial)
			require.NoError(t, err)
			f, err = ReadFrame(&b, d, suite.Hash)
			require.NoError(t, err)
			require.False(t, f.HasCommonState())
			require.Equal(t, partial.CommonStateHash, f.CommonStateHash)
			if kind == vss.Linear {
				require.Nil(t, f.Commitments)
				require.Equal(t, partial.CommitmentsHash, f.CommitmentsHash)
			} else {
				require.Equal(t, partial.Commitments, f.Commitments)
			}
		})
	}
}

func TestReadFrameMalformed(t *testing.T) {
	fx := newFixture(t, 4, 1, vss.Linear)
	suite := fx.reg.Suite()
	d := designation{kind: vss.Linear, pid: 0}

	var b bytes.Buffer
	_, err := WriteFrame(&b, fx.build(0, true))
	require.NoError(t, err)
	whole := b.Bytes()
	for _, cut := range []int{2, 10, len(whole) / 2, len(whole) - 1} {
		_, err := ReadFrame(bytes.NewReader(whole[:cut]), d, suite.Hash)
		require.ErrorIs(t, err, ErrMalformedFrame, "cut at %d", cut)
	}

	// absent blobs
	b.Reset()
	enc := wire.NewEncoder(&b)
	enc.Int(1)
	enc.Bytes([]byte{1})
	enc.Bytes(nil)
	enc.Bytes([]byte{2})
	require.NoError(t, enc.Err())
	_, err = ReadFrame(&b, d, suite.Hash)
	require.ErrorIs(t, err, ErrMalformedFrame)

	// oversized length prefix
	b.Reset()
	enc = wire.NewEncoder(&b)
	enc.Int(1)
	enc.Int32(-7)
	_, err = ReadFrame(&b, d, suite.Hash)
	require.ErrorIs(t, err, ErrMalformedFrame)

	// a sender with nothing to send cannot write a frame
	_, err = WriteFrame(&b, &RecoveryApplicationState{Pid: 1})
	require.ErrorIs(t, err, ErrMalformedFrame)
}

func TestDecodeSharesRejectsTrailingBytes(t *testing.T) {
	fx := newFixture(t, 4, 1, vss.Linear)
	s := fx.build(1, false)
	buff, err := encodeShares(s)
	require.NoError(t, err)
	_, err = decodeShares(fx.reg.Group(), append(buff, 0))
	require.ErrorIs(t, err, ErrMalformedFrame)
	_, err = decodeShares(fx.reg.Group(), buff[:len(buff)-1])
	require.ErrorIs(t, err, ErrMalformedFrame)
}
