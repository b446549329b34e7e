package recovery

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cobrabft/cobra/common/testlogger"
	"github.com/cobrabft/cobra/crypto/vss"
	cnet "github.com/cobrabft/cobra/internal/net"
)

// pushSolicitor answers solicitations by pushing the sender's state to the
// receiver of the recovering replica.
type pushSolicitor struct {
	t    *testing.T
	fx   *fixture
	addr string
}

func (p *pushSolicitor) Solicit(ctx context.Context, pid int, designated bool) error {
	s := NewStateSender(testlogger.New(p.t), p.fx.build(pid, designated), p.addr, nil)
	return s.Push(ctx, cnet.CreatePeer(p.addr, false))
}

func TestRecoveryOverNetwork(t *testing.T) {
	for _, kind := range kinds {
		t.Run(kind.String(), func(t *testing.T) {
			fx := newFixture(t, 4, 1, kind)
			sol := &pushSolicitor{t: t, fx: fx}
			h, err := NewHandler(&HandlerConfig{
				Registry:      fx.reg,
				Pid:           3,
				RecoveryPoint: fx.recoveryPoint(3),
				Designated:    0,
				Solicitor:     sol,
				Logger:        testlogger.New(t),
			})
			require.NoError(t, err)

			r, err := NewPublicDataReceiver(testlogger.New(t), "127.0.0.1:0", []string{"127.0.0.1"}, nil, h, fx.reg.Suite().Hash)
			require.NoError(t, err)
			defer r.Close()
			r.Start()
			sol.addr = r.Addr()

			h.Start(context.Background())
			select {
			case <-h.Done():
			case <-time.After(10 * time.Second):
				t.Fatal("recovery never completed")
			}
			st, err := h.Result()
			require.NoError(t, err)
			fx.requireRecovered(st, 3)
		})
	}
}

// recordingSink keeps the frames it is given.
type recordingSink struct {
	designation
	frames chan *Frame
}

func (s *recordingSink) DeliverPublicState(f *Frame) error {
	s.frames <- f
	return nil
}

func newRecordingSink(kind vss.Kind, designated int) *recordingSink {
	return &recordingSink{designation: designation{kind: kind, pid: designated}, frames: make(chan *Frame, 4)}
}

func TestStateSenderServesOnce(t *testing.T) {
	fx := newFixture(t, 4, 1, vss.Constant)
	full := fx.build(0, true)
	s := NewStateSender(testlogger.New(t), full, "127.0.0.1:9", nil)
	addr, err := s.Listen("127.0.0.1:0")
	require.NoError(t, err)

	served := make(chan error, 1)
	go func() { served <- s.Serve(context.Background()) }()

	sink := newRecordingSink(vss.Constant, 0)
	peer := cnet.CreatePeer(addr, false)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, Fetch(ctx, peer, nil, sink, fx.reg.Suite().Hash))
	f := <-sink.frames
	require.Equal(t, full.CommonState, f.CommonState)
	require.Equal(t, full.Commitments, f.Commitments)
	require.NoError(t, <-served)

	require.Error(t, Fetch(ctx, peer, nil, sink, fx.reg.Suite().Hash))
}

func TestStateSenderRestrictsPeer(t *testing.T) {
	fx := newFixture(t, 4, 1, vss.Linear)
	s := NewStateSender(testlogger.New(t), fx.build(1, false), "10.9.9.9:1", nil)
	addr, err := s.Listen("127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- s.Serve(ctx) }()

	sink := newRecordingSink(vss.Linear, 0)
	fetchCtx, fetchCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer fetchCancel()
	require.Error(t, Fetch(fetchCtx, cnet.CreatePeer(addr, false), nil, sink, fx.reg.Suite().Hash))
	require.Empty(t, sink.frames)

	require.Error(t, s.Push(fetchCtx, cnet.CreatePeer("127.0.0.1:1", false)))

	cancel()
	select {
	case err := <-served:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not return after cancel")
	}
}

func TestReceiverRejectsUnknownSenders(t *testing.T) {
	fx := newFixture(t, 4, 1, vss.Linear)
	sink := newRecordingSink(vss.Linear, 0)
	r, err := NewPublicDataReceiver(testlogger.New(t), "127.0.0.1:0", []string{"10.9.9.9"}, nil, sink, fx.reg.Suite().Hash)
	require.NoError(t, err)
	r.Start()
	defer r.Close()

	s := NewStateSender(testlogger.New(t), fx.build(0, true), r.Addr(), nil)
	// the write may or may not fail depending on when the connection is reset
	_ = s.Push(context.Background(), cnet.CreatePeer(r.Addr(), false))
	select {
	case <-sink.frames:
		t.Fatal("frame of unknown host delivered")
	case <-time.After(200 * time.Millisecond):
	}
}
