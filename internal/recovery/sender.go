package recovery

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"hash"
	"sync"

	"github.com/google/uuid"

	"github.com/cobrabft/cobra/common/log"
	"github.com/cobrabft/cobra/internal/metrics"
	cnet "github.com/cobrabft/cobra/internal/net"
)

// ErrSenderClosed is returned by Serve once the sender was closed before
// completing its transfer.
var ErrSenderClosed = errors.New("recovery: state sender closed")

// StateSender transmits one replica's recovery state, exactly once, to the
// recovering replica. It can either serve the recovering replica's pull on
// its own listener or push the state to the recovering replica's
// PublicDataReceiver.
type StateSender struct {
	l       log.Logger
	state   *RecoveryApplicationState
	peer    string
	tls     *tls.Config
	session uuid.UUID

	mu   sync.Mutex
	lis  *cnet.AllowListener
	once sync.Once
}

// NewStateSender returns a sender of st to the replica at peer.
func NewStateSender(l log.Logger, st *RecoveryApplicationState, peer string, conf *tls.Config) *StateSender {
	session := uuid.New()
	return &StateSender{
		l:       l.Named("sender").With("session", session.String(), "pid", st.Pid, "peer", peer),
		state:   st,
		peer:    peer,
		tls:     conf,
		session: session,
	}
}

// Listen binds addr, accepting connections from the recovering replica's host
// only. It returns the bound address.
func (s *StateSender) Listen(addr string) (string, error) {
	lis, err := cnet.Listen(s.l, addr, []string{s.peer}, s.tls)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	s.lis = lis
	s.mu.Unlock()
	return lis.Addr().String(), nil
}

// Serve writes the state on the first connection of the recovering replica
// and closes the listener. Connections from other hosts are closed unread by
// the listener. It blocks until the transfer succeeds, fails, or ctx is done.
func (s *StateSender) Serve(ctx context.Context) error {
	s.mu.Lock()
	lis := s.lis
	s.mu.Unlock()
	if lis == nil {
		return errors.New("recovery: state sender not listening")
	}
	defer s.Close()
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-stop:
		}
	}()

	conn, err := lis.Accept()
	if err != nil {
		if cnet.IsClosed(err) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return ErrSenderClosed
		}
		return err
	}
	defer conn.Close()
	n, err := WriteFrame(conn, s.state)
	metrics.RecoveryBytes.WithLabelValues("sent").Add(float64(n))
	if err != nil {
		s.l.Errorw("sending recovery state", "err", err)
		return err
	}
	s.l.Infow("recovery state sent", "bytes", n, "full", s.state.HasCommonState)
	return nil
}

// Push dials the recovering replica's receiver and writes the state.
func (s *StateSender) Push(ctx context.Context, p cnet.Peer) error {
	if cnet.Host(p.Address()) != cnet.Host(s.peer) {
		return fmt.Errorf("recovery: refusing to push to %s, expected %s", p.Address(), s.peer)
	}
	conn, err := cnet.Dial(ctx, p, s.tls)
	if err != nil {
		return err
	}
	defer conn.Close()
	if d, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(d)
	}
	n, err := WriteFrame(conn, s.state)
	metrics.RecoveryBytes.WithLabelValues("sent").Add(float64(n))
	if err != nil {
		return err
	}
	s.l.Infow("recovery state pushed", "bytes", n, "full", s.state.HasCommonState)
	return nil
}

// Close stops the listener. It is safe to call several times.
func (s *StateSender) Close() {
	s.once.Do(func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.lis != nil {
			_ = s.lis.Close()
		}
	})
}

// Sink is where frames read from the network end up.
type Sink interface {
	Designation
	DeliverPublicState(f *Frame) error
}

// Fetch pulls the state served by a StateSender at p and delivers it to sink.
func Fetch(ctx context.Context, p cnet.Peer, conf *tls.Config, sink Sink, h func() hash.Hash) error {
	conn, err := cnet.Dial(ctx, p, conf)
	if err != nil {
		return err
	}
	defer conn.Close()
	if d, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(d)
	}
	f, err := ReadFrame(conn, sink, h)
	if err != nil {
		return err
	}
	metrics.RecoveryBytes.WithLabelValues("received").Add(float64(frameSize(f)))
	return sink.DeliverPublicState(f)
}

func frameSize(f *Frame) int {
	n := 16 + len(f.BlindedShares)
	if f.Commitments != nil {
		n += len(f.Commitments)
	} else {
		n += len(f.CommitmentsHash)
	}
	if f.CommonState != nil {
		n += len(f.CommonState)
	} else {
		n += len(f.CommonStateHash)
	}
	return n
}
