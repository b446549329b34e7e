package recovery

import (
	"crypto/tls"
	"hash"
	"net"
	"sync"
	"time"

	"github.com/cobrabft/cobra/common/log"
	"github.com/cobrabft/cobra/internal/metrics"
	cnet "github.com/cobrabft/cobra/internal/net"
)

// DefaultReadTimeout bounds the time a sender has to deliver its frame.
const DefaultReadTimeout = time.Minute

// PublicDataReceiver accepts the frames pushed by the senders of a recovery
// and forwards them to a Sink. Only hosts of the allow-list are served.
type PublicDataReceiver struct {
	l    log.Logger
	lis  *cnet.AllowListener
	sink Sink
	hash func() hash.Hash
	// ReadTimeout bounds the reading of one frame.
	ReadTimeout time.Duration

	wg   sync.WaitGroup
	once sync.Once
}

// NewPublicDataReceiver binds addr. allowed are the addresses of the
// replicas that may send state.
func NewPublicDataReceiver(l log.Logger, addr string, allowed []string, conf *tls.Config, sink Sink, h func() hash.Hash) (*PublicDataReceiver, error) {
	l = l.Named("receiver")
	lis, err := cnet.Listen(l, addr, allowed, conf)
	if err != nil {
		return nil, err
	}
	return &PublicDataReceiver{
		l:           l.With("addr", lis.Addr().String()),
		lis:         lis,
		sink:        sink,
		hash:        h,
		ReadTimeout: DefaultReadTimeout,
	}, nil
}

// Addr returns the bound address.
func (r *PublicDataReceiver) Addr() string {
	return r.lis.Addr().String()
}

// Start runs the accept loop in the background until Close.
func (r *PublicDataReceiver) Start() {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.acceptLoop()
	}()
}

// acceptLoop serves every connection on its own goroutine. Errors of a
// connection are logged and the loop goes on.
func (r *PublicDataReceiver) acceptLoop() {
	for {
		conn, err := r.lis.Accept()
		if err != nil {
			if !cnet.IsClosed(err) {
				r.l.Errorw("accept failed", "err", err)
			}
			r.l.Debugw("exiting public data receiver")
			return
		}
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.serve(conn)
		}()
	}
}

func (r *PublicDataReceiver) serve(conn net.Conn) {
	defer conn.Close()
	peer := conn.RemoteAddr().String()
	if r.ReadTimeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(r.ReadTimeout))
	}
	f, err := ReadFrame(conn, r.sink, r.hash)
	if err != nil {
		r.l.Warnw("dropping frame", "peer", peer, "err", err)
		return
	}
	metrics.RecoveryBytes.WithLabelValues("received").Add(float64(frameSize(f)))
	r.l.Infow("received recovery frame", "peer", peer, "sender", f.Pid, "full", f.HasCommonState())
	if err := r.sink.DeliverPublicState(f); err != nil {
		r.l.Warnw("frame rejected", "sender", f.Pid, "err", err)
	}
}

// Close stops the accept loop and waits for the connections being served.
func (r *PublicDataReceiver) Close() error {
	var err error
	r.once.Do(func() {
		err = r.lis.Close()
	})
	r.wg.Wait()
	return err
}
