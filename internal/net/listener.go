package net

import (
	"crypto/tls"
	"errors"
	"net"
	"sync"

	"github.com/cobrabft/cobra/common/log"
	"github.com/cobrabft/cobra/internal/metrics"
)

// AllowListener is a TCP listener that closes, without handing them over,
// connections whose remote host is not in its allow-list.
type AllowListener struct {
	sync.RWMutex
	lis     net.Listener
	allowed map[string]bool
	tls     *tls.Config
	l       log.Logger
}

// Listen binds addr. Only connections from the hosts of allowed are
// returned by Accept. The listener speaks TLS when conf is not nil.
func Listen(l log.Logger, addr string, allowed []string, conf *tls.Config) (*AllowListener, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	a := &AllowListener{
		lis:     lis,
		allowed: make(map[string]bool, len(allowed)),
		tls:     conf,
		l:       l,
	}
	a.Allow(allowed...)
	return a, nil
}

// Allow adds hosts, given as host or host:port, to the allow-list.
func (a *AllowListener) Allow(addrs ...string) {
	a.Lock()
	defer a.Unlock()
	for _, addr := range addrs {
		a.allowed[Host(addr)] = true
	}
}

// Allowed reports whether connections from addr are accepted.
func (a *AllowListener) Allowed(addr string) bool {
	a.RLock()
	defer a.RUnlock()
	return a.allowed[Host(addr)]
}

// Accept waits for the next connection from an allowed host. Other
// connections are closed and counted. It returns net.ErrClosed once the
// listener is closed.
func (a *AllowListener) Accept() (net.Conn, error) {
	for {
		c, err := a.lis.Accept()
		if err != nil {
			return nil, err
		}
		remote := c.RemoteAddr().String()
		if !a.Allowed(remote) {
			a.l.Infow("rejecting connection from unknown host", "peer", remote)
			metrics.RejectedConnections.Inc()
			_ = c.Close()
			continue
		}
		if tc, ok := c.(*net.TCPConn); ok {
			_ = tc.SetKeepAlive(true)
			_ = tc.SetNoDelay(true)
		}
		if a.tls != nil {
			return tls.Server(c, a.tls), nil
		}
		return c, nil
	}
}

// Close stops the listener.
func (a *AllowListener) Close() error {
	return a.lis.Close()
}

// Addr returns the bound address.
func (a *AllowListener) Addr() net.Addr {
	return a.lis.Addr()
}

// IsClosed reports whether err comes from using a closed listener.
func IsClosed(err error) bool {
	return errors.Is(err, net.ErrClosed)
}
