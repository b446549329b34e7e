package net

import (
	"context"
	"crypto/tls"
	"net"
	"time"
)

// DefaultDialTimeout bounds connection establishment when the context has no
// deadline.
const DefaultDialTimeout = 10 * time.Second

// Dial opens a stream to p. conf is used when p expects TLS; a nil conf then
// means a default client configuration.
func Dial(ctx context.Context, p Peer, conf *tls.Config) (net.Conn, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultDialTimeout)
		defer cancel()
	}
	if p.IsTLS() {
		if conf == nil {
			conf = &tls.Config{MinVersion: tls.VersionTLS12}
		}
		d := &tls.Dialer{Config: conf}
		return d.DialContext(ctx, "tcp", p.Address())
	}
	var d net.Dialer
	return d.DialContext(ctx, "tcp", p.Address())
}
