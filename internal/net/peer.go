// Package net provides the authenticated byte streams used on the recovery
// channel: listeners that only accept known peer addresses, and dialers, both
// optionally over TLS.
package net

import (
	"net"
)

// Peer is a simple interface that allows retrieving the address of a
// destination and whether it expects TLS.
type Peer interface {
	Address() string
	IsTLS() bool
}

type sPeer struct {
	addr string
	tls  bool
}

func (s *sPeer) Address() string {
	return s.addr
}

func (s *sPeer) IsTLS() bool {
	return s.tls
}

// CreatePeer returns a peer at addr.
func CreatePeer(addr string, tls bool) Peer {
	return &sPeer{
		addr: addr,
		tls:  tls,
	}
}

// Host returns the host part of addr, or addr itself when it has no port.
func Host(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
