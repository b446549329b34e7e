// Package test offers helpers shared by tests across the module.
package test

import (
	"net"
	"strconv"

	"github.com/cobrabft/cobra/common/key"
	"github.com/cobrabft/cobra/crypto"
)

// Addresses returns n localhost addresses on free TCP ports.
func Addresses(n int) []string {
	addrs := make([]string, n)
	for i := 0; i < n; i++ {
		addrs[i] = "127.0.0.1:" + strconv.Itoa(FreePort())
	}
	return addrs
}

// FreePort returns a free TCP port.
func FreePort() int {
	addr, err := net.ResolveTCPAddr("tcp", "127.0.0.1:0")
	if err != nil {
		panic(err)
	}
	l, err := net.ListenTCP("tcp", addr)
	if err != nil {
		panic(err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

// GenerateIDs returns n key pairs on localhost addresses.
func GenerateIDs(suite *crypto.Suite, n int) []*key.Pair {
	pairs := make([]*key.Pair, n)
	for i, addr := range Addresses(n) {
		pairs[i] = key.NewKeyPair(suite, addr)
	}
	return pairs
}

// BatchIdentities returns n key pairs and the view made of them, pid i being
// the i-th pair.
func BatchIdentities(suite *crypto.Suite, n, f int) ([]*key.Pair, *key.View) {
	pairs := GenerateIDs(suite, n)
	nodes := make([]*key.Node, n)
	for i, p := range pairs {
		nodes[i] = &key.Node{Identity: p.Public, Pid: i}
	}
	view, err := key.NewView(0, f, nodes)
	if err != nil {
		panic(err)
	}
	return pairs, view
}
