package core

import (
	"context"
	"sort"
	"sync"

	"github.com/cobrabft/cobra/common/log"
	"github.com/cobrabft/cobra/crypto/vss"
	"github.com/cobrabft/cobra/internal/polynomial"
)

// Bus carries the messages of rounds between replicas. In production it is the
// ordered channel of the replication framework.
type Bus interface {
	// Register makes r reachable by its pid.
	Register(r *Replica)
	// Endpoint returns the broadcaster pid sends its messages with.
	Endpoint(pid int) polynomial.Broadcaster
}

// LocalBus connects replicas running in the same process. Messages go
// through their wire encoding so that each recipient decodes its own copy.
type LocalBus struct {
	sync.RWMutex
	scheme   vss.Scheme
	l        log.Logger
	replicas map[int]*Replica
}

// NewLocalBus returns an empty bus.
func NewLocalBus(scheme vss.Scheme, l log.Logger) *LocalBus {
	return &LocalBus{
		scheme:   scheme,
		l:        l.Named("bus"),
		replicas: make(map[int]*Replica),
	}
}

// Register implements Bus.
func (b *LocalBus) Register(r *Replica) {
	b.Lock()
	defer b.Unlock()
	b.replicas[r.Pid()] = r
}

// Endpoint implements Bus.
func (b *LocalBus) Endpoint(pid int) polynomial.Broadcaster {
	return &busEndpoint{b: b, pid: pid}
}

type busEndpoint struct {
	b   *LocalBus
	pid int
}

// Broadcast delivers msg to every other replica in pid order.
func (e *busEndpoint) Broadcast(ctx context.Context, msg polynomial.Message) error {
	buff, err := polynomial.MarshalMessage(msg)
	if err != nil {
		return err
	}
	e.b.RLock()
	targets := make([]int, 0, len(e.b.replicas))
	for pid := range e.b.replicas {
		if pid != e.pid {
			targets = append(targets, pid)
		}
	}
	e.b.RUnlock()
	sort.Ints(targets)

	for _, to := range targets {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		copied, err := polynomial.UnmarshalMessage(e.b.scheme, buff)
		if err != nil {
			return err
		}
		e.b.RLock()
		r := e.b.replicas[to]
		e.b.RUnlock()
		if err := r.Deliver(copied); err != nil {
			e.b.l.Debugw("message rejected", "sender", e.pid, "to", to, "round", msg.RoundID(), "err", err)
		}
	}
	return nil
}
