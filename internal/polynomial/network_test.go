package polynomial

import (
	"context"
	"sort"
	"sync"

	"github.com/cobrabft/cobra/common/log"
	"github.com/cobrabft/cobra/crypto/vss"
)

// localNetwork delivers messages between the creators of replicas running in
// the same process. Messages go through their wire encoding so that each
// recipient decodes its own copy.
type localNetwork struct {
	sync.RWMutex
	scheme   vss.Scheme
	l        log.Logger
	creators map[int]*Creator
	// intercept, when set, can rewrite or drop (by returning nil) the message
	// delivered to a given recipient.
	intercept func(to int, msg Message) Message
}

func newLocalNetwork(scheme vss.Scheme, l log.Logger) *localNetwork {
	return &localNetwork{
		scheme:   scheme,
		l:        l,
		creators: make(map[int]*Creator),
	}
}

func (n *localNetwork) join(pid int, c *Creator) {
	n.Lock()
	defer n.Unlock()
	n.creators[pid] = c
}

func (n *localNetwork) setIntercept(f func(to int, msg Message) Message) {
	n.Lock()
	defer n.Unlock()
	n.intercept = f
}

func (n *localNetwork) endpoint(pid int) Broadcaster {
	return &localEndpoint{n: n, pid: pid}
}

type localEndpoint struct {
	n   *localNetwork
	pid int
}

// Broadcast delivers msg to every other creator, in pid order. Rejections by
// recipients are only logged.
func (e *localEndpoint) Broadcast(ctx context.Context, msg Message) error {
	buff, err := MarshalMessage(msg)
	if err != nil {
		return err
	}
	e.n.RLock()
	targets := make([]int, 0, len(e.n.creators))
	for pid := range e.n.creators {
		if pid != e.pid {
			targets = append(targets, pid)
		}
	}
	intercept := e.n.intercept
	e.n.RUnlock()
	sort.Ints(targets)

	for _, to := range targets {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		copied, err := UnmarshalMessage(e.n.scheme, buff)
		if err != nil {
			return err
		}
		if intercept != nil {
			if copied = intercept(to, copied); copied == nil {
				continue
			}
		}
		e.n.RLock()
		c := e.n.creators[to]
		e.n.RUnlock()
		if err := c.Process(copied); err != nil {
			e.n.l.Debugw("message rejected", "sender", e.pid, "to", to, "err", err)
		}
	}
	return nil
}
