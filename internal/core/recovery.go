package core

import (
	"context"
	"errors"
	"fmt"

	"github.com/cobrabft/cobra/crypto/vss"
	"github.com/cobrabft/cobra/internal/recovery"
	"github.com/cobrabft/cobra/internal/state"
)

var (
	// ErrUnknownPeer is returned for pids outside the view.
	ErrUnknownPeer = errors.New("core: unknown peer")
	// ErrRecoveryInProgress is returned when a recovery is started while
	// another one runs.
	ErrRecoveryInProgress = errors.New("core: recovery already in progress")
)

func (r *Replica) recoveryPoint(ctx context.Context, round string) (*vss.VerifiableShare, error) {
	point, err := r.store.Get(ctx, round, BlindingContext)
	if err != nil {
		return nil, fmt.Errorf("core: recovery point of round %s: %w", round, err)
	}
	return point, nil
}

// SendRecoveryState blinds the application state with this replica's point
// of the recovery round and pushes it to the recovering replica to. The full
// common state is only sent when designated.
func (r *Replica) SendRecoveryState(ctx context.Context, round string, to int, designated bool) error {
	node := r.reg.View().Node(to)
	if node == nil || to == r.pid {
		return fmt.Errorf("%w: %d", ErrUnknownPeer, to)
	}
	point, err := r.recoveryPoint(ctx, round)
	if err != nil {
		return err
	}
	r.mu.Lock()
	if r.state == nil {
		r.mu.Unlock()
		return ErrNoState
	}
	out, err := recovery.NewBuilder(r.reg, r.pid).Build(r.state, point, designated)
	r.mu.Unlock()
	if err != nil {
		return err
	}
	sender := recovery.NewStateSender(r.l, out, node.Address(), r.conf.tls)
	return sender.Push(ctx, node.Identity)
}

// Recover rebuilds the application state of this replica from the blinded
// state of its peers. round is the recovery round run beforehand by every
// member and designated the first sender asked for the full state. sol
// forwards the solicitations to the peers, usually through the replication
// framework.
func (r *Replica) Recover(ctx context.Context, round string, designated int, sol recovery.Solicitor) (*state.ApplicationState, error) {
	point, err := r.recoveryPoint(ctx, round)
	if err != nil {
		return nil, err
	}
	h, err := recovery.NewHandler(&recovery.HandlerConfig{
		Registry:      r.reg,
		Pid:           r.pid,
		RecoveryPoint: point,
		Designated:    designated,
		OldQuorum:     r.conf.oldQuorum,
		MaxRetries:    r.conf.maxRetries,
		Timeout:       r.conf.recoveryTimeout,
		Solicitor:     sol,
		Clock:         r.conf.clock,
		Logger:        r.conf.logger,
	})
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	if r.recovering {
		r.mu.Unlock()
		return nil, ErrRecoveryInProgress
	}
	r.recovering = true
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.recovering = false
		r.mu.Unlock()
	}()

	listen := r.conf.recoveryListen
	if listen == "" {
		listen = r.pair.Public.Address()
	}
	recv, err := recovery.NewPublicDataReceiver(r.l, listen, r.reg.View().Hosts(r.pid), r.conf.tls, h, r.suite.Hash)
	if err != nil {
		return nil, err
	}
	recv.Start()
	defer recv.Close()

	r.l.Infow("recovering state", "round", round, "designated", designated, "session", h.Session().String())
	h.Start(ctx)
	select {
	case <-h.Done():
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	st, err := h.Result()
	if err != nil {
		return nil, err
	}
	if unreliable := h.Unreliable(); len(unreliable) > 0 {
		r.l.Warnw("recovered despite unreliable senders", "senders", unreliable)
	}
	r.SetState(st)
	return st, nil
}

// DirectSolicitor asks replicas of the same process to send their state to
// a recovering replica.
type DirectSolicitor struct {
	Round    string
	To       int
	Replicas map[int]*Replica
}

// Solicit implements recovery.Solicitor.
func (d *DirectSolicitor) Solicit(ctx context.Context, pid int, designated bool) error {
	r, ok := d.Replicas[pid]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownPeer, pid)
	}
	return r.SendRecoveryState(ctx, d.Round, d.To, designated)
}
