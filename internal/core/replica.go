// Package core ties the building blocks of a replica together: it runs
// polynomial rounds over a Bus, persists their output, refreshes the shares of
// the application state and transfers blinded state to and from recovering
// replicas.
package core

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/hashicorp/go-multierror"
	lru "github.com/hashicorp/golang-lru"

	"github.com/cobrabft/cobra/common/key"
	"github.com/cobrabft/cobra/common/log"
	"github.com/cobrabft/cobra/crypto"
	"github.com/cobrabft/cobra/crypto/vss"
	"github.com/cobrabft/cobra/internal/fs"
	"github.com/cobrabft/cobra/internal/polynomial"
	"github.com/cobrabft/cobra/internal/pool"
	"github.com/cobrabft/cobra/internal/state"
	"github.com/cobrabft/cobra/internal/store"
)

var (
	// ErrNoBus is returned when a replica is built without a Bus.
	ErrNoBus = errors.New("core: no bus to reach the other replicas")
	// ErrNotInView is returned when the key pair is not part of the view.
	ErrNotInView = errors.New("core: key pair not in view")
	// ErrRoundExists is returned when starting a round twice.
	ErrRoundExists = errors.New("core: round already exists")
	// ErrTooManyPending is returned for messages of unknown rounds once too
	// many are buffered.
	ErrTooManyPending = errors.New("core: too many messages for unknown rounds")
	// ErrNoState is returned when the replica holds no application state.
	ErrNoState = errors.New("core: no application state")
)

const (
	// maxPendingRounds bounds the unknown rounds messages are buffered for.
	maxPendingRounds = 64
	// closedRounds is the number of finished rounds remembered to reject
	// late messages and answer late complaints.
	closedRounds = 1024
)

// Replica is one member of a view.
type Replica struct {
	conf  *Config
	l     log.Logger
	pair  *key.Pair
	pid   int
	suite *crypto.Suite
	reg   *vss.Registry
	pool  *pool.Pool
	store *store.Store

	mu      sync.Mutex
	rounds  map[string]*polynomial.Creator
	pending map[string][]polynomial.Message
	closed  *lru.Cache
	state   *state.ApplicationState
	// recovering is set while a recovery of this replica runs
	recovering bool
}

// NewReplica builds the replica owning pair in view and registers it on the
// bus given with WithBus.
func NewReplica(ctx context.Context, pair *key.Pair, view *key.View, opts ...ConfigOption) (*Replica, error) {
	conf := NewConfig(opts...)
	if conf.bus == nil {
		return nil, ErrNoBus
	}
	pid := -1
	for _, n := range view.Nodes {
		if n.Key.Equal(pair.Public.Key) {
			pid = n.Pid
			break
		}
	}
	if pid < 0 {
		return nil, ErrNotInView
	}
	suite, err := crypto.SuiteFromName(view.Suite)
	if err != nil {
		return nil, err
	}
	scheme, err := vss.NewScheme(conf.kind, suite, view.F, conf.setupSeed)
	if err != nil {
		return nil, err
	}
	reg, err := vss.NewRegistry(suite, view, scheme)
	if err != nil {
		return nil, err
	}
	if _, err := fs.CreateSecureFolder(conf.dbFolder); err != nil {
		return nil, fmt.Errorf("core: db folder: %w", err)
	}
	l := conf.logger.Named("replica").With("pid", pid)
	st, err := store.New(ctx, l, conf.dbFolder, scheme, conf.boltOpts)
	if err != nil {
		return nil, err
	}
	closed, err := lru.New(closedRounds)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	r := &Replica{
		conf:    conf,
		l:       l,
		pair:    pair,
		pid:     pid,
		suite:   suite,
		reg:     reg,
		pool:    pool.New(conf.poolSize),
		store:   st,
		rounds:  make(map[string]*polynomial.Creator),
		pending: make(map[string][]polynomial.Message),
		closed:  closed,
	}
	conf.bus.Register(r)
	l.Infow("replica ready", "scheme", scheme.Kind(), "view", view.Epoch, "members", view.Len())
	return r, nil
}

// Pid returns the process id of the replica.
func (r *Replica) Pid() int { return r.pid }

// Registry returns the registry of the replica's view.
func (r *Replica) Registry() *vss.Registry { return r.reg }

// Store returns the store of finalized points.
func (r *Replica) Store() *store.Store { return r.store }

// SetState replaces the application state whose shares the replica refreshes
// and sends to recovering replicas.
func (r *Replica) SetState(st *state.ApplicationState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = st
}

// State returns the application state.
func (r *Replica) State() *state.ApplicationState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Deliver hands a message received from the bus to its round. Messages of
// rounds not started locally yet are kept until they are. Closed rounds only
// answer complaints.
func (r *Replica) Deliver(msg polynomial.Message) error {
	id := msg.RoundID()
	r.mu.Lock()
	c, ok := r.rounds[id]
	if !ok {
		if v, closed := r.closed.Get(id); closed {
			r.mu.Unlock()
			if cm, isComplaint := msg.(*polynomial.ComplaintMessage); isComplaint {
				return v.(*polynomial.Creator).Process(cm)
			}
			return polynomial.ErrRoundClosed
		}
		defer r.mu.Unlock()
		queued, known := r.pending[id]
		if !known && len(r.pending) >= maxPendingRounds {
			return ErrTooManyPending
		}
		// a proposal and a complaint per member plus the final set
		if len(queued) > 2*r.reg.View().Len() {
			return fmt.Errorf("%w: round %s", ErrTooManyPending, id)
		}
		r.pending[id] = append(queued, msg)
		return nil
	}
	r.mu.Unlock()
	return c.Process(msg)
}

// NewRound registers the round described by cc and processes the messages
// already received for it. The round is not started. It follows the final
// set its leader decides.
func (r *Replica) NewRound(cc *polynomial.CreationContext) (*polynomial.Creator, error) {
	return r.newRound(cc, true)
}

func (r *Replica) newRound(cc *polynomial.CreationContext, follow bool) (*polynomial.Creator, error) {
	c, err := polynomial.NewCreator(cc, &polynomial.Config{
		Registry:  r.reg,
		Pair:      r.pair,
		Pid:       r.pid,
		Pool:      r.pool,
		Broadcast: r.conf.bus.Endpoint(r.pid),
		Clock:     r.conf.clock,
		Logger:    r.conf.logger,
		Random:    r.conf.random,
		Quorum:    r.conf.quorum,
		Deadline:  r.conf.roundDeadline,
		// the leader decides unless the caller hands in the final set
		FollowLeader: follow,
	})
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	if _, ok := r.rounds[cc.ID]; ok || r.closed.Contains(cc.ID) {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrRoundExists, cc.ID)
	}
	r.rounds[cc.ID] = c
	queued := r.pending[cc.ID]
	delete(r.pending, cc.ID)
	r.mu.Unlock()

	for _, msg := range queued {
		if err := c.Process(msg); err != nil {
			r.l.Debugw("queued message rejected", "round", cc.ID, "sender", msg.From(), "err", err)
		}
	}
	return c, nil
}

// RunRound runs the round described by cc to completion and stores the
// resulting points. senders is the final set agreed on by the replication
// framework; when empty every replica follows the set the leader of cc
// broadcasts once it holds a quorum of valid proposals.
func (r *Replica) RunRound(ctx context.Context, cc *polynomial.CreationContext, senders []int) (*polynomial.Result, error) {
	c, err := r.newRound(cc, len(senders) == 0)
	if err != nil {
		return nil, err
	}
	defer r.closeRound(cc.ID, c)

	if _, err := c.Start(ctx); err != nil {
		r.l.Warnw("starting round", "round", cc.ID, "err", err)
	}
	var res *polynomial.Result
	err = polynomial.ErrMissingProposals
	if len(senders) > 0 {
		res, err = c.Finalize(senders)
	}
	if errors.Is(err, polynomial.ErrMissingProposals) {
		select {
		case <-c.Done():
			res, err = c.Result()
		case <-ctx.Done():
			c.Abort()
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}

	points := make(map[string]*vss.VerifiableShare, len(res.Shares))
	for i, pc := range cc.Contexts {
		points[pc.ID] = res.Shares[i]
	}
	if err := r.store.Put(ctx, cc.ID, points); err != nil {
		return nil, fmt.Errorf("core: storing round %s: %w", cc.ID, err)
	}
	return res, nil
}

func (r *Replica) closeRound(id string, c *polynomial.Creator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.rounds, id)
	r.closed.Add(id, c)
}

// fullContext returns a context covering the whole view.
func (r *Replica) fullContext(id string, purpose polynomial.Purpose) (*polynomial.Context, error) {
	return polynomial.NewContext(id, r.reg.Threshold(), r.reg.Members(), purpose)
}

// RecoveryRound creates the blinding polynomial of a future recovery. Every
// member, the recovering replica included, must run it with the same round
// id.
func (r *Replica) RecoveryRound(ctx context.Context, round string) (*vss.VerifiableShare, error) {
	pc, err := r.fullContext(BlindingContext, polynomial.Recovery)
	if err != nil {
		return nil, err
	}
	cc, err := polynomial.NewCreationContext(round, r.reg.Members()[0], polynomial.Recovery, pc)
	if err != nil {
		return nil, err
	}
	res, err := r.RunRound(ctx, cc, nil)
	if err != nil {
		return nil, err
	}
	return res.Shares[0], nil
}

// Reshare runs a refresh round with one context per share of the
// application state and adds the resulting zero-secret points to the shares.
// Every member must run it with the same round id.
func (r *Replica) Reshare(ctx context.Context, round string) error {
	st := r.State()
	if st == nil {
		return ErrNoState
	}
	r.mu.Lock()
	count := len(st.Shares())
	r.mu.Unlock()
	if count == 0 {
		return nil
	}

	contexts := make([]*polynomial.Context, count)
	for i := range contexts {
		var err error
		if contexts[i], err = r.fullContext(fmt.Sprintf("share-%d", i), polynomial.Refresh); err != nil {
			return err
		}
	}
	cc, err := polynomial.NewCreationContext(round, r.reg.Members()[0], polynomial.Refresh, contexts...)
	if err != nil {
		return err
	}
	res, err := r.RunRound(ctx, cc, nil)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	slots := st.Shares()
	if len(slots) != count {
		return fmt.Errorf("%w: state changed during resharing", state.ErrShareCount)
	}
	refreshed := make([]*vss.VerifiableShare, count)
	for i, cd := range slots {
		z := res.Shares[i]
		if refreshed[i], err = vss.Refresh(r.reg.Scheme(), cd.Share, z.Share, z.Commitment); err != nil {
			return fmt.Errorf("core: refreshing share %d: %w", i, err)
		}
	}
	if err := st.FillShares(refreshed); err != nil {
		return err
	}
	r.l.Infow("shares refreshed", "round", round, "shares", count)
	return nil
}

// Forget removes the points of a round from the store.
func (r *Replica) Forget(ctx context.Context, round string) error {
	return r.store.Del(ctx, round)
}

// Close aborts the running rounds and releases the pool and the store.
func (r *Replica) Close() error {
	r.mu.Lock()
	running := make([]*polynomial.Creator, 0, len(r.rounds))
	for _, c := range r.rounds {
		running = append(running, c)
	}
	r.mu.Unlock()
	for _, c := range running {
		c.Abort()
	}

	var errs *multierror.Error
	r.pool.Close()
	if err := r.store.Close(); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("closing store: %w", err))
	}
	return errs.ErrorOrNil()
}
