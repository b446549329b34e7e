package polynomial

import (
	"context"
	"crypto/cipher"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/drand/kyber"
	"github.com/drand/kyber/share"
	"github.com/jonboulle/clockwork"
	"go.uber.org/atomic"

	"github.com/cobrabft/cobra/common/key"
	"github.com/cobrabft/cobra/common/log"
	"github.com/cobrabft/cobra/crypto/ecies"
	"github.com/cobrabft/cobra/crypto/vss"
	"github.com/cobrabft/cobra/internal/metrics"
	"github.com/cobrabft/cobra/internal/pool"
)

// State of a round.
type State uint32

const (
	// Init is the state of a round before its proposal is computed.
	Init State = iota
	// Proposing means the local proposal is being computed.
	Proposing
	// Validating means the local proposal was sent and peer proposals are
	// being validated.
	Validating
	// QuorumReached means enough senders are valid to finalize.
	QuorumReached
	// MissingProposals means the round was finalized with a sender set some
	// proposals of which have not been received yet.
	MissingProposals
	// Finished means the round produced its shares.
	Finished
	// Aborted means the round can no longer finish: too many invalid
	// senders, deadline expired or explicit abort.
	Aborted
)

func (s State) String() string {
	switch s {
	case Init:
		return "Init"
	case Proposing:
		return "Proposing"
	case Validating:
		return "Validating"
	case QuorumReached:
		return "QuorumReached"
	case MissingProposals:
		return "MissingProposals"
	case Finished:
		return "Finished"
	case Aborted:
		return "Aborted"
	default:
		return fmt.Sprintf("State(%d)", uint32(s))
	}
}

func (s State) terminal() bool {
	return s == Finished || s == Aborted
}

var (
	// ErrInvalidProposal is returned when a proposal fails validation.
	ErrInvalidProposal = errors.New("polynomial: invalid proposal")
	// ErrWrongRound is returned for a message of another round.
	ErrWrongRound = errors.New("polynomial: message of another round")
	// ErrUnknownSender is returned for a message from outside the round.
	ErrUnknownSender = errors.New("polynomial: sender not in round")
	// ErrDuplicate is returned when a sender already sent its proposal.
	ErrDuplicate = errors.New("polynomial: duplicate proposal")
	// ErrRoundClosed is returned for messages received after the round ended.
	ErrRoundClosed = errors.New("polynomial: round closed")
	// ErrNotFinished is returned when reading the output of an unfinished
	// round, or when finalizing a round that has not reached its quorum.
	ErrNotFinished = errors.New("polynomial: round not finished")
	// ErrMissingProposals is returned by Finalize when proposals of the
	// chosen senders have not been received yet.
	ErrMissingProposals = errors.New("polynomial: waiting for proposals")
	// ErrQuorumExhausted is the abort reason when too many senders are
	// invalid for the round to reach its quorum.
	ErrQuorumExhausted = errors.New("polynomial: too many invalid senders")
	// ErrDeadline is the abort reason when the round expired.
	ErrDeadline = errors.New("polynomial: round deadline expired")
	// ErrAborted is the abort reason of Abort.
	ErrAborted = errors.New("polynomial: round aborted")
	// ErrNotLeader is returned for a final set not sent by the leader of a
	// round that follows its leader.
	ErrNotLeader = errors.New("polynomial: final set not sent by the leader")
	// ErrAlreadyDecided is returned when a round is given a second, different
	// final set.
	ErrAlreadyDecided = errors.New("polynomial: final set already decided")
)

// JustificationTimeout bounds the broadcast of a justification.
const JustificationTimeout = 30 * time.Second

// Broadcaster sends a message to every member of a round, including the
// sender itself or not as it sees fit; the creator processes its own messages
// directly.
type Broadcaster interface {
	Broadcast(ctx context.Context, msg Message) error
}

// Listener is notified of the outcome of a round. Calls are made without any
// lock of the creator held.
type Listener interface {
	// InvalidSender reports a member whose proposal failed validation.
	InvalidSender(round string, sender int, err error)
	// Finished reports the output of the round.
	Finished(round string, res *Result)
	// Aborted reports why the round ended without output.
	Aborted(round string, err error)
}

type nopListener struct{}

func (nopListener) InvalidSender(string, int, error) {}
func (nopListener) Finished(string, *Result)         {}
func (nopListener) Aborted(string, error)            {}

// Config holds the collaborators of a Creator.
type Config struct {
	Registry  *vss.Registry
	Pair      *key.Pair
	Pid       int
	Pool      *pool.Pool
	Broadcast Broadcaster
	Listener  Listener
	Clock     clockwork.Clock
	Logger    log.Logger
	// Random feeds polynomial generation, crypto/rand when nil.
	Random io.Reader
	// Quorum is the number of valid senders to reach, 2f+1 when zero.
	Quorum int
	// Deadline aborts the round when it is not finished in time. Zero means
	// no deadline.
	Deadline time.Duration
	// FollowLeader makes the leader of the creation context broadcast its
	// final set once it reaches the quorum. Every replica finalizes with
	// that set.
	FollowLeader bool
}

// Result is the output of a round: one share of the jointly generated
// polynomial per context, in context order.
type Result struct {
	Round   string
	Senders []int
	Shares  []*vss.VerifiableShare
}

// Creator drives one round of distributed polynomial creation.
type Creator struct {
	cc     *CreationContext
	conf   *Config
	reg    *vss.Registry
	scheme vss.Scheme
	g      kyber.Group
	l      log.Logger
	quorum int

	// senders are the members of every context
	senders map[int]bool

	track *tracker

	mu        sync.Mutex
	ctx       context.Context
	state     State
	finalSet  []int
	result    *Result
	abortErr  error
	done      chan struct{}
	reached   chan struct{}
	startOnce sync.Once
	// led is set once the leader sent its final set
	led bool
	// mine holds the points of the local proposal, by member then context
	mine map[int][]kyber.Scalar
	// complained are the senders of the final set this replica accused
	complained map[int]bool
	// justified are the complainers already answered
	justified map[int]bool
}

// NewCreator prepares the round described by cc.
func NewCreator(cc *CreationContext, conf *Config) (*Creator, error) {
	if conf.Registry == nil || conf.Pair == nil || conf.Pool == nil || conf.Broadcast == nil {
		return nil, errors.New("polynomial: incomplete creator config")
	}
	common := cc.commonMembers()
	isCommon := false
	for _, m := range common {
		if m == conf.Pid {
			isCommon = true
		}
		if !conf.Registry.IsMember(m) {
			return nil, fmt.Errorf("%w: member %d not in view", ErrInvalidContext, m)
		}
	}
	if !isCommon {
		return nil, fmt.Errorf("%w: replica %d not member of every context", ErrInvalidContext, conf.Pid)
	}
	for _, c := range cc.Contexts {
		for _, m := range c.Members {
			if !conf.Registry.IsMember(m) {
				return nil, fmt.Errorf("%w: member %d not in view", ErrInvalidContext, m)
			}
		}
	}
	quorum := conf.Quorum
	if quorum == 0 {
		quorum = conf.Registry.Quorum()
	}
	if quorum > len(common) {
		return nil, fmt.Errorf("%w: quorum %d above %d senders", ErrInvalidContext, quorum, len(common))
	}
	if conf.Listener == nil {
		conf.Listener = nopListener{}
	}
	if conf.Clock == nil {
		conf.Clock = clockwork.NewRealClock()
	}
	if conf.Logger == nil {
		conf.Logger = log.DefaultLogger()
	}
	senders := make(map[int]bool, len(common))
	for _, m := range common {
		senders[m] = true
	}
	return &Creator{
		cc:         cc,
		conf:       conf,
		reg:        conf.Registry,
		scheme:     conf.Registry.Scheme(),
		g:          conf.Registry.Group(),
		l:          conf.Logger.Named("polynomial").With("round", cc.ID, "pid", conf.Pid),
		quorum:     quorum,
		senders:    senders,
		track:      newTracker(),
		ctx:        context.Background(),
		state:      Init,
		done:       make(chan struct{}),
		reached:    make(chan struct{}),
		complained: make(map[int]bool),
		justified:  make(map[int]bool),
	}, nil
}

// ID returns the round id.
func (c *Creator) ID() string { return c.cc.ID }

// Context returns the creation context of the round.
func (c *Creator) Context() *CreationContext { return c.cc }

// State returns the current state.
func (c *Creator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Done is closed once the round is finished or aborted.
func (c *Creator) Done() <-chan struct{} { return c.done }

// QuorumReached is closed once enough proposals validated for Finalize to
// pick the default sender set.
func (c *Creator) QuorumReached() <-chan struct{} { return c.reached }

// Valid returns the senders whose proposals validated, in ascending order.
func (c *Creator) Valid() []int { return c.track.validSenders() }

// Invalid returns the senders whose proposals failed validation.
func (c *Creator) Invalid() []int { return c.track.invalidSenders() }

// FinalSet returns the senders the round finalizes with, nil while it is
// undecided.
func (c *Creator) FinalSet() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.finalSet
}

// Result returns the output of a finished round, the abort reason of an
// aborted one and ErrNotFinished otherwise.
func (c *Creator) Result() (*Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case Finished:
		return c.result, nil
	case Aborted:
		return nil, c.abortErr
	default:
		return nil, ErrNotFinished
	}
}

func (c *Creator) context() context.Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ctx
}

func (c *Creator) broadcast(msg Message) {
	if err := c.conf.Broadcast.Broadcast(c.context(), msg); err != nil {
		c.l.Warnw("broadcast failed", "message", fmt.Sprintf("%T", msg), "err", err)
	}
}

// Start computes the local proposal, processes it and broadcasts it. It can
// only be called once.
func (c *Creator) Start(ctx context.Context) (*ProposalMessage, error) {
	err := ErrRoundClosed
	c.startOnce.Do(func() {
		c.mu.Lock()
		if c.state != Init {
			c.mu.Unlock()
			return
		}
		c.state = Proposing
		c.ctx = ctx
		c.mu.Unlock()
		err = nil
	})
	if err != nil {
		return nil, err
	}
	metrics.RunningRounds.Inc()
	if c.conf.Deadline > 0 {
		go c.watchDeadline(c.conf.Clock.NewTimer(c.conf.Deadline))
	}

	start := c.conf.Clock.Now()
	msg, err := c.computeProposalMessage()
	if err != nil {
		c.abort(fmt.Errorf("computing proposal: %w", err))
		return nil, err
	}
	c.l.Debugw("proposal computed", "contexts", len(msg.Proposals), "took", c.conf.Clock.Since(start))

	c.mu.Lock()
	if c.state == Proposing {
		c.state = Validating
	}
	c.mu.Unlock()
	if err := c.ProcessProposal(msg); err != nil && !errors.Is(err, ErrRoundClosed) {
		c.l.Errorw("own proposal rejected", "err", err)
	}
	if err := c.conf.Broadcast.Broadcast(ctx, msg); err != nil {
		c.l.Warnw("proposal broadcast failed", "err", err)
		return msg, err
	}
	return msg, nil
}

func (c *Creator) watchDeadline(timer clockwork.Timer) {
	defer timer.Stop()
	select {
	case <-timer.Chan():
		c.abort(ErrDeadline)
	case <-c.done:
	}
}

// roundConstant returns the constant term shared by every context.
func (c *Creator) roundConstant(stream cipher.Stream) kyber.Scalar {
	switch {
	case c.cc.Constant != nil:
		return c.cc.Constant
	case c.cc.Purpose == Refresh:
		return c.g.Scalar().Zero()
	default:
		return c.g.Scalar().Pick(stream)
	}
}

func (c *Creator) computeProposalMessage() (*ProposalMessage, error) {
	random := c.conf.Random
	if random != nil {
		random = &lockedReader{r: random}
	}
	suite := c.reg.Suite()
	q := c.roundConstant(suite.RandomStream(random))

	proposals := make([]*Proposal, len(c.cc.Contexts))
	evals := make([]map[int]kyber.Scalar, len(c.cc.Contexts))
	grp := c.conf.Pool.Group()
	for i, pc := range c.cc.Contexts {
		i, pc := i, pc
		grp.Go(func() error {
			p, points, err := c.propose(pc, q, suite.RandomStream(random))
			if err != nil {
				return fmt.Errorf("context %s: %w", pc.ID, err)
			}
			proposals[i] = p
			evals[i] = points
			return nil
		})
	}
	if err := grp.Wait(); err != nil {
		return nil, err
	}

	mine := make(map[int][]kyber.Scalar)
	for i, points := range evals {
		for m, v := range points {
			if mine[m] == nil {
				mine[m] = make([]kyber.Scalar, len(evals))
			}
			mine[m][i] = v
		}
	}
	c.mu.Lock()
	c.mine = mine
	c.mu.Unlock()
	return &ProposalMessage{
		Round:     c.cc.ID,
		Sender:    c.conf.Pid,
		Proposals: proposals,
	}, nil
}

// propose draws the polynomial of one context. It returns the proposal and
// the plain points it deals.
func (c *Creator) propose(pc *Context, q kyber.Scalar, stream cipher.Stream) (*Proposal, map[int]kyber.Scalar, error) {
	poly := share.NewPriPoly(c.g, pc.F+1, q, stream)
	commitment, err := c.scheme.Commit(poly, pc.Members)
	if err != nil {
		return nil, nil, err
	}
	points := make(map[int][]byte, len(pc.Members))
	plain := make(map[int]kyber.Scalar, len(pc.Members))
	for _, m := range pc.Members {
		v := poly.Eval(m).V
		ct, err := c.sealPoint(m, v)
		if err != nil {
			return nil, nil, fmt.Errorf("encrypting point of %d: %w", m, err)
		}
		points[m] = ct
		plain[m] = v
	}
	return &Proposal{Points: points, Commitment: commitment}, plain, nil
}

func (c *Creator) sealPoint(to int, v kyber.Scalar) ([]byte, error) {
	node := c.reg.View().Node(to)
	if node == nil {
		return nil, fmt.Errorf("%w: %d", ErrUnknownSender, to)
	}
	buff, err := v.MarshalBinary()
	if err != nil {
		return nil, err
	}
	suite := c.reg.Suite()
	return ecies.Encrypt(suite.KeyGroup, suite.Hash, node.Key, buff)
}

// Process dispatches any message of the round.
func (c *Creator) Process(msg Message) error {
	switch m := msg.(type) {
	case *ProposalMessage:
		return c.ProcessProposal(m)
	case *FinalSetMessage:
		return c.processFinalSet(m)
	case *ComplaintMessage:
		return c.processComplaint(m)
	case *JustificationMessage:
		return c.processJustification(m)
	default:
		return fmt.Errorf("polynomial: unexpected message %T", msg)
	}
}

func (c *Creator) checkMessage(msg Message) error {
	if err := c.checkOrigin(msg); err != nil {
		return err
	}
	if c.State().terminal() {
		return ErrRoundClosed
	}
	return nil
}

func (c *Creator) checkOrigin(msg Message) error {
	if msg.RoundID() != c.cc.ID {
		return fmt.Errorf("%w: %s", ErrWrongRound, msg.RoundID())
	}
	if !c.isSender(msg.From()) {
		return fmt.Errorf("%w: %d", ErrUnknownSender, msg.From())
	}
	return nil
}

// ProcessProposal validates msg and updates the round. A sender whose message
// is invalid is excluded from the round and reported to the listener; the
// returned error then wraps ErrInvalidProposal.
func (c *Creator) ProcessProposal(msg *ProposalMessage) error {
	if err := c.checkMessage(msg); err != nil {
		return err
	}
	if !c.track.claim(msg.Sender) {
		return fmt.Errorf("%w from %d", ErrDuplicate, msg.Sender)
	}

	points, commitments, err := c.validateProposal(msg)

	c.mu.Lock()
	if c.state == Aborted {
		// late result of an aborted round
		c.mu.Unlock()
		return ErrRoundClosed
	}
	c.mu.Unlock()

	if err != nil {
		c.track.markInvalid(msg.Sender, commitments)
		metrics.ProposalsValidated.WithLabelValues("invalid").Inc()
		c.l.Warnw("proposal invalid", "sender", msg.Sender, "err", err)
		c.conf.Listener.InvalidSender(c.cc.ID, msg.Sender, err)
		c.checkExhausted()
		return fmt.Errorf("%w from %d: %v", ErrInvalidProposal, msg.Sender, err)
	}

	valid := c.track.markValid(msg.Sender, points, commitments)
	metrics.ProposalsValidated.WithLabelValues("valid").Inc()
	c.l.Debugw("proposal valid", "sender", msg.Sender, "valid", valid)
	c.checkProgress()
	return nil
}

func (c *Creator) isSender(pid int) bool {
	return c.senders[pid]
}

// validateProposal checks the shape of every proposal of msg, then opens and
// checks the points in parallel. Once one of them fails the remaining ones
// are skipped. The commitments are returned along with the error when only
// points failed.
func (c *Creator) validateProposal(msg *ProposalMessage) ([]kyber.Scalar, []vss.Commitment, error) {
	if len(msg.Proposals) != len(c.cc.Contexts) {
		return nil, nil, fmt.Errorf("%d proposals for %d contexts", len(msg.Proposals), len(c.cc.Contexts))
	}
	commitments := make([]vss.Commitment, len(msg.Proposals))
	for i, p := range msg.Proposals {
		if err := c.checkShape(c.cc.Contexts[i], p); err != nil {
			return nil, nil, fmt.Errorf("context %s: %w", c.cc.Contexts[i].ID, err)
		}
		commitments[i] = p.Commitment
	}

	points := make([]kyber.Scalar, len(msg.Proposals))
	var failed atomic.Bool
	grp := c.conf.Pool.Group()
	for i := range msg.Proposals {
		i := i
		grp.Go(func() error {
			if failed.Load() {
				return nil
			}
			p := msg.Proposals[i]
			v, err := c.openPoint(p.Points[c.conf.Pid], p.Commitment)
			if err != nil {
				failed.Store(true)
				return fmt.Errorf("context %s: %w", c.cc.Contexts[i].ID, err)
			}
			points[i] = v
			return nil
		})
	}
	if err := grp.Wait(); err != nil {
		return nil, commitments, err
	}
	return points, commitments, nil
}

func (c *Creator) checkShape(pc *Context, p *Proposal) error {
	if p == nil || p.Commitment == nil {
		return errors.New("empty proposal")
	}
	if p.Commitment.Kind() != c.scheme.Kind() {
		return vss.ErrKindMismatch
	}
	if len(p.Points) != len(pc.Members) {
		return fmt.Errorf("%d points for %d members", len(p.Points), len(pc.Members))
	}
	for _, m := range pc.Members {
		if _, ok := p.Points[m]; !ok {
			return fmt.Errorf("no point for %d", m)
		}
	}
	if pc.Purpose == Refresh || c.cc.Purpose == Refresh {
		if fc, ok := p.Commitment.(*vss.FeldmanCommitment); ok && (len(fc.Commits) == 0 || !fc.Commits[0].Equal(c.g.Point().Null())) {
			return errors.New("refresh polynomial with non zero constant term")
		}
	}
	return nil
}

// openPoint decrypts the point dealt to this replica and checks it against
// the commitment.
func (c *Creator) openPoint(ct []byte, commitment vss.Commitment) (kyber.Scalar, error) {
	suite := c.reg.Suite()
	plain, err := ecies.Decrypt(suite.KeyGroup, suite.Hash, c.conf.Pair.Key, ct)
	if err != nil {
		return nil, fmt.Errorf("decrypting point: %w", err)
	}
	v := c.g.Scalar()
	if err := v.UnmarshalBinary(plain); err != nil {
		return nil, fmt.Errorf("decoding point: %w", err)
	}
	if !c.scheme.Check(&share.PriShare{I: c.conf.Pid, V: v}, commitment) {
		return nil, errors.New("point does not match commitment")
	}
	return v, nil
}

// checkExhausted aborts an undecided round when the remaining senders can no
// longer make up a quorum. A decided round instead looks at its final set.
func (c *Creator) checkExhausted() {
	if c.FinalSet() != nil {
		c.advance()
		return
	}
	_, invalid := c.track.counts()
	if len(c.senders)-invalid < c.quorum {
		c.abort(fmt.Errorf("%w: %d invalid of %d", ErrQuorumExhausted, invalid, len(c.senders)))
	}
}

// checkProgress moves the round to QuorumReached and lets a decided round
// advance. The leader of a round that follows it decides here.
func (c *Creator) checkProgress() {
	valid, _ := c.track.counts()
	c.mu.Lock()
	if c.state == Validating && valid >= c.quorum {
		c.state = QuorumReached
		close(c.reached)
		c.l.Infow("quorum reached", "valid", valid)
	}
	lead := c.conf.FollowLeader && c.cc.Leader == c.conf.Pid && !c.led && c.finalSet == nil && c.state == QuorumReached
	if lead {
		c.led = true
	}
	c.mu.Unlock()
	if lead {
		c.lead()
		return
	}
	c.advance()
}

// lead picks the quorum lowest valid senders, sends them to the other
// replicas and finalizes with them.
func (c *Creator) lead() {
	set := c.track.validSenders()[:c.quorum]
	c.l.Infow("deciding final set", "set", set)
	c.broadcast(&FinalSetMessage{Round: c.cc.ID, Sender: c.conf.Pid, Senders: set})
	if err := c.decide(set); err != nil {
		c.l.Errorw("final set rejected", "err", err)
	}
}

// decide records the final set and advances the round.
func (c *Creator) decide(set []int) error {
	c.mu.Lock()
	switch {
	case c.state.terminal():
		c.mu.Unlock()
		return nil
	case c.finalSet != nil && !equalSets(c.finalSet, set):
		c.mu.Unlock()
		return fmt.Errorf("%w: %v then %v", ErrAlreadyDecided, c.finalSet, set)
	}
	c.finalSet = set
	c.mu.Unlock()
	c.advance()
	return nil
}

// advance finishes a decided round once the proposals of its final set are
// all valid. Senders whose points did not match are accused, once each;
// senders whose proposal was malformed abort the round.
func (c *Creator) advance() {
	c.mu.Lock()
	set, state := c.finalSet, c.state
	c.mu.Unlock()
	if set == nil || state.terminal() || state == Init || state == Proposing {
		return
	}
	var accused []int
	complete := true
	for _, s := range set {
		if c.track.isValid(s) {
			continue
		}
		complete = false
		if !c.track.isInvalid(s) {
			continue
		}
		if _, ok := c.track.rejected(s); !ok {
			c.abort(fmt.Errorf("%w: chosen sender %d", ErrInvalidProposal, s))
			return
		}
		c.mu.Lock()
		if !c.complained[s] {
			c.complained[s] = true
			accused = append(accused, s)
		}
		c.mu.Unlock()
	}
	if complete {
		if _, err := c.finish(set); err != nil && !errors.Is(err, ErrRoundClosed) {
			c.abort(err)
		}
		return
	}

	c.mu.Lock()
	if c.state == Validating || c.state == QuorumReached {
		c.state = MissingProposals
		c.l.Infow("waiting for proposals of final set", "set", set)
	}
	c.mu.Unlock()
	if len(accused) > 0 {
		c.l.Warnw("accusing senders of the final set", "accused", accused)
		c.broadcast(&ComplaintMessage{Round: c.cc.ID, Sender: c.conf.Pid, Accused: accused})
	}
}

func (c *Creator) processFinalSet(msg *FinalSetMessage) error {
	if err := c.checkMessage(msg); err != nil {
		return err
	}
	if !c.conf.FollowLeader || msg.Sender != c.cc.Leader {
		return fmt.Errorf("%w: %d", ErrNotLeader, msg.Sender)
	}
	set, err := c.checkFinalSet(msg.Senders)
	if err != nil {
		return err
	}
	c.l.Infow("final set received", "leader", msg.Sender, "set", set)
	return c.decide(set)
}

// processComplaint answers the complaints accusing this replica, also once
// its own round is over.
func (c *Creator) processComplaint(msg *ComplaintMessage) error {
	if err := c.checkOrigin(msg); err != nil {
		return err
	}
	accused := false
	for _, a := range msg.Accused {
		accused = accused || a == c.conf.Pid
	}
	if !accused || msg.Sender == c.conf.Pid {
		return nil
	}

	c.mu.Lock()
	points, ok := c.mine[msg.Sender]
	answered := c.justified[msg.Sender]
	if ok {
		c.justified[msg.Sender] = true
	}
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: no point dealt to %d", ErrUnknownSender, msg.Sender)
	}
	if answered {
		return nil
	}
	sealed := make([][]byte, len(points))
	for i, v := range points {
		var err error
		if sealed[i], err = c.sealPoint(msg.Sender, v); err != nil {
			return err
		}
	}
	c.l.Infow("justifying points", "complainer", msg.Sender)
	// the round context may be gone once the round is over
	ctx, cancel := context.WithTimeout(context.Background(), JustificationTimeout)
	defer cancel()
	return c.conf.Broadcast.Broadcast(ctx, &JustificationMessage{
		Round:      c.cc.ID,
		Sender:     c.conf.Pid,
		Complainer: msg.Sender,
		Points:     sealed,
	})
}

// processJustification repairs the contribution of a sender this replica
// accused. A justification that does not match the commitments proves the
// sender faulty; when it belongs to the final set the round aborts.
func (c *Creator) processJustification(msg *JustificationMessage) error {
	if err := c.checkMessage(msg); err != nil {
		return err
	}
	if msg.Complainer != c.conf.Pid {
		return nil
	}
	commitments, ok := c.track.rejected(msg.Sender)
	if !ok {
		return nil
	}
	points, err := c.openJustification(msg, commitments)
	if err != nil {
		err = fmt.Errorf("%w: justification of %d: %v", ErrInvalidProposal, msg.Sender, err)
		for _, s := range c.FinalSet() {
			if s == msg.Sender {
				c.abort(err)
			}
		}
		return err
	}
	if c.track.repair(msg.Sender, points) {
		c.l.Infow("sender justified", "sender", msg.Sender)
		c.checkProgress()
	}
	return nil
}

func (c *Creator) openJustification(msg *JustificationMessage, commitments []vss.Commitment) ([]kyber.Scalar, error) {
	if len(msg.Points) != len(commitments) {
		return nil, fmt.Errorf("%d points for %d contexts", len(msg.Points), len(commitments))
	}
	points := make([]kyber.Scalar, len(msg.Points))
	for i, ct := range msg.Points {
		v, err := c.openPoint(ct, commitments[i])
		if err != nil {
			return nil, fmt.Errorf("context %s: %w", c.cc.Contexts[i].ID, err)
		}
		points[i] = v
	}
	return points, nil
}

// Finalize ends the round using the proposals of senders, or of the quorum
// lowest valid senders when senders is empty. When some proposals of senders
// have not been received yet, or did not validate and are being justified,
// the round moves to MissingProposals, Finalize returns ErrMissingProposals
// and the round finishes as soon as they validate.
func (c *Creator) Finalize(senders []int) (*Result, error) {
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()
	if state.terminal() {
		return c.Result()
	}
	if len(senders) == 0 {
		if state != QuorumReached {
			return nil, ErrNotFinished
		}
		senders = c.track.validSenders()[:c.quorum]
	}
	if state != Validating && state != QuorumReached {
		return nil, fmt.Errorf("%w: cannot finalize in state %s", ErrNotFinished, state)
	}
	set, err := c.checkFinalSet(senders)
	if err != nil {
		return nil, err
	}
	if err := c.decide(set); err != nil {
		return nil, err
	}
	res, err := c.Result()
	if errors.Is(err, ErrNotFinished) {
		return nil, ErrMissingProposals
	}
	return res, err
}

func (c *Creator) checkFinalSet(senders []int) ([]int, error) {
	set := make(map[int]bool, len(senders))
	for _, s := range senders {
		if !c.isSender(s) {
			return nil, fmt.Errorf("%w: %d", ErrUnknownSender, s)
		}
		set[s] = true
	}
	if len(set) < c.quorum {
		return nil, fmt.Errorf("%w: %d senders for a quorum of %d", ErrNotFinished, len(set), c.quorum)
	}
	return sortedSet(set), nil
}

func equalSets(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// finish sums the contributions of set and closes the round.
func (c *Creator) finish(set []int) (*Result, error) {
	res := &Result{
		Round:   c.cc.ID,
		Senders: set,
		Shares:  make([]*vss.VerifiableShare, len(c.cc.Contexts)),
	}
	for i := range c.cc.Contexts {
		sum := c.g.Scalar().Zero()
		var commitment vss.Commitment
		for _, s := range set {
			points, commitments, ok := c.track.contribution(s)
			if !ok {
				return nil, fmt.Errorf("%w: %d", ErrMissingProposals, s)
			}
			sum = c.g.Scalar().Add(sum, points[i])
			if commitment == nil {
				commitment = commitments[i]
				continue
			}
			var err error
			if commitment, err = c.scheme.Add(commitment, commitments[i]); err != nil {
				return nil, err
			}
		}
		res.Shares[i] = &vss.VerifiableShare{
			Share:      &share.PriShare{I: c.conf.Pid, V: sum},
			Commitment: commitment,
		}
	}

	c.mu.Lock()
	if c.state.terminal() {
		c.mu.Unlock()
		return nil, ErrRoundClosed
	}
	c.state = Finished
	c.result = res
	close(c.done)
	c.mu.Unlock()

	metrics.RunningRounds.Dec()
	metrics.RoundsFinished.WithLabelValues(c.cc.Purpose.String(), Finished.String()).Inc()
	c.l.Infow("round finished", "senders", set)
	c.conf.Listener.Finished(c.cc.ID, res)
	return res, nil
}

// Abort ends the round without output. In-flight validations still complete
// but their results are discarded.
func (c *Creator) Abort() {
	c.abort(ErrAborted)
}

func (c *Creator) abort(reason error) {
	c.mu.Lock()
	if c.state.terminal() {
		c.mu.Unlock()
		return
	}
	started := c.state != Init
	c.state = Aborted
	c.abortErr = reason
	close(c.done)
	c.mu.Unlock()

	if started {
		metrics.RunningRounds.Dec()
	}
	metrics.RoundsFinished.WithLabelValues(c.cc.Purpose.String(), Aborted.String()).Inc()
	c.l.Warnw("round aborted", "err", reason)
	c.conf.Listener.Aborted(c.cc.ID, reason)
}

type lockedReader struct {
	sync.Mutex
	r io.Reader
}

func (l *lockedReader) Read(p []byte) (int, error) {
	l.Lock()
	defer l.Unlock()
	return l.r.Read(p)
}
