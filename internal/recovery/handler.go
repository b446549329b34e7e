package recovery

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/drand/kyber"
	"github.com/drand/kyber/share"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/cobrabft/cobra/common/log"
	"github.com/cobrabft/cobra/crypto/vss"
	"github.com/cobrabft/cobra/internal/metrics"
	"github.com/cobrabft/cobra/internal/state"
)

// HandlerState is the progress of a recovery on the recovering replica.
type HandlerState uint32

const (
	// WaitingCommitments means too few senders contributed commitments.
	WaitingCommitments HandlerState = iota
	// Combining means the blinding commitment is being rebuilt.
	Combining
	// WaitingPublicState means the full state, or enough senders vouching
	// for it, is still missing.
	WaitingPublicState
	// Verifying means blinded shares are being checked and interpolated.
	Verifying
	// Reconstructed means the state was recovered.
	Reconstructed
	// Failed means this attempt is over; a new one needs a fresh blinding
	// round.
	Failed
)

func (s HandlerState) String() string {
	switch s {
	case WaitingCommitments:
		return "WaitingCommitments"
	case Combining:
		return "Combining"
	case WaitingPublicState:
		return "WaitingPublicState"
	case Verifying:
		return "Verifying"
	case Reconstructed:
		return "Reconstructed"
	case Failed:
		return "Failed"
	default:
		return fmt.Sprintf("HandlerState(%d)", uint32(s))
	}
}

func (s HandlerState) terminal() bool {
	return s == Reconstructed || s == Failed
}

var (
	// ErrRecoveryFailed is returned once an attempt cannot complete.
	ErrRecoveryFailed = errors.New("recovery: recovery failed")
	// ErrNotReconstructed is returned when reading the result of an attempt
	// still in progress.
	ErrNotReconstructed = errors.New("recovery: state not reconstructed")
	// ErrUnexpectedSender is returned for frames from outside the view.
	ErrUnexpectedSender = errors.New("recovery: unexpected sender")
	// ErrDuplicate is returned for a second frame of the same sender.
	ErrDuplicate = errors.New("recovery: duplicate frame")
	// ErrHashMismatch flags a sender vouching for other data than the
	// designated sender's.
	ErrHashMismatch = errors.New("recovery: state hash mismatch")
	// ErrInvalidBlindedShare flags a sender whose blinded share does not
	// match the combined commitments.
	ErrInvalidBlindedShare = errors.New("recovery: invalid blinded share")
	// ErrUnresponsive flags a sender that could not be solicited.
	ErrUnresponsive = errors.New("recovery: sender unresponsive")
)

// DefaultMaxRetries bounds how many replacement senders are solicited.
const DefaultMaxRetries = 3

// Solicitor asks peers for their recovery state.
type Solicitor interface {
	// Solicit asks pid to send its state, in full when designated.
	Solicit(ctx context.Context, pid int, designated bool) error
}

// Listener is told how an attempt ended. Calls are made without any lock of
// the handler held.
type Listener interface {
	ReconstructionCompleted(st *state.ApplicationState)
	RecoveryFailed(err error)
}

type nopListener struct{}

func (nopListener) ReconstructionCompleted(*state.ApplicationState) {}
func (nopListener) RecoveryFailed(error)                            {}

// HandlerConfig holds the parameters of one recovery attempt.
type HandlerConfig struct {
	// Registry of the view the state is recovered from.
	Registry *vss.Registry
	// Pid of the recovering replica.
	Pid int
	// RecoveryPoint is the recovering replica's point of the blinding
	// polynomial.
	RecoveryPoint *vss.VerifiableShare
	// Designated is the first sender asked for the full state.
	Designated int
	// OldQuorum is the number of consistent senders needed, the quorum of
	// Registry when zero.
	OldQuorum int
	// MaxRetries bounds replacement solicitations, DefaultMaxRetries when
	// zero.
	MaxRetries int
	// Timeout, when set, solicits one more sender each time it elapses
	// without the attempt completing.
	Timeout   time.Duration
	Solicitor Solicitor
	Listener  Listener
	Clock     clockwork.Clock
	Logger    log.Logger
}

type received struct {
	frame  *Frame
	shares *blindedShares
}

// Handler rebuilds the state of the recovering replica from the frames of
// its peers.
type Handler struct {
	conf      *HandlerConfig
	reg       *vss.Registry
	scheme    vss.Scheme
	g         kyber.Group
	l         log.Logger
	session   uuid.UUID
	oldQuorum int
	strategy  CommitmentStrategy

	mu         sync.Mutex
	ctx        context.Context
	state      HandlerState
	designated int
	frames     map[int]*received
	// mismatched keeps the frames of senders flagged for vouching for other
	// data, in case the designated sender turns out to be the faulty one.
	mismatched map[int]*received
	unreliable map[int]error
	solicited  map[int]bool
	retries    int
	common     *state.ApplicationState
	started    time.Time
	result     *state.ApplicationState
	err        error
	done       chan struct{}
}

// NewHandler prepares a recovery attempt.
func NewHandler(conf *HandlerConfig) (*Handler, error) {
	if conf.Registry == nil || conf.RecoveryPoint == nil || conf.Solicitor == nil {
		return nil, errors.New("recovery: incomplete handler config")
	}
	reg := conf.Registry
	if conf.RecoveryPoint.Pid() != conf.Pid {
		return nil, fmt.Errorf("recovery: recovery point of %d given to %d", conf.RecoveryPoint.Pid(), conf.Pid)
	}
	if !reg.IsMember(conf.Designated) || conf.Designated == conf.Pid {
		return nil, fmt.Errorf("%w: designated sender %d", ErrUnexpectedSender, conf.Designated)
	}
	oldQuorum := conf.OldQuorum
	if oldQuorum == 0 {
		oldQuorum = reg.Quorum()
	}
	if oldQuorum < reg.Threshold()+1 {
		return nil, fmt.Errorf("recovery: quorum %d cannot interpolate degree %d", oldQuorum, reg.Threshold())
	}
	if conf.MaxRetries == 0 {
		conf.MaxRetries = DefaultMaxRetries
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
	session := uuid.New()
	return &Handler{
		conf:       conf,
		reg:        reg,
		scheme:     reg.Scheme(),
		g:          reg.Group(),
		l:          conf.Logger.Named("handler").With("session", session.String(), "pid", conf.Pid),
		session:    session,
		oldQuorum:  oldQuorum,
		strategy:   NewStrategy(reg.Scheme(), reg.Suite(), conf.RecoveryPoint.Commitment, oldQuorum),
		ctx:        context.Background(),
		state:      WaitingCommitments,
		designated: conf.Designated,
		frames:     make(map[int]*received),
		mismatched: make(map[int]*received),
		unreliable: make(map[int]error),
		solicited:  make(map[int]bool),
		done:       make(chan struct{}),
	}, nil
}

// Session identifies the attempt in logs.
func (h *Handler) Session() uuid.UUID { return h.session }

// Kind implements Designation.
func (h *Handler) Kind() vss.Kind { return h.scheme.Kind() }

// IsDesignated implements Designation.
func (h *Handler) IsDesignated(pid int) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return pid == h.designated
}

// Designated returns the sender currently expected to send the full state.
func (h *Handler) Designated() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.designated
}

// State returns the current state.
func (h *Handler) State() HandlerState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Done is closed once the attempt is reconstructed or failed.
func (h *Handler) Done() <-chan struct{} { return h.done }

// Unreliable returns the senders flagged during the attempt.
func (h *Handler) Unreliable() []int {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]int, 0, len(h.unreliable))
	for pid := range h.unreliable {
		out = append(out, pid)
	}
	sort.Ints(out)
	return out
}

// Result returns the recovered state, the failure of a failed attempt or
// ErrNotReconstructed.
func (h *Handler) Result() (*state.ApplicationState, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	switch h.state {
	case Reconstructed:
		return h.result, nil
	case Failed:
		return nil, h.err
	default:
		return nil, ErrNotReconstructed
	}
}

type action func()

func run(acts []action) {
	for _, a := range acts {
		a()
	}
}

// Start solicits the designated sender and enough other senders to make up
// the quorum.
func (h *Handler) Start(ctx context.Context) {
	h.mu.Lock()
	h.ctx = ctx
	acts := []action{h.solicit(h.designated, true)}
	for len(h.solicited) < h.oldQuorum {
		pid, ok := h.nextPeer()
		if !ok {
			acts = append(acts, h.fail(fmt.Errorf("%w: %d peers for a quorum of %d", ErrRecoveryFailed, len(h.solicited), h.oldQuorum))...)
			break
		}
		acts = append(acts, h.solicit(pid, false))
	}
	h.mu.Unlock()
	h.l.Infow("recovery started", "designated", h.conf.Designated, "quorum", h.oldQuorum)
	if h.conf.Timeout > 0 {
		go h.watchTimeout(ctx)
	}
	run(acts)
}

func (h *Handler) watchTimeout(ctx context.Context) {
	for {
		timer := h.conf.Clock.NewTimer(h.conf.Timeout)
		select {
		case <-timer.Chan():
		case <-h.done:
			timer.Stop()
			return
		case <-ctx.Done():
			timer.Stop()
			h.mu.Lock()
			acts := h.fail(fmt.Errorf("%w: %v", ErrRecoveryFailed, ctx.Err()))
			h.mu.Unlock()
			run(acts)
			return
		}
		h.mu.Lock()
		var acts []action
		if !h.state.terminal() {
			h.l.Warnw("recovery timed out, soliciting another sender", "received", len(h.frames))
			acts = h.replace(false)
		}
		h.mu.Unlock()
		run(acts)
	}
}

// nextPeer returns the lowest member not solicited yet.
func (h *Handler) nextPeer() (int, bool) {
	for _, pid := range h.reg.Members() {
		if pid == h.conf.Pid || h.solicited[pid] {
			continue
		}
		if _, bad := h.unreliable[pid]; bad {
			continue
		}
		return pid, true
	}
	return 0, false
}

func (h *Handler) solicit(pid int, designated bool) action {
	h.solicited[pid] = true
	ctx := h.ctx
	return func() {
		h.l.Debugw("soliciting state", "peer", pid, "designated", designated)
		if err := h.conf.Solicitor.Solicit(ctx, pid, designated); err != nil {
			h.l.Warnw("solicitation failed", "peer", pid, "err", err)
			h.mu.Lock()
			acts := h.flag(pid, fmt.Errorf("%w: %v", ErrUnresponsive, err))
			acts = append(acts, h.evaluate()...)
			h.mu.Unlock()
			run(acts)
		}
	}
}

// replace solicits one more sender, counting it as a retry. The new sender
// is asked for the full state when designated is true.
func (h *Handler) replace(designated bool) []action {
	if h.state.terminal() {
		return nil
	}
	h.retries++
	if h.retries > h.conf.MaxRetries {
		return h.fail(fmt.Errorf("%w: %d retries exhausted", ErrRecoveryFailed, h.conf.MaxRetries))
	}
	pid, ok := h.nextPeer()
	if !ok {
		return h.fail(fmt.Errorf("%w: no sender left to solicit", ErrRecoveryFailed))
	}
	if designated {
		h.designated = pid
	}
	return []action{h.solicit(pid, designated)}
}

// flag excludes pid from the attempt and solicits a replacement.
func (h *Handler) flag(pid int, reason error) []action {
	if h.state.terminal() {
		return nil
	}
	if _, done := h.unreliable[pid]; done {
		return nil
	}
	h.l.Warnw("sender unreliable", "peer", pid, "err", reason)
	metrics.UnreliableSenders.Inc()
	h.unreliable[pid] = reason
	if errors.Is(reason, ErrHashMismatch) {
		h.mismatched[pid] = h.frames[pid]
	}
	delete(h.frames, pid)
	if _, err := h.strategy.RemoveServersCommitment(pid); err != nil {
		h.l.Debugw("recombining without sender", "peer", pid, "err", err)
	}
	if pid != h.designated {
		return h.replace(false)
	}
	h.common = nil
	return h.replaceDesignated(nil)
}

// replaceDesignated asks a new sender for the full state: the lowest of
// candidates when given, the next unsolicited peer otherwise.
func (h *Handler) replaceDesignated(candidates []int) []action {
	if len(candidates) == 0 {
		return h.replace(true)
	}
	h.retries++
	if h.retries > h.conf.MaxRetries {
		return h.fail(fmt.Errorf("%w: %d retries exhausted", ErrRecoveryFailed, h.conf.MaxRetries))
	}
	sort.Ints(candidates)
	h.designated = candidates[0]
	h.l.Infow("replacing designated sender", "designated", h.designated)
	return []action{h.solicit(h.designated, true)}
}

func (h *Handler) fail(err error) []action {
	if h.state.terminal() {
		return nil
	}
	h.state = Failed
	h.err = err
	close(h.done)
	h.l.Errorw("recovery failed", "err", err)
	return []action{func() { h.conf.Listener.RecoveryFailed(err) }}
}

// DeliverPublicState processes the frame of one sender. Malformed or
// inconsistent frames flag their sender, who is replaced; only frames that
// cannot be attributed to the attempt are returned as errors.
func (h *Handler) DeliverPublicState(f *Frame) error {
	h.mu.Lock()
	if h.state.terminal() {
		h.mu.Unlock()
		return nil
	}
	if f.Pid == h.conf.Pid || !h.reg.IsMember(f.Pid) {
		h.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrUnexpectedSender, f.Pid)
	}
	if _, bad := h.unreliable[f.Pid]; bad {
		h.mu.Unlock()
		h.l.Debugw("ignoring frame of unreliable sender", "peer", f.Pid)
		return nil
	}
	if prev, ok := h.frames[f.Pid]; ok && !(f.Pid == h.designated && !prev.frame.HasCommonState() && f.HasCommonState()) {
		h.mu.Unlock()
		return fmt.Errorf("%w from %d", ErrDuplicate, f.Pid)
	}
	if h.started.IsZero() {
		h.started = h.conf.Clock.Now()
	}
	payload := "hash"
	if f.HasCommonState() {
		payload = "full"
	}
	metrics.RecoveryFrames.WithLabelValues(payload).Inc()
	h.l.Debugw("frame received", "peer", f.Pid, "payload", payload)

	acts := h.ingest(f)
	acts = append(acts, h.evaluate()...)
	h.mu.Unlock()
	run(acts)
	return nil
}

func (h *Handler) ingest(f *Frame) []action {
	shares, err := decodeShares(h.g, f.BlindedShares)
	if err != nil {
		return h.flag(f.Pid, err)
	}
	if f.Pid == h.designated && !f.HasCommonState() {
		return h.flag(f.Pid, fmt.Errorf("%w: designated sender sent no state", ErrMalformedFrame))
	}
	if f.HasCommonState() {
		if f.Pid != h.designated {
			return h.flag(f.Pid, fmt.Errorf("%w: full state from non designated sender", ErrMalformedFrame))
		}
		common, err := state.DecodeCommon(h.scheme, f.CommonState)
		if err == nil && len(common.Shares()) != len(shares.values) {
			err = fmt.Errorf("%w: %d shares for %d slots", ErrMalformedFrame, len(shares.values), len(common.Shares()))
		}
		if err != nil {
			return h.flag(f.Pid, err)
		}
		common.LastCheckpointCID = shares.lastCheckpointCID
		common.LastCID = shares.lastCID
		h.common = common
	}
	if err := h.strategy.HandleNewCommitments(f.Pid, f.Commitments, f.CommitmentsHash); err != nil {
		return h.flag(f.Pid, err)
	}
	h.frames[f.Pid] = &received{frame: f, shares: shares}
	return nil
}

// key is what honest senders agree on.
func (h *Handler) key(r *received) string {
	var b bytes.Buffer
	fmt.Fprintf(&b, "%d/%d/%d/", r.shares.lastCheckpointCID, r.shares.lastCID, len(r.shares.values))
	b.Write(r.frame.CommonStateHash)
	if h.scheme.Kind() == vss.Linear {
		b.WriteByte('/')
		b.Write(r.frame.CommitmentsHash)
	}
	return b.String()
}

// checkConsistency compares every sender with the designated one. When f+1
// senders agree with each other against the designated sender, the latter is
// replaced; otherwise the dissenting senders are flagged. It returns the
// senders agreeing with the designated one and whether the sender set
// changed.
func (h *Handler) checkConsistency() ([]int, bool, []action) {
	ref := h.key(h.frames[h.designated])
	agree := []int{h.designated}
	groups := make(map[string][]int)
	for pid, r := range h.frames {
		if pid == h.designated {
			continue
		}
		if k := h.key(r); k == ref {
			agree = append(agree, pid)
		} else {
			groups[k] = append(groups[k], pid)
		}
	}
	pending := make(map[int]bool)
	for _, pids := range groups {
		for _, pid := range pids {
			pending[pid] = true
		}
	}
	for pid, r := range h.mismatched {
		if r != nil {
			k := h.key(r)
			groups[k] = append(groups[k], pid)
		}
	}
	sort.Ints(agree)

	for _, k := range sortedGroups(groups) {
		pids := groups[k]
		if len(pids) < h.reg.Threshold()+1 {
			continue
		}
		old := h.designated
		h.l.Warnw("senders disagree with designated sender", "designated", old, "senders", pids)
		var acts []action
		for _, pid := range pids {
			if r, ok := h.mismatched[pid]; ok {
				// vouched for the right data after all
				delete(h.mismatched, pid)
				delete(h.unreliable, pid)
				h.frames[pid] = r
				if err := h.strategy.HandleNewCommitments(pid, r.frame.Commitments, r.frame.CommitmentsHash); err != nil {
					h.l.Debugw("restoring sender", "peer", pid, "err", err)
				}
			}
		}
		metrics.UnreliableSenders.Inc()
		h.unreliable[old] = ErrHashMismatch
		delete(h.frames, old)
		h.common = nil
		if _, err := h.strategy.RemoveServersCommitment(old); err != nil {
			h.l.Debugw("recombining without sender", "peer", old, "err", err)
		}
		acts = append(acts, h.replaceDesignated(pids)...)
		return nil, true, acts
	}

	var acts []action
	for _, pid := range sortedSet(pending) {
		acts = append(acts, h.flag(pid, ErrHashMismatch)...)
	}
	return agree, len(pending) > 0, acts
}

// evaluate moves the attempt forward as far as the frames held allow.
func (h *Handler) evaluate() []action {
	var acts []action
	for !h.state.terminal() {
		var agree []int
		if h.common != nil {
			var changed bool
			var more []action
			agree, changed, more = h.checkConsistency()
			acts = append(acts, more...)
			if changed {
				continue
			}
		}
		if !h.strategy.PrepareCommitments() {
			h.state = WaitingCommitments
			break
		}
		if h.common == nil || len(agree) < h.oldQuorum {
			h.state = WaitingPublicState
			break
		}

		h.state = Combining
		blinding, err := h.strategy.ReadBlindingCommitment()
		if err != nil {
			more, ok := h.suspect(err)
			acts = append(acts, more...)
			if !ok {
				acts = append(acts, h.fail(fmt.Errorf("%w: %v", ErrRecoveryFailed, err))...)
			}
			continue
		}

		h.state = Verifying
		res, err := h.verify(agree, blinding)
		if err != nil {
			more, ok := h.suspect(err)
			acts = append(acts, more...)
			if !ok {
				acts = append(acts, h.fail(fmt.Errorf("%w: %v", ErrRecoveryFailed, err))...)
			}
			continue
		}
		acts = append(acts, h.complete(res)...)
	}
	return acts
}

// suspect flags the senders named by err, reporting false when err names
// none.
func (h *Handler) suspect(err error) ([]action, bool) {
	var se *SuspectsError
	if !errors.As(err, &se) || len(se.Pids) == 0 {
		return nil, false
	}
	var acts []action
	for _, pid := range se.Pids {
		acts = append(acts, h.flag(pid, err)...)
	}
	return acts, true
}

// verify checks the blinded shares of agree against the combined
// commitments, then interpolates and unblinds the shares of the recovering
// replica from the oldQuorum lowest senders.
func (h *Handler) verify(agree []int, blinding vss.Commitment) (*state.ApplicationState, error) {
	count := len(h.frames[h.designated].shares.values)
	commitments := make([]vss.Commitment, count)
	var bad []int
	isBad := make(map[int]bool)
	for k := 0; k < count; k++ {
		ck, err := h.strategy.ReadNextCommitment()
		if err != nil {
			return nil, err
		}
		sum, err := h.scheme.Add(ck, blinding)
		if err != nil {
			return nil, err
		}
		for _, pid := range agree {
			if isBad[pid] {
				continue
			}
			v := h.frames[pid].shares.values[k]
			if !h.scheme.Check(&share.PriShare{I: pid, V: v}, sum) {
				isBad[pid] = true
				bad = append(bad, pid)
			}
		}
		commitments[k] = ck
	}
	if len(bad) > 0 {
		return nil, &SuspectsError{Pids: bad, Err: ErrInvalidBlindedShare}
	}

	chosen := agree[:h.oldQuorum]
	own := h.conf.RecoveryPoint.Share.V
	shares := make([]*vss.VerifiableShare, count)
	for k := 0; k < count; k++ {
		points := make(map[int]kyber.Scalar, len(chosen))
		for _, pid := range chosen {
			points[pid] = h.frames[pid].shares.values[k]
		}
		blinded, err := h.reg.InterpolateAt(h.conf.Pid, points)
		if err != nil {
			return nil, err
		}
		c, err := h.reg.ExtendCommitment(commitments[k], h.conf.Pid, chosen)
		if err != nil {
			return nil, err
		}
		vs := &vss.VerifiableShare{
			Share:      &share.PriShare{I: h.conf.Pid, V: vss.Unblind(h.g, blinded, own)},
			Commitment: c,
		}
		if !vs.Valid(h.scheme) {
			return nil, fmt.Errorf("%w: share %d", vss.ErrInvalidShare, k)
		}
		shares[k] = vs
	}
	st := h.common
	if err := st.FillShares(shares); err != nil {
		return nil, err
	}
	return st, nil
}

func (h *Handler) complete(st *state.ApplicationState) []action {
	h.state = Reconstructed
	h.result = st
	close(h.done)
	took := h.conf.Clock.Since(h.started)
	metrics.ReconstructionLatency.Observe(took.Seconds())
	h.l.Infow("state reconstructed", "shares", len(st.Shares()), "lastCID", st.LastCID, "took", took)
	return []action{func() { h.conf.Listener.ReconstructionCompleted(st) }}
}

func sortedGroups(m map[string][]int) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func sortedSet(m map[int]bool) []int {
	out := make([]int, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Ints(out)
	return out
}
