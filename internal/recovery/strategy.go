package recovery

import (
	"bytes"
	"errors"
	"fmt"
	"sort"

	"github.com/cobrabft/cobra/crypto"
	"github.com/cobrabft/cobra/crypto/vss"
	"github.com/cobrabft/cobra/internal/wire"
)

// ErrNoCommitments is returned when reading commitments before enough
// senders contributed theirs.
var ErrNoCommitments = errors.New("recovery: commitments not prepared")

// SuspectsError names the senders whose commitments are inconsistent with
// the others or with the recovering replica's own blinding commitment.
type SuspectsError struct {
	Pids []int
	Err  error
}

func (e *SuspectsError) Error() string {
	return fmt.Sprintf("recovery: suspect senders %v: %v", e.Pids, e.Err)
}

func (e *SuspectsError) Unwrap() error {
	return e.Err
}

// CommitmentStrategy collects the commitments senders transmit and rebuilds
// from them the commitment to the blinding polynomial and, one after the
// other, the commitment of every share of the state.
type CommitmentStrategy interface {
	// HandleNewCommitments stores the contribution of a sender. Either blob
	// may be nil depending on the scheme and on the sender's role.
	HandleNewCommitments(from int, commitments, commitmentsHash []byte) error
	// PrepareCommitments reports whether enough contributions are held to
	// start combining.
	PrepareCommitments() bool
	// ReadBlindingCommitment starts a new pass over the contributions and
	// returns the combined blinding commitment.
	ReadBlindingCommitment() (vss.Commitment, error)
	// ReadNextCommitment returns the combined commitment of the next share.
	ReadNextCommitment() (vss.Commitment, error)
	// RemoveServersCommitment drops the contribution of pid and returns the
	// blinding commitment recombined without it, nil when none can be built.
	RemoveServersCommitment(pid int) (vss.Commitment, error)
}

// NewStrategy returns the strategy matching the kind of scheme. own is the
// commitment of the recovering replica's point of the blinding polynomial.
func NewStrategy(scheme vss.Scheme, suite *crypto.Suite, own vss.Commitment, oldQuorum int) CommitmentStrategy {
	if scheme.Kind() == vss.Constant {
		return &constantStrategy{
			scheme:    scheme,
			own:       own,
			oldQuorum: oldQuorum,
			raw:       make(map[int][]byte),
		}
	}
	return &linearStrategy{
		scheme:    scheme,
		suite:     suite,
		own:       own,
		oldQuorum: oldQuorum,
		hashes:    make(map[int][]byte),
		rawFrom:   -1,
	}
}

// readCommitment reads one length-prefixed commitment.
func readCommitment(scheme vss.Scheme, dec *wire.Decoder) (vss.Commitment, error) {
	b := dec.Bytes()
	if err := dec.Err(); err != nil {
		return nil, err
	}
	return scheme.Unmarshal(b)
}

// constantStrategy keeps the commitments of every sender: each carries the
// witness of its own sender only, so they all have to be combined.
type constantStrategy struct {
	scheme    vss.Scheme
	own       vss.Commitment
	oldQuorum int

	raw      map[int][]byte
	streams  map[int]*wire.Decoder
	blinding map[int]vss.Commitment
}

func (c *constantStrategy) HandleNewCommitments(from int, commitments, _ []byte) error {
	if commitments == nil {
		return fmt.Errorf("%w: no commitments from %d", ErrMalformedFrame, from)
	}
	c.raw[from] = commitments
	if c.streams != nil {
		// a pass is in progress: the newcomer joins at the next one
		delete(c.streams, from)
	}
	return nil
}

func (c *constantStrategy) PrepareCommitments() bool {
	return len(c.raw) >= c.oldQuorum
}

func (c *constantStrategy) ReadBlindingCommitment() (vss.Commitment, error) {
	if !c.PrepareCommitments() {
		return nil, ErrNoCommitments
	}
	c.streams = make(map[int]*wire.Decoder, len(c.raw))
	c.blinding = make(map[int]vss.Commitment, len(c.raw))
	var suspects []int
	var lastErr error
	for _, pid := range sortedPids(c.raw) {
		dec := wire.NewDecoder(bytes.NewReader(c.raw[pid]))
		v, err := readCommitment(c.scheme, dec)
		if err == nil {
			_, err = c.scheme.Combine(map[int]vss.Commitment{-1: c.own, pid: v})
		}
		if err != nil {
			suspects = append(suspects, pid)
			lastErr = err
			continue
		}
		c.streams[pid] = dec
		c.blinding[pid] = v
	}
	if len(suspects) > 0 {
		return nil, &SuspectsError{Pids: suspects, Err: lastErr}
	}
	return c.combineBlinding()
}

func (c *constantStrategy) combineBlinding() (vss.Commitment, error) {
	views := make(map[int]vss.Commitment, len(c.blinding)+1)
	for pid, v := range c.blinding {
		views[pid] = v
	}
	views[-1] = c.own
	return c.scheme.Combine(views)
}

// ReadNextCommitment combines the next view of every sender. Views are
// grouped by the polynomial they bind; senders outside the largest group are
// reported as suspects.
func (c *constantStrategy) ReadNextCommitment() (vss.Commitment, error) {
	if c.streams == nil {
		return nil, ErrNoCommitments
	}
	views := make(map[int]vss.Commitment, len(c.streams))
	var suspects []int
	var lastErr error
	for _, pid := range sortedDecoders(c.streams) {
		v, err := readCommitment(c.scheme, c.streams[pid])
		if err != nil {
			suspects = append(suspects, pid)
			lastErr = err
			continue
		}
		views[pid] = v
	}
	if len(suspects) > 0 {
		return nil, &SuspectsError{Pids: suspects, Err: lastErr}
	}
	combined, err := c.scheme.Combine(views)
	if err == nil {
		return combined, nil
	}
	if outliers := c.outliers(views); len(outliers) > 0 {
		return nil, &SuspectsError{Pids: outliers, Err: err}
	}
	return nil, err
}

// outliers returns the senders whose view does not combine with the views of
// the largest group of senders agreeing with each other. Ties go to the group
// of the lowest sender.
func (c *constantStrategy) outliers(views map[int]vss.Commitment) []int {
	pids := sortedCommitments(views)
	var best []int
	for _, pid := range pids {
		group := []int{pid}
		for _, other := range pids {
			if other == pid {
				continue
			}
			if _, err := c.scheme.Combine(map[int]vss.Commitment{pid: views[pid], other: views[other]}); err == nil {
				group = append(group, other)
			}
		}
		if len(group) > len(best) {
			best = group
		}
	}
	in := make(map[int]bool, len(best))
	for _, pid := range best {
		in[pid] = true
	}
	var out []int
	for _, pid := range pids {
		if !in[pid] {
			out = append(out, pid)
		}
	}
	return out
}

func (c *constantStrategy) RemoveServersCommitment(pid int) (vss.Commitment, error) {
	delete(c.raw, pid)
	if c.streams != nil {
		delete(c.streams, pid)
	}
	if c.blinding == nil {
		return nil, nil
	}
	delete(c.blinding, pid)
	return c.combineBlinding()
}

// linearStrategy relies on a single sender transmitting the full
// commitments; the others only vouch for them with a hash.
type linearStrategy struct {
	scheme    vss.Scheme
	suite     *crypto.Suite
	own       vss.Commitment
	oldQuorum int

	hashes   map[int][]byte
	raw      []byte
	rawFrom  int
	stream   *wire.Decoder
	blinding vss.Commitment
}

func (l *linearStrategy) HandleNewCommitments(from int, commitments, commitmentsHash []byte) error {
	if commitments != nil {
		if commitmentsHash == nil {
			commitmentsHash = l.suite.Digest(commitments)
		}
		l.raw = commitments
		l.rawFrom = from
		l.stream = nil
	}
	if commitmentsHash == nil {
		return fmt.Errorf("%w: no commitments hash from %d", ErrMalformedFrame, from)
	}
	l.hashes[from] = commitmentsHash
	return nil
}

// PrepareCommitments is true once the full commitments are held and vouched
// for by oldQuorum senders, their own sender included.
func (l *linearStrategy) PrepareCommitments() bool {
	if l.rawFrom < 0 {
		return false
	}
	ref := l.hashes[l.rawFrom]
	agree := 0
	for _, h := range l.hashes {
		if bytes.Equal(h, ref) {
			agree++
		}
	}
	return agree >= l.oldQuorum
}

func (l *linearStrategy) ReadBlindingCommitment() (vss.Commitment, error) {
	if !l.PrepareCommitments() {
		return nil, ErrNoCommitments
	}
	l.stream = wire.NewDecoder(bytes.NewReader(l.raw))
	v, err := readCommitment(l.scheme, l.stream)
	if err == nil && !v.Equal(l.own) {
		err = fmt.Errorf("%w: blinding commitment differs from own", vss.ErrIncompatible)
	}
	if err != nil {
		return nil, &SuspectsError{Pids: []int{l.rawFrom}, Err: err}
	}
	l.blinding = v
	return v, nil
}

func (l *linearStrategy) ReadNextCommitment() (vss.Commitment, error) {
	if l.stream == nil {
		return nil, ErrNoCommitments
	}
	v, err := readCommitment(l.scheme, l.stream)
	if err != nil {
		return nil, &SuspectsError{Pids: []int{l.rawFrom}, Err: err}
	}
	return v, nil
}

func (l *linearStrategy) RemoveServersCommitment(pid int) (vss.Commitment, error) {
	delete(l.hashes, pid)
	if pid == l.rawFrom {
		l.raw = nil
		l.rawFrom = -1
		l.stream = nil
		l.blinding = nil
	}
	return l.blinding, nil
}

func sortedPids(m map[int][]byte) []int {
	out := make([]int, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Ints(out)
	return out
}

func sortedDecoders(m map[int]*wire.Decoder) []int {
	out := make([]int, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Ints(out)
	return out
}

func sortedCommitments(m map[int]vss.Commitment) []int {
	out := make([]int, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Ints(out)
	return out
}
