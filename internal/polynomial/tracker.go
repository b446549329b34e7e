package polynomial

import (
	"sort"
	"sync"

	"github.com/drand/kyber"

	"github.com/cobrabft/cobra/crypto/vss"
)

// tracker is the bookkeeping of a round. Senders are claimed before their
// proposal is validated so that a second message from the same sender is
// never counted, and they end up either valid or invalid, never both. The
// valid set only grows: an invalid sender whose points are dealt again
// correctly moves to it.
type tracker struct {
	sync.Mutex
	claimed     map[int]bool
	valid       map[int]bool
	invalid     map[int]bool
	points      map[int][]kyber.Scalar
	commitments map[int][]vss.Commitment
}

func newTracker() *tracker {
	return &tracker{
		claimed:     make(map[int]bool),
		valid:       make(map[int]bool),
		invalid:     make(map[int]bool),
		points:      make(map[int][]kyber.Scalar),
		commitments: make(map[int][]vss.Commitment),
	}
}

// claim returns false when sender was already claimed.
func (t *tracker) claim(sender int) bool {
	t.Lock()
	defer t.Unlock()
	if t.claimed[sender] {
		return false
	}
	t.claimed[sender] = true
	return true
}

func (t *tracker) markValid(sender int, points []kyber.Scalar, commitments []vss.Commitment) int {
	t.Lock()
	defer t.Unlock()
	t.valid[sender] = true
	t.points[sender] = points
	t.commitments[sender] = commitments
	return len(t.valid)
}

// markInvalid records a rejected proposal. commitments are kept when the
// proposal was well formed and only the points failed, so that the sender
// can be justified later.
func (t *tracker) markInvalid(sender int, commitments []vss.Commitment) int {
	t.Lock()
	defer t.Unlock()
	t.invalid[sender] = true
	if commitments != nil {
		t.commitments[sender] = commitments
	}
	return len(t.invalid)
}

// rejected returns the commitments of an invalid but well formed proposal.
func (t *tracker) rejected(sender int) ([]vss.Commitment, bool) {
	t.Lock()
	defer t.Unlock()
	if !t.invalid[sender] {
		return nil, false
	}
	c, ok := t.commitments[sender]
	return c, ok
}

// repair moves an invalid sender to the valid set with the given points. It
// returns false when the sender was not invalid.
func (t *tracker) repair(sender int, points []kyber.Scalar) bool {
	t.Lock()
	defer t.Unlock()
	if !t.invalid[sender] {
		return false
	}
	delete(t.invalid, sender)
	t.valid[sender] = true
	t.points[sender] = points
	return true
}

func (t *tracker) isValid(sender int) bool {
	t.Lock()
	defer t.Unlock()
	return t.valid[sender]
}

func (t *tracker) isInvalid(sender int) bool {
	t.Lock()
	defer t.Unlock()
	return t.invalid[sender]
}

func (t *tracker) validSenders() []int {
	t.Lock()
	defer t.Unlock()
	return sortedSet(t.valid)
}

func (t *tracker) invalidSenders() []int {
	t.Lock()
	defer t.Unlock()
	return sortedSet(t.invalid)
}

func (t *tracker) counts() (valid, invalid int) {
	t.Lock()
	defer t.Unlock()
	return len(t.valid), len(t.invalid)
}

// contribution returns the decrypted points and commitments of a valid sender.
func (t *tracker) contribution(sender int) ([]kyber.Scalar, []vss.Commitment, bool) {
	t.Lock()
	defer t.Unlock()
	if !t.valid[sender] {
		return nil, nil, false
	}
	return t.points[sender], t.commitments[sender], true
}

func sortedSet(m map[int]bool) []int {
	out := make([]int, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Ints(out)
	return out
}
