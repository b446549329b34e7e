// Package polynomial runs the distributed creation of shared polynomials: every
// member of a round proposes a polynomial, validates the points it receives
// from the others and, once a quorum of valid proposals is known, sums the
// chosen proposals into its share of the jointly generated polynomial.
package polynomial

import (
	"errors"
	"fmt"
	"sort"

	"github.com/drand/kyber"
)

// Purpose tags what a round's polynomial is used for.
type Purpose uint8

const (
	// Recovery polynomials blind the state sent to a recovering replica.
	Recovery Purpose = iota + 1
	// Refresh polynomials have a zero constant term and are added to
	// existing shares during resharing.
	Refresh
	// Random polynomials share a fresh random secret.
	Random
)

func (p Purpose) String() string {
	switch p {
	case Recovery:
		return "recovery"
	case Refresh:
		return "refresh"
	case Random:
		return "random"
	default:
		return fmt.Sprintf("purpose(%d)", uint8(p))
	}
}

// ErrInvalidContext is returned by NewContext and NewCreationContext for
// inconsistent parameters.
var ErrInvalidContext = errors.New("polynomial: invalid context")

// Context describes one polynomial created within a round.
type Context struct {
	ID string
	// F is the degree of the polynomial.
	F int
	// Members are the process ids receiving a point, in ascending order.
	Members []int
	Purpose Purpose
}

// NewContext sorts members and checks there are at least 2f+1 distinct ones.
func NewContext(id string, f int, members []int, purpose Purpose) (*Context, error) {
	sorted := append([]int(nil), members...)
	sort.Ints(sorted)
	if f < 0 {
		return nil, fmt.Errorf("%w: negative threshold", ErrInvalidContext)
	}
	if len(sorted) < 2*f+1 {
		return nil, fmt.Errorf("%w: %d members for f=%d", ErrInvalidContext, len(sorted), f)
	}
	for i := 1; i < len(sorted); i++ {
		if sorted[i] == sorted[i-1] {
			return nil, fmt.Errorf("%w: duplicate member %d", ErrInvalidContext, sorted[i])
		}
	}
	return &Context{ID: id, F: f, Members: sorted, Purpose: purpose}, nil
}

// IsMember reports whether pid receives a point.
func (c *Context) IsMember(pid int) bool {
	i := sort.SearchInts(c.Members, pid)
	return i < len(c.Members) && c.Members[i] == pid
}

// CreationContext groups the contexts created together in one round. They
// share a round id, a leader and the constant term when one is set.
type CreationContext struct {
	ID      string
	Leader  int
	Purpose Purpose
	// Constant is the constant term of every polynomial of the round. When
	// nil, one random constant is drawn per round, except for Refresh rounds
	// which always use zero.
	Constant kyber.Scalar
	Contexts []*Context
}

// NewCreationContext checks that contexts are non empty, have distinct ids and
// that the leader belongs to every one of them.
func NewCreationContext(id string, leader int, purpose Purpose, contexts ...*Context) (*CreationContext, error) {
	if len(contexts) == 0 {
		return nil, fmt.Errorf("%w: round %s has no context", ErrInvalidContext, id)
	}
	ids := make(map[string]bool, len(contexts))
	for _, c := range contexts {
		if ids[c.ID] {
			return nil, fmt.Errorf("%w: duplicate context %s", ErrInvalidContext, c.ID)
		}
		ids[c.ID] = true
		if !c.IsMember(leader) {
			return nil, fmt.Errorf("%w: leader %d not in context %s", ErrInvalidContext, leader, c.ID)
		}
	}
	return &CreationContext{
		ID:       id,
		Leader:   leader,
		Purpose:  purpose,
		Contexts: contexts,
	}, nil
}

// Members returns the union of the members of every context, in ascending
// order.
func (cc *CreationContext) Members() []int {
	set := make(map[int]bool)
	for _, c := range cc.Contexts {
		for _, m := range c.Members {
			set[m] = true
		}
	}
	out := make([]int, 0, len(set))
	for m := range set {
		out = append(out, m)
	}
	sort.Ints(out)
	return out
}

// commonMembers returns the members present in every context. Only those can
// send a proposal for all of them.
func (cc *CreationContext) commonMembers() []int {
	var out []int
	for _, m := range cc.Members() {
		all := true
		for _, c := range cc.Contexts {
			if !c.IsMember(m) {
				all = false
				break
			}
		}
		if all {
			out = append(out, m)
		}
	}
	return out
}
