package vss

import (
	"crypto/cipher"
	"errors"
	"fmt"
	"sort"

	lru "github.com/hashicorp/golang-lru"

	"github.com/drand/kyber"
	"github.com/drand/kyber/share"

	"github.com/cobrabft/cobra/common/key"
	"github.com/cobrabft/cobra/crypto"
)

var (
	// ErrUnknownProcess is returned for process ids or shareholders outside
	// the view.
	ErrUnknownProcess = errors.New("vss: process not in view")
	// ErrNotEnoughPoints is returned when interpolating from fewer than f+1
	// points.
	ErrNotEnoughPoints = errors.New("vss: not enough points to interpolate")
)

// lagrangeCacheSize bounds the number of (target, point set) combinations
// kept in memory.
const lagrangeCacheSize = 256

// NewScheme builds the commitment scheme of the given kind. maxDegree and seed
// only matter for the constant-size scheme.
func NewScheme(kind Kind, suite *crypto.Suite, maxDegree int, seed []byte) (Scheme, error) {
	switch kind {
	case Linear:
		return NewFeldman(suite.KeyGroup), nil
	case Constant:
		setup, err := NewKateSetup(suite, maxDegree, seed)
		if err != nil {
			return nil, err
		}
		return NewKate(suite, setup), nil
	default:
		return nil, fmt.Errorf("vss: unsupported scheme %s", kind)
	}
}

// Registry maps the process ids of a view to shareholders and carries the
// field and threshold parameters derived from the view. It is immutable once
// built and safe for concurrent use.
type Registry struct {
	suite  *crypto.Suite
	scheme Scheme
	view   *key.View
	f      int
	quorum int

	byShareholder map[string]int
	lagrange      *lru.Cache
}

// NewRegistry builds the registry of view.
func NewRegistry(suite *crypto.Suite, view *key.View, scheme Scheme) (*Registry, error) {
	if err := view.Validate(); err != nil {
		return nil, err
	}
	if scheme == nil {
		return nil, errors.New("vss: nil commitment scheme")
	}
	cache, err := lru.New(lagrangeCacheSize)
	if err != nil {
		return nil, err
	}
	r := &Registry{
		suite:         suite,
		scheme:        scheme,
		view:          view,
		f:             view.F,
		quorum:        view.Quorum(),
		byShareholder: make(map[string]int, view.Len()),
		lagrange:      cache,
	}
	for _, pid := range view.Pids() {
		r.byShareholder[r.Shareholder(pid).String()] = pid
	}
	return r, nil
}

// Suite returns the suite of the view.
func (r *Registry) Suite() *crypto.Suite { return r.suite }

// Scheme returns the commitment scheme of the view.
func (r *Registry) Scheme() Scheme { return r.scheme }

// Group returns the group shares and commitments live in.
func (r *Registry) Group() kyber.Group { return r.scheme.Group() }

// View returns the view the registry was built for.
func (r *Registry) View() *key.View { return r.view }

// Threshold returns f, the degree of shared polynomials.
func (r *Registry) Threshold() int { return r.f }

// Quorum returns 2f+1.
func (r *Registry) Quorum() int { return r.quorum }

// Members returns the process ids of the view in ascending order.
func (r *Registry) Members() []int { return r.view.Pids() }

// IsMember reports whether pid belongs to the view.
func (r *Registry) IsMember(pid int) bool {
	return r.view.Node(pid) != nil
}

// Shareholder returns pid+1 as a field element.
func (r *Registry) Shareholder(pid int) kyber.Scalar {
	return shareholderScalar(r.Group(), pid)
}

// Process returns the process id of the shareholder sh.
func (r *Registry) Process(sh kyber.Scalar) (int, error) {
	pid, ok := r.byShareholder[sh.String()]
	if !ok {
		return 0, fmt.Errorf("%w: shareholder %s", ErrUnknownProcess, sh)
	}
	return pid, nil
}

// NewPolynomial returns a random polynomial of degree f. The constant term is
// random when constant is nil.
func (r *Registry) NewPolynomial(constant kyber.Scalar, stream cipher.Stream) *share.PriPoly {
	return share.NewPriPoly(r.Group(), r.f+1, constant, stream)
}

// Evaluate returns the point of poly for process pid.
func (r *Registry) Evaluate(poly *share.PriPoly, pid int) *share.PriShare {
	return poly.Eval(pid)
}

// InterpolateAt evaluates at the shareholder of target the polynomial of
// degree f going through points, keyed by process id. A target of -1
// evaluates at zero, that is it recovers the secret.
func (r *Registry) InterpolateAt(target int, points map[int]kyber.Scalar) (kyber.Scalar, error) {
	if len(points) < r.f+1 {
		return nil, fmt.Errorf("%w: have %d, need %d", ErrNotEnoughPoints, len(points), r.f+1)
	}
	pids := make([]int, 0, len(points))
	for pid := range points {
		pids = append(pids, pid)
	}
	sort.Ints(pids)
	coeffs := r.lagrangeCoefficients(target, pids)
	g := r.Group()
	acc := g.Scalar().Zero()
	for i, pid := range pids {
		acc = g.Scalar().Add(acc, g.Scalar().Mul(coeffs[i], points[pid]))
	}
	return acc, nil
}

// Secret interpolates points at zero.
func (r *Registry) Secret(points map[int]kyber.Scalar) (kyber.Scalar, error) {
	return r.InterpolateAt(-1, points)
}

// lagrangeCoefficients returns l_j(x_target) for every j in pids, which must
// be sorted.
func (r *Registry) lagrangeCoefficients(target int, pids []int) []kyber.Scalar {
	cacheKey := fmt.Sprint(target, pids)
	if v, ok := r.lagrange.Get(cacheKey); ok {
		return v.([]kyber.Scalar)
	}
	g := r.Group()
	x := r.Shareholder(target)
	coeffs := make([]kyber.Scalar, len(pids))
	for i, pj := range pids {
		xj := r.Shareholder(pj)
		num := g.Scalar().One()
		den := g.Scalar().One()
		for _, pm := range pids {
			if pm == pj {
				continue
			}
			xm := r.Shareholder(pm)
			num.Mul(num, g.Scalar().Sub(x, xm))
			den.Mul(den, g.Scalar().Sub(xj, xm))
		}
		coeffs[i] = g.Scalar().Div(num, den)
	}
	r.lagrange.Add(cacheKey, coeffs)
	return coeffs
}

// ExtendCommitment makes c checkable by target using the witnesses of pids,
// of which there must be at least f+1.
func (r *Registry) ExtendCommitment(c Commitment, target int, pids []int) (Commitment, error) {
	if len(pids) < r.f+1 {
		return nil, fmt.Errorf("%w: have %d, need %d", ErrNotEnoughPoints, len(pids), r.f+1)
	}
	sorted := append([]int(nil), pids...)
	sort.Ints(sorted)
	coeffs := r.lagrangeCoefficients(target, sorted)
	lagrange := make(map[int]kyber.Scalar, len(sorted))
	for i, pid := range sorted {
		lagrange[pid] = coeffs[i]
	}
	return r.scheme.Extend(c, target, lagrange)
}

// CommitTo commits to poly for every member of the view.
func (r *Registry) CommitTo(poly *share.PriPoly) (Commitment, error) {
	return r.scheme.Commit(poly, r.Members())
}
