package key

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sort"

	"github.com/BurntSushi/toml"

	"github.com/cobrabft/cobra/crypto"
)

// Node is an identity together with the process id the replication framework
// assigned to it.
type Node struct {
	*Identity
	Pid int
}

// Equal compares pid and identity.
func (n *Node) Equal(n2 *Node) bool {
	return n.Pid == n2.Pid && n.Identity.Equal(n2.Identity)
}

// NodeTOML is the TOML representation of a Node.
type NodeTOML struct {
	*PublicTOML
	Pid int
}

// View is the membership of the replica group at a given epoch. It is fixed
// for the lifetime of the epoch.
type View struct {
	Epoch uint32
	// F is the number of tolerated faulty replicas.
	F int
	// Suite names the curve and hash used by the view.
	Suite string
	// Nodes are sorted by pid.
	Nodes []*Node
}

// ErrInvalidView is returned when a view violates its membership constraints.
var ErrInvalidView = errors.New("key: invalid view")

// NewView sorts nodes by pid and validates the result.
func NewView(epoch uint32, f int, nodes []*Node) (*View, error) {
	sorted := make([]*Node, len(nodes))
	copy(sorted, nodes)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Pid < sorted[j].Pid })
	v := &View{
		Epoch: epoch,
		F:     f,
		Suite: crypto.DefaultSuiteName,
		Nodes: sorted,
	}
	return v, v.Validate()
}

// Validate checks the view holds at least 2f+1 distinct, non-negative pids.
func (v *View) Validate() error {
	if v.F < 0 {
		return fmt.Errorf("%w: negative f", ErrInvalidView)
	}
	if len(v.Nodes) < 2*v.F+1 {
		return fmt.Errorf("%w: %d members cannot tolerate f=%d", ErrInvalidView, len(v.Nodes), v.F)
	}
	seen := make(map[int]bool, len(v.Nodes))
	for _, n := range v.Nodes {
		if n.Pid < 0 {
			return fmt.Errorf("%w: negative pid %d", ErrInvalidView, n.Pid)
		}
		if seen[n.Pid] {
			return fmt.Errorf("%w: duplicate pid %d", ErrInvalidView, n.Pid)
		}
		seen[n.Pid] = true
	}
	return nil
}

// Len returns the number of members.
func (v *View) Len() int {
	return len(v.Nodes)
}

// Quorum returns 2f+1.
func (v *View) Quorum() int {
	return 2*v.F + 1
}

// Node returns the member with the given pid, or nil.
func (v *View) Node(pid int) *Node {
	for _, n := range v.Nodes {
		if n.Pid == pid {
			return n
		}
	}
	return nil
}

// Pids returns the process ids of the members, in ascending order.
func (v *View) Pids() []int {
	pids := make([]int, len(v.Nodes))
	for i, n := range v.Nodes {
		pids[i] = n.Pid
	}
	return pids
}

// Hosts returns the hosts of every member except the ones listed in except.
func (v *View) Hosts(except ...int) []string {
	skip := make(map[int]bool, len(except))
	for _, p := range except {
		skip[p] = true
	}
	var hosts []string
	for _, n := range v.Nodes {
		if skip[n.Pid] {
			continue
		}
		host, _, err := net.SplitHostPort(n.Addr)
		if err != nil {
			host = n.Addr
		}
		hosts = append(hosts, host)
	}
	return hosts
}

// Hash fingerprints the view.
func (v *View) Hash(suite *crypto.Suite) []byte {
	h := suite.Hash()
	_ = binary.Write(h, binary.BigEndian, v.Epoch)
	_ = binary.Write(h, binary.BigEndian, uint32(v.F))
	for _, n := range v.Nodes {
		_ = binary.Write(h, binary.BigEndian, uint32(n.Pid))
		buff, _ := n.Key.MarshalBinary()
		_, _ = h.Write(buff)
		_, _ = h.Write([]byte(n.Addr))
	}
	return h.Sum(nil)
}

// Equal indicates if two views are equal.
func (v *View) Equal(v2 *View) bool {
	if v.Epoch != v2.Epoch || v.F != v2.F || v.Len() != v2.Len() {
		return false
	}
	for i := range v.Nodes {
		if !v.Nodes[i].Equal(v2.Nodes[i]) {
			return false
		}
	}
	return true
}

func (v *View) String() string {
	var b bytes.Buffer
	_ = toml.NewEncoder(&b).Encode(v.TOML())
	return b.String()
}

// ViewTOML is the TOML representation of a View.
type ViewTOML struct {
	Epoch uint32
	F     int
	Suite string
	Nodes []*NodeTOML
}

// TOML returns a TOML-encodable version of the view.
func (v *View) TOML() interface{} {
	vt := &ViewTOML{
		Epoch: v.Epoch,
		F:     v.F,
		Suite: v.Suite,
		Nodes: make([]*NodeTOML, len(v.Nodes)),
	}
	for i, n := range v.Nodes {
		vt.Nodes[i] = &NodeTOML{
			PublicTOML: n.Identity.TOML().(*PublicTOML),
			Pid:        n.Pid,
		}
	}
	return vt
}

// FromTOML decodes the view and validates it.
func (v *View) FromTOML(i interface{}) error {
	vt, ok := i.(*ViewTOML)
	if !ok {
		return errors.New("key: view can't decode from non ViewTOML struct")
	}
	suite, err := crypto.SuiteFromName(vt.Suite)
	if err != nil {
		return err
	}
	nodes := make([]*Node, len(vt.Nodes))
	for i, nt := range vt.Nodes {
		if nt.PublicTOML == nil {
			return fmt.Errorf("key: view node[%d] has no public key", i)
		}
		id := new(Identity)
		if err := id.FromTOML(suite, nt.PublicTOML); err != nil {
			return fmt.Errorf("key: view node[%d]: %w", i, err)
		}
		nodes[i] = &Node{Identity: id, Pid: nt.Pid}
	}
	nv, err := NewView(vt.Epoch, vt.F, nodes)
	if err != nil {
		return err
	}
	nv.Suite = suite.Name
	*v = *nv
	return nil
}

// TOMLValue returns an empty TOML-compatible value.
func (v *View) TOMLValue() interface{} {
	return &ViewTOML{}
}
