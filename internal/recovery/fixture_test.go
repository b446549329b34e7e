package recovery

import (
	"bytes"
	"context"
	"sync"
	"testing"

	"github.com/drand/kyber/share"
	"github.com/drand/kyber/util/random"
	"github.com/stretchr/testify/require"

	"github.com/cobrabft/cobra/common/testlogger"
	"github.com/cobrabft/cobra/crypto"
	"github.com/cobrabft/cobra/crypto/vss"
	"github.com/cobrabft/cobra/internal/state"
	"github.com/cobrabft/cobra/internal/test"
)

// fixture holds a view whose replicas share a few secrets and a blinding
// polynomial, as left by a finished recovery round.
type fixture struct {
	t         *testing.T
	reg       *vss.Registry
	blinding  *share.PriPoly
	blindingC vss.Commitment
	secrets   []*share.PriPoly
	secretsC  []vss.Commitment
	snapshot  []byte
	// tamper, when set, alters the state a sender builds before it is sent
	tamper func(pid int, designated bool, s *RecoveryApplicationState)
	// alter, when set, alters the application state of a sender
	alter func(pid int, st *state.ApplicationState)
}

func newFixture(t *testing.T, n, f int, kind vss.Kind) *fixture {
	suite := crypto.NewSuite()
	_, view := test.BatchIdentities(suite, n, f)
	scheme, err := vss.NewScheme(kind, suite, f, []byte("recovery test setup"))
	require.NoError(t, err)
	reg, err := vss.NewRegistry(suite, view, scheme)
	require.NoError(t, err)

	fx := &fixture{t: t, reg: reg, snapshot: bytes.Repeat([]byte{0xab}, 1000)}
	fx.blinding = reg.NewPolynomial(nil, random.New())
	fx.blindingC, err = reg.CommitTo(fx.blinding)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		p := reg.NewPolynomial(nil, random.New())
		c, err := reg.CommitTo(p)
		require.NoError(t, err)
		fx.secrets = append(fx.secrets, p)
		fx.secretsC = append(fx.secretsC, c)
	}
	return fx
}

func (fx *fixture) secretShare(i, pid int) *vss.VerifiableShare {
	return &vss.VerifiableShare{
		Share:      fx.secrets[i].Eval(pid),
		Commitment: fx.secretsC[i],
		SharedData: []byte{byte(i)},
	}
}

func (fx *fixture) recoveryPoint(pid int) *vss.VerifiableShare {
	return &vss.VerifiableShare{Share: fx.blinding.Eval(pid), Commitment: fx.blindingC}
}

func (fx *fixture) stateOf(pid int) *state.ApplicationState {
	st := &state.ApplicationState{
		LastCheckpointCID: 40,
		LastCID:           42,
		Batches: []*state.CommandsBatch{{
			Commands: []*state.Request{
				{Type: state.Put, PlainData: []byte("k1"), Shares: []*state.ConfidentialData{
					{Share: fx.secretShare(0, pid)},
					{Share: fx.secretShare(1, pid)},
				}},
				{Type: state.Get, PlainData: []byte("k1")},
			},
			Contexts: []*state.MessageContext{{Sender: 1001, ConsensusID: 41}, {Sender: 1002, ConsensusID: 42}},
		}},
		Snapshot: &state.Snapshot{
			PlainData: append([]byte(nil), fx.snapshot...),
			Shares:    []*state.ConfidentialData{{Share: fx.secretShare(2, pid)}},
		},
	}
	if fx.alter != nil {
		fx.alter(pid, st)
	}
	return st
}

func (fx *fixture) build(pid int, designated bool) *RecoveryApplicationState {
	s, err := NewBuilder(fx.reg, pid).Build(fx.stateOf(pid), fx.recoveryPoint(pid), designated)
	require.NoError(fx.t, err)
	if fx.tamper != nil {
		fx.tamper(pid, designated, s)
	}
	return s
}

func (fx *fixture) handler(pid, designated int, opts ...func(*HandlerConfig)) (*Handler, *localSolicitor, *recordingListener) {
	sol := &localSolicitor{fx: fx}
	lst := &recordingListener{}
	conf := &HandlerConfig{
		Registry:      fx.reg,
		Pid:           pid,
		RecoveryPoint: fx.recoveryPoint(pid),
		Designated:    designated,
		Solicitor:     sol,
		Listener:      lst,
		Logger:        testlogger.New(fx.t),
	}
	for _, o := range opts {
		o(conf)
	}
	h, err := NewHandler(conf)
	require.NoError(fx.t, err)
	sol.h = h
	return h, sol, lst
}

type solicitation struct {
	pid        int
	designated bool
}

// localSolicitor builds the state of the solicited replica and delivers it
// through the wire encoding.
type localSolicitor struct {
	sync.Mutex
	fx    *fixture
	h     *Handler
	calls []solicitation
	full  []int
	// silent senders never answer
	silent map[int]bool
}

func (s *localSolicitor) Solicit(_ context.Context, pid int, designated bool) error {
	s.Lock()
	s.calls = append(s.calls, solicitation{pid, designated})
	silent := s.silent[pid]
	s.Unlock()
	if silent {
		return nil
	}

	var b bytes.Buffer
	if _, err := WriteFrame(&b, s.fx.build(pid, designated)); err != nil {
		return err
	}
	f, err := ReadFrame(&b, s.h, s.fx.reg.Suite().Hash)
	if err != nil {
		return err
	}
	if f.HasCommonState() {
		s.Lock()
		s.full = append(s.full, pid)
		s.Unlock()
	}
	// duplicates are expected when a sender is solicited twice
	_ = s.h.DeliverPublicState(f)
	return nil
}

type recordingListener struct {
	sync.Mutex
	completed *state.ApplicationState
	failed    error
}

func (r *recordingListener) ReconstructionCompleted(st *state.ApplicationState) {
	r.Lock()
	defer r.Unlock()
	r.completed = st
}

func (r *recordingListener) RecoveryFailed(err error) {
	r.Lock()
	defer r.Unlock()
	r.failed = err
}

// requireRecovered checks that st holds the shares of pid.
func (fx *fixture) requireRecovered(st *state.ApplicationState, pid int) {
	t := fx.t
	require.Equal(t, 40, st.LastCheckpointCID)
	require.Equal(t, 42, st.LastCID)
	require.Equal(t, fx.snapshot, st.Snapshot.PlainData)
	require.Len(t, st.Batches, 1)
	require.Equal(t, []byte("k1"), st.Batches[0].Commands[1].PlainData)
	shares := st.Shares()
	require.Len(t, shares, len(fx.secrets))
	for i, cd := range shares {
		require.Equal(t, pid, cd.Share.Pid())
		require.True(t, cd.Share.Share.V.Equal(fx.secrets[i].Eval(pid).V), "share %d", i)
		require.True(t, cd.Share.Valid(fx.reg.Scheme()), "share %d", i)
		require.Equal(t, []byte{byte(i)}, cd.Share.SharedData)
	}
}
