package state

import (
	"testing"

	"github.com/drand/kyber/share"
	"github.com/drand/kyber/util/random"
	"github.com/stretchr/testify/require"

	"github.com/cobrabft/cobra/crypto"
	"github.com/cobrabft/cobra/crypto/vss"
	"github.com/cobrabft/cobra/internal/test"
)

func testRegistry(t *testing.T) *vss.Registry {
	t.Helper()
	suite := crypto.NewSuite()
	_, view := test.BatchIdentities(suite, 4, 1)
	scheme, err := vss.NewScheme(vss.Linear, suite, 1, nil)
	require.NoError(t, err)
	reg, err := vss.NewRegistry(suite, view, scheme)
	require.NoError(t, err)
	return reg
}

func testShare(t *testing.T, reg *vss.Registry, pid int, data []byte) *vss.VerifiableShare {
	t.Helper()
	poly := reg.NewPolynomial(nil, random.New())
	c, err := reg.CommitTo(poly)
	require.NoError(t, err)
	return &vss.VerifiableShare{Share: reg.Evaluate(poly, pid), Commitment: c, SharedData: data}
}

func testState(t *testing.T, reg *vss.Registry) *ApplicationState {
	public := testShare(t, reg, 2, nil)
	return &ApplicationState{
		LastCheckpointCID: 9,
		LastCID:           12,
		Batches: []*CommandsBatch{
			{
				Commands: []*Request{
					{Type: Put, PlainData: []byte("key-a"), Shares: []*ConfidentialData{
						{Share: testShare(t, reg, 0, []byte("ciphertext-a"))},
						{Share: testShare(t, reg, 0, nil), PublicShares: []*vss.VerifiableShare{public}},
					}},
					{Type: Get, PlainData: []byte("key-a")},
				},
				Contexts: []*MessageContext{
					{Sender: 1001, ConsensusID: 10, Signature: []byte{1, 2}, Timestamp: 1234, Proof: []*ConsensusProof{{Number: 10, Value: []byte("v")}}},
					{Sender: 1002, ConsensusID: 10, LastInBatch: true, NoOp: true, Seed: -5},
				},
			},
			{Commands: []*Request{{Type: Delete, PlainData: []byte("key-b")}}},
		},
		Snapshot: &Snapshot{
			PlainData: []byte("snapshot"),
			Shares:    []*ConfidentialData{{Share: testShare(t, reg, 0, []byte("snap"))}},
		},
	}
}

func TestRequestPlainEncoding(t *testing.T) {
	r := &Request{Type: Policy, PlainData: []byte("rule")}
	buff, err := r.MarshalPlain()
	require.NoError(t, err)
	got, err := UnmarshalRequest(buff)
	require.NoError(t, err)
	require.Equal(t, r, got)

	_, err = UnmarshalRequest(buff[:2])
	require.Error(t, err)
	require.Equal(t, "policy", Policy.String())
}

func TestSharesOrder(t *testing.T) {
	reg := testRegistry(t)
	st := testState(t, reg)
	shares := st.Shares()
	require.Len(t, shares, 3)
	require.Equal(t, []byte("ciphertext-a"), shares[0].Share.SharedData)
	require.Equal(t, []byte("snap"), shares[2].Share.SharedData)
}

func TestCommonStateRoundTrip(t *testing.T) {
	reg := testRegistry(t)
	st := testState(t, reg)
	buff, err := EncodeCommon(st)
	require.NoError(t, err)

	got, err := DecodeCommon(reg.Scheme(), buff)
	require.NoError(t, err)
	require.Len(t, got.Batches, 2)
	require.Equal(t, st.Batches[0].Contexts, got.Batches[0].Contexts)
	require.Nil(t, got.Batches[1].Contexts)
	require.Equal(t, Get, got.Batches[0].Commands[1].Type)
	require.Nil(t, got.Batches[0].Commands[1].Shares)
	require.Equal(t, []byte("snapshot"), got.Snapshot.PlainData)

	slots := got.Shares()
	require.Len(t, slots, 3)
	require.Nil(t, slots[0].Share.Share)
	require.Equal(t, []byte("ciphertext-a"), slots[0].Share.SharedData)
	require.Nil(t, slots[1].Share.SharedData)
	require.Len(t, slots[1].PublicShares, 1)
	require.True(t, slots[1].PublicShares[0].Valid(reg.Scheme()))

	// same state, same bytes: share values do not leak into the common part
	again, err := EncodeCommon(got)
	require.NoError(t, err)
	require.Equal(t, buff, again)
}

func TestCommonStateWithoutLog(t *testing.T) {
	reg := testRegistry(t)
	buff, err := EncodeCommon(&ApplicationState{LastCID: 3})
	require.NoError(t, err)
	got, err := DecodeCommon(reg.Scheme(), buff)
	require.NoError(t, err)
	require.Nil(t, got.Batches)
	require.Nil(t, got.Snapshot)
}

func TestDecodeCommonRejectsCorruptInput(t *testing.T) {
	reg := testRegistry(t)
	buff, err := EncodeCommon(testState(t, reg))
	require.NoError(t, err)

	_, err = DecodeCommon(reg.Scheme(), buff[:len(buff)-3])
	require.Error(t, err)
	_, err = DecodeCommon(reg.Scheme(), append(buff, 0))
	require.Error(t, err)
	_, err = DecodeCommon(reg.Scheme(), []byte{0x7f, 0xff, 0xff, 0xff})
	require.Error(t, err)
}

func TestFillShares(t *testing.T) {
	reg := testRegistry(t)
	st := testState(t, reg)
	buff, err := EncodeCommon(st)
	require.NoError(t, err)
	got, err := DecodeCommon(reg.Scheme(), buff)
	require.NoError(t, err)

	var values []*vss.VerifiableShare
	for _, cd := range st.Shares() {
		values = append(values, &vss.VerifiableShare{
			Share:      &share.PriShare{I: cd.Share.Share.I, V: cd.Share.Share.V},
			Commitment: cd.Share.Commitment,
		})
	}
	require.ErrorIs(t, got.FillShares(values[:1]), ErrShareCount)
	require.NoError(t, got.FillShares(values))
	for i, cd := range got.Shares() {
		want := st.Shares()[i].Share
		require.True(t, cd.Share.Valid(reg.Scheme()))
		require.True(t, cd.Share.Share.V.Equal(want.Share.V))
		require.Equal(t, want.SharedData, cd.Share.SharedData)
	}
}
