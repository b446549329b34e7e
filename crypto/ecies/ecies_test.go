package ecies

import (
	"testing"

	"github.com/drand/kyber/util/random"
	"github.com/stretchr/testify/require"

	"github.com/cobrabft/cobra/crypto"
)

func TestECIES(t *testing.T) {
	suite := crypto.NewSuite()
	g := suite.KeyGroup
	priv := g.Scalar().Pick(random.New())
	pub := g.Point().Mul(priv, nil)

	msg := []byte("a point on the blinding polynomial")
	ct, err := Encrypt(g, suite.Hash, pub, msg)
	require.NoError(t, err)

	plain, err := Decrypt(g, suite.Hash, priv, ct)
	require.NoError(t, err)
	require.Equal(t, msg, plain)

	other := g.Scalar().Pick(random.New())
	_, err = Decrypt(g, suite.Hash, other, ct)
	require.Error(t, err)

	ct[len(ct)-1] ^= 0xff
	_, err = Decrypt(g, suite.Hash, priv, ct)
	require.Error(t, err)

	_, err = Decrypt(g, suite.Hash, priv, []byte{1, 2, 3})
	require.ErrorIs(t, err, ErrCiphertextTooShort)
}
