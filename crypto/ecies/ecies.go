// Package ecies encrypts short messages, such as polynomial points, to a
// single recipient's public key.
//
// Encrypt performs an ephemeral-static DH exchange, derives a symmetric key
// with HKDF and seals the message with AES-GCM. The output is
// ephemeral point || nonce || ciphertext.
package ecies

import (
	"crypto/aes"
	"crypto/cipher"
	"errors"
	"hash"
	"io"

	"github.com/drand/kyber"
	"github.com/drand/kyber/util/random"
	"golang.org/x/crypto/hkdf"

	"github.com/cobrabft/cobra/internal/entropy"
)

const (
	keyLength   = 32
	nonceLength = 12
)

// ErrCiphertextTooShort is returned when a ciphertext cannot even hold the
// ephemeral point and the nonce.
var ErrCiphertextTooShort = errors.New("ecies: ciphertext too short")

// Encrypt encrypts msg to public.
func Encrypt(g kyber.Group, fn func() hash.Hash, public kyber.Point, msg []byte) ([]byte, error) {
	r := g.Scalar().Pick(random.New())
	eph := g.Point().Mul(r, nil)
	ephBuff, err := eph.MarshalBinary()
	if err != nil {
		return nil, err
	}

	aead, err := deriveAEAD(fn, g.Point().Mul(r, public))
	if err != nil {
		return nil, err
	}
	nonce, err := entropy.GetRandom(nil, nonceLength)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, len(ephBuff)+nonceLength+len(msg)+aead.Overhead())
	out = append(out, ephBuff...)
	out = append(out, nonce...)
	return aead.Seal(out, nonce, msg, nil), nil
}

// Decrypt reverses Encrypt with the recipient's private key.
func Decrypt(g kyber.Group, fn func() hash.Hash, priv kyber.Scalar, ciphertext []byte) ([]byte, error) {
	pointLen := g.PointLen()
	if len(ciphertext) < pointLen+nonceLength {
		return nil, ErrCiphertextTooShort
	}
	eph := g.Point()
	if err := eph.UnmarshalBinary(ciphertext[:pointLen]); err != nil {
		return nil, err
	}
	aead, err := deriveAEAD(fn, g.Point().Mul(priv, eph))
	if err != nil {
		return nil, err
	}
	nonce := ciphertext[pointLen : pointLen+nonceLength]
	return aead.Open(nil, nonce, ciphertext[pointLen+nonceLength:], nil)
}

func deriveAEAD(fn func() hash.Hash, dh kyber.Point) (cipher.AEAD, error) {
	dhBuff, err := dh.MarshalBinary()
	if err != nil {
		return nil, err
	}
	key := make([]byte, keyLength)
	if _, err := io.ReadFull(hkdf.New(fn, dhBuff, nil, nil), key); err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
