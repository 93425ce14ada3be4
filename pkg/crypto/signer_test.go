package crypto_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatewright/gatewright/pkg/crypto"
)

func TestSignVerify_RoundTrip(t *testing.T) {
	signer, err := crypto.NewEd25519Signer("test-key")
	require.NoError(t, err)

	msg := []byte("built\nsha256:abc\ngenesis")
	sig, err := signer.Sign(msg)
	require.NoError(t, err)

	ok, err := crypto.Verify(signer.PublicKey(), sig, msg)
	require.NoError(t, err)
	assert.True(t, ok)

	// Tampered payload must not verify.
	ok, err = crypto.Verify(signer.PublicKey(), sig, []byte("built\nsha256:abd\ngenesis"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestNewEd25519SignerFromSeed_Deterministic(t *testing.T) {
	seed := bytes.Repeat([]byte{7}, 32)
	s1, err := crypto.NewEd25519SignerFromSeed(seed, "k1")
	require.NoError(t, err)
	s2, err := crypto.NewEd25519SignerFromSeed(seed, "k1")
	require.NoError(t, err)

	assert.Equal(t, s1.PublicKey(), s2.PublicKey())

	_, err = crypto.NewEd25519SignerFromSeed([]byte("short"), "k1")
	assert.Error(t, err)
}

func TestVerify_RejectsGarbage(t *testing.T) {
	_, err := crypto.Verify("not-hex", "also-not-hex", []byte("x"))
	assert.Error(t, err)

	_, err = crypto.Verify("abcd", "00", []byte("x")) // wrong key size
	assert.Error(t, err)
}
