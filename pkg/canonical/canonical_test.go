package canonical_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatewright/gatewright/pkg/canonical"
)

// TestMarshal_KeyOrderIndependent verifies that structurally equal maps
// canonicalize identically regardless of insertion order.
func TestMarshal_KeyOrderIndependent(t *testing.T) {
	a := map[string]any{"zeta": 1, "alpha": true, "mid": "x"}
	b := map[string]any{"alpha": true, "mid": "x", "zeta": 1}

	ca, err := canonical.Marshal(a)
	require.NoError(t, err)
	cb, err := canonical.Marshal(b)
	require.NoError(t, err)

	assert.Equal(t, string(ca), string(cb))
	assert.Equal(t, `{"alpha":true,"mid":"x","zeta":1}`, string(ca))
}

func TestHash_Stable(t *testing.T) {
	v := map[string]any{"release_id": "rel-1", "risk_tier": 3}
	h1, err := canonical.Hash(v)
	require.NoError(t, err)
	h2, err := canonical.Hash(v)
	require.NoError(t, err)

	assert.Equal(t, h1, h2)
	assert.True(t, canonical.ValidHash(h1))
}

func TestHash_NoHTMLEscaping(t *testing.T) {
	// RFC 8785 forbids HTML escaping; "<" must survive canonicalization.
	b, err := canonical.Marshal(map[string]string{"op": "a<b"})
	require.NoError(t, err)
	assert.Contains(t, string(b), "a<b")
}

func TestValidHash(t *testing.T) {
	assert.True(t, canonical.ValidHash(canonical.HashBytes([]byte("x"))))
	assert.False(t, canonical.ValidHash("sha256:zz"))
	assert.False(t, canonical.ValidHash("md5:abc"))
	assert.False(t, canonical.ValidHash(""))
}
