package policy_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatewright/gatewright/pkg/policy"
)

func TestStore_PublishMonotonicVersion(t *testing.T) {
	s := policy.NewStore()
	v1 := loadBundle(t, `{"name": "d", "version": "1.0.0", "rules": []}`)
	v2 := loadBundle(t, `{"name": "d", "version": "1.1.0", "rules": [{"name": "r", "expr": {"op": "exists", "field": "x"}}]}`)

	require.NoError(t, s.Publish("deploys", v1))
	assert.Equal(t, v1.Digest(), s.Active("deploys").Digest())

	require.NoError(t, s.Publish("deploys", v2))
	assert.Equal(t, v2.Digest(), s.Active("deploys").Digest())

	// Downgrade is rejected; the active bundle is unchanged.
	err := s.Publish("deploys", v1)
	require.Error(t, err)
	assert.Equal(t, v2.Digest(), s.Active("deploys").Digest())

	// Republishing the active digest is idempotent.
	require.NoError(t, s.Publish("deploys", v2))
}

func TestStore_GetByDigest(t *testing.T) {
	s := policy.NewStore()
	b := loadBundle(t, `{"name": "d", "version": "1.0.0", "rules": []}`)
	s.Put(b)

	got, err := s.Get(b.Digest())
	require.NoError(t, err)
	assert.Same(t, b, got)

	_, err = s.Get("sha256:0000")
	assert.Error(t, err)

	assert.Nil(t, s.Active("unpublished-domain"))
}
