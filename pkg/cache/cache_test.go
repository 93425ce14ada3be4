package cache_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/gatewright/gatewright/pkg/attest"
	"github.com/gatewright/gatewright/pkg/cache"
)

func TestMemoryCache_PutGetInvalidate(t *testing.T) {
	c := cache.NewMemoryCache()
	ctx := context.Background()
	keys := attest.CorrelationKeys{ReleaseID: "rel-1"}
	chain := &attest.Chain{Key: keys, Completeness: attest.ChainOpen}

	_, ok := c.Get(ctx, keys)
	assert.False(t, ok)

	c.Put(ctx, keys, chain)
	got, ok := c.Get(ctx, keys)
	assert.True(t, ok)
	assert.Equal(t, attest.ChainOpen, got.Completeness)

	// An append touching rel-1 via a broader key set drops the view.
	c.Invalidate(ctx, attest.CorrelationKeys{ReleaseID: "rel-1", DeployRev: "r9"})
	_, ok = c.Get(ctx, keys)
	assert.False(t, ok)
}

type countingSource struct {
	calls int
	chain *attest.Chain
}

func (s *countingSource) GetChain(ctx context.Context, keys attest.CorrelationKeys) (*attest.Chain, error) {
	s.calls++
	return s.chain, nil
}

func TestCachedChains_ReadThrough(t *testing.T) {
	ctx := context.Background()
	keys := attest.CorrelationKeys{ReleaseID: "rel-1"}
	src := &countingSource{chain: &attest.Chain{Key: keys, Completeness: attest.ChainOpen}}
	mc := cache.NewMemoryCache()
	chains := cache.NewCachedChains(src, mc)

	for i := 0; i < 3; i++ {
		got, err := chains.GetChain(ctx, keys)
		assert.NoError(t, err)
		assert.Equal(t, attest.ChainOpen, got.Completeness)
	}
	assert.Equal(t, 1, src.calls, "repeated reads served from cache")

	// Invalidation (as the ledger does on append) forces a refetch.
	mc.Invalidate(ctx, keys)
	_, err := chains.GetChain(ctx, keys)
	assert.NoError(t, err)
	assert.Equal(t, 2, src.calls)
}

func TestMemoryCache_InvalidateOnlyOverlapping(t *testing.T) {
	c := cache.NewMemoryCache()
	ctx := context.Background()

	a := attest.CorrelationKeys{ReleaseID: "rel-a"}
	b := attest.CorrelationKeys{ReleaseID: "rel-b"}
	c.Put(ctx, a, &attest.Chain{Key: a})
	c.Put(ctx, b, &attest.Chain{Key: b})

	c.Invalidate(ctx, a)
	_, ok := c.Get(ctx, a)
	assert.False(t, ok)
	_, ok = c.Get(ctx, b)
	assert.True(t, ok)
}
