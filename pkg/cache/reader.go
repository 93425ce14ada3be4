package cache

import (
	"context"

	"github.com/gatewright/gatewright/pkg/attest"
)

// ChainSource is the uncached origin of chain views, typically the ledger.
type ChainSource interface {
	GetChain(ctx context.Context, keys attest.CorrelationKeys) (*attest.Chain, error)
}

// CachedChains is a read-through chain reader. Pair it with registering the
// same cache as the ledger's invalidator, otherwise reads can go stale.
type CachedChains struct {
	src   ChainSource
	cache ChainCache
}

func NewCachedChains(src ChainSource, cache ChainCache) *CachedChains {
	return &CachedChains{src: src, cache: cache}
}

func (c *CachedChains) GetChain(ctx context.Context, keys attest.CorrelationKeys) (*attest.Chain, error) {
	if chain, ok := c.cache.Get(ctx, keys); ok {
		return chain, nil
	}
	chain, err := c.src.GetChain(ctx, keys)
	if err != nil {
		return nil, err
	}
	c.cache.Put(ctx, keys, chain)
	return chain, nil
}
