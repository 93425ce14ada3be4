// Package cache provides optional chain-view caching with explicit
// invalidation. Chains are always recomputable from the ledger; the cache
// only short-cuts repeated reads and is dropped eagerly on every append to
// an overlapping chain.
package cache

import (
	"context"
	"fmt"
	"sync"

	"github.com/gatewright/gatewright/pkg/attest"
)

// cacheKey is the canonical string form of a correlation-key query.
func cacheKey(keys attest.CorrelationKeys) string {
	return fmt.Sprintf("r=%s|b=%s|d=%s", keys.ReleaseID, keys.BundleDigest, keys.DeployRev)
}

// ChainCache stores derived chain views. Implementations also satisfy
// ledger.Invalidator.
type ChainCache interface {
	Get(ctx context.Context, keys attest.CorrelationKeys) (*attest.Chain, bool)
	Put(ctx context.Context, keys attest.CorrelationKeys, chain *attest.Chain)
	Invalidate(ctx context.Context, keys attest.CorrelationKeys)
}

// MemoryCache is the in-process ChainCache.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

type entry struct {
	keys  attest.CorrelationKeys
	chain *attest.Chain
}

// NewMemoryCache creates an empty in-process cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]*entry)}
}

func (c *MemoryCache) Get(_ context.Context, keys attest.CorrelationKeys) (*attest.Chain, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[cacheKey(keys)]
	if !ok {
		return nil, false
	}
	return e.chain, true
}

func (c *MemoryCache) Put(_ context.Context, keys attest.CorrelationKeys, chain *attest.Chain) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[cacheKey(keys)] = &entry{keys: keys, chain: chain}
}

// Invalidate drops every cached view whose query keys overlap the appended
// event's keys. Overly broad is fine; a missed drop is not.
func (c *MemoryCache) Invalidate(_ context.Context, keys attest.CorrelationKeys) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, e := range c.entries {
		if e.keys.SharesKey(keys) {
			delete(c.entries, k)
		}
	}
}
