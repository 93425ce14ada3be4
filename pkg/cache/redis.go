package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/gatewright/gatewright/pkg/attest"
)

// RedisCache is a ChainCache backed by Redis, for deployments running
// multiple read replicas against one ledger database.
//
// Layout: chain views live under "gw:chain:<key>"; per-component index sets
// ("gw:idx:release:<id>", "gw:idx:bundle:<digest>", "gw:idx:deploy:<rev>")
// record which views an append must drop. Cache errors degrade to misses —
// the ledger remains the source of truth.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

// NewRedisCache wraps an existing Redis client. Entries expire after ttl as
// a safety net on top of explicit invalidation.
func NewRedisCache(client *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{
		client: client,
		ttl:    ttl,
		logger: slog.Default().With("component", "cache.redis"),
	}
}

func chainRedisKey(keys attest.CorrelationKeys) string {
	return "gw:chain:" + cacheKey(keys)
}

func indexKeys(keys attest.CorrelationKeys) []string {
	var idx []string
	if keys.ReleaseID != "" {
		idx = append(idx, "gw:idx:release:"+keys.ReleaseID)
	}
	if keys.BundleDigest != "" {
		idx = append(idx, "gw:idx:bundle:"+keys.BundleDigest)
	}
	if keys.DeployRev != "" {
		idx = append(idx, "gw:idx:deploy:"+keys.DeployRev)
	}
	return idx
}

func (c *RedisCache) Get(ctx context.Context, keys attest.CorrelationKeys) (*attest.Chain, bool) {
	raw, err := c.client.Get(ctx, chainRedisKey(keys)).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.logger.WarnContext(ctx, "cache read failed, treating as miss", "error", err)
		}
		return nil, false
	}
	var chain attest.Chain
	if err := json.Unmarshal(raw, &chain); err != nil {
		c.logger.WarnContext(ctx, "cache entry corrupt, treating as miss", "error", err)
		return nil, false
	}
	return &chain, true
}

func (c *RedisCache) Put(ctx context.Context, keys attest.CorrelationKeys, chain *attest.Chain) {
	raw, err := json.Marshal(chain)
	if err != nil {
		c.logger.WarnContext(ctx, "cache marshal failed, skipping put", "error", err)
		return
	}
	key := chainRedisKey(keys)
	pipe := c.client.TxPipeline()
	pipe.Set(ctx, key, raw, c.ttl)
	for _, idx := range indexKeys(keys) {
		pipe.SAdd(ctx, idx, key)
		pipe.Expire(ctx, idx, c.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		c.logger.WarnContext(ctx, "cache put failed", "error", err)
	}
}

// Invalidate drops every cached view indexed under any of the appended
// event's correlation keys.
func (c *RedisCache) Invalidate(ctx context.Context, keys attest.CorrelationKeys) {
	for _, idx := range indexKeys(keys) {
		members, err := c.client.SMembers(ctx, idx).Result()
		if err != nil {
			c.logger.WarnContext(ctx, "cache invalidation index read failed", "index", idx, "error", err)
			continue
		}
		if len(members) == 0 {
			continue
		}
		if err := c.client.Del(ctx, append(members, idx)...).Err(); err != nil {
			c.logger.WarnContext(ctx, "cache invalidation delete failed", "index", idx, "error", err)
		}
	}
}

var _ ChainCache = (*RedisCache)(nil)

// Ping verifies connectivity at startup.
func (c *RedisCache) Ping(ctx context.Context) error {
	if err := c.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("cache: redis ping failed: %w", err)
	}
	return nil
}
