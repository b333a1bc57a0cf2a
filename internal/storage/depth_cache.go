package storage

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/estate-ledger/internal/logging"
	"github.com/estate-ledger/internal/types"
	"github.com/redis/go-redis/v9"
)

const depthKeyPrefix = "depth:"

// DepthCache keeps recently aggregated order-book snapshots in Redis so
// repeated depth reads do not hit the listings table. Entries expire on TTL
// and are invalidated eagerly whenever a listing changes.
type DepthCache struct {
	cache  *RedisCache
	ttl    time.Duration
	logger *logging.Logger
}

// NewDepthCache creates a new depth snapshot cache
func NewDepthCache(cache *RedisCache, ttl time.Duration, logger *logging.Logger) *DepthCache {
	return &DepthCache{
		cache:  cache,
		ttl:    ttl,
		logger: logger.WithField("component", "depth_cache"),
	}
}

// Get returns the cached snapshot for an asset, or (nil, nil) on a miss.
// Cache errors are logged and surfaced as misses; reads fall back to the
// database rather than failing.
func (c *DepthCache) Get(ctx context.Context, assetID string) (*types.DepthSnapshot, error) {
	raw, err := c.cache.Get(ctx, depthKeyPrefix+assetID)
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		c.logger.WithError(err).WithField("asset_id", assetID).Warn("Depth cache read failed")
		return nil, nil
	}

	var snapshot types.DepthSnapshot
	if err := json.Unmarshal([]byte(raw), &snapshot); err != nil {
		c.logger.WithError(err).WithField("asset_id", assetID).Warn("Depth cache entry corrupt, dropping")
		_ = c.cache.Del(ctx, depthKeyPrefix+assetID)
		return nil, nil
	}

	return &snapshot, nil
}

// Set stores a snapshot under the configured TTL
func (c *DepthCache) Set(ctx context.Context, snapshot *types.DepthSnapshot) error {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	if err := c.cache.Set(ctx, depthKeyPrefix+snapshot.AssetID, data, c.ttl); err != nil {
		c.logger.WithError(err).WithField("asset_id", snapshot.AssetID).Warn("Depth cache write failed")
		return err
	}
	return nil
}

// Invalidate drops the cached snapshot for an asset. Called after any
// listing create, cancel or settlement that changes the book.
func (c *DepthCache) Invalidate(ctx context.Context, assetID string) {
	if err := c.cache.Del(ctx, depthKeyPrefix+assetID); err != nil {
		c.logger.WithError(err).WithField("asset_id", assetID).Warn("Depth cache invalidation failed")
	}
}
