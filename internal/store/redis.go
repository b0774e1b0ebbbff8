package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tokensim/trade-engine/internal/model"
)

// TickCache is the shared (cross-process) price tick cache backed by Redis.
// Ticks expire after a short TTL so restarts and sibling processes reuse
// recent prices without re-querying upstream. Writes only supersede an
// existing entry when the new tick was captured later — arrival order does
// not matter.
type TickCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewTickCache creates a tick cache with the given expiry.
func NewTickCache(rdb *redis.Client, ttl time.Duration) *TickCache {
	return &TickCache{rdb: rdb, ttl: ttl}
}

func tickKey(instrument string) string { return fmt.Sprintf("tick:%s", instrument) }

// Get returns the cached tick, or ErrNotFound on a miss. Redis errors are
// returned as misses too — the shared cache is best-effort.
func (c *TickCache) Get(ctx context.Context, instrument string) (*model.PriceTick, error) {
	data, err := c.rdb.Get(ctx, tickKey(instrument)).Bytes()
	if err != nil {
		// redis.Nil and transport errors alike are misses.
		return nil, ErrNotFound
	}

	var tick model.PriceTick
	if err := json.Unmarshal(data, &tick); err != nil {
		return nil, ErrNotFound
	}
	return &tick, nil
}

// Put stores the tick unless a newer one is already cached. Failures are
// swallowed: the local cache and upstream fetch path do not depend on Redis.
func (c *TickCache) Put(ctx context.Context, tick model.PriceTick) {
	if existing, err := c.Get(ctx, tick.Instrument); err == nil {
		if !existing.CapturedAt.Before(tick.CapturedAt) {
			return
		}
	}
	if data, err := json.Marshal(tick); err == nil {
		c.rdb.Set(ctx, tickKey(tick.Instrument), data, c.ttl)
	}
}
