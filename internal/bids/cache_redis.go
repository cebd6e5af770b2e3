package bids

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisHighestCache mirrors the highest active amount per session so display
// reads never touch the ledger's locks.
type RedisHighestCache struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisHighestCache(rdb *redis.Client, ttl time.Duration) *RedisHighestCache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &RedisHighestCache{rdb: rdb, ttl: ttl}
}

func (c *RedisHighestCache) SetHighest(ctx context.Context, sessionID string, amountMinor int64) error {
	return c.rdb.Set(ctx, "highest_bid:"+sessionID, strconv.FormatInt(amountMinor, 10), c.ttl).Err()
}
