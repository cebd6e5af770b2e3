package session

import (
	"context"
	"time"

	"bidcall-platform/pkg/utils"

	"github.com/redis/go-redis/v9"
)

// RedisSlotGuard claims one broadcast slot per influencer in redis, so the
// single non-terminal session invariant holds across API instances.
type RedisSlotGuard struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisSlotGuard(rdb *redis.Client, ttl time.Duration) *RedisSlotGuard {
	if ttl <= 0 {
		// Sessions refresh the slot on acquire; a generous TTL only matters
		// for crash recovery.
		ttl = 12 * time.Hour
	}
	return &RedisSlotGuard{rdb: rdb, ttl: ttl}
}

func (g *RedisSlotGuard) Acquire(ctx context.Context, influencerID, sessionID string) (bool, error) {
	return utils.AcquireLiveSlot(ctx, g.rdb, slotKey(influencerID), sessionID, g.ttl)
}

func (g *RedisSlotGuard) Release(ctx context.Context, influencerID, sessionID string) error {
	return utils.ReleaseLiveSlot(ctx, g.rdb, slotKey(influencerID), sessionID)
}

func slotKey(influencerID string) string {
	return "live_slot:" + influencerID
}
