package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// RedisKeyPrefix prefixes the per-shop slot key.
const RedisKeyPrefix = "shopify:rate_limit:next_slot:"

// reserveScript atomically claims max(now, next) and pushes next one
// interval further. Times are unix milliseconds. Returns the wait in ms.
var reserveScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local interval = tonumber(ARGV[2])
local next = tonumber(redis.call('GET', KEYS[1]) or '0')
local slot = now
if next > now then
	slot = next
end
redis.call('SET', KEYS[1], slot + interval, 'PX', (slot - now) + 2 * interval)
return slot - now
`)

// releaseScript rolls the slot back to ARGV[2] only while it still ends at
// ARGV[1], i.e. nobody reserved after us.
var releaseScript = redis.NewScript(`
if tonumber(redis.call('GET', KEYS[1]) or '0') == tonumber(ARGV[1]) then
	redis.call('SET', KEYS[1], ARGV[2], 'PX', ARGV[3])
	return 1
end
return 0
`)

// RedisStore keeps the slot in Redis so that several processes using the
// same API credentials share one throttle.
type RedisStore struct {
	redis    *redis.Client
	key      string
	interval time.Duration
}

// NewRedisStore creates a store for the given shop identity.
func NewRedisStore(redisClient *redis.Client, identity string, interval time.Duration) *RedisStore {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	return &RedisStore{
		redis:    redisClient,
		key:      RedisKeyPrefix + identity,
		interval: interval,
	}
}

// Key returns the Redis key holding the slot.
func (s *RedisStore) Key() string {
	return s.key
}

// Reserve implements Store.
func (s *RedisStore) Reserve(ctx context.Context, now time.Time) (Reservation, error) {
	if s.interval <= 0 {
		return Reservation{}, nil
	}

	nowMs := now.UnixMilli()
	intervalMs := s.interval.Milliseconds()
	waitMs, err := reserveScript.Run(ctx, s.redis, []string{s.key}, nowMs, intervalMs).Int64()
	if err != nil {
		return Reservation{}, fmt.Errorf("reserve slot in redis: %w", err)
	}

	slot := nowMs + waitMs
	return Reservation{
		Delay: time.Duration(waitMs) * time.Millisecond,
		cancel: func(ctx context.Context, _ time.Time) {
			ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
			defer cancel()
			if err := releaseScript.Run(ctx, s.redis, []string{s.key}, slot+intervalMs, slot, 2*intervalMs).Err(); err != nil {
				log.Warn().Err(err).Str("key", s.key).Msg("Failed to release rate limit slot")
			}
		},
	}, nil
}
