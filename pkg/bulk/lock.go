package bulk

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// JobLock guards the one-job-per-identity rule across processes.
type JobLock interface {
	// Acquire takes the lock or fails with ErrJobActive. The returned func
	// releases it.
	Acquire(ctx context.Context) (func(), error)
}

// RedisKeyPrefix namespaces job lock keys.
const RedisKeyPrefix = "shopify:bulk:job_lock:"

// releaseScript deletes the key only if we still own it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisJobLock is a JobLock held in Redis. The TTL should exceed the poll
// timeout so a crashed holder releases it eventually.
type RedisJobLock struct {
	redis *redis.Client
	key   string
	ttl   time.Duration
}

// NewRedisJobLock creates a lock for identity (usually the shop domain).
func NewRedisJobLock(redisClient *redis.Client, identity string, ttl time.Duration) *RedisJobLock {
	if redisClient == nil {
		panic("redis client is required")
	}
	return &RedisJobLock{
		redis: redisClient,
		key:   RedisKeyPrefix + identity,
		ttl:   ttl,
	}
}

// Key returns the Redis key of the lock.
func (l *RedisJobLock) Key() string {
	return l.key
}

// Acquire implements JobLock.
func (l *RedisJobLock) Acquire(ctx context.Context) (func(), error) {
	token := uuid.NewString()

	ok, err := l.redis.SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire job lock: %w", err)
	}
	if !ok {
		holder, _ := l.redis.Get(ctx, l.key).Result()
		return nil, fmt.Errorf("%w: lock %s held by %s", ErrJobActive, l.key, holder)
	}

	log.Debug().
		Str("key", l.key).
		Str("token", token).
		Msg("Job lock acquired")

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := releaseScript.Run(ctx, l.redis, []string{l.key}, token).Err(); err != nil {
			log.Warn().
				Err(err).
				Str("key", l.key).
				Msg("Failed to release job lock")
		}
	}, nil
}
