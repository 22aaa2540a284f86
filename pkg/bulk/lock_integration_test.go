//go:build integration

package bulk

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Sternrassler/shop-backup/internal/testutil"
)

func TestRedisJobLock_Integration(t *testing.T) {
	redisClient := testutil.StartRedis(t)
	ctx := context.Background()

	a := NewRedisJobLock(redisClient, "test-shop.myshopify.com", time.Minute)
	b := NewRedisJobLock(redisClient, "test-shop.myshopify.com", time.Minute)

	unlock, err := a.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	if _, err := b.Acquire(ctx); !errors.Is(err, ErrJobActive) {
		t.Errorf("second Acquire() error = %v, want ErrJobActive", err)
	}

	ttl, err := redisClient.PTTL(ctx, a.Key()).Result()
	if err != nil || ttl <= 0 {
		t.Errorf("lock TTL = %v, %v; want positive expiry", ttl, err)
	}

	unlock()

	unlockB, err := b.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire() after release error = %v", err)
	}
	defer unlockB()

	// A stale release from the first holder must not free b's lock.
	unlock()
	if exists, _ := redisClient.Exists(ctx, b.Key()).Result(); exists != 1 {
		t.Error("stale release removed another holder's lock")
	}
}
