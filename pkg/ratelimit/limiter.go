package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/Sternrassler/shop-backup/pkg/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// DefaultMinInterval is the minimum spacing between two Admin API calls.
const DefaultMinInterval = 3 * time.Second

// Prometheus metrics for rate limiting.
var (
	rateLimitWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "shopify_rate_limit_wait_seconds",
		Help:    "Time spent waiting for a rate limit slot",
		Buckets: []float64{0.1, 0.5, 1, 2, 3, 5, 10, 30},
	})

	callLimitUsedRatio = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "shopify_call_limit_used_ratio",
		Help: "Last observed fraction of the Shopify API call bucket in use",
	})
)

// Store holds the shared "next free slot" state.
type Store interface {
	// Reserve claims the next call slot at or after now.
	Reserve(ctx context.Context, now time.Time) (Reservation, error)
}

// Reservation is a claimed call slot.
type Reservation struct {
	// Delay is how long the caller must wait before using the slot.
	Delay time.Duration

	cancel func(ctx context.Context, now time.Time)
}

// Cancel hands back a slot the caller will not use, as far as no later
// reservation has been stacked behind it.
func (r Reservation) Cancel(ctx context.Context, now time.Time) {
	if r.cancel != nil {
		r.cancel(ctx, now)
	}
}

// Limiter enforces a minimum interval between calls by every user of the
// same Store. It is safe for concurrent use; concurrent callers are handed
// consecutive slots.
type Limiter struct {
	store  Store
	clock  clock.Clock
	logger zerolog.Logger
}

// NewLimiter creates a limiter over store.
func NewLimiter(store Store, clk clock.Clock, logger zerolog.Logger) *Limiter {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Limiter{
		store:  store,
		clock:  clk,
		logger: logger,
	}
}

// NewMemoryLimiter creates an in-process limiter with the given interval.
func NewMemoryLimiter(interval time.Duration, clk clock.Clock, logger zerolog.Logger) *Limiter {
	return NewLimiter(NewMemoryStore(interval), clk, logger)
}

// Wait blocks until the caller's slot arrives or ctx is done.
func (l *Limiter) Wait(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	res, err := l.store.Reserve(ctx, l.clock.Now())
	if err != nil {
		return fmt.Errorf("reserve rate limit slot: %w", err)
	}
	if res.Delay <= 0 {
		return nil
	}

	rateLimitWaitSeconds.Observe(res.Delay.Seconds())
	l.logger.Debug().
		Dur("delay", res.Delay).
		Msg("Waiting for rate limit slot")

	if err := l.clock.Sleep(ctx, res.Delay); err != nil {
		res.Cancel(context.WithoutCancel(ctx), l.clock.Now())
		return err
	}
	return nil
}

// Observe records a bucket snapshot reported by the API.
func (l *Limiter) Observe(state *BucketState) {
	if state == nil {
		return
	}

	callLimitUsedRatio.Set(state.UsedRatio())

	switch {
	case state.IsCritical():
		l.logger.Warn().
			Float64("used", state.Used).
			Float64("capacity", state.Capacity).
			Dur("drain_in", state.TimeUntilDrained()).
			Msg("Shopify call limit bucket full")
	case state.NeedsThrottling():
		l.logger.Info().
			Float64("used", state.Used).
			Float64("capacity", state.Capacity).
			Msg("Shopify call limit bucket nearly full")
	}
}

// MemoryStore keeps the slot in process memory.
type MemoryStore struct {
	limiter *rate.Limiter
}

// NewMemoryStore returns a store handing out one slot per interval.
// A non-positive interval disables throttling.
func NewMemoryStore(interval time.Duration) *MemoryStore {
	limit := rate.Inf
	if interval > 0 {
		limit = rate.Every(interval)
	}
	return &MemoryStore{limiter: rate.NewLimiter(limit, 1)}
}

// Reserve implements Store.
func (s *MemoryStore) Reserve(_ context.Context, now time.Time) (Reservation, error) {
	r := s.limiter.ReserveN(now, 1)
	if !r.OK() {
		return Reservation{}, fmt.Errorf("rate limiter cannot grant a slot")
	}
	return Reservation{
		Delay: r.DelayFrom(now),
		cancel: func(_ context.Context, at time.Time) {
			r.CancelAt(at)
		},
	}, nil
}
