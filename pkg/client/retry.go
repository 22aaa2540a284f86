package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"regexp"
	"slices"
	"syscall"
	"time"

	"github.com/Sternrassler/shop-backup/pkg/clock"
	"github.com/Sternrassler/shop-backup/pkg/ratelimit"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for retry operations.
var (
	retriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shopify_retries_total",
		Help: "Total number of retry attempts by error class",
	}, []string{"error_class"})

	retryBackoffSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "shopify_retry_backoff_seconds",
		Help:    "Backoff duration for retries by error class",
		Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"error_class"})

	retryExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shopify_retry_exhausted_total",
		Help: "Total number of times retry attempts were exhausted by error class",
	}, []string{"error_class"})
)

const (
	// ThrottledMaxRetries is the minimum retry ceiling for throttled calls,
	// applied regardless of RetryPolicy.MaxRetries.
	ThrottledMaxRetries = 5

	// ThrottledBaseDelay is the minimum backoff baseline for throttled calls.
	ThrottledBaseDelay = 2 * time.Second

	// retryAfterPadding is added to a server supplied retry-after hint.
	retryAfterPadding = 500 * time.Millisecond
)

var throttledPattern = regexp.MustCompile(`(?i)throttled`)

var retryableErrnos = []error{
	syscall.ECONNRESET,
	syscall.ECONNREFUSED,
	syscall.ECONNABORTED,
	syscall.EPIPE,
	syscall.ETIMEDOUT,
	syscall.EHOSTUNREACH,
	syscall.ENETUNREACH,
}

// RetryPolicy controls retries for one call.
type RetryPolicy struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int

	// BaseDelay is the first backoff; it doubles on every retry.
	BaseDelay time.Duration

	// MaxDelay caps the exponential backoff.
	MaxDelay time.Duration

	// RetryableStatusCodes are the HTTP statuses worth retrying.
	RetryableStatusCodes []int
}

// DefaultRetryPolicy returns the default retry policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:           3,
		BaseDelay:            1 * time.Second,
		MaxDelay:             30 * time.Second,
		RetryableStatusCodes: []int{429, 500, 502, 503, 504},
	}
}

// Ceiling returns the retry ceiling for an error class.
func (p RetryPolicy) Ceiling(class ErrorClass) int {
	if class == ErrorClassThrottled {
		return max(ThrottledMaxRetries, p.MaxRetries)
	}
	return p.MaxRetries
}

// Backoff returns the wait before retry number attempt+1.
// attempt is zero-based: the delay after the first failure uses attempt 0.
func (p RetryPolicy) Backoff(class ErrorClass, attempt int, retryAfter time.Duration) time.Duration {
	if retryAfter > 0 {
		return retryAfter + retryAfterPadding
	}

	base := p.BaseDelay
	if class == ErrorClassThrottled && base < ThrottledBaseDelay {
		base = ThrottledBaseDelay
	}

	// Shifting past 30 overflows for second-scale bases; the cap applies long before.
	if attempt > 30 {
		attempt = 30
	}
	delay := base << attempt
	if p.MaxDelay > 0 && (delay > p.MaxDelay || delay < 0) {
		delay = p.MaxDelay
	}
	return delay
}

// Classify assigns a retry class to err.
func Classify(err error, policy RetryPolicy) ErrorClass {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.Canceled) {
		return ErrorClassFatal
	}
	if throttledPattern.MatchString(err.Error()) {
		return ErrorClassThrottled
	}

	var te *TransportError
	if errors.As(err, &te) && te.StatusCode > 0 && slices.Contains(policy.RetryableStatusCodes, te.StatusCode) {
		return ErrorClassStatus
	}

	if isNetworkError(err) {
		return ErrorClassNetwork
	}
	return ErrorClassFatal
}

func isNetworkError(err error) bool {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) && (dnsErr.IsTemporary || dnsErr.IsTimeout) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	for _, errno := range retryableErrnos {
		if errors.Is(err, errno) {
			return true
		}
	}

	return errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF)
}

// retryAfterHint extracts a server retry-after hint from err.
func retryAfterHint(err error) time.Duration {
	var te *TransportError
	if errors.As(err, &te) {
		return te.RetryAfter
	}
	return 0
}

// Executor runs remote calls through the shared rate limiter with
// classification and exponential backoff.
type Executor struct {
	limiter *ratelimit.Limiter
	clock   clock.Clock
	logger  zerolog.Logger
}

// NewExecutor creates an executor. A nil limiter disables throttling.
func NewExecutor(limiter *ratelimit.Limiter, clk clock.Clock, logger zerolog.Logger) *Executor {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Executor{
		limiter: limiter,
		clock:   clk,
		logger:  logger,
	}
}

// Execute calls fn until it succeeds, fails fatally, or the retry ceiling
// for its error class is reached. The limiter is consulted before every
// attempt, including the first.
func (e *Executor) Execute(ctx context.Context, policy RetryPolicy, fn func(ctx context.Context) error) error {
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: %w", ErrContextCancelled, err)
		}

		if e.limiter != nil {
			if err := e.limiter.Wait(ctx); err != nil {
				if ctxErr := ctx.Err(); ctxErr != nil {
					return fmt.Errorf("%w: %w", ErrContextCancelled, ctxErr)
				}
				return err
			}
		}

		err := fn(ctx)
		if err == nil {
			if attempt > 0 {
				e.logger.Info().
					Int("attempt", attempt+1).
					Msg("Request succeeded after retry")
			}
			return nil
		}

		// The caller gave up; whatever fn returned is final.
		if ctx.Err() != nil {
			return err
		}

		class := Classify(err, policy)
		if !shouldRetry(class) {
			e.logger.Debug().
				Err(err).
				Str("error_class", string(class)).
				Msg("Request failed with non-retryable error")
			return err
		}

		if attempt >= policy.Ceiling(class) {
			retryExhaustedTotal.WithLabelValues(string(class)).Inc()
			e.logger.Warn().
				Err(err).
				Str("error_class", string(class)).
				Int("attempts", attempt+1).
				Msg("Retry attempts exhausted")
			return &RetryExhaustedError{Class: class, Attempts: attempt + 1, Err: err}
		}

		delay := policy.Backoff(class, attempt, retryAfterHint(err))
		retriesTotal.WithLabelValues(string(class)).Inc()
		retryBackoffSeconds.WithLabelValues(string(class)).Observe(delay.Seconds())

		e.logger.Warn().
			Err(err).
			Str("error_class", string(class)).
			Int("attempt", attempt+1).
			Dur("delay", delay).
			Msg("Retrying request after backoff")

		if err := e.clock.Sleep(ctx, delay); err != nil {
			e.logger.Warn().
				Str("error_class", string(class)).
				Int("attempt", attempt+1).
				Msg("Context cancelled during retry backoff")
			return fmt.Errorf("%w: %w", ErrContextCancelled, err)
		}
	}
}

// Call is Execute for calls that produce a value.
func Call[T any](ctx context.Context, e *Executor, policy RetryPolicy, fn func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := e.Execute(ctx, policy, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		result = v
		return nil
	})
	return result, err
}
