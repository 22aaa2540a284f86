// Package ratelimit implements the process-wide request throttle shared by
// every caller of the Admin API, plus tracking of Shopify's call-limit bucket.
//
// The throttle is a minimum interval between calls: before each request the
// caller reserves the next free slot and sleeps until it arrives. The slot is
// held by a Store so it can live in process memory or in Redis when several
// backup processes share one set of API credentials.
package ratelimit

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// HeaderCallLimit is the REST response header carrying "<used>/<capacity>".
const HeaderCallLimit = "X-Shopify-Shop-Api-Call-Limit"

// Thresholds for bucket state decisions.
const (
	// CallLimitWarningRatio marks the bucket as nearly full.
	CallLimitWarningRatio = 0.8

	// CallLimitCriticalRatio marks the bucket as full; the next call is likely throttled.
	CallLimitCriticalRatio = 0.95
)

// BucketState is a snapshot of the leaky bucket Shopify uses for API limits.
type BucketState struct {
	// Used is the amount of the bucket currently consumed.
	Used float64 `json:"used"`

	// Capacity is the size of the bucket.
	Capacity float64 `json:"capacity"`

	// RestoreRate is how much capacity leaks back per second (GraphQL only).
	RestoreRate float64 `json:"restore_rate"`

	// LastUpdate is when the snapshot was taken.
	LastUpdate time.Time `json:"last_update"`
}

// ParseCallLimit parses the value of the X-Shopify-Shop-Api-Call-Limit header.
func ParseCallLimit(value string, now time.Time) (*BucketState, error) {
	usedStr, capStr, ok := strings.Cut(strings.TrimSpace(value), "/")
	if !ok {
		return nil, fmt.Errorf("parse %s header %q: missing '/'", HeaderCallLimit, value)
	}

	used, err := strconv.Atoi(strings.TrimSpace(usedStr))
	if err != nil {
		return nil, fmt.Errorf("parse %s header used: %w", HeaderCallLimit, err)
	}
	capacity, err := strconv.Atoi(strings.TrimSpace(capStr))
	if err != nil {
		return nil, fmt.Errorf("parse %s header capacity: %w", HeaderCallLimit, err)
	}
	if capacity <= 0 {
		return nil, fmt.Errorf("parse %s header: capacity must be positive (got %d)", HeaderCallLimit, capacity)
	}

	return &BucketState{
		Used:       float64(used),
		Capacity:   float64(capacity),
		LastUpdate: now,
	}, nil
}

// FromThrottleStatus builds a state from a GraphQL cost throttleStatus block.
func FromThrottleStatus(maximumAvailable, currentlyAvailable, restoreRate float64, now time.Time) *BucketState {
	used := maximumAvailable - currentlyAvailable
	if used < 0 {
		used = 0
	}
	return &BucketState{
		Used:        used,
		Capacity:    maximumAvailable,
		RestoreRate: restoreRate,
		LastUpdate:  now,
	}
}

// UsedRatio returns Used/Capacity, or 0 for an empty bucket definition.
func (s *BucketState) UsedRatio() float64 {
	if s.Capacity <= 0 {
		return 0
	}
	return s.Used / s.Capacity
}

// IsStale returns true if the snapshot is older than maxAge at now.
func (s *BucketState) IsStale(maxAge time.Duration, now time.Time) bool {
	return now.Sub(s.LastUpdate) > maxAge
}

// NeedsThrottling returns true when the bucket is past the warning ratio.
func (s *BucketState) NeedsThrottling() bool {
	return s.UsedRatio() >= CallLimitWarningRatio
}

// IsCritical returns true when the bucket is effectively full.
func (s *BucketState) IsCritical() bool {
	return s.UsedRatio() >= CallLimitCriticalRatio
}

// TimeUntilDrained estimates how long until the bucket is empty again.
// Returns 0 when the restore rate is unknown.
func (s *BucketState) TimeUntilDrained() time.Duration {
	if s.RestoreRate <= 0 || s.Used <= 0 {
		return 0
	}
	return time.Duration(s.Used / s.RestoreRate * float64(time.Second))
}
