// Package ratelimit throttles outbound ad-platform calls per account.
// Platform API quotas are account-scoped, so the bucket key is the account,
// and the Redis implementation makes the budget hold across worker processes.
package ratelimit

import (
	"context"
	"time"
)

// Decision is the outcome of one Allow call. When Allowed is false,
// RetryAt is the earliest useful retry time.
type Decision struct {
	Allowed   bool
	Remaining int64
	RetryAt   time.Time
}

// AccountLimiter answers "may this account make one platform call now".
type AccountLimiter interface {
	Allow(ctx context.Context, accountID string) (Decision, error)
}

// Config sizes one account's token bucket. The bucket holds Capacity
// tokens and gains RefillRate tokens every RefillInterval.
type Config struct {
	Capacity       int64
	RefillRate     int64
	RefillInterval time.Duration
}

func (c *Config) applyDefaults() {
	if c.Capacity <= 0 {
		c.Capacity = 500
	}
	if c.RefillRate <= 0 {
		c.RefillRate = c.Capacity
	}
	if c.RefillInterval <= 0 {
		c.RefillInterval = time.Hour
	}
}

// PerHour builds a bucket sized for a flat hourly quota.
func PerHour(requests int64) Config {
	return Config{Capacity: requests, RefillRate: requests, RefillInterval: time.Hour}
}
