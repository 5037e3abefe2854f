// Package ratelimit implements per-identity fixed-window admission limiting.
// It runs before any inventory work so abusive clients cannot consume
// allocator throughput.
package ratelimit

import (
	"context"
	"time"
)

// Decision is the outcome of a single Allow call.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// Limiter admits or rejects a request for an identity. A non-nil error means
// the limiter store could not answer; callers must fail closed.
type Limiter interface {
	Allow(ctx context.Context, identity string) (Decision, error)
}

// Config holds the fixed-window policy: MaxRequests per Window per identity.
type Config struct {
	MaxRequests int
	Window      time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxRequests <= 0 {
		c.MaxRequests = 10
	}
	if c.Window <= 0 {
		c.Window = time.Minute
	}
	return c
}
