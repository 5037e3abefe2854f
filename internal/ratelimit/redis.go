package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis is a fixed-window limiter shared by all engine processes. Window keys
// carry a window index so a roll-over never races a stale counter, and expire
// shortly after the window so storage stays bounded.
//
// A store error is returned to the caller untouched: for a scarce-resource
// sale the policy is fail-closed, and the engine maps the error to
// ServiceUnavailable rather than letting traffic through unmetered.
type Redis struct {
	cfg    Config
	client redis.Cmdable
	prefix string
	now    func() time.Time
}

// NewRedis creates a limiter backed by the given Redis client.
func NewRedis(client redis.Cmdable, cfg Config) *Redis {
	return &Redis{
		cfg:    cfg.withDefaults(),
		client: client,
		prefix: "flashdrop:rl",
		now:    time.Now,
	}
}

func (r *Redis) Allow(ctx context.Context, identity string) (Decision, error) {
	now := r.now()
	idx := windowIndex(now, r.cfg.Window)
	key := fmt.Sprintf("%s:%s:%d", r.prefix, identity, idx)

	count, err := r.client.Incr(ctx, key).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit store: %w", err)
	}
	if count == 1 {
		// First hit of the window owns the TTL. One extra window of grace
		// keeps Retry-After answers stable across the boundary.
		if err := r.client.Expire(ctx, key, 2*r.cfg.Window).Err(); err != nil {
			return Decision{}, fmt.Errorf("rate limit store: %w", err)
		}
	}

	if count > int64(r.cfg.MaxRequests) {
		reset := windowStart(idx+1, r.cfg.Window)
		return Decision{Allowed: false, RetryAfter: reset.Sub(now)}, nil
	}
	return Decision{Allowed: true, Remaining: r.cfg.MaxRequests - int(count)}, nil
}

func windowIndex(now time.Time, window time.Duration) int64 {
	return now.UnixNano() / int64(window)
}

func windowStart(idx int64, window time.Duration) time.Time {
	return time.Unix(0, idx*int64(window))
}
