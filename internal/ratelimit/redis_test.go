package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// fakeCmdable stands in for a Redis server. Only the commands the limiter
// issues are implemented; the embedded interface panics on anything else.
type fakeCmdable struct {
	redis.Cmdable
	counts  map[string]int64
	ttls    map[string]time.Duration
	failing error
}

func newFakeCmdable() *fakeCmdable {
	return &fakeCmdable{
		counts: make(map[string]int64),
		ttls:   make(map[string]time.Duration),
	}
}

func (f *fakeCmdable) Incr(ctx context.Context, key string) *redis.IntCmd {
	if f.failing != nil {
		return redis.NewIntResult(0, f.failing)
	}
	f.counts[key]++
	return redis.NewIntResult(f.counts[key], nil)
}

func (f *fakeCmdable) Expire(ctx context.Context, key string, ttl time.Duration) *redis.BoolCmd {
	if f.failing != nil {
		return redis.NewBoolResult(false, f.failing)
	}
	f.ttls[key] = ttl
	return redis.NewBoolResult(true, nil)
}

func TestRedisMatchesMemoryDecisions(t *testing.T) {
	cfg := Config{MaxRequests: 10, Window: time.Minute}
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	now := base
	ctx := context.Background()

	mem := NewMemory(cfg)
	mem.now = func() time.Time { return now }

	fake := newFakeCmdable()
	red := NewRedis(fake, cfg)
	red.now = func() time.Time { return now }

	// Both limiters see the identical request sequence and must agree on
	// every admit/reject decision, including the window roll-over.
	steps := make([]time.Time, 0, 13)
	for i := 0; i < 12; i++ {
		steps = append(steps, base.Add(time.Duration(i)*time.Second))
	}
	steps = append(steps, base.Add(time.Minute))

	for i, at := range steps {
		now = at
		md, err := mem.Allow(ctx, "wallet-1")
		if err != nil {
			t.Fatal(err)
		}
		rd, err := red.Allow(ctx, "wallet-1")
		if err != nil {
			t.Fatal(err)
		}
		if md.Allowed != rd.Allowed {
			t.Fatalf("step %d: memory allowed=%v redis allowed=%v", i, md.Allowed, rd.Allowed)
		}
		if md.Allowed && md.Remaining != rd.Remaining {
			t.Fatalf("step %d: memory remaining=%d redis remaining=%d", i, md.Remaining, rd.Remaining)
		}
		if !md.Allowed && rd.RetryAfter <= 0 {
			t.Fatalf("step %d: rejected without retry hint", i)
		}
	}
}

func TestRedisWindowKeysExpire(t *testing.T) {
	cfg := Config{MaxRequests: 3, Window: time.Minute}
	fake := newFakeCmdable()
	red := NewRedis(fake, cfg)
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	red.now = func() time.Time { return base }

	if _, err := red.Allow(context.Background(), "wallet-1"); err != nil {
		t.Fatal(err)
	}
	if len(fake.ttls) != 1 {
		t.Fatalf("expected one window key with a TTL, got %d", len(fake.ttls))
	}
	for _, ttl := range fake.ttls {
		if ttl != 2*cfg.Window {
			t.Fatalf("window key TTL=%s, want %s", ttl, 2*cfg.Window)
		}
	}

	// Later hits in the same window reuse the key and never reset the TTL.
	if _, err := red.Allow(context.Background(), "wallet-1"); err != nil {
		t.Fatal(err)
	}
	if len(fake.ttls) != 1 {
		t.Fatalf("second hit created a new key: %d", len(fake.ttls))
	}
}

func TestRedisStoreErrorPropagates(t *testing.T) {
	fake := newFakeCmdable()
	fake.failing = errors.New("connection refused")
	red := NewRedis(fake, Config{MaxRequests: 3, Window: time.Minute})

	d, err := red.Allow(context.Background(), "wallet-1")
	if err == nil {
		t.Fatal("expected store error")
	}
	if d.Allowed {
		t.Fatal("store failure must not admit the request")
	}
}
