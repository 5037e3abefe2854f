// Package idempotency deduplicates retried purchase attempts carrying the
// same client-supplied key. A duplicate seen while the original is in flight
// waits for that result; a duplicate seen after completion is served from the
// ledger without touching the allocator.
package idempotency

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// DefaultTTL bounds ledger storage when no TTL is configured. It should cover
// the sale duration plus a grace period so late client retries still replay.
const DefaultTTL = 2 * time.Hour

// Ledger stores the first result produced for each key.
type Ledger[T any] struct {
	ttl time.Duration
	now func() time.Time

	group singleflight.Group

	mu      sync.Mutex
	entries map[string]entry[T]
}

type entry[T any] struct {
	value     T
	expiresAt time.Time
}

// New creates a ledger whose records expire after ttl.
func New[T any](ttl time.Duration) *Ledger[T] {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Ledger[T]{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]entry[T]),
	}
}

// Execute runs fn exactly once per key. The replayed return is true when the
// result came from the ledger or from another caller's in-flight execution.
// Failed executions are not recorded; a later retry with the same key runs
// fresh, which is what makes client retries after ServiceUnavailable safe.
func (l *Ledger[T]) Execute(ctx context.Context, key string, fn func(context.Context) (T, error)) (T, bool, error) {
	var zero T
	if key == "" {
		v, err := fn(ctx)
		return v, false, err
	}

	if v, ok := l.lookup(key); ok {
		return v, true, nil
	}

	executed := false
	ch := l.group.DoChan(key, func() (any, error) {
		// Re-check under the flight: a completed run may have landed
		// between the lookup above and joining the group.
		if v, ok := l.lookup(key); ok {
			return v, nil
		}
		executed = true
		v, err := fn(ctx)
		if err != nil {
			return zero, err
		}
		l.store(key, v)
		return v, nil
	})

	select {
	case <-ctx.Done():
		return zero, false, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return zero, false, res.Err
		}
		return res.Val.(T), !executed, nil
	}
}

func (l *Ledger[T]) lookup(key string) (T, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[key]
	if !ok || l.now().After(e.expiresAt) {
		var zero T
		return zero, false
	}
	return e.value, true
}

func (l *Ledger[T]) store(key string, v T) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries[key] = entry[T]{value: v, expiresAt: l.now().Add(l.ttl)}
}

// Len reports the number of records currently held, expired ones included.
func (l *Ledger[T]) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// StartJanitor evicts expired records periodically until ctx ends.
func (l *Ledger[T]) StartJanitor(ctx context.Context, every time.Duration) {
	if every <= 0 {
		every = time.Minute
	}
	ticker := time.NewTicker(every)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				l.cleanup()
			}
		}
	}()
}

func (l *Ledger[T]) cleanup() {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	for k, e := range l.entries {
		if now.After(e.expiresAt) {
			delete(l.entries, k)
		}
	}
}
