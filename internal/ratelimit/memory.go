package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Memory is a single-process fixed-window limiter. Buckets are ephemeral and
// evicted by the janitor once the window plus a grace period has elapsed.
type Memory struct {
	cfg Config
	now func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket
}

type bucket struct {
	windowStart time.Time
	count       int
}

// NewMemory creates an in-process limiter with the given policy.
func NewMemory(cfg Config) *Memory {
	return &Memory{
		cfg:     cfg.withDefaults(),
		now:     time.Now,
		buckets: make(map[string]*bucket),
	}
}

// Allow counts the request against the identity's current window. The counter
// increments even for requests that later fail verification; the limiter only
// knows request volume, not outcome.
func (m *Memory) Allow(ctx context.Context, identity string) (Decision, error) {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.buckets[identity]
	if !ok || now.Sub(b.windowStart) >= m.cfg.Window {
		m.buckets[identity] = &bucket{windowStart: now, count: 1}
		return Decision{Allowed: true, Remaining: m.cfg.MaxRequests - 1}, nil
	}

	if b.count >= m.cfg.MaxRequests {
		return Decision{
			Allowed:    false,
			RetryAfter: b.windowStart.Add(m.cfg.Window).Sub(now),
		}, nil
	}

	b.count++
	return Decision{Allowed: true, Remaining: m.cfg.MaxRequests - b.count}, nil
}

// StartJanitor evicts expired buckets periodically until ctx ends.
func (m *Memory) StartJanitor(ctx context.Context, every time.Duration) {
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
				m.cleanup()
			}
		}
	}()
}

func (m *Memory) cleanup() {
	// Keep buckets for one extra window so a freshly rolled-over window is
	// never evicted under its owner.
	cutoff := m.now().Add(-2 * m.cfg.Window)

	m.mu.Lock()
	defer m.mu.Unlock()
	for k, b := range m.buckets {
		if b.windowStart.Before(cutoff) {
			delete(m.buckets, k)
		}
	}
}
