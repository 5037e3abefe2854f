package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestMemoryFixedWindow(t *testing.T) {
	m := NewMemory(Config{MaxRequests: 10, Window: time.Minute})
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	now := base
	m.now = func() time.Time { return now }
	ctx := context.Background()

	// 10 requests inside one second are all admitted.
	for i := 0; i < 10; i++ {
		now = base.Add(time.Duration(i) * 100 * time.Millisecond)
		d, err := m.Allow(ctx, "wallet-1")
		if err != nil {
			t.Fatal(err)
		}
		if !d.Allowed {
			t.Fatalf("request %d unexpectedly limited", i+1)
		}
		if d.Remaining != 10-(i+1) {
			t.Fatalf("request %d: remaining=%d", i+1, d.Remaining)
		}
	}

	// The 11th is rejected with a positive retry hint.
	d, err := m.Allow(ctx, "wallet-1")
	if err != nil {
		t.Fatal(err)
	}
	if d.Allowed {
		t.Fatal("11th request should be limited")
	}
	if d.RetryAfter <= 0 {
		t.Fatalf("expected positive RetryAfter, got %s", d.RetryAfter)
	}

	// Another identity is unaffected.
	if d, _ := m.Allow(ctx, "wallet-2"); !d.Allowed {
		t.Fatal("independent identity was limited")
	}

	// A fresh window resets the bucket to 1 and admits.
	now = base.Add(time.Minute)
	d, err = m.Allow(ctx, "wallet-1")
	if err != nil {
		t.Fatal(err)
	}
	if !d.Allowed || d.Remaining != 9 {
		t.Fatalf("window did not reset: %+v", d)
	}
}

func TestMemoryCleanup(t *testing.T) {
	m := NewMemory(Config{MaxRequests: 2, Window: time.Minute})
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	now := base
	m.now = func() time.Time { return now }
	ctx := context.Background()

	if _, err := m.Allow(ctx, "wallet-1"); err != nil {
		t.Fatal(err)
	}

	now = base.Add(time.Minute)
	m.cleanup()
	m.mu.Lock()
	kept := len(m.buckets)
	m.mu.Unlock()
	if kept != 1 {
		t.Fatalf("bucket evicted before grace elapsed: %d", kept)
	}

	now = base.Add(3 * time.Minute)
	m.cleanup()
	m.mu.Lock()
	kept = len(m.buckets)
	m.mu.Unlock()
	if kept != 0 {
		t.Fatalf("expected empty bucket map, got %d", kept)
	}
}

func TestWindowIndexMath(t *testing.T) {
	window := time.Minute
	a := time.Date(2026, 8, 1, 12, 0, 30, 0, time.UTC)
	b := time.Date(2026, 8, 1, 12, 0, 59, 0, time.UTC)
	c := time.Date(2026, 8, 1, 12, 1, 0, 0, time.UTC)

	if windowIndex(a, window) != windowIndex(b, window) {
		t.Fatal("same window produced different indexes")
	}
	if windowIndex(b, window) == windowIndex(c, window) {
		t.Fatal("adjacent windows produced the same index")
	}

	reset := windowStart(windowIndex(a, window)+1, window)
	if !reset.After(a) || reset.Sub(a) > window {
		t.Fatalf("unexpected window reset %s for %s", reset, a)
	}
}
