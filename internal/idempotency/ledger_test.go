package idempotency

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestExecuteRunsOncePerKey(t *testing.T) {
	l := New[int](time.Hour)
	ctx := context.Background()

	calls := 0
	fn := func(context.Context) (int, error) {
		calls++
		return 42, nil
	}

	v, replayed, err := l.Execute(ctx, "k1", fn)
	if err != nil || v != 42 || replayed {
		t.Fatalf("first call: v=%d replayed=%t err=%v", v, replayed, err)
	}
	v, replayed, err = l.Execute(ctx, "k1", fn)
	if err != nil || v != 42 || !replayed {
		t.Fatalf("second call: v=%d replayed=%t err=%v", v, replayed, err)
	}
	if calls != 1 {
		t.Fatalf("fn ran %d times, want 1", calls)
	}
}

func TestExecuteEmptyKeyNeverDedupes(t *testing.T) {
	l := New[int](time.Hour)
	ctx := context.Background()

	calls := 0
	for i := 0; i < 3; i++ {
		if _, replayed, err := l.Execute(ctx, "", func(context.Context) (int, error) {
			calls++
			return calls, nil
		}); err != nil || replayed {
			t.Fatalf("replayed=%t err=%v", replayed, err)
		}
	}
	if calls != 3 {
		t.Fatalf("fn ran %d times, want 3", calls)
	}
}

func TestConcurrentDuplicatesCollapse(t *testing.T) {
	l := New[int](time.Hour)
	ctx := context.Background()

	var calls atomic.Int32
	release := make(chan struct{})
	fn := func(context.Context) (int, error) {
		calls.Add(1)
		<-release
		return 7, nil
	}

	const n = 20
	var wg sync.WaitGroup
	results := make([]int, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, _, err := l.Execute(ctx, "same-key", fn)
			results[i] = v
			errs[i] = err
		}(i)
	}

	// Let every goroutine either start the flight or join it, then release.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if got := calls.Load(); got != 1 {
		t.Fatalf("fn ran %d times, want 1", got)
	}
	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if results[i] != 7 {
			t.Fatalf("caller %d got %d, want 7", i, results[i])
		}
	}
}

func TestErrorsAreNotCached(t *testing.T) {
	l := New[int](time.Hour)
	ctx := context.Background()

	boom := errors.New("store down")
	calls := 0
	fn := func(context.Context) (int, error) {
		calls++
		if calls == 1 {
			return 0, boom
		}
		return 9, nil
	}

	if _, _, err := l.Execute(ctx, "k", fn); !errors.Is(err, boom) {
		t.Fatalf("expected store error, got %v", err)
	}
	v, replayed, err := l.Execute(ctx, "k", fn)
	if err != nil || v != 9 || replayed {
		t.Fatalf("retry after error: v=%d replayed=%t err=%v", v, replayed, err)
	}
}

func TestRecordsExpire(t *testing.T) {
	l := New[int](time.Minute)
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	now := base
	l.now = func() time.Time { return now }
	ctx := context.Background()

	calls := 0
	fn := func(context.Context) (int, error) {
		calls++
		return calls, nil
	}

	if _, _, err := l.Execute(ctx, "k", fn); err != nil {
		t.Fatal(err)
	}

	now = base.Add(2 * time.Minute)
	v, replayed, err := l.Execute(ctx, "k", fn)
	if err != nil || replayed || v != 2 {
		t.Fatalf("expired record replayed: v=%d replayed=%t err=%v", v, replayed, err)
	}

	l.cleanup()
	if l.Len() != 1 {
		t.Fatalf("cleanup kept %d records, want 1", l.Len())
	}
}

func TestWaiterHonoursContext(t *testing.T) {
	l := New[int](time.Hour)

	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_, _, _ = l.Execute(context.Background(), "k", func(context.Context) (int, error) {
			close(started)
			<-release
			return 1, nil
		})
	}()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, _, err := l.Execute(ctx, "k", func(context.Context) (int, error) {
		t.Error("duplicate must not execute")
		return 0, nil
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
	close(release)
}
