package sale

import (
	"context"
	"sort"
	"sync"
	"time"

	"flashdrop.org/internal/ids"
)

// Service defines sale registry and inventory allocator operations.
//
// Reserve and Release are the only mutators of the counters; both cap checks
// and both increments happen atomically inside a single call. Implementations
// must never expose a read-then-write path for the counters.
type Service interface {
	CreateSale(ctx context.Context, spec CreateSpec) (Sale, error)
	GetSale(ctx context.Context, id string) (Sale, error)
	ListSales(ctx context.Context) ([]Sale, error)
	ListActive(ctx context.Context, now time.Time) ([]Sale, error)
	Reserve(ctx context.Context, saleID, identity string, now time.Time) (Reservation, error)
	Release(ctx context.Context, saleID, identity string, now time.Time) error
	QuotaUsed(ctx context.Context, saleID, identity string) (int, error)
}

// InMemory implements Service with in-process concurrency safety. It is the
// authority when running single-process; multi-process deployments use the
// Postgres store instead and may keep this only for tests and smoke tooling.
type InMemory struct {
	mu     sync.Mutex
	sales  map[string]*Sale
	quotas map[string]map[string]int // saleID -> identity -> count
}

// NewInMemory creates an empty registry.
func NewInMemory() *InMemory {
	return &InMemory{
		sales:  make(map[string]*Sale),
		quotas: make(map[string]map[string]int),
	}
}

func (s *InMemory) CreateSale(ctx context.Context, spec CreateSpec) (Sale, error) {
	if err := spec.Validate(); err != nil {
		return Sale{}, err
	}

	now := time.Now().UTC()
	start := spec.StartTime
	if start.IsZero() {
		start = now
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sl := &Sale{
		ID:             ids.New(),
		ProductRef:     spec.ProductRef,
		OriginalPrice:  spec.OriginalPrice,
		SalePrice:      spec.SalePrice,
		StartTime:      start.UTC(),
		EndTime:        start.Add(spec.Duration).UTC(),
		MaxQuantity:    spec.MaxQuantity,
		MaxPerIdentity: spec.MaxPerIdentity,
		CreatedAt:      now,
	}
	s.sales[sl.ID] = sl
	s.quotas[sl.ID] = make(map[string]int)
	return *sl, nil
}

func (s *InMemory) GetSale(ctx context.Context, id string) (Sale, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sl, ok := s.sales[id]
	if !ok {
		return Sale{}, ErrNotFound
	}
	return *sl, nil
}

func (s *InMemory) ListSales(ctx context.Context) ([]Sale, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Sale, 0, len(s.sales))
	for _, sl := range s.sales {
		out = append(out, *sl)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *InMemory) ListActive(ctx context.Context, now time.Time) ([]Sale, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Sale
	for _, sl := range s.sales {
		if sl.StateAt(now) == StateActive {
			out = append(out, *sl)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Reserve atomically takes one unit of sale stock and one unit of identity
// quota. Both checks and both increments happen under the same lock; partial
// effects are impossible.
func (s *InMemory) Reserve(ctx context.Context, saleID, identity string, now time.Time) (Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sl, ok := s.sales[saleID]
	if !ok {
		return Reservation{}, ErrNotFound
	}
	switch sl.StateAt(now) {
	case StateScheduled:
		return Reservation{}, ErrNotStarted
	case StateEnded:
		return Reservation{}, ErrEnded
	case StateSoldOut:
		return Reservation{}, ErrSoldOut
	}

	quota := s.quotas[saleID]
	if quota[identity] >= sl.MaxPerIdentity {
		return Reservation{}, ErrQuotaExceeded
	}

	sl.SoldQuantity++
	quota[identity]++

	return Reservation{
		SaleID:    saleID,
		Identity:  identity,
		Sold:      sl.SoldQuantity,
		QuotaUsed: quota[identity],
		CreatedAt: now,
	}, nil
}

// Release compensates a reservation whose downstream capture failed. It undoes
// exactly one unit on both counters, atomically, and refuses to go negative.
func (s *InMemory) Release(ctx context.Context, saleID, identity string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sl, ok := s.sales[saleID]
	if !ok {
		return ErrNotFound
	}
	quota := s.quotas[saleID]
	if quota[identity] <= 0 || sl.SoldQuantity <= 0 {
		return ErrNoReservation
	}
	sl.SoldQuantity--
	quota[identity]--
	return nil
}

func (s *InMemory) QuotaUsed(ctx context.Context, saleID, identity string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sales[saleID]; !ok {
		return 0, ErrNotFound
	}
	return s.quotas[saleID][identity], nil
}
