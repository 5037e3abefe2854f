// Package admission implements the purchase pipeline for scarce-inventory
// sales: rate limit, verification, idempotency, lifecycle check, atomic
// reservation, broadcast. The engine owns the ordering; each stage lives in
// its own package.
package admission

import (
	"context"
	"errors"
	"sync"
	"time"

	"flashdrop.org/internal/audit"
	"flashdrop.org/internal/idempotency"
	"flashdrop.org/internal/obs"
	"flashdrop.org/internal/ratelimit"
	"flashdrop.org/internal/sale"
	"flashdrop.org/internal/stream"
	"flashdrop.org/internal/verify"
)

// Reason is the terminal classification of a purchase attempt.
type Reason string

const (
	ReasonReserved           Reason = "reserved"
	ReasonRateLimited        Reason = "rate_limited"
	ReasonVerificationFailed Reason = "verification_failed"
	ReasonSaleNotFound       Reason = "sale_not_found"
	ReasonSaleNotStarted     Reason = "sale_not_started"
	ReasonSaleEnded          Reason = "sale_ended"
	ReasonSaleSoldOut        Reason = "sale_sold_out"
	ReasonQuotaExceeded      Reason = "quota_exceeded"
	ReasonUnavailable        Reason = "service_unavailable"
)

// ErrInvalidRequest indicates missing request fields; it is a caller bug, not
// a pipeline outcome.
var ErrInvalidRequest = errors.New("invalid purchase request")

// PurchaseRequest is one client attempt. It is never persisted as an entity.
type PurchaseRequest struct {
	SaleID            string
	Identity          string
	IdempotencyKey    string
	VerificationToken string
}

// Outcome is the full response for an attempt. It is what the idempotency
// ledger stores and replays, so it must be self-contained.
type Outcome struct {
	Reserved    bool             `json:"reserved"`
	Reason      Reason           `json:"reason"`
	RetryAfter  time.Duration    `json:"retry_after,omitempty"`
	Snapshot    sale.Snapshot    `json:"snapshot,omitempty"`
	Reservation sale.Reservation `json:"reservation,omitempty"`
	Replayed    bool             `json:"replayed,omitempty"`
}

// Config tunes the engine.
type Config struct {
	// StoreTimeout bounds each authoritative store call.
	StoreTimeout time.Duration
	// HeartbeatInterval drives the broadcaster's self-healing republish.
	HeartbeatInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = 2 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = time.Second
	}
	return c
}

// Engine wires the pipeline stages together.
type Engine struct {
	cfg     Config
	sales   sale.Service
	limiter ratelimit.Limiter
	gate    verify.Gate
	ledger  *idempotency.Ledger[Outcome]
	stream  *stream.Stream
	now     func() time.Time

	// soldOut is a read-only fast path: it may reject an attempt without a
	// store round-trip, but never decides a success. Entries are cleared
	// when a release frees stock or a heartbeat observes remaining units.
	soldOutMu sync.Mutex
	soldOut   map[string]struct{}
}

// New creates an engine over the given collaborators.
func New(sales sale.Service, limiter ratelimit.Limiter, gate verify.Gate,
	ledger *idempotency.Ledger[Outcome], st *stream.Stream, cfg Config) *Engine {
	return &Engine{
		cfg:     cfg.withDefaults(),
		sales:   sales,
		limiter: limiter,
		gate:    gate,
		ledger:  ledger,
		stream:  st,
		now:     time.Now,
		soldOut: make(map[string]struct{}),
	}
}

// Purchase runs the full admission pipeline for one attempt. All taxonomy
// rejections are expressed in the Outcome; the error return is reserved for
// malformed requests.
func (e *Engine) Purchase(ctx context.Context, req PurchaseRequest) (Outcome, error) {
	if req.SaleID == "" || req.Identity == "" {
		return Outcome{}, ErrInvalidRequest
	}

	// Admission control first: an abusive client never reaches the
	// verifier or the allocator.
	decision, err := e.limiter.Allow(ctx, req.Identity)
	if err != nil {
		// Fail closed: an unanswerable limiter must not admit traffic
		// to a scarce resource.
		obs.ObserveReservation(string(ReasonUnavailable))
		return Outcome{Reason: ReasonUnavailable}, nil
	}
	if !decision.Allowed {
		obs.ObserveReservation(string(ReasonRateLimited))
		return Outcome{Reason: ReasonRateLimited, RetryAfter: decision.RetryAfter}, nil
	}

	res, err := e.gate.Verify(ctx, req.VerificationToken)
	if err != nil {
		obs.ObserveReservation(string(ReasonUnavailable))
		return Outcome{Reason: ReasonUnavailable}, nil
	}
	if !res.Passed {
		obs.ObserveReservation(string(ReasonVerificationFailed))
		return Outcome{Reason: ReasonVerificationFailed}, nil
	}

	out, replayed, err := e.ledger.Execute(ctx, req.IdempotencyKey, func(ctx context.Context) (Outcome, error) {
		return e.reserve(ctx, req)
	})
	if err != nil {
		// Ambiguous or failed store work is never cached and never
		// reported as success; the caller retries with the same key.
		obs.ObserveReservation(string(ReasonUnavailable))
		return Outcome{Reason: ReasonUnavailable}, nil
	}
	if replayed {
		out.Replayed = true
		obs.ObserveReplay()
	}
	return out, nil
}

// reserve is the idempotent section: lifecycle check plus the atomic
// stock+quota transaction. Returned errors mean the attempt's outcome is
// unknown and must not be recorded; returned Outcomes are terminal.
func (e *Engine) reserve(ctx context.Context, req PurchaseRequest) (Outcome, error) {
	if e.knownSoldOut(req.SaleID) {
		obs.ObserveReservation(string(ReasonSaleSoldOut))
		return Outcome{Reason: ReasonSaleSoldOut}, nil
	}

	now := e.now().UTC()
	ctx, cancel := context.WithTimeout(ctx, e.cfg.StoreTimeout)
	defer cancel()

	// Cheap lifecycle pre-check against the registry; the allocator
	// re-derives state inside the transaction, so this only avoids store
	// write work for clearly closed sales.
	sl, err := e.sales.GetSale(ctx, req.SaleID)
	if err != nil {
		if errors.Is(err, sale.ErrNotFound) {
			obs.ObserveReservation(string(ReasonSaleNotFound))
			return Outcome{Reason: ReasonSaleNotFound}, nil
		}
		return Outcome{}, err
	}
	switch sl.StateAt(now) {
	case sale.StateScheduled:
		obs.ObserveReservation(string(ReasonSaleNotStarted))
		return Outcome{Reason: ReasonSaleNotStarted}, nil
	case sale.StateEnded:
		obs.ObserveReservation(string(ReasonSaleEnded))
		return Outcome{Reason: ReasonSaleEnded}, nil
	case sale.StateSoldOut:
		e.markSoldOut(req.SaleID)
		obs.ObserveReservation(string(ReasonSaleSoldOut))
		return Outcome{Reason: ReasonSaleSoldOut}, nil
	}

	reservation, err := e.sales.Reserve(ctx, req.SaleID, req.Identity, now)
	switch {
	case err == nil:
	case errors.Is(err, sale.ErrNotFound):
		obs.ObserveReservation(string(ReasonSaleNotFound))
		return Outcome{Reason: ReasonSaleNotFound}, nil
	case errors.Is(err, sale.ErrNotStarted):
		obs.ObserveReservation(string(ReasonSaleNotStarted))
		return Outcome{Reason: ReasonSaleNotStarted}, nil
	case errors.Is(err, sale.ErrEnded):
		obs.ObserveReservation(string(ReasonSaleEnded))
		return Outcome{Reason: ReasonSaleEnded}, nil
	case errors.Is(err, sale.ErrSoldOut):
		e.markSoldOut(req.SaleID)
		obs.ObserveReservation(string(ReasonSaleSoldOut))
		return Outcome{Reason: ReasonSaleSoldOut}, nil
	case errors.Is(err, sale.ErrQuotaExceeded):
		obs.ObserveReservation(string(ReasonQuotaExceeded))
		return Outcome{Reason: ReasonQuotaExceeded}, nil
	default:
		return Outcome{}, err
	}

	// Build the published snapshot from the transaction result, not from a
	// re-read, so the event carries the counters this reservation produced.
	sl.SoldQuantity = reservation.Sold
	snap := sl.SnapshotAt(now)
	if e.stream != nil {
		e.stream.Publish(snap)
	}
	obs.ObserveReservation(string(ReasonReserved))
	obs.SetSoldUnits(sl.ID, reservation.Sold)
	_ = audit.LogEvent(ctx, "sale.reserve", map[string]any{
		"sale_id":  req.SaleID,
		"identity": req.Identity,
		"sold":     reservation.Sold,
	})

	return Outcome{
		Reserved:    true,
		Reason:      ReasonReserved,
		Snapshot:    snap,
		Reservation: reservation,
	}, nil
}

// Release compensates a reservation whose payment capture failed. The freed
// unit becomes sellable again, so the sold-out fast path is invalidated and a
// fresh snapshot is broadcast.
func (e *Engine) Release(ctx context.Context, saleID, identity string) error {
	now := e.now().UTC()
	ctx, cancel := context.WithTimeout(ctx, e.cfg.StoreTimeout)
	defer cancel()

	if err := e.sales.Release(ctx, saleID, identity, now); err != nil {
		return err
	}
	e.clearSoldOut(saleID)

	_ = audit.LogEvent(ctx, "sale.release", map[string]any{
		"sale_id":  saleID,
		"identity": identity,
	})

	if sl, err := e.sales.GetSale(ctx, saleID); err == nil {
		snap := sl.SnapshotAt(now)
		obs.SetSoldUnits(sl.ID, sl.SoldQuantity)
		if e.stream != nil {
			e.stream.Publish(snap)
		}
	}
	return nil
}

// CreateSale schedules a sale through the registry.
func (e *Engine) CreateSale(ctx context.Context, spec sale.CreateSpec) (sale.Sale, error) {
	sl, err := e.sales.CreateSale(ctx, spec)
	if err != nil {
		return sale.Sale{}, err
	}
	_ = audit.LogEvent(ctx, "sale.create", map[string]any{
		"sale_id":      sl.ID,
		"product_ref":  sl.ProductRef,
		"max_quantity": sl.MaxQuantity,
	})
	return sl, nil
}

// Snapshot returns the current full-state view of a sale.
func (e *Engine) Snapshot(ctx context.Context, saleID string) (sale.Snapshot, error) {
	sl, err := e.sales.GetSale(ctx, saleID)
	if err != nil {
		return sale.Snapshot{}, err
	}
	return sl.SnapshotAt(e.now().UTC()), nil
}

// ActiveSnapshots is the heartbeat source: one snapshot per active sale.
// Observing remaining stock also heals a stale sold-out fast-path entry left
// behind by a release on another process.
func (e *Engine) ActiveSnapshots(ctx context.Context) []sale.Snapshot {
	now := e.now().UTC()
	sales, err := e.sales.ListActive(ctx, now)
	if err != nil {
		return nil
	}
	snaps := make([]sale.Snapshot, 0, len(sales))
	for _, sl := range sales {
		if sl.Remaining() > 0 {
			e.clearSoldOut(sl.ID)
		}
		snaps = append(snaps, sl.SnapshotAt(now))
	}
	return snaps
}

// StartHeartbeat begins the periodic republish; the returned stop function
// ends it.
func (e *Engine) StartHeartbeat() func() {
	if e.stream == nil {
		return func() {}
	}
	return e.stream.StartHeartbeat(e.cfg.HeartbeatInterval, e.ActiveSnapshots)
}

func (e *Engine) knownSoldOut(saleID string) bool {
	e.soldOutMu.Lock()
	defer e.soldOutMu.Unlock()
	_, ok := e.soldOut[saleID]
	return ok
}

func (e *Engine) markSoldOut(saleID string) {
	e.soldOutMu.Lock()
	defer e.soldOutMu.Unlock()
	e.soldOut[saleID] = struct{}{}
}

func (e *Engine) clearSoldOut(saleID string) {
	e.soldOutMu.Lock()
	defer e.soldOutMu.Unlock()
	delete(e.soldOut, saleID)
}
