package sale

import (
	"errors"
	"time"
)

// State is the derived lifecycle phase of a sale. It is always computed from
// the clock and the counters, never stored.
type State string

const (
	StateScheduled State = "scheduled"
	StateActive    State = "active"
	StateSoldOut   State = "sold_out"
	StateEnded     State = "ended"
)

// Sale is a fixed-quantity, fixed-window offer. Prices are in minor units
// (e.g., cents). No floats.
type Sale struct {
	ID             string    `json:"id"`
	ProductRef     string    `json:"product_ref"`
	OriginalPrice  int64     `json:"original_price"`
	SalePrice      int64     `json:"sale_price"`
	StartTime      time.Time `json:"start_time"`
	EndTime        time.Time `json:"end_time"` // half-open window [start, end)
	MaxQuantity    int       `json:"max_quantity"`
	SoldQuantity   int       `json:"sold_quantity"`
	MaxPerIdentity int       `json:"max_per_identity"`
	CreatedAt      time.Time `json:"created_at"`
}

// StateAt derives the lifecycle state at the given instant. Sell-out is
// terminal and takes precedence over the time window once the sale has begun.
func (s Sale) StateAt(now time.Time) State {
	if now.Before(s.StartTime) {
		return StateScheduled
	}
	if s.SoldQuantity >= s.MaxQuantity {
		return StateSoldOut
	}
	if now.Before(s.EndTime) {
		return StateActive
	}
	return StateEnded
}

// Remaining returns the unreserved units.
func (s Sale) Remaining() int {
	r := s.MaxQuantity - s.SoldQuantity
	if r < 0 {
		return 0
	}
	return r
}

// SnapshotAt produces the full-state view published to subscribers. Consumers
// must treat it as idempotent state, not a delta.
func (s Sale) SnapshotAt(now time.Time) Snapshot {
	pct := 0.0
	if s.MaxQuantity > 0 {
		pct = float64(s.SoldQuantity) / float64(s.MaxQuantity) * 100
	}
	return Snapshot{
		SaleID:      s.ID,
		Sold:        s.SoldQuantity,
		Remaining:   s.Remaining(),
		PercentSold: pct,
		State:       s.StateAt(now),
		AsOf:        now,
	}
}

// Snapshot is the broadcast payload for a sale.
type Snapshot struct {
	SaleID      string    `json:"sale_id"`
	Sold        int       `json:"sold"`
	Remaining   int       `json:"remaining"`
	PercentSold float64   `json:"percent_sold"`
	State       State     `json:"state"`
	AsOf        time.Time `json:"as_of"`
}

// CreateSpec is the operator input for scheduling a sale.
type CreateSpec struct {
	ProductRef     string        `json:"product_ref"`
	OriginalPrice  int64         `json:"original_price"`
	SalePrice      int64         `json:"sale_price"`
	StartTime      time.Time     `json:"start_time"` // zero value means start immediately
	Duration       time.Duration `json:"duration"`
	MaxQuantity    int           `json:"max_quantity"`
	MaxPerIdentity int           `json:"max_per_identity"`
}

// Validate checks operator input before any storage work.
func (c CreateSpec) Validate() error {
	if c.ProductRef == "" {
		return ErrInvalidSpec
	}
	if c.MaxQuantity <= 0 || c.MaxPerIdentity <= 0 {
		return ErrInvalidSpec
	}
	if c.Duration <= 0 {
		return ErrInvalidSpec
	}
	if c.OriginalPrice < 0 || c.SalePrice < 0 || c.SalePrice > c.OriginalPrice {
		return ErrInvalidSpec
	}
	return nil
}

// Reservation is the result of a successful atomic reserve.
type Reservation struct {
	SaleID    string    `json:"sale_id"`
	Identity  string    `json:"identity"`
	Sold      int       `json:"sold"`       // sale-wide count after this reservation
	QuotaUsed int       `json:"quota_used"` // identity count after this reservation
	CreatedAt time.Time `json:"created_at"`
}

var (
	ErrNotFound      = errors.New("sale not found")
	ErrInvalidSpec   = errors.New("invalid sale specification")
	ErrNotStarted    = errors.New("sale has not started")
	ErrEnded         = errors.New("sale has ended")
	ErrSoldOut       = errors.New("sale is sold out")
	ErrQuotaExceeded = errors.New("per-identity quota exceeded")
	ErrNoReservation = errors.New("no reservation to release")
	ErrUnavailable   = errors.New("inventory store unavailable")
)
