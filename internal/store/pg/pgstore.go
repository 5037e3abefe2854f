// Package pg is the authoritative multi-process store for sales, quotas and
// reservations. Reserve and Release run as serializable transactions; both
// counters move together or not at all.
package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"flashdrop.org/internal/ids"
	"flashdrop.org/internal/sale"
)

type Store struct {
	db *sql.DB
}

var _ sale.Service = (*Store)(nil)

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// NewFromDB wraps an existing pool; used by tests and migration tooling.
func NewFromDB(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) CreateSale(ctx context.Context, spec sale.CreateSpec) (sale.Sale, error) {
	if err := spec.Validate(); err != nil {
		return sale.Sale{}, err
	}

	now := time.Now().UTC()
	start := spec.StartTime
	if start.IsZero() {
		start = now
	}
	sl := sale.Sale{
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

	if _, err := s.db.ExecContext(ctx, `
		insert into sales(id, product_ref, original_price, sale_price, start_time, end_time, max_quantity, sold_quantity, max_per_identity, created_at)
		values ($1,$2,$3,$4,$5,$6,$7,0,$8,$9)
	`, sl.ID, sl.ProductRef, sl.OriginalPrice, sl.SalePrice, sl.StartTime, sl.EndTime, sl.MaxQuantity, sl.MaxPerIdentity, sl.CreatedAt); err != nil {
		return sale.Sale{}, unavailable(err)
	}
	return sl, nil
}

const saleColumns = `id, product_ref, original_price, sale_price, start_time, end_time, max_quantity, sold_quantity, max_per_identity, created_at`

func scanSale(row interface{ Scan(...any) error }) (sale.Sale, error) {
	var sl sale.Sale
	err := row.Scan(&sl.ID, &sl.ProductRef, &sl.OriginalPrice, &sl.SalePrice,
		&sl.StartTime, &sl.EndTime, &sl.MaxQuantity, &sl.SoldQuantity,
		&sl.MaxPerIdentity, &sl.CreatedAt)
	return sl, err
}

func (s *Store) GetSale(ctx context.Context, id string) (sale.Sale, error) {
	sl, err := scanSale(s.db.QueryRowContext(ctx,
		`select `+saleColumns+` from sales where id=$1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return sale.Sale{}, sale.ErrNotFound
	}
	if err != nil {
		return sale.Sale{}, unavailable(err)
	}
	return sl, nil
}

func (s *Store) ListSales(ctx context.Context) ([]sale.Sale, error) {
	return s.list(ctx, `select `+saleColumns+` from sales order by start_time, id`)
}

func (s *Store) ListActive(ctx context.Context, now time.Time) ([]sale.Sale, error) {
	return s.list(ctx, `
		select `+saleColumns+` from sales
		where start_time <= $1 and $1 < end_time and sold_quantity < max_quantity
		order by start_time, id
	`, now.UTC())
}

func (s *Store) list(ctx context.Context, query string, args ...any) ([]sale.Sale, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, unavailable(err)
	}
	defer rows.Close()

	var out []sale.Sale
	for rows.Next() {
		sl, err := scanSale(rows)
		if err != nil {
			return nil, unavailable(err)
		}
		out = append(out, sl)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable(err)
	}
	return out, nil
}

// reserveAttempts bounds the serialization-conflict retry loop. Under a flash
// crowd every transaction touches the same sale row, so conflicts are the
// normal case, not an anomaly.
const reserveAttempts = 5

func (s *Store) Reserve(ctx context.Context, saleID, identity string, now time.Time) (sale.Reservation, error) {
	var res sale.Reservation
	err := s.withRetry(ctx, func() error {
		var err error
		res, err = s.reserveOnce(ctx, saleID, identity, now.UTC())
		return err
	})
	if err != nil {
		return sale.Reservation{}, err
	}
	return res, nil
}

func (s *Store) reserveOnce(ctx context.Context, saleID, identity string, now time.Time) (sale.Reservation, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return sale.Reservation{}, unavailable(err)
	}
	defer func() { _ = tx.Rollback() }()

	// Lock the sale row; every check below sees counters no concurrent
	// transaction can move until commit.
	var (
		start, end  time.Time
		maxQty      int
		sold        int
		maxPerIdent int
	)
	err = tx.QueryRowContext(ctx, `
		select start_time, end_time, max_quantity, sold_quantity, max_per_identity
		from sales where id=$1 for update
	`, saleID).Scan(&start, &end, &maxQty, &sold, &maxPerIdent)
	if errors.Is(err, sql.ErrNoRows) {
		return sale.Reservation{}, sale.ErrNotFound
	}
	if err != nil {
		return sale.Reservation{}, infra(err)
	}

	switch {
	case now.Before(start):
		return sale.Reservation{}, sale.ErrNotStarted
	case sold >= maxQty:
		return sale.Reservation{}, sale.ErrSoldOut
	case !now.Before(end):
		return sale.Reservation{}, sale.ErrEnded
	}

	// Ensure the quota row exists, then lock it.
	if _, err := tx.ExecContext(ctx, `
		insert into sale_quotas(sale_id, identity, used)
		values ($1,$2,0) on conflict do nothing
	`, saleID, identity); err != nil {
		return sale.Reservation{}, infra(err)
	}
	var used int
	if err := tx.QueryRowContext(ctx, `
		select used from sale_quotas where sale_id=$1 and identity=$2 for update
	`, saleID, identity).Scan(&used); err != nil {
		return sale.Reservation{}, infra(err)
	}
	if used >= maxPerIdent {
		return sale.Reservation{}, sale.ErrQuotaExceeded
	}

	if _, err := tx.ExecContext(ctx, `
		update sales set sold_quantity = sold_quantity + 1 where id=$1
	`, saleID); err != nil {
		return sale.Reservation{}, infra(err)
	}
	if _, err := tx.ExecContext(ctx, `
		update sale_quotas set used = used + 1 where sale_id=$1 and identity=$2
	`, saleID, identity); err != nil {
		return sale.Reservation{}, infra(err)
	}
	if _, err := tx.ExecContext(ctx, `
		insert into reservations(id, sale_id, identity, created_at)
		values ($1,$2,$3,$4)
	`, ids.New(), saleID, identity, now); err != nil {
		return sale.Reservation{}, infra(err)
	}

	if err := tx.Commit(); err != nil {
		// A failed commit is either retryable or ambiguous. Ambiguity is
		// reported as unavailable so the caller retries with the same
		// idempotency key instead of trusting an unknown outcome.
		return sale.Reservation{}, infra(err)
	}

	return sale.Reservation{
		SaleID:    saleID,
		Identity:  identity,
		Sold:      sold + 1,
		QuotaUsed: used + 1,
		CreatedAt: now,
	}, nil
}

func (s *Store) Release(ctx context.Context, saleID, identity string, now time.Time) error {
	return s.withRetry(ctx, func() error {
		return s.releaseOnce(ctx, saleID, identity, now.UTC())
	})
}

func (s *Store) releaseOnce(ctx context.Context, saleID, identity string, now time.Time) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return unavailable(err)
	}
	defer func() { _ = tx.Rollback() }()

	var sold int
	err = tx.QueryRowContext(ctx,
		`select sold_quantity from sales where id=$1 for update`, saleID).Scan(&sold)
	if errors.Is(err, sql.ErrNoRows) {
		return sale.ErrNotFound
	}
	if err != nil {
		return infra(err)
	}

	var used int
	err = tx.QueryRowContext(ctx, `
		select used from sale_quotas where sale_id=$1 and identity=$2 for update
	`, saleID, identity).Scan(&used)
	if errors.Is(err, sql.ErrNoRows) {
		return sale.ErrNoReservation
	}
	if err != nil {
		return infra(err)
	}
	if used <= 0 || sold <= 0 {
		return sale.ErrNoReservation
	}

	if _, err := tx.ExecContext(ctx, `
		update sales set sold_quantity = sold_quantity - 1 where id=$1
	`, saleID); err != nil {
		return infra(err)
	}
	if _, err := tx.ExecContext(ctx, `
		update sale_quotas set used = used - 1 where sale_id=$1 and identity=$2
	`, saleID, identity); err != nil {
		return infra(err)
	}
	if _, err := tx.ExecContext(ctx, `
		delete from reservations where id in (
			select id from reservations
			where sale_id=$1 and identity=$2
			order by created_at limit 1
		)
	`, saleID, identity); err != nil {
		return infra(err)
	}

	if err := tx.Commit(); err != nil {
		return infra(err)
	}
	return nil
}

func (s *Store) QuotaUsed(ctx context.Context, saleID, identity string) (int, error) {
	var used int
	err := s.db.QueryRowContext(ctx, `
		select coalesce(q.used, 0)
		from sales s
		left join sale_quotas q on q.sale_id = s.id and q.identity = $2
		where s.id = $1
	`, saleID, identity).Scan(&used)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, sale.ErrNotFound
	}
	if err != nil {
		return 0, unavailable(err)
	}
	return used, nil
}

// withRetry reruns fn on serialization conflicts with bounded exponential
// backoff. Business rejections and unavailability pass through untouched.
func (s *Store) withRetry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt < reserveAttempts; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<uint(attempt-1)) * 5 * time.Millisecond
			select {
			case <-ctx.Done():
				return unavailable(ctx.Err())
			case <-time.After(backoff):
			}
		}
		err = fn()
		if err == nil || !isSerializationFailure(err) {
			return err
		}
	}
	return unavailable(err)
}

// isSerializationFailure reports whether err is a transient conflict the
// transaction should retry: serialization_failure (40001) or deadlock_detected
// (40P01).
func isSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	return false
}

// infra classifies a driver error from inside a transaction: serialization
// conflicts stay bare so withRetry can see them, everything else is reported
// as unavailable.
func infra(err error) error {
	if isSerializationFailure(err) {
		return err
	}
	return unavailable(err)
}

func unavailable(err error) error {
	return fmt.Errorf("%w: %v", sale.ErrUnavailable, err)
}
