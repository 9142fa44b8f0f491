package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/kart-checkout/internal/domain/cart"
	"github.com/xenking/kart-checkout/internal/domain/coupon"
	"github.com/xenking/kart-checkout/internal/domain/inventory"
	"github.com/xenking/kart-checkout/internal/domain/order"
)

var (
	_ order.Store = (*Store)(nil)
	_ order.Tx    = (*tx)(nil)
)

// Store implements order.Store on a pgx pool. Every InTx call is one
// READ COMMITTED transaction whose row locks serialize competing checkouts.
type Store struct {
	pool        *pgxpool.Pool
	txTimeout   time.Duration
	lockTimeout time.Duration
}

// NewStore returns a Store. Zero timeouts fall back to 5s for the whole
// transaction and 2s for any single lock wait.
func NewStore(pool *pgxpool.Pool, txTimeout, lockTimeout time.Duration) *Store {
	if txTimeout <= 0 {
		txTimeout = 5 * time.Second
	}
	if lockTimeout <= 0 {
		lockTimeout = 2 * time.Second
	}
	return &Store{pool: pool, txTimeout: txTimeout, lockTimeout: lockTimeout}
}

// InTx runs fn in a transaction and commits when fn returns nil.
func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx order.Tx) error) (rerr error) {
	ctx, cancel := context.WithTimeout(ctx, s.txTimeout)
	defer cancel()

	pgTx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return classify(fmt.Errorf("begin transaction: %w", err))
	}
	defer func() {
		if rerr != nil {
			_ = pgTx.Rollback(context.WithoutCancel(ctx))
		}
	}()

	if _, err := pgTx.Exec(ctx, fmt.Sprintf("SET LOCAL lock_timeout = %d", s.lockTimeout.Milliseconds())); err != nil {
		return classify(fmt.Errorf("set lock timeout: %w", err))
	}

	if err := fn(ctx, &tx{q: pgTx}); err != nil {
		return classify(err)
	}

	if err := pgTx.Commit(ctx); err != nil {
		return classify(fmt.Errorf("commit transaction: %w", err))
	}
	return nil
}

// Get returns the order with its items.
func (s *Store) Get(ctx context.Context, id string) (*order.Order, error) {
	o, err := getOrder(ctx, s.pool, id, false)
	if err != nil {
		return nil, classify(err)
	}
	return o, nil
}

// Stats aggregates the user's orders. Spend excludes cancelled and refunded
// orders.
func (s *Store) Stats(ctx context.Context, userID string) (*order.Stats, error) {
	st, err := orderStats(ctx, s.pool, userID)
	if err != nil {
		return nil, classify(err)
	}
	return st, nil
}

// Coupons reads coupon rules and usage outside any transaction and without
// row locks.
func (s *Store) Coupons() coupon.Reader {
	return couponReader{repo: &CouponRepository{q: s.pool}}
}

type tx struct {
	q pgx.Tx
}

func (t *tx) Inventory() inventory.Ledger { return &InventoryLedger{q: t.q} }
func (t *tx) Coupons() coupon.Repository  { return &CouponRepository{q: t.q} }
func (t *tx) Carts() cart.Reader          { return &CartRepository{q: t.q} }
func (t *tx) Orders() order.Repository    { return &OrderRepository{q: t.q} }

// Postgres error codes that mean the same request may succeed on retry.
const (
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
	codeLockNotAvailable     = "55P03"
	codeQueryCanceled        = "57014"
	codeAdminShutdown        = "57P01"
	codeCannotConnectNow     = "57P03"
)

type unavailableError struct {
	err error
}

func (e *unavailableError) Error() string        { return "storage unavailable: " + e.err.Error() }
func (e *unavailableError) Unwrap() error        { return e.err }
func (e *unavailableError) Is(target error) bool { return target == order.ErrUnavailable }

// classify marks contention, timeouts and connection failures as
// order.ErrUnavailable. Business errors pass through untouched.
func classify(err error) error {
	if err == nil || errors.Is(err, order.ErrUnavailable) {
		return err
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case codeSerializationFailure, codeDeadlockDetected, codeLockNotAvailable,
			codeQueryCanceled, codeAdminShutdown, codeCannotConnectNow:
			return &unavailableError{err: err}
		}
		return err
	}

	var connErr *pgconn.ConnectError
	switch {
	case errors.As(err, &connErr),
		errors.Is(err, context.DeadlineExceeded),
		pgconn.Timeout(err),
		pgconn.SafeToRetry(err):
		return &unavailableError{err: err}
	}
	return err
}
