package postgres

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"

	"github.com/xenking/kart-checkout/internal/domain/inventory"
)

const (
	// The guard in WHERE makes the decrement a compare-and-set on the row
	// lock, so two transactions can never both take the last unit.
	reserveStockSQL = `UPDATE inventory SET quantity = quantity - $3, updated_at = now()
		WHERE product_id = $1 AND variation_id = $2 AND quantity >= $3
		RETURNING quantity`

	availableStockSQL = `SELECT quantity FROM inventory WHERE product_id = $1 AND variation_id = $2`

	releaseStockSQL = `INSERT INTO inventory (product_id, variation_id, quantity) VALUES ($1, $2, $3)
		ON CONFLICT (product_id, variation_id)
		DO UPDATE SET quantity = inventory.quantity + EXCLUDED.quantity, updated_at = now()`

	setStockSQL = `INSERT INTO inventory (product_id, variation_id, quantity) VALUES ($1, $2, $3)
		ON CONFLICT (product_id, variation_id)
		DO UPDATE SET quantity = EXCLUDED.quantity, updated_at = now()`
)

var _ inventory.Ledger = (*InventoryLedger)(nil)

// InventoryLedger implements inventory.Ledger on the inventory table.
type InventoryLedger struct {
	q querier
}

// Reserve atomically decrements stock or reports the shortfall.
func (l *InventoryLedger) Reserve(ctx context.Context, key inventory.Key, qty int) (inventory.Reservation, error) {
	if qty <= 0 {
		return inventory.Reservation{}, &inventory.ShortageError{Key: key, Requested: qty}
	}

	var left int
	err := l.q.QueryRow(ctx, reserveStockSQL, key.ProductID, key.VariationID, qty).Scan(&left)
	if err == nil {
		return inventory.Reservation{Key: key, Quantity: qty}, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return inventory.Reservation{}, fmt.Errorf("reserving %s: %w", key, err)
	}

	var available int
	err = l.q.QueryRow(ctx, availableStockSQL, key.ProductID, key.VariationID).Scan(&available)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return inventory.Reservation{}, fmt.Errorf("reading stock of %s: %w", key, err)
	}
	return inventory.Reservation{}, &inventory.ShortageError{Key: key, Requested: qty, Available: available}
}

// Release returns reserved units to stock.
func (l *InventoryLedger) Release(ctx context.Context, r inventory.Reservation) error {
	if _, err := l.q.Exec(ctx, releaseStockSQL, r.Key.ProductID, r.Key.VariationID, r.Quantity); err != nil {
		return fmt.Errorf("releasing %s: %w", r.Key, err)
	}
	return nil
}

// SetStock overwrites the available quantity of key.
func (l *InventoryLedger) SetStock(ctx context.Context, key inventory.Key, qty int) error {
	if _, err := l.q.Exec(ctx, setStockSQL, key.ProductID, key.VariationID, qty); err != nil {
		return fmt.Errorf("setting stock of %s: %w", key, err)
	}
	return nil
}

// Available returns the quantity on hand, 0 for unknown keys.
func (l *InventoryLedger) Available(ctx context.Context, key inventory.Key) (int, error) {
	var n int
	err := l.q.QueryRow(ctx, availableStockSQL, key.ProductID, key.VariationID).Scan(&n)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("reading stock of %s: %w", key, err)
	}
	return n, nil
}
