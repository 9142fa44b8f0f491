package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"

	"github.com/xenking/kart-checkout/internal/domain/cart"
)

const (
	lockCartSQL = `SELECT id, user_id, converted_at FROM carts WHERE id = $1 FOR UPDATE`

	cartLinesSQL = `SELECT product_id, variation_id, quantity FROM cart_items
		WHERE cart_id = $1 ORDER BY position`

	clearCartSQL = `DELETE FROM cart_items WHERE cart_id = $1`

	markCartConvertedSQL = `UPDATE carts SET converted_at = $2 WHERE id = $1`

	upsertCartSQL = `INSERT INTO carts (id, user_id) VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET user_id = EXCLUDED.user_id, converted_at = NULL`
)

var _ cart.Reader = (*CartRepository)(nil)

// CartRepository reads and converts carts.
type CartRepository struct {
	q querier
}

// ReadLines locks the cart row and returns it with its lines. The lock makes
// a concurrent conversion of the same cart wait and then see no lines.
func (r *CartRepository) ReadLines(ctx context.Context, cartID string) (*cart.Cart, error) {
	var c cart.Cart
	err := r.q.QueryRow(ctx, lockCartSQL, cartID).Scan(&c.ID, &c.UserID, &c.ConvertedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, cart.ErrNotFound
		}
		return nil, fmt.Errorf("locking cart %q: %w", cartID, err)
	}

	rows, err := r.q.Query(ctx, cartLinesSQL, cartID)
	if err != nil {
		return nil, fmt.Errorf("reading lines of cart %q: %w", cartID, err)
	}
	c.Lines, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (cart.Line, error) {
		var l cart.Line
		err := row.Scan(&l.ProductID, &l.VariationID, &l.Quantity)
		return l, err
	})
	if err != nil {
		return nil, fmt.Errorf("reading lines of cart %q: %w", cartID, err)
	}
	return &c, nil
}

// MarkConverted empties the cart and stamps the conversion time.
func (r *CartRepository) MarkConverted(ctx context.Context, cartID string, at time.Time) error {
	if _, err := r.q.Exec(ctx, clearCartSQL, cartID); err != nil {
		return fmt.Errorf("clearing cart %q: %w", cartID, err)
	}
	tag, err := r.q.Exec(ctx, markCartConvertedSQL, cartID, at)
	if err != nil {
		return fmt.Errorf("converting cart %q: %w", cartID, err)
	}
	if tag.RowsAffected() == 0 {
		return cart.ErrNotFound
	}
	return nil
}

// Put replaces the cart and its lines.
func (r *CartRepository) Put(ctx context.Context, c cart.Cart) error {
	if _, err := r.q.Exec(ctx, upsertCartSQL, c.ID, c.UserID); err != nil {
		return fmt.Errorf("upserting cart %q: %w", c.ID, err)
	}
	if _, err := r.q.Exec(ctx, clearCartSQL, c.ID); err != nil {
		return fmt.Errorf("clearing cart %q: %w", c.ID, err)
	}
	_, err := r.q.CopyFrom(ctx,
		pgx.Identifier{"cart_items"},
		[]string{"cart_id", "position", "product_id", "variation_id", "quantity"},
		pgx.CopyFromSlice(len(c.Lines), func(i int) ([]any, error) {
			l := c.Lines[i]
			return []any{c.ID, i, l.ProductID, l.VariationID, l.Quantity}, nil
		}),
	)
	if err != nil {
		return fmt.Errorf("writing lines of cart %q: %w", c.ID, err)
	}
	return nil
}
