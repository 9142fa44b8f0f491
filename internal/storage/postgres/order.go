package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/xenking/kart-checkout/internal/domain/order"
)

const (
	orderColumns = `id, order_number, user_id, cart_id,
		shipping_first_name, shipping_last_name, shipping_email, shipping_phone,
		shipping_address1, shipping_address2, shipping_city, shipping_postal_code, shipping_country,
		payment_method, coupon_code, subtotal, discount_amount, shipping_cost, tax_amount, total,
		status, notes, tracking_number, payment_reference,
		created_at, updated_at, confirmed_at, shipped_at, delivered_at, cancelled_at`

	createOrderSQL = `INSERT INTO orders (` + orderColumns + `) VALUES (
		$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15,
		$16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26, $27, $28, $29, $30)`

	getOrderSQL          = `SELECT ` + orderColumns + ` FROM orders WHERE id = $1`
	getOrderForUpdateSQL = getOrderSQL + ` FOR UPDATE`

	orderItemsSQL = `SELECT product_id, variation_id, product_name, sku, quantity, unit_price, subtotal
		FROM order_items WHERE order_id = $1 ORDER BY line`

	updateOrderStatusSQL = `UPDATE orders SET status = $2, updated_at = $3,
		confirmed_at = $4, shipped_at = $5, delivered_at = $6, cancelled_at = $7,
		tracking_number = $8, payment_reference = $9
		WHERE id = $1`

	nextOrderNumberSQL = `INSERT INTO order_sequences (day, last_value) VALUES ($1::date, 1)
		ON CONFLICT (day) DO UPDATE SET last_value = order_sequences.last_value + 1
		RETURNING last_value`

	orderStatsSQL = `SELECT status, count(*), COALESCE(sum(total), 0)
		FROM orders WHERE user_id = $1 GROUP BY status`
)

var _ order.Repository = (*OrderRepository)(nil)

// OrderRepository implements order.Repository backed by PostgreSQL.
type OrderRepository struct {
	q querier
}

// NextNumber increments and returns the order sequence of day.
func (r *OrderRepository) NextNumber(ctx context.Context, day time.Time) (int, error) {
	var n int
	if err := r.q.QueryRow(ctx, nextOrderNumberSQL, day.Format(time.DateOnly)).Scan(&n); err != nil {
		return 0, fmt.Errorf("next order number: %w", err)
	}
	return n, nil
}

// Create persists the order and its items.
func (r *OrderRepository) Create(ctx context.Context, o *order.Order) error {
	sh := o.Shipping
	_, err := r.q.Exec(ctx, createOrderSQL,
		o.ID, o.Number, o.UserID, o.CartID,
		sh.FirstName, sh.LastName, sh.Email, sh.Phone,
		sh.AddressLine1, sh.AddressLine2, sh.City, sh.PostalCode, sh.Country,
		string(o.PaymentMethod), o.CouponCode, o.Subtotal, o.Discount, o.ShippingCost, o.Tax, o.Total,
		string(o.Status), o.Notes, o.TrackingNumber, o.PaymentReference,
		o.CreatedAt, o.UpdatedAt, o.ConfirmedAt, o.ShippedAt, o.DeliveredAt, o.CancelledAt,
	)
	if err != nil {
		return fmt.Errorf("creating order %q: %w", o.ID, err)
	}

	_, err = r.q.CopyFrom(ctx,
		pgx.Identifier{"order_items"},
		[]string{"order_id", "line", "product_id", "variation_id", "product_name", "sku", "quantity", "unit_price", "subtotal"},
		pgx.CopyFromSlice(len(o.Items), func(i int) ([]any, error) {
			it := o.Items[i]
			return []any{o.ID, i, it.ProductID, it.VariationID, it.ProductName, it.SKU, it.Quantity, it.UnitPrice, it.Subtotal}, nil
		}),
	)
	if err != nil {
		return fmt.Errorf("creating items of order %q: %w", o.ID, err)
	}
	return nil
}

// GetForUpdate locks the order row for a status change.
func (r *OrderRepository) GetForUpdate(ctx context.Context, id string) (*order.Order, error) {
	return getOrder(ctx, r.q, id, true)
}

// UpdateStatus writes the mutable lifecycle columns.
func (r *OrderRepository) UpdateStatus(ctx context.Context, o *order.Order) error {
	tag, err := r.q.Exec(ctx, updateOrderStatusSQL,
		o.ID, string(o.Status), o.UpdatedAt,
		o.ConfirmedAt, o.ShippedAt, o.DeliveredAt, o.CancelledAt,
		o.TrackingNumber, o.PaymentReference,
	)
	if err != nil {
		return fmt.Errorf("updating order %q: %w", o.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return order.ErrNotFound
	}
	return nil
}

func getOrder(ctx context.Context, q querier, id string, lock bool) (*order.Order, error) {
	sql := getOrderSQL
	if lock {
		sql = getOrderForUpdateSQL
	}

	rows, err := q.Query(ctx, sql, id)
	if err != nil {
		return nil, fmt.Errorf("getting order %q: %w", id, err)
	}
	o, err := pgx.CollectExactlyOneRow(rows, scanOrder)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, order.ErrNotFound
		}
		return nil, fmt.Errorf("getting order %q: %w", id, err)
	}

	rows, err = q.Query(ctx, orderItemsSQL, id)
	if err != nil {
		return nil, fmt.Errorf("getting items of order %q: %w", id, err)
	}
	o.Items, err = pgx.CollectRows(rows, scanOrderItem)
	if err != nil {
		return nil, fmt.Errorf("getting items of order %q: %w", id, err)
	}
	return &o, nil
}

func orderStats(ctx context.Context, q querier, userID string) (*order.Stats, error) {
	rows, err := q.Query(ctx, orderStatsSQL, userID)
	if err != nil {
		return nil, fmt.Errorf("order stats of %q: %w", userID, err)
	}
	defer rows.Close()

	st := &order.Stats{TotalSpent: decimal.Zero, ByStatus: make(map[order.Status]int)}
	for rows.Next() {
		var (
			status string
			count  int
			sum    decimal.Decimal
		)
		if err := rows.Scan(&status, &count, &sum); err != nil {
			return nil, fmt.Errorf("scanning order stats: %w", err)
		}
		s := order.Status(status)
		st.ByStatus[s] = count
		st.TotalOrders += count
		if s != order.StatusCancelled && s != order.StatusRefunded {
			st.TotalSpent = st.TotalSpent.Add(sum)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("order stats of %q: %w", userID, err)
	}
	return st, nil
}

func scanOrder(row pgx.CollectableRow) (order.Order, error) {
	var (
		o             order.Order
		paymentMethod string
		status        string
	)
	sh := &o.Shipping
	err := row.Scan(
		&o.ID, &o.Number, &o.UserID, &o.CartID,
		&sh.FirstName, &sh.LastName, &sh.Email, &sh.Phone,
		&sh.AddressLine1, &sh.AddressLine2, &sh.City, &sh.PostalCode, &sh.Country,
		&paymentMethod, &o.CouponCode, &o.Subtotal, &o.Discount, &o.ShippingCost, &o.Tax, &o.Total,
		&status, &o.Notes, &o.TrackingNumber, &o.PaymentReference,
		&o.CreatedAt, &o.UpdatedAt, &o.ConfirmedAt, &o.ShippedAt, &o.DeliveredAt, &o.CancelledAt,
	)
	o.PaymentMethod = order.PaymentMethod(paymentMethod)
	o.Status = order.Status(status)
	return o, err
}

func scanOrderItem(row pgx.CollectableRow) (order.Item, error) {
	var it order.Item
	err := row.Scan(&it.ProductID, &it.VariationID, &it.ProductName, &it.SKU, &it.Quantity, &it.UnitPrice, &it.Subtotal)
	return it, err
}
