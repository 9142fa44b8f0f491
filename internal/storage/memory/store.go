// Package memory implements the checkout store in process memory.
//
// Transactions are serialized through a single slot and run against a deep
// copy of the state that replaces the live state only on commit. It is meant
// for a single instance: development, demos and tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/kart-checkout/internal/domain/cart"
	"github.com/xenking/kart-checkout/internal/domain/coupon"
	"github.com/xenking/kart-checkout/internal/domain/inventory"
	"github.com/xenking/kart-checkout/internal/domain/order"
	"github.com/xenking/kart-checkout/internal/domain/product"
)

var (
	_ order.Store     = (*Store)(nil)
	_ product.Catalog = (*Store)(nil)
)

// DefaultTxTimeout bounds every transaction, including the wait for the slot.
const DefaultTxTimeout = 5 * time.Second

type state struct {
	listings    map[inventory.Key]product.Listing
	stock       map[inventory.Key]int
	coupons     map[string]coupon.Rule
	redemptions []coupon.Redemption
	carts       map[string]cart.Cart
	orders      map[string]*order.Order
	sequences   map[string]int
}

func newState() *state {
	return &state{
		listings:  make(map[inventory.Key]product.Listing),
		stock:     make(map[inventory.Key]int),
		coupons:   make(map[string]coupon.Rule),
		carts:     make(map[string]cart.Cart),
		orders:    make(map[string]*order.Order),
		sequences: make(map[string]int),
	}
}

func (s *state) clone() *state {
	c := &state{
		listings:    make(map[inventory.Key]product.Listing, len(s.listings)),
		stock:       make(map[inventory.Key]int, len(s.stock)),
		coupons:     make(map[string]coupon.Rule, len(s.coupons)),
		redemptions: append([]coupon.Redemption(nil), s.redemptions...),
		carts:       make(map[string]cart.Cart, len(s.carts)),
		orders:      make(map[string]*order.Order, len(s.orders)),
		sequences:   make(map[string]int, len(s.sequences)),
	}
	for k, v := range s.listings {
		c.listings[k] = v
	}
	for k, v := range s.stock {
		c.stock[k] = v
	}
	for k, v := range s.coupons {
		c.coupons[k] = v
	}
	for k, v := range s.carts {
		v.Lines = append([]cart.Line(nil), v.Lines...)
		c.carts[k] = v
	}
	for k, v := range s.orders {
		c.orders[k] = cloneOrder(v)
	}
	for k, v := range s.sequences {
		c.sequences[k] = v
	}
	return c
}

// Store is an in-memory order.Store and product.Catalog.
type Store struct {
	slot      chan struct{}
	mu        sync.RWMutex
	st        *state
	txTimeout time.Duration
}

// Option configures a Store.
type Option func(*Store)

// WithTxTimeout overrides DefaultTxTimeout.
func WithTxTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.txTimeout = d
		}
	}
}

// New creates an empty Store.
func New(opts ...Option) *Store {
	s := &Store{
		slot:      make(chan struct{}, 1),
		st:        newState(),
		txTimeout: DefaultTxTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// InTx runs fn against a private copy of the state and publishes the copy
// only when fn succeeds and ctx is still live.
func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx order.Tx) error) error {
	ctx, cancel := context.WithTimeout(ctx, s.txTimeout)
	defer cancel()

	select {
	case s.slot <- struct{}{}:
	case <-ctx.Done():
		return ctxError(ctx)
	}
	defer func() { <-s.slot }()

	s.mu.RLock()
	work := s.st.clone()
	s.mu.RUnlock()

	if err := fn(ctx, &tx{st: work}); err != nil {
		return err
	}
	if ctx.Err() != nil {
		return ctxError(ctx)
	}

	s.mu.Lock()
	s.st = work
	s.mu.Unlock()
	return nil
}

func ctxError(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return errors.Wrap(order.ErrUnavailable, "transaction timed out")
	}
	return ctx.Err()
}

// Get returns a copy of the order.
func (s *Store) Get(_ context.Context, id string) (*order.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.st.orders[id]
	if !ok {
		return nil, order.ErrNotFound
	}
	return cloneOrder(o), nil
}

// Stats aggregates the user's orders.
func (s *Store) Stats(_ context.Context, userID string) (*order.Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := &order.Stats{TotalSpent: decimal.Zero, ByStatus: make(map[order.Status]int)}
	for _, o := range s.st.orders {
		if o.UserID != userID {
			continue
		}
		st.TotalOrders++
		st.ByStatus[o.Status]++
		if o.Status != order.StatusCancelled && o.Status != order.StatusRefunded {
			st.TotalSpent = st.TotalSpent.Add(o.Total)
		}
	}
	return st, nil
}

// Lookup implements product.Catalog.
func (s *Store) Lookup(_ context.Context, keys []inventory.Key) ([]product.Listing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]product.Listing, 0, len(keys))
	seen := make(map[inventory.Key]struct{}, len(keys))
	for _, k := range keys {
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		if l, ok := s.st.listings[k]; ok {
			out = append(out, l)
		}
	}
	return out, nil
}

// mutate applies fn to the live state. It takes the transaction slot first
// so a write cannot land between a transaction's clone and its commit and
// then be overwritten by it.
func (s *Store) mutate(fn func(st *state)) {
	s.slot <- struct{}{}
	defer func() { <-s.slot }()

	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.st)
}

// PutListing adds or replaces a catalog listing and sets its stock.
func (s *Store) PutListing(l product.Listing, stock int) {
	s.mutate(func(st *state) {
		st.listings[l.Key()] = l
		st.stock[l.Key()] = stock
	})
}

// Stock returns the available quantity for key.
func (s *Store) Stock(key inventory.Key) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.stock[key]
}

// PutCoupon adds or replaces a coupon rule. The code is normalized.
func (s *Store) PutCoupon(r coupon.Rule) {
	r.Code = coupon.NormalizeCode(r.Code)
	s.mutate(func(st *state) { st.coupons[r.Code] = r })
}

// Coupon returns the stored rule for code.
func (s *Store) Coupon(code string) (coupon.Rule, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.st.coupons[coupon.NormalizeCode(code)]
	return r, ok
}

// PutCart adds or replaces a cart.
func (s *Store) PutCart(c cart.Cart) {
	c.Lines = append([]cart.Line(nil), c.Lines...)
	s.mutate(func(st *state) { st.carts[c.ID] = c })
}

// Cart returns a copy of the cart.
func (s *Store) Cart(id string) (cart.Cart, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.st.carts[id]
	c.Lines = append([]cart.Line(nil), c.Lines...)
	return c, ok
}

// Orders returns copies of all orders sorted by creation time.
func (s *Store) Orders() []*order.Order {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*order.Order, 0, len(s.st.orders))
	for _, o := range s.st.orders {
		out = append(out, cloneOrder(o))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func cloneOrder(o *order.Order) *order.Order {
	c := *o
	c.Items = append([]order.Item(nil), o.Items...)
	c.ConfirmedAt = cloneTime(o.ConfirmedAt)
	c.ShippedAt = cloneTime(o.ShippedAt)
	c.DeliveredAt = cloneTime(o.DeliveredAt)
	c.CancelledAt = cloneTime(o.CancelledAt)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
