// Package inventory defines the stock ledger contract used by checkout.
//
// Available quantity is owned by the ledger and changes only through Reserve
// and Release. Implementations must make the read and the decrement of a
// single stock row indivisible with respect to concurrent reservations.
package inventory

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-faster/errors"
)

// ErrInsufficientStock is matched by both ShortageError and InsufficientStockError.
var ErrInsufficientStock = errors.New("insufficient stock")

// Key identifies a stock row. VariationID is empty for simple products.
type Key struct {
	ProductID   string
	VariationID string
}

func (k Key) String() string {
	if k.VariationID == "" {
		return k.ProductID
	}
	return k.ProductID + "/" + k.VariationID
}

// Reservation is a committed decrement of available stock.
type Reservation struct {
	Key      Key
	Quantity int
}

// Ledger reserves and releases stock for a single row at a time.
type Ledger interface {
	// Reserve decrements available stock by qty or fails with *ShortageError
	// leaving the row untouched.
	Reserve(ctx context.Context, key Key, qty int) (Reservation, error)
	// Release returns a previously reserved quantity to the pool.
	Release(ctx context.Context, r Reservation) error
}

// ShortageError reports a single row that could not cover the requested quantity.
type ShortageError struct {
	Key       Key
	Requested int
	Available int
}

func (e *ShortageError) Error() string {
	return fmt.Sprintf("insufficient stock for %s: requested %d, available %d", e.Key, e.Requested, e.Available)
}

func (e *ShortageError) Is(target error) bool {
	return target == ErrInsufficientStock
}

// InsufficientStockError names every line of a checkout that failed to reserve.
type InsufficientStockError struct {
	Shortages []ShortageError
}

func (e *InsufficientStockError) Error() string {
	keys := make([]string, len(e.Shortages))
	for i, s := range e.Shortages {
		keys[i] = s.Key.String()
	}
	return fmt.Sprintf("insufficient stock for %s", strings.Join(keys, ", "))
}

func (e *InsufficientStockError) Is(target error) bool {
	return target == ErrInsufficientStock
}

// Demand is a requested quantity for one stock row.
type Demand struct {
	Key      Key
	Quantity int
}

// Merge folds demands for the same row into one entry, preserving first-seen
// order. Reserving merged demands makes a cart with the same product on two
// lines fail as a whole instead of succeeding on the first line only.
func Merge(demands []Demand) []Demand {
	idx := make(map[Key]int, len(demands))
	out := make([]Demand, 0, len(demands))
	for _, d := range demands {
		if i, ok := idx[d.Key]; ok {
			out[i].Quantity += d.Quantity
			continue
		}
		idx[d.Key] = len(out)
		out = append(out, d)
	}
	return out
}

// ReserveAll attempts every demand and collects all shortages. It returns
// *InsufficientStockError when at least one demand could not be covered. The
// reservations that did succeed are returned as well so callers without a
// transactional rollback can release them.
func ReserveAll(ctx context.Context, l Ledger, demands []Demand) ([]Reservation, error) {
	var (
		reserved  = make([]Reservation, 0, len(demands))
		shortages []ShortageError
	)
	for _, d := range Merge(demands) {
		r, err := l.Reserve(ctx, d.Key, d.Quantity)
		if err != nil {
			var se *ShortageError
			if errors.As(err, &se) {
				shortages = append(shortages, *se)
				continue
			}
			return reserved, errors.Wrapf(err, "reserve %s", d.Key)
		}
		reserved = append(reserved, r)
	}
	if len(shortages) > 0 {
		return reserved, &InsufficientStockError{Shortages: shortages}
	}
	return reserved, nil
}

// ReleaseAll releases every reservation, stopping at the first failure.
func ReleaseAll(ctx context.Context, l Ledger, rs []Reservation) error {
	for _, r := range rs {
		if err := l.Release(ctx, r); err != nil {
			return errors.Wrapf(err, "release %s", r.Key)
		}
	}
	return nil
}
