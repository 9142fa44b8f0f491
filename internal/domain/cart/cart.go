// Package cart exposes the read side of shopping carts that checkout consumes.
// Cart contents are owned by the cart service; checkout only snapshots lines
// and marks a cart converted.
package cart

import (
	"context"
	"time"

	"github.com/go-faster/errors"
)

// ErrNotFound is returned when the cart does not exist.
var ErrNotFound = errors.New("cart not found")

// Line is one cart entry.
type Line struct {
	ProductID   string
	VariationID string
	Quantity    int
}

// Cart is a snapshot of a user's cart.
type Cart struct {
	ID          string
	UserID      string
	Lines       []Line
	ConvertedAt *time.Time
}

// Reader is the cart collaborator as seen from inside a checkout transaction.
type Reader interface {
	// ReadLines returns the cart and its lines, locking the cart until the
	// transaction ends.
	ReadLines(ctx context.Context, cartID string) (*Cart, error)
	// MarkConverted empties the cart and stamps it converted. A converted
	// cart reads back with no lines until new items are added.
	MarkConverted(ctx context.Context, cartID string, at time.Time) error
}
