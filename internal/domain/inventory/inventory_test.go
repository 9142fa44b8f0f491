package inventory

import (
	"context"
	"testing"

	"github.com/go-faster/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Mock implementations ---

type mockLedger struct {
	available  map[Key]int
	reserveErr error
	released   []Reservation
}

func (m *mockLedger) Reserve(_ context.Context, key Key, qty int) (Reservation, error) {
	if m.reserveErr != nil {
		return Reservation{}, m.reserveErr
	}
	avail := m.available[key]
	if avail < qty {
		return Reservation{}, &ShortageError{Key: key, Requested: qty, Available: avail}
	}
	m.available[key] = avail - qty
	return Reservation{Key: key, Quantity: qty}, nil
}

func (m *mockLedger) Release(_ context.Context, r Reservation) error {
	m.available[r.Key] += r.Quantity
	m.released = append(m.released, r)
	return nil
}

// --- Tests ---

func TestMerge(t *testing.T) {
	a := Key{ProductID: "p1"}
	b := Key{ProductID: "p1", VariationID: "v1"}

	got := Merge([]Demand{
		{Key: a, Quantity: 1},
		{Key: b, Quantity: 2},
		{Key: a, Quantity: 3},
	})

	require.Len(t, got, 2)
	assert.Equal(t, Demand{Key: a, Quantity: 4}, got[0])
	assert.Equal(t, Demand{Key: b, Quantity: 2}, got[1])
}

func TestReserveAll(t *testing.T) {
	p1 := Key{ProductID: "p1"}
	p2 := Key{ProductID: "p2"}
	p3 := Key{ProductID: "p3"}

	tests := []struct {
		name          string
		available     map[Key]int
		demands       []Demand
		wantReserved  int
		wantShortages []Key
	}{
		{
			name:         "all lines covered",
			available:    map[Key]int{p1: 5, p2: 1},
			demands:      []Demand{{Key: p1, Quantity: 2}, {Key: p2, Quantity: 1}},
			wantReserved: 2,
		},
		{
			name:          "every short line is named",
			available:     map[Key]int{p1: 5, p2: 0},
			demands:       []Demand{{Key: p2, Quantity: 1}, {Key: p1, Quantity: 2}, {Key: p3, Quantity: 1}},
			wantReserved:  1,
			wantShortages: []Key{p2, p3},
		},
		{
			name:          "duplicate lines are merged before reserving",
			available:     map[Key]int{p1: 3},
			demands:       []Demand{{Key: p1, Quantity: 2}, {Key: p1, Quantity: 2}},
			wantShortages: []Key{p1},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := &mockLedger{available: tt.available}

			reserved, err := ReserveAll(context.Background(), l, tt.demands)
			assert.Len(t, reserved, tt.wantReserved)

			if len(tt.wantShortages) == 0 {
				require.NoError(t, err)
				return
			}

			require.ErrorIs(t, err, ErrInsufficientStock)
			var ise *InsufficientStockError
			require.ErrorAs(t, err, &ise)
			keys := make([]Key, len(ise.Shortages))
			for i, s := range ise.Shortages {
				keys[i] = s.Key
			}
			assert.Equal(t, tt.wantShortages, keys)
		})
	}
}

func TestReserveAll_InfrastructureError(t *testing.T) {
	l := &mockLedger{available: map[Key]int{}, reserveErr: errors.New("connection reset")}

	_, err := ReserveAll(context.Background(), l, []Demand{{Key: Key{ProductID: "p1"}, Quantity: 1}})

	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrInsufficientStock)
}

func TestReleaseAll(t *testing.T) {
	p1 := Key{ProductID: "p1"}
	l := &mockLedger{available: map[Key]int{p1: 1}}

	err := ReleaseAll(context.Background(), l, []Reservation{{Key: p1, Quantity: 2}})
	require.NoError(t, err)

	assert.Equal(t, 3, l.available[p1])
	assert.Len(t, l.released, 1)
}

func TestInsufficientStockError_Message(t *testing.T) {
	err := &InsufficientStockError{Shortages: []ShortageError{
		{Key: Key{ProductID: "p1"}, Requested: 2, Available: 1},
		{Key: Key{ProductID: "p2", VariationID: "red"}, Requested: 1},
	}}

	assert.Equal(t, "insufficient stock for p1, p2/red", err.Error())
}
