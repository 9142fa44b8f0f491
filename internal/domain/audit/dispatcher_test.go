package audit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type recordingSink struct {
	mu      sync.Mutex
	records []Record
	err     error
}

func (s *recordingSink) Write(_ context.Context, r Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, r)
	return s.err
}

func (s *recordingSink) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

func TestDispatcher_DeliversAndDrains(t *testing.T) {
	sink := &recordingSink{}
	d := NewDispatcher(sink, zaptest.NewLogger(t), 16)

	ctx, cancel := context.WithCancel(context.Background())
	go d.Run(ctx)

	d.Record(ctx,
		Record{Action: ActionStockReserved, OrderID: "o1"},
		Record{Action: ActionCouponRedeemed, OrderID: "o1"},
	)

	require.Eventually(t, func() bool { return sink.len() == 2 }, time.Second, 5*time.Millisecond)

	d.Record(ctx, Record{Action: ActionStatusChanged, OrderID: "o1"})
	cancel()
	d.Wait()

	assert.Equal(t, 3, sink.len())
	assert.False(t, sink.records[0].At.IsZero(), "timestamp filled in")
	assert.Zero(t, d.Dropped())
}

func TestDispatcher_DropsWhenFull(t *testing.T) {
	d := NewDispatcher(&recordingSink{}, zaptest.NewLogger(t), 1)

	d.Record(context.Background(),
		Record{Action: ActionStockReserved},
		Record{Action: ActionStockReserved},
		Record{Action: ActionStockReserved},
	)

	assert.Equal(t, int64(2), d.Dropped())
}

func TestDispatcher_SinkErrorDoesNotStop(t *testing.T) {
	sink := &recordingSink{err: errors.New("broker down")}
	d := NewDispatcher(sink, zaptest.NewLogger(t), 4)

	ctx, cancel := context.WithCancel(context.Background())
	go d.Run(ctx)

	d.Record(ctx, Record{Action: ActionStockReleased}, Record{Action: ActionStockReleased})
	require.Eventually(t, func() bool { return sink.len() == 2 }, time.Second, 5*time.Millisecond)

	cancel()
	d.Wait()
}

func TestDispatcher_RejectsAfterShutdown(t *testing.T) {
	d := NewDispatcher(&recordingSink{}, zaptest.NewLogger(t), 4)

	ctx, cancel := context.WithCancel(context.Background())
	go d.Run(ctx)
	cancel()
	d.Wait()

	d.Record(context.Background(), Record{Action: ActionStockReleased})
	assert.Equal(t, int64(1), d.Dropped())
}

func TestRecord_Encode(t *testing.T) {
	r := Record{
		Action:  ActionCouponRedeemed,
		OrderID: "o1",
		UserID:  "u1",
		At:      time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC),
		Details: map[string]string{"code": "SAVE10"},
	}

	var e jx.Encoder
	r.Encode(&e)

	got := map[string]string{}
	var details string
	err := jx.DecodeBytes(e.Bytes()).ObjBytes(func(d *jx.Decoder, key []byte) error {
		if string(key) == "details" {
			raw, err := d.Raw()
			details = raw.String()
			return err
		}
		v, err := d.Str()
		got[string(key)] = v
		return err
	})
	require.NoError(t, err)

	assert.Equal(t, "coupon_redeemed", got["action"])
	assert.Equal(t, "o1", got["order_id"])
	assert.Equal(t, "u1", got["user_id"])
	assert.Equal(t, "2025-01-02T03:04:05Z", got["at"])
	assert.JSONEq(t, `{"code":"SAVE10"}`, details)
}
