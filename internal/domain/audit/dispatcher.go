package audit

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Dispatcher queues records in a bounded buffer and writes them to a Sink
// from a single background goroutine. When the buffer is full new records
// are dropped and counted.
type Dispatcher struct {
	sink    Sink
	lg      *zap.Logger
	queue   chan Record
	timeout time.Duration

	dropped atomic.Int64
	closed  atomic.Bool
	done    chan struct{}
}

// NewDispatcher creates a Dispatcher with the given buffer size. Call Run to
// start delivery.
func NewDispatcher(sink Sink, lg *zap.Logger, buffer int) *Dispatcher {
	if buffer <= 0 {
		buffer = 1
	}
	return &Dispatcher{
		sink:    sink,
		lg:      lg,
		queue:   make(chan Record, buffer),
		timeout: 5 * time.Second,
		done:    make(chan struct{}),
	}
}

// Record enqueues records. It never blocks.
func (d *Dispatcher) Record(_ context.Context, records ...Record) {
	if d.closed.Load() {
		d.dropped.Add(int64(len(records)))
		return
	}
	for _, r := range records {
		if r.At.IsZero() {
			r.At = time.Now()
		}
		select {
		case d.queue <- r:
		default:
			if n := d.dropped.Add(1); n == 1 || n%100 == 0 {
				d.lg.Warn("Audit buffer full, dropping record",
					zap.String("action", string(r.Action)),
					zap.String("order_id", r.OrderID),
					zap.Int64("dropped_total", n),
				)
			}
		}
	}
}

// Dropped returns how many records were discarded so far.
func (d *Dispatcher) Dropped() int64 {
	return d.dropped.Load()
}

// Run delivers queued records until ctx is cancelled, then drains what is
// left with a fresh deadline.
func (d *Dispatcher) Run(ctx context.Context) {
	defer close(d.done)
	for {
		select {
		case r := <-d.queue:
			d.write(ctx, r)
		case <-ctx.Done():
			d.drain()
			return
		}
	}
}

// Wait blocks until Run has returned. Cancel Run's context first.
func (d *Dispatcher) Wait() {
	<-d.done
}

func (d *Dispatcher) drain() {
	d.closed.Store(true)
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()
	for {
		select {
		case r := <-d.queue:
			d.write(ctx, r)
		default:
			return
		}
	}
}

func (d *Dispatcher) write(ctx context.Context, r Record) {
	wctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	if err := d.sink.Write(wctx, r); err != nil {
		d.lg.Warn("Audit write failed",
			zap.String("action", string(r.Action)),
			zap.String("order_id", r.OrderID),
			zap.Error(err),
		)
	}
}
