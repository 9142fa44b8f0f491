package health

import (
	"context"
	"runtime"

	"github.com/go-faster/errors"
)

// GoroutineCountCheck fails when the process runs more goroutines than
// threshold, which usually means a leak.
func GoroutineCountCheck(threshold int) CheckFunc {
	return func(_ context.Context) error {
		if n := runtime.NumGoroutine(); n > threshold {
			return errors.Errorf("goroutine count %d exceeds threshold %d", n, threshold)
		}
		return nil
	}
}

// Pinger is implemented by *pgxpool.Pool.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingCheck wraps a Ping call.
func PingCheck(name string, p Pinger) CheckFunc {
	return func(ctx context.Context) error {
		if err := p.Ping(ctx); err != nil {
			return errors.Wrapf(err, "ping %s", name)
		}
		return nil
	}
}

// DropCounterCheck fails while counter grows by more than maxGrowth between
// two runs. It turns the audit dispatcher's drop count into a signal that
// the sink cannot keep up.
func DropCounterCheck(counter func() int64, maxGrowth int64) CheckFunc {
	var last int64
	first := true
	return func(_ context.Context) error {
		cur := counter()
		prev := last
		last = cur
		if first {
			first = false
			return nil
		}
		if growth := cur - prev; growth > maxGrowth {
			return errors.Errorf("%d records dropped since last check", growth)
		}
		return nil
	}
}
