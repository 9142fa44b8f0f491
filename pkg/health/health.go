// Package health serves liveness and readiness probes.
//
// Every check runs in its own goroutine on a fixed interval. A check flips to
// unhealthy after FailureThreshold consecutive failures and back after one
// success, so a single slow ping does not take the pod out of rotation.
// Optional checks are reported but never fail a probe.
package health

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-faster/jx"
)

// CheckFunc returns nil when the checked component is healthy.
type CheckFunc func(ctx context.Context) error

// Kind selects the probe a check belongs to.
type Kind int

const (
	Liveness Kind = iota
	Readiness
)

// Option tunes a registered check.
type Option func(*check)

// Optional reports the check without letting it fail the probe. Used for
// dependencies the service degrades around, like the idempotency cache.
func Optional() Option {
	return func(c *check) { c.optional = true }
}

// FailureThreshold sets how many consecutive failures mark the check
// unhealthy. Defaults to 3.
func FailureThreshold(n int) Option {
	return func(c *check) {
		if n > 0 {
			c.failureThreshold = n
		}
	}
}

type result struct {
	healthy   bool
	err       string
	checkedAt time.Time
	latency   time.Duration
}

type check struct {
	name             string
	kind             Kind
	timeout          time.Duration
	fn               CheckFunc
	optional         bool
	failureThreshold int

	// fails is owned by the check goroutine.
	fails int

	mu   sync.RWMutex
	last result
}

func (c *check) run(ctx context.Context, now func() time.Time) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := now()
	err := c.fn(ctx)
	latency := now().Sub(start)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.last.checkedAt = start
	c.last.latency = latency
	if err != nil {
		c.fails++
		c.last.err = err.Error()
		if c.fails >= c.failureThreshold {
			c.last.healthy = false
		}
		return
	}
	c.fails = 0
	c.last.err = ""
	c.last.healthy = true
}

func (c *check) snapshot() result {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.last
}

// Health holds the registered checks and the manual readiness switch.
type Health struct {
	ready  atomic.Bool
	now    func() time.Time
	mu     sync.RWMutex
	checks []*check
	cancel context.CancelFunc
}

// New creates a Health that starts not ready. Call SetReady(true) once
// initialization is done.
func New() *Health {
	return &Health{now: time.Now}
}

// Add registers a check. Checks start healthy until proven otherwise.
func (h *Health) Add(kind Kind, name string, timeout time.Duration, fn CheckFunc, opts ...Option) {
	c := &check{
		name:             name,
		kind:             kind,
		timeout:          timeout,
		fn:               fn,
		failureThreshold: 3,
	}
	for _, o := range opts {
		o(c)
	}
	c.last.healthy = true

	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks = append(h.checks, c)
}

// Start runs every registered check now and then every interval until Stop
// or ctx cancellation.
func (h *Health) Start(ctx context.Context, interval time.Duration) {
	ctx, cancel := context.WithCancel(ctx)

	h.mu.Lock()
	h.cancel = cancel
	checks := append([]*check(nil), h.checks...)
	h.mu.Unlock()

	for _, c := range checks {
		go func(c *check) {
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				c.run(ctx, h.now)
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
				}
			}
		}(c)
	}
}

// Stop cancels the check goroutines. Safe to call more than once.
func (h *Health) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancel != nil {
		h.cancel()
		h.cancel = nil
	}
}

// SetReady flips the manual readiness switch. It is cleared first thing on
// shutdown so the load balancer drains the pod.
func (h *Health) SetReady(ready bool) {
	h.ready.Store(ready)
}

// IsReady reports whether the switch is on and every required readiness
// check passes.
func (h *Health) IsReady() bool {
	if !h.ready.Load() {
		return false
	}
	ok, _ := h.evaluate(Readiness)
	return ok
}

type report struct {
	name     string
	optional bool
	result
}

func (h *Health) evaluate(kind Kind) (bool, []report) {
	h.mu.RLock()
	checks := append([]*check(nil), h.checks...)
	h.mu.RUnlock()

	ok := true
	var reports []report
	for _, c := range checks {
		if c.kind != kind {
			continue
		}
		r := c.snapshot()
		if !r.healthy && !c.optional {
			ok = false
		}
		reports = append(reports, report{name: c.name, optional: c.optional, result: r})
	}
	sort.Slice(reports, func(i, j int) bool { return reports[i].name < reports[j].name })
	return ok, reports
}

// LiveEndpoint serves /livez.
func (h *Health) LiveEndpoint(w http.ResponseWriter, _ *http.Request) {
	ok, reports := h.evaluate(Liveness)
	writeReport(w, ok, "", reports)
}

// ReadyEndpoint serves /readyz.
func (h *Health) ReadyEndpoint(w http.ResponseWriter, _ *http.Request) {
	ok, reports := h.evaluate(Readiness)
	reason := ""
	if !h.ready.Load() {
		ok = false
		reason = "service is not ready"
	}
	writeReport(w, ok, reason, reports)
}

func writeReport(w http.ResponseWriter, ok bool, reason string, reports []report) {
	status, code := "ok", http.StatusOK
	if !ok {
		status, code = "unhealthy", http.StatusServiceUnavailable
	}

	var e jx.Encoder
	e.Obj(func(e *jx.Encoder) {
		e.Field("status", func(e *jx.Encoder) { e.Str(status) })
		if reason != "" {
			e.Field("reason", func(e *jx.Encoder) { e.Str(reason) })
		}
		if len(reports) == 0 {
			return
		}
		e.Field("checks", func(e *jx.Encoder) {
			e.Obj(func(e *jx.Encoder) {
				for _, r := range reports {
					e.Field(r.name, func(e *jx.Encoder) { encodeReport(e, r) })
				}
			})
		})
	})

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(e.Bytes())
}

func encodeReport(e *jx.Encoder, r report) {
	e.Obj(func(e *jx.Encoder) {
		state := "ok"
		if !r.healthy {
			state = "failing"
		}
		e.Field("status", func(e *jx.Encoder) { e.Str(state) })
		if r.optional {
			e.Field("optional", func(e *jx.Encoder) { e.Bool(true) })
		}
		if r.err != "" {
			e.Field("error", func(e *jx.Encoder) { e.Str(r.err) })
		}
		if !r.checkedAt.IsZero() {
			e.Field("checked_at", func(e *jx.Encoder) { e.Str(r.checkedAt.UTC().Format(time.RFC3339)) })
			e.Field("latency_ms", func(e *jx.Encoder) { e.Int64(r.latency.Milliseconds()) })
		}
	})
}
