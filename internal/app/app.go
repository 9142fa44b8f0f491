// Package app wires the checkout service together.
package app

import (
	"context"
	"net/http"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/app"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/kart-checkout/internal/domain/audit"
	"github.com/xenking/kart-checkout/internal/domain/coupon"
	"github.com/xenking/kart-checkout/internal/domain/order"
	"github.com/xenking/kart-checkout/internal/handler"
	"github.com/xenking/kart-checkout/pkg/health"
	"github.com/xenking/kart-checkout/pkg/httpmiddleware"
)

// Run creates all dependencies, starts the HTTP server and the payment event
// consumers, and handles graceful shutdown. It is the single wiring point for
// the application.
func Run(ctx context.Context, lg *zap.Logger, m *app.Telemetry, cfg *Config) error {
	lg.Info("Initializing",
		zap.String("addr", cfg.Addr),
		zap.String("storage", cfg.Storage),
	)

	healthSvc := health.New()
	healthSvc.Add(health.Liveness, "goroutines", time.Second, health.GoroutineCountCheck(10000))

	var cleanup []func()
	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	backend, err := openStorage(ctx, lg, cfg, healthSvc)
	if err != nil {
		return err
	}
	cleanup = append(cleanup, backend.close)

	// Audit records outlive the request that produced them, so the
	// dispatcher stops only after the server has drained.
	sink, closeSink := newAuditSink(lg, cfg)
	cleanup = append(cleanup, closeSink)
	dispatcher := audit.NewDispatcher(sink, lg.Named("audit"), cfg.Audit.Buffer)
	auditCtx, stopAudit := context.WithCancel(context.WithoutCancel(ctx))
	defer stopAudit()
	go dispatcher.Run(auditCtx)
	healthSvc.Add(health.Readiness, "audit", time.Second, health.DropCounterCheck(dispatcher.Dropped, 100), health.Optional())

	orderService := order.NewService(backend.store, backend.catalog, coupon.NewValidator(), dispatcher,
		order.WithTelemetry(m.TracerProvider(), m.MeterProvider()),
		order.WithDefaultCountry(cfg.Checkout.DefaultCountry),
	)

	var handlerOpts []handler.Option
	if cfg.Redis.Addr != "" {
		idem, closeRedis, err := newIdempotencyStore(cfg.Redis, healthSvc)
		if err != nil {
			return err
		}
		cleanup = append(cleanup, closeRedis)
		handlerOpts = append(handlerOpts, handler.WithIdempotency(idem))
	}
	h := handler.New(orderService, handlerOpts...)

	consumers, err := newPaymentConsumers(ctx, lg, m, cfg, orderService)
	if err != nil {
		return err
	}
	for _, c := range consumers {
		cleanup = append(cleanup, c.close)
	}

	healthSvc.Start(ctx, 10*time.Second)
	healthSvc.SetReady(true)

	mux := http.NewServeMux()
	mux.HandleFunc("/livez", healthSvc.LiveEndpoint)
	mux.HandleFunc("/readyz", healthSvc.ReadyEndpoint)
	mux.Handle("/api/", h.Routes(
		httpmiddleware.RouteTag(),
		httpmiddleware.LogRequests(),
	))

	server := &http.Server{
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
		Addr:              cfg.Addr,
		Handler: httpmiddleware.Wrap(mux,
			httpmiddleware.RequestID(),
			httpmiddleware.InjectLogger(zctx.From(ctx)),
			httpmiddleware.Recovery(),
			httpmiddleware.RateLimitWithCleanup(ctx, httpmiddleware.RateLimitConfig{
				Max:    cfg.RateLimit.Max,
				Window: cfg.RateLimit.Window,
				Skip:   isProbe,
			}),
			httpmiddleware.Instrument("checkout-api", m.TracerProvider(), m.MeterProvider()),
		),
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, c := range consumers {
		g.Go(func() error {
			if err := c.run(gctx); err != nil {
				return errors.Wrapf(err, "%s payment consumer", c.name)
			}
			return nil
		})
	}

	// Graceful shutdown: wait for cancellation or a failed consumer, drain,
	// then stop.
	g.Go(func() error {
		<-gctx.Done()
		healthSvc.SetReady(false)
		lg.Info("Readiness set to false, draining", zap.Duration("delay", cfg.Graceful.ReadinessDelay))
		time.Sleep(cfg.Graceful.ReadinessDelay)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Graceful.ShutdownTimeout)
		defer cancel()

		lg.Info("Shutting down server", zap.Duration("timeout", cfg.Graceful.ShutdownTimeout))
		if err := server.Shutdown(shutdownCtx); err != nil {
			lg.Error("Server shutdown error", zap.Error(err))
		}
		healthSvc.Stop()

		stopAudit()
		dispatcher.Wait()
		if n := dispatcher.Dropped(); n > 0 {
			lg.Warn("Audit records dropped during run", zap.Int64("dropped", n))
		}
		return nil
	})

	g.Go(func() error {
		lg.Info("Server listening", zap.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "server")
		}
		return nil
	})

	return g.Wait()
}

// isProbe exempts orchestrator health probes from rate limiting.
func isProbe(r *http.Request) bool {
	return r.URL.Path == "/livez" || r.URL.Path == "/readyz"
}
