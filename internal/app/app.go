// Package app wires configuration, stores, domain services and the HTTP
// server of the promotion service.
package app

import (
	"context"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/app"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/xenking/promo-ledger/internal/cache"
	"github.com/xenking/promo-ledger/internal/domain/coupon"
	"github.com/xenking/promo-ledger/internal/domain/loyalty"
	"github.com/xenking/promo-ledger/internal/handler"
	"github.com/xenking/promo-ledger/internal/notify"
	"github.com/xenking/promo-ledger/internal/storage/memory"
	"github.com/xenking/promo-ledger/internal/storage/postgres"
	"github.com/xenking/promo-ledger/pkg/health"
	"github.com/xenking/promo-ledger/pkg/httpmiddleware"
)

// stores is the set of adapters behind the domain services.
type stores struct {
	coupons coupon.Repository
	usages  coupon.UsageStore
	orders  coupon.OrderHistory
	loyalty loyalty.Store
	pinger  health.Pinger
	close   func()
}

// openStores builds the adapters for the configured driver.
func openStores(ctx context.Context, lg *zap.Logger, cfg *Config) (*stores, error) {
	if cfg.Storage.Driver == DriverMemory {
		lg.Warn("Using in-memory storage, state is lost on restart")
		couponStore := memory.NewCouponStore()
		return &stores{
			coupons: couponStore,
			usages:  couponStore,
			orders:  memory.NewOrderStore(),
			loyalty: memory.NewLoyaltyStore(),
			pinger:  couponStore,
			close:   func() {},
		}, nil
	}

	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, errors.Wrap(err, "create db pool")
	}
	if err := waitForDatabase(ctx, lg, pool, cfg.Storage.ConnectTimeout); err != nil {
		pool.Close()
		return nil, err
	}
	if err := postgres.RunMigrations(ctx, pool); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "run migrations")
	}
	return &stores{
		coupons: postgres.NewCouponRepository(pool),
		usages:  postgres.NewUsageRepository(pool),
		orders:  postgres.NewOrderRepository(pool),
		loyalty: postgres.NewLoyaltyRepository(pool),
		pinger:  pool,
		close:   pool.Close,
	}, nil
}

// waitForDatabase pings the pool with exponential backoff until it answers
// or budget is spent.
func waitForDatabase(ctx context.Context, lg *zap.Logger, pool *pgxpool.Pool, budget time.Duration) error {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = budget

	err := backoff.RetryNotify(func() error {
		return pool.Ping(ctx)
	}, backoff.WithContext(b, ctx), func(err error, next time.Duration) {
		lg.Warn("Database not ready", zap.Error(err), zap.Duration("retry_in", next))
	})
	if err != nil {
		return errors.Wrap(err, "ping database")
	}
	return nil
}

// Run creates all dependencies, starts the HTTP server, and handles graceful
// shutdown. It is the single wiring point for the application.
func Run(ctx context.Context, lg *zap.Logger, m *app.Telemetry, cfg *Config) error {
	lg.Info("Initializing",
		zap.String("addr", cfg.Addr),
		zap.String("storage", cfg.Storage.Driver),
	)

	st, err := openStores(ctx, lg, cfg)
	if err != nil {
		return err
	}
	defer st.close()

	var (
		couponRepo  = st.coupons
		invalidator coupon.Invalidator
	)
	if cfg.Cache.Enabled {
		cached := cache.NewCoupons(st.coupons, cfg.Cache.TTL, cfg.Cache.CleanupInterval)
		couponRepo, invalidator = cached, cached
	}

	coupons := coupon.NewService(couponRepo, st.usages, st.orders, invalidator)
	ledger, err := loyalty.NewLedger(st.loyalty, loyalty.DefaultTiers(), cfg.Loyalty.Policy(), notify.NewLogger())
	if err != nil {
		return errors.Wrap(err, "create loyalty ledger")
	}

	h, err := handler.New(coupons, ledger, m.MeterProvider().Meter("promo-ledger"))
	if err != nil {
		return errors.Wrap(err, "create handler")
	}

	healthSvc := health.New()
	healthSvc.AddReadinessCheck(cfg.Storage.Driver, 5*time.Second, health.PingCheck(cfg.Storage.Driver, st.pinger))
	healthSvc.AddLivenessCheck("goroutines", time.Second, health.GoroutineCountCheck(10000))
	healthSvc.Start(ctx, 10*time.Second)
	healthSvc.SetReady(true)

	mux := h.Routes()
	mux.HandleFunc("GET /livez", healthSvc.LiveEndpoint)
	mux.HandleFunc("GET /readyz", healthSvc.ReadyEndpoint)

	api := otelhttp.NewHandler(mux, "promo-api",
		otelhttp.WithTracerProvider(m.TracerProvider()),
		otelhttp.WithMeterProvider(m.MeterProvider()),
	)

	server := &http.Server{
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
		Addr:              cfg.Addr,
		Handler: httpmiddleware.Wrap(api,
			httpmiddleware.RequestID(),
			httpmiddleware.InjectLogger(lg),
			httpmiddleware.Recovery(),
			httpmiddleware.LogRequests(),
			httpmiddleware.RateLimit(httpmiddleware.RateLimitConfig{
				Max:    cfg.RateLimit.Max,
				Window: cfg.RateLimit.Window,
			}),
		),
	}

	// Graceful shutdown: wait for context cancellation, drain, then stop.
	shutdownDone := make(chan struct{})
	go func() {
		<-ctx.Done()
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
		close(shutdownDone)
	}()

	lg.Info("Server listening", zap.String("addr", cfg.Addr))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "server")
	}
	<-shutdownDone
	return nil
}
