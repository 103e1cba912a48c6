package main

import (
	"context"
	"flag"
	"os"
	"os/signal"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/xenking/promo-ledger/internal/domain/coupon"
	"github.com/xenking/promo-ledger/internal/domain/loyalty"
	"github.com/xenking/promo-ledger/internal/storage/postgres"
)

func main() {
	var (
		databaseURL string
		demoUser    string
	)

	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.StringVar(&demoUser, "demo-user", "", "user id that receives the signup bonus and a demo purchase")
	flag.Parse()

	lg, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer func() { _ = lg.Sync() }()

	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}
	if databaseURL == "" {
		lg.Fatal("database URL is required: set --database-url or DATABASE_URL")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, lg, databaseURL, demoUser); err != nil {
		lg.Fatal("Seed failed", zap.Error(err))
	}
	lg.Info("Seed completed")
}

func run(ctx context.Context, lg *zap.Logger, databaseURL, demoUser string) error {
	lg.Info("Connecting to database")
	pool, err := postgres.NewPool(ctx, databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	lg.Info("Running migrations")
	if err := postgres.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	svc := coupon.NewService(
		postgres.NewCouponRepository(pool),
		postgres.NewUsageRepository(pool),
		postgres.NewOrderRepository(pool),
		nil,
	)
	if err := seedCoupons(ctx, lg, svc); err != nil {
		return errors.Wrap(err, "seed coupons")
	}

	if demoUser == "" {
		return nil
	}
	ledger, err := loyalty.NewLedger(postgres.NewLoyaltyRepository(pool), loyalty.DefaultTiers(), loyalty.DefaultPolicy(), nil)
	if err != nil {
		return errors.Wrap(err, "create ledger")
	}
	return seedMember(ctx, lg, ledger, postgres.NewOrderRepository(pool), demoUser)
}

// campaigns are the standing storefront codes.
func campaigns() []coupon.CreateParams {
	pct := func(v int64) decimal.Decimal { return decimal.NewFromInt(v) }
	return []coupon.CreateParams{
		{Code: "WELCOME10", Name: "Welcome", Description: "10% off your first purchase", Type: coupon.TypeFirstPurchase, DiscountValue: pct(10), MinPurchase: 20000},
		{Code: "BIENVENIDO10", Name: "Bienvenido", Description: "10% off your first purchase", Type: coupon.TypeFirstPurchase, DiscountValue: pct(10)},
		{Code: "FLORES15", Name: "Flores 15", Description: "15% off orders over 50000", Type: coupon.TypeUnlimited, DiscountValue: pct(15), MinPurchase: 50000},
		{Code: "ENVIOGRATIS", Name: "Free shipping", Description: "Free shipping over 80000", Type: coupon.TypeUnlimited, DiscountType: coupon.DiscountFreeShipping, MinPurchase: 80000},
		{Code: "AMOR20", Name: "Valentine", Description: "20% off orders over 100000", Type: coupon.TypeSeasonal, DiscountValue: pct(20), MinPurchase: 100000},
		{Code: "NAVIDAD25", Name: "Christmas", Description: "25% off orders over 150000", Type: coupon.TypeSeasonal, DiscountValue: pct(25), MinPurchase: 150000},
		{Code: "MADRE2025", Name: "Mother's day", Description: "15% off orders over 60000", Type: coupon.TypeSeasonal, DiscountValue: pct(15), MinPurchase: 60000},
		{Code: "FIDELIDAD10", Name: "Loyal customers", Description: "10% for returning customers", Type: coupon.TypeLoyalty, DiscountValue: pct(10), MaxUsesPerUser: 3},
	}
}

func seedCoupons(ctx context.Context, lg *zap.Logger, svc *coupon.Service) error {
	for _, p := range campaigns() {
		p.CreatedBy = "seed"
		c, err := svc.Create(ctx, p)
		if errors.Is(err, coupon.ErrCodeTaken) {
			lg.Info("Coupon already present", zap.String("code", p.Code))
			continue
		}
		if err != nil {
			return errors.Wrapf(err, "create %s", p.Code)
		}
		lg.Info("Seeded coupon", zap.String("code", c.Code), zap.String("description", c.Description))
	}
	return nil
}

// seedMember gives userID a signup bonus and one completed order so the
// dashboard has something to show.
func seedMember(ctx context.Context, lg *zap.Logger, ledger *loyalty.Ledger, orders *postgres.OrderRepository, userID string) error {
	if _, err := ledger.GrantSignup(ctx, userID); err != nil {
		return errors.Wrap(err, "signup bonus")
	}
	const orderID, total = "seed-order-1", 125000
	if err := orders.Record(ctx, userID, orderID, total); err != nil {
		return errors.Wrap(err, "record order")
	}
	earned, err := ledger.EarnPurchase(ctx, userID, orderID, total)
	if err != nil {
		return errors.Wrap(err, "earn purchase")
	}
	lg.Info("Seeded member",
		zap.String("user_id", userID),
		zap.Int64("earned", earned.EarnedPoints),
		zap.Int64("balance", earned.NewBalance),
	)
	return nil
}
