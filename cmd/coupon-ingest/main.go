// Command coupon-ingest imports partner and campaign code lists into the
// coupon store. Each input is a gzip file with one code per line; every code
// becomes a single-use coupon of the given campaign.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/xenking/promo-ledger/internal/domain/coupon"
	"github.com/xenking/promo-ledger/internal/storage/memory"
	"github.com/xenking/promo-ledger/internal/storage/postgres"
)

func main() {
	var (
		databaseURL  string
		files        string
		campaign     string
		discountType string
		value        string
		maxDiscount  int64
		minPurchase  int64
		validDays    int
		workers      int
		expected     uint
		dryRun       bool
	)

	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.StringVar(&files, "files", "", "comma-separated list of .gz code lists")
	flag.StringVar(&campaign, "campaign", "", "campaign name stored on every coupon")
	flag.StringVar(&discountType, "discount-type", string(coupon.DiscountPercentage), "percentage, fixed_amount or free_shipping")
	flag.StringVar(&value, "value", "10", "discount value")
	flag.Int64Var(&maxDiscount, "max-discount", 0, "discount cap in minor units (0 = none)")
	flag.Int64Var(&minPurchase, "min-purchase", 0, "minimum eligible subtotal in minor units")
	flag.IntVar(&validDays, "valid-days", 90, "days until the coupons expire (0 = never)")
	flag.IntVar(&workers, "workers", 8, "concurrent writers")
	flag.UintVar(&expected, "expected", 1_000_000, "expected number of distinct codes, sizes the bloom filter")
	flag.BoolVar(&dryRun, "dry-run", false, "ingest into an in-memory store and report counts only")
	flag.Parse()

	lg, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer func() { _ = lg.Sync() }()

	if files == "" || campaign == "" {
		lg.Fatal("--files and --campaign are required")
	}
	amount, err := decimal.NewFromString(value)
	if err != nil {
		lg.Fatal("Invalid --value", zap.Error(err))
	}

	template := coupon.CreateParams{
		Name:          campaign,
		DiscountType:  coupon.DiscountType(discountType),
		DiscountValue: amount,
		MinPurchase:   minPurchase,
		CreatedBy:     "coupon-ingest",
	}
	if maxDiscount > 0 {
		template.MaxDiscount = &maxDiscount
	}
	if validDays > 0 {
		end := time.Now().AddDate(0, 0, validDays)
		template.EndDate = &end
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	cfg := ingestConfig{
		Files:    strings.Split(files, ","),
		Template: template,
		Workers:  workers,
		Expected: expected,
	}
	if err := run(ctx, lg, databaseURL, dryRun, cfg); err != nil {
		lg.Fatal("Coupon ingest failed", zap.Error(err))
	}
}

func run(ctx context.Context, lg *zap.Logger, databaseURL string, dryRun bool, cfg ingestConfig) error {
	var repo coupon.Repository
	if dryRun {
		repo = memory.NewCouponStore()
	} else {
		if databaseURL == "" {
			databaseURL = os.Getenv("DATABASE_URL")
		}
		if databaseURL == "" {
			return errors.New("database URL is required: set --database-url or DATABASE_URL")
		}
		pool, err := postgres.NewPool(ctx, databaseURL)
		if err != nil {
			return errors.Wrap(err, "connect to database")
		}
		defer pool.Close()
		repo = postgres.NewCouponRepository(pool)
	}

	// Ingestion only creates coupons; the usage and order stores stay untouched.
	svc := coupon.NewService(repo, memory.NewCouponStore(), memory.NewOrderStore(), nil)
	res, err := ingest(ctx, lg, svc, cfg)
	if err != nil {
		return err
	}
	lg.Info("Coupon ingest completed",
		zap.Bool("dry_run", dryRun),
		zap.Int64("read", res.Read),
		zap.Int64("created", res.Created),
		zap.Int64("duplicates", res.Duplicates),
		zap.Int64("existing", res.Existing),
		zap.Int64("rejected", res.Rejected),
	)
	return nil
}
