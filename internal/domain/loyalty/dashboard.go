package loyalty

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

// Progress describes the distance to the next tier.
type Progress struct {
	NextTier        Tier
	PointsNeeded    int64
	ProgressPercent decimal.Decimal
}

// Dashboard is the member-facing summary of an account.
type Dashboard struct {
	Account Account
	Tier    Tier
	// PointsValue is the currency value of the available balance.
	PointsValue int64
	// Spendable excludes expired points that were not swept yet.
	Spendable      int64
	ExpiringPoints int64
	ExpiringDays   int
	ExpiredPoints  int64
	Progress       *Progress
	RecentActivity []Transaction
}

// Dashboard loads the account, recent activity and expiry accounting of
// userID concurrently.
func (l *Ledger) Dashboard(ctx context.Context, userID string) (*Dashboard, error) {
	var (
		acc    *Account
		recent []Transaction
		expiry Expiry
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		acc, err = l.Account(gctx, userID)
		return err
	})
	g.Go(func() error {
		var err error
		recent, err = l.History(gctx, userID, l.policy.HistoryLimit)
		return err
	})
	g.Go(func() error {
		txs, err := l.store.Transactions(gctx, userID)
		if err != nil {
			return errors.Wrap(err, "list transactions")
		}
		expiry = ComputeExpiry(txs, l.now(), l.policy.ExpiringWindow())
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	tier := l.tiers.Get(acc.Tier)
	d := &Dashboard{
		Account:        *acc,
		Tier:           tier,
		PointsValue:    l.policy.RedemptionValue(acc.AvailablePoints),
		Spendable:      max(acc.AvailablePoints-expiry.Expired, 0),
		ExpiringPoints: expiry.Expiring,
		ExpiringDays:   l.policy.ExpiringWindowDays,
		ExpiredPoints:  expiry.Expired,
		RecentActivity: recent,
	}
	if next, ok := l.tiers.Next(tier.ID); ok {
		d.Progress = progressTo(acc.TotalPoints, tier, next)
	}
	return d, nil
}

func progressTo(total int64, cur, next Tier) *Progress {
	span := next.MinPoints - cur.MinPoints
	pct := decimal.NewFromInt(total - cur.MinPoints).
		Mul(decimal.NewFromInt(100)).
		Div(decimal.NewFromInt(span)).
		Round(1)
	pct = decimal.Min(decimal.Max(pct, decimal.Zero), decimal.NewFromInt(100))
	return &Progress{
		NextTier:        next,
		PointsNeeded:    max(next.MinPoints-total, 0),
		ProgressPercent: pct,
	}
}
