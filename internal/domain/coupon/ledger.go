package coupon

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xenking/promo-ledger/internal/domain/failure"
)

// Ledger commits and reverts coupon usage against orders.
type Ledger struct {
	usages UsageStore
	cache  Invalidator
	now    func() time.Time
}

// NewLedger creates a Ledger. cache may be nil.
func NewLedger(usages UsageStore, cache Invalidator) *Ledger {
	if cache == nil {
		cache = noopInvalidator{}
	}
	return &Ledger{usages: usages, cache: cache, now: time.Now}
}

// Apply records the use of couponID on orderID. The store re-checks status,
// the global cap and the per-user limit inside the same atomic step, so a
// coupon that changed after validation fails here with COUPON_INACTIVE,
// COUPON_DEPLETED or COUPON_ALREADY_USED. A second Apply for the same order
// fails with DUPLICATE_USAGE.
func (l *Ledger) Apply(ctx context.Context, couponID, orderID, userID string, amount int64) (*Usage, error) {
	if orderID == "" {
		return nil, failure.New(failure.InvalidRequest, map[string]any{"reason": "order id is required"})
	}
	if amount < 0 {
		return nil, failure.New(failure.InvalidRequest, map[string]any{"reason": "discount amount must not be negative"})
	}

	u := Usage{
		ID:             uuid.New().String(),
		CouponID:       couponID,
		OrderID:        orderID,
		UserID:         userID,
		DiscountAmount: amount,
		UsedAt:         l.now(),
	}

	lg := zctx.From(ctx).With(
		zap.String("coupon_id", couponID),
		zap.String("order_id", orderID),
	)

	c, err := l.usages.ApplyUsage(ctx, u)
	switch {
	case err == nil:
	case errors.Is(err, ErrDuplicateUsage):
		return nil, failure.New(failure.DuplicateUsage, map[string]any{"orderId": orderID})
	case errors.Is(err, ErrDepleted):
		return nil, failure.New(failure.Depleted, nil)
	case errors.Is(err, ErrInactive):
		return nil, failure.New(failure.Inactive, nil)
	case errors.Is(err, ErrUserLimit):
		return nil, failure.New(failure.AlreadyUsed, map[string]any{"couponId": couponID})
	case errors.Is(err, ErrNotFound):
		return nil, failure.New(failure.NotFound, nil)
	default:
		lg.Error("Apply coupon usage failed", zap.Error(err))
		return nil, errors.Wrap(err, "apply usage")
	}

	l.cache.Invalidate(ctx, c)
	if c.Status == StatusDepleted {
		lg.Info("Coupon depleted", zap.String("code", c.Code), zap.Int("uses", c.CurrentUses))
	}

	return &u, nil
}

// Revert removes the usage recorded for orderID. It is a no-op when the
// order has no usage, so cancellation retries are safe.
func (l *Ledger) Revert(ctx context.Context, orderID string) error {
	u, c, err := l.usages.RevertUsage(ctx, orderID)
	if err != nil {
		if errors.Is(err, ErrUsageNotFound) {
			return nil
		}
		zctx.From(ctx).Error("Revert coupon usage failed",
			zap.String("order_id", orderID),
			zap.Error(err),
		)
		return errors.Wrap(err, "revert usage")
	}

	l.cache.Invalidate(ctx, c)
	zctx.From(ctx).Info("Coupon usage reverted",
		zap.String("coupon_id", u.CouponID),
		zap.String("order_id", orderID),
		zap.Int("uses", c.CurrentUses),
	)
	return nil
}
