package coupon

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/promo-ledger/internal/domain/cart"
	"github.com/xenking/promo-ledger/internal/domain/failure"
)

// ValidationResult is the outcome of validating a code against a cart.
// Exactly one of Discount or Failure is set.
type ValidationResult struct {
	Valid    bool
	Coupon   *Coupon
	Discount *Discount
	Failure  *failure.Error
}

func rejected(code failure.Code, details map[string]any) *ValidationResult {
	return &ValidationResult{Failure: failure.New(code, details)}
}

// Validator runs the ordered eligibility chain for a coupon code. It never
// mutates state.
type Validator struct {
	coupons Repository
	usages  UsageCounter
	orders  OrderHistory
	now     func() time.Time
}

// NewValidator creates a Validator backed by the given stores.
func NewValidator(coupons Repository, usages UsageCounter, orders OrderHistory) *Validator {
	return &Validator{
		coupons: coupons,
		usages:  usages,
		orders:  orders,
		now:     time.Now,
	}
}

// Validate checks code for userID against the cart. Checks run in a fixed
// order and stop at the first failure, which is reported in the result.
// A non-nil error is always an infrastructure failure.
func (v *Validator) Validate(ctx context.Context, code string, s cart.Snapshot, userID string) (*ValidationResult, error) {
	c, err := v.coupons.FindByCode(ctx, NormalizeCode(code))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return rejected(failure.NotFound, nil), nil
		}
		return nil, errors.Wrap(err, "lookup coupon")
	}

	now := v.now()

	if c.Status != StatusActive {
		return rejected(failure.Inactive, nil), nil
	}
	if now.Before(c.StartDate) {
		return rejected(failure.NotStarted, map[string]any{"startDate": c.StartDate}), nil
	}
	if c.EndDate != nil && now.After(*c.EndDate) {
		return rejected(failure.Expired, map[string]any{"endDate": *c.EndDate}), nil
	}
	if c.MaxUses != nil && c.CurrentUses >= *c.MaxUses {
		return rejected(failure.Depleted, nil), nil
	}

	uses, err := v.usages.CountUserUses(ctx, c.ID, userID)
	if err != nil {
		return nil, errors.Wrap(err, "count user uses")
	}
	if uses >= c.MaxUsesPerUser {
		return rejected(failure.AlreadyUsed, map[string]any{"uses": uses, "maxUsesPerUser": c.MaxUsesPerUser}), nil
	}

	if c.Type == TypeFirstPurchase {
		orders, err := v.orders.CountActiveOrders(ctx, userID)
		if err != nil {
			return nil, errors.Wrap(err, "count user orders")
		}
		if orders > 0 {
			return rejected(failure.NotFirstPurchase, nil), nil
		}
	}

	subtotal := cart.Subtotal(ApplicableItems(c, s.Items))
	if subtotal < c.MinPurchase {
		return rejected(failure.MinAmountNotMet, map[string]any{
			"minRequired": c.MinPurchase,
			"current":     subtotal,
			"shortfall":   c.MinPurchase - subtotal,
		}), nil
	}

	if !c.AllowedUsers.Empty() && !c.AllowedUsers.Has(userID) {
		return rejected(failure.UserNotEligible, nil), nil
	}

	d := Compute(c, s)
	zctx.From(ctx).Debug("Coupon validated",
		zap.String("code", c.Code),
		zap.String("user_id", userID),
		zap.Int64("amount", d.Amount),
	)

	return &ValidationResult{
		Valid:    true,
		Coupon:   c,
		Discount: &d,
	}, nil
}
