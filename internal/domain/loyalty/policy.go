package loyalty

import (
	"time"

	"github.com/shopspring/decimal"
)

// Policy holds the earning and redemption constants of the program.
type Policy struct {
	// PointsPerUnit points are earned for every UnitAmount spent.
	PointsPerUnit int64
	UnitAmount    int64
	// PointValue is the currency value of one redeemed point.
	PointValue int64
	MinRedeem  int64

	ExpiryDays         int
	ExpiringWindowDays int

	ReviewPoints      int64
	ReviewPhotoPoints int64
	ReferralPoints    int64
	SignupPoints      int64

	// HistoryLimit is the number of recent transactions on the dashboard.
	HistoryLimit int
}

// DefaultPolicy returns the standard program constants.
func DefaultPolicy() Policy {
	return Policy{
		PointsPerUnit:      1,
		UnitAmount:         1000,
		PointValue:         10,
		MinRedeem:          100,
		ExpiryDays:         365,
		ExpiringWindowDays: 30,
		ReviewPoints:       50,
		ReviewPhotoPoints:  100,
		ReferralPoints:     200,
		SignupPoints:       100,
		HistoryLimit:       5,
	}
}

// Expiry returns how long positive postings stay spendable.
func (p Policy) Expiry() time.Duration {
	return time.Duration(p.ExpiryDays) * 24 * time.Hour
}

// ExpiringWindow returns the look-ahead used for "expiring soon".
func (p Policy) ExpiringWindow() time.Duration {
	return time.Duration(p.ExpiringWindowDays) * 24 * time.Hour
}

// PurchasePoints returns the base and tier-adjusted points for a purchase
// of amount. Both are floored.
func (p Policy) PurchasePoints(amount int64, tier Tier) (base, earned int64) {
	if amount <= 0 || p.UnitAmount <= 0 {
		return 0, 0
	}
	base = amount / p.UnitAmount * p.PointsPerUnit
	earned = decimal.NewFromInt(base).Mul(tier.Multiplier).Floor().IntPart()
	return base, earned
}

// RedemptionValue returns the currency value of points.
func (p Policy) RedemptionValue(points int64) int64 {
	return points * p.PointValue
}

// ReviewBonus returns the points for a review.
func (p Policy) ReviewBonus(hasPhoto bool) int64 {
	if hasPhoto {
		return p.ReviewPhotoPoints
	}
	return p.ReviewPoints
}

// TierDiscount is the permanent tier discount on a cart.
type TierDiscount struct {
	Tier            Tier
	HasDiscount     bool
	DiscountPercent decimal.Decimal
	Amount          int64
}

// DiscountFor computes the tier discount on cartTotal, rounded to whole
// currency units.
func DiscountFor(tier Tier, cartTotal int64) TierDiscount {
	out := TierDiscount{Tier: tier, DiscountPercent: tier.DiscountPercent}
	if !tier.DiscountPercent.IsPositive() || cartTotal <= 0 {
		return out
	}
	out.HasDiscount = true
	out.Amount = decimal.NewFromInt(cartTotal).
		Mul(tier.DiscountPercent).
		Div(decimal.NewFromInt(100)).
		Round(0).
		IntPart()
	return out
}

// FreeShipping is the tier free-shipping decision for a cart.
type FreeShipping struct {
	Tier            Tier
	Qualifies       bool
	MinimumRequired int64
	AmountNeeded    int64
}

// FreeShippingFor reports whether cartTotal reaches the tier threshold.
func FreeShippingFor(tier Tier, cartTotal int64) FreeShipping {
	out := FreeShipping{
		Tier:            tier,
		Qualifies:       cartTotal >= tier.FreeShippingMin,
		MinimumRequired: tier.FreeShippingMin,
	}
	if !out.Qualifies {
		out.AmountNeeded = tier.FreeShippingMin - cartTotal
	}
	return out
}
