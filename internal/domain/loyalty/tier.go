package loyalty

import (
	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// TierID identifies a tier.
type TierID string

const (
	TierBronze   TierID = "bronze"
	TierSilver   TierID = "silver"
	TierGold     TierID = "gold"
	TierPlatinum TierID = "platinum"
)

// Tier is a loyalty level and the benefits it grants.
type Tier struct {
	ID        TierID
	Name      string
	MinPoints int64
	// Multiplier scales purchase points.
	Multiplier      decimal.Decimal
	DiscountPercent decimal.Decimal
	// FreeShippingMin is the cart total from which shipping is free. Zero
	// means always free.
	FreeShippingMin int64
	BirthdayBonus   int64
	Benefits        []string
}

// Tiers is an ordered tier table, lowest first.
type Tiers []Tier

// DefaultTiers returns the standard four-level program.
func DefaultTiers() Tiers {
	return Tiers{
		{
			ID:              TierBronze,
			Name:            "Bronze",
			MinPoints:       0,
			Multiplier:      decimal.NewFromInt(1),
			DiscountPercent: decimal.Zero,
			FreeShippingMin: 50000,
			BirthdayBonus:   100,
			Benefits: []string{
				"1 point per 1000 spent",
				"Access to member promotions",
			},
		},
		{
			ID:              TierSilver,
			Name:            "Silver",
			MinPoints:       500,
			Multiplier:      decimal.RequireFromString("1.25"),
			DiscountPercent: decimal.NewFromInt(5),
			FreeShippingMin: 35000,
			BirthdayBonus:   200,
			Benefits: []string{
				"1.25 points per 1000 spent",
				"5% off every purchase",
				"Free shipping from 35000",
				"Early access to new products",
			},
		},
		{
			ID:              TierGold,
			Name:            "Gold",
			MinPoints:       1500,
			Multiplier:      decimal.RequireFromString("1.5"),
			DiscountPercent: decimal.NewFromInt(10),
			FreeShippingMin: 25000,
			BirthdayBonus:   500,
			Benefits: []string{
				"1.5 points per 1000 spent",
				"10% off every purchase",
				"Free shipping from 25000",
				"Priority support",
			},
		},
		{
			ID:              TierPlatinum,
			Name:            "Platinum",
			MinPoints:       5000,
			Multiplier:      decimal.NewFromInt(2),
			DiscountPercent: decimal.NewFromInt(15),
			FreeShippingMin: 0,
			BirthdayBonus:   1000,
			Benefits: []string{
				"2 points per 1000 spent",
				"15% off every purchase",
				"Free shipping on every order",
				"Dedicated support line",
			},
		},
	}
}

// Validate checks that the table starts at zero and thresholds strictly
// increase.
func (ts Tiers) Validate() error {
	if len(ts) == 0 {
		return errors.New("empty tier table")
	}
	if ts[0].MinPoints != 0 {
		return errors.Errorf("lowest tier %q must start at 0 points", ts[0].ID)
	}
	seen := make(map[TierID]struct{}, len(ts))
	for i, t := range ts {
		if _, dup := seen[t.ID]; dup {
			return errors.Errorf("duplicate tier %q", t.ID)
		}
		seen[t.ID] = struct{}{}
		if i > 0 && t.MinPoints <= ts[i-1].MinPoints {
			return errors.Errorf("tier %q threshold %d is not above %d", t.ID, t.MinPoints, ts[i-1].MinPoints)
		}
	}
	return nil
}

// For returns the highest tier whose threshold is at or below total.
func (ts Tiers) For(total int64) Tier {
	out := ts[0]
	for _, t := range ts[1:] {
		if total < t.MinPoints {
			break
		}
		out = t
	}
	return out
}

// Get returns the tier with the given id. Unknown ids resolve to the lowest
// tier.
func (ts Tiers) Get(id TierID) Tier {
	if i := ts.rank(id); i >= 0 {
		return ts[i]
	}
	return ts[0]
}

// Next returns the tier above id, or false at the top.
func (ts Tiers) Next(id TierID) (Tier, bool) {
	i := ts.rank(id)
	if i < 0 || i+1 >= len(ts) {
		return Tier{}, false
	}
	return ts[i+1], true
}

// Above reports whether a ranks higher than b.
func (ts Tiers) Above(a, b TierID) bool {
	return ts.rank(a) > ts.rank(b)
}

func (ts Tiers) rank(id TierID) int {
	for i, t := range ts {
		if t.ID == id {
			return i
		}
	}
	return -1
}
