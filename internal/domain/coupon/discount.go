package coupon

import (
	"fmt"
	"sort"

	"github.com/samber/lo"
	"github.com/shopspring/decimal"

	"github.com/xenking/promo-ledger/internal/domain/cart"
)

var hundred = decimal.NewFromInt(100)

// Discount is the computed effect of a coupon on a cart.
type Discount struct {
	Amount           int64
	Description      string
	ApplicableCount  int
	EligibleSubtotal int64
}

// ApplicableItems returns the cart lines the coupon may discount. Excluded
// products never qualify; a non-empty product set takes precedence over a
// non-empty category set; with neither, every line qualifies.
func ApplicableItems(c *Coupon, items []cart.Item) []cart.Item {
	return lo.Filter(items, func(item cart.Item, _ int) bool {
		if c.ExcludedProducts.Has(item.ProductID) {
			return false
		}
		if !c.ApplicableProducts.Empty() {
			return c.ApplicableProducts.Has(item.ProductID)
		}
		if !c.ApplicableCategories.Empty() {
			return c.ApplicableCategories.Has(item.CategoryID)
		}
		return true
	})
}

// Compute calculates the discount of c on the given cart. The result is
// rounded to whole currency units, never negative, and clamped to
// MaxDiscount when set.
func Compute(c *Coupon, s cart.Snapshot) Discount {
	items := ApplicableItems(c, s.Items)
	eligible := cart.Subtotal(items)

	var (
		amount decimal.Decimal
		desc   string
	)
	switch c.DiscountType {
	case DiscountPercentage:
		amount = decimal.NewFromInt(eligible).Mul(c.DiscountValue).Div(hundred)
		desc = fmt.Sprintf("%s%% off", c.DiscountValue.String())
	case DiscountFixedAmount:
		amount = decimal.Min(c.DiscountValue, decimal.NewFromInt(eligible))
		desc = fmt.Sprintf("%s off", c.DiscountValue.StringFixed(0))
	case DiscountFreeShipping:
		amount = decimal.NewFromInt(s.ShippingCost)
		desc = "Free shipping"
	case DiscountBuyXGetY:
		amount = decimal.NewFromInt(buyXGetY(c.BuyQuantity, c.GetQuantity, items))
		desc = fmt.Sprintf("Take %d, pay %d", c.BuyQuantity+c.GetQuantity, c.BuyQuantity)
	default:
		amount = decimal.Zero
	}

	if amount.IsNegative() {
		amount = decimal.Zero
	}
	if c.MaxDiscount != nil {
		amount = decimal.Min(amount, decimal.NewFromInt(*c.MaxDiscount))
	}

	return Discount{
		Amount:           amount.Round(0).IntPart(),
		Description:      desc,
		ApplicableCount:  len(items),
		EligibleSubtotal: eligible,
	}
}

// buyXGetY returns the value of the free units: every complete set of
// buy+get units yields get free units, taken from the cheapest units first.
func buyXGetY(buy, get int, items []cart.Item) int64 {
	if buy < 0 || get <= 0 {
		return 0
	}
	sets := cart.TotalQuantity(items) / (buy + get)
	free := sets * get
	if free == 0 {
		return 0
	}

	sorted := make([]cart.Item, len(items))
	copy(sorted, items)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].UnitPrice < sorted[j].UnitPrice
	})

	var discount int64
	for _, item := range sorted {
		if free <= 0 {
			break
		}
		n := min(item.Quantity, free)
		discount += int64(n) * item.UnitPrice
		free -= n
	}
	return discount
}
