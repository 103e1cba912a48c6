package handler

import (
	"time"

	"github.com/samber/lo"
	"github.com/shopspring/decimal"

	"github.com/xenking/promo-ledger/internal/domain/cart"
	"github.com/xenking/promo-ledger/internal/domain/coupon"
	"github.com/xenking/promo-ledger/internal/domain/loyalty"
)

// Cart bounds keep every subtotal far below the int64 range: at most 500
// lines of 10000 units priced up to 10^10 minor units each.
type cartItem struct {
	ProductID  string `json:"productId" validate:"required"`
	CategoryID string `json:"categoryId"`
	UnitPrice  int64  `json:"unitPrice" validate:"gte=0,lte=10000000000"`
	Quantity   int    `json:"quantity" validate:"gte=1,lte=10000"`
}

type cartRequest struct {
	Items        []cartItem `json:"items" validate:"max=500,dive"`
	ShippingCost int64      `json:"shippingCost" validate:"gte=0,lte=10000000000"`
}

func (c cartRequest) snapshot() cart.Snapshot {
	return cart.Snapshot{
		Items: lo.Map(c.Items, func(i cartItem, _ int) cart.Item {
			return cart.Item{ProductID: i.ProductID, CategoryID: i.CategoryID, UnitPrice: i.UnitPrice, Quantity: i.Quantity}
		}),
		ShippingCost: c.ShippingCost,
	}
}

type couponResponse struct {
	ID                   string          `json:"id"`
	Code                 string          `json:"code"`
	Name                 string          `json:"name,omitempty"`
	Description          string          `json:"description,omitempty"`
	Type                 coupon.Type     `json:"type"`
	DiscountType         string          `json:"discountType"`
	DiscountValue        decimal.Decimal `json:"discountValue"`
	MaxDiscount          *int64          `json:"maxDiscount,omitempty"`
	MinPurchase          int64           `json:"minPurchase"`
	MaxUses              *int            `json:"maxUses,omitempty"`
	MaxUsesPerUser       int             `json:"maxUsesPerUser"`
	CurrentUses          int             `json:"currentUses"`
	RemainingUses        *int            `json:"remainingUses,omitempty"`
	StartDate            time.Time       `json:"startDate"`
	EndDate              *time.Time      `json:"endDate,omitempty"`
	ApplicableProducts   []string        `json:"applicableProducts,omitempty"`
	ApplicableCategories []string        `json:"applicableCategories,omitempty"`
	ExcludedProducts     []string        `json:"excludedProducts,omitempty"`
	BuyQuantity          int             `json:"buyQuantity,omitempty"`
	GetQuantity          int             `json:"getQuantity,omitempty"`
	Status               coupon.Status   `json:"status"`
	CreatedAt            time.Time       `json:"createdAt"`
}

func toCoupon(c *coupon.Coupon) couponResponse {
	out := couponResponse{
		ID:                   c.ID,
		Code:                 c.Code,
		Name:                 c.Name,
		Description:          c.Description,
		Type:                 c.Type,
		DiscountType:         string(c.DiscountType),
		DiscountValue:        c.DiscountValue,
		MaxDiscount:          c.MaxDiscount,
		MinPurchase:          c.MinPurchase,
		MaxUses:              c.MaxUses,
		MaxUsesPerUser:       c.MaxUsesPerUser,
		CurrentUses:          c.CurrentUses,
		StartDate:            c.StartDate,
		EndDate:              c.EndDate,
		ApplicableProducts:   c.ApplicableProducts.Slice(),
		ApplicableCategories: c.ApplicableCategories.Slice(),
		ExcludedProducts:     c.ExcludedProducts.Slice(),
		BuyQuantity:          c.BuyQuantity,
		GetQuantity:          c.GetQuantity,
		Status:               c.Status,
		CreatedAt:            c.CreatedAt,
	}
	if c.MaxUses != nil {
		out.RemainingUses = lo.ToPtr(c.RemainingUses())
	}
	return out
}

func toCoupons(list []coupon.Coupon) []couponResponse {
	return lo.Map(list, func(c coupon.Coupon, _ int) couponResponse { return toCoupon(&c) })
}

type createCouponRequest struct {
	Code                 string          `json:"code"`
	Name                 string          `json:"name"`
	Description          string          `json:"description"`
	Type                 string          `json:"type"`
	DiscountType         string          `json:"discountType"`
	DiscountValue        decimal.Decimal `json:"discountValue"`
	MaxDiscount          *int64          `json:"maxDiscount"`
	MinPurchase          int64           `json:"minPurchase"`
	MaxUses              *int            `json:"maxUses"`
	MaxUsesPerUser       int             `json:"maxUsesPerUser"`
	StartDate            *time.Time      `json:"startDate"`
	EndDate              *time.Time      `json:"endDate"`
	ApplicableProducts   []string        `json:"applicableProducts"`
	ApplicableCategories []string        `json:"applicableCategories"`
	ExcludedProducts     []string        `json:"excludedProducts"`
	AllowedUsers         []string        `json:"allowedUsers"`
	BuyQuantity          int             `json:"buyQuantity"`
	GetQuantity          int             `json:"getQuantity"`
}

func (c createCouponRequest) params(createdBy string) coupon.CreateParams {
	return coupon.CreateParams{
		Code:                 c.Code,
		Name:                 c.Name,
		Description:          c.Description,
		Type:                 coupon.Type(c.Type),
		DiscountType:         coupon.DiscountType(c.DiscountType),
		DiscountValue:        c.DiscountValue,
		MaxDiscount:          c.MaxDiscount,
		MinPurchase:          c.MinPurchase,
		MaxUses:              c.MaxUses,
		MaxUsesPerUser:       c.MaxUsesPerUser,
		StartDate:            lo.FromPtr(c.StartDate),
		EndDate:              c.EndDate,
		ApplicableProducts:   c.ApplicableProducts,
		ApplicableCategories: c.ApplicableCategories,
		ExcludedProducts:     c.ExcludedProducts,
		AllowedUsers:         c.AllowedUsers,
		BuyQuantity:          c.BuyQuantity,
		GetQuantity:          c.GetQuantity,
		CreatedBy:            createdBy,
	}
}

type tierResponse struct {
	ID              loyalty.TierID  `json:"id"`
	Name            string          `json:"name"`
	MinPoints       int64           `json:"minPoints"`
	Multiplier      decimal.Decimal `json:"multiplier"`
	DiscountPercent decimal.Decimal `json:"discountPercent"`
	FreeShippingMin int64           `json:"freeShippingMin"`
	BirthdayBonus   int64           `json:"birthdayBonus"`
	Benefits        []string        `json:"benefits"`
}

func toTier(t loyalty.Tier) tierResponse {
	return tierResponse{
		ID:              t.ID,
		Name:            t.Name,
		MinPoints:       t.MinPoints,
		Multiplier:      t.Multiplier,
		DiscountPercent: t.DiscountPercent,
		FreeShippingMin: t.FreeShippingMin,
		BirthdayBonus:   t.BirthdayBonus,
		Benefits:        t.Benefits,
	}
}

type transactionResponse struct {
	ID          string         `json:"id"`
	Type        loyalty.TxType `json:"type"`
	Points      int64          `json:"points"`
	Description string         `json:"description,omitempty"`
	ReferenceID string         `json:"referenceId,omitempty"`
	ExpiresAt   *time.Time     `json:"expiresAt,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"`
}

func toTransaction(t loyalty.Transaction) transactionResponse {
	return transactionResponse{
		ID:          t.ID,
		Type:        t.Type,
		Points:      t.Points,
		Description: t.Description,
		ReferenceID: t.Reference.ID,
		ExpiresAt:   t.ExpiresAt,
		CreatedAt:   t.CreatedAt,
	}
}

func toTransactions(list []loyalty.Transaction) []transactionResponse {
	return lo.Map(list, func(t loyalty.Transaction, _ int) transactionResponse { return toTransaction(t) })
}

type accountResponse struct {
	UserID          string         `json:"userId"`
	Tier            loyalty.TierID `json:"tier"`
	TotalPoints     int64          `json:"totalPoints"`
	AvailablePoints int64          `json:"availablePoints"`
}

func toAccount(a loyalty.Account) accountResponse {
	return accountResponse{
		UserID:          a.UserID,
		Tier:            a.Tier,
		TotalPoints:     a.TotalPoints,
		AvailablePoints: a.AvailablePoints,
	}
}
