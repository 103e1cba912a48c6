package coupon

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// Type enumerates the coupon rule types.
type Type string

const (
	TypeSingleUse     Type = "single_use"
	TypeMultiUse      Type = "multi_use"
	TypeUnlimited     Type = "unlimited"
	TypeFirstPurchase Type = "first_purchase"
	TypeReferral      Type = "referral"
	TypeBirthday      Type = "birthday"
	TypeLoyalty       Type = "loyalty"
	TypeSeasonal      Type = "seasonal"
)

// Valid reports whether t is a known coupon type.
func (t Type) Valid() bool {
	switch t {
	case TypeSingleUse, TypeMultiUse, TypeUnlimited, TypeFirstPurchase,
		TypeReferral, TypeBirthday, TypeLoyalty, TypeSeasonal:
		return true
	default:
		return false
	}
}

// DiscountType enumerates the supported discount strategies.
type DiscountType string

const (
	// DiscountPercentage takes a percentage of the eligible subtotal.
	DiscountPercentage DiscountType = "percentage"
	// DiscountFixedAmount takes a fixed amount capped at the eligible subtotal.
	DiscountFixedAmount DiscountType = "fixed_amount"
	// DiscountFreeShipping waives the cart's shipping cost.
	DiscountFreeShipping DiscountType = "free_shipping"
	// DiscountBuyXGetY makes the cheapest units of each buy+get set free.
	DiscountBuyXGetY DiscountType = "buy_x_get_y"
)

// Valid reports whether d is a known discount type.
func (d DiscountType) Valid() bool {
	switch d {
	case DiscountPercentage, DiscountFixedAmount, DiscountFreeShipping, DiscountBuyXGetY:
		return true
	default:
		return false
	}
}

// Status is the lifecycle state of a coupon.
type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
	StatusExpired  Status = "expired"
	StatusDepleted Status = "depleted"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusInactive, StatusExpired, StatusDepleted:
		return true
	default:
		return false
	}
}

var (
	// ErrNotFound is returned by stores when no coupon matches.
	ErrNotFound = errors.New("coupon not found")
	// ErrCodeTaken is returned when a coupon code already exists.
	ErrCodeTaken = errors.New("coupon code already exists")
	// ErrDuplicateUsage is returned when an order already has a usage row.
	ErrDuplicateUsage = errors.New("coupon already applied to order")
	// ErrDepleted is returned when the global use cap rejects an increment.
	ErrDepleted = errors.New("coupon depleted")
	// ErrInactive is returned when a usage targets a coupon that is neither
	// active nor depleted.
	ErrInactive = errors.New("coupon not active")
	// ErrUserLimit is returned when the user has reached MaxUsesPerUser.
	ErrUserLimit = errors.New("coupon per-user limit reached")
	// ErrUsageNotFound is returned when no usage exists for an order.
	ErrUsageNotFound = errors.New("coupon usage not found")
)

// IDSet is an unordered set of identifiers. The empty set means unrestricted.
type IDSet map[string]struct{}

// NewIDSet builds a set from ids, ignoring blanks.
func NewIDSet(ids ...string) IDSet {
	s := make(IDSet, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		s[id] = struct{}{}
	}
	return s
}

// Has reports whether id is a member.
func (s IDSet) Has(id string) bool {
	_, ok := s[id]
	return ok
}

// Empty reports whether the set has no members.
func (s IDSet) Empty() bool { return len(s) == 0 }

// Slice returns the members in sorted order.
func (s IDSet) Slice() []string {
	out := make([]string, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Coupon is a discount code definition together with its usage counter.
type Coupon struct {
	ID          string
	Code        string
	Name        string
	Description string

	Type          Type
	DiscountType  DiscountType
	DiscountValue decimal.Decimal
	// MaxDiscount caps the computed amount when set.
	MaxDiscount *int64
	MinPurchase int64

	// MaxUses is the global cap; nil means unlimited.
	MaxUses        *int
	MaxUsesPerUser int
	CurrentUses    int

	StartDate time.Time
	EndDate   *time.Time

	ApplicableProducts   IDSet
	ApplicableCategories IDSet
	ExcludedProducts     IDSet
	AllowedUsers         IDSet

	BuyQuantity int
	GetQuantity int

	Status    Status
	CreatedBy string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// RemainingUses returns how many global uses are left, or -1 if unlimited.
func (c *Coupon) RemainingUses() int {
	if c.MaxUses == nil {
		return -1
	}
	if left := *c.MaxUses - c.CurrentUses; left > 0 {
		return left
	}
	return 0
}

// NormalizeCode returns the canonical form of a coupon code.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// Usage records a coupon applied to one order.
type Usage struct {
	ID             string
	CouponID       string
	OrderID        string
	UserID         string
	DiscountAmount int64
	UsedAt         time.Time
}

// Stats aggregates usage rows of a coupon.
type Stats struct {
	TotalUses     int
	TotalDiscount int64
	AvgDiscount   decimal.Decimal
	UniqueUsers   int
}

// ListFilter narrows coupon listings. Zero values disable a filter.
type ListFilter struct {
	Status     Status
	Type       Type
	ActiveOnly bool
	Limit      int
}

// Repository reads and writes coupon definitions.
type Repository interface {
	FindByCode(ctx context.Context, code string) (*Coupon, error)
	FindByID(ctx context.Context, id string) (*Coupon, error)
	Create(ctx context.Context, c *Coupon) error
	UpdateStatus(ctx context.Context, id string, status Status) (*Coupon, error)
	List(ctx context.Context, filter ListFilter, now time.Time) ([]Coupon, error)
}

// UsageCounter reports how many times a user has used a coupon.
type UsageCounter interface {
	CountUserUses(ctx context.Context, couponID, userID string) (int, error)
}

// UsageStore records and reverts coupon usage. ApplyUsage and RevertUsage
// must each be a single atomic step: the global cap and the per-user limit
// are checked under the same lock that increments the counter.
type UsageStore interface {
	UsageCounter
	// ApplyUsage increments the coupon counter and inserts u. It returns the
	// updated coupon, ErrDuplicateUsage when u.OrderID already has a row,
	// ErrNotFound when the coupon does not exist, ErrInactive when its status
	// rejects the use, ErrDepleted when the global cap is reached and
	// ErrUserLimit when u.UserID already used it MaxUsesPerUser times.
	ApplyUsage(ctx context.Context, u Usage) (*Coupon, error)
	// RevertUsage deletes the usage row of orderID and decrements the
	// counter, reactivating a depleted coupon. It returns the deleted usage
	// and updated coupon, or ErrUsageNotFound.
	RevertUsage(ctx context.Context, orderID string) (*Usage, *Coupon, error)
	UserUsageCounts(ctx context.Context, userID string) (map[string]int, error)
	Stats(ctx context.Context, couponID string) (Stats, error)
}

// OrderHistory answers questions about a user's past orders. It is owned by
// the order service.
type OrderHistory interface {
	CountActiveOrders(ctx context.Context, userID string) (int, error)
}

// Invalidator drops cached copies of a coupon after a write.
type Invalidator interface {
	Invalidate(ctx context.Context, c *Coupon)
}

type noopInvalidator struct{}

func (noopInvalidator) Invalidate(context.Context, *Coupon) {}
