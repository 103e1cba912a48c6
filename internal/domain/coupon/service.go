// Package coupon validates discount codes, computes discount amounts and
// keeps the coupon usage ledger.
package coupon

import (
	"context"
	"slices"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/xenking/promo-ledger/internal/domain/cart"
	"github.com/xenking/promo-ledger/internal/domain/failure"
)

// CreateParams describes a coupon to create. Zero values take the defaults
// of a single-use percentage coupon starting now.
type CreateParams struct {
	Code          string          `validate:"omitempty,min=3,max=64"`
	Name          string          `validate:"max=200"`
	Description   string          `validate:"max=1000"`
	Type          Type            `validate:"omitempty"`
	DiscountType  DiscountType    `validate:"omitempty"`
	DiscountValue decimal.Decimal `validate:"-"`
	MaxDiscount   *int64          `validate:"omitempty,gte=0"`
	MinPurchase   int64           `validate:"gte=0"`
	MaxUses       *int            `validate:"omitempty,gte=1"`
	// MaxUsesPerUser defaults to 1.
	MaxUsesPerUser       int `validate:"gte=0"`
	StartDate            time.Time
	EndDate              *time.Time
	ApplicableProducts   []string
	ApplicableCategories []string
	ExcludedProducts     []string
	AllowedUsers         []string
	BuyQuantity          int    `validate:"gte=0"`
	GetQuantity          int    `validate:"gte=0"`
	CreatedBy            string `validate:"max=100"`
}

// Service is the coupon side of the promotion engine: validation, usage
// bookkeeping and coupon administration.
type Service struct {
	*Validator
	*Ledger

	coupons  Repository
	usages   UsageStore
	validate *validator.Validate
	now      func() time.Time
}

// NewService wires a Service. cache may be nil.
func NewService(coupons Repository, usages UsageStore, orders OrderHistory, cache Invalidator) *Service {
	return &Service{
		Validator: NewValidator(coupons, usages, orders),
		Ledger:    NewLedger(usages, cache),
		coupons:   coupons,
		usages:    usages,
		validate:  validator.New(),
		now:       time.Now,
	}
}

// SetClock overrides the time source of the service and its components.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
	s.Validator.now = now
	s.Ledger.now = now
}

// Create validates p and stores a new active coupon. A blank code is
// replaced with a generated one.
func (s *Service) Create(ctx context.Context, p CreateParams) (*Coupon, error) {
	c, err := s.build(p)
	if err != nil {
		return nil, err
	}

	if c.Code == "" {
		return s.createGenerated(ctx, c, "", DefaultCodeLength)
	}
	if err := s.coupons.Create(ctx, c); err != nil {
		return nil, errors.Wrapf(err, "create coupon %q", c.Code)
	}

	zctx.From(ctx).Info("Coupon created",
		zap.String("code", c.Code),
		zap.String("type", string(c.Type)),
		zap.String("created_by", c.CreatedBy),
	)
	return c, nil
}

// createGenerated stores c under a freshly generated code, drawing a new code
// when the store reports a collision.
func (s *Service) createGenerated(ctx context.Context, c *Coupon, prefix string, length int) (*Coupon, error) {
	for range maxBatchAttempts {
		code, err := GenerateCodeWithPrefix(prefix, length)
		if err != nil {
			return nil, err
		}
		c.Code = code
		err = s.coupons.Create(ctx, c)
		if errors.Is(err, ErrCodeTaken) {
			continue
		}
		if err != nil {
			return nil, errors.Wrapf(err, "create coupon %q", code)
		}
		return c, nil
	}
	return nil, errors.Errorf("no free code with prefix %q", prefix)
}

// GenerateBulk creates quantity single-use coupons from template, each with
// a unique PREFIX-XXXXXXXX code.
func (s *Service) GenerateBulk(ctx context.Context, template CreateParams, prefix string, quantity int) ([]Coupon, error) {
	if quantity <= 0 {
		return nil, invalid("quantity must be positive")
	}
	template.Code = ""
	template.Type = TypeSingleUse
	template.MaxUses = lo.ToPtr(1)

	batch := NewBatch(prefix, DefaultCodeLength, quantity)
	out := make([]Coupon, 0, quantity)
	for len(out) < quantity {
		c, err := s.build(template)
		if err != nil {
			return nil, err
		}
		code, err := batch.Next()
		if err != nil {
			return nil, err
		}
		c.Code = code

		err = s.coupons.Create(ctx, c)
		if errors.Is(err, ErrCodeTaken) {
			continue
		}
		if err != nil {
			return out, errors.Wrapf(err, "create coupon %q", code)
		}
		out = append(out, *c)
	}

	zctx.From(ctx).Info("Bulk coupons generated",
		zap.String("prefix", prefix),
		zap.Int("count", len(out)),
	)
	return out, nil
}

// CreateFirstPurchaseCoupon issues the welcome coupon for a new user.
func (s *Service) CreateFirstPurchaseCoupon(ctx context.Context, userID string) (*Coupon, error) {
	end := s.now().AddDate(0, 0, 30)
	c, err := s.build(CreateParams{
		Name:           "Welcome discount",
		Description:    "15% off your first purchase",
		Type:           TypeFirstPurchase,
		DiscountType:   DiscountPercentage,
		DiscountValue:  decimal.NewFromInt(15),
		MaxDiscount:    lo.ToPtr[int64](10000),
		MinPurchase:    20000,
		MaxUses:        lo.ToPtr(1),
		MaxUsesPerUser: 1,
		AllowedUsers:   []string{userID},
		EndDate:        &end,
		CreatedBy:      "system",
	})
	if err != nil {
		return nil, err
	}
	return s.createGenerated(ctx, c, "BIENVENIDO", 6)
}

// CreateBirthdayCoupon issues a week-long birthday coupon.
func (s *Service) CreateBirthdayCoupon(ctx context.Context, userID string) (*Coupon, error) {
	end := s.now().AddDate(0, 0, 7)
	c, err := s.build(CreateParams{
		Name:           "Happy birthday",
		Description:    "20% off for your birthday",
		Type:           TypeBirthday,
		DiscountType:   DiscountPercentage,
		DiscountValue:  decimal.NewFromInt(20),
		MaxDiscount:    lo.ToPtr[int64](15000),
		MaxUses:        lo.ToPtr(1),
		MaxUsesPerUser: 1,
		AllowedUsers:   []string{userID},
		EndDate:        &end,
		CreatedBy:      "system",
	})
	if err != nil {
		return nil, err
	}
	return s.createGenerated(ctx, c, "CUMPLE", 6)
}

// ReferralCoupons are the two coupons issued for a referral.
type ReferralCoupons struct {
	Referred *Coupon
	Referrer *Coupon
}

// CreateReferralCoupons issues a percentage coupon for the referred user and
// a fixed-amount thank-you coupon for the referrer.
func (s *Service) CreateReferralCoupons(ctx context.Context, referrerID, referredID string) (*ReferralCoupons, error) {
	now := s.now()

	referredEnd := now.AddDate(0, 0, 30)
	referred, err := s.build(CreateParams{
		Name:          "Referral discount",
		Description:   "10% off for joining through a friend",
		Type:          TypeReferral,
		DiscountType:  DiscountPercentage,
		DiscountValue: decimal.NewFromInt(10),
		MaxUses:       lo.ToPtr(1),
		AllowedUsers:  []string{referredID},
		EndDate:       &referredEnd,
		CreatedBy:     "system",
	})
	if err != nil {
		return nil, err
	}
	if referred, err = s.createGenerated(ctx, referred, "REF-NUEVO", 6); err != nil {
		return nil, errors.Wrap(err, "referred coupon")
	}

	referrerEnd := now.AddDate(0, 0, 60)
	referrer, err := s.build(CreateParams{
		Name:          "Thanks for referring",
		Description:   "5000 off for referring a friend",
		Type:          TypeReferral,
		DiscountType:  DiscountFixedAmount,
		DiscountValue: decimal.NewFromInt(5000),
		MaxUses:       lo.ToPtr(1),
		AllowedUsers:  []string{referrerID},
		EndDate:       &referrerEnd,
		CreatedBy:     "system",
	})
	if err != nil {
		return nil, err
	}
	if referrer, err = s.createGenerated(ctx, referrer, "REF-GRACIAS", 6); err != nil {
		return nil, errors.Wrap(err, "referrer coupon")
	}

	return &ReferralCoupons{Referred: referred, Referrer: referrer}, nil
}

// SeasonalParams describes a campaign coupon restricted to categories.
type SeasonalParams struct {
	Code           string
	Name           string
	Description    string
	DiscountType   DiscountType
	DiscountValue  decimal.Decimal
	MaxDiscount    *int64
	MinPurchase    int64
	MaxUses        *int
	MaxUsesPerUser int
	StartDate      time.Time
	EndDate        *time.Time
	Categories     []string
	CreatedBy      string
}

// CreateSeasonalCoupon creates a campaign coupon. It is unlimited unless
// MaxUses is set.
func (s *Service) CreateSeasonalCoupon(ctx context.Context, p SeasonalParams) (*Coupon, error) {
	return s.Create(ctx, CreateParams{
		Code:                 p.Code,
		Name:                 p.Name,
		Description:          p.Description,
		Type:                 TypeSeasonal,
		DiscountType:         p.DiscountType,
		DiscountValue:        p.DiscountValue,
		MaxDiscount:          p.MaxDiscount,
		MinPurchase:          p.MinPurchase,
		MaxUses:              p.MaxUses,
		MaxUsesPerUser:       p.MaxUsesPerUser,
		StartDate:            p.StartDate,
		EndDate:              p.EndDate,
		ApplicableCategories: p.Categories,
		CreatedBy:            p.CreatedBy,
	})
}

// SetStatus moves a coupon to status. Coupons are never deleted, only
// deactivated.
func (s *Service) SetStatus(ctx context.Context, id string, status Status) (*Coupon, error) {
	if !status.Valid() {
		return nil, invalid("unknown status " + string(status))
	}
	c, err := s.coupons.UpdateStatus(ctx, id, status)
	if err != nil {
		return nil, errors.Wrapf(err, "update status of coupon %s", id)
	}
	s.Ledger.cache.Invalidate(ctx, c)
	return c, nil
}

// Get returns a coupon by id.
func (s *Service) Get(ctx context.Context, id string) (*Coupon, error) {
	c, err := s.coupons.FindByID(ctx, id)
	if err != nil {
		return nil, errors.Wrapf(err, "find coupon %s", id)
	}
	return c, nil
}

// List returns coupons matching filter, newest first.
func (s *Service) List(ctx context.Context, filter ListFilter) ([]Coupon, error) {
	list, err := s.coupons.List(ctx, filter, s.now())
	if err != nil {
		return nil, errors.Wrap(err, "list coupons")
	}
	return list, nil
}

// AvailableForUser returns the active coupons userID could still redeem,
// ordered by discount value descending.
func (s *Service) AvailableForUser(ctx context.Context, userID string) ([]Coupon, error) {
	active, err := s.coupons.List(ctx, ListFilter{ActiveOnly: true}, s.now())
	if err != nil {
		return nil, errors.Wrap(err, "list active coupons")
	}
	counts, err := s.usages.UserUsageCounts(ctx, userID)
	if err != nil {
		return nil, errors.Wrap(err, "user usage counts")
	}

	available := lo.Filter(active, func(c Coupon, _ int) bool {
		if c.MaxUses != nil && c.CurrentUses >= *c.MaxUses {
			return false
		}
		if !c.AllowedUsers.Empty() && !c.AllowedUsers.Has(userID) {
			return false
		}
		return counts[c.ID] < c.MaxUsesPerUser
	})
	sortByValueDesc(available)
	return available, nil
}

// Stats returns usage aggregates of a coupon.
func (s *Service) Stats(ctx context.Context, id string) (Stats, error) {
	st, err := s.usages.Stats(ctx, id)
	if err != nil {
		return Stats{}, errors.Wrapf(err, "stats of coupon %s", id)
	}
	return st, nil
}

// Preview computes the discount of c on a cart without any eligibility
// checks.
func (s *Service) Preview(c *Coupon, snapshot cart.Snapshot) Discount {
	return Compute(c, snapshot)
}

func (s *Service) build(p CreateParams) (*Coupon, error) {
	if err := s.validate.Struct(p); err != nil {
		return nil, invalid(err.Error())
	}

	if p.Type == "" {
		p.Type = TypeSingleUse
	}
	if p.DiscountType == "" {
		p.DiscountType = DiscountPercentage
	}
	if !p.Type.Valid() {
		return nil, invalid("unknown coupon type " + string(p.Type))
	}
	if !p.DiscountType.Valid() {
		return nil, invalid("unknown discount type " + string(p.DiscountType))
	}
	if p.DiscountValue.IsNegative() {
		return nil, invalid("discount value must not be negative")
	}
	if p.DiscountType == DiscountPercentage && p.DiscountValue.GreaterThan(hundred) {
		return nil, invalid("percentage must not exceed 100")
	}
	if p.DiscountType == DiscountBuyXGetY && (p.BuyQuantity < 1 || p.GetQuantity < 1) {
		return nil, invalid("buy and get quantities are required for buy_x_get_y")
	}
	if p.MaxUsesPerUser == 0 {
		p.MaxUsesPerUser = 1
	}

	now := s.now()
	if p.StartDate.IsZero() {
		p.StartDate = now
	}
	if p.EndDate != nil && p.EndDate.Before(p.StartDate) {
		return nil, invalid("end date is before start date")
	}

	return &Coupon{
		ID:                   uuid.New().String(),
		Code:                 NormalizeCode(p.Code),
		Name:                 p.Name,
		Description:          p.Description,
		Type:                 p.Type,
		DiscountType:         p.DiscountType,
		DiscountValue:        p.DiscountValue,
		MaxDiscount:          p.MaxDiscount,
		MinPurchase:          p.MinPurchase,
		MaxUses:              p.MaxUses,
		MaxUsesPerUser:       p.MaxUsesPerUser,
		StartDate:            p.StartDate,
		EndDate:              p.EndDate,
		ApplicableProducts:   NewIDSet(p.ApplicableProducts...),
		ApplicableCategories: NewIDSet(p.ApplicableCategories...),
		ExcludedProducts:     NewIDSet(p.ExcludedProducts...),
		AllowedUsers:         NewIDSet(p.AllowedUsers...),
		BuyQuantity:          p.BuyQuantity,
		GetQuantity:          p.GetQuantity,
		Status:               StatusActive,
		CreatedBy:            p.CreatedBy,
		CreatedAt:            now,
		UpdatedAt:            now,
	}, nil
}

func invalid(reason string) *failure.Error {
	return failure.New(failure.InvalidRequest, map[string]any{"reason": reason})
}

func sortByValueDesc(list []Coupon) {
	slices.SortStableFunc(list, func(a, b Coupon) int {
		return b.DiscountValue.Cmp(a.DiscountValue)
	})
}
