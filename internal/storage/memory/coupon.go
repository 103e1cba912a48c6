// Package memory implements the promotion and loyalty stores in process
// memory. It backs tests and single-instance development servers and keeps
// the same atomicity guarantees as the Postgres stores.
package memory

import (
	"context"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/samber/lo"
	"github.com/shopspring/decimal"

	"github.com/xenking/promo-ledger/internal/domain/coupon"
)

var (
	_ coupon.Repository = (*CouponStore)(nil)
	_ coupon.UsageStore = (*CouponStore)(nil)
)

// CouponStore keeps coupons and their usage rows. A single mutex covers
// both so that the cap check, the counter increment and the usage insert
// happen as one step.
type CouponStore struct {
	mu      sync.Mutex
	byID    map[string]*coupon.Coupon
	byCode  map[string]string
	byOrder map[string]coupon.Usage
	now     func() time.Time
}

// NewCouponStore returns an empty store.
func NewCouponStore() *CouponStore {
	return &CouponStore{
		byID:    make(map[string]*coupon.Coupon),
		byCode:  make(map[string]string),
		byOrder: make(map[string]coupon.Usage),
		now:     time.Now,
	}
}

func clone(c *coupon.Coupon) *coupon.Coupon {
	out := *c
	out.ApplicableProducts = maps.Clone(c.ApplicableProducts)
	out.ApplicableCategories = maps.Clone(c.ApplicableCategories)
	out.ExcludedProducts = maps.Clone(c.ExcludedProducts)
	out.AllowedUsers = maps.Clone(c.AllowedUsers)
	return &out
}

func (s *CouponStore) FindByCode(_ context.Context, code string) (*coupon.Coupon, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byCode[coupon.NormalizeCode(code)]
	if !ok {
		return nil, coupon.ErrNotFound
	}
	return clone(s.byID[id]), nil
}

func (s *CouponStore) FindByID(_ context.Context, id string) (*coupon.Coupon, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.byID[id]
	if !ok {
		return nil, coupon.ErrNotFound
	}
	return clone(c), nil
}

func (s *CouponStore) Create(_ context.Context, c *coupon.Coupon) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	code := coupon.NormalizeCode(c.Code)
	if _, ok := s.byCode[code]; ok {
		return coupon.ErrCodeTaken
	}
	c.Code = code
	s.byID[c.ID] = clone(c)
	s.byCode[code] = c.ID
	return nil
}

func (s *CouponStore) UpdateStatus(_ context.Context, id string, status coupon.Status) (*coupon.Coupon, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.byID[id]
	if !ok {
		return nil, coupon.ErrNotFound
	}
	c.Status = status
	c.UpdatedAt = s.now()
	return clone(c), nil
}

func (s *CouponStore) List(_ context.Context, f coupon.ListFilter, now time.Time) ([]coupon.Coupon, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]coupon.Coupon, 0, len(s.byID))
	for _, c := range s.byID {
		if f.Status != "" && c.Status != f.Status {
			continue
		}
		if f.Type != "" && c.Type != f.Type {
			continue
		}
		if f.ActiveOnly {
			if c.Status != coupon.StatusActive || now.Before(c.StartDate) {
				continue
			}
			if c.EndDate != nil && now.After(*c.EndDate) {
				continue
			}
		}
		out = append(out, *clone(c))
	}
	slices.SortFunc(out, func(a, b coupon.Coupon) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *CouponStore) CountUserUses(_ context.Context, couponID, userID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.userUses(couponID, userID), nil
}

// userUses must be called with mu held.
func (s *CouponStore) userUses(couponID, userID string) int {
	n := 0
	for _, u := range s.byOrder {
		if u.CouponID == couponID && u.UserID == userID {
			n++
		}
	}
	return n
}

func (s *CouponStore) ApplyUsage(_ context.Context, u coupon.Usage) (*coupon.Coupon, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.byID[u.CouponID]
	if !ok {
		return nil, coupon.ErrNotFound
	}
	if _, dup := s.byOrder[u.OrderID]; dup {
		return nil, coupon.ErrDuplicateUsage
	}
	switch {
	case c.Status == coupon.StatusDepleted:
		return nil, coupon.ErrDepleted
	case c.Status != coupon.StatusActive:
		return nil, coupon.ErrInactive
	case c.MaxUses != nil && c.CurrentUses >= *c.MaxUses:
		return nil, coupon.ErrDepleted
	}
	if s.userUses(c.ID, u.UserID) >= c.MaxUsesPerUser {
		return nil, coupon.ErrUserLimit
	}

	c.CurrentUses++
	if c.MaxUses != nil && c.CurrentUses >= *c.MaxUses {
		c.Status = coupon.StatusDepleted
	}
	c.UpdatedAt = s.now()
	s.byOrder[u.OrderID] = u
	return clone(c), nil
}

func (s *CouponStore) RevertUsage(_ context.Context, orderID string) (*coupon.Usage, *coupon.Coupon, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.byOrder[orderID]
	if !ok {
		return nil, nil, coupon.ErrUsageNotFound
	}
	delete(s.byOrder, orderID)

	c := s.byID[u.CouponID]
	c.CurrentUses = max(c.CurrentUses-1, 0)
	if c.Status == coupon.StatusDepleted && (c.MaxUses == nil || c.CurrentUses < *c.MaxUses) {
		c.Status = coupon.StatusActive
	}
	c.UpdatedAt = s.now()
	return &u, clone(c), nil
}

func (s *CouponStore) UserUsageCounts(_ context.Context, userID string) (map[string]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	counts := make(map[string]int)
	for _, u := range s.byOrder {
		if u.UserID == userID {
			counts[u.CouponID]++
		}
	}
	return counts, nil
}

func (s *CouponStore) Stats(_ context.Context, couponID string) (coupon.Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byID[couponID]; !ok {
		return coupon.Stats{}, coupon.ErrNotFound
	}
	usages := lo.Filter(lo.Values(s.byOrder), func(u coupon.Usage, _ int) bool {
		return u.CouponID == couponID
	})

	var st coupon.Stats
	st.TotalUses = len(usages)
	st.TotalDiscount = lo.SumBy(usages, func(u coupon.Usage) int64 { return u.DiscountAmount })
	st.UniqueUsers = len(lo.Uniq(lo.Map(usages, func(u coupon.Usage, _ int) string { return u.UserID })))
	st.AvgDiscount = decimal.Zero
	if st.TotalUses > 0 {
		st.AvgDiscount = decimal.NewFromInt(st.TotalDiscount).Div(decimal.NewFromInt(int64(st.TotalUses))).Round(2)
	}
	return st, nil
}

// Ping satisfies the readiness probe; the in-process store is always up.
func (s *CouponStore) Ping(context.Context) error {
	return nil
}

var _ coupon.OrderHistory = (*OrderStore)(nil)

type order struct {
	userID    string
	cancelled bool
}

// OrderStore is an in-memory order history.
type OrderStore struct {
	mu     sync.Mutex
	orders map[string]*order
}

// NewOrderStore returns an empty order history.
func NewOrderStore() *OrderStore {
	return &OrderStore{orders: make(map[string]*order)}
}

// Record stores a placed order. Recording the same id twice is a no-op.
func (s *OrderStore) Record(_ context.Context, userID, orderID string, _ int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.orders[orderID]; !ok {
		s.orders[orderID] = &order{userID: userID}
	}
	return nil
}

// Cancel marks an order as cancelled.
func (s *OrderStore) Cancel(_ context.Context, orderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if o, ok := s.orders[orderID]; ok {
		o.cancelled = true
	}
	return nil
}

func (s *OrderStore) CountActiveOrders(_ context.Context, userID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, o := range s.orders {
		if o.userID == userID && !o.cancelled {
			n++
		}
	}
	return n, nil
}
