// Package cache provides an advisory in-process cache for coupon lookups.
package cache

import (
	"context"
	"sync"
	"time"

	"github.com/go-faster/sdk/zctx"
	goCache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/xenking/promo-ledger/internal/domain/coupon"
)

var (
	_ coupon.Repository  = (*Coupons)(nil)
	_ coupon.Invalidator = (*Coupons)(nil)
)

// Coupons caches coupon reads of an underlying repository. Every write that
// goes through it, and every Invalidate call, drops the cached copies of the
// coupon before returning.
//
// A read that misses records the invalidation generation before going to
// the repository and stores its result only if no invalidation happened in
// the meantime, so a copy fetched before a write is never cached after it.
type Coupons struct {
	next  coupon.Repository
	cache *goCache.Cache

	mu  sync.Mutex
	gen uint64
}

// NewCoupons wraps next with a cache whose entries live for ttl.
func NewCoupons(next coupon.Repository, ttl, cleanup time.Duration) *Coupons {
	return &Coupons{
		next:  next,
		cache: goCache.New(ttl, cleanup),
	}
}

func codeKey(code string) string { return "code:" + coupon.NormalizeCode(code) }
func idKey(id string) string     { return "id:" + id }

func (c *Coupons) get(key string) (*coupon.Coupon, bool) {
	v, ok := c.cache.Get(key)
	if !ok {
		return nil, false
	}
	cp := *v.(*coupon.Coupon)
	return &cp, true
}

func (c *Coupons) generation() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen
}

// put caches v unless an invalidation happened after gen was read.
func (c *Coupons) put(v *coupon.Coupon, gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if gen != c.gen {
		return
	}
	cp := *v
	c.cache.SetDefault(codeKey(v.Code), &cp)
	c.cache.SetDefault(idKey(v.ID), &cp)
}

func (c *Coupons) FindByCode(ctx context.Context, code string) (*coupon.Coupon, error) {
	if v, ok := c.get(codeKey(code)); ok {
		return v, nil
	}
	gen := c.generation()
	v, err := c.next.FindByCode(ctx, code)
	if err != nil {
		return nil, err
	}
	c.put(v, gen)
	return v, nil
}

func (c *Coupons) FindByID(ctx context.Context, id string) (*coupon.Coupon, error) {
	if v, ok := c.get(idKey(id)); ok {
		return v, nil
	}
	gen := c.generation()
	v, err := c.next.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	c.put(v, gen)
	return v, nil
}

func (c *Coupons) Create(ctx context.Context, v *coupon.Coupon) error {
	return c.next.Create(ctx, v)
}

func (c *Coupons) UpdateStatus(ctx context.Context, id string, status coupon.Status) (*coupon.Coupon, error) {
	v, err := c.next.UpdateStatus(ctx, id, status)
	if err != nil {
		return nil, err
	}
	c.Invalidate(ctx, v)
	return v, nil
}

// List is never cached.
func (c *Coupons) List(ctx context.Context, filter coupon.ListFilter, now time.Time) ([]coupon.Coupon, error) {
	return c.next.List(ctx, filter, now)
}

// Invalidate drops every cached copy of v.
func (c *Coupons) Invalidate(ctx context.Context, v *coupon.Coupon) {
	if v == nil {
		return
	}
	c.mu.Lock()
	c.gen++
	c.cache.Delete(codeKey(v.Code))
	c.cache.Delete(idKey(v.ID))
	c.mu.Unlock()
	zctx.From(ctx).Debug("Coupon cache invalidated", zap.String("code", v.Code))
}

// Len returns the number of cached entries.
func (c *Coupons) Len() int { return c.cache.ItemCount() }
