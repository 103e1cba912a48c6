package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/promo-ledger/internal/domain/coupon"
)

const couponColumns = `id, code, name, description, type, discount_type, discount_value,
	max_discount, min_purchase, max_uses, max_uses_per_user, current_uses,
	start_date, end_date, applicable_products, applicable_categories,
	excluded_products, allowed_users, buy_quantity, get_quantity, status,
	created_by, created_at, updated_at`

const (
	getCouponByCodeSQL = `SELECT ` + couponColumns + ` FROM coupons WHERE code = UPPER($1)`
	getCouponByIDSQL   = `SELECT ` + couponColumns + ` FROM coupons WHERE id = $1`

	createCouponSQL = `INSERT INTO coupons (` + couponColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16,
			$17, $18, $19, $20, $21, $22, $23, $24)`

	updateCouponStatusSQL = `UPDATE coupons SET status = $2, updated_at = NOW()
		WHERE id = $1 RETURNING ` + couponColumns

	listCouponsSQL = `SELECT ` + couponColumns + ` FROM coupons
		WHERE ($1 = '' OR status = $1)
		  AND ($2 = '' OR type = $2)
		  AND (NOT $3 OR (status = 'active' AND start_date <= $4 AND (end_date IS NULL OR end_date >= $4)))
		ORDER BY created_at DESC
		LIMIT NULLIF($5, 0)`
)

var _ coupon.Repository = (*CouponRepository)(nil)

// CouponRepository implements coupon.Repository backed by PostgreSQL.
type CouponRepository struct {
	pool *pgxpool.Pool
}

// NewCouponRepository returns a CouponRepository that uses the given pool.
func NewCouponRepository(pool *pgxpool.Pool) *CouponRepository {
	return &CouponRepository{pool: pool}
}

// FindByCode looks up a coupon by its normalized code.
func (r *CouponRepository) FindByCode(ctx context.Context, code string) (*coupon.Coupon, error) {
	return r.findOne(ctx, getCouponByCodeSQL, code)
}

// FindByID looks up a coupon by id.
func (r *CouponRepository) FindByID(ctx context.Context, id string) (*coupon.Coupon, error) {
	return r.findOne(ctx, getCouponByIDSQL, id)
}

func (r *CouponRepository) findOne(ctx context.Context, query, arg string) (*coupon.Coupon, error) {
	rows, err := r.pool.Query(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("finding coupon %q: %w", arg, err)
	}
	c, err := pgx.CollectExactlyOneRow(rows, scanCoupon)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, coupon.ErrNotFound
		}
		return nil, fmt.Errorf("finding coupon %q: %w", arg, err)
	}
	return &c, nil
}

// Create inserts c. A taken code yields coupon.ErrCodeTaken.
func (r *CouponRepository) Create(ctx context.Context, c *coupon.Coupon) error {
	c.Code = coupon.NormalizeCode(c.Code)
	_, err := r.pool.Exec(ctx, createCouponSQL,
		c.ID, c.Code, c.Name, c.Description, string(c.Type), string(c.DiscountType), c.DiscountValue,
		c.MaxDiscount, c.MinPurchase, c.MaxUses, c.MaxUsesPerUser, c.CurrentUses,
		c.StartDate, c.EndDate, c.ApplicableProducts.Slice(), c.ApplicableCategories.Slice(),
		c.ExcludedProducts.Slice(), c.AllowedUsers.Slice(), c.BuyQuantity, c.GetQuantity, string(c.Status),
		c.CreatedBy, c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err, "coupons_code_key") {
			return coupon.ErrCodeTaken
		}
		return fmt.Errorf("creating coupon %q: %w", c.Code, err)
	}
	return nil
}

// UpdateStatus sets the status of a coupon and returns the updated row.
func (r *CouponRepository) UpdateStatus(ctx context.Context, id string, status coupon.Status) (*coupon.Coupon, error) {
	rows, err := r.pool.Query(ctx, updateCouponStatusSQL, id, string(status))
	if err != nil {
		return nil, fmt.Errorf("updating coupon %q: %w", id, err)
	}
	c, err := pgx.CollectExactlyOneRow(rows, scanCoupon)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, coupon.ErrNotFound
		}
		return nil, fmt.Errorf("updating coupon %q: %w", id, err)
	}
	return &c, nil
}

// List returns coupons matching the filter, newest first.
func (r *CouponRepository) List(ctx context.Context, f coupon.ListFilter, now time.Time) ([]coupon.Coupon, error) {
	rows, err := r.pool.Query(ctx, listCouponsSQL, string(f.Status), string(f.Type), f.ActiveOnly, now, f.Limit)
	if err != nil {
		return nil, fmt.Errorf("listing coupons: %w", err)
	}
	list, err := pgx.CollectRows(rows, scanCoupon)
	if err != nil {
		return nil, fmt.Errorf("listing coupons: %w", err)
	}
	return list, nil
}

func scanCoupon(row pgx.CollectableRow) (coupon.Coupon, error) {
	var (
		c                      coupon.Coupon
		typ, discountType      string
		status                 string
		products, categories   []string
		excluded, allowedUsers []string
	)
	err := row.Scan(
		&c.ID, &c.Code, &c.Name, &c.Description, &typ, &discountType, &c.DiscountValue,
		&c.MaxDiscount, &c.MinPurchase, &c.MaxUses, &c.MaxUsesPerUser, &c.CurrentUses,
		&c.StartDate, &c.EndDate, &products, &categories,
		&excluded, &allowedUsers, &c.BuyQuantity, &c.GetQuantity, &status,
		&c.CreatedBy, &c.CreatedAt, &c.UpdatedAt,
	)
	c.Type = coupon.Type(typ)
	c.DiscountType = coupon.DiscountType(discountType)
	c.Status = coupon.Status(status)
	c.ApplicableProducts = coupon.NewIDSet(products...)
	c.ApplicableCategories = coupon.NewIDSet(categories...)
	c.ExcludedProducts = coupon.NewIDSet(excluded...)
	c.AllowedUsers = coupon.NewIDSet(allowedUsers...)
	return c, err
}
