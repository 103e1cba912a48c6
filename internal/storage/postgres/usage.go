package postgres

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/xenking/promo-ledger/internal/domain/coupon"
)

const (
	usageExistsSQL = `SELECT EXISTS (SELECT 1 FROM coupon_usages WHERE order_id = $1)`

	// The row lock serializes every apply of a coupon, so the cap and the
	// per-user count read after it cannot be overtaken by a concurrent use.
	lockCouponSQL = `SELECT status, max_uses, current_uses, max_uses_per_user
		FROM coupons WHERE id = $1 FOR UPDATE`

	// The guard re-checks status and cap on the locked row.
	incrementUsesSQL = `UPDATE coupons SET
			current_uses = current_uses + 1,
			status = CASE WHEN max_uses IS NOT NULL AND current_uses + 1 >= max_uses
				THEN 'depleted' ELSE status END,
			updated_at = NOW()
		WHERE id = $1
		  AND status = 'active'
		  AND (max_uses IS NULL OR current_uses < max_uses)
		RETURNING ` + couponColumns

	insertUsageSQL = `INSERT INTO coupon_usages (id, coupon_id, order_id, user_id, discount_amount, used_at)
		VALUES ($1, $2, $3, $4, $5, $6)`

	deleteUsageSQL = `DELETE FROM coupon_usages WHERE order_id = $1
		RETURNING id, coupon_id, order_id, user_id, discount_amount, used_at`

	decrementUsesSQL = `UPDATE coupons SET
			current_uses = GREATEST(current_uses - 1, 0),
			status = CASE WHEN status = 'depleted' AND (max_uses IS NULL OR current_uses - 1 < max_uses)
				THEN 'active' ELSE status END,
			updated_at = NOW()
		WHERE id = $1
		RETURNING ` + couponColumns

	countUserUsesSQL = `SELECT COUNT(*) FROM coupon_usages WHERE coupon_id = $1 AND user_id = $2`

	userUsageCountsSQL = `SELECT coupon_id, COUNT(*) FROM coupon_usages WHERE user_id = $1 GROUP BY coupon_id`

	couponStatsSQL = `SELECT COUNT(u.id), COALESCE(SUM(u.discount_amount), 0)::BIGINT, COUNT(DISTINCT u.user_id)
		FROM coupons c LEFT JOIN coupon_usages u ON u.coupon_id = c.id
		WHERE c.id = $1
		GROUP BY c.id`
)

var _ coupon.UsageStore = (*UsageRepository)(nil)

// UsageRepository implements coupon.UsageStore backed by PostgreSQL.
type UsageRepository struct {
	pool *pgxpool.Pool
}

// NewUsageRepository returns a UsageRepository that uses the given pool.
func NewUsageRepository(pool *pgxpool.Pool) *UsageRepository {
	return &UsageRepository{pool: pool}
}

// ApplyUsage increments the coupon counter and records u in one
// transaction.
func (r *UsageRepository) ApplyUsage(ctx context.Context, u coupon.Usage) (*coupon.Coupon, error) {
	var out coupon.Coupon
	err := inTx(ctx, r.pool, func(tx pgx.Tx) error {
		var dup bool
		if err := tx.QueryRow(ctx, usageExistsSQL, u.OrderID).Scan(&dup); err != nil {
			return fmt.Errorf("checking usage of order %q: %w", u.OrderID, err)
		}
		if dup {
			return coupon.ErrDuplicateUsage
		}

		var (
			status         string
			maxUses        *int
			currentUses    int
			maxUsesPerUser int
		)
		err := tx.QueryRow(ctx, lockCouponSQL, u.CouponID).Scan(&status, &maxUses, &currentUses, &maxUsesPerUser)
		if errors.Is(err, pgx.ErrNoRows) {
			return coupon.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("locking coupon %q: %w", u.CouponID, err)
		}
		switch {
		case coupon.Status(status) == coupon.StatusDepleted:
			return coupon.ErrDepleted
		case coupon.Status(status) != coupon.StatusActive:
			return coupon.ErrInactive
		case maxUses != nil && currentUses >= *maxUses:
			return coupon.ErrDepleted
		}

		var userUses int
		if err := tx.QueryRow(ctx, countUserUsesSQL, u.CouponID, u.UserID).Scan(&userUses); err != nil {
			return fmt.Errorf("counting uses of coupon %q: %w", u.CouponID, err)
		}
		if userUses >= maxUsesPerUser {
			return coupon.ErrUserLimit
		}

		rows, err := tx.Query(ctx, incrementUsesSQL, u.CouponID)
		if err != nil {
			return fmt.Errorf("incrementing uses of coupon %q: %w", u.CouponID, err)
		}
		out, err = pgx.CollectExactlyOneRow(rows, scanCoupon)
		if errors.Is(err, pgx.ErrNoRows) {
			return coupon.ErrDepleted
		}
		if err != nil {
			return fmt.Errorf("incrementing uses of coupon %q: %w", u.CouponID, err)
		}

		_, err = tx.Exec(ctx, insertUsageSQL, u.ID, u.CouponID, u.OrderID, u.UserID, u.DiscountAmount, u.UsedAt)
		if err != nil {
			if isUniqueViolation(err, "coupon_usages_order_id_key") {
				return coupon.ErrDuplicateUsage
			}
			return fmt.Errorf("inserting usage for order %q: %w", u.OrderID, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// RevertUsage deletes the usage of orderID and gives the slot back.
func (r *UsageRepository) RevertUsage(ctx context.Context, orderID string) (*coupon.Usage, *coupon.Coupon, error) {
	var (
		u coupon.Usage
		c coupon.Coupon
	)
	err := inTx(ctx, r.pool, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, deleteUsageSQL, orderID).Scan(
			&u.ID, &u.CouponID, &u.OrderID, &u.UserID, &u.DiscountAmount, &u.UsedAt,
		)
		if errors.Is(err, pgx.ErrNoRows) {
			return coupon.ErrUsageNotFound
		}
		if err != nil {
			return fmt.Errorf("deleting usage of order %q: %w", orderID, err)
		}

		rows, err := tx.Query(ctx, decrementUsesSQL, u.CouponID)
		if err != nil {
			return fmt.Errorf("decrementing uses of coupon %q: %w", u.CouponID, err)
		}
		c, err = pgx.CollectExactlyOneRow(rows, scanCoupon)
		if err != nil {
			return fmt.Errorf("decrementing uses of coupon %q: %w", u.CouponID, err)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return &u, &c, nil
}

// CountUserUses returns how many orders of userID used couponID.
func (r *UsageRepository) CountUserUses(ctx context.Context, couponID, userID string) (int, error) {
	var n int
	if err := r.pool.QueryRow(ctx, countUserUsesSQL, couponID, userID).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting uses of coupon %q: %w", couponID, err)
	}
	return n, nil
}

// UserUsageCounts returns per-coupon usage counts of userID.
func (r *UsageRepository) UserUsageCounts(ctx context.Context, userID string) (map[string]int, error) {
	rows, err := r.pool.Query(ctx, userUsageCountsSQL, userID)
	if err != nil {
		return nil, fmt.Errorf("counting usages of user %q: %w", userID, err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var (
			id string
			n  int
		)
		if err := rows.Scan(&id, &n); err != nil {
			return nil, fmt.Errorf("scanning usage count: %w", err)
		}
		counts[id] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("counting usages of user %q: %w", userID, err)
	}
	return counts, nil
}

// Stats aggregates the usage rows of couponID.
func (r *UsageRepository) Stats(ctx context.Context, couponID string) (coupon.Stats, error) {
	var st coupon.Stats
	err := r.pool.QueryRow(ctx, couponStatsSQL, couponID).Scan(&st.TotalUses, &st.TotalDiscount, &st.UniqueUsers)
	if errors.Is(err, pgx.ErrNoRows) {
		return coupon.Stats{}, coupon.ErrNotFound
	}
	if err != nil {
		return coupon.Stats{}, fmt.Errorf("coupon %q stats: %w", couponID, err)
	}
	st.AvgDiscount = decimal.Zero
	if st.TotalUses > 0 {
		st.AvgDiscount = decimal.NewFromInt(st.TotalDiscount).Div(decimal.NewFromInt(int64(st.TotalUses))).Round(2)
	}
	return st, nil
}
