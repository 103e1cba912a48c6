package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/promo-ledger/internal/domain/coupon"
)

const (
	countActiveOrdersSQL = `SELECT COUNT(*) FROM orders WHERE user_id = $1 AND status <> 'cancelled'`

	recordOrderSQL = `INSERT INTO orders (id, user_id, total) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO NOTHING`

	cancelOrderSQL = `UPDATE orders SET status = 'cancelled' WHERE id = $1`
)

var _ coupon.OrderHistory = (*OrderRepository)(nil)

// OrderRepository reads the order history shared with the order service.
type OrderRepository struct {
	pool *pgxpool.Pool
}

// NewOrderRepository returns an OrderRepository that uses the given pool.
func NewOrderRepository(pool *pgxpool.Pool) *OrderRepository {
	return &OrderRepository{pool: pool}
}

// CountActiveOrders returns the number of non-cancelled orders of userID.
func (r *OrderRepository) CountActiveOrders(ctx context.Context, userID string) (int, error) {
	var n int
	if err := r.pool.QueryRow(ctx, countActiveOrdersSQL, userID).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting orders of %q: %w", userID, err)
	}
	return n, nil
}

// Record stores a placed order. Recording the same id twice is a no-op.
func (r *OrderRepository) Record(ctx context.Context, userID, orderID string, total int64) error {
	if _, err := r.pool.Exec(ctx, recordOrderSQL, orderID, userID, total); err != nil {
		return fmt.Errorf("recording order %q: %w", orderID, err)
	}
	return nil
}

// Cancel marks an order as cancelled.
func (r *OrderRepository) Cancel(ctx context.Context, orderID string) error {
	if _, err := r.pool.Exec(ctx, cancelOrderSQL, orderID); err != nil {
		return fmt.Errorf("cancelling order %q: %w", orderID, err)
	}
	return nil
}
