package coupon_test

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/promo-ledger/internal/domain/coupon"
	"github.com/xenking/promo-ledger/internal/domain/failure"
	"github.com/xenking/promo-ledger/internal/storage/memory"
)

type recordingInvalidator struct {
	mu    sync.Mutex
	codes []string
}

func (r *recordingInvalidator) Invalidate(_ context.Context, c *coupon.Coupon) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.codes = append(r.codes, c.Code)
}

func seedCoupon(t *testing.T, store *memory.CouponStore, maxUses *int) *coupon.Coupon {
	t.Helper()
	c := &coupon.Coupon{
		ID:             "c-" + t.Name(),
		Code:           "LAST",
		Type:           coupon.TypeMultiUse,
		DiscountType:   coupon.DiscountFixedAmount,
		DiscountValue:  decimal.NewFromInt(500),
		MaxUses:        maxUses,
		MaxUsesPerUser: 1,
		Status:         coupon.StatusActive,
	}
	require.NoError(t, store.Create(context.Background(), c))
	return c
}

func TestLedger_ConcurrentApplyOnLastSlot(t *testing.T) {
	ctx := context.Background()
	store := memory.NewCouponStore()
	c := seedCoupon(t, store, lo.ToPtr(1))
	ledger := coupon.NewLedger(store, nil)

	const workers = 32
	var (
		wg        sync.WaitGroup
		succeeded atomic.Int32
		depleted  atomic.Int32
	)
	for i := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := ledger.Apply(ctx, c.ID, fmt.Sprintf("order-%d", i), fmt.Sprintf("user-%d", i), 500)
			switch {
			case err == nil:
				succeeded.Add(1)
			case failure.HasCode(err, failure.Depleted):
				depleted.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, succeeded.Load())
	assert.EqualValues(t, workers-1, depleted.Load())

	got, err := store.FindByID(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.CurrentUses)
	assert.Equal(t, coupon.StatusDepleted, got.Status)
}

func TestLedger_ApplyRevertApply(t *testing.T) {
	ctx := context.Background()
	store := memory.NewCouponStore()
	c := seedCoupon(t, store, lo.ToPtr(1))
	inv := &recordingInvalidator{}
	ledger := coupon.NewLedger(store, inv)

	u, err := ledger.Apply(ctx, c.ID, "order-1", "user-1", 500)
	require.NoError(t, err)
	assert.Equal(t, "order-1", u.OrderID)
	assert.EqualValues(t, 500, u.DiscountAmount)

	_, err = ledger.Apply(ctx, c.ID, "order-2", "user-2", 500)
	require.True(t, failure.HasCode(err, failure.Depleted), "got %v", err)

	require.NoError(t, ledger.Revert(ctx, "order-1"))
	got, err := store.FindByID(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.CurrentUses)
	assert.Equal(t, coupon.StatusActive, got.Status)

	_, err = ledger.Apply(ctx, c.ID, "order-2", "user-2", 500)
	require.NoError(t, err)

	assert.Equal(t, []string{"LAST", "LAST", "LAST"}, inv.codes)
}

func TestLedger_DuplicateOrder(t *testing.T) {
	ctx := context.Background()
	store := memory.NewCouponStore()
	c := seedCoupon(t, store, nil)
	ledger := coupon.NewLedger(store, nil)

	_, err := ledger.Apply(ctx, c.ID, "order-1", "user-1", 100)
	require.NoError(t, err)

	_, err = ledger.Apply(ctx, c.ID, "order-1", "user-1", 100)
	fe, ok := failure.As(err)
	require.True(t, ok, "got %v", err)
	assert.Equal(t, failure.DuplicateUsage, fe.Code)
	assert.Equal(t, "order-1", fe.Details["orderId"])

	got, err := store.FindByID(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.CurrentUses)
}

func TestLedger_RevertUnknownOrder(t *testing.T) {
	ctx := context.Background()
	store := memory.NewCouponStore()
	c := seedCoupon(t, store, lo.ToPtr(3))
	ledger := coupon.NewLedger(store, nil)

	require.NoError(t, ledger.Revert(ctx, "never-applied"))

	_, err := ledger.Apply(ctx, c.ID, "order-1", "user-1", 100)
	require.NoError(t, err)
	require.NoError(t, ledger.Revert(ctx, "order-1"))
	require.NoError(t, ledger.Revert(ctx, "order-1"))

	got, err := store.FindByID(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.CurrentUses)
}

func TestLedger_ApplyInvalid(t *testing.T) {
	ctx := context.Background()
	store := memory.NewCouponStore()
	ledger := coupon.NewLedger(store, nil)

	_, err := ledger.Apply(ctx, "missing", "order-1", "user-1", 100)
	assert.True(t, failure.HasCode(err, failure.NotFound))

	_, err = ledger.Apply(ctx, "missing", "", "user-1", 100)
	assert.True(t, failure.HasCode(err, failure.InvalidRequest))

	_, err = ledger.Apply(ctx, "missing", "order-1", "user-1", -1)
	assert.True(t, failure.HasCode(err, failure.InvalidRequest))
}

func TestLedger_PerUserLimit(t *testing.T) {
	ctx := context.Background()
	store := memory.NewCouponStore()
	c := seedCoupon(t, store, nil)
	ledger := coupon.NewLedger(store, nil)

	_, err := ledger.Apply(ctx, c.ID, "order-1", "user-1", 500)
	require.NoError(t, err)

	for i := 2; i <= 5; i++ {
		_, err = ledger.Apply(ctx, c.ID, fmt.Sprintf("order-%d", i), "user-1", 500)
		require.True(t, failure.HasCode(err, failure.AlreadyUsed), "got %v", err)
	}

	_, err = ledger.Apply(ctx, c.ID, "order-6", "user-2", 500)
	require.NoError(t, err)

	n, err := store.CountUserUses(ctx, c.ID, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := store.FindByID(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.CurrentUses)

	// A reverted use frees the user's slot again.
	require.NoError(t, ledger.Revert(ctx, "order-1"))
	_, err = ledger.Apply(ctx, c.ID, "order-7", "user-1", 500)
	require.NoError(t, err)
}

func TestLedger_ConcurrentApplySameUser(t *testing.T) {
	ctx := context.Background()
	store := memory.NewCouponStore()
	c := seedCoupon(t, store, nil)
	ledger := coupon.NewLedger(store, nil)

	const workers = 16
	var (
		wg          sync.WaitGroup
		succeeded   atomic.Int32
		alreadyUsed atomic.Int32
	)
	for i := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := ledger.Apply(ctx, c.ID, fmt.Sprintf("order-%d", i), "user-1", 500)
			switch {
			case err == nil:
				succeeded.Add(1)
			case failure.HasCode(err, failure.AlreadyUsed):
				alreadyUsed.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, succeeded.Load())
	assert.EqualValues(t, workers-1, alreadyUsed.Load())

	got, err := store.FindByID(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.CurrentUses)
}

func TestLedger_ApplyInactive(t *testing.T) {
	ctx := context.Background()
	store := memory.NewCouponStore()
	c := seedCoupon(t, store, lo.ToPtr(5))
	ledger := coupon.NewLedger(store, nil)

	_, err := store.UpdateStatus(ctx, c.ID, coupon.StatusInactive)
	require.NoError(t, err)

	_, err = ledger.Apply(ctx, c.ID, "order-1", "user-1", 500)
	require.True(t, failure.HasCode(err, failure.Inactive), "got %v", err)

	got, err := store.FindByID(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.CurrentUses)
}
