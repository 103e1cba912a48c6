package loyalty_test

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/promo-ledger/internal/domain/failure"
	"github.com/xenking/promo-ledger/internal/domain/loyalty"
	"github.com/xenking/promo-ledger/internal/storage/memory"
)

type recordingNotifier struct {
	mu      sync.Mutex
	changes []loyalty.TierChange
	err     error
}

func (n *recordingNotifier) TierUpgraded(_ context.Context, c loyalty.TierChange) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.changes = append(n.changes, c)
	return n.err
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newLedger(t *testing.T, n loyalty.Notifier) (*loyalty.Ledger, *memory.LoyaltyStore, *clock) {
	t.Helper()
	store := memory.NewLoyaltyStore()
	l, err := loyalty.NewLedger(store, loyalty.DefaultTiers(), loyalty.DefaultPolicy(), n)
	require.NoError(t, err)
	clk := &clock{now: time.Date(2025, 5, 10, 9, 0, 0, 0, time.UTC)}
	l.SetClock(clk.Now)
	return l, store, clk
}

func balance(t *testing.T, l *loyalty.Ledger, userID string) int64 {
	t.Helper()
	acc, err := l.Account(context.Background(), userID)
	require.NoError(t, err)
	return acc.AvailablePoints
}

func TestLedger_RedeemRefundSymmetry(t *testing.T) {
	ctx := context.Background()
	l, _, _ := newLedger(t, nil)

	earned, err := l.EarnPurchase(ctx, "u1", "order-0", 200_000)
	require.NoError(t, err)
	assert.EqualValues(t, 200, earned.EarnedPoints)
	before := balance(t, l, "u1")

	red, err := l.Redeem(ctx, "u1", 150, "order-1")
	require.NoError(t, err)
	assert.EqualValues(t, 150, red.PointsRedeemed)
	assert.EqualValues(t, 1500, red.DiscountValue)
	assert.EqualValues(t, before-150, red.NewBalance)

	ref, err := l.Refund(ctx, "order-1")
	require.NoError(t, err)
	assert.True(t, ref.Refunded)
	assert.EqualValues(t, 150, ref.PointsRefunded)
	assert.Equal(t, before, balance(t, l, "u1"))

	ref, err = l.Refund(ctx, "order-1")
	require.NoError(t, err)
	assert.False(t, ref.Refunded)
	assert.Equal(t, before, balance(t, l, "u1"))

	acc, err := l.Account(ctx, "u1")
	require.NoError(t, err)
	assert.EqualValues(t, 200, acc.TotalPoints, "refund must not count as earned")
}

func TestLedger_RefundWithoutRedemption(t *testing.T) {
	l, _, _ := newLedger(t, nil)
	ref, err := l.Refund(context.Background(), "unknown-order")
	require.NoError(t, err)
	assert.False(t, ref.Refunded)
}

func TestLedger_RedeemRejections(t *testing.T) {
	ctx := context.Background()
	l, _, _ := newLedger(t, nil)

	_, err := l.GrantSignup(ctx, "u1")
	require.NoError(t, err)

	_, err = l.Redeem(ctx, "u1", 50, "order-1")
	fe, ok := failure.As(err)
	require.True(t, ok)
	assert.Equal(t, failure.BelowMinRedeem, fe.Code)
	assert.EqualValues(t, 100, fe.Details["minRedeem"])

	_, err = l.Redeem(ctx, "u1", 150, "order-1")
	fe, ok = failure.As(err)
	require.True(t, ok)
	assert.Equal(t, failure.InsufficientPoints, fe.Code)
	assert.EqualValues(t, 100, fe.Details["available"])
	assert.EqualValues(t, 150, fe.Details["requested"])

	_, err = l.Redeem(ctx, "u1", 100, "order-1")
	require.NoError(t, err)
	assert.Zero(t, balance(t, l, "u1"))
}

func TestLedger_ConcurrentRedeem(t *testing.T) {
	ctx := context.Background()
	l, _, _ := newLedger(t, nil)

	_, err := l.Adjust(ctx, "u1", 250, "goodwill", "admin-1")
	require.NoError(t, err)

	var (
		g  errgroup.Group
		ok atomic.Int32
	)
	for i := range 16 {
		g.Go(func() error {
			_, err := l.Redeem(ctx, "u1", 100, fmt.Sprintf("order-%d", i))
			switch {
			case err == nil:
				ok.Add(1)
				return nil
			case failure.HasCode(err, failure.InsufficientPoints):
				return nil
			default:
				return err
			}
		})
	}
	require.NoError(t, g.Wait())

	assert.EqualValues(t, 2, ok.Load())
	assert.EqualValues(t, 50, balance(t, l, "u1"))
}

func TestLedger_BirthdayOncePerYear(t *testing.T) {
	ctx := context.Background()
	l, store, clk := newLedger(t, nil)

	first, err := l.GrantBirthday(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, first.AlreadyGranted)
	assert.EqualValues(t, 100, first.EarnedPoints)

	second, err := l.GrantBirthday(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, second.AlreadyGranted)

	txs, err := store.Transactions(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, txs, 1)

	clk.Advance(365 * 24 * time.Hour)
	third, err := l.GrantBirthday(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, third.AlreadyGranted)
}

func TestLedger_OneTimeBonuses(t *testing.T) {
	ctx := context.Background()
	l, _, _ := newLedger(t, nil)

	r, err := l.GrantSignup(ctx, "u1")
	require.NoError(t, err)
	assert.EqualValues(t, 100, r.EarnedPoints)
	r, err = l.GrantSignup(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, r.AlreadyGranted)

	r, err = l.GrantReferral(ctx, "u1", "friend-1")
	require.NoError(t, err)
	assert.EqualValues(t, 200, r.EarnedPoints)
	r, err = l.GrantReferral(ctx, "u1", "friend-2")
	require.NoError(t, err)
	assert.True(t, r.AlreadyGranted)

	_, err = l.GrantReferral(ctx, "u1", "u1")
	assert.True(t, failure.HasCode(err, failure.InvalidRequest))

	r, err = l.EarnReview(ctx, "u1", "review-1", true)
	require.NoError(t, err)
	assert.EqualValues(t, 100, r.EarnedPoints)
	r, err = l.EarnReview(ctx, "u1", "review-1", true)
	require.NoError(t, err)
	assert.True(t, r.AlreadyGranted)

	assert.EqualValues(t, 400, balance(t, l, "u1"))
}

func TestLedger_GrantBonus(t *testing.T) {
	ctx := context.Background()
	l, _, _ := newLedger(t, nil)

	r, err := l.GrantBonus(ctx, "u1", 250, "campaign-7:u1", "spring campaign", "admin-1")
	require.NoError(t, err)
	assert.EqualValues(t, 250, r.EarnedPoints)
	require.NotNil(t, r.Transaction)
	assert.Equal(t, loyalty.TxEarnBonus, r.Transaction.Type)
	assert.Equal(t, loyalty.RefAdmin, r.Transaction.Reference.Type)

	r, err = l.GrantBonus(ctx, "u1", 250, "campaign-7:u1", "spring campaign", "admin-1")
	require.NoError(t, err)
	assert.True(t, r.AlreadyGranted)
	assert.EqualValues(t, 250, balance(t, l, "u1"))

	_, err = l.GrantBonus(ctx, "u1", 0, "campaign-8:u1", "", "admin-1")
	assert.True(t, failure.HasCode(err, failure.InvalidRequest))
	_, err = l.GrantBonus(ctx, "u1", 10, "", "", "admin-1")
	assert.True(t, failure.HasCode(err, failure.InvalidRequest))
}

func TestLedger_EarnPurchaseIdempotent(t *testing.T) {
	ctx := context.Background()
	l, _, _ := newLedger(t, nil)

	first, err := l.EarnPurchase(ctx, "u1", "order-1", 50_000)
	require.NoError(t, err)
	assert.EqualValues(t, 50, first.EarnedPoints)

	second, err := l.EarnPurchase(ctx, "u1", "order-1", 50_000)
	require.NoError(t, err)
	assert.True(t, second.AlreadyCredited)
	assert.EqualValues(t, 50, balance(t, l, "u1"))

	small, err := l.EarnPurchase(ctx, "u1", "order-2", 999)
	require.NoError(t, err)
	assert.Zero(t, small.EarnedPoints)
	assert.Nil(t, small.Transaction)
}

func TestLedger_TierUpgradeAndDowngrade(t *testing.T) {
	ctx := context.Background()
	n := &recordingNotifier{err: errors.New("smtp down")}
	l, _, _ := newLedger(t, n)

	_, err := l.EarnPurchase(ctx, "u1", "order-1", 499_000)
	require.NoError(t, err)
	acc, err := l.Account(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, loyalty.TierBronze, acc.Tier)

	r, err := l.Earn(ctx, loyalty.Entry{UserID: "u1", Type: loyalty.TxEarnBonus, Points: 1, Description: "promo"})
	require.NoError(t, err, "notification failures must not fail the posting")
	assert.Equal(t, loyalty.TierSilver, r.Account.Tier)
	require.Len(t, n.changes, 1)
	assert.Equal(t, loyalty.TierBronze, n.changes[0].From.ID)
	assert.Equal(t, loyalty.TierSilver, n.changes[0].To.ID)

	// Purchases at silver use the silver multiplier.
	earned, err := l.EarnPurchase(ctx, "u1", "order-2", 100_000)
	require.NoError(t, err)
	assert.EqualValues(t, 125, earned.EarnedPoints)

	adj, err := l.Adjust(ctx, "u1", -200, "fraud correction", "admin-1")
	require.NoError(t, err)
	assert.Equal(t, loyalty.TierBronze, adj.Account.Tier)
	assert.EqualValues(t, 425, adj.Account.TotalPoints)
	assert.Len(t, n.changes, 1, "downgrades are not notified")

	_, err = l.Adjust(ctx, "u1", -10_000, "too much", "admin-1")
	assert.True(t, failure.HasCode(err, failure.InsufficientPoints))
	assert.EqualValues(t, 425, balance(t, l, "u1"))
}

func TestLedger_EarnRejectsNonEarnTypes(t *testing.T) {
	l, _, _ := newLedger(t, nil)
	_, err := l.Earn(context.Background(), loyalty.Entry{UserID: "u1", Type: loyalty.TxRedeem, Points: 10})
	assert.True(t, failure.HasCode(err, failure.InvalidRequest))
	_, err = l.Earn(context.Background(), loyalty.Entry{UserID: "u1", Type: loyalty.TxEarnBonus, Points: 0})
	assert.True(t, failure.HasCode(err, failure.InvalidRequest))
}

func TestLedger_ExpiryAccounting(t *testing.T) {
	ctx := context.Background()
	l, _, clk := newLedger(t, nil)
	day := 24 * time.Hour

	_, err := l.EarnPurchase(ctx, "u1", "order-1", 300_000)
	require.NoError(t, err)
	clk.Advance(300 * day)
	_, err = l.EarnPurchase(ctx, "u1", "order-2", 100_000)
	require.NoError(t, err)

	clk.Advance(40 * day)
	d, err := l.Dashboard(ctx, "u1")
	require.NoError(t, err)
	assert.EqualValues(t, 300, d.ExpiringPoints)
	assert.Zero(t, d.ExpiredPoints)
	assert.EqualValues(t, 400, d.Spendable)

	clk.Advance(26 * day)
	d, err = l.Dashboard(ctx, "u1")
	require.NoError(t, err)
	assert.EqualValues(t, 300, d.ExpiredPoints)
	assert.EqualValues(t, 100, d.Spendable)
	assert.EqualValues(t, 400, d.Account.AvailablePoints)

	_, err = l.Redeem(ctx, "u1", 150, "order-3")
	assert.True(t, failure.HasCode(err, failure.InsufficientPoints))
	assert.EqualValues(t, 100, balance(t, l, "u1"))

	swept, err := l.Expire(ctx, "u1")
	require.NoError(t, err)
	assert.Zero(t, swept)

	_, err = l.Redeem(ctx, "u1", 100, "order-3")
	require.NoError(t, err)
	assert.Zero(t, balance(t, l, "u1"))
}

func TestLedger_Dashboard(t *testing.T) {
	ctx := context.Background()
	l, _, _ := newLedger(t, nil)

	_, err := l.EarnPurchase(ctx, "u1", "order-1", 1_000_000)
	require.NoError(t, err)

	d, err := l.Dashboard(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, loyalty.TierSilver, d.Tier.ID)
	assert.EqualValues(t, 10_000, d.PointsValue)
	require.NotNil(t, d.Progress)
	assert.Equal(t, loyalty.TierGold, d.Progress.NextTier.ID)
	assert.EqualValues(t, 500, d.Progress.PointsNeeded)
	assert.Equal(t, "50", d.Progress.ProgressPercent.String())
	assert.Len(t, d.RecentActivity, 1)

	empty, err := l.Dashboard(ctx, "nobody")
	require.NoError(t, err)
	assert.Equal(t, loyalty.TierBronze, empty.Tier.ID)
	assert.Zero(t, empty.Account.AvailablePoints)
}

func TestLedger_ProgramStats(t *testing.T) {
	ctx := context.Background()
	l, _, _ := newLedger(t, nil)

	_, err := l.GrantSignup(ctx, "u1")
	require.NoError(t, err)
	_, err = l.Adjust(ctx, "u2", 5000, "vip", "admin")
	require.NoError(t, err)

	st, err := l.ProgramStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, st.Members)
	assert.EqualValues(t, 5100, st.TotalAvailable)
	assert.EqualValues(t, 51_000, st.PointsValue)
	assert.Equal(t, 1, st.ByTier[loyalty.TierBronze])
	assert.Equal(t, 1, st.ByTier[loyalty.TierPlatinum])
	assert.Equal(t, 0, st.ByTier[loyalty.TierGold])
}
