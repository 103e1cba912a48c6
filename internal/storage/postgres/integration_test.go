//go:build integration

package postgres_test

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/promo-ledger/internal/domain/coupon"
	"github.com/xenking/promo-ledger/internal/domain/failure"
	"github.com/xenking/promo-ledger/internal/domain/loyalty"
	"github.com/xenking/promo-ledger/internal/storage/postgres"
)

var pool *pgxpool.Pool

func TestMain(m *testing.M) {
	os.Exit(testMain(m))
}

func testMain(m *testing.M) int {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	ctr, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "promo",
				"POSTGRES_PASSWORD": "promo",
				"POSTGRES_DB":       "promo",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(time.Minute),
		},
		Started: true,
	})
	if err != nil {
		log.Fatalf("start postgres: %v", err)
	}
	defer func() {
		if err := ctr.Terminate(context.Background()); err != nil {
			log.Printf("terminate postgres: %v", err)
		}
	}()

	host, err := ctr.Host(ctx)
	if err != nil {
		log.Fatalf("host: %v", err)
	}
	port, err := ctr.MappedPort(ctx, "5432/tcp")
	if err != nil {
		log.Fatalf("mapped port: %v", err)
	}

	dsn := fmt.Sprintf("postgres://promo:promo@%s:%s/promo?sslmode=disable", host, port.Port())
	pool, err = postgres.NewPool(ctx, dsn)
	if err != nil {
		log.Fatalf("pool: %v", err)
	}
	defer pool.Close()

	if err := postgres.RunMigrations(ctx, pool); err != nil {
		log.Fatalf("migrations: %v", err)
	}

	return m.Run()
}

func newCoupon(t *testing.T, code string, maxUses *int) *coupon.Coupon {
	t.Helper()
	now := time.Now().UTC().Truncate(time.Microsecond)
	c := &coupon.Coupon{
		ID:                 uuid.New().String(),
		Code:               code,
		Name:               "Integration",
		Type:               coupon.TypeMultiUse,
		DiscountType:       coupon.DiscountPercentage,
		DiscountValue:      decimal.RequireFromString("12.5"),
		MaxDiscount:        lo.ToPtr[int64](5000),
		MaxUses:            maxUses,
		MaxUsesPerUser:     1,
		StartDate:          now.Add(-time.Hour),
		ApplicableProducts: coupon.NewIDSet("p1", "p2"),
		Status:             coupon.StatusActive,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	require.NoError(t, postgres.NewCouponRepository(pool).Create(context.Background(), c))
	return c
}

func TestCouponRepository(t *testing.T) {
	ctx := context.Background()
	repo := postgres.NewCouponRepository(pool)

	c := newCoupon(t, "pg-"+uuid.NewString()[:8], lo.ToPtr(10))

	got, err := repo.FindByCode(ctx, c.Code)
	require.NoError(t, err)
	assert.Equal(t, c.ID, got.ID)
	assert.True(t, got.DiscountValue.Equal(decimal.RequireFromString("12.5")))
	assert.Equal(t, []string{"p1", "p2"}, got.ApplicableProducts.Slice())
	require.NotNil(t, got.MaxDiscount)
	assert.EqualValues(t, 5000, *got.MaxDiscount)
	assert.Nil(t, got.EndDate)

	dup := *c
	dup.ID = uuid.New().String()
	err = repo.Create(ctx, &dup)
	require.ErrorIs(t, err, coupon.ErrCodeTaken)

	_, err = repo.FindByCode(ctx, "does-not-exist")
	require.ErrorIs(t, err, coupon.ErrNotFound)

	updated, err := repo.UpdateStatus(ctx, c.ID, coupon.StatusInactive)
	require.NoError(t, err)
	assert.Equal(t, coupon.StatusInactive, updated.Status)

	active, err := repo.List(ctx, coupon.ListFilter{ActiveOnly: true}, time.Now())
	require.NoError(t, err)
	for _, a := range active {
		assert.NotEqual(t, c.ID, a.ID)
	}
}

func TestUsageRepository_ConcurrentApplyOnLastSlot(t *testing.T) {
	ctx := context.Background()
	usages := postgres.NewUsageRepository(pool)
	c := newCoupon(t, "LAST-"+uuid.NewString()[:8], lo.ToPtr(1))
	ledger := coupon.NewLedger(usages, nil)

	var (
		g  errgroup.Group
		ok atomic.Int32
	)
	for i := range 20 {
		g.Go(func() error {
			_, err := ledger.Apply(ctx, c.ID, uuid.NewString(), fmt.Sprintf("user-%d", i), 100)
			switch {
			case err == nil:
				ok.Add(1)
			case failure.HasCode(err, failure.Depleted):
			default:
				return err
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.EqualValues(t, 1, ok.Load())

	got, err := postgres.NewCouponRepository(pool).FindByID(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.CurrentUses)
	assert.Equal(t, coupon.StatusDepleted, got.Status)
}

func TestUsageRepository_ApplyRevert(t *testing.T) {
	ctx := context.Background()
	usages := postgres.NewUsageRepository(pool)
	c := newCoupon(t, "AR-"+uuid.NewString()[:8], lo.ToPtr(1))
	orderID := uuid.NewString()

	u := coupon.Usage{ID: uuid.NewString(), CouponID: c.ID, OrderID: orderID, UserID: "u1", DiscountAmount: 300, UsedAt: time.Now()}
	applied, err := usages.ApplyUsage(ctx, u)
	require.NoError(t, err)
	assert.Equal(t, coupon.StatusDepleted, applied.Status)

	u.ID = uuid.NewString()
	_, err = usages.ApplyUsage(ctx, u)
	require.ErrorIs(t, err, coupon.ErrDuplicateUsage)

	n, err := usages.CountUserUses(ctx, c.ID, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	st, err := usages.Stats(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, st.TotalUses)
	assert.EqualValues(t, 300, st.TotalDiscount)

	reverted, restored, err := usages.RevertUsage(ctx, orderID)
	require.NoError(t, err)
	assert.Equal(t, orderID, reverted.OrderID)
	assert.Equal(t, 0, restored.CurrentUses)
	assert.Equal(t, coupon.StatusActive, restored.Status)

	_, _, err = usages.RevertUsage(ctx, orderID)
	require.ErrorIs(t, err, coupon.ErrUsageNotFound)

	_, err = usages.ApplyUsage(ctx, coupon.Usage{ID: uuid.NewString(), CouponID: "missing", OrderID: uuid.NewString(), UserID: "u1"})
	require.ErrorIs(t, err, coupon.ErrNotFound)
}

func TestUsageRepository_ConcurrentApplySameUser(t *testing.T) {
	ctx := context.Background()
	usages := postgres.NewUsageRepository(pool)
	c := newCoupon(t, "PU-"+uuid.NewString()[:8], nil)
	ledger := coupon.NewLedger(usages, nil)

	var (
		g  errgroup.Group
		ok atomic.Int32
	)
	for range 10 {
		g.Go(func() error {
			_, err := ledger.Apply(ctx, c.ID, uuid.NewString(), "same-user", 100)
			switch {
			case err == nil:
				ok.Add(1)
			case failure.HasCode(err, failure.AlreadyUsed):
			default:
				return err
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.EqualValues(t, 1, ok.Load())

	n, err := usages.CountUserUses(ctx, c.ID, "same-user")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = usages.ApplyUsage(ctx, coupon.Usage{ID: uuid.NewString(), CouponID: c.ID, OrderID: uuid.NewString(), UserID: "same-user", UsedAt: time.Now()})
	require.ErrorIs(t, err, coupon.ErrUserLimit)
}

func TestUsageRepository_ApplyInactive(t *testing.T) {
	ctx := context.Background()
	usages := postgres.NewUsageRepository(pool)
	c := newCoupon(t, "IN-"+uuid.NewString()[:8], lo.ToPtr(5))

	_, err := postgres.NewCouponRepository(pool).UpdateStatus(ctx, c.ID, coupon.StatusInactive)
	require.NoError(t, err)

	_, err = usages.ApplyUsage(ctx, coupon.Usage{ID: uuid.NewString(), CouponID: c.ID, OrderID: uuid.NewString(), UserID: "u1", UsedAt: time.Now()})
	require.ErrorIs(t, err, coupon.ErrInactive)
}

func TestLoyaltyRepository(t *testing.T) {
	ctx := context.Background()
	store := postgres.NewLoyaltyRepository(pool)
	l, err := loyalty.NewLedger(store, loyalty.DefaultTiers(), loyalty.DefaultPolicy(), nil)
	require.NoError(t, err)
	userID := "user-" + uuid.NewString()

	_, err = store.Account(ctx, userID)
	require.ErrorIs(t, err, loyalty.ErrAccountNotFound)

	_, err = l.Adjust(ctx, userID, 550, "seed", "admin")
	require.NoError(t, err)
	acc, err := store.Account(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, loyalty.TierSilver, acc.Tier)

	var (
		g  errgroup.Group
		ok atomic.Int32
	)
	for i := range 10 {
		g.Go(func() error {
			_, err := l.Redeem(ctx, userID, 200, fmt.Sprintf("%s-order-%d", userID, i))
			switch {
			case err == nil:
				ok.Add(1)
			case failure.HasCode(err, failure.InsufficientPoints):
			default:
				return err
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.EqualValues(t, 2, ok.Load())

	acc, err = store.Account(ctx, userID)
	require.NoError(t, err)
	assert.EqualValues(t, 150, acc.AvailablePoints)

	orderID := userID + "-symmetric"
	_, err = l.Redeem(ctx, userID, 150, orderID)
	require.NoError(t, err)
	acc, err = store.Account(ctx, userID)
	require.NoError(t, err)
	assert.Zero(t, acc.AvailablePoints)

	res, err := l.Refund(ctx, orderID)
	require.NoError(t, err)
	assert.True(t, res.Refunded)
	res, err = l.Refund(ctx, orderID)
	require.NoError(t, err)
	assert.False(t, res.Refunded)

	acc, err = store.Account(ctx, userID)
	require.NoError(t, err)
	assert.EqualValues(t, 150, acc.AvailablePoints)

	redeemed, err := store.FindByReference(ctx, loyalty.TxRedeem, loyalty.Reference{Type: loyalty.RefOrder, ID: orderID})
	require.NoError(t, err)
	assert.EqualValues(t, -150, redeemed.Points)

	history, err := store.History(ctx, userID, 2)
	require.NoError(t, err)
	assert.Len(t, history, 2)

	first, err := l.GrantBirthday(ctx, userID)
	require.NoError(t, err)
	assert.False(t, first.AlreadyGranted)
	second, err := l.GrantBirthday(ctx, userID)
	require.NoError(t, err)
	assert.True(t, second.AlreadyGranted)

	st, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, st.Members, 1)
}

func TestOrderRepository(t *testing.T) {
	ctx := context.Background()
	orders := postgres.NewOrderRepository(pool)
	userID := "user-" + uuid.NewString()
	orderID := uuid.NewString()

	require.NoError(t, orders.Record(ctx, userID, orderID, 12000))
	require.NoError(t, orders.Record(ctx, userID, orderID, 12000))
	n, err := orders.CountActiveOrders(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, orders.Cancel(ctx, orderID))
	n, err = orders.CountActiveOrders(ctx, userID)
	require.NoError(t, err)
	assert.Zero(t, n)
}
