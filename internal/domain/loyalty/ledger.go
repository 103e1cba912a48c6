package loyalty

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/xenking/promo-ledger/internal/domain/failure"
)

// Ledger posts loyalty transactions and keeps balances, lifetime totals and
// tiers consistent with them.
type Ledger struct {
	store    Store
	tiers    Tiers
	policy   Policy
	notifier Notifier
	now      func() time.Time
}

// NewLedger creates a Ledger. notifier may be nil.
func NewLedger(store Store, tiers Tiers, policy Policy, notifier Notifier) (*Ledger, error) {
	if err := tiers.Validate(); err != nil {
		return nil, errors.Wrap(err, "tiers")
	}
	if notifier == nil {
		notifier = noopNotifier{}
	}
	return &Ledger{
		store:    store,
		tiers:    tiers,
		policy:   policy,
		notifier: notifier,
		now:      time.Now,
	}, nil
}

// SetClock overrides the time source.
func (l *Ledger) SetClock(now func() time.Time) { l.now = now }

// Tiers returns the tier table.
func (l *Ledger) Tiers() Tiers { return l.tiers }

// Policy returns the program constants.
func (l *Ledger) Policy() Policy { return l.policy }

// Entry is a request to credit points.
type Entry struct {
	UserID         string
	Type           TxType
	Points         int64
	Description    string
	Reference      Reference
	IdempotencyKey string
}

// Receipt is the outcome of a posting.
type Receipt struct {
	Transaction  Transaction
	Account      Account
	PreviousTier TierID
}

// Upgraded reports whether the posting moved the account to a higher tier.
func (r *Receipt) Upgraded(ts Tiers) bool {
	return ts.Above(r.Account.Tier, r.PreviousTier)
}

// Account returns the account of userID. Users without activity get an
// empty account at the lowest tier.
func (l *Ledger) Account(ctx context.Context, userID string) (*Account, error) {
	a, err := l.store.Account(ctx, userID)
	if errors.Is(err, ErrAccountNotFound) {
		return &Account{UserID: userID, Tier: l.tiers[0].ID}, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "get account")
	}
	return a, nil
}

// Earn credits a positive earn transaction. The lifetime total grows by the
// same amount and the tier is re-derived.
func (l *Ledger) Earn(ctx context.Context, e Entry) (*Receipt, error) {
	if !e.Type.Earning() {
		return nil, failure.New(failure.InvalidRequest, map[string]any{"reason": "not an earn transaction type: " + string(e.Type)})
	}
	if e.Points <= 0 {
		return nil, failure.New(failure.InvalidRequest, map[string]any{"reason": "points must be positive"})
	}
	return l.post(ctx, Transaction{
		UserID:         e.UserID,
		Type:           e.Type,
		Points:         e.Points,
		Description:    e.Description,
		Reference:      e.Reference,
		IdempotencyKey: e.IdempotencyKey,
	}, e.Points)
}

// PurchaseEarning is the result of crediting a purchase.
type PurchaseEarning struct {
	BasePoints      int64
	EarnedPoints    int64
	Multiplier      string
	NewBalance      int64
	AlreadyCredited bool
	Transaction     *Transaction
}

// EarnPurchase credits points for a completed order, scaled by the current
// tier multiplier. Crediting the same order twice is a no-op.
func (l *Ledger) EarnPurchase(ctx context.Context, userID, orderID string, amount int64) (*PurchaseEarning, error) {
	if orderID == "" {
		return nil, failure.New(failure.InvalidRequest, map[string]any{"reason": "order id is required"})
	}
	acc, err := l.Account(ctx, userID)
	if err != nil {
		return nil, err
	}
	tier := l.tiers.Get(acc.Tier)
	base, earned := l.policy.PurchasePoints(amount, tier)

	out := &PurchaseEarning{
		BasePoints: base,
		Multiplier: tier.Multiplier.String(),
		NewBalance: acc.AvailablePoints,
	}
	if earned <= 0 {
		return out, nil
	}

	r, err := l.Earn(ctx, Entry{
		UserID:         userID,
		Type:           TxEarnPurchase,
		Points:         earned,
		Description:    "Points for order #" + shortRef(orderID),
		Reference:      Reference{ID: orderID, Type: RefOrder},
		IdempotencyKey: "earn_purchase:order:" + orderID,
	})
	if errors.Is(err, ErrDuplicateTransaction) {
		out.AlreadyCredited = true
		return out, nil
	}
	if err != nil {
		return nil, err
	}
	out.EarnedPoints = earned
	out.NewBalance = r.Account.AvailablePoints
	out.Transaction = &r.Transaction
	return out, nil
}

// BonusResult is the outcome of a one-time bonus.
type BonusResult struct {
	AlreadyGranted bool
	EarnedPoints   int64
	Transaction    *Transaction
}

func (l *Ledger) bonus(ctx context.Context, e Entry) (*BonusResult, error) {
	r, err := l.Earn(ctx, e)
	if errors.Is(err, ErrDuplicateTransaction) {
		return &BonusResult{AlreadyGranted: true}, nil
	}
	if err != nil {
		return nil, err
	}
	return &BonusResult{EarnedPoints: e.Points, Transaction: &r.Transaction}, nil
}

// guarded grants e unless userID already has a transaction of the same
// type since the start of the period.
func (l *Ledger) guarded(ctx context.Context, e Entry, since time.Time) (*BonusResult, error) {
	exists, err := l.store.HasTransaction(ctx, e.UserID, e.Type, since)
	if err != nil {
		return nil, errors.Wrapf(err, "check %s", e.Type)
	}
	if exists {
		return &BonusResult{AlreadyGranted: true}, nil
	}
	return l.bonus(ctx, e)
}

// EarnReview credits a product review once per review.
func (l *Ledger) EarnReview(ctx context.Context, userID, reviewID string, hasPhoto bool) (*BonusResult, error) {
	desc := "Written review"
	if hasPhoto {
		desc = "Review with photo"
	}
	return l.bonus(ctx, Entry{
		UserID:         userID,
		Type:           TxEarnReview,
		Points:         l.policy.ReviewBonus(hasPhoto),
		Description:    desc,
		Reference:      Reference{ID: reviewID, Type: RefReview},
		IdempotencyKey: "earn_review:review:" + reviewID,
	})
}

// GrantReferral credits the referrer. Each user receives the referral
// bonus at most once.
func (l *Ledger) GrantReferral(ctx context.Context, referrerID, referredID string) (*BonusResult, error) {
	if referrerID == referredID {
		return nil, failure.New(failure.InvalidRequest, map[string]any{"reason": "users cannot refer themselves"})
	}
	return l.guarded(ctx, Entry{
		UserID:         referrerID,
		Type:           TxEarnReferral,
		Points:         l.policy.ReferralPoints,
		Description:    "Bonus for referring a friend",
		Reference:      Reference{ID: referredID, Type: RefUser},
		IdempotencyKey: "earn_referral:" + referrerID,
	}, time.Time{})
}

// GrantBirthday credits the tier birthday bonus once per calendar year.
func (l *Ledger) GrantBirthday(ctx context.Context, userID string) (*BonusResult, error) {
	acc, err := l.Account(ctx, userID)
	if err != nil {
		return nil, err
	}
	tier := l.tiers.Get(acc.Tier)
	now := l.now().UTC()
	year := time.Date(now.Year(), time.January, 1, 0, 0, 0, 0, time.UTC)

	return l.guarded(ctx, Entry{
		UserID:         userID,
		Type:           TxEarnBirthday,
		Points:         tier.BirthdayBonus,
		Description:    "Happy birthday! " + tier.Name + " bonus",
		IdempotencyKey: "earn_birthday:" + userID + ":" + strconv.Itoa(now.Year()),
	}, year)
}

// GrantSignup credits the welcome bonus once per user.
func (l *Ledger) GrantSignup(ctx context.Context, userID string) (*BonusResult, error) {
	return l.guarded(ctx, Entry{
		UserID:         userID,
		Type:           TxEarnSignup,
		Points:         l.policy.SignupPoints,
		Description:    "Welcome to the loyalty program",
		IdempotencyKey: "earn_signup:" + userID,
	}, time.Time{})
}

// GrantBonus credits an admin-issued bonus. bonusID is the idempotency
// handle: a repeated grant with the same id reports AlreadyGranted.
func (l *Ledger) GrantBonus(ctx context.Context, userID string, points int64, bonusID, reason, adminID string) (*BonusResult, error) {
	if bonusID == "" {
		return nil, failure.New(failure.InvalidRequest, map[string]any{"reason": "bonus id is required"})
	}
	if points <= 0 {
		return nil, failure.New(failure.InvalidRequest, map[string]any{"reason": "bonus points must be positive"})
	}
	desc := "Bonus points"
	if reason != "" {
		desc = "Bonus: " + reason
	}
	return l.bonus(ctx, Entry{
		UserID:         userID,
		Type:           TxEarnBonus,
		Points:         points,
		Description:    desc,
		Reference:      Reference{ID: adminID, Type: RefAdmin},
		IdempotencyKey: "earn_bonus:" + bonusID,
	})
}

// Redemption is the outcome of spending points.
type Redemption struct {
	PointsRedeemed int64
	DiscountValue  int64
	NewBalance     int64
	Transaction    Transaction
}

// Redeem spends points on orderID. Expired points are swept first so they
// cannot be spent.
func (l *Ledger) Redeem(ctx context.Context, userID string, points int64, orderID string) (*Redemption, error) {
	if orderID == "" {
		return nil, failure.New(failure.InvalidRequest, map[string]any{"reason": "order id is required"})
	}
	if points < l.policy.MinRedeem {
		return nil, failure.New(failure.BelowMinRedeem, map[string]any{
			"minRedeem": l.policy.MinRedeem,
			"requested": points,
		})
	}

	if _, err := l.Expire(ctx, userID); err != nil {
		return nil, err
	}
	acc, err := l.Account(ctx, userID)
	if err != nil {
		return nil, err
	}
	if points > acc.AvailablePoints {
		return nil, insufficient(acc.AvailablePoints, points)
	}

	r, err := l.post(ctx, Transaction{
		UserID:         userID,
		Type:           TxRedeem,
		Points:         -points,
		Description:    "Redeemed on order #" + shortRef(orderID),
		Reference:      Reference{ID: orderID, Type: RefOrder},
		IdempotencyKey: "redeem:order:" + orderID,
	}, 0)
	switch {
	case errors.Is(err, ErrInsufficientBalance):
		// Lost a race with a concurrent posting.
		acc, aerr := l.Account(ctx, userID)
		if aerr != nil {
			return nil, aerr
		}
		return nil, insufficient(acc.AvailablePoints, points)
	case errors.Is(err, ErrDuplicateTransaction):
		return nil, failure.New(failure.DuplicateUsage, map[string]any{"orderId": orderID})
	case err != nil:
		return nil, err
	}

	return &Redemption{
		PointsRedeemed: points,
		DiscountValue:  l.policy.RedemptionValue(points),
		NewBalance:     r.Account.AvailablePoints,
		Transaction:    r.Transaction,
	}, nil
}

func insufficient(available, requested int64) *failure.Error {
	return failure.New(failure.InsufficientPoints, map[string]any{
		"available": available,
		"requested": requested,
	})
}

// RefundResult is the outcome of a refund.
type RefundResult struct {
	Refunded       bool
	PointsRefunded int64
	Transaction    *Transaction
}

// Refund returns the points redeemed on orderID. It is a no-op when the
// order had no redemption or was already refunded.
func (l *Ledger) Refund(ctx context.Context, orderID string) (*RefundResult, error) {
	ref := Reference{ID: orderID, Type: RefOrder}
	redeem, err := l.store.FindByReference(ctx, TxRedeem, ref)
	if errors.Is(err, ErrTransactionNotFound) {
		return &RefundResult{}, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "find redemption")
	}

	_, err = l.store.FindByReference(ctx, TxRefund, ref)
	if err == nil {
		return &RefundResult{}, nil
	}
	if !errors.Is(err, ErrTransactionNotFound) {
		return nil, errors.Wrap(err, "find refund")
	}

	points := -redeem.Points
	r, err := l.post(ctx, Transaction{
		UserID:         redeem.UserID,
		Type:           TxRefund,
		Points:         points,
		Description:    "Refund for order #" + shortRef(orderID),
		Reference:      ref,
		IdempotencyKey: "refund:order:" + orderID,
	}, 0)
	if errors.Is(err, ErrDuplicateTransaction) {
		return &RefundResult{}, nil
	}
	if err != nil {
		return nil, err
	}

	zctx.From(ctx).Info("Points refunded",
		zap.String("user_id", redeem.UserID),
		zap.String("order_id", orderID),
		zap.Int64("points", points),
	)
	return &RefundResult{Refunded: true, PointsRefunded: points, Transaction: &r.Transaction}, nil
}

// Adjust applies an administrative correction. A negative adjustment also
// lowers the lifetime total, which may lower the tier, but never drives the
// available balance below zero.
func (l *Ledger) Adjust(ctx context.Context, userID string, points int64, reason, adminID string) (*Receipt, error) {
	if points == 0 {
		return nil, failure.New(failure.InvalidRequest, map[string]any{"reason": "adjustment must not be zero"})
	}
	r, err := l.post(ctx, Transaction{
		UserID:      userID,
		Type:        TxAdjust,
		Points:      points,
		Description: "Adjustment: " + reason,
		Reference:   Reference{ID: adminID, Type: RefAdmin},
	}, points)
	if errors.Is(err, ErrInsufficientBalance) {
		acc, aerr := l.Account(ctx, userID)
		if aerr != nil {
			return nil, aerr
		}
		return nil, insufficient(acc.AvailablePoints, -points)
	}
	if err != nil {
		return nil, err
	}

	zctx.From(ctx).Info("Points adjusted",
		zap.String("user_id", userID),
		zap.String("admin_id", adminID),
		zap.Int64("points", points),
	)
	return r, nil
}

// Expire sweeps points that are past their expiry by posting an EXPIRE
// transaction. It returns the number of points swept.
func (l *Ledger) Expire(ctx context.Context, userID string) (int64, error) {
	txs, err := l.store.Transactions(ctx, userID)
	if err != nil {
		return 0, errors.Wrap(err, "list transactions")
	}
	exp := ComputeExpiry(txs, l.now(), l.policy.ExpiringWindow())
	if exp.Expired <= 0 {
		return 0, nil
	}

	_, err = l.post(ctx, Transaction{
		UserID:         userID,
		Type:           TxExpire,
		Points:         -exp.Expired,
		Description:    fmt.Sprintf("%d points expired", exp.Expired),
		IdempotencyKey: "expire:" + userID + ":" + exp.LastExpiredID,
	}, 0)
	switch {
	case errors.Is(err, ErrDuplicateTransaction):
		return 0, nil
	case errors.Is(err, ErrInsufficientBalance):
		// Balance already below the expired amount after admin corrections.
		return 0, nil
	case err != nil:
		return 0, err
	}

	zctx.From(ctx).Info("Points expired",
		zap.String("user_id", userID),
		zap.Int64("points", exp.Expired),
	)
	return exp.Expired, nil
}

// History returns the most recent transactions of userID.
func (l *Ledger) History(ctx context.Context, userID string, limit int) ([]Transaction, error) {
	if limit <= 0 {
		limit = 20
	}
	txs, err := l.store.History(ctx, userID, limit)
	if err != nil {
		return nil, errors.Wrap(err, "history")
	}
	return txs, nil
}

// TierDiscount returns the permanent tier discount of userID on cartTotal.
func (l *Ledger) TierDiscount(ctx context.Context, userID string, cartTotal int64) (*TierDiscount, error) {
	acc, err := l.Account(ctx, userID)
	if err != nil {
		return nil, err
	}
	d := DiscountFor(l.tiers.Get(acc.Tier), cartTotal)
	return &d, nil
}

// FreeShipping reports whether userID ships for free on cartTotal.
func (l *Ledger) FreeShipping(ctx context.Context, userID string, cartTotal int64) (*FreeShipping, error) {
	acc, err := l.Account(ctx, userID)
	if err != nil {
		return nil, err
	}
	fs := FreeShippingFor(l.tiers.Get(acc.Tier), cartTotal)
	return &fs, nil
}

// ProgramStats summarizes the program.
type ProgramStats struct {
	Stats
	PointsValue int64
}

// ProgramStats returns membership and points totals.
func (l *Ledger) ProgramStats(ctx context.Context) (*ProgramStats, error) {
	st, err := l.store.Stats(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "program stats")
	}
	for _, t := range l.tiers {
		if _, ok := st.ByTier[t.ID]; !ok {
			if st.ByTier == nil {
				st.ByTier = make(map[TierID]int, len(l.tiers))
			}
			st.ByTier[t.ID] = 0
		}
	}
	return &ProgramStats{Stats: st, PointsValue: l.policy.RedemptionValue(st.TotalAvailable)}, nil
}

func (l *Ledger) post(ctx context.Context, tx Transaction, totalDelta int64) (*Receipt, error) {
	now := l.now()
	tx.ID = ulid.Make().String()
	tx.CreatedAt = now
	if tx.Points > 0 {
		at := now.Add(l.policy.Expiry())
		tx.ExpiresAt = &at
	}

	res, err := l.store.Post(ctx, Posting{
		Tx:          tx,
		TotalDelta:  totalDelta,
		InitialTier: l.tiers[0].ID,
		Retier:      func(total int64) TierID { return l.tiers.For(total).ID },
	})
	if err != nil {
		if errors.Is(err, ErrInsufficientBalance) || errors.Is(err, ErrDuplicateTransaction) {
			return nil, err
		}
		zctx.From(ctx).Error("Post loyalty transaction failed",
			zap.String("user_id", tx.UserID),
			zap.String("type", string(tx.Type)),
			zap.Error(err),
		)
		return nil, errors.Wrap(err, "post transaction")
	}

	r := &Receipt{Transaction: tx, Account: res.Account, PreviousTier: res.PreviousTier}
	if r.Account.Tier != r.PreviousTier {
		l.tierChanged(ctx, r)
	}
	return r, nil
}

func (l *Ledger) tierChanged(ctx context.Context, r *Receipt) {
	lg := zctx.From(ctx).With(
		zap.String("user_id", r.Account.UserID),
		zap.String("from", string(r.PreviousTier)),
		zap.String("to", string(r.Account.Tier)),
	)
	lg.Info("Tier changed")

	if !r.Upgraded(l.tiers) {
		return
	}
	change := TierChange{
		UserID: r.Account.UserID,
		From:   l.tiers.Get(r.PreviousTier),
		To:     l.tiers.Get(r.Account.Tier),
	}
	if err := l.notifier.TierUpgraded(ctx, change); err != nil {
		lg.Warn("Tier upgrade notification failed", zap.Error(err))
	}
}

// shortRef returns the last eight characters of a reference id.
func shortRef(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[len(id)-8:]
}
