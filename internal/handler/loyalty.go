package handler

import (
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/xenking/promo-ledger/internal/domain/loyalty"
)

func (h *Handler) countPoints(r *http.Request, t loyalty.TxType, points int64) {
	if points < 0 {
		points = -points
	}
	h.points.Add(r.Context(), points, metric.WithAttributes(attribute.String("type", string(t))))
}

type progressResponse struct {
	NextTier        loyalty.TierID `json:"nextTier"`
	PointsNeeded    int64          `json:"pointsNeeded"`
	ProgressPercent string         `json:"progressPercent"`
}

type dashboardResponse struct {
	Account        accountResponse       `json:"account"`
	Tier           tierResponse          `json:"tier"`
	PointsValue    int64                 `json:"pointsValue"`
	Spendable      int64                 `json:"spendablePoints"`
	ExpiringPoints int64                 `json:"expiringPoints"`
	ExpiringDays   int                   `json:"expiringDays"`
	ExpiredPoints  int64                 `json:"expiredPoints"`
	Progress       *progressResponse     `json:"progress,omitempty"`
	RecentActivity []transactionResponse `json:"recentActivity"`
}

// Dashboard returns the caller's loyalty summary.
func (h *Handler) Dashboard(w http.ResponseWriter, r *http.Request) {
	userID, ok := caller(w, r)
	if !ok {
		return
	}
	d, err := h.loyalty.Dashboard(r.Context(), userID)
	if err != nil {
		h.fail(w, r, "dashboard", err)
		return
	}
	resp := dashboardResponse{
		Account:        toAccount(d.Account),
		Tier:           toTier(d.Tier),
		PointsValue:    d.PointsValue,
		Spendable:      d.Spendable,
		ExpiringPoints: d.ExpiringPoints,
		ExpiringDays:   d.ExpiringDays,
		ExpiredPoints:  d.ExpiredPoints,
		RecentActivity: toTransactions(d.RecentActivity),
	}
	if d.Progress != nil {
		resp.Progress = &progressResponse{
			NextTier:        d.Progress.NextTier.ID,
			PointsNeeded:    d.Progress.PointsNeeded,
			ProgressPercent: d.Progress.ProgressPercent.String(),
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// History returns the caller's transactions, newest first.
func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	userID, ok := caller(w, r)
	if !ok {
		return
	}
	limit, ok := queryInt(w, r, "limit")
	if !ok {
		return
	}
	list, err := h.loyalty.History(r.Context(), userID, int(limit))
	if err != nil {
		h.fail(w, r, "history", err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactions(list))
}

// Tiers lists the tier table.
func (h *Handler) Tiers(w http.ResponseWriter, _ *http.Request) {
	tiers := h.loyalty.Tiers()
	out := make([]tierResponse, len(tiers))
	for i, t := range tiers {
		out[i] = toTier(t)
	}
	writeJSON(w, http.StatusOK, out)
}

type programStatsResponse struct {
	Members        int                    `json:"members"`
	TotalEarned    int64                  `json:"totalEarned"`
	TotalAvailable int64                  `json:"totalAvailable"`
	PointsValue    int64                  `json:"pointsValue"`
	ByTier         map[loyalty.TierID]int `json:"byTier"`
}

// ProgramStats returns membership and points totals.
func (h *Handler) ProgramStats(w http.ResponseWriter, r *http.Request) {
	st, err := h.loyalty.ProgramStats(r.Context())
	if err != nil {
		h.fail(w, r, "program_stats", err)
		return
	}
	writeJSON(w, http.StatusOK, programStatsResponse{
		Members:        st.Members,
		TotalEarned:    st.TotalEarned,
		TotalAvailable: st.TotalAvailable,
		PointsValue:    st.PointsValue,
		ByTier:         st.ByTier,
	})
}

type tierDiscountResponse struct {
	Tier            loyalty.TierID `json:"tier"`
	HasDiscount     bool           `json:"hasDiscount"`
	DiscountPercent string         `json:"discountPercent"`
	Amount          int64          `json:"amount"`
}

// TierDiscount returns the caller's permanent tier discount on cartTotal.
func (h *Handler) TierDiscount(w http.ResponseWriter, r *http.Request) {
	userID, ok := caller(w, r)
	if !ok {
		return
	}
	total, ok := queryInt(w, r, "cartTotal")
	if !ok {
		return
	}
	td, err := h.loyalty.TierDiscount(r.Context(), userID, total)
	if err != nil {
		h.fail(w, r, "tier_discount", err)
		return
	}
	writeJSON(w, http.StatusOK, tierDiscountResponse{
		Tier:            td.Tier.ID,
		HasDiscount:     td.HasDiscount,
		DiscountPercent: td.DiscountPercent.String(),
		Amount:          td.Amount,
	})
}

type freeShippingResponse struct {
	Tier            loyalty.TierID `json:"tier"`
	Qualifies       bool           `json:"qualifies"`
	MinimumRequired int64          `json:"minimumRequired"`
	AmountNeeded    int64          `json:"amountNeeded"`
}

// FreeShipping reports whether cartTotal ships free for the caller's tier.
func (h *Handler) FreeShipping(w http.ResponseWriter, r *http.Request) {
	userID, ok := caller(w, r)
	if !ok {
		return
	}
	total, ok := queryInt(w, r, "cartTotal")
	if !ok {
		return
	}
	fs, err := h.loyalty.FreeShipping(r.Context(), userID, total)
	if err != nil {
		h.fail(w, r, "free_shipping", err)
		return
	}
	writeJSON(w, http.StatusOK, freeShippingResponse{
		Tier:            fs.Tier.ID,
		Qualifies:       fs.Qualifies,
		MinimumRequired: fs.MinimumRequired,
		AmountNeeded:    fs.AmountNeeded,
	})
}

type earnRequest struct {
	OrderID string `json:"orderId" validate:"required"`
	Amount  int64  `json:"amount" validate:"gte=0"`
}

type earnResponse struct {
	BasePoints      int64  `json:"basePoints"`
	EarnedPoints    int64  `json:"earnedPoints"`
	Multiplier      string `json:"multiplier"`
	NewBalance      int64  `json:"newBalance"`
	AlreadyCredited bool   `json:"alreadyCredited"`
}

// EarnPurchase credits the caller for a completed order.
func (h *Handler) EarnPurchase(w http.ResponseWriter, r *http.Request) {
	userID, ok := caller(w, r)
	if !ok {
		return
	}
	var req earnRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.loyalty.EarnPurchase(r.Context(), userID, req.OrderID, req.Amount)
	if err != nil {
		h.fail(w, r, "earn", err)
		return
	}
	if !res.AlreadyCredited {
		h.countPoints(r, loyalty.TxEarnPurchase, res.EarnedPoints)
	}
	writeJSON(w, http.StatusOK, earnResponse{
		BasePoints:      res.BasePoints,
		EarnedPoints:    res.EarnedPoints,
		Multiplier:      res.Multiplier,
		NewBalance:      res.NewBalance,
		AlreadyCredited: res.AlreadyCredited,
	})
}

type redeemRequest struct {
	Points  int64  `json:"points" validate:"gt=0"`
	OrderID string `json:"orderId" validate:"required"`
}

type redeemResponse struct {
	PointsRedeemed int64  `json:"pointsRedeemed"`
	DiscountValue  int64  `json:"discountValue"`
	NewBalance     int64  `json:"newBalance"`
	TransactionID  string `json:"transactionId"`
}

// Redeem converts the caller's points into a discount on an order.
func (h *Handler) Redeem(w http.ResponseWriter, r *http.Request) {
	userID, ok := caller(w, r)
	if !ok {
		return
	}
	var req redeemRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.loyalty.Redeem(r.Context(), userID, req.Points, req.OrderID)
	if err != nil {
		h.fail(w, r, "redeem", err)
		return
	}
	h.countPoints(r, loyalty.TxRedeem, res.PointsRedeemed)
	writeJSON(w, http.StatusOK, redeemResponse{
		PointsRedeemed: res.PointsRedeemed,
		DiscountValue:  res.DiscountValue,
		NewBalance:     res.NewBalance,
		TransactionID:  res.Transaction.ID,
	})
}

type refundResponse struct {
	Refunded       bool  `json:"refunded"`
	PointsRefunded int64 `json:"pointsRefunded"`
}

// Refund returns the points redeemed on a cancelled order.
func (h *Handler) Refund(w http.ResponseWriter, r *http.Request) {
	var req orderRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.loyalty.Refund(r.Context(), req.OrderID)
	if err != nil {
		h.fail(w, r, "refund", err)
		return
	}
	if res.Refunded {
		h.countPoints(r, loyalty.TxRefund, res.PointsRefunded)
	}
	writeJSON(w, http.StatusOK, refundResponse{Refunded: res.Refunded, PointsRefunded: res.PointsRefunded})
}

type bonusRequest struct {
	ReviewID   string `json:"reviewId"`
	HasPhoto   bool   `json:"hasPhoto"`
	ReferredID string `json:"referredId"`

	// Admin grants only.
	UserID  string `json:"userId"`
	BonusID string `json:"bonusId" validate:"max=128"`
	Points  int64  `json:"points" validate:"gte=0,lte=1000000"`
	Reason  string `json:"reason" validate:"max=500"`
}

type bonusResponse struct {
	AlreadyGranted bool  `json:"alreadyGranted"`
	EarnedPoints   int64 `json:"earnedPoints"`
}

// Bonus grants one of the one-off bonuses to the caller. The "grant" kind is
// an admin bonus credited to userId, deduplicated by bonusId.
func (h *Handler) Bonus(w http.ResponseWriter, r *http.Request) {
	userID, ok := caller(w, r)
	if !ok {
		return
	}
	var req bonusRequest
	if !h.decode(w, r, &req) {
		return
	}
	ctx := r.Context()

	var (
		res *loyalty.BonusResult
		typ loyalty.TxType
		err error
	)
	switch kind := r.PathValue("kind"); kind {
	case "review":
		if req.ReviewID == "" {
			badRequest(w, "reviewId is required")
			return
		}
		typ = loyalty.TxEarnReview
		res, err = h.loyalty.EarnReview(ctx, userID, req.ReviewID, req.HasPhoto)
	case "referral":
		if req.ReferredID == "" {
			badRequest(w, "referredId is required")
			return
		}
		typ = loyalty.TxEarnReferral
		res, err = h.loyalty.GrantReferral(ctx, userID, req.ReferredID)
	case "birthday":
		typ = loyalty.TxEarnBirthday
		res, err = h.loyalty.GrantBirthday(ctx, userID)
	case "signup":
		typ = loyalty.TxEarnSignup
		res, err = h.loyalty.GrantSignup(ctx, userID)
	case "grant":
		if req.UserID == "" || req.BonusID == "" || req.Points <= 0 {
			badRequest(w, "userId, bonusId and positive points are required")
			return
		}
		typ = loyalty.TxEarnBonus
		res, err = h.loyalty.GrantBonus(ctx, req.UserID, req.Points, req.BonusID, req.Reason, userID)
	default:
		badRequest(w, "unknown bonus kind "+kind)
		return
	}
	if err != nil {
		h.fail(w, r, "bonus", err)
		return
	}
	if !res.AlreadyGranted {
		h.countPoints(r, typ, res.EarnedPoints)
	}
	writeJSON(w, http.StatusOK, bonusResponse{AlreadyGranted: res.AlreadyGranted, EarnedPoints: res.EarnedPoints})
}

type adjustRequest struct {
	UserID string `json:"userId" validate:"required"`
	Points int64  `json:"points" validate:"ne=0"`
	Reason string `json:"reason" validate:"required,max=500"`
}

type adjustResponse struct {
	Account      accountResponse     `json:"account"`
	Transaction  transactionResponse `json:"transaction"`
	PreviousTier loyalty.TierID      `json:"previousTier"`
}

// Adjust applies a manual correction by the calling admin.
func (h *Handler) Adjust(w http.ResponseWriter, r *http.Request) {
	adminID, ok := caller(w, r)
	if !ok {
		return
	}
	var req adjustRequest
	if !h.decode(w, r, &req) {
		return
	}
	rec, err := h.loyalty.Adjust(r.Context(), req.UserID, req.Points, req.Reason, adminID)
	if err != nil {
		h.fail(w, r, "adjust", err)
		return
	}
	h.countPoints(r, loyalty.TxAdjust, req.Points)
	writeJSON(w, http.StatusOK, adjustResponse{
		Account:      toAccount(rec.Account),
		Transaction:  toTransaction(rec.Transaction),
		PreviousTier: rec.PreviousTier,
	})
}
