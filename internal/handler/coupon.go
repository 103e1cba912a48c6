package handler

import (
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/xenking/promo-ledger/internal/domain/coupon"
)

type validateRequest struct {
	Code string      `json:"code" validate:"required"`
	Cart cartRequest `json:"cart"`
}

type discountResponse struct {
	Amount           int64  `json:"amount"`
	Description      string `json:"description"`
	ApplicableItems  int    `json:"applicableItems"`
	EligibleSubtotal int64  `json:"eligibleSubtotal"`
}

type validateResponse struct {
	Valid    bool             `json:"valid"`
	Coupon   couponResponse   `json:"coupon"`
	Discount discountResponse `json:"discount"`
}

// validateRejection is the error envelope of a failed validation, marked
// with valid=false.
type validateRejection struct {
	Valid bool `json:"valid"`
	errorResponse
}

// ValidateCoupon checks a code against the caller's cart.
func (h *Handler) ValidateCoupon(w http.ResponseWriter, r *http.Request) {
	userID, ok := caller(w, r)
	if !ok {
		return
	}
	var req validateRequest
	if !h.decode(w, r, &req) {
		return
	}

	res, err := h.coupons.Validate(r.Context(), req.Code, req.Cart.snapshot(), userID)
	if err != nil {
		h.fail(w, r, "validate", err)
		return
	}
	result := "valid"
	if !res.Valid {
		result = res.Failure.Code.String()
	}
	h.validations.Add(r.Context(), 1, metric.WithAttributes(attribute.String("result", result)))
	if !res.Valid {
		writeJSON(w, statusOf(res.Failure.Code), validateRejection{
			errorResponse: h.rejection(r.Context(), "validate", res.Failure),
		})
		return
	}

	writeJSON(w, http.StatusOK, validateResponse{
		Valid:  true,
		Coupon: toCoupon(res.Coupon),
		Discount: discountResponse{
			Amount:           res.Discount.Amount,
			Description:      res.Discount.Description,
			ApplicableItems:  res.Discount.ApplicableCount,
			EligibleSubtotal: res.Discount.EligibleSubtotal,
		},
	})
}

type applyRequest struct {
	CouponID       string `json:"couponId" validate:"required"`
	OrderID        string `json:"orderId" validate:"required"`
	DiscountAmount int64  `json:"discountAmount" validate:"gte=0"`
}

type usageResponse struct {
	ID             string `json:"id"`
	CouponID       string `json:"couponId"`
	OrderID        string `json:"orderId"`
	UserID         string `json:"userId"`
	DiscountAmount int64  `json:"discountAmount"`
}

// ApplyCoupon records a coupon use for an order of the caller.
func (h *Handler) ApplyCoupon(w http.ResponseWriter, r *http.Request) {
	userID, ok := caller(w, r)
	if !ok {
		return
	}
	var req applyRequest
	if !h.decode(w, r, &req) {
		return
	}

	u, err := h.coupons.Apply(r.Context(), req.CouponID, req.OrderID, userID, req.DiscountAmount)
	if err != nil {
		h.fail(w, r, "apply", err)
		return
	}
	writeJSON(w, http.StatusCreated, usageResponse{
		ID:             u.ID,
		CouponID:       u.CouponID,
		OrderID:        u.OrderID,
		UserID:         u.UserID,
		DiscountAmount: u.DiscountAmount,
	})
}

type orderRequest struct {
	OrderID string `json:"orderId" validate:"required"`
}

// RevertCoupon releases the coupon use of a cancelled order.
func (h *Handler) RevertCoupon(w http.ResponseWriter, r *http.Request) {
	var req orderRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.coupons.Revert(r.Context(), req.OrderID); err != nil {
		h.fail(w, r, "revert", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// AvailableCoupons lists the coupons the caller can still redeem.
func (h *Handler) AvailableCoupons(w http.ResponseWriter, r *http.Request) {
	userID, ok := caller(w, r)
	if !ok {
		return
	}
	list, err := h.coupons.AvailableForUser(r.Context(), userID)
	if err != nil {
		h.fail(w, r, "available", err)
		return
	}
	writeJSON(w, http.StatusOK, toCoupons(list))
}

// ListCoupons lists coupons for administration.
func (h *Handler) ListCoupons(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryInt(w, r, "limit")
	if !ok {
		return
	}
	q := r.URL.Query()
	list, err := h.coupons.List(r.Context(), coupon.ListFilter{
		Status:     coupon.Status(q.Get("status")),
		Type:       coupon.Type(q.Get("type")),
		ActiveOnly: q.Get("activeOnly") == "true",
		Limit:      int(limit),
	})
	if err != nil {
		h.fail(w, r, "list", err)
		return
	}
	writeJSON(w, http.StatusOK, toCoupons(list))
}

// CreateCoupon creates a coupon on behalf of the calling admin.
func (h *Handler) CreateCoupon(w http.ResponseWriter, r *http.Request) {
	adminID, ok := caller(w, r)
	if !ok {
		return
	}
	var req createCouponRequest
	if !h.decode(w, r, &req) {
		return
	}
	c, err := h.coupons.Create(r.Context(), req.params(adminID))
	if err != nil {
		h.fail(w, r, "create", err)
		return
	}
	writeJSON(w, http.StatusCreated, toCoupon(c))
}

type bulkRequest struct {
	Template createCouponRequest `json:"template"`
	Prefix   string              `json:"prefix" validate:"max=20"`
	Quantity int                 `json:"quantity" validate:"gte=1,lte=10000"`
}

type bulkResponse struct {
	Count int      `json:"count"`
	Codes []string `json:"codes"`
}

// GenerateBulk creates a batch of single-use codes.
func (h *Handler) GenerateBulk(w http.ResponseWriter, r *http.Request) {
	adminID, ok := caller(w, r)
	if !ok {
		return
	}
	var req bulkRequest
	if !h.decode(w, r, &req) {
		return
	}
	list, err := h.coupons.GenerateBulk(r.Context(), req.Template.params(adminID), req.Prefix, req.Quantity)
	if err != nil {
		h.fail(w, r, "bulk", err)
		return
	}
	codes := make([]string, len(list))
	for i, c := range list {
		codes[i] = c.Code
	}
	writeJSON(w, http.StatusCreated, bulkResponse{Count: len(codes), Codes: codes})
}

type systemCouponRequest struct {
	UserID     string `json:"userId"`
	ReferredID string `json:"referredId"`
	// Seasonal campaigns reuse the admin creation payload.
	Seasonal *createCouponRequest `json:"seasonal"`
}

// SystemCoupon issues the coupons triggered by platform events: first
// purchase, birthday, referral and seasonal campaigns.
func (h *Handler) SystemCoupon(w http.ResponseWriter, r *http.Request) {
	var req systemCouponRequest
	if !h.decode(w, r, &req) {
		return
	}
	ctx := r.Context()

	var (
		out []couponResponse
		err error
	)
	switch kind := r.PathValue("kind"); kind {
	case "first-purchase", "birthday":
		if req.UserID == "" {
			badRequest(w, "userId is required")
			return
		}
		create := h.coupons.CreateFirstPurchaseCoupon
		if kind == "birthday" {
			create = h.coupons.CreateBirthdayCoupon
		}
		var c *coupon.Coupon
		if c, err = create(ctx, req.UserID); err == nil {
			out = []couponResponse{toCoupon(c)}
		}
	case "referral":
		if req.UserID == "" || req.ReferredID == "" {
			badRequest(w, "userId and referredId are required")
			return
		}
		var rc *coupon.ReferralCoupons
		if rc, err = h.coupons.CreateReferralCoupons(ctx, req.UserID, req.ReferredID); err == nil {
			out = []couponResponse{toCoupon(rc.Referrer), toCoupon(rc.Referred)}
		}
	case "seasonal":
		if req.Seasonal == nil {
			badRequest(w, "seasonal is required")
			return
		}
		p := req.Seasonal.params("system")
		var c *coupon.Coupon
		if c, err = h.coupons.CreateSeasonalCoupon(ctx, coupon.SeasonalParams{
			Code:           p.Code,
			Name:           p.Name,
			Description:    p.Description,
			DiscountType:   p.DiscountType,
			DiscountValue:  p.DiscountValue,
			MaxDiscount:    p.MaxDiscount,
			MinPurchase:    p.MinPurchase,
			MaxUses:        p.MaxUses,
			MaxUsesPerUser: p.MaxUsesPerUser,
			StartDate:      p.StartDate,
			EndDate:        p.EndDate,
			Categories:     p.ApplicableCategories,
			CreatedBy:      p.CreatedBy,
		}); err == nil {
			out = []couponResponse{toCoupon(c)}
		}
	default:
		badRequest(w, "unknown system coupon kind "+kind)
		return
	}
	if err != nil {
		h.fail(w, r, "system_coupon", err)
		return
	}
	writeJSON(w, http.StatusCreated, out)
}

// GetCoupon returns one coupon by id.
func (h *Handler) GetCoupon(w http.ResponseWriter, r *http.Request) {
	c, err := h.coupons.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		h.fail(w, r, "get", err)
		return
	}
	writeJSON(w, http.StatusOK, toCoupon(c))
}

type statusRequest struct {
	Status string `json:"status" validate:"required"`
}

// SetCouponStatus activates or deactivates a coupon.
func (h *Handler) SetCouponStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if !h.decode(w, r, &req) {
		return
	}
	c, err := h.coupons.SetStatus(r.Context(), r.PathValue("id"), coupon.Status(req.Status))
	if err != nil {
		h.fail(w, r, "set_status", err)
		return
	}
	writeJSON(w, http.StatusOK, toCoupon(c))
}

type statsResponse struct {
	TotalUses     int    `json:"totalUses"`
	TotalDiscount int64  `json:"totalDiscount"`
	AvgDiscount   string `json:"avgDiscount"`
	UniqueUsers   int    `json:"uniqueUsers"`
}

// CouponStats returns usage aggregates of a coupon.
func (h *Handler) CouponStats(w http.ResponseWriter, r *http.Request) {
	st, err := h.coupons.Stats(r.Context(), r.PathValue("id"))
	if err != nil {
		h.fail(w, r, "stats", err)
		return
	}
	writeJSON(w, http.StatusOK, statsResponse{
		TotalUses:     st.TotalUses,
		TotalDiscount: st.TotalDiscount,
		AvgDiscount:   st.AvgDiscount.StringFixed(2),
		UniqueUsers:   st.UniqueUsers,
	})
}
