// Package handler exposes the coupon and loyalty engines as a JSON API over
// net/http. Authentication is done by the gateway in front of the service;
// the caller identity arrives in the X-User-ID header.
package handler

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/xenking/promo-ledger/internal/domain/coupon"
	"github.com/xenking/promo-ledger/internal/domain/failure"
	"github.com/xenking/promo-ledger/internal/domain/loyalty"
	"github.com/xenking/promo-ledger/pkg/httpmiddleware"
)

const maxBodyBytes = 1 << 20

// Handler serves the promotion API.
type Handler struct {
	coupons  *coupon.Service
	loyalty  *loyalty.Ledger
	validate *validator.Validate

	validations metric.Int64Counter
	outcomes    metric.Int64Counter
	points      metric.Int64Counter
}

// New creates a Handler. A nil meter disables metrics.
func New(coupons *coupon.Service, ledger *loyalty.Ledger, meter metric.Meter) (*Handler, error) {
	if meter == nil {
		meter = noop.NewMeterProvider().Meter("promo-ledger")
	}
	h := &Handler{
		coupons:  coupons,
		loyalty:  ledger,
		validate: validator.New(),
	}

	var err error
	if h.validations, err = meter.Int64Counter("promo.coupon.validations",
		metric.WithDescription("Coupon validations by result code"),
	); err != nil {
		return nil, errors.Wrap(err, "validations counter")
	}
	if h.outcomes, err = meter.Int64Counter("promo.outcomes",
		metric.WithDescription("Rejected operations by outcome code"),
	); err != nil {
		return nil, errors.Wrap(err, "outcomes counter")
	}
	if h.points, err = meter.Int64Counter("promo.loyalty.points",
		metric.WithDescription("Points moved through the ledger by transaction type"),
	); err != nil {
		return nil, errors.Wrap(err, "points counter")
	}
	return h, nil
}

// Routes returns the API mux.
func (h *Handler) Routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/coupons/validate", h.ValidateCoupon)
	mux.HandleFunc("POST /api/coupons/apply", h.ApplyCoupon)
	mux.HandleFunc("POST /api/coupons/revert", h.RevertCoupon)
	mux.HandleFunc("GET /api/coupons/available", h.AvailableCoupons)
	mux.HandleFunc("GET /api/coupons", h.ListCoupons)
	mux.HandleFunc("POST /api/coupons", h.CreateCoupon)
	mux.HandleFunc("POST /api/coupons/bulk", h.GenerateBulk)
	mux.HandleFunc("POST /api/coupons/system/{kind}", h.SystemCoupon)
	mux.HandleFunc("GET /api/coupons/{id}", h.GetCoupon)
	mux.HandleFunc("PUT /api/coupons/{id}/status", h.SetCouponStatus)
	mux.HandleFunc("GET /api/coupons/{id}/stats", h.CouponStats)

	mux.HandleFunc("GET /api/loyalty/dashboard", h.Dashboard)
	mux.HandleFunc("GET /api/loyalty/history", h.History)
	mux.HandleFunc("GET /api/loyalty/tiers", h.Tiers)
	mux.HandleFunc("GET /api/loyalty/stats", h.ProgramStats)
	mux.HandleFunc("GET /api/loyalty/tier-discount", h.TierDiscount)
	mux.HandleFunc("GET /api/loyalty/free-shipping", h.FreeShipping)
	mux.HandleFunc("POST /api/loyalty/earn", h.EarnPurchase)
	mux.HandleFunc("POST /api/loyalty/redeem", h.Redeem)
	mux.HandleFunc("POST /api/loyalty/refund", h.Refund)
	mux.HandleFunc("POST /api/loyalty/bonus/{kind}", h.Bonus)
	mux.HandleFunc("POST /api/loyalty/adjust", h.Adjust)

	return mux
}

// errorResponse is the error envelope of every non-2xx response.
type errorResponse struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func badRequest(w http.ResponseWriter, reason string) {
	fe := failure.New(failure.InvalidRequest, map[string]any{"reason": reason})
	writeJSON(w, http.StatusBadRequest, errorResponse{Code: fe.Code.String(), Message: fe.Message, Details: fe.Details})
}

// statusOf maps an expected outcome to its HTTP status.
func statusOf(code failure.Code) int {
	switch code {
	case failure.InvalidRequest:
		return http.StatusBadRequest
	case failure.DuplicateUsage:
		return http.StatusConflict
	default:
		return http.StatusUnprocessableEntity
	}
}

// rejection counts an expected outcome and renders its envelope.
func (h *Handler) rejection(ctx context.Context, op string, fe *failure.Error) errorResponse {
	h.outcomes.Add(ctx, 1, metric.WithAttributes(
		attribute.String("op", op),
		attribute.String("code", fe.Code.String()),
	))
	zctx.From(ctx).Debug("Request rejected", zap.String("op", op), zap.String("code", fe.Code.String()))
	return errorResponse{Code: fe.Code.String(), Message: fe.Message, Details: fe.Details}
}

// fail writes err. Outcomes and lookup misses keep their code; anything else
// is logged and reported as 500 without internals.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	ctx := r.Context()
	if fe, ok := failure.As(err); ok {
		writeJSON(w, statusOf(fe.Code), h.rejection(ctx, op, fe))
		return
	}

	switch {
	case errors.Is(err, coupon.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Code: failure.NotFound.String(), Message: "Coupon not found"})
		return
	case errors.Is(err, coupon.ErrCodeTaken):
		writeJSON(w, http.StatusConflict, errorResponse{Code: "COUPON_CODE_TAKEN", Message: "Coupon code already exists"})
		return
	case errors.Is(err, context.Canceled):
		return
	}

	trace.SpanFromContext(ctx).RecordError(err)
	zctx.From(ctx).Error("Request failed", zap.String("op", op), zap.Error(err))
	writeJSON(w, http.StatusInternalServerError, errorResponse{Code: "INTERNAL", Message: "internal server error"})
}

// decode reads a JSON body into v and runs struct validation on it.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		badRequest(w, "malformed JSON body: "+err.Error())
		return false
	}
	if err := h.validate.Struct(v); err != nil {
		badRequest(w, err.Error())
		return false
	}
	return true
}

// caller returns the authenticated user id, writing 400 when it is missing.
func caller(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := r.Header.Get(httpmiddleware.UserIDHeader)
	if id == "" {
		badRequest(w, "missing "+httpmiddleware.UserIDHeader+" header")
		return "", false
	}
	trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("promo.user_id", id))
	return id, true
}

// queryInt parses an optional non-negative integer query parameter.
func queryInt(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, true
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		badRequest(w, name+" must be a non-negative integer")
		return 0, false
	}
	return n, true
}
