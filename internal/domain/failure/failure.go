// Package failure defines the expected, user-facing outcomes of promotion
// and loyalty operations. A *Error is never an infrastructure failure: it
// carries a stable machine code, a rendered message and structured details.
package failure

import (
	"fmt"
	"strings"

	"github.com/go-faster/errors"
)

// Code is a stable machine-readable outcome code.
type Code string

const (
	NotFound         Code = "COUPON_NOT_FOUND"
	Inactive         Code = "COUPON_INACTIVE"
	NotStarted       Code = "COUPON_NOT_STARTED"
	Expired          Code = "COUPON_EXPIRED"
	Depleted         Code = "COUPON_DEPLETED"
	AlreadyUsed      Code = "COUPON_ALREADY_USED"
	NotFirstPurchase Code = "NOT_FIRST_PURCHASE"
	MinAmountNotMet  Code = "MIN_AMOUNT_NOT_MET"
	UserNotEligible  Code = "USER_NOT_ELIGIBLE"
	DuplicateUsage   Code = "DUPLICATE_USAGE"

	InsufficientPoints Code = "INSUFFICIENT_POINTS"
	BelowMinRedeem     Code = "BELOW_MIN_REDEEM"

	InvalidRequest Code = "INVALID_REQUEST"
)

func (c Code) String() string { return string(c) }

// templates maps each code to its message. Placeholders of the form
// {name} are replaced with the matching Details entry.
var templates = map[Code]string{
	NotFound:           "Coupon not found",
	Inactive:           "This coupon is not active",
	NotStarted:         "This coupon is not active yet",
	Expired:            "This coupon has expired",
	Depleted:           "This coupon has no uses left",
	AlreadyUsed:        "You have already used this coupon",
	NotFirstPurchase:   "This coupon is only valid on your first purchase",
	MinAmountNotMet:    "The minimum purchase amount is {minRequired}",
	UserNotEligible:    "You are not eligible for this coupon",
	DuplicateUsage:     "A coupon has already been applied to order {orderId}",
	InsufficientPoints: "Insufficient points: {available} available, {requested} requested",
	BelowMinRedeem:     "A minimum of {minRedeem} points is required to redeem",
	InvalidRequest:     "Invalid request: {reason}",
}

// Error is an expected outcome that callers surface to the end user.
type Error struct {
	Code    Code
	Message string
	Details map[string]any
}

// New builds an Error for code, rendering its message template from details.
func New(code Code, details map[string]any) *Error {
	if details == nil {
		details = map[string]any{}
	}
	return &Error{
		Code:    code,
		Message: render(code, details),
		Details: details,
	}
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is reports whether target is an *Error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// As extracts a *Error from err's chain.
func As(err error) (*Error, bool) {
	var fe *Error
	if errors.As(err, &fe) {
		return fe, true
	}
	return nil, false
}

// HasCode reports whether err carries the given outcome code.
func HasCode(err error, code Code) bool {
	fe, ok := As(err)
	return ok && fe.Code == code
}

func render(code Code, details map[string]any) string {
	tmpl, ok := templates[code]
	if !ok {
		return string(code)
	}
	for k, v := range details {
		tmpl = strings.ReplaceAll(tmpl, "{"+k+"}", fmt.Sprint(v))
	}
	return tmpl
}
