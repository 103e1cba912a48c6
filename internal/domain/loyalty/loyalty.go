// Package loyalty keeps the points ledger of the loyalty program: balances,
// lifetime totals, tiers and the benefits they unlock.
package loyalty

import (
	"context"
	"time"

	"github.com/go-faster/errors"
)

// TxType enumerates ledger transaction types.
type TxType string

const (
	TxEarnPurchase TxType = "earn_purchase"
	TxEarnReview   TxType = "earn_review"
	TxEarnReferral TxType = "earn_referral"
	TxEarnBirthday TxType = "earn_birthday"
	TxEarnBonus    TxType = "earn_bonus"
	TxEarnSignup   TxType = "earn_signup"
	TxRedeem       TxType = "redeem"
	TxExpire       TxType = "expire"
	TxAdjust       TxType = "adjust"
	TxRefund       TxType = "refund"
)

// Valid reports whether t is a known transaction type.
func (t TxType) Valid() bool {
	switch t {
	case TxEarnPurchase, TxEarnReview, TxEarnReferral, TxEarnBirthday, TxEarnBonus,
		TxEarnSignup, TxRedeem, TxExpire, TxAdjust, TxRefund:
		return true
	}
	return false
}

// Earning reports whether t is one of the earn types that count towards the
// lifetime total.
func (t TxType) Earning() bool {
	switch t {
	case TxEarnPurchase, TxEarnReview, TxEarnReferral, TxEarnBirthday, TxEarnBonus, TxEarnSignup:
		return true
	}
	return false
}

// Reference types.
const (
	RefOrder  = "order"
	RefReview = "review"
	RefUser   = "user"
	RefAdmin  = "admin"
)

var (
	// ErrAccountNotFound is returned when a user has no loyalty account yet.
	ErrAccountNotFound = errors.New("loyalty account not found")
	// ErrTransactionNotFound is returned when no transaction matches a lookup.
	ErrTransactionNotFound = errors.New("loyalty transaction not found")
	// ErrInsufficientBalance is returned when a posting would make the
	// available balance negative.
	ErrInsufficientBalance = errors.New("insufficient points balance")
	// ErrDuplicateTransaction is returned when the idempotency key of a
	// posting has already been used.
	ErrDuplicateTransaction = errors.New("duplicate loyalty transaction")
)

// Account is the loyalty state of one user. Tier is derived from
// TotalPoints and cached on the row.
type Account struct {
	UserID          string
	Tier            TierID
	TotalPoints     int64
	AvailablePoints int64
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Reference links a transaction to the entity that caused it.
type Reference struct {
	ID   string
	Type string
}

// Transaction is an append-only ledger entry. Points is a signed delta of
// the available balance.
type Transaction struct {
	ID          string
	UserID      string
	Type        TxType
	Points      int64
	Description string
	Reference   Reference
	// ExpiresAt is set only on positive postings.
	ExpiresAt *time.Time
	// IdempotencyKey is unique across the ledger when set.
	IdempotencyKey string
	CreatedAt      time.Time
}

// Posting is one atomic balance change.
type Posting struct {
	Tx Transaction
	// TotalDelta is added to the lifetime total, which never drops below
	// zero.
	TotalDelta int64
	// InitialTier is the tier of an account created by this posting.
	InitialTier TierID
	// Retier maps the new lifetime total to a tier.
	Retier func(total int64) TierID
}

// PostResult is the account state after a posting.
type PostResult struct {
	Account      Account
	PreviousTier TierID
}

// Stats summarizes the whole program.
type Stats struct {
	Members        int
	TotalEarned    int64
	TotalAvailable int64
	ByTier         map[TierID]int
}

// Store persists accounts and their transaction log.
//
// Post must apply the balance guard, the transaction insert and the tier
// update as one atomic step: concurrent postings against the same account
// must never drive AvailablePoints below zero.
type Store interface {
	Account(ctx context.Context, userID string) (*Account, error)
	Post(ctx context.Context, p Posting) (*PostResult, error)
	// FindByReference returns the oldest transaction of type t for ref.
	FindByReference(ctx context.Context, t TxType, ref Reference) (*Transaction, error)
	// HasTransaction reports whether userID has a transaction of type t
	// created at or after since.
	HasTransaction(ctx context.Context, userID string, t TxType, since time.Time) (bool, error)
	// History returns up to limit transactions, newest first.
	History(ctx context.Context, userID string, limit int) ([]Transaction, error)
	// Transactions returns the full log of userID, oldest first.
	Transactions(ctx context.Context, userID string) ([]Transaction, error)
	Stats(ctx context.Context) (Stats, error)
}

// TierChange describes a tier upgrade.
type TierChange struct {
	UserID string
	From   Tier
	To     Tier
}

// Notifier delivers tier upgrade notifications. Delivery is best effort.
type Notifier interface {
	TierUpgraded(ctx context.Context, change TierChange) error
}

type noopNotifier struct{}

func (noopNotifier) TierUpgraded(context.Context, TierChange) error { return nil }
