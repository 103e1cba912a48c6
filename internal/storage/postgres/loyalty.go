package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/promo-ledger/internal/domain/loyalty"
)

const txColumns = `id, user_id, type, points, description, reference_id, reference_type,
	idempotency_key, expires_at, created_at`

const (
	getAccountSQL = `SELECT user_id, tier, total_points, available_points, created_at, updated_at
		FROM loyalty_accounts WHERE user_id = $1`

	ensureAccountSQL = `INSERT INTO loyalty_accounts (user_id, tier, created_at, updated_at)
		VALUES ($1, $2, $3, $3)
		ON CONFLICT (user_id) DO NOTHING`

	// The row lock taken here serializes concurrent postings on one account.
	updateBalanceSQL = `UPDATE loyalty_accounts SET
			available_points = available_points + $2,
			total_points = GREATEST(total_points + $3, 0),
			updated_at = $4
		WHERE user_id = $1 AND available_points + $2 >= 0
		RETURNING user_id, tier, total_points, available_points, created_at, updated_at`

	updateTierSQL = `UPDATE loyalty_accounts SET tier = $2 WHERE user_id = $1`

	insertTxSQL = `INSERT INTO loyalty_transactions (` + txColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	findByReferenceSQL = `SELECT ` + txColumns + ` FROM loyalty_transactions
		WHERE type = $1 AND reference_type = $2 AND reference_id = $3
		ORDER BY created_at, id
		LIMIT 1`

	hasTransactionSQL = `SELECT EXISTS (SELECT 1 FROM loyalty_transactions
		WHERE user_id = $1 AND type = $2 AND created_at >= $3)`

	historySQL = `SELECT ` + txColumns + ` FROM loyalty_transactions
		WHERE user_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2`

	transactionsSQL = `SELECT ` + txColumns + ` FROM loyalty_transactions
		WHERE user_id = $1
		ORDER BY created_at, id`

	programTotalsSQL = `SELECT COUNT(*), COALESCE(SUM(total_points), 0)::BIGINT, COALESCE(SUM(available_points), 0)::BIGINT
		FROM loyalty_accounts`

	tierCountsSQL = `SELECT tier, COUNT(*) FROM loyalty_accounts GROUP BY tier`
)

var _ loyalty.Store = (*LoyaltyRepository)(nil)

// LoyaltyRepository implements loyalty.Store backed by PostgreSQL.
type LoyaltyRepository struct {
	pool *pgxpool.Pool
}

// NewLoyaltyRepository returns a LoyaltyRepository that uses the given pool.
func NewLoyaltyRepository(pool *pgxpool.Pool) *LoyaltyRepository {
	return &LoyaltyRepository{pool: pool}
}

// Account returns the account of userID or loyalty.ErrAccountNotFound.
func (r *LoyaltyRepository) Account(ctx context.Context, userID string) (*loyalty.Account, error) {
	rows, err := r.pool.Query(ctx, getAccountSQL, userID)
	if err != nil {
		return nil, fmt.Errorf("finding account %q: %w", userID, err)
	}
	a, err := pgx.CollectExactlyOneRow(rows, scanAccount)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, loyalty.ErrAccountNotFound
		}
		return nil, fmt.Errorf("finding account %q: %w", userID, err)
	}
	return &a, nil
}

// Post applies p in one transaction: account upsert, guarded balance
// update, transaction insert and tier update.
func (r *LoyaltyRepository) Post(ctx context.Context, p loyalty.Posting) (*loyalty.PostResult, error) {
	t := p.Tx
	var res loyalty.PostResult
	err := inTx(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, ensureAccountSQL, t.UserID, string(p.InitialTier), t.CreatedAt); err != nil {
			return fmt.Errorf("creating account %q: %w", t.UserID, err)
		}

		rows, err := tx.Query(ctx, updateBalanceSQL, t.UserID, t.Points, p.TotalDelta, t.CreatedAt)
		if err != nil {
			return fmt.Errorf("updating balance of %q: %w", t.UserID, err)
		}
		acc, err := pgx.CollectExactlyOneRow(rows, scanAccount)
		if errors.Is(err, pgx.ErrNoRows) {
			return loyalty.ErrInsufficientBalance
		}
		if err != nil {
			return fmt.Errorf("updating balance of %q: %w", t.UserID, err)
		}

		_, err = tx.Exec(ctx, insertTxSQL,
			t.ID, t.UserID, string(t.Type), t.Points, t.Description,
			nullString(t.Reference.ID), nullString(t.Reference.Type),
			nullString(t.IdempotencyKey), t.ExpiresAt, t.CreatedAt,
		)
		if err != nil {
			if isUniqueViolation(err, "loyalty_transactions_idempotency_key_key") {
				return loyalty.ErrDuplicateTransaction
			}
			return fmt.Errorf("inserting transaction for %q: %w", t.UserID, err)
		}

		res.PreviousTier = acc.Tier
		if p.Retier != nil {
			if tier := p.Retier(acc.TotalPoints); tier != acc.Tier {
				if _, err := tx.Exec(ctx, updateTierSQL, t.UserID, string(tier)); err != nil {
					return fmt.Errorf("updating tier of %q: %w", t.UserID, err)
				}
				acc.Tier = tier
			}
		}
		res.Account = acc
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// FindByReference returns the oldest transaction of type t for ref.
func (r *LoyaltyRepository) FindByReference(ctx context.Context, t loyalty.TxType, ref loyalty.Reference) (*loyalty.Transaction, error) {
	rows, err := r.pool.Query(ctx, findByReferenceSQL, string(t), ref.Type, ref.ID)
	if err != nil {
		return nil, fmt.Errorf("finding %s for %s %q: %w", t, ref.Type, ref.ID, err)
	}
	tx, err := pgx.CollectExactlyOneRow(rows, scanTransaction)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, loyalty.ErrTransactionNotFound
		}
		return nil, fmt.Errorf("finding %s for %s %q: %w", t, ref.Type, ref.ID, err)
	}
	return &tx, nil
}

// HasTransaction reports whether userID has a transaction of type t since
// the given time.
func (r *LoyaltyRepository) HasTransaction(ctx context.Context, userID string, t loyalty.TxType, since time.Time) (bool, error) {
	var ok bool
	if err := r.pool.QueryRow(ctx, hasTransactionSQL, userID, string(t), since).Scan(&ok); err != nil {
		return false, fmt.Errorf("checking %s of %q: %w", t, userID, err)
	}
	return ok, nil
}

// History returns up to limit transactions of userID, newest first.
func (r *LoyaltyRepository) History(ctx context.Context, userID string, limit int) ([]loyalty.Transaction, error) {
	return r.list(ctx, historySQL, userID, limit)
}

// Transactions returns the whole log of userID, oldest first.
func (r *LoyaltyRepository) Transactions(ctx context.Context, userID string) ([]loyalty.Transaction, error) {
	return r.list(ctx, transactionsSQL, userID)
}

func (r *LoyaltyRepository) list(ctx context.Context, query string, args ...any) ([]loyalty.Transaction, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing transactions: %w", err)
	}
	txs, err := pgx.CollectRows(rows, scanTransaction)
	if err != nil {
		return nil, fmt.Errorf("listing transactions: %w", err)
	}
	return txs, nil
}

// Stats returns program-wide totals.
func (r *LoyaltyRepository) Stats(ctx context.Context) (loyalty.Stats, error) {
	st := loyalty.Stats{ByTier: make(map[loyalty.TierID]int)}
	if err := r.pool.QueryRow(ctx, programTotalsSQL).Scan(&st.Members, &st.TotalEarned, &st.TotalAvailable); err != nil {
		return loyalty.Stats{}, fmt.Errorf("program totals: %w", err)
	}

	rows, err := r.pool.Query(ctx, tierCountsSQL)
	if err != nil {
		return loyalty.Stats{}, fmt.Errorf("tier counts: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			tier string
			n    int
		)
		if err := rows.Scan(&tier, &n); err != nil {
			return loyalty.Stats{}, fmt.Errorf("scanning tier count: %w", err)
		}
		st.ByTier[loyalty.TierID(tier)] = n
	}
	if err := rows.Err(); err != nil {
		return loyalty.Stats{}, fmt.Errorf("tier counts: %w", err)
	}
	return st, nil
}

func scanAccount(row pgx.CollectableRow) (loyalty.Account, error) {
	var (
		a    loyalty.Account
		tier string
	)
	err := row.Scan(&a.UserID, &tier, &a.TotalPoints, &a.AvailablePoints, &a.CreatedAt, &a.UpdatedAt)
	a.Tier = loyalty.TierID(tier)
	return a, err
}

func scanTransaction(row pgx.CollectableRow) (loyalty.Transaction, error) {
	var (
		t                     loyalty.Transaction
		typ                   string
		refID, refType, idKey *string
	)
	err := row.Scan(
		&t.ID, &t.UserID, &typ, &t.Points, &t.Description, &refID, &refType,
		&idKey, &t.ExpiresAt, &t.CreatedAt,
	)
	t.Type = loyalty.TxType(typ)
	t.Reference = loyalty.Reference{ID: deref(refID), Type: deref(refType)}
	t.IdempotencyKey = deref(idKey)
	return t, err
}
