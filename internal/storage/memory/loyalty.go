package memory

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/xenking/promo-ledger/internal/domain/loyalty"
)

var _ loyalty.Store = (*LoyaltyStore)(nil)

// LoyaltyStore keeps accounts and the transaction log. Post holds the lock
// across the balance guard, the insert and the tier update.
type LoyaltyStore struct {
	mu       sync.Mutex
	accounts map[string]*loyalty.Account
	txs      []loyalty.Transaction
	keys     map[string]struct{}
}

// NewLoyaltyStore returns an empty store.
func NewLoyaltyStore() *LoyaltyStore {
	return &LoyaltyStore{
		accounts: make(map[string]*loyalty.Account),
		keys:     make(map[string]struct{}),
	}
}

func (s *LoyaltyStore) Account(_ context.Context, userID string) (*loyalty.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[userID]
	if !ok {
		return nil, loyalty.ErrAccountNotFound
	}
	out := *a
	return &out, nil
}

func (s *LoyaltyStore) Post(_ context.Context, p loyalty.Posting) (*loyalty.PostResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := p.Tx
	if tx.IdempotencyKey != "" {
		if _, dup := s.keys[tx.IdempotencyKey]; dup {
			return nil, loyalty.ErrDuplicateTransaction
		}
	}

	a, ok := s.accounts[tx.UserID]
	if !ok {
		a = &loyalty.Account{
			UserID:    tx.UserID,
			Tier:      p.InitialTier,
			CreatedAt: tx.CreatedAt,
		}
	}
	if a.AvailablePoints+tx.Points < 0 {
		return nil, loyalty.ErrInsufficientBalance
	}

	prev := a.Tier
	a.AvailablePoints += tx.Points
	a.TotalPoints = max(a.TotalPoints+p.TotalDelta, 0)
	if p.Retier != nil {
		a.Tier = p.Retier(a.TotalPoints)
	}
	a.UpdatedAt = tx.CreatedAt

	s.accounts[tx.UserID] = a
	s.txs = append(s.txs, tx)
	if tx.IdempotencyKey != "" {
		s.keys[tx.IdempotencyKey] = struct{}{}
	}
	return &loyalty.PostResult{Account: *a, PreviousTier: prev}, nil
}

func (s *LoyaltyStore) FindByReference(_ context.Context, t loyalty.TxType, ref loyalty.Reference) (*loyalty.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, tx := range s.txs {
		if tx.Type == t && tx.Reference == ref {
			out := tx
			return &out, nil
		}
	}
	return nil, loyalty.ErrTransactionNotFound
}

func (s *LoyaltyStore) HasTransaction(_ context.Context, userID string, t loyalty.TxType, since time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, tx := range s.txs {
		if tx.UserID == userID && tx.Type == t && !tx.CreatedAt.Before(since) {
			return true, nil
		}
	}
	return false, nil
}

func (s *LoyaltyStore) History(_ context.Context, userID string, limit int) ([]loyalty.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []loyalty.Transaction
	for i := len(s.txs) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		if s.txs[i].UserID == userID {
			out = append(out, s.txs[i])
		}
	}
	return out, nil
}

func (s *LoyaltyStore) Transactions(_ context.Context, userID string) ([]loyalty.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []loyalty.Transaction
	for _, tx := range s.txs {
		if tx.UserID == userID {
			out = append(out, tx)
		}
	}
	slices.SortStableFunc(out, func(a, b loyalty.Transaction) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return out, nil
}

func (s *LoyaltyStore) Stats(context.Context) (loyalty.Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := loyalty.Stats{ByTier: make(map[loyalty.TierID]int)}
	for _, a := range s.accounts {
		st.Members++
		st.TotalEarned += a.TotalPoints
		st.TotalAvailable += a.AvailablePoints
		st.ByTier[a.Tier]++
	}
	return st, nil
}
