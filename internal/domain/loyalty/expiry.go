package loyalty

import (
	"slices"
	"time"
)

// Expiry is the read-time expiry accounting of an account.
type Expiry struct {
	// Expired is the amount of points past their expiry that no EXPIRE
	// transaction has swept yet.
	Expired int64
	// Expiring is the amount that expires within the look-ahead window.
	Expiring int64
	// NextExpiry is the earliest future expiry of a remaining lot.
	NextExpiry *time.Time
	// LastExpiredID is the id of the newest lot contributing to Expired.
	LastExpiredID string
}

type lot struct {
	id        string
	remaining int64
	expiresAt time.Time
	expires   bool
}

func (l *lot) expiredAt(t time.Time) bool {
	return l.expires && !l.expiresAt.After(t)
}

// ComputeExpiry replays txs oldest first. Positive postings open lots;
// negative postings consume the oldest lots, live lots first for spending
// and expired lots first for EXPIRE sweeps.
func ComputeExpiry(txs []Transaction, now time.Time, window time.Duration) Expiry {
	sorted := slices.Clone(txs)
	slices.SortStableFunc(sorted, func(a, b Transaction) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})

	var lots []*lot
	for _, tx := range sorted {
		if tx.Points > 0 {
			l := &lot{id: tx.ID, remaining: tx.Points}
			if tx.ExpiresAt != nil {
				l.expiresAt, l.expires = *tx.ExpiresAt, true
			}
			lots = append(lots, l)
			continue
		}
		need := -tx.Points
		if tx.Type == TxExpire {
			need = consume(lots, need, func(l *lot) bool { return l.expiredAt(tx.CreatedAt) })
		} else {
			need = consume(lots, need, func(l *lot) bool { return !l.expiredAt(tx.CreatedAt) })
		}
		consume(lots, need, func(*lot) bool { return true })
	}

	var out Expiry
	horizon := now.Add(window)
	for _, l := range lots {
		if l.remaining <= 0 || !l.expires {
			continue
		}
		switch {
		case l.expiredAt(now):
			out.Expired += l.remaining
			out.LastExpiredID = l.id
		case !l.expiresAt.After(horizon):
			out.Expiring += l.remaining
			fallthrough
		default:
			if out.NextExpiry == nil || l.expiresAt.Before(*out.NextExpiry) {
				at := l.expiresAt
				out.NextExpiry = &at
			}
		}
	}
	return out
}

func consume(lots []*lot, need int64, eligible func(*lot) bool) int64 {
	for _, l := range lots {
		if need <= 0 {
			break
		}
		if l.remaining <= 0 || !eligible(l) {
			continue
		}
		n := min(l.remaining, need)
		l.remaining -= n
		need -= n
	}
	return need
}
