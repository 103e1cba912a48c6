// Package notify delivers loyalty notifications. The real dispatch system is
// an external service; Logger records the events that would be sent.
package notify

import (
	"context"
	"sync"

	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/promo-ledger/internal/domain/loyalty"
)

var _ loyalty.Notifier = (*Logger)(nil)

// Logger writes tier upgrades to the request logger and counts them.
type Logger struct {
	mu   sync.Mutex
	sent int
}

// NewLogger creates a Logger notifier.
func NewLogger() *Logger { return &Logger{} }

func (n *Logger) TierUpgraded(ctx context.Context, c loyalty.TierChange) error {
	n.mu.Lock()
	n.sent++
	n.mu.Unlock()

	zctx.From(ctx).Info("Tier upgrade notification",
		zap.String("user_id", c.UserID),
		zap.String("from", c.From.Name),
		zap.String("to", c.To.Name),
		zap.Strings("benefits", c.To.Benefits),
	)
	return nil
}

// Sent returns the number of notifications delivered.
func (n *Logger) Sent() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.sent
}
