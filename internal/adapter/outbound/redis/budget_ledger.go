package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/apathy-ca/sark-sub006/internal/domain/budget"
)

// BudgetLedger accumulates per-principal spend in the shared store. Entries
// are keyed by principal and accounting period and expire when the period
// rolls over, so resets need no sweeper.
type BudgetLedger struct {
	client *redis.Client
	now    func() time.Time
}

var _ budget.Ledger = (*BudgetLedger)(nil)

// NewBudgetLedger creates a ledger on the given client.
func NewBudgetLedger(client *redis.Client) *BudgetLedger {
	return &BudgetLedger{client: client, now: time.Now}
}

// ledgerKey embeds the period boundary so each window accumulates under its
// own key. daily: budget:<principal>:daily:2026-03-01, monthly: ...:2026-03.
func (l *BudgetLedger) ledgerKey(principalID string, window budget.Window) string {
	now := l.now().UTC()
	var period string
	switch window {
	case budget.WindowMonthly:
		period = now.Format("2006-01")
	default:
		period = now.Format("2006-01-02")
	}
	return fmt.Sprintf("budget:%s:%s:%s", principalID, window, period)
}

// Add atomically adds amount to the principal's spend in the window and
// returns the new total.
func (l *BudgetLedger) Add(ctx context.Context, principalID string, window budget.Window, amount float64) (float64, error) {
	key := l.ledgerKey(principalID, window)

	total, err := l.client.IncrByFloat(ctx, key, amount).Result()
	if err != nil {
		return 0, fmt.Errorf("budget ledger add: %w", err)
	}

	// Expire at rollover plus a day of slack for retrospective reads.
	ttl := time.Until(window.ResetAt(l.now())) + 24*time.Hour
	_ = l.client.Expire(ctx, key, ttl).Err()

	return total, nil
}

// Spent returns the principal's current spend in the window.
func (l *BudgetLedger) Spent(ctx context.Context, principalID string, window budget.Window) (float64, error) {
	raw, err := l.client.Get(ctx, l.ledgerKey(principalID, window)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("budget ledger get: %w", err)
	}

	total, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("budget ledger decode: %w", err)
	}
	return total, nil
}
