package memory

import (
	"context"
	"sync"
	"time"

	"github.com/apathy-ca/sark-sub006/internal/domain/budget"
)

// BudgetLedger is the in-process budget ledger used in single-instance
// deployments and tests. Entries reset when their window rolls over.
type BudgetLedger struct {
	mu      sync.Mutex
	entries map[string]*ledgerEntry
	now     func() time.Time
}

type ledgerEntry struct {
	total   float64
	resetAt time.Time
}

var _ budget.Ledger = (*BudgetLedger)(nil)

// NewBudgetLedger creates an empty ledger.
func NewBudgetLedger() *BudgetLedger {
	return &BudgetLedger{
		entries: make(map[string]*ledgerEntry),
		now:     time.Now,
	}
}

// Add accumulates spend for the principal in the window and returns the new
// total.
func (l *BudgetLedger) Add(ctx context.Context, principalID string, window budget.Window, amount float64) (float64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e := l.entry(principalID, window)
	e.total += amount
	return e.total, nil
}

// Spent returns the principal's current spend in the window.
func (l *BudgetLedger) Spent(ctx context.Context, principalID string, window budget.Window) (float64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.entry(principalID, window).total, nil
}

// entry returns the live entry for the key, resetting rolled-over windows.
// Lock must be held.
func (l *BudgetLedger) entry(principalID string, window budget.Window) *ledgerEntry {
	key := principalID + ":" + string(window)
	now := l.now()

	e, ok := l.entries[key]
	if !ok || !now.Before(e.resetAt) {
		e = &ledgerEntry{resetAt: window.ResetAt(now)}
		l.entries[key] = e
	}
	return e
}
