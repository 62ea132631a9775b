package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/apathy-ca/sark-sub006/internal/domain/budget"
	"github.com/apathy-ca/sark-sub006/internal/domain/fault"
	"github.com/apathy-ca/sark-sub006/internal/domain/registry"
)

// CostService admits cost-bearing invocations against per-principal budget
// ceilings. Capabilities without a cost class bypass admission entirely.
//
// Admission is check-then-commit on the shared ledger; a burst can overshoot
// a ceiling by at most the in-flight estimates, which is accepted. A ledger
// failure denies cost-bearing work: unmetered spend is worse than refused
// spend.
type CostService struct {
	ledger budget.Ledger
	rates  budget.RateTable
	limits budget.Limits
	logger *slog.Logger
}

// NewCostService creates the admission service.
func NewCostService(ledger budget.Ledger, rates budget.RateTable, limits budget.Limits, logger *slog.Logger) *CostService {
	if rates == nil {
		rates = budget.DefaultRates
	}
	return &CostService{
		ledger: ledger,
		rates:  rates,
		limits: limits,
		logger: logger.With("component", "cost"),
	}
}

// Admit estimates the invocation cost and commits it to the ledger when it
// fits every configured window. The returned cost is recorded in the audit
// event; zero for capabilities outside cost admission.
func (s *CostService) Admit(ctx context.Context, principalID string, capability *registry.Capability, args map[string]any) (float64, error) {
	if capability.CostClass == registry.CostClassNone {
		return 0, nil
	}

	estimate := budget.Estimate(args, capability.Provider, s.rates)

	windows := []struct {
		window  budget.Window
		ceiling float64
	}{
		{budget.WindowDaily, s.limits.Daily},
		{budget.WindowMonthly, s.limits.Monthly},
	}

	now := time.Now().UTC()
	for _, w := range windows {
		if w.ceiling <= 0 {
			continue
		}
		spent, err := s.ledger.Spent(ctx, principalID, w.window)
		if err != nil {
			return 0, fault.Wrap(fault.KindBudgetExceeded, "budget ledger unavailable", err)
		}
		if spent+estimate > w.ceiling {
			return 0, &fault.Error{
				Kind: fault.KindBudgetExceeded,
				Reason: fmt.Sprintf("%s budget exceeded: spent %.4f + estimate %.4f > ceiling %.4f",
					w.window, spent, estimate, w.ceiling),
				// The budget frees up when the window rolls over.
				RetryAfter: w.window.ResetAt(now).Sub(now),
			}
		}
	}

	for _, w := range windows {
		if w.ceiling <= 0 {
			continue
		}
		if _, err := s.ledger.Add(ctx, principalID, w.window, estimate); err != nil {
			s.logger.Error("budget commit failed after admission",
				"principal", principalID, "window", w.window, "error", err)
			return 0, fault.Wrap(fault.KindBudgetExceeded, "budget ledger unavailable", err)
		}
	}

	return estimate, nil
}
