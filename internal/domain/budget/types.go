// Package budget provides cost estimation and budget admission domain types.
package budget

import (
	"context"
	"time"
)

// Rate is the metered price of one provider, per 1k tokens.
type Rate struct {
	// InputPer1K is the cost per 1000 input tokens.
	InputPer1K float64
	// OutputPer1K is the cost per 1000 expected output tokens.
	OutputPer1K float64
}

// RateTable maps provider names to their rates.
type RateTable map[string]Rate

// DefaultRates covers the providers the gateway meters out of the box.
// Deployments override via configuration.
var DefaultRates = RateTable{
	"openai":    {InputPer1K: 0.0025, OutputPer1K: 0.01},
	"anthropic": {InputPer1K: 0.003, OutputPer1K: 0.015},
	"default":   {InputPer1K: 0.002, OutputPer1K: 0.008},
}

// Window identifies a budget accounting period.
type Window string

const (
	// WindowDaily resets at midnight UTC.
	WindowDaily Window = "daily"
	// WindowMonthly resets on the first of the month UTC.
	WindowMonthly Window = "monthly"
)

// ResetAt returns when the window containing now rolls over.
func (w Window) ResetAt(now time.Time) time.Time {
	now = now.UTC()
	switch w {
	case WindowMonthly:
		return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0)
	default:
		return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
	}
}

// Limits are the per-principal budget ceilings. Zero means unlimited.
type Limits struct {
	// Daily is the ceiling per WindowDaily.
	Daily float64
	// Monthly is the ceiling per WindowMonthly.
	Monthly float64
}

// Ledger accumulates spend per principal and window.
type Ledger interface {
	// Add atomically adds amount to the principal's spend in the window and
	// returns the new total. The entry expires when the window rolls over.
	Add(ctx context.Context, principalID string, window Window, amount float64) (float64, error)
	// Spent returns the principal's current spend in the window.
	Spent(ctx context.Context, principalID string, window Window) (float64, error)
}
