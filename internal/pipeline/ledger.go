package pipeline

import (
	"fmt"
)

// budgetEpsilon absorbs float rounding when spend lands exactly on the limit.
const budgetEpsilon = 1e-9

// Ledger enforces a job's hard cost ceiling. It is checked before a stage
// runs, never after.
type Ledger struct {
	limitUSD float64
}

// NewLedger creates a ledger for the given budget.
func NewLedger(limitUSD float64) (*Ledger, error) {
	if limitUSD <= 0 {
		return nil, fmt.Errorf("%w: budget must be positive, got %v", ErrInvalidJob, limitUSD)
	}
	return &Ledger{limitUSD: limitUSD}, nil
}

// LimitUSD returns the budget.
func (l *Ledger) LimitUSD() float64 {
	return l.limitUSD
}

// Remaining returns how much of the budget is left after spent.
func (l *Ledger) Remaining(spentUSD float64) float64 {
	if r := l.limitUSD - spentUSD; r > 0 {
		return r
	}
	return 0
}

// Check returns a *BudgetExceededError if spending estimateUSD on stage would
// take the job past its limit.
func (l *Ledger) Check(stage string, spentUSD, estimateUSD float64) error {
	if estimateUSD < 0 {
		return fmt.Errorf("negative cost estimate %v for stage %s", estimateUSD, stage)
	}
	if spentUSD+estimateUSD > l.limitUSD+budgetEpsilon {
		return &BudgetExceededError{
			Stage:       stage,
			SpentUSD:    spentUSD,
			EstimateUSD: estimateUSD,
			LimitUSD:    l.limitUSD,
		}
	}
	return nil
}
