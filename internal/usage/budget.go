package usage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Limits are hard spend limits in USD. Zero disables a limit.
type Limits struct {
	Daily   float64
	Monthly float64
	// Hard makes exceeding a limit fatal; otherwise it is only reported.
	Hard bool
}

// BudgetExceededError is returned when a hard spend limit has been reached.
// Its message is shown to the user as is.
type BudgetExceededError struct {
	DailySpend   float64
	DailyLimit   float64
	MonthlySpend float64
	MonthlyLimit float64
}

func (e *BudgetExceededError) Error() string {
	var parts []string
	if e.DailyLimit > 0 {
		parts = append(parts, fmt.Sprintf("today $%.2f of $%.2f", e.DailySpend, e.DailyLimit))
	}
	if e.MonthlyLimit > 0 {
		parts = append(parts, fmt.Sprintf("this month $%.2f of $%.2f", e.MonthlySpend, e.MonthlyLimit))
	}
	return "Budget limit reached (" + strings.Join(parts, ", ") + "). Requests are paused until the limit resets."
}

// Pricing resolves the price of a model.
type Pricing func(model string) (Cost, bool)

// Accountant records usage with cost and checks spend against limits.
type Accountant struct {
	ledger  Ledger
	limits  Limits
	pricing Pricing
	now     func() time.Time
}

// NewAccountant builds an Accountant over a ledger.
func NewAccountant(ledger Ledger, limits Limits, pricing Pricing) *Accountant {
	return &Accountant{ledger: ledger, limits: limits, pricing: pricing, now: time.Now}
}

// RecordUsage prices and stores a usage record.
func (a *Accountant) RecordUsage(ctx context.Context, r Record) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = a.now()
	}
	if r.Cost == 0 && a.pricing != nil {
		if cost, ok := a.pricing(r.Model); ok {
			r.Cost = cost.Estimate(&r.Usage)
		}
	}
	return a.ledger.RecordUsage(ctx, r)
}

// CheckBudget returns a *BudgetExceededError when a hard limit is reached.
func (a *Accountant) CheckBudget(ctx context.Context) error {
	if !a.limits.Hard || (a.limits.Daily <= 0 && a.limits.Monthly <= 0) {
		return nil
	}
	now := a.now()
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())

	daily, err := a.ledger.Spend(ctx, dayStart)
	if err != nil {
		return fmt.Errorf("daily spend: %w", err)
	}
	monthly, err := a.ledger.Spend(ctx, monthStart)
	if err != nil {
		return fmt.Errorf("monthly spend: %w", err)
	}

	exceeded := (a.limits.Daily > 0 && daily >= a.limits.Daily) ||
		(a.limits.Monthly > 0 && monthly >= a.limits.Monthly)
	if !exceeded {
		return nil
	}
	return &BudgetExceededError{
		DailySpend:   daily,
		DailyLimit:   a.limits.Daily,
		MonthlySpend: monthly,
		MonthlyLimit: a.limits.Monthly,
	}
}
