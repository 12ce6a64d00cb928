package penalty

import (
	"time"

	"github.com/shopspring/decimal"
)

// DefaultDailyRate is the per-day charge observed in the field (₹20).
var DefaultDailyRate = decimal.NewFromInt(20)

// Result is the penalty owed on one installment.
type Result struct {
	OverdueDays int
	Amount      decimal.Decimal
}

// Engine computes flat per-day penalties. There is no compounding and no cap.
type Engine struct {
	rate decimal.Decimal
}

// NewEngine returns an Engine charging rate per overdue day.
func NewEngine(rate decimal.Decimal) *Engine {
	return &Engine{rate: rate}
}

// Rate is the per-day charge.
func (e *Engine) Rate() decimal.Decimal { return e.rate }

// Compute returns the penalty for an installment due on due as of asOf. Both
// dates are reduced to their civil date; an as-of on or before the due date
// owes nothing.
func (e *Engine) Compute(due, asOf time.Time) Result {
	days := OverdueDays(due, asOf)
	if days == 0 {
		return Result{Amount: decimal.Zero}
	}
	return Result{OverdueDays: days, Amount: e.rate.Mul(decimal.NewFromInt(int64(days)))}
}

// OverdueDays counts whole calendar days from due to asOf, or 0 when asOf is
// not after due. Counting on UTC civil dates keeps DST shifts out of the
// difference.
func OverdueDays(due, asOf time.Time) int {
	y1, m1, d1 := due.Date()
	y2, m2, d2 := asOf.Date()
	from := time.Date(y1, m1, d1, 0, 0, 0, 0, time.UTC)
	to := time.Date(y2, m2, d2, 0, 0, 0, 0, time.UTC)
	if !to.After(from) {
		return 0
	}
	return int(to.Sub(from).Hours() / 24)
}
