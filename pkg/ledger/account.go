package ledger

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/growwyouwithus-tech/new-loan-management/pkg/loanerr"
	"github.com/growwyouwithus-tech/new-loan-management/pkg/models"
	"github.com/growwyouwithus-tech/new-loan-management/pkg/penalty"
	"github.com/growwyouwithus-tech/new-loan-management/pkg/schedule"
)

// Account is the read model over a loan and its payments. It never mutates
// the loan; every answer is recomputed from the schedule on demand.
type Account struct {
	Loan    *models.Loan
	penalty *penalty.Engine
}

// Due is what the next unpaid installment costs as of a given date.
type Due struct {
	Sequence    int
	DueDate     time.Time
	EMI         decimal.Decimal
	OverdueDays int
	Penalty     decimal.Decimal
	Total       decimal.Decimal
}

// NewAccount builds the read model for loan.
func NewAccount(loan *models.Loan, engine *penalty.Engine) *Account {
	return &Account{Loan: loan, penalty: engine}
}

// EMIsPaid is the number of recorded payments.
func (a *Account) EMIsPaid() int { return len(a.Loan.Payments) }

// EMIsRemaining is tenure minus EMIs paid.
func (a *Account) EMIsRemaining() int { return a.Loan.Tenure - a.EMIsPaid() }

// NextSequence is one more than the highest recorded sequence number.
func (a *Account) NextSequence() int {
	highest := 0
	for _, p := range a.Loan.Payments {
		if p.Sequence > highest {
			highest = p.Sequence
		}
	}
	return highest + 1
}

// NextInstallment returns the next unpaid installment as of asOf, or false
// once every installment is paid.
func (a *Account) NextInstallment(asOf time.Time) (Due, bool, error) {
	if asOf.IsZero() {
		return Due{}, false, loanerr.Invalid(loanerr.ErrInvalidInput, "as-of date is required")
	}
	if a.EMIsRemaining() <= 0 {
		return Due{}, false, nil
	}
	seq := a.NextSequence()
	due, err := schedule.DueDate(a.Loan.OriginatedAt, seq)
	if err != nil {
		return Due{}, false, fmt.Errorf("loan %s: %w", a.Loan.ID, err)
	}
	p := a.penalty.Compute(due, asOf)
	return Due{
		Sequence:    seq,
		DueDate:     due,
		EMI:         a.Loan.EMIAmount,
		OverdueDays: p.OverdueDays,
		Penalty:     p.Amount,
		Total:       a.Loan.EMIAmount.Add(p.Amount),
	}, true, nil
}

// AmountDueForNextInstallment is the scheduled EMI plus penalty for the next
// unpaid installment, or zero when nothing is left to pay.
func (a *Account) AmountDueForNextInstallment(asOf time.Time) (decimal.Decimal, error) {
	due, ok, err := a.NextInstallment(asOf)
	if err != nil || !ok {
		return decimal.Zero, err
	}
	return due.Total, nil
}

// Outstanding is every remaining EMI plus the penalty currently owed on the
// next one.
func (a *Account) Outstanding(asOf time.Time) (decimal.Decimal, error) {
	due, ok, err := a.NextInstallment(asOf)
	if err != nil || !ok {
		return decimal.Zero, err
	}
	remaining := a.Loan.EMIAmount.Mul(decimal.NewFromInt(int64(a.EMIsRemaining())))
	return remaining.Add(due.Penalty), nil
}

// IsOverdue reports whether an active loan has an installment past its due
// date with no matching payment.
func (a *Account) IsOverdue(asOf time.Time) (bool, error) {
	if a.Loan.Status != models.LoanStatusActive {
		return false, nil
	}
	due, ok, err := a.NextInstallment(asOf)
	if err != nil || !ok {
		return false, err
	}
	return due.OverdueDays > 0, nil
}

// EffectiveStatus is the stored status with Overdue derived for active loans.
func (a *Account) EffectiveStatus(asOf time.Time) (models.LoanStatus, error) {
	overdue, err := a.IsOverdue(asOf)
	if err != nil {
		return "", err
	}
	if overdue {
		return models.LoanStatusOverdue, nil
	}
	return a.Loan.Status, nil
}

// Schedule lists every installment with its paid flag and, for unpaid ones
// already past due, the penalty as of asOf.
func (a *Account) Schedule(asOf time.Time) ([]models.ScheduleEntry, error) {
	entries, err := schedule.Schedule(a.Loan.OriginatedAt, a.Loan.Tenure)
	if err != nil {
		return nil, fmt.Errorf("loan %s: %w", a.Loan.ID, err)
	}
	paid := make(map[int]bool, len(a.Loan.Payments))
	for _, p := range a.Loan.Payments {
		paid[p.Sequence] = true
	}
	out := make([]models.ScheduleEntry, len(entries))
	for i, e := range entries {
		row := models.ScheduleEntry{
			Sequence: e.Sequence,
			DueDate:  e.DueDate,
			Amount:   a.Loan.EMIAmount,
			Paid:     paid[e.Sequence],
			Penalty:  decimal.Zero,
		}
		if !row.Paid {
			p := a.penalty.Compute(e.DueDate, asOf)
			row.OverdueDays = p.OverdueDays
			row.Penalty = p.Amount
		}
		out[i] = row
	}
	return out, nil
}
