package schedule

import (
	"fmt"
	"time"

	"github.com/growwyouwithus-tech/new-loan-management/pkg/loanerr"
)

const (
	// DueDay is the day of month every installment falls on.
	DueDay = 2
	// lastSameCycleDay is the last origination day whose first installment is
	// due next month; later days roll to the month after.
	lastSameCycleDay = 18
)

// Entry is one installment of a schedule.
type Entry struct {
	Sequence int
	DueDate  time.Time
}

// Civil truncates t to midnight of its civil date in t's location.
func Civil(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// FirstDueDate returns the due date of installment 1 for a loan originated at
// origin.
func FirstDueDate(origin time.Time) (time.Time, error) {
	if origin.IsZero() {
		return time.Time{}, loanerr.Invalid(loanerr.ErrInvalidInput, "origination date is required")
	}
	y, m, d := origin.Date()
	offset := 1
	if d > lastSameCycleDay {
		offset = 2
	}
	// time.Date normalises month overflow into the following year.
	return time.Date(y, m+time.Month(offset), DueDay, 0, 0, 0, 0, origin.Location()), nil
}

// DueDate returns the due date of installment seq (1-based).
func DueDate(origin time.Time, seq int) (time.Time, error) {
	if seq < 1 {
		return time.Time{}, loanerr.Invalid(loanerr.ErrInvalidInput, "installment sequence %d out of range", seq)
	}
	first, err := FirstDueDate(origin)
	if err != nil {
		return time.Time{}, err
	}
	return first.AddDate(0, seq-1, 0), nil
}

// Schedule returns the ordered due dates for a loan of the given tenure.
func Schedule(origin time.Time, tenure int) ([]Entry, error) {
	if tenure < 1 {
		return nil, loanerr.Invalid(loanerr.ErrInvalidInput, "tenure must be positive, got %d", tenure)
	}
	first, err := FirstDueDate(origin)
	if err != nil {
		return nil, fmt.Errorf("schedule: %w", err)
	}
	entries := make([]Entry, tenure)
	for i := range entries {
		entries[i] = Entry{Sequence: i + 1, DueDate: first.AddDate(0, i, 0)}
	}
	return entries, nil
}
