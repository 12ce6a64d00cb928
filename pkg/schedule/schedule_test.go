package schedule

import (
	"errors"
	"testing"
	"time"

	"github.com/growwyouwithus-tech/new-loan-management/pkg/loanerr"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestFirstDueDate(t *testing.T) {
	tests := []struct {
		name   string
		origin time.Time
		want   time.Time
	}{
		{name: "mid month", origin: date(2024, 1, 15), want: date(2024, 2, 2)},
		{name: "late month", origin: date(2024, 1, 25), want: date(2024, 3, 2)},
		{name: "first day", origin: date(2024, 3, 1), want: date(2024, 4, 2)},
		{name: "day 18 boundary", origin: date(2024, 3, 18), want: date(2024, 4, 2)},
		{name: "day 19 boundary", origin: date(2024, 3, 19), want: date(2024, 5, 2)},
		{name: "december early rolls year", origin: date(2024, 12, 5), want: date(2025, 1, 2)},
		{name: "december late rolls year", origin: date(2024, 12, 31), want: date(2025, 2, 2)},
		{name: "november late", origin: date(2024, 11, 30), want: date(2025, 1, 2)},
		{name: "leap day", origin: date(2024, 2, 29), want: date(2024, 4, 2)},
		{name: "time of day ignored", origin: time.Date(2024, 1, 18, 23, 59, 0, 0, time.UTC), want: date(2024, 2, 2)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := FirstDueDate(tt.origin)
			if err != nil {
				t.Fatalf("FirstDueDate() error = %v", err)
			}
			if !got.Equal(tt.want) {
				t.Errorf("FirstDueDate() = %s, want %s", got.Format(time.DateOnly), tt.want.Format(time.DateOnly))
			}
		})
	}
}

func TestFirstDueDateAllDays(t *testing.T) {
	for day := 1; day <= 31; day++ {
		got, err := FirstDueDate(date(2024, 1, day))
		if err != nil {
			t.Fatalf("day %d: %v", day, err)
		}
		want := date(2024, 2, 2)
		if day >= 19 {
			want = date(2024, 3, 2)
		}
		if !got.Equal(want) {
			t.Errorf("day %d: got %s, want %s", day, got.Format(time.DateOnly), want.Format(time.DateOnly))
		}
	}
}

func TestSchedule(t *testing.T) {
	entries, err := Schedule(date(2024, 1, 25), 14)
	if err != nil {
		t.Fatalf("Schedule() error = %v", err)
	}
	if len(entries) != 14 {
		t.Fatalf("expected 14 entries, got %d", len(entries))
	}
	for i, e := range entries {
		if e.Sequence != i+1 {
			t.Errorf("entry %d: sequence %d", i, e.Sequence)
		}
		if e.DueDate.Day() != DueDay {
			t.Errorf("entry %d: due day %d", i, e.DueDate.Day())
		}
		if i > 0 {
			prev := entries[i-1].DueDate
			if !e.DueDate.Equal(prev.AddDate(0, 1, 0)) {
				t.Errorf("entry %d: %s does not follow %s by one month", i, e.DueDate.Format(time.DateOnly), prev.Format(time.DateOnly))
			}
		}
	}
	if last := entries[13].DueDate; !last.Equal(date(2025, 4, 2)) {
		t.Errorf("last due date = %s, want 2025-04-02", last.Format(time.DateOnly))
	}
}

func TestScheduleIsRestartable(t *testing.T) {
	a, _ := Schedule(date(2024, 6, 10), 6)
	b, _ := Schedule(date(2024, 6, 10), 6)
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("entry %d differs between runs: %v vs %v", i, a[i], b[i])
		}
	}
}

func TestDueDate(t *testing.T) {
	got, err := DueDate(date(2024, 1, 10), 3)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Equal(date(2024, 4, 2)) {
		t.Errorf("DueDate(3) = %s, want 2024-04-02", got.Format(time.DateOnly))
	}
	if _, err := DueDate(date(2024, 1, 10), 0); !errors.Is(err, loanerr.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput for sequence 0, got %v", err)
	}
}

func TestScheduleRejectsMalformedInput(t *testing.T) {
	if _, err := Schedule(time.Time{}, 12); !errors.Is(err, loanerr.ErrInvalidInput) {
		t.Errorf("zero origin: expected ErrInvalidInput, got %v", err)
	}
	if _, err := Schedule(date(2024, 1, 1), 0); !errors.Is(err, loanerr.ErrInvalidInput) {
		t.Errorf("zero tenure: expected ErrInvalidInput, got %v", err)
	}
}
