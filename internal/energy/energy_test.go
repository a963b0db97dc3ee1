package energy

import (
	"testing"
	"time"

	"plugd/internal/device"
)

func TestDayWindow(t *testing.T) {
	now := time.Date(2026, 8, 23, 15, 4, 5, 0, time.UTC)
	w := Day(now)

	if w.Interval != device.IntervalDaily {
		t.Fatalf("interval = %q", w.Interval)
	}
	wantStart := time.Date(2026, 8, 23, 0, 0, 0, 0, time.UTC)
	if !w.Start.Equal(wantStart) {
		t.Fatalf("start = %v, want %v", w.Start, wantStart)
	}
	if !w.End.Equal(now) {
		t.Fatalf("end = %v, want %v", w.End, now)
	}
}

func TestMonthWindowToDate(t *testing.T) {
	now := time.Date(2026, 8, 23, 15, 4, 5, 0, time.UTC)
	w := Month(now, true)

	if w.Interval != device.IntervalMonthly {
		t.Fatalf("interval = %q", w.Interval)
	}
	wantStart := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	if !w.Start.Equal(wantStart) {
		t.Fatalf("start = %v, want %v", w.Start, wantStart)
	}
	if !w.End.Equal(now) {
		t.Fatalf("end = %v, want now %v", w.End, now)
	}
}

func TestMonthWindowFullMonth(t *testing.T) {
	now := time.Date(2026, 2, 10, 8, 0, 0, 0, time.UTC)
	w := Month(now, false)

	wantStart := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	if !w.Start.Equal(wantStart) {
		t.Fatalf("start = %v, want %v", w.Start, wantStart)
	}
	if !w.End.After(now) {
		t.Fatalf("full-month end %v must extend past now %v", w.End, now)
	}
	if w.End.Month() != time.February || w.End.Day() != 28 {
		t.Fatalf("end = %v, want the last day of February", w.End)
	}
}

func TestSum(t *testing.T) {
	if got := Sum(nil); got != 0 {
		t.Fatalf("Sum(nil) = %v", got)
	}
	if got := Sum([]float64{1.5, 2.5, 3}); got != 7 {
		t.Fatalf("Sum = %v, want 7", got)
	}
}
