package trigger

import (
	"context"
	"errors"
	"testing"
	"time"

	"plugd/internal/schedule"
	"plugd/pkg/logx"
)

func TestArmValidRanges(t *testing.T) {
	e := New(time.UTC, logx.Nop())
	for _, r := range []schedule.Rule{
		{ID: "a", Action: schedule.ActionOn, Hour: 0, Minute: 0},
		{ID: "b", Action: schedule.ActionOff, Hour: 23, Minute: 59},
		{ID: "c", Action: schedule.ActionOn, Hour: 12, Minute: 30},
	} {
		if err := e.Arm(r); err != nil {
			t.Fatalf("Arm(%+v): %v", r, err)
		}
	}
	if got := e.Armed(); got != 3 {
		t.Fatalf("Armed() = %d, want 3", got)
	}
}

func TestArmRejectsInvalidRule(t *testing.T) {
	e := New(time.UTC, logx.Nop())
	bad := []schedule.Rule{
		{ID: "x", Action: schedule.ActionOn, Hour: 24, Minute: 0},
		{ID: "y", Action: schedule.ActionOn, Hour: 0, Minute: 60},
		{ID: "z", Action: "toggle", Hour: 0, Minute: 0},
		{ID: "", Action: schedule.ActionOn, Hour: 0, Minute: 0},
	}
	for _, r := range bad {
		err := e.Arm(r)
		var verr *schedule.ValidationError
		if !errors.As(err, &verr) {
			t.Fatalf("Arm(%+v): expected ValidationError, got %v", r, err)
		}
	}
	if got := e.Armed(); got != 0 {
		t.Fatalf("invalid rules must not arm timers, Armed() = %d", got)
	}
}

func TestArmReplacesExistingID(t *testing.T) {
	e := New(time.UTC, logx.Nop())

	first := schedule.Rule{ID: "same", Action: schedule.ActionOn, Hour: 7, Minute: 30}
	if err := e.Arm(first); err != nil {
		t.Fatalf("Arm: %v", err)
	}
	second := schedule.Rule{ID: "same", Action: schedule.ActionOff, Hour: 9, Minute: 15}
	if err := e.Arm(second); err != nil {
		t.Fatalf("Arm replace: %v", err)
	}

	if got := e.Armed(); got != 1 {
		t.Fatalf("replace must leave exactly one timer, Armed() = %d", got)
	}
	next, ok := e.Next("same")
	if !ok {
		t.Fatal("Next: rule not armed")
	}
	if next.Hour() != 9 || next.Minute() != 15 {
		t.Fatalf("replace did not take effect: next fires at %02d:%02d", next.Hour(), next.Minute())
	}
}

func TestDisarmUnknownIsNoop(t *testing.T) {
	e := New(time.UTC, logx.Nop())
	e.Disarm("missing") // must not panic or error

	r := schedule.Rule{ID: "r", Action: schedule.ActionOn, Hour: 6, Minute: 0}
	if err := e.Arm(r); err != nil {
		t.Fatalf("Arm: %v", err)
	}
	e.Disarm("r")
	e.Disarm("r")
	if got := e.Armed(); got != 0 {
		t.Fatalf("Armed() = %d, want 0", got)
	}
}

func TestNextComputesDailyOccurrence(t *testing.T) {
	e := New(time.UTC, logx.Nop())
	r := schedule.Rule{ID: "daily", Action: schedule.ActionOn, Hour: 7, Minute: 30}
	if err := e.Arm(r); err != nil {
		t.Fatalf("Arm: %v", err)
	}

	now := time.Now().In(time.UTC)
	want := time.Date(now.Year(), now.Month(), now.Day(), 7, 30, 0, 0, time.UTC)
	if !want.After(now) {
		want = want.AddDate(0, 0, 1)
	}

	next, ok := e.Next("daily")
	if !ok {
		t.Fatal("Next: rule not armed")
	}
	if !next.Equal(want) {
		t.Fatalf("Next = %v, want %v", next, want)
	}

	if _, ok := e.Next("unknown"); ok {
		t.Fatal("Next must report unknown IDs as not armed")
	}
}

func TestStartStop(t *testing.T) {
	e := New(time.UTC, logx.Nop())
	r := schedule.Rule{ID: "r", Action: schedule.ActionOn, Hour: 1, Minute: 2}
	if err := e.Arm(r); err != nil {
		t.Fatalf("Arm: %v", err)
	}

	e.Start()
	e.Start() // idempotent

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	e.Stop(ctx)
	e.Stop(ctx) // idempotent

	// entries survive a stop; only firing halts
	if got := e.Armed(); got != 1 {
		t.Fatalf("Armed() after stop = %d, want 1", got)
	}
}
