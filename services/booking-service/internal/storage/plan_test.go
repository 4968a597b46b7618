package storage

import (
	"errors"
	"testing"
	"time"

	"github.com/slotchain/slotchain/services/booking-service/internal/availability"
)

var planDay = availability.Date{Year: 2026, Month: time.March, Day: 2}

func slotAt(start, end availability.TimeOfDay) availability.Slot {
	return availability.Slot{
		ID:         availability.SlotID("p", planDay, start),
		ProviderID: "p",
		Date:       planDay,
		Start:      start,
		End:        end,
		StartsAt:   planDay.In(time.UTC, start),
		EndsAt:     planDay.In(time.UTC, end),
	}
}

func booked(s availability.Slot) availability.Slot {
	s.Booked = true
	s.BookingID = "b-" + s.Start.String()
	return s
}

func TestPlanWindowIdempotent(t *testing.T) {
	gen := []availability.Slot{slotAt(540, 570), slotAt(570, 600)}
	plan := PlanWindow(nil, gen)
	if len(plan.Insert) != 2 {
		t.Fatalf("expected 2 inserts, got %+v", plan)
	}
	again := PlanWindow(gen, gen)
	if len(again.Insert)+len(again.Update)+len(again.Delete) != 0 || again.Unchanged != 2 {
		t.Fatalf("expected no-op plan, got %+v", again)
	}
}

func TestPlanWindowRemovesAndRetimesUnbooked(t *testing.T) {
	existing := []availability.Slot{slotAt(540, 570), slotAt(600, 630)}
	gen := []availability.Slot{slotAt(540, 600)}
	plan := PlanWindow(existing, gen)
	if len(plan.Update) != 1 || plan.Update[0].End != 600 || plan.Update[0].ID != existing[0].ID {
		t.Fatalf("expected retime of 09:00 slot, got %+v", plan.Update)
	}
	if len(plan.Delete) != 1 || plan.Delete[0].Start != 600 {
		t.Fatalf("expected removal of 10:00 slot, got %+v", plan.Delete)
	}
	if plan.LockedErr() != nil {
		t.Fatal("unexpected lock error")
	}
}

func TestPlanWindowNeverTouchesBooked(t *testing.T) {
	existing := []availability.Slot{booked(slotAt(570, 600)), booked(slotAt(660, 690)), slotAt(540, 570)}
	// interval doubled: 09:00-10:00 would overlap the booked 09:30 slot
	// and the booked 11:00 slot is no longer generated at all
	gen := []availability.Slot{slotAt(540, 600), slotAt(600, 660)}
	plan := PlanWindow(existing, gen)

	for _, s := range append(append(plan.Delete, plan.Update...), plan.Insert...) {
		if s.Booked {
			t.Fatalf("booked slot in change set: %+v", s)
		}
	}
	if len(plan.Delete) != 1 || plan.Delete[0].Start != 540 {
		t.Fatalf("expected the unbooked 09:00 slot to go, got %+v", plan.Delete)
	}
	if len(plan.Insert) != 1 || plan.Insert[0].Start != 600 {
		t.Fatalf("expected only the 10:00 insert, got %+v", plan.Insert)
	}
	// neither booked slot is generated with its old timing any more
	if len(plan.Locked) != 2 {
		t.Fatalf("expected both booked slots locked, got %+v", plan.Locked)
	}
	var lockErr *SlotLockedError
	if !errors.As(plan.LockedErr(), &lockErr) || len(lockErr.Slots) != 2 {
		t.Fatalf("expected SlotLockedError, got %v", plan.LockedErr())
	}
	for _, s := range lockErr.Slots {
		if !s.Booked || s.BookingID == "" {
			t.Fatalf("locked slot should keep its booking: %+v", s)
		}
	}
}

func TestPlanWindowSkipsNewSlotOverlappingBooked(t *testing.T) {
	existing := []availability.Slot{booked(slotAt(570, 600))}
	gen := []availability.Slot{slotAt(540, 600), slotAt(600, 660)}
	plan := PlanWindow(existing, gen)
	if len(plan.Skipped) != 1 || plan.Skipped[0].Start != 540 {
		t.Fatalf("expected skipped 09:00, got %+v", plan.Skipped)
	}
	// the booked 09:30 slot is not generated any more
	if len(plan.Locked) != 1 {
		t.Fatalf("expected booked slot reported, got %+v", plan.Locked)
	}
	if res := plan.Result(); res.Inserted != 1 || res.Skipped != 1 {
		t.Fatalf("unexpected result %+v", res)
	}
}
