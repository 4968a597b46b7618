package storage

import "github.com/slotchain/slotchain/services/booking-service/internal/availability"

// WindowPlan is the set of changes that turns existing into generated.
type WindowPlan struct {
	Insert    []availability.Slot
	Update    []availability.Slot
	Delete    []availability.Slot
	Locked    []availability.Slot
	Skipped   []availability.Slot
	Unchanged int
}

// PlanWindow diffs by (date, start). Booked existing slots are kept untouched
// and reported as locked when generated disagrees with them. A generated slot
// that would overlap a kept booked slot is not materialized.
func PlanWindow(existing, generated []availability.Slot) WindowPlan {
	var plan WindowPlan

	byKey := make(map[availability.SlotKey]availability.Slot, len(existing))
	booked := make(map[availability.Date][]availability.Slot)
	for _, s := range existing {
		byKey[s.Key()] = s
		if s.Booked {
			booked[s.Date] = append(booked[s.Date], s)
		}
	}

	seen := make(map[availability.SlotKey]bool, len(generated))
	for _, g := range generated {
		key := g.Key()
		if seen[key] {
			continue
		}
		seen[key] = true
		e, ok := byKey[key]

		if ok && e.Booked {
			if sameTiming(e, g) {
				plan.Unchanged++
			} else {
				plan.Locked = append(plan.Locked, e)
			}
			continue
		}
		if overlapsBooked(g, booked[g.Date]) {
			if ok {
				plan.Delete = append(plan.Delete, e)
			} else {
				plan.Skipped = append(plan.Skipped, g)
			}
			continue
		}
		switch {
		case !ok:
			plan.Insert = append(plan.Insert, g)
		case sameTiming(e, g):
			plan.Unchanged++
		default:
			g.ID = e.ID
			plan.Update = append(plan.Update, g)
		}
	}

	for _, e := range existing {
		if seen[e.Key()] {
			continue
		}
		if e.Booked {
			plan.Locked = append(plan.Locked, e)
			continue
		}
		plan.Delete = append(plan.Delete, e)
	}
	return plan
}

// Result converts the plan into the summary reported to callers.
func (p WindowPlan) Result() UpsertResult {
	return UpsertResult{
		Inserted:  len(p.Insert),
		Updated:   len(p.Update),
		Removed:   len(p.Delete),
		Unchanged: p.Unchanged,
		Skipped:   len(p.Skipped),
		Locked:    p.Locked,
	}
}

// LockedErr is non-nil when booked slots disagreed with the regeneration.
func (p WindowPlan) LockedErr() error {
	if len(p.Locked) == 0 {
		return nil
	}
	return &SlotLockedError{Slots: p.Locked}
}

func sameTiming(a, b availability.Slot) bool {
	return a.End == b.End && a.StartsAt.Equal(b.StartsAt) && a.EndsAt.Equal(b.EndsAt)
}

func overlapsBooked(g availability.Slot, booked []availability.Slot) bool {
	for _, b := range booked {
		if b.Start != g.Start && b.Range().Overlaps(g.Range()) {
			return true
		}
	}
	return false
}
