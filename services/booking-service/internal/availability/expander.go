package availability

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

const (
	DefaultMaxDays = 365
	// OpenEndedDays is how far an open-ended window is materialized.
	OpenEndedDays = 365
)

var slotNamespace = uuid.MustParse("6f1c3f0e-4a57-4d1e-9d0b-5b7a2f1f8c21")

// Slot is one bookable occurrence of a provider's availability.
type Slot struct {
	ID         string    `json:"id"`
	ProviderID string    `json:"provider_id"`
	Date       Date      `json:"date"`
	Start      TimeOfDay `json:"start"`
	End        TimeOfDay `json:"end"`
	StartsAt   time.Time `json:"starts_at"`
	EndsAt     time.Time `json:"ends_at"`
	Booked     bool      `json:"booked"`
	BookingID  string    `json:"booking_id,omitempty"`
}

// SlotKey identifies a slot within a provider's calendar.
type SlotKey struct {
	Date  Date
	Start TimeOfDay
}

func (s Slot) Key() SlotKey { return SlotKey{Date: s.Date, Start: s.Start} }

func (s Slot) Range() TimeRange { return TimeRange{Start: s.Start, End: s.End} }

// SlotID is stable for a given provider, date and start time. Ids are
// derived, not allocated: a slot removed by one regeneration and produced
// again by a later one gets its old id back, so attempts and receipts that
// name the old slot resolve against the new one.
func SlotID(providerID string, d Date, start TimeOfDay) string {
	return uuid.NewSHA1(slotNamespace, []byte(providerID+"|"+d.String()+"|"+start.String())).String()
}

type ExpandInput struct {
	ProviderID      string
	Pattern         WeeklyPattern
	Exclusions      DateRangeSet
	WindowStart     Date
	WindowEnd       Date
	Location        *time.Location
	IntervalMinutes int
	MaxDays         int
}

// Expand materializes the slots of every non-excluded date in the window.
// Wall-clock times are interpreted in in.Location on each date, so DST
// transitions shift the absolute instants but never the local times.
func Expand(in ExpandInput) ([]Slot, error) {
	if in.IntervalMinutes <= 0 {
		return nil, &InvalidIntervalError{Minutes: in.IntervalMinutes}
	}
	if _, err := in.Pattern.Validate(); err != nil {
		return nil, err
	}
	if in.WindowStart.IsZero() || in.WindowEnd.IsZero() {
		return nil, errors.New("expansion window is not set")
	}
	if in.WindowStart.After(in.WindowEnd) {
		return nil, &InvalidRangeError{Start: in.WindowStart, End: in.WindowEnd}
	}
	if in.ProviderID == "" {
		return nil, errors.New("provider id is required")
	}
	loc := in.Location
	if loc == nil {
		loc = time.UTC
	}
	maxDays := in.MaxDays
	if maxDays <= 0 {
		maxDays = DefaultMaxDays
	}
	last := in.WindowEnd
	if capEnd := in.WindowStart.AddDays(maxDays - 1); capEnd.Before(last) {
		last = capEnd
	}

	var out []Slot
	for d := in.WindowStart; !d.After(last); d = d.AddDays(1) {
		if in.Exclusions.Contains(d) {
			continue
		}
		for _, r := range in.Pattern.SlotsFor(d.Weekday()) {
			pieces, err := Slice(r, in.IntervalMinutes)
			if err != nil {
				return nil, fmt.Errorf("slice %s on %s: %w", r, d, err)
			}
			for _, p := range pieces {
				startsAt := d.In(loc, p.Start)
				endsAt := d.In(loc, p.End)
				if !endsAt.After(startsAt) {
					// both ends fell into the same DST gap
					continue
				}
				out = append(out, Slot{
					ID:         SlotID(in.ProviderID, d, p.Start),
					ProviderID: in.ProviderID,
					Date:       d,
					Start:      p.Start,
					End:        p.End,
					StartsAt:   startsAt,
					EndsAt:     endsAt,
				})
			}
		}
	}
	SortSlots(out)
	return out, nil
}

// SortSlots orders by (date, start).
func SortSlots(slots []Slot) {
	sort.Slice(slots, func(i, j int) bool {
		if c := slots[i].Date.Compare(slots[j].Date); c != 0 {
			return c < 0
		}
		return slots[i].Start < slots[j].Start
	})
}

// Today is the calendar date of now in the provider's zone.
func Today(now time.Time, loc *time.Location) Date {
	if loc == nil {
		loc = time.UTC
	}
	return DateOf(now.In(loc))
}

func OpenEndedWindow(start Date) Date {
	return start.AddDays(OpenEndedDays)
}
