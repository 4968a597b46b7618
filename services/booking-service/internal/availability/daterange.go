package availability

import (
	"encoding/json"
	"sort"
)

// DateRange is an inclusive range of calendar dates.
type DateRange struct {
	Start Date `json:"start"`
	End   Date `json:"end"`
}

func NewDateRange(start, end Date) (DateRange, error) {
	if start.After(end) {
		return DateRange{}, &InvalidRangeError{Start: start, End: end}
	}
	return DateRange{Start: start, End: end}, nil
}

func (r DateRange) Contains(d Date) bool {
	return !d.Before(r.Start) && !d.After(r.End)
}

// Days is the number of dates in the range.
func (r DateRange) Days() int { return r.Start.DaysUntil(r.End) + 1 }

// DateRangeSet is a normalized set of date ranges: sorted by start, with
// overlapping or adjacent ranges merged. The zero value is the empty set.
type DateRangeSet struct {
	ranges []DateRange
}

func NewDateRangeSet(ranges ...DateRange) (DateRangeSet, error) {
	var set DateRangeSet
	for _, r := range ranges {
		if r.Start.After(r.End) {
			return DateRangeSet{}, &InvalidRangeError{Start: r.Start, End: r.End}
		}
	}
	set.ranges = normalize(append([]DateRange(nil), ranges...))
	return set, nil
}

// Add returns a new set containing r. The receiver is not modified.
func (s DateRangeSet) Add(r DateRange) (DateRangeSet, error) {
	if r.Start.After(r.End) {
		return s, &InvalidRangeError{Start: r.Start, End: r.End}
	}
	merged := make([]DateRange, 0, len(s.ranges)+1)
	merged = append(merged, s.ranges...)
	merged = append(merged, r)
	return DateRangeSet{ranges: normalize(merged)}, nil
}

func (s DateRangeSet) Contains(d Date) bool {
	i := sort.Search(len(s.ranges), func(i int) bool {
		return !s.ranges[i].End.Before(d)
	})
	return i < len(s.ranges) && s.ranges[i].Contains(d)
}

func (s DateRangeSet) Ranges() []DateRange {
	return append([]DateRange(nil), s.ranges...)
}

func (s DateRangeSet) Len() int { return len(s.ranges) }

func (s DateRangeSet) MarshalJSON() ([]byte, error) {
	if s.ranges == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(s.ranges)
}

func (s *DateRangeSet) UnmarshalJSON(b []byte) error {
	var ranges []DateRange
	if err := json.Unmarshal(b, &ranges); err != nil {
		return err
	}
	set, err := NewDateRangeSet(ranges...)
	if err != nil {
		return err
	}
	*s = set
	return nil
}

// normalize sorts in place and merges ranges that overlap or touch.
func normalize(ranges []DateRange) []DateRange {
	if len(ranges) == 0 {
		return nil
	}
	sort.Slice(ranges, func(i, j int) bool {
		return ranges[i].Start.Before(ranges[j].Start)
	})
	out := ranges[:1]
	for _, r := range ranges[1:] {
		last := &out[len(out)-1]
		if !r.Start.After(last.End.AddDays(1)) {
			if r.End.After(last.End) {
				last.End = r.End
			}
			continue
		}
		out = append(out, r)
	}
	return out
}
