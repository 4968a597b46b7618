package availability

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// DayAvailability is the set of open ranges on one weekday.
type DayAvailability struct {
	Enabled bool        `json:"enabled"`
	Ranges  []TimeRange `json:"slots"`
}

// WeeklyPattern is indexed by time.Weekday (Sunday = 0).
type WeeklyPattern [7]DayAvailability

var weekdayKeys = [7]string{"sunday", "monday", "tuesday", "wednesday", "thursday", "friday", "saturday"}

// Validate returns warnings for days that are enabled but empty. Overlapping
// or malformed ranges, and ranges on a disabled day, are errors.
func (p WeeklyPattern) Validate() ([]string, error) {
	var warnings, problems []string
	for wd := time.Sunday; wd <= time.Saturday; wd++ {
		day := p[wd]
		name := weekdayKeys[wd]
		if !day.Enabled {
			if len(day.Ranges) > 0 {
				problems = append(problems, fmt.Sprintf("%s is disabled but has %d ranges", name, len(day.Ranges)))
			}
			continue
		}
		if len(day.Ranges) == 0 {
			warnings = append(warnings, fmt.Sprintf("%s is enabled but has no ranges; no slots will be generated", name))
			continue
		}
		valid := true
		for _, r := range day.Ranges {
			if err := r.Validate(); err != nil {
				problems = append(problems, name+": "+err.Error())
				valid = false
			}
		}
		if !valid {
			continue
		}
		sorted := sortedRanges(day.Ranges)
		for i := 1; i < len(sorted); i++ {
			if sorted[i-1].Overlaps(sorted[i]) {
				problems = append(problems, fmt.Sprintf("%s: %s overlaps %s", name, sorted[i-1], sorted[i]))
			}
		}
	}
	if len(problems) > 0 {
		return warnings, &ValidationError{Problems: problems}
	}
	return warnings, nil
}

// SlotsFor returns the ranges of wd sorted by start, or nil when disabled.
func (p WeeklyPattern) SlotsFor(wd time.Weekday) []TimeRange {
	if wd < time.Sunday || wd > time.Saturday {
		return nil
	}
	day := p[wd]
	if !day.Enabled {
		return nil
	}
	return sortedRanges(day.Ranges)
}

func sortedRanges(in []TimeRange) []TimeRange {
	out := append([]TimeRange(nil), in...)
	sort.Slice(out, func(i, j int) bool { return out[i].Start < out[j].Start })
	return out
}

func (p WeeklyPattern) MarshalJSON() ([]byte, error) {
	m := make(map[string]DayAvailability, 7)
	for wd, key := range weekdayKeys {
		day := p[wd]
		if day.Ranges == nil {
			day.Ranges = []TimeRange{}
		}
		m[key] = day
	}
	return json.Marshal(m)
}

// UnmarshalJSON accepts lowercase weekday keys; missing days are disabled.
func (p *WeeklyPattern) UnmarshalJSON(b []byte) error {
	var m map[string]DayAvailability
	if err := json.Unmarshal(b, &m); err != nil {
		return err
	}
	var out WeeklyPattern
	for key, day := range m {
		wd, ok := ParseWeekday(key)
		if !ok {
			return fmt.Errorf("unknown weekday %q", key)
		}
		out[wd] = day
	}
	*p = out
	return nil
}

func ParseWeekday(s string) (time.Weekday, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	for wd, key := range weekdayKeys {
		if key == s {
			return time.Weekday(wd), true
		}
	}
	return 0, false
}
