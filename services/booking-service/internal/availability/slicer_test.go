package availability

import (
	"errors"
	"testing"
)

func tr(t *testing.T, start, end string) TimeRange {
	t.Helper()
	s, err := ParseTimeOfDay(start)
	if err != nil {
		t.Fatalf("ParseTimeOfDay(%q): %v", start, err)
	}
	e, err := ParseTimeOfDay(end)
	if err != nil {
		t.Fatalf("ParseTimeOfDay(%q): %v", end, err)
	}
	return TimeRange{Start: s, End: e}
}

func TestSlice(t *testing.T) {
	tests := []struct {
		name    string
		r       TimeRange
		minutes int
		want    []string
	}{
		{"exact", tr(t, "09:00", "11:00"), 30, []string{"09:00-09:30", "09:30-10:00", "10:00-10:30", "10:30-11:00"}},
		{"remainder dropped", tr(t, "09:00", "10:10"), 30, []string{"09:00-09:30", "09:30-10:00"}},
		{"interval longer than range", tr(t, "09:00", "09:20"), 30, nil},
		{"single", tr(t, "13:15", "14:00"), 45, []string{"13:15-14:00"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Slice(tt.r, tt.minutes)
			if err != nil {
				t.Fatalf("Slice: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, got)
			}
			for i := range got {
				if got[i].String() != tt.want[i] {
					t.Fatalf("piece %d: expected %s, got %s", i, tt.want[i], got[i])
				}
			}
		})
	}
}

func TestSliceCoversPrefixWithoutGaps(t *testing.T) {
	r := tr(t, "08:05", "17:58")
	for _, n := range []int{1, 7, 15, 60, 120} {
		pieces, err := Slice(r, n)
		if err != nil {
			t.Fatalf("Slice(%d): %v", n, err)
		}
		if len(pieces) != r.Minutes()/n {
			t.Fatalf("Slice(%d): expected %d pieces, got %d", n, r.Minutes()/n, len(pieces))
		}
		for i, p := range pieces {
			if p.Minutes() != n {
				t.Fatalf("Slice(%d): piece %d has %d minutes", n, i, p.Minutes())
			}
			if i > 0 && pieces[i-1].End != p.Start {
				t.Fatalf("Slice(%d): gap before piece %d", n, i)
			}
		}
		if pieces[0].Start != r.Start {
			t.Fatalf("Slice(%d): first piece does not start at range start", n)
		}
	}
}

func TestSliceRejectsBadInterval(t *testing.T) {
	for _, n := range []int{0, -15} {
		_, err := Slice(tr(t, "09:00", "10:00"), n)
		var intervalErr *InvalidIntervalError
		if !errors.As(err, &intervalErr) {
			t.Fatalf("Slice(%d): expected InvalidIntervalError, got %v", n, err)
		}
	}
}

func TestParseTimeOfDay(t *testing.T) {
	for _, bad := range []string{"", "9:00", "24:00", "12:60", "ab:cd", "-1:00", "12:+5"} {
		if _, err := ParseTimeOfDay(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
	v, err := ParseTimeOfDay("23:59")
	if err != nil || int(v) != 1439 || v.String() != "23:59" {
		t.Fatalf("ParseTimeOfDay(23:59) = %d, %v", v, err)
	}
}
