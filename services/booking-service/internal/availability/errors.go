package availability

import (
	"fmt"
	"strings"
)

// InvalidRangeError reports a date range whose start is after its end.
type InvalidRangeError struct {
	Start Date
	End   Date
}

func (e *InvalidRangeError) Error() string {
	return fmt.Sprintf("invalid date range: start %s is after end %s", e.Start, e.End)
}

// InvalidIntervalError reports a non-positive slot length.
type InvalidIntervalError struct {
	Minutes int
}

func (e *InvalidIntervalError) Error() string {
	return fmt.Sprintf("invalid interval: %d minutes (must be > 0)", e.Minutes)
}

// ValidationError collects every problem found in submitted availability.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid availability: " + strings.Join(e.Problems, "; ")
}
