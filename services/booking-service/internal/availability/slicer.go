package availability

// Slice cuts r into consecutive sub-ranges of exactly lengthMinutes starting
// at r.Start. A trailing remainder shorter than lengthMinutes is dropped.
func Slice(r TimeRange, lengthMinutes int) ([]TimeRange, error) {
	if lengthMinutes <= 0 {
		return nil, &InvalidIntervalError{Minutes: lengthMinutes}
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	step := TimeOfDay(lengthMinutes)
	out := make([]TimeRange, 0, r.Minutes()/lengthMinutes)
	for start := r.Start; start+step <= r.End; start += step {
		out = append(out, TimeRange{Start: start, End: start + step})
	}
	return out, nil
}
