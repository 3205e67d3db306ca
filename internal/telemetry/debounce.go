package telemetry

import "time"

// DefaultDebounceWindow is the sampling window used for the last-duration gauge.
const DefaultDebounceWindow = 5 * time.Second

// DebounceLast computes the next value of the last-duration gauge.
//
// Inside the window (measured from the previous record, not from the first
// one) a new value only replaces a smaller one; outside it the new value
// always wins. A zero prevAt means nothing was recorded yet.
func DebounceLast(prev int64, prevAt time.Time, next int64, nextAt time.Time, window time.Duration) int64 {
	if prevAt.IsZero() || window <= 0 {
		return next
	}
	if nextAt.Sub(prevAt) < window {
		if next > prev {
			return next
		}
		return prev
	}
	return next
}
