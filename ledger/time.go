package ledger

import "time"

// =============================================================================
// DAY HELPERS - Entries are grouped and matched on UTC calendar days
// =============================================================================

// DayOf truncates t to midnight UTC.
func DayOf(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

func SameDay(a, b time.Time) bool { return DayOf(a).Equal(DayOf(b)) }

// AbsDiff returns |a - b|.
func AbsDiff(a, b time.Time) time.Duration {
	d := a.Sub(b)
	if d < 0 {
		return -d
	}
	return d
}

// Within reports whether a and b are at most window apart. A zero window
// means unbounded.
func Within(a, b time.Time, window time.Duration) bool {
	return window <= 0 || AbsDiff(a, b) <= window
}

func DaysBetween(from, to time.Time) int { return int(DayOf(to).Sub(DayOf(from)).Hours() / 24) }
