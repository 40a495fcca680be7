package position

import "time"

// dayOpen returns local midnight for t in loc.
func dayOpen(loc *time.Location, t time.Time) time.Time {
	y, m, d := t.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc)
}

// SameTradingDay checks whether a and b fall on the same local day in loc.
func SameTradingDay(loc *time.Location, a, b time.Time) bool {
	return dayOpen(loc, a).Equal(dayOpen(loc, b))
}

// TradingDayCount returns the 1-based trading-day age of a position: the
// number of weekdays from entry through now, both inclusive, in the exchange
// timezone. The entry day counts as day 1; weekends do not advance the count.
// Exchange holidays are not modelled.
func TradingDayCount(loc *time.Location, entry, now time.Time) int {
	start := dayOpen(loc, entry)
	end := dayOpen(loc, now)
	if end.Before(start) {
		return 0
	}

	days := 0
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		switch d.Weekday() {
		case time.Saturday, time.Sunday:
			continue
		default:
			days++
		}
	}
	if days == 0 {
		// Entered on a weekend: treat the position as still on day 1
		// until the first weekday passes.
		return 1
	}
	return days
}
