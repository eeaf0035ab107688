package prices

import (
	"time"

	"github.com/shopspring/decimal"
)

const dayFormat = "2006-01-02"

// DayKey formats a timestamp as its UTC calendar day.
func DayKey(t time.Time) string {
	return t.UTC().Format(dayFormat)
}

// calendarDays returns every UTC calendar day from from to to, inclusive.
func calendarDays(from, to time.Time) []time.Time {
	start := time.Date(from.UTC().Year(), from.UTC().Month(), from.UTC().Day(), 0, 0, 0, 0, time.UTC)
	end := time.Date(to.UTC().Year(), to.UTC().Month(), to.UTC().Day(), 0, 0, 0, 0, time.UTC)

	var days []time.Time
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		days = append(days, d)
	}
	return days
}

// fillCalendarDays expands a sparse day->price map over the full day range.
// Days with no market print take the last known close (forward fill); leading
// days before the first print take the first known close (backward fill).
func fillCalendarDays(raw map[string]decimal.Decimal, days []time.Time) map[string]decimal.Decimal {
	filled := make(map[string]decimal.Decimal, len(days))

	var last decimal.Decimal
	haveLast := false
	for _, day := range days {
		key := DayKey(day)
		if price, ok := raw[key]; ok {
			last = price
			haveLast = true
		}
		if haveLast {
			filled[key] = last
		}
	}

	if !haveLast {
		// No prints at all in the range
		return filled
	}

	// Backward fill the leading gap with the first real close
	var first decimal.Decimal
	for _, day := range days {
		if price, ok := filled[DayKey(day)]; ok {
			first = price
			break
		}
	}
	for _, day := range days {
		key := DayKey(day)
		if _, ok := filled[key]; !ok {
			filled[key] = first
		}
	}
	return filled
}
