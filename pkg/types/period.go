package types

import "time"

// Period is a half-open time interval [Start, End).
type Period struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// IsZero returns true if neither bound is set.
func (p Period) IsZero() bool {
	return p.Start.IsZero() && p.End.IsZero()
}

// Contains returns true if t is within [Start, End).
func (p Period) Contains(t time.Time) bool {
	return !t.Before(p.Start) && t.Before(p.End)
}

// Days returns the number of whole calendar days in the period. Partial days
// are dropped and an inverted period has no days.
func (p Period) Days() int {
	if !p.End.After(p.Start) {
		return 0
	}
	// start from the elapsed-time estimate and correct for DST transitions
	d := int(p.End.Sub(p.Start) / (24 * time.Hour))
	for !p.Start.AddDate(0, 0, d+1).After(p.End) {
		d++
	}
	for d > 0 && p.Start.AddDate(0, 0, d).After(p.End) {
		d--
	}
	return d
}

// TruncateDay returns midnight of t's calendar day in t's location.
func TruncateDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

// CalendarDate returns t's calendar day as midnight UTC. Dates stored on usage
// rows always use this form so they compare equal regardless of the zone they
// were computed in.
func CalendarDate(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// DailyPeriod returns the daily-resolution period starting on start's
// calendar day that covers the whole days between start and end.
func DailyPeriod(start, end time.Time) Period {
	first := TruncateDay(start)
	days := Period{Start: start, End: end}.Days()
	return Period{Start: first, End: first.AddDate(0, 0, days)}
}
