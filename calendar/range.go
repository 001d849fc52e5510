package calendar

import (
	"fmt"
	"time"
)

// =============================================================================
// RANGE - Inclusive span of days
// =============================================================================

// Range is the inclusive span [Start, End].
type Range struct {
	Start Date `json:"start"`
	End   Date `json:"end"`
}

// ErrInvalidRange is returned when End precedes Start.
var ErrInvalidRange = fmt.Errorf("%w: range end before start", ErrInvalidDate)

// NewRange validates and builds a Range.
func NewRange(start, end Date) (Range, error) {
	if !start.Valid() || !end.Valid() {
		return Range{}, fmt.Errorf("%w: range bounds", ErrInvalidDate)
	}
	if end.Before(start) {
		return Range{}, ErrInvalidRange
	}
	return Range{Start: start, End: end}, nil
}

// SingleDay is the range holding just d.
func SingleDay(d Date) Range { return Range{Start: d, End: d} }

// MonthRange returns the first to last day of the month.
func MonthRange(year int, month time.Month) Range {
	return Range{
		Start: Date{Year: year, Month: month, Day: 1},
		End:   Date{Year: year, Month: month, Day: DaysIn(year, month)},
	}
}

// Contains reports whether d is within [Start, End].
func (r Range) Contains(d Date) bool {
	return d.AfterOrEqual(r.Start) && d.BeforeOrEqual(r.End)
}

// Len returns the number of days in the range.
func (r Range) Len() int {
	return int(r.End.civil().Sub(r.Start.civil()).Hours()/24) + 1
}

// Days returns every day in the range in order.
func (r Range) Days() []Date {
	days := make([]Date, 0, r.Len())
	for d := r.Start; d.BeforeOrEqual(r.End); d = d.AddDays(1) {
		days = append(days, d)
	}
	return days
}

// Months returns the month ranges overlapping r, clipped to r.
func (r Range) Months() []Range {
	var out []Range
	cur := Date{Year: r.Start.Year, Month: r.Start.Month, Day: 1}
	for cur.BeforeOrEqual(r.End) {
		m := MonthRange(cur.Year, cur.Month)
		if m.Start.Before(r.Start) {
			m.Start = r.Start
		}
		if m.End.After(r.End) {
			m.End = r.End
		}
		out = append(out, m)
		cur = cur.AddMonths(1)
	}
	return out
}

func (r Range) String() string {
	return "[" + r.Start.Key() + ", " + r.End.Key() + "]"
}
