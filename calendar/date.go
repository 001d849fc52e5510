/*
Package calendar provides the civil-date primitives shared by every other package.

PURPOSE:
  Attendance, payments, holidays and reports are all keyed by a local calendar
  day. This package owns the single definition of a day (Date), the day-key
  string format (YYYY-MM-DD), inclusive date ranges, and the fee-year window.

KEY CONCEPTS:
  - Date:    A civil date (year, month, day) with no time-of-day and no zone
  - Range:   An inclusive [Start, End] span of dates
  - Service: Converts wall-clock instants to Dates in the configured location
             and computes the fee-year window from the configured anchor

NO UTC DRIFT:
  A Date never round-trips through a UTC instant. Comparisons use the civil
  components only, so 2025-05-01 is the same day regardless of the process
  time zone. Instants are converted with t.In(location) exactly once, at the
  boundary (Service.Date / Service.DayKey).

SEE ALSO:
  - fee_year.go: Fee-year window calculation
  - holiday/service.go: Holiday classification of Dates
*/
package calendar

import (
	"errors"
	"fmt"
	"time"
)

// KeyLayout is the day-key layout used in documents and URLs.
const KeyLayout = "2006-01-02"

// ErrInvalidDate is returned for malformed day keys or impossible dates.
var ErrInvalidDate = errors.New("invalid date")

// =============================================================================
// DATE - Civil calendar day
// =============================================================================

// Date is a local calendar day. The zero value is not a valid date.
type Date struct {
	Year  int
	Month time.Month
	Day   int
}

// NewDate builds a Date, normalising overflowing days the same way time.Date does.
func NewDate(year int, month time.Month, day int) Date {
	t := time.Date(year, month, day, 12, 0, 0, 0, time.UTC)
	return Date{Year: t.Year(), Month: t.Month(), Day: t.Day()}
}

// DateOf returns the civil date of t in t's own location.
func DateOf(t time.Time) Date {
	y, m, d := t.Date()
	return Date{Year: y, Month: m, Day: d}
}

// ParseDate parses a YYYY-MM-DD day key. Values that time.Date would normalise
// (2025-02-30) are rejected.
func ParseDate(key string) (Date, error) {
	if len(key) != len(KeyLayout) {
		return Date{}, fmt.Errorf("%w: %q", ErrInvalidDate, key)
	}
	t, err := time.Parse(KeyLayout, key)
	if err != nil {
		return Date{}, fmt.Errorf("%w: %q", ErrInvalidDate, key)
	}
	return DateOf(t), nil
}

// MustParseDate is ParseDate for literals in tests and defaults.
func MustParseDate(key string) Date {
	d, err := ParseDate(key)
	if err != nil {
		panic(err)
	}
	return d
}

// Key renders the day key (YYYY-MM-DD).
func (d Date) Key() string {
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, int(d.Month), d.Day)
}

func (d Date) String() string { return d.Key() }

// IsZero reports whether d is the zero Date.
func (d Date) IsZero() bool { return d.Year == 0 && d.Month == 0 && d.Day == 0 }

// Valid reports whether d names a real calendar day.
func (d Date) Valid() bool {
	if d.Month < time.January || d.Month > time.December || d.Day < 1 {
		return false
	}
	return d.Day <= DaysIn(d.Year, d.Month)
}

// In returns midnight of d in loc.
func (d Date) In(loc *time.Location) time.Time {
	return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, loc)
}

// civil is a fixed-zone instant used only for arithmetic and weekday lookups.
func (d Date) civil() time.Time {
	return time.Date(d.Year, d.Month, d.Day, 12, 0, 0, 0, time.UTC)
}

// Comparison
func (d Date) Compare(o Date) int {
	switch {
	case d.Year != o.Year:
		return cmpInt(d.Year, o.Year)
	case d.Month != o.Month:
		return cmpInt(int(d.Month), int(o.Month))
	default:
		return cmpInt(d.Day, o.Day)
	}
}
func (d Date) Before(o Date) bool        { return d.Compare(o) < 0 }
func (d Date) After(o Date) bool         { return d.Compare(o) > 0 }
func (d Date) Equal(o Date) bool         { return d.Compare(o) == 0 }
func (d Date) BeforeOrEqual(o Date) bool { return d.Compare(o) <= 0 }
func (d Date) AfterOrEqual(o Date) bool  { return d.Compare(o) >= 0 }

// Arithmetic
func (d Date) AddDays(n int) Date   { return DateOf(d.civil().AddDate(0, 0, n)) }
func (d Date) AddMonths(n int) Date { return DateOf(d.civil().AddDate(0, n, 0)) }
func (d Date) AddYears(n int) Date  { return DateOf(d.civil().AddDate(n, 0, 0)) }

func (d Date) Weekday() time.Weekday { return d.civil().Weekday() }

// MarshalText encodes the day key; Date is used directly in JSON documents.
func (d Date) MarshalText() ([]byte, error) {
	if d.IsZero() {
		return []byte(""), nil
	}
	return []byte(d.Key()), nil
}

func (d *Date) UnmarshalText(b []byte) error {
	if len(b) == 0 {
		*d = Date{}
		return nil
	}
	parsed, err := ParseDate(string(b))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// DaysIn returns the number of days in the given month.
func DaysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 12, 0, 0, 0, time.UTC).Day()
}

func cmpInt(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
