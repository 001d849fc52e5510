package calendar

import (
	"fmt"
	"time"
)

// =============================================================================
// SERVICE - Local-calendar conversions and the fee-year window
// =============================================================================

// Anchor is the recurring (month, day) on which a fee year starts.
type Anchor struct {
	Month time.Month
	Day   int
}

// Validate rejects anchors that do not exist every year (e.g. February 29).
func (a Anchor) Validate() error {
	if a.Month < time.January || a.Month > time.December {
		return fmt.Errorf("%w: fee-year anchor month %d", ErrInvalidDate, a.Month)
	}
	// 2023 is not a leap year, so Feb 29 is rejected.
	if a.Day < 1 || a.Day > DaysIn(2023, a.Month) {
		return fmt.Errorf("%w: fee-year anchor day %d", ErrInvalidDate, a.Day)
	}
	return nil
}

// Service is the DateService. It is pure and safe for concurrent use.
type Service struct {
	loc    *time.Location
	anchor Anchor
}

// NewService creates a date service for the given location and fee-year anchor.
// A nil location means time.Local.
func NewService(loc *time.Location, anchor Anchor) (*Service, error) {
	if loc == nil {
		loc = time.Local
	}
	if err := anchor.Validate(); err != nil {
		return nil, err
	}
	return &Service{loc: loc, anchor: anchor}, nil
}

// Location returns the configured local calendar location.
func (s *Service) Location() *time.Location { return s.loc }

// Anchor returns the configured fee-year anchor.
func (s *Service) Anchor() Anchor { return s.anchor }

// Date converts an instant to its local calendar day.
func (s *Service) Date(t time.Time) Date { return DateOf(t.In(s.loc)) }

// DayKey renders the local day key of t.
func (s *Service) DayKey(t time.Time) string { return s.Date(t).Key() }

// Today returns the local calendar day of now.
func (s *Service) Today(now time.Time) Date { return s.Date(now) }

// FeeYearRange returns the fee-year window containing now's local date.
// Before the anchor the window began on the anchor of the previous year;
// it ends the day before the next anchor.
func (s *Service) FeeYearRange(now time.Time) Range {
	return s.FeeYearOf(s.Date(now))
}

// FeeYearOf returns the fee-year window containing d.
func (s *Service) FeeYearOf(d Date) Range {
	start := Date{Year: d.Year, Month: s.anchor.Month, Day: s.anchor.Day}
	if d.Before(start) {
		start.Year--
	}
	next := Date{Year: start.Year + 1, Month: s.anchor.Month, Day: s.anchor.Day}
	return Range{Start: start, End: next.AddDays(-1)}
}

// IsWithinFeeYear reports whether d falls in the fee year containing now.
func (s *Service) IsWithinFeeYear(d Date, now time.Time) bool {
	return s.FeeYearRange(now).Contains(d)
}
