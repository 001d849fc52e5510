package holiday

import (
	"fmt"
	"time"

	"github.com/rickar/cal/v2"
	"github.com/warp/studio-ledger/calendar"
)

// AnnualHoliday is a fixed month/day observed every year.
type AnnualHoliday struct {
	Name  string     `yaml:"name" json:"name"`
	Month time.Month `yaml:"month" json:"month"`
	Day   int        `yaml:"day" json:"day"`
}

// Rules is the recurring part of the holiday calendar.
type Rules struct {
	// ClosedWeekdays are never instructional (e.g. the studio is shut on Sundays).
	ClosedWeekdays []time.Weekday
	Annual         []AnnualHoliday
}

// recurring evaluates Rules with a rickar/cal business calendar. Every weekday
// is a workday unless listed in ClosedWeekdays.
type recurring struct {
	cal *cal.BusinessCalendar
}

func newRecurring(r Rules) (*recurring, error) {
	bc := cal.NewBusinessCalendar()
	for wd := time.Sunday; wd <= time.Saturday; wd++ {
		bc.SetWorkday(wd, true)
	}
	for _, wd := range r.ClosedWeekdays {
		if wd < time.Sunday || wd > time.Saturday {
			return nil, fmt.Errorf("invalid closed weekday %d", wd)
		}
		bc.SetWorkday(wd, false)
	}
	for _, h := range r.Annual {
		if h.Name == "" {
			return nil, fmt.Errorf("%w: annual holiday without a name", ErrInvalidName)
		}
		// Feb 29 is allowed here; it simply never matches in common years.
		if h.Month < time.January || h.Month > time.December || h.Day < 1 || h.Day > calendar.DaysIn(2024, h.Month) {
			return nil, fmt.Errorf("%w: annual holiday %q on %d/%d", calendar.ErrInvalidDate, h.Name, h.Month, h.Day)
		}
		bc.AddHoliday(&cal.Holiday{
			Name:  h.Name,
			Month: h.Month,
			Day:   h.Day,
			Func:  cal.CalcDayOfMonth,
		})
	}
	return &recurring{cal: bc}, nil
}

// match reports whether d is non-instructional under the recurring rules.
func (r *recurring) match(d calendar.Date) (string, bool) {
	at := d.In(time.UTC)
	if actual, _, h := r.cal.IsHoliday(at); actual && h != nil {
		return h.Name, true
	}
	if !r.cal.IsWorkday(at) {
		return "Closed " + d.Weekday().String(), true
	}
	return "", false
}
