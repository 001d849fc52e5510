package calendar_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/studio-ledger/calendar"
)

func newService(t *testing.T, loc *time.Location) *calendar.Service {
	svc, err := calendar.NewService(loc, calendar.Anchor{Month: time.August, Day: 13})
	require.NoError(t, err)
	return svc
}

// =============================================================================
// FEE-YEAR WINDOW
// =============================================================================

func TestFeeYearRange_BeforeAnchor_StartsPreviousYear(t *testing.T) {
	svc := newService(t, time.UTC)

	got := svc.FeeYearRange(time.Date(2025, time.July, 10, 9, 0, 0, 0, time.UTC))

	assert.Equal(t, "2024-08-13", got.Start.Key())
	assert.Equal(t, "2025-08-12", got.End.Key())
}

func TestFeeYearRange_OnAnchor_StartsCurrentYear(t *testing.T) {
	svc := newService(t, time.UTC)

	got := svc.FeeYearRange(time.Date(2025, time.August, 13, 0, 0, 0, 0, time.UTC))

	assert.Equal(t, "2025-08-13", got.Start.Key())
	assert.Equal(t, "2026-08-12", got.End.Key())
}

func TestFeeYearRange_UsesLocalCalendarNotUTC(t *testing.T) {
	// GIVEN: 23:30 on Aug 12 in UTC-5 is already Aug 13 in UTC
	// THEN: the window is still the one that ends Aug 12
	loc := time.FixedZone("UTC-5", -5*3600)
	svc := newService(t, loc)

	instant := time.Date(2025, time.August, 12, 23, 30, 0, 0, loc)
	got := svc.FeeYearRange(instant.UTC())

	assert.Equal(t, "2024-08-13", got.Start.Key())
	assert.Equal(t, "2025-08-12", svc.DayKey(instant.UTC()))
}

func TestIsWithinFeeYear(t *testing.T) {
	svc := newService(t, time.UTC)
	now := time.Date(2025, time.July, 10, 0, 0, 0, 0, time.UTC)

	assert.True(t, svc.IsWithinFeeYear(calendar.MustParseDate("2024-08-13"), now))
	assert.True(t, svc.IsWithinFeeYear(calendar.MustParseDate("2025-08-12"), now))
	assert.False(t, svc.IsWithinFeeYear(calendar.MustParseDate("2025-08-13"), now))
	assert.False(t, svc.IsWithinFeeYear(calendar.MustParseDate("2024-08-12"), now))
}

func TestAnchor_RejectsLeapDay(t *testing.T) {
	_, err := calendar.NewService(time.UTC, calendar.Anchor{Month: time.February, Day: 29})
	assert.ErrorIs(t, err, calendar.ErrInvalidDate)
}

// =============================================================================
// DATES AND RANGES
// =============================================================================

func TestParseDate(t *testing.T) {
	tests := []struct {
		in    string
		valid bool
	}{
		{"2025-05-01", true},
		{"2024-02-29", true},
		{"2025-02-29", false},
		{"2025-13-01", false},
		{"2025-5-1", false},
		{"05/01/2025", false},
		{"", false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			d, err := calendar.ParseDate(tt.in)
			if tt.valid {
				require.NoError(t, err)
				assert.Equal(t, tt.in, d.Key())
			} else {
				assert.ErrorIs(t, err, calendar.ErrInvalidDate)
			}
		})
	}
}

func TestDate_TextRoundTrip(t *testing.T) {
	d := calendar.MustParseDate("2025-05-02")
	b, err := d.MarshalText()
	require.NoError(t, err)

	var back calendar.Date
	require.NoError(t, back.UnmarshalText(b))
	assert.True(t, d.Equal(back))
}

func TestRange_MonthsClipped(t *testing.T) {
	r, err := calendar.NewRange(calendar.MustParseDate("2025-01-15"), calendar.MustParseDate("2025-03-10"))
	require.NoError(t, err)

	months := r.Months()
	require.Len(t, months, 3)
	assert.Equal(t, "[2025-01-15, 2025-01-31]", months[0].String())
	assert.Equal(t, "[2025-02-01, 2025-02-28]", months[1].String())
	assert.Equal(t, "[2025-03-01, 2025-03-10]", months[2].String())
	assert.Equal(t, 55, r.Len())
}

func TestNewRange_EndBeforeStart(t *testing.T) {
	_, err := calendar.NewRange(calendar.MustParseDate("2025-02-02"), calendar.MustParseDate("2025-02-01"))
	assert.ErrorIs(t, err, calendar.ErrInvalidDate)
}
