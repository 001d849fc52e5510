package holiday_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/studio-ledger/calendar"
	"github.com/warp/studio-ledger/docstore"
	"github.com/warp/studio-ledger/holiday"
)

var d = calendar.MustParseDate

func newService(t *testing.T, store docstore.Store) *holiday.Service {
	t.Helper()
	svc, err := holiday.New(store, holiday.Rules{
		ClosedWeekdays: []time.Weekday{time.Sunday},
		Annual:         []holiday.AnnualHoliday{{Name: "Christmas", Month: time.December, Day: 25}},
	}, nil)
	require.NoError(t, err)
	require.NoError(t, svc.Load(context.Background()))
	return svc
}

func TestIsHoliday_RecurringRules(t *testing.T) {
	svc := newService(t, docstore.NewMemory())

	// 2025-05-04 is a Sunday
	h, ok := svc.IsHoliday(d("2025-05-04"))
	assert.True(t, ok)
	assert.Equal(t, holiday.SourceRecurring, h.Source)

	h, ok = svc.IsHoliday(d("2025-12-25"))
	assert.True(t, ok)
	assert.Equal(t, "Christmas", h.Name)

	_, ok = svc.IsHoliday(d("2025-05-02"))
	assert.False(t, ok)
}

func TestAddOverride_IdempotentByDateAndName(t *testing.T) {
	// GIVEN: An instructional Friday
	ctx := context.Background()
	svc := newService(t, docstore.NewMemory())
	day := d("2025-05-02")

	// WHEN: Adding the same override twice
	changed, err := svc.AddOverride(ctx, day, "Labour Day", "admin")
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = svc.AddOverride(ctx, day, " Labour Day ", "admin")
	require.NoError(t, err)

	// THEN: Only the first call changed the calendar
	assert.False(t, changed)
	h, ok := svc.IsHoliday(day)
	require.True(t, ok)
	assert.Equal(t, "Labour Day", h.Name)
	assert.Equal(t, holiday.SourceOverride, h.Source)
}

func TestAddOverride_Validation(t *testing.T) {
	svc := newService(t, docstore.NewMemory())

	_, err := svc.AddOverride(context.Background(), calendar.Date{Year: 2025, Month: 2, Day: 30}, "X", "admin")
	assert.ErrorIs(t, err, calendar.ErrInvalidDate)

	_, err = svc.AddOverride(context.Background(), d("2025-05-02"), "  ", "admin")
	assert.ErrorIs(t, err, holiday.ErrInvalidName)
}

func TestRemoveOverride_MasksRecurringDay(t *testing.T) {
	// GIVEN: Christmas falls under a recurring rule
	ctx := context.Background()
	svc := newService(t, docstore.NewMemory())
	xmas := d("2025-12-25")

	// WHEN: Removing it
	changed, err := svc.RemoveOverride(ctx, xmas, "admin")
	require.NoError(t, err)

	// THEN: An explicit removed override dominates the rule
	assert.True(t, changed)
	_, ok := svc.IsHoliday(xmas)
	assert.False(t, ok)
	o, ok := svc.Override(xmas)
	require.True(t, ok)
	assert.Equal(t, holiday.KindRemoved, o.Kind)
}

func TestRemoveOverride_DeletesAddedOverride(t *testing.T) {
	ctx := context.Background()
	store := docstore.NewMemory()
	svc := newService(t, store)
	day := d("2025-05-02")

	_, err := svc.AddOverride(ctx, day, "Labour Day", "admin")
	require.NoError(t, err)

	changed, err := svc.RemoveOverride(ctx, day, "admin")
	require.NoError(t, err)
	assert.True(t, changed)

	_, ok := svc.IsHoliday(day)
	assert.False(t, ok)
	_, err = store.Get(ctx, holiday.Collection, day.Key())
	assert.ErrorIs(t, err, docstore.ErrNotFound)

	changed, err = svc.RemoveOverride(ctx, day, "admin")
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestLoad_RestoresPersistedOverrides(t *testing.T) {
	ctx := context.Background()
	store := docstore.NewMemory()
	first := newService(t, store)
	_, err := first.AddOverride(ctx, d("2025-05-02"), "Labour Day", "admin")
	require.NoError(t, err)

	second := newService(t, store)
	_, ok := second.IsHoliday(d("2025-05-02"))
	assert.True(t, ok)
	assert.Len(t, second.Overrides(), 1)
}

func TestListHolidays_Range(t *testing.T) {
	ctx := context.Background()
	svc := newService(t, docstore.NewMemory())
	_, err := svc.AddOverride(ctx, d("2025-05-02"), "Labour Day", "admin")
	require.NoError(t, err)

	got := svc.ListHolidays(calendar.Range{Start: d("2025-05-01"), End: d("2025-05-11")})

	var keys []string
	for _, h := range got {
		keys = append(keys, h.Date.Key())
	}
	assert.Equal(t, []string{"2025-05-02", "2025-05-04", "2025-05-11"}, keys)
}

func TestAddOverride_CanceledWhileLocked(t *testing.T) {
	svc := newService(t, docstore.NewMemory())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := svc.AddOverride(ctx, d("2025-05-02"), "X", "admin")
	assert.Error(t, err)
}
