package report_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/studio-ledger/calendar"
	"github.com/warp/studio-ledger/holiday"
	"github.com/warp/studio-ledger/reconcile"
	"github.com/warp/studio-ledger/report"
	"github.com/warp/studio-ledger/school"
	"github.com/warp/studio-ledger/school/schooltest"
)

var (
	day = calendar.MustParseDate
	dec = decimal.NewFromInt
)

func setup(t *testing.T) (*schooltest.Fixture, *report.Service) {
	t.Helper()
	f := schooltest.New(t)
	cal, err := calendar.NewService(time.UTC, calendar.Anchor{Month: time.August, Day: 13})
	require.NoError(t, err)
	return f, report.New(f.Svc, cal)
}

func mark(t *testing.T, f *schooltest.Fixture, date, id string, status school.Status, attrs ...school.Attribute) {
	t.Helper()
	_, err := f.Svc.Marks.Mark(context.Background(), school.MarkRequest{Date: day(date), StudentID: id, Status: status, Attributes: attrs, AdminID: "admin"})
	require.NoError(t, err)
}

func pay(t *testing.T, f *schooltest.Fixture, date, id string, amount int64) {
	t.Helper()
	_, _, err := f.Svc.Payments.Create(context.Background(), school.Payment{
		StudentID: id, Amount: dec(amount), Date: day(date), PaymentMethod: school.MethodCash, AdminID: "admin",
	})
	require.NoError(t, err)
}

// seed: May   A absent x2 (10), paid 4; B late (1), paid 3
//       June  A absent (5), paid 5; rent 100 in May
func seed(t *testing.T, f *schooltest.Fixture) {
	t.Helper()
	f.Enroll(t, "A", "B")
	mark(t, f, "2025-05-05", "A", school.StatusAbsent)
	mark(t, f, "2025-05-06", "A", school.StatusAbsent)
	mark(t, f, "2025-05-05", "B", school.StatusPresent, school.AttributeLate)
	mark(t, f, "2025-06-02", "A", school.StatusAbsent)
	pay(t, f, "2025-05-07", "A", 4)
	pay(t, f, "2025-05-07", "B", 3)
	pay(t, f, "2025-06-03", "A", 5)
	_, err := f.Svc.Expenses.Create(context.Background(), school.Expense{
		Date: day("2025-05-01"), Category: school.ExpenseRent, Title: "Hall", Amount: dec(100), AdminID: "admin",
	})
	require.NoError(t, err)
}

func TestMonthly_AppliesCollectionFormulas(t *testing.T) {
	// GIVEN: May activity for A and B
	f, svc := setup(t)
	seed(t, f)

	// WHEN: Reporting on May
	r, err := svc.Monthly(context.Background(), 2025, time.May)
	require.NoError(t, err)

	// THEN: Per student collected = min(charged, paid), pending = max(0, charged - paid)
	require.Len(t, r.Students, 2)
	a, b := r.Students[0], r.Students[1]
	assert.Equal(t, "10", a.FeesCharged.String())
	assert.Equal(t, "4", a.PaymentsReceived.String())
	assert.Equal(t, "4", a.FeesCollected.String())
	assert.Equal(t, "6", a.PendingFees.String())
	assert.Equal(t, "0.4", a.CollectionRate.String())
	assert.Equal(t, "1", b.FeesCharged.String())
	assert.Equal(t, "1", b.FeesCollected.String(), "overpayment is not collected fees")
	assert.True(t, b.PendingFees.IsZero())
	assert.Equal(t, "3", b.CollectionRate.String())

	// AND: Period totals
	assert.Equal(t, "11", r.FeesCharged.String())
	assert.Equal(t, "7", r.PaymentsReceived.String())
	assert.Equal(t, "5", r.FeesCollected.String())
	assert.Equal(t, "6", r.PendingFees.String())
	assert.Equal(t, "0.6364", r.CollectionRate.String())
	assert.Equal(t, "100", r.Expenses.String())
	assert.Equal(t, "-93", r.Net.String())
	assert.Equal(t, 2, r.Attendance[school.StatusAbsent])
	assert.Equal(t, 1, r.Attendance[school.StatusPresent])
}

func TestMonthly_EmptyMonthHasZeroRate(t *testing.T) {
	f, svc := setup(t)
	f.Enroll(t, "A")

	r, err := svc.Monthly(context.Background(), 2025, time.March)
	require.NoError(t, err)

	assert.True(t, r.CollectionRate.IsZero())
	assert.Empty(t, r.Students)

	_, err = svc.Monthly(context.Background(), 2025, 13)
	assert.ErrorIs(t, err, school.ErrValidationFailed)
}

func TestCumulative_HasMonthlySeries(t *testing.T) {
	f, svc := setup(t)
	seed(t, f)

	c, err := svc.Cumulative(context.Background(), day("2025-05-01"), day("2025-06-30"))
	require.NoError(t, err)

	assert.Equal(t, "16", c.FeesCharged.String())
	assert.Equal(t, "12", c.PaymentsReceived.String())
	require.Len(t, c.Months, 2)
	assert.Equal(t, time.May, c.Months[0].Month)
	assert.Equal(t, "11", c.Months[0].FeesCharged.String())
	assert.Equal(t, time.June, c.Months[1].Month)
	assert.Equal(t, "5", c.Months[1].FeesCharged.String())
	assert.Equal(t, "1", c.Months[1].CollectionRate.String())

	_, err = svc.Cumulative(context.Background(), day("2025-06-30"), day("2025-05-01"))
	assert.ErrorIs(t, err, school.ErrValidationFailed)
}

func TestFeeYear_UsesAnchorWindow(t *testing.T) {
	f, svc := setup(t)
	seed(t, f)
	mark(t, f, "2025-08-13", "A", school.StatusAbsent)

	c, err := svc.FeeYear(context.Background(), time.Date(2025, 7, 10, 12, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	assert.Equal(t, "2024-08-13", c.Range.Start.Key())
	assert.Equal(t, "2025-08-12", c.Range.End.Key())
	assert.Equal(t, "16", c.FeesCharged.String(), "2025-08-13 belongs to the next fee year")
	assert.Len(t, c.Months, 13)
}

func TestStudentLedger_ChronologicalWithHolidayCredits(t *testing.T) {
	// GIVEN: A charged on 05-05 and 05-06, paid 4 on 05-07, then 05-06 declared a holiday
	f, svc := setup(t)
	seed(t, f)
	hs, err := holiday.New(f.Store, holiday.Rules{}, nil)
	require.NoError(t, err)
	ctx := context.Background()
	pay(t, f, "2025-05-06", "A", 2)
	_, err = reconcile.New(f.Svc, hs).ProcessChange(ctx, day("2025-05-06"), "Founders Day", "admin", true)
	require.NoError(t, err)

	// WHEN: Reading A's May ledger
	l, err := svc.StudentLedger(ctx, "A", calendar.MonthRange(2025, time.May))
	require.NoError(t, err)

	// THEN: fee 5, refund (no effect), payment -2, payment credit -2, payment -4
	kinds := make([]report.EntryKind, len(l.Entries))
	for i, e := range l.Entries {
		kinds[i] = e.Kind
	}
	assert.Equal(t, []report.EntryKind{
		report.EntryFee, report.EntryHolidayRefund, report.EntryPayment, report.EntryPaymentCredit, report.EntryPayment,
	}, kinds)
	assert.Equal(t, "5", l.FeesCharged.String())
	assert.Equal(t, "6", l.PaymentsReceived.String())
	assert.Equal(t, "2", l.PaymentCredits.String())
	assert.Equal(t, "5", l.HolidayRefunds.String())
	assert.Equal(t, "-3", l.Net.String())
	assert.Equal(t, "-3", l.Entries[len(l.Entries)-1].Running.String())

	// AND: Net over all time equals the stored balance
	all, err := svc.StudentLedger(ctx, "A", calendar.Range{Start: day("2025-01-01"), End: day("2025-12-31")})
	require.NoError(t, err)
	assert.True(t, all.Net.Equal(all.Balance))

	_, err = svc.StudentLedger(ctx, "nobody", calendar.MonthRange(2025, time.May))
	assert.ErrorIs(t, err, school.ErrNotFound)
}
