package school_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/studio-ledger/calendar"
	"github.com/warp/studio-ledger/docstore"
	"github.com/warp/studio-ledger/school"
	"github.com/warp/studio-ledger/school/schooltest"
)

func pay(t *testing.T, f *schooltest.Fixture, p school.Payment) school.Payment {
	t.Helper()
	if p.AdminID == "" {
		p.AdminID = "admin"
	}
	if p.PaymentMethod == "" {
		p.PaymentMethod = school.MethodCash
	}
	stored, created, err := f.Svc.Payments.Create(context.Background(), p)
	require.NoError(t, err)
	require.True(t, created)
	return stored
}

// =============================================================================
// PAYMENTS
// =============================================================================

func TestPayment_ReducesBalance(t *testing.T) {
	// GIVEN: Student A owing 5 after an absence
	f := schooltest.New(t)
	f.Enroll(t, "A")
	mark(t, f, "2025-05-01", "A", school.StatusAbsent)

	// WHEN: A pays 3 in cash on 2025-05-02
	p := pay(t, f, school.Payment{StudentID: "A", Amount: dec(3), Date: day("2025-05-02")})

	// THEN: Balance is 2 and the payment is persisted
	assert.True(t, dec(2).Equal(f.Student(t, "A").Balance))
	got, err := f.Svc.Payments.GetByID(context.Background(), p.ID)
	require.NoError(t, err)
	assert.True(t, dec(3).Equal(got.Amount))
	counts := schooltest.CountByType(f.Events(t))
	assert.Equal(t, 1, counts[school.EventPaymentChange])
	assert.Equal(t, 2, counts[school.EventFeeChange])
	f.AssertBalanceEquation(t, "A")
}

func TestPayment_Validation(t *testing.T) {
	f := schooltest.New(t)
	f.Enroll(t, "A")
	ctx := context.Background()

	tests := []struct {
		name string
		p    school.Payment
	}{
		{"zero amount", school.Payment{StudentID: "A", Amount: dec(0), Date: day("2025-05-02"), PaymentMethod: school.MethodCash, AdminID: "admin"}},
		{"negative amount", school.Payment{StudentID: "A", Amount: dec(-3), Date: day("2025-05-02"), PaymentMethod: school.MethodCash, AdminID: "admin"}},
		{"missing date", school.Payment{StudentID: "A", Amount: dec(3), PaymentMethod: school.MethodCash, AdminID: "admin"}},
		{"bad method", school.Payment{StudentID: "A", Amount: dec(3), Date: day("2025-05-02"), PaymentMethod: "cheque", AdminID: "admin"}},
		{"missing student", school.Payment{Amount: dec(3), Date: day("2025-05-02"), PaymentMethod: school.MethodCash, AdminID: "admin"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := f.Svc.Payments.Create(ctx, tt.p)
			assert.ErrorIs(t, err, school.ErrValidationFailed)
		})
	}

	all, err := f.Svc.Payments.GetAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
	assert.True(t, f.Student(t, "A").Balance.IsZero())
}

func TestPayment_ClientIDIsIdempotent(t *testing.T) {
	f := schooltest.New(t)
	f.Enroll(t, "A")
	ctx := context.Background()
	p := school.Payment{ID: "p-1", StudentID: "A", Amount: dec(3), Date: day("2025-05-02"), PaymentMethod: school.MethodCard, AdminID: "admin"}

	_, created, err := f.Svc.Payments.Create(ctx, p)
	require.NoError(t, err)
	assert.True(t, created)

	_, created, err = f.Svc.Payments.Create(ctx, p)
	require.NoError(t, err)
	assert.False(t, created)
	assert.True(t, dec(-3).Equal(f.Student(t, "A").Balance))

	p.Amount = dec(4)
	_, _, err = f.Svc.Payments.Create(ctx, p)
	assert.ErrorIs(t, err, school.ErrValidationFailed)
}

func TestPayment_Queries(t *testing.T) {
	f := schooltest.New(t)
	f.Enroll(t, "A", "B")
	ctx := context.Background()
	pay(t, f, school.Payment{ID: "p1", StudentID: "A", Amount: dec(1), Date: day("2025-05-01")})
	pay(t, f, school.Payment{ID: "p2", StudentID: "A", Amount: dec(2), Date: day("2025-05-03")})
	pay(t, f, school.Payment{ID: "p3", StudentID: "B", Amount: dec(3), Date: day("2025-05-02")})

	byStudent, err := f.Svc.Payments.GetByStudent(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, []string{"p2", "p1"}, paymentIDs(byStudent))

	byRange, err := f.Svc.Payments.GetByDateRange(ctx, day("2025-05-02"), day("2025-05-03"))
	require.NoError(t, err)
	assert.Equal(t, []string{"p3", "p2"}, paymentIDs(byRange))

	_, err = f.Svc.Payments.GetByDateRange(ctx, day("2025-05-03"), day("2025-05-01"))
	assert.ErrorIs(t, err, school.ErrValidationFailed)

	_, err = f.Svc.Payments.GetByID(ctx, "nope")
	assert.ErrorIs(t, err, school.ErrNotFound)
}

func TestPayment_RecordFailureCompensatesBalance(t *testing.T) {
	f := schooltest.New(t)
	f.Enroll(t, "A")
	f.Store.FailNext("update", school.PaymentsCollection, 3, schooltest.Transient)

	_, _, err := f.Svc.Payments.Create(context.Background(), school.Payment{
		StudentID: "A", Amount: dec(3), Date: day("2025-05-02"), PaymentMethod: school.MethodCash, AdminID: "admin",
	})

	assert.ErrorIs(t, err, school.ErrTransient)
	assert.True(t, f.Student(t, "A").Balance.IsZero())
	assert.Empty(t, f.Events(t))
}

func paymentIDs(ps []school.Payment) []string {
	out := make([]string, len(ps))
	for i, p := range ps {
		out[i] = p.ID
	}
	return out
}

// =============================================================================
// STUDENT DIRECTORY
// =============================================================================

func TestDirectory_CreateAndProfile(t *testing.T) {
	f := schooltest.New(t)
	ctx := context.Background()

	s, err := f.Svc.Students.Create(ctx, school.NewStudent{FirstName: " Ana ", LastName: "Pavlova", Email: "ana@example.com"})
	require.NoError(t, err)
	assert.NotEmpty(t, s.ID)
	assert.Equal(t, "Ana", s.FirstName)
	assert.Equal(t, school.EnrollmentPending, s.EnrollmentStatus)

	_, err = f.Svc.Students.Create(ctx, school.NewStudent{ID: s.ID, FirstName: "Dup"})
	assert.ErrorIs(t, err, school.ErrValidationFailed)

	_, err = f.Svc.Students.Create(ctx, school.NewStudent{FirstName: "X", Email: "not-an-email"})
	assert.ErrorIs(t, err, school.ErrValidationFailed)

	phone := "555-0100"
	updated, err := f.Svc.Students.UpdateProfile(ctx, s.ID, school.ProfileUpdate{Phone: &phone})
	require.NoError(t, err)
	assert.Equal(t, "555-0100", updated.Phone)
	assert.Equal(t, "Ana Pavlova", updated.FullName())

	_, err = f.Svc.Students.SetStatus(ctx, s.ID, school.EnrollmentEnrolled)
	require.NoError(t, err)
	eligible, err := f.Svc.Marks.EligibleStudents(ctx)
	require.NoError(t, err)
	require.Len(t, eligible, 1)
	assert.Equal(t, s.ID, eligible[0].ID)
}

func TestDirectory_BalanceAdjustments(t *testing.T) {
	f := schooltest.New(t)
	f.Enroll(t, "A")
	ctx := context.Background()

	_, err := f.Svc.Students.IncreaseBalance(ctx, "A", dec(4))
	require.NoError(t, err)
	s, err := f.Svc.Students.ReduceBalance(ctx, "A", dec(10))
	require.NoError(t, err)
	assert.True(t, dec(-6).Equal(s.Balance), "balance may go below zero")

	_, err = f.Svc.Students.ReduceBalance(ctx, "A", dec(-1))
	assert.ErrorIs(t, err, school.ErrValidationFailed)
	_, err = f.Svc.Students.IncreaseBalance(ctx, "missing", dec(1))
	assert.ErrorIs(t, err, school.ErrNotFound)

	// Primitives leave auditing to their callers.
	assert.Zero(t, schooltest.CountByType(f.Events(t))[school.EventFeeChange])
}

func TestDirectory_HolidayCreditsDeduplicatedBySource(t *testing.T) {
	// GIVEN: A with balance 5
	f := schooltest.New(t)
	f.Enroll(t, "A")
	ctx := context.Background()
	_, err := f.Svc.Students.IncreaseBalance(ctx, "A", dec(5))
	require.NoError(t, err)
	credit := school.HolidayCredit{
		Amount: dec(5), Date: day("2025-05-02"), HolidayName: "Labour Day",
		SourceKind: school.CreditFromAttendance, SourceID: "2025-05-02/A@1",
	}

	// WHEN: Issuing the same credit twice
	added, err := f.Svc.Students.AddHolidayCredit(ctx, "A", credit)
	require.NoError(t, err)
	assert.True(t, added)
	added, err = f.Svc.Students.AddHolidayCredit(ctx, "A", credit)
	require.NoError(t, err)

	// THEN: Only one credit applies
	assert.False(t, added)
	credits, err := f.Svc.Students.GetHolidayCredits(ctx, "A")
	require.NoError(t, err)
	assert.Len(t, credits, 1)
	assert.True(t, f.Student(t, "A").Balance.IsZero())

	// AND: Removing credits for the day restores the balance
	removed, err := f.Svc.Students.RemoveHolidayCredits(ctx, "A", day("2025-05-02"))
	require.NoError(t, err)
	assert.Len(t, removed, 1)
	assert.True(t, dec(5).Equal(f.Student(t, "A").Balance))
}

func TestDirectory_LockHonoursContextWhileWaiting(t *testing.T) {
	f := schooltest.New(t)
	f.Enroll(t, "A")
	tx, err := f.Svc.Students.Lock(context.Background(), "A")
	require.NoError(t, err)
	defer tx.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = f.Svc.Students.Lock(ctx, "A")

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, school.KindTransient, school.KindOf(err))
}

func TestDecode_RejectsUnknownFieldsAndValues(t *testing.T) {
	f := schooltest.New(t)
	ctx := context.Background()
	require.NoError(t, f.Store.Set(ctx, school.StudentsCollection, "X", map[string]any{"id": "X", "nickname": "Bo"}))

	_, err := f.Svc.Students.Get(ctx, "X")
	assert.ErrorIs(t, err, school.ErrInconsistent)

	var st school.Status
	assert.Error(t, json.Unmarshal([]byte(`"tardy"`), &st))
	var rec school.AttendanceRecord
	assert.Error(t, json.Unmarshal([]byte(`{"attributes":["late","sleepy"]}`), &rec))
}

func TestAttendanceStore_BulkUpsertWritesOneDayDocument(t *testing.T) {
	f := schooltest.New(t)
	ctx := context.Background()

	res, err := f.Svc.Attendance.BulkUpsert(ctx, day("2025-05-02"), []string{"A", "B"}, school.StatusHoliday, dec(0), "admin")
	require.NoError(t, err)
	assert.Len(t, res, 2)

	raw := f.RawDoc(t, school.AttendanceCollection, "2025-05-02")
	assert.Equal(t, "2025-05-02", raw["date"])
	assert.Len(t, raw["records"], 2)

	_, err = f.Svc.Attendance.BulkUpsert(ctx, day("2025-05-02"), []string{"A"}, school.StatusHoliday, dec(3), "admin")
	assert.ErrorIs(t, err, school.ErrInconsistent, "holiday records never carry a fee")

	again, err := f.Svc.Attendance.BulkUpsert(ctx, day("2025-05-02"), []string{"A", "B"}, school.StatusHoliday, dec(0), "admin")
	require.NoError(t, err)
	for _, r := range again {
		assert.False(t, r.Changed)
	}

	byStudent, err := f.Svc.Attendance.GetByStudent(ctx, "A", calendar.MonthRange(2025, time.May))
	require.NoError(t, err)
	assert.Len(t, byStudent, 1)
}

// =============================================================================
// AUDIT LOG
// =============================================================================

func TestAudit_FailedWriteIsQueuedAndDrained(t *testing.T) {
	// GIVEN: Audit writes fail for every retry of one event
	f := schooltest.New(t)
	f.Enroll(t, "A")
	f.Store.FailNext("set", school.AuditCollection, 3, schooltest.Transient)

	// WHEN: Marking (two events, the first one is lost to the store)
	mark(t, f, "2025-05-01", "A", school.StatusAbsent)

	// THEN: It waits in the retry queue until drained
	assert.Equal(t, 1, f.Svc.Audit.Pending())
	assert.Len(t, f.Events(t), 1)

	flushed, err := f.Svc.Audit.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, flushed)
	assert.Equal(t, 0, f.Svc.Audit.Pending())
	assert.Len(t, f.Events(t), 2)
}

func TestAudit_FullQueueRefusesMutation(t *testing.T) {
	// GIVEN: A one-slot retry queue that is already full
	store := schooltest.NewFlakyStore(docstore.NewMemory())
	svc, err := school.New(store, school.Config{
		AuditQueueSize: 1,
		Retry:          school.RetryPolicy{MaxAttempts: 1},
	})
	require.NoError(t, err)
	ctx := context.Background()
	_, err = svc.Students.Create(ctx, school.NewStudent{ID: "A", FirstName: "A", EnrollmentStatus: school.EnrollmentEnrolled})
	require.NoError(t, err)

	store.FailNext("set", school.AuditCollection, 1, schooltest.Transient)
	_, err = svc.Audit.Record(ctx, school.EventHolidayChange, "admin", "2025-05-01", nil)
	require.NoError(t, err)
	require.Equal(t, 1, svc.Audit.Pending())

	// WHEN: Marking attendance
	_, err = svc.Marks.Mark(ctx, school.MarkRequest{Date: day("2025-05-01"), StudentID: "A", Status: school.StatusAbsent})

	// THEN: The mutation is refused before any write
	assert.ErrorIs(t, err, school.ErrTransient)
	s, err := svc.Students.Get(ctx, "A")
	require.NoError(t, err)
	assert.True(t, s.Balance.IsZero())
}

func newQueueService(t *testing.T, size int) (*schooltest.FlakyStore, *school.Services) {
	t.Helper()
	store := schooltest.NewFlakyStore(docstore.NewMemory())
	svc, err := school.New(store, school.Config{
		AuditQueueSize: size,
		Retry:          school.RetryPolicy{MaxAttempts: 1},
	})
	require.NoError(t, err)
	_, err = svc.Students.Create(context.Background(), school.NewStudent{ID: "A", FirstName: "A", EnrollmentStatus: school.EnrollmentEnrolled})
	require.NoError(t, err)
	return store, svc
}

func TestAudit_MarkNeedsASlotForEveryEvent(t *testing.T) {
	// GIVEN: A two-slot queue with one event already waiting
	store, svc := newQueueService(t, 2)
	ctx := context.Background()
	store.FailNext("set", school.AuditCollection, 1, schooltest.Transient)
	_, err := svc.Audit.Record(ctx, school.EventHolidayChange, "admin", "2025-05-01", nil)
	require.NoError(t, err)
	require.Equal(t, 1, svc.Audit.Pending())

	// WHEN: Marking an absence, which emits ATTENDANCE_CHANGE and FEE_CHANGE
	_, err = svc.Marks.Mark(ctx, school.MarkRequest{Date: day("2025-05-01"), StudentID: "A", Status: school.StatusAbsent})

	// THEN: It is refused before the charge or the record is written
	assert.ErrorIs(t, err, school.ErrTransient)
	s, err := svc.Students.Get(ctx, "A")
	require.NoError(t, err)
	assert.True(t, s.Balance.IsZero())
	_, ok, err := svc.Attendance.Get(ctx, day("2025-05-01"), "A")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 1, svc.Audit.Pending())
}

func TestAudit_CommittedMarkQueuesAllItsEvents(t *testing.T) {
	// GIVEN: A two-slot queue and a store refusing the next two audit writes
	store, svc := newQueueService(t, 2)
	ctx := context.Background()
	store.FailNext("set", school.AuditCollection, 2, schooltest.Transient)

	// WHEN: Marking an absence
	res, err := svc.Marks.Mark(ctx, school.MarkRequest{Date: day("2025-05-01"), StudentID: "A", Status: school.StatusAbsent})

	// THEN: The mark succeeds and both events wait in the queue
	require.NoError(t, err)
	assert.True(t, res.Balance.Equal(decimal.NewFromInt(5)))
	assert.Equal(t, 2, svc.Audit.Pending())

	flushed, err := svc.Audit.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, flushed)
	evts, err := svc.Audit.Query(ctx, school.AuditFilter{})
	require.NoError(t, err)
	assert.Equal(t, map[school.EventType]int{school.EventAttendanceChange: 1, school.EventFeeChange: 1}, schooltest.CountByType(evts))
}

func TestAudit_ReservationsHoldSlotsUntilReleased(t *testing.T) {
	_, svc := newQueueService(t, 3)

	r, err := svc.Audit.Reserve(2)
	require.NoError(t, err)
	assert.Equal(t, 2, r.Left())

	_, err = svc.Audit.Reserve(2)
	assert.ErrorIs(t, err, school.ErrTransient, "only one slot is free while the first reservation is open")

	// A persisted event hands its slot back.
	_, err = r.Record(context.Background(), school.EventHolidayChange, "admin", "2025-05-01", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, r.Left())
	assert.Equal(t, 0, svc.Audit.Pending())

	r.Release()
	r.Release()
	assert.Equal(t, 0, r.Left())
	_, err = svc.Audit.Reserve(3)
	assert.NoError(t, err)
}

func TestAudit_QueryFiltersAndPaging(t *testing.T) {
	f := schooltest.New(t)
	f.Enroll(t, "A", "B")
	mark(t, f, "2025-05-01", "A", school.StatusAbsent)
	mark(t, f, "2025-05-01", "B", school.StatusAbsent)
	mark(t, f, "2025-05-02", "A", school.StatusAbsent)
	ctx := context.Background()

	fees, err := f.Svc.Audit.Query(ctx, school.AuditFilter{EntityID: "A", Type: school.EventFeeChange})
	require.NoError(t, err)
	require.Len(t, fees, 2)
	assert.True(t, fees[0].Timestamp.Time().After(fees[1].Timestamp.Time()), "newest first")

	page1, err := f.Svc.Audit.Query(ctx, school.AuditFilter{Limit: 4})
	require.NoError(t, err)
	require.Len(t, page1, 4)
	page2, err := f.Svc.Audit.Query(ctx, school.AuditFilter{Limit: 4, After: page1[3].ID})
	require.NoError(t, err)
	assert.Len(t, page2, 2)

	_, err = f.Svc.Audit.Query(ctx, school.AuditFilter{Type: "BOGUS"})
	assert.ErrorIs(t, err, school.ErrValidationFailed)
}

// =============================================================================
// EXPENSES
// =============================================================================

func TestExpenses_CreateAndRange(t *testing.T) {
	f := schooltest.New(t)
	ctx := context.Background()

	_, err := f.Svc.Expenses.Create(ctx, school.Expense{Date: day("2025-05-03"), Category: school.ExpenseRent, Title: "May rent", Amount: dec(300), AdminID: "admin"})
	require.NoError(t, err)
	_, err = f.Svc.Expenses.Create(ctx, school.Expense{Date: day("2025-06-01"), Category: school.ExpenseCostumes, Title: "Tutus", Amount: dec(80), AdminID: "admin"})
	require.NoError(t, err)
	_, err = f.Svc.Expenses.Create(ctx, school.Expense{Date: day("2025-05-03"), Category: "party", Title: "x", Amount: dec(1), AdminID: "admin"})
	assert.ErrorIs(t, err, school.ErrValidationFailed)

	may, err := f.Svc.Expenses.ByRange(ctx, calendar.MonthRange(2025, time.May))
	require.NoError(t, err)
	require.Len(t, may, 1)
	assert.Equal(t, "May rent", may[0].Title)
}
