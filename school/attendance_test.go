package school_test

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/studio-ledger/calendar"
	"github.com/warp/studio-ledger/docstore"
	"github.com/warp/studio-ledger/school"
	"github.com/warp/studio-ledger/school/schooltest"
)

var (
	day = calendar.MustParseDate
	dec = decimal.NewFromInt
)

func mark(t *testing.T, f *schooltest.Fixture, date, id string, status school.Status, attrs ...school.Attribute) school.MarkResult {
	t.Helper()
	res, err := f.Svc.Marks.Mark(context.Background(), school.MarkRequest{
		Date: day(date), StudentID: id, Status: status, Attributes: attrs, AdminID: "admin",
	})
	require.NoError(t, err)
	return res
}

func TestFee_Table(t *testing.T) {
	fees := school.DefaultFeeSchedule()
	tests := []struct {
		name   string
		status school.Status
		attrs  []school.Attribute
		want   int64
	}{
		{"absent", school.StatusAbsent, nil, 5},
		{"medical", school.StatusMedicalAbsence, nil, 0},
		{"holiday", school.StatusHoliday, nil, 0},
		{"present clean", school.StatusPresent, nil, 0},
		{"late only", school.StatusPresent, []school.Attribute{school.AttributeLate}, 1},
		{"no shoes only", school.StatusPresent, []school.Attribute{school.AttributeNoShoes}, 1},
		{"not in uniform only", school.StatusPresent, []school.Attribute{school.AttributeNotInUniform}, 1},
		{"two attributes", school.StatusPresent, []school.Attribute{school.AttributeLate, school.AttributeNoShoes}, 2},
		{"all attributes", school.StatusPresent, []school.Attribute{school.AttributeLate, school.AttributeNoShoes, school.AttributeNotInUniform}, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			attrs, err := school.NewAttributeSet(tt.attrs...)
			require.NoError(t, err)
			got := fees.Fee(tt.status, attrs)
			assert.True(t, dec(tt.want).Equal(got), "got %s", got)
			// Deterministic: same inputs, same output.
			assert.True(t, got.Equal(fees.Fee(tt.status, attrs)))
		})
	}
}

func TestFeeSchedule_RejectsNegativeFee(t *testing.T) {
	fees := school.DefaultFeeSchedule()
	fees.Absent = dec(-1)

	_, err := school.New(docstore.NewMemory(), school.Config{Fees: fees})
	assert.ErrorIs(t, err, school.ErrInconsistent)
}

func TestMark_SingleAbsenceFee(t *testing.T) {
	// GIVEN: Student A with balance 0
	f := schooltest.New(t)
	f.Enroll(t, "A")

	// WHEN: Marking A absent on 2025-05-01
	res := mark(t, f, "2025-05-01", "A", school.StatusAbsent)

	// THEN: Balance is 5, record carries the fee, one event of each kind
	assert.True(t, dec(5).Equal(f.Student(t, "A").Balance))
	assert.True(t, dec(5).Equal(res.Record.FeeCharged))
	counts := schooltest.CountByType(f.Events(t))
	assert.Equal(t, 1, counts[school.EventFeeChange])
	assert.Equal(t, 1, counts[school.EventAttendanceChange])
	f.AssertBalanceEquation(t, "A")
}

func TestMark_LateAndNoShoesCombinedFee(t *testing.T) {
	f := schooltest.New(t)
	f.Enroll(t, "B")

	mark(t, f, "2025-05-01", "B", school.StatusPresent, school.AttributeLate, school.AttributeNoShoes)

	assert.True(t, dec(2).Equal(f.Student(t, "B").Balance))
}

func TestMark_RemarkChargesOnlyTheDelta(t *testing.T) {
	// GIVEN: A marked absent (fee 5)
	f := schooltest.New(t)
	f.Enroll(t, "A")
	mark(t, f, "2025-05-01", "A", school.StatusAbsent)

	// WHEN: Correcting to present+late
	res := mark(t, f, "2025-05-01", "A", school.StatusPresent, school.AttributeLate)

	// THEN: Delta is -4, a single record exists with a bumped revision
	assert.True(t, dec(-4).Equal(res.Delta))
	assert.True(t, dec(1).Equal(f.Student(t, "A").Balance))
	records, err := f.Svc.Attendance.GetByDate(context.Background(), day("2025-05-01"))
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, 2, records["A"].Revision)
	f.AssertBalanceEquation(t, "A")
}

func TestMark_IdenticalInputIsNoop(t *testing.T) {
	f := schooltest.New(t)
	f.Enroll(t, "A")
	mark(t, f, "2025-05-01", "A", school.StatusPresent, school.AttributeNoShoes, school.AttributeLate)
	before := len(f.Events(t))

	res := mark(t, f, "2025-05-01", "A", school.StatusPresent, school.AttributeLate, school.AttributeNoShoes, school.AttributeLate)

	assert.False(t, res.Changed)
	assert.Len(t, f.Events(t), before)
	assert.True(t, dec(2).Equal(f.Student(t, "A").Balance))
}

func TestMark_ValidationRejectedBeforeAnyWrite(t *testing.T) {
	f := schooltest.New(t)
	f.Enroll(t, "A")
	ctx := context.Background()

	tests := []struct {
		name string
		req  school.MarkRequest
		kind school.Kind
	}{
		{"attributes on absence", school.MarkRequest{Date: day("2025-05-01"), StudentID: "A", Status: school.StatusAbsent, Attributes: []school.Attribute{school.AttributeLate}}, school.KindValidationFailed},
		{"unknown attribute", school.MarkRequest{Date: day("2025-05-01"), StudentID: "A", Status: school.StatusPresent, Attributes: []school.Attribute{"sleepy"}}, school.KindValidationFailed},
		{"unknown status", school.MarkRequest{Date: day("2025-05-01"), StudentID: "A", Status: "tardy"}, school.KindValidationFailed},
		{"invalid date", school.MarkRequest{Date: calendar.Date{Year: 2025, Month: 2, Day: 30}, StudentID: "A", Status: school.StatusAbsent}, school.KindValidationFailed},
		{"unknown student", school.MarkRequest{Date: day("2025-05-01"), StudentID: "Z", Status: school.StatusAbsent}, school.KindNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.Svc.Marks.Mark(ctx, tt.req)
			assert.Equal(t, tt.kind, school.KindOf(err))
		})
	}

	records, err := f.Svc.Attendance.GetByDate(ctx, day("2025-05-01"))
	require.NoError(t, err)
	assert.Empty(t, records)
	assert.True(t, f.Student(t, "A").Balance.IsZero())
	assert.Empty(t, f.Events(t))
}

func TestMark_RequiresEnrolledStudent(t *testing.T) {
	f := schooltest.New(t)
	ctx := context.Background()
	_, err := f.Svc.Students.Create(ctx, school.NewStudent{ID: "P", FirstName: "Pending"})
	require.NoError(t, err)

	_, err = f.Svc.Marks.Mark(ctx, school.MarkRequest{Date: day("2025-05-01"), StudentID: "P", Status: school.StatusAbsent})

	assert.ErrorIs(t, err, school.ErrValidationFailed)
}

func TestMark_RetriesTransientFailures(t *testing.T) {
	// GIVEN: The student write fails twice with a transient error
	f := schooltest.New(t)
	f.Enroll(t, "A")
	f.Store.FailNext("update", school.StudentsCollection, 2, schooltest.Transient)

	// WHEN: Marking absent
	mark(t, f, "2025-05-01", "A", school.StatusAbsent)

	// THEN: The third attempt committed exactly once
	assert.True(t, dec(5).Equal(f.Student(t, "A").Balance))
	f.AssertBalanceEquation(t, "A")
}

func TestMark_TransientExhaustedLeavesNoTrace(t *testing.T) {
	f := schooltest.New(t)
	f.Enroll(t, "A")
	f.Store.FailNext("update", school.StudentsCollection, 3, schooltest.Transient)

	_, err := f.Svc.Marks.Mark(context.Background(), school.MarkRequest{Date: day("2025-05-01"), StudentID: "A", Status: school.StatusAbsent})

	assert.ErrorIs(t, err, school.ErrTransient)
	assert.True(t, school.IsRetryable(err))
	assert.True(t, f.Student(t, "A").Balance.IsZero())
	_, ok, err := f.Svc.Attendance.Get(context.Background(), day("2025-05-01"), "A")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMark_RecordFailureCompensatesBalance(t *testing.T) {
	// GIVEN: The attendance write keeps failing
	f := schooltest.New(t)
	f.Enroll(t, "A")
	f.Store.FailNext("update", school.AttendanceCollection, 3, schooltest.Transient)

	// WHEN: Marking absent
	_, err := f.Svc.Marks.Mark(context.Background(), school.MarkRequest{Date: day("2025-05-01"), StudentID: "A", Status: school.StatusAbsent})

	// THEN: The balance change was reversed
	assert.ErrorIs(t, err, school.ErrTransient)
	assert.True(t, f.Student(t, "A").Balance.IsZero())
	f.AssertBalanceEquation(t, "A")
}

func TestBulkMark_PartialFailureReportsSubsets(t *testing.T) {
	// GIVEN: A and B enrolled, Z unknown
	f := schooltest.New(t)
	f.Enroll(t, "A", "B")

	// WHEN: Bulk marking all three absent
	results, err := f.Svc.Marks.BulkMark(context.Background(), school.BulkMarkRequest{
		Date: day("2025-05-01"), StudentIDs: []string{"A", "Z", "B"}, Status: school.StatusAbsent, AdminID: "admin",
	})

	// THEN: A and B are applied, Z is reported failed
	var bulk *school.BulkError
	require.ErrorAs(t, err, &bulk)
	assert.Equal(t, []string{"A", "B"}, bulk.Succeeded)
	assert.Equal(t, []string{"Z"}, bulk.FailedIDs())
	assert.ErrorIs(t, err, school.ErrNotFound)
	assert.Len(t, results, 2)
	assert.True(t, dec(5).Equal(f.Student(t, "B").Balance))

	// AND: Retrying the whole batch is idempotent for the applied students
	f.Enroll(t, "Z")
	_, err = f.Svc.Marks.BulkMark(context.Background(), school.BulkMarkRequest{
		Date: day("2025-05-01"), StudentIDs: []string{"A", "Z", "B"}, Status: school.StatusAbsent, AdminID: "admin",
	})
	require.NoError(t, err)
	for _, id := range []string{"A", "B", "Z"} {
		assert.True(t, dec(5).Equal(f.Student(t, id).Balance), id)
	}
}

func TestMark_ConcurrentMarksSerialisePerStudent(t *testing.T) {
	f := schooltest.New(t)
	f.Enroll(t, "A")

	var wg sync.WaitGroup
	for i := 1; i <= 10; i++ {
		wg.Add(1)
		go func(d int) {
			defer wg.Done()
			_, err := f.Svc.Marks.Mark(context.Background(), school.MarkRequest{
				Date: calendar.NewDate(2025, 5, d), StudentID: "A", Status: school.StatusAbsent, AdminID: "admin",
			})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	assert.True(t, dec(50).Equal(f.Student(t, "A").Balance))
	f.AssertBalanceEquation(t, "A")
}

func TestMark_OneEventPerAffectedEntity(t *testing.T) {
	f := schooltest.New(t)
	f.Enroll(t, "A")
	mark(t, f, "2025-05-01", "A", school.StatusAbsent)
	mark(t, f, "2025-05-02", "A", school.StatusPresent)

	perEntity := map[string]int{}
	for _, e := range f.Events(t) {
		perEntity[fmt.Sprintf("%s %s", e.Type, e.EntityID)]++
	}
	assert.Equal(t, map[string]int{
		"ATTENDANCE_CHANGE 2025-05-01/A": 1,
		"FEE_CHANGE A":                   1,
		"ATTENDANCE_CHANGE 2025-05-02/A": 1,
	}, perEntity)
}
