package report

import (
	"context"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
	"github.com/warp/studio-ledger/calendar"
	"github.com/warp/studio-ledger/school"
)

// EntryKind classifies ledger lines.
type EntryKind string

const (
	EntryFee           EntryKind = "fee"
	EntryPayment       EntryKind = "payment"
	EntryPaymentCredit EntryKind = "paymentCredit"
	EntryHolidayRefund EntryKind = "holidayRefund"
)

// LedgerEntry is one line of a student's ledger. Amount is the effect on
// the balance; a holiday refund has no effect of its own because the
// refunded record already carries a zero fee, so its value is in Reference.
type LedgerEntry struct {
	Date        calendar.Date   `json:"date"`
	Kind        EntryKind       `json:"kind"`
	Description string          `json:"description"`
	Amount      decimal.Decimal `json:"amount"`
	Reference   decimal.Decimal `json:"reference"`
	SourceID    string          `json:"sourceId,omitempty"`
	Running     decimal.Decimal `json:"running"`
}

// Ledger is a student's chronological account over a range.
type Ledger struct {
	StudentID      string          `json:"studentId"`
	StudentName    string          `json:"studentName"`
	Range          calendar.Range  `json:"range"`
	Entries        []LedgerEntry   `json:"entries"`
	PaymentCredits decimal.Decimal `json:"paymentCredits"`
	HolidayRefunds decimal.Decimal `json:"holidayRefunds"`
	Net            decimal.Decimal `json:"net"`
	Balance        decimal.Decimal `json:"balance"`
	Collection
}

var entryOrder = map[EntryKind]int{EntryFee: 0, EntryHolidayRefund: 1, EntryPayment: 2, EntryPaymentCredit: 3}

// StudentLedger lists the student's fees, payments and holiday credits in
// r. Net is the change the range contributed to the balance; Balance is the
// current stored balance.
func (s *Service) StudentLedger(ctx context.Context, studentID string, r calendar.Range) (Ledger, error) {
	const op = "report.studentLedger"
	if _, err := calendar.NewRange(r.Start, r.End); err != nil {
		return Ledger{}, school.Wrap(op, err)
	}
	st, err := s.svc.Students.Get(ctx, studentID)
	if err != nil {
		return Ledger{}, err
	}
	records, err := s.svc.Attendance.GetByStudent(ctx, studentID, r)
	if err != nil {
		return Ledger{}, err
	}
	payments, err := s.svc.Payments.GetByStudent(ctx, studentID)
	if err != nil {
		return Ledger{}, err
	}

	l := Ledger{
		StudentID:      st.ID,
		StudentName:    st.FullName(),
		Range:          r,
		Entries:        []LedgerEntry{},
		PaymentCredits: decimal.Zero,
		HolidayRefunds: decimal.Zero,
		Balance:        st.Balance,
		Collection:     zeroCollection(),
	}
	for _, rec := range records {
		if !rec.FeeCharged.IsPositive() {
			continue
		}
		l.FeesCharged = l.FeesCharged.Add(rec.FeeCharged)
		l.Entries = append(l.Entries, LedgerEntry{
			Date:        rec.Date,
			Kind:        EntryFee,
			Description: describeRecord(rec),
			Amount:      rec.FeeCharged,
			Reference:   rec.FeeCharged,
			SourceID:    rec.Key(),
		})
	}
	for _, p := range payments {
		if !r.Contains(p.Date) {
			continue
		}
		l.PaymentsReceived = l.PaymentsReceived.Add(p.Amount)
		l.Entries = append(l.Entries, LedgerEntry{
			Date:        p.Date,
			Kind:        EntryPayment,
			Description: fmt.Sprintf("Payment (%s)", p.PaymentMethod),
			Amount:      p.Amount.Neg(),
			Reference:   p.Amount,
			SourceID:    p.ID,
		})
	}
	for _, c := range st.HolidayCredits {
		if !r.Contains(c.Date) {
			continue
		}
		switch c.SourceKind {
		case school.CreditFromPayment:
			l.PaymentCredits = l.PaymentCredits.Add(c.Amount)
			l.Entries = append(l.Entries, LedgerEntry{
				Date:        c.Date,
				Kind:        EntryPaymentCredit,
				Description: fmt.Sprintf("Holiday credit for payment (%s)", c.HolidayName),
				Amount:      c.Amount.Neg(),
				Reference:   c.Amount,
				SourceID:    c.SourceID,
			})
		case school.CreditFromAttendance:
			l.HolidayRefunds = l.HolidayRefunds.Add(c.Amount)
			l.Entries = append(l.Entries, LedgerEntry{
				Date:        c.Date,
				Kind:        EntryHolidayRefund,
				Description: fmt.Sprintf("Fee refunded (%s)", c.HolidayName),
				Amount:      decimal.Zero,
				Reference:   c.Amount,
				SourceID:    c.SourceID,
			})
		}
	}

	sort.SliceStable(l.Entries, func(i, j int) bool {
		a, b := l.Entries[i], l.Entries[j]
		if c := a.Date.Compare(b.Date); c != 0 {
			return c < 0
		}
		return entryOrder[a.Kind] < entryOrder[b.Kind]
	})
	running := decimal.Zero
	for i := range l.Entries {
		running = running.Add(l.Entries[i].Amount)
		l.Entries[i].Running = running
	}
	l.Net = running
	l.Collection = collect(l.FeesCharged, l.PaymentsReceived)
	return l, nil
}

func describeRecord(rec school.AttendanceRecord) string {
	if len(rec.Attributes) == 0 {
		return fmt.Sprintf("Attendance: %s", rec.Status)
	}
	return fmt.Sprintf("Attendance: %s %v", rec.Status, []school.Attribute(rec.Attributes))
}
