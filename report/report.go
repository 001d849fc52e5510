/*
Package report aggregates fees, payments and expenses over a period.

PURPOSE:
  Answers "how much was charged, how much came in, what is outstanding?"
  for a month, an arbitrary range or the current fee year. Reports are
  computed for a PERIOD from the stored records; nothing is mutated.

FORMULAS (per student, over the period):
  feesCharged     = Σ attendance.feeCharged
  paymentsReceived = Σ payment.amount
  feesCollected   = min(feesCharged, paymentsReceived)
  pendingFees     = max(0, feesCharged - paymentsReceived)
  collectionRate  = paymentsReceived / feesCharged   (0 when feesCharged = 0)

  Period totals sum the per-student values; the period collection rate is
  computed from the summed charges and payments.

SEE ALSO:
  - ledger.go: Per-student chronological ledger
  - calendar/fee_year.go: Fee-year window used by FeeYear
*/
package report

import (
	"context"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/studio-ledger/calendar"
	"github.com/warp/studio-ledger/school"
)

// rateScale is the number of decimal places kept in collection rates.
const rateScale = 4

// Service is the ReportService.
type Service struct {
	svc *school.Services
	cal *calendar.Service
}

func New(svc *school.Services, cal *calendar.Service) *Service {
	return &Service{svc: svc, cal: cal}
}

// =============================================================================
// REPORT TYPES
// =============================================================================

// Collection holds the money figures shared by students, months and periods.
type Collection struct {
	FeesCharged      decimal.Decimal `json:"feesCharged"`
	PaymentsReceived decimal.Decimal `json:"paymentsReceived"`
	FeesCollected    decimal.Decimal `json:"feesCollected"`
	PendingFees      decimal.Decimal `json:"pendingFees"`
	CollectionRate   decimal.Decimal `json:"collectionRate"`
}

// StudentSummary is one student's figures over the period.
type StudentSummary struct {
	StudentID   string `json:"studentId"`
	StudentName string `json:"studentName,omitempty"`
	Collection
	HolidayCredits decimal.Decimal       `json:"holidayCredits"`
	Attendance     map[school.Status]int `json:"attendance"`
}

// Report covers one period.
type Report struct {
	Range calendar.Range `json:"range"`
	Collection
	Expenses           decimal.Decimal                            `json:"expenses"`
	ExpensesByCategory map[school.ExpenseCategory]decimal.Decimal `json:"expensesByCategory"`
	Net                decimal.Decimal                            `json:"net"`
	Attendance         map[school.Status]int                      `json:"attendance"`
	Students           []StudentSummary                           `json:"students"`
}

// MonthSummary is one point of a cumulative series.
type MonthSummary struct {
	Year  int        `json:"year"`
	Month time.Month `json:"month"`
	Collection
	Expenses decimal.Decimal `json:"expenses"`
	Net      decimal.Decimal `json:"net"`
}

// Cumulative is a period report with its per-month series.
type Cumulative struct {
	Report
	Months []MonthSummary `json:"months"`
}

// =============================================================================
// QUERIES
// =============================================================================

// Monthly reports on one calendar month.
func (s *Service) Monthly(ctx context.Context, year int, month time.Month) (Report, error) {
	if month < time.January || month > time.December {
		return Report{}, school.NewError(school.KindValidationFailed, "report.monthly", "month must be 1-12", nil)
	}
	return s.build(ctx, calendar.MonthRange(year, month))
}

// Cumulative reports on [start, end] with a per-month breakdown.
func (s *Service) Cumulative(ctx context.Context, start, end calendar.Date) (Cumulative, error) {
	const op = "report.cumulative"
	r, err := calendar.NewRange(start, end)
	if err != nil {
		return Cumulative{}, school.Wrap(op, err)
	}
	total, err := s.build(ctx, r)
	if err != nil {
		return Cumulative{}, err
	}
	out := Cumulative{Report: total, Months: make([]MonthSummary, 0)}
	for _, m := range r.Months() {
		mr, err := s.build(ctx, m)
		if err != nil {
			return Cumulative{}, err
		}
		out.Months = append(out.Months, MonthSummary{
			Year:       m.Start.Year,
			Month:      m.Start.Month,
			Collection: mr.Collection,
			Expenses:   mr.Expenses,
			Net:        mr.Net,
		})
	}
	return out, nil
}

// FeeYear reports on the fee year containing now.
func (s *Service) FeeYear(ctx context.Context, now time.Time) (Cumulative, error) {
	r := s.cal.FeeYearRange(now)
	return s.Cumulative(ctx, r.Start, r.End)
}

func (s *Service) build(ctx context.Context, r calendar.Range) (Report, error) {
	students, err := s.svc.Students.List(ctx)
	if err != nil {
		return Report{}, err
	}
	days, err := s.svc.Attendance.Range(ctx, r)
	if err != nil {
		return Report{}, err
	}
	payments, err := s.svc.Payments.GetByDateRange(ctx, r.Start, r.End)
	if err != nil {
		return Report{}, err
	}
	expenses, err := s.svc.Expenses.ByRange(ctx, r)
	if err != nil {
		return Report{}, err
	}

	byID := map[string]*StudentSummary{}
	summary := func(id string) *StudentSummary {
		if sum, ok := byID[id]; ok {
			return sum
		}
		sum := &StudentSummary{
			StudentID:      id,
			Collection:     zeroCollection(),
			HolidayCredits: decimal.Zero,
			Attendance:     map[school.Status]int{},
		}
		byID[id] = sum
		return sum
	}

	rep := Report{
		Range:              r,
		Collection:         zeroCollection(),
		Expenses:           decimal.Zero,
		ExpensesByCategory: map[school.ExpenseCategory]decimal.Decimal{},
		Attendance:         map[school.Status]int{},
		Students:           []StudentSummary{},
	}
	for _, day := range days {
		for id, rec := range day {
			sum := summary(id)
			sum.FeesCharged = sum.FeesCharged.Add(rec.FeeCharged)
			sum.Attendance[rec.Status]++
			rep.Attendance[rec.Status]++
		}
	}
	for _, p := range payments {
		sum := summary(p.StudentID)
		sum.PaymentsReceived = sum.PaymentsReceived.Add(p.Amount)
	}
	for _, st := range students {
		for _, c := range st.HolidayCredits {
			if r.Contains(c.Date) {
				sum := summary(st.ID)
				sum.HolidayCredits = sum.HolidayCredits.Add(c.Amount)
			}
		}
		if sum, ok := byID[st.ID]; ok {
			sum.StudentName = st.FullName()
		}
	}
	for _, e := range expenses {
		rep.Expenses = rep.Expenses.Add(e.Amount)
		rep.ExpensesByCategory[e.Category] = rep.ExpensesByCategory[e.Category].Add(e.Amount)
	}

	ids := make([]string, 0, len(byID))
	for id := range byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		sum := byID[id]
		sum.Collection = collect(sum.FeesCharged, sum.PaymentsReceived)
		rep.FeesCharged = rep.FeesCharged.Add(sum.FeesCharged)
		rep.PaymentsReceived = rep.PaymentsReceived.Add(sum.PaymentsReceived)
		rep.FeesCollected = rep.FeesCollected.Add(sum.FeesCollected)
		rep.PendingFees = rep.PendingFees.Add(sum.PendingFees)
		rep.Students = append(rep.Students, *sum)
	}
	rep.CollectionRate = rate(rep.PaymentsReceived, rep.FeesCharged)
	rep.Net = rep.PaymentsReceived.Sub(rep.Expenses)
	return rep, nil
}

// collect applies the per-student formulas.
func collect(charged, paid decimal.Decimal) Collection {
	return Collection{
		FeesCharged:      charged,
		PaymentsReceived: paid,
		FeesCollected:    decimal.Min(charged, paid),
		PendingFees:      decimal.Max(decimal.Zero, charged.Sub(paid)),
		CollectionRate:   rate(paid, charged),
	}
}

func rate(paid, charged decimal.Decimal) decimal.Decimal {
	if charged.IsZero() {
		return decimal.Zero
	}
	return paid.DivRound(charged, rateScale)
}

func zeroCollection() Collection {
	return Collection{
		FeesCharged:      decimal.Zero,
		PaymentsReceived: decimal.Zero,
		FeesCollected:    decimal.Zero,
		PendingFees:      decimal.Zero,
		CollectionRate:   decimal.Zero,
	}
}
