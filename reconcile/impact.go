/*
Package reconcile brings balances and attendance into agreement with a
retroactive holiday declaration.

PROTOCOL:
  The reconciliation is three explicit calls, none of which carries hidden
  state into the next:

    AnalyzeImpact   pure read: what would be credited
    Warning         human-readable rendering of a fresh analysis
    ProcessChange   apply (requires confirmed=true), re-analyses first

  RevertHoliday is the inverse of ProcessChange.

CREDITS:
  An attendance refund is keyed by the record's revision ("date/student@rev"),
  a payment credit by the payment id. Credits are de-duplicated per student by
  that key, so applying the same day twice issues nothing the second time.

SEE ALSO:
  - engine.go: Apply and revert
  - school/students.go: StudentTx, the per-student critical section
*/
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/warp/studio-ledger/calendar"
	"github.com/warp/studio-ledger/holiday"
	"github.com/warp/studio-ledger/school"
)

// Engine is the HolidayReconciliationEngine.
type Engine struct {
	svc      *school.Services
	holidays *holiday.Service
	logger   *slog.Logger
}

func New(svc *school.Services, holidays *holiday.Service) *Engine {
	return &Engine{svc: svc, holidays: holidays, logger: svc.Logger.With("component", "reconcile")}
}

// =============================================================================
// IMPACT REPORT
// =============================================================================

// Entry is one credit a holiday declaration would issue.
type Entry struct {
	StudentID    string              `json:"studentId"`
	StudentName  string              `json:"studentName,omitempty"`
	Kind         school.CreditSource `json:"kind"`
	CreditAmount decimal.Decimal     `json:"creditAmount"`
	SourceID     string              `json:"sourceId"`
	Status       school.Status       `json:"status,omitempty"`
	PaymentID    string              `json:"paymentId,omitempty"`
}

// ImpactReport is the outcome of the analyse phase.
type ImpactReport struct {
	Date                      calendar.Date   `json:"date"`
	HolidayName               string          `json:"holidayName,omitempty"`
	Affected                  []Entry         `json:"affected"`
	AttendanceRecords         int             `json:"attendanceRecords"`
	Payments                  int             `json:"payments"`
	TotalAttendanceAdjustment decimal.Decimal `json:"totalAttendanceAdjustment"`
	TotalPaymentAdjustment    decimal.Decimal `json:"totalPaymentAdjustment"`
	TotalAdjustment           decimal.Decimal `json:"totalAdjustment"`
	HasImpact                 bool            `json:"hasImpact"`
	Message                   string          `json:"message"`
}

// snapshot is what the analyse phase read, reused by apply.
type snapshot struct {
	records  map[string]school.AttendanceRecord
	payments []school.Payment
	names    map[string]string
}

// AnalyzeImpact reports the credits that declaring date a holiday would
// issue. It performs no mutation.
func (e *Engine) AnalyzeImpact(ctx context.Context, date calendar.Date, name string) (ImpactReport, error) {
	const op = "reconcile.analyze"
	if !date.Valid() {
		return ImpactReport{}, school.NewError(school.KindValidationFailed, op, fmt.Sprintf("invalid date %s", date), nil)
	}
	snap, err := e.read(ctx, op, date)
	if err != nil {
		return ImpactReport{}, err
	}
	return snap.report(date, strings.TrimSpace(name)), nil
}

func (e *Engine) read(ctx context.Context, op string, date calendar.Date) (snapshot, error) {
	students, err := e.svc.Students.List(ctx)
	if err != nil {
		return snapshot{}, err
	}
	names := make(map[string]string, len(students))
	for _, s := range students {
		names[s.ID] = s.FullName()
	}
	if err := ctx.Err(); err != nil {
		return snapshot{}, school.Wrap(op, err)
	}
	records, err := e.svc.Attendance.GetByDate(ctx, date)
	if err != nil {
		return snapshot{}, err
	}
	if err := ctx.Err(); err != nil {
		return snapshot{}, school.Wrap(op, err)
	}
	payments, err := e.svc.Payments.GetByDateRange(ctx, date, date)
	if err != nil {
		return snapshot{}, err
	}
	return snapshot{records: records, payments: payments, names: names}, nil
}

func (s snapshot) report(date calendar.Date, name string) ImpactReport {
	r := ImpactReport{
		Date:                      date,
		HolidayName:               name,
		Affected:                  []Entry{},
		AttendanceRecords:         len(s.records),
		Payments:                  len(s.payments),
		TotalAttendanceAdjustment: decimal.Zero,
		TotalPaymentAdjustment:    decimal.Zero,
	}
	for _, id := range school.SortedIDs(s.records) {
		rec := s.records[id]
		if !rec.FeeCharged.IsPositive() {
			continue
		}
		r.Affected = append(r.Affected, Entry{
			StudentID:    id,
			StudentName:  s.names[id],
			Kind:         school.CreditFromAttendance,
			CreditAmount: rec.FeeCharged,
			SourceID:     rec.SourceID(),
			Status:       rec.Status,
		})
		r.TotalAttendanceAdjustment = r.TotalAttendanceAdjustment.Add(rec.FeeCharged)
	}
	for _, p := range s.payments {
		r.Affected = append(r.Affected, Entry{
			StudentID:    p.StudentID,
			StudentName:  s.names[p.StudentID],
			Kind:         school.CreditFromPayment,
			CreditAmount: p.Amount,
			SourceID:     p.ID,
			PaymentID:    p.ID,
		})
		r.TotalPaymentAdjustment = r.TotalPaymentAdjustment.Add(p.Amount)
	}
	r.TotalAdjustment = r.TotalAttendanceAdjustment.Add(r.TotalPaymentAdjustment)
	r.HasImpact = r.TotalAdjustment.IsPositive() || len(s.records) > 0 || len(s.payments) > 0

	label := date.Key()
	if name != "" {
		label = fmt.Sprintf("%s (%s)", date.Key(), name)
	}
	if !r.HasImpact {
		r.Message = fmt.Sprintf("No attendance or payments recorded on %s. Safe to mark as a holiday.", label)
	} else {
		r.Message = fmt.Sprintf("Marking %s as a holiday affects %d attendance records and %d payments and issues %s in credits.",
			label, r.AttendanceRecords, r.Payments, r.TotalAdjustment.StringFixed(2))
	}
	return r
}

// students returns every student touched by the snapshot, sorted.
func (s snapshot) students() []string {
	seen := map[string]bool{}
	for id := range s.records {
		seen[id] = true
	}
	for _, p := range s.payments {
		seen[p.StudentID] = true
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (s snapshot) paymentsOf(studentID string) []school.Payment {
	var out []school.Payment
	for _, p := range s.payments {
		if p.StudentID == studentID {
			out = append(out, p)
		}
	}
	return out
}

// =============================================================================
// WARNING
// =============================================================================

// Warning is the confirm-phase message shown to the administrator.
type Warning struct {
	Report ImpactReport `json:"report"`
	Title  string       `json:"title"`
	Lines  []string     `json:"lines"`
}

// Text renders the warning as one block.
func (w Warning) Text() string {
	return strings.Join(append([]string{w.Title}, w.Lines...), "\n")
}

// Warning formats a fresh analysis for confirmation. It is advisory only:
// ProcessChange analyses again before applying.
func (e *Engine) Warning(ctx context.Context, date calendar.Date, name string) (Warning, error) {
	r, err := e.AnalyzeImpact(ctx, date, name)
	if err != nil {
		return Warning{}, err
	}
	w := Warning{Report: r, Title: r.Message, Lines: []string{}}
	for _, a := range r.Affected {
		who := a.StudentID
		if a.StudentName != "" {
			who = fmt.Sprintf("%s (%s)", a.StudentName, a.StudentID)
		}
		switch a.Kind {
		case school.CreditFromAttendance:
			w.Lines = append(w.Lines, fmt.Sprintf("- %s: refund %s charged for %s", who, a.CreditAmount.StringFixed(2), a.Status))
		case school.CreditFromPayment:
			w.Lines = append(w.Lines, fmt.Sprintf("- %s: credit %s for payment %s", who, a.CreditAmount.StringFixed(2), a.PaymentID))
		}
	}
	if r.HasImpact {
		w.Lines = append(w.Lines, fmt.Sprintf("Total credits: %s (attendance %s, payments %s).",
			r.TotalAdjustment.StringFixed(2), r.TotalAttendanceAdjustment.StringFixed(2), r.TotalPaymentAdjustment.StringFixed(2)))
	}
	return w, nil
}
