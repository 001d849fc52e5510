package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/warp/studio-ledger/calendar"
	"github.com/warp/studio-ledger/school"
)

// Adjustment is what one student received from an apply or revert.
type Adjustment struct {
	StudentID         string          `json:"studentId"`
	StudentName       string          `json:"studentName,omitempty"`
	AttendanceCredit  decimal.Decimal `json:"attendanceCredit"`
	PaymentCredit     decimal.Decimal `json:"paymentCredit"`
	Total             decimal.Decimal `json:"total"`
	Balance           decimal.Decimal `json:"balance"`
	CreditsIssued     int             `json:"creditsIssued,omitempty"`
	CreditsRemoved    int             `json:"creditsRemoved,omitempty"`
	AttendanceUpdated bool            `json:"attendanceUpdated"`
}

// Result is the outcome of ProcessChange.
type Result struct {
	Success                bool              `json:"success"`
	Date                   calendar.Date     `json:"date"`
	HolidayName            string            `json:"holidayName"`
	HolidayAdded           bool              `json:"holidayAdded"`
	AttendanceUpdated      int               `json:"attendanceUpdated"`
	AffectedStudents       int               `json:"affectedStudents"`
	TotalAttendanceCredits decimal.Decimal   `json:"totalAttendanceCredits"`
	TotalPaymentCredits    decimal.Decimal   `json:"totalPaymentCredits"`
	TotalCreditsIssued     decimal.Decimal   `json:"totalCreditsIssued"`
	PerStudentAdjustments  []Adjustment      `json:"perStudentAdjustments"`
	Completed              []string          `json:"completed"`
	Failed                 map[string]string `json:"failed,omitempty"`
}

// RevertResult is the outcome of RevertHoliday.
type RevertResult struct {
	Success               bool              `json:"success"`
	Date                  calendar.Date     `json:"date"`
	HolidayRemoved        bool              `json:"holidayRemoved"`
	AttendanceUpdated     int               `json:"attendanceUpdated"`
	AffectedStudents      int               `json:"affectedStudents"`
	TotalRestored         decimal.Decimal   `json:"totalRestored"`
	PerStudentAdjustments []Adjustment      `json:"perStudentAdjustments"`
	Completed             []string          `json:"completed"`
	Failed                map[string]string `json:"failed,omitempty"`
}

// =============================================================================
// APPLY
// =============================================================================

// ProcessChange declares date a holiday named name and reconciles it:
// refunds charged fees, credits payments made that day and moves every
// record of the day to holiday with no fee.
//
// Students are processed one at a time, each in its own critical section.
// ctx is checked between students; when it expires the result lists the
// completed students and the error is a *school.BulkError. A failure for one
// student is reported and the batch continues.
func (e *Engine) ProcessChange(ctx context.Context, date calendar.Date, name, adminID string, confirmed bool) (Result, error) {
	const op = "reconcile.processChange"
	name = strings.TrimSpace(name)
	switch {
	case !date.Valid():
		return Result{}, school.NewError(school.KindValidationFailed, op, fmt.Sprintf("invalid date %s", date), nil)
	case name == "":
		return Result{}, school.NewError(school.KindValidationFailed, op, "holiday name is required", nil)
	case !confirmed:
		return Result{}, school.NewError(school.KindUnconfirmedHoliday, op,
			fmt.Sprintf("declaring %s a holiday must be confirmed", date), nil)
	}
	// HOLIDAY_CHANGE; per-student events are reserved per student.
	audit, err := e.svc.Audit.Reserve(1)
	if err != nil {
		return Result{}, err
	}
	defer audit.Release()

	// The warning shown to the operator is never trusted; analyse again.
	snap, err := e.read(ctx, op, date)
	if err != nil {
		return Result{}, err
	}

	added, err := e.holidays.AddOverride(ctx, date, name, adminID)
	if err != nil {
		return Result{}, school.Wrap(op, err)
	}

	res := Result{
		Date:                   date,
		HolidayName:            name,
		HolidayAdded:           added,
		TotalAttendanceCredits: decimal.Zero,
		TotalPaymentCredits:    decimal.Zero,
		TotalCreditsIssued:     decimal.Zero,
		PerStudentAdjustments:  []Adjustment{},
		Completed:              []string{},
	}
	bulk := &school.BulkError{Op: op, Failed: map[string]error{}}

	// Zero-fee records carry no money; they move in one day write.
	var unpaid []string
	for _, id := range snap.students() {
		rec, hasRecord := snap.records[id]
		payments := snap.paymentsOf(id)
		if hasRecord && !rec.FeeCharged.IsPositive() && len(payments) == 0 {
			unpaid = append(unpaid, id)
			continue
		}
		if err := ctx.Err(); err != nil {
			bulk.Failed[id] = school.Wrap(op, err)
			continue
		}

		adj, err := e.applyStudent(ctx, date, name, adminID, id, payments)
		if err != nil {
			e.logger.Warn("holiday reconciliation failed for student", "date", date.Key(), "student", id, "error", err)
			bulk.Failed[id] = err
			continue
		}
		adj.StudentName = snap.names[id]
		bulk.Succeeded = append(bulk.Succeeded, id)
		res.add(adj)
	}

	if len(unpaid) > 0 {
		if err := ctx.Err(); err != nil {
			for _, id := range unpaid {
				bulk.Failed[id] = school.Wrap(op, err)
			}
		} else {
			n, moved, deferred, err := e.transition(ctx, date, unpaid, school.StatusHoliday, adminID, chargeFree)
			if err != nil {
				e.logger.Warn("holiday attendance transition failed", "date", date.Key(), "students", len(unpaid), "error", err)
				for _, id := range unpaid {
					bulk.Failed[id] = err
				}
				moved, deferred = nil, nil
			}
			res.AttendanceUpdated += n
			bulk.Succeeded = append(bulk.Succeeded, moved...)
			// Re-marked with a fee since the analysis.
			for _, id := range deferred {
				adj, err := e.applyStudent(ctx, date, name, adminID, id, nil)
				if err != nil {
					bulk.Failed[id] = err
					continue
				}
				adj.StudentName = snap.names[id]
				bulk.Succeeded = append(bulk.Succeeded, id)
				res.add(adj)
			}
		}
	}

	res.Completed = append(res.Completed, bulk.Succeeded...)
	res.Success = len(bulk.Failed) == 0
	if !res.Success {
		res.Failed = failureMessages(bulk)
	}

	if res.HolidayAdded || res.AttendanceUpdated > 0 || res.TotalCreditsIssued.IsPositive() {
		if _, err := audit.Record(ctx, school.EventHolidayChange, adminID, date.Key(), map[string]any{
			"action":                 "add",
			"name":                   name,
			"holidayAdded":           res.HolidayAdded,
			"attendanceUpdated":      res.AttendanceUpdated,
			"affectedStudents":       res.AffectedStudents,
			"totalAttendanceCredits": res.TotalAttendanceCredits,
			"totalPaymentCredits":    res.TotalPaymentCredits,
			"totalCreditsIssued":     res.TotalCreditsIssued,
			"failed":                 bulk.FailedIDs(),
		}); err != nil {
			return res, err
		}
	}

	e.logger.Info("holiday reconciled", "date", date.Key(), "name", name, "added", res.HolidayAdded,
		"students", res.AffectedStudents, "attendanceUpdated", res.AttendanceUpdated,
		"credits", res.TotalCreditsIssued.String(), "failed", len(bulk.Failed))
	if !res.Success {
		return res, bulk
	}
	return res, nil
}

func (r *Result) add(adj Adjustment) {
	r.PerStudentAdjustments = append(r.PerStudentAdjustments, adj)
	r.TotalAttendanceCredits = r.TotalAttendanceCredits.Add(adj.AttendanceCredit)
	r.TotalPaymentCredits = r.TotalPaymentCredits.Add(adj.PaymentCredit)
	r.TotalCreditsIssued = r.TotalCreditsIssued.Add(adj.Total)
	if adj.AttendanceUpdated {
		r.AttendanceUpdated++
	}
	if adj.CreditsIssued > 0 {
		r.AffectedStudents++
	}
}

// applyStudent runs one student's apply inside the student's lock: the
// attendance refund, the record transition, then the payment credits.
// The refund is keyed by the record revision, so a repeat after a failed
// transition does not refund twice.
func (e *Engine) applyStudent(ctx context.Context, date calendar.Date, name, adminID, id string, payments []school.Payment) (Adjustment, error) {
	const op = "reconcile.applyStudent"
	// Attendance refund, record transition, one credit per payment.
	audit, err := e.svc.Audit.Reserve(2 + len(payments))
	if err != nil {
		return Adjustment{}, err
	}
	defer audit.Release()

	tx, err := e.svc.Students.Lock(ctx, id)
	if err != nil {
		return Adjustment{}, err
	}
	defer tx.Release()
	ctx = context.WithoutCancel(ctx)

	// Marks hold the student lock, so the record is stable from here on.
	rec, err := e.record(ctx, op, date, id)
	if err != nil {
		return Adjustment{}, err
	}

	adj := Adjustment{StudentID: id, AttendanceCredit: decimal.Zero, PaymentCredit: decimal.Zero}

	if rec != nil {
		if rec.FeeCharged.IsPositive() {
			credit := school.HolidayCredit{
				ID:          uuid.NewString(),
				Amount:      rec.FeeCharged,
				Date:        date,
				HolidayName: name,
				SourceKind:  school.CreditFromAttendance,
				SourceID:    rec.SourceID(),
			}
			issued, err := e.credit(ctx, tx, audit, adminID, credit, map[string]any{"status": rec.Status})
			if err != nil {
				return Adjustment{}, err
			}
			if issued {
				adj.AttendanceCredit = credit.Amount
				adj.CreditsIssued++
			}
		}

		up, err := e.svc.Attendance.Upsert(ctx, school.Mark{
			Date:       date,
			StudentID:  id,
			Status:     school.StatusHoliday,
			Attributes: school.AttributeSet{},
			FeeCharged: decimal.Zero,
			MarkedBy:   adminID,
		})
		if err != nil {
			return Adjustment{}, err
		}
		if up.Changed {
			adj.AttendanceUpdated = true
			if err := e.recordAttendance(ctx, audit, adminID, up); err != nil {
				return Adjustment{}, err
			}
		}
	}

	for _, p := range payments {
		credit := school.HolidayCredit{
			ID:          uuid.NewString(),
			Amount:      p.Amount,
			Date:        date,
			HolidayName: name,
			SourceKind:  school.CreditFromPayment,
			SourceID:    p.ID,
		}
		issued, err := e.credit(ctx, tx, audit, adminID, credit, map[string]any{"paymentId": p.ID})
		if err != nil {
			return Adjustment{}, err
		}
		if issued {
			adj.PaymentCredit = adj.PaymentCredit.Add(p.Amount)
			adj.CreditsIssued++
		}
	}

	adj.Total = adj.AttendanceCredit.Add(adj.PaymentCredit)
	adj.Balance = tx.Student().Balance
	if !adj.Total.IsZero() || adj.AttendanceUpdated {
		e.logger.Debug("student reconciled", "op", op, "student", id, "credit", adj.Total.String(), "balance", adj.Balance.String())
	}
	return adj, nil
}

// record reads the student's record for date; nil when unmarked.
func (e *Engine) record(ctx context.Context, op string, date calendar.Date, id string) (*school.AttendanceRecord, error) {
	var out *school.AttendanceRecord
	err := e.svc.Retry.Retry(ctx, e.logger, op, func() error {
		rec, ok, err := e.svc.Attendance.Get(ctx, date, id)
		if ok {
			out = &rec
		}
		return err
	})
	return out, err
}

// credit issues one holiday credit and audits it under the credit id.
func (e *Engine) credit(ctx context.Context, tx *school.StudentTx, audit *school.Reservation, adminID string, c school.HolidayCredit, extra map[string]any) (bool, error) {
	issued, err := tx.AddHolidayCredit(ctx, c)
	if err != nil || !issued {
		return false, err
	}
	e.svc.Observer.HolidayCreditIssued(c.SourceKind, c.Amount)

	details := map[string]any{
		"reason":      "holiday credit",
		"studentId":   tx.Student().ID,
		"date":        c.Date.Key(),
		"holidayName": c.HolidayName,
		"sourceKind":  c.SourceKind,
		"sourceId":    c.SourceID,
		"delta":       c.Amount.Neg(),
		"balance":     tx.Student().Balance,
	}
	for k, v := range extra {
		details[k] = v
	}
	if _, err := audit.Record(ctx, school.EventFeeChange, adminID, c.ID, details); err != nil {
		return true, err
	}
	return true, nil
}

func (e *Engine) recordAttendance(ctx context.Context, audit *school.Reservation, adminID string, up school.UpsertResult) error {
	reason := "holiday"
	if up.Record.Status != school.StatusHoliday {
		reason = "holiday revert"
	}
	details := map[string]any{
		"date":      up.Record.Date.Key(),
		"studentId": up.Record.StudentID,
		"status":    up.Record.Status,
		"revision":  up.Record.Revision,
		"reason":    reason,
	}
	if up.Prior != nil {
		details["previousStatus"] = up.Prior.Status
		details["previousFee"] = up.Prior.FeeCharged
	}
	_, err := audit.Record(ctx, school.EventAttendanceChange, adminID, up.Record.Key(), details)
	return err
}

// transition moves the day's money-free records to status in one write.
// It holds the locks of every student involved (taken in id order) and
// re-reads the day under them; ids whose record no longer passes settle
// are returned in deferred for the per-student path.
func (e *Engine) transition(ctx context.Context, date calendar.Date, ids []string, status school.Status, adminID string,
	settle func(rec school.AttendanceRecord, s school.Student) bool) (n int, moved, deferred []string, err error) {
	const op = "reconcile.transition"
	audit, err := e.svc.Audit.Reserve(len(ids))
	if err != nil {
		return 0, nil, nil, err
	}
	defer audit.Release()

	students := make(map[string]school.Student, len(ids))
	for _, id := range ids {
		tx, err := e.svc.Students.Lock(ctx, id)
		if err != nil {
			return 0, nil, nil, err
		}
		defer tx.Release()
		students[id] = tx.Student()
	}
	ctx = context.WithoutCancel(ctx)

	var records map[string]school.AttendanceRecord
	err = e.svc.Retry.Retry(ctx, e.logger, op, func() error {
		var err error
		records, err = e.svc.Attendance.GetByDate(ctx, date)
		return err
	})
	if err != nil {
		return 0, nil, nil, err
	}
	for _, id := range ids {
		if rec, ok := records[id]; ok && settle(rec, students[id]) {
			moved = append(moved, id)
		} else {
			deferred = append(deferred, id)
		}
	}
	if len(moved) == 0 {
		return 0, nil, deferred, nil
	}

	results, err := e.svc.Attendance.BulkUpsert(ctx, date, moved, status, decimal.Zero, adminID)
	if err != nil {
		return 0, nil, nil, err
	}
	for _, up := range results {
		if !up.Changed {
			continue
		}
		n++
		if err := e.recordAttendance(ctx, audit, adminID, up); err != nil {
			return n, moved, deferred, err
		}
	}
	return n, moved, deferred, nil
}

// =============================================================================
// REVERT
// =============================================================================

// RevertHoliday undoes ProcessChange for date: the override is removed,
// every credit dated date is taken back and holiday records return to
// absent. A reverted record is charged what its attendance credit had
// refunded (zero when none), so balances return to their pre-holiday
// values. Prior statuses and attributes are not restored.
func (e *Engine) RevertHoliday(ctx context.Context, date calendar.Date, adminID string, confirmed bool) (RevertResult, error) {
	const op = "reconcile.revertHoliday"
	switch {
	case !date.Valid():
		return RevertResult{}, school.NewError(school.KindValidationFailed, op, fmt.Sprintf("invalid date %s", date), nil)
	case !confirmed:
		return RevertResult{}, school.NewError(school.KindUnconfirmedHoliday, op,
			fmt.Sprintf("reverting the holiday on %s must be confirmed", date), nil)
	}
	audit, err := e.svc.Audit.Reserve(1)
	if err != nil {
		return RevertResult{}, err
	}
	defer audit.Release()

	students, err := e.svc.Students.List(ctx)
	if err != nil {
		return RevertResult{}, err
	}
	records, err := e.svc.Attendance.GetByDate(ctx, date)
	if err != nil {
		return RevertResult{}, err
	}

	removed, err := e.holidays.RemoveOverride(ctx, date, adminID)
	if err != nil {
		return RevertResult{}, school.Wrap(op, err)
	}

	res := RevertResult{
		Date:                  date,
		HolidayRemoved:        removed,
		TotalRestored:         decimal.Zero,
		PerStudentAdjustments: []Adjustment{},
		Completed:             []string{},
	}
	bulk := &school.BulkError{Op: op, Failed: map[string]error{}}

	credited := map[string]bool{}
	for _, s := range students {
		if !hasCreditOn(s, date) {
			continue
		}
		credited[s.ID] = true
		if err := ctx.Err(); err != nil {
			bulk.Failed[s.ID] = school.Wrap(op, err)
			continue
		}
		adj, err := e.revertStudent(ctx, date, adminID, s.ID)
		if err != nil {
			e.logger.Warn("holiday revert failed for student", "date", date.Key(), "student", s.ID, "error", err)
			bulk.Failed[s.ID] = err
			continue
		}
		adj.StudentName = s.FullName()
		bulk.Succeeded = append(bulk.Succeeded, s.ID)
		res.addRevert(adj)
	}

	var plain []string
	for _, id := range school.SortedIDs(records) {
		if !credited[id] && records[id].Status == school.StatusHoliday {
			plain = append(plain, id)
		}
	}
	if len(plain) > 0 {
		if err := ctx.Err(); err != nil {
			for _, id := range plain {
				bulk.Failed[id] = school.Wrap(op, err)
			}
		} else {
			n, moved, deferred, err := e.transition(ctx, date, plain, school.StatusAbsent, adminID, uncredited(date))
			if err != nil {
				e.logger.Warn("holiday attendance revert failed", "date", date.Key(), "students", len(plain), "error", err)
				for _, id := range plain {
					bulk.Failed[id] = err
				}
				moved, deferred = nil, nil
			}
			res.AttendanceUpdated += n
			bulk.Succeeded = append(bulk.Succeeded, moved...)
			for _, id := range deferred {
				adj, err := e.revertStudent(ctx, date, adminID, id)
				if err != nil {
					bulk.Failed[id] = err
					continue
				}
				bulk.Succeeded = append(bulk.Succeeded, id)
				res.addRevert(adj)
			}
		}
	}

	res.Completed = append(res.Completed, bulk.Succeeded...)
	res.Success = len(bulk.Failed) == 0
	if !res.Success {
		res.Failed = failureMessages(bulk)
	}

	if res.HolidayRemoved || res.AttendanceUpdated > 0 || res.TotalRestored.IsPositive() {
		if _, err := audit.Record(ctx, school.EventHolidayChange, adminID, date.Key(), map[string]any{
			"action":            "revert",
			"holidayRemoved":    res.HolidayRemoved,
			"attendanceUpdated": res.AttendanceUpdated,
			"affectedStudents":  res.AffectedStudents,
			"totalRestored":     res.TotalRestored,
			"failed":            bulk.FailedIDs(),
		}); err != nil {
			return res, err
		}
	}

	e.logger.Info("holiday reverted", "date", date.Key(), "removed", res.HolidayRemoved,
		"students", res.AffectedStudents, "restored", res.TotalRestored.String(), "failed", len(bulk.Failed))
	if !res.Success {
		return res, bulk
	}
	return res, nil
}

func (r *RevertResult) addRevert(adj Adjustment) {
	if adj.AttendanceUpdated {
		r.AttendanceUpdated++
	}
	if adj.CreditsRemoved == 0 {
		return
	}
	r.PerStudentAdjustments = append(r.PerStudentAdjustments, adj)
	r.TotalRestored = r.TotalRestored.Add(adj.Total)
	r.AffectedStudents++
}

// revertStudent removes the student's credits for date. A record still
// at holiday is charged back the refunded attendance fee; a record that was
// re-marked since already carries its own fee, so its refund is not given
// back to the balance. If a write fails the credits are re-issued.
func (e *Engine) revertStudent(ctx context.Context, date calendar.Date, adminID, id string) (Adjustment, error) {
	const op = "reconcile.revertStudent"
	tx, err := e.svc.Students.Lock(ctx, id)
	if err != nil {
		return Adjustment{}, err
	}
	defer tx.Release()
	ctx = context.WithoutCancel(ctx)

	rec, err := e.record(ctx, op, date, id)
	if err != nil {
		return Adjustment{}, err
	}

	// One FEE_CHANGE per credit plus the record transition.
	audit, err := e.svc.Audit.Reserve(creditsOn(tx.Student(), date) + 1)
	if err != nil {
		return Adjustment{}, err
	}
	defer audit.Release()

	removed, err := tx.RemoveHolidayCredits(ctx, date)
	if err != nil {
		return Adjustment{}, err
	}
	adj := Adjustment{StudentID: id, AttendanceCredit: decimal.Zero, PaymentCredit: decimal.Zero, CreditsRemoved: len(removed)}
	for _, c := range removed {
		switch c.SourceKind {
		case school.CreditFromAttendance:
			adj.AttendanceCredit = adj.AttendanceCredit.Add(c.Amount)
		case school.CreditFromPayment:
			adj.PaymentCredit = adj.PaymentCredit.Add(c.Amount)
		}
	}

	onHoliday := rec != nil && rec.Status == school.StatusHoliday
	if onHoliday {
		up, err := e.svc.Attendance.Upsert(ctx, school.Mark{
			Date:       date,
			StudentID:  id,
			Status:     school.StatusAbsent,
			Attributes: school.AttributeSet{},
			FeeCharged: adj.AttendanceCredit,
			MarkedBy:   adminID,
		})
		if err != nil {
			return Adjustment{}, e.reissue(ctx, op, tx, removed, err)
		}
		if up.Changed {
			adj.AttendanceUpdated = true
			if err := e.recordAttendance(ctx, audit, adminID, up); err != nil {
				return Adjustment{}, err
			}
		}
	} else if adj.AttendanceCredit.IsPositive() {
		if _, err := tx.ReduceBalance(ctx, adj.AttendanceCredit); err != nil {
			return Adjustment{}, e.reissue(ctx, op, tx, removed, err)
		}
		adj.AttendanceCredit = decimal.Zero
	}

	for _, c := range removed {
		delta := c.Amount
		if c.SourceKind == school.CreditFromAttendance && !onHoliday {
			delta = decimal.Zero
		}
		if _, err := audit.Record(ctx, school.EventFeeChange, adminID, c.ID, map[string]any{
			"reason":     "holiday revert",
			"studentId":  id,
			"date":       c.Date.Key(),
			"sourceKind": c.SourceKind,
			"sourceId":   c.SourceID,
			"delta":      delta,
			"balance":    tx.Student().Balance,
		}); err != nil {
			return Adjustment{}, err
		}
	}

	adj.Total = adj.AttendanceCredit.Add(adj.PaymentCredit)
	adj.Balance = tx.Student().Balance
	return adj, nil
}

// reissue puts removed credits back after a failed record write.
func (e *Engine) reissue(ctx context.Context, op string, tx *school.StudentTx, credits []school.HolidayCredit, cause error) error {
	for _, c := range credits {
		if _, err := tx.AddHolidayCredit(ctx, c); err != nil {
			e.logger.Error("holiday credit re-issue failed", "op", op, "credit", c.ID, "error", err)
			return &school.Error{
				Kind:    school.KindInconsistent,
				Op:      op,
				Message: "credits removed but attendance not reverted; re-issue failed",
				Details: map[string]any{"creditId": c.ID, "sourceId": c.SourceID},
				Err:     errors.Join(cause, err),
			}
		}
	}
	return cause
}

func chargeFree(rec school.AttendanceRecord, _ school.Student) bool {
	return !rec.FeeCharged.IsPositive()
}

func uncredited(date calendar.Date) func(school.AttendanceRecord, school.Student) bool {
	return func(rec school.AttendanceRecord, s school.Student) bool {
		return rec.Status == school.StatusHoliday && !hasCreditOn(s, date)
	}
}

func hasCreditOn(s school.Student, date calendar.Date) bool { return creditsOn(s, date) > 0 }

func creditsOn(s school.Student, date calendar.Date) int {
	n := 0
	for _, c := range s.HolidayCredits {
		if c.Date.Equal(date) {
			n++
		}
	}
	return n
}

func failureMessages(b *school.BulkError) map[string]string {
	out := make(map[string]string, len(b.Failed))
	for id, err := range b.Failed {
		out[id] = err.Error()
	}
	return out
}
