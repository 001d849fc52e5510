/*
attendance.go - AttendanceService: marking attendance and charging fees

PURPOSE:
  Applies a mark-attendance request atomically per student:

    1. fetch the prior record (may be absent)
    2. oldFee = prior.FeeCharged (0 if absent)
    3. newFee = FeeSchedule.Fee(status, attributes)
    4. delta  = newFee - oldFee
    5. adjust the balance by delta when non-zero
    6. persist the record with feeCharged = newFee
    7. audit ATTENDANCE_CHANGE and, when delta != 0, FEE_CHANGE

  oldFee is the stored charge rather than a recomputation, so a record whose
  fee was set by reconciliation (holiday = 0, reverted absent = restored
  credit) keeps the balance equation exact.

FAILURE HANDLING:
  Validation happens before any write. If the record write fails after the
  balance moved, the balance change is compensated; if compensation fails
  too, the error is Inconsistent and surfaces to the operator.

BULK:
  BulkMark applies Mark per student with an empty attribute set. On partial
  failure it returns a *BulkError with the succeeded and failed subsets and
  does not roll back; retrying the failed ids is idempotent.
*/
package school

import (
	"context"
	"errors"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/warp/studio-ledger/calendar"
)

// AttendanceService orchestrates marks, fees, balances and audit.
type AttendanceService struct {
	*env
	dir     *Directory
	records *AttendanceStore
	audit   *AuditLog
	fees    FeeSchedule
}

// MarkRequest is the input of Mark.
type MarkRequest struct {
	Date       calendar.Date
	StudentID  string
	Status     Status
	Attributes []Attribute
	AdminID    string
}

// MarkResult describes one applied mark.
type MarkResult struct {
	StudentID string            `json:"studentId"`
	Record    AttendanceRecord  `json:"record"`
	Prior     *AttendanceRecord `json:"prior,omitempty"`
	OldFee    decimal.Decimal   `json:"oldFee"`
	NewFee    decimal.Decimal   `json:"newFee"`
	Delta     decimal.Decimal   `json:"delta"`
	Balance   decimal.Decimal   `json:"balance"`
	Changed   bool              `json:"changed"`
}

// BulkMarkRequest is the input of BulkMark.
type BulkMarkRequest struct {
	Date       calendar.Date
	StudentIDs []string
	Status     Status
	AdminID    string
}

// EligibleStudents returns the enrolled students.
func (s *AttendanceService) EligibleStudents(ctx context.Context) ([]Student, error) {
	return s.dir.Eligible(ctx)
}

// Mark applies one attendance mark.
func (s *AttendanceService) Mark(ctx context.Context, req MarkRequest) (MarkResult, error) {
	const op = "attendance.mark"
	attrs, err := s.validate(op, req)
	if err != nil {
		return MarkResult{}, err
	}
	// ATTENDANCE_CHANGE and FEE_CHANGE.
	audit, err := s.audit.Reserve(2)
	if err != nil {
		return MarkResult{}, err
	}
	defer audit.Release()

	tx, err := s.dir.Lock(ctx, req.StudentID)
	if err != nil {
		return MarkResult{}, err
	}
	defer tx.Release()
	if err := requireEnrolled(op, tx.Student()); err != nil {
		return MarkResult{}, err
	}

	// Past this point the section runs to completion.
	ctx = detach(ctx)

	var prior *AttendanceRecord
	err = s.retry.Retry(ctx, s.logger, op, func() error {
		rec, ok, err := s.records.Get(ctx, req.Date, req.StudentID)
		if ok {
			prior = &rec
		}
		return err
	})
	if err != nil {
		return MarkResult{}, err
	}

	oldFee := decimal.Zero
	if prior != nil {
		oldFee = prior.FeeCharged
	}
	newFee := s.fees.Fee(req.Status, attrs)
	delta := newFee.Sub(oldFee)
	res := MarkResult{StudentID: req.StudentID, Prior: prior, OldFee: oldFee, NewFee: newFee, Delta: delta, Balance: tx.Student().Balance}

	if prior != nil && prior.Status == req.Status && prior.Attributes.Equal(attrs) && prior.FeeCharged.Equal(newFee) {
		res.Record = *prior
		return res, nil
	}

	if !delta.IsZero() {
		if _, err := tx.AdjustBalance(ctx, delta); err != nil {
			return MarkResult{}, err
		}
	}

	up, err := s.records.Upsert(ctx, Mark{
		Date:       req.Date,
		StudentID:  req.StudentID,
		Status:     req.Status,
		Attributes: attrs,
		FeeCharged: newFee,
		MarkedBy:   req.AdminID,
	})
	if err != nil {
		return MarkResult{}, s.compensate(ctx, op, tx, delta, err)
	}

	res.Record = up.Record
	res.Changed = up.Changed
	res.Balance = tx.Student().Balance
	s.observer.AttendanceMarked(req.Status, delta)

	details := map[string]any{
		"date":       req.Date.Key(),
		"studentId":  req.StudentID,
		"status":     req.Status,
		"attributes": up.Record.Attributes,
		"revision":   up.Record.Revision,
	}
	if prior != nil {
		details["previousStatus"] = prior.Status
		details["previousAttributes"] = prior.Attributes
	}
	if _, err := audit.Record(ctx, EventAttendanceChange, req.AdminID, up.Record.Key(), details); err != nil {
		return res, err
	}
	if !delta.IsZero() {
		if _, err := audit.Record(ctx, EventFeeChange, req.AdminID, req.StudentID, map[string]any{
			"reason":  "attendance",
			"date":    req.Date.Key(),
			"oldFee":  oldFee,
			"newFee":  newFee,
			"delta":   delta,
			"balance": res.Balance,
		}); err != nil {
			return res, err
		}
	}

	s.logger.Debug("attendance marked", "date", req.Date.Key(), "student", req.StudentID,
		"status", req.Status, "delta", delta.String(), "balance", res.Balance.String())
	return res, nil
}

// BulkMark marks every id with status and no attributes.
func (s *AttendanceService) BulkMark(ctx context.Context, req BulkMarkRequest) ([]MarkResult, error) {
	const op = "attendance.bulkMark"
	if len(req.StudentIDs) == 0 {
		return nil, validationf(op, "studentIds is required")
	}
	if !req.Date.Valid() {
		return nil, validationf(op, "invalid date %s", req.Date)
	}
	if !req.Status.Valid() {
		return nil, validationf(op, "unknown attendance status %q", req.Status)
	}

	seen := make(map[string]bool, len(req.StudentIDs))
	var results []MarkResult
	bulk := &BulkError{Op: op, Failed: map[string]error{}}
	for _, id := range req.StudentIDs {
		if seen[id] {
			continue
		}
		seen[id] = true

		if err := ctx.Err(); err != nil {
			bulk.Failed[id] = classify(op, err)
			continue
		}
		res, err := s.Mark(ctx, MarkRequest{Date: req.Date, StudentID: id, Status: req.Status, AdminID: req.AdminID})
		if err != nil {
			s.logger.Warn("bulk mark failed for student", "date", req.Date.Key(), "student", id, "error", err)
			bulk.Failed[id] = err
			continue
		}
		bulk.Succeeded = append(bulk.Succeeded, id)
		results = append(results, res)
	}
	if len(bulk.Failed) > 0 {
		return results, bulk
	}
	return results, nil
}

func (s *AttendanceService) validate(op string, req MarkRequest) (AttributeSet, error) {
	if strings.TrimSpace(req.StudentID) == "" {
		return nil, validationf(op, "studentId is required")
	}
	if !req.Date.Valid() {
		return nil, validationf(op, "invalid date %s", req.Date)
	}
	if !req.Status.Valid() {
		return nil, validationf(op, "unknown attendance status %q", req.Status)
	}
	attrs, err := NewAttributeSet(req.Attributes...)
	if err != nil {
		return nil, NewError(KindValidationFailed, op, err.Error(), nil)
	}
	if req.Status != StatusPresent && len(attrs) > 0 {
		return nil, validationf(op, "attributes are only allowed when present, got %s with %v", req.Status, attrs)
	}
	return attrs, nil
}

// compensate reverses a balance delta after a failed follow-up write.
func (s *AttendanceService) compensate(ctx context.Context, op string, tx *StudentTx, delta decimal.Decimal, cause error) error {
	if delta.IsZero() {
		return cause
	}
	if _, err := tx.AdjustBalance(ctx, delta.Neg()); err != nil {
		s.logger.Error("balance compensation failed", "op", op, "student", tx.id, "delta", delta.String(), "error", err)
		return &Error{
			Kind:    KindInconsistent,
			Op:      op,
			Message: "balance adjusted but record not written; compensation failed",
			Details: map[string]any{"studentId": tx.id, "delta": delta},
			Err:     errors.Join(cause, err),
		}
	}
	return cause
}
