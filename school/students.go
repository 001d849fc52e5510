/*
students.go - StudentDirectory: identity, enrollment, balance, holiday credits

PURPOSE:
  Owns the students collection. Balance and holiday-credit mutations are
  read-modify-writes serialised per student: callers take the student's
  lock with Lock() and apply changes through the returned StudentTx.

BALANCE:
  IncreaseBalance / ReduceBalance take strictly positive amounts. A balance
  below zero is allowed (credit owed to the student).

HOLIDAY CREDITS:
  AddHolidayCredit records the credit and applies it to the balance in one
  write. Credits are de-duplicated by SourceID, so re-issuing is a no-op.

LIFECYCLE:
  Students are never deleted; SetStatus(inactive) retires them.

SEE ALSO:
  - locks.go: Per-key locks
  - attendance.go, payments.go, reconcile/engine.go: Balance writers
*/
package school

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/warp/studio-ledger/calendar"
	"github.com/warp/studio-ledger/docstore"
)

// Directory is the StudentDirectory.
type Directory struct {
	*env
}

// NewStudent is the input of Create.
type NewStudent struct {
	ID               string           `json:"id,omitempty" validate:"omitempty,max=64,excludesall=/@"`
	FirstName        string           `json:"firstName" validate:"required,notblank,max=100"`
	LastName         string           `json:"lastName" validate:"max=100"`
	Email            string           `json:"email,omitempty" validate:"omitempty,email"`
	Phone            string           `json:"phone,omitempty" validate:"omitempty,max=32"`
	DateOfBirth      calendar.Date    `json:"dateOfBirth"`
	UserID           string           `json:"userId,omitempty"`
	EnrollmentStatus EnrollmentStatus `json:"enrollmentStatus" validate:"omitempty,oneof=pending enrolled inactive frozen"`
}

// ProfileUpdate changes demographic fields; nil fields are left untouched.
type ProfileUpdate struct {
	FirstName   *string        `json:"firstName,omitempty" validate:"omitempty,notblank,max=100"`
	LastName    *string        `json:"lastName,omitempty" validate:"omitempty,max=100"`
	Email       *string        `json:"email,omitempty" validate:"omitempty,email"`
	Phone       *string        `json:"phone,omitempty" validate:"omitempty,max=32"`
	DateOfBirth *calendar.Date `json:"dateOfBirth,omitempty"`
}

// =============================================================================
// READS
// =============================================================================

// Get fetches one student.
func (d *Directory) Get(ctx context.Context, id string) (Student, error) {
	const op = "students.get"
	doc, err := d.store.Get(ctx, StudentsCollection, id)
	if errors.Is(err, docstore.ErrNotFound) {
		return Student{}, notFound(op, "student", id)
	}
	if err != nil {
		return Student{}, classify(op, err)
	}
	var s Student
	if err := doc.Decode(&s); err != nil {
		return Student{}, inconsistent(op, "student %s: %v", id, err)
	}
	return s, nil
}

// List returns every student ordered by id.
func (d *Directory) List(ctx context.Context) ([]Student, error) {
	return d.query(ctx, "students.list", docstore.Query{})
}

// Eligible returns the enrolled students ordered by id.
func (d *Directory) Eligible(ctx context.Context) ([]Student, error) {
	return d.query(ctx, "students.eligible", docstore.Query{
		Filters: []docstore.Filter{docstore.Where("enrollmentStatus", docstore.OpEq, string(EnrollmentEnrolled))},
	})
}

// GetHolidayCredits returns a student's credits in issue order.
func (d *Directory) GetHolidayCredits(ctx context.Context, id string) ([]HolidayCredit, error) {
	s, err := d.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.HolidayCredits, nil
}

func (d *Directory) query(ctx context.Context, op string, q docstore.Query) ([]Student, error) {
	docs, err := d.store.Query(ctx, StudentsCollection, q)
	if err != nil {
		return nil, classify(op, err)
	}
	out := make([]Student, 0, len(docs))
	for _, doc := range docs {
		var s Student
		if err := doc.Decode(&s); err != nil {
			return nil, inconsistent(op, "student %s: %v", doc.ID, err)
		}
		out = append(out, s)
	}
	return out, nil
}

// =============================================================================
// WRITES
// =============================================================================

// Create provisions a student with a zero balance.
func (d *Directory) Create(ctx context.Context, in NewStudent) (Student, error) {
	const op = "students.create"
	in.FirstName = strings.TrimSpace(in.FirstName)
	in.LastName = strings.TrimSpace(in.LastName)
	if err := validateStruct(op, in); err != nil {
		return Student{}, err
	}
	if !in.DateOfBirth.IsZero() && !in.DateOfBirth.Valid() {
		return Student{}, validationf(op, "invalid dateOfBirth %s", in.DateOfBirth)
	}
	if in.ID == "" {
		in.ID = uuid.NewString()
	}
	if in.EnrollmentStatus == "" {
		in.EnrollmentStatus = EnrollmentPending
	}

	now := docstore.At(d.now())
	s := Student{
		ID:               in.ID,
		FirstName:        in.FirstName,
		LastName:         in.LastName,
		Email:            in.Email,
		Phone:            in.Phone,
		DateOfBirth:      in.DateOfBirth,
		UserID:           in.UserID,
		EnrollmentStatus: in.EnrollmentStatus,
		Balance:          decimal.Zero,
		HolidayCredits:   []HolidayCredit{},
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	release, err := d.locks.Acquire(ctx, studentLockKey(s.ID))
	if err != nil {
		return Student{}, classify(op, err)
	}
	defer release()

	err = d.retry.Retry(ctx, d.logger, op, func() error {
		return classify(op, d.store.Update(ctx, StudentsCollection, s.ID, func(current json.RawMessage) (any, error) {
			if current != nil {
				return nil, validationf(op, "student %s already exists", s.ID)
			}
			return s, nil
		}))
	})
	if err != nil {
		return Student{}, err
	}
	d.logger.Info("student created", "student", s.ID, "status", s.EnrollmentStatus)
	return s, nil
}

// UpdateProfile changes demographic fields.
func (d *Directory) UpdateProfile(ctx context.Context, id string, in ProfileUpdate) (Student, error) {
	const op = "students.updateProfile"
	if err := validateStruct(op, in); err != nil {
		return Student{}, err
	}
	if in.DateOfBirth != nil && !in.DateOfBirth.IsZero() && !in.DateOfBirth.Valid() {
		return Student{}, validationf(op, "invalid dateOfBirth %s", *in.DateOfBirth)
	}
	return d.withStudent(ctx, op, id, func(tx *StudentTx) error {
		_, err := tx.Apply(ctx, op, func(s *Student) error {
			if in.FirstName != nil {
				s.FirstName = strings.TrimSpace(*in.FirstName)
			}
			if in.LastName != nil {
				s.LastName = strings.TrimSpace(*in.LastName)
			}
			if in.Email != nil {
				s.Email = *in.Email
			}
			if in.Phone != nil {
				s.Phone = *in.Phone
			}
			if in.DateOfBirth != nil {
				s.DateOfBirth = *in.DateOfBirth
			}
			return nil
		})
		return err
	})
}

// SetStatus changes the enrollment status.
func (d *Directory) SetStatus(ctx context.Context, id string, status EnrollmentStatus) (Student, error) {
	const op = "students.setStatus"
	if !status.Valid() {
		return Student{}, validationf(op, "unknown enrollment status %q", status)
	}
	return d.withStudent(ctx, op, id, func(tx *StudentTx) error {
		_, err := tx.Apply(ctx, op, func(s *Student) error {
			s.EnrollmentStatus = status
			return nil
		})
		return err
	})
}

// ReduceBalance subtracts a positive amount from the balance.
//
// The Directory balance and credit methods write no audit event. They are
// primitives for AttendanceService, PaymentLedger and the reconcile engine,
// which record FEE_CHANGE and HOLIDAY_CHANGE events around them.
func (d *Directory) ReduceBalance(ctx context.Context, id string, amount decimal.Decimal) (Student, error) {
	const op = "students.reduceBalance"
	return d.withStudent(ctx, op, id, func(tx *StudentTx) error {
		_, err := tx.ReduceBalance(ctx, amount)
		return err
	})
}

// IncreaseBalance adds a positive amount to the balance. Unaudited, see
// ReduceBalance.
func (d *Directory) IncreaseBalance(ctx context.Context, id string, amount decimal.Decimal) (Student, error) {
	const op = "students.increaseBalance"
	return d.withStudent(ctx, op, id, func(tx *StudentTx) error {
		_, err := tx.IncreaseBalance(ctx, amount)
		return err
	})
}

// AddHolidayCredit records a credit and applies it to the balance.
// added is false when a credit with the same SourceID already exists.
// Unaudited, see ReduceBalance.
func (d *Directory) AddHolidayCredit(ctx context.Context, id string, credit HolidayCredit) (added bool, err error) {
	const op = "students.addHolidayCredit"
	_, err = d.withStudent(ctx, op, id, func(tx *StudentTx) error {
		added, err = tx.AddHolidayCredit(ctx, credit)
		return err
	})
	return added, err
}

// RemoveHolidayCredits removes every credit dated day and adds it back to
// the balance, returning the removed credits. Unaudited, see ReduceBalance.
func (d *Directory) RemoveHolidayCredits(ctx context.Context, id string, day calendar.Date) (removed []HolidayCredit, err error) {
	const op = "students.removeHolidayCredits"
	_, err = d.withStudent(ctx, op, id, func(tx *StudentTx) error {
		removed, err = tx.RemoveHolidayCredits(ctx, day)
		return err
	})
	return removed, err
}

func (d *Directory) withStudent(ctx context.Context, op, id string, fn func(tx *StudentTx) error) (Student, error) {
	tx, err := d.Lock(ctx, id)
	if err != nil {
		return Student{}, err
	}
	defer tx.Release()
	if err := fn(tx); err != nil {
		return Student{}, err
	}
	return tx.Student(), nil
}

// =============================================================================
// STUDENT TX - A held per-student critical section
// =============================================================================

// StudentTx holds a student's lock. Every write goes through an atomic
// docstore Update with bounded retries, and runs to completion even if the
// caller's context is cancelled once the section has started.
type StudentTx struct {
	dir     *Directory
	id      string
	release func()
	student Student
}

func studentLockKey(id string) string { return "student:" + id }

// Lock acquires the student's lock and loads the student. Waiting for the
// lock honours ctx; the section itself does not.
func (d *Directory) Lock(ctx context.Context, id string) (*StudentTx, error) {
	const op = "students.lock"
	release, err := d.locks.Acquire(ctx, studentLockKey(id))
	if err != nil {
		return nil, classify(op, err)
	}
	tx := &StudentTx{dir: d, id: id, release: release}

	var s Student
	err = d.retry.Retry(detach(ctx), d.logger, "students.get", func() error {
		var err error
		s, err = d.Get(detach(ctx), id)
		return err
	})
	if err != nil {
		release()
		return nil, err
	}
	tx.student = s
	return tx, nil
}

// Release unlocks the student. Safe to call more than once.
func (tx *StudentTx) Release() { tx.release() }

// Student returns the last committed state seen by the section.
func (tx *StudentTx) Student() Student { return tx.student }

// Apply atomically mutates the stored student with fn.
func (tx *StudentTx) Apply(ctx context.Context, op string, fn func(s *Student) error) (Student, error) {
	d := tx.dir
	ctx = detach(ctx)
	var next Student
	err := d.retry.Retry(ctx, d.logger, op, func() error {
		return classify(op, d.store.Update(ctx, StudentsCollection, tx.id, func(current json.RawMessage) (any, error) {
			if current == nil {
				return nil, notFound(op, "student", tx.id)
			}
			var s Student
			if err := docstore.DecodeStrict(current, &s); err != nil {
				return nil, inconsistent(op, "student %s: %v", tx.id, err)
			}
			if err := fn(&s); err != nil {
				if errors.Is(err, docstore.ErrNoChange) {
					next = s
				}
				return nil, err
			}
			s.UpdatedAt = docstore.At(d.now())
			next = s
			return s, nil
		}))
	})
	if err != nil {
		return Student{}, err
	}
	tx.student = next
	return next, nil
}

// IncreaseBalance adds amount (> 0) to the balance.
func (tx *StudentTx) IncreaseBalance(ctx context.Context, amount decimal.Decimal) (Student, error) {
	const op = "students.increaseBalance"
	if !amount.IsPositive() {
		return Student{}, validationf(op, "amount must be positive, got %s", amount)
	}
	return tx.Apply(ctx, op, func(s *Student) error {
		s.Balance = s.Balance.Add(amount)
		return nil
	})
}

// ReduceBalance subtracts amount (> 0) from the balance.
func (tx *StudentTx) ReduceBalance(ctx context.Context, amount decimal.Decimal) (Student, error) {
	const op = "students.reduceBalance"
	if !amount.IsPositive() {
		return Student{}, validationf(op, "amount must be positive, got %s", amount)
	}
	return tx.Apply(ctx, op, func(s *Student) error {
		s.Balance = s.Balance.Sub(amount)
		return nil
	})
}

// AdjustBalance applies a signed delta; zero is a no-op.
func (tx *StudentTx) AdjustBalance(ctx context.Context, delta decimal.Decimal) (Student, error) {
	switch {
	case delta.IsPositive():
		return tx.IncreaseBalance(ctx, delta)
	case delta.IsNegative():
		return tx.ReduceBalance(ctx, delta.Neg())
	}
	return tx.student, nil
}

// AddHolidayCredit appends credit and reduces the balance by its amount.
func (tx *StudentTx) AddHolidayCredit(ctx context.Context, credit HolidayCredit) (added bool, err error) {
	const op = "students.addHolidayCredit"
	switch {
	case !credit.Amount.IsPositive():
		return false, validationf(op, "credit amount must be positive, got %s", credit.Amount)
	case !credit.SourceKind.Valid():
		return false, validationf(op, "unknown credit source %q", credit.SourceKind)
	case credit.SourceID == "":
		return false, validationf(op, "credit sourceId is required")
	case !credit.Date.Valid():
		return false, validationf(op, "invalid credit date %s", credit.Date)
	}
	if credit.ID == "" {
		credit.ID = uuid.NewString()
	}
	if credit.CreatedAt.IsZero() {
		credit.CreatedAt = docstore.At(tx.dir.now())
	}

	_, err = tx.Apply(ctx, op, func(s *Student) error {
		added = false
		if s.HasCredit(credit.SourceID) {
			return docstore.ErrNoChange
		}
		s.HolidayCredits = append(s.HolidayCredits, credit)
		s.Balance = s.Balance.Sub(credit.Amount)
		added = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return added, nil
}

// RemoveHolidayCredits drops every credit dated day and restores the balance.
func (tx *StudentTx) RemoveHolidayCredits(ctx context.Context, day calendar.Date) (removed []HolidayCredit, err error) {
	const op = "students.removeHolidayCredits"
	_, err = tx.Apply(ctx, op, func(s *Student) error {
		removed = removed[:0]
		kept := make([]HolidayCredit, 0, len(s.HolidayCredits))
		for _, c := range s.HolidayCredits {
			if c.Date.Equal(day) {
				removed = append(removed, c)
				s.Balance = s.Balance.Add(c.Amount)
				continue
			}
			kept = append(kept, c)
		}
		if len(removed) == 0 {
			return docstore.ErrNoChange
		}
		s.HolidayCredits = kept
		return nil
	})
	if err != nil {
		return nil, err
	}
	return removed, nil
}

// detach keeps ctx values but drops its cancellation: a started critical
// section runs to completion.
func detach(ctx context.Context) context.Context {
	return context.WithoutCancel(ctx)
}

// requireEnrolled rejects students outside the eligible set.
func requireEnrolled(op string, s Student) error {
	if s.EnrollmentStatus != EnrollmentEnrolled {
		return &Error{
			Kind:    KindValidationFailed,
			Op:      op,
			Message: fmt.Sprintf("student %s is %s, not enrolled", s.ID, s.EnrollmentStatus),
			Details: map[string]any{"studentId": s.ID, "enrollmentStatus": s.EnrollmentStatus},
		}
	}
	return nil
}
