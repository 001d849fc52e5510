/*
types.go - Domain records and enumerations of the dance school ledger

PURPOSE:
  Fixed-schema records persisted as documents. Every enumerated field
  rejects unknown values when decoded, and documents are decoded with
  unknown fields rejected (docstore.Document.Decode).

RECORDS:
  Student           students/{id}
  AttendanceRecord  attendance/{YYYY-MM-DD}.records[studentId]
  Payment           payments/{id}
  HolidayCredit     students/{id}.holidayCredits[]
  AuditEvent        auditLogs/{id}
  Expense           expenses/{id}

MONEY:
  All amounts are decimal.Decimal, encoded as JSON strings.
  Balance: positive = the student owes, negative = credit owed to the student.

SEE ALSO:
  - fees.go: FeeSchedule (status, attributes) -> fee
  - errors.go: Error kinds
*/
package school

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
	"github.com/warp/studio-ledger/calendar"
	"github.com/warp/studio-ledger/docstore"
)

// Collection names.
const (
	StudentsCollection   = "students"
	AttendanceCollection = "attendance"
	PaymentsCollection   = "payments"
	AuditCollection      = "auditLogs"
	ExpensesCollection   = "expenses"
)

// =============================================================================
// ENUMERATIONS
// =============================================================================

// EnrollmentStatus of a student. Only Enrolled students are eligible for
// attendance and holiday reconciliation.
type EnrollmentStatus string

const (
	EnrollmentPending  EnrollmentStatus = "pending"
	EnrollmentEnrolled EnrollmentStatus = "enrolled"
	EnrollmentInactive EnrollmentStatus = "inactive"
	EnrollmentFrozen   EnrollmentStatus = "frozen"
)

func (s EnrollmentStatus) Valid() bool {
	switch s {
	case EnrollmentPending, EnrollmentEnrolled, EnrollmentInactive, EnrollmentFrozen:
		return true
	}
	return false
}

func (s *EnrollmentStatus) UnmarshalText(b []byte) error {
	return decodeEnum(b, s, "enrollment status")
}

// Status of an attendance record.
type Status string

const (
	StatusPresent        Status = "present"
	StatusAbsent         Status = "absent"
	StatusMedicalAbsence Status = "medicalAbsence"
	StatusHoliday        Status = "holiday"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPresent, StatusAbsent, StatusMedicalAbsence, StatusHoliday:
		return true
	}
	return false
}

func (s *Status) UnmarshalText(b []byte) error { return decodeEnum(b, s, "attendance status") }

// Attribute qualifies a present mark.
type Attribute string

const (
	AttributeLate         Attribute = "late"
	AttributeNoShoes      Attribute = "noShoes"
	AttributeNotInUniform Attribute = "notInUniform"
)

func (a Attribute) Valid() bool {
	switch a {
	case AttributeLate, AttributeNoShoes, AttributeNotInUniform:
		return true
	}
	return false
}

func (a *Attribute) UnmarshalText(b []byte) error { return decodeEnum(b, a, "attendance attribute") }

// PaymentMethod of a payment.
type PaymentMethod string

const (
	MethodCash     PaymentMethod = "cash"
	MethodCard     PaymentMethod = "card"
	MethodTransfer PaymentMethod = "transfer"
	MethodOther    PaymentMethod = "other"
)

func (m PaymentMethod) Valid() bool {
	switch m {
	case MethodCash, MethodCard, MethodTransfer, MethodOther:
		return true
	}
	return false
}

func (m *PaymentMethod) UnmarshalText(b []byte) error { return decodeEnum(b, m, "payment method") }

// CreditSource is what a holiday credit compensates.
type CreditSource string

const (
	CreditFromAttendance CreditSource = "attendance"
	CreditFromPayment    CreditSource = "payment"
)

func (c CreditSource) Valid() bool {
	return c == CreditFromAttendance || c == CreditFromPayment
}

func (c *CreditSource) UnmarshalText(b []byte) error { return decodeEnum(b, c, "credit source") }

// EventType of an audit event.
type EventType string

const (
	EventAttendanceChange EventType = "ATTENDANCE_CHANGE"
	EventPaymentChange    EventType = "PAYMENT_CHANGE"
	EventFeeChange        EventType = "FEE_CHANGE"
	EventHolidayChange    EventType = "HOLIDAY_CHANGE"
)

func (e EventType) Valid() bool {
	switch e {
	case EventAttendanceChange, EventPaymentChange, EventFeeChange, EventHolidayChange:
		return true
	}
	return false
}

func (e *EventType) UnmarshalText(b []byte) error { return decodeEnum(b, e, "event type") }

type enum interface {
	~string
	Valid() bool
}

func decodeEnum[T enum](b []byte, out *T, what string) error {
	v := T(b)
	if !v.Valid() {
		return fmt.Errorf("%w: unknown %s %q", ErrValidationFailed, what, b)
	}
	*out = v
	return nil
}

// =============================================================================
// ATTRIBUTE SET
// =============================================================================

// AttributeSet is a sorted, duplicate-free set of attributes.
type AttributeSet []Attribute

// NewAttributeSet normalises attrs, rejecting unknown values.
func NewAttributeSet(attrs ...Attribute) (AttributeSet, error) {
	seen := make(map[Attribute]bool, len(attrs))
	out := make(AttributeSet, 0, len(attrs))
	for _, a := range attrs {
		if !a.Valid() {
			return nil, fmt.Errorf("%w: unknown attendance attribute %q", ErrValidationFailed, a)
		}
		if !seen[a] {
			seen[a] = true
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// Has reports whether a is in the set.
func (s AttributeSet) Has(a Attribute) bool {
	for _, x := range s {
		if x == a {
			return true
		}
	}
	return false
}

// Equal compares two normalised sets.
func (s AttributeSet) Equal(o AttributeSet) bool {
	if len(s) != len(o) {
		return false
	}
	for i := range s {
		if s[i] != o[i] {
			return false
		}
	}
	return true
}

func (s AttributeSet) MarshalJSON() ([]byte, error) {
	return json.Marshal([]Attribute(s.orEmpty()))
}

func (s *AttributeSet) UnmarshalJSON(b []byte) error {
	var raw []Attribute
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	set, err := NewAttributeSet(raw...)
	if err != nil {
		return err
	}
	*s = set
	return nil
}

func (s AttributeSet) orEmpty() AttributeSet {
	if s == nil {
		return AttributeSet{}
	}
	return s
}

// =============================================================================
// RECORDS
// =============================================================================

// Student is a person enrolled (or once enrolled) at the studio.
type Student struct {
	ID               string             `json:"id"`
	FirstName        string             `json:"firstName"`
	LastName         string             `json:"lastName"`
	Email            string             `json:"email,omitempty"`
	Phone            string             `json:"phone,omitempty"`
	DateOfBirth      calendar.Date      `json:"dateOfBirth"`
	UserID           string             `json:"userId,omitempty"`
	EnrollmentStatus EnrollmentStatus   `json:"enrollmentStatus"`
	Balance          decimal.Decimal    `json:"balance"`
	HolidayCredits   []HolidayCredit    `json:"holidayCredits"`
	CreatedAt        docstore.Timestamp `json:"createdAt"`
	UpdatedAt        docstore.Timestamp `json:"updatedAt"`
}

// FullName joins first and last name.
func (s Student) FullName() string {
	if s.LastName == "" {
		return s.FirstName
	}
	return s.FirstName + " " + s.LastName
}

// HasCredit reports whether a credit with sourceID was already issued.
func (s Student) HasCredit(sourceID string) bool {
	for _, c := range s.HolidayCredits {
		if c.SourceID == sourceID {
			return true
		}
	}
	return false
}

// HolidayCredit compensates a fee or payment on a day later declared a holiday.
type HolidayCredit struct {
	ID          string             `json:"id"`
	Amount      decimal.Decimal    `json:"amount"`
	Date        calendar.Date      `json:"date"`
	HolidayName string             `json:"holidayName"`
	SourceKind  CreditSource       `json:"sourceKind"`
	SourceID    string             `json:"sourceId"`
	CreatedAt   docstore.Timestamp `json:"createdAt"`
}

// AttendanceRecord is the mark of one student on one day.
type AttendanceRecord struct {
	StudentID  string             `json:"studentId"`
	Date       calendar.Date      `json:"date"`
	Status     Status             `json:"status"`
	Attributes AttributeSet       `json:"attributes"`
	FeeCharged decimal.Decimal    `json:"feeCharged"`
	Revision   int                `json:"revision"`
	MarkedBy   string             `json:"markedBy,omitempty"`
	Timestamp  docstore.Timestamp `json:"timestamp"`
}

// Key is the attendance entity id "YYYY-MM-DD/studentId".
func (r AttendanceRecord) Key() string { return AttendanceKey(r.Date, r.StudentID) }

// SourceID identifies this revision of the record for holiday credits.
func (r AttendanceRecord) SourceID() string {
	return fmt.Sprintf("%s@%d", r.Key(), r.Revision)
}

// AttendanceKey builds the attendance entity id.
func AttendanceKey(d calendar.Date, studentID string) string {
	return d.Key() + "/" + studentID
}

// attendanceDay is the persisted attendance/{YYYY-MM-DD} document.
type attendanceDay struct {
	Date    calendar.Date               `json:"date"`
	Records map[string]AttendanceRecord `json:"records"`
}

// Payment is an append-only receipt of money from a student.
type Payment struct {
	ID            string             `json:"id"`
	StudentID     string             `json:"studentId" validate:"required"`
	Amount        decimal.Decimal    `json:"amount" validate:"gt=0"`
	Date          calendar.Date      `json:"date" validate:"required,daykey"`
	PaymentMethod PaymentMethod      `json:"paymentMethod" validate:"required,oneof=cash card transfer other"`
	Notes         string             `json:"notes,omitempty" validate:"max=500"`
	AdminID       string             `json:"adminId" validate:"required"`
	CreatedAt     docstore.Timestamp `json:"createdAt"`
}

// AuditEvent is one append-only audit entry.
type AuditEvent struct {
	ID        string             `json:"id"`
	Type      EventType          `json:"type"`
	UserID    string             `json:"userId"`
	EntityID  string             `json:"entityId"`
	Timestamp docstore.Timestamp `json:"timestamp"`
	Details   map[string]any     `json:"details,omitempty"`
}

// ExpenseCategory groups studio expenses.
type ExpenseCategory string

const (
	ExpenseRent      ExpenseCategory = "rent"
	ExpenseSalaries  ExpenseCategory = "salaries"
	ExpenseUtilities ExpenseCategory = "utilities"
	ExpenseCostumes  ExpenseCategory = "costumes"
	ExpenseEquipment ExpenseCategory = "equipment"
	ExpenseOther     ExpenseCategory = "other"
)

func (c ExpenseCategory) Valid() bool {
	switch c {
	case ExpenseRent, ExpenseSalaries, ExpenseUtilities, ExpenseCostumes, ExpenseEquipment, ExpenseOther:
		return true
	}
	return false
}

func (c *ExpenseCategory) UnmarshalText(b []byte) error { return decodeEnum(b, c, "expense category") }

// Expense is money spent by the studio, consumed by reports.
type Expense struct {
	ID        string             `json:"id"`
	Date      calendar.Date      `json:"date" validate:"required,daykey"`
	Category  ExpenseCategory    `json:"category" validate:"required,oneof=rent salaries utilities costumes equipment other"`
	Title     string             `json:"title" validate:"required,notblank,max=200"`
	Amount    decimal.Decimal    `json:"amount" validate:"gt=0"`
	Notes     string             `json:"notes,omitempty" validate:"max=500"`
	AdminID   string             `json:"adminId" validate:"required"`
	CreatedAt docstore.Timestamp `json:"createdAt"`
}
