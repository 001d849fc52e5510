/*
dto.go - Request and response bodies of the HTTP API

PURPOSE:
  Wire shapes that are not domain records. Domain records (students,
  attendance records, payments, reports) are serialised as-is.

CONVENTIONS:
  - camelCase JSON fields
  - Dates as "YYYY-MM-DD" strings (calendar.Date)
  - Amounts as decimal strings (shopspring/decimal)
*/
package api

import (
	"github.com/warp/studio-ledger/auth"
	"github.com/warp/studio-ledger/school"
)

// =============================================================================
// AUTH
// =============================================================================

// CredentialsRequest signs up or signs in.
type CredentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// RegisterUserRequest is the admin-only registration of another identity.
type RegisterUserRequest struct {
	Email    string    `json:"email"`
	Password string    `json:"password"`
	Role     auth.Role `json:"role,omitempty"`
}

// SetRoleRequest changes a user's role.
type SetRoleRequest struct {
	Role auth.Role `json:"role"`
}

// PrincipalDTO describes the caller.
type PrincipalDTO struct {
	UserID string    `json:"userId,omitempty"`
	Email  string    `json:"email,omitempty"`
	Role   auth.Role `json:"role"`
}

// =============================================================================
// STUDENTS
// =============================================================================

// SetStatusRequest changes a student's enrollment status.
type SetStatusRequest struct {
	Status school.EnrollmentStatus `json:"status"`
}

// =============================================================================
// ATTENDANCE
// =============================================================================

// MarkRequest marks one student on the day in the URL.
type MarkRequest struct {
	Status     school.Status      `json:"status"`
	Attributes []school.Attribute `json:"attributes,omitempty"`
}

// BulkMarkRequest marks several students with the same status.
type BulkMarkRequest struct {
	StudentIDs []string      `json:"studentIds"`
	Status     school.Status `json:"status"`
}

// BulkMarkResponse lists the applied marks.
type BulkMarkResponse struct {
	Results []school.MarkResult `json:"results"`
}

// =============================================================================
// HOLIDAYS
// =============================================================================

// HolidayChangeRequest applies or reverts a holiday. Confirmed must be true;
// clients show the impact warning first.
type HolidayChangeRequest struct {
	Name      string `json:"name,omitempty"`
	Confirmed bool   `json:"confirmed"`
}

// WarningDTO is the human-readable impact warning.
type WarningDTO struct {
	Title string   `json:"title"`
	Lines []string `json:"lines"`
	Text  string   `json:"text"`
	Safe  bool     `json:"safe"`
}

// =============================================================================
// ERRORS
// =============================================================================

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error     string            `json:"error"`
	Kind      school.Kind       `json:"kind,omitempty"`
	Details   map[string]any    `json:"details,omitempty"`
	Succeeded []string          `json:"succeeded,omitempty"`
	Failed    map[string]string `json:"failed,omitempty"`
}

// PartialResponse is returned with 207 when a bulk operation completed for
// only some students.
type PartialResponse struct {
	Result any           `json:"result"`
	Error  ErrorResponse `json:"error"`
}
