/*
errors.go - Closed error taxonomy of the school domain

PURPOSE:
  Every service error maps to exactly one Kind. Callers branch with
  errors.Is(err, school.ErrNotFound) or KindOf(err); the HTTP layer maps
  kinds onto status codes.

KINDS:
  NotFound                  referenced student/payment/record does not exist
  ValidationFailed          rejected at the boundary, before any write
  UnconfirmedHolidayChange  holiday apply/revert without confirmation
  ConcurrencyConflict       lost update on a balance read-modify-write
  Transient                 persistence failure worth retrying
  PermissionDenied          caller lacks the admin role
  Inconsistent              an invariant would be violated; never recovered

BULK OPERATIONS:
  BulkError carries the succeeded and failed subsets so the caller can retry
  only the failed ids.

SEE ALSO:
  - retry.go: Retries Transient and ConcurrencyConflict
  - api/handlers.go: Kind -> HTTP status
*/
package school

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/warp/studio-ledger/calendar"
	"github.com/warp/studio-ledger/docstore"
	"github.com/warp/studio-ledger/holiday"
)

// Kind classifies an error.
type Kind string

const (
	KindNotFound            Kind = "NotFound"
	KindValidationFailed    Kind = "ValidationFailed"
	KindUnconfirmedHoliday  Kind = "UnconfirmedHolidayChange"
	KindConcurrencyConflict Kind = "ConcurrencyConflict"
	KindTransient           Kind = "Transient"
	KindPermissionDenied    Kind = "PermissionDenied"
	KindInconsistent        Kind = "Inconsistent"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrNotFound            = errors.New("not found")
	ErrValidationFailed    = errors.New("validation failed")
	ErrUnconfirmedHoliday  = errors.New("holiday change not confirmed")
	ErrConcurrencyConflict = errors.New("concurrency conflict")
	ErrTransient           = errors.New("transient failure")
	ErrPermissionDenied    = errors.New("permission denied")
	ErrInconsistent        = errors.New("invariant violation")
)

var sentinels = map[Kind]error{
	KindNotFound:            ErrNotFound,
	KindValidationFailed:    ErrValidationFailed,
	KindUnconfirmedHoliday:  ErrUnconfirmedHoliday,
	KindConcurrencyConflict: ErrConcurrencyConflict,
	KindTransient:           ErrTransient,
	KindPermissionDenied:    ErrPermissionDenied,
	KindInconsistent:        ErrInconsistent,
}

// =============================================================================
// STRUCTURED ERRORS
// =============================================================================

// Error is a classified domain error.
type Error struct {
	Kind    Kind
	Op      string // operation, e.g. "attendance.mark"
	Message string
	Details map[string]any
	Err     error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	if e.Message != "" {
		b.WriteString(e.Message)
	} else {
		b.WriteString(sentinels[e.Kind].Error())
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the sentinel of the error's kind.
func (e *Error) Is(target error) bool {
	return target != nil && sentinels[e.Kind] == target
}

// NewError builds a classified error.
func NewError(kind Kind, op, message string, err error) *Error {
	return &Error{Kind: kind, Op: op, Message: message, Err: err}
}

func validationf(op, format string, args ...any) *Error {
	return NewError(KindValidationFailed, op, fmt.Sprintf(format, args...), nil)
}

func notFound(op, what, id string) *Error {
	return &Error{Kind: KindNotFound, Op: op, Message: what + " " + id + " not found", Details: map[string]any{"id": id}}
}

func inconsistent(op, format string, args ...any) *Error {
	return NewError(KindInconsistent, op, fmt.Sprintf(format, args...), nil)
}

// classify wraps err with op, keeping an existing classification.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	var bulk *BulkError
	if errors.As(err, &bulk) {
		return err
	}
	if k := KindOf(err); k != "" {
		return NewError(k, op, "", err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// Wrap classifies err for callers outside the package.
func Wrap(op string, err error) error { return classify(op, err) }

// KindOf returns the kind of err, or "" when err is unclassified.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	for k, s := range sentinels {
		if errors.Is(err, s) {
			return k
		}
	}
	switch {
	case errors.Is(err, docstore.ErrNotFound):
		return KindNotFound
	case errors.Is(err, docstore.ErrTransient), errors.Is(err, context.DeadlineExceeded):
		return KindTransient
	case errors.Is(err, docstore.ErrConflict):
		return KindConcurrencyConflict
	case errors.Is(err, calendar.ErrInvalidDate), errors.Is(err, holiday.ErrInvalidName):
		return KindValidationFailed
	}
	return ""
}

// IsRetryable reports whether err may succeed on retry.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindTransient, KindConcurrencyConflict:
		return true
	}
	return false
}

// =============================================================================
// BULK ERRORS
// =============================================================================

// BulkError reports a bulk operation that completed for only some ids.
type BulkError struct {
	Op        string
	Succeeded []string
	Failed    map[string]error
}

func (e *BulkError) Error() string {
	return fmt.Sprintf("%s: %d of %d failed: %s", e.Op, len(e.Failed), len(e.Failed)+len(e.Succeeded),
		strings.Join(e.FailedIDs(), ", "))
}

// FailedIDs returns the failed ids in sorted order.
func (e *BulkError) FailedIDs() []string {
	ids := make([]string, 0, len(e.Failed))
	for id := range e.Failed {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (e *BulkError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failed))
	for _, id := range e.FailedIDs() {
		errs = append(errs, e.Failed[id])
	}
	return errs
}
