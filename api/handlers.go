/*
handlers.go - HTTP API handlers for the studio ledger

PURPOSE:
  Exposes the school domain, the reconciliation engine and the reports via
  REST. Handlers parse the request, call the domain and serialise the
  result; they hold no business rules.

ENDPOINTS:
  Auth:
    POST   /api/auth/signup                   Create a student identity, open a session
    POST   /api/auth/signin                   Open a session
    POST   /api/auth/signout                  Revoke the bearer token
    GET    /api/auth/me                       Current principal
    POST   /api/users                         Register an identity (admin)
    PUT    /api/users/{id}/role               Change a role (admin)

  Students:
    GET    /api/students                      List (?eligible=true for enrolled only)
    POST   /api/students                      Create
    GET    /api/students/{id}                 Profile (admin or the student)
    PATCH  /api/students/{id}                 Update demographics
    PUT    /api/students/{id}/status          Enrollment lifecycle
    GET    /api/students/{id}/credits         Holiday credits
    GET    /api/students/{id}/payments        Payments, newest first
    GET    /api/students/{id}/attendance      Records in ?start&end
    GET    /api/students/{id}/ledger          Chronological ledger in ?start&end

  Attendance:
    GET    /api/attendance/{date}             Records of one day
    PUT    /api/attendance/{date}/{studentId} Mark one student
    POST   /api/attendance/{date}/bulk        Mark several students

  Payments, expenses, audit: see routes in server.go.

ERROR HANDLING:
  Domain error kinds map onto statuses (see statusOf). A bulk operation that
  completed for only some students answers 207 with the partial result.

SEE ALSO:
  - holiday_handlers.go: Holidays and reports
  - dto.go: Request/response shapes
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/warp/studio-ledger/auth"
	"github.com/warp/studio-ledger/calendar"
	"github.com/warp/studio-ledger/holiday"
	"github.com/warp/studio-ledger/reconcile"
	"github.com/warp/studio-ledger/report"
	"github.com/warp/studio-ledger/school"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Services *school.Services
	Holidays *holiday.Service
	Engine   *reconcile.Engine
	Reports  *report.Service
	Auth     *auth.Service
	Calendar *calendar.Service
	Logger   *slog.Logger
}

// NewHandler creates a handler over the wired domain.
func NewHandler(svc *school.Services, holidays *holiday.Service, engine *reconcile.Engine, reports *report.Service,
	authn *auth.Service, cal *calendar.Service, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		Services: svc,
		Holidays: holidays,
		Engine:   engine,
		Reports:  reports,
		Auth:     authn,
		Calendar: cal,
		Logger:   logger,
	}
}

// Health reports liveness.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":       "ok",
		"auditPending": h.Services.Audit.Pending(),
	})
}

// =============================================================================
// AUTH HANDLERS
// =============================================================================

// SignUp creates a student identity and returns its session.
func (h *Handler) SignUp(w http.ResponseWriter, r *http.Request) {
	var req CredentialsRequest
	if !h.decode(w, r, &req) {
		return
	}
	sess, err := h.Auth.SignUp(r.Context(), req.Email, req.Password)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

// SignIn opens a session.
func (h *Handler) SignIn(w http.ResponseWriter, r *http.Request) {
	var req CredentialsRequest
	if !h.decode(w, r, &req) {
		return
	}
	sess, err := h.Auth.SignIn(r.Context(), req.Email, req.Password)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// SignOut revokes the bearer token.
func (h *Handler) SignOut(w http.ResponseWriter, r *http.Request) {
	token, ok := auth.BearerToken(r)
	if !ok {
		h.writeError(w, r, fmt.Errorf("signout: %w", auth.ErrUnauthenticated))
		return
	}
	if err := h.Auth.SignOut(r.Context(), token); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Me returns the current principal.
func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	p := auth.FromContext(r.Context())
	writeJSON(w, http.StatusOK, PrincipalDTO{UserID: p.UserID, Email: p.Email, Role: p.Role})
}

// RegisterUser creates an identity without opening a session for it.
// POST /api/users
func (h *Handler) RegisterUser(w http.ResponseWriter, r *http.Request) {
	var req RegisterUserRequest
	if !h.decode(w, r, &req) {
		return
	}
	id, err := h.Auth.SignUpWithoutSession(r.Context(), auth.FromContext(r.Context()), req.Email, req.Password, req.Role)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, id)
}

// SetRole changes a user's role.
// PUT /api/users/{id}/role
func (h *Handler) SetRole(w http.ResponseWriter, r *http.Request) {
	var req SetRoleRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.Auth.SetRole(r.Context(), auth.FromContext(r.Context()), chi.URLParam(r, "id"), req.Role); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// STUDENT HANDLERS
// =============================================================================

// ListStudents returns every student, or the enrolled ones with ?eligible=true.
func (h *Handler) ListStudents(w http.ResponseWriter, r *http.Request) {
	var (
		students []school.Student
		err      error
	)
	if r.URL.Query().Get("eligible") == "true" {
		students, err = h.Services.Marks.EligibleStudents(r.Context())
	} else {
		students, err = h.Services.Students.List(r.Context())
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, students)
}

// CreateStudent enrolls a new student.
func (h *Handler) CreateStudent(w http.ResponseWriter, r *http.Request) {
	var req school.NewStudent
	if !h.decode(w, r, &req) {
		return
	}
	st, err := h.Services.Students.Create(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, st)
}

// GetStudent returns one student.
func (h *Handler) GetStudent(w http.ResponseWriter, r *http.Request) {
	st, ok := h.ownStudent(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// UpdateStudent changes demographic fields.
func (h *Handler) UpdateStudent(w http.ResponseWriter, r *http.Request) {
	var req school.ProfileUpdate
	if !h.decode(w, r, &req) {
		return
	}
	st, err := h.Services.Students.UpdateProfile(r.Context(), chi.URLParam(r, "id"), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// SetStudentStatus moves a student through the enrollment lifecycle.
func (h *Handler) SetStudentStatus(w http.ResponseWriter, r *http.Request) {
	var req SetStatusRequest
	if !h.decode(w, r, &req) {
		return
	}
	st, err := h.Services.Students.SetStatus(r.Context(), chi.URLParam(r, "id"), req.Status)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// GetHolidayCredits lists a student's credits.
func (h *Handler) GetHolidayCredits(w http.ResponseWriter, r *http.Request) {
	st, ok := h.ownStudent(w, r)
	if !ok {
		return
	}
	credits := st.HolidayCredits
	if credits == nil {
		credits = []school.HolidayCredit{}
	}
	writeJSON(w, http.StatusOK, credits)
}

// GetStudentPayments lists a student's payments, newest first.
func (h *Handler) GetStudentPayments(w http.ResponseWriter, r *http.Request) {
	st, ok := h.ownStudent(w, r)
	if !ok {
		return
	}
	payments, err := h.Services.Payments.GetByStudent(r.Context(), st.ID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, payments)
}

// GetStudentAttendance lists a student's records in ?start&end.
func (h *Handler) GetStudentAttendance(w http.ResponseWriter, r *http.Request) {
	st, ok := h.ownStudent(w, r)
	if !ok {
		return
	}
	rng, err := h.rangeParam(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	records, err := h.Services.Attendance.GetByStudent(r.Context(), st.ID, rng)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

// GetStudentLedger returns the chronological ledger in ?start&end.
func (h *Handler) GetStudentLedger(w http.ResponseWriter, r *http.Request) {
	st, ok := h.ownStudent(w, r)
	if !ok {
		return
	}
	rng, err := h.rangeParam(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	l, err := h.Reports.StudentLedger(r.Context(), st.ID, rng)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, l)
}

// ownStudent loads the student in the URL. Admins see every student;
// students only the one linked to their identity.
func (h *Handler) ownStudent(w http.ResponseWriter, r *http.Request) (school.Student, bool) {
	p := auth.FromContext(r.Context())
	st, err := h.Services.Students.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if !p.IsAdmin() && errors.Is(err, school.ErrNotFound) {
			err = school.NewError(school.KindPermissionDenied, "students.get", "not your student record", nil)
		}
		h.writeError(w, r, err)
		return school.Student{}, false
	}
	if !p.IsAdmin() && (p.UserID == "" || st.UserID != p.UserID) {
		h.writeError(w, r, school.NewError(school.KindPermissionDenied, "students.get", "not your student record", nil))
		return school.Student{}, false
	}
	return st, true
}

// =============================================================================
// ATTENDANCE HANDLERS
// =============================================================================

// GetAttendanceDay returns the records of one day.
func (h *Handler) GetAttendanceDay(w http.ResponseWriter, r *http.Request) {
	d, err := dateParam(r, "date")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	records, err := h.Services.Attendance.GetByDate(r.Context(), d)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

// MarkAttendance marks one student.
// PUT /api/attendance/{date}/{studentId}
func (h *Handler) MarkAttendance(w http.ResponseWriter, r *http.Request) {
	d, err := dateParam(r, "date")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var req MarkRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.Services.Marks.Mark(r.Context(), school.MarkRequest{
		Date:       d,
		StudentID:  chi.URLParam(r, "studentId"),
		Status:     req.Status,
		Attributes: req.Attributes,
		AdminID:    auth.FromContext(r.Context()).UserID,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// BulkMarkAttendance marks several students with one status.
// POST /api/attendance/{date}/bulk
func (h *Handler) BulkMarkAttendance(w http.ResponseWriter, r *http.Request) {
	d, err := dateParam(r, "date")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var req BulkMarkRequest
	if !h.decode(w, r, &req) {
		return
	}
	results, err := h.Services.Marks.BulkMark(r.Context(), school.BulkMarkRequest{
		Date:       d,
		StudentIDs: req.StudentIDs,
		Status:     req.Status,
		AdminID:    auth.FromContext(r.Context()).UserID,
	})
	if results == nil {
		results = []school.MarkResult{}
	}
	h.writeResult(w, r, BulkMarkResponse{Results: results}, err)
}

// =============================================================================
// PAYMENT HANDLERS
// =============================================================================

// CreatePayment records a payment. Re-sending a payment with the same id
// returns the stored payment with 200 instead of 201.
func (h *Handler) CreatePayment(w http.ResponseWriter, r *http.Request) {
	var req school.Payment
	if !h.decode(w, r, &req) {
		return
	}
	req.AdminID = auth.FromContext(r.Context()).UserID
	p, created, err := h.Services.Payments.Create(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, p)
}

// ListPayments returns payments in ?start&end, or all payments.
func (h *Handler) ListPayments(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var (
		payments []school.Payment
		err      error
	)
	if q.Get("start") == "" && q.Get("end") == "" {
		payments, err = h.Services.Payments.GetAll(r.Context())
	} else {
		var rng calendar.Range
		if rng, err = h.rangeParam(r); err == nil {
			payments, err = h.Services.Payments.GetByDateRange(r.Context(), rng.Start, rng.End)
		}
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, payments)
}

// GetPayment returns one payment.
func (h *Handler) GetPayment(w http.ResponseWriter, r *http.Request) {
	p, err := h.Services.Payments.GetByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// =============================================================================
// EXPENSE HANDLERS
// =============================================================================

// CreateExpense records a studio expense.
func (h *Handler) CreateExpense(w http.ResponseWriter, r *http.Request) {
	var req school.Expense
	if !h.decode(w, r, &req) {
		return
	}
	req.AdminID = auth.FromContext(r.Context()).UserID
	e, err := h.Services.Expenses.Create(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, e)
}

// ListExpenses returns the expenses in ?start&end.
func (h *Handler) ListExpenses(w http.ResponseWriter, r *http.Request) {
	rng, err := h.rangeParam(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	expenses, err := h.Services.Expenses.ByRange(r.Context(), rng)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, expenses)
}

// GetExpense returns one expense.
func (h *Handler) GetExpense(w http.ResponseWriter, r *http.Request) {
	e, err := h.Services.Expenses.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

// =============================================================================
// AUDIT HANDLERS
// =============================================================================

// QueryAudit pages through audit events, newest first.
// GET /api/audit?entityId=&userId=&type=&from=&to=&limit=&after=
func (h *Handler) QueryAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := school.AuditFilter{
		EntityID: q.Get("entityId"),
		UserID:   q.Get("userId"),
		Type:     school.EventType(q.Get("type")),
		After:    q.Get("after"),
		Limit:    50,
	}
	if f.Type != "" && !f.Type.Valid() {
		h.writeError(w, r, school.NewError(school.KindValidationFailed, "audit.query", fmt.Sprintf("unknown event type %q", f.Type), nil))
		return
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 500 {
			h.writeError(w, r, school.NewError(school.KindValidationFailed, "audit.query", "limit must be 1-500", nil))
			return
		}
		f.Limit = n
	}
	for key, dst := range map[string]*time.Time{"from": &f.From, "to": &f.To} {
		if v := q.Get(key); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				h.writeError(w, r, school.NewError(school.KindValidationFailed, "audit.query", key+" must be RFC 3339", nil))
				return
			}
			*dst = t
		}
	}
	events, err := h.Services.Audit.Query(r.Context(), f)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

// FlushAudit drains the audit retry queue now.
func (h *Handler) FlushAudit(w http.ResponseWriter, r *http.Request) {
	n, err := h.Services.Audit.Drain(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"flushed": n, "pending": h.Services.Audit.Pending()})
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// decode reads a JSON body, rejecting unknown fields.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, out any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		h.writeError(w, r, school.NewError(school.KindValidationFailed, "api.decode", "invalid request body", err))
		return false
	}
	return true
}

// writeResult answers 200 with result, or 207 with the partial result when
// err is a BulkError for some of the ids.
func (h *Handler) writeResult(w http.ResponseWriter, r *http.Request, result any, err error) {
	if err == nil {
		writeJSON(w, http.StatusOK, result)
		return
	}
	var bulk *school.BulkError
	if errors.As(err, &bulk) && len(bulk.Succeeded) > 0 {
		h.Logger.Warn("partial bulk operation", "op", bulk.Op, "failed", bulk.FailedIDs(), "request", middleware.GetReqID(r.Context()))
		writeJSON(w, http.StatusMultiStatus, PartialResponse{Result: result, Error: errorBody(err)})
		return
	}
	h.writeError(w, r, err)
}

// writeError maps err onto a status code and the JSON error body.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusOf(err)
	body := errorBody(err)
	if status == http.StatusInternalServerError {
		h.Logger.Error("request failed", "method", r.Method, "path", r.URL.Path,
			"request", middleware.GetReqID(r.Context()), "error", err)
		if school.KindOf(err) == "" {
			body = ErrorResponse{Error: "internal error"}
		}
	}
	writeJSON(w, status, body)
}

// statusOf returns the HTTP status for err.
func statusOf(err error) int {
	if errors.Is(err, auth.ErrUnauthenticated) {
		return http.StatusUnauthorized
	}
	var bulk *school.BulkError
	if errors.As(err, &bulk) {
		if len(bulk.Succeeded) > 0 {
			return http.StatusMultiStatus
		}
		// Every id failed: use the shared kind, if any.
		var kind school.Kind
		for i, id := range bulk.FailedIDs() {
			k := school.KindOf(bulk.Failed[id])
			if i > 0 && k != kind {
				return http.StatusMultiStatus
			}
			kind = k
		}
		return kindStatus(kind)
	}
	return kindStatus(school.KindOf(err))
}

func kindStatus(k school.Kind) int {
	switch k {
	case school.KindNotFound:
		return http.StatusNotFound
	case school.KindValidationFailed:
		return http.StatusBadRequest
	case school.KindUnconfirmedHoliday:
		return http.StatusPreconditionRequired
	case school.KindConcurrencyConflict:
		return http.StatusConflict
	case school.KindTransient:
		return http.StatusServiceUnavailable
	case school.KindPermissionDenied:
		return http.StatusForbidden
	}
	return http.StatusInternalServerError
}

func errorBody(err error) ErrorResponse {
	body := ErrorResponse{Error: err.Error(), Kind: school.KindOf(err)}
	var e *school.Error
	if errors.As(err, &e) {
		body.Details = e.Details
	}
	var bulk *school.BulkError
	if errors.As(err, &bulk) {
		body.Kind = ""
		body.Succeeded = bulk.Succeeded
		body.Failed = make(map[string]string, len(bulk.Failed))
		for id, ferr := range bulk.Failed {
			body.Failed[id] = ferr.Error()
		}
	}
	return body
}

// dateParam parses a YYYY-MM-DD URL parameter.
func dateParam(r *http.Request, name string) (calendar.Date, error) {
	d, err := calendar.ParseDate(chi.URLParam(r, name))
	if err != nil {
		return calendar.Date{}, school.Wrap("api."+name, err)
	}
	return d, nil
}

// rangeParam parses ?start&end. A missing bound defaults to the current fee
// year's bound.
func (h *Handler) rangeParam(r *http.Request) (calendar.Range, error) {
	const op = "api.range"
	fy := h.Calendar.FeeYearRange(h.Services.Clock())
	q := r.URL.Query()
	start, end := fy.Start, fy.End
	for key, dst := range map[string]*calendar.Date{"start": &start, "end": &end} {
		if v := strings.TrimSpace(q.Get(key)); v != "" {
			d, err := calendar.ParseDate(v)
			if err != nil {
				return calendar.Range{}, school.Wrap(op, err)
			}
			*dst = d
		}
	}
	rng, err := calendar.NewRange(start, end)
	if err != nil {
		return calendar.Range{}, school.Wrap(op, err)
	}
	return rng, nil
}
