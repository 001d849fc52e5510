/*
handlers_test.go - HTTP tests for the studio ledger API

Tests for:
- Authentication and the admin / own-student guards
- Attendance marks, bulk marks and 207 partial results
- Holiday warning, unconfirmed apply (428), apply and revert
- Error kind to status mapping
- Reports, audit paging and metrics exposure
*/
package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/studio-ledger/api"
	"github.com/warp/studio-ledger/auth"
	"github.com/warp/studio-ledger/calendar"
	"github.com/warp/studio-ledger/holiday"
	"github.com/warp/studio-ledger/reconcile"
	"github.com/warp/studio-ledger/report"
	"github.com/warp/studio-ledger/school"
	"github.com/warp/studio-ledger/school/schooltest"
	"golang.org/x/crypto/bcrypt"
)

type testServer struct {
	*schooltest.Fixture
	srv     *httptest.Server
	auth    *auth.Service
	metrics *api.Metrics
	admin   string // bearer token
}

func newServer(t *testing.T) *testServer {
	t.Helper()
	f := schooltest.New(t)
	ctx := context.Background()

	cal, err := calendar.NewService(time.UTC, calendar.Anchor{Month: time.August, Day: 13})
	require.NoError(t, err)
	hs, err := holiday.New(f.Store, holiday.Rules{ClosedWeekdays: []time.Weekday{time.Sunday}}, nil)
	require.NoError(t, err)
	require.NoError(t, hs.Load(ctx))
	authn, err := auth.New(f.Store, auth.Config{
		Secret:     []byte(strings.Repeat("k", 32)),
		BcryptCost: bcrypt.MinCost,
		Clock:      f.Clock.Now,
	})
	require.NoError(t, err)

	m := api.NewMetrics()
	h := api.NewHandler(f.Svc, hs, reconcile.New(f.Svc, hs), report.New(f.Svc, cal), authn, cal, nil)
	srv := httptest.NewServer(api.NewRouter(h, m, nil))
	t.Cleanup(srv.Close)

	_, _, err = authn.EnsureAdmin(ctx, "root@studio.test", "password1")
	require.NoError(t, err)
	sess, err := authn.SignIn(ctx, "root@studio.test", "password1")
	require.NoError(t, err)
	return &testServer{Fixture: f, srv: srv, auth: authn, metrics: m, admin: sess.Token}
}

func (s *testServer) do(t *testing.T, method, path, token string, body any) (*http.Response, []byte) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, s.srv.URL+path, rd)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, out
}

func decodeInto[T any](t *testing.T, raw []byte) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	return out
}

// studentSession creates a student identity linked to student id.
func (s *testServer) studentSession(t *testing.T, id string) string {
	t.Helper()
	ctx := context.Background()
	sess, err := s.auth.SignUp(ctx, id+"@studio.test", "password1")
	require.NoError(t, err)
	_, err = s.Svc.Students.Create(ctx, school.NewStudent{
		ID: id, FirstName: "Student " + id, UserID: sess.User.ID, EnrollmentStatus: school.EnrollmentEnrolled,
	})
	require.NoError(t, err)
	return sess.Token
}

// =============================================================================
// AUTH
// =============================================================================

func TestAuth_SignUpSignInAndMe(t *testing.T) {
	s := newServer(t)

	resp, body := s.do(t, http.MethodPost, "/api/auth/signup", "", api.CredentialsRequest{Email: "new@studio.test", Password: "password1"})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))

	resp, body = s.do(t, http.MethodPost, "/api/auth/signin", "", api.CredentialsRequest{Email: "new@studio.test", Password: "password1"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	sess := decodeInto[auth.Session](t, body)

	resp, body = s.do(t, http.MethodGet, "/api/auth/me", sess.Token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, auth.RoleStudent, decodeInto[api.PrincipalDTO](t, body).Role)

	resp, _ = s.do(t, http.MethodPost, "/api/auth/signin", "", api.CredentialsRequest{Email: "new@studio.test", Password: "nope-nope"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = s.do(t, http.MethodPost, "/api/auth/signout", sess.Token, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp, _ = s.do(t, http.MethodGet, "/api/auth/me", sess.Token, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestAuth_AdminRoutesAreGuarded(t *testing.T) {
	s := newServer(t)
	student := s.studentSession(t, "A")

	resp, _ := s.do(t, http.MethodGet, "/api/students", "", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode, "anonymous")
	resp, _ = s.do(t, http.MethodGet, "/api/students", student, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode, "student")
	resp, _ = s.do(t, http.MethodGet, "/api/students", s.admin, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode, "admin")
}

func TestAuth_AdminRegistersWithoutSession(t *testing.T) {
	s := newServer(t)

	resp, body := s.do(t, http.MethodPost, "/api/users", s.admin, api.RegisterUserRequest{Email: "kid@studio.test", Password: "password1"})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	id := decodeInto[auth.Identity](t, body)
	assert.NotContains(t, string(body), "token")

	// The admin's own session is untouched.
	resp, body = s.do(t, http.MethodGet, "/api/auth/me", s.admin, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, auth.RoleAdmin, decodeInto[api.PrincipalDTO](t, body).Role)

	resp, _ = s.do(t, http.MethodPut, "/api/users/"+id.ID+"/role", s.admin, api.SetRoleRequest{Role: auth.RoleAdmin})
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	role, err := s.auth.GetRole(context.Background(), id.ID)
	require.NoError(t, err)
	assert.Equal(t, auth.RoleAdmin, role)
}

func TestStudents_OwnRecordOnly(t *testing.T) {
	// GIVEN: Two students, each linked to an identity
	s := newServer(t)
	tokenA := s.studentSession(t, "A")
	s.studentSession(t, "B")

	// THEN: A reads its own ledger but not B's
	resp, body := s.do(t, http.MethodGet, "/api/students/A/ledger?start=2025-05-01&end=2025-05-31", tokenA, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	resp, _ = s.do(t, http.MethodGet, "/api/students/B", tokenA, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp, _ = s.do(t, http.MethodGet, "/api/students/missing", tokenA, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode, "existence is not leaked")

	// AND: Students cannot change their profile
	resp, _ = s.do(t, http.MethodPatch, "/api/students/A", tokenA, map[string]any{"firstName": "Hacker"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	// AND: Admins see everyone
	resp, _ = s.do(t, http.MethodGet, "/api/students/B/credits", s.admin, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = s.do(t, http.MethodGet, "/api/students/missing", s.admin, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

// =============================================================================
// ATTENDANCE
// =============================================================================

func TestAttendance_MarkAndReadDay(t *testing.T) {
	s := newServer(t)
	resp, body := s.do(t, http.MethodPost, "/api/students", s.admin, school.NewStudent{ID: "A", FirstName: "Ana", EnrollmentStatus: school.EnrollmentEnrolled})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))

	resp, body = s.do(t, http.MethodPut, "/api/attendance/2025-05-05/A", s.admin, api.MarkRequest{
		Status: school.StatusPresent, Attributes: []school.Attribute{school.AttributeLate},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	res := decodeInto[school.MarkResult](t, body)
	assert.Equal(t, "1", res.NewFee.String())
	assert.Equal(t, "1", res.Balance.String())

	resp, body = s.do(t, http.MethodGet, "/api/attendance/2025-05-05", s.admin, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	day := decodeInto[map[string]school.AttendanceRecord](t, body)
	assert.Equal(t, school.StatusPresent, day["A"].Status)

	// The mark carries the admin's identity into the audit log.
	evts := s.Events(t)
	require.NotEmpty(t, evts)
	assert.NotEqual(t, "", evts[0].UserID)
}

func TestAttendance_ErrorStatuses(t *testing.T) {
	s := newServer(t)
	s.Enroll(t, "A")

	tests := []struct {
		name string
		path string
		body any
		code int
	}{
		{"bad date", "/api/attendance/2025-02-30/A", api.MarkRequest{Status: school.StatusAbsent}, http.StatusBadRequest},
		{"unknown status", "/api/attendance/2025-05-05/A", map[string]any{"status": "asleep"}, http.StatusBadRequest},
		{"unknown field", "/api/attendance/2025-05-05/A", map[string]any{"status": "absent", "fee": 0}, http.StatusBadRequest},
		{"unknown student", "/api/attendance/2025-05-05/Z", api.MarkRequest{Status: school.StatusAbsent}, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := s.do(t, http.MethodPut, tt.path, s.admin, tt.body)
			assert.Equal(t, tt.code, resp.StatusCode, string(body))
			assert.NotEmpty(t, decodeInto[api.ErrorResponse](t, body).Error)
		})
	}
}

func TestAttendance_BulkPartialIs207(t *testing.T) {
	// GIVEN: One enrolled student and one unknown id
	s := newServer(t)
	s.Enroll(t, "A")

	// WHEN: Bulk marking both absent
	resp, body := s.do(t, http.MethodPost, "/api/attendance/2025-05-05/bulk", s.admin, api.BulkMarkRequest{
		StudentIDs: []string{"A", "ghost"}, Status: school.StatusAbsent,
	})

	// THEN: 207 with the succeeded and failed subsets
	require.Equal(t, http.StatusMultiStatus, resp.StatusCode, string(body))
	var partial struct {
		Result api.BulkMarkResponse `json:"result"`
		Error  api.ErrorResponse    `json:"error"`
	}
	require.NoError(t, json.Unmarshal(body, &partial))
	require.Len(t, partial.Result.Results, 1)
	assert.Equal(t, []string{"A"}, partial.Error.Succeeded)
	assert.Contains(t, partial.Error.Failed, "ghost")

	// AND: An all-failed batch with one cause answers with that cause
	resp, _ = s.do(t, http.MethodPost, "/api/attendance/2025-05-05/bulk", s.admin, api.BulkMarkRequest{
		StudentIDs: []string{"ghost"}, Status: school.StatusAbsent,
	})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

// =============================================================================
// HOLIDAYS
// =============================================================================

func TestHolidays_WarnConfirmApplyRevert(t *testing.T) {
	// GIVEN: A absent on 2025-05-02
	s := newServer(t)
	s.Enroll(t, "A")
	resp, _ := s.do(t, http.MethodPut, "/api/attendance/2025-05-02/A", s.admin, api.MarkRequest{Status: school.StatusAbsent})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// WHEN: Asking for the warning
	resp, body := s.do(t, http.MethodGet, "/api/holidays/2025-05-02/warning?name=Labour%20Day", s.admin, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	warn := decodeInto[api.WarningDTO](t, body)
	assert.False(t, warn.Safe)
	require.Len(t, warn.Lines, 1)

	// THEN: Applying without confirmation is refused with 428 and no change
	resp, _ = s.do(t, http.MethodPost, "/api/holidays/2025-05-02", s.admin, api.HolidayChangeRequest{Name: "Labour Day"})
	assert.Equal(t, http.StatusPreconditionRequired, resp.StatusCode)
	assert.Equal(t, "5", s.Student(t, "A").Balance.String())

	// AND: Applying with confirmation refunds the fee
	resp, body = s.do(t, http.MethodPost, "/api/holidays/2025-05-02", s.admin, api.HolidayChangeRequest{Name: "Labour Day", Confirmed: true})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	res := decodeInto[reconcile.Result](t, body)
	assert.True(t, res.Success)
	assert.Equal(t, "5", res.TotalCreditsIssued.String())
	assert.True(t, s.Student(t, "A").Balance.IsZero())

	resp, body = s.do(t, http.MethodGet, "/api/holidays?start=2025-05-01&end=2025-05-31", s.admin, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	names := map[string]string{}
	for _, d := range decodeInto[[]holiday.Holiday](t, body) {
		names[d.Date.Key()] = d.Name
	}
	assert.Equal(t, "Labour Day", names["2025-05-02"])
	assert.Contains(t, names, "2025-05-04", "Sundays are closed")

	// AND: Reverting restores it
	resp, body = s.do(t, http.MethodPost, "/api/holidays/2025-05-02/revert", s.admin, api.HolidayChangeRequest{Confirmed: true})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.Equal(t, "5", s.Student(t, "A").Balance.String())
}

// =============================================================================
// PAYMENTS, REPORTS, AUDIT, METRICS
// =============================================================================

func TestPayments_CreateIsIdempotentByID(t *testing.T) {
	s := newServer(t)
	s.Enroll(t, "A")
	p := map[string]any{"id": "pay-1", "studentId": "A", "amount": "3", "date": "2025-05-05", "paymentMethod": "cash"}

	resp, body := s.do(t, http.MethodPost, "/api/payments", s.admin, p)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	resp, _ = s.do(t, http.MethodPost, "/api/payments", s.admin, p)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "-3", s.Student(t, "A").Balance.String())

	resp, body = s.do(t, http.MethodGet, "/api/payments?start=2025-05-01&end=2025-05-31", s.admin, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decodeInto[[]school.Payment](t, body), 1)

	resp, _ = s.do(t, http.MethodGet, "/api/payments?start=2025-06-01&end=2025-05-01", s.admin, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestReports_Monthly(t *testing.T) {
	s := newServer(t)
	s.Enroll(t, "A")
	s.do(t, http.MethodPut, "/api/attendance/2025-05-05/A", s.admin, api.MarkRequest{Status: school.StatusAbsent})

	resp, body := s.do(t, http.MethodGet, "/api/reports/monthly?year=2025&month=5", s.admin, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	rep := decodeInto[report.Report](t, body)
	assert.Equal(t, "5", rep.FeesCharged.String())
	assert.Equal(t, "5", rep.PendingFees.String())

	resp, _ = s.do(t, http.MethodGet, "/api/reports/monthly?year=2025&month=13", s.admin, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = s.do(t, http.MethodGet, "/api/reports/fee-year", s.admin, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "2024-08-13", decodeInto[report.Cumulative](t, body).Range.Start.Key())
}

func TestAudit_QueryAndFlush(t *testing.T) {
	s := newServer(t)
	s.Enroll(t, "A")
	for _, d := range []string{"2025-05-05", "2025-05-06", "2025-05-07"} {
		s.do(t, http.MethodPut, "/api/attendance/"+d+"/A", s.admin, api.MarkRequest{Status: school.StatusAbsent})
	}

	resp, body := s.do(t, http.MethodGet, "/api/audit?type=ATTENDANCE_CHANGE&limit=2", s.admin, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	page := decodeInto[[]school.AuditEvent](t, body)
	require.Len(t, page, 2)

	resp, body = s.do(t, http.MethodGet, "/api/audit?type=ATTENDANCE_CHANGE&limit=2&after="+page[1].ID, s.admin, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decodeInto[[]school.AuditEvent](t, body), 1)

	resp, _ = s.do(t, http.MethodGet, "/api/audit?type=BOGUS", s.admin, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = s.do(t, http.MethodPost, "/api/audit/flush", s.admin, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"flushed":0,"pending":0}`, string(body))
}

func TestMetrics_Exposed(t *testing.T) {
	s := newServer(t)
	s.Enroll(t, "A")
	_, err := s.Svc.Marks.Mark(context.Background(), school.MarkRequest{
		Date: calendar.MustParseDate("2025-05-05"), StudentID: "A", Status: school.StatusAbsent, AdminID: "admin",
	})
	require.NoError(t, err)

	resp, _ := s.do(t, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := s.do(t, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `studio_http_requests_total{method="GET",route="/healthz",status="200"} 1`)
}

func TestMetrics_ObserverCounters(t *testing.T) {
	m := api.NewMetrics()
	rec := httptest.NewRecorder()
	m.AttendanceMarked(school.StatusAbsent, school.DefaultFeeSchedule().Absent)
	m.AuditQueueDepth(3)
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Contains(t, rec.Body.String(), `studio_attendance_marks_total{status="absent"} 1`)
	assert.Contains(t, rec.Body.String(), `studio_fee_adjustments_total{direction="charge"} 5`)
	assert.Contains(t, rec.Body.String(), "studio_audit_queue_depth 3")
}
