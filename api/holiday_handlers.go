package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/warp/studio-ledger/auth"
	"github.com/warp/studio-ledger/calendar"
	"github.com/warp/studio-ledger/holiday"
	"github.com/warp/studio-ledger/school"
)

// =============================================================================
// HOLIDAY ENDPOINTS
// =============================================================================

// ListHolidays returns the holidays in ?start&end (default: current fee year).
// GET /api/holidays
func (h *Handler) ListHolidays(w http.ResponseWriter, r *http.Request) {
	rng, err := h.rangeParam(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	days := h.Holidays.ListHolidays(rng)
	if days == nil {
		days = []holiday.Holiday{}
	}
	writeJSON(w, http.StatusOK, days)
}

// AnalyzeHoliday returns what declaring {date} a holiday would change.
// GET /api/holidays/{date}/impact?name=
func (h *Handler) AnalyzeHoliday(w http.ResponseWriter, r *http.Request) {
	d, err := dateParam(r, "date")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	report, err := h.Engine.AnalyzeImpact(r.Context(), d, r.URL.Query().Get("name"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// HolidayWarning returns the confirmation text for {date}.
// GET /api/holidays/{date}/warning?name=
func (h *Handler) HolidayWarning(w http.ResponseWriter, r *http.Request) {
	d, err := dateParam(r, "date")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	warn, err := h.Engine.Warning(r.Context(), d, r.URL.Query().Get("name"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, WarningDTO{
		Title: warn.Title,
		Lines: warn.Lines,
		Text:  warn.Text(),
		Safe:  !warn.Report.HasImpact,
	})
}

// ApplyHoliday declares {date} a holiday and reconciles it.
// POST /api/holidays/{date}
func (h *Handler) ApplyHoliday(w http.ResponseWriter, r *http.Request) {
	d, err := dateParam(r, "date")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var req HolidayChangeRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.Engine.ProcessChange(r.Context(), d, req.Name, auth.FromContext(r.Context()).UserID, req.Confirmed)
	h.writeResult(w, r, res, err)
}

// RevertHoliday removes the holiday on {date} and restores the fees.
// POST /api/holidays/{date}/revert
func (h *Handler) RevertHoliday(w http.ResponseWriter, r *http.Request) {
	d, err := dateParam(r, "date")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var req HolidayChangeRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.Engine.RevertHoliday(r.Context(), d, auth.FromContext(r.Context()).UserID, req.Confirmed)
	h.writeResult(w, r, res, err)
}

// =============================================================================
// REPORT ENDPOINTS
// =============================================================================

// MonthlyReport reports on ?year&month (default: current month).
// GET /api/reports/monthly
func (h *Handler) MonthlyReport(w http.ResponseWriter, r *http.Request) {
	today := h.Calendar.Today(h.Services.Clock())
	year, month := today.Year, today.Month
	q := r.URL.Query()
	if v := q.Get("year"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			h.writeError(w, r, school.NewError(school.KindValidationFailed, "report.monthly", "year must be a number", nil))
			return
		}
		year = n
	}
	if v := q.Get("month"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			h.writeError(w, r, school.NewError(school.KindValidationFailed, "report.monthly", "month must be a number", nil))
			return
		}
		month = time.Month(n)
	}
	rep, err := h.Reports.Monthly(r.Context(), year, month)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

// CumulativeReport reports on ?start&end with a monthly series.
// GET /api/reports/cumulative
func (h *Handler) CumulativeReport(w http.ResponseWriter, r *http.Request) {
	rng, err := h.rangeParam(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	rep, err := h.Reports.Cumulative(r.Context(), rng.Start, rng.End)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

// FeeYearReport reports on the current fee year.
// GET /api/reports/fee-year
func (h *Handler) FeeYearReport(w http.ResponseWriter, r *http.Request) {
	rep, err := h.Reports.FeeYear(r.Context(), h.Services.Clock())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

// FeeYear describes the fee-year window containing ?date (default: today).
// GET /api/calendar/fee-year
func (h *Handler) FeeYear(w http.ResponseWriter, r *http.Request) {
	d := h.Calendar.Today(h.Services.Clock())
	if v := r.URL.Query().Get("date"); v != "" {
		var err error
		if d, err = calendar.ParseDate(v); err != nil {
			h.writeError(w, r, school.Wrap("calendar.feeYear", err))
			return
		}
	}
	writeJSON(w, http.StatusOK, h.Calendar.FeeYearOf(d))
}
