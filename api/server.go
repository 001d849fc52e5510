/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     Request logging
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. Metrics:    Prometheus request counters
  5. CORS:       Cross-origin requests for the frontend
  6. Auth:       Bearer token -> principal (anonymous when absent)

ROUTE GROUPS:
  /api/auth/*           Sign up, sign in, sign out, current principal
  /api/students/{id}/*  Readable by admins and the linked student
  /api/*                Everything else requires the admin role
  /healthz              Liveness
  /metrics              Prometheus

SEE ALSO:
  - handlers.go, holiday_handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/warp/studio-ledger/auth"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, m *Metrics, allowedOrigins []string) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	if m != nil {
		r.Use(m.Middleware)
	}
	if len(allowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   allowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
			ExposedHeaders:   []string{"X-Request-Id"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}

	r.Get("/healthz", h.Health)
	if m != nil {
		r.Method(http.MethodGet, "/metrics", m.Handler())
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(h.Auth.Middleware(h.writeError))

		// Auth routes
		r.Route("/auth", func(r chi.Router) {
			r.Post("/signup", h.SignUp)
			r.Post("/signin", h.SignIn)
			r.Post("/signout", h.SignOut)
			r.Get("/me", h.Me)
		})

		// Student self-service: ownership is checked per handler
		r.Route("/students/{id}", func(r chi.Router) {
			r.Get("/", h.GetStudent)
			r.Get("/credits", h.GetHolidayCredits)
			r.Get("/payments", h.GetStudentPayments)
			r.Get("/attendance", h.GetStudentAttendance)
			r.Get("/ledger", h.GetStudentLedger)

			r.With(auth.Admin(h.writeError)).Patch("/", h.UpdateStudent)
			r.With(auth.Admin(h.writeError)).Put("/status", h.SetStudentStatus)
		})

		// Admin routes
		r.Group(func(r chi.Router) {
			r.Use(auth.Admin(h.writeError))

			r.Route("/users", func(r chi.Router) {
				r.Post("/", h.RegisterUser)
				r.Put("/{id}/role", h.SetRole)
			})

			r.Get("/students", h.ListStudents)
			r.Post("/students", h.CreateStudent)

			r.Route("/attendance/{date}", func(r chi.Router) {
				r.Get("/", h.GetAttendanceDay)
				r.Post("/bulk", h.BulkMarkAttendance)
				r.Put("/{studentId}", h.MarkAttendance)
			})

			r.Route("/payments", func(r chi.Router) {
				r.Get("/", h.ListPayments)
				r.Post("/", h.CreatePayment)
				r.Get("/{id}", h.GetPayment)
			})

			r.Route("/holidays", func(r chi.Router) {
				r.Get("/", h.ListHolidays)
				r.Get("/{date}/impact", h.AnalyzeHoliday)
				r.Get("/{date}/warning", h.HolidayWarning)
				r.Post("/{date}", h.ApplyHoliday)
				r.Post("/{date}/revert", h.RevertHoliday)
			})

			r.Route("/expenses", func(r chi.Router) {
				r.Get("/", h.ListExpenses)
				r.Post("/", h.CreateExpense)
				r.Get("/{id}", h.GetExpense)
			})

			r.Route("/reports", func(r chi.Router) {
				r.Get("/monthly", h.MonthlyReport)
				r.Get("/cumulative", h.CumulativeReport)
				r.Get("/fee-year", h.FeeYearReport)
			})
			r.Get("/calendar/fee-year", h.FeeYear)

			r.Route("/audit", func(r chi.Router) {
				r.Get("/", h.QueryAudit)
				r.Post("/flush", h.FlushAudit)
			})
		})
	})

	return r
}
