package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"github.com/warp/studio-ledger/school"
)

// Metrics holds the Prometheus collectors. It is the school.Observer of the
// running server.
type Metrics struct {
	registry *prometheus.Registry

	requests       *prometheus.CounterVec
	latency        *prometheus.HistogramVec
	marks          *prometheus.CounterVec
	payments       *prometheus.CounterVec
	paymentAmount  *prometheus.CounterVec
	credits        *prometheus.CounterVec
	creditAmount   *prometheus.CounterVec
	auditQueue     prometheus.Gauge
	feeAdjustments *prometheus.CounterVec
}

var _ school.Observer = (*Metrics)(nil)

// NewMetrics registers the collectors on a fresh registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "studio_http_requests_total",
			Help: "HTTP requests by route, method and status.",
		}, []string{"route", "method", "status"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "studio_http_request_duration_seconds",
			Help:    "HTTP request latency by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
		marks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "studio_attendance_marks_total",
			Help: "Attendance marks applied by status.",
		}, []string{"status"}),
		feeAdjustments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "studio_fee_adjustments_total",
			Help: "Absolute fee change applied by attendance marks, by direction.",
		}, []string{"direction"}),
		payments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "studio_payments_total",
			Help: "Payments recorded by method.",
		}, []string{"method"}),
		paymentAmount: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "studio_payment_amount_total",
			Help: "Sum of recorded payments by method.",
		}, []string{"method"}),
		credits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "studio_holiday_credits_total",
			Help: "Holiday credits issued by source.",
		}, []string{"source"}),
		creditAmount: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "studio_holiday_credit_amount_total",
			Help: "Sum of issued holiday credits by source.",
		}, []string{"source"}),
		auditQueue: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "studio_audit_queue_depth",
			Help: "Audit events waiting to be persisted.",
		}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.requests, m.latency, m.marks, m.feeAdjustments,
		m.payments, m.paymentAmount, m.credits, m.creditAmount, m.auditQueue,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the registry to tests and embedders.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Middleware counts requests by matched route pattern.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		m.requests.WithLabelValues(route, r.Method, strconv.Itoa(status)).Inc()
		m.latency.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

// =============================================================================
// school.Observer
// =============================================================================

func (m *Metrics) AttendanceMarked(status school.Status, delta decimal.Decimal) {
	m.marks.WithLabelValues(string(status)).Inc()
	switch delta.Sign() {
	case 1:
		m.feeAdjustments.WithLabelValues("charge").Add(delta.InexactFloat64())
	case -1:
		m.feeAdjustments.WithLabelValues("refund").Add(delta.Neg().InexactFloat64())
	}
}

func (m *Metrics) PaymentRecorded(method school.PaymentMethod, amount decimal.Decimal) {
	m.payments.WithLabelValues(string(method)).Inc()
	m.paymentAmount.WithLabelValues(string(method)).Add(amount.InexactFloat64())
}

func (m *Metrics) HolidayCreditIssued(kind school.CreditSource, amount decimal.Decimal) {
	m.credits.WithLabelValues(string(kind)).Inc()
	if amount.IsPositive() {
		m.creditAmount.WithLabelValues(string(kind)).Add(amount.InexactFloat64())
	}
}

func (m *Metrics) AuditQueueDepth(n int) { m.auditQueue.Set(float64(n)) }
