/*
services.go - Composition root of the school domain

PURPOSE:
  Wires the directory, attendance store, payment ledger, audit log and
  attendance service over one docstore.Store, sharing the per-key locks,
  retry policy, clock, logger and metrics observer.

USAGE:
  svc, err := school.New(store, school.Config{Logger: logger})
  res, err := svc.Marks.Mark(ctx, school.MarkRequest{...})

SEE ALSO:
  - reconcile/engine.go: Built on top of Services
*/
package school

import (
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/studio-ledger/docstore"
)

// Observer receives domain measurements. The HTTP layer backs it with
// Prometheus collectors.
type Observer interface {
	AttendanceMarked(status Status, delta decimal.Decimal)
	PaymentRecorded(method PaymentMethod, amount decimal.Decimal)
	HolidayCreditIssued(kind CreditSource, amount decimal.Decimal)
	AuditQueueDepth(n int)
}

type noopObserver struct{}

func (noopObserver) AttendanceMarked(Status, decimal.Decimal)          {}
func (noopObserver) PaymentRecorded(PaymentMethod, decimal.Decimal)    {}
func (noopObserver) HolidayCreditIssued(CreditSource, decimal.Decimal) {}
func (noopObserver) AuditQueueDepth(int)                               {}

// Config holds the policy knobs of the domain.
type Config struct {
	Fees           FeeSchedule
	Retry          RetryPolicy
	AuditQueueSize int
	Logger         *slog.Logger
	Clock          func() time.Time
	Observer       Observer
}

func (c Config) withDefaults() Config {
	if c.Fees == (FeeSchedule{}) {
		c.Fees = DefaultFeeSchedule()
	}
	if c.Retry.MaxAttempts == 0 {
		c.Retry = DefaultRetryPolicy()
	}
	if c.AuditQueueSize <= 0 {
		c.AuditQueueSize = 1024
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	if c.Observer == nil {
		c.Observer = noopObserver{}
	}
	return c
}

// env is the dependency set shared by every component.
type env struct {
	store    docstore.Store
	locks    *Locks
	retry    RetryPolicy
	logger   *slog.Logger
	now      func() time.Time
	observer Observer
}

// Services is the wired school domain.
type Services struct {
	Fees       FeeSchedule
	Students   *Directory
	Attendance *AttendanceStore
	Marks      *AttendanceService
	Payments   *PaymentLedger
	Audit      *AuditLog
	Expenses   *Expenses
	Retry      RetryPolicy
	Logger     *slog.Logger
	Clock      func() time.Time
	Observer   Observer
}

// New wires the domain. The fee schedule is validated here so a bad policy
// fails at boot.
func New(store docstore.Store, cfg Config) (*Services, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Fees.Validate(); err != nil {
		return nil, err
	}

	e := &env{
		store:    store,
		locks:    NewLocks(),
		retry:    cfg.Retry,
		logger:   cfg.Logger,
		now:      cfg.Clock,
		observer: cfg.Observer,
	}
	audit := newAuditLog(e, cfg.AuditQueueSize)
	students := &Directory{env: e}
	records := &AttendanceStore{env: e}
	return &Services{
		Fees:       cfg.Fees,
		Students:   students,
		Attendance: records,
		Marks:      &AttendanceService{env: e, dir: students, records: records, audit: audit, fees: cfg.Fees},
		Payments:   &PaymentLedger{env: e, dir: students, audit: audit},
		Audit:      audit,
		Expenses:   &Expenses{env: e},
		Retry:      cfg.Retry,
		Logger:     cfg.Logger,
		Clock:      cfg.Clock,
		Observer:   cfg.Observer,
	}, nil
}
