/*
scenarios.go - Demo data loaders for development and demonstrations

PURPOSE:

	Populates an empty store with a realistic studio month: students,
	attendance marks with fees, payments and expenses. Everything goes
	through the domain services, so balances, audit events and metrics are
	exactly what real admin activity would produce.

AVAILABLE SCENARIOS:

	first-month:    Three enrolled students and one pending, eight class days
	retro-holiday:  first-month, then the second class day is declared a
	                holiday after the fact (fee refunds + payment credit)

HOW SCENARIOS WORK:
 1. Refuse to run when the store already has students
 2. Create students
 3. Mark attendance on the first eight class days from Start
 4. Record payments and expenses
 5. Optionally reconcile a retroactive holiday

USAGE:

	./server seed --scenario retro-holiday --start 2025-09-01

ADDING NEW SCENARIOS:
 1. Add to 'scenarios' with ID, name, description
 2. Create a loader: func(ctx, *loader) error
 3. Register it in loaders

SEE ALSO:
  - cmd/server/main.go: seed command
  - reconcile/engine.go: ProcessChange
*/
package seed

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"
	"github.com/warp/studio-ledger/calendar"
	"github.com/warp/studio-ledger/holiday"
	"github.com/warp/studio-ledger/reconcile"
	"github.com/warp/studio-ledger/school"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

// Scenario describes one loadable data set.
type Scenario struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

var scenarios = []Scenario{
	{
		ID:          "first-month",
		Name:        "First Month",
		Description: "Four students, eight class days, payments and expenses",
	},
	{
		ID:          "retro-holiday",
		Name:        "Retroactive Holiday",
		Description: "First month, then the second class day becomes a holiday",
	},
}

var loaders = map[string]func(context.Context, *loader) error{
	"first-month":   loadFirstMonth,
	"retro-holiday": loadRetroHoliday,
}

// List returns the available scenarios.
func List() []Scenario {
	out := make([]Scenario, len(scenarios))
	copy(out, scenarios)
	return out
}

// ClassDays is how many class days a scenario marks.
const ClassDays = 8

// Options controls a load.
type Options struct {
	Start   calendar.Date // first candidate class day
	AdminID string        // recorded as the author of every change; default "seed"
	Logger  *slog.Logger
}

// Summary reports what a load created.
type Summary struct {
	Scenario  string            `json:"scenario"`
	ClassDays []calendar.Date   `json:"classDays"`
	Students  int               `json:"students"`
	Marks     int               `json:"marks"`
	Payments  int               `json:"payments"`
	Expenses  int               `json:"expenses"`
	Holiday   *reconcile.Result `json:"holiday,omitempty"`
}

// Loader wires the services a scenario writes through.
type Loader struct {
	svc      *school.Services
	holidays *holiday.Service
	engine   *reconcile.Engine
}

func NewLoader(svc *school.Services, holidays *holiday.Service, engine *reconcile.Engine) *Loader {
	return &Loader{svc: svc, holidays: holidays, engine: engine}
}

// Load runs scenario id against an empty store.
func (l *Loader) Load(ctx context.Context, id string, opts Options) (Summary, error) {
	const op = "seed.load"
	fn, ok := loaders[id]
	if !ok {
		return Summary{}, school.NewError(school.KindNotFound, op, fmt.Sprintf("scenario %q not found", id), nil)
	}
	if !opts.Start.Valid() {
		return Summary{}, school.NewError(school.KindValidationFailed, op, "a valid start date is required", nil)
	}
	if opts.AdminID == "" {
		opts.AdminID = "seed"
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	existing, err := l.svc.Students.List(ctx)
	if err != nil {
		return Summary{}, school.Wrap(op, err)
	}
	if len(existing) > 0 {
		return Summary{}, school.NewError(school.KindValidationFailed, op,
			fmt.Sprintf("store already has %d students; scenarios only load into an empty store", len(existing)), nil)
	}

	ld := &loader{Loader: l, opts: opts, sum: Summary{Scenario: id}}
	ld.sum.ClassDays = ld.classDays(opts.Start, ClassDays)
	if err := fn(ctx, ld); err != nil {
		return ld.sum, err
	}
	opts.Logger.Info("scenario loaded", "scenario", id,
		"students", ld.sum.Students, "marks", ld.sum.Marks,
		"payments", ld.sum.Payments, "expenses", ld.sum.Expenses)
	return ld.sum, nil
}

// loader carries the state of one run.
type loader struct {
	*Loader
	opts Options
	sum  Summary
}

// classDays returns the first n days from start that are not holidays.
func (l *loader) classDays(start calendar.Date, n int) []calendar.Date {
	days := make([]calendar.Date, 0, n)
	for d := start; len(days) < n; d = d.AddDays(1) {
		if _, closed := l.holidays.IsHoliday(d); !closed {
			days = append(days, d)
		}
	}
	return days
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

type pupil struct {
	school.NewStudent
	marks string // one code per class day, see markCodes
}

// markCodes maps the letters of a pupil's marks line to a mark.
var markCodes = map[rune]struct {
	status school.Status
	attrs  []school.Attribute
}{
	'P': {status: school.StatusPresent},
	'L': {status: school.StatusPresent, attrs: []school.Attribute{school.AttributeLate}},
	'U': {status: school.StatusPresent, attrs: []school.Attribute{school.AttributeLate, school.AttributeNoShoes}},
	'A': {status: school.StatusAbsent},
	'M': {status: school.StatusMedicalAbsence},
}

var pupils = []pupil{
	{NewStudent: school.NewStudent{ID: "amelia", FirstName: "Amelia", LastName: "Ortiz", Email: "amelia@studio.example",
		DateOfBirth: calendar.NewDate(2012, 3, 14), EnrollmentStatus: school.EnrollmentEnrolled}, marks: "PPLPPPAP"},
	{NewStudent: school.NewStudent{ID: "bruno", FirstName: "Bruno", LastName: "Keller",
		DateOfBirth: calendar.NewDate(2010, 11, 2), EnrollmentStatus: school.EnrollmentEnrolled}, marks: "PAPPUPPP"},
	{NewStudent: school.NewStudent{ID: "chloe", FirstName: "Chloe", LastName: "Nakamura", Phone: "+1 555 0100",
		DateOfBirth: calendar.NewDate(2013, 6, 30), EnrollmentStatus: school.EnrollmentEnrolled}, marks: "MPPPPAPA"},
	{NewStudent: school.NewStudent{ID: "dmitri", FirstName: "Dmitri", LastName: "Volkov",
		DateOfBirth: calendar.NewDate(2014, 1, 9), EnrollmentStatus: school.EnrollmentPending}},
}

func loadFirstMonth(ctx context.Context, l *loader) error {
	for _, p := range pupils {
		if _, err := l.svc.Students.Create(ctx, p.NewStudent); err != nil {
			return fmt.Errorf("create student %s: %w", p.ID, err)
		}
		l.sum.Students++
	}

	for i, day := range l.sum.ClassDays {
		for _, p := range pupils {
			if p.marks == "" {
				continue
			}
			code := markCodes[rune(p.marks[i])]
			_, err := l.svc.Marks.Mark(ctx, school.MarkRequest{
				Date:       day,
				StudentID:  p.ID,
				Status:     code.status,
				Attributes: code.attrs,
				AdminID:    l.opts.AdminID,
			})
			if err != nil {
				return fmt.Errorf("mark %s on %s: %w", p.ID, day, err)
			}
			l.sum.Marks++
		}
	}

	days := l.sum.ClassDays
	payments := []school.Payment{
		{ID: "seed-pay-bruno-1", StudentID: "bruno", Amount: decimal.NewFromInt(5), Date: days[1],
			PaymentMethod: school.MethodTransfer, Notes: "paid at the desk after class"},
		{ID: "seed-pay-amelia-1", StudentID: "amelia", Amount: decimal.NewFromInt(6), Date: days[6],
			PaymentMethod: school.MethodCash},
		{ID: "seed-pay-chloe-1", StudentID: "chloe", Amount: decimal.NewFromInt(4), Date: days[7],
			PaymentMethod: school.MethodCard},
	}
	for _, p := range payments {
		p.AdminID = l.opts.AdminID
		if _, _, err := l.svc.Payments.Create(ctx, p); err != nil {
			return fmt.Errorf("record payment %s: %w", p.ID, err)
		}
		l.sum.Payments++
	}

	expenses := []school.Expense{
		{ID: "seed-exp-rent", Date: days[0], Category: school.ExpenseRent, Title: "Studio rent", Amount: decimal.NewFromInt(900)},
		{ID: "seed-exp-costumes", Date: days[4], Category: school.ExpenseCostumes, Title: "Recital costumes",
			Amount: decimal.RequireFromString("149.90"), Notes: "twelve skirts"},
	}
	for _, e := range expenses {
		e.AdminID = l.opts.AdminID
		if _, err := l.svc.Expenses.Create(ctx, e); err != nil {
			return fmt.Errorf("record expense %s: %w", e.ID, err)
		}
		l.sum.Expenses++
	}
	return nil
}

func loadRetroHoliday(ctx context.Context, l *loader) error {
	if err := loadFirstMonth(ctx, l); err != nil {
		return err
	}
	day := l.sum.ClassDays[1]
	res, err := l.engine.ProcessChange(ctx, day, "Studio closure", l.opts.AdminID, true)
	if err != nil {
		return fmt.Errorf("declare holiday %s: %w", day, err)
	}
	l.sum.Holiday = &res
	return nil
}
