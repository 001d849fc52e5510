// Package schooltest provides fixtures shared by the domain tests.
package schooltest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"github.com/warp/studio-ledger/calendar"
	"github.com/warp/studio-ledger/docstore"
	"github.com/warp/studio-ledger/school"
)

// Clock is a manually advanced clock.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

func NewClock(start time.Time) *Clock { return &Clock{now: start} }

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

// =============================================================================
// FLAKY STORE - Injects failures into a wrapped store
// =============================================================================

// FlakyStore fails selected writes with the injected error.
type FlakyStore struct {
	docstore.Store

	mu       sync.Mutex
	failures map[string][]error // "op:collection" -> queued errors
	calls    map[string]int
}

func NewFlakyStore(inner docstore.Store) *FlakyStore {
	return &FlakyStore{Store: inner, failures: map[string][]error{}, calls: map[string]int{}}
}

// FailNext makes the next n calls of op ("get", "set", "update", "query",
// "delete") on collection fail with err.
func (f *FlakyStore) FailNext(op, collection string, n int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := op + ":" + collection
	for i := 0; i < n; i++ {
		f.failures[key] = append(f.failures[key], err)
	}
}

// Calls returns how many times op was invoked on collection.
func (f *FlakyStore) Calls(op, collection string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op+":"+collection]
}

func (f *FlakyStore) next(op, collection string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := op + ":" + collection
	f.calls[key]++
	queued := f.failures[key]
	if len(queued) == 0 {
		return nil
	}
	f.failures[key] = queued[1:]
	return queued[0]
}

func (f *FlakyStore) Get(ctx context.Context, collection, id string) (docstore.Document, error) {
	if err := f.next("get", collection); err != nil {
		return docstore.Document{}, err
	}
	return f.Store.Get(ctx, collection, id)
}

func (f *FlakyStore) Set(ctx context.Context, collection, id string, doc any, opts ...docstore.SetOption) error {
	if err := f.next("set", collection); err != nil {
		return err
	}
	return f.Store.Set(ctx, collection, id, doc, opts...)
}

func (f *FlakyStore) Delete(ctx context.Context, collection, id string) error {
	if err := f.next("delete", collection); err != nil {
		return err
	}
	return f.Store.Delete(ctx, collection, id)
}

func (f *FlakyStore) Query(ctx context.Context, collection string, q docstore.Query) ([]docstore.Document, error) {
	if err := f.next("query", collection); err != nil {
		return nil, err
	}
	return f.Store.Query(ctx, collection, q)
}

func (f *FlakyStore) Update(ctx context.Context, collection, id string, fn docstore.Mutator) error {
	if err := f.next("update", collection); err != nil {
		return err
	}
	return f.Store.Update(ctx, collection, id, fn)
}

// Transient is a retryable store failure.
var Transient = fmt.Errorf("injected: %w", docstore.ErrTransient)

// =============================================================================
// FIXTURE
// =============================================================================

// Fixture wires the domain over an in-memory store with a fast retry policy.
type Fixture struct {
	Store *FlakyStore
	Svc   *school.Services
	Clock *Clock
}

func New(t *testing.T) *Fixture {
	t.Helper()
	store := NewFlakyStore(docstore.NewMemory())
	clock := NewClock(time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC))
	svc, err := school.New(store, school.Config{
		Retry: school.RetryPolicy{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond},
		Clock: clock.Now,
	})
	require.NoError(t, err)
	return &Fixture{Store: store, Svc: svc, Clock: clock}
}

// Enroll creates an enrolled student with a zero balance.
func (f *Fixture) Enroll(t *testing.T, ids ...string) {
	t.Helper()
	for _, id := range ids {
		_, err := f.Svc.Students.Create(context.Background(), school.NewStudent{
			ID:               id,
			FirstName:        "Student " + id,
			EnrollmentStatus: school.EnrollmentEnrolled,
		})
		require.NoError(t, err)
	}
}

// Student reloads a student.
func (f *Fixture) Student(t *testing.T, id string) school.Student {
	t.Helper()
	s, err := f.Svc.Students.Get(context.Background(), id)
	require.NoError(t, err)
	return s
}

// Events returns every audit event, newest first.
func (f *Fixture) Events(t *testing.T) []school.AuditEvent {
	t.Helper()
	evts, err := f.Svc.Audit.Query(context.Background(), school.AuditFilter{})
	require.NoError(t, err)
	return evts
}

// CountByType tallies events by type.
func CountByType(evts []school.AuditEvent) map[school.EventType]int {
	out := map[school.EventType]int{}
	for _, e := range evts {
		out[e.Type]++
	}
	return out
}

// RawDoc returns the stored JSON of a document, for assertions on layout.
func (f *Fixture) RawDoc(t *testing.T, collection, id string) map[string]any {
	t.Helper()
	doc, err := f.Store.Get(context.Background(), collection, id)
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, json.Unmarshal(doc.Data, &out))
	return out
}

// AssertBalanceEquation checks that the stored balance equals
// Σ feeCharged − Σ payments − Σ payment credits for the student.
func (f *Fixture) AssertBalanceEquation(t *testing.T, id string) {
	t.Helper()
	ctx := context.Background()
	all := calendar.Range{Start: calendar.NewDate(1900, time.January, 1), End: calendar.NewDate(2999, time.December, 31)}

	records, err := f.Svc.Attendance.GetByStudent(ctx, id, all)
	require.NoError(t, err)
	payments, err := f.Svc.Payments.GetByStudent(ctx, id)
	require.NoError(t, err)
	s := f.Student(t, id)

	want := decimal.Zero
	for _, r := range records {
		want = want.Add(r.FeeCharged)
	}
	for _, p := range payments {
		want = want.Sub(p.Amount)
	}
	for _, c := range s.HolidayCredits {
		if c.SourceKind == school.CreditFromPayment {
			want = want.Sub(c.Amount)
		}
	}
	require.Truef(t, want.Equal(s.Balance), "student %s: balance %s, ledger says %s", id, s.Balance, want)
}
