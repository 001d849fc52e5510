/*
Package holiday classifies calendar days as instructional or not.

PURPOSE:
  The holiday calendar is the union of a recurring pattern (closed weekdays,
  annual fixed-date holidays) and explicit per-day overrides persisted in the
  "holidays" collection:

    added:   the day is a holiday regardless of the recurring rules
    removed: the day is instructional even if a recurring rule matches

  Overrides dominate recurring rules.

CONCURRENCY:
  The calendar is process-wide. Reads (IsHoliday, ListHolidays) are served
  from an in-memory copy of the overrides and never suspend. Writes hold a
  calendar-wide lock for the whole persist-then-publish sequence.

USAGE:
  svc, err := holiday.New(store, holiday.Rules{ClosedWeekdays: []time.Weekday{time.Sunday}}, logger)
  if err := svc.Load(ctx); err != nil { ... }
  changed, err := svc.AddOverride(ctx, day, "Labour Day", adminID)

SEE ALSO:
  - reconcile/engine.go: The only caller that mutates the calendar
  - rules.go: Recurring rules on rickar/cal
*/
package holiday

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/warp/studio-ledger/calendar"
	"github.com/warp/studio-ledger/docstore"
)

// Collection holds one override document per day key.
const Collection = "holidays"

// ErrInvalidName is returned when an override has no name.
var ErrInvalidName = errors.New("holiday name is required")

// OverrideKind distinguishes adding a holiday from masking a recurring one.
type OverrideKind string

const (
	KindAdded   OverrideKind = "added"
	KindRemoved OverrideKind = "removed"
)

func (k *OverrideKind) UnmarshalText(b []byte) error {
	switch v := OverrideKind(b); v {
	case KindAdded, KindRemoved:
		*k = v
		return nil
	}
	return fmt.Errorf("unknown override kind %q", b)
}

// Override is the persisted explicit classification of one day.
type Override struct {
	Date      calendar.Date      `json:"date"`
	Name      string             `json:"name"`
	Kind      OverrideKind       `json:"kind"`
	CreatedBy string             `json:"createdBy,omitempty"`
	CreatedAt docstore.Timestamp `json:"createdAt"`
}

// Source tells where a holiday classification came from.
type Source string

const (
	SourceRecurring Source = "recurring"
	SourceOverride  Source = "override"
)

// Holiday is one non-instructional day.
type Holiday struct {
	Date   calendar.Date `json:"date"`
	Name   string        `json:"name"`
	Source Source        `json:"source"`
}

// Service is the HolidayService.
type Service struct {
	store  docstore.Store
	rules  *recurring
	logger *slog.Logger
	now    func() time.Time

	lock chan struct{} // calendar-wide write lock

	mu        sync.RWMutex
	overrides map[string]Override
}

// New builds the service. Call Load before serving reads.
func New(store docstore.Store, rules Rules, logger *slog.Logger) (*Service, error) {
	r, err := newRecurring(rules)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:     store,
		rules:     r,
		logger:    logger,
		now:       time.Now,
		lock:      make(chan struct{}, 1),
		overrides: make(map[string]Override),
	}, nil
}

// Load replaces the in-memory overrides with the persisted ones.
func (s *Service) Load(ctx context.Context) error {
	docs, err := s.store.Query(ctx, Collection, docstore.Query{})
	if err != nil {
		return fmt.Errorf("load holiday overrides: %w", err)
	}
	loaded := make(map[string]Override, len(docs))
	for _, doc := range docs {
		var o Override
		if err := doc.Decode(&o); err != nil {
			return fmt.Errorf("decode holiday override %s: %w", doc.ID, err)
		}
		loaded[o.Date.Key()] = o
	}

	s.mu.Lock()
	s.overrides = loaded
	s.mu.Unlock()
	return nil
}

// IsHoliday classifies d. Overrides are consulted before recurring rules.
func (s *Service) IsHoliday(d calendar.Date) (Holiday, bool) {
	if !d.Valid() {
		return Holiday{}, false
	}
	s.mu.RLock()
	o, ok := s.overrides[d.Key()]
	s.mu.RUnlock()

	if ok {
		if o.Kind == KindAdded {
			return Holiday{Date: d, Name: o.Name, Source: SourceOverride}, true
		}
		return Holiday{}, false
	}
	if name, ok := s.rules.match(d); ok {
		return Holiday{Date: d, Name: name, Source: SourceRecurring}, true
	}
	return Holiday{}, false
}

// ListHolidays returns every holiday in r in date order.
func (s *Service) ListHolidays(r calendar.Range) []Holiday {
	var out []Holiday
	for _, d := range r.Days() {
		if h, ok := s.IsHoliday(d); ok {
			out = append(out, h)
		}
	}
	return out
}

// Overrides returns the explicit overrides in date order.
func (s *Service) Overrides() []Override {
	s.mu.RLock()
	out := make([]Override, 0, len(s.overrides))
	for _, o := range s.overrides {
		out = append(out, o)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out
}

// Override returns the explicit override for d, if any.
func (s *Service) Override(d calendar.Date) (Override, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.overrides[d.Key()]
	return o, ok
}

// AddOverride declares d a holiday named name. Re-adding the same (date,
// name) is a no-op and reports changed=false.
func (s *Service) AddOverride(ctx context.Context, d calendar.Date, name, adminID string) (changed bool, err error) {
	name = strings.TrimSpace(name)
	if !d.Valid() {
		return false, fmt.Errorf("%w: %v", calendar.ErrInvalidDate, d)
	}
	if name == "" {
		return false, ErrInvalidName
	}
	if err := s.acquire(ctx); err != nil {
		return false, err
	}
	defer s.release()

	if cur, ok := s.Override(d); ok && cur.Kind == KindAdded && cur.Name == name {
		return false, nil
	}

	o := Override{Date: d, Name: name, Kind: KindAdded, CreatedBy: adminID, CreatedAt: docstore.At(s.now())}
	if err := s.store.Set(ctx, Collection, d.Key(), o); err != nil {
		return false, fmt.Errorf("persist holiday %s: %w", d, err)
	}
	s.publish(o)
	s.logger.Info("holiday override added", "date", d.Key(), "name", name, "admin", adminID)
	return true, nil
}

// RemoveOverride makes d instructional again. An added override is deleted;
// a day that is still a recurring holiday afterwards gets a removed mask.
func (s *Service) RemoveOverride(ctx context.Context, d calendar.Date, adminID string) (changed bool, err error) {
	if !d.Valid() {
		return false, fmt.Errorf("%w: %v", calendar.ErrInvalidDate, d)
	}
	if err := s.acquire(ctx); err != nil {
		return false, err
	}
	defer s.release()

	cur, hasOverride := s.Override(d)
	if hasOverride && cur.Kind == KindRemoved {
		return false, nil
	}
	name, recurringHoliday := s.rules.match(d)

	switch {
	case recurringHoliday:
		o := Override{Date: d, Name: name, Kind: KindRemoved, CreatedBy: adminID, CreatedAt: docstore.At(s.now())}
		if err := s.store.Set(ctx, Collection, d.Key(), o); err != nil {
			return false, fmt.Errorf("persist holiday mask %s: %w", d, err)
		}
		s.publish(o)
	case hasOverride:
		if err := s.store.Delete(ctx, Collection, d.Key()); err != nil {
			return false, fmt.Errorf("delete holiday %s: %w", d, err)
		}
		s.mu.Lock()
		delete(s.overrides, d.Key())
		s.mu.Unlock()
	default:
		return false, nil
	}

	s.logger.Info("holiday override removed", "date", d.Key(), "admin", adminID)
	return true, nil
}

func (s *Service) publish(o Override) {
	s.mu.Lock()
	s.overrides[o.Date.Key()] = o
	s.mu.Unlock()
}

func (s *Service) acquire(ctx context.Context) error {
	select {
	case s.lock <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) release() { <-s.lock }
