/*
Package docstore defines the document-store persistence adapter.

PURPOSE:
  The domain never talks to a database directly. It reads and writes JSON
  documents grouped in collections, mirroring a hosted document database:
  get / set / delete / query, plus an atomic read-modify-write (Update).

CONTRACT:
  Get:    returns ErrNotFound when the document is absent
  Set:    replaces the document; Merge() merges top-level keys instead
  Delete: removes the document (no error when absent)
  Query:  filters on top-level (or dotted) fields, orders by one field, with an
          optional limit and a document-id cursor (StartAfter)
  Update: calls the Mutator with the current raw document (nil when absent)
          and persists its result atomically; ErrNoChange aborts with no write

ERRORS:
  Implementations map their failures onto the sentinels below. ErrTransient
  marks failures worth retrying (network, busy database).

IMPLEMENTATIONS:
  - memory.go:              In-memory, for tests and development
  - store/sqlite/sqlite.go: SQLite with JSON1 expression indexes

SEE ALSO:
  - school/errors.go: Maps these sentinels onto domain error kinds
*/
package docstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// =============================================================================
// SENTINEL ERRORS
// =============================================================================

var (
	// ErrNotFound is returned by Get when the document does not exist.
	ErrNotFound = errors.New("document not found")

	// ErrTransient marks a failure that may succeed on retry.
	ErrTransient = errors.New("transient store failure")

	// ErrConflict is returned when a concurrent writer won a race.
	ErrConflict = errors.New("concurrent document modification")

	// ErrNoChange is returned by a Mutator to skip the write.
	ErrNoChange = errors.New("no change")
)

// =============================================================================
// STORE
// =============================================================================

// Store is the persistence adapter consumed by the domain.
type Store interface {
	Get(ctx context.Context, collection, id string) (Document, error)
	Set(ctx context.Context, collection, id string, doc any, opts ...SetOption) error
	Delete(ctx context.Context, collection, id string) error
	Query(ctx context.Context, collection string, q Query) ([]Document, error)
	Update(ctx context.Context, collection, id string, fn Mutator) error
}

// Mutator computes the replacement for a document. current is nil when the
// document does not exist. Returning ErrNoChange skips the write.
type Mutator func(current json.RawMessage) (any, error)

// Document is a stored JSON document.
type Document struct {
	ID   string
	Data json.RawMessage
}

// Decode unmarshals the document, rejecting fields unknown to out.
func (d Document) Decode(out any) error {
	return DecodeStrict(d.Data, out)
}

// DecodeStrict unmarshals raw into out with unknown fields rejected.
func DecodeStrict(raw json.RawMessage, out any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("decode document: %w", err)
	}
	return nil
}

// =============================================================================
// SET OPTIONS
// =============================================================================

type setOptions struct {
	merge bool
}

// SetOption configures Set.
type SetOption func(*setOptions)

// Merge makes Set merge top-level keys into the existing document.
func Merge() SetOption { return func(o *setOptions) { o.merge = true } }

// ApplySetOptions resolves options; exported for implementations outside this package.
func ApplySetOptions(opts []SetOption) (merge bool) {
	var o setOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o.merge
}

// =============================================================================
// QUERY
// =============================================================================

// Op is a comparison operator.
type Op string

const (
	OpEq  Op = "=="
	OpNe  Op = "!="
	OpLt  Op = "<"
	OpLte Op = "<="
	OpGt  Op = ">"
	OpGte Op = ">="
)

// Valid reports whether o is a supported operator.
func (o Op) Valid() bool {
	switch o {
	case OpEq, OpNe, OpLt, OpLte, OpGt, OpGte:
		return true
	}
	return false
}

// Filter is a single field predicate.
type Filter struct {
	Field string
	Op    Op
	Value any
}

// Where is shorthand for building a Filter.
func Where(field string, op Op, value any) Filter {
	return Filter{Field: field, Op: op, Value: value}
}

// Query selects documents of a collection.
type Query struct {
	Filters    []Filter
	OrderBy    string // empty = document id
	Desc       bool
	Limit      int    // 0 = unlimited
	StartAfter string // document id cursor from a previous page
}

// =============================================================================
// TIMESTAMP
// =============================================================================

// TimestampLayout is fixed-width so persisted timestamps sort as text.
const TimestampLayout = "2006-01-02T15:04:05.000000000Z"

// Timestamp is the persisted form of a wall-clock instant.
type Timestamp struct {
	t time.Time
}

// At wraps a wall-clock time.
func At(t time.Time) Timestamp { return Timestamp{t: t.UTC()} }

// Time converts back to a wall-clock time.
func (ts Timestamp) Time() time.Time { return ts.t }

func (ts Timestamp) IsZero() bool { return ts.t.IsZero() }

func (ts Timestamp) String() string { return ts.t.UTC().Format(TimestampLayout) }

func (ts Timestamp) MarshalText() ([]byte, error) {
	return []byte(ts.String()), nil
}

func (ts *Timestamp) UnmarshalText(b []byte) error {
	t, err := time.Parse(TimestampLayout, string(b))
	if err != nil {
		return fmt.Errorf("parse timestamp %q: %w", b, err)
	}
	ts.t = t
	return nil
}

// Normalize converts a filter value to its JSON primitive (string, float64,
// bool or nil) so implementations compare like with like.
func Normalize(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("normalize filter value: %w", err)
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("normalize filter value: %w", err)
	}
	switch out.(type) {
	case string, float64, bool, nil:
		return out, nil
	}
	return nil, fmt.Errorf("unsupported filter value %T", v)
}
