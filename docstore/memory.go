package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory is an in-memory Store. Documents are stored as raw JSON so callers
// never share mutable state with the store.
type Memory struct {
	mu          sync.RWMutex
	collections map[string]map[string]json.RawMessage
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{collections: make(map[string]map[string]json.RawMessage)}
}

func (m *Memory) Get(ctx context.Context, collection, id string) (Document, error) {
	if err := ctx.Err(); err != nil {
		return Document{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	raw, ok := m.collections[collection][id]
	if !ok {
		return Document{}, fmt.Errorf("%s/%s: %w", collection, id, ErrNotFound)
	}
	return Document{ID: id, Data: clone(raw)}, nil
}

func (m *Memory) Set(ctx context.Context, collection, id string, doc any, opts ...SetOption) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", collection, id, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if ApplySetOptions(opts) {
		if current, ok := m.collections[collection][id]; ok {
			raw, err = MergeTopLevel(current, raw)
			if err != nil {
				return err
			}
		}
	}
	m.putLocked(collection, id, raw)
	return nil
}

func (m *Memory) Delete(ctx context.Context, collection, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.collections[collection], id)
	return nil
}

func (m *Memory) Update(ctx context.Context, collection, id string, fn Mutator) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var current json.RawMessage
	if raw, ok := m.collections[collection][id]; ok {
		current = clone(raw)
	}
	next, err := fn(current)
	if err != nil {
		if errors.Is(err, ErrNoChange) {
			return nil
		}
		return err
	}
	raw, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", collection, id, err)
	}
	m.putLocked(collection, id, raw)
	return nil
}

func (m *Memory) Query(ctx context.Context, collection string, q Query) ([]Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	filters, err := normalizeFilters(q.Filters)
	if err != nil {
		return nil, err
	}

	m.mu.RLock()
	type row struct {
		doc    Document
		fields map[string]any
	}
	var rows []row
	for id, raw := range m.collections[collection] {
		var fields map[string]any
		if err := json.Unmarshal(raw, &fields); err != nil {
			m.mu.RUnlock()
			return nil, fmt.Errorf("decode %s/%s: %w", collection, id, err)
		}
		if matchesAll(fields, filters) {
			rows = append(rows, row{doc: Document{ID: id, Data: clone(raw)}, fields: fields})
		}
	}
	m.mu.RUnlock()

	sort.SliceStable(rows, func(i, j int) bool {
		if q.OrderBy != "" {
			a, _ := lookup(rows[i].fields, q.OrderBy)
			b, _ := lookup(rows[j].fields, q.OrderBy)
			if c := compareValues(a, b); c != 0 {
				if q.Desc {
					return c > 0
				}
				return c < 0
			}
		}
		if q.Desc {
			return rows[i].doc.ID > rows[j].doc.ID
		}
		return rows[i].doc.ID < rows[j].doc.ID
	})

	docs := make([]Document, 0, len(rows))
	for _, r := range rows {
		docs = append(docs, r.doc)
	}
	return Page(docs, q.StartAfter, q.Limit), nil
}

func (m *Memory) putLocked(collection, id string, raw json.RawMessage) {
	c, ok := m.collections[collection]
	if !ok {
		c = make(map[string]json.RawMessage)
		m.collections[collection] = c
	}
	c[id] = raw
}

// Page applies a document-id cursor and limit to an ordered result.
func Page(docs []Document, startAfter string, limit int) []Document {
	if startAfter != "" {
		for i, d := range docs {
			if d.ID == startAfter {
				docs = docs[i+1:]
				break
			}
		}
	}
	if limit > 0 && len(docs) > limit {
		docs = docs[:limit]
	}
	return docs
}

// =============================================================================
// FILTER EVALUATION
// =============================================================================

func normalizeFilters(filters []Filter) ([]Filter, error) {
	out := make([]Filter, len(filters))
	for i, f := range filters {
		if !f.Op.Valid() {
			return nil, fmt.Errorf("unsupported operator %q", f.Op)
		}
		v, err := Normalize(f.Value)
		if err != nil {
			return nil, err
		}
		out[i] = Filter{Field: f.Field, Op: f.Op, Value: v}
	}
	return out, nil
}

func matchesAll(fields map[string]any, filters []Filter) bool {
	for _, f := range filters {
		v, ok := lookup(fields, f.Field)
		if !ok || !matches(v, f.Op, f.Value) {
			return false
		}
	}
	return true
}

func matches(v any, op Op, want any) bool {
	if !sameKind(v, want) {
		return op == OpNe
	}
	c := compareValues(v, want)
	switch op {
	case OpEq:
		return c == 0
	case OpNe:
		return c != 0
	case OpLt:
		return c < 0
	case OpLte:
		return c <= 0
	case OpGt:
		return c > 0
	case OpGte:
		return c >= 0
	}
	return false
}

func lookup(fields map[string]any, path string) (any, bool) {
	var cur any = fields
	for _, part := range strings.Split(path, ".") {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = obj[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func sameKind(a, b any) bool {
	switch a.(type) {
	case string:
		_, ok := b.(string)
		return ok
	case float64:
		_, ok := b.(float64)
		return ok
	case bool:
		_, ok := b.(bool)
		return ok
	case nil:
		return b == nil
	}
	return false
}

// compareValues orders JSON primitives; mismatched types order by type name.
func compareValues(a, b any) int {
	switch av := a.(type) {
	case string:
		if bv, ok := b.(string); ok {
			return strings.Compare(av, bv)
		}
	case float64:
		if bv, ok := b.(float64); ok {
			switch {
			case av < bv:
				return -1
			case av > bv:
				return 1
			}
			return 0
		}
	case bool:
		if bv, ok := b.(bool); ok {
			switch {
			case av == bv:
				return 0
			case !av:
				return -1
			}
			return 1
		}
	case nil:
		if b == nil {
			return 0
		}
	}
	return strings.Compare(fmt.Sprintf("%T", a), fmt.Sprintf("%T", b))
}

// MergeTopLevel overlays the top-level keys of patch onto current.
func MergeTopLevel(current, patch json.RawMessage) (json.RawMessage, error) {
	var base, over map[string]json.RawMessage
	if err := json.Unmarshal(current, &base); err != nil {
		return nil, fmt.Errorf("merge: decode current: %w", err)
	}
	if err := json.Unmarshal(patch, &over); err != nil {
		return nil, fmt.Errorf("merge: decode patch: %w", err)
	}
	if base == nil {
		base = make(map[string]json.RawMessage)
	}
	for k, v := range over {
		base[k] = v
	}
	return json.Marshal(base)
}

func clone(raw json.RawMessage) json.RawMessage {
	out := make(json.RawMessage, len(raw))
	copy(out, raw)
	return out
}
