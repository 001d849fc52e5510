/*
audit.go - Append-only audit log with a bounded retry queue

PURPOSE:
  Every mutation of balance, attendance or the holiday calendar appends one
  AuditEvent per affected entity to the auditLogs collection.

WRITE FAILURES:
  A failed append is parked in a bounded in-memory queue and flushed later
  by Drain (run on a schedule by the HTTP server). Mutating operations
  Reserve a queue slot for every event they may emit before their first
  write, and record through the Reservation: once the writes commit, each
  of their events is either persisted or queued. When the slots are not
  available the operation is refused before anything is written.

ORDERING:
  Event ids are UUIDv7 (time ordered), so Query's "timestamp DESC, id DESC"
  ordering is stable and chronological even for events sharing a timestamp.

ENTITY IDS:
  FEE_CHANGE         student id (or holiday credit id when issued by reconciliation)
  ATTENDANCE_CHANGE  "YYYY-MM-DD/studentId"
  PAYMENT_CHANGE     payment id
  HOLIDAY_CHANGE     "YYYY-MM-DD"
*/
package school

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/warp/studio-ledger/docstore"
)

// AuditLog is the append-only event log.
type AuditLog struct {
	*env
	capacity int
	drainMu  sync.Mutex

	mu       sync.Mutex
	queue    []AuditEvent
	reserved int // slots held by open reservations
}

func newAuditLog(e *env, capacity int) *AuditLog {
	return &AuditLog{env: e, capacity: capacity}
}

// Ready fails with Transient when no queue slot is free.
func (a *AuditLog) Ready() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.fits("audit.ready", 1)
}

func (a *AuditLog) fits(op string, n int) error {
	if len(a.queue)+a.reserved+n > a.capacity {
		return NewError(KindTransient, op,
			fmt.Sprintf("audit retry queue is full (%d pending, %d reserved, %d needed)", len(a.queue), a.reserved, n), nil)
	}
	return nil
}

// Pending returns the number of queued events.
func (a *AuditLog) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.queue)
}

// Reservation holds retry queue slots for the events of one operation.
// Release returns the unused slots; it is safe to call more than once.
type Reservation struct {
	log  *AuditLog
	left int
}

// Reserve holds n queue slots, failing with Transient when they are not
// free. Call it before the operation's first write.
func (a *AuditLog) Reserve(n int) (*Reservation, error) {
	if n < 0 {
		n = 0
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.fits("audit.reserve", n); err != nil {
		return nil, err
	}
	a.reserved += n
	return &Reservation{log: a, left: n}, nil
}

// Left reports the slots still held.
func (r *Reservation) Left() int {
	r.log.mu.Lock()
	defer r.log.mu.Unlock()
	return r.left
}

// Record appends one event. A persisted event gives its slot back; a failed
// write takes it. Events beyond the reservation fall back to the free slots.
func (r *Reservation) Record(ctx context.Context, typ EventType, userID, entityID string, details map[string]any) (AuditEvent, error) {
	evt := r.log.event(typ, userID, entityID, details)
	return evt, r.log.append(ctx, evt, r)
}

// Release returns the unused slots.
func (r *Reservation) Release() {
	r.log.mu.Lock()
	defer r.log.mu.Unlock()
	r.log.reserved -= r.left
	r.left = 0
}

// Record appends one event without a reservation. Prefer Reservation.Record
// inside mutations.
func (a *AuditLog) Record(ctx context.Context, typ EventType, userID, entityID string, details map[string]any) (AuditEvent, error) {
	evt := a.event(typ, userID, entityID, details)
	return evt, a.append(ctx, evt, nil)
}

func (a *AuditLog) event(typ EventType, userID, entityID string, details map[string]any) AuditEvent {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return AuditEvent{
		ID:        id.String(),
		Type:      typ,
		UserID:    userID,
		EntityID:  entityID,
		Timestamp: docstore.At(a.now()),
		Details:   details,
	}
}

// append persists evt, queueing it when the write fails. An error is
// returned only when the event could be neither written nor queued.
func (a *AuditLog) append(ctx context.Context, evt AuditEvent, r *Reservation) error {
	const op = "audit.append"
	if !evt.Type.Valid() {
		return validationf(op, "unknown event type %q", evt.Type)
	}
	ctx = detach(ctx)
	err := a.retry.Retry(ctx, a.logger, op, func() error {
		return classify(op, a.store.Set(ctx, AuditCollection, evt.ID, evt))
	})

	a.mu.Lock()
	defer a.mu.Unlock()
	held := r != nil && r.left > 0
	if held {
		r.left--
		a.reserved--
	}
	if err == nil {
		return nil
	}
	if !held && len(a.queue)+a.reserved >= a.capacity {
		a.logger.Error("audit event lost: retry queue full", "event", evt.ID, "type", evt.Type, "entity", evt.EntityID, "error", err)
		return NewError(KindTransient, op, "audit retry queue is full", err)
	}
	a.queue = append(a.queue, evt)
	a.observer.AuditQueueDepth(len(a.queue))
	a.logger.Warn("audit event queued for retry", "event", evt.ID, "type", evt.Type, "pending", len(a.queue), "error", err)
	return nil
}

// Drain flushes queued events in order, stopping at the first failure.
func (a *AuditLog) Drain(ctx context.Context) (flushed int, err error) {
	a.drainMu.Lock()
	defer a.drainMu.Unlock()

	a.mu.Lock()
	pending := append([]AuditEvent(nil), a.queue...)
	a.mu.Unlock()

	for _, evt := range pending {
		if err := a.store.Set(ctx, AuditCollection, evt.ID, evt); err != nil {
			a.logger.Warn("audit drain stopped", "flushed", flushed, "error", err)
			break
		}
		flushed++
	}

	a.mu.Lock()
	a.queue = a.queue[flushed:]
	depth := len(a.queue)
	a.mu.Unlock()
	a.observer.AuditQueueDepth(depth)

	if flushed < len(pending) {
		return flushed, NewError(KindTransient, "audit.drain", fmt.Sprintf("%d events still pending", depth), nil)
	}
	return flushed, nil
}

// AuditFilter selects events. Zero fields do not filter.
type AuditFilter struct {
	EntityID string
	UserID   string
	Type     EventType
	From     time.Time
	To       time.Time
	Limit    int
	After    string // event id cursor from the previous page
}

// Query returns events ordered by timestamp DESC.
func (a *AuditLog) Query(ctx context.Context, f AuditFilter) ([]AuditEvent, error) {
	const op = "audit.query"
	q := docstore.Query{OrderBy: "timestamp", Desc: true, Limit: f.Limit, StartAfter: f.After}
	if f.EntityID != "" {
		q.Filters = append(q.Filters, docstore.Where("entityId", docstore.OpEq, f.EntityID))
	}
	if f.UserID != "" {
		q.Filters = append(q.Filters, docstore.Where("userId", docstore.OpEq, f.UserID))
	}
	if f.Type != "" {
		if !f.Type.Valid() {
			return nil, validationf(op, "unknown event type %q", f.Type)
		}
		q.Filters = append(q.Filters, docstore.Where("type", docstore.OpEq, string(f.Type)))
	}
	if !f.From.IsZero() {
		q.Filters = append(q.Filters, docstore.Where("timestamp", docstore.OpGte, docstore.At(f.From).String()))
	}
	if !f.To.IsZero() {
		q.Filters = append(q.Filters, docstore.Where("timestamp", docstore.OpLte, docstore.At(f.To).String()))
	}

	docs, err := a.store.Query(ctx, AuditCollection, q)
	if err != nil {
		return nil, classify(op, err)
	}
	out := make([]AuditEvent, 0, len(docs))
	for _, doc := range docs {
		var evt AuditEvent
		if err := doc.Decode(&evt); err != nil {
			return nil, inconsistent(op, "audit event %s: %v", doc.ID, err)
		}
		out = append(out, evt)
	}
	return out, nil
}
