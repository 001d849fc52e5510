/*
scheduler.go - Audit retry queue flusher

PURPOSE:
  Audit events that failed to persist wait in the in-process retry queue.
  While the queue is non-empty further mutations are still accepted until
  it fills up; the flusher drains it on a cron schedule so the system
  recovers without an operator.

DESIGN:
  - robfig/cron job; overlapping runs are skipped
  - Each run has its own timeout; a failed run leaves the rest queued
  - POST /api/audit/flush drains on demand

USAGE:
  flusher, err := NewAuditFlusher(svc.Audit, "@every 30s", logger)
  flusher.Start()
  // ... later
  flusher.Stop()

SEE ALSO:
  - school/audit.go: Reserve, Pending and Drain
*/
package api

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// drainer is the part of the audit log the flusher needs.
type drainer interface {
	Drain(ctx context.Context) (int, error)
	Pending() int
}

// AuditFlusher periodically drains the audit retry queue.
type AuditFlusher struct {
	audit   drainer
	logger  *slog.Logger
	Timeout time.Duration

	cron    *cron.Cron
	mu      sync.Mutex
	running bool
}

// NewAuditFlusher schedules the drain job on schedule (standard cron syntax or a
// descriptor such as "@every 30s").
func NewAuditFlusher(audit drainer, schedule string, logger *slog.Logger) (*AuditFlusher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	f := &AuditFlusher{audit: audit, logger: logger, Timeout: 10 * time.Second}
	f.cron = cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := f.cron.AddFunc(schedule, f.Flush); err != nil {
		return nil, fmt.Errorf("schedule audit flush %q: %w", schedule, err)
	}
	return f, nil
}

// Start begins the schedule.
func (f *AuditFlusher) Start() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.running {
		return
	}
	f.running = true
	f.cron.Start()
	f.logger.Info("audit flusher started")
}

// Stop halts the schedule and waits for a running flush.
func (f *AuditFlusher) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.running {
		return
	}
	f.running = false
	<-f.cron.Stop().Done()
	f.logger.Info("audit flusher stopped", "pending", f.audit.Pending())
}

// Flush drains the queue once.
func (f *AuditFlusher) Flush() {
	if f.audit.Pending() == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), f.Timeout)
	defer cancel()

	n, err := f.audit.Drain(ctx)
	if err != nil {
		f.logger.Warn("audit flush incomplete", "flushed", n, "pending", f.audit.Pending(), "error", err)
		return
	}
	f.logger.Info("audit queue flushed", "flushed", n)
}
