package school

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"
	"github.com/warp/studio-ledger/calendar"
	"github.com/warp/studio-ledger/docstore"
)

// =============================================================================
// PAYMENT LEDGER - Append-only payments
// =============================================================================

// PaymentLedger records payments and reduces balances. Payments are never
// mutated or deleted; corrections are compensating entries, and a payment on
// a day later declared a holiday is credited by reconciliation.
type PaymentLedger struct {
	*env
	dir   *Directory
	audit *AuditLog
}

// Create validates and records a payment. A client-supplied id makes the
// call idempotent: re-sending the same payment returns the stored one with
// created=false.
func (l *PaymentLedger) Create(ctx context.Context, p Payment) (stored Payment, created bool, err error) {
	const op = "payments.create"
	if err := validateStruct(op, p); err != nil {
		return Payment{}, false, err
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}

	// PAYMENT_CHANGE and FEE_CHANGE.
	audit, err := l.audit.Reserve(2)
	if err != nil {
		return Payment{}, false, err
	}
	defer audit.Release()

	tx, err := l.dir.Lock(ctx, p.StudentID)
	if err != nil {
		return Payment{}, false, err
	}
	defer tx.Release()
	ctx = detach(ctx)

	// Checked under the student's lock so a concurrent resend cannot race.
	if existing, err := l.GetByID(ctx, p.ID); err == nil {
		if samePayment(existing, p) {
			return existing, false, nil
		}
		return Payment{}, false, validationf(op, "payment %s already exists with different content", p.ID)
	} else if KindOf(err) != KindNotFound {
		return Payment{}, false, err
	}

	p.CreatedAt = docstore.At(l.now())
	student, err := tx.ReduceBalance(ctx, p.Amount)
	if err != nil {
		return Payment{}, false, err
	}

	err = l.retry.Retry(ctx, l.logger, op, func() error {
		return classify(op, l.store.Update(ctx, PaymentsCollection, p.ID, func(current json.RawMessage) (any, error) {
			if current != nil {
				return nil, validationf(op, "payment %s already exists", p.ID)
			}
			return p, nil
		}))
	})
	if err != nil {
		if _, cerr := tx.IncreaseBalance(ctx, p.Amount); cerr != nil {
			l.logger.Error("balance compensation failed", "op", op, "payment", p.ID, "student", p.StudentID, "error", cerr)
			return Payment{}, false, &Error{
				Kind:    KindInconsistent,
				Op:      op,
				Message: "balance reduced but payment not recorded; compensation failed",
				Details: map[string]any{"studentId": p.StudentID, "paymentId": p.ID, "amount": p.Amount},
				Err:     errors.Join(err, cerr),
			}
		}
		return Payment{}, false, err
	}
	l.observer.PaymentRecorded(p.PaymentMethod, p.Amount)

	if _, err := audit.Record(ctx, EventPaymentChange, p.AdminID, p.ID, map[string]any{
		"studentId":     p.StudentID,
		"amount":        p.Amount,
		"date":          p.Date.Key(),
		"paymentMethod": p.PaymentMethod,
	}); err != nil {
		return p, true, err
	}
	if _, err := audit.Record(ctx, EventFeeChange, p.AdminID, p.StudentID, map[string]any{
		"reason":    "payment",
		"paymentId": p.ID,
		"delta":     p.Amount.Neg(),
		"balance":   student.Balance,
	}); err != nil {
		return p, true, err
	}

	l.logger.Info("payment recorded", "payment", p.ID, "student", p.StudentID, "amount", p.Amount.String(), "date", p.Date.Key())
	return p, true, nil
}

// GetByID fetches one payment.
func (l *PaymentLedger) GetByID(ctx context.Context, id string) (Payment, error) {
	const op = "payments.get"
	doc, err := l.store.Get(ctx, PaymentsCollection, id)
	if errors.Is(err, docstore.ErrNotFound) {
		return Payment{}, notFound(op, "payment", id)
	}
	if err != nil {
		return Payment{}, classify(op, err)
	}
	var p Payment
	if err := doc.Decode(&p); err != nil {
		return Payment{}, inconsistent(op, "payment %s: %v", id, err)
	}
	return p, nil
}

// GetByStudent returns a student's payments, newest date first.
func (l *PaymentLedger) GetByStudent(ctx context.Context, studentID string) ([]Payment, error) {
	return l.query(ctx, "payments.getByStudent", docstore.Query{
		Filters: []docstore.Filter{docstore.Where("studentId", docstore.OpEq, studentID)},
		OrderBy: "date",
		Desc:    true,
	})
}

// GetByDateRange returns payments dated within [start, end], oldest first.
func (l *PaymentLedger) GetByDateRange(ctx context.Context, start, end calendar.Date) ([]Payment, error) {
	const op = "payments.getByDateRange"
	if _, err := calendar.NewRange(start, end); err != nil {
		return nil, classify(op, err)
	}
	return l.query(ctx, op, docstore.Query{
		Filters: []docstore.Filter{
			docstore.Where("date", docstore.OpGte, start.Key()),
			docstore.Where("date", docstore.OpLte, end.Key()),
		},
		OrderBy: "date",
	})
}

// GetAll returns every payment, oldest first.
func (l *PaymentLedger) GetAll(ctx context.Context) ([]Payment, error) {
	return l.query(ctx, "payments.getAll", docstore.Query{OrderBy: "date"})
}

func (l *PaymentLedger) query(ctx context.Context, op string, q docstore.Query) ([]Payment, error) {
	docs, err := l.store.Query(ctx, PaymentsCollection, q)
	if err != nil {
		return nil, classify(op, err)
	}
	out := make([]Payment, 0, len(docs))
	for _, doc := range docs {
		var p Payment
		if err := doc.Decode(&p); err != nil {
			return nil, inconsistent(op, "payment %s: %v", doc.ID, err)
		}
		out = append(out, p)
	}
	return out, nil
}

func samePayment(a, b Payment) bool {
	return a.StudentID == b.StudentID && a.Amount.Equal(b.Amount) && a.Date.Equal(b.Date) &&
		a.PaymentMethod == b.PaymentMethod && a.Notes == b.Notes
}
