package school

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/warp/studio-ledger/calendar"
	"github.com/warp/studio-ledger/docstore"
)

// Expenses is the thin expense collaborator consumed by reports.
type Expenses struct {
	*env
}

// Create records an expense.
func (x *Expenses) Create(ctx context.Context, e Expense) (Expense, error) {
	const op = "expenses.create"
	e.Title = strings.TrimSpace(e.Title)
	if err := validateStruct(op, e); err != nil {
		return Expense{}, err
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	e.CreatedAt = docstore.At(x.now())
	err := x.retry.Retry(ctx, x.logger, op, func() error {
		return classify(op, x.store.Set(ctx, ExpensesCollection, e.ID, e))
	})
	if err != nil {
		return Expense{}, err
	}
	return e, nil
}

// Get fetches one expense.
func (x *Expenses) Get(ctx context.Context, id string) (Expense, error) {
	const op = "expenses.get"
	doc, err := x.store.Get(ctx, ExpensesCollection, id)
	if errors.Is(err, docstore.ErrNotFound) {
		return Expense{}, notFound(op, "expense", id)
	}
	if err != nil {
		return Expense{}, classify(op, err)
	}
	var e Expense
	if err := doc.Decode(&e); err != nil {
		return Expense{}, inconsistent(op, "expense %s: %v", id, err)
	}
	return e, nil
}

// ByRange returns expenses dated within r, oldest first.
func (x *Expenses) ByRange(ctx context.Context, r calendar.Range) ([]Expense, error) {
	const op = "expenses.byRange"
	docs, err := x.store.Query(ctx, ExpensesCollection, docstore.Query{
		Filters: []docstore.Filter{
			docstore.Where("date", docstore.OpGte, r.Start.Key()),
			docstore.Where("date", docstore.OpLte, r.End.Key()),
		},
		OrderBy: "date",
	})
	if err != nil {
		return nil, classify(op, err)
	}
	out := make([]Expense, 0, len(docs))
	for _, doc := range docs {
		var e Expense
		if err := doc.Decode(&e); err != nil {
			return nil, inconsistent(op, "expense %s: %v", doc.ID, err)
		}
		out = append(out, e)
	}
	return out, nil
}
