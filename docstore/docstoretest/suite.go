// Package docstoretest holds the behavioural suite every docstore.Store must pass.
package docstoretest

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/studio-ledger/docstore"
)

type payment struct {
	StudentID string             `json:"studentId"`
	Date      string             `json:"date"`
	Amount    float64            `json:"amount"`
	CreatedAt docstore.Timestamp `json:"createdAt"`
	Meta      map[string]string  `json:"meta,omitempty"`
}

// Run exercises the Store contract against stores produced by newStore.
func Run(t *testing.T, newStore func(t *testing.T) docstore.Store) {
	t.Run("GetMissing", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Get(context.Background(), "payments", "nope")
		assert.ErrorIs(t, err, docstore.ErrNotFound)
	})

	t.Run("SetGetDelete", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		at := time.Date(2025, 5, 2, 10, 0, 0, 0, time.UTC)

		require.NoError(t, s.Set(ctx, "payments", "p1", payment{StudentID: "A", Date: "2025-05-02", Amount: 3, CreatedAt: docstore.At(at)}))

		doc, err := s.Get(ctx, "payments", "p1")
		require.NoError(t, err)
		var got payment
		require.NoError(t, doc.Decode(&got))
		assert.Equal(t, "A", got.StudentID)
		assert.True(t, got.CreatedAt.Time().Equal(at))

		require.NoError(t, s.Delete(ctx, "payments", "p1"))
		_, err = s.Get(ctx, "payments", "p1")
		assert.ErrorIs(t, err, docstore.ErrNotFound)
	})

	t.Run("SetMergeKeepsOtherFields", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.Set(ctx, "payments", "p1", payment{StudentID: "A", Date: "2025-05-02", Amount: 3}))
		require.NoError(t, s.Set(ctx, "payments", "p1", map[string]any{"amount": 4}, docstore.Merge()))

		doc, err := s.Get(ctx, "payments", "p1")
		require.NoError(t, err)
		var got payment
		require.NoError(t, doc.Decode(&got))
		assert.Equal(t, "A", got.StudentID)
		assert.Equal(t, 4.0, got.Amount)
	})

	t.Run("DecodeRejectsUnknownFields", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.Set(ctx, "payments", "p1", map[string]any{"studentId": "A", "surprise": true}))

		doc, err := s.Get(ctx, "payments", "p1")
		require.NoError(t, err)
		var got payment
		assert.Error(t, doc.Decode(&got))
	})

	t.Run("QueryFilterOrderLimitCursor", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		for id, p := range map[string]payment{
			"p1": {StudentID: "A", Date: "2025-05-01", Amount: 1},
			"p2": {StudentID: "A", Date: "2025-05-03", Amount: 2},
			"p3": {StudentID: "B", Date: "2025-05-02", Amount: 3},
			"p4": {StudentID: "A", Date: "2025-05-02", Amount: 4},
		} {
			require.NoError(t, s.Set(ctx, "payments", id, p))
		}

		docs, err := s.Query(ctx, "payments", docstore.Query{
			Filters: []docstore.Filter{docstore.Where("studentId", docstore.OpEq, "A")},
			OrderBy: "date",
			Desc:    true,
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"p2", "p4", "p1"}, ids(docs))

		docs, err = s.Query(ctx, "payments", docstore.Query{
			Filters: []docstore.Filter{
				docstore.Where("date", docstore.OpGte, "2025-05-02"),
				docstore.Where("date", docstore.OpLte, "2025-05-02"),
			},
			OrderBy: "date",
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"p3", "p4"}, ids(docs))

		docs, err = s.Query(ctx, "payments", docstore.Query{
			Filters: []docstore.Filter{docstore.Where("amount", docstore.OpGt, 1.5)},
			OrderBy: "amount",
			Limit:   2,
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"p2", "p3"}, ids(docs))

		docs, err = s.Query(ctx, "payments", docstore.Query{OrderBy: "amount", StartAfter: "p2", Limit: 1})
		require.NoError(t, err)
		assert.Equal(t, []string{"p3"}, ids(docs))
	})

	t.Run("UpdateCreatesAndMutates", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		bump := func(current json.RawMessage) (any, error) {
			var p payment
			if current != nil {
				if err := json.Unmarshal(current, &p); err != nil {
					return nil, err
				}
			}
			p.Amount++
			return p, nil
		}
		require.NoError(t, s.Update(ctx, "payments", "p1", bump))
		require.NoError(t, s.Update(ctx, "payments", "p1", bump))

		doc, err := s.Get(ctx, "payments", "p1")
		require.NoError(t, err)
		var got payment
		require.NoError(t, doc.Decode(&got))
		assert.Equal(t, 2.0, got.Amount)
	})

	t.Run("UpdateNoChangeAndError", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.Set(ctx, "payments", "p1", payment{Amount: 1}))

		require.NoError(t, s.Update(ctx, "payments", "p1", func(json.RawMessage) (any, error) {
			return nil, docstore.ErrNoChange
		}))

		boom := errors.New("boom")
		err := s.Update(ctx, "payments", "p1", func(json.RawMessage) (any, error) {
			return payment{Amount: 99}, boom
		})
		assert.ErrorIs(t, err, boom)

		doc, err := s.Get(ctx, "payments", "p1")
		require.NoError(t, err)
		var got payment
		require.NoError(t, doc.Decode(&got))
		assert.Equal(t, 1.0, got.Amount)
	})
}

func ids(docs []docstore.Document) []string {
	out := make([]string, len(docs))
	for i, d := range docs {
		out[i] = d.ID
	}
	return out
}
