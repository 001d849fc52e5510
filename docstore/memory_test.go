package docstore_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/studio-ledger/docstore"
	"github.com/warp/studio-ledger/docstore/docstoretest"
)

func TestMemory_Contract(t *testing.T) {
	docstoretest.Run(t, func(t *testing.T) docstore.Store { return docstore.NewMemory() })
}

func TestMemory_GetReturnsCopy(t *testing.T) {
	s := docstore.NewMemory()
	ctx := context.Background()
	require.NoError(t, s.Set(ctx, "c", "1", map[string]string{"k": "v"}))

	doc, err := s.Get(ctx, "c", "1")
	require.NoError(t, err)
	doc.Data[2] = 'X'

	again, err := s.Get(ctx, "c", "1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"k":"v"}`, string(again.Data))
}

func TestMemory_CanceledContext(t *testing.T) {
	s := docstore.NewMemory()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, s.Set(ctx, "c", "1", map[string]string{}), context.Canceled)
}

func TestNormalize_RejectsComposite(t *testing.T) {
	_, err := docstore.Normalize([]int{1})
	assert.Error(t, err)

	v, err := docstore.Normalize(3)
	require.NoError(t, err)
	assert.Equal(t, 3.0, v)
}
