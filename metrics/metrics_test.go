package metrics

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/ucan-ledger/store/tabledb"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := tabledb.Open(filepath.Join(t.TempDir(), "metrics.db"), tabledb.WithNoSync(true))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return New(db)
}

func TestIncrementTotals(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.IncrementTotals(ctx, Deltas{
		Admin: map[string]int64{BlobAddTotal: 1, BlobAddSizeTotal: 2048},
		Space: map[string][]SpaceValue{
			BlobAddTotal:     {{Space: "did:key:a", Value: 1}, {Space: "did:key:b", Value: 1}},
			BlobAddSizeTotal: {{Space: "did:key:a", Value: 2048}},
		},
	}))
	require.NoError(t, s.IncrementTotals(ctx, Deltas{
		Admin: map[string]int64{BlobAddSizeTotal: 100},
	}))

	got, err := s.Get(ctx, BlobAddSizeTotal)
	require.NoError(t, err)
	assert.Equal(t, int64(2148), got)

	got, err = s.GetSpace(ctx, "did:key:a", BlobAddSizeTotal)
	require.NoError(t, err)
	assert.Equal(t, int64(2048), got)

	got, err = s.GetSpace(ctx, "did:key:b", BlobAddTotal)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got)
}

func TestIncrementTotalsNegative(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.IncrementTotals(ctx, Deltas{Admin: map[string]int64{"x": 5}}))
	require.NoError(t, s.IncrementTotals(ctx, Deltas{Admin: map[string]int64{"x": -7}}))

	got, err := s.Get(ctx, "x")
	require.NoError(t, err)
	assert.Equal(t, int64(-2), got)
}

func TestIncrementTotalsLimit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	t.Run("over the limit writes nothing", func(t *testing.T) {
		values := make([]SpaceValue, tabledb.MaxTransactItems+1)
		for i := range values {
			values[i] = SpaceValue{Space: fmt.Sprintf("did:key:%d", i), Value: 1}
		}
		err := s.IncrementTotals(ctx, Deltas{Space: map[string][]SpaceValue{BlobAddTotal: values}})

		var tooMany *TooManyTransactionItemsError
		require.ErrorAs(t, err, &tooMany)
		assert.Equal(t, tabledb.MaxTransactItems+1, tooMany.Count)
		assert.Equal(t, tabledb.MaxTransactItems, tooMany.Limit)

		got, err := s.GetSpace(ctx, "did:key:0", BlobAddTotal)
		require.NoError(t, err)
		assert.Zero(t, got)
	})

	t.Run("zero deltas do not count", func(t *testing.T) {
		values := make([]SpaceValue, tabledb.MaxTransactItems+50)
		for i := range values {
			v := int64(0)
			if i < tabledb.MaxTransactItems {
				v = 1
			}
			values[i] = SpaceValue{Space: fmt.Sprintf("did:key:z%d", i), Value: v}
		}
		require.NoError(t, s.IncrementTotals(ctx, Deltas{Space: map[string][]SpaceValue{BlobAddTotal: values}}))
	})
}

func TestIncrementTotalsEmpty(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.IncrementTotals(context.Background(), Deltas{
		Admin: map[string]int64{BlobRemoveTotal: 0},
	}))
}
