package subscription

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/ucan-ledger/store/tabledb"
)

func newTestDirectory(t *testing.T) *Directory {
	t.Helper()
	db, err := tabledb.Open(filepath.Join(t.TempDir(), "test.db"), tabledb.WithNoSync(true))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewDirectory(db)
}

func TestListProvidersForSpace(t *testing.T) {
	d := newTestDirectory(t)
	ctx := context.Background()

	require.NoError(t, d.Add(ctx, "did:key:space", "did:web:b.example", "sub-b"))
	require.NoError(t, d.Add(ctx, "did:key:space", "did:web:a.example", "sub-a"))
	require.NoError(t, d.Add(ctx, "did:key:spaceX", "did:web:c.example", "sub-c"))

	providers, err := d.ListProvidersForSpace(ctx, "did:key:space")
	require.NoError(t, err)
	require.Equal(t, []string{"did:web:a.example", "did:web:b.example"}, providers)

	consumers, err := d.List(ctx, "did:key:space")
	require.NoError(t, err)
	require.Equal(t, "sub-a", consumers[0].Subscription)

	require.NoError(t, d.Remove(ctx, "did:key:space", "did:web:a.example"))
	providers, err = d.ListProvidersForSpace(ctx, "did:key:space")
	require.NoError(t, err)
	require.Equal(t, []string{"did:web:b.example"}, providers)
}

func TestListProvidersEmpty(t *testing.T) {
	d := newTestDirectory(t)
	providers, err := d.ListProvidersForSpace(context.Background(), "did:key:none")
	require.NoError(t, err)
	require.Empty(t, providers)
}

func TestAddRequiresFields(t *testing.T) {
	d := newTestDirectory(t)
	require.ErrorIs(t, d.Add(context.Background(), "", "p", "s"), ErrInvalidConsumer)
	require.ErrorIs(t, d.Add(context.Background(), "s", "", "s"), ErrInvalidConsumer)
}
