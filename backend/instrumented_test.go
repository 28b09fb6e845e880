package backend

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInstrumentedBackendDelegates(t *testing.T) {
	fs := newTestFilesystem(t)
	ib := NewInstrumentedBackend(fs, "filesystem")
	ctx := context.Background()

	require.NoError(t, ib.Write(ctx, "messages/a/a", strings.NewReader("hello")))

	got, err := ReadAll(ctx, ib, "messages/a/a")
	require.NoError(t, err)
	require.Equal(t, "hello", string(got))

	ok, err := ib.Exists(ctx, "messages/a/a")
	require.NoError(t, err)
	require.True(t, ok)

	size, err := ib.Size(ctx, "messages/a/a")
	require.NoError(t, err)
	require.Equal(t, int64(5), size)

	keys, err := ib.List(ctx, "messages")
	require.NoError(t, err)
	require.Equal(t, []string{"messages/a/a"}, keys)

	require.NoError(t, ib.Delete(ctx, "messages/a/a"))
	_, err = ib.Read(ctx, "messages/a/a")
	require.ErrorIs(t, err, ErrNotFound)

	require.Same(t, fs, ib.Unwrap())
}

func TestOutcomeFromError(t *testing.T) {
	require.Equal(t, "success", outcomeFromError(nil))
	require.Equal(t, "not_found", outcomeFromError(ErrNotFound))
	require.Equal(t, "error", outcomeFromError(ErrInvalidKey))
}
