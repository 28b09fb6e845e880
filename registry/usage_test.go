package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFoldDiffs(t *testing.T) {
	at := func(day int) time.Time { return time.Date(2024, 1, day, 0, 0, 0, 0, time.UTC) }
	diffs := []Diff{
		{Delta: 100, ReceiptAt: at(1)},
		{Delta: 50, ReceiptAt: at(5)},
		{Delta: -30, ReceiptAt: at(10)},
		{Delta: 1000, ReceiptAt: at(20)},
	}

	report := FoldDiffs(diffs, Period{From: at(3), To: at(15)})
	assert.Equal(t, int64(100), report.Initial)
	assert.Equal(t, int64(120), report.Final)
	require.Len(t, report.Events, 2)

	open := FoldDiffs(diffs, Period{From: at(3)})
	assert.Equal(t, int64(1120), open.Final)
}

func TestUsage(t *testing.T) {
	env := newTestEnv(t, "did:web:p1")
	ctx := context.Background()
	start := env.clock.now()

	h1, h2 := digest(t, "one"), digest(t, "two")
	require.NoError(t, env.registry.Register(ctx, RegisterRequest{Space: space, Blob: Blob{Digest: h1, Size: 100}, Cause: cause("a")}))
	require.NoError(t, env.registry.Register(ctx, RegisterRequest{Space: space, Blob: Blob{Digest: h2, Size: 40}, Cause: cause("b")}))
	mid := env.clock.now()
	require.NoError(t, env.registry.Deregister(ctx, DeregisterRequest{Space: space, Digest: h1, Cause: cause("c")}))

	report, err := env.registry.Usage(ctx, "did:web:p1", space, Period{From: mid})
	require.NoError(t, err)
	assert.Equal(t, int64(140), report.Initial)
	assert.Equal(t, int64(40), report.Final)
	assert.Len(t, report.Events, 1)

	all, err := env.registry.Usage(ctx, "did:web:p1", space, Period{From: start})
	require.NoError(t, err)
	assert.Zero(t, all.Initial)
	assert.Equal(t, int64(40), all.Final)
	assert.Len(t, all.Events, 3)
}
