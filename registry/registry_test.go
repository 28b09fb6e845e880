package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	ucanledger "github.com/wolfeidau/ucan-ledger"
	"github.com/wolfeidau/ucan-ledger/metrics"
	"github.com/wolfeidau/ucan-ledger/store/tabledb"
	"github.com/wolfeidau/ucan-ledger/subscription"
)

const space = "did:key:abc"

type testEnv struct {
	registry  *Registry
	db        *tabledb.DB
	directory *subscription.Directory
	metrics   *metrics.Store
	clock     *clock
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

func newTestEnv(t *testing.T, providers ...string) *testEnv {
	t.Helper()
	db, err := tabledb.Open(filepath.Join(t.TempDir(), "registry.db"), tabledb.WithNoSync(true))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	dir := subscription.NewDirectory(db)
	for i, p := range providers {
		require.NoError(t, dir.Add(context.Background(), space, p, fmt.Sprintf("sub-%d", i)))
	}
	m := metrics.New(db)
	c := &clock{t: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)}
	return &testEnv{
		registry:  New(db, dir, m, WithNow(c.now)),
		db:        db,
		directory: dir,
		metrics:   m,
		clock:     c,
	}
}

func digest(t *testing.T, s string) ucanledger.Digest {
	t.Helper()
	d, err := ucanledger.SumDigest(ucanledger.AlgSHA256, []byte(s))
	require.NoError(t, err)
	return d
}

func cause(s string) ucanledger.Link {
	return ucanledger.MustLink(ucanledger.CodecDagCBOR, []byte(s))
}

func TestRegisterAndFind(t *testing.T) {
	env := newTestEnv(t, "did:web:p1", "did:web:p2")
	ctx := context.Background()
	h := digest(t, "blob")
	c := cause("add")

	require.NoError(t, env.registry.Register(ctx, RegisterRequest{
		Space: space,
		Blob:  Blob{Digest: h, Size: 2048},
		Cause: c,
	}))

	entry, err := env.registry.Find(ctx, space, h)
	require.NoError(t, err)
	assert.True(t, entry.Blob.Digest.Equal(h))
	assert.Equal(t, int64(2048), entry.Blob.Size)
	assert.True(t, entry.Cause.Equal(c))

	for _, p := range []string{"did:web:p1", "did:web:p2"} {
		diffs, err := env.registry.Diffs(ctx, p, space)
		require.NoError(t, err)
		require.Len(t, diffs, 1)
		assert.Equal(t, int64(2048), diffs[0].Delta)
		assert.Equal(t, p, diffs[0].Provider)
		assert.True(t, diffs[0].Cause.Equal(c))
	}

	total, err := env.metrics.Get(ctx, metrics.BlobAddSizeTotal)
	require.NoError(t, err)
	assert.Equal(t, int64(2048), total)

	count, err := env.metrics.GetSpace(ctx, space, metrics.BlobAddTotal)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestRegisterExisting(t *testing.T) {
	env := newTestEnv(t, "did:web:p1")
	ctx := context.Background()
	req := RegisterRequest{Space: space, Blob: Blob{Digest: digest(t, "blob"), Size: 10}, Cause: cause("a")}

	require.NoError(t, env.registry.Register(ctx, req))
	req.Cause = cause("b")
	require.ErrorIs(t, env.registry.Register(ctx, req), ErrEntryExists)

	diffs, err := env.registry.Diffs(ctx, "did:web:p1", space)
	require.NoError(t, err)
	require.Len(t, diffs, 1)

	total, err := env.metrics.Get(ctx, metrics.BlobAddTotal)
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
}

func TestRegisterConcurrent(t *testing.T) {
	env := newTestEnv(t, "did:web:p1")
	ctx := context.Background()
	h := digest(t, "contended")

	const n = 8
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = env.registry.Register(ctx, RegisterRequest{
				Space: space,
				Blob:  Blob{Digest: h, Size: 1},
				Cause: cause(fmt.Sprintf("c-%d", i)),
			})
		}()
	}
	wg.Wait()

	ok, exists := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrEntryExists):
			exists++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, n-1, exists)

	diffs, err := env.registry.Diffs(ctx, "did:web:p1", space)
	require.NoError(t, err)
	assert.Len(t, diffs, 1)
}

func TestDeregister(t *testing.T) {
	providers := []string{"did:web:p1", "did:web:p2", "did:web:p3"}
	env := newTestEnv(t, providers...)
	ctx := context.Background()
	h := digest(t, "blob")

	require.NoError(t, env.registry.Register(ctx, RegisterRequest{Space: space, Blob: Blob{Digest: h, Size: 500}, Cause: cause("add")}))
	require.NoError(t, env.registry.Deregister(ctx, DeregisterRequest{Space: space, Digest: h, Cause: cause("remove")}))

	_, err := env.registry.Find(ctx, space, h)
	require.ErrorIs(t, err, ErrEntryNotFound)

	for _, p := range providers {
		diffs, err := env.registry.Diffs(ctx, p, space)
		require.NoError(t, err)
		require.Len(t, diffs, 2)
		assert.Equal(t, int64(500), diffs[0].Delta)
		assert.Equal(t, int64(-500), diffs[1].Delta)

		report := FoldDiffs(diffs, Period{})
		assert.Zero(t, report.Final)
	}

	removed, err := env.metrics.Get(ctx, metrics.BlobRemoveSizeTotal)
	require.NoError(t, err)
	assert.Equal(t, int64(500), removed)
}

// replacingLister swaps the registry row for a blob of a different size the
// first time providers are listed, the way a concurrent deregister followed by
// a re-register would.
type replacingLister struct {
	ConsumerLister
	replace func()
	once    sync.Once
}

func (l *replacingLister) List(ctx context.Context, space string) ([]subscription.Consumer, error) {
	l.once.Do(l.replace)
	return l.ConsumerLister.List(ctx, space)
}

func TestDeregisterEntryReplacedConcurrently(t *testing.T) {
	env := newTestEnv(t, "did:web:p1")
	ctx := context.Background()
	h := digest(t, "blob")
	require.NoError(t, env.registry.Register(ctx, RegisterRequest{Space: space, Blob: Blob{Digest: h, Size: 100}, Cause: cause("add")}))

	lister := &replacingLister{ConsumerLister: env.directory}
	lister.replace = func() {
		data, err := json.Marshal(entryRow{Space: space, Digest: h, Size: 900, Cause: cause("re-add")})
		require.NoError(t, err)
		require.NoError(t, env.db.Put(ctx, BlobTable, entryKey(space, h), data, tabledb.Always))
	}
	r := New(env.db, lister, env.metrics, WithNow(env.clock.now))

	require.NoError(t, r.Deregister(ctx, DeregisterRequest{Space: space, Digest: h, Cause: cause("remove")}))

	_, err := r.Find(ctx, space, h)
	require.ErrorIs(t, err, ErrEntryNotFound)

	diffs, err := r.Diffs(ctx, "did:web:p1", space)
	require.NoError(t, err)
	require.Len(t, diffs, 2)
	assert.Equal(t, int64(100), diffs[0].Delta)
	assert.Equal(t, int64(-900), diffs[1].Delta)

	removed, err := env.metrics.Get(ctx, metrics.BlobRemoveSizeTotal)
	require.NoError(t, err)
	assert.Equal(t, int64(900), removed)
}

func TestDeregisterMissing(t *testing.T) {
	env := newTestEnv(t, "did:web:p1")
	err := env.registry.Deregister(context.Background(), DeregisterRequest{
		Space:  space,
		Digest: digest(t, "nothing"),
		Cause:  cause("remove"),
	})
	require.ErrorIs(t, err, ErrEntryNotFound)
}

func TestRegisterWithoutProviders(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	h := digest(t, "blob")

	require.NoError(t, env.registry.Register(ctx, RegisterRequest{Space: space, Blob: Blob{Digest: h, Size: 1}, Cause: cause("a")}))
	_, err := env.registry.Find(ctx, space, h)
	require.NoError(t, err)
}

type failingLister struct{}

func (failingLister) List(context.Context, string) ([]subscription.Consumer, error) {
	return nil, errors.New("directory unavailable")
}

func TestRegisterProviderLookupFailure(t *testing.T) {
	env := newTestEnv(t)
	r := New(env.db, failingLister{}, env.metrics)
	ctx := context.Background()
	h := digest(t, "blob")

	err := r.Register(ctx, RegisterRequest{Space: space, Blob: Blob{Digest: h, Size: 1}, Cause: cause("a")})
	require.Error(t, err)

	_, err = r.Find(ctx, space, h)
	require.ErrorIs(t, err, ErrEntryNotFound)
}

type failingCounters struct{ calls int }

func (f *failingCounters) IncrementTotals(context.Context, metrics.Deltas) error {
	f.calls++
	return errors.New("metrics unavailable")
}

func TestRegisterIgnoresMetricFailure(t *testing.T) {
	env := newTestEnv(t, "did:web:p1")
	counters := &failingCounters{}
	r := New(env.db, env.directory, counters)
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, RegisterRequest{Space: space, Blob: Blob{Digest: digest(t, "x"), Size: 1}, Cause: cause("a")}))
	assert.Equal(t, 1, counters.calls)
}

func TestRegisterRejectsInvalidRequest(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	require.ErrorIs(t, env.registry.Register(ctx, RegisterRequest{Blob: Blob{Digest: digest(t, "x")}, Cause: cause("a")}), ErrInvalidRequest)
	require.ErrorIs(t, env.registry.Register(ctx, RegisterRequest{Space: space, Cause: cause("a")}), ErrInvalidRequest)
	require.ErrorIs(t, env.registry.Register(ctx, RegisterRequest{Space: space, Blob: Blob{Digest: digest(t, "x"), Size: -1}, Cause: cause("a")}), ErrInvalidRequest)
	require.ErrorIs(t, env.registry.Deregister(ctx, DeregisterRequest{Space: space, Digest: digest(t, "x")}), ErrInvalidRequest)
}

func TestEntriesPagination(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	var want []string
	for i := range 5 {
		h := digest(t, fmt.Sprintf("blob-%d", i))
		want = append(want, h.String())
		require.NoError(t, env.registry.Register(ctx, RegisterRequest{Space: space, Blob: Blob{Digest: h, Size: int64(i)}, Cause: cause("a")}))
	}
	require.NoError(t, env.registry.Register(ctx, RegisterRequest{Space: "did:key:other", Blob: Blob{Digest: digest(t, "elsewhere"), Size: 1}, Cause: cause("a")}))

	var got []string
	opts := ListOptions{Size: 2}
	pages := 0
	for {
		page, err := env.registry.Entries(ctx, space, opts)
		require.NoError(t, err)
		pages++
		for _, e := range page.Results {
			got = append(got, e.Blob.Digest.String())
		}
		if page.Cursor == "" {
			break
		}
		assert.Equal(t, page.After, page.Cursor)
		opts.Cursor = page.Cursor
	}

	assert.Equal(t, 3, pages)
	assert.ElementsMatch(t, want, got)
	assert.IsNonDecreasing(t, got)
}

func TestEntriesDefaultSize(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	for i := range DefaultPageSize + 1 {
		h := digest(t, fmt.Sprintf("blob-%d", i))
		require.NoError(t, env.registry.Register(ctx, RegisterRequest{Space: space, Blob: Blob{Digest: h, Size: 1}, Cause: cause("a")}))
	}

	page, err := env.registry.Entries(ctx, space, ListOptions{})
	require.NoError(t, err)
	assert.Equal(t, DefaultPageSize, page.Size)
	assert.NotEmpty(t, page.Cursor)
	assert.Equal(t, page.Results[0].Blob.Digest.String(), page.Before)
}
