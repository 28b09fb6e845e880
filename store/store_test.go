package store

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	ucanledger "github.com/wolfeidau/ucan-ledger"
	"github.com/wolfeidau/ucan-ledger/backend"
)

func newTestObjects(t *testing.T) (*Objects, *backend.Filesystem) {
	t.Helper()
	fs, err := backend.NewFilesystem(t.TempDir())
	require.NoError(t, err)

	fixed := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	objects, err := NewObjects(fs, WithNow(func() time.Time { return fixed }))
	require.NoError(t, err)
	t.Cleanup(objects.Close)
	return objects, fs
}

func TestObjectsSmallBodyIdentity(t *testing.T) {
	objects, _ := newTestObjects(t)
	ctx := context.Background()
	body := []byte("small")
	link := ucanledger.MustLink(ucanledger.CodecRaw, body)

	require.NoError(t, objects.Put(ctx, "k/small", "text/plain", link, body))

	obj, err := objects.Get(ctx, "k/small")
	require.NoError(t, err)
	require.Equal(t, body, obj.Body)
	require.Equal(t, backend.EncodingIdentity, obj.Header.Encoding)
	require.Equal(t, link.String(), obj.Header.Link)
	require.Equal(t, "text/plain", obj.Header.ContentType)
}

func TestObjectsLargeBodyCompressed(t *testing.T) {
	objects, fs := newTestObjects(t)
	ctx := context.Background()
	body := []byte(strings.Repeat("revocation ", 1000))
	link := ucanledger.MustLink(ucanledger.CodecRaw, body)

	require.NoError(t, objects.Put(ctx, "k/large", "application/octet-stream", link, body))

	size, err := fs.Size(ctx, "k/large")
	require.NoError(t, err)
	require.Less(t, size, int64(len(body)))

	obj, err := objects.Get(ctx, "k/large")
	require.NoError(t, err)
	require.Equal(t, backend.EncodingZstd, obj.Header.Encoding)
	require.Equal(t, body, obj.Body)
	require.Equal(t, int64(len(body)), obj.Header.ContentLength)
}

func TestObjectsDetectsCorruption(t *testing.T) {
	objects, fs := newTestObjects(t)
	ctx := context.Background()
	body := []byte("important bytes")
	link := ucanledger.MustLink(ucanledger.CodecRaw, body)
	require.NoError(t, objects.Put(ctx, "k/c", "text/plain", link, body))

	raw, err := backend.ReadAll(ctx, fs, "k/c")
	require.NoError(t, err)
	raw[len(raw)-1] ^= 0xff
	require.NoError(t, fs.Write(ctx, "k/c", bytes.NewReader(raw)))

	_, err = objects.Get(ctx, "k/c")
	require.ErrorIs(t, err, ErrCorrupted)
}

func TestObjectsNotFound(t *testing.T) {
	objects, _ := newTestObjects(t)
	_, err := objects.Get(context.Background(), "k/missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestArchiveStore(t *testing.T) {
	objects, fs := newTestObjects(t)
	archives := NewArchiveStore(objects)
	ctx := context.Background()

	data := []byte("car archive bytes")
	link := ucanledger.MustLink(ucanledger.CodecDagCBOR, []byte("root"))

	ok, err := archives.Has(ctx, link)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, archives.Put(ctx, link, data))
	require.NoError(t, archives.Put(ctx, link, data))

	got, err := archives.Get(ctx, link)
	require.NoError(t, err)
	require.Equal(t, data, got)

	keys, err := fs.List(ctx, "messages")
	require.NoError(t, err)
	require.Equal(t, []string{"messages/" + link.String() + "/" + link.String()}, keys)

	_, err = archives.Get(ctx, ucanledger.MustLink(ucanledger.CodecDagCBOR, []byte("other")))
	require.ErrorIs(t, err, ErrNotFound)
}

func TestArchiveStorePutKeepsStoredObject(t *testing.T) {
	fs, err := backend.NewFilesystem(t.TempDir())
	require.NoError(t, err)
	tick := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	objects, err := NewObjects(fs, WithNow(func() time.Time {
		tick = tick.Add(time.Minute)
		return tick
	}))
	require.NoError(t, err)
	t.Cleanup(objects.Close)

	archives := NewArchiveStore(objects)
	ctx := context.Background()
	data := []byte("car archive bytes")
	link := ucanledger.MustLink(ucanledger.CodecDagCBOR, []byte("root"))
	key := "messages/" + link.String() + "/" + link.String()

	require.NoError(t, archives.Put(ctx, link, data))
	first, err := backend.ReadAll(ctx, fs, key)
	require.NoError(t, err)

	require.NoError(t, archives.Put(ctx, link, data))
	second, err := backend.ReadAll(ctx, fs, key)
	require.NoError(t, err)
	require.Equal(t, first, second)
}

func TestDelegationStore(t *testing.T) {
	objects, fs := newTestObjects(t)
	delegations := NewDelegationStore(objects)
	ctx := context.Background()

	data := []byte("delegation block")
	link := ucanledger.MustLink(ucanledger.CodecDagCBOR, data)

	require.NoError(t, delegations.Put(ctx, link, data))
	got, err := delegations.Get(ctx, link)
	require.NoError(t, err)
	require.Equal(t, data, got)

	ok, err := fs.Exists(ctx, "delegations/"+link.String()+".car")
	require.NoError(t, err)
	require.True(t, ok)
}
