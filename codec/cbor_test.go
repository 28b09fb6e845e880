package codec

import (
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/require"
	ucanledger "github.com/wolfeidau/ucan-ledger"
)

func TestMarshalDeterministicMapOrder(t *testing.T) {
	a := map[string]any{"zz": 1, "a": 2, "bbb": 3}
	b := map[string]any{"bbb": 3, "a": 2, "zz": 1}

	encA, err := Marshal(a)
	require.NoError(t, err)
	for range 10 {
		encB, err := Marshal(b)
		require.NoError(t, err)
		require.Equal(t, encA, encB)
	}
}

func TestMarshalLengthFirstKeys(t *testing.T) {
	data, err := Marshal(map[string]int{"bb": 1, "c": 2})
	require.NoError(t, err)

	// map(2), "c" sorts before "bb" because shorter keys come first.
	require.Equal(t, byte(0xa2), data[0])
	require.Equal(t, []byte{0x61, 'c'}, data[1:3])
}

func TestEncodeLinkIsStable(t *testing.T) {
	v := map[string]any{"hello": "world"}

	_, l1, err := Encode(v)
	require.NoError(t, err)
	_, l2, err := Encode(v)
	require.NoError(t, err)

	require.True(t, l1.Equal(l2))
	require.Equal(t, ucanledger.CodecDagCBOR, l1.Codec())
}

func TestUnmarshalDuplicateKeysRejected(t *testing.T) {
	// {"a": 1, "a": 2}
	data := []byte{0xa2, 0x61, 'a', 0x01, 0x61, 'a', 0x02}
	var out map[string]any
	require.Error(t, Unmarshal(data, &out))
}

func TestNormalize(t *testing.T) {
	link := ucanledger.MustLink(ucanledger.CodecRaw, []byte("content"))

	data, err := Marshal(map[string]any{
		"link":  link,
		"bytes": []byte{1, 2, 3},
		"list":  []any{"x", uint64(2)},
	})
	require.NoError(t, err)

	var decoded any
	require.NoError(t, Unmarshal(data, &decoded))

	out, ok := Normalize(decoded).(map[string]any)
	require.True(t, ok)
	require.Equal(t, map[string]any{"/": link.String()}, out["link"])
	require.Equal(t, map[string]any{"/": map[string]any{"bytes": "AQID"}}, out["bytes"])
	require.Equal(t, []any{"x", uint64(2)}, out["list"])
}

func TestNormalizeUnknownTag(t *testing.T) {
	out := Normalize(cbor.Tag{Number: 99, Content: "x"})
	require.Equal(t, map[string]any{"tag": uint64(99), "content": "x"}, out)
}
