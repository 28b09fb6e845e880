package ucanledger

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSumDigestSHA256(t *testing.T) {
	d, err := SumDigest(AlgSHA256, []byte{})
	require.NoError(t, err)
	// sha2-256 multihash of the empty string
	require.Equal(t, "QmdfTbBqBPQ7VNxZEYEj14VmRuZBkqFbiwReogJgS1zR1n", d.String())
	require.Equal(t, AlgSHA256, d.Algorithm())
}

func TestSumDigestBLAKE3(t *testing.T) {
	data := []byte("blob bytes")
	d, err := SumDigest(AlgBLAKE3, data)
	require.NoError(t, err)
	require.Equal(t, AlgBLAKE3, d.Algorithm())
	require.True(t, d.Verify(data))
	require.False(t, d.Verify([]byte("other bytes")))
}

func TestSumDigestUnsupported(t *testing.T) {
	_, err := SumDigest("md5", []byte("x"))
	require.Error(t, err)
}

func TestParseDigestRoundTrip(t *testing.T) {
	for _, alg := range []Algorithm{AlgSHA256, AlgBLAKE3} {
		t.Run(string(alg), func(t *testing.T) {
			d, err := SumDigest(alg, []byte("round trip"))
			require.NoError(t, err)

			parsed, err := ParseDigest(d.String())
			require.NoError(t, err)
			require.True(t, d.Equal(parsed))

			fromBytes, err := DigestFromBytes(d.Bytes())
			require.NoError(t, err)
			require.True(t, d.Equal(fromBytes))
		})
	}
}

func TestParseDigestInvalid(t *testing.T) {
	tests := []string{"", "not-base58-0OIl", "3"}
	for _, s := range tests {
		_, err := ParseDigest(s)
		require.ErrorIs(t, err, ErrInvalidDigest, s)
	}
}

func TestDigestText(t *testing.T) {
	d, err := SumDigest(AlgSHA256, []byte("text"))
	require.NoError(t, err)

	text, err := d.MarshalText()
	require.NoError(t, err)

	var parsed Digest
	require.NoError(t, parsed.UnmarshalText(text))
	require.True(t, d.Equal(parsed))
}
