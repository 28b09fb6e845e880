package backend

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	ucanledger "github.com/wolfeidau/ucan-ledger"
)

func TestFramingRoundTrip(t *testing.T) {
	body := []byte("car bytes")
	header := &ObjectHeader{
		ContentType:   "application/vnd.ipld.car",
		ContentLength: int64(len(body)),
		StoredAt:      time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
		Link:          "bafyreib",
		Checksum:      ucanledger.ChecksumBytes(body),
		Encoding:      EncodingIdentity,
	}

	var buf bytes.Buffer
	require.NoError(t, WriteFramed(&buf, header, bytes.NewReader(body)))
	require.Equal(t, MagicBytes, buf.Bytes()[:4])

	got, r, err := ReadFramed(&buf)
	require.NoError(t, err)
	require.Equal(t, header.ContentType, got.ContentType)
	require.Equal(t, header.ContentLength, got.ContentLength)
	require.True(t, header.StoredAt.Equal(got.StoredAt))
	require.Equal(t, header.Checksum, got.Checksum)
	require.Equal(t, EncodingIdentity, got.Encoding)

	gotBody, err := io.ReadAll(r)
	require.NoError(t, err)
	require.Equal(t, body, gotBody)
}

func TestReadFramedInvalidMagic(t *testing.T) {
	_, _, err := ReadFramed(bytes.NewReader([]byte("XXXX\x00\x00\x00\x02{}")))
	require.ErrorIs(t, err, ErrInvalidMagic)
}

func TestReadFramedHeaderTooLarge(t *testing.T) {
	data := append([]byte{}, MagicBytes...)
	data = binary.BigEndian.AppendUint32(data, MaxHeaderSize+1)

	_, _, err := ReadFramed(bytes.NewReader(data))
	require.ErrorIs(t, err, ErrHeaderTooLarge)
}

func TestReadFramedTruncated(t *testing.T) {
	_, _, err := ReadFramed(bytes.NewReader([]byte("UL")))
	require.Error(t, err)

	data := append([]byte{}, MagicBytes...)
	data = binary.BigEndian.AppendUint32(data, 100)
	data = append(data, []byte(`{"content_type"`)...)
	_, _, err = ReadFramed(bytes.NewReader(data))
	require.Error(t, err)
}
