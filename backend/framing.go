package backend

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	ucanledger "github.com/wolfeidau/ucan-ledger"
)

var (
	// MagicBytes prefixes every framed object.
	MagicBytes = []byte("ULO1")

	// ErrInvalidMagic is returned when an object doesn't start with MagicBytes.
	ErrInvalidMagic = errors.New("invalid magic bytes: expected ULO1")

	// ErrHeaderTooLarge is returned when the header exceeds MaxHeaderSize.
	ErrHeaderTooLarge = errors.New("header exceeds maximum size")
)

// MaxHeaderSize is the maximum allowed size for the JSON header (64 KiB).
const MaxHeaderSize = 64 * 1024

// Body encodings.
const (
	EncodingIdentity = "identity"
	EncodingZstd     = "zstd"
)

// ObjectHeader describes a stored object. ContentLength and Checksum refer to
// the decoded body, not the bytes on disk.
type ObjectHeader struct {
	ContentType   string              `json:"content_type"`
	ContentLength int64               `json:"content_length"`
	StoredAt      time.Time           `json:"stored_at"`
	Link          string              `json:"link,omitempty"`
	Checksum      ucanledger.Checksum `json:"checksum"`
	Encoding      string              `json:"encoding"`
}

// WriteFramed writes header and body as
// MAGIC (4 bytes) | HDRLEN (uint32 big-endian) | HDR (JSON) | BODY.
func WriteFramed(w io.Writer, header *ObjectHeader, body io.Reader) error {
	headerBytes, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("marshaling header: %w", err)
	}
	if len(headerBytes) > MaxHeaderSize {
		return ErrHeaderTooLarge
	}

	prefix := make([]byte, len(MagicBytes)+4)
	copy(prefix, MagicBytes)
	binary.BigEndian.PutUint32(prefix[len(MagicBytes):], uint32(len(headerBytes))) //nolint:gosec // bounded by MaxHeaderSize

	if _, err := w.Write(prefix); err != nil {
		return fmt.Errorf("writing frame prefix: %w", err)
	}
	if _, err := w.Write(headerBytes); err != nil {
		return fmt.Errorf("writing header: %w", err)
	}
	if _, err := io.Copy(w, body); err != nil {
		return fmt.Errorf("writing body: %w", err)
	}
	return nil
}

// ReadFramed parses the frame prefix and header, returning a reader
// positioned at the start of the body.
func ReadFramed(r io.Reader) (*ObjectHeader, io.Reader, error) {
	prefix := make([]byte, len(MagicBytes)+4)
	if _, err := io.ReadFull(r, prefix); err != nil {
		return nil, nil, fmt.Errorf("reading frame prefix: %w", err)
	}
	if !bytes.Equal(prefix[:len(MagicBytes)], MagicBytes) {
		return nil, nil, ErrInvalidMagic
	}

	headerLen := binary.BigEndian.Uint32(prefix[len(MagicBytes):])
	if headerLen > MaxHeaderSize {
		return nil, nil, ErrHeaderTooLarge
	}

	headerBytes := make([]byte, headerLen)
	if _, err := io.ReadFull(r, headerBytes); err != nil {
		return nil, nil, fmt.Errorf("reading header: %w", err)
	}

	var header ObjectHeader
	if err := json.Unmarshal(headerBytes, &header); err != nil {
		return nil, nil, fmt.Errorf("parsing header: %w", err)
	}
	return &header, r, nil
}
