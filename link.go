// Package ucanledger holds the content-addressed value types shared by the
// invocation log, revocation ledger and blob registry.
package ucanledger

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
)

// Multicodec codes used for links.
const (
	CodecRaw     uint64 = cid.Raw
	CodecDagCBOR uint64 = cid.DagCBOR
	// CodecCAR identifies a CAR archive when it is itself content addressed.
	CodecCAR uint64 = 0x0202
)

// cborLinkTag is the CBOR tag for IPLD links in DAG-CBOR.
const cborLinkTag = 42

var (
	// ErrInvalidLink is returned when a string or bytes are not a valid CID.
	ErrInvalidLink = errors.New("invalid link")

	// ErrUndefinedLink is returned when encoding a zero Link.
	ErrUndefinedLink = errors.New("undefined link")
)

// Link is a content identifier (CID). The zero value is undefined.
type Link struct {
	c cid.Cid
}

// NewLink computes a CIDv1 for data with the given codec and a sha2-256
// multihash.
func NewLink(codec uint64, data []byte) (Link, error) {
	mh, err := multihash.Sum(data, multihash.SHA2_256, -1)
	if err != nil {
		return Link{}, fmt.Errorf("hashing block: %w", err)
	}
	return Link{c: cid.NewCidV1(codec, mh)}, nil
}

// MustLink is NewLink for callers with static inputs.
func MustLink(codec uint64, data []byte) Link {
	l, err := NewLink(codec, data)
	if err != nil {
		panic(err)
	}
	return l
}

// ParseLink parses the string form of a CID.
func ParseLink(s string) (Link, error) {
	c, err := cid.Decode(s)
	if err != nil {
		return Link{}, fmt.Errorf("%w %q: %w", ErrInvalidLink, s, err)
	}
	return Link{c: c}, nil
}

// LinkFromBytes decodes the binary form of a CID. The whole input must be
// consumed.
func LinkFromBytes(b []byte) (Link, error) {
	n, c, err := cid.CidFromBytes(b)
	if err != nil {
		return Link{}, fmt.Errorf("%w: %w", ErrInvalidLink, err)
	}
	if n != len(b) {
		return Link{}, fmt.Errorf("%w: %d trailing bytes", ErrInvalidLink, len(b)-n)
	}
	return Link{c: c}, nil
}

// FromCid wraps a go-cid value.
func FromCid(c cid.Cid) Link {
	return Link{c: c}
}

// Cid returns the underlying go-cid value.
func (l Link) Cid() cid.Cid {
	return l.c
}

// Defined reports whether the link is set.
func (l Link) Defined() bool {
	return l.c.Defined()
}

// String returns the canonical string form (base32 for CIDv1).
func (l Link) String() string {
	if !l.c.Defined() {
		return ""
	}
	return l.c.String()
}

// Bytes returns the binary form of the CID.
func (l Link) Bytes() []byte {
	return l.c.Bytes()
}

// Codec returns the multicodec of the linked data.
func (l Link) Codec() uint64 {
	return l.c.Type()
}

// Digest returns the multihash of the linked data.
func (l Link) Digest() Digest {
	return Digest{mh: l.c.Hash()}
}

// Equal reports whether two links identify the same content.
func (l Link) Equal(other Link) bool {
	return l.c.Equals(other.c)
}

// Verify reports whether data hashes to this link.
func (l Link) Verify(data []byte) bool {
	if !l.c.Defined() {
		return false
	}
	got, err := l.c.Prefix().Sum(data)
	if err != nil {
		return false
	}
	return got.Equals(l.c)
}

// MarshalText implements encoding.TextMarshaler.
func (l Link) MarshalText() ([]byte, error) {
	if !l.c.Defined() {
		return nil, ErrUndefinedLink
	}
	return []byte(l.c.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (l *Link) UnmarshalText(text []byte) error {
	parsed, err := ParseLink(string(text))
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// MarshalCBOR encodes the link as DAG-CBOR: tag 42 over a byte string of a
// zero multibase prefix followed by the binary CID.
func (l Link) MarshalCBOR() ([]byte, error) {
	if !l.c.Defined() {
		return nil, ErrUndefinedLink
	}
	raw := l.c.Bytes()
	content := make([]byte, 1+len(raw))
	copy(content[1:], raw)
	return cbor.Marshal(cbor.Tag{Number: cborLinkTag, Content: content})
}

// UnmarshalCBOR implements cbor.Unmarshaler.
func (l *Link) UnmarshalCBOR(data []byte) error {
	var tag cbor.RawTag
	if err := cbor.Unmarshal(data, &tag); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidLink, err)
	}
	if tag.Number != cborLinkTag {
		return fmt.Errorf("%w: unexpected CBOR tag %d", ErrInvalidLink, tag.Number)
	}
	var content []byte
	if err := cbor.Unmarshal(tag.Content, &content); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidLink, err)
	}
	parsed, err := LinkFromTagContent(content)
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// LinkFromTagContent decodes the payload of a CBOR tag 42.
func LinkFromTagContent(content []byte) (Link, error) {
	if len(content) < 2 || content[0] != 0 {
		return Link{}, fmt.Errorf("%w: missing identity multibase prefix", ErrInvalidLink)
	}
	return LinkFromBytes(content[1:])
}
