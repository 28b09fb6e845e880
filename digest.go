package ucanledger

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/multiformats/go-multihash"
	"github.com/zeebo/blake3"
)

// Algorithm identifies the hash function behind a Digest.
type Algorithm string

const (
	AlgSHA256 Algorithm = "sha2-256"
	AlgBLAKE3 Algorithm = "blake3"
)

// ErrInvalidDigest is returned when a digest cannot be decoded as a multihash.
var ErrInvalidDigest = errors.New("invalid digest")

// Digest is a multihash identifying content independent of its encoding.
// The canonical string form is base58btc.
type Digest struct {
	mh multihash.Multihash
}

// SumDigest hashes data with the given algorithm.
func SumDigest(alg Algorithm, data []byte) (Digest, error) {
	switch alg {
	case AlgSHA256:
		mh, err := multihash.Sum(data, multihash.SHA2_256, -1)
		if err != nil {
			return Digest{}, fmt.Errorf("hashing content: %w", err)
		}
		return Digest{mh: mh}, nil
	case AlgBLAKE3:
		sum := blake3.Sum256(data)
		mh, err := multihash.Encode(sum[:], multihash.BLAKE3)
		if err != nil {
			return Digest{}, fmt.Errorf("encoding multihash: %w", err)
		}
		return Digest{mh: mh}, nil
	default:
		return Digest{}, fmt.Errorf("unsupported algorithm %q", alg)
	}
}

// DigestFromBytes decodes a binary multihash.
func DigestFromBytes(b []byte) (Digest, error) {
	mh, err := multihash.Cast(b)
	if err != nil {
		return Digest{}, fmt.Errorf("%w: %w", ErrInvalidDigest, err)
	}
	return Digest{mh: mh}, nil
}

// ParseDigest parses the base58btc string form of a multihash.
func ParseDigest(s string) (Digest, error) {
	if s == "" {
		return Digest{}, fmt.Errorf("%w: empty string", ErrInvalidDigest)
	}
	mh, err := multihash.FromB58String(s)
	if err != nil {
		return Digest{}, fmt.Errorf("%w: %w", ErrInvalidDigest, err)
	}
	return Digest{mh: mh}, nil
}

// String returns the base58btc encoding of the multihash.
func (d Digest) String() string {
	if len(d.mh) == 0 {
		return ""
	}
	return d.mh.B58String()
}

// Bytes returns the binary multihash.
func (d Digest) Bytes() []byte {
	return []byte(d.mh)
}

// IsZero reports whether the digest is unset.
func (d Digest) IsZero() bool {
	return len(d.mh) == 0
}

// Algorithm returns the hash function of the digest, or an empty string for
// codes this package does not compute.
func (d Digest) Algorithm() Algorithm {
	dec, err := multihash.Decode(d.mh)
	if err != nil {
		return ""
	}
	switch dec.Code {
	case multihash.SHA2_256:
		return AlgSHA256
	case multihash.BLAKE3:
		return AlgBLAKE3
	default:
		return ""
	}
}

// Equal reports whether two digests are byte-identical.
func (d Digest) Equal(other Digest) bool {
	return bytes.Equal(d.mh, other.mh)
}

// Verify reports whether data hashes to this digest.
func (d Digest) Verify(data []byte) bool {
	alg := d.Algorithm()
	if alg == "" {
		return false
	}
	got, err := SumDigest(alg, data)
	if err != nil {
		return false
	}
	return d.Equal(got)
}

// MarshalText implements encoding.TextMarshaler.
func (d Digest) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Digest) UnmarshalText(text []byte) error {
	parsed, err := ParseDigest(string(text))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}
