// Package car encodes and decodes CAR v1 archives: a DAG-CBOR header naming
// the root links, followed by length-prefixed (link, bytes) blocks.
package car

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-varint"
	ucanledger "github.com/wolfeidau/ucan-ledger"
	"github.com/wolfeidau/ucan-ledger/codec"
)

// ContentType is the media type of a CAR archive.
const ContentType = "application/vnd.ipld.car"

const (
	// MaxHeaderSize bounds the DAG-CBOR header.
	MaxHeaderSize = 32 * 1024

	// MaxBlockSize bounds a single section (link + bytes).
	MaxBlockSize = 8 * 1024 * 1024
)

var (
	// ErrNoRoots is returned when an archive names no roots.
	ErrNoRoots = errors.New("car: archive has no roots")

	// ErrBlockMismatch is returned when block bytes do not hash to their link.
	ErrBlockMismatch = errors.New("car: block bytes do not match link")

	// ErrUnsupportedVersion is returned for anything other than CAR v1.
	ErrUnsupportedVersion = errors.New("car: unsupported version")
)

// Block is a single content-addressed block.
type Block struct {
	Link  ucanledger.Link
	Bytes []byte
}

// NewBlock creates a block linking data with the given codec.
func NewBlock(codecID uint64, data []byte) (Block, error) {
	l, err := ucanledger.NewLink(codecID, data)
	if err != nil {
		return Block{}, err
	}
	return Block{Link: l, Bytes: data}, nil
}

// Archive is a decoded CAR with its blocks in file order.
type Archive struct {
	Roots  []ucanledger.Link
	Blocks []Block
}

// Get returns the block for a link.
func (a *Archive) Get(l ucanledger.Link) (Block, bool) {
	for _, b := range a.Blocks {
		if b.Link.Equal(l) {
			return b, true
		}
	}
	return Block{}, false
}

type header struct {
	Roots   []ucanledger.Link `cbor:"roots"`
	Version uint64            `cbor:"version"`
}

// Encode writes roots and blocks as CAR v1 bytes. Blocks are written in the
// given order; duplicates are written once.
func Encode(roots []ucanledger.Link, blocks []Block) ([]byte, error) {
	if len(roots) == 0 {
		return nil, ErrNoRoots
	}

	hdr, err := codec.Marshal(header{Roots: roots, Version: 1})
	if err != nil {
		return nil, fmt.Errorf("encoding header: %w", err)
	}

	var buf bytes.Buffer
	buf.Write(varint.ToUvarint(uint64(len(hdr))))
	buf.Write(hdr)

	seen := make(map[string]struct{}, len(blocks))
	for _, b := range blocks {
		key := string(b.Link.Bytes())
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}

		linkBytes := b.Link.Bytes()
		buf.Write(varint.ToUvarint(uint64(len(linkBytes) + len(b.Bytes))))
		buf.Write(linkBytes)
		buf.Write(b.Bytes)
	}
	return buf.Bytes(), nil
}

// Decode parses CAR v1 bytes, verifying every block against its link.
func Decode(data []byte) (*Archive, error) {
	r := bufio.NewReader(bytes.NewReader(data))

	hdrBytes, err := readSection(r, MaxHeaderSize)
	if err != nil {
		return nil, fmt.Errorf("car: reading header: %w", err)
	}

	var hdr header
	if err := codec.Unmarshal(hdrBytes, &hdr); err != nil {
		return nil, fmt.Errorf("car: decoding header: %w", err)
	}
	if hdr.Version != 1 {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, hdr.Version)
	}
	if len(hdr.Roots) == 0 {
		return nil, ErrNoRoots
	}

	archive := &Archive{Roots: hdr.Roots}
	for {
		section, err := readSection(r, MaxBlockSize)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("car: reading block %d: %w", len(archive.Blocks), err)
		}

		block, err := parseBlock(section)
		if err != nil {
			return nil, fmt.Errorf("car: block %d: %w", len(archive.Blocks), err)
		}
		archive.Blocks = append(archive.Blocks, block)
	}
	return archive, nil
}

// readSection reads a varint length prefix and the following bytes.
// It returns io.EOF only when the reader is exhausted before the prefix.
func readSection(r *bufio.Reader, limit uint64) ([]byte, error) {
	n, err := varint.ReadUvarint(r)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, err
	}
	if n == 0 {
		return nil, errors.New("zero length section")
	}
	if n > limit {
		return nil, fmt.Errorf("section of %d bytes exceeds limit of %d", n, limit)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("truncated section: %w", io.ErrUnexpectedEOF)
	}
	return buf, nil
}

func parseBlock(section []byte) (Block, error) {
	link, n, err := readLink(section)
	if err != nil {
		return Block{}, err
	}
	data := section[n:]
	if !link.Verify(data) {
		return Block{}, fmt.Errorf("%w: %s", ErrBlockMismatch, link)
	}
	return Block{Link: link, Bytes: data}, nil
}

// readLink reads a CID from the front of a section.
func readLink(section []byte) (ucanledger.Link, int, error) {
	n, c, err := cid.CidFromBytes(section)
	if err != nil {
		return ucanledger.Link{}, 0, fmt.Errorf("reading link: %w", err)
	}
	return ucanledger.FromCid(c), n, nil
}
