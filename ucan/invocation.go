// Package ucan decodes the capability invocations, receipts and agent
// messages carried inside CAR archives. Signatures are kept as opaque bytes;
// verifying them is left to the upstream authorization layer.
package ucan

import (
	"errors"
	"fmt"

	ucanledger "github.com/wolfeidau/ucan-ledger"
	"github.com/wolfeidau/ucan-ledger/car"
	"github.com/wolfeidau/ucan-ledger/codec"
)

// Version is the UCAN version written by NewInvocation.
const Version = "0.9.1"

var (
	// ErrMalformed is returned when a block cannot be decoded as the
	// expected structure.
	ErrMalformed = errors.New("ucan: malformed block")

	// ErrBlockNotFound is returned when a referenced block is missing from
	// an archive.
	ErrBlockNotFound = errors.New("ucan: block not found in archive")
)

// Capability is a single ability exercised on a resource.
type Capability struct {
	With string         `cbor:"with" json:"with"`
	Can  string         `cbor:"can" json:"can"`
	Nb   map[string]any `cbor:"nb,omitempty" json:"nb,omitempty"`
}

// Invocation is a signed exercise of one or more capabilities. Link is the
// CID of the encoded block and is not part of the encoding.
type Invocation struct {
	Link         ucanledger.Link   `cbor:"-"`
	Version      string            `cbor:"v"`
	Issuer       string            `cbor:"iss"`
	Audience     string            `cbor:"aud"`
	Capabilities []Capability      `cbor:"att"`
	Expiration   *int64            `cbor:"exp,omitempty"`
	Proofs       []ucanledger.Link `cbor:"prf"`
	Signature    []byte            `cbor:"s"`
}

// Ability returns the ability of the first capability, or "" when there are
// none.
func (inv *Invocation) Ability() string {
	if len(inv.Capabilities) == 0 {
		return ""
	}
	return inv.Capabilities[0].Can
}

// Block encodes the invocation, setting Link to the resulting CID.
func (inv *Invocation) Block() (car.Block, error) {
	data, link, err := codec.Encode(inv)
	if err != nil {
		return car.Block{}, fmt.Errorf("encoding invocation: %w", err)
	}
	inv.Link = link
	return car.Block{Link: link, Bytes: data}, nil
}

// DecodeInvocation decodes an invocation block.
func DecodeInvocation(b car.Block) (*Invocation, error) {
	var inv Invocation
	if err := codec.Unmarshal(b.Bytes, &inv); err != nil {
		return nil, fmt.Errorf("%w: invocation %s: %w", ErrMalformed, b.Link, err)
	}
	if inv.Issuer == "" || inv.Audience == "" {
		return nil, fmt.Errorf("%w: invocation %s: missing iss or aud", ErrMalformed, b.Link)
	}
	inv.Link = b.Link
	return &inv, nil
}

// FindInvocation locates and decodes the invocation with the given link.
func FindInvocation(a *car.Archive, link ucanledger.Link) (*Invocation, error) {
	b, ok := a.Get(link)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrBlockNotFound, link)
	}
	return DecodeInvocation(b)
}

// NewInvocation returns an unsigned invocation of caps from issuer to
// audience.
func NewInvocation(issuer, audience string, caps ...Capability) *Invocation {
	return &Invocation{
		Version:      Version,
		Issuer:       issuer,
		Audience:     audience,
		Capabilities: caps,
		Proofs:       []ucanledger.Link{},
		Signature:    []byte{},
	}
}
