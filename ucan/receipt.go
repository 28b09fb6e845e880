package ucan

import (
	"fmt"

	ucanledger "github.com/wolfeidau/ucan-ledger"
	"github.com/wolfeidau/ucan-ledger/car"
	"github.com/wolfeidau/ucan-ledger/codec"
)

// Result is the outcome of an invocation. Exactly one of Ok or Error is set.
type Result struct {
	Ok    any
	Error any
}

// IsError reports whether the result is a failure.
func (r Result) IsError() bool {
	return r.Error != nil
}

// MarshalCBOR encodes the result as a single-key map, {ok: ...} or
// {error: ...}.
func (r Result) MarshalCBOR() ([]byte, error) {
	switch {
	case r.Error != nil:
		return codec.Marshal(map[string]any{"error": r.Error})
	case r.Ok != nil:
		return codec.Marshal(map[string]any{"ok": r.Ok})
	default:
		return nil, fmt.Errorf("%w: result has neither ok nor error", ErrMalformed)
	}
}

// UnmarshalCBOR implements cbor.Unmarshaler.
func (r *Result) UnmarshalCBOR(data []byte) error {
	var m map[string]any
	if err := codec.Unmarshal(data, &m); err != nil {
		return err
	}
	okVal, hasOk := m["ok"]
	errVal, hasErr := m["error"]
	if hasOk == hasErr || len(m) != 1 {
		return fmt.Errorf("%w: result must have exactly one of ok or error", ErrMalformed)
	}
	r.Ok, r.Error = okVal, errVal
	return nil
}

// Effects lists follow-up tasks of a receipt.
type Effects struct {
	Fork []ucanledger.Link `cbor:"fork"`
	Join *ucanledger.Link  `cbor:"join,omitempty"`
}

// Outcome is the signed payload of a receipt.
type Outcome struct {
	Ran    ucanledger.Link   `cbor:"ran"`
	Out    Result            `cbor:"out"`
	Fx     Effects           `cbor:"fx"`
	Meta   map[string]any    `cbor:"meta"`
	Issuer string            `cbor:"iss,omitempty"`
	Proofs []ucanledger.Link `cbor:"prf"`
}

// Receipt records the outcome of running an invocation.
type Receipt struct {
	Link      ucanledger.Link `cbor:"-"`
	Outcome   Outcome         `cbor:"ocm"`
	Signature []byte          `cbor:"sig"`
}

// Ran returns the link of the invocation this receipt is for.
func (r *Receipt) Ran() ucanledger.Link {
	return r.Outcome.Ran
}

// Block encodes the receipt, setting Link to the resulting CID.
func (r *Receipt) Block() (car.Block, error) {
	data, link, err := codec.Encode(r)
	if err != nil {
		return car.Block{}, fmt.Errorf("encoding receipt: %w", err)
	}
	r.Link = link
	return car.Block{Link: link, Bytes: data}, nil
}

// DecodeReceipt decodes a receipt block.
func DecodeReceipt(b car.Block) (*Receipt, error) {
	var r Receipt
	if err := codec.Unmarshal(b.Bytes, &r); err != nil {
		return nil, fmt.Errorf("%w: receipt %s: %w", ErrMalformed, b.Link, err)
	}
	if !r.Outcome.Ran.Defined() {
		return nil, fmt.Errorf("%w: receipt %s: missing ran", ErrMalformed, b.Link)
	}
	r.Link = b.Link
	return &r, nil
}

// NewReceipt returns an unsigned receipt reporting out for the invocation
// ran.
func NewReceipt(ran ucanledger.Link, out Result) *Receipt {
	return &Receipt{
		Outcome: Outcome{
			Ran:    ran,
			Out:    out,
			Fx:     Effects{Fork: []ucanledger.Link{}},
			Meta:   map[string]any{},
			Proofs: []ucanledger.Link{},
		},
		Signature: []byte{},
	}
}
