package ucan

import (
	"fmt"
	"sort"

	ucanledger "github.com/wolfeidau/ucan-ledger"
	"github.com/wolfeidau/ucan-ledger/car"
	"github.com/wolfeidau/ucan-ledger/codec"
)

// MessageTag keys the root block of an agent message archive.
const MessageTag = "ucanto/message@7.1.0"

type messageBody struct {
	Execute []ucanledger.Link          `cbor:"execute,omitempty"`
	Report  map[string]ucanledger.Link `cbor:"report,omitempty"`
}

// Message is an agent message: invocations to execute and receipts for
// invocations that already ran, in one archive.
type Message struct {
	Root        ucanledger.Link
	Archive     *car.Archive
	Invocations []*Invocation
	Receipts    []*Receipt
}

// DecodeMessage reads the agent message rooted at the first root of the
// archive. Receipts are returned ordered by the invocation they report on.
func DecodeMessage(a *car.Archive) (*Message, error) {
	if len(a.Roots) == 0 {
		return nil, car.ErrNoRoots
	}
	root := a.Roots[0]

	rootBlock, ok := a.Get(root)
	if !ok {
		return nil, fmt.Errorf("%w: root %s", ErrBlockNotFound, root)
	}

	var envelope map[string]messageBody
	if err := codec.Unmarshal(rootBlock.Bytes, &envelope); err != nil {
		return nil, fmt.Errorf("%w: message root %s: %w", ErrMalformed, root, err)
	}
	body, ok := envelope[MessageTag]
	if !ok || len(envelope) != 1 {
		return nil, fmt.Errorf("%w: message root %s is not a %s", ErrMalformed, root, MessageTag)
	}

	msg := &Message{Root: root, Archive: a}
	for _, l := range body.Execute {
		inv, err := FindInvocation(a, l)
		if err != nil {
			return nil, err
		}
		msg.Invocations = append(msg.Invocations, inv)
	}

	keys := make([]string, 0, len(body.Report))
	for k := range body.Report {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		l := body.Report[k]
		b, ok := a.Get(l)
		if !ok {
			return nil, fmt.Errorf("%w: receipt %s", ErrBlockNotFound, l)
		}
		rcpt, err := DecodeReceipt(b)
		if err != nil {
			return nil, err
		}
		if rcpt.Ran().String() != k {
			return nil, fmt.Errorf("%w: receipt %s reported for %s but ran %s", ErrMalformed, l, k, rcpt.Ran())
		}
		msg.Receipts = append(msg.Receipts, rcpt)
	}
	return msg, nil
}

// EncodeMessage builds a CAR archive for an agent message. It returns the
// archive bytes and the root link of the message.
func EncodeMessage(invocations []*Invocation, receipts []*Receipt) ([]byte, ucanledger.Link, error) {
	var body messageBody
	var blocks []car.Block

	for _, inv := range invocations {
		b, err := inv.Block()
		if err != nil {
			return nil, ucanledger.Link{}, err
		}
		blocks = append(blocks, b)
		body.Execute = append(body.Execute, b.Link)
	}
	for _, r := range receipts {
		b, err := r.Block()
		if err != nil {
			return nil, ucanledger.Link{}, err
		}
		blocks = append(blocks, b)
		if body.Report == nil {
			body.Report = make(map[string]ucanledger.Link, len(receipts))
		}
		body.Report[r.Ran().String()] = b.Link
	}

	rootBytes, root, err := codec.Encode(map[string]messageBody{MessageTag: body})
	if err != nil {
		return nil, ucanledger.Link{}, fmt.Errorf("encoding message root: %w", err)
	}

	data, err := car.Encode([]ucanledger.Link{root}, append([]car.Block{{Link: root, Bytes: rootBytes}}, blocks...))
	if err != nil {
		return nil, ucanledger.Link{}, err
	}
	return data, root, nil
}
