package ucan

import (
	"testing"

	"github.com/stretchr/testify/require"
	ucanledger "github.com/wolfeidau/ucan-ledger"
	"github.com/wolfeidau/ucan-ledger/car"
	"github.com/wolfeidau/ucan-ledger/codec"
)

func testInvocation() *Invocation {
	return NewInvocation("did:key:alice", "did:web:service", Capability{
		With: "did:key:space",
		Can:  "space/blob/add",
		Nb:   map[string]any{"size": 1024},
	})
}

func TestInvocationBlockRoundTrip(t *testing.T) {
	inv := testInvocation()
	exp := int64(1700000000)
	inv.Expiration = &exp

	b, err := inv.Block()
	require.NoError(t, err)
	require.True(t, inv.Link.Equal(b.Link))
	require.Equal(t, ucanledger.CodecDagCBOR, b.Link.Codec())

	got, err := DecodeInvocation(b)
	require.NoError(t, err)
	require.Equal(t, "did:key:alice", got.Issuer)
	require.Equal(t, "did:web:service", got.Audience)
	require.Equal(t, "space/blob/add", got.Ability())
	require.NotNil(t, got.Expiration)
	require.Equal(t, exp, *got.Expiration)
	require.True(t, got.Link.Equal(b.Link))
}

func TestDecodeInvocationRequiresIssuer(t *testing.T) {
	data, link, err := codec.Encode(map[string]any{"v": Version, "aud": "did:web:service"})
	require.NoError(t, err)

	_, err = DecodeInvocation(car.Block{Link: link, Bytes: data})
	require.ErrorIs(t, err, ErrMalformed)
}

func TestReceiptBlockRoundTrip(t *testing.T) {
	inv := testInvocation()
	_, err := inv.Block()
	require.NoError(t, err)

	rcpt := NewReceipt(inv.Link, Result{Ok: map[string]any{}})
	b, err := rcpt.Block()
	require.NoError(t, err)

	got, err := DecodeReceipt(b)
	require.NoError(t, err)
	require.True(t, got.Ran().Equal(inv.Link))
	require.False(t, got.Outcome.Out.IsError())
	require.Equal(t, map[string]any{}, got.Outcome.Out.Ok)
}

func TestReceiptErrorResult(t *testing.T) {
	ran := ucanledger.MustLink(ucanledger.CodecDagCBOR, []byte("task"))
	rcpt := NewReceipt(ran, Result{Error: map[string]any{"name": "Boom"}})

	b, err := rcpt.Block()
	require.NoError(t, err)

	got, err := DecodeReceipt(b)
	require.NoError(t, err)
	require.True(t, got.Outcome.Out.IsError())
	require.Equal(t, map[string]any{"name": "Boom"}, got.Outcome.Out.Error)
}

func TestResultRequiresOneBranch(t *testing.T) {
	_, err := Result{}.MarshalCBOR()
	require.ErrorIs(t, err, ErrMalformed)

	data, err := codec.Marshal(map[string]any{"ok": 1, "error": 2})
	require.NoError(t, err)

	var r Result
	require.ErrorIs(t, r.UnmarshalCBOR(data), ErrMalformed)
}

func TestMessageRoundTrip(t *testing.T) {
	inv := testInvocation()
	prior := NewInvocation("did:key:bob", "did:web:service", Capability{With: "did:key:space", Can: "space/blob/remove"})
	_, err := prior.Block()
	require.NoError(t, err)

	rcpt := NewReceipt(prior.Link, Result{Ok: map[string]any{"size": 10}})

	data, root, err := EncodeMessage([]*Invocation{inv}, []*Receipt{rcpt})
	require.NoError(t, err)

	archive, err := car.Decode(data)
	require.NoError(t, err)
	require.True(t, archive.Roots[0].Equal(root))

	msg, err := DecodeMessage(archive)
	require.NoError(t, err)
	require.True(t, msg.Root.Equal(root))
	require.Len(t, msg.Invocations, 1)
	require.True(t, msg.Invocations[0].Link.Equal(inv.Link))
	require.Len(t, msg.Receipts, 1)
	require.True(t, msg.Receipts[0].Ran().Equal(prior.Link))
}

func TestMessageEncodingIsDeterministic(t *testing.T) {
	a, rootA, err := EncodeMessage([]*Invocation{testInvocation()}, nil)
	require.NoError(t, err)
	b, rootB, err := EncodeMessage([]*Invocation{testInvocation()}, nil)
	require.NoError(t, err)

	require.Equal(t, a, b)
	require.True(t, rootA.Equal(rootB))
}

func TestDecodeMessageRejectsForeignRoot(t *testing.T) {
	data, link, err := codec.Encode(map[string]any{"something/else": map[string]any{}})
	require.NoError(t, err)

	_, err = DecodeMessage(&car.Archive{
		Roots:  []ucanledger.Link{link},
		Blocks: []car.Block{{Link: link, Bytes: data}},
	})
	require.ErrorIs(t, err, ErrMalformed)
}

func TestDecodeMessageMissingInvocationBlock(t *testing.T) {
	missing := ucanledger.MustLink(ucanledger.CodecDagCBOR, []byte("missing"))
	data, link, err := codec.Encode(map[string]any{
		MessageTag: map[string]any{"execute": []ucanledger.Link{missing}},
	})
	require.NoError(t, err)

	_, err = DecodeMessage(&car.Archive{
		Roots:  []ucanledger.Link{link},
		Blocks: []car.Block{{Link: link, Bytes: data}},
	})
	require.ErrorIs(t, err, ErrBlockNotFound)
}
