package revocation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	ucanledger "github.com/wolfeidau/ucan-ledger"
	"github.com/wolfeidau/ucan-ledger/car"
	"github.com/wolfeidau/ucan-ledger/codec"
	"github.com/wolfeidau/ucan-ledger/store"
	"github.com/wolfeidau/ucan-ledger/telemetry"
)

// ProofTag keys the root block of a revocation proof archive.
const ProofTag = "revocations@0.0.1"

// ProofEntry is one revocation listed in a proof.
type ProofEntry struct {
	Delegation ucanledger.Link `cbor:"delegation"`
	Cause      ucanledger.Link `cbor:"cause"`
}

type proofBody struct {
	Revocations []ProofEntry `cbor:"revocations"`
}

// Querier returns the revocation records for delegations.
type Querier interface {
	GetAll(ctx context.Context, delegations []ucanledger.Link) ([]Record, error)
}

// CauseSource returns the stored bytes of a cause invocation.
type CauseSource interface {
	Get(ctx context.Context, link ucanledger.Link) ([]byte, error)
}

// ProofBuilder builds revocation proof archives.
type ProofBuilder struct {
	ledger Querier
	causes CauseSource
	logger *slog.Logger
}

// NewProofBuilder creates a proof builder reading records from ledger and
// cause bytes from causes, typically a *store.DelegationStore.
func NewProofBuilder(ledger Querier, causes CauseSource, opts ...Option) *ProofBuilder {
	o := buildOptions(opts)
	return &ProofBuilder{
		ledger: ledger,
		causes: causes,
		logger: o.logger.With("component", "revocation-proof"),
	}
}

// BuildProof returns a CAR archive proving that delegation was revoked,
// along with its root CID. The root lists one entry per revoking scope in
// scope order, so unchanged ledger state always yields the same root. Each
// cause is embedded when its bytes can be fetched and verified against the
// cause CID. ErrNotRevoked is returned when there are no records.
func (b *ProofBuilder) BuildProof(ctx context.Context, delegation ucanledger.Link) ([]byte, ucanledger.Link, error) {
	data, root, err := b.build(ctx, delegation)
	switch {
	case err == nil:
		telemetry.RecordProofBuild(ctx, "revoked")
	case errors.Is(err, ErrNotRevoked):
		telemetry.RecordProofBuild(ctx, "not_revoked")
	default:
		telemetry.RecordProofBuild(ctx, "error")
	}
	return data, root, err
}

func (b *ProofBuilder) build(ctx context.Context, delegation ucanledger.Link) ([]byte, ucanledger.Link, error) {
	records, err := b.ledger.GetAll(ctx, []ucanledger.Link{delegation})
	if err != nil {
		return nil, ucanledger.Link{}, err
	}
	if len(records) == 0 {
		return nil, ucanledger.Link{}, fmt.Errorf("%w: %s", ErrNotRevoked, delegation)
	}

	body := proofBody{Revocations: make([]ProofEntry, len(records))}
	for i, r := range records {
		body.Revocations[i] = ProofEntry{Delegation: r.Revoke, Cause: r.Cause}
	}
	rootBytes, root, err := codec.Encode(map[string]proofBody{ProofTag: body})
	if err != nil {
		return nil, ucanledger.Link{}, fmt.Errorf("encoding proof root: %w", err)
	}

	blocks := []car.Block{{Link: root, Bytes: rootBytes}}
	seen := map[string]bool{}
	for _, r := range records {
		id := r.Cause.String()
		if seen[id] {
			continue
		}
		seen[id] = true
		embedded, err := b.causeBlocks(ctx, r)
		if err != nil {
			return nil, ucanledger.Link{}, err
		}
		blocks = append(blocks, embedded...)
	}

	data, err := car.Encode([]ucanledger.Link{root}, blocks)
	if err != nil {
		return nil, ucanledger.Link{}, err
	}
	return data, root, nil
}

// causeBlocks returns the blocks to embed for a record's cause. Stored bytes
// are either the cause block itself or a CAR containing it. Anything that
// does not verify against the cause CID is skipped.
func (b *ProofBuilder) causeBlocks(ctx context.Context, r Record) ([]car.Block, error) {
	data, err := b.causes.Get(ctx, r.Cause)
	switch {
	case errors.Is(err, store.ErrNotFound):
		b.logger.Warn("revocation cause not found, proof will not embed it",
			"delegation", r.Revoke, "cause", r.Cause)
		telemetry.RecordProofEmbed(ctx, "missing")
		return nil, nil
	case errors.Is(err, store.ErrCorrupted):
		b.logger.Warn("revocation cause failed checksum, proof will not embed it",
			"delegation", r.Revoke, "cause", r.Cause, "error", err)
		telemetry.RecordProofEmbed(ctx, "corrupted")
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("fetching cause %s: %w", r.Cause, err)
	}

	if r.Cause.Verify(data) {
		telemetry.RecordProofEmbed(ctx, "embedded")
		return []car.Block{{Link: r.Cause, Bytes: data}}, nil
	}

	if archive, err := car.Decode(data); err == nil {
		if _, ok := archive.Get(r.Cause); ok {
			telemetry.RecordProofEmbed(ctx, "embedded")
			return archive.Blocks, nil
		}
	}

	b.logger.Warn("revocation cause bytes do not match CID, proof will not embed it",
		"delegation", r.Revoke, "cause", r.Cause, "size", len(data))
	telemetry.RecordProofEmbed(ctx, "mismatch")
	return nil, nil
}
