// Package registry tracks which blobs each space holds and logs every size
// change per provider as an append-only space diff.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	ucanledger "github.com/wolfeidau/ucan-ledger"
	"github.com/wolfeidau/ucan-ledger/metrics"
	"github.com/wolfeidau/ucan-ledger/store/tabledb"
	"github.com/wolfeidau/ucan-ledger/subscription"
	"github.com/wolfeidau/ucan-ledger/telemetry"
)

// Tables.
const (
	BlobTable = "blob_registry"
	DiffTable = "space_diff"
)

// DefaultPageSize is the page size used by Entries when none is given.
const DefaultPageSize = 20

// diffTimeLayout is fixed width so diff keys sort by time.
const diffTimeLayout = "2006-01-02T15:04:05.000000000Z"

const maxDeregisterAttempts = 3

var (
	// ErrEntryNotFound is returned when no entry exists for (space, digest).
	ErrEntryNotFound = errors.New("registry: entry not found")

	// ErrEntryExists is returned when registering a blob the space already
	// holds.
	ErrEntryExists = errors.New("registry: entry already exists")

	// ErrInvalidRequest is returned for requests missing a space, digest or
	// cause, or carrying a negative size.
	ErrInvalidRequest = errors.New("registry: invalid request")

	errEntryChanged = errors.New("registry: entry changed concurrently")
)

// Blob identifies content and its size in bytes.
type Blob struct {
	Digest ucanledger.Digest
	Size   int64
}

// Entry records that a space holds a blob.
type Entry struct {
	Space      string
	Blob       Blob
	Cause      ucanledger.Link
	InsertedAt time.Time
}

type entryRow struct {
	Space      string            `json:"space"`
	Digest     ucanledger.Digest `json:"digest"`
	Size       int64             `json:"size"`
	Cause      ucanledger.Link   `json:"cause"`
	InsertedAt time.Time         `json:"insertedAt"`
}

func (r entryRow) entry() *Entry {
	return &Entry{
		Space:      r.Space,
		Blob:       Blob{Digest: r.Digest, Size: r.Size},
		Cause:      r.Cause,
		InsertedAt: r.InsertedAt,
	}
}

// Diff is one change to the size of a space as seen by one provider.
type Diff struct {
	Provider     string          `json:"provider"`
	Space        string          `json:"space"`
	Subscription string          `json:"subscription"`
	Cause        ucanledger.Link `json:"cause"`
	Delta        int64           `json:"delta"`
	ReceiptAt    time.Time       `json:"receiptAt"`
	InsertedAt   time.Time       `json:"insertedAt"`
}

// RegisterRequest adds a blob to a space.
type RegisterRequest struct {
	Space string
	Blob  Blob
	Cause ucanledger.Link
}

// DeregisterRequest removes a blob from a space.
type DeregisterRequest struct {
	Space  string
	Digest ucanledger.Digest
	Cause  ucanledger.Link
}

// ConsumerLister lists the providers subscribed to a space.
type ConsumerLister interface {
	List(ctx context.Context, space string) ([]subscription.Consumer, error)
}

// Counters receives best-effort usage increments.
type Counters interface {
	IncrementTotals(ctx context.Context, d metrics.Deltas) error
}

// Registry is the blob registry.
type Registry struct {
	db        *tabledb.DB
	consumers ConsumerLister
	counters  Counters
	logger    *slog.Logger
	now       func() time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		r.logger = logger
	}
}

// WithNow sets the clock used for insertedAt and receiptAt.
func WithNow(now func() time.Time) Option {
	return func(r *Registry) {
		r.now = now
	}
}

// New creates a registry. counters may be nil to skip usage metrics.
func New(db *tabledb.DB, consumers ConsumerLister, counters Counters, opts ...Option) *Registry {
	r := &Registry{
		db:        db,
		consumers: consumers,
		counters:  counters,
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "registry")
	return r
}

// Find returns the entry for (space, digest) or ErrEntryNotFound.
func (r *Registry) Find(ctx context.Context, space string, digest ucanledger.Digest) (*Entry, error) {
	_, entry, err := r.load(ctx, space, digest)
	return entry, err
}

// load returns the stored row bytes along with the decoded entry.
func (r *Registry) load(ctx context.Context, space string, digest ucanledger.Digest) ([]byte, *Entry, error) {
	data, err := r.db.Get(ctx, BlobTable, entryKey(space, digest))
	if err != nil {
		if errors.Is(err, tabledb.ErrNotFound) {
			return nil, nil, ErrEntryNotFound
		}
		return nil, nil, err
	}
	var row entryRow
	if err := json.Unmarshal(data, &row); err != nil {
		return nil, nil, fmt.Errorf("decoding entry %s/%s: %w", space, digest, err)
	}
	return data, row.entry(), nil
}

// Register creates the entry and one diff of +size per subscribed provider
// in a single transaction. If the space already holds the blob nothing is
// written and ErrEntryExists is returned.
func (r *Registry) Register(ctx context.Context, req RegisterRequest) error {
	if req.Space == "" || req.Blob.Digest.IsZero() || req.Blob.Size < 0 || !req.Cause.Defined() {
		return ErrInvalidRequest
	}
	now := r.now().UTC()

	data, err := json.Marshal(entryRow{
		Space:      req.Space,
		Digest:     req.Blob.Digest,
		Size:       req.Blob.Size,
		Cause:      req.Cause,
		InsertedAt: now,
	})
	if err != nil {
		return err
	}
	items := []tabledb.WriteItem{{
		Table:     BlobTable,
		Key:       entryKey(req.Space, req.Blob.Digest),
		Op:        tabledb.OpPut,
		Value:     data,
		Condition: tabledb.MustNotExist,
	}}

	diffs, err := r.diffItems(ctx, req.Space, req.Cause, req.Blob.Size, now)
	if err != nil {
		telemetry.RecordRegistryOp(ctx, "register", "error", 0)
		return err
	}
	items = append(items, diffs...)

	if err := r.db.TransactWrite(ctx, items); err != nil {
		var condErr *tabledb.ConditionFailedError
		if errors.As(err, &condErr) && condErr.Index == 0 {
			telemetry.RecordRegistryOp(ctx, "register", "exists", 0)
			return ErrEntryExists
		}
		telemetry.RecordRegistryOp(ctx, "register", "error", 0)
		return fmt.Errorf("registering %s in %s: %w", req.Blob.Digest, req.Space, err)
	}
	telemetry.RecordRegistryOp(ctx, "register", "success", len(diffs))

	r.incrementUsage(ctx, req.Space, metrics.BlobAddTotal, metrics.BlobAddSizeTotal, req.Blob.Size)
	return nil
}

// Deregister deletes the entry and writes one diff of -size per subscribed
// provider in a single transaction. ErrEntryNotFound is returned when the
// space does not hold the blob.
//
// The delete only applies if the row still holds the bytes the size was read
// from. When it was replaced in between, the read is repeated.
func (r *Registry) Deregister(ctx context.Context, req DeregisterRequest) error {
	if req.Space == "" || req.Digest.IsZero() || !req.Cause.Defined() {
		return ErrInvalidRequest
	}

	for range maxDeregisterAttempts {
		size, diffs, err := r.deregister(ctx, req)
		switch {
		case err == nil:
			telemetry.RecordRegistryOp(ctx, "deregister", "success", diffs)
			r.incrementUsage(ctx, req.Space, metrics.BlobRemoveTotal, metrics.BlobRemoveSizeTotal, size)
			return nil
		case errors.Is(err, errEntryChanged):
			r.logger.Debug("entry changed during deregister, retrying",
				"space", req.Space, "digest", req.Digest)
			continue
		case errors.Is(err, ErrEntryNotFound):
			telemetry.RecordRegistryOp(ctx, "deregister", "not_found", 0)
			return err
		default:
			telemetry.RecordRegistryOp(ctx, "deregister", "error", 0)
			return err
		}
	}
	telemetry.RecordRegistryOp(ctx, "deregister", "conflict", 0)
	return fmt.Errorf("deregistering %s from %s: %w", req.Digest, req.Space, errEntryChanged)
}

// deregister makes one attempt, returning the removed size and the number of
// diffs written.
func (r *Registry) deregister(ctx context.Context, req DeregisterRequest) (int64, int, error) {
	current, entry, err := r.load(ctx, req.Space, req.Digest)
	if err != nil {
		return 0, 0, err
	}
	size := entry.Blob.Size
	now := r.now().UTC()

	items := []tabledb.WriteItem{{
		Table:     BlobTable,
		Key:       entryKey(req.Space, req.Digest),
		Op:        tabledb.OpDelete,
		Condition: tabledb.MustEqual,
		Expected:  current,
	}}
	diffs, err := r.diffItems(ctx, req.Space, req.Cause, -size, now)
	if err != nil {
		return 0, 0, err
	}
	items = append(items, diffs...)

	if err := r.db.TransactWrite(ctx, items); err != nil {
		var condErr *tabledb.ConditionFailedError
		if errors.As(err, &condErr) && condErr.Index == 0 {
			return 0, 0, errEntryChanged
		}
		return 0, 0, fmt.Errorf("deregistering %s from %s: %w", req.Digest, req.Space, err)
	}
	return size, len(diffs), nil
}

// diffItems builds one diff put per provider subscribed to space. A provider
// lookup failure aborts the operation before anything is written.
func (r *Registry) diffItems(ctx context.Context, space string, cause ucanledger.Link, delta int64, now time.Time) ([]tabledb.WriteItem, error) {
	consumers, err := r.consumers.List(ctx, space)
	if err != nil {
		return nil, fmt.Errorf("listing providers for %s: %w", space, err)
	}
	if len(consumers)+1 > tabledb.MaxTransactItems {
		return nil, fmt.Errorf("%w: %d providers for %s", tabledb.ErrTooManyItems, len(consumers), space)
	}

	items := make([]tabledb.WriteItem, 0, len(consumers))
	for _, c := range consumers {
		data, err := json.Marshal(Diff{
			Provider:     c.Provider,
			Space:        space,
			Subscription: c.Subscription,
			Cause:        cause,
			Delta:        delta,
			ReceiptAt:    now,
			InsertedAt:   now,
		})
		if err != nil {
			return nil, err
		}
		items = append(items, tabledb.WriteItem{
			Table:     DiffTable,
			Key:       diffKey(c.Provider, space, now, cause),
			Op:        tabledb.OpPut,
			Value:     data,
			Condition: tabledb.MustNotExist,
		})
	}
	return items, nil
}

// incrementUsage updates the advisory counters. The registry transaction has
// already committed, so failures are logged and counted only.
func (r *Registry) incrementUsage(ctx context.Context, space, countName, sizeName string, size int64) {
	if r.counters == nil {
		return
	}
	err := r.counters.IncrementTotals(ctx, metrics.Deltas{
		Admin: map[string]int64{countName: 1, sizeName: size},
		Space: map[string][]metrics.SpaceValue{
			countName: {{Space: space, Value: 1}},
			sizeName:  {{Space: space, Value: size}},
		},
	})
	if err != nil {
		r.logger.Error("incrementing usage metrics", "space", space, "metric", countName, "error", err)
		telemetry.RecordUsageMetricError(ctx, "registry")
	}
}

func entryKey(space string, digest ucanledger.Digest) tabledb.Key {
	return tabledb.MakeKey(space, digest.String())
}

func diffKey(provider, space string, receiptAt time.Time, cause ucanledger.Link) tabledb.Key {
	return tabledb.MakeKey(provider, space, receiptAt.UTC().Format(diffTimeLayout), cause.String())
}
