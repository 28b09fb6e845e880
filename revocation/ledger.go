// Package revocation records delegation revocations and builds
// self-verifying proof archives from them.
package revocation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	ucanledger "github.com/wolfeidau/ucan-ledger"
	"github.com/wolfeidau/ucan-ledger/store/tabledb"
	"github.com/wolfeidau/ucan-ledger/telemetry"
)

const (
	// Table holds one row per revoked delegation.
	Table = "revocations"

	// MaxBatchKeys is the most delegations GetAll accepts per call.
	MaxBatchKeys = tabledb.MaxBatchGetKeys

	// reservedAttr is the row attribute holding the delegation CID. Every
	// other attribute is a scope.
	reservedAttr = "revoke"
)

// Record revokes Revoke within Scope. Cause is the invocation that
// requested the revocation.
type Record struct {
	Revoke ucanledger.Link
	Scope  string
	Cause  ucanledger.Link
}

// MatchingRevocations maps delegation CID to scope to cause.
type MatchingRevocations map[string]map[string]ucanledger.Link

type scopeEntry struct {
	Cause ucanledger.Link `json:"cause"`
}

// Ledger stores revocation records in a table keyed by delegation CID.
type Ledger struct {
	db     *tabledb.DB
	logger *slog.Logger
}

// Option configures a Ledger or ProofBuilder.
type Option func(*options)

type options struct {
	logger *slog.Logger
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

func buildOptions(opts []Option) options {
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// NewLedger creates a ledger on db.
func NewLedger(db *tabledb.DB, opts ...Option) *Ledger {
	o := buildOptions(opts)
	return &Ledger{
		db:     db,
		logger: o.logger.With("component", "revocation"),
	}
}

// AddAll upserts each record independently. Only the record's scope is
// touched on the row. Processing stops at the first error; records already
// applied stay applied and are safe to apply again.
func (l *Ledger) AddAll(ctx context.Context, records []Record) error {
	applied := 0
	defer func() {
		telemetry.RecordRevocations(ctx, applied)
	}()

	for _, r := range records {
		if err := validate(r); err != nil {
			return err
		}
		err := l.db.Update(ctx, Table, rowKey(r.Revoke), func(current []byte) ([]byte, error) {
			row, err := decodeRow(current)
			if err != nil {
				return nil, err
			}
			return encodeRow(r.Revoke, row, r)
		})
		if err != nil {
			return fmt.Errorf("adding revocation of %s: %w", r.Revoke, err)
		}
		applied++
	}
	return nil
}

// Reset replaces every scope recorded for r.Revoke with r.
func (l *Ledger) Reset(ctx context.Context, r Record) error {
	if err := validate(r); err != nil {
		return err
	}
	data, err := encodeRow(r.Revoke, nil, r)
	if err != nil {
		return err
	}
	if err := l.db.Put(ctx, Table, rowKey(r.Revoke), data, tabledb.Always); err != nil {
		return fmt.Errorf("resetting revocation of %s: %w", r.Revoke, err)
	}
	l.logger.Info("reset revocation", "delegation", r.Revoke, "scope", r.Scope)
	return nil
}

// GetAll returns every record for the given delegations, ordered by input
// order then scope. Missing delegations contribute no records.
func (l *Ledger) GetAll(ctx context.Context, delegations []ucanledger.Link) ([]Record, error) {
	if len(delegations) > MaxBatchKeys {
		return nil, fmt.Errorf("%w: %d > %d", ErrBatchTooLarge, len(delegations), MaxBatchKeys)
	}

	byKey := make(map[string]ucanledger.Link, len(delegations))
	keys := make([]tabledb.Key, 0, len(delegations))
	order := make([]ucanledger.Link, 0, len(delegations))
	for _, d := range delegations {
		k := rowKey(d)
		if _, dup := byKey[string(k)]; dup {
			continue
		}
		byKey[string(k)] = d
		keys = append(keys, k)
		order = append(order, d)
	}

	found, unprocessed, err := l.db.BatchGet(ctx, Table, keys)
	if err != nil {
		return nil, fmt.Errorf("reading revocations: %w", err)
	}
	if len(unprocessed) > 0 {
		partial := &PartialResponseError{}
		for _, k := range unprocessed {
			partial.Unprocessed = append(partial.Unprocessed, byKey[string(k)])
		}
		return nil, partial
	}

	var records []Record
	for _, d := range order {
		data, ok := found[string(rowKey(d))]
		if !ok {
			continue
		}
		row, err := decodeRow(data)
		if err != nil {
			return nil, fmt.Errorf("decoding revocation row %s: %w", d, err)
		}
		scopes := make([]string, 0, len(row))
		for scope := range row {
			scopes = append(scopes, scope)
		}
		sort.Strings(scopes)
		for _, scope := range scopes {
			records = append(records, Record{Revoke: d, Scope: scope, Cause: row[scope].Cause})
		}
	}
	return records, nil
}

// Match returns the revocations recorded for the given delegations.
func (l *Ledger) Match(ctx context.Context, delegations []ucanledger.Link) (MatchingRevocations, error) {
	records, err := l.GetAll(ctx, delegations)
	if err != nil {
		return nil, err
	}
	out := MatchingRevocations{}
	for _, r := range records {
		id := r.Revoke.String()
		if out[id] == nil {
			out[id] = map[string]ucanledger.Link{}
		}
		out[id][r.Scope] = r.Cause
	}
	return out, nil
}

// Query returns the revocations for a single delegation. The result is empty
// when it has none.
func (l *Ledger) Query(ctx context.Context, delegation ucanledger.Link) (MatchingRevocations, error) {
	return l.Match(ctx, []ucanledger.Link{delegation})
}

func validate(r Record) error {
	switch {
	case !r.Revoke.Defined():
		return fmt.Errorf("%w: missing delegation", ErrInvalidRecord)
	case !r.Cause.Defined():
		return fmt.Errorf("%w: missing cause", ErrInvalidRecord)
	case r.Scope == "" || r.Scope == reservedAttr:
		return fmt.Errorf("%w: invalid scope %q", ErrInvalidRecord, r.Scope)
	}
	return nil
}

func rowKey(l ucanledger.Link) tabledb.Key {
	return tabledb.MakeKey(l.String())
}

// decodeRow returns the scopes of a stored row, skipping the reserved
// attribute.
func decodeRow(data []byte) (map[string]scopeEntry, error) {
	row := map[string]scopeEntry{}
	if data == nil {
		return row, nil
	}
	var attrs map[string]json.RawMessage
	if err := json.Unmarshal(data, &attrs); err != nil {
		return nil, err
	}
	for name, raw := range attrs {
		if name == reservedAttr {
			continue
		}
		var entry scopeEntry
		if err := json.Unmarshal(raw, &entry); err != nil {
			return nil, fmt.Errorf("scope %s: %w", name, err)
		}
		if !entry.Cause.Defined() {
			return nil, errors.New("scope " + name + ": missing cause")
		}
		row[name] = entry
	}
	return row, nil
}

func encodeRow(revoke ucanledger.Link, row map[string]scopeEntry, r Record) ([]byte, error) {
	attrs := make(map[string]any, len(row)+2)
	for scope, entry := range row {
		attrs[scope] = entry
	}
	attrs[r.Scope] = scopeEntry{Cause: r.Cause}
	attrs[reservedAttr] = revoke
	return json.Marshal(attrs)
}
