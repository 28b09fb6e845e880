// Package metrics keeps advisory usage counters, admin-wide and per space.
// The space diff log is the authoritative usage record; these counters are
// aggregates updated after the fact.
package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/wolfeidau/ucan-ledger/store/tabledb"
)

// Tables.
const (
	AdminTable = "admin_metrics"
	SpaceTable = "space_metrics"
)

// Counter names, shared by the admin and space tables.
const (
	BlobAddTotal        = "blob/add-total"
	BlobAddSizeTotal    = "blob/add-size-total"
	BlobRemoveTotal     = "blob/remove-total"
	BlobRemoveSizeTotal = "blob/remove-size-total"
)

// TooManyTransactionItemsError is returned when the non-zero deltas of one
// call exceed what a single transaction can hold. Nothing is written.
type TooManyTransactionItemsError struct {
	Count int
	Limit int
}

func (e *TooManyTransactionItemsError) Error() string {
	return fmt.Sprintf("metrics: %d increments exceed the transaction limit of %d", e.Count, e.Limit)
}

// SpaceValue is a delta for one space.
type SpaceValue struct {
	Space string
	Value int64
}

// Deltas is one batch of counter increments. Negative values decrement.
type Deltas struct {
	Admin map[string]int64
	Space map[string][]SpaceValue
}

// Store applies counter increments.
type Store struct {
	db     *tabledb.DB
	logger *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// New creates a Store on db.
func New(db *tabledb.DB, opts ...Option) *Store {
	s := &Store{db: db, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "metrics")
	return s
}

// IncrementTotals applies every non-zero delta in one all-or-nothing
// transaction. Callers with more than tabledb.MaxTransactItems non-zero
// deltas must split them.
func (s *Store) IncrementTotals(ctx context.Context, d Deltas) error {
	items := buildItems(d)
	if len(items) > tabledb.MaxTransactItems {
		return &TooManyTransactionItemsError{Count: len(items), Limit: tabledb.MaxTransactItems}
	}
	if len(items) == 0 {
		return nil
	}
	if err := s.db.TransactWrite(ctx, items); err != nil {
		return fmt.Errorf("incrementing metrics: %w", err)
	}
	s.logger.Debug("incremented metrics", "items", len(items))
	return nil
}

// Get returns an admin counter, zero when never written.
func (s *Store) Get(ctx context.Context, name string) (int64, error) {
	return s.db.Counter(ctx, AdminTable, tabledb.MakeKey(name))
}

// GetSpace returns a space counter, zero when never written.
func (s *Store) GetSpace(ctx context.Context, space, name string) (int64, error) {
	return s.db.Counter(ctx, SpaceTable, tabledb.MakeKey(space, name))
}

// buildItems drops zero deltas and orders items by name so the same deltas
// always produce the same transaction.
func buildItems(d Deltas) []tabledb.WriteItem {
	var items []tabledb.WriteItem

	for _, name := range sortedKeys(d.Admin) {
		if v := d.Admin[name]; v != 0 {
			items = append(items, tabledb.WriteItem{
				Table: AdminTable,
				Key:   tabledb.MakeKey(name),
				Op:    tabledb.OpAdd,
				Delta: v,
			})
		}
	}
	for _, name := range sortedKeys(d.Space) {
		for _, sv := range d.Space[name] {
			if sv.Value == 0 {
				continue
			}
			items = append(items, tabledb.WriteItem{
				Table: SpaceTable,
				Key:   tabledb.MakeKey(sv.Space, name),
				Op:    tabledb.OpAdd,
				Delta: sv.Value,
			})
		}
	}
	return items
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
