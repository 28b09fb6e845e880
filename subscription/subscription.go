// Package subscription is the consumer directory: which providers hold a
// storage subscription for a space.
package subscription

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/wolfeidau/ucan-ledger/store/tabledb"
)

// Table holds one row per (space, provider).
const Table = "consumers"

// ErrInvalidConsumer is returned when space or provider is empty.
var ErrInvalidConsumer = errors.New("subscription: space and provider are required")

// Consumer records that provider serves space under subscription.
type Consumer struct {
	Space        string    `json:"space"`
	Provider     string    `json:"provider"`
	Subscription string    `json:"subscription"`
	InsertedAt   time.Time `json:"insertedAt"`
}

// Directory is a bbolt-backed consumer directory.
type Directory struct {
	db  *tabledb.DB
	now func() time.Time
}

// Option configures a Directory.
type Option func(*Directory)

// WithNow sets the clock used for InsertedAt.
func WithNow(now func() time.Time) Option {
	return func(d *Directory) {
		d.now = now
	}
}

// NewDirectory creates a directory on db.
func NewDirectory(db *tabledb.DB, opts ...Option) *Directory {
	d := &Directory{db: db, now: time.Now}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Add registers provider for space. Adding an existing pair replaces its
// subscription.
func (d *Directory) Add(ctx context.Context, space, provider, subscription string) error {
	if space == "" || provider == "" {
		return ErrInvalidConsumer
	}
	data, err := json.Marshal(Consumer{
		Space:        space,
		Provider:     provider,
		Subscription: subscription,
		InsertedAt:   d.now().UTC(),
	})
	if err != nil {
		return err
	}
	return d.db.Put(ctx, Table, tabledb.MakeKey(space, provider), data, tabledb.Always)
}

// Remove deletes the (space, provider) pair if present.
func (d *Directory) Remove(ctx context.Context, space, provider string) error {
	return d.db.Delete(ctx, Table, tabledb.MakeKey(space, provider), tabledb.Always)
}

// ListProvidersForSpace returns the providers of space in lexical order.
func (d *Directory) ListProvidersForSpace(ctx context.Context, space string) ([]string, error) {
	consumers, err := d.List(ctx, space)
	if err != nil {
		return nil, err
	}
	providers := make([]string, len(consumers))
	for i, c := range consumers {
		providers[i] = c.Provider
	}
	return providers, nil
}

// List returns every consumer row for space.
func (d *Directory) List(ctx context.Context, space string) ([]Consumer, error) {
	rows, _, err := d.db.Query(ctx, Table, tabledb.Prefix(space), nil, 0)
	if err != nil {
		return nil, fmt.Errorf("listing consumers of %s: %w", space, err)
	}
	consumers := make([]Consumer, 0, len(rows))
	for _, row := range rows {
		var c Consumer
		if err := json.Unmarshal(row.Value, &c); err != nil {
			return nil, fmt.Errorf("decoding consumer %s: %w", row.Key, err)
		}
		consumers = append(consumers, c)
	}
	return consumers, nil
}
