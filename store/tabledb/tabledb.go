// Package tabledb is the structured table store: named tables of JSON rows
// in bbolt with conditional writes, bounded all-or-nothing transactions,
// batched reads and prefix queries.
package tabledb

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.etcd.io/bbolt"
)

const (
	// MaxTransactItems caps the writes in one TransactWrite call.
	MaxTransactItems = 100

	// MaxBatchGetKeys caps the keys in one BatchGet call.
	MaxBatchGetKeys = 100

	// DefaultBatchGetByteLimit bounds the value bytes one BatchGet returns.
	// Keys past the limit come back unprocessed.
	DefaultBatchGetByteLimit = 16 * 1024 * 1024
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("tabledb: not found")

	// ErrTooManyItems is returned when TransactWrite exceeds MaxTransactItems.
	ErrTooManyItems = errors.New("tabledb: too many transaction items")

	// ErrBatchTooLarge is returned when BatchGet exceeds MaxBatchGetKeys.
	ErrBatchTooLarge = errors.New("tabledb: too many keys in batch")

	// ErrInvalidTable is returned for an empty table name.
	ErrInvalidTable = errors.New("tabledb: invalid table name")
)

// ConditionFailedError reports the transaction item whose condition did not
// hold. The transaction was rolled back.
type ConditionFailedError struct {
	Index     int
	Table     string
	Key       Key
	Condition Condition
}

func (e *ConditionFailedError) Error() string {
	return fmt.Sprintf("tabledb: condition %s failed for item %d (%s %s)", e.Condition, e.Index, e.Table, e.Key)
}

// DB is a bbolt-backed table store. Each table is a top-level bucket.
type DB struct {
	db             *bbolt.DB
	logger         *slog.Logger
	noSync         bool
	batchByteLimit int
}

// Option configures a DB.
type Option func(*DB)

// WithLogger sets the logger for the database.
func WithLogger(logger *slog.Logger) Option {
	return func(d *DB) {
		d.logger = logger
	}
}

// WithNoSync disables fsync per transaction. Use only in tests.
func WithNoSync(noSync bool) Option {
	return func(d *DB) {
		d.noSync = noSync
	}
}

// WithBatchGetByteLimit overrides DefaultBatchGetByteLimit.
func WithBatchGetByteLimit(n int) Option {
	return func(d *DB) {
		d.batchByteLimit = n
	}
}

// Open opens (or creates) the database file at path.
func Open(path string, opts ...Option) (*DB, error) {
	d := &DB{
		logger:         slog.Default(),
		batchByteLimit: DefaultBatchGetByteLimit,
	}
	for _, opt := range opts {
		opt(d)
	}

	db, err := bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout: 1 * time.Second,
		NoSync:  d.noSync,
	})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	d.db = db
	d.logger = d.logger.With("component", "tabledb")
	d.logger.Debug("opened table store", "path", path, "noSync", d.noSync)
	return d, nil
}

// CreateTables creates the named tables if they do not exist.
func (d *DB) CreateTables(names ...string) error {
	return d.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range names {
			if _, err := tableForWrite(tx, name); err != nil {
				return err
			}
		}
		return nil
	})
}

// Close closes the database.
func (d *DB) Close() error {
	if d.db == nil {
		return nil
	}
	return d.db.Close()
}

// Bolt returns the underlying bbolt database. The stream and subscription
// packages keep their buckets in the same file.
func (d *DB) Bolt() *bbolt.DB {
	return d.db
}

func tableForWrite(tx *bbolt.Tx, name string) (*bbolt.Bucket, error) {
	if name == "" {
		return nil, ErrInvalidTable
	}
	b, err := tx.CreateBucketIfNotExists([]byte(name))
	if err != nil {
		return nil, fmt.Errorf("creating table %s: %w", name, err)
	}
	return b, nil
}

func clone(v []byte) []byte {
	if v == nil {
		return nil
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out
}
