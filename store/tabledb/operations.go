package tabledb

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"

	"go.etcd.io/bbolt"
)

// Condition guards a write.
type Condition int

const (
	// Always applies the write unconditionally.
	Always Condition = iota
	// MustExist requires the row to be present.
	MustExist
	// MustNotExist requires the row to be absent.
	MustNotExist
	// MustEqual requires the row to hold exactly WriteItem.Expected.
	MustEqual
)

func (c Condition) String() string {
	switch c {
	case MustExist:
		return "must-exist"
	case MustNotExist:
		return "must-not-exist"
	case MustEqual:
		return "must-equal"
	default:
		return "always"
	}
}

func (c Condition) holds(current, expected []byte) bool {
	switch c {
	case MustExist:
		return current != nil
	case MustNotExist:
		return current == nil
	case MustEqual:
		return current != nil && bytes.Equal(current, expected)
	default:
		return true
	}
}

// Op is the kind of write in a transaction item.
type Op int

const (
	// OpPut stores Value.
	OpPut Op = iota
	// OpDelete removes the row.
	OpDelete
	// OpAdd adds Delta to a counter row, creating it at zero if absent.
	OpAdd
)

// WriteItem is one write in a TransactWrite call. Expected is only read by
// the MustEqual condition.
type WriteItem struct {
	Table     string
	Key       Key
	Op        Op
	Value     []byte
	Delta     int64
	Condition Condition
	Expected  []byte
}

// Row is a key and value returned by Query.
type Row struct {
	Key   Key
	Value []byte
}

// Get returns the row value or ErrNotFound.
func (d *DB) Get(ctx context.Context, table string, key Key) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var data []byte
	err := d.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(table))
		if b == nil {
			return ErrNotFound
		}
		v := b.Get(key)
		if v == nil {
			return ErrNotFound
		}
		data = clone(v)
		return nil
	})
	return data, err
}

// BatchGet reads up to MaxBatchGetKeys rows in one snapshot. Missing rows are
// absent from found. Keys not read because the byte limit was reached are
// returned in unprocessed and must be retried by the caller.
func (d *DB) BatchGet(ctx context.Context, table string, keys []Key) (found map[string][]byte, unprocessed []Key, err error) {
	if len(keys) > MaxBatchGetKeys {
		return nil, nil, fmt.Errorf("%w: %d > %d", ErrBatchTooLarge, len(keys), MaxBatchGetKeys)
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	found = make(map[string][]byte, len(keys))
	err = d.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(table))
		if b == nil {
			return nil
		}
		read := 0
		for i, key := range keys {
			if read >= d.batchByteLimit {
				unprocessed = append(unprocessed, keys[i:]...)
				return nil
			}
			if v := b.Get(key); v != nil {
				found[string(key)] = clone(v)
				read += len(v)
			}
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return found, unprocessed, nil
}

// Put stores a row subject to cond.
func (d *DB) Put(ctx context.Context, table string, key Key, value []byte, cond Condition) error {
	return d.TransactWrite(ctx, []WriteItem{{Table: table, Key: key, Op: OpPut, Value: value, Condition: cond}})
}

// Delete removes a row subject to cond.
func (d *DB) Delete(ctx context.Context, table string, key Key, cond Condition) error {
	return d.TransactWrite(ctx, []WriteItem{{Table: table, Key: key, Op: OpDelete, Condition: cond}})
}

// Update runs a read-modify-write on one row inside a single transaction.
// fn receives the current value (nil when absent) and returns the new value.
// Returning nil deletes the row.
func (d *DB) Update(ctx context.Context, table string, key Key, fn func(current []byte) ([]byte, error)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return d.db.Update(func(tx *bbolt.Tx) error {
		b, err := tableForWrite(tx, table)
		if err != nil {
			return err
		}
		next, err := fn(clone(b.Get(key)))
		if err != nil {
			return err
		}
		if next == nil {
			return b.Delete(key)
		}
		return b.Put(key, next)
	})
}

// TransactWrite applies all items atomically. If any condition fails nothing
// is written and a *ConditionFailedError is returned.
func (d *DB) TransactWrite(ctx context.Context, items []WriteItem) error {
	if len(items) > MaxTransactItems {
		return fmt.Errorf("%w: %d > %d", ErrTooManyItems, len(items), MaxTransactItems)
	}
	if len(items) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	return d.db.Update(func(tx *bbolt.Tx) error {
		for i, item := range items {
			b, err := tableForWrite(tx, item.Table)
			if err != nil {
				return err
			}
			current := b.Get(item.Key)
			if !item.Condition.holds(current, item.Expected) {
				return &ConditionFailedError{Index: i, Table: item.Table, Key: item.Key, Condition: item.Condition}
			}

			switch item.Op {
			case OpPut:
				err = b.Put(item.Key, item.Value)
			case OpDelete:
				err = b.Delete(item.Key)
			case OpAdd:
				var n int64
				n, err = decodeCounter(current)
				if err == nil {
					err = b.Put(item.Key, encodeCounter(n+item.Delta))
				}
			default:
				err = fmt.Errorf("unknown op %d", item.Op)
			}
			if err != nil {
				return fmt.Errorf("item %d (%s %s): %w", i, item.Table, item.Key, err)
			}
		}
		return nil
	})
}

// Query returns up to limit rows whose keys start with prefix, in key order,
// beginning after startAfter when it is set. more reports whether further
// rows match.
func (d *DB) Query(ctx context.Context, table string, prefix, startAfter Key, limit int) (rows []Row, more bool, err error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	err = d.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(table))
		if b == nil {
			return nil
		}
		c := b.Cursor()

		var k, v []byte
		if len(startAfter) > 0 && bytes.Compare(startAfter, prefix) >= 0 {
			k, v = c.Seek(startAfter)
			if k != nil && bytes.Equal(k, startAfter) {
				k, v = c.Next()
			}
		} else {
			k, v = c.Seek(prefix)
		}

		for ; k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			if limit > 0 && len(rows) == limit {
				more = true
				return nil
			}
			rows = append(rows, Row{Key: clone(k), Value: clone(v)})
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return rows, more, nil
}

// Counter returns the value of a counter row written by OpAdd, or zero when
// absent.
func (d *DB) Counter(ctx context.Context, table string, key Key) (int64, error) {
	v, err := d.Get(ctx, table, key)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return 0, nil
		}
		return 0, err
	}
	return decodeCounter(v)
}

func encodeCounter(n int64) []byte {
	return strconv.AppendInt(nil, n, 10)
}

func decodeCounter(v []byte) (int64, error) {
	if v == nil {
		return 0, nil
	}
	n, err := strconv.ParseInt(string(v), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("decoding counter: %w", err)
	}
	return n, nil
}
