// Package stream is an ordered, at-least-once record log. Producers append
// records; consumers read from their committed offset and commit after
// processing, so a crash between read and commit replays records.
package stream

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"
)

// MaxPutRecords caps the records appended in one Put call.
const MaxPutRecords = 500

var (
	// ErrTooManyRecords is returned when Put exceeds MaxPutRecords.
	ErrTooManyRecords = errors.New("stream: too many records")

	// ErrInvalidOffset is returned when committing past the end of the log.
	ErrInvalidOffset = errors.New("stream: offset beyond end of log")
)

var bucketOffsets = []byte("stream_offsets") // stream\x00consumer → seq(uint64BE)

// Record is one entry in the log. Data is opaque to the stream.
type Record struct {
	ID           string          `json:"id"`
	PartitionKey string          `json:"partition_key"`
	Data         json.RawMessage `json:"data"`
	PublishedAt  time.Time       `json:"published_at"`
}

// Entry is a record with its position in the log.
type Entry struct {
	Seq    uint64
	Record Record
}

// Log is a named stream kept in a bbolt bucket, keyed by sequence number.
type Log struct {
	db     *bbolt.DB
	name   string
	bucket []byte
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Log.
type Option func(*Log)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Log) {
		l.logger = logger
	}
}

// WithNow sets the clock used for PublishedAt.
func WithNow(now func() time.Time) Option {
	return func(l *Log) {
		l.now = now
	}
}

// Open creates the named stream in db if needed.
func Open(db *bbolt.DB, name string, opts ...Option) (*Log, error) {
	if name == "" {
		return nil, errors.New("stream: empty name")
	}
	l := &Log{
		db:     db,
		name:   name,
		bucket: []byte("stream_" + name),
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.With("component", "stream", "stream", name)

	err := db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{l.bucket, bucketOffsets} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("creating bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return l, nil
}

// Name returns the stream name.
func (l *Log) Name() string {
	return l.name
}

// Put appends records in order, assigning IDs to records without one. The
// batch is appended atomically.
func (l *Log) Put(ctx context.Context, records []Record) error {
	if len(records) > MaxPutRecords {
		return fmt.Errorf("%w: %d > %d", ErrTooManyRecords, len(records), MaxPutRecords)
	}
	if len(records) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	now := l.now().UTC()
	return l.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(l.bucket)
		for i := range records {
			rec := records[i]
			if rec.ID == "" {
				rec.ID = uuid.NewString()
			}
			rec.PublishedAt = now

			seq, err := b.NextSequence()
			if err != nil {
				return fmt.Errorf("allocating sequence: %w", err)
			}
			data, err := json.Marshal(rec)
			if err != nil {
				return fmt.Errorf("encoding record %d: %w", i, err)
			}
			if err := b.Put(encodeSeq(seq), data); err != nil {
				return err
			}
		}
		l.logger.Debug("appended records", "count", len(records))
		return nil
	})
}

// Read returns up to limit entries with a sequence greater than after.
func (l *Log) Read(ctx context.Context, after uint64, limit int) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var entries []Entry
	err := l.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(l.bucket).Cursor()
		for k, v := c.Seek(encodeSeq(after + 1)); k != nil; k, v = c.Next() {
			if limit > 0 && len(entries) == limit {
				return nil
			}
			var rec Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("decoding record %d: %w", binary.BigEndian.Uint64(k), err)
			}
			entries = append(entries, Entry{Seq: binary.BigEndian.Uint64(k), Record: rec})
		}
		return nil
	})
	return entries, err
}

// Commit records that consumer has processed every entry up to seq.
func (l *Log) Commit(ctx context.Context, consumer string, seq uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return l.db.Update(func(tx *bbolt.Tx) error {
		if seq > tx.Bucket(l.bucket).Sequence() {
			return fmt.Errorf("%w: %d", ErrInvalidOffset, seq)
		}
		return tx.Bucket(bucketOffsets).Put(l.offsetKey(consumer), encodeSeq(seq))
	})
}

// Offset returns the last committed sequence for consumer, or zero.
func (l *Log) Offset(ctx context.Context, consumer string) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	var seq uint64
	err := l.db.View(func(tx *bbolt.Tx) error {
		if v := tx.Bucket(bucketOffsets).Get(l.offsetKey(consumer)); v != nil {
			seq = binary.BigEndian.Uint64(v)
		}
		return nil
	})
	return seq, err
}

// Poll reads the next batch for consumer starting after its committed offset.
func (l *Log) Poll(ctx context.Context, consumer string, limit int) ([]Entry, error) {
	offset, err := l.Offset(ctx, consumer)
	if err != nil {
		return nil, err
	}
	return l.Read(ctx, offset, limit)
}

func (l *Log) offsetKey(consumer string) []byte {
	k := make([]byte, 0, len(l.name)+1+len(consumer))
	k = append(k, l.name...)
	k = append(k, 0)
	return append(k, consumer...)
}

func encodeSeq(seq uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, seq)
	return buf
}
