// Package agentlog durably logs agent message archives: it stores the raw
// archive, indexes every invocation and receipt it carries, and fans out a
// normalized record per invocation and receipt to a stream.
package agentlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"time"

	ucanledger "github.com/wolfeidau/ucan-ledger"
	"github.com/wolfeidau/ucan-ledger/car"
	"github.com/wolfeidau/ucan-ledger/store"
	"github.com/wolfeidau/ucan-ledger/store/tabledb"
	"github.com/wolfeidau/ucan-ledger/stream"
	"github.com/wolfeidau/ucan-ledger/telemetry"
	"github.com/wolfeidau/ucan-ledger/ucan"
)

// Index tables. Both map an invocation CID to the archive that carries it
// (in) or carries its receipt (out). Any archive is a valid answer, so rows
// are overwritten without merging.
const (
	TableInvocations = "invocations_in"
	TableReceipts    = "receipts_out"
)

// Publisher appends records to a stream.
type Publisher interface {
	Put(ctx context.Context, records []stream.Record) error
}

// IndexEntry is the value of an index row.
// Rows hold no time so re-indexing an archive writes identical bytes.
type IndexEntry struct {
	Archive ucanledger.Link `json:"archive"`
	Root    ucanledger.Link `json:"root"`
}

// Result describes an ingested archive.
type Result struct {
	Archive     ucanledger.Link
	Invocations []*ucan.Invocation
	Receipts    []*ucan.Receipt
}

// Log ingests agent message archives.
type Log struct {
	archives  *store.ArchiveStore
	db        *tabledb.DB
	publisher Publisher
	logger    *slog.Logger
	now       func() time.Time
}

// Option configures a Log.
type Option func(*Log)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Log) {
		l.logger = logger
	}
}

// WithNow sets the clock used for index rows and record timestamps.
func WithNow(now func() time.Time) Option {
	return func(l *Log) {
		l.now = now
	}
}

// New creates a Log. publisher may be nil, in which case no records are
// emitted.
func New(archives *store.ArchiveStore, db *tabledb.DB, publisher Publisher, opts ...Option) *Log {
	l := &Log{
		archives:  archives,
		db:        db,
		publisher: publisher,
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.With("component", "agentlog")
	return l
}

// Ingest stores, indexes and fans out one agent message archive. Ingesting
// the same bytes again rewrites identical objects and index rows but emits
// the stream records again.
func (l *Log) Ingest(ctx context.Context, body []byte, headers http.Header) (*Result, error) {
	res, err := l.ingest(ctx, body, headers)
	invocations, receipts := 0, 0
	if res != nil {
		invocations, receipts = len(res.Invocations), len(res.Receipts)
	}
	telemetry.RecordIngest(ctx, ingestOutcome(err), int64(len(body)), invocations, receipts)
	return res, err
}

func (l *Log) ingest(ctx context.Context, body []byte, headers http.Header) (*Result, error) {
	if err := checkContentType(headers); err != nil {
		return nil, err
	}

	archive, err := car.Decode(body)
	if err != nil {
		return nil, &DecodeError{Reason: "invalid archive", Err: err}
	}
	msg, err := ucan.DecodeMessage(archive)
	if err != nil {
		return nil, &DecodeError{Reason: "invalid agent message", Err: err}
	}

	if err := l.archives.Put(ctx, msg.Root, body); err != nil {
		return nil, fmt.Errorf("storing archive %s: %w", msg.Root, err)
	}
	if err := l.index(ctx, msg); err != nil {
		return nil, err
	}

	records, err := l.buildRecords(ctx, msg)
	if err != nil {
		return nil, err
	}
	l.emit(ctx, msg.Root, records)

	l.logger.Debug("ingested archive",
		"archive", msg.Root,
		"invocations", len(msg.Invocations),
		"receipts", len(msg.Receipts),
	)
	return &Result{Archive: msg.Root, Invocations: msg.Invocations, Receipts: msg.Receipts}, nil
}

func checkContentType(headers http.Header) error {
	ct := headers.Get("Content-Type")
	if ct == "" {
		return nil
	}
	mediaType, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return &DecodeError{Reason: "invalid content type", Err: err}
	}
	if mediaType != car.ContentType {
		return &DecodeError{Reason: fmt.Sprintf("unsupported content type %q", mediaType)}
	}
	return nil
}

// index writes the in-links and out-links for the archive in transactions of
// at most tabledb.MaxTransactItems rows.
func (l *Log) index(ctx context.Context, msg *ucan.Message) error {
	var items []tabledb.WriteItem

	add := func(table string, task, root ucanledger.Link) error {
		data, err := json.Marshal(IndexEntry{Archive: msg.Root, Root: root})
		if err != nil {
			return err
		}
		items = append(items, tabledb.WriteItem{
			Table: table,
			Key:   tabledb.MakeKey(task.String()),
			Op:    tabledb.OpPut,
			Value: data,
		})
		return nil
	}
	for _, inv := range msg.Invocations {
		if err := add(TableInvocations, inv.Link, inv.Link); err != nil {
			return err
		}
	}
	for _, rcpt := range msg.Receipts {
		if err := add(TableReceipts, rcpt.Ran(), rcpt.Link); err != nil {
			return err
		}
	}

	for start := 0; start < len(items); start += tabledb.MaxTransactItems {
		end := min(start+tabledb.MaxTransactItems, len(items))
		if err := l.db.TransactWrite(ctx, items[start:end]); err != nil {
			return fmt.Errorf("indexing archive %s: %w", msg.Root, err)
		}
	}
	return nil
}

func (l *Log) buildRecords(ctx context.Context, msg *ucan.Message) ([]Record, error) {
	ts := l.now().UnixMilli()
	carCID := msg.Root.String()
	records := make([]Record, 0, len(msg.Invocations)+len(msg.Receipts))

	for _, inv := range msg.Invocations {
		records = append(records, Record{
			CarCID: carCID,
			Task:   inv.Link.String(),
			Kind:   KindRequest,
			Value:  invocationValue(inv),
			TS:     ts,
		})
	}

	for _, rcpt := range msg.Receipts {
		inv, err := l.resolveInvocation(ctx, msg, rcpt.Ran())
		if err != nil {
			return nil, &MissingInvocationRecordError{Receipt: rcpt.Link, Invocation: rcpt.Ran(), Err: err}
		}
		records = append(records, Record{
			CarCID: carCID,
			Task:   inv.Link.String(),
			Kind:   KindResult,
			Value:  invocationValue(inv),
			Out:    NormalizeResult(rcpt.Outcome.Out),
			TS:     ts,
		})
	}
	return records, nil
}

// resolveInvocation follows the in-link index to the archive that carried
// the invocation.
func (l *Log) resolveInvocation(ctx context.Context, current *ucan.Message, task ucanledger.Link) (*ucan.Invocation, error) {
	entry, err := l.lookup(ctx, TableInvocations, task)
	if err != nil {
		if errors.Is(err, tabledb.ErrNotFound) {
			return nil, ErrIndexMiss
		}
		return nil, err
	}

	archive := current.Archive
	if !entry.Archive.Equal(current.Root) {
		archive, err = l.loadArchive(ctx, entry.Archive)
		if err != nil {
			return nil, err
		}
	}

	inv, err := ucan.FindInvocation(archive, task)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvocationAbsent, err)
	}
	return inv, nil
}

func (l *Log) lookup(ctx context.Context, table string, task ucanledger.Link) (*IndexEntry, error) {
	data, err := l.db.Get(ctx, table, tabledb.MakeKey(task.String()))
	if err != nil {
		return nil, err
	}
	var entry IndexEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("decoding index entry for %s: %w", task, err)
	}
	return &entry, nil
}

func (l *Log) loadArchive(ctx context.Context, link ucanledger.Link) (*car.Archive, error) {
	data, err := l.archives.Get(ctx, link)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrArchiveMiss, link)
		}
		return nil, err
	}
	archive, err := car.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("decoding stored archive %s: %w", link, err)
	}
	return archive, nil
}

// emit publishes records. Persistence has already happened, so failures are
// logged and counted but not returned.
func (l *Log) emit(ctx context.Context, archive ucanledger.Link, records []Record) {
	if l.publisher == nil || len(records) == 0 {
		return
	}

	out := make([]stream.Record, 0, len(records))
	for _, r := range records {
		data, err := json.Marshal(r)
		if err != nil {
			l.logger.Error("encoding stream record", "archive", archive, "task", r.Task, "error", err)
			continue
		}
		out = append(out, stream.Record{PartitionKey: r.CarCID, Data: data})
	}

	for start := 0; start < len(out); start += stream.MaxPutRecords {
		end := min(start+stream.MaxPutRecords, len(out))
		batch := out[start:end]
		if err := l.publisher.Put(ctx, batch); err != nil {
			l.logger.Error("emitting stream records", "archive", archive, "count", len(batch), "error", err)
			telemetry.RecordStreamPut(ctx, "ucan", "error", len(batch))
			continue
		}
		telemetry.RecordStreamPut(ctx, "ucan", "success", len(batch))
	}
}

// GetInvocation returns the invocation with the given CID from the archive
// that carried it.
func (l *Log) GetInvocation(ctx context.Context, task ucanledger.Link) (*ucan.Invocation, error) {
	entry, archive, err := l.resolve(ctx, TableInvocations, task)
	if err != nil {
		return nil, err
	}
	inv, err := ucan.FindInvocation(archive, entry.Root)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRecordNotFound, err)
	}
	return inv, nil
}

// GetReceipt returns the receipt for the invocation with the given CID.
func (l *Log) GetReceipt(ctx context.Context, task ucanledger.Link) (*ucan.Receipt, error) {
	entry, archive, err := l.resolve(ctx, TableReceipts, task)
	if err != nil {
		return nil, err
	}
	b, ok := archive.Get(entry.Root)
	if !ok {
		return nil, fmt.Errorf("%w: archive %s lacks receipt for %s", ErrRecordNotFound, entry.Archive, task)
	}
	return ucan.DecodeReceipt(b)
}

func (l *Log) resolve(ctx context.Context, table string, task ucanledger.Link) (*IndexEntry, *car.Archive, error) {
	entry, err := l.lookup(ctx, table, task)
	if err != nil {
		if errors.Is(err, tabledb.ErrNotFound) {
			return nil, nil, fmt.Errorf("%w: %s", ErrRecordNotFound, task)
		}
		return nil, nil, err
	}
	archive, err := l.loadArchive(ctx, entry.Archive)
	if err != nil {
		if errors.Is(err, ErrArchiveMiss) {
			return nil, nil, fmt.Errorf("%w: %w", ErrRecordNotFound, err)
		}
		return nil, nil, err
	}
	return entry, archive, nil
}

func ingestOutcome(err error) string {
	var decodeErr *DecodeError
	var missingErr *MissingInvocationRecordError
	switch {
	case err == nil:
		return "success"
	case errors.As(err, &decodeErr):
		return "decode_error"
	case errors.As(err, &missingErr):
		return "missing_invocation"
	default:
		return "error"
	}
}
