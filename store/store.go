// Package store keeps immutable content-addressed objects (agent message
// archives and delegation archives) in a backend.Backend.
package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	ucanledger "github.com/wolfeidau/ucan-ledger"
	"github.com/wolfeidau/ucan-ledger/backend"
)

const (
	// CompressionThreshold is the body size above which zstd is attempted.
	CompressionThreshold = 2048

	// MaxObjectSize is the largest decoded body the store accepts.
	MaxObjectSize = 64 * 1024 * 1024
)

var (
	// ErrNotFound is returned when no object exists for a link.
	ErrNotFound = errors.New("store: not found")

	// ErrCorrupted is returned when a stored body fails checksum verification.
	ErrCorrupted = errors.New("store: checksum mismatch")

	// ErrTooLarge is returned for bodies above MaxObjectSize.
	ErrTooLarge = errors.New("store: object too large")
)

// Object is a decoded stored object.
type Object struct {
	Header *backend.ObjectHeader
	Body   []byte
}

// Objects frames, compresses and checksums object bodies on top of a
// backend. It is safe for concurrent use.
type Objects struct {
	backend backend.Backend
	logger  *slog.Logger
	now     func() time.Time

	mu      sync.RWMutex
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// Option configures Objects.
type Option func(*Objects)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Objects) {
		o.logger = logger
	}
}

// WithNow sets the clock used for StoredAt.
func WithNow(now func() time.Time) Option {
	return func(o *Objects) {
		o.now = now
	}
}

// NewObjects creates an object layer over b.
func NewObjects(b backend.Backend, opts ...Option) (*Objects, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxObjectSize))
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}

	o := &Objects{
		backend: b,
		logger:  slog.Default(),
		now:     time.Now,
		encoder: enc,
		decoder: dec,
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = o.logger.With("component", "store")
	return o, nil
}

// Close releases the zstd encoder and decoder.
func (o *Objects) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.encoder != nil {
		_ = o.encoder.Close()
		o.encoder = nil
	}
	if o.decoder != nil {
		o.decoder.Close()
		o.decoder = nil
	}
}

// Put writes body under key, replacing any existing object.
func (o *Objects) Put(ctx context.Context, key, contentType string, link ucanledger.Link, body []byte) error {
	if len(body) > MaxObjectSize {
		return ErrTooLarge
	}

	header := &backend.ObjectHeader{
		ContentType:   contentType,
		ContentLength: int64(len(body)),
		StoredAt:      o.now().UTC(),
		Link:          link.String(),
		Checksum:      ucanledger.ChecksumBytes(body),
		Encoding:      backend.EncodingIdentity,
	}
	payload := o.compress(body)
	if len(payload) < len(body) {
		header.Encoding = backend.EncodingZstd
	} else {
		payload = body
	}

	var buf bytes.Buffer
	if err := backend.WriteFramed(&buf, header, bytes.NewReader(payload)); err != nil {
		return err
	}
	if err := o.backend.Write(ctx, key, &buf); err != nil {
		return fmt.Errorf("writing %s: %w", key, err)
	}
	o.logger.Debug("stored object", "key", key, "size", len(body), "encoding", header.Encoding)
	return nil
}

// Get reads and verifies the object at key.
func (o *Objects) Get(ctx context.Context, key string) (*Object, error) {
	rc, err := o.backend.Read(ctx, key)
	if err != nil {
		if errors.Is(err, backend.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("reading %s: %w", key, err)
	}
	defer func() { _ = rc.Close() }()

	header, r, err := backend.ReadFramed(rc)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", key, err)
	}
	if header.ContentLength > MaxObjectSize {
		return nil, ErrTooLarge
	}
	payload, err := io.ReadAll(io.LimitReader(r, MaxObjectSize+1))
	if err != nil {
		return nil, fmt.Errorf("reading %s body: %w", key, err)
	}

	body, err := o.decompress(header.Encoding, payload)
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", key, err)
	}
	if int64(len(body)) != header.ContentLength || ucanledger.ChecksumBytes(body) != header.Checksum {
		return nil, fmt.Errorf("%w: %s", ErrCorrupted, key)
	}
	return &Object{Header: header, Body: body}, nil
}

// Exists reports whether an object is stored at key.
func (o *Objects) Exists(ctx context.Context, key string) (bool, error) {
	return o.backend.Exists(ctx, key)
}

// List returns the keys under prefix.
func (o *Objects) List(ctx context.Context, prefix string) ([]string, error) {
	return o.backend.List(ctx, prefix)
}

func (o *Objects) compress(body []byte) []byte {
	if len(body) < CompressionThreshold {
		return body
	}
	o.mu.RLock()
	enc := o.encoder
	o.mu.RUnlock()
	if enc == nil {
		return body
	}
	return enc.EncodeAll(body, nil)
}

func (o *Objects) decompress(encoding string, payload []byte) ([]byte, error) {
	switch encoding {
	case backend.EncodingIdentity, "":
		return payload, nil
	case backend.EncodingZstd:
		o.mu.RLock()
		dec := o.decoder
		o.mu.RUnlock()
		if dec == nil {
			return nil, errors.New("decoder closed")
		}
		return dec.DecodeAll(payload, nil)
	default:
		return nil, fmt.Errorf("unsupported encoding %q", encoding)
	}
}
