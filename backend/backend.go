// Package backend is the object store adapter: a flat key space of
// immutable byte objects with strongly consistent read-after-write per key.
package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
)

var (
	// ErrNotFound is returned when a key does not exist in the backend.
	ErrNotFound = errors.New("not found")

	// ErrInvalidKey is returned for empty, absolute or escaping keys.
	ErrInvalidKey = errors.New("invalid object key")
)

// Backend stores objects under "/" separated keys.
// Implementations must be safe for concurrent use.
type Backend interface {
	// Write stores the object, replacing any existing one at key. Readers
	// never observe a partially written object.
	Write(ctx context.Context, key string, r io.Reader) error

	// Read returns the object at key or ErrNotFound.
	// The caller must close the returned ReadCloser.
	Read(ctx context.Context, key string) (io.ReadCloser, error)

	// Delete removes the object. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	Exists(ctx context.Context, key string) (bool, error)

	// List returns all keys under prefix.
	List(ctx context.Context, prefix string) ([]string, error)

	// Size returns the stored size of the object or ErrNotFound.
	Size(ctx context.Context, key string) (int64, error)
}

// ReadAll reads the whole object at key.
func ReadAll(ctx context.Context, b Backend, key string) ([]byte, error) {
	rc, err := b.Read(ctx, key)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rc.Close() }()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", key, err)
	}
	return data, nil
}

// ValidateKey rejects keys that could resolve outside the store root.
func ValidateKey(key string) error {
	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, "\\") {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	if path.Clean(key) != key {
		return fmt.Errorf("%w: %q is not clean", ErrInvalidKey, key)
	}
	for _, part := range strings.Split(key, "/") {
		if part == ".." || part == "." {
			return fmt.Errorf("%w: %q", ErrInvalidKey, key)
		}
	}
	return nil
}
