// Package blob provides the binary payload tier of the cache: a dumb
// path→bytes store that returns a stable retrieval URL for each object.
// Path derivation is the caller's responsibility, typically
// "category/key.ext"; the store performs no content-addressing of its own.
package blob

import (
	"context"
	"io"
)

// Backend defines the interface for blob storage backends.
// Implementations must be safe for concurrent use.
type Backend interface {
	// Write stores data at the given path, overwriting any existing object.
	Write(ctx context.Context, path string, r io.Reader) error

	// Read retrieves data at the given path.
	// Returns gencache.ErrNotFound if the path does not exist.
	// The caller must close the returned ReadCloser.
	Read(ctx context.Context, path string) (io.ReadCloser, error)

	// Delete removes data at the given path. Deleting a missing path is
	// not an error (idempotent).
	Delete(ctx context.Context, path string) error

	// Exists checks if a path exists.
	Exists(ctx context.Context, path string) (bool, error)

	// List returns all paths with the given prefix, using "/" as the
	// path separator.
	List(ctx context.Context, prefix string) ([]string, error)
}

// SizeAwareBackend extends Backend with size information.
type SizeAwareBackend interface {
	Backend

	// Size returns the size in bytes of the object at the given path.
	// Returns gencache.ErrNotFound if the path does not exist.
	Size(ctx context.Context, path string) (int64, error)
}
