// Package store defines the key-value persistence layer backing the
// channel registry, together with a NATS JetStream KV implementation for
// production use and an in-memory implementation for tests and
// single-process deployments.
package store

import "context"

// Adapter is the minimal key-value surface the registry needs. Values
// are opaque byte strings. Implementations must be safe for concurrent
// use; a single Set is atomic from the caller's perspective.
type Adapter interface {
	// Get returns the value stored under key, or errors.ErrKeyNotFound
	// if no value exists.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores value under key, overwriting any existing value.
	Set(ctx context.Context, key string, value []byte) error

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// Scan returns all keys beginning with prefix. Order is
	// store-determined. The result is an eventually-consistent snapshot:
	// keys created or deleted concurrently may or may not appear.
	Scan(ctx context.Context, prefix string) ([]string, error)
}
