// Package kv provides the kernel's persistence layer: a bucketed
// key/value store with secondary indexes. The sqlite backend survives
// restarts and holds users, tokens, memory records, apps, and agent
// profiles; the in-memory backend backs tests.
package kv

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = errors.New("kv: key not found")

// Buckets used by the kernel.
const (
	BucketUsers    = "users"
	BucketTokens   = "tokens"
	BucketMemory   = "memory"
	BucketApps     = "apps"
	BucketProfiles = "profiles"
)

// Store is a bucketed key/value store with named secondary indexes.
// Implementations must be safe for concurrent use.
type Store interface {
	// Put writes value under (bucket, key) and replaces the key's
	// secondary index entries with the given index name → values map.
	Put(ctx context.Context, bucket, key string, value []byte, indexes map[string][]string) error

	// Get returns the value stored under (bucket, key) or ErrNotFound.
	Get(ctx context.Context, bucket, key string) ([]byte, error)

	// Delete removes the key and its index entries. Deleting a missing
	// key is not an error.
	Delete(ctx context.Context, bucket, key string) error

	// List returns all key/value pairs in a bucket.
	List(ctx context.Context, bucket string) (map[string][]byte, error)

	// KeysByIndex returns the keys whose index entry (name, value)
	// matches, in unspecified order.
	KeysByIndex(ctx context.Context, bucket, name, value string) ([]string, error)

	// Close releases the underlying resources.
	Close() error
}
