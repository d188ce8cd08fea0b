// Package kv defines the key-value store contract shared by the rate limiter,
// login flow storage, and token strategies.
//
// # Atomicity
//
// IncrWithTTL and CompareAndSwap must each execute as a single store-level
// operation. Backends that cannot provide that (for example a plain cache
// with separate GET and SET) must not implement Store.
//
// # Failure model
//
// Every backend error is reported wrapped in ErrUnavailable. Callers in this
// module treat ErrUnavailable as a rejection: a store outage never grants
// access.
package kv

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned by Get and TTL when the key is absent or expired.
	ErrNotFound = errors.New("kv: key not found")
	// ErrUnavailable wraps backend failures, including call timeouts.
	ErrUnavailable = errors.New("kv: store unavailable")
)

// Store is a minimal key-value store with per-key expiry.
//
// A ttl of zero means the key does not expire.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	Exists(ctx context.Context, key string) (bool, error)

	// IncrWithTTL atomically increments the integer counter at key and
	// returns the new value. The ttl is applied only when the counter is
	// created, which gives fixed-window semantics.
	IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error)

	// CompareAndSwap atomically replaces the value at key with next when
	// the current value equals prev. A nil prev requires the key to be
	// absent. It reports whether the swap happened.
	CompareAndSwap(ctx context.Context, key string, prev, next []byte, ttl time.Duration) (bool, error)

	// TTL returns the remaining lifetime of key, or zero when it has none.
	TTL(ctx context.Context, key string) (time.Duration, error)
}

// Closer is implemented by stores that hold resources.
type Closer interface {
	Close() error
}
