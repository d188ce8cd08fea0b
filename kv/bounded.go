package kv

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// CallObserver receives the outcome of every store call made through a
// BoundedStore. It must be cheap and non-blocking.
type CallObserver func(op string, elapsed time.Duration, err error)

// BoundedStore decorates a Store so that no call can block longer than a
// fixed timeout. A call that runs out of time returns ErrUnavailable.
type BoundedStore struct {
	next    Store
	timeout time.Duration
	observe CallObserver
}

// Bounded wraps s with a per-call timeout. A non-positive timeout leaves the
// caller's deadline untouched.
func Bounded(s Store, timeout time.Duration) *BoundedStore {
	return &BoundedStore{next: s, timeout: timeout}
}

// Observe installs fn as the call observer and returns the receiver.
func (b *BoundedStore) Observe(fn CallObserver) *BoundedStore {
	b.observe = fn
	return b
}

// Unwrap returns the decorated store.
func (b *BoundedStore) Unwrap() Store {
	return b.next
}

func (b *BoundedStore) call(ctx context.Context, op string, fn func(context.Context) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if b.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.timeout)
		defer cancel()
	}

	start := time.Now()
	err := fn(ctx)
	if err != nil && !errors.Is(err, ErrNotFound) && !errors.Is(err, ErrUnavailable) {
		err = fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err == nil && ctx.Err() != nil {
		// The backend ignored the deadline; the result can no longer be trusted.
		err = fmt.Errorf("%w: %v", ErrUnavailable, ctx.Err())
	}
	if b.observe != nil {
		b.observe(op, time.Since(start), err)
	}
	return err
}

func (b *BoundedStore) Get(ctx context.Context, key string) ([]byte, error) {
	var out []byte
	err := b.call(ctx, "get", func(ctx context.Context) error {
		v, err := b.next.Get(ctx, key)
		out = v
		return err
	})
	return out, err
}

func (b *BoundedStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return b.call(ctx, "set", func(ctx context.Context) error {
		return b.next.Set(ctx, key, value, ttl)
	})
}

func (b *BoundedStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return b.call(ctx, "delete", func(ctx context.Context) error {
		return b.next.Delete(ctx, keys...)
	})
}

func (b *BoundedStore) Exists(ctx context.Context, key string) (bool, error) {
	var ok bool
	err := b.call(ctx, "exists", func(ctx context.Context) error {
		v, err := b.next.Exists(ctx, key)
		ok = v
		return err
	})
	return ok, err
}

func (b *BoundedStore) IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	var n int64
	err := b.call(ctx, "incr", func(ctx context.Context) error {
		v, err := b.next.IncrWithTTL(ctx, key, ttl)
		n = v
		return err
	})
	return n, err
}

func (b *BoundedStore) CompareAndSwap(ctx context.Context, key string, prev, next []byte, ttl time.Duration) (bool, error) {
	var swapped bool
	err := b.call(ctx, "cas", func(ctx context.Context) error {
		v, err := b.next.CompareAndSwap(ctx, key, prev, next, ttl)
		swapped = v
		return err
	})
	return swapped, err
}

func (b *BoundedStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	var d time.Duration
	err := b.call(ctx, "ttl", func(ctx context.Context) error {
		v, err := b.next.TTL(ctx, key)
		d = v
		return err
	})
	return d, err
}

// Close closes the decorated store when it holds resources.
func (b *BoundedStore) Close() error {
	if c, ok := b.next.(Closer); ok {
		return c.Close()
	}
	return nil
}
