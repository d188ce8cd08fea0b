// Package boltstore implements kv.Store on an embedded bbolt database for
// single-node deployments that do not run Redis.
//
// Values are stored in an envelope of an 8-byte big-endian expiry (unix
// nanoseconds, zero for none) followed by the payload. Expired entries are
// treated as absent on read and removed lazily or by Sweep.
package boltstore

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"strconv"
	"time"

	"github.com/MrEthical07/authflow/kv"
	"go.etcd.io/bbolt"
)

var bucketName = []byte("authflow")

// Store is a kv.Store backed by a bbolt database. bbolt serializes write
// transactions, so IncrWithTTL and CompareAndSwap are atomic.
type Store struct {
	db    *bbolt.DB
	clock func() time.Time
}

// Open opens (or creates) the database file at path.
func Open(path string, options *bbolt.Options) (*Store, error) {
	db, err := bbolt.Open(path, 0600, options)
	if err != nil {
		return nil, fmt.Errorf("opening bbolt db: %w", err)
	}
	return New(db, nil)
}

// New uses an already open database. A nil clock uses time.Now.
func New(db *bbolt.DB, clock func() time.Time) (*Store, error) {
	if clock == nil {
		clock = time.Now
	}
	err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("creating bucket: %w", err)
	}
	return &Store{db: db, clock: clock}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func encodeEntry(value []byte, expiresAt time.Time) []byte {
	out := make([]byte, 8+len(value))
	if !expiresAt.IsZero() {
		binary.BigEndian.PutUint64(out[:8], uint64(expiresAt.UnixNano()))
	}
	copy(out[8:], value)
	return out
}

// decodeEntry returns the payload and whether it is still live at now.
func decodeEntry(raw []byte, now time.Time) ([]byte, time.Time, bool) {
	if len(raw) < 8 {
		return nil, time.Time{}, false
	}
	var expiresAt time.Time
	if ns := binary.BigEndian.Uint64(raw[:8]); ns != 0 {
		expiresAt = time.Unix(0, int64(ns))
		if !now.Before(expiresAt) {
			return nil, expiresAt, false
		}
	}
	return raw[8:], expiresAt, true
}

func (s *Store) expiry(now time.Time, ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return now.Add(ttl)
}

func (s *Store) view(ctx context.Context, fn func(b *bbolt.Bucket) error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", kv.ErrUnavailable, err)
	}
	return s.wrap(s.db.View(func(tx *bbolt.Tx) error {
		return fn(tx.Bucket(bucketName))
	}))
}

func (s *Store) update(ctx context.Context, fn func(b *bbolt.Bucket) error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", kv.ErrUnavailable, err)
	}
	return s.wrap(s.db.Update(func(tx *bbolt.Tx) error {
		return fn(tx.Bucket(bucketName))
	}))
}

func (s *Store) wrap(err error) error {
	if err == nil || err == kv.ErrNotFound {
		return err
	}
	return fmt.Errorf("%w: %v", kv.ErrUnavailable, err)
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	var out []byte
	err := s.view(ctx, func(b *bbolt.Bucket) error {
		v, _, ok := decodeEntry(b.Get([]byte(key)), s.clock())
		if !ok {
			return kv.ErrNotFound
		}
		out = bytes.Clone(v)
		return nil
	})
	return out, err
}

func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return s.update(ctx, func(b *bbolt.Bucket) error {
		return b.Put([]byte(key), encodeEntry(value, s.expiry(s.clock(), ttl)))
	})
}

func (s *Store) Delete(ctx context.Context, keys ...string) error {
	return s.update(ctx, func(b *bbolt.Bucket) error {
		for _, k := range keys {
			if err := b.Delete([]byte(k)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	var ok bool
	err := s.view(ctx, func(b *bbolt.Bucket) error {
		_, _, ok = decodeEntry(b.Get([]byte(key)), s.clock())
		return nil
	})
	return ok, err
}

func (s *Store) IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	var n int64
	err := s.update(ctx, func(b *bbolt.Bucket) error {
		now := s.clock()
		v, expiresAt, ok := decodeEntry(b.Get([]byte(key)), now)
		if !ok {
			n = 1
			return b.Put([]byte(key), encodeEntry([]byte("1"), s.expiry(now, ttl)))
		}
		cur, err := strconv.ParseInt(string(v), 10, 64)
		if err != nil {
			return fmt.Errorf("value at %q is not a counter", key)
		}
		n = cur + 1
		return b.Put([]byte(key), encodeEntry([]byte(strconv.FormatInt(n, 10)), expiresAt))
	})
	return n, err
}

func (s *Store) CompareAndSwap(ctx context.Context, key string, prev, next []byte, ttl time.Duration) (bool, error) {
	var swapped bool
	err := s.update(ctx, func(b *bbolt.Bucket) error {
		now := s.clock()
		cur, _, ok := decodeEntry(b.Get([]byte(key)), now)
		switch {
		case prev == nil && ok:
			return nil
		case prev != nil && (!ok || !bytes.Equal(cur, prev)):
			return nil
		}
		swapped = true
		return b.Put([]byte(key), encodeEntry(next, s.expiry(now, ttl)))
	})
	return swapped, err
}

func (s *Store) TTL(ctx context.Context, key string) (time.Duration, error) {
	var d time.Duration
	err := s.view(ctx, func(b *bbolt.Bucket) error {
		now := s.clock()
		_, expiresAt, ok := decodeEntry(b.Get([]byte(key)), now)
		if !ok {
			return kv.ErrNotFound
		}
		if !expiresAt.IsZero() {
			d = expiresAt.Sub(now)
		}
		return nil
	})
	return d, err
}

// Sweep deletes every expired entry and returns how many were removed.
func (s *Store) Sweep(ctx context.Context) (int, error) {
	removed := 0
	err := s.update(ctx, func(b *bbolt.Bucket) error {
		now := s.clock()
		var dead [][]byte
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if _, _, ok := decodeEntry(v, now); !ok {
				dead = append(dead, bytes.Clone(k))
			}
		}
		for _, k := range dead {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		removed = len(dead)
		return nil
	})
	return removed, err
}

// StartSweeper runs Sweep every interval until ctx is done.
func (s *Store) StartSweeper(ctx context.Context, every time.Duration, onErr func(error)) {
	if every <= 0 {
		return
	}
	go func() {
		t := time.NewTicker(every)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if _, err := s.Sweep(ctx); err != nil && onErr != nil {
					onErr(err)
				}
			}
		}
	}()
}
