// Package redisstore implements kv.Store on Redis.
//
// Counters and compare-and-swap run as Lua scripts so each is one atomic
// server-side step, even across many application processes.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MrEthical07/authflow/kv"
	"github.com/redis/go-redis/v9"
)

var incrWithTTLScript = redis.NewScript(`
local n = redis.call("INCR", KEYS[1])
if n == 1 and tonumber(ARGV[1]) > 0 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return n
`)

// ARGV: mustBeAbsent ("1"|"0"), prev, next, ttlMillis
var compareAndSwapScript = redis.NewScript(`
local cur = redis.call("GET", KEYS[1])
if ARGV[1] == "1" then
	if cur then
		return 0
	end
elseif cur ~= ARGV[2] then
	return 0
end
if tonumber(ARGV[4]) > 0 then
	redis.call("SET", KEYS[1], ARGV[3], "PX", ARGV[4])
else
	redis.call("SET", KEYS[1], ARGV[3])
end
return 1
`)

// Store is a kv.Store backed by a Redis client. Keys are namespaced by
// prefix so several deployments can share one Redis.
type Store struct {
	redis  redis.UniversalClient
	prefix string
}

// New wraps an existing client. The client's lifecycle stays with the caller
// unless Close is called.
func New(client redis.UniversalClient, prefix string) *Store {
	return &Store{redis: client, prefix: prefix}
}

func (s *Store) key(k string) string {
	if s.prefix == "" {
		return k
	}
	return s.prefix + ":" + k
}

func unavailable(err error) error {
	return fmt.Errorf("%w: %v", kv.ErrUnavailable, err)
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	v, err := s.redis.Get(ctx, s.key(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, kv.ErrNotFound
		}
		return nil, unavailable(err)
	}
	return v, nil
}

func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	if err := s.redis.Set(ctx, s.key(key), value, time.Duration(millis(ttl))*time.Millisecond).Err(); err != nil {
		return unavailable(err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = s.key(k)
	}
	if err := s.redis.Del(ctx, full...).Err(); err != nil {
		return unavailable(err)
	}
	return nil
}

func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.redis.Exists(ctx, s.key(key)).Result()
	if err != nil {
		return false, unavailable(err)
	}
	return n == 1, nil
}

func (s *Store) IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	n, err := incrWithTTLScript.Run(ctx, s.redis, []string{s.key(key)}, millis(ttl)).Int64()
	if err != nil {
		return 0, unavailable(err)
	}
	return n, nil
}

func (s *Store) CompareAndSwap(ctx context.Context, key string, prev, next []byte, ttl time.Duration) (bool, error) {
	absent := "0"
	if prev == nil {
		absent = "1"
	}
	n, err := compareAndSwapScript.Run(ctx, s.redis, []string{s.key(key)},
		absent, prev, next, millis(ttl)).Int64()
	if err != nil {
		return false, unavailable(err)
	}
	return n == 1, nil
}

// millis rounds a positive ttl up to whole milliseconds, the unit the
// scripts pass to PX and PEXPIRE. Zero and negative mean no expiry.
func millis(ttl time.Duration) int64 {
	if ttl <= 0 {
		return 0
	}
	return int64((ttl + time.Millisecond - 1) / time.Millisecond)
}

func (s *Store) TTL(ctx context.Context, key string) (time.Duration, error) {
	d, err := s.redis.PTTL(ctx, s.key(key)).Result()
	if err != nil {
		return 0, unavailable(err)
	}
	switch {
	case d == -2:
		return 0, kv.ErrNotFound
	case d < 0:
		return 0, nil
	}
	return d, nil
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.redis.Ping(ctx).Err(); err != nil {
		return unavailable(err)
	}
	return nil
}

// Close closes the underlying client.
func (s *Store) Close() error {
	return s.redis.Close()
}
