// Package kvtest holds a behavioural suite that every kv.Store backend runs
// from its own tests.
package kvtest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MrEthical07/authflow/kv"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Harness builds a fresh store for one subtest. Advance moves the store's
// notion of time forward so expiry can be observed without sleeping.
type Harness func(t *testing.T) (store kv.Store, advance func(time.Duration))

// Run executes the suite against the backend produced by h.
func Run(t *testing.T, h Harness) {
	t.Run("GetMissing", func(t *testing.T) {
		s, _ := h(t)
		_, err := s.Get(context.Background(), "missing")
		require.ErrorIs(t, err, kv.ErrNotFound)
	})

	t.Run("SetGetDelete", func(t *testing.T) {
		s, _ := h(t)
		ctx := context.Background()
		require.NoError(t, s.Set(ctx, "a", []byte("one"), 0))

		v, err := s.Get(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, []byte("one"), v)

		ok, err := s.Exists(ctx, "a")
		require.NoError(t, err)
		assert.True(t, ok)

		require.NoError(t, s.Delete(ctx, "a", "never-set"))
		ok, err = s.Exists(ctx, "a")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("Expiry", func(t *testing.T) {
		s, advance := h(t)
		ctx := context.Background()
		require.NoError(t, s.Set(ctx, "e", []byte("x"), 2*time.Second))

		ttl, err := s.TTL(ctx, "e")
		require.NoError(t, err)
		assert.Greater(t, ttl, time.Duration(0))
		assert.LessOrEqual(t, ttl, 2*time.Second)

		advance(3 * time.Second)
		_, err = s.Get(ctx, "e")
		require.ErrorIs(t, err, kv.ErrNotFound)
		_, err = s.TTL(ctx, "e")
		require.ErrorIs(t, err, kv.ErrNotFound)
	})

	t.Run("IncrWithTTLKeepsFirstExpiry", func(t *testing.T) {
		s, advance := h(t)
		ctx := context.Background()

		n, err := s.IncrWithTTL(ctx, "c", 10*time.Second)
		require.NoError(t, err)
		assert.EqualValues(t, 1, n)

		advance(6 * time.Second)
		n, err = s.IncrWithTTL(ctx, "c", 10*time.Second)
		require.NoError(t, err)
		assert.EqualValues(t, 2, n)

		// The second increment must not have extended the window.
		advance(5 * time.Second)
		n, err = s.IncrWithTTL(ctx, "c", 10*time.Second)
		require.NoError(t, err)
		assert.EqualValues(t, 1, n)
	})

	t.Run("IncrConcurrent", func(t *testing.T) {
		s, _ := h(t)
		ctx := context.Background()
		const workers, per = 8, 25

		var wg sync.WaitGroup
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for j := 0; j < per; j++ {
					if _, err := s.IncrWithTTL(ctx, "hot", time.Minute); err != nil {
						t.Errorf("incr: %v", err)
						return
					}
				}
			}()
		}
		wg.Wait()

		n, err := s.IncrWithTTL(ctx, "hot", time.Minute)
		require.NoError(t, err)
		assert.EqualValues(t, workers*per+1, n)
	})

	t.Run("CompareAndSwap", func(t *testing.T) {
		s, _ := h(t)
		ctx := context.Background()

		ok, err := s.CompareAndSwap(ctx, "g", nil, []byte("0"), time.Minute)
		require.NoError(t, err)
		assert.True(t, ok, "create when absent")

		ok, err = s.CompareAndSwap(ctx, "g", nil, []byte("0"), time.Minute)
		require.NoError(t, err)
		assert.False(t, ok, "create must fail when present")

		ok, err = s.CompareAndSwap(ctx, "g", []byte("1"), []byte("2"), time.Minute)
		require.NoError(t, err)
		assert.False(t, ok, "stale prev")

		ok, err = s.CompareAndSwap(ctx, "g", []byte("0"), []byte("1"), time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)

		v, err := s.Get(ctx, "g")
		require.NoError(t, err)
		assert.Equal(t, []byte("1"), v)

		ok, err = s.CompareAndSwap(ctx, "absent", []byte("0"), []byte("1"), time.Minute)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("CompareAndSwapSingleWinner", func(t *testing.T) {
		s, _ := h(t)
		ctx := context.Background()
		require.NoError(t, s.Set(ctx, "race", []byte("0"), time.Minute))

		const racers = 16
		var (
			wg   sync.WaitGroup
			mu   sync.Mutex
			wins int
		)
		for i := 0; i < racers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				ok, err := s.CompareAndSwap(ctx, "race", []byte("0"), []byte("1"), time.Minute)
				if err != nil {
					t.Errorf("cas: %v", err)
					return
				}
				if ok {
					mu.Lock()
					wins++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, wins)
	})

	t.Run("CancelledContext", func(t *testing.T) {
		s, _ := h(t)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := s.Get(ctx, "any")
		require.Error(t, err)
		assert.False(t, errors.Is(err, kv.ErrNotFound), "cancelled call must not look like a miss")
	})
}
