package boltstore

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MrEthical07/authflow/kv"
	"github.com/MrEthical07/authflow/kv/kvtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/bbolt"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestStore(t *testing.T) (*Store, *testClock) {
	t.Helper()
	db, err := bbolt.Open(filepath.Join(t.TempDir(), "kv.db"), 0600, nil)
	require.NoError(t, err)
	clock := &testClock{now: time.Unix(1_700_000_000, 0)}
	s, err := New(db, clock.Now)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, clock
}

func TestConformance(t *testing.T) {
	kvtest.Run(t, func(t *testing.T) (kv.Store, func(time.Duration)) {
		s, clock := newTestStore(t)
		return s, clock.Advance
	})
}

func TestSweepRemovesOnlyExpired(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "short", []byte("a"), time.Second))
	require.NoError(t, s.Set(ctx, "long", []byte("b"), time.Hour))
	require.NoError(t, s.Set(ctx, "forever", []byte("c"), 0))

	clock.Advance(time.Minute)
	n, err := s.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	ok, err := s.Exists(ctx, "long")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.Exists(ctx, "forever")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kv.db")
	s, err := Open(path, nil)
	require.NoError(t, err)
	require.NoError(t, s.Set(context.Background(), "k", []byte("v"), 0))
	require.NoError(t, s.Close())

	s, err = Open(path, nil)
	require.NoError(t, err)
	defer s.Close()
	v, err := s.Get(context.Background(), "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), v)
}
