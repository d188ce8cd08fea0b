package session

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/MrEthical07/authflow/kv"
	"github.com/MrEthical07/authflow/kv/redisstore"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

type testClock struct{ now time.Time }

func (c *testClock) Now() time.Time          { return c.now }
func (c *testClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newStrategyTest(t *testing.T, cfg Config) (*Strategy, *kv.Memory, *testClock) {
	t.Helper()
	clock := &testClock{now: time.Unix(1_700_000_000, 0)}
	store := kv.NewMemory(clock.Now)
	return New(store, cfg, clock.Now), store, clock
}

func TestCreateAndLookup(t *testing.T) {
	s, _, _ := newStrategyTest(t, DefaultConfig())
	ctx := context.Background()

	token, rec, err := s.Create(ctx, "u1", []string{"password", "email_code"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if len(token) != 43 {
		t.Fatalf("token length = %d, want 43", len(token))
	}

	got, err := s.Lookup(ctx, token)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if got.UserID != "u1" || strings.Join(got.Methods, ",") != "password,email_code" {
		t.Fatalf("unexpected record %+v", got)
	}
	if got.ExpiresAt != rec.ExpiresAt {
		t.Fatalf("expires at = %d, want %d", got.ExpiresAt, rec.ExpiresAt)
	}
}

func TestTokenIsNotStoredInPlaintext(t *testing.T) {
	clock := &testClock{now: time.Unix(1_700_000_000, 0)}
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	s := New(redisstore.New(client, "af"), DefaultConfig(), clock.Now)

	token, _, err := s.Create(context.Background(), "u1", nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	for _, k := range mr.Keys() {
		if strings.Contains(k, token) {
			t.Fatalf("key %q contains the token", k)
		}
		if v, _ := mr.Get(k); strings.Contains(v, token) {
			t.Fatalf("value at %q contains the token", k)
		}
	}
	if _, err := s.Lookup(context.Background(), token); err != nil {
		t.Fatalf("Lookup over redis: %v", err)
	}
}

func TestRevokedIsDistinctFromUnknown(t *testing.T) {
	s, _, _ := newStrategyTest(t, DefaultConfig())
	ctx := context.Background()

	token, _, err := s.Create(ctx, "u1", nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := s.Invalidate(ctx, token); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}
	if _, err := s.Lookup(ctx, token); !errors.Is(err, ErrRevoked) {
		t.Fatalf("Lookup after invalidate = %v, want ErrRevoked", err)
	}

	other := strings.Repeat("A", 43)
	if _, err := s.Lookup(ctx, other); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Lookup unknown = %v, want ErrNotFound", err)
	}
	if err := s.Invalidate(ctx, token); err != nil {
		t.Fatalf("second Invalidate: %v", err)
	}
}

func TestTombstoneExpires(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TombstoneTTL = time.Minute
	s, _, clock := newStrategyTest(t, cfg)
	ctx := context.Background()

	token, _, _ := s.Create(ctx, "u1", nil)
	_ = s.Invalidate(ctx, token)
	clock.Advance(2 * time.Minute)

	if _, err := s.Lookup(ctx, token); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Lookup = %v, want ErrNotFound once tombstone expired", err)
	}
}

func TestExpiredSessionIsNotFound(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TTL = time.Hour
	s, _, clock := newStrategyTest(t, cfg)
	ctx := context.Background()

	token, _, _ := s.Create(ctx, "u1", nil)
	clock.Advance(time.Hour)
	if _, err := s.Lookup(ctx, token); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Lookup = %v, want ErrNotFound", err)
	}
}

func TestLookupNeverRecreates(t *testing.T) {
	s, store, _ := newStrategyTest(t, DefaultConfig())
	ctx := context.Background()

	token := strings.Repeat("b", 43)
	if _, err := s.Lookup(ctx, token); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Lookup = %v", err)
	}
	ok, err := store.Exists(ctx, s.key(hashOf(token)))
	if err != nil || ok {
		t.Fatalf("record exists after lookup: %v %v", ok, err)
	}
}

func TestSlidingExtendsUpToAbsoluteLifetime(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Sliding = true
	cfg.TTL = 10 * time.Minute
	cfg.AbsoluteLifetime = 25 * time.Minute
	s, _, clock := newStrategyTest(t, cfg)
	ctx := context.Background()

	token, _, _ := s.Create(ctx, "u1", nil)
	for i := 0; i < 2; i++ {
		clock.Advance(8 * time.Minute)
		if _, err := s.Lookup(ctx, token); err != nil {
			t.Fatalf("Lookup %d: %v", i, err)
		}
	}

	clock.Advance(8 * time.Minute)
	if _, err := s.Lookup(ctx, token); err != nil {
		t.Fatalf("Lookup at 24m: %v", err)
	}
	clock.Advance(2 * time.Minute)
	if _, err := s.Lookup(ctx, token); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Lookup past absolute lifetime = %v, want ErrNotFound", err)
	}
}

func TestSlidingIdleTimeout(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Sliding = true
	cfg.TTL = 10 * time.Minute
	s, _, clock := newStrategyTest(t, cfg)
	ctx := context.Background()

	token, _, _ := s.Create(ctx, "u1", nil)
	clock.Advance(11 * time.Minute)
	if _, err := s.Lookup(ctx, token); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Lookup after idle = %v, want ErrNotFound", err)
	}
}

func TestMalformedTokens(t *testing.T) {
	s, _, _ := newStrategyTest(t, DefaultConfig())
	for _, tok := range []string{"", "short", strings.Repeat("a", 200), "has space in it......"} {
		if _, err := s.Lookup(context.Background(), tok); !errors.Is(err, ErrMalformed) {
			t.Fatalf("Lookup(%q) = %v, want ErrMalformed", tok, err)
		}
	}
}

func TestEncodeDecode(t *testing.T) {
	in := &Record{UserID: "user-1", Methods: []string{"password", "totp"}, CreatedAt: 10, ExpiresAt: 20}
	raw, err := Encode(in)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	out, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if out.UserID != in.UserID || len(out.Methods) != 2 || out.CreatedAt != 10 || out.ExpiresAt != 20 {
		t.Fatalf("round trip mismatch: %+v", out)
	}

	if _, err := Decode(append(raw, 0)); err == nil {
		t.Fatal("expected trailing bytes error")
	}
	raw[0] = 9
	if _, err := Decode(raw); err == nil {
		t.Fatal("expected version error")
	}
}

func FuzzDecode(f *testing.F) {
	seed, _ := Encode(&Record{UserID: "u", Methods: []string{"password"}, CreatedAt: 1, ExpiresAt: 2})
	f.Add(seed)
	f.Add([]byte{})
	f.Add([]byte{1, 0})
	f.Fuzz(func(t *testing.T, data []byte) {
		rec, err := Decode(data)
		if err != nil {
			return
		}
		raw, err := Encode(rec)
		if err != nil {
			t.Fatalf("decoded record does not re-encode: %v", err)
		}
		again, err := Decode(raw)
		if err != nil || !reflect.DeepEqual(rec, again) {
			t.Fatalf("round trip mismatch: %+v vs %+v (%v)", rec, again, err)
		}
	})
}
