package session

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math"
	"math/big"
	"time"

	"github.com/MrEthical07/authflow/internal"
	"github.com/MrEthical07/authflow/kv"
)

const (
	tokenBytes    = 32
	minSlidingTTL = time.Second
)

var (
	// ErrNotFound means the token never existed or has expired.
	ErrNotFound = errors.New("session: not found")
	// ErrRevoked means the token was invalidated and its tombstone is live.
	ErrRevoked = errors.New("session: revoked")
	// ErrMalformed is returned for tokens that cannot have been issued here.
	ErrMalformed = errors.New("session: malformed token")
)

// Config controls session lifetime.
type Config struct {
	// TTL is the lifetime of a session. With Sliding it is the idle timeout.
	TTL time.Duration
	// AbsoluteLifetime caps a sliding session. Zero means TTL.
	AbsoluteLifetime time.Duration
	Sliding          bool
	// JitterRange spreads sliding expiries by up to +/- this much.
	JitterRange  time.Duration
	TombstoneTTL time.Duration
	Prefix       string
}

// DefaultConfig returns a 24h non-sliding session with a 1h tombstone.
func DefaultConfig() Config {
	return Config{
		TTL:              24 * time.Hour,
		AbsoluteLifetime: 7 * 24 * time.Hour,
		TombstoneTTL:     time.Hour,
		Prefix:           "st",
	}
}

// Strategy issues and checks opaque session tokens.
type Strategy struct {
	store kv.Store
	cfg   Config
	now   func() time.Time
}

// New returns a Strategy over store. A nil clock uses time.Now.
func New(store kv.Store, cfg Config, clock func() time.Time) *Strategy {
	if clock == nil {
		clock = time.Now
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "st"
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultConfig().TTL
	}
	if cfg.TombstoneTTL <= 0 {
		cfg.TombstoneTTL = DefaultConfig().TombstoneTTL
	}
	return &Strategy{store: store, cfg: cfg, now: clock}
}

func (s *Strategy) key(hash string) string {
	return s.cfg.Prefix + ":" + hash
}

func (s *Strategy) tombstoneKey(hash string) string {
	return s.cfg.Prefix + "x:" + hash
}

// Create stores a new session for userID and returns its token.
func (s *Strategy) Create(ctx context.Context, userID string, methods []string) (string, *Record, error) {
	if userID == "" {
		return "", nil, errors.New("session: empty user id")
	}
	token, err := internal.NewToken(tokenBytes)
	if err != nil {
		return "", nil, err
	}

	now := s.now()
	lifetime := s.cfg.TTL
	if s.cfg.Sliding && s.cfg.AbsoluteLifetime > 0 {
		lifetime = s.cfg.AbsoluteLifetime
	}
	rec := &Record{
		UserID:    userID,
		Methods:   append([]string(nil), methods...),
		CreatedAt: now.Unix(),
		ExpiresAt: now.Add(lifetime).Unix(),
	}
	raw, err := Encode(rec)
	if err != nil {
		return "", nil, err
	}

	ok, err := s.store.CompareAndSwap(ctx, s.key(internal.HashToken(token)), nil, raw, s.cfg.TTL)
	if err != nil {
		return "", nil, err
	}
	if !ok {
		return "", nil, errors.New("session: token collision")
	}
	return token, rec, nil
}

// Lookup returns the record behind token. It never creates or revives a
// record; with Sliding it extends the idle timeout of a live one.
func (s *Strategy) Lookup(ctx context.Context, token string) (*Record, error) {
	if !wellFormed(token) {
		return nil, ErrMalformed
	}
	hash := internal.HashToken(token)
	key := s.key(hash)

	raw, err := s.store.Get(ctx, key)
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return nil, s.missing(ctx, hash)
		}
		return nil, err
	}
	rec, err := Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("session: corrupt record: %w", err)
	}

	now := s.now()
	remaining := time.Unix(rec.ExpiresAt, 0).Sub(now)
	if remaining <= 0 {
		_ = s.store.Delete(ctx, key)
		return nil, ErrNotFound
	}

	if s.cfg.Sliding {
		next, err := s.nextSlidingTTL(remaining)
		if err != nil {
			return nil, err
		}
		// Same-value swap: a concurrent Invalidate wins and nothing comes back.
		ok, err := s.store.CompareAndSwap(ctx, key, raw, raw, next)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, s.missing(ctx, hash)
		}
	}
	return rec, nil
}

func (s *Strategy) missing(ctx context.Context, hash string) error {
	revoked, err := s.store.Exists(ctx, s.tombstoneKey(hash))
	if err != nil {
		return err
	}
	if revoked {
		return ErrRevoked
	}
	return ErrNotFound
}

// Invalidate ends the session behind token. It is idempotent; invalidating
// an unknown token still leaves a tombstone.
func (s *Strategy) Invalidate(ctx context.Context, token string) error {
	if !wellFormed(token) {
		return ErrMalformed
	}
	hash := internal.HashToken(token)
	if err := s.store.Set(ctx, s.tombstoneKey(hash), []byte{1}, s.cfg.TombstoneTTL); err != nil {
		return err
	}
	return s.store.Delete(ctx, s.key(hash))
}

func wellFormed(token string) bool {
	if len(token) < 16 || len(token) > 128 {
		return false
	}
	for i := 0; i < len(token); i++ {
		c := token[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_':
		default:
			return false
		}
	}
	return true
}

func (s *Strategy) nextSlidingTTL(remainingAbsolute time.Duration) (time.Duration, error) {
	next := s.cfg.TTL

	if s.cfg.JitterRange > 0 {
		jitter, err := randomJitter(s.cfg.JitterRange)
		if err != nil {
			return 0, err
		}
		next += jitter
	}

	if next > remainingAbsolute {
		next = remainingAbsolute
	}

	minTTL := minSlidingTTL
	if remainingAbsolute < minTTL {
		minTTL = remainingAbsolute
	}
	if next < minTTL {
		next = minTTL
	}
	return next, nil
}

func randomJitter(jitterRange time.Duration) (time.Duration, error) {
	max := jitterRange.Nanoseconds()
	if max > (math.MaxInt64-1)/2 {
		return 0, errors.New("jitter range too large")
	}
	n, err := rand.Int(rand.Reader, big.NewInt(max*2+1))
	if err != nil {
		return 0, err
	}
	return time.Duration(n.Int64() - max), nil
}
