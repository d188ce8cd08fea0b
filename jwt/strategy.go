package jwt

import (
	"bytes"
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/MrEthical07/authflow/kv"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	// ErrInvalid covers bad signatures, malformed tokens and wrong token_use.
	ErrInvalid = errors.New("jwt: invalid token")
	ErrExpired = errors.New("jwt: token expired")
	// ErrRevoked means the family was revoked and its tombstone is live.
	ErrRevoked = errors.New("jwt: token revoked")
	// ErrNotFound means a validly signed token has no allow-list entry and no
	// tombstone, for example after its entry expired.
	ErrNotFound = errors.New("jwt: token not found")
	// ErrTokenReuse is returned when a rotated refresh token is presented
	// again. The whole family is revoked before it is returned.
	ErrTokenReuse = errors.New("jwt: refresh token reuse detected")
	// ErrSessionMismatch means the token's sid does not match the session
	// its allow-list entry was written for.
	ErrSessionMismatch = errors.New("jwt: token bound to another session")
)

// StrategyConfig selects how much state backs the tokens.
type StrategyConfig struct {
	// Stateful checks every access token against the allow-list.
	Stateful bool
	// Rotation issues a new refresh token on every refresh and treats a
	// second use of the old one as reuse.
	Rotation bool
	Prefix   string
}

// Pair is the result of Issue and Refresh.
type Pair struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	Family       string
	Generation   uint64
}

// Strategy issues access/refresh pairs and tracks token families in a
// kv.Store.
//
// Keys, for family f at generation g:
//
//	{p}f:{f}     latest generation, refresh TTL
//	{p}a:{f}:{g} access allow-list entry holding the sid, access TTL
//	{p}x:{f}     revocation tombstone, refresh TTL
type Strategy struct {
	manager *Manager
	store   kv.Store
	cfg     StrategyConfig
}

// NewStrategy returns a Strategy. store may be nil only when not stateful.
func NewStrategy(m *Manager, store kv.Store, cfg StrategyConfig) (*Strategy, error) {
	if m == nil {
		return nil, errors.New("jwt: nil manager")
	}
	if (cfg.Stateful || cfg.Rotation) && store == nil {
		return nil, errors.New("jwt: stateful tokens require a store")
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "j"
	}
	return &Strategy{manager: m, store: store, cfg: cfg}, nil
}

func (s *Strategy) tracked() bool { return s.cfg.Stateful || s.cfg.Rotation }

func (s *Strategy) familyKey(fam string) string { return s.cfg.Prefix + "f:" + fam }
func (s *Strategy) tombKey(fam string) string   { return s.cfg.Prefix + "x:" + fam }
func (s *Strategy) accessKey(fam string, gen uint64) string {
	return s.cfg.Prefix + "a:" + fam + ":" + strconv.FormatUint(gen, 10)
}

// Issue starts a new token family for subject. A non-empty sid is carried
// by every token of the family and checked by ValidateAccess.
func (s *Strategy) Issue(ctx context.Context, subject string, methods []string, sid string) (Pair, error) {
	if subject == "" {
		return Pair{}, errors.New("jwt: empty subject")
	}
	fam := uuid.NewString()
	if s.tracked() {
		ok, err := s.store.CompareAndSwap(ctx, s.familyKey(fam), nil, genValue(0), s.manager.RefreshTTL())
		if err != nil {
			return Pair{}, err
		}
		if !ok {
			return Pair{}, errors.New("jwt: family id collision")
		}
		if err := s.store.Set(ctx, s.accessKey(fam, 0), entryValue(sid), s.manager.AccessTTL()); err != nil {
			return Pair{}, err
		}
	}
	return s.sign(subject, fam, 0, methods, sid, true)
}

// ValidateAccess verifies an access token and, when stateful, its
// allow-list entry. A token carrying a sid must match the sid its entry was
// written with.
func (s *Strategy) ValidateAccess(ctx context.Context, token string) (*Claims, error) {
	claims, err := s.parse(token, UseAccess)
	if err != nil {
		return nil, err
	}
	if !s.cfg.Stateful {
		return claims, nil
	}
	entry, err := s.store.Get(ctx, s.accessKey(claims.Family, claims.Generation))
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return nil, s.missing(ctx, claims.Family)
		}
		return nil, err
	}
	if claims.Session != "" && !bytes.Equal(entry, entryValue(claims.Session)) {
		return nil, ErrSessionMismatch
	}
	return claims, nil
}

// Refresh exchanges a refresh token for a new access token. With rotation it
// also returns a new refresh token and the presented one is spent.
func (s *Strategy) Refresh(ctx context.Context, refreshToken string) (Pair, error) {
	claims, err := s.parse(refreshToken, UseRefresh)
	if err != nil {
		return Pair{}, err
	}
	fam, gen := claims.Family, claims.Generation

	if !s.tracked() {
		return s.reissue(claims, refreshToken)
	}

	revoked, err := s.store.Exists(ctx, s.tombKey(fam))
	if err != nil {
		return Pair{}, err
	}
	if revoked {
		return Pair{}, ErrRevoked
	}

	if !s.cfg.Rotation {
		cur, err := s.store.Get(ctx, s.familyKey(fam))
		if err != nil {
			if errors.Is(err, kv.ErrNotFound) {
				return Pair{}, ErrNotFound
			}
			return Pair{}, err
		}
		if string(cur) != string(genValue(gen)) {
			return Pair{}, ErrInvalid
		}
		if err := s.store.Set(ctx, s.accessKey(fam, gen), entryValue(claims.Session), s.manager.AccessTTL()); err != nil {
			return Pair{}, err
		}
		if err := s.checkTombstone(ctx, fam, gen); err != nil {
			return Pair{}, err
		}
		return s.reissue(claims, refreshToken)
	}

	swapped, err := s.store.CompareAndSwap(ctx, s.familyKey(fam), genValue(gen), genValue(gen+1), s.manager.RefreshTTL())
	if err != nil {
		return Pair{}, err
	}
	if !swapped {
		if err := s.RevokeFamily(ctx, fam); err != nil {
			return Pair{}, err
		}
		return Pair{}, ErrTokenReuse
	}
	if err := s.store.Set(ctx, s.accessKey(fam, gen+1), entryValue(claims.Session), s.manager.AccessTTL()); err != nil {
		return Pair{}, err
	}
	if err := s.checkTombstone(ctx, fam, gen+1); err != nil {
		return Pair{}, err
	}
	return s.sign(claims.Subject, fam, gen+1, claims.Methods, claims.Session, true)
}

// checkTombstone undoes an allow-list write that raced with RevokeFamily.
func (s *Strategy) checkTombstone(ctx context.Context, fam string, gen uint64) error {
	revoked, err := s.store.Exists(ctx, s.tombKey(fam))
	if err != nil {
		return err
	}
	if revoked {
		_ = s.store.Delete(ctx, s.accessKey(fam, gen))
		return ErrRevoked
	}
	return nil
}

// RevokeFamily removes every allow-list entry of fam and leaves a tombstone.
// Revoking an unknown family only writes the tombstone.
func (s *Strategy) RevokeFamily(ctx context.Context, fam string) error {
	if !s.tracked() {
		return nil
	}
	if fam == "" {
		return ErrInvalid
	}
	if err := s.store.Set(ctx, s.tombKey(fam), []byte{1}, s.manager.RefreshTTL()); err != nil {
		return err
	}

	raw, err := s.store.Get(ctx, s.familyKey(fam))
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return nil
		}
		return err
	}
	latest, err := strconv.ParseUint(string(raw), 10, 64)
	if err != nil {
		latest = 0
	}
	keys := make([]string, 0, latest+2)
	keys = append(keys, s.familyKey(fam))
	for g := uint64(0); g <= latest; g++ {
		keys = append(keys, s.accessKey(fam, g))
	}
	return s.store.Delete(ctx, keys...)
}

// Revoke revokes the family of a presented access or refresh token.
func (s *Strategy) Revoke(ctx context.Context, token string) error {
	claims, err := s.parse(token, UseAccess)
	if errors.Is(err, ErrInvalid) {
		claims, err = s.parse(token, UseRefresh)
	}
	if err != nil {
		return err
	}
	return s.RevokeFamily(ctx, claims.Family)
}

func (s *Strategy) missing(ctx context.Context, fam string) error {
	revoked, err := s.store.Exists(ctx, s.tombKey(fam))
	if err != nil {
		return err
	}
	if revoked {
		return ErrRevoked
	}
	return ErrNotFound
}

func (s *Strategy) parse(token, use string) (*Claims, error) {
	claims, err := s.manager.Parse(token, use)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpired
		}
		return nil, ErrInvalid
	}
	return claims, nil
}

func (s *Strategy) sign(subject, fam string, gen uint64, methods []string, sid string, withRefresh bool) (Pair, error) {
	access, exp, err := s.manager.Sign(UseAccess, subject, fam, gen, methods, sid, uuid.NewString())
	if err != nil {
		return Pair{}, err
	}
	pair := Pair{AccessToken: access, ExpiresAt: exp, Family: fam, Generation: gen}
	if withRefresh {
		refresh, _, err := s.manager.Sign(UseRefresh, subject, fam, gen, methods, sid, uuid.NewString())
		if err != nil {
			return Pair{}, err
		}
		pair.RefreshToken = refresh
	}
	return pair, nil
}

// reissue signs a new access token at the same generation and hands back
// the presented refresh token.
func (s *Strategy) reissue(claims *Claims, refreshToken string) (Pair, error) {
	pair, err := s.sign(claims.Subject, claims.Family, claims.Generation, claims.Methods, claims.Session, false)
	if err != nil {
		return Pair{}, err
	}
	pair.RefreshToken = refreshToken
	return pair, nil
}

func entryValue(sid string) []byte {
	if sid == "" {
		return []byte{1}
	}
	return []byte("s:" + sid)
}

func genValue(gen uint64) []byte {
	return []byte(strconv.FormatUint(gen, 10))
}
