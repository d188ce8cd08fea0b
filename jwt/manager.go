package jwt

import (
	"crypto/ed25519"
	"crypto/rsa"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/awnumar/memguard"
	"github.com/golang-jwt/jwt/v5"
)

// SigningMethod selects the JWS algorithm.
type SigningMethod string

const (
	MethodEd25519 SigningMethod = "ed25519"
	MethodHS256   SigningMethod = "hs256"
	MethodRS256   SigningMethod = "rs256"
)

// Token use values carried in the token_use claim.
const (
	UseAccess  = "access"
	UseRefresh = "refresh"
)

// Config holds key material and claim checks for a Manager.
//
// For hs256 PrivateKey is the shared secret. For ed25519 and rs256 keys may
// be raw or PEM encoded.
type Config struct {
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
	SigningMethod SigningMethod
	PrivateKey    []byte
	PublicKey     []byte
	Issuer        string
	Audience      string
	Leeway        time.Duration
	RequireIAT    bool
	MaxFutureIAT  time.Duration
	KeyID         string
	// VerifyKeys are accepted by kid in addition to the signing key, so a
	// key can be rotated without invalidating outstanding tokens.
	VerifyKeys map[string][]byte
}

// Claims is the payload of both access and refresh tokens.
type Claims struct {
	TokenUse   string   `json:"token_use"`
	Family     string   `json:"fam"`
	Generation uint64   `json:"gen"`
	Methods    []string `json:"amr,omitempty"`
	// Session binds the token to the login that issued it. Empty when the
	// caller did not bind one.
	Session string `json:"sid,omitempty"`
	jwt.RegisteredClaims
}

// Manager signs and parses tokens. Key material stays sealed in memguard
// enclaves and is only opened for the duration of one operation.
type Manager struct {
	config     Config
	signKey    *memguard.Enclave
	verifyKey  *memguard.Enclave
	verifyKeys map[string]*memguard.Enclave
	now        func() time.Time
}

func seal(b []byte) *memguard.Enclave {
	if len(b) == 0 {
		return nil
	}
	return memguard.NewEnclave(append([]byte(nil), b...))
}

// NewManager validates cfg and seals its keys. A nil clock uses time.Now.
func NewManager(cfg Config, clock func() time.Time) (*Manager, error) {
	if cfg.AccessTTL <= 0 || cfg.RefreshTTL <= 0 {
		return nil, errors.New("invalid TTL configuration")
	}
	if cfg.RefreshTTL < cfg.AccessTTL {
		return nil, errors.New("refresh TTL shorter than access TTL")
	}
	if cfg.Leeway < 0 || cfg.Leeway > 2*time.Minute {
		return nil, errors.New("invalid leeway configuration")
	}
	if cfg.MaxFutureIAT == 0 {
		cfg.MaxFutureIAT = 10 * time.Minute
	}
	if cfg.MaxFutureIAT < 0 || cfg.MaxFutureIAT > 24*time.Hour {
		return nil, errors.New("invalid MaxFutureIAT configuration")
	}
	cfg.KeyID = strings.TrimSpace(cfg.KeyID)

	switch cfg.SigningMethod {
	case MethodHS256:
		if len(cfg.PrivateKey) < 32 {
			return nil, errors.New("hs256 requires a secret of at least 32 bytes")
		}
		cfg.PublicKey = cfg.PrivateKey
	case MethodEd25519, MethodRS256:
		if len(cfg.PrivateKey) == 0 {
			return nil, fmt.Errorf("%s requires a private key", cfg.SigningMethod)
		}
		if _, err := parseSignKey(cfg.SigningMethod, cfg.PrivateKey); err != nil {
			return nil, err
		}
		if len(cfg.PublicKey) == 0 {
			return nil, fmt.Errorf("%s requires a public key", cfg.SigningMethod)
		}
		if _, err := parseVerifyKey(cfg.SigningMethod, cfg.PublicKey); err != nil {
			return nil, err
		}
	default:
		return nil, errors.New("unsupported signing method")
	}
	for kid, key := range cfg.VerifyKeys {
		if strings.TrimSpace(kid) == "" {
			return nil, errors.New("verify key map contains empty kid")
		}
		if _, err := parseVerifyKey(cfg.SigningMethod, key); err != nil {
			return nil, fmt.Errorf("invalid verify key for kid %q: %w", kid, err)
		}
	}
	if len(cfg.VerifyKeys) > 0 && cfg.KeyID == "" {
		return nil, errors.New("VerifyKeys requires KeyID")
	}

	if clock == nil {
		clock = time.Now
	}
	m := &Manager{
		config:    cfg,
		signKey:   seal(cfg.PrivateKey),
		verifyKey: seal(cfg.PublicKey),
		now:       clock,
	}
	if len(cfg.VerifyKeys) > 0 {
		m.verifyKeys = make(map[string]*memguard.Enclave, len(cfg.VerifyKeys))
		for kid, key := range cfg.VerifyKeys {
			m.verifyKeys[kid] = seal(key)
		}
	}
	m.config.PrivateKey, m.config.PublicKey, m.config.VerifyKeys = nil, nil, nil
	return m, nil
}

// AccessTTL and RefreshTTL report the configured lifetimes.
func (m *Manager) AccessTTL() time.Duration  { return m.config.AccessTTL }
func (m *Manager) RefreshTTL() time.Duration { return m.config.RefreshTTL }

// Sign issues a token of the given use for subject in family at generation.
// sid may be empty.
func (m *Manager) Sign(use, subject, family string, gen uint64, methods []string, sid, jti string) (string, time.Time, error) {
	ttl := m.config.AccessTTL
	if use == UseRefresh {
		ttl = m.config.RefreshTTL
	}
	now := m.now()
	exp := now.Add(ttl)

	claims := Claims{
		TokenUse:   use,
		Family:     family,
		Generation: gen,
		Methods:    methods,
		Session:    sid,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ID:        jti,
			ExpiresAt: jwt.NewNumericDate(exp),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    m.config.Issuer,
		},
	}
	if m.config.Audience != "" {
		claims.Audience = jwt.ClaimStrings{m.config.Audience}
	}

	token := jwt.NewWithClaims(m.method(), claims)
	if m.config.KeyID != "" {
		token.Header["kid"] = m.config.KeyID
	}

	buf, err := m.signKey.Open()
	if err != nil {
		return "", time.Time{}, err
	}
	defer buf.Destroy()

	key, err := parseSignKey(m.config.SigningMethod, buf.Bytes())
	if err != nil {
		return "", time.Time{}, err
	}
	signed, err := token.SignedString(key)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, exp, nil
}

// Parse verifies tokenStr and checks that its token_use is use.
func (m *Manager) Parse(tokenStr, use string) (*Claims, error) {
	options := []jwt.ParserOption{
		jwt.WithValidMethods([]string{m.method().Alg()}),
		jwt.WithTimeFunc(m.now),
		jwt.WithExpirationRequired(),
	}
	if m.config.Leeway > 0 {
		options = append(options, jwt.WithLeeway(m.config.Leeway))
	}
	if m.config.RequireIAT {
		options = append(options, jwt.WithIssuedAt())
	}
	if m.config.Issuer != "" {
		options = append(options, jwt.WithIssuer(m.config.Issuer))
	}
	if m.config.Audience != "" {
		options = append(options, jwt.WithAudience(m.config.Audience))
	}

	parser := jwt.NewParser(options...)
	var opened []*memguard.LockedBuffer
	defer func() {
		for _, b := range opened {
			b.Destroy()
		}
	}()

	token, err := parser.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if t.Method.Alg() != m.method().Alg() {
			return nil, fmt.Errorf("unexpected signing algorithm: %s", t.Method.Alg())
		}

		enclave := m.verifyKey
		if m.config.KeyID != "" {
			kid, _ := t.Header["kid"].(string)
			if kid == "" {
				return nil, errors.New("missing kid")
			}
			if kid != m.config.KeyID {
				extra, ok := m.verifyKeys[kid]
				if !ok {
					return nil, errors.New("unknown kid")
				}
				enclave = extra
			}
		}

		buf, err := enclave.Open()
		if err != nil {
			return nil, err
		}
		opened = append(opened, buf)
		return parseVerifyKey(m.config.SigningMethod, buf.Bytes())
	})
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, jwt.ErrTokenInvalidClaims
	}
	if claims.TokenUse != use {
		return nil, fmt.Errorf("%w: token_use %q", jwt.ErrTokenInvalidClaims, claims.TokenUse)
	}
	if claims.Subject == "" || claims.Family == "" {
		return nil, fmt.Errorf("%w: missing sub or fam", jwt.ErrTokenInvalidClaims)
	}
	if claims.IssuedAt != nil && claims.IssuedAt.Time.After(m.now().Add(m.config.MaxFutureIAT)) {
		return nil, errors.New("token iat too far in the future")
	}
	return claims, nil
}

func (m *Manager) method() jwt.SigningMethod {
	switch m.config.SigningMethod {
	case MethodHS256:
		return jwt.SigningMethodHS256
	case MethodRS256:
		return jwt.SigningMethodRS256
	default:
		return jwt.SigningMethodEdDSA
	}
}

func parseSignKey(method SigningMethod, key []byte) (interface{}, error) {
	switch method {
	case MethodHS256:
		return key, nil
	case MethodRS256:
		k, err := jwt.ParseRSAPrivateKeyFromPEM(key)
		if err != nil {
			return nil, errors.New("invalid rsa private key")
		}
		return k, nil
	default:
		return parseEdPrivateKey(key)
	}
}

func parseVerifyKey(method SigningMethod, key []byte) (interface{}, error) {
	switch method {
	case MethodHS256:
		return key, nil
	case MethodRS256:
		return parseRSAPublicKey(key)
	default:
		return parseEdPublicKey(key)
	}
}

func parseRSAPublicKey(key []byte) (*rsa.PublicKey, error) {
	k, err := jwt.ParseRSAPublicKeyFromPEM(key)
	if err != nil {
		return nil, errors.New("invalid rsa public key")
	}
	return k, nil
}

func parseEdPrivateKey(key []byte) (ed25519.PrivateKey, error) {
	if len(key) == ed25519.PrivateKeySize {
		return ed25519.PrivateKey(key), nil
	}
	parsed, err := jwt.ParseEdPrivateKeyFromPEM(key)
	if err != nil {
		return nil, errors.New("invalid ed25519 private key")
	}
	edKey, ok := parsed.(ed25519.PrivateKey)
	if !ok {
		return nil, errors.New("invalid ed25519 private key type")
	}
	return edKey, nil
}

func parseEdPublicKey(key []byte) (ed25519.PublicKey, error) {
	if len(key) == ed25519.PublicKeySize {
		return ed25519.PublicKey(key), nil
	}
	parsed, err := jwt.ParseEdPublicKeyFromPEM(key)
	if err != nil {
		return nil, errors.New("invalid ed25519 public key")
	}
	edKey, ok := parsed.(ed25519.PublicKey)
	if !ok {
		return nil, errors.New("invalid ed25519 public key type")
	}
	return edKey, nil
}
