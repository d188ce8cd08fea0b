package authflow

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/MrEthical07/authflow/internal/rate"
)

// Config is the complete engine configuration. Field tags let configfile
// decode it from YAML or TOML.
type Config struct {
	Store         StoreConfig       `yaml:"store" toml:"store"`
	RateLimits    map[string]string `yaml:"rate_limits" toml:"rate_limits"`
	Flow          FlowConfig        `yaml:"flow" toml:"flow"`
	Codes         CodeConfig        `yaml:"codes" toml:"codes"`
	Password      PasswordConfig    `yaml:"password" toml:"password"`
	TOTP          TOTPConfig        `yaml:"totp" toml:"totp"`
	Recovery      RecoveryConfig    `yaml:"recovery" toml:"recovery"`
	LDAP          LDAPConfig        `yaml:"ldap" toml:"ldap"`
	TokenStrategy TokenStrategy     `yaml:"token_strategy" toml:"token_strategy"`
	Session       SessionConfig     `yaml:"session" toml:"session"`
	JWT           JWTConfig         `yaml:"jwt" toml:"jwt"`
	Audit         AuditConfig       `yaml:"audit" toml:"audit"`
	Metrics       MetricsConfig     `yaml:"metrics" toml:"metrics"`
}

// TokenStrategy selects what a completed login mints.
type TokenStrategy string

const (
	StrategySession TokenStrategy = "session"
	StrategyJWT     TokenStrategy = "jwt"
)

/*
====================================
STORE CONFIG
====================================
*/

// StoreConfig selects the kv backend shared by rate limits, login flows and
// token state.
type StoreConfig struct {
	// Backend is "memory", "redis" or "bolt".
	Backend       string        `yaml:"backend" toml:"backend"`
	RedisAddr     string        `yaml:"redis_addr" toml:"redis_addr"`
	RedisPassword string        `yaml:"redis_password" toml:"redis_password"`
	RedisDB       int           `yaml:"redis_db" toml:"redis_db"`
	BoltPath      string        `yaml:"bolt_path" toml:"bolt_path"`
	Prefix        string        `yaml:"prefix" toml:"prefix"`
	OpTimeout     time.Duration `yaml:"op_timeout" toml:"op_timeout"`
}

/*
====================================
FLOW CONFIG
====================================
*/

type FlowConfig struct {
	// Stages orders the secondary stages: verify_email, verify_phone,
	// mfa_authenticate.
	Stages               []string      `yaml:"stages" toml:"stages"`
	Timeout              time.Duration `yaml:"timeout" toml:"timeout"`
	AbandonedTTL         time.Duration `yaml:"abandoned_ttl" toml:"abandoned_ttl"`
	MaxAttempts          int           `yaml:"max_attempts" toml:"max_attempts"`
	EmailVerification    bool          `yaml:"email_verification" toml:"email_verification"`
	RequireVerifiedEmail bool          `yaml:"require_verified_email" toml:"require_verified_email"`
	PhoneVerification    bool          `yaml:"phone_verification" toml:"phone_verification"`
	AlwaysMFAForUnknown  bool          `yaml:"always_mfa_for_unknown" toml:"always_mfa_for_unknown"`
	LinkProviderByEmail  bool          `yaml:"link_provider_by_email" toml:"link_provider_by_email"`
}

// CodeConfig covers one-time codes delivered by email or SMS.
type CodeConfig struct {
	Length      int           `yaml:"length" toml:"length"`
	TTL         time.Duration `yaml:"ttl" toml:"ttl"`
	MaxAttempts int           `yaml:"max_attempts" toml:"max_attempts"`
	MaxResends  int           `yaml:"max_resends" toml:"max_resends"`
	// RevealInLogs logs codes unmasked. Development only.
	RevealInLogs bool `yaml:"reveal_in_logs" toml:"reveal_in_logs"`
}

/*
====================================
CREDENTIAL CONFIG
====================================
*/

type PasswordConfig struct {
	Memory      uint32 `yaml:"memory" toml:"memory"` // in KiB
	Time        uint32 `yaml:"time" toml:"time"`
	Parallelism uint8  `yaml:"parallelism" toml:"parallelism"`
	SaltLength  uint32 `yaml:"salt_length" toml:"salt_length"`
	KeyLength   uint32 `yaml:"key_length" toml:"key_length"`
	MinLength   int    `yaml:"min_length" toml:"min_length"`
	MaxLength   int    `yaml:"max_length" toml:"max_length"`
}

type TOTPConfig struct {
	Issuer    string        `yaml:"issuer" toml:"issuer"`
	Period    time.Duration `yaml:"period" toml:"period"`
	Digits    int           `yaml:"digits" toml:"digits"`
	Algorithm string        `yaml:"algorithm" toml:"algorithm"`
	Skew      int           `yaml:"skew" toml:"skew"`
	MaxDrift  int           `yaml:"max_drift" toml:"max_drift"`
}

type RecoveryConfig struct {
	Count  int `yaml:"count" toml:"count"`
	Digits int `yaml:"digits" toml:"digits"`
}

// LDAPConfig enables password checks by LDAP bind instead of stored hashes.
type LDAPConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Host    string `yaml:"host" toml:"host"`
	Port    uint16 `yaml:"port" toml:"port"`
	// Mode is "plain", "ssl" or "starttls".
	Mode         string `yaml:"mode" toml:"mode"`
	BindDNFormat string `yaml:"bind_dn_format" toml:"bind_dn_format"`
}

/*
====================================
TOKEN CONFIG
====================================
*/

type SessionConfig struct {
	TTL              time.Duration `yaml:"ttl" toml:"ttl"`
	Sliding          bool          `yaml:"sliding" toml:"sliding"`
	AbsoluteLifetime time.Duration `yaml:"absolute_lifetime" toml:"absolute_lifetime"`
	JitterRange      time.Duration `yaml:"jitter_range" toml:"jitter_range"`
	TombstoneTTL     time.Duration `yaml:"tombstone_ttl" toml:"tombstone_ttl"`
}

type JWTConfig struct {
	AccessTTL     time.Duration `yaml:"access_ttl" toml:"access_ttl"`
	RefreshTTL    time.Duration `yaml:"refresh_ttl" toml:"refresh_ttl"`
	SigningMethod string        `yaml:"signing_method" toml:"signing_method"` // "hs256", "ed25519" or "rs256"
	// Key material is loaded from the files by configfile; in code set the
	// byte slices directly.
	PrivateKeyFile string            `yaml:"private_key_file" toml:"private_key_file"`
	PublicKeyFile  string            `yaml:"public_key_file" toml:"public_key_file"`
	PrivateKey     []byte            `yaml:"-" toml:"-"`
	PublicKey      []byte            `yaml:"-" toml:"-"`
	Issuer         string            `yaml:"issuer" toml:"issuer"`
	Audience       string            `yaml:"audience" toml:"audience"`
	Leeway         time.Duration     `yaml:"leeway" toml:"leeway"`
	KeyID          string            `yaml:"key_id" toml:"key_id"`
	VerifyKeys     map[string][]byte `yaml:"-" toml:"-"`
	Stateful       bool              `yaml:"stateful" toml:"stateful"`
	Rotation       bool              `yaml:"rotation" toml:"rotation"`
}

/*
====================================
OBSERVABILITY CONFIG
====================================
*/

type AuditConfig struct {
	Enabled    bool `yaml:"enabled" toml:"enabled"`
	BufferSize int  `yaml:"buffer_size" toml:"buffer_size"`
	DropIfFull bool `yaml:"drop_if_full" toml:"drop_if_full"`
}

type MetricsConfig struct {
	Enabled                 bool `yaml:"enabled" toml:"enabled"`
	EnableLatencyHistograms bool `yaml:"enable_latency_histograms" toml:"enable_latency_histograms"`
}

/*
====================================
DEFAULT CONFIG
====================================
*/

// DefaultRateLimits are the per-action limits used when Config.RateLimits
// does not name an action.
func DefaultRateLimits() map[string]string {
	return map[string]string{
		ActionLogin:          "30/m/ip",
		ActionLoginFailed:    "10/m/ip,5/5m/key",
		ActionConfirmCode:    "3/m/key",
		ActionResendCode:     "3/m/key",
		ActionChangePassword: "5/m/user",
		ActionRefresh:        "60/m/ip",
		ActionProviderLogin:  "30/m/ip",
	}
}

// DefaultConfig returns a development configuration: in-memory store,
// session tokens, no signing keys.
func DefaultConfig() Config {
	return Config{
		Store: StoreConfig{
			Backend:   "memory",
			Prefix:    "af",
			OpTimeout: 2 * time.Second,
		},
		RateLimits: DefaultRateLimits(),
		Flow: FlowConfig{
			Stages:       []string{"verify_email", "verify_phone", "mfa_authenticate"},
			Timeout:      15 * time.Minute,
			AbandonedTTL: 5 * time.Minute,
			MaxAttempts:  5,
		},
		Codes: CodeConfig{
			Length:      6,
			TTL:         10 * time.Minute,
			MaxAttempts: 5,
			MaxResends:  3,
		},
		Password: PasswordConfig{
			Memory:      64 * 1024,
			Time:        3,
			Parallelism: 2,
			SaltLength:  16,
			KeyLength:   32,
			MinLength:   8,
			MaxLength:   256,
		},
		TOTP: TOTPConfig{
			Issuer:    "authflow",
			Period:    30 * time.Second,
			Digits:    6,
			Algorithm: "SHA1",
			Skew:      1,
			MaxDrift:  4,
		},
		Recovery: RecoveryConfig{
			Count:  10,
			Digits: 10,
		},
		TokenStrategy: StrategySession,
		Session: SessionConfig{
			TTL:              24 * time.Hour,
			AbsoluteLifetime: 7 * 24 * time.Hour,
			JitterRange:      30 * time.Second,
			TombstoneTTL:     time.Hour,
		},
		JWT: JWTConfig{
			AccessTTL:     5 * time.Minute,
			RefreshTTL:    7 * 24 * time.Hour,
			SigningMethod: "ed25519",
			Issuer:        "authflow",
			Stateful:      true,
			Rotation:      true,
		},
		Audit: AuditConfig{
			Enabled:    true,
			BufferSize: 1024,
			DropIfFull: true,
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}
}

func cloneConfig(cfg Config) Config {
	out := cfg
	out.JWT.PrivateKey = cloneBytes(cfg.JWT.PrivateKey)
	out.JWT.PublicKey = cloneBytes(cfg.JWT.PublicKey)
	if cfg.JWT.VerifyKeys != nil {
		out.JWT.VerifyKeys = make(map[string][]byte, len(cfg.JWT.VerifyKeys))
		for kid, k := range cfg.JWT.VerifyKeys {
			out.JWT.VerifyKeys[kid] = cloneBytes(k)
		}
	}
	out.RateLimits = make(map[string]string, len(cfg.RateLimits))
	for k, v := range cfg.RateLimits {
		out.RateLimits[k] = v
	}
	out.Flow.Stages = append([]string(nil), cfg.Flow.Stages...)
	return out
}

func cloneBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

/*
====================================
VALIDATION
====================================
*/

// Validate reports the first configuration error.
func (c *Config) Validate() error {
	// Store
	switch c.Store.Backend {
	case "memory":
	case "redis":
		if c.Store.RedisAddr == "" {
			return errors.New("Store RedisAddr is required for the redis backend")
		}
	case "bolt":
		if c.Store.BoltPath == "" {
			return errors.New("Store BoltPath is required for the bolt backend")
		}
	default:
		return fmt.Errorf("unsupported store backend %q", c.Store.Backend)
	}
	if c.Store.OpTimeout < 0 {
		return errors.New("Store OpTimeout must be >= 0")
	}

	for action, spec := range c.RateLimits {
		if _, err := rate.ParseRates(spec); err != nil {
			return fmt.Errorf("RateLimits %q: %w", action, err)
		}
	}

	// Flow
	for _, s := range c.Flow.Stages {
		switch s {
		case "verify_email", "verify_phone", "mfa_authenticate":
		default:
			return fmt.Errorf("Flow Stages: %q is not a secondary stage", s)
		}
	}
	if c.Flow.Timeout <= 0 {
		return errors.New("Flow Timeout must be > 0")
	}
	if c.Flow.AbandonedTTL <= 0 {
		return errors.New("Flow AbandonedTTL must be > 0")
	}
	if c.Flow.MaxAttempts < 1 {
		return errors.New("Flow MaxAttempts must be >= 1")
	}

	// Codes
	if c.Codes.Length < 4 || c.Codes.Length > 10 {
		return errors.New("Codes Length must be between 4 and 10")
	}
	if c.Codes.TTL <= 0 {
		return errors.New("Codes TTL must be > 0")
	}
	if c.Codes.MaxAttempts < 1 {
		return errors.New("Codes MaxAttempts must be >= 1")
	}
	if c.Codes.MaxResends < 0 {
		return errors.New("Codes MaxResends must be >= 0")
	}

	// Password
	if c.Password.Memory < 8*1024 {
		return errors.New("Password Memory must be >= 8192 KB")
	}
	if c.Password.Time < 1 {
		return errors.New("Password Time must be >= 1")
	}
	if c.Password.Parallelism < 1 {
		return errors.New("Password Parallelism must be >= 1")
	}
	if c.Password.SaltLength < 16 {
		return errors.New("Password SaltLength must be >= 16")
	}
	if c.Password.KeyLength < 16 {
		return errors.New("Password KeyLength must be >= 16")
	}
	if c.Password.MaxLength < c.Password.MinLength {
		return errors.New("Password MaxLength must be >= MinLength")
	}

	// TOTP
	if c.TOTP.Period <= 0 {
		return errors.New("TOTP Period must be > 0")
	}
	if c.TOTP.Digits != 6 && c.TOTP.Digits != 8 {
		return errors.New("TOTP Digits must be 6 or 8")
	}
	switch strings.ToUpper(c.TOTP.Algorithm) {
	case "SHA1", "SHA256", "SHA512":
	default:
		return errors.New("TOTP Algorithm must be SHA1, SHA256 or SHA512")
	}
	if c.TOTP.Skew < 0 || c.TOTP.Skew > 3 {
		return errors.New("TOTP Skew must be between 0 and 3")
	}

	if c.Recovery.Count < 1 || c.Recovery.Count > 64 {
		return errors.New("Recovery Count must be between 1 and 64")
	}

	// LDAP
	if c.LDAP.Enabled {
		if c.LDAP.Host == "" || c.LDAP.Port == 0 {
			return errors.New("LDAP Host and Port are required when enabled")
		}
		if _, err := ldapMode(c.LDAP.Mode); err != nil {
			return err
		}
	}

	// Tokens
	switch c.TokenStrategy {
	case StrategySession:
		if c.Session.TTL <= 0 {
			return errors.New("Session TTL must be > 0")
		}
		if c.Session.TombstoneTTL <= 0 {
			return errors.New("Session TombstoneTTL must be > 0")
		}
		if c.Session.Sliding && c.Session.AbsoluteLifetime < c.Session.TTL {
			return errors.New("Session AbsoluteLifetime must be >= TTL when sliding")
		}
		if c.Session.JitterRange < 0 || c.Session.JitterRange > time.Duration((math.MaxInt64-1)/2) {
			return errors.New("Session JitterRange is out of range")
		}
	case StrategyJWT:
		if c.JWT.AccessTTL <= 0 {
			return errors.New("JWT AccessTTL must be > 0")
		}
		if c.JWT.RefreshTTL < c.JWT.AccessTTL {
			return errors.New("JWT RefreshTTL must be >= AccessTTL")
		}
		switch c.JWT.SigningMethod {
		case "hs256":
			if len(c.JWT.PrivateKey) < 32 {
				return errors.New("hs256 requires a PrivateKey of at least 32 bytes")
			}
		case "ed25519", "rs256":
			if len(c.JWT.PrivateKey) == 0 || len(c.JWT.PublicKey) == 0 {
				return fmt.Errorf("%s requires PrivateKey and PublicKey", c.JWT.SigningMethod)
			}
		default:
			return errors.New("unsupported JWT signing method")
		}
		if c.JWT.Leeway < 0 || c.JWT.Leeway > 2*time.Minute {
			return errors.New("JWT Leeway must be between 0 and 2m")
		}
	default:
		return fmt.Errorf("unsupported token strategy %q", c.TokenStrategy)
	}

	if c.Audit.Enabled && c.Audit.BufferSize <= 0 {
		return errors.New("Audit BufferSize must be > 0")
	}
	return nil
}

/*
====================================
LINT
====================================
*/

// LintWarning is a configuration that is valid but probably unintended.
type LintWarning struct {
	Code    string
	Message string
}

type LintResult []LintWarning

func (r LintResult) Codes() []string {
	out := make([]string, len(r))
	for i, w := range r {
		out[i] = w.Code
	}
	return out
}

// Lint reports risky but valid settings. It assumes c passed Validate.
func (c *Config) Lint() LintResult {
	var ws LintResult
	add := func(code, msg string) { ws = append(ws, LintWarning{Code: code, Message: msg}) }

	limits := c.RateLimits
	if len(limits) == 0 {
		add("rate_limits_disabled", "no rate limits configured")
	} else {
		for _, action := range []string{ActionLogin, ActionLoginFailed, ActionConfirmCode} {
			if strings.TrimSpace(limits[action]) == "" {
				add("rate_limit_missing_"+action, fmt.Sprintf("action %q is not rate limited", action))
			}
		}
	}
	if c.Store.Backend == "memory" {
		add("memory_store", "memory store is per-process; limits and tokens are not shared")
	}
	if c.Codes.RevealInLogs {
		add("codes_revealed", "one-time codes are written to logs unmasked")
	}
	if c.Codes.TTL > 30*time.Minute {
		add("code_ttl_long", "one-time codes live longer than 30 minutes")
	}
	if c.Flow.MaxAttempts > 10 {
		add("flow_attempts_high", "more than 10 attempts per stage")
	}

	switch c.TokenStrategy {
	case StrategyJWT:
		if !c.JWT.Stateful {
			add("jwt_stateless", "access tokens cannot be revoked before expiry")
		}
		if !c.JWT.Rotation {
			add("jwt_no_rotation", "refresh token reuse cannot be detected")
		}
		if c.JWT.Leeway > 60*time.Second {
			add("leeway_large", "JWT leeway is above 60s")
		}
		if c.JWT.AccessTTL > 15*time.Minute {
			add("access_ttl_long", "access tokens live longer than 15 minutes")
		}
		if c.JWT.RefreshTTL > 30*24*time.Hour {
			add("refresh_ttl_long", "refresh tokens live longer than 30 days")
		}
		if c.JWT.SigningMethod == "hs256" {
			add("hs256_shared_secret", "hs256 shares the signing secret with every verifier")
		}
	case StrategySession:
		if c.Session.TTL > 7*24*time.Hour && !c.Session.Sliding {
			add("session_ttl_long", "fixed sessions live longer than 7 days")
		}
	}

	if !c.Audit.Enabled {
		add("audit_disabled", "login events are not audited")
	}
	return ws
}
