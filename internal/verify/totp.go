package verify

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/hotp"
	"github.com/pquerna/otp/totp"
)

// TOTPConfig tunes time-based codes.
type TOTPConfig struct {
	Issuer    string
	Period    time.Duration
	Digits    int
	Algorithm string // SHA1, SHA256 or SHA512
	// Skew is how many steps either side of the expected step are accepted.
	Skew int
	// MaxDrift bounds the persisted clock offset, in steps.
	MaxDrift int
}

func DefaultTOTPConfig() TOTPConfig {
	return TOTPConfig{
		Issuer:    "authflow",
		Period:    30 * time.Second,
		Digits:    6,
		Algorithm: "SHA1",
		Skew:      1,
		MaxDrift:  4,
	}
}

// TOTPState is the per-authenticator state persisted after each successful
// verification.
type TOTPState struct {
	// Drift is the client's observed clock offset in steps. The tolerance
	// window is centred on now+Drift.
	Drift int64 `json:"drift"`
	// LastUsedStep is the step of the last accepted code; it and every earlier
	// step are rejected. Zero means no code has been accepted yet.
	LastUsedStep int64 `json:"last_used_step"`
}

// TOTP verifies codes against a base32 shared secret.
type TOTP struct {
	cfg  TOTPConfig
	algo otp.Algorithm
}

func NewTOTP(cfg TOTPConfig) (*TOTP, error) {
	def := DefaultTOTPConfig()
	if cfg.Period <= 0 {
		cfg.Period = def.Period
	}
	if cfg.Digits == 0 {
		cfg.Digits = def.Digits
	}
	if cfg.Skew < 0 {
		return nil, errors.New("totp skew must be >= 0")
	}
	if cfg.MaxDrift < cfg.Skew {
		cfg.MaxDrift = cfg.Skew
	}
	if cfg.Issuer == "" {
		cfg.Issuer = def.Issuer
	}
	if cfg.Period%time.Second != 0 {
		return nil, errors.New("totp period must be whole seconds")
	}
	if cfg.Digits != 6 && cfg.Digits != 8 {
		return nil, errors.New("totp digits must be 6 or 8")
	}

	var algo otp.Algorithm
	switch strings.ToUpper(cfg.Algorithm) {
	case "", "SHA1":
		algo = otp.AlgorithmSHA1
	case "SHA256":
		algo = otp.AlgorithmSHA256
	case "SHA512":
		algo = otp.AlgorithmSHA512
	default:
		return nil, fmt.Errorf("unsupported totp algorithm %q", cfg.Algorithm)
	}
	return &TOTP{cfg: cfg, algo: algo}, nil
}

// Config returns the effective configuration after defaults.
func (t *TOTP) Config() TOTPConfig {
	return t.cfg
}

func (t *TOTP) step(now time.Time) int64 {
	return now.Unix() / int64(t.cfg.Period/time.Second)
}

func (t *TOTP) codeAt(secret string, step int64) (string, error) {
	return hotp.GenerateCodeCustom(secret, uint64(step), hotp.ValidateOpts{
		Digits:    otp.Digits(t.cfg.Digits),
		Algorithm: t.algo,
	})
}

// Verify checks presented against secret at now. On OK it updates state with
// the new drift and last used step; the caller must persist it.
func (t *TOTP) Verify(secret string, state *TOTPState, presented string, now time.Time) (Outcome, error) {
	if secret == "" {
		return Invalid, errors.New("empty totp secret")
	}
	given := normalizeCode(presented)
	if len(given) != t.cfg.Digits || !isDigits(given) {
		return Invalid, nil
	}

	nowStep := t.step(now)
	center := nowStep + state.Drift
	for off := -int64(t.cfg.Skew); off <= int64(t.cfg.Skew); off++ {
		s := center + off
		if s < 0 || (state.LastUsedStep != 0 && s <= state.LastUsedStep) {
			continue
		}
		want, err := t.codeAt(secret, s)
		if err != nil {
			return Invalid, fmt.Errorf("totp secret: %w", err)
		}
		if subtle.ConstantTimeCompare([]byte(want), []byte(given)) == 1 {
			state.Drift = clamp(s-nowStep, int64(t.cfg.MaxDrift))
			state.LastUsedStep = s
			return OK, nil
		}
	}
	return Invalid, nil
}

func clamp(v, limit int64) int64 {
	if v > limit {
		return limit
	}
	if v < -limit {
		return -limit
	}
	return v
}

// Enrollment is a freshly generated TOTP secret and its otpauth:// URI.
type Enrollment struct {
	Secret string
	URI    string
}

// Enroll generates a new shared secret for account.
func (t *TOTP) Enroll(account string) (Enrollment, error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      t.cfg.Issuer,
		AccountName: account,
		Period:      uint(t.cfg.Period / time.Second),
		Digits:      otp.Digits(t.cfg.Digits),
		Algorithm:   t.algo,
	})
	if err != nil {
		return Enrollment{}, err
	}
	return Enrollment{Secret: key.Secret(), URI: key.URL()}, nil
}

// CodeAt returns the code for now. It exists for tests and enrollment checks.
func (t *TOTP) CodeAt(secret string, now time.Time) (string, error) {
	return t.codeAt(secret, t.step(now))
}
