package verify

import (
	"crypto/subtle"
	"time"

	"github.com/MrEthical07/authflow/internal"
)

// CodeConfig tunes emailed/SMS one-time codes.
type CodeConfig struct {
	Length      int
	TTL         time.Duration
	MaxAttempts int
}

// DefaultCodeConfig: six digits, three minutes, three attempts.
func DefaultCodeConfig() CodeConfig {
	return CodeConfig{Length: 6, TTL: 3 * time.Minute, MaxAttempts: 3}
}

// CodeState is the server-side record of one issued code. It travels inside
// the login flow's stage data; an empty Code means the code was consumed or
// invalidated and must be reissued.
type CodeState struct {
	Code        string    `json:"code,omitempty"`
	IssuedAt    time.Time `json:"issued_at"`
	ExpiresAt   time.Time `json:"expires_at"`
	Attempts    int       `json:"attempts"`
	MaxAttempts int       `json:"max_attempts"`
}

// Live reports whether the state still holds a usable code at now.
func (s *CodeState) Live(now time.Time) bool {
	return s.Code != "" && now.Before(s.ExpiresAt) && s.Attempts < s.MaxAttempts
}

// Codes issues and checks one-time numeric codes.
type Codes struct {
	cfg CodeConfig
}

func NewCodes(cfg CodeConfig) *Codes {
	def := DefaultCodeConfig()
	if cfg.Length == 0 {
		cfg.Length = def.Length
	}
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	return &Codes{cfg: cfg}
}

// Config returns the effective configuration.
func (c *Codes) Config() CodeConfig {
	return c.cfg
}

// Issue generates a fresh code. The plaintext is also State.Code; the caller
// delivers it and persists the state.
func (c *Codes) Issue(now time.Time) (CodeState, error) {
	code, err := internal.NewNumericCode(c.cfg.Length)
	if err != nil {
		return CodeState{}, err
	}
	return CodeState{
		Code:        code,
		IssuedAt:    now,
		ExpiresAt:   now.Add(c.cfg.TTL),
		MaxAttempts: c.cfg.MaxAttempts,
	}, nil
}

// Verify checks presented against state and updates state in place. The
// caller must persist state afterwards whatever the outcome.
//
// A correct code is consumed, so it is accepted at most once. The attempt that
// reaches MaxAttempts invalidates the code and reports LimitExceeded.
func (c *Codes) Verify(state *CodeState, presented string, now time.Time) Outcome {
	if state == nil || state.Code == "" {
		return Invalid
	}
	if state.Attempts >= state.MaxAttempts {
		state.Code = ""
		return LimitExceeded
	}
	if !now.Before(state.ExpiresAt) {
		state.Code = ""
		return Expired
	}

	given := normalizeCode(presented)
	if subtle.ConstantTimeCompare([]byte(given), []byte(state.Code)) == 1 {
		state.Code = ""
		return OK
	}

	state.Attempts++
	if state.Attempts >= state.MaxAttempts {
		state.Code = ""
		return LimitExceeded
	}
	return Invalid
}
