package verify

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/MrEthical07/authflow/internal"
)

// RecoveryConfig tunes recovery codes. Count is capped at 64 so the used set
// fits in one mask word.
type RecoveryConfig struct {
	Count  int
	Digits int
}

func DefaultRecoveryConfig() RecoveryConfig {
	return RecoveryConfig{Count: 10, Digits: 8}
}

// RecoveryState is persisted alongside the seed.
type RecoveryState struct {
	UsedMask uint64 `json:"used_mask"`
}

// Recovery derives a fixed list of codes from a secret seed so that only the
// seed and a used-bit mask need to be stored.
type Recovery struct {
	cfg RecoveryConfig
}

func NewRecovery(cfg RecoveryConfig) (*Recovery, error) {
	def := DefaultRecoveryConfig()
	if cfg.Count == 0 {
		cfg.Count = def.Count
	}
	if cfg.Digits == 0 {
		cfg.Digits = def.Digits
	}
	if cfg.Count < 1 || cfg.Count > 64 {
		return nil, errors.New("recovery code count must be 1..64")
	}
	if cfg.Digits < 6 || cfg.Digits > 9 {
		return nil, errors.New("recovery code digits must be 6..9")
	}
	return &Recovery{cfg: cfg}, nil
}

// NewSeed returns a fresh 40-byte hex seed.
func (r *Recovery) NewSeed() (string, error) {
	return internal.NewHexSeed(40)
}

// Codes lists every code derived from seed, used or not.
func (r *Recovery) Codes(seed string) []string {
	mac := hmac.New(sha1.New, []byte(seed))
	mod := uint32(1)
	for i := 0; i < r.cfg.Digits; i++ {
		mod *= 10
	}

	out := make([]string, r.cfg.Count)
	for i := range out {
		// The MAC is never reset: each code depends on every index before it.
		fmt.Fprintf(mac, "%3d,", i)
		sum := mac.Sum(nil)
		v := binary.BigEndian.Uint32(sum[:4]) % mod
		out[i] = fmt.Sprintf("%0*d", r.cfg.Digits, v)
	}
	return out
}

// Unused lists the codes not yet marked in state.
func (r *Recovery) Unused(seed string, state RecoveryState) []string {
	var out []string
	for i, c := range r.Codes(seed) {
		if state.UsedMask&(1<<uint(i)) == 0 {
			out = append(out, c)
		}
	}
	return out
}

// Verify checks presented against every unused code in constant time per
// code and marks the match as used in state.
func (r *Recovery) Verify(seed string, state *RecoveryState, presented string) Outcome {
	if seed == "" {
		return Invalid
	}
	given := []byte(normalizeCode(presented))
	match := -1
	for i, c := range r.Codes(seed) {
		if state.UsedMask&(1<<uint(i)) != 0 {
			continue
		}
		if subtle.ConstantTimeCompare(given, []byte(c)) == 1 && match < 0 {
			match = i
		}
	}
	if match < 0 {
		return Invalid
	}
	state.UsedMask |= 1 << uint(match)
	return OK
}
