package rate

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrInvalidRate reports a malformed rate expression.
	ErrInvalidRate = errors.New("invalid rate")
	// ErrMissingScope reports a rate keyed on a user or key that the caller did not supply.
	ErrMissingScope = errors.New("rate limit scope value missing")
)

// Per selects what a rate counts against.
type Per string

const (
	PerIP   Per = "ip"
	PerUser Per = "user"
	PerKey  Per = "key"
)

// Rate is one parsed "<amount>/<duration>[/<per>]" expression.
type Rate struct {
	Amount int
	Period time.Duration
	Per    Per
}

func (r Rate) String() string {
	return fmt.Sprintf("%d/%s/%s", r.Amount, r.Period, r.Per)
}

var unitSeconds = map[byte]float64{
	's': 1,
	'm': 60,
	'h': 3600,
	'd': 86400,
}

func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, fmt.Errorf("%w: empty duration", ErrInvalidRate)
	}
	unit, ok := unitSeconds[s[len(s)-1]]
	if !ok {
		return 0, fmt.Errorf("%w: unknown duration unit %q", ErrInvalidRate, s[len(s)-1:])
	}
	mult := 1.0
	if prefix := s[:len(s)-1]; prefix != "" {
		v, err := strconv.ParseFloat(prefix, 64)
		if err != nil || v <= 0 {
			return 0, fmt.Errorf("%w: bad duration %q", ErrInvalidRate, s)
		}
		mult = v
	}
	return time.Duration(mult * unit * float64(time.Second)), nil
}

// ParseRate parses a single rate expression.
func ParseRate(s string) (Rate, error) {
	parts := strings.Split(strings.TrimSpace(s), "/")
	var r Rate
	switch len(parts) {
	case 2:
		r.Per = PerIP
	case 3:
		r.Per = Per(parts[2])
	default:
		return Rate{}, fmt.Errorf("%w: %q", ErrInvalidRate, s)
	}

	amount, err := strconv.Atoi(parts[0])
	if err != nil || amount <= 0 {
		return Rate{}, fmt.Errorf("%w: bad amount in %q", ErrInvalidRate, s)
	}
	r.Amount = amount

	if r.Period, err = parseDuration(parts[1]); err != nil {
		return Rate{}, err
	}

	switch r.Per {
	case PerIP, PerUser, PerKey:
	default:
		return Rate{}, fmt.Errorf("%w: unknown scope %q", ErrInvalidRate, r.Per)
	}
	return r, nil
}

// ParseRates parses a comma-separated list. An empty string yields no rates.
func ParseRates(s string) ([]Rate, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	out := make([]Rate, 0, len(parts))
	for _, p := range parts {
		r, err := ParseRate(p)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}
