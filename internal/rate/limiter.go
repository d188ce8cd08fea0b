package rate

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/MrEthical07/authflow/kv"
)

// ErrRateLimited is returned by callers that turn a rejected Decision into an error.
var ErrRateLimited = errors.New("rate limited")

// Scope carries the identifiers a call can be counted against.
type Scope struct {
	IP     string
	UserID string
	// Key is an arbitrary caller-chosen value, typically a login identifier.
	// It is hashed before it reaches the store.
	Key string
}

// Decision is the result of consuming one call of an action.
type Decision struct {
	Allowed bool
	// RetryAfter is the time until the violated rate's window closes.
	RetryAfter time.Duration
	// Rate is the first rate that rejected the call.
	Rate Rate
}

// Limiter enforces configured rates per action.
type Limiter struct {
	store kv.Store
	rates map[string][]Rate
	clock func() time.Time
}

// New parses limits (action -> rate list) and returns a Limiter. Actions
// without an entry are never limited.
func New(store kv.Store, limits map[string]string, clock func() time.Time) (*Limiter, error) {
	if clock == nil {
		clock = time.Now
	}
	rates := make(map[string][]Rate, len(limits))
	for action, spec := range limits {
		parsed, err := ParseRates(spec)
		if err != nil {
			return nil, fmt.Errorf("action %q: %w", action, err)
		}
		if len(parsed) > 0 {
			rates[action] = parsed
		}
	}
	return &Limiter{store: store, rates: rates, clock: clock}, nil
}

// Rates returns the parsed rates for action.
func (l *Limiter) Rates(action string) []Rate {
	return l.rates[action]
}

// Consume counts one call of action against every configured rate, in order,
// and stops at the first rate that is exceeded.
func (l *Limiter) Consume(ctx context.Context, action string, scope Scope) (Decision, error) {
	rates := l.rates[action]
	if len(rates) == 0 {
		return Decision{Allowed: true}, nil
	}

	now := l.clock()
	for _, r := range rates {
		source, err := scopeKey(r.Per, scope)
		if err != nil {
			return Decision{}, fmt.Errorf("action %q: %w", action, err)
		}
		bucket := now.UnixNano() / int64(r.Period)
		count, err := l.store.IncrWithTTL(ctx, counterKey(action, source, bucket), r.Period)
		if err != nil {
			return Decision{}, err
		}
		if count > int64(r.Amount) {
			return Decision{
				Allowed:    false,
				RetryAfter: retryAfter(now, bucket, r.Period),
				Rate:       r,
			}, nil
		}
	}

	return Decision{Allowed: true}, nil
}

// Clear drops the current-window counters of action for scope. It is used to
// forgive failures once the caller has authenticated successfully.
func (l *Limiter) Clear(ctx context.Context, action string, scope Scope) error {
	rates := l.rates[action]
	if len(rates) == 0 {
		return nil
	}

	now := l.clock()
	keys := make([]string, 0, len(rates))
	for _, r := range rates {
		source, err := scopeKey(r.Per, scope)
		if err != nil {
			continue
		}
		keys = append(keys, counterKey(action, source, now.UnixNano()/int64(r.Period)))
	}
	if len(keys) == 0 {
		return nil
	}
	return l.store.Delete(ctx, keys...)
}

func scopeKey(per Per, scope Scope) (string, error) {
	switch per {
	case PerIP:
		if scope.IP == "" {
			return "ip:unknown", nil
		}
		return "ip:" + scope.IP, nil
	case PerUser:
		if scope.UserID == "" {
			return "", fmt.Errorf("%w: user", ErrMissingScope)
		}
		return "user:" + scope.UserID, nil
	case PerKey:
		if scope.Key == "" {
			return "", fmt.Errorf("%w: key", ErrMissingScope)
		}
		sum := sha256.Sum256([]byte(scope.Key))
		return "key:" + hex.EncodeToString(sum[:]), nil
	}
	return "", fmt.Errorf("%w: unknown scope %q", ErrInvalidRate, per)
}

func counterKey(action, source string, bucket int64) string {
	return "rl:" + action + ":" + source + ":" + strconv.FormatInt(bucket, 10)
}

func retryAfter(now time.Time, bucket int64, period time.Duration) time.Duration {
	end := time.Unix(0, (bucket+1)*int64(period))
	d := end.Sub(now)
	if rem := d % time.Second; rem != 0 {
		d += time.Second - rem
	}
	if d < time.Second {
		d = time.Second
	}
	return d
}

// RetryAfterSeconds renders d as the whole-second value of a Retry-After header.
func RetryAfterSeconds(d time.Duration) int {
	s := int((d + time.Second - 1) / time.Second)
	if s < 1 {
		s = 1
	}
	return s
}
