package provider

import (
	"context"
	"crypto/subtle"
	"sync"
)

// Static is an adapter backed by a fixed token to profile table. It reads the
// "token" parameter. Useful for tests and local development.
type Static struct {
	id string

	mu       sync.RWMutex
	profiles map[string]Profile
}

func NewStatic(id string) *Static {
	return &Static{id: id, profiles: make(map[string]Profile)}
}

func (s *Static) ID() string { return s.id }

// Add registers token as an assertion for p.
func (s *Static) Add(token string, p Profile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[token] = p
}

func (s *Static) Complete(ctx context.Context, params map[string]string) (Profile, error) {
	if err := ctx.Err(); err != nil {
		return Profile{}, err
	}
	presented := params["token"]
	if presented == "" {
		return Profile{}, ErrInvalidAssertion
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		found Profile
		ok    bool
	)
	for token, p := range s.profiles {
		if subtle.ConstantTimeCompare([]byte(token), []byte(presented)) == 1 {
			found, ok = p, true
		}
	}
	if !ok {
		return Profile{}, ErrInvalidAssertion
	}
	return found, nil
}
