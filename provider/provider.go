// Package provider holds the identity-provider adapter contract and a
// startup-time registry of adapters.
//
// Adapters do the provider-specific exchange (OAuth code, OIDC id_token,
// SAML assertion) and hand back a normalized Profile. The login flow only
// ever sees the Profile.
package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	ErrUnknownProvider  = errors.New("provider: unknown provider")
	ErrInvalidAssertion = errors.New("provider: assertion rejected")
	ErrDuplicateAdapter = errors.New("provider: duplicate adapter id")
)

// Profile is the normalized identity returned by an adapter.
type Profile struct {
	ProviderID    string
	ExternalUID   string
	Email         string
	EmailVerified bool
	DisplayName   string
	RawClaims     map[string]any
}

// Adapter completes a provider exchange. Complete returns ErrInvalidAssertion
// (possibly wrapped) when the provider rejects the presented parameters, and
// any other error for transport failures.
type Adapter interface {
	ID() string
	Complete(ctx context.Context, params map[string]string) (Profile, error)
}

// Registry maps provider ids to adapters. It is immutable after construction.
type Registry struct {
	adapters map[string]Adapter
}

func NewRegistry(adapters ...Adapter) (*Registry, error) {
	r := &Registry{adapters: make(map[string]Adapter, len(adapters))}
	for _, a := range adapters {
		id := strings.TrimSpace(a.ID())
		if id == "" {
			return nil, errors.New("provider: adapter with empty id")
		}
		if _, ok := r.adapters[id]; ok {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateAdapter, id)
		}
		r.adapters[id] = a
	}
	return r, nil
}

func (r *Registry) Get(id string) (Adapter, error) {
	if r == nil {
		return nil, ErrUnknownProvider
	}
	a, ok := r.adapters[id]
	if !ok {
		return nil, ErrUnknownProvider
	}
	return a, nil
}

// IDs returns the registered provider ids in sorted order.
func (r *Registry) IDs() []string {
	if r == nil {
		return nil
	}
	ids := make([]string, 0, len(r.adapters))
	for id := range r.adapters {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Complete looks up the adapter and runs it. The returned profile always
// carries the adapter's id.
func (r *Registry) Complete(ctx context.Context, id string, params map[string]string) (Profile, error) {
	a, err := r.Get(id)
	if err != nil {
		return Profile{}, err
	}
	p, err := a.Complete(ctx, params)
	if err != nil {
		return Profile{}, err
	}
	if p.ExternalUID == "" {
		return Profile{}, fmt.Errorf("%w: empty subject", ErrInvalidAssertion)
	}
	p.ProviderID = a.ID()
	return p, nil
}
