package provider

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry(t *testing.T) {
	gh := NewStatic("github")
	gh.Add("tok-1", Profile{ExternalUID: "42", Email: "a@example.com", EmailVerified: true})

	r, err := NewRegistry(gh)
	require.NoError(t, err)
	assert.Equal(t, []string{"github"}, r.IDs())

	p, err := r.Complete(context.Background(), "github", map[string]string{"token": "tok-1"})
	require.NoError(t, err)
	assert.Equal(t, "github", p.ProviderID)
	assert.Equal(t, "42", p.ExternalUID)

	_, err = r.Complete(context.Background(), "github", map[string]string{"token": "nope"})
	assert.ErrorIs(t, err, ErrInvalidAssertion)

	_, err = r.Get("gitlab")
	assert.ErrorIs(t, err, ErrUnknownProvider)
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	_, err := NewRegistry(NewStatic("x"), NewStatic("x"))
	assert.ErrorIs(t, err, ErrDuplicateAdapter)

	_, err = NewRegistry(NewStatic(" "))
	assert.Error(t, err)
}

func TestCompleteRequiresSubject(t *testing.T) {
	s := NewStatic("dev")
	s.Add("t", Profile{Email: "x@example.com"})
	r, err := NewRegistry(s)
	require.NoError(t, err)

	_, err = r.Complete(context.Background(), "dev", map[string]string{"token": "t"})
	assert.ErrorIs(t, err, ErrInvalidAssertion)
}

func TestNilRegistry(t *testing.T) {
	var r *Registry
	_, err := r.Get("any")
	assert.ErrorIs(t, err, ErrUnknownProvider)
	assert.Nil(t, r.IDs())
}
