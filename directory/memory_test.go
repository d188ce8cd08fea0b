package directory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryFindByIdentifierFoldsCase(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	u, err := m.CreateUser(ctx, User{Email: "Alice@Example.com", Username: "Alice", Phone: "+15550100", Active: true})
	require.NoError(t, err)

	for _, id := range []string{"alice@example.com", "  ALICE@EXAMPLE.COM ", "alice", "+15550100"} {
		got, err := m.FindByIdentifier(ctx, id)
		require.NoError(t, err, id)
		assert.Equal(t, u.ID, got.ID)
	}

	_, err = m.FindByIdentifier(ctx, "")
	assert.ErrorIs(t, err, ErrUserNotFound)
	_, err = m.FindByIdentifier(ctx, "nobody")
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestMemoryRejectsDuplicateUser(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	_, err := m.CreateUser(ctx, User{Email: "a@example.com"})
	require.NoError(t, err)
	_, err = m.CreateUser(ctx, User{Email: "A@EXAMPLE.com"})
	assert.ErrorIs(t, err, ErrDuplicateUser)
}

func TestMemoryAuthenticators(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	u, err := m.CreateUser(ctx, User{Email: "a@example.com"})
	require.NoError(t, err)

	base := time.Unix(1_700_000_000, 0)
	pw, err := m.AddAuthenticator(ctx, Authenticator{UserID: u.ID, Kind: KindPassword, Secret: "hash", CreatedAt: base})
	require.NoError(t, err)
	assert.NotEmpty(t, pw.ID)

	_, err = m.AddAuthenticator(ctx, Authenticator{UserID: u.ID, Kind: KindPassword, Secret: "other"})
	assert.ErrorIs(t, err, ErrDuplicatePassword)

	totp, err := m.AddAuthenticator(ctx, Authenticator{
		UserID: u.ID, Kind: KindTOTP, Secret: "JBSWY3DPEHPK3PXP", CreatedAt: base.Add(time.Second),
		Metadata: Metadata{TOTP: &TOTPMetadata{}},
	})
	require.NoError(t, err)

	totp.Metadata.TOTP.LastUsedStep = 42
	require.NoError(t, m.UpdateAuthenticator(ctx, totp))
	require.NoError(t, m.RecordAuthenticatorUsage(ctx, totp.ID, base.Add(time.Minute)))

	list, err := m.ListAuthenticators(ctx, u.ID)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, KindPassword, list[0].Kind)
	assert.EqualValues(t, 42, list[1].Metadata.TOTP.LastUsedStep)
	assert.True(t, list[1].LastUsedAt.Equal(base.Add(time.Minute)))

	require.NoError(t, m.RemoveAuthenticator(ctx, pw.ID))
	assert.ErrorIs(t, m.RemoveAuthenticator(ctx, pw.ID), ErrAuthenticatorNotFound)
	_, err = m.AddAuthenticator(ctx, Authenticator{UserID: "missing", Kind: KindTOTP})
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestMemoryCompareAndSwapMetadata(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	u, err := m.CreateUser(ctx, User{Email: "a@example.com"})
	require.NoError(t, err)
	rec, err := m.AddAuthenticator(ctx, Authenticator{
		UserID: u.ID, Kind: KindRecoveryCodes, Secret: "seed",
		Metadata: Metadata{Recovery: &RecoveryMetadata{}},
	})
	require.NoError(t, err)

	first := Metadata{Recovery: &RecoveryMetadata{UsedMask: 0b01}}
	ok, err := m.CompareAndSwapMetadata(ctx, rec.ID, rec.Metadata, first)
	require.NoError(t, err)
	assert.True(t, ok)

	// A writer still holding the original state loses.
	ok, err = m.CompareAndSwapMetadata(ctx, rec.ID, rec.Metadata, Metadata{Recovery: &RecoveryMetadata{UsedMask: 0b10}})
	require.NoError(t, err)
	assert.False(t, ok)

	// Mutating a caller's copy does not reach the stored state.
	first.Recovery.UsedMask = 0xff
	list, err := m.ListAuthenticators(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(0b01), list[0].Metadata.Recovery.UsedMask)

	_, err = m.CompareAndSwapMetadata(ctx, "missing", Metadata{}, Metadata{})
	assert.ErrorIs(t, err, ErrAuthenticatorNotFound)
}

func TestMetadataEqual(t *testing.T) {
	assert.True(t, Metadata{}.Equal(Metadata{}))
	assert.True(t, Metadata{TOTP: &TOTPMetadata{Drift: 1}}.Equal(Metadata{TOTP: &TOTPMetadata{Drift: 1}}))
	assert.False(t, Metadata{TOTP: &TOTPMetadata{}}.Equal(Metadata{}))
	assert.False(t, Metadata{Recovery: &RecoveryMetadata{UsedMask: 1}}.Equal(Metadata{Recovery: &RecoveryMetadata{UsedMask: 2}}))
}

func TestMemoryExternalIdentity(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	u, err := m.CreateUser(ctx, User{Email: "a@example.com"})
	require.NoError(t, err)

	link := ExternalIdentity{ProviderID: "github", ExternalUID: "1234", UserID: u.ID}
	require.NoError(t, m.LinkExternalIdentity(ctx, link))
	assert.ErrorIs(t, m.LinkExternalIdentity(ctx, link), ErrDuplicateIdentity)

	got, err := m.FindByExternalIdentity(ctx, "github", "1234")
	require.NoError(t, err)
	assert.Equal(t, u.ID, got.ID)

	_, err = m.FindByExternalIdentity(ctx, "gitlab", "1234")
	assert.ErrorIs(t, err, ErrUserNotFound)

	require.NoError(t, m.MarkEmailVerified(ctx, u.ID))
	got, err = m.GetUser(ctx, u.ID)
	require.NoError(t, err)
	assert.True(t, got.EmailVerified)
	assert.ErrorIs(t, m.MarkPhoneVerified(ctx, "missing"), ErrUserNotFound)
}
