// Package directory defines the user directory collaborator: users, their
// enrolled authenticators, and links to external identity providers.
//
// The directory owns durable state. Login flows read from it and write back
// only authenticator usage and per-authenticator verification state.
package directory

import (
	"context"
	"errors"
	"strings"
	"time"

	"golang.org/x/text/cases"
)

var (
	ErrUserNotFound          = errors.New("directory: user not found")
	ErrAuthenticatorNotFound = errors.New("directory: authenticator not found")
	ErrDuplicateUser         = errors.New("directory: user already exists")
	ErrDuplicatePassword     = errors.New("directory: user already has a password authenticator")
	ErrDuplicateIdentity     = errors.New("directory: external identity already linked")
)

// Kind is the type of an enrolled authenticator.
type Kind string

const (
	KindPassword      Kind = "password"
	KindTOTP          Kind = "totp"
	KindRecoveryCodes Kind = "recovery_codes"
	KindEmailCode     Kind = "email_code"
	KindPhoneCode     Kind = "phone_code"
	KindWebAuthn      Kind = "webauthn"
)

// User is an account known to the directory.
type User struct {
	ID            string
	Email         string
	Phone         string
	Username      string
	EmailVerified bool
	PhoneVerified bool
	Active        bool
	CreatedAt     time.Time
}

// TOTPMetadata is the mutable state of a TOTP authenticator.
type TOTPMetadata struct {
	Drift        int64 `json:"drift"`
	LastUsedStep int64 `json:"last_used_step"`
}

// RecoveryMetadata is the mutable state of a recovery-codes authenticator.
type RecoveryMetadata struct {
	UsedMask uint64 `json:"used_mask"`
}

// Metadata holds the kind-specific auxiliary state of an authenticator.
// Exactly one field is set, matching the authenticator's Kind.
type Metadata struct {
	TOTP     *TOTPMetadata     `json:"totp,omitempty"`
	Recovery *RecoveryMetadata `json:"recovery,omitempty"`
}

// Clone returns a copy that shares no pointers with m.
func (m Metadata) Clone() Metadata {
	var out Metadata
	if m.TOTP != nil {
		t := *m.TOTP
		out.TOTP = &t
	}
	if m.Recovery != nil {
		r := *m.Recovery
		out.Recovery = &r
	}
	return out
}

// Equal reports whether m and o hold the same state.
func (m Metadata) Equal(o Metadata) bool {
	switch {
	case (m.TOTP == nil) != (o.TOTP == nil), (m.Recovery == nil) != (o.Recovery == nil):
		return false
	case m.TOTP != nil && *m.TOTP != *o.TOTP:
		return false
	case m.Recovery != nil && *m.Recovery != *o.Recovery:
		return false
	}
	return true
}

// Authenticator is one enrolled factor. Secret holds kind-specific material:
// an encoded password hash, a base32 TOTP key, or a recovery seed.
type Authenticator struct {
	ID         string
	UserID     string
	Kind       Kind
	Secret     string
	Metadata   Metadata
	CreatedAt  time.Time
	LastUsedAt time.Time
}

// ExternalIdentity links a provider account to a local user.
type ExternalIdentity struct {
	ProviderID  string
	ExternalUID string
	UserID      string
}

// Directory is the read/write contract the authentication core needs.
type Directory interface {
	GetUser(ctx context.Context, id string) (*User, error)
	// FindByIdentifier matches a normalized email, username or phone number.
	FindByIdentifier(ctx context.Context, identifier string) (*User, error)
	FindByExternalIdentity(ctx context.Context, providerID, externalUID string) (*User, error)

	ListAuthenticators(ctx context.Context, userID string) ([]Authenticator, error)
	// AddAuthenticator stores a new authenticator and returns it with ID and
	// CreatedAt filled in. A second password authenticator for the same user
	// fails with ErrDuplicatePassword.
	AddAuthenticator(ctx context.Context, a Authenticator) (Authenticator, error)
	// UpdateAuthenticator replaces Secret and Metadata.
	UpdateAuthenticator(ctx context.Context, a Authenticator) error
	// CompareAndSwapMetadata replaces the metadata of authenticator id with
	// next only while it still equals prev. It reports whether the swap
	// happened.
	CompareAndSwapMetadata(ctx context.Context, id string, prev, next Metadata) (bool, error)
	RemoveAuthenticator(ctx context.Context, id string) error
	RecordAuthenticatorUsage(ctx context.Context, authenticatorID string, at time.Time) error
}

// Provisioner creates accounts and provider links. It is separate from
// Directory because login flows never create users.
type Provisioner interface {
	CreateUser(ctx context.Context, u User) (*User, error)
	LinkExternalIdentity(ctx context.Context, link ExternalIdentity) error
	MarkEmailVerified(ctx context.Context, userID string) error
	MarkPhoneVerified(ctx context.Context, userID string) error
}

// NormalizeIdentifier trims and case-folds an email or username so lookups
// are case-insensitive across scripts.
func NormalizeIdentifier(s string) string {
	return cases.Fold().String(strings.TrimSpace(s))
}
