package authenticators

import (
	"context"

	"github.com/MrEthical07/authflow/directory"
	"github.com/MrEthical07/authflow/internal/verify"
)

// EnrollPassword hashes plain and stores it as the user's password. A second
// password fails with ErrDuplicatePassword.
func (r *Registry) EnrollPassword(ctx context.Context, userID, plain string) (directory.Authenticator, error) {
	if r.cfg.LDAP != nil {
		return directory.Authenticator{}, ErrExternalPassword
	}
	encoded, err := r.cfg.Hasher.Hash(plain)
	if err != nil {
		return directory.Authenticator{}, err
	}
	return r.cfg.Directory.AddAuthenticator(ctx, directory.Authenticator{
		UserID: userID,
		Kind:   directory.KindPassword,
		Secret: encoded,
	})
}

// EnrollTOTP generates a secret for account and stores it. The caller shows
// the returned URI to the user.
func (r *Registry) EnrollTOTP(ctx context.Context, userID, account string) (verify.Enrollment, directory.Authenticator, error) {
	enr, err := r.cfg.TOTP.Enroll(account)
	if err != nil {
		return verify.Enrollment{}, directory.Authenticator{}, err
	}
	a, err := r.cfg.Directory.AddAuthenticator(ctx, directory.Authenticator{
		UserID:   userID,
		Kind:     directory.KindTOTP,
		Secret:   enr.Secret,
		Metadata: directory.Metadata{TOTP: &directory.TOTPMetadata{}},
	})
	if err != nil {
		return verify.Enrollment{}, directory.Authenticator{}, err
	}
	return enr, a, nil
}

// EnrollRecoveryCodes replaces any existing recovery codes with a fresh set
// and returns the plaintext codes. They are not retrievable afterwards except
// by re-deriving from the stored seed.
func (r *Registry) EnrollRecoveryCodes(ctx context.Context, userID string) ([]string, error) {
	existing, err := r.cfg.Directory.ListAuthenticators(ctx, userID)
	if err != nil {
		return nil, err
	}
	for _, a := range existing {
		if a.Kind == directory.KindRecoveryCodes {
			if err := r.cfg.Directory.RemoveAuthenticator(ctx, a.ID); err != nil {
				return nil, err
			}
		}
	}

	seed, err := r.cfg.Recovery.NewSeed()
	if err != nil {
		return nil, err
	}
	if _, err := r.cfg.Directory.AddAuthenticator(ctx, directory.Authenticator{
		UserID:   userID,
		Kind:     directory.KindRecoveryCodes,
		Secret:   seed,
		Metadata: directory.Metadata{Recovery: &directory.RecoveryMetadata{}},
	}); err != nil {
		return nil, err
	}
	return r.cfg.Recovery.Codes(seed), nil
}
