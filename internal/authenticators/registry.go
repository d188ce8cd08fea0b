// Package authenticators turns a user's enrolled authenticators into
// verifiable factors with a uniform contract.
//
// A factor owns the read-verify-write cycle for its kind: it verifies the
// presented value against the directory's secret, writes back any state the
// verifier advanced (TOTP drift and last step, recovery used mask, upgraded
// password hash) and records usage. Usage is recorded only on OK.
package authenticators

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/MrEthical07/authflow/directory"
	"github.com/MrEthical07/authflow/internal/verify"
	"github.com/MrEthical07/authflow/kv"
	"github.com/MrEthical07/authflow/password"
)

var (
	ErrNoFactor          = errors.New("authenticators: factor not enrolled")
	ErrDuplicatePassword = directory.ErrDuplicatePassword
	ErrExternalPassword  = errors.New("authenticators: password is managed by ldap")
	// ErrConflict is returned when the stored metadata kept changing under
	// concurrent logins and could not be merged.
	ErrConflict = errors.New("authenticators: concurrent metadata update")

	errSpent = errors.New("authenticators: one-time value already spent")
)

const metadataMaxRetries = 4

// Factor is one verifiable enrolled authenticator.
type Factor interface {
	ID() string
	Kind() directory.Kind
	Verify(ctx context.Context, presented string, now time.Time) (verify.Outcome, error)
}

// Config wires a Registry. Directory, Hasher, TOTP and Recovery are required.
type Config struct {
	Directory directory.Directory
	Hasher    *password.Hasher
	TOTP      *verify.TOTP
	Recovery  *verify.Recovery

	// LDAP, when set, replaces directory password hashes: every user gets a
	// password factor that binds as the user's username (or email).
	LDAP *password.LDAPVerifier

	// Claims, when set, records each accepted TOTP step and recovery code
	// with an atomic create so two concurrent logins cannot both spend the
	// same one-time value.
	Claims kv.Store
}

type Registry struct {
	cfg Config
}

func New(cfg Config) (*Registry, error) {
	if cfg.Directory == nil || cfg.Hasher == nil || cfg.TOTP == nil || cfg.Recovery == nil {
		return nil, errors.New("authenticators: directory, hasher, totp and recovery are required")
	}
	return &Registry{cfg: cfg}, nil
}

// DummyVerify spends the cost of one password verification.
func (r *Registry) DummyVerify() {
	r.cfg.Hasher.DummyVerify()
}

// Load wraps the user's enrolled authenticators. Kinds without a verifier
// here (webauthn, directory-level email/phone codes) are skipped.
func (r *Registry) Load(ctx context.Context, user *directory.User) (*Set, error) {
	list, err := r.cfg.Directory.ListAuthenticators(ctx, user.ID)
	if err != nil {
		return nil, err
	}

	set := &Set{byKind: make(map[directory.Kind]Factor)}
	if r.cfg.LDAP != nil {
		name := user.Username
		if name == "" {
			name = user.Email
		}
		set.add(&ldapFactor{reg: r, userID: user.ID, username: name})
	}
	for _, a := range list {
		switch a.Kind {
		case directory.KindPassword:
			if r.cfg.LDAP == nil {
				set.add(&passwordFactor{reg: r, auth: a})
			}
		case directory.KindTOTP:
			set.add(&totpFactor{reg: r, auth: a})
		case directory.KindRecoveryCodes:
			set.add(&recoveryFactor{reg: r, auth: a})
		}
	}
	return set, nil
}

// ChangePassword verifies current against the user's password factor and, on
// OK, replaces the stored hash with one of next.
func (r *Registry) ChangePassword(ctx context.Context, user *directory.User, current, next string, now time.Time) (verify.Outcome, error) {
	if r.cfg.LDAP != nil {
		return verify.Invalid, ErrExternalPassword
	}
	set, err := r.Load(ctx, user)
	if err != nil {
		return verify.Invalid, err
	}
	f, ok := set.Get(directory.KindPassword)
	if !ok {
		r.DummyVerify()
		return verify.Invalid, nil
	}
	out, err := f.Verify(ctx, current, now)
	if err != nil || out != verify.OK {
		return out, err
	}

	encoded, err := r.cfg.Hasher.Hash(next)
	if err != nil {
		return verify.Invalid, err
	}
	pf := f.(*passwordFactor)
	pf.auth.Secret = encoded
	return verify.OK, r.cfg.Directory.UpdateAuthenticator(ctx, pf.auth)
}

// claim atomically marks key as spent. It reports false when the key was
// already claimed.
func (r *Registry) claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if r.cfg.Claims == nil {
		return true, nil
	}
	return r.cfg.Claims.CompareAndSwap(ctx, key, nil, []byte("1"), ttl)
}

func (r *Registry) authenticator(ctx context.Context, userID, id string) (directory.Authenticator, error) {
	list, err := r.cfg.Directory.ListAuthenticators(ctx, userID)
	if err != nil {
		return directory.Authenticator{}, err
	}
	for _, a := range list {
		if a.ID == id {
			return a, nil
		}
	}
	return directory.Authenticator{}, directory.ErrAuthenticatorNotFound
}

// mergeMetadata applies merge to the stored metadata of a through the
// directory's compare-and-swap, re-reading after every lost race. merge must
// replace the pointers it changes instead of writing through them, and
// returns false when the stored state already covers the update.
func (r *Registry) mergeMetadata(ctx context.Context, a directory.Authenticator, merge func(*directory.Metadata) bool) (directory.Metadata, error) {
	cur := a.Metadata
	for i := 0; i < metadataMaxRetries; i++ {
		next := cur
		if !merge(&next) {
			return cur, errSpent
		}
		ok, err := r.cfg.Directory.CompareAndSwapMetadata(ctx, a.ID, cur, next)
		if err != nil {
			return cur, err
		}
		if ok {
			return next, nil
		}
		fresh, err := r.authenticator(ctx, a.UserID, a.ID)
		if err != nil {
			return cur, err
		}
		cur = fresh.Metadata
	}
	return cur, ErrConflict
}

func (r *Registry) recordUsage(ctx context.Context, id string, now time.Time) error {
	if err := r.cfg.Directory.RecordAuthenticatorUsage(ctx, id, now); err != nil {
		return fmt.Errorf("authenticators: record usage: %w", err)
	}
	return nil
}

type passwordFactor struct {
	reg  *Registry
	auth directory.Authenticator
}

func (f *passwordFactor) ID() string           { return f.auth.ID }
func (f *passwordFactor) Kind() directory.Kind { return directory.KindPassword }

func (f *passwordFactor) Verify(ctx context.Context, presented string, now time.Time) (verify.Outcome, error) {
	ok, err := f.reg.cfg.Hasher.Verify(presented, f.auth.Secret)
	if err != nil {
		return verify.Invalid, fmt.Errorf("authenticators: password %s: %w", f.auth.ID, err)
	}
	if !ok {
		return verify.Invalid, nil
	}

	if stale, err := f.reg.cfg.Hasher.NeedsUpgrade(f.auth.Secret); err == nil && stale {
		if encoded, err := f.reg.cfg.Hasher.Hash(presented); err == nil {
			f.auth.Secret = encoded
			if err := f.reg.cfg.Directory.UpdateAuthenticator(ctx, f.auth); err != nil {
				return verify.Invalid, err
			}
		}
	}
	return verify.OK, f.reg.recordUsage(ctx, f.auth.ID, now)
}

type ldapFactor struct {
	reg      *Registry
	userID   string
	username string
}

func (f *ldapFactor) ID() string           { return "ldap:" + f.userID }
func (f *ldapFactor) Kind() directory.Kind { return directory.KindPassword }

func (f *ldapFactor) Verify(ctx context.Context, presented string, now time.Time) (verify.Outcome, error) {
	ok, err := f.reg.cfg.LDAP.Verify(ctx, f.username, presented)
	if err != nil {
		return verify.Invalid, err
	}
	if !ok {
		return verify.Invalid, nil
	}
	return verify.OK, nil
}

type totpFactor struct {
	reg  *Registry
	auth directory.Authenticator
}

func (f *totpFactor) ID() string           { return f.auth.ID }
func (f *totpFactor) Kind() directory.Kind { return directory.KindTOTP }

func (f *totpFactor) Verify(ctx context.Context, presented string, now time.Time) (verify.Outcome, error) {
	var st verify.TOTPState
	if m := f.auth.Metadata.TOTP; m != nil {
		st = verify.TOTPState{Drift: m.Drift, LastUsedStep: m.LastUsedStep}
	}
	out, err := f.reg.cfg.TOTP.Verify(f.auth.Secret, &st, presented, now)
	if err != nil {
		return verify.Invalid, fmt.Errorf("authenticators: totp %s: %w", f.auth.ID, err)
	}
	if out != verify.OK {
		return out, nil
	}

	cfg := f.reg.cfg.TOTP.Config()
	window := time.Duration(2*cfg.Skew+2) * cfg.Period
	won, err := f.reg.claim(ctx, "tu:"+f.auth.ID+":"+strconv.FormatInt(st.LastUsedStep, 10), window)
	if err != nil {
		return verify.Invalid, err
	}
	if !won {
		return verify.Invalid, nil
	}

	meta, err := f.reg.mergeMetadata(ctx, f.auth, func(m *directory.Metadata) bool {
		if m.TOTP != nil && m.TOTP.LastUsedStep >= st.LastUsedStep {
			return false
		}
		m.TOTP = &directory.TOTPMetadata{Drift: st.Drift, LastUsedStep: st.LastUsedStep}
		return true
	})
	if errors.Is(err, errSpent) {
		return verify.Invalid, nil
	}
	if err != nil {
		return verify.Invalid, err
	}
	f.auth.Metadata = meta
	return verify.OK, f.reg.recordUsage(ctx, f.auth.ID, now)
}

type recoveryFactor struct {
	reg  *Registry
	auth directory.Authenticator
}

func (f *recoveryFactor) ID() string           { return f.auth.ID }
func (f *recoveryFactor) Kind() directory.Kind { return directory.KindRecoveryCodes }

func (f *recoveryFactor) Verify(ctx context.Context, presented string, now time.Time) (verify.Outcome, error) {
	var st verify.RecoveryState
	if m := f.auth.Metadata.Recovery; m != nil {
		st.UsedMask = m.UsedMask
	}
	before := st.UsedMask
	if out := f.reg.cfg.Recovery.Verify(f.auth.Secret, &st, presented); out != verify.OK {
		return out, nil
	}

	spent := st.UsedMask &^ before
	won, err := f.reg.claim(ctx, "ru:"+f.auth.ID+":"+strconv.FormatUint(spent, 16), 24*time.Hour)
	if err != nil {
		return verify.Invalid, err
	}
	if !won {
		return verify.Invalid, nil
	}

	// Other logins may have spent other codes since Load; only this code's
	// bit is added to whatever is stored now.
	meta, err := f.reg.mergeMetadata(ctx, f.auth, func(m *directory.Metadata) bool {
		var mask uint64
		if m.Recovery != nil {
			mask = m.Recovery.UsedMask
		}
		if mask&spent != 0 {
			return false
		}
		m.Recovery = &directory.RecoveryMetadata{UsedMask: mask | spent}
		return true
	})
	if errors.Is(err, errSpent) {
		return verify.Invalid, nil
	}
	if err != nil {
		return verify.Invalid, err
	}
	f.auth.Metadata = meta
	return verify.OK, f.reg.recordUsage(ctx, f.auth.ID, now)
}
