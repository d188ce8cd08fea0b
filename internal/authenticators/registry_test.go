package authenticators

import (
	"context"
	"testing"
	"time"

	"github.com/MrEthical07/authflow/directory"
	"github.com/MrEthical07/authflow/internal/verify"
	"github.com/MrEthical07/authflow/kv"
	"github.com/MrEthical07/authflow/password"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Unix(1_700_000_010, 0)

type fixture struct {
	dir  *directory.Memory
	reg  *Registry
	user *directory.User
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	hasher, err := password.NewHasher(password.Argon2Params{Memory: 8 * 1024, Time: 1, Parallelism: 1, SaltLength: 16, KeyLength: 32}, 8, 256)
	require.NoError(t, err)
	tp, err := verify.NewTOTP(verify.DefaultTOTPConfig())
	require.NoError(t, err)
	rec, err := verify.NewRecovery(verify.DefaultRecoveryConfig())
	require.NoError(t, err)

	dir := directory.NewMemory()
	reg, err := New(Config{
		Directory: dir,
		Hasher:    hasher,
		TOTP:      tp,
		Recovery:  rec,
		Claims:    kv.NewMemory(func() time.Time { return now }),
	})
	require.NoError(t, err)

	u, err := dir.CreateUser(context.Background(), directory.User{Email: "alice@example.com", Active: true})
	require.NoError(t, err)
	return &fixture{dir: dir, reg: reg, user: u}
}

func TestPasswordFactor(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.reg.EnrollPassword(ctx, f.user.ID, "correct horse battery")
	require.NoError(t, err)

	_, err = f.reg.EnrollPassword(ctx, f.user.ID, "another password")
	assert.ErrorIs(t, err, ErrDuplicatePassword)

	set, err := f.reg.Load(ctx, f.user)
	require.NoError(t, err)
	pw, ok := set.Get(directory.KindPassword)
	require.True(t, ok)

	out, err := pw.Verify(ctx, "wrong password", now)
	require.NoError(t, err)
	assert.Equal(t, verify.Invalid, out)
	list, _ := f.dir.ListAuthenticators(ctx, f.user.ID)
	assert.True(t, list[0].LastUsedAt.IsZero(), "usage is only recorded on success")

	out, err = pw.Verify(ctx, "correct horse battery", now)
	require.NoError(t, err)
	assert.Equal(t, verify.OK, out)
	list, _ = f.dir.ListAuthenticators(ctx, f.user.ID)
	assert.True(t, list[0].LastUsedAt.Equal(now))
}

func TestTOTPFactorPersistsStateAndRejectsReplay(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	enr, _, err := f.reg.EnrollTOTP(ctx, f.user.ID, f.user.Email)
	require.NoError(t, err)

	tp, _ := verify.NewTOTP(verify.DefaultTOTPConfig())
	code, err := tp.CodeAt(enr.Secret, now)
	require.NoError(t, err)

	set, err := f.reg.Load(ctx, f.user)
	require.NoError(t, err)
	out, kind, err := set.VerifyMFA(ctx, "", code, now)
	require.NoError(t, err)
	assert.Equal(t, verify.OK, out)
	assert.Equal(t, directory.KindTOTP, kind)

	list, _ := f.dir.ListAuthenticators(ctx, f.user.ID)
	require.NotNil(t, list[0].Metadata.TOTP)
	assert.Equal(t, now.Unix()/30, list[0].Metadata.TOTP.LastUsedStep)

	// A fresh load sees the persisted last step.
	set, err = f.reg.Load(ctx, f.user)
	require.NoError(t, err)
	out, _, err = set.VerifyMFA(ctx, directory.KindTOTP, code, now)
	require.NoError(t, err)
	assert.Equal(t, verify.Invalid, out)
}

func TestTOTPClaimBlocksConcurrentSpend(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	enr, _, err := f.reg.EnrollTOTP(ctx, f.user.ID, f.user.Email)
	require.NoError(t, err)
	tp, _ := verify.NewTOTP(verify.DefaultTOTPConfig())
	code, _ := tp.CodeAt(enr.Secret, now)

	// Both sets are loaded before either verifies, as two racing logins would.
	a, err := f.reg.Load(ctx, f.user)
	require.NoError(t, err)
	b, err := f.reg.Load(ctx, f.user)
	require.NoError(t, err)

	out, _, err := a.VerifyMFA(ctx, "", code, now)
	require.NoError(t, err)
	assert.Equal(t, verify.OK, out)
	out, _, err = b.VerifyMFA(ctx, "", code, now)
	require.NoError(t, err)
	assert.Equal(t, verify.Invalid, out)
}

func TestRecoveryCodes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	codes, err := f.reg.EnrollRecoveryCodes(ctx, f.user.ID)
	require.NoError(t, err)
	require.Len(t, codes, 10)

	set, err := f.reg.Load(ctx, f.user)
	require.NoError(t, err)
	out, kind, err := set.VerifyMFA(ctx, "", codes[2], now)
	require.NoError(t, err)
	assert.Equal(t, verify.OK, out)
	assert.Equal(t, directory.KindRecoveryCodes, kind)

	set, err = f.reg.Load(ctx, f.user)
	require.NoError(t, err)
	out, _, err = set.VerifyMFA(ctx, directory.KindRecoveryCodes, codes[2], now)
	require.NoError(t, err)
	assert.Equal(t, verify.Invalid, out)

	// Re-enrolling replaces the old set.
	fresh, err := f.reg.EnrollRecoveryCodes(ctx, f.user.ID)
	require.NoError(t, err)
	assert.NotEqual(t, codes, fresh)
	list, _ := f.dir.ListAuthenticators(ctx, f.user.ID)
	assert.Len(t, list, 1)
}

func TestRecoveryCodesSpentConcurrentlyAreBothRecorded(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	codes, err := f.reg.EnrollRecoveryCodes(ctx, f.user.ID)
	require.NoError(t, err)

	a, err := f.reg.Load(ctx, f.user)
	require.NoError(t, err)
	b, err := f.reg.Load(ctx, f.user)
	require.NoError(t, err)

	out, _, err := a.VerifyMFA(ctx, directory.KindRecoveryCodes, codes[0], now)
	require.NoError(t, err)
	assert.Equal(t, verify.OK, out)
	out, _, err = b.VerifyMFA(ctx, directory.KindRecoveryCodes, codes[1], now)
	require.NoError(t, err)
	assert.Equal(t, verify.OK, out)

	list, err := f.dir.ListAuthenticators(ctx, f.user.ID)
	require.NoError(t, err)
	require.NotNil(t, list[0].Metadata.Recovery)
	assert.Equal(t, uint64(0b11), list[0].Metadata.Recovery.UsedMask)

	// Without the claim store the persisted mask alone rejects the reuse.
	f.reg.cfg.Claims = nil
	c, err := f.reg.Load(ctx, f.user)
	require.NoError(t, err)
	out, _, err = c.VerifyMFA(ctx, directory.KindRecoveryCodes, codes[0], now)
	require.NoError(t, err)
	assert.Equal(t, verify.Invalid, out)
}

func TestStaleRecoverySnapshotCannotRespendCode(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.reg.cfg.Claims = nil
	codes, err := f.reg.EnrollRecoveryCodes(ctx, f.user.ID)
	require.NoError(t, err)

	a, err := f.reg.Load(ctx, f.user)
	require.NoError(t, err)
	b, err := f.reg.Load(ctx, f.user)
	require.NoError(t, err)

	out, _, err := a.VerifyMFA(ctx, directory.KindRecoveryCodes, codes[3], now)
	require.NoError(t, err)
	assert.Equal(t, verify.OK, out)
	out, _, err = b.VerifyMFA(ctx, directory.KindRecoveryCodes, codes[3], now)
	require.NoError(t, err)
	assert.Equal(t, verify.Invalid, out, "the stored mask already has the code")
}

func TestMFAOrderAndMissingFactor(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	set, err := f.reg.Load(ctx, f.user)
	require.NoError(t, err)
	assert.Empty(t, set.MFA())
	_, _, err = set.VerifyMFA(ctx, "", "123456", now)
	assert.ErrorIs(t, err, ErrNoFactor)

	_, err = f.reg.EnrollRecoveryCodes(ctx, f.user.ID)
	require.NoError(t, err)
	_, _, err = f.reg.EnrollTOTP(ctx, f.user.ID, f.user.Email)
	require.NoError(t, err)

	set, err = f.reg.Load(ctx, f.user)
	require.NoError(t, err)
	mfa := set.MFA()
	require.Len(t, mfa, 2)
	assert.Equal(t, directory.KindTOTP, mfa[0].Kind())
	assert.Equal(t, directory.KindRecoveryCodes, mfa[1].Kind())

	_, _, err = set.VerifyMFA(ctx, directory.KindPassword, "x", now)
	assert.ErrorIs(t, err, ErrNoFactor)
}

func TestChangePassword(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.reg.EnrollPassword(ctx, f.user.ID, "old password 1")
	require.NoError(t, err)

	out, err := f.reg.ChangePassword(ctx, f.user, "not it", "new password 2", now)
	require.NoError(t, err)
	assert.Equal(t, verify.Invalid, out)

	out, err = f.reg.ChangePassword(ctx, f.user, "old password 1", "new password 2", now)
	require.NoError(t, err)
	assert.Equal(t, verify.OK, out)

	set, err := f.reg.Load(ctx, f.user)
	require.NoError(t, err)
	pw, _ := set.Get(directory.KindPassword)
	out, err = pw.Verify(ctx, "new password 2", now)
	require.NoError(t, err)
	assert.Equal(t, verify.OK, out)
}
