package flows

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/IMQS/log"
	"github.com/MrEthical07/authflow/directory"
	"github.com/MrEthical07/authflow/internal/authenticators"
	"github.com/MrEthical07/authflow/internal/stores"
	"github.com/MrEthical07/authflow/internal/verify"
	"github.com/MrEthical07/authflow/kv"
	"github.com/MrEthical07/authflow/password"
	"github.com/MrEthical07/authflow/provider"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type captureSender struct {
	mu   sync.Mutex
	sent []Delivery
}

func (s *captureSender) SendCode(_ context.Context, d Delivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, d)
	return nil
}

func (s *captureSender) last(t *testing.T) Delivery {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	require.NotEmpty(t, s.sent, "no code was sent")
	return s.sent[len(s.sent)-1]
}

func (s *captureSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

type countingFinalizer struct {
	mu    sync.Mutex
	calls []Principal
}

func (f *countingFinalizer) Finalize(_ context.Context, p Principal) (Tokens, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, p)
	return Tokens{SessionToken: "tok-" + p.UserID}, nil
}

type recordingObserver struct {
	mu     sync.Mutex
	events []string
}

func (o *recordingObserver) add(kind string, e Event) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, kind+":"+string(e.Stage))
}

func (o *recordingObserver) OnStageVerified(_ context.Context, e Event) { o.add("verified", e) }
func (o *recordingObserver) OnStageFailed(_ context.Context, e Event)   { o.add("failed", e) }
func (o *recordingObserver) OnComplete(_ context.Context, e Event)      { o.add("complete", e) }
func (o *recordingObserver) OnAbandoned(_ context.Context, e Event)     { o.add("abandoned", e) }

type fixture struct {
	clock     *testClock
	dir       *directory.Memory
	factors   *authenticators.Registry
	sender    *captureSender
	finalizer *countingFinalizer
	observer  *recordingObserver
	github    *provider.Static
	machine   *Machine
	user      *directory.User
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	f := &fixture{
		clock:     &testClock{now: time.Unix(1_700_000_000, 0)},
		dir:       directory.NewMemory(),
		sender:    &captureSender{},
		finalizer: &countingFinalizer{},
		observer:  &recordingObserver{},
		github:    provider.NewStatic("github"),
	}
	store := kv.NewMemory(f.clock.Now)

	hasher, err := password.NewHasher(password.Argon2Params{Memory: 8 * 1024, Time: 1, Parallelism: 1, SaltLength: 16, KeyLength: 32}, 8, 256)
	require.NoError(t, err)
	tp, err := verify.NewTOTP(verify.DefaultTOTPConfig())
	require.NoError(t, err)
	rec, err := verify.NewRecovery(verify.DefaultRecoveryConfig())
	require.NoError(t, err)
	f.factors, err = authenticators.New(authenticators.Config{Directory: f.dir, Hasher: hasher, TOTP: tp, Recovery: rec, Claims: store})
	require.NoError(t, err)
	providers, err := provider.NewRegistry(f.github)
	require.NoError(t, err)

	f.machine, err = NewMachine(cfg, Deps{
		Sessions:    stores.NewLoginSessionStore(store, "", time.Minute, f.clock.Now),
		Directory:   f.dir,
		Provisioner: f.dir,
		Factors:     f.factors,
		Providers:   providers,
		Codes:       verify.NewCodes(verify.DefaultCodeConfig()),
		Sender:      f.sender,
		Finalizer:   f.finalizer,
		Observer:    Observers{f.observer},
		Now:         f.clock.Now,
	})
	require.NoError(t, err)

	ctx := context.Background()
	f.user, err = f.dir.CreateUser(ctx, directory.User{Email: "alice@example.com", Active: true})
	require.NoError(t, err)
	_, err = f.factors.EnrollPassword(ctx, f.user.ID, "correct horse battery")
	require.NoError(t, err)
	return f
}

func emailConfig() Config {
	cfg := DefaultConfig()
	cfg.EmailVerification = true
	return cfg
}

func TestPasswordThenEmailCodeCompletes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, emailConfig())

	res, err := f.machine.Start(ctx, StartRequest{Identifier: "Alice@Example.com", Method: StagePassword})
	require.NoError(t, err)
	assert.Equal(t, StateCollecting, res.State)
	assert.Equal(t, StagePassword, res.Next)
	assert.Zero(t, f.sender.count())

	res, err = f.machine.Submit(ctx, res.FlowID, Submission{Stage: StagePassword, Value: "correct horse battery"})
	require.NoError(t, err)
	assert.Equal(t, verify.OK, res.Outcome)
	assert.Equal(t, StateCollecting, res.State)
	assert.Equal(t, StageVerifyEmail, res.Next)
	assert.Equal(t, []Stage{StagePassword}, res.Completed)

	sent := f.sender.last(t)
	assert.Equal(t, ChannelEmail, sent.Channel)
	assert.Equal(t, "alice@example.com", sent.Address)
	assert.Len(t, sent.Code, 6)

	f.clock.Advance(2 * time.Minute)
	res, err = f.machine.Submit(ctx, res.FlowID, Submission{Stage: StageVerifyEmail, Value: sent.Code})
	require.NoError(t, err)
	assert.Equal(t, StateComplete, res.State)
	require.NotNil(t, res.Tokens)
	assert.Equal(t, "tok-"+f.user.ID, res.Tokens.SessionToken)
	assert.Equal(t, []string{"password", "email_code"}, res.Principal.Methods)

	u, err := f.dir.GetUser(ctx, f.user.ID)
	require.NoError(t, err)
	assert.True(t, u.EmailVerified)

	_, err = f.machine.Current(ctx, res.FlowID)
	assert.ErrorIs(t, err, ErrFlowNotFound, "completed flows are deleted")
	assert.Equal(t, []string{"verified:password", "verified:verify_email", "complete:"}, f.observer.events)
}

func TestOutOfOrderSubmissionIsInvalidForExpectedStage(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, emailConfig())

	res, err := f.machine.Start(ctx, StartRequest{Identifier: "alice@example.com"})
	require.NoError(t, err)

	res, err = f.machine.Submit(ctx, res.FlowID, Submission{Stage: StageVerifyEmail, Value: "123456"})
	require.NoError(t, err)
	assert.True(t, res.WrongStage)
	assert.Equal(t, verify.Invalid, res.Outcome)
	assert.Empty(t, res.Completed)
	assert.Equal(t, StagePassword, res.Next)
	assert.Equal(t, []string{"failed:password"}, f.observer.events)
}

func TestInvalidAttemptsAbandonFlow(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig()
	cfg.MaxAttempts = 3
	f := newFixture(t, cfg)

	res, err := f.machine.Start(ctx, StartRequest{Identifier: "alice@example.com"})
	require.NoError(t, err)
	flowID := res.FlowID

	for i := 0; i < 2; i++ {
		res, err = f.machine.Submit(ctx, flowID, Submission{Stage: StagePassword, Value: "wrong password"})
		require.NoError(t, err)
		assert.Equal(t, StateCollecting, res.State)
	}
	res, err = f.machine.Submit(ctx, flowID, Submission{Stage: StagePassword, Value: "wrong password"})
	require.NoError(t, err)
	assert.Equal(t, StateAbandoned, res.State)

	// Even the right password cannot revive it.
	res, err = f.machine.Submit(ctx, flowID, Submission{Stage: StagePassword, Value: "correct horse battery"})
	require.NoError(t, err)
	assert.Equal(t, StateAbandoned, res.State)
	assert.Empty(t, f.finalizer.calls)
}

func TestCodeLimitExceededAbandons(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, emailConfig())

	res, err := f.machine.Start(ctx, StartRequest{Identifier: "alice@example.com"})
	require.NoError(t, err)
	res, err = f.machine.Submit(ctx, res.FlowID, Submission{Stage: StagePassword, Value: "correct horse battery"})
	require.NoError(t, err)
	code := f.sender.last(t).Code
	wrong := "000000"
	if code == wrong {
		wrong = "111111"
	}

	for i := 0; i < 2; i++ {
		res, err = f.machine.Submit(ctx, res.FlowID, Submission{Stage: StageVerifyEmail, Value: wrong})
		require.NoError(t, err)
		assert.Equal(t, verify.Invalid, res.Outcome)
	}
	res, err = f.machine.Submit(ctx, res.FlowID, Submission{Stage: StageVerifyEmail, Value: wrong})
	require.NoError(t, err)
	assert.Equal(t, verify.LimitExceeded, res.Outcome)
	assert.Equal(t, StateAbandoned, res.State)

	res, err = f.machine.Submit(ctx, res.FlowID, Submission{Stage: StageVerifyEmail, Value: code})
	require.NoError(t, err)
	assert.Equal(t, StateAbandoned, res.State)
}

func TestExpiredCodeAbandons(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, emailConfig())

	res, err := f.machine.Start(ctx, StartRequest{Identifier: "alice@example.com"})
	require.NoError(t, err)
	res, err = f.machine.Submit(ctx, res.FlowID, Submission{Stage: StagePassword, Value: "correct horse battery"})
	require.NoError(t, err)

	f.clock.Advance(3*time.Minute + time.Second)
	res, err = f.machine.Submit(ctx, res.FlowID, Submission{Stage: StageVerifyEmail, Value: f.sender.last(t).Code})
	require.NoError(t, err)
	assert.Equal(t, verify.Expired, res.Outcome)
	assert.Equal(t, StateAbandoned, res.State)
}

func TestUnknownIdentifierLooksTheSame(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, DefaultConfig())

	known, err := f.machine.Start(ctx, StartRequest{Identifier: "alice@example.com", Method: StageLoginByCode})
	require.NoError(t, err)
	require.Equal(t, 1, f.sender.count())

	unknown, err := f.machine.Start(ctx, StartRequest{Identifier: "mallory@example.com", Method: StageLoginByCode})
	require.NoError(t, err)
	assert.Equal(t, 1, f.sender.count(), "no code is sent for unknown identifiers")
	assert.Equal(t, known.Next, unknown.Next)
	assert.Equal(t, known.State, unknown.State)

	res, err := f.machine.Submit(ctx, unknown.FlowID, Submission{Stage: StageLoginByCode, Value: "123456"})
	require.NoError(t, err)
	assert.Equal(t, verify.Invalid, res.Outcome)

	res, err = f.machine.Submit(ctx, known.FlowID, Submission{Stage: StageLoginByCode, Value: f.sender.last(t).Code})
	require.NoError(t, err)
	assert.Equal(t, StateComplete, res.State)
	assert.Equal(t, []string{"email_code"}, res.Principal.Methods)
}

func TestUnknownUserPasswordNeverCompletes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, DefaultConfig())

	res, err := f.machine.Start(ctx, StartRequest{Identifier: "nobody@example.com"})
	require.NoError(t, err)
	assert.Equal(t, StagePassword, res.Next)
	res, err = f.machine.Submit(ctx, res.FlowID, Submission{Stage: StagePassword, Value: "correct horse battery"})
	require.NoError(t, err)
	assert.Equal(t, verify.Invalid, res.Outcome)
	assert.Equal(t, StateCollecting, res.State)
}

func TestResendLimit(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig()
	cfg.MaxResends = 1
	f := newFixture(t, cfg)

	res, err := f.machine.Start(ctx, StartRequest{Identifier: "alice@example.com", Method: StageLoginByCode})
	require.NoError(t, err)
	first := f.sender.last(t).Code

	res, err = f.machine.Resend(ctx, res.FlowID)
	require.NoError(t, err)
	assert.Equal(t, verify.OK, res.Outcome)
	assert.Equal(t, 2, f.sender.count())
	second := f.sender.last(t).Code

	res, err = f.machine.Resend(ctx, res.FlowID)
	require.NoError(t, err)
	assert.Equal(t, verify.LimitExceeded, res.Outcome)
	assert.Equal(t, StateCollecting, res.State, "resend limit does not abandon")

	if first != second {
		res, err = f.machine.Submit(ctx, res.FlowID, Submission{Stage: StageLoginByCode, Value: first})
		require.NoError(t, err)
		assert.Equal(t, verify.Invalid, res.Outcome, "a resent code replaces the old one")
	}
	res, err = f.machine.Submit(ctx, res.FlowID, Submission{Stage: StageLoginByCode, Value: second})
	require.NoError(t, err)
	assert.Equal(t, StateComplete, res.State)
}

func TestResendRequiresCodeStage(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, DefaultConfig())
	res, err := f.machine.Start(ctx, StartRequest{Identifier: "alice@example.com"})
	require.NoError(t, err)
	_, err = f.machine.Resend(ctx, res.FlowID)
	assert.ErrorIs(t, err, ErrNotCodeStage)
}

func TestCancel(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, DefaultConfig())
	res, err := f.machine.Start(ctx, StartRequest{Identifier: "alice@example.com"})
	require.NoError(t, err)

	res, err = f.machine.Cancel(ctx, res.FlowID)
	require.NoError(t, err)
	assert.Equal(t, StateAbandoned, res.State)

	cur, err := f.machine.Current(ctx, res.FlowID)
	require.NoError(t, err)
	assert.Equal(t, StateAbandoned, cur.State)
	assert.Contains(t, f.observer.events, "abandoned:password")

	_, err = f.machine.Cancel(ctx, "missing")
	assert.ErrorIs(t, err, ErrFlowNotFound)
}

func TestMFAStage(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, DefaultConfig())
	enr, _, err := f.factors.EnrollTOTP(ctx, f.user.ID, f.user.Email)
	require.NoError(t, err)
	tp, err := verify.NewTOTP(verify.DefaultTOTPConfig())
	require.NoError(t, err)

	res, err := f.machine.Start(ctx, StartRequest{Identifier: "alice@example.com"})
	require.NoError(t, err)
	res, err = f.machine.Submit(ctx, res.FlowID, Submission{Stage: StagePassword, Value: "correct horse battery"})
	require.NoError(t, err)
	require.Equal(t, StageMFA, res.Next)

	code, err := tp.CodeAt(enr.Secret, f.clock.Now())
	require.NoError(t, err)
	res, err = f.machine.Submit(ctx, res.FlowID, Submission{Stage: StageMFA, Value: code, Params: map[string]string{"method": "totp"}})
	require.NoError(t, err)
	assert.Equal(t, StateComplete, res.State)
	assert.Equal(t, []string{"password", "totp"}, res.Principal.Methods)
}

func TestUnknownUserMFAShape(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig()
	cfg.AlwaysMFAForUnknown = true
	f := newFixture(t, cfg)

	res, err := f.machine.Start(ctx, StartRequest{Identifier: "nobody@example.com"})
	require.NoError(t, err)
	sess, err := f.machine.deps.Sessions.Get(ctx, res.FlowID)
	require.NoError(t, err)
	assert.Equal(t, []Stage{StagePassword, StageMFA}, sess.Pending)
}

func TestStartProvider(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig()
	cfg.LinkProviderByEmail = true
	f := newFixture(t, cfg)
	f.github.Add("gh-token", provider.Profile{ExternalUID: "99", Email: "alice@example.com", EmailVerified: true})
	f.github.Add("gh-unverified", provider.Profile{ExternalUID: "100", Email: "alice@example.com"})

	res, err := f.machine.StartProvider(ctx, "github", map[string]string{"token": "gh-token"}, "10.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, StateComplete, res.State)
	assert.Equal(t, []string{"provider:github"}, res.Principal.Methods)

	linked, err := f.dir.FindByExternalIdentity(ctx, "github", "99")
	require.NoError(t, err)
	assert.Equal(t, f.user.ID, linked.ID)

	_, err = f.machine.StartProvider(ctx, "github", map[string]string{"token": "gh-unverified"}, "")
	assert.ErrorIs(t, err, ErrProviderUnlinked)
	_, err = f.machine.StartProvider(ctx, "github", map[string]string{"token": "bogus"}, "")
	assert.ErrorIs(t, err, ErrProviderRejected)
	_, err = f.machine.StartProvider(ctx, "gitlab", map[string]string{"token": "gh-token"}, "")
	assert.ErrorIs(t, err, ErrProviderRejected, "an unregistered provider is a rejected assertion")
}

func TestStartProviderContinuesWithMFA(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, DefaultConfig())
	require.NoError(t, f.dir.LinkExternalIdentity(ctx, directory.ExternalIdentity{ProviderID: "github", ExternalUID: "7", UserID: f.user.ID}))
	f.github.Add("t", provider.Profile{ExternalUID: "7"})
	codes, err := f.factors.EnrollRecoveryCodes(ctx, f.user.ID)
	require.NoError(t, err)

	res, err := f.machine.StartProvider(ctx, "github", map[string]string{"token": "t"}, "")
	require.NoError(t, err)
	assert.Equal(t, StageMFA, res.Next)
	assert.Equal(t, []Stage{StageProvider}, res.Completed)

	res, err = f.machine.Submit(ctx, res.FlowID, Submission{Stage: StageMFA, Value: codes[0]})
	require.NoError(t, err)
	assert.Equal(t, StateComplete, res.State)
	assert.Equal(t, []string{"provider:github", "recovery_codes"}, res.Principal.Methods)
}

func TestProviderSubmissionIsWrongStage(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, DefaultConfig())
	f.github.Add("t", provider.Profile{ExternalUID: "7", Email: "alice@example.com", EmailVerified: true})

	res, err := f.machine.Start(ctx, StartRequest{Identifier: "alice@example.com"})
	require.NoError(t, err)
	res, err = f.machine.Submit(ctx, res.FlowID, Submission{Stage: StageProvider, Params: map[string]string{"provider": "github", "token": "t"}})
	require.NoError(t, err)
	assert.True(t, res.WrongStage)
	assert.Equal(t, verify.Invalid, res.Outcome)
	assert.Equal(t, StagePassword, res.Next)
	assert.Empty(t, res.Completed)
	assert.Empty(t, f.finalizer.calls)
}

func TestSubmitWhileReservedSpendsNothing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, DefaultConfig())
	require.NoError(t, f.dir.LinkExternalIdentity(ctx, directory.ExternalIdentity{ProviderID: "github", ExternalUID: "7", UserID: f.user.ID}))
	f.github.Add("t", provider.Profile{ExternalUID: "7"})
	codes, err := f.factors.EnrollRecoveryCodes(ctx, f.user.ID)
	require.NoError(t, err)

	res, err := f.machine.StartProvider(ctx, "github", map[string]string{"token": "t"}, "")
	require.NoError(t, err)
	require.Equal(t, StageMFA, res.Next)

	sessions := f.machine.deps.Sessions
	held, err := sessions.Reserve(ctx, res.FlowID, time.Minute)
	require.NoError(t, err)
	require.True(t, held)

	_, err = f.machine.Submit(ctx, res.FlowID, Submission{Stage: StageMFA, Value: codes[0]})
	assert.ErrorIs(t, err, ErrConflict)
	assert.Zero(t, recoveryMask(t, f), "a conflicting submit must not spend the code")

	require.NoError(t, sessions.Release(ctx, res.FlowID))
	res, err = f.machine.Submit(ctx, res.FlowID, Submission{Stage: StageMFA, Value: codes[0]})
	require.NoError(t, err)
	assert.Equal(t, StateComplete, res.State)
	assert.Equal(t, uint64(1), recoveryMask(t, f))
}

func recoveryMask(t *testing.T, f *fixture) uint64 {
	t.Helper()
	list, err := f.dir.ListAuthenticators(context.Background(), f.user.ID)
	require.NoError(t, err)
	for _, a := range list {
		if a.Kind == directory.KindRecoveryCodes && a.Metadata.Recovery != nil {
			return a.Metadata.Recovery.UsedMask
		}
	}
	return 0
}

type failingProvisioner struct {
	directory.Provisioner
}

func (failingProvisioner) MarkEmailVerified(context.Context, string) error {
	return errors.New("directory offline")
}

func TestMarkVerifiedFailureIsLogged(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, emailConfig())
	logFile := filepath.Join(t.TempDir(), "flows.log")
	deps := f.machine.deps
	deps.Provisioner = failingProvisioner{f.dir}
	deps.Log = log.New(logFile, false)
	m, err := NewMachine(f.machine.cfg, deps)
	require.NoError(t, err)

	res, err := m.Start(ctx, StartRequest{Identifier: "alice@example.com", Method: StagePassword})
	require.NoError(t, err)
	res, err = m.Submit(ctx, res.FlowID, Submission{Stage: StagePassword, Value: "correct horse battery"})
	require.NoError(t, err)
	res, err = m.Submit(ctx, res.FlowID, Submission{Stage: StageVerifyEmail, Value: f.sender.last(t).Code})
	require.NoError(t, err)
	assert.Equal(t, StateComplete, res.State, "the flow still completes")

	u, err := f.dir.GetUser(ctx, f.user.ID)
	require.NoError(t, err)
	assert.False(t, u.EmailVerified)

	raw, err := os.ReadFile(logFile)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "mark email verified for user "+f.user.ID+": directory offline")
}

func TestSubmitUnknownFlow(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	_, err := f.machine.Submit(context.Background(), "nope", Submission{Stage: StagePassword, Value: "x"})
	assert.ErrorIs(t, err, ErrFlowNotFound)
}

func TestConcurrentSubmitsFinalizeOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, DefaultConfig())
	res, err := f.machine.Start(ctx, StartRequest{Identifier: "alice@example.com"})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.machine.Submit(ctx, res.FlowID, Submission{Stage: StagePassword, Value: "correct horse battery"})
			if err != nil && !errors.Is(err, ErrFlowNotFound) && !errors.Is(err, ErrConflict) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	assert.Len(t, f.finalizer.calls, 1)
}

func TestNewMachineRequiresDeps(t *testing.T) {
	_, err := NewMachine(DefaultConfig(), Deps{})
	assert.ErrorIs(t, err, ErrMachineMisconfigured)
}

func TestMaskCode(t *testing.T) {
	assert.Equal(t, "****56", maskCode("123456"))
	assert.Equal(t, "a***@example.com", maskAddress("alice@example.com"))
	assert.Equal(t, "*******89", maskAddress("+12345689"))
}
