package flows

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/IMQS/log"
	"github.com/MrEthical07/authflow/directory"
	"github.com/MrEthical07/authflow/internal/authenticators"
	"github.com/MrEthical07/authflow/internal/stores"
	"github.com/MrEthical07/authflow/internal/verify"
	"github.com/MrEthical07/authflow/provider"
	"github.com/google/uuid"
)

// Config controls stage planning and attempt limits.
type Config struct {
	// Stages is the priority order of secondary stages. Only verify_email,
	// verify_phone and mfa_authenticate are meaningful here.
	Stages []Stage

	Timeout      time.Duration
	AbandonedTTL time.Duration
	// MaxAttempts is the per-stage limit of Invalid outcomes; reaching it
	// abandons the whole flow.
	MaxAttempts int
	MaxResends  int

	// EmailVerification asks for an email code on every login.
	EmailVerification bool
	// RequireVerifiedEmail asks for an email code only while the address is
	// unverified.
	RequireVerifiedEmail bool
	PhoneVerification    bool
	AlwaysMFAForUnknown  bool
	// LinkProviderByEmail lets a provider profile with a verified email log
	// into the account holding that email, linking the identity on success.
	LinkProviderByEmail bool
}

func DefaultConfig() Config {
	return Config{
		Stages:       []Stage{StageVerifyEmail, StageVerifyPhone, StageMFA},
		Timeout:      15 * time.Minute,
		AbandonedTTL: 5 * time.Minute,
		MaxAttempts:  5,
		MaxResends:   3,
	}
}

// Deps is the machine's collaborators. Provisioner, Providers, Observer and
// Log are optional.
type Deps struct {
	Sessions    *stores.LoginSessionStore
	Directory   directory.Directory
	Provisioner directory.Provisioner
	Factors     *authenticators.Registry
	Providers   *provider.Registry
	Codes       *verify.Codes
	Sender      CodeSender
	Finalizer   Finalizer
	Observer    Observer
	Log         *log.Logger
	Now         func() time.Time
}

const submitReservationTTL = 30 * time.Second

// Machine runs multi-stage logins. It holds no per-flow state; everything
// lives in the LoginSessionStore under the flow id.
type Machine struct {
	cfg  Config
	deps Deps
}

func NewMachine(cfg Config, deps Deps) (*Machine, error) {
	if deps.Sessions == nil || deps.Directory == nil || deps.Factors == nil ||
		deps.Codes == nil || deps.Sender == nil || deps.Finalizer == nil {
		return nil, ErrMachineMisconfigured
	}
	def := DefaultConfig()
	if cfg.Stages == nil {
		cfg.Stages = def.Stages
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.MaxResends < 0 {
		cfg.MaxResends = 0
	}
	if deps.Observer == nil {
		deps.Observer = Observers(nil)
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Log == nil {
		deps.Log = log.New(log.Stdout, false)
	}
	return &Machine{cfg: cfg, deps: deps}, nil
}

// Start resolves the identifier and opens a flow whose first stage is the
// requested primary method. Unknown identifiers get a flow of the same shape
// that can never complete, and no code is sent for them.
func (m *Machine) Start(ctx context.Context, req StartRequest) (Result, error) {
	primary := req.Method
	if primary == "" {
		primary = StagePassword
	}
	if primary != StagePassword && primary != StageLoginByCode {
		return Result{}, ErrUnsupportedMethod
	}

	user, set, err := m.resolve(ctx, req.Identifier)
	if err != nil {
		return Result{}, err
	}

	now := m.deps.Now()
	sess := &stores.LoginSession{
		ID:        uuid.NewString(),
		RateKey:   directory.NormalizeIdentifier(req.Identifier),
		Pending:   m.plan(primary, user, set),
		State:     StateCollecting,
		IP:        req.IP,
		CreatedAt: now,
		ExpiresAt: now.Add(m.cfg.Timeout),
	}
	if user != nil {
		sess.UserRef = user.ID
	}
	delivery, err := m.prepare(sess, user, now, 0)
	if err != nil {
		return Result{}, err
	}
	if err := m.deps.Sessions.Create(ctx, sess); err != nil {
		return Result{}, err
	}
	if err := m.send(ctx, delivery); err != nil {
		return Result{}, err
	}
	return resultOf(sess, verify.OK), nil
}

// StartProvider completes an identity-provider exchange and opens a flow with
// the provider stage already satisfied. When nothing else is required the
// login completes immediately.
func (m *Machine) StartProvider(ctx context.Context, providerID string, params map[string]string, ip string) (Result, error) {
	profile, err := m.deps.Providers.Complete(ctx, providerID, params)
	if err != nil {
		if errors.Is(err, provider.ErrInvalidAssertion) || errors.Is(err, provider.ErrUnknownProvider) {
			return Result{}, fmt.Errorf("%w: %v", ErrProviderRejected, err)
		}
		return Result{}, err
	}
	user, err := m.userForProfile(ctx, profile)
	if err != nil {
		return Result{}, err
	}
	set, err := m.deps.Factors.Load(ctx, user)
	if err != nil {
		return Result{}, err
	}

	now := m.deps.Now()
	pending := m.plan(StageProvider, user, set)
	sess := &stores.LoginSession{
		ID:        uuid.NewString(),
		UserRef:   user.ID,
		RateKey:   profile.ProviderID + ":" + profile.ExternalUID,
		Pending:   pending[1:],
		Completed: []Stage{StageProvider},
		Methods:   []string{methodFor(StageProvider, "", "", profile.ProviderID)},
		State:     StateCollecting,
		IP:        ip,
		CreatedAt: now,
		ExpiresAt: now.Add(m.cfg.Timeout),
	}
	sess.StageData(StageProvider).Provider = &stores.ProviderStage{ProviderID: profile.ProviderID, ExternalUID: profile.ExternalUID}

	m.deps.Observer.OnStageVerified(ctx, m.event(sess, StageProvider, StateStageVerified, verify.OK, now))
	if len(sess.Pending) == 0 {
		sess.State = StateComplete
		return m.finalize(ctx, sess, now)
	}

	delivery, err := m.prepare(sess, user, now, 0)
	if err != nil {
		return Result{}, err
	}
	if err := m.deps.Sessions.Create(ctx, sess); err != nil {
		return Result{}, err
	}
	if err := m.send(ctx, delivery); err != nil {
		return Result{}, err
	}
	return resultOf(sess, verify.OK), nil
}

// Submit verifies one credential against the flow's current stage.
//
// A submission for any other stage counts as an Invalid attempt on the
// current stage and leaves the completed stages untouched. Password and MFA
// credentials are verified once, before the compare-and-swap loop, while the
// submitter holds the flow's reservation; code stages are verified inside the
// loop because their state lives in the session.
func (m *Machine) Submit(ctx context.Context, flowID string, sub Submission) (Result, error) {
	sess, err := m.get(ctx, flowID)
	if err != nil {
		return Result{}, err
	}
	if sess.State == StateAbandoned {
		return resultOf(sess, verify.Invalid), nil
	}

	expected := sess.Next()
	now := m.deps.Now()
	user, err := m.userOf(ctx, sess)
	if err != nil {
		return Result{}, err
	}

	wrong := sub.Stage != expected
	var ext external
	if wrong {
		ext.outcome = verify.Invalid
	} else if !expected.IsCodeStage() {
		release, err := m.reserve(ctx, flowID)
		if err != nil {
			return Result{}, err
		}
		defer release()

		// Another submit may have moved the flow before the reservation.
		if sess, err = m.get(ctx, flowID); err != nil {
			return Result{}, err
		}
		if sess.State == StateAbandoned {
			return resultOf(sess, verify.Invalid), nil
		}
		if sess.Next() != expected {
			return Result{}, ErrConflict
		}
		ext, err = m.verifyExternal(ctx, user, expected, sub, now)
		if err != nil {
			return Result{}, err
		}
	}

	var (
		outcome  verify.Outcome
		delivery *Delivery
		acted    bool
		method   string
	)
	updated, err := m.deps.Sessions.Update(ctx, flowID, func(s *stores.LoginSession) (stores.Action, error) {
		delivery, acted, method = nil, true, ""
		if s.Next() != expected {
			return stores.Keep, ErrConflict
		}
		d := s.StageData(expected)

		outcome = ext.outcome
		if !wrong && expected.IsCodeStage() {
			outcome = m.verifyCode(d, user, sub.Value, now)
		}

		switch outcome {
		case verify.OK:
			channel := Channel("")
			if d.Code != nil {
				channel = Channel(d.Code.Channel)
				d.Code.State = verify.CodeState{}
			}
			if ext.kind != "" {
				d.MFA = &stores.MFAStage{Method: ext.kind}
			}
			method = methodFor(expected, channel, ext.kind, "")
			s.Methods = append(s.Methods, method)
			s.Pending = s.Pending[1:]
			s.Completed = append(s.Completed, expected)
			if len(s.Pending) == 0 {
				return stores.Finish, nil
			}
			s.State = StateCollecting
			var err error
			delivery, err = m.prepare(s, user, now, 0)
			return stores.Save, err
		case verify.Invalid:
			d.Attempts++
			if d.Attempts >= m.cfg.MaxAttempts {
				return stores.Abandon, nil
			}
			return stores.Save, nil
		default:
			return stores.Abandon, nil
		}
	})
	if err != nil {
		return Result{}, m.mapStoreErr(err)
	}

	if !acted {
		// The flow was abandoned between our read and the update.
		return resultOf(updated, verify.Invalid), nil
	}

	switch {
	case outcome == verify.OK:
		m.afterVerified(ctx, updated, user, expected)
		m.deps.Observer.OnStageVerified(ctx, m.eventWithMethod(updated, expected, StateStageVerified, outcome, method, now))
	default:
		m.deps.Observer.OnStageFailed(ctx, m.event(updated, expected, updated.State, outcome, now))
	}

	switch updated.State {
	case StateComplete:
		return m.finalize(ctx, updated, now)
	case StateAbandoned:
		m.deps.Observer.OnAbandoned(ctx, m.event(updated, expected, StateAbandoned, outcome, now))
	}

	if err := m.send(ctx, delivery); err != nil {
		return Result{}, err
	}
	res := resultOf(updated, outcome)
	res.WrongStage = wrong
	return res, nil
}

// Resend issues a fresh code for the current code stage. Exceeding the
// resend limit reports LimitExceeded without abandoning the flow.
func (m *Machine) Resend(ctx context.Context, flowID string) (Result, error) {
	sess, err := m.get(ctx, flowID)
	if err != nil {
		return Result{}, err
	}
	if sess.State == StateAbandoned {
		return resultOf(sess, verify.Invalid), nil
	}
	user, err := m.userOf(ctx, sess)
	if err != nil {
		return Result{}, err
	}

	now := m.deps.Now()
	var (
		delivery *Delivery
		outcome  verify.Outcome
	)
	updated, err := m.deps.Sessions.Update(ctx, flowID, func(s *stores.LoginSession) (stores.Action, error) {
		delivery, outcome = nil, verify.OK
		next := s.Next()
		if !next.IsCodeStage() {
			return stores.Keep, ErrNotCodeStage
		}
		resends := 0
		if d := s.StageData(next); d.Code != nil {
			resends = d.Code.Resends
		}
		if resends >= m.cfg.MaxResends {
			outcome = verify.LimitExceeded
			return stores.Keep, nil
		}
		var err error
		delivery, err = m.prepare(s, user, now, resends+1)
		return stores.Save, err
	})
	if err != nil {
		return Result{}, m.mapStoreErr(err)
	}
	if err := m.send(ctx, delivery); err != nil {
		return Result{}, err
	}
	return resultOf(updated, outcome), nil
}

// Cancel abandons the flow.
func (m *Machine) Cancel(ctx context.Context, flowID string) (Result, error) {
	acted := false
	updated, err := m.deps.Sessions.Update(ctx, flowID, func(*stores.LoginSession) (stores.Action, error) {
		acted = true
		return stores.Abandon, nil
	})
	if err != nil {
		return Result{}, m.mapStoreErr(err)
	}
	if acted {
		m.deps.Observer.OnAbandoned(ctx, m.event(updated, updated.Next(), StateAbandoned, verify.Invalid, m.deps.Now()))
	}
	return resultOf(updated, verify.Invalid), nil
}

// Current returns the flow without changing it.
func (m *Machine) Current(ctx context.Context, flowID string) (Result, error) {
	sess, err := m.get(ctx, flowID)
	if err != nil {
		return Result{}, err
	}
	return resultOf(sess, verify.OK), nil
}

// reserve holds flowID for this submitter until the returned release runs.
// A flow already held by another submit is ErrConflict, before anything is
// verified.
func (m *Machine) reserve(ctx context.Context, flowID string) (func(), error) {
	ok, err := m.deps.Sessions.Reserve(ctx, flowID, submitReservationTTL)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrConflict
	}
	return func() {
		if err := m.deps.Sessions.Release(context.WithoutCancel(ctx), flowID); err != nil {
			m.deps.Log.Warnf("flows: release %v: %v", flowID, err)
		}
	}, nil
}

func (m *Machine) get(ctx context.Context, flowID string) (*stores.LoginSession, error) {
	sess, err := m.deps.Sessions.Get(ctx, flowID)
	if err != nil {
		return nil, m.mapStoreErr(err)
	}
	return sess, nil
}

func (m *Machine) mapStoreErr(err error) error {
	switch {
	case errors.Is(err, stores.ErrLoginSessionNotFound):
		return ErrFlowNotFound
	case errors.Is(err, stores.ErrLoginSessionConflict):
		return ErrConflict
	}
	return err
}

func (m *Machine) finalize(ctx context.Context, sess *stores.LoginSession, now time.Time) (Result, error) {
	p := Principal{UserID: sess.UserRef, Methods: sess.Methods, FlowID: sess.ID, IP: sess.IP}
	tokens, err := m.deps.Finalizer.Finalize(ctx, p)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrFinalizeFailed, err)
	}
	m.deps.Observer.OnComplete(ctx, m.event(sess, "", StateComplete, verify.OK, now))

	res := resultOf(sess, verify.OK)
	res.State = StateComplete
	res.Principal = &p
	res.Tokens = &tokens
	return res, nil
}

func (m *Machine) send(ctx context.Context, d *Delivery) error {
	if d == nil {
		return nil
	}
	if err := m.deps.Sender.SendCode(ctx, *d); err != nil {
		return fmt.Errorf("%w: %v", ErrDeliveryFailed, err)
	}
	return nil
}

func (m *Machine) event(sess *stores.LoginSession, stage Stage, state State, outcome verify.Outcome, now time.Time) Event {
	return m.eventWithMethod(sess, stage, state, outcome, "", now)
}

func (m *Machine) eventWithMethod(sess *stores.LoginSession, stage Stage, state State, outcome verify.Outcome, method string, now time.Time) Event {
	return Event{
		FlowID:  sess.ID,
		UserID:  sess.UserRef,
		Stage:   stage,
		State:   state,
		Outcome: outcome,
		Method:  method,
		IP:      sess.IP,
		At:      now,
	}
}

func resultOf(sess *stores.LoginSession, outcome verify.Outcome) Result {
	completed := make([]Stage, len(sess.Completed))
	copy(completed, sess.Completed)
	return Result{
		FlowID:    sess.ID,
		RateKey:   sess.RateKey,
		State:     sess.State,
		Next:      sess.Next(),
		Completed: completed,
		Outcome:   outcome,
	}
}
