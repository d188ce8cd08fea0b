package authflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/IMQS/log"
	"github.com/MrEthical07/authflow/directory"
	"github.com/MrEthical07/authflow/internal/audit"
	"github.com/MrEthical07/authflow/internal/authenticators"
	"github.com/MrEthical07/authflow/internal/flows"
	"github.com/MrEthical07/authflow/internal/rate"
	"github.com/MrEthical07/authflow/internal/verify"
	"github.com/MrEthical07/authflow/jwt"
	"github.com/MrEthical07/authflow/kv"
	"github.com/MrEthical07/authflow/password"
	"github.com/MrEthical07/authflow/session"
)

// Engine runs logins and issues, checks and revokes the credentials they
// produce. It is safe for concurrent use; all state lives in the kv store.
type Engine struct {
	config     Config
	log        *log.Logger
	now        func() time.Time
	store      *kv.BoundedStore
	ownedStore kv.Closer
	stopSweep  context.CancelFunc
	limiter    *rate.Limiter
	directory  directory.Directory
	factors    *authenticators.Registry
	machine    *flows.Machine
	sessions   *session.Strategy
	tokens     *jwt.Strategy
	audit      *audit.Dispatcher
	metrics    *Metrics
}

// Close flushes the audit queue and releases a store the engine opened
// itself. It is safe to call more than once.
func (e *Engine) Close() {
	if e == nil {
		return
	}
	if e.stopSweep != nil {
		e.stopSweep()
	}
	e.audit.Close()
	if e.ownedStore != nil {
		if err := e.ownedStore.Close(); err != nil {
			e.log.Errorf("authflow: closing store: %v", err)
		}
		e.ownedStore = nil
	}
}

func (e *Engine) AuditDropped() uint64 {
	if e == nil {
		return 0
	}
	return e.audit.Dropped()
}

func (e *Engine) MetricsSnapshot() MetricsSnapshot {
	if e == nil {
		return MetricsSnapshot{
			Counters:   map[MetricID]uint64{},
			Histograms: map[MetricID][]uint64{},
		}
	}
	return e.metrics.Snapshot()
}

// Strategy reports the configured token strategy.
func (e *Engine) Strategy() TokenStrategy {
	return e.config.TokenStrategy
}

/*
====================================
LOGIN FLOWS
====================================
*/

// StartLogin opens a login flow. The result is the same whether or not the
// identifier belongs to an account.
func (e *Engine) StartLogin(ctx context.Context, req LoginRequest) (Result, error) {
	ip := ClientIPFromContext(ctx)
	if err := e.consume(ctx, ActionLogin, rate.Scope{IP: ip}); err != nil {
		if errors.Is(err, ErrRateLimited) {
			e.metrics.Inc(MetricLoginRateLimited)
		}
		return Result{}, err
	}

	res, err := e.machine.Start(ctx, flows.StartRequest{Identifier: req.Identifier, Method: req.Method, IP: ip})
	if err != nil {
		return Result{}, e.storeErr(err)
	}
	e.metrics.Inc(MetricLoginStarted)
	e.emitAudit(ctx, audit.Event{
		EventType: audit.TypeLoginStarted,
		FlowID:    res.FlowID,
		Success:   true,
		Metadata:  map[string]string{"method": string(res.Next)},
	})
	return res, nil
}

// StartProviderLogin completes an identity-provider exchange. When the
// provider satisfies every requirement the result already carries tokens.
func (e *Engine) StartProviderLogin(ctx context.Context, providerID string, params map[string]string) (Result, error) {
	ip := ClientIPFromContext(ctx)
	if err := e.consume(ctx, ActionProviderLogin, rate.Scope{IP: ip}); err != nil {
		return Result{}, err
	}

	res, err := e.machine.StartProvider(ctx, providerID, params, ip)
	if err != nil {
		if errors.Is(err, flows.ErrProviderRejected) || errors.Is(err, flows.ErrProviderUnlinked) {
			e.emitAudit(ctx, audit.Event{
				EventType: audit.TypeProviderRejected,
				Error:     err.Error(),
				Metadata:  map[string]string{"provider": providerID},
			})
		}
		return Result{}, e.storeErr(err)
	}
	e.metrics.Inc(MetricLoginStarted)
	return res, nil
}

// SubmitStage presents one credential for the flow's current stage.
//
// Every submission counts against login_failed (or confirm_code for code
// stages), keyed by the identifier the flow started with. A completed login
// clears the login_failed window.
func (e *Engine) SubmitStage(ctx context.Context, flowID string, sub Submission) (Result, error) {
	cur, err := e.machine.Current(ctx, flowID)
	if err != nil {
		return Result{}, e.storeErr(err)
	}
	scope := e.flowScope(ctx, cur)
	if cur.State != StateAbandoned && cur.Next != "" {
		action := ActionLoginFailed
		if cur.Next.IsCodeStage() {
			action = ActionConfirmCode
		}
		if err := e.consume(ctx, action, scope); err != nil {
			return Result{}, err
		}
	}

	res, err := e.machine.Submit(ctx, flowID, sub)
	if err != nil {
		return Result{}, e.storeErr(err)
	}
	if res.State == StateComplete {
		if err := e.limiter.Clear(ctx, ActionLoginFailed, scope); err != nil {
			e.log.Warnf("authflow: clearing login_failed for flow %v: %v", flowID, err)
		}
	}
	return res, nil
}

// ResendCode sends a fresh code for the current code stage.
func (e *Engine) ResendCode(ctx context.Context, flowID string) (Result, error) {
	cur, err := e.machine.Current(ctx, flowID)
	if err != nil {
		return Result{}, e.storeErr(err)
	}
	if err := e.consume(ctx, ActionResendCode, e.flowScope(ctx, cur)); err != nil {
		return Result{}, err
	}
	res, err := e.machine.Resend(ctx, flowID)
	if err != nil {
		return Result{}, e.storeErr(err)
	}
	if res.Outcome == OutcomeOK {
		e.metrics.Inc(MetricCodeResent)
	}
	return res, nil
}

func (e *Engine) CancelLogin(ctx context.Context, flowID string) (Result, error) {
	res, err := e.machine.Cancel(ctx, flowID)
	return res, e.storeErr(err)
}

// Flow returns the current state of a login flow.
func (e *Engine) Flow(ctx context.Context, flowID string) (Result, error) {
	res, err := e.machine.Current(ctx, flowID)
	return res, e.storeErr(err)
}

func (e *Engine) flowScope(ctx context.Context, r Result) rate.Scope {
	key := r.RateKey
	if key == "" {
		key = "flow:" + r.FlowID
	}
	return rate.Scope{IP: ClientIPFromContext(ctx), Key: key}
}

// Finalize mints credentials for a completed login. The login machine calls
// it; applications do not.
func (e *Engine) Finalize(ctx context.Context, p Principal) (Tokens, error) {
	switch e.config.TokenStrategy {
	case StrategyJWT:
		pair, err := e.tokens.Issue(ctx, p.UserID, p.Methods, p.FlowID)
		if err != nil {
			return Tokens{}, err
		}
		return Tokens{AccessToken: pair.AccessToken, RefreshToken: pair.RefreshToken, ExpiresAt: pair.ExpiresAt}, nil
	default:
		token, rec, err := e.sessions.Create(ctx, p.UserID, p.Methods)
		if err != nil {
			return Tokens{}, err
		}
		e.metrics.Inc(MetricSessionCreated)
		return Tokens{SessionToken: token, ExpiresAt: time.Unix(rec.ExpiresAt, 0)}, nil
	}
}

/*
====================================
TOKENS
====================================
*/

// Authenticate resolves a session token or access JWT to the identity behind
// it.
//
// Errors: ErrUnauthorized for a missing or expired access token,
// ErrInvalidCredentials for a token this engine cannot have issued,
// ErrTokenGone for a well-formed token that no longer exists and
// ErrTokenRevoked for an explicitly ended one.
func (e *Engine) Authenticate(ctx context.Context, credential string) (*Identity, error) {
	if credential == "" {
		return nil, ErrUnauthorized
	}
	if e.metrics.LatencyEnabled() {
		start := time.Now()
		defer func() { e.metrics.Observe(MetricAuthenticateLatency, time.Since(start)) }()
	}

	id, err := e.authenticate(ctx, credential)
	switch {
	case err == nil:
		e.metrics.Inc(MetricAuthenticateSuccess)
	case errors.Is(err, ErrTokenRevoked):
		e.metrics.Inc(MetricAuthenticateRevoked)
	default:
		e.metrics.Inc(MetricAuthenticateFailure)
	}
	return id, err
}

func (e *Engine) authenticate(ctx context.Context, credential string) (*Identity, error) {
	if e.config.TokenStrategy == StrategyJWT {
		claims, err := e.tokens.ValidateAccess(ctx, credential)
		if err != nil {
			return nil, mapJWTErr(err)
		}
		return &Identity{UserID: claims.Subject, Methods: claims.Methods, Family: claims.Family, Session: claims.Session}, nil
	}
	rec, err := e.sessions.Lookup(ctx, credential)
	if err != nil {
		return nil, mapSessionErr(err)
	}
	return &Identity{UserID: rec.UserID, Methods: rec.Methods}, nil
}

// Refresh exchanges a refresh token for new tokens. Only the jwt strategy
// has refresh tokens. Presenting an already rotated refresh token revokes
// its whole family and returns ErrTokenReuse.
func (e *Engine) Refresh(ctx context.Context, refreshToken string) (Tokens, error) {
	if e.config.TokenStrategy != StrategyJWT {
		return Tokens{}, ErrWrongStrategy
	}
	if err := e.consume(ctx, ActionRefresh, rate.Scope{IP: ClientIPFromContext(ctx)}); err != nil {
		if errors.Is(err, ErrRateLimited) {
			e.metrics.Inc(MetricRefreshRateLimited)
		}
		return Tokens{}, err
	}

	pair, err := e.tokens.Refresh(ctx, refreshToken)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenReuse) {
			e.metrics.Inc(MetricRefreshReuseDetected)
			e.log.Warnf("authflow: refresh token reuse, family revoked")
			e.emitAudit(ctx, audit.Event{EventType: audit.TypeRefreshReuse, Error: ErrTokenReuse.Error()})
		} else {
			e.metrics.Inc(MetricRefreshFailure)
		}
		return Tokens{}, mapJWTErr(err)
	}
	e.metrics.Inc(MetricRefreshSuccess)
	e.emitAudit(ctx, audit.Event{
		EventType: audit.TypeRefresh,
		Success:   true,
		Metadata:  map[string]string{"generation": fmt.Sprint(pair.Generation)},
	})
	return Tokens{AccessToken: pair.AccessToken, RefreshToken: pair.RefreshToken, ExpiresAt: pair.ExpiresAt}, nil
}

// Logout ends the session, or revokes the whole token family of a JWT.
// Logging out twice is not an error.
func (e *Engine) Logout(ctx context.Context, credential string) error {
	if credential == "" {
		return ErrUnauthorized
	}
	var err error
	if e.config.TokenStrategy == StrategyJWT {
		err = mapJWTErr(e.tokens.Revoke(ctx, credential))
	} else {
		err = mapSessionErr(e.sessions.Invalidate(ctx, credential))
		if err == nil {
			e.metrics.Inc(MetricSessionInvalidated)
		}
	}
	if err != nil {
		return err
	}
	e.metrics.Inc(MetricLogout)
	e.emitAudit(ctx, audit.Event{EventType: audit.TypeLogout, Success: true})
	return nil
}

/*
====================================
ACCOUNT
====================================
*/

// ChangePassword replaces the password of an authenticated user after
// checking the current one. Existing credentials stay valid.
func (e *Engine) ChangePassword(ctx context.Context, userID, current, next string) error {
	if userID == "" {
		return ErrUnauthorized
	}
	if err := e.consume(ctx, ActionChangePassword, rate.Scope{IP: ClientIPFromContext(ctx), UserID: userID}); err != nil {
		return err
	}
	if current == "" || next == "" {
		return ErrPasswordPolicy
	}
	if current == next {
		return ErrPasswordReuse
	}

	user, err := e.directory.GetUser(ctx, userID)
	if err != nil {
		if errors.Is(err, directory.ErrUserNotFound) {
			return ErrUnauthorized
		}
		return err
	}

	outcome, err := e.factors.ChangePassword(ctx, user, current, next, e.now())
	switch {
	case errors.Is(err, authenticators.ErrExternalPassword):
		return ErrPasswordNotManaged
	case errors.Is(err, password.ErrPolicy):
		e.passwordAudit(ctx, userID, ErrPasswordPolicy)
		return ErrPasswordPolicy
	case err != nil:
		return err
	case outcome != verify.OK:
		e.metrics.Inc(MetricPasswordChangeInvalidOld)
		e.passwordAudit(ctx, userID, ErrInvalidCredentials)
		return ErrInvalidCredentials
	}

	e.metrics.Inc(MetricPasswordChangeSuccess)
	e.passwordAudit(ctx, userID, nil)
	return nil
}

func (e *Engine) passwordAudit(ctx context.Context, userID string, err error) {
	ev := audit.Event{EventType: audit.TypePasswordChange, UserID: userID, Success: err == nil}
	if err != nil {
		ev.Error = err.Error()
	}
	e.emitAudit(ctx, ev)
}

// EnrollPassword adds a password authenticator for userID.
func (e *Engine) EnrollPassword(ctx context.Context, userID, plain string) error {
	_, err := e.factors.EnrollPassword(ctx, userID, plain)
	if errors.Is(err, password.ErrPolicy) {
		return ErrPasswordPolicy
	}
	return err
}

// EnrollTOTP creates a TOTP authenticator and returns its secret and
// otpauth:// URI for display.
func (e *Engine) EnrollTOTP(ctx context.Context, userID, account string) (secret, uri string, err error) {
	enr, _, err := e.factors.EnrollTOTP(ctx, userID, account)
	if err != nil {
		return "", "", err
	}
	return enr.Secret, enr.URI, nil
}

// EnrollRecoveryCodes replaces the user's recovery codes and returns them.
// They cannot be read back later.
func (e *Engine) EnrollRecoveryCodes(ctx context.Context, userID string) ([]string, error) {
	return e.factors.EnrollRecoveryCodes(ctx, userID)
}

/*
====================================
HELPERS
====================================
*/

// consume counts one call of action. A denial comes back as *RateLimitError.
func (e *Engine) consume(ctx context.Context, action string, scope rate.Scope) error {
	d, err := e.limiter.Consume(ctx, action, scope)
	if err != nil {
		return e.storeErr(err)
	}
	if d.Allowed {
		return nil
	}
	e.metrics.Inc(MetricRateLimitHit)
	e.log.Warnf("authflow: %v rate limited (%v), retry in %v", action, d.Rate, d.RetryAfter)
	e.emitAudit(ctx, audit.Event{
		EventType: audit.TypeRateLimited,
		UserID:    scope.UserID,
		Error:     ErrRateLimited.Error(),
		Metadata:  map[string]string{"action": action, "rate": d.Rate.String()},
	})
	return &RateLimitError{Action: action, RetryAfter: d.RetryAfter}
}

// storeErr logs store failures; the error itself is passed through.
func (e *Engine) storeErr(err error) error {
	if err != nil && errors.Is(err, kv.ErrUnavailable) {
		e.log.Errorf("authflow: store unavailable: %v", err)
	}
	return err
}

func (e *Engine) emitAudit(ctx context.Context, ev audit.Event) {
	if e.audit == nil {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = e.now()
	}
	if ev.IP == "" {
		ev.IP = ClientIPFromContext(ctx)
	}
	e.audit.Emit(ctx, ev)
}

func mapSessionErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, session.ErrMalformed):
		return ErrInvalidCredentials
	case errors.Is(err, session.ErrRevoked):
		return ErrTokenRevoked
	case errors.Is(err, session.ErrNotFound):
		return ErrTokenGone
	}
	return err
}

func mapJWTErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, jwt.ErrInvalid), errors.Is(err, jwt.ErrSessionMismatch):
		return ErrInvalidCredentials
	case errors.Is(err, jwt.ErrExpired):
		return ErrUnauthorized
	case errors.Is(err, jwt.ErrTokenReuse):
		return ErrTokenReuse
	case errors.Is(err, jwt.ErrRevoked):
		return ErrTokenRevoked
	case errors.Is(err, jwt.ErrNotFound):
		return ErrTokenGone
	}
	return err
}
