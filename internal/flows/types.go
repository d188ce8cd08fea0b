package flows

import (
	"context"
	"errors"
	"time"

	"github.com/MrEthical07/authflow/directory"
	"github.com/MrEthical07/authflow/internal/stores"
	"github.com/MrEthical07/authflow/internal/verify"
)

type (
	Stage = stores.Stage
	State = stores.State
)

const (
	StagePassword    = stores.StagePassword
	StageLoginByCode = stores.StageLoginByCode
	StageProvider    = stores.StageProvider
	StageVerifyEmail = stores.StageVerifyEmail
	StageVerifyPhone = stores.StageVerifyPhone
	StageMFA         = stores.StageMFA

	StateCollecting    = stores.StateCollecting
	StateStageVerified = stores.StateStageVerified
	StateComplete      = stores.StateComplete
	StateAbandoned     = stores.StateAbandoned
)

var (
	ErrFlowNotFound         = errors.New("login flow not found")
	ErrConflict             = errors.New("login flow changed concurrently")
	ErrUnsupportedMethod    = errors.New("unsupported primary login method")
	ErrNotCodeStage         = errors.New("current stage does not use a delivered code")
	ErrProviderRejected     = errors.New("identity provider rejected the assertion")
	ErrProviderUnlinked     = errors.New("external identity is not linked to an account")
	ErrDeliveryFailed       = errors.New("code delivery failed")
	ErrFinalizeFailed       = errors.New("login finalization failed")
	ErrMachineMisconfigured = errors.New("login machine is missing a dependency")
)

// StartRequest begins a login with a primary stage.
type StartRequest struct {
	Identifier string
	// Method is StagePassword or StageLoginByCode. Empty means password.
	Method Stage
	IP     string
}

// Submission is one credential for one stage.
type Submission struct {
	Stage Stage
	Value string
	// Params carries stage-specific extras: "method" selects the MFA factor
	// kind, provider stages pass the adapter's parameters.
	Params map[string]string
}

// Principal is the authenticated subject handed to the Finalizer.
type Principal struct {
	UserID  string
	Methods []string
	FlowID  string
	IP      string
}

// Tokens are the credentials minted on completion. Exactly one of
// SessionToken or AccessToken is set, depending on the token strategy.
type Tokens struct {
	SessionToken string    `json:"session_token,omitempty"`
	AccessToken  string    `json:"access_token,omitempty"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Result is the caller-visible view of a flow after an operation. It never
// reveals whether the identifier matched an account.
type Result struct {
	FlowID string
	// RateKey is the value failed attempts are counted against: the
	// normalized identifier, or the external identity for provider logins.
	RateKey    string
	State      State
	Next       Stage
	Completed  []Stage
	Outcome    verify.Outcome
	WrongStage bool
	Principal  *Principal
	Tokens     *Tokens
}

// Event is passed to observers at each transition.
type Event struct {
	FlowID  string
	UserID  string
	Stage   Stage
	State   State
	Outcome verify.Outcome
	Method  string
	IP      string
	At      time.Time
}

// Observer is notified synchronously at transition points. Implementations
// must not block.
type Observer interface {
	OnStageVerified(ctx context.Context, e Event)
	OnStageFailed(ctx context.Context, e Event)
	OnComplete(ctx context.Context, e Event)
	OnAbandoned(ctx context.Context, e Event)
}

// Observers fans out to each observer in order.
type Observers []Observer

func (o Observers) OnStageVerified(ctx context.Context, e Event) {
	for _, ob := range o {
		ob.OnStageVerified(ctx, e)
	}
}

func (o Observers) OnStageFailed(ctx context.Context, e Event) {
	for _, ob := range o {
		ob.OnStageFailed(ctx, e)
	}
}

func (o Observers) OnComplete(ctx context.Context, e Event) {
	for _, ob := range o {
		ob.OnComplete(ctx, e)
	}
}

func (o Observers) OnAbandoned(ctx context.Context, e Event) {
	for _, ob := range o {
		ob.OnAbandoned(ctx, e)
	}
}

// Channel is how a code reaches the user.
type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
)

// Delivery is one code to send.
type Delivery struct {
	FlowID  string
	UserID  string
	Channel Channel
	Address string
	Code    string
	Purpose Stage
}

// CodeSender delivers codes. Implementations should not retry for long: the
// login request waits on SendCode.
type CodeSender interface {
	SendCode(ctx context.Context, d Delivery) error
}

// Finalizer mints credentials for a completed login.
type Finalizer interface {
	Finalize(ctx context.Context, p Principal) (Tokens, error)
}

func methodFor(stage Stage, channel Channel, kind directory.Kind, providerID string) string {
	switch stage {
	case StagePassword:
		return string(directory.KindPassword)
	case StageMFA:
		return string(kind)
	case StageProvider:
		return "provider:" + providerID
	}
	if channel == ChannelSMS {
		return string(directory.KindPhoneCode)
	}
	return string(directory.KindEmailCode)
}
