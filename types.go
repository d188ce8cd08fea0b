package authflow

import (
	"github.com/MrEthical07/authflow/internal/audit"
	"github.com/MrEthical07/authflow/internal/flows"
	"github.com/MrEthical07/authflow/internal/verify"
)

// Rate limited actions. Config.RateLimits is keyed by these names.
const (
	ActionLogin          = "login"
	ActionLoginFailed    = "login_failed"
	ActionConfirmCode    = "confirm_code"
	ActionResendCode     = "resend_code"
	ActionChangePassword = "change_password"
	ActionRefresh        = "refresh"
	ActionProviderLogin  = "provider_login"
)

type (
	Stage      = flows.Stage
	State      = flows.State
	Result     = flows.Result
	Submission = flows.Submission
	Principal  = flows.Principal
	Tokens     = flows.Tokens
	Delivery   = flows.Delivery
	Channel    = flows.Channel
	CodeSender = flows.CodeSender
	Observer   = flows.Observer
	FlowEvent  = flows.Event
	Outcome    = verify.Outcome

	AuditEvent  = audit.Event
	AuditSink   = audit.Sink
	ChannelSink = audit.ChannelSink
)

const (
	StagePassword    = flows.StagePassword
	StageLoginByCode = flows.StageLoginByCode
	StageProvider    = flows.StageProvider
	StageVerifyEmail = flows.StageVerifyEmail
	StageVerifyPhone = flows.StageVerifyPhone
	StageMFA         = flows.StageMFA

	StateCollecting    = flows.StateCollecting
	StateStageVerified = flows.StateStageVerified
	StateComplete      = flows.StateComplete
	StateAbandoned     = flows.StateAbandoned

	OutcomeInvalid       = verify.Invalid
	OutcomeOK            = verify.OK
	OutcomeExpired       = verify.Expired
	OutcomeLimitExceeded = verify.LimitExceeded

	ChannelEmail = flows.ChannelEmail
	ChannelSMS   = flows.ChannelSMS
)

// Identity is what Authenticate resolves a token to.
type Identity struct {
	UserID string
	// Methods lists how the user authenticated, e.g. "password", "totp".
	Methods []string
	// Family is the JWT token family; empty for session tokens.
	Family string
	// Session is the login flow an access token is bound to.
	Session string
}

// LoginRequest starts a password or code login.
type LoginRequest struct {
	Identifier string
	// Method is StagePassword (default) or StageLoginByCode.
	Method Stage
}

// NewChannelSink and NewJSONWriterSink re-export the built-in audit sinks.
var (
	NewChannelSink    = audit.NewChannelSink
	NewJSONWriterSink = audit.NewJSONWriterSink
)
