package authflow

import (
	"errors"
	"fmt"
	"time"

	"github.com/MrEthical07/authflow/internal/flows"
	"github.com/MrEthical07/authflow/internal/rate"
	"github.com/MrEthical07/authflow/kv"
	"github.com/MrEthical07/authflow/password"
)

var (
	// ErrRateLimited matches every *RateLimitError.
	ErrRateLimited = rate.ErrRateLimited
	// ErrInvalidCredentials is returned when a token cannot have been issued
	// by this engine, or a current password is wrong.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrUnauthorized means no credential was presented, or an access JWT
	// has passed its expiry.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrTokenRevoked is distinct from ErrUnauthorized: the token was
	// explicitly ended and the caller should not retry with it.
	ErrTokenRevoked = errors.New("token revoked")
	// ErrTokenGone means a well-formed token has no record: it expired,
	// its family was deleted, or it never existed.
	ErrTokenGone          = errors.New("token no longer exists")
	ErrPasswordReuse      = errors.New("new password must differ from the current one")
	ErrTokenReuse         = errors.New("refresh token reuse detected")
	ErrWrongStrategy      = errors.New("operation not available for the configured token strategy")
	ErrPasswordPolicy     = password.ErrPolicy
	ErrStoreUnavailable   = kv.ErrUnavailable
	ErrEngineNotReady     = errors.New("engine not initialized")
	ErrInvalidConfig      = errors.New("invalid configuration")
	ErrFlowNotFound       = flows.ErrFlowNotFound
	ErrFlowConflict       = flows.ErrConflict
	ErrUnsupportedMethod  = flows.ErrUnsupportedMethod
	ErrNotCodeStage       = flows.ErrNotCodeStage
	ErrProviderRejected   = flows.ErrProviderRejected
	ErrProviderUnlinked   = flows.ErrProviderUnlinked
	ErrDeliveryFailed     = flows.ErrDeliveryFailed
	ErrFinalizeFailed     = flows.ErrFinalizeFailed
	ErrPasswordNotManaged = errors.New("password is not managed by this engine")
	// ErrInsufficientMethods is returned by step-up checks when the identity
	// lacks a required authentication method.
	ErrInsufficientMethods = errors.New("additional authentication required")
)

// RateLimitError reports a denied action and how long the caller should
// wait.
type RateLimitError struct {
	Action     string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s rate limited, retry after %ds", e.Action, rate.RetryAfterSeconds(e.RetryAfter))
}

func (e *RateLimitError) Is(target error) bool {
	return target == ErrRateLimited
}

// RetryAfter extracts the wait duration from a rate limit error. ok is false
// for any other error.
func RetryAfter(err error) (d time.Duration, ok bool) {
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return rl.RetryAfter, true
	}
	return 0, false
}
