package httpapi

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"

	"github.com/MrEthical07/authflow"
)

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type envelope struct {
	Status string    `json:"status"`
	Data   any       `json:"data,omitempty"`
	Error  *apiError `json:"error,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeSuccess(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, envelope{Status: "success", Data: data})
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, envelope{Status: "error", Error: &apiError{Code: code, Message: message}})
}

// mapError turns an engine error into a status, a stable code and a message
// that is safe to show.
func mapError(err error) (int, string, string) {
	switch {
	case errors.Is(err, authflow.ErrRateLimited):
		return http.StatusTooManyRequests, "rate_limited", "too many requests"
	case errors.Is(err, authflow.ErrStoreUnavailable):
		return http.StatusServiceUnavailable, "unavailable", "service temporarily unavailable"
	case errors.Is(err, authflow.ErrDeliveryFailed):
		return http.StatusServiceUnavailable, "delivery_failed", "the code could not be sent"
	case errors.Is(err, authflow.ErrTokenRevoked):
		return http.StatusGone, "token_revoked", "credential was revoked"
	case errors.Is(err, authflow.ErrTokenGone):
		return http.StatusGone, "token_gone", "credential no longer exists"
	case errors.Is(err, authflow.ErrTokenReuse):
		return http.StatusUnauthorized, "token_reuse", "refresh token already used"
	case errors.Is(err, authflow.ErrInvalidCredentials),
		errors.Is(err, authflow.ErrProviderRejected),
		errors.Is(err, authflow.ErrProviderUnlinked):
		return http.StatusUnauthorized, "invalid_credentials", "invalid credentials"
	case errors.Is(err, authflow.ErrUnauthorized):
		return http.StatusUnauthorized, "unauthorized", "authentication required"
	case errors.Is(err, authflow.ErrInsufficientMethods):
		return http.StatusForbidden, "step_up_required", err.Error()
	case errors.Is(err, authflow.ErrFlowNotFound):
		return http.StatusNotFound, "flow_not_found", "login flow not found"
	case errors.Is(err, authflow.ErrFlowConflict):
		return http.StatusConflict, "conflict", err.Error()
	case errors.Is(err, authflow.ErrPasswordPolicy):
		return http.StatusBadRequest, "password_policy", err.Error()
	case errors.Is(err, authflow.ErrPasswordReuse):
		return http.StatusBadRequest, "password_reuse", err.Error()
	case errors.Is(err, authflow.ErrUnsupportedMethod),
		errors.Is(err, authflow.ErrNotCodeStage),
		errors.Is(err, authflow.ErrWrongStrategy),
		errors.Is(err, authflow.ErrPasswordNotManaged):
		return http.StatusBadRequest, "bad_request", err.Error()
	}
	return http.StatusInternalServerError, "internal_error", "internal server error"
}

// retryAfterHeader sets Retry-After in whole seconds, rounded up.
func retryAfterHeader(w http.ResponseWriter, err error) {
	d, ok := authflow.RetryAfter(err)
	if !ok {
		return
	}
	secs := int(math.Ceil(d.Seconds()))
	if secs < 1 {
		secs = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(secs))
}
