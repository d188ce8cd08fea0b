package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/MrEthical07/authflow"
)

// Authenticator is the part of *authflow.Engine the guard needs.
type Authenticator interface {
	Authenticate(ctx context.Context, credential string) (*authflow.Identity, error)
}

// ErrorHandler writes the response for a rejected request.
type ErrorHandler func(w http.ResponseWriter, r *http.Request, err error)

type identityContextKey struct{}
type tokenContextKey struct{}

// IdentityFromContext returns the identity Guard stored for this request.
func IdentityFromContext(ctx context.Context) (*authflow.Identity, bool) {
	id, ok := ctx.Value(identityContextKey{}).(*authflow.Identity)
	return id, ok && id != nil
}

// TokenFromContext returns the credential the identity was resolved from.
func TokenFromContext(ctx context.Context) (string, bool) {
	t, ok := ctx.Value(tokenContextKey{}).(string)
	return t, ok && t != ""
}

// Guard rejects requests without a live credential. onError may be nil, in
// which case a small JSON error is written with StatusFor's code.
func Guard(engine Authenticator, onError ErrorHandler) func(http.Handler) http.Handler {
	if onError == nil {
		onError = defaultError
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if engine == nil {
				onError(w, r, authflow.ErrUnauthorized)
				return
			}
			token, ok := Credential(r)
			if !ok {
				onError(w, r, authflow.ErrUnauthorized)
				return
			}
			id, err := engine.Authenticate(r.Context(), token)
			if err != nil {
				onError(w, r, err)
				return
			}
			ctx := context.WithValue(r.Context(), identityContextKey{}, id)
			ctx = context.WithValue(ctx, tokenContextKey{}, token)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// Credential extracts the presented token. X-Session-Token wins over an
// Authorization header.
func Credential(r *http.Request) (string, bool) {
	if t := strings.TrimSpace(r.Header.Get("X-Session-Token")); t != "" {
		return t, true
	}
	return bearerToken(r.Header.Get("Authorization"))
}

func bearerToken(value string) (string, bool) {
	const bearer = "bearer "
	if len(value) <= len(bearer) || !strings.EqualFold(value[:len(bearer)], bearer) {
		return "", false
	}
	token := strings.TrimSpace(value[len(bearer):])
	return token, token != ""
}

// StatusFor maps an Authenticate error to an HTTP status: 410 for tokens
// that were revoked or no longer exist, 503 when the store is down, and 401
// for everything else.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, authflow.ErrTokenRevoked), errors.Is(err, authflow.ErrTokenGone):
		return http.StatusGone
	case errors.Is(err, authflow.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, authflow.ErrInsufficientMethods):
		return http.StatusForbidden
	default:
		return http.StatusUnauthorized
	}
}

func defaultError(w http.ResponseWriter, _ *http.Request, err error) {
	status := StatusFor(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status": "error",
		"error": map[string]string{
			"code":    strings.ReplaceAll(strings.ToLower(http.StatusText(status)), " ", "_"),
			"message": http.StatusText(status),
		},
	})
}
