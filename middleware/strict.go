package middleware

import (
	"net/http"
	"slices"

	"github.com/MrEthical07/authflow"
)

// RequireMethods must run after Guard. It rejects identities that did not
// authenticate with every one of methods (e.g. "totp") with
// authflow.ErrInsufficientMethods.
func RequireMethods(onError ErrorHandler, methods ...string) func(http.Handler) http.Handler {
	if onError == nil {
		onError = defaultError
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, ok := IdentityFromContext(r.Context())
			if !ok {
				onError(w, r, authflow.ErrUnauthorized)
				return
			}
			for _, m := range methods {
				if !slices.Contains(id.Methods, m) {
					onError(w, r, authflow.ErrInsufficientMethods)
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}
