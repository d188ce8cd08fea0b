package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/MrEthical07/authflow"
)

type fakeAuth map[string]error

func (f fakeAuth) Authenticate(_ context.Context, credential string) (*authflow.Identity, error) {
	if err, ok := f[credential]; ok {
		if err != nil {
			return nil, err
		}
		return &authflow.Identity{UserID: "u-" + credential, Methods: []string{"password"}}, nil
	}
	return nil, authflow.ErrInvalidCredentials
}

func guarded(t *testing.T, auth Authenticator, extra ...func(http.Handler) http.Handler) http.Handler {
	t.Helper()
	var h http.Handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := IdentityFromContext(r.Context())
		if !ok {
			t.Fatal("identity missing from context")
		}
		if _, ok := TokenFromContext(r.Context()); !ok {
			t.Fatal("token missing from context")
		}
		w.Header().Set("X-User", id.UserID)
		w.WriteHeader(http.StatusNoContent)
	})
	for i := len(extra) - 1; i >= 0; i-- {
		h = extra[i](h)
	}
	return Guard(auth, nil)(h)
}

func TestGuardStatuses(t *testing.T) {
	auth := fakeAuth{
		"live":    nil,
		"revoked": authflow.ErrTokenRevoked,
		"gone":    authflow.ErrTokenGone,
		"expired": authflow.ErrUnauthorized,
		"down":    authflow.ErrStoreUnavailable,
	}
	tests := []struct {
		name   string
		header string
		value  string
		want   int
	}{
		{"missing", "", "", http.StatusUnauthorized},
		{"session header", "X-Session-Token", "live", http.StatusNoContent},
		{"bearer", "Authorization", "Bearer live", http.StatusNoContent},
		{"lowercase bearer", "Authorization", "bearer live", http.StatusNoContent},
		{"basic", "Authorization", "Basic live", http.StatusUnauthorized},
		{"empty bearer", "Authorization", "Bearer ", http.StatusUnauthorized},
		{"unknown", "X-Session-Token", "forged", http.StatusUnauthorized},
		{"expired", "X-Session-Token", "expired", http.StatusUnauthorized},
		{"revoked", "X-Session-Token", "revoked", http.StatusGone},
		{"gone", "Authorization", "Bearer gone", http.StatusGone},
		{"store down", "X-Session-Token", "down", http.StatusServiceUnavailable},
	}
	h := guarded(t, auth)
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tc.header != "" {
				req.Header.Set(tc.header, tc.value)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tc.want {
				t.Fatalf("status = %d, want %d", rec.Code, tc.want)
			}
		})
	}
}

func TestGuardPrefersSessionHeader(t *testing.T) {
	h := guarded(t, fakeAuth{"a": nil, "b": nil})
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Session-Token", "a")
	req.Header.Set("Authorization", "Bearer b")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if got := rec.Header().Get("X-User"); got != "u-a" {
		t.Fatalf("expected identity from X-Session-Token, got %q", got)
	}
}

func TestGuardNilEngine(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Session-Token", "live")
	Guard(nil, nil)(http.NotFoundHandler()).ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestRequireMethods(t *testing.T) {
	h := guarded(t, fakeAuth{"live": nil}, RequireMethods(nil, "totp"))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Session-Token", "live")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 without totp, got %d", rec.Code)
	}

	h = guarded(t, fakeAuth{"live": nil}, RequireMethods(nil, "password"))
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204 with password, got %d", rec.Code)
	}
}

func TestClientIP(t *testing.T) {
	var got string
	capture := http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		got = authflow.ClientIPFromContext(r.Context())
	})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "198.51.100.4:5123"
	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")

	ClientIP(false)(capture).ServeHTTP(httptest.NewRecorder(), req)
	if got != "198.51.100.4" {
		t.Fatalf("untrusted proxy: got %q", got)
	}
	ClientIP(true)(capture).ServeHTTP(httptest.NewRecorder(), req)
	if got != "203.0.113.9" {
		t.Fatalf("trusted proxy: got %q", got)
	}
}
