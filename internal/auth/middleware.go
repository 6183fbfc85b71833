package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

type contextKey string

const principalKey contextKey = "principal"

// Authenticator accepts either credential kind. Either field may be nil.
type Authenticator struct {
	Tokens *TokenService
	Keys   *KeyStore
}

// Enabled reports whether any credential is configured.
func (a *Authenticator) Enabled() bool {
	return a != nil && (a.Tokens != nil || (a.Keys != nil && a.Keys.Len() > 0))
}

// Authenticate returns the caller's principal: "token:<subject>" or
// "key:<name>".
func (a *Authenticator) Authenticate(r *http.Request) (string, error) {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") || a.Tokens == nil {
			return "", errors.New("auth: unsupported authorization header")
		}
		subject, err := a.Tokens.Validate(strings.TrimSpace(token))
		if err != nil {
			return "", err
		}
		return "token:" + subject, nil
	}

	if key := r.Header.Get("X-API-Key"); key != "" && a.Keys != nil {
		name, err := a.Keys.Verify(key)
		if err != nil {
			return "", err
		}
		return "key:" + name, nil
	}

	return "", errors.New("auth: no credentials")
}

// Require rejects unauthenticated requests with 401 when authentication is
// configured, and passes everything through when it isn't.
func Require(a *Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if !a.Enabled() {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, err := a.Authenticate(r)
			if err != nil {
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("WWW-Authenticate", `Bearer realm="runbox"`)
				w.WriteHeader(http.StatusUnauthorized)
				w.Write([]byte(`{"error":"unauthorized","message":"valid authentication required"}`))
				return
			}

			ctx := context.WithValue(r.Context(), principalKey, principal)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// PrincipalFromContext returns the principal set by Require.
func PrincipalFromContext(ctx context.Context) (string, bool) {
	p, ok := ctx.Value(principalKey).(string)
	return p, ok && p != ""
}
