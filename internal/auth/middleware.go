package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

type contextKey string

const principalKey contextKey = "principal"

// PrincipalFromContext retrieves the authenticated caller from the request
// context. Returns nil if none is set.
func PrincipalFromContext(ctx context.Context) *Principal {
	if p, ok := ctx.Value(principalKey).(*Principal); ok {
		return p
	}
	return nil
}

// WithPrincipal stores the caller in ctx.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// BearerAuth returns an HTTP middleware that validates Bearer token authentication.
// On success, the resolved Principal is stored in the request context.
// onFailure, if non-nil, is called for every rejected request.
func BearerAuth(store KeyStore, onFailure func()) func(http.Handler) http.Handler {
	reject := func(w http.ResponseWriter, msg string, status int) {
		if onFailure != nil {
			onFailure()
		}
		w.Header().Set("Content-Type", "application/json")
		http.Error(w, `{"code":"unauthorized","error":"`+msg+`"}`, status)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				reject(w, "authorization header required", http.StatusUnauthorized)
				return
			}

			scheme, token, ok := strings.Cut(authHeader, " ")
			if !ok || !strings.EqualFold(scheme, "Bearer") {
				reject(w, "invalid authorization format, expected Bearer <token>", http.StatusUnauthorized)
				return
			}
			token = strings.TrimSpace(token)
			if token == "" {
				reject(w, "empty API key", http.StatusUnauthorized)
				return
			}

			p, err := store.Lookup(r.Context(), token)
			if err != nil {
				if errors.Is(err, ErrInvalidKey) {
					reject(w, "invalid API key", http.StatusUnauthorized)
				} else {
					reject(w, "authentication unavailable", http.StatusServiceUnavailable)
				}
				return
			}

			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
		})
	}
}
