package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/ailways/study-relay/internal/config"
	apperrors "github.com/ailways/study-relay/internal/errors"
	"github.com/ailways/study-relay/internal/service"
)

type contextKey string

const (
	PrincipalContextKey  contextKey = "principal"
	CredentialContextKey contextKey = "credential"
)

// GetPrincipal returns the token-store key of the caller, or "".
func GetPrincipal(ctx context.Context) string {
	if p, ok := ctx.Value(PrincipalContextKey).(string); ok {
		return p
	}
	return ""
}

// GetCredential returns the raw credential the caller presented, or "".
func GetCredential(ctx context.Context) string {
	if c, ok := ctx.Value(CredentialContextKey).(string); ok {
		return c
	}
	return ""
}

// Principal resolves the caller's credential from the AIL_SID cookie, a
// bearer header or a token query parameter. Requests without one pass
// through anonymously.
func Principal(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		credential := extractCredential(r)
		if credential == "" {
			next.ServeHTTP(w, r)
			return
		}

		ctx := context.WithValue(r.Context(), CredentialContextKey, credential)
		ctx = context.WithValue(ctx, PrincipalContextKey, service.Principal(credential))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequirePrincipal rejects anonymous requests.
func RequirePrincipal(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if GetPrincipal(r.Context()) == "" {
			writeError(w, http.StatusUnauthorized, apperrors.Unauthorized("Login required"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func extractCredential(r *http.Request) string {
	if cookie, err := r.Cookie(config.PrincipalCookieName); err == nil && cookie.Value != "" {
		return cookie.Value
	}

	authHeader := r.Header.Get("Authorization")
	if strings.HasPrefix(authHeader, "Bearer ") {
		return strings.TrimPrefix(authHeader, "Bearer ")
	}

	// EventSource and WebSocket clients cannot set headers.
	return r.URL.Query().Get("token")
}

func SetPrincipalCookie(w http.ResponseWriter, credential string, secure bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     config.PrincipalCookieName,
		Value:    credential,
		Path:     "/",
		MaxAge:   int(config.PrincipalCookieMaxAge.Seconds()),
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	})
}

func ClearPrincipalCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:   config.PrincipalCookieName,
		Value:  "",
		Path:   "/",
		MaxAge: -1,
	})
}
