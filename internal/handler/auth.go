package handler

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/ailways/study-relay/internal/audit"
	apperrors "github.com/ailways/study-relay/internal/errors"
	"github.com/ailways/study-relay/internal/middleware"
	"github.com/ailways/study-relay/internal/model"
	"github.com/ailways/study-relay/internal/service"
)

const loginPage = "/login"

type AuthHandler struct {
	authService   *service.AuthService
	secureCookies bool
}

func NewAuthHandler(authService *service.AuthService, secureCookies bool) *AuthHandler {
	return &AuthHandler{authService: authService, secureCookies: secureCookies}
}

// Routes mounts under /auth. login is wrapped so it can be rate limited
// separately.
func (h *AuthHandler) Routes(loginLimit func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()

	r.With(loginLimit).Post("/login", h.Login)
	r.With(loginLimit).Post("/social/callback", h.SocialCallback)
	r.Post("/logout", h.Logout)
	r.Post("/refresh", h.Refresh)

	return r
}

// POST /auth/login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID string `json:"userId"`
		UserPw string `json:"userPw"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	result, err := h.authService.Login(r.Context(), middleware.GetCredential(r.Context()), req.UserID, req.UserPw)
	if err != nil {
		audit.LogFromRequest(r, audit.Event{
			Type:    audit.EventLoginFailure,
			UserID:  strings.TrimSpace(req.UserID),
			Details: map[string]interface{}{"code": string(apperrors.GetCode(err))},
		})
		writeError(w, err)
		return
	}

	middleware.SetPrincipalCookie(w, result.Credential, h.secureCookies)
	audit.LogFromRequest(r, audit.Event{
		Type:      audit.EventLoginSuccess,
		UserID:    result.UserID,
		Principal: service.Principal(result.Credential),
	})

	writeData(w, http.StatusOK, map[string]any{
		"userId": result.UserID,
		"token":  result.Credential,
	})
}

// POST /auth/social/callback
// The social login page hands over the tokens the backend issued; they are
// stored under a new principal cookie.
func (h *AuthHandler) SocialCallback(w http.ResponseWriter, r *http.Request) {
	var req model.Tokens
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	result, err := h.authService.SocialLogin(r.Context(), middleware.GetCredential(r.Context()), req)
	if err != nil {
		audit.LogFromRequest(r, audit.Event{
			Type:    audit.EventLoginFailure,
			Details: map[string]interface{}{"code": string(apperrors.GetCode(err)), "flow": "social"},
		})
		writeError(w, err)
		return
	}

	middleware.SetPrincipalCookie(w, result.Credential, h.secureCookies)
	audit.LogFromRequest(r, audit.Event{
		Type:      audit.EventLoginSuccess,
		UserID:    result.UserID,
		Principal: service.Principal(result.Credential),
		Details:   map[string]interface{}{"flow": "social"},
	})

	writeData(w, http.StatusOK, map[string]any{
		"userId": result.UserID,
		"token":  result.Credential,
	})
}

// POST /auth/logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	principal := middleware.GetPrincipal(r.Context())
	if principal != "" {
		if err := h.authService.Logout(r.Context(), principal); err != nil {
			log.Error().Err(err).Msg("failed to clear credentials on logout")
		}
		audit.LogFromRequest(r, audit.Event{Type: audit.EventLogout, Principal: principal})
	}

	middleware.ClearPrincipalCookie(w)
	w.WriteHeader(http.StatusNoContent)
}

// POST /auth/refresh
func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	principal := middleware.GetPrincipal(r.Context())
	if principal == "" {
		writeError(w, apperrors.Unauthorized("Login required"))
		return
	}

	if err := h.authService.Refresh(r.Context(), principal); err != nil {
		if sessionExpired(err) {
			middleware.ClearPrincipalCookie(w)
		}
		writeError(w, err)
		return
	}

	writeData(w, http.StatusOK, map[string]bool{"refreshed": true})
}

// GET /refresh-session?next=/path
// Browser entry point: refreshes and redirects to next, or to the login page
// when the session cannot be renewed.
func (h *AuthHandler) RefreshSession(w http.ResponseWriter, r *http.Request) {
	principal := middleware.GetPrincipal(r.Context())
	if principal == "" {
		middleware.ClearPrincipalCookie(w)
		http.Redirect(w, r, loginPage, http.StatusFound)
		return
	}

	if err := h.authService.Refresh(r.Context(), principal); err != nil {
		log.Debug().Err(err).Msg("session refresh failed")
		if sessionExpired(err) {
			middleware.ClearPrincipalCookie(w)
		}
		http.Redirect(w, r, loginPage, http.StatusFound)
		return
	}

	http.Redirect(w, r, nextPath(r.URL.Query().Get("next")), http.StatusFound)
}

// sessionExpired reports whether a refresh failed because the backend no
// longer accepts the principal's tokens, rather than being unreachable.
func sessionExpired(err error) bool {
	return apperrors.GetCode(err) == apperrors.ErrCodeUnauthorized
}

// nextPath accepts only same-site absolute paths.
func nextPath(next string) string {
	if !strings.HasPrefix(next, "/") || strings.HasPrefix(next, "//") {
		return loginPage
	}
	if u, err := url.Parse(next); err != nil || u.Host != "" {
		return loginPage
	}
	return next
}
