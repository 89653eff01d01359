package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ailways/study-relay/internal/config"
	apperrors "github.com/ailways/study-relay/internal/errors"
	"github.com/ailways/study-relay/internal/service"
)

func principalCookie(resp *http.Response) *http.Cookie {
	for _, c := range resp.Cookies() {
		if c.Name == config.PrincipalCookieName {
			return c
		}
	}
	return nil
}

func TestAuthHandler_Login(t *testing.T) {
	h := newHarness(t)

	t.Run("sets principal cookie", func(t *testing.T) {
		resp := h.do(t, http.MethodPost, "/auth/login", "",
			strings.NewReader(`{"userId":"mentee01","userPw":"pw"}`), "application/json")
		require.Equal(t, http.StatusOK, resp.StatusCode)

		cookie := principalCookie(resp)
		require.NotNil(t, cookie)
		assert.True(t, cookie.HttpOnly)

		body := decodeEnvelope(t, resp)
		var data struct {
			UserID string `json:"userId"`
			Token  string `json:"token"`
		}
		require.NoError(t, json.Unmarshal(body.Data, &data))
		assert.Equal(t, "mentee01", data.UserID)
		assert.Equal(t, cookie.Value, data.Token)

		pair, err := h.store.Get(context.Background(), service.Principal(cookie.Value))
		require.NoError(t, err)
		assert.Equal(t, "access-1", pair.AccessToken)
	})

	t.Run("issues a new credential over a presented one", func(t *testing.T) {
		h.login(t, "planted")

		resp := h.do(t, http.MethodPost, "/auth/login", "planted",
			strings.NewReader(`{"userId":"mentee01","userPw":"pw"}`), "application/json")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		cookie := principalCookie(resp)
		require.NotNil(t, cookie)
		assert.NotEqual(t, "planted", cookie.Value)

		pair, err := h.store.Get(context.Background(), service.Principal("planted"))
		require.NoError(t, err)
		assert.Empty(t, pair.AccessToken)
	})

	t.Run("wrong password", func(t *testing.T) {
		resp := h.do(t, http.MethodPost, "/auth/login", "",
			strings.NewReader(`{"userId":"mentee01","userPw":"nope"}`), "application/json")
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		assert.Nil(t, principalCookie(resp))

		body := decodeEnvelope(t, resp)
		require.NotNil(t, body.Error)
		assert.Equal(t, "Wrong password", body.Error.Message)
	})

	t.Run("invalid body", func(t *testing.T) {
		resp := h.do(t, http.MethodPost, "/auth/login", "", strings.NewReader(`{`), "application/json")
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("blank user id", func(t *testing.T) {
		resp := h.do(t, http.MethodPost, "/auth/login", "",
			strings.NewReader(`{"userId":"  ","userPw":"pw"}`), "application/json")
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Equal(t, "MISSING_REQUIRED", decodeEnvelope(t, resp).Error.Code)
	})
}

func TestAuthHandler_SocialCallback(t *testing.T) {
	h := newHarness(t)

	resp := h.do(t, http.MethodPost, "/auth/social/callback", "",
		strings.NewReader(`{"accessToken":"social-access","refreshToken":"social-refresh","userId":"mentee03"}`), "application/json")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	cookie := principalCookie(resp)
	require.NotNil(t, cookie)
	assert.True(t, cookie.HttpOnly)

	pair, err := h.store.Get(context.Background(), service.Principal(cookie.Value))
	require.NoError(t, err)
	assert.Equal(t, "social-access", pair.AccessToken)
	assert.Equal(t, "social-refresh", pair.RefreshToken)

	resp = h.do(t, http.MethodPost, "/auth/social/callback", "", strings.NewReader(`{}`), "application/json")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "MISSING_REQUIRED", decodeEnvelope(t, resp).Error.Code)
	assert.Nil(t, principalCookie(resp))
}

func TestAuthHandler_Logout(t *testing.T) {
	h := newHarness(t)
	h.login(t, "cred")

	resp := h.do(t, http.MethodPost, "/auth/logout", "cred", nil, "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	cookie := principalCookie(resp)
	require.NotNil(t, cookie)
	assert.Equal(t, -1, cookie.MaxAge)

	pair, err := h.store.Get(context.Background(), service.Principal("cred"))
	require.NoError(t, err)
	assert.Empty(t, pair.AccessToken)
	assert.Empty(t, pair.RefreshToken)

	resp = h.do(t, http.MethodPost, "/auth/logout", "", nil, "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestAuthHandler_Refresh(t *testing.T) {
	h := newHarness(t)
	h.login(t, "cred")

	resp := h.do(t, http.MethodPost, "/auth/refresh", "cred", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	pair, err := h.store.Get(context.Background(), service.Principal("cred"))
	require.NoError(t, err)
	assert.Equal(t, "access-2", pair.AccessToken)

	resp = h.do(t, http.MethodPost, "/auth/refresh", "", nil, "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = h.do(t, http.MethodPost, "/auth/refresh", "stranger", nil, "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestAuthHandler_RefreshSession(t *testing.T) {
	h := newHarness(t)
	h.login(t, "cred")

	resp := h.do(t, http.MethodGet, "/refresh-session?next=/learning-screen", "cred", nil, "")
	assert.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, "/learning-screen", resp.Header.Get("Location"))

	resp = h.do(t, http.MethodGet, "/refresh-session?next=/home", "", nil, "")
	assert.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, "/login", resp.Header.Get("Location"))

	resp = h.do(t, http.MethodGet, "/refresh-session?next=/home", "stranger", nil, "")
	assert.Equal(t, "/login", resp.Header.Get("Location"))
}

func TestNextPath(t *testing.T) {
	tests := []struct {
		next string
		want string
	}{
		{"/learning-screen", "/learning-screen"},
		{"/weekly-report?week=3", "/weekly-report?week=3"},
		{"", "/login"},
		{"learning", "/login"},
		{"//evil.example", "/login"},
		{"https://evil.example/", "/login"},
	}

	for _, tt := range tests {
		t.Run(tt.next, func(t *testing.T) {
			assert.Equal(t, tt.want, nextPath(tt.next))
		})
	}
}

func TestSessionExpired(t *testing.T) {
	assert.True(t, sessionExpired(apperrors.Unauthorized("Session expired, login again")))
	assert.False(t, sessionExpired(apperrors.Network(errors.New("timeout"))))
	assert.False(t, sessionExpired(apperrors.Backend(http.StatusServiceUnavailable, "maintenance", "")))
}
