package backend

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"github.com/rs/zerolog/log"

	apperrors "github.com/ailways/study-relay/internal/errors"
	"github.com/ailways/study-relay/internal/model"
)

const (
	loginPath  = "/api/auth/local/login"
	logoutPath = "/api/auth/logout"
)

var notFoundMessage = regexp.MustCompile(`(?i)not[\s_-]*found`)

type loginArgs struct {
	UserID string `json:"userId" validate:"notblank"`
	UserPw string `json:"userPw" validate:"required"`
}

// Login authenticates against the backend and stores the issued tokens under
// principal.
func (c *Client) Login(ctx context.Context, principal, userID, userPw string) (*model.Tokens, error) {
	args := loginArgs{UserID: strings.TrimSpace(userID), UserPw: userPw}
	if err := c.validateArgs(args); err != nil {
		return nil, err
	}

	var data model.Tokens
	err := c.Do(ctx, Request{Method: http.MethodPost, Path: loginPath, JSON: args}, &data)
	if err != nil {
		return nil, loginError(err)
	}

	if data.AccessToken == "" {
		return nil, apperrors.InvalidToken("Login returned no access token").WithStatus(http.StatusBadGateway)
	}
	if data.TokenType != "" && !strings.EqualFold(data.TokenType, "bearer") {
		return nil, apperrors.InvalidToken(fmt.Sprintf("Unsupported token type: %s", data.TokenType)).
			WithStatus(http.StatusBadGateway)
	}

	if err := c.Store(ctx, principal, data); err != nil {
		return nil, err
	}
	return &data, nil
}

func loginError(err error) error {
	appErr, ok := apperrors.AsAppError(err)
	if !ok {
		return err
	}

	switch {
	case appErr.Status == http.StatusNotFound,
		appErr.Code == "USER_NOT_FOUND",
		notFoundMessage.MatchString(appErr.Message):
		return apperrors.NotFound("User").WithStatus(http.StatusNotFound).WithCause(err)
	case appErr.Status == http.StatusUnauthorized:
		return apperrors.Unauthorized("Wrong password").WithStatus(http.StatusUnauthorized).WithCause(err)
	}
	return err
}

// Logout tells the backend to revoke the session and always drops the
// stored tokens.
func (c *Client) Logout(ctx context.Context, principal string) error {
	if err := c.DoWithAuth(ctx, principal, Request{Method: http.MethodPost, Path: logoutPath}, nil); err != nil {
		log.Debug().Err(err).Str("principal", principal).Msg("backend logout failed")
	}
	if err := c.tokens.Clear(ctx, principal); err != nil {
		return apperrors.Internal("Failed to clear credentials").WithCause(err)
	}
	return nil
}
