package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/ailways/study-relay/internal/backend"
	apperrors "github.com/ailways/study-relay/internal/errors"
	"github.com/ailways/study-relay/internal/model"
	"github.com/ailways/study-relay/internal/util"
)

type LoginResult struct {
	// Credential is the opaque value the client presents on later calls.
	Credential string
	UserID     string
}

// AuthService maps relay credentials to backend tokens. A credential is a
// random token handed to the client; its hash is the principal under which
// backend tokens are stored.
type AuthService struct {
	client *backend.Client
}

func NewAuthService(client *backend.Client) *AuthService {
	return &AuthService{client: client}
}

// Principal derives the token-store key for a client credential.
func Principal(credential string) string {
	if credential == "" {
		return ""
	}
	return util.HashToken(credential)
}

// Login authenticates with the backend under a freshly issued credential.
// A credential the caller already presented is never promoted to the new
// session; its tokens are dropped once the login succeeds.
func (s *AuthService) Login(ctx context.Context, previous, userID, userPw string) (*LoginResult, error) {
	credential, err := util.NewCredential()
	if err != nil {
		return nil, fmt.Errorf("generate credential: %w", err)
	}

	tokens, err := s.client.Login(ctx, Principal(credential), userID, userPw)
	if err != nil {
		return nil, err
	}
	s.forget(ctx, previous)
	return &LoginResult{Credential: credential, UserID: tokens.UserID}, nil
}

// SocialLogin stores tokens a social login callback received from the
// backend, under a freshly issued credential.
func (s *AuthService) SocialLogin(ctx context.Context, previous string, tokens model.Tokens) (*LoginResult, error) {
	tokens.AccessToken = strings.TrimSpace(tokens.AccessToken)
	if tokens.AccessToken == "" {
		return nil, apperrors.MissingRequired("accessToken")
	}

	credential, err := util.NewCredential()
	if err != nil {
		return nil, fmt.Errorf("generate credential: %w", err)
	}
	if err := s.client.Store(ctx, Principal(credential), tokens); err != nil {
		return nil, err
	}
	s.forget(ctx, previous)
	return &LoginResult{Credential: credential, UserID: tokens.UserID}, nil
}

// forget drops the tokens held for a replaced credential.
func (s *AuthService) forget(ctx context.Context, credential string) {
	if credential == "" {
		return
	}
	if err := s.client.Tokens().Clear(ctx, Principal(credential)); err != nil {
		log.Warn().Err(err).Msg("failed to clear replaced credential")
	}
}

func (s *AuthService) Logout(ctx context.Context, principal string) error {
	return s.client.Logout(ctx, principal)
}

func (s *AuthService) Refresh(ctx context.Context, principal string) error {
	return s.client.RefreshNow(ctx, principal)
}
