package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/ailways/study-relay/internal/audit"
	"github.com/ailways/study-relay/internal/config"
	apperrors "github.com/ailways/study-relay/internal/errors"
	"github.com/ailways/study-relay/internal/model"
	"github.com/ailways/study-relay/internal/tokens"
)

const (
	refreshPath      = "/api/auth/token/refresh"
	maxResponseBytes = 16 << 20
)

var absoluteURL = regexp.MustCompile(`(?i)^(https?:)?//`)

// Request describes one backend call. Body is kept as bytes so the call can
// be replayed after a token refresh.
type Request struct {
	Method      string
	Path        string
	Query       url.Values
	JSON        any
	Body        []byte
	ContentType string
	Header      http.Header
}

// Response is a raw backend response.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

func (r *Response) OK() bool {
	return r.Status >= 200 && r.Status < 300
}

// Client talks to the AIL-ways backend. Authenticated calls carry the
// principal's bearer token and transparently refresh it once on 401.
type Client struct {
	baseURL   string
	http      *http.Client
	tokens    tokens.Store
	validate  *validator.Validate
	refreshes singleflight.Group
}

func NewClient(baseURL string, store tokens.Store) *Client {
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		http:     &http.Client{Timeout: config.BackendRequestTimeout},
		tokens:   store,
		validate: newValidator(),
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.http = hc
	return c
}

func (c *Client) Tokens() tokens.Store {
	return c.tokens
}

func (c *Client) resolveURL(path string, query url.Values) string {
	u := path
	if !absoluteURL.MatchString(path) {
		u = c.baseURL + path
	}
	if len(query) > 0 {
		sep := "?"
		if strings.Contains(u, "?") {
			sep = "&"
		}
		u += sep + query.Encode()
	}
	return u
}

func (c *Client) newHTTPRequest(ctx context.Context, req Request, token string) (*http.Request, error) {
	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}

	body := req.Body
	contentType := req.ContentType
	if req.JSON != nil {
		encoded, err := json.Marshal(req.JSON)
		if err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		body = encoded
		if contentType == "" {
			contentType = "application/json"
		}
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, c.resolveURL(req.Path, req.Query), reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	if body != nil && method != http.MethodGet && method != http.MethodHead && httpReq.Header.Get("Content-Type") == "" {
		if contentType == "" {
			contentType = "application/json"
		}
		httpReq.Header.Set("Content-Type", contentType)
	}
	httpReq.Header.Set("Accept", "application/json")
	if token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}
	return httpReq, nil
}

func (c *Client) send(ctx context.Context, req Request, token string) (*Response, error) {
	httpReq, err := c.newHTTPRequest(ctx, req, token)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	if err != nil {
		log.Warn().Err(err).Str("method", httpReq.Method).Str("path", req.Path).Msg("backend request failed")
		return nil, apperrors.Network(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, apperrors.Network(err).WithStatus(resp.StatusCode)
	}

	log.Debug().
		Str("method", httpReq.Method).
		Str("path", req.Path).
		Int("status", resp.StatusCode).
		Dur("duration", time.Since(start)).
		Msg("backend request")

	return &Response{Status: resp.StatusCode, Header: resp.Header, Body: body}, nil
}

func handleResponse(resp *Response, out any) error {
	var data json.RawMessage
	if resp.OK() {
		var err error
		data, err = parseEnvelope(resp.Status, resp.Body)
		if err != nil {
			return err
		}
	} else {
		return errorFromBody(resp.Status, resp.Header.Get("Content-Type"), resp.Body)
	}

	if out == nil || len(data) == 0 || string(data) == "null" {
		return nil
	}
	if raw, ok := out.(*json.RawMessage); ok {
		*raw = append((*raw)[:0], data...)
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return apperrors.Wrap(apperrors.ErrCodeInvalidEnvelope, "Unexpected response data", err).WithStatus(resp.Status)
	}
	return nil
}

// Do performs an unauthenticated call and decodes the envelope data into out.
func (c *Client) Do(ctx context.Context, req Request, out any) error {
	resp, err := c.send(ctx, req, "")
	if err != nil {
		return err
	}
	return handleResponse(resp, out)
}

// DoWithAuth performs an authenticated call and decodes the envelope data
// into out.
func (c *Client) DoWithAuth(ctx context.Context, principal string, req Request, out any) error {
	resp, err := c.Forward(ctx, principal, req)
	if err != nil {
		return err
	}
	return handleResponse(resp, out)
}

// Forward performs an authenticated call and returns the raw response. A
// missing access token is refreshed first; a 401 triggers one refresh and
// one retry.
func (c *Client) Forward(ctx context.Context, principal string, req Request) (*Response, error) {
	token, err := c.accessToken(ctx, principal)
	if err != nil {
		return nil, err
	}

	resp, err := c.send(ctx, req, token)
	if err != nil {
		return nil, err
	}
	if resp.Status != http.StatusUnauthorized {
		return resp, nil
	}

	refreshed, err := c.refresh(ctx, principal)
	if err != nil || refreshed == "" {
		return resp, nil
	}
	return c.send(ctx, req, refreshed)
}

func (c *Client) accessToken(ctx context.Context, principal string) (string, error) {
	if principal == "" {
		return "", apperrors.Unauthorized("Login required").WithStatus(http.StatusUnauthorized)
	}

	pair, err := c.tokens.Get(ctx, principal)
	if err != nil {
		return "", apperrors.Internal("Failed to load credentials").WithCause(err)
	}
	if pair.AccessToken != "" {
		return pair.AccessToken, nil
	}

	token, err := c.refresh(ctx, principal)
	if err != nil {
		return "", err
	}
	if token == "" {
		return "", apperrors.Unauthorized("Login required").WithStatus(http.StatusUnauthorized)
	}
	return token, nil
}

// refresh exchanges the stored refresh token for a new access token.
// Concurrent refreshes for one principal share a single backend call, which
// outlives any one caller's request. An empty token means the principal has
// to log in again. Tokens are cleared only when the backend rejects the
// refresh token; transport failures leave them in place.
func (c *Client) refresh(ctx context.Context, principal string) (string, error) {
	ch := c.refreshes.DoChan(principal, func() (any, error) {
		refreshCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), config.TokenRefreshTimeout)
		defer cancel()
		return c.exchangeRefreshToken(refreshCtx, principal)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", apperrors.Network(ctx.Err())
	}
}

func (c *Client) exchangeRefreshToken(ctx context.Context, principal string) (string, error) {
	pair, err := c.tokens.Get(ctx, principal)
	if err != nil {
		return "", apperrors.Internal("Failed to load credentials").WithCause(err)
	}
	if pair.RefreshToken == "" {
		return "", nil
	}

	var data model.Tokens
	err = c.Do(ctx, Request{
		Method: http.MethodPost,
		Path:   refreshPath,
		JSON:   map[string]string{"refreshToken": pair.RefreshToken},
	}, &data)
	if err == nil && data.AccessToken == "" {
		err = apperrors.Backend(http.StatusBadGateway, "Token refresh returned no access token", "")
	}
	if err != nil {
		audit.Log(ctx, audit.Event{
			Type:      audit.EventTokenRefreshFailed,
			Principal: principal,
			Details:   map[string]interface{}{"code": string(apperrors.GetCode(err))},
		})
		if !refreshRejected(err) {
			log.Warn().Err(err).Str("principal", principal).Msg("token refresh failed, keeping credentials")
			return "", err
		}
		log.Warn().Err(err).Str("principal", principal).Msg("refresh token rejected, clearing credentials")
		if clearErr := c.tokens.Clear(ctx, principal); clearErr != nil {
			log.Error().Err(clearErr).Str("principal", principal).Msg("failed to clear credentials")
		}
		return "", nil
	}

	if err := c.Store(ctx, principal, data); err != nil {
		return "", err
	}
	audit.Log(ctx, audit.Event{Type: audit.EventTokenRefresh, Principal: principal, UserID: data.UserID})
	return data.AccessToken, nil
}

// refreshRejected reports whether the backend answered and refused the
// refresh token, either with a 4xx or with success:false.
func refreshRejected(err error) bool {
	appErr, ok := apperrors.AsAppError(err)
	if !ok {
		return false
	}
	switch appErr.Code {
	case apperrors.ErrCodeNetwork, apperrors.ErrCodeInvalidEnvelope, apperrors.ErrCodeInternal:
		return false
	}
	return appErr.Status > 0 && appErr.Status < http.StatusInternalServerError
}

// Store persists a login or refresh result for principal.
func (c *Client) Store(ctx context.Context, principal string, t model.Tokens) error {
	if err := c.tokens.SaveAccess(ctx, principal, t.AccessToken); err != nil {
		return apperrors.Internal("Failed to save credentials").WithCause(err)
	}
	if t.RefreshToken != "" {
		if err := c.tokens.SaveRefresh(ctx, principal, t.RefreshToken, t.RefreshTokenExpiresIn); err != nil {
			return apperrors.Internal("Failed to save credentials").WithCause(err)
		}
	}
	return nil
}

// RefreshNow forces a token refresh for principal.
func (c *Client) RefreshNow(ctx context.Context, principal string) error {
	token, err := c.refresh(ctx, principal)
	if err != nil {
		return err
	}
	if token == "" {
		return apperrors.Unauthorized("Session expired, login again").WithStatus(http.StatusUnauthorized)
	}
	return nil
}

