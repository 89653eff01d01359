package handler

import (
	"context"
	"encoding/json"
	"image"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/ailways/study-relay/internal/backend"
	"github.com/ailways/study-relay/internal/capture"
	"github.com/ailways/study-relay/internal/config"
	"github.com/ailways/study-relay/internal/middleware"
	"github.com/ailways/study-relay/internal/sampler"
	"github.com/ailways/study-relay/internal/service"
	"github.com/ailways/study-relay/internal/sse"
	"github.com/ailways/study-relay/internal/tokens"
)

// call is what the upstream saw on its most recent request.
type call struct {
	auth     string
	path     string
	query    string
	ct       string
	body     []byte
	fileName string
	fileCT   string
	fileData []byte
}

// upstream is a stand-in for the AIL-ways backend.
type upstream struct {
	mu   sync.Mutex
	last call
}

func envelope(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{"success": true, "data": data})
}

func (u *upstream) record(r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	u.mu.Lock()
	defer u.mu.Unlock()
	u.last = call{
		auth:  r.Header.Get("Authorization"),
		path:  r.URL.Path,
		query: r.URL.RawQuery,
		ct:    r.Header.Get("Content-Type"),
		body:  body,
	}
}

func (u *upstream) snapshot() call {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.last
}

func (u *upstream) routes() http.Handler {
	r := chi.NewRouter()

	r.Post("/api/auth/local/login", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		if body["userPw"] != "pw" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"success":false,"error":"bad credentials"}`))
			return
		}
		envelope(w, http.StatusOK, map[string]any{
			"accessToken": "access-1", "tokenType": "Bearer", "userId": body["userId"], "refreshToken": "refresh-1",
		})
	})
	r.Post("/api/auth/token/refresh", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		if body["refreshToken"] != "refresh-1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		envelope(w, http.StatusOK, map[string]any{"accessToken": "access-2"})
	})
	r.Post("/api/auth/logout", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	r.Post("/api/sessions/start", func(w http.ResponseWriter, r *http.Request) {
		u.record(r)
		matchID := r.URL.Query().Get("matchId")
		envelope(w, http.StatusOK, map[string]any{
			"sessionId": "s-" + matchID, "matchId": matchID,
			"mentorUserId": r.URL.Query().Get("mentorUserId"), "status": "ACTIVE",
		})
	})
	r.Post("/api/sessions/{id}/distractions/analyze", func(w http.ResponseWriter, r *http.Request) {
		if chi.URLParam(r, "id") == "boom" {
			w.Header().Set("Content-Type", "text/plain")
			w.WriteHeader(http.StatusInternalServerError)
			w.Write([]byte("exploded"))
			return
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		data, _ := io.ReadAll(file)
		u.mu.Lock()
		u.last = call{
			auth:     r.Header.Get("Authorization"),
			path:     r.URL.Path,
			fileName: header.Filename,
			fileCT:   header.Header.Get("Content-Type"),
			fileData: data,
		}
		u.mu.Unlock()
		envelope(w, http.StatusOK, map[string]any{"events": map[string]bool{"PHONE": false}})
	})
	r.Post("/api/sessions/{id}/studyLogs", func(w http.ResponseWriter, r *http.Request) {
		u.record(r)
		envelope(w, http.StatusOK, map[string]any{
			"sessionId": chi.URLParam(r, "id"),
			"studyLogs": []map[string]string{{"content": r.URL.Query().Get("content")}},
		})
	})
	r.Post("/api/sessions/{id}/end", func(w http.ResponseWriter, r *http.Request) {
		u.record(r)
		envelope(w, http.StatusOK, map[string]any{"sessionId": chi.URLParam(r, "id"), "status": "ENDED"})
	})
	r.Get("/api/matches", func(w http.ResponseWriter, r *http.Request) {
		u.record(r)
		envelope(w, http.StatusOK, []map[string]string{{"matchId": "m-1"}})
	})
	r.Post("/api/boards/{id}/entries", func(w http.ResponseWriter, r *http.Request) {
		u.record(r)
		envelope(w, http.StatusCreated, map[string]string{"entryId": "e-1"})
	})

	return r
}

type idleStream struct{}

func (idleStream) CurrentFrame() (image.Image, error) {
	return image.NewRGBA(image.Rect(0, 0, 64, 48)), nil
}

func (idleStream) StopAllTracks() {}

type harness struct {
	upstream *upstream
	store    tokens.Store
	client   *backend.Client
	learning *service.LearningService
	broker   *sse.Broker
	server   *httptest.Server
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	up := &upstream{}
	backendServer := httptest.NewServer(up.routes())
	t.Cleanup(backendServer.Close)

	h := &harness{
		upstream: up,
		store:    tokens.NewMemoryStore(time.Hour, time.Hour),
		broker:   sse.NewBroker(nil),
	}
	t.Cleanup(h.broker.Close)

	h.client = backend.NewClient(backendServer.URL, h.store)
	h.learning = service.NewLearningService(context.Background(), h.client, nil, h.broker,
		func() (capture.Stream, error) { return idleStream{}, nil },
		sampler.Options{Interval: time.Hour})
	t.Cleanup(h.learning.Shutdown)

	authHandler := NewAuthHandler(service.NewAuthService(h.client), false)
	learningHandler := NewLearningHandler(h.learning)
	eventsHandler := NewEventsHandler(h.broker, h.learning)
	wsHandler := NewWSHandler(h.broker, h.learning)

	r := chi.NewRouter()
	r.Use(middleware.Principal)
	r.Mount("/auth", authHandler.Routes(middleware.NewLoginRateLimiter().Handler))
	r.Get("/refresh-session", authHandler.RefreshSession)
	r.Route("/api", func(r chi.Router) {
		r.Post("/sessions/{sessionId}/distractions/analyze", NewAnalyzeHandler(h.client).ServeHTTP)
		r.Handle("/*", NewProxyHandler(h.client))
	})
	r.Route("/v1/learning", func(r chi.Router) {
		r.Use(middleware.RequirePrincipal)
		r.Get("/{sessionId}/events", eventsHandler.ServeHTTP)
		r.Get("/{sessionId}/ws", wsHandler.ServeHTTP)
		r.Mount("/", learningHandler.Routes())
	})

	h.server = httptest.NewServer(r)
	t.Cleanup(h.server.Close)
	return h
}

// login stores backend tokens for credential as if the caller had logged in.
func (h *harness) login(t *testing.T, credential string) {
	t.Helper()
	principal := service.Principal(credential)
	require.NoError(t, h.store.SaveAccess(context.Background(), principal, "access-1"))
	require.NoError(t, h.store.SaveRefresh(context.Background(), principal, "refresh-1", 0))
}

func (h *harness) do(t *testing.T, method, path, credential string, body io.Reader, contentType string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, h.server.URL+path, body)
	require.NoError(t, err)
	if credential != "" {
		req.AddCookie(&http.Cookie{Name: config.PrincipalCookieName, Value: credential})
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	client := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}}
	resp, err := client.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

type envelopeBody struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func decodeEnvelope(t *testing.T, resp *http.Response) envelopeBody {
	t.Helper()
	var body envelopeBody
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body
}
