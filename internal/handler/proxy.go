package handler

import (
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ailways/study-relay/internal/backend"
	apperrors "github.com/ailways/study-relay/internal/errors"
	"github.com/ailways/study-relay/internal/middleware"
)

const maxProxyBodyBytes = 1 << 20

// ProxyHandler passes /api calls through to the backend with the caller's
// bearer token. Responses are returned as the backend sent them.
type ProxyHandler struct {
	client *backend.Client
}

func NewProxyHandler(client *backend.Client) *ProxyHandler {
	return &ProxyHandler{client: client}
}

func (h *ProxyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var body []byte
	if r.Body != nil {
		data, err := io.ReadAll(io.LimitReader(r.Body, maxProxyBodyBytes+1))
		if err != nil {
			writeError(w, apperrors.InvalidInput("body", "unreadable body").WithStatus(http.StatusBadRequest))
			return
		}
		if len(data) > maxProxyBodyBytes {
			writeError(w, apperrors.InvalidInput("body", "request body too large").WithStatus(http.StatusRequestEntityTooLarge))
			return
		}
		if len(data) > 0 {
			body = data
		}
	}

	path := "/api/" + chi.URLParam(r, "*")
	resp, err := h.client.Forward(r.Context(), middleware.GetPrincipal(r.Context()), backend.Request{
		Method:      r.Method,
		Path:        path,
		Query:       r.URL.Query(),
		Body:        body,
		ContentType: r.Header.Get("Content-Type"),
	})
	if err != nil {
		writeError(w, err)
		return
	}

	relay(w, resp)
}
