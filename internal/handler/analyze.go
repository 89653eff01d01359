package handler

import (
	"errors"
	"io"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/ailways/study-relay/internal/backend"
	"github.com/ailways/study-relay/internal/capture"
	"github.com/ailways/study-relay/internal/config"
	apperrors "github.com/ailways/study-relay/internal/errors"
	"github.com/ailways/study-relay/internal/middleware"
)

// AnalyzeHandler relays frames uploaded by browser clients to the backend
// analysis endpoint.
type AnalyzeHandler struct {
	client *backend.Client
}

func NewAnalyzeHandler(client *backend.Client) *AnalyzeHandler {
	return &AnalyzeHandler{client: client}
}

// POST /api/sessions/{sessionId}/distractions/analyze
func (h *AnalyzeHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	principal := middleware.GetPrincipal(ctx)

	pair, err := h.client.Tokens().Get(ctx, principal)
	if principal == "" || err != nil || (pair.AccessToken == "" && pair.RefreshToken == "") {
		writeError(w, apperrors.Unauthorized("Login required").WithStatus(http.StatusUnauthorized))
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, config.MaxFrameUploadBytes)
	if err := r.ParseMultipartForm(config.MaxFrameUploadBytes); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, apperrors.InvalidInput("file", "frame too large").WithStatus(http.StatusRequestEntityTooLarge))
			return
		}
		writeError(w, apperrors.MissingRequired("file").WithStatus(http.StatusBadRequest))
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, apperrors.MissingRequired("file").WithStatus(http.StatusBadRequest))
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, apperrors.InvalidInput("file", "unreadable upload").WithStatus(http.StatusBadRequest))
		return
	}

	frame := capture.Blob{
		Data:        data,
		ContentType: header.Header.Get("Content-Type"),
		Ext:         strings.TrimPrefix(filepath.Ext(header.Filename), "."),
	}
	if frame.ContentType == "" {
		frame.ContentType = http.DetectContentType(data)
	}

	body, contentType, err := backend.FrameForm(frame)
	if err != nil {
		writeError(w, apperrors.Internal("Failed to encode upload").WithCause(err))
		return
	}

	sessionID := chi.URLParam(r, "sessionId")
	resp, err := h.client.Forward(ctx, principal, backend.Request{
		Method:      http.MethodPost,
		Path:        "/api/sessions/" + url.PathEscape(sessionID) + "/distractions/analyze",
		Body:        body,
		ContentType: contentType,
	})
	if err != nil {
		log.Warn().Err(err).Str("sessionId", sessionID).Msg("analyze relay failed")
		writeError(w, err)
		return
	}

	relay(w, resp)
}

// relay copies a backend response to the client, defaulting to JSON.
func relay(w http.ResponseWriter, resp *backend.Response) {
	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/json"
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(resp.Status)
	w.Write(resp.Body)
}
