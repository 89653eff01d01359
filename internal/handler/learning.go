package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ailways/study-relay/internal/middleware"
	"github.com/ailways/study-relay/internal/service"
)

type LearningHandler struct {
	learningService *service.LearningService
}

func NewLearningHandler(learningService *service.LearningService) *LearningHandler {
	return &LearningHandler{learningService: learningService}
}

func (h *LearningHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/start", h.Start)
	r.Route("/{sessionId}", func(r chi.Router) {
		r.Get("/", h.Status)
		r.Get("/detections", h.Detections)
		r.Get("/detections/{detectionId}", h.Detection)
		r.Post("/feedback", h.Feedback)
		r.Post("/dismiss", h.Dismiss)
		r.Post("/visibility", h.Visibility)
		r.Post("/study-logs", h.AddStudyLog)
		r.Post("/question-logs", h.AddQuestionLog)
		r.Post("/end", h.End)
	})

	return r
}

// POST /v1/learning/start
func (h *LearningHandler) Start(w http.ResponseWriter, r *http.Request) {
	var req struct {
		MatchID      string `json:"matchId"`
		MentorUserID string `json:"mentorUserId"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	status, err := h.learningService.Start(r.Context(), middleware.GetPrincipal(r.Context()), req.MatchID, req.MentorUserID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeData(w, http.StatusCreated, status)
}

// GET /v1/learning/{sessionId}
func (h *LearningHandler) Status(w http.ResponseWriter, r *http.Request) {
	status, err := h.learningService.Status(middleware.GetPrincipal(r.Context()), chi.URLParam(r, "sessionId"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, status)
}

// GET /v1/learning/{sessionId}/detections?limit=
func (h *LearningHandler) Detections(w http.ResponseWriter, r *http.Request) {
	records, err := h.learningService.Detections(r.Context(),
		middleware.GetPrincipal(r.Context()), chi.URLParam(r, "sessionId"), ParseLimit(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, records)
}

// GET /v1/learning/{sessionId}/detections/{detectionId}
func (h *LearningHandler) Detection(w http.ResponseWriter, r *http.Request) {
	record, err := h.learningService.Detection(r.Context(), middleware.GetPrincipal(r.Context()),
		chi.URLParam(r, "sessionId"), chi.URLParam(r, "detectionId"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, record)
}

// POST /v1/learning/{sessionId}/feedback
func (h *LearningHandler) Feedback(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Comment string `json:"comment"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	ctx := r.Context()
	principal := middleware.GetPrincipal(ctx)
	sessionID := chi.URLParam(r, "sessionId")

	if err := h.learningService.SubmitFeedback(ctx, principal, sessionID, req.Comment); err != nil {
		writeError(w, err)
		return
	}
	h.writeStatus(w, principal, sessionID)
}

// POST /v1/learning/{sessionId}/dismiss
func (h *LearningHandler) Dismiss(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	principal := middleware.GetPrincipal(ctx)
	sessionID := chi.URLParam(r, "sessionId")

	if err := h.learningService.Dismiss(ctx, principal, sessionID); err != nil {
		writeError(w, err)
		return
	}
	h.writeStatus(w, principal, sessionID)
}

// POST /v1/learning/{sessionId}/visibility
func (h *LearningHandler) Visibility(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Visible *bool `json:"visible"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Visible == nil {
		writeError(w, missing("visible"))
		return
	}

	status, err := h.learningService.SetVisibility(r.Context(),
		middleware.GetPrincipal(r.Context()), chi.URLParam(r, "sessionId"), *req.Visible)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, status)
}

// POST /v1/learning/{sessionId}/study-logs
func (h *LearningHandler) AddStudyLog(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Content string `json:"content"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	session, err := h.learningService.AddStudyLog(r.Context(),
		middleware.GetPrincipal(r.Context()), chi.URLParam(r, "sessionId"), req.Content)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, session)
}

// POST /v1/learning/{sessionId}/question-logs
func (h *LearningHandler) AddQuestionLog(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Question string `json:"question"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	session, err := h.learningService.AddQuestionLog(r.Context(),
		middleware.GetPrincipal(r.Context()), chi.URLParam(r, "sessionId"), req.Question)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, session)
}

// POST /v1/learning/{sessionId}/end
func (h *LearningHandler) End(w http.ResponseWriter, r *http.Request) {
	session, err := h.learningService.End(r.Context(),
		middleware.GetPrincipal(r.Context()), chi.URLParam(r, "sessionId"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, session)
}

func (h *LearningHandler) writeStatus(w http.ResponseWriter, principal, sessionID string) {
	status, err := h.learningService.Status(principal, sessionID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, status)
}
