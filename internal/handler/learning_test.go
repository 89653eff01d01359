package handler

import (
	"encoding/json"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ailways/study-relay/internal/model"
	"github.com/ailways/study-relay/internal/service"
)

func startLearning(t *testing.T, h *harness, credential, matchID string) service.LearningStatus {
	t.Helper()
	resp := h.do(t, http.MethodPost, "/v1/learning/start", credential,
		strings.NewReader(`{"matchId":"`+matchID+`","mentorUserId":"mentor-1"}`), "application/json")
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var status service.LearningStatus
	require.NoError(t, json.Unmarshal(decodeEnvelope(t, resp).Data, &status))
	return status
}

func TestLearningHandler_Lifecycle(t *testing.T) {
	h := newHarness(t)
	h.login(t, "cred")

	status := startLearning(t, h, "cred", "m-1")
	assert.Equal(t, "s-m-1", status.SessionID)
	assert.Equal(t, "sampling", status.State)
	assert.Equal(t, "matchId=m-1&mentorUserId=mentor-1", h.upstream.snapshot().query)

	resp := h.do(t, http.MethodGet, "/v1/learning/s-m-1", "cred", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = h.do(t, http.MethodPost, "/v1/learning/s-m-1/visibility", "cred",
		strings.NewReader(`{"visible":false}`), "application/json")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var hidden service.LearningStatus
	require.NoError(t, json.Unmarshal(decodeEnvelope(t, resp).Data, &hidden))
	assert.Equal(t, "paused", hidden.State)

	resp = h.do(t, http.MethodPost, "/v1/learning/s-m-1/study-logs", "cred",
		strings.NewReader(`{"content":"수학 2단원"}`), "application/json")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var session model.Session
	require.NoError(t, json.Unmarshal(decodeEnvelope(t, resp).Data, &session))
	require.Len(t, session.StudyLogs, 1)
	assert.Equal(t, "수학 2단원", session.StudyLogs[0].Content)

	resp = h.do(t, http.MethodGet, "/v1/learning/s-m-1/detections", "cred", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `[]`, string(decodeEnvelope(t, resp).Data))

	resp = h.do(t, http.MethodPost, "/v1/learning/s-m-1/end", "cred", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(decodeEnvelope(t, resp).Data, &session))
	assert.Equal(t, model.SessionStatusEnded, session.Status)

	resp = h.do(t, http.MethodGet, "/v1/learning/s-m-1", "cred", nil, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "SESSION_CLOSED", decodeEnvelope(t, resp).Error.Code)
}

func TestLearningHandler_Errors(t *testing.T) {
	h := newHarness(t)
	h.login(t, "cred")
	h.login(t, "other")
	startLearning(t, h, "cred", "m-2")

	tests := []struct {
		name       string
		method     string
		path       string
		credential string
		body       string
		wantStatus int
		wantCode   string
	}{
		{"anonymous", http.MethodGet, "/v1/learning/s-m-2", "", "", http.StatusUnauthorized, "UNAUTHORIZED"},
		{"other principal", http.MethodGet, "/v1/learning/s-m-2", "other", "", http.StatusForbidden, "FORBIDDEN"},
		{"other principal ends", http.MethodPost, "/v1/learning/s-m-2/end", "other", "", http.StatusForbidden, "FORBIDDEN"},
		{"feedback without prompt", http.MethodPost, "/v1/learning/s-m-2/feedback", "cred", `{"comment":"ok"}`, http.StatusConflict, "CONFLICT"},
		{"blank feedback", http.MethodPost, "/v1/learning/s-m-2/feedback", "cred", `{"comment":"  "}`, http.StatusBadRequest, "MISSING_REQUIRED"},
		{"visibility missing", http.MethodPost, "/v1/learning/s-m-2/visibility", "cred", `{}`, http.StatusBadRequest, "MISSING_REQUIRED"},
		{"bad start body", http.MethodPost, "/v1/learning/start", "cred", `nope`, http.StatusBadRequest, "INVALID_INPUT"},
		{"start without mentor", http.MethodPost, "/v1/learning/start", "cred", `{"matchId":"m-3"}`, http.StatusBadRequest, "MISSING_REQUIRED"},
		{"detection without ledger", http.MethodGet, "/v1/learning/s-m-2/detections/d-1", "cred", "", http.StatusNotFound, "NOT_FOUND"},
		{"unknown session", http.MethodPost, "/v1/learning/s-none/dismiss", "cred", "", http.StatusNotFound, "SESSION_CLOSED"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := h.do(t, tt.method, tt.path, tt.credential, strings.NewReader(tt.body), "application/json")
			assert.Equal(t, tt.wantStatus, resp.StatusCode)
			assert.Equal(t, tt.wantCode, decodeEnvelope(t, resp).Error.Code)
		})
	}
}

func TestParseLimit(t *testing.T) {
	tests := []struct {
		query string
		want  int
	}{
		{"", DefaultLimit},
		{"limit=10", 10},
		{"limit=0", DefaultLimit},
		{"limit=500", DefaultLimit},
		{"limit=abc", DefaultLimit},
	}

	for _, tt := range tests {
		r, _ := http.NewRequest(http.MethodGet, "/x?"+tt.query, nil)
		assert.Equal(t, tt.want, ParseLimit(r), tt.query)
	}
}
