package backend

import (
	"bytes"
	"context"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ailways/study-relay/internal/capture"
	apperrors "github.com/ailways/study-relay/internal/errors"
	"github.com/ailways/study-relay/internal/model"
)

// isoMillis matches the timestamps the backend stores for logs.
const isoMillis = "2006-01-02T15:04:05.000Z07:00"

func timestamp(t time.Time) string {
	return t.UTC().Format(isoMillis)
}

// SessionClient is the study-session API bound to one principal.
type SessionClient struct {
	client    *Client
	principal string
}

// Sessions binds the study-session API to principal.
func (c *Client) Sessions(principal string) *SessionClient {
	return &SessionClient{client: c, principal: principal}
}

func sessionPath(sessionID, suffix string) string {
	return "/api/sessions/" + url.PathEscape(strings.TrimSpace(sessionID)) + suffix
}

type startArgs struct {
	MatchID      string `json:"matchId" validate:"notblank"`
	MentorUserID string `json:"mentorUserId" validate:"notblank"`
}

// Start opens a study session for the mentee behind the principal.
func (s *SessionClient) Start(ctx context.Context, matchID, mentorUserID string) (*model.Session, error) {
	args := startArgs{MatchID: strings.TrimSpace(matchID), MentorUserID: strings.TrimSpace(mentorUserID)}
	if err := s.client.validateArgs(args); err != nil {
		return nil, err
	}

	var session model.Session
	err := s.client.DoWithAuth(ctx, s.principal, Request{
		Method: http.MethodPost,
		Path:   "/api/sessions/start",
		Query:  url.Values{"matchId": {args.MatchID}, "mentorUserId": {args.MentorUserID}},
	}, &session)
	if err != nil {
		return nil, err
	}
	return &session, nil
}

type sessionArgs struct {
	SessionID string `json:"sessionId" validate:"notblank"`
}

type textArgs struct {
	SessionID string `json:"sessionId" validate:"notblank"`
	Text      string `json:"text" validate:"notblank"`
}

func (s *SessionClient) post(ctx context.Context, req Request) (*model.Session, error) {
	req.Method = http.MethodPost

	var session model.Session
	if err := s.client.DoWithAuth(ctx, s.principal, req, &session); err != nil {
		return nil, err
	}
	if session.SessionID == "" {
		return nil, nil
	}
	return &session, nil
}

// AddStudyLog records what the mentee is studying.
func (s *SessionClient) AddStudyLog(ctx context.Context, sessionID, content string) (*model.Session, error) {
	if err := s.client.validateArgs(textArgs{SessionID: sessionID, Text: content}); err != nil {
		return nil, err
	}
	return s.post(ctx, Request{
		Path:  sessionPath(sessionID, "/studyLogs"),
		Query: url.Values{"content": {content}},
	})
}

// AddQuestionLog records a question raised during the session.
func (s *SessionClient) AddQuestionLog(ctx context.Context, sessionID, question string) (*model.Session, error) {
	if err := s.client.validateArgs(textArgs{SessionID: sessionID, Text: question}); err != nil {
		return nil, err
	}
	return s.post(ctx, Request{
		Path:  sessionPath(sessionID, "/questionLogs"),
		Query: url.Values{"question": {question}},
	})
}

type distractionArgs struct {
	SessionID  string `json:"sessionId" validate:"notblank"`
	Activity   string `json:"activity" validate:"notblank"`
	DetectedAt string `json:"detectedAt" validate:"notblank"`
}

// AddDistraction logs a distraction the relay observed itself.
func (s *SessionClient) AddDistraction(ctx context.Context, sessionID, activity string, detectedAt time.Time) (*model.Session, error) {
	args := distractionArgs{SessionID: sessionID, Activity: activity, DetectedAt: timestamp(detectedAt)}
	if err := s.client.validateArgs(args); err != nil {
		return nil, err
	}
	if !model.Activity(args.Activity).Valid() {
		return nil, apperrors.InvalidInput("activity", "unknown activity")
	}
	return s.post(ctx, Request{
		Path: sessionPath(sessionID, "/distractions"),
		JSON: map[string]string{"activity": args.Activity, "detectedAt": args.DetectedAt},
	})
}

// SubmitSelfFeedback attaches the mentee's comment to the latest distraction.
func (s *SessionClient) SubmitSelfFeedback(ctx context.Context, sessionID, comment string) error {
	if err := s.client.validateArgs(textArgs{SessionID: sessionID, Text: comment}); err != nil {
		return err
	}
	_, err := s.post(ctx, Request{
		Path: sessionPath(sessionID, "/distractions/selfFeedback"),
		JSON: model.SelfFeedback{Comment: comment, CreatedAt: timestamp(time.Now())},
	})
	return err
}

func (s *SessionClient) Resume(ctx context.Context, sessionID string) error {
	if err := s.client.validateArgs(sessionArgs{SessionID: sessionID}); err != nil {
		return err
	}
	_, err := s.post(ctx, Request{Path: sessionPath(sessionID, "/resume")})
	return err
}

func (s *SessionClient) End(ctx context.Context, sessionID string) (*model.Session, error) {
	if err := s.client.validateArgs(sessionArgs{SessionID: sessionID}); err != nil {
		return nil, err
	}
	return s.post(ctx, Request{Path: sessionPath(sessionID, "/end")})
}

// Analyze uploads one frame and returns the raw response body, which may be
// an envelope or a bare payload.
func (s *SessionClient) Analyze(ctx context.Context, sessionID string, frame capture.Blob) ([]byte, error) {
	if err := s.client.validateArgs(sessionArgs{SessionID: sessionID}); err != nil {
		return nil, err
	}

	body, contentType, err := FrameForm(frame)
	if err != nil {
		return nil, err
	}

	resp, err := s.client.Forward(ctx, s.principal, Request{
		Method:      http.MethodPost,
		Path:        sessionPath(sessionID, "/distractions/analyze"),
		Body:        body,
		ContentType: contentType,
	})
	if err != nil {
		return nil, err
	}
	if !resp.OK() {
		return nil, errorFromBody(resp.Status, resp.Header.Get("Content-Type"), resp.Body)
	}
	return resp.Body, nil
}

// FrameForm encodes frame as a multipart body with a single "file" part.
func FrameForm(frame capture.Blob) ([]byte, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	ext := frame.Ext
	if ext == "" {
		ext = "bin"
	}
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition",
		fmt.Sprintf(`form-data; name="file"; filename="frame-%s.%s"`, uuid.NewString(), ext))
	header.Set("Content-Type", frame.ContentType)

	part, err := w.CreatePart(header)
	if err != nil {
		return nil, "", fmt.Errorf("create file part: %w", err)
	}
	if _, err := part.Write(frame.Data); err != nil {
		return nil, "", fmt.Errorf("write file part: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("close multipart writer: %w", err)
	}
	return buf.Bytes(), w.FormDataContentType(), nil
}
