package service

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/ailways/study-relay/internal/audit"
	"github.com/ailways/study-relay/internal/backend"
	"github.com/ailways/study-relay/internal/capture"
	apperrors "github.com/ailways/study-relay/internal/errors"
	"github.com/ailways/study-relay/internal/model"
	"github.com/ailways/study-relay/internal/repository"
	"github.com/ailways/study-relay/internal/sampler"
	"github.com/ailways/study-relay/internal/sse"
)

// CameraOpener opens the camera for a new learning session.
type CameraOpener func() (capture.Stream, error)

// Publisher delivers session events to listeners.
type Publisher interface {
	Publish(ctx context.Context, sessionID string, event sse.Event) error
}

type LearningStatus struct {
	SessionID     string                  `json:"sessionId"`
	MatchID       string                  `json:"matchId,omitempty"`
	MentorUserID  string                  `json:"mentorUserId,omitempty"`
	State         string                  `json:"state"`
	StartedAt     time.Time               `json:"startedAt"`
	CooldownUntil *time.Time              `json:"cooldownUntil,omitempty"`
	Pending       *model.DistractionEvent `json:"pending,omitempty"`
	Stats         sampler.Stats           `json:"stats"`
}

// DetectionNotice is the payload of a detection event.
type DetectionNotice struct {
	ID         string         `json:"id"`
	SessionID  string         `json:"sessionId"`
	Activity   model.Activity `json:"activity"`
	DetectedAt time.Time      `json:"detectedAt"`
	Confidence float64        `json:"confidence"`
}

type learningSession struct {
	id           string
	principal    string
	matchID      string
	mentorUserID string
	startedAt    time.Time
	uploader     *sampler.FrameSamplingUploader

	mu          sync.Mutex
	detectionID string
}

func (ls *learningSession) setDetection(id string) {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	ls.detectionID = id
}

func (ls *learningSession) takeDetection() string {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	id := ls.detectionID
	ls.detectionID = ""
	return id
}

// LearningService runs one frame sampler per live study session.
type LearningService struct {
	client        *backend.Client
	detectionRepo repository.DetectionRepository
	publisher     Publisher
	openCamera    CameraOpener
	opts          sampler.Options
	baseCtx       context.Context

	mu       sync.RWMutex
	sessions map[string]*learningSession
	starting map[string]*pendingStart
	closed   bool
}

// NewLearningService builds the service. ctx bounds every sampler it starts.
func NewLearningService(
	ctx context.Context,
	client *backend.Client,
	detectionRepo repository.DetectionRepository,
	publisher Publisher,
	openCamera CameraOpener,
	opts sampler.Options,
) *LearningService {
	return &LearningService{
		client:        client,
		detectionRepo: detectionRepo,
		publisher:     publisher,
		openCamera:    openCamera,
		opts:          opts,
		baseCtx:       ctx,
		sessions:      make(map[string]*learningSession),
		starting:      make(map[string]*pendingStart),
	}
}

// pendingStart marks a session whose camera and sampler are being set up.
// Concurrent starts of the same session wait on done instead of opening a
// second camera.
type pendingStart struct {
	principal string
	done      chan struct{}
	err       error
}

// Start opens a backend study session and begins sampling the camera for it.
// Starting a session that is already running returns its status.
func (s *LearningService) Start(ctx context.Context, principal, matchID, mentorUserID string) (*LearningStatus, error) {
	if s.isClosed() {
		return nil, errShuttingDown()
	}
	sessions := s.client.Sessions(principal)

	session, err := sessions.Start(ctx, matchID, mentorUserID)
	if err != nil {
		return nil, err
	}
	sessionID := session.SessionID

	s.mu.Lock()
	if existing, ok := s.sessions[sessionID]; ok && !existing.uploader.Stopped() {
		s.mu.Unlock()
		if existing.principal != principal {
			return nil, errForeignSession()
		}
		return s.status(existing), nil
	}
	if pending, ok := s.starting[sessionID]; ok {
		s.mu.Unlock()
		return s.awaitStart(ctx, pending, principal, sessionID)
	}
	if s.closed {
		s.mu.Unlock()
		return nil, errShuttingDown()
	}
	pending := &pendingStart{principal: principal, done: make(chan struct{})}
	s.starting[sessionID] = pending
	s.mu.Unlock()

	ls, err := s.launch(ctx, sessions, session, principal, matchID, mentorUserID)

	s.mu.Lock()
	delete(s.starting, sessionID)
	if err == nil && s.closed {
		ls.uploader.Stop()
		err = errShuttingDown()
	}
	if err == nil {
		s.sessions[sessionID] = ls
	}
	pending.err = err
	close(pending.done)
	s.mu.Unlock()

	if err != nil {
		return nil, err
	}

	audit.Log(ctx, audit.Event{
		Type:      audit.EventSessionStart,
		Principal: principal,
		SessionID: sessionID,
		Details:   map[string]interface{}{"matchId": ls.matchID},
	})

	return s.status(ls), nil
}

func (s *LearningService) isClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

func errShuttingDown() *apperrors.AppError {
	return apperrors.New(apperrors.ErrCodeUnavailable, "Relay is shutting down")
}

func (s *LearningService) awaitStart(ctx context.Context, pending *pendingStart, principal, sessionID string) (*LearningStatus, error) {
	if pending.principal != principal {
		return nil, errForeignSession()
	}
	select {
	case <-pending.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if pending.err != nil {
		return nil, pending.err
	}
	return s.Status(principal, sessionID)
}

// launch opens the camera and starts the sampler. On failure the backend
// session is ended.
func (s *LearningService) launch(
	ctx context.Context,
	sessions *backend.SessionClient,
	session *model.Session,
	principal, matchID, mentorUserID string,
) (*learningSession, error) {
	stream, err := s.openCamera()
	if err != nil {
		s.abandon(ctx, sessions, session.SessionID)
		return nil, apperrors.Wrap(apperrors.ErrCodeCaptureFailed, "Camera unavailable", err)
	}

	ls := &learningSession{
		id:           session.SessionID,
		principal:    principal,
		matchID:      session.MatchID,
		mentorUserID: session.MentorUserID,
		startedAt:    time.Now(),
	}
	if session.StartedAt != nil {
		ls.startedAt = *session.StartedAt
	}
	if ls.matchID == "" {
		ls.matchID = matchID
	}
	if ls.mentorUserID == "" {
		ls.mentorUserID = mentorUserID
	}

	ls.uploader = sampler.New(session.SessionID, stream, capture.NewVideo(), sessions, &detectionPrompter{svc: s, session: ls, sessions: sessions}, s.opts)
	if err := ls.uploader.Start(s.baseCtx); err != nil {
		ls.uploader.Stop()
		s.abandon(ctx, sessions, session.SessionID)
		return nil, err
	}
	return ls, nil
}

// abandon ends a backend session the relay could not start sampling for.
func (s *LearningService) abandon(ctx context.Context, sessions *backend.SessionClient, sessionID string) {
	if _, err := sessions.End(ctx, sessionID); err != nil {
		log.Warn().Err(err).Str("sessionId", sessionID).Msg("failed to end abandoned session")
	}
}

func (s *LearningService) lookup(sessionID string) (*learningSession, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ls, ok := s.sessions[sessionID]
	return ls, ok
}

// owned returns the running session, checking it belongs to principal.
func (s *LearningService) owned(principal, sessionID string) (*learningSession, error) {
	ls, ok := s.lookup(sessionID)
	if !ok {
		return nil, apperrors.SessionClosed(sessionID).WithStatus(http.StatusNotFound)
	}
	if ls.principal != principal {
		return nil, errForeignSession()
	}
	return ls, nil
}

func errForeignSession() *apperrors.AppError {
	return apperrors.Forbidden("Session belongs to another user").WithStatus(http.StatusForbidden)
}

// SubmitFeedback sends the mentee's comment on the pending detection and
// resumes sampling.
func (s *LearningService) SubmitFeedback(ctx context.Context, principal, sessionID, comment string) error {
	ls, err := s.owned(principal, sessionID)
	if err != nil {
		return err
	}

	if err := ls.uploader.SubmitFeedback(ctx, comment); err != nil {
		return err
	}

	s.recordFeedback(ctx, sessionID, ls.takeDetection(), strings.TrimSpace(comment))

	audit.Log(ctx, audit.Event{Type: audit.EventSelfFeedback, Principal: principal, SessionID: sessionID})
	s.publish(ctx, sessionID, sse.EventFeedback, map[string]any{"sessionId": sessionID, "state": ls.uploader.State().String()})
	return nil
}

// recordFeedback attaches comment to the surfaced detection, or to the newest
// pending one when the insert for the surfaced detection failed.
func (s *LearningService) recordFeedback(ctx context.Context, sessionID, detectionID, comment string) {
	if s.detectionRepo == nil {
		return
	}
	if detectionID == "" {
		pending, err := s.detectionRepo.FindLatestPending(ctx, sessionID)
		if err != nil {
			log.Error().Err(err).Str("sessionId", sessionID).Msg("failed to find pending detection")
			return
		}
		if pending == nil {
			return
		}
		detectionID = pending.ID
	}
	if err := s.detectionRepo.MarkFeedback(ctx, detectionID, comment); err != nil {
		log.Error().Err(err).Str("detectionId", detectionID).Msg("failed to record feedback")
	}
}

// Dismiss closes the prompt without a comment and resumes sampling.
func (s *LearningService) Dismiss(ctx context.Context, principal, sessionID string) error {
	ls, err := s.owned(principal, sessionID)
	if err != nil {
		return err
	}
	if err := ls.uploader.Dismiss(ctx); err != nil {
		return err
	}
	ls.takeDetection()

	s.publish(ctx, sessionID, sse.EventStateChanged, map[string]any{"sessionId": sessionID, "state": ls.uploader.State().String()})
	return nil
}

func (s *LearningService) SetVisibility(ctx context.Context, principal, sessionID string, visible bool) (*LearningStatus, error) {
	ls, err := s.owned(principal, sessionID)
	if err != nil {
		return nil, err
	}
	ls.uploader.SetVisible(visible)

	st := s.status(ls)
	s.publish(ctx, sessionID, sse.EventStateChanged, map[string]any{"sessionId": sessionID, "state": st.State})
	return st, nil
}

func (s *LearningService) AddStudyLog(ctx context.Context, principal, sessionID, content string) (*model.Session, error) {
	if _, err := s.ownedIfRunning(principal, sessionID); err != nil {
		return nil, err
	}
	return s.client.Sessions(principal).AddStudyLog(ctx, sessionID, content)
}

func (s *LearningService) AddQuestionLog(ctx context.Context, principal, sessionID, question string) (*model.Session, error) {
	if _, err := s.ownedIfRunning(principal, sessionID); err != nil {
		return nil, err
	}
	return s.client.Sessions(principal).AddQuestionLog(ctx, sessionID, question)
}

// ownedIfRunning allows calls on sessions the relay is not sampling, but
// rejects other principals' running sessions.
func (s *LearningService) ownedIfRunning(principal, sessionID string) (*learningSession, error) {
	ls, ok := s.lookup(sessionID)
	if !ok {
		return nil, nil
	}
	if ls.principal != principal {
		return nil, errForeignSession()
	}
	return ls, nil
}

// End stops sampling, releases the camera and ends the backend session.
func (s *LearningService) End(ctx context.Context, principal, sessionID string) (*model.Session, error) {
	ls, err := s.ownedIfRunning(principal, sessionID)
	if err != nil {
		return nil, err
	}

	if ls != nil {
		ls.uploader.Stop()
		s.mu.Lock()
		delete(s.sessions, sessionID)
		s.mu.Unlock()
	}

	session, err := s.client.Sessions(principal).End(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	audit.Log(ctx, audit.Event{Type: audit.EventSessionEnd, Principal: principal, SessionID: sessionID})
	s.publish(ctx, sessionID, sse.EventSessionEnded, map[string]any{"sessionId": sessionID})
	return session, nil
}

func (s *LearningService) Status(principal, sessionID string) (*LearningStatus, error) {
	ls, err := s.owned(principal, sessionID)
	if err != nil {
		return nil, err
	}
	return s.status(ls), nil
}

// Authorize reports whether principal may listen to sessionID's events.
func (s *LearningService) Authorize(principal, sessionID string) error {
	_, err := s.owned(principal, sessionID)
	return err
}

func (s *LearningService) Detections(ctx context.Context, principal, sessionID string, limit int) ([]model.DetectionRecord, error) {
	if _, err := s.ownedIfRunning(principal, sessionID); err != nil {
		return nil, err
	}
	if s.detectionRepo == nil {
		return []model.DetectionRecord{}, nil
	}

	records, err := s.detectionRepo.ListBySession(ctx, principal, sessionID, limit)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	return records, nil
}

// Detection returns one recorded detection of sessionID.
func (s *LearningService) Detection(ctx context.Context, principal, sessionID, detectionID string) (*model.DetectionRecord, error) {
	if _, err := s.ownedIfRunning(principal, sessionID); err != nil {
		return nil, err
	}
	if s.detectionRepo == nil {
		return nil, apperrors.NotFound("Detection")
	}

	record, err := s.detectionRepo.FindByID(ctx, detectionID)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if record == nil || record.SessionID != sessionID || record.Principal != principal {
		return nil, apperrors.NotFound("Detection")
	}
	return record, nil
}

func (s *LearningService) status(ls *learningSession) *LearningStatus {
	st := &LearningStatus{
		SessionID:    ls.id,
		MatchID:      ls.matchID,
		MentorUserID: ls.mentorUserID,
		State:        ls.uploader.State().String(),
		StartedAt:    ls.startedAt,
		Stats:        ls.uploader.Stats(),
	}
	if until := ls.uploader.CooldownUntil(); !until.IsZero() {
		st.CooldownUntil = &until
	}
	if pending, ok := ls.uploader.Pending(); ok {
		st.Pending = &pending
	}
	return st
}

// ReapStopped forgets sessions whose sampler stopped on its own.
func (s *LearningService) ReapStopped(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var reaped int64
	for id, ls := range s.sessions {
		if ls.uploader.Stopped() {
			delete(s.sessions, id)
			reaped++
		}
	}
	return reaped, nil
}

func (s *LearningService) ActiveCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Shutdown stops every sampler. Backend sessions stay open so learners can
// resume after a restart.
func (s *LearningService) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	for id, ls := range s.sessions {
		ls.uploader.Stop()
		delete(s.sessions, id)
	}
}

func (s *LearningService) publish(ctx context.Context, sessionID, eventType string, data any) {
	if s.publisher == nil {
		return
	}
	event, err := sse.NewEvent(eventType, data)
	if err != nil {
		log.Error().Err(err).Str("eventType", eventType).Msg("failed to encode event")
		return
	}
	if err := s.publisher.Publish(ctx, sessionID, event); err != nil {
		log.Warn().Err(err).Str("sessionId", sessionID).Str("eventType", eventType).Msg("failed to publish event")
	}
}

// detectionPrompter records surfaced detections and pushes them to the
// learner's listeners.
type detectionPrompter struct {
	svc      *LearningService
	session  *learningSession
	sessions *backend.SessionClient
}

func (p *detectionPrompter) OpenPrompt(ctx context.Context, sessionID string, event model.DistractionEvent) {
	id := uuid.NewString()

	if p.svc.detectionRepo != nil {
		_, err := p.svc.detectionRepo.Create(ctx, model.CreateDetectionParams{
			ID:         id,
			SessionID:  sessionID,
			Principal:  p.session.principal,
			Activity:   event.Activity,
			Confidence: event.Confidence,
			DetectedAt: event.DetectedAt,
		})
		if err != nil {
			log.Error().Err(err).Str("sessionId", sessionID).Msg("failed to record detection")
		} else {
			p.session.setDetection(id)
		}
	}

	if _, err := p.sessions.AddDistraction(ctx, sessionID, string(event.Activity), event.DetectedAt); err != nil {
		log.Warn().Err(err).Str("sessionId", sessionID).Msg("failed to log distraction")
	}

	audit.Log(ctx, audit.Event{
		Type:      audit.EventDistraction,
		Principal: p.session.principal,
		SessionID: sessionID,
		Details: map[string]interface{}{
			"activity":   string(event.Activity),
			"confidence": event.Confidence,
		},
	})

	p.svc.publish(ctx, sessionID, sse.EventDetection, DetectionNotice{
		ID:         id,
		SessionID:  sessionID,
		Activity:   event.Activity,
		DetectedAt: event.DetectedAt,
		Confidence: event.Confidence,
	})
}
