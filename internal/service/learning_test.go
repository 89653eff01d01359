package service

import (
	"context"
	"encoding/json"
	"image"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/ailways/study-relay/internal/backend"
	"github.com/ailways/study-relay/internal/capture"
	apperrors "github.com/ailways/study-relay/internal/errors"
	"github.com/ailways/study-relay/internal/model"
	"github.com/ailways/study-relay/internal/repository"
	"github.com/ailways/study-relay/internal/sampler"
	"github.com/ailways/study-relay/internal/sse"
	"github.com/ailways/study-relay/internal/tokens"
)

type MockDetectionRepository struct {
	mock.Mock
}

var _ repository.DetectionRepository = (*MockDetectionRepository)(nil)

func (m *MockDetectionRepository) Create(ctx context.Context, params model.CreateDetectionParams) (*model.DetectionRecord, error) {
	args := m.Called(ctx, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.DetectionRecord), args.Error(1)
}

func (m *MockDetectionRepository) FindByID(ctx context.Context, id string) (*model.DetectionRecord, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.DetectionRecord), args.Error(1)
}

func (m *MockDetectionRepository) FindLatestPending(ctx context.Context, sessionID string) (*model.DetectionRecord, error) {
	args := m.Called(ctx, sessionID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.DetectionRecord), args.Error(1)
}

func (m *MockDetectionRepository) ListBySession(ctx context.Context, principal, sessionID string, limit int) ([]model.DetectionRecord, error) {
	args := m.Called(ctx, principal, sessionID, limit)
	return args.Get(0).([]model.DetectionRecord), args.Error(1)
}

func (m *MockDetectionRepository) MarkFeedback(ctx context.Context, id string, feedback string) error {
	args := m.Called(ctx, id, feedback)
	return args.Error(0)
}

func (m *MockDetectionRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	args := m.Called(ctx, cutoff)
	return args.Get(0).(int64), args.Error(1)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []sse.Event
}

func (p *recordingPublisher) Publish(ctx context.Context, sessionID string, event sse.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

type stubStream struct {
	stopped atomic.Int32
}

func (s *stubStream) CurrentFrame() (image.Image, error) {
	return image.NewRGBA(image.Rect(0, 0, 320, 240)), nil
}

func (s *stubStream) StopAllTracks() { s.stopped.Add(1) }

type stubBackend struct {
	analyzeBody string
	logged      atomic.Int32
	ended       atomic.Int32
	feedback    atomic.Int32
	resumed     atomic.Int32
}

func (b *stubBackend) routes() http.Handler {
	envelope := func(w http.ResponseWriter, data any) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"success": true, "data": data})
	}

	r := chi.NewRouter()
	r.Post("/api/sessions/start", func(w http.ResponseWriter, r *http.Request) {
		envelope(w, map[string]any{
			"sessionId":    "s-" + r.URL.Query().Get("matchId"),
			"matchId":      r.URL.Query().Get("matchId"),
			"mentorUserId": r.URL.Query().Get("mentorUserId"),
			"status":       "ACTIVE",
		})
	})
	r.Post("/api/sessions/{id}/distractions/analyze", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(b.analyzeBody))
	})
	r.Post("/api/sessions/{id}/distractions", func(w http.ResponseWriter, r *http.Request) {
		b.logged.Add(1)
		envelope(w, map[string]any{"sessionId": chi.URLParam(r, "id")})
	})
	r.Post("/api/sessions/{id}/distractions/selfFeedback", func(w http.ResponseWriter, r *http.Request) {
		b.feedback.Add(1)
		envelope(w, map[string]any{"sessionId": chi.URLParam(r, "id")})
	})
	r.Post("/api/sessions/{id}/resume", func(w http.ResponseWriter, r *http.Request) {
		b.resumed.Add(1)
		envelope(w, nil)
	})
	r.Post("/api/sessions/{id}/studyLogs", func(w http.ResponseWriter, r *http.Request) {
		envelope(w, map[string]any{
			"sessionId": chi.URLParam(r, "id"),
			"studyLogs": []map[string]string{{"content": r.URL.Query().Get("content")}},
		})
	})
	r.Post("/api/sessions/{id}/end", func(w http.ResponseWriter, r *http.Request) {
		b.ended.Add(1)
		envelope(w, map[string]any{"sessionId": chi.URLParam(r, "id"), "status": "ENDED"})
	})
	return r
}

type learningFixture struct {
	svc       *LearningService
	backend   *stubBackend
	stream    *stubStream
	repo      *MockDetectionRepository
	publisher *recordingPublisher
}

func newLearningFixture(t *testing.T, analyzeBody string) *learningFixture {
	t.Helper()

	sb := &stubBackend{analyzeBody: analyzeBody}
	server := httptest.NewServer(sb.routes())
	t.Cleanup(server.Close)

	store := tokens.NewMemoryStore(time.Hour, time.Hour)
	require.NoError(t, store.SaveAccess(context.Background(), "p1", "access-1"))
	require.NoError(t, store.SaveAccess(context.Background(), "p2", "access-2"))

	f := &learningFixture{
		backend:   sb,
		stream:    &stubStream{},
		repo:      &MockDetectionRepository{},
		publisher: &recordingPublisher{},
	}
	f.svc = NewLearningService(
		context.Background(),
		backend.NewClient(server.URL, store),
		f.repo,
		f.publisher,
		func() (capture.Stream, error) { return f.stream, nil },
		sampler.Options{Interval: 5 * time.Millisecond},
	)
	t.Cleanup(f.svc.Shutdown)
	return f
}

func TestLearningService_DetectionFlow(t *testing.T) {
	f := newLearningFixture(t, `{"success":true,"data":{"events":{"PHONE":true},"ts":"2025-03-01T09:00:00Z","metrics":{"phone_score":0.77}}}`)
	ctx := context.Background()

	var created model.CreateDetectionParams
	f.repo.On("Create", mock.Anything, mock.AnythingOfType("model.CreateDetectionParams")).
		Run(func(args mock.Arguments) { created = args.Get(1).(model.CreateDetectionParams) }).
		Return(&model.DetectionRecord{}, nil).Once()

	status, err := f.svc.Start(ctx, "p1", "m-1", "mentor-1")
	require.NoError(t, err)
	assert.Equal(t, "s-m-1", status.SessionID)
	assert.Equal(t, "mentor-1", status.MentorUserID)

	require.Eventually(t, func() bool {
		for _, typ := range f.publisher.types() {
			if typ == sse.EventDetection {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), f.backend.logged.Load())

	st, err := f.svc.Status("p1", "s-m-1")
	require.NoError(t, err)
	assert.Equal(t, "paused", st.State)
	assert.Equal(t, model.ActivityPhone, st.Pending.Activity)
	assert.InDelta(t, 0.77, st.Pending.Confidence, 1e-9)

	f.repo.On("MarkFeedback", mock.Anything, created.ID, "알림 확인").Return(nil).Once()
	require.NoError(t, f.svc.SubmitFeedback(ctx, "p1", "s-m-1", " 알림 확인 "))
	assert.Equal(t, int32(1), f.backend.feedback.Load())
	assert.Equal(t, int32(1), f.backend.resumed.Load())

	session, err := f.svc.End(ctx, "p1", "s-m-1")
	require.NoError(t, err)
	assert.Equal(t, model.SessionStatusEnded, session.Status)
	assert.Equal(t, int32(1), f.stream.stopped.Load())
	assert.Equal(t, 0, f.svc.ActiveCount())
	assert.Contains(t, f.publisher.types(), sse.EventSessionEnded)

	f.repo.AssertExpectations(t)
	assert.Equal(t, "s-m-1", created.SessionID)
}

func TestLearningService_Ownership(t *testing.T) {
	f := newLearningFixture(t, `{"success":true,"data":{"events":{}}}`)
	ctx := context.Background()

	_, err := f.svc.Start(ctx, "p1", "m-2", "mentor-1")
	require.NoError(t, err)

	_, err = f.svc.Status("p2", "s-m-2")
	assert.Equal(t, apperrors.ErrCodeForbidden, apperrors.GetCode(err))

	err = f.svc.Dismiss(ctx, "p2", "s-m-2")
	assert.Equal(t, apperrors.ErrCodeForbidden, apperrors.GetCode(err))

	_, err = f.svc.End(ctx, "p2", "s-m-2")
	assert.Equal(t, apperrors.ErrCodeForbidden, apperrors.GetCode(err))
	assert.Equal(t, int32(0), f.backend.ended.Load())

	_, err = f.svc.Status("p1", "s-unknown")
	assert.Equal(t, apperrors.ErrCodeSessionClosed, apperrors.GetCode(err))
	assert.Equal(t, http.StatusNotFound, apperrors.GetStatus(err))
}

func TestLearningService_Visibility(t *testing.T) {
	f := newLearningFixture(t, `{"success":true,"data":{"events":{}}}`)
	ctx := context.Background()

	_, err := f.svc.Start(ctx, "p1", "m-3", "mentor-1")
	require.NoError(t, err)

	st, err := f.svc.SetVisibility(ctx, "p1", "s-m-3", false)
	require.NoError(t, err)
	assert.Equal(t, "paused", st.State)

	st, err = f.svc.SetVisibility(ctx, "p1", "s-m-3", true)
	require.NoError(t, err)
	assert.NotEqual(t, "paused", st.State)
	assert.Contains(t, f.publisher.types(), sse.EventStateChanged)
}

func TestLearningService_StudyLog(t *testing.T) {
	f := newLearningFixture(t, `{"success":true,"data":{"events":{}}}`)

	session, err := f.svc.AddStudyLog(context.Background(), "p1", "s-offline", "영단어")
	require.NoError(t, err)
	require.Len(t, session.StudyLogs, 1)
	assert.Equal(t, "영단어", session.StudyLogs[0].Content)
}

func TestLearningService_CameraFailureEndsSession(t *testing.T) {
	f := newLearningFixture(t, `{}`)
	f.svc.openCamera = func() (capture.Stream, error) {
		return nil, assert.AnError
	}

	_, err := f.svc.Start(context.Background(), "p1", "m-4", "mentor-1")
	assert.Equal(t, apperrors.ErrCodeCaptureFailed, apperrors.GetCode(err))
	assert.Equal(t, int32(1), f.backend.ended.Load())
	assert.Equal(t, 0, f.svc.ActiveCount())
}

func TestLearningService_ReapStopped(t *testing.T) {
	f := newLearningFixture(t, `{"success":true,"data":{"events":{}}}`)
	ctx := context.Background()

	_, err := f.svc.Start(ctx, "p1", "m-5", "mentor-1")
	require.NoError(t, err)
	_, err = f.svc.Start(ctx, "p1", "m-6", "mentor-1")
	require.NoError(t, err)

	ls, ok := f.svc.lookup("s-m-5")
	require.True(t, ok)
	ls.uploader.Stop()

	reaped, err := f.svc.ReapStopped(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), reaped)
	assert.Equal(t, 1, f.svc.ActiveCount())
}

func TestLearningService_Detections(t *testing.T) {
	f := newLearningFixture(t, `{}`)
	records := []model.DetectionRecord{{ID: "d-1", SessionID: "s-9", Activity: model.ActivityDrowsy}}
	f.repo.On("ListBySession", mock.Anything, "p1", "s-9", 50).Return(records, nil)

	got, err := f.svc.Detections(context.Background(), "p1", "s-9", 50)
	require.NoError(t, err)
	assert.Equal(t, records, got)
}

func TestLearningService_Detection(t *testing.T) {
	f := newLearningFixture(t, `{}`)
	ctx := context.Background()

	f.repo.On("FindByID", mock.Anything, "d-1").Return(&model.DetectionRecord{ID: "d-1", SessionID: "s-9", Principal: "p1"}, nil)
	f.repo.On("FindByID", mock.Anything, "d-2").Return(&model.DetectionRecord{ID: "d-2", SessionID: "s-other", Principal: "p1"}, nil)
	f.repo.On("FindByID", mock.Anything, "d-3").Return(nil, nil)

	record, err := f.svc.Detection(ctx, "p1", "s-9", "d-1")
	require.NoError(t, err)
	assert.Equal(t, "d-1", record.ID)

	tests := []struct {
		name      string
		principal string
		id        string
	}{
		{"other session", "p1", "d-2"},
		{"missing", "p1", "d-3"},
		{"other principal", "p2", "d-1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Detection(ctx, tt.principal, "s-9", tt.id)
			assert.Equal(t, apperrors.ErrCodeNotFound, apperrors.GetCode(err))
		})
	}
}

func TestLearningService_FeedbackFallsBackToPending(t *testing.T) {
	f := newLearningFixture(t, `{"success":true,"data":{"events":{"LEFT_SEAT":true},"ts":"2025-03-01T09:00:00Z"}}`)
	ctx := context.Background()

	f.repo.On("Create", mock.Anything, mock.AnythingOfType("model.CreateDetectionParams")).
		Return(nil, assert.AnError).Once()
	f.repo.On("FindLatestPending", mock.Anything, "s-m-7").
		Return(&model.DetectionRecord{ID: "d-old", SessionID: "s-m-7"}, nil).Once()
	f.repo.On("MarkFeedback", mock.Anything, "d-old", "ok").Return(nil).Once()

	_, err := f.svc.Start(ctx, "p1", "m-7", "mentor-1")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		for _, typ := range f.publisher.types() {
			if typ == sse.EventDetection {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, f.svc.SubmitFeedback(ctx, "p1", "s-m-7", "ok"))
	f.repo.AssertExpectations(t)
}

func TestLearningService_ConcurrentStartOpensOneCamera(t *testing.T) {
	f := newLearningFixture(t, `{"success":true,"data":{"events":{}}}`)

	var mu sync.Mutex
	var opened []*stubStream
	f.svc.openCamera = func() (capture.Stream, error) {
		time.Sleep(30 * time.Millisecond)
		stream := &stubStream{}
		mu.Lock()
		opened = append(opened, stream)
		mu.Unlock()
		return stream, nil
	}

	const callers = 4
	var wg sync.WaitGroup
	ids := make([]string, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			st, err := f.svc.Start(context.Background(), "p1", "m-1", "mentor-1")
			errs[i] = err
			if st != nil {
				ids[i] = st.SessionID
			}
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "s-m-1", ids[i])
	}
	assert.Equal(t, 1, f.svc.ActiveCount())

	f.svc.Shutdown()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, opened, 1)
	assert.Equal(t, int32(1), opened[0].stopped.Load())
}

func TestLearningService_RestartByOtherPrincipal(t *testing.T) {
	f := newLearningFixture(t, `{"success":true,"data":{"events":{}}}`)
	ctx := context.Background()

	_, err := f.svc.Start(ctx, "p1", "m-8", "mentor-1")
	require.NoError(t, err)

	_, err = f.svc.Start(ctx, "p2", "m-8", "mentor-1")
	assert.Equal(t, apperrors.ErrCodeForbidden, apperrors.GetCode(err))

	st, err := f.svc.Start(ctx, "p1", "m-8", "mentor-1")
	require.NoError(t, err)
	assert.Equal(t, "s-m-8", st.SessionID)
	assert.Equal(t, 1, f.svc.ActiveCount())
}

func TestLearningService_EndedSessionDetectionsStayPrivate(t *testing.T) {
	f := newLearningFixture(t, `{"success":true,"data":{"events":{}}}`)
	ctx := context.Background()

	_, err := f.svc.Start(ctx, "p1", "m-9", "mentor-1")
	require.NoError(t, err)
	_, err = f.svc.End(ctx, "p1", "s-m-9")
	require.NoError(t, err)

	mine := []model.DetectionRecord{{ID: "d-1", SessionID: "s-m-9", Principal: "p1"}}
	f.repo.On("ListBySession", mock.Anything, "p1", "s-m-9", 50).Return(mine, nil)
	f.repo.On("ListBySession", mock.Anything, "p2", "s-m-9", 50).Return([]model.DetectionRecord{}, nil)

	got, err := f.svc.Detections(ctx, "p1", "s-m-9", 50)
	require.NoError(t, err)
	assert.Len(t, got, 1)

	got, err = f.svc.Detections(ctx, "p2", "s-m-9", 50)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestLearningService_StartAfterShutdown(t *testing.T) {
	f := newLearningFixture(t, `{"success":true,"data":{"events":{}}}`)
	f.svc.Shutdown()

	_, err := f.svc.Start(context.Background(), "p1", "m-10", "mentor-1")
	assert.Equal(t, apperrors.ErrCodeUnavailable, apperrors.GetCode(err))
	assert.Equal(t, 0, f.svc.ActiveCount())
}
