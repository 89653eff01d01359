package sampler

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"github.com/ailways/study-relay/internal/capture"
	"github.com/ailways/study-relay/internal/detect"
	apperrors "github.com/ailways/study-relay/internal/errors"
	"github.com/ailways/study-relay/internal/model"
)

const (
	DefaultInterval      = 200 * time.Millisecond
	DefaultTargetWidth   = 640
	DefaultQuality       = 70
	DefaultCooldown      = 8 * time.Second
	DefaultUploadTimeout = 10 * time.Second
)

type State int

const (
	StateIdle State = iota
	StateSampling
	StateUploading
	StatePaused
)

func (s State) String() string {
	switch s {
	case StateSampling:
		return "sampling"
	case StateUploading:
		return "uploading"
	case StatePaused:
		return "paused"
	default:
		return "idle"
	}
}

// Backend is the slice of the session API the uploader drives.
type Backend interface {
	Analyze(ctx context.Context, sessionID string, frame capture.Blob) ([]byte, error)
	SubmitSelfFeedback(ctx context.Context, sessionID, comment string) error
	Resume(ctx context.Context, sessionID string) error
}

// Prompter shows the feedback prompt for a surfaced detection.
type Prompter interface {
	OpenPrompt(ctx context.Context, sessionID string, event model.DistractionEvent)
}

type Options struct {
	Interval      time.Duration
	TargetWidth   int
	Encoder       capture.Encoder
	Cooldown      time.Duration
	UploadTimeout time.Duration
	Now           func() time.Time
}

func (o Options) withDefaults() Options {
	if o.Interval <= 0 {
		o.Interval = DefaultInterval
	}
	if o.TargetWidth <= 0 {
		o.TargetWidth = DefaultTargetWidth
	}
	if o.Encoder == nil {
		o.Encoder = capture.NewFrameEncoder(DefaultQuality)
	}
	if o.Cooldown <= 0 {
		o.Cooldown = DefaultCooldown
	}
	if o.UploadTimeout <= 0 {
		o.UploadTimeout = DefaultUploadTimeout
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

type Stats struct {
	Ticks       int64 `json:"ticks"`
	PausedTicks int64 `json:"pausedTicks"`
	Skipped     int64 `json:"skipped"`
	Uploads     int64 `json:"uploads"`
	Failures    int64 `json:"failures"`
	Detections  int64 `json:"detections"`
}

// FrameSamplingUploader samples one session's camera, uploads frames for
// analysis and surfaces at most one detection at a time.
type FrameSamplingUploader struct {
	sessionID string
	stream    capture.Stream
	video     *capture.Video
	backend   Backend
	prompter  Prompter
	opts      Options

	inflight *semaphore.Weighted
	stopOnce sync.Once
	uploads  sync.WaitGroup

	mu            sync.Mutex
	source        capture.FrameSource
	timer         *time.Timer
	ctx           context.Context
	started       bool
	stopped       bool
	uploading     bool
	modalOpen     bool
	hidden        bool
	cooldownUntil time.Time
	lastKey       string
	pending       *model.DistractionEvent
	stats         Stats
}

func New(
	sessionID string,
	stream capture.Stream,
	video *capture.Video,
	backend Backend,
	prompter Prompter,
	opts Options,
) *FrameSamplingUploader {
	return &FrameSamplingUploader{
		sessionID: sessionID,
		stream:    stream,
		video:     video,
		backend:   backend,
		prompter:  prompter,
		opts:      opts.withDefaults(),
		inflight:  semaphore.NewWeighted(1),
	}
}

func (u *FrameSamplingUploader) SessionID() string {
	return u.sessionID
}

// Start attaches the stream to the video, probes the frame source and arms
// the sampling timer. ctx bounds the whole sampling run.
func (u *FrameSamplingUploader) Start(ctx context.Context) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.stopped {
		return apperrors.SessionClosed(u.sessionID)
	}
	if u.started {
		return nil
	}

	if err := u.video.SetSource(u.stream); err != nil {
		return apperrors.Wrap(apperrors.ErrCodeCaptureFailed, "Camera did not produce a frame", err)
	}
	u.source = capture.NewFrameSource(u.stream, u.video)
	u.ctx = ctx
	u.started = true
	u.timer = time.AfterFunc(u.opts.Interval, u.loop)

	log.Info().
		Str("sessionId", u.sessionID).
		Str("source", u.source.Name()).
		Dur("interval", u.opts.Interval).
		Msg("frame sampling started")
	return nil
}

// loop runs one tick and re-arms the timer afterwards, so the cadence is
// fixed-delay.
func (u *FrameSamplingUploader) loop() {
	u.mu.Lock()
	ctx := u.ctx
	u.mu.Unlock()

	if ctx.Err() != nil {
		u.Stop()
		return
	}

	u.Tick(ctx)

	u.mu.Lock()
	defer u.mu.Unlock()
	if !u.stopped {
		u.timer.Reset(u.opts.Interval)
	}
}

// Tick captures, scales and encodes one frame and hands it to a background
// upload. Ticks while paused, stopped or with an upload in flight do nothing.
func (u *FrameSamplingUploader) Tick(ctx context.Context) {
	u.mu.Lock()
	if u.stopped {
		u.mu.Unlock()
		return
	}
	u.stats.Ticks++
	if u.modalOpen || u.hidden {
		u.stats.PausedTicks++
		u.mu.Unlock()
		return
	}
	if u.source == nil {
		u.source = capture.NewFrameSource(u.stream, u.video)
	}
	source := u.source
	u.mu.Unlock()

	if u.sessionID == "" || !u.video.Ready() {
		return
	}
	if !u.inflight.TryAcquire(1) {
		u.count(func(s *Stats) { s.Skipped++ })
		return
	}

	blob, err := u.encodeFrame(ctx, source)
	if err != nil {
		u.inflight.Release(1)
		u.count(func(s *Stats) { s.Failures++ })
		log.Warn().Err(err).Str("sessionId", u.sessionID).Msg("frame capture failed")
		return
	}

	u.mu.Lock()
	u.uploading = true
	u.mu.Unlock()

	u.uploads.Add(1)
	go func() {
		defer u.uploads.Done()
		defer u.inflight.Release(1)
		defer func() {
			u.mu.Lock()
			u.uploading = false
			u.mu.Unlock()
		}()
		u.upload(ctx, blob)
	}()
}

func (u *FrameSamplingUploader) encodeFrame(ctx context.Context, source capture.FrameSource) (capture.Blob, error) {
	frame, err := source.Capture(ctx)
	if err != nil {
		return capture.Blob{}, apperrors.Wrap(apperrors.ErrCodeCaptureFailed, "Capture failed", err)
	}

	scaled, err := capture.Scale(frame, u.opts.TargetWidth)
	if err != nil {
		return capture.Blob{}, apperrors.Wrap(apperrors.ErrCodeCaptureFailed, "Scale failed", err)
	}

	blob, err := u.opts.Encoder.Encode(scaled)
	if err != nil {
		return capture.Blob{}, apperrors.Wrap(apperrors.ErrCodeEncodeFailed, "Encode failed", err)
	}
	return blob, nil
}

// upload is never aborted by Stop; a late result is dropped instead.
func (u *FrameSamplingUploader) upload(ctx context.Context, blob capture.Blob) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), u.opts.UploadTimeout)
	defer cancel()

	raw, err := u.backend.Analyze(ctx, u.sessionID, blob)
	u.count(func(s *Stats) { s.Uploads++ })
	if err != nil {
		u.count(func(s *Stats) { s.Failures++ })
		log.Warn().Err(err).Str("sessionId", u.sessionID).Msg("frame upload failed")
		return
	}

	resp, err := detect.Decode(raw)
	if err != nil {
		u.count(func(s *Stats) { s.Failures++ })
		log.Warn().Err(err).Str("sessionId", u.sessionID).Msg("analysis response unreadable")
		return
	}

	candidate, ok := detect.Resolve(resp, u.opts.Now())
	if !ok {
		return
	}
	u.consider(ctx, candidate)
}

// consider applies cooldown, then dedup, then opens the prompt if none is open.
func (u *FrameSamplingUploader) consider(ctx context.Context, c detect.Candidate) {
	u.mu.Lock()
	if u.stopped {
		u.mu.Unlock()
		return
	}

	now := u.opts.Now()
	if now.Before(u.cooldownUntil) {
		u.mu.Unlock()
		log.Debug().Str("sessionId", u.sessionID).Str("key", c.Key).Msg("detection dropped during cooldown")
		return
	}
	if c.Key == u.lastKey {
		u.mu.Unlock()
		return
	}

	u.lastKey = c.Key
	u.cooldownUntil = now.Add(u.opts.Cooldown)
	if u.modalOpen {
		u.mu.Unlock()
		return
	}

	event := c.Event
	u.modalOpen = true
	u.pending = &event
	u.stats.Detections++
	u.mu.Unlock()

	log.Info().
		Str("sessionId", u.sessionID).
		Str("activity", string(event.Activity)).
		Float64("confidence", event.Confidence).
		Msg("distraction detected")

	if u.prompter != nil {
		u.prompter.OpenPrompt(ctx, u.sessionID, event)
	}
}

// SubmitFeedback sends the mentee's comment for the pending detection,
// starts a new cooldown and resumes sampling.
func (u *FrameSamplingUploader) SubmitFeedback(ctx context.Context, comment string) error {
	comment = strings.TrimSpace(comment)
	if comment == "" {
		return apperrors.MissingRequired("comment")
	}

	u.mu.Lock()
	if u.stopped {
		u.mu.Unlock()
		return apperrors.SessionClosed(u.sessionID)
	}
	if !u.modalOpen {
		u.mu.Unlock()
		return apperrors.New(apperrors.ErrCodeConflict, "No detection is awaiting feedback")
	}
	u.mu.Unlock()

	if err := u.backend.SubmitSelfFeedback(ctx, u.sessionID, comment); err != nil {
		return err
	}

	u.mu.Lock()
	u.cooldownUntil = u.opts.Now().Add(u.opts.Cooldown)
	u.mu.Unlock()

	u.resume(ctx)
	return nil
}

// Dismiss closes the prompt without a comment.
func (u *FrameSamplingUploader) Dismiss(ctx context.Context) error {
	u.mu.Lock()
	if u.stopped {
		u.mu.Unlock()
		return apperrors.SessionClosed(u.sessionID)
	}
	u.mu.Unlock()

	u.resume(ctx)
	return nil
}

func (u *FrameSamplingUploader) resume(ctx context.Context) {
	if err := u.backend.Resume(ctx, u.sessionID); err != nil {
		log.Warn().Err(err).Str("sessionId", u.sessionID).Msg("failed to resume session")
	}

	u.mu.Lock()
	u.modalOpen = false
	u.pending = nil
	u.mu.Unlock()
}

// SetVisible pauses sampling while the learner's page is hidden.
func (u *FrameSamplingUploader) SetVisible(visible bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.hidden = !visible
}

// Stop cancels the timer and releases the camera. It is safe to call more
// than once and from any goroutine.
func (u *FrameSamplingUploader) Stop() {
	u.stopOnce.Do(func() {
		u.mu.Lock()
		u.stopped = true
		if u.timer != nil {
			u.timer.Stop()
		}
		u.mu.Unlock()

		u.stream.StopAllTracks()
		u.video.ClearSource()

		log.Info().Str("sessionId", u.sessionID).Msg("frame sampling stopped")
	})
}

// Wait blocks until background uploads have returned.
func (u *FrameSamplingUploader) Wait() {
	u.uploads.Wait()
}

func (u *FrameSamplingUploader) Stopped() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.stopped
}

func (u *FrameSamplingUploader) State() State {
	u.mu.Lock()
	defer u.mu.Unlock()

	switch {
	case !u.started || u.stopped:
		return StateIdle
	case u.modalOpen || u.hidden:
		return StatePaused
	case u.uploading:
		return StateUploading
	default:
		return StateSampling
	}
}

// Pending returns the detection awaiting feedback, if any.
func (u *FrameSamplingUploader) Pending() (model.DistractionEvent, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.pending == nil {
		return model.DistractionEvent{}, false
	}
	return *u.pending, true
}

func (u *FrameSamplingUploader) CooldownUntil() time.Time {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.cooldownUntil
}

func (u *FrameSamplingUploader) Stats() Stats {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.stats
}

func (u *FrameSamplingUploader) count(fn func(*Stats)) {
	u.mu.Lock()
	fn(&u.stats)
	u.mu.Unlock()
}
