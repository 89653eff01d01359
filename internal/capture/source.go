package capture

import (
	"context"
	"image"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/image/draw"
)

// FrameSource yields the next frame to analyze.
type FrameSource interface {
	Capture(ctx context.Context) (image.Image, error)
	Name() string
}

// NewFrameSource probes the stream once: streams that can grab frames
// directly use that path, everything else draws the video onto a canvas.
func NewFrameSource(stream Stream, video *Video) FrameSource {
	canvas := &canvasSource{video: video}
	if grabber, ok := stream.(FrameGrabber); ok {
		return &grabberSource{grabber: grabber, fallback: canvas}
	}
	return canvas
}

type grabberSource struct {
	grabber  FrameGrabber
	fallback *canvasSource
}

func (s *grabberSource) Name() string { return "grabber" }

func (s *grabberSource) Capture(ctx context.Context) (image.Image, error) {
	frame, err := s.grabber.GrabFrame(ctx)
	if err == nil {
		return frame, nil
	}
	log.Debug().Err(err).Msg("grab frame failed, drawing from video")
	return s.fallback.Capture(ctx)
}

// canvasSource copies the current video frame onto a reused offscreen canvas.
type canvasSource struct {
	video *Video

	mu     sync.Mutex
	canvas *image.RGBA
}

func (s *canvasSource) Name() string { return "canvas" }

func (s *canvasSource) Capture(ctx context.Context) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !s.video.Ready() {
		return nil, ErrNotReady
	}

	frame, err := s.video.CurrentFrame()
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	b := frame.Bounds()
	if s.canvas == nil || s.canvas.Bounds().Dx() != b.Dx() || s.canvas.Bounds().Dy() != b.Dy() {
		s.canvas = image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	}
	draw.Draw(s.canvas, s.canvas.Bounds(), frame, b.Min, draw.Src)

	// The canvas is reused on the next capture.
	out := image.NewRGBA(s.canvas.Bounds())
	copy(out.Pix, s.canvas.Pix)
	return out, nil
}
