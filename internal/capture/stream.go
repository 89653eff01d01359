package capture

import (
	"context"
	"errors"
	"image"
	"sync"
)

var (
	ErrStreamStopped = errors.New("capture: stream stopped")
	ErrNoSource      = errors.New("capture: video has no source")
	ErrNotReady      = errors.New("capture: video has no dimensions yet")
)

// Stream is a live camera feed. StopAllTracks releases the device.
type Stream interface {
	CurrentFrame() (image.Image, error)
	StopAllTracks()
}

// FrameGrabber is implemented by streams that can hand out a frame directly,
// without going through the video element.
type FrameGrabber interface {
	GrabFrame(ctx context.Context) (image.Image, error)
}

// Video plays a Stream and tracks its intrinsic dimensions.
type Video struct {
	mu     sync.RWMutex
	src    Stream
	width  int
	height int
}

func NewVideo() *Video {
	return &Video{}
}

// SetSource attaches a stream and reads one frame to learn its dimensions.
// Setting the already attached stream is a no-op.
func (v *Video) SetSource(s Stream) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.src == s && v.width > 0 {
		return nil
	}

	frame, err := s.CurrentFrame()
	if err != nil {
		return err
	}

	b := frame.Bounds()
	v.src = s
	v.width = b.Dx()
	v.height = b.Dy()
	return nil
}

func (v *Video) Source() Stream {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.src
}

func (v *Video) Dimensions() (int, int) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.width, v.height
}

func (v *Video) Ready() bool {
	w, h := v.Dimensions()
	return w > 0 && h > 0
}

// CurrentFrame returns the frame currently shown by the video.
func (v *Video) CurrentFrame() (image.Image, error) {
	v.mu.RLock()
	src := v.src
	v.mu.RUnlock()

	if src == nil {
		return nil, ErrNoSource
	}
	return src.CurrentFrame()
}

// ClearSource detaches the stream and resets dimensions. It does not stop
// the stream's tracks.
func (v *Video) ClearSource() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.src = nil
	v.width = 0
	v.height = 0
}
