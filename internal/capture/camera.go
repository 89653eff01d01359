package capture

import (
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	_ "golang.org/x/image/webp"
)

const (
	snapshotTimeout  = 5 * time.Second
	maxSnapshotBytes = 16 << 20
)

// SnapshotCamera pulls still images from an IP camera's snapshot endpoint.
type SnapshotCamera struct {
	url    string
	client *http.Client

	mu      sync.Mutex
	stopped bool
}

func NewSnapshotCamera(url string) *SnapshotCamera {
	return &SnapshotCamera{
		url:    url,
		client: &http.Client{Timeout: snapshotTimeout},
	}
}

func (c *SnapshotCamera) CurrentFrame() (image.Image, error) {
	ctx, cancel := context.WithTimeout(context.Background(), snapshotTimeout)
	defer cancel()
	return c.GrabFrame(ctx)
}

func (c *SnapshotCamera) GrabFrame(ctx context.Context) (image.Image, error) {
	c.mu.Lock()
	stopped := c.stopped
	c.mu.Unlock()
	if stopped {
		return nil, ErrStreamStopped
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("create snapshot request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("snapshot request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("snapshot failed with status %d", resp.StatusCode)
	}

	img, _, err := image.Decode(io.LimitReader(resp.Body, maxSnapshotBytes))
	if err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return img, nil
}

func (c *SnapshotCamera) StopAllTracks() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}
	c.stopped = true
	c.client.CloseIdleConnections()
	log.Debug().Str("url", c.url).Msg("snapshot camera stopped")
}

var frameExtensions = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".webp": true,
}

// DirectoryCamera replays the image files of a directory in name order,
// looping at the end. It has no grab path, so frames go through the video.
type DirectoryCamera struct {
	dir   string
	files []string

	mu      sync.Mutex
	next    int
	stopped bool
}

func NewDirectoryCamera(dir string) (*DirectoryCamera, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read camera dir: %w", err)
	}

	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if frameExtensions[strings.ToLower(filepath.Ext(e.Name()))] {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("camera dir %s has no image files", dir)
	}
	sort.Strings(files)

	return &DirectoryCamera{dir: dir, files: files}, nil
}

func (c *DirectoryCamera) CurrentFrame() (image.Image, error) {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil, ErrStreamStopped
	}
	path := c.files[c.next]
	c.next = (c.next + 1) % len(c.files)
	c.mu.Unlock()

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open frame: %w", err)
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode frame %s: %w", filepath.Base(path), err)
	}
	return img, nil
}

func (c *DirectoryCamera) StopAllTracks() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped = true
}

// CameraOptions selects and configures a camera device.
type CameraOptions struct {
	Mode string
	URL  string
	Dir  string
}

// OpenCamera opens the configured device.
func OpenCamera(opts CameraOptions) (Stream, error) {
	switch opts.Mode {
	case "snapshot":
		return NewSnapshotCamera(opts.URL), nil
	case "directory":
		return NewDirectoryCamera(opts.Dir)
	default:
		return nil, fmt.Errorf("unknown camera mode %q", opts.Mode)
	}
}
