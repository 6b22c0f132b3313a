package vision

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"io"
	"net/http"
	"os"
	"os/exec"
	"time"
)

const (
	defaultCaptureTimeout = 10 * time.Second

	// maxFrameBytes bounds a single captured frame.
	maxFrameBytes = 32 << 20
)

// StubCamera returns a synthetic frame: a green disc on a brown background.
type StubCamera struct {
	Width, Height int
}

// Capture implements Camera.
func (s StubCamera) Capture(ctx context.Context) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	w, h := s.Width, s.Height
	if w <= 0 || h <= 0 {
		w, h = 640, 480
	}

	img := image.NewRGBA(image.Rect(0, 0, w, h))
	soil := color.RGBA{R: 101, G: 67, B: 33, A: 255}
	leaf := color.RGBA{R: 46, G: 139, B: 87, A: 255}
	r := min(w, h) / 6
	cx, cy := w/2, h/2
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			dx, dy := x-cx, y-cy
			if dx*dx+dy*dy <= r*r {
				img.SetRGBA(x, y, leaf)
			} else {
				img.SetRGBA(x, y, soil)
			}
		}
	}
	return img, nil
}

// FileCamera decodes the same image file on every capture.
type FileCamera struct {
	Path string
}

// Capture implements Camera.
func (f FileCamera) Capture(ctx context.Context) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCapture, err)
	}
	img, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrCapture, f.Path, err)
	}
	return img, nil
}

// CommandCamera runs a one-shot capture tool (e.g. "libcamera-jpeg -o -")
// and decodes the image it writes to stdout.
type CommandCamera struct {
	Command string
	Args    []string
	Timeout time.Duration
}

// Capture implements Camera.
func (c CommandCamera) Capture(ctx context.Context) (image.Image, error) {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = defaultCaptureTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, c.Command, c.Args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("%w: %s: %w: %s", ErrCapture, c.Command, err, bytes.TrimSpace(stderr.Bytes()))
	}
	img, err := Decode(stdout.Bytes())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCapture, err)
	}
	return img, nil
}

// SnapshotCamera fetches a still frame over HTTP, typically from a
// streaming daemon such as mjpg-streamer (?action=snapshot).
type SnapshotCamera struct {
	url        string
	httpClient *http.Client
}

// NewSnapshotCamera creates a camera reading frames from url.
func NewSnapshotCamera(url string, timeout time.Duration) *SnapshotCamera {
	if timeout <= 0 {
		timeout = defaultCaptureTimeout
	}
	return &SnapshotCamera{url: url, httpClient: &http.Client{Timeout: timeout}}
}

// Capture implements Camera.
func (s *SnapshotCamera) Capture(ctx context.Context) (image.Image, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCapture, err)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCapture, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: snapshot returned %d", ErrCapture, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxFrameBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: reading frame: %w", ErrCapture, err)
	}
	img, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCapture, err)
	}
	return img, nil
}
