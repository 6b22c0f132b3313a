package vision

import (
	"context"
	"fmt"
	"image"
)

// CenterDetector narrows a frame to its central region, asks a Backend for
// boxes and keeps the one whose centre is nearest the frame centre.
type CenterDetector struct {
	backend Backend
}

// NewCenterDetector wraps backend.
func NewCenterDetector(backend Backend) *CenterDetector {
	return &CenterDetector{backend: backend}
}

// Detect returns the detection nearest the centre of img, in img's
// coordinates, or Unknown when the backend found nothing.
//
// The backend sees only the centred square whose side is half the shorter
// image edge; neighbouring pots near the frame border are ignored.
func (c *CenterDetector) Detect(ctx context.Context, img image.Image) (Detection, error) {
	b := img.Bounds()
	center := centerOf(b)
	quarter := min(b.Dx(), b.Dy()) / 4
	region := image.Rect(center.X-quarter, center.Y-quarter, center.X+quarter, center.Y+quarter)

	sub := crop(img, region)
	local := sub.Bounds()

	// Backends see a zero-origin image.
	boxes, err := c.backend.Boxes(ctx, rebase(sub))
	if err != nil {
		return Detection{}, fmt.Errorf("%w: %w", ErrDetect, err)
	}

	best, found := nearest(boxes, image.Pt(center.X-local.Min.X, center.Y-local.Min.Y))
	if !found {
		return Unknown(b), nil
	}
	best.X += local.Min.X
	best.Y += local.Min.Y
	return best, nil
}

// nearest returns the box whose centre is closest to p. Ties keep the
// earlier box.
func nearest(boxes []Detection, p image.Point) (Detection, bool) {
	if len(boxes) == 0 {
		return Detection{}, false
	}
	best := boxes[0]
	bestDist := dist2(best.Center(), p)
	for _, d := range boxes[1:] {
		if dd := dist2(d.Center(), p); dd < bestDist {
			best, bestDist = d, dd
		}
	}
	return best, true
}

func dist2(a, b image.Point) int {
	dx, dy := a.X-b.X, a.Y-b.Y
	return dx*dx + dy*dy
}

// rebase shifts img so its bounds start at (0, 0).
func rebase(img *image.RGBA) *image.RGBA {
	b := img.Bounds()
	return &image.RGBA{
		Pix:    img.Pix,
		Stride: img.Stride,
		Rect:   image.Rect(0, 0, b.Dx(), b.Dy()),
	}
}

// StubBackend reports one box of a fixed class covering the middle half of
// the image. An empty Class reports nothing.
type StubBackend struct {
	Class string
}

// Boxes implements Backend.
func (s StubBackend) Boxes(_ context.Context, img image.Image) ([]Detection, error) {
	if s.Class == "" {
		return nil, nil
	}
	b := img.Bounds()
	return []Detection{{
		Class:      s.Class,
		X:          b.Min.X + b.Dx()/4,
		Y:          b.Min.Y + b.Dy()/4,
		Width:      b.Dx() / 2,
		Height:     b.Dy() / 2,
		Confidence: 1,
	}}, nil
}
