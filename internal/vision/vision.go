// Package vision provides the image source and plant stage detector used by
// the actuator's check operation.
//
// A Camera returns one decoded frame. A Detector classifies the plant at
// the centre of a frame and always returns exactly one Detection: when the
// backend finds nothing, a synthetic "unknown" box at the centre is
// returned rather than an error.
package vision

import (
	"context"
	"errors"
	"image"
)

// UnknownClass is the label used when nothing was detected.
const UnknownClass = "unknown"

var (
	// ErrCapture wraps camera failures.
	ErrCapture = errors.New("vision: capture failed")

	// ErrDetect wraps detector backend failures.
	ErrDetect = errors.New("vision: detection failed")
)

// Detection is a classified bounding box in image pixel coordinates.
// (X, Y) is the top-left corner.
type Detection struct {
	Class      string  `json:"class"`
	X          int     `json:"x"`
	Y          int     `json:"y"`
	Width      int     `json:"width"`
	Height     int     `json:"height"`
	Confidence float64 `json:"confidence,omitempty"`
}

// Rect returns the box as an image.Rectangle.
func (d Detection) Rect() image.Rectangle {
	return image.Rect(d.X, d.Y, d.X+d.Width, d.Y+d.Height)
}

// Center returns the centre point of the box.
func (d Detection) Center() image.Point {
	return image.Pt(d.X+d.Width/2, d.Y+d.Height/2)
}

// Unknown returns the synthetic 1x1 detection at the centre of bounds.
func Unknown(bounds image.Rectangle) Detection {
	c := centerOf(bounds)
	return Detection{Class: UnknownClass, X: c.X, Y: c.Y, Width: 1, Height: 1}
}

// Camera captures a single decoded frame.
type Camera interface {
	Capture(ctx context.Context) (image.Image, error)
}

// Detector classifies the plant nearest the centre of img.
type Detector interface {
	Detect(ctx context.Context, img image.Image) (Detection, error)
}

// Backend returns every box a model found in img, in img's coordinates.
type Backend interface {
	Boxes(ctx context.Context, img image.Image) ([]Detection, error)
}

func centerOf(r image.Rectangle) image.Point {
	return image.Pt(r.Min.X+r.Dx()/2, r.Min.Y+r.Dy()/2)
}
