package vision

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"

	// Registered for image.Decode on PNG camera output.
	_ "image/png"
)

const (
	jpegQuality  = 90
	centerRadius = 50
)

var (
	boxColor    = color.RGBA{R: 255, A: 255}
	centerColor = color.RGBA{R: 127, G: 127, B: 127, A: 255}
)

// SquareCrop returns the largest centred square of img.
func SquareCrop(img image.Image) image.Image {
	b := img.Bounds()
	edge := min(b.Dx(), b.Dy())
	x0 := b.Min.X + (b.Dx()-edge)/2
	y0 := b.Min.Y + (b.Dy()-edge)/2
	return crop(img, image.Rect(x0, y0, x0+edge, y0+edge))
}

// crop copies r out of img into a new RGBA image whose bounds start at r.Min,
// so coordinates stay valid in the parent frame.
func crop(img image.Image, r image.Rectangle) *image.RGBA {
	r = r.Intersect(img.Bounds())
	out := image.NewRGBA(r)
	draw.Draw(out, r, img, r.Min, draw.Src)
	return out
}

// Annotate returns a copy of img with the detection box outlined and a
// reference circle drawn around the frame centre.
func Annotate(img image.Image, d Detection) *image.RGBA {
	b := img.Bounds()
	out := image.NewRGBA(b)
	draw.Draw(out, b, img, b.Min, draw.Src)

	r := d.Rect().Intersect(b)
	if !r.Empty() {
		for x := r.Min.X; x < r.Max.X; x++ {
			out.Set(x, r.Min.Y, boxColor)
			out.Set(x, r.Max.Y-1, boxColor)
		}
		for y := r.Min.Y; y < r.Max.Y; y++ {
			out.Set(r.Min.X, y, boxColor)
			out.Set(r.Max.X-1, y, boxColor)
		}
	}

	drawCircle(out, centerOf(b), centerRadius, centerColor)
	return out
}

// drawCircle plots a 1px circle outline with the midpoint algorithm.
func drawCircle(img draw.Image, c image.Point, r int, col color.Color) {
	x, y, d := r, 0, 1-r
	for x >= y {
		for _, p := range []image.Point{
			{c.X + x, c.Y + y}, {c.X + y, c.Y + x}, {c.X - y, c.Y + x}, {c.X - x, c.Y + y},
			{c.X - x, c.Y - y}, {c.X - y, c.Y - x}, {c.X + y, c.Y - x}, {c.X + x, c.Y - y},
		} {
			if p.In(img.Bounds()) {
				img.Set(p.X, p.Y, col)
			}
		}
		y++
		if d < 0 {
			d += 2*y + 1
		} else {
			x--
			d += 2*(y-x) + 1
		}
	}
}

// EncodeJPEG encodes img as JPEG.
func EncodeJPEG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: jpegQuality}); err != nil {
		return nil, fmt.Errorf("encoding jpeg: %w", err)
	}
	return buf.Bytes(), nil
}

// Decode decodes a JPEG or PNG image.
func Decode(data []byte) (image.Image, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decoding image: %w", err)
	}
	return img, nil
}
