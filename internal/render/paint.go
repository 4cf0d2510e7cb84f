package render

import (
	"image"
	"image/draw"
	"math"
)

// Paint strokes every box of the scene onto dst. Boxes partly outside the
// surface are clipped; markers are not painted, they live above the surface.
func Paint(s Scene, dst draw.Image) {
	src := image.NewUniform(StrokeColor)
	for _, b := range s.Boxes {
		strokeRect(dst, toRect(b), src)
	}
}

// Overlay returns a transparent surface of the given size with the scene painted on it.
func Overlay(s Scene, size image.Point) *image.RGBA {
	img := image.NewRGBA(image.Rectangle{Max: size})
	Paint(s, img)
	return img
}

func toRect(b Rect) image.Rectangle {
	x0 := int(math.Round(b.X))
	y0 := int(math.Round(b.Y))
	x1 := int(math.Round(b.X + b.Width))
	y1 := int(math.Round(b.Y + b.Height))
	return image.Rect(x0, y0, x1, y1)
}

// strokeRect draws the outline as four filled bands of StrokeWidth, centred on the edge
func strokeRect(dst draw.Image, r image.Rectangle, src image.Image) {
	if r.Empty() {
		return
	}
	half := StrokeWidth / 2
	outer := r.Inset(-half)
	inner := outer.Inset(StrokeWidth)
	bands := []image.Rectangle{
		image.Rect(outer.Min.X, outer.Min.Y, outer.Max.X, inner.Min.Y), // top
		image.Rect(outer.Min.X, inner.Max.Y, outer.Max.X, outer.Max.Y), // bottom
		image.Rect(outer.Min.X, inner.Min.Y, inner.Min.X, inner.Max.Y), // left
		image.Rect(inner.Max.X, inner.Min.Y, outer.Max.X, inner.Max.Y), // right
	}
	bounds := dst.Bounds()
	for _, band := range bands {
		band = band.Intersect(bounds)
		if band.Empty() {
			continue
		}
		draw.Draw(dst, band, src, image.Point{}, draw.Src)
	}
}
