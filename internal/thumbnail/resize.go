package thumbnail

import (
	"errors"
	"image"
	"math"

	"golang.org/x/image/draw"
)

// FitSize returns the dimensions of a w×h image scaled so its longer side
// equals box, preserving the aspect ratio. Images smaller than the box are
// scaled up.
func FitSize(w int, h int, box int) image.Point {
	if w <= 0 || h <= 0 || box <= 0 {
		return image.Point{}
	}

	if w >= h {
		return image.Pt(box, max(1, int(math.Round(float64(h)*float64(box)/float64(w)))))
	}
	return image.Pt(max(1, int(math.Round(float64(w)*float64(box)/float64(h)))), box)
}

// Fit scales src into a box×box bounding box. Transparent pixels are
// composited onto white since the result is meant for JPEG encoding.
func Fit(src image.Image, box int) (*image.RGBA, error) {
	b := src.Bounds()
	size := FitSize(b.Dx(), b.Dy(), box)
	if size.X == 0 || size.Y == 0 {
		return nil, errors.New("image has no pixels")
	}

	dst := image.NewRGBA(image.Rect(0, 0, size.X, size.Y))
	draw.Draw(dst, dst.Bounds(), image.White, image.Point{}, draw.Src)
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, b, draw.Over, nil)
	return dst, nil
}
