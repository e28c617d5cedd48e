package evaluator

import (
	"image"
	"log"

	"github.com/Daan4/vision-well-position-controller/mathx"
)

// Centroid finds the center of the bright area in the frame.  It is robust
// but is pulled off center by anything bright besides the well bottom.
type Centroid struct {
	Options
}

// NewCentroid returns a centroid evaluator for a resolution
func NewCentroid(res image.Point, debug bool) *Centroid {
	return &Centroid{Options: DefaultOptions(res, debug)}
}

// Name returns "Centroid"
func (c *Centroid) Name() string { return "Centroid" }

// Locate returns the centroid of the thresholded image
func (c *Centroid) Locate(img *image.Gray) (mathx.Vec2, bool) {
	bw := binarize(img, c.Options, false)
	var sx, sy float64
	n := 0
	b := bw.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		row := bw.Pix[(y-b.Min.Y)*bw.Stride:]
		for x := 0; x < b.Dx(); x++ {
			if row[x] > 127 {
				sx += float64(x)
				sy += float64(y - b.Min.Y)
				n++
			}
		}
	}
	if c.Debug {
		log.Printf("centroid: %d bright px of %d\n", n, b.Dx()*b.Dy())
	}
	if n < c.MinArea || n == b.Dx()*b.Dy() {
		return mathx.Vec2{}, false
	}
	org := img.Bounds().Min
	return mathx.Vec2{X: sx/float64(n) + float64(org.X), Y: sy/float64(n) + float64(org.Y)}, true
}

// Evaluate returns the offset of the centroid from target
func (c *Centroid) Evaluate(img *image.Gray, target mathx.Vec2) (mathx.Vec2, bool) {
	pos, ok := c.Locate(img)
	if !ok {
		return mathx.Vec2{}, false
	}
	return pos.Sub(target), true
}
