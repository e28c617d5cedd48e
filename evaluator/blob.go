package evaluator

import (
	"image"
	"log"
	"math"

	"github.com/Daan4/vision-well-position-controller/mathx"
)

// Blob finds the well bottom as the roundest large bright blob.  Blobs are
// scored by (1 - roundness + eccentricity) / 2, lower is better.
type Blob struct {
	Options
}

// NewBlob returns a blob evaluator for a resolution
func NewBlob(res image.Point, debug bool) *Blob {
	return &Blob{Options: DefaultOptions(res, debug)}
}

// Name returns "WellBottomFeatures"
func (b *Blob) Name() string { return "WellBottomFeatures" }

type component struct {
	area      int
	perimeter int
	sx, sy    float64
	sxx, syy  float64
	sxy       float64
}

func (c component) centroid() (float64, float64) {
	return c.sx / float64(c.area), c.sy / float64(c.area)
}

func (c component) score() float64 {
	a := float64(c.area)
	p := float64(c.perimeter)
	roundness := 1.
	if p > 0 {
		roundness = math.Min(1, 4*math.Pi*a/(p*p))
	}
	cx, cy := c.centroid()
	mu20 := c.sxx/a - cx*cx
	mu02 := c.syy/a - cy*cy
	mu11 := c.sxy/a - cx*cy
	common := math.Sqrt(4*mu11*mu11 + (mu20-mu02)*(mu20-mu02))
	l1 := (mu20 + mu02 + common) / 2
	l2 := (mu20 + mu02 - common) / 2
	ecc := 0.
	if l1 > 0 {
		ecc = math.Sqrt(math.Max(0, 1-l2/l1))
	}
	return (1 - roundness + ecc) / 2
}

// components labels the 4-connected white regions of a zero-origin image
func components(bw *image.Gray) []component {
	w, h := bw.Rect.Dx(), bw.Rect.Dy()
	white := func(x, y int) bool {
		return x >= 0 && y >= 0 && x < w && y < h && bw.Pix[y*bw.Stride+x] > 127
	}
	seen := make([]bool, w*h)
	var out []component
	stack := make([]image.Point, 0, 1024)
	for y0 := 0; y0 < h; y0++ {
		for x0 := 0; x0 < w; x0++ {
			if seen[y0*w+x0] || !white(x0, y0) {
				continue
			}
			var c component
			seen[y0*w+x0] = true
			stack = append(stack[:0], image.Point{x0, y0})
			for len(stack) > 0 {
				p := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				fx, fy := float64(p.X), float64(p.Y)
				c.area++
				c.sx += fx
				c.sy += fy
				c.sxx += fx * fx
				c.syy += fy * fy
				c.sxy += fx * fy
				edge := false
				for _, d := range [4]image.Point{{1, 0}, {-1, 0}, {0, 1}, {0, -1}} {
					q := p.Add(d)
					if !white(q.X, q.Y) {
						edge = true
						continue
					}
					if !seen[q.Y*w+q.X] {
						seen[q.Y*w+q.X] = true
						stack = append(stack, q)
					}
				}
				if edge {
					c.perimeter++
				}
			}
			out = append(out, c)
		}
	}
	return out
}

// Locate returns the centroid of the best scoring blob
func (b *Blob) Locate(img *image.Gray) (mathx.Vec2, bool) {
	bw := binarize(img, b.Options, true)
	comps := components(bw)
	best := -1
	bestScore := math.Inf(1)
	for i, c := range comps {
		if c.area < b.MinArea {
			continue
		}
		if s := c.score(); s < bestScore {
			best, bestScore = i, s
		}
	}
	if b.Debug {
		log.Printf("blob: %d components, best %d score %.3f\n", len(comps), best, bestScore)
	}
	if best < 0 {
		return mathx.Vec2{}, false
	}
	cx, cy := comps[best].centroid()
	org := img.Bounds().Min
	return mathx.Vec2{X: cx + float64(org.X), Y: cy + float64(org.Y)}, true
}

// Evaluate returns the offset of the best blob from target
func (b *Blob) Evaluate(img *image.Gray, target mathx.Vec2) (mathx.Vec2, bool) {
	pos, ok := b.Locate(img)
	if !ok {
		return mathx.Vec2{}, false
	}
	return pos.Sub(target), true
}
