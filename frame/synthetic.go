package frame

import (
	"context"
	"image"
	"image/color"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/Daan4/vision-well-position-controller/mathx"
)

// Synthetic is a simulated camera looking up through a well plate.  It renders
// the bottom of the well nearest to the optical axis as a bright disc on a
// dark background; the disc moves in the image as the stage moves.
type Synthetic struct {
	// Width and Height are the image size in pixels
	Width, Height int

	// FPS is the frame rate
	FPS float64

	// MMPerPixel is the image scale at the plate
	MMPerPixel float64

	// Center is the pixel the optical axis falls on
	Center mathx.Vec2

	// Radius is the radius of a well bottom in pixels
	Radius float64

	// Wells are the true well centers in stage coordinates, mm
	Wells []mathx.Vec2

	// Position reports the stage position, mm
	Position func() mathx.Vec2

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	seq    uint64
}

// Render draws the view for a stage position
func (s *Synthetic) Render(pos mathx.Vec2) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, s.Width, s.Height))
	for i := range img.Pix {
		img.Pix[i] = 30
	}
	if len(s.Wells) == 0 {
		return img
	}
	nearest := s.Wells[0]
	for _, w := range s.Wells[1:] {
		if w.Sub(pos).Norm() < nearest.Sub(pos).Norm() {
			nearest = w
		}
	}
	c := s.Center.Add(nearest.Sub(pos).Scale(1 / s.MMPerPixel))
	r := s.Radius
	x0, x1 := int(math.Floor(c.X-r)), int(math.Ceil(c.X+r))
	y0, y1 := int(math.Floor(c.Y-r)), int(math.Ceil(c.Y+r))
	for y := y0; y <= y1; y++ {
		for x := x0; x <= x1; x++ {
			if !(image.Point{x, y}.In(img.Rect)) {
				continue
			}
			dx, dy := float64(x)-c.X, float64(y)-c.Y
			if dx*dx+dy*dy <= r*r {
				img.SetGray(x, y, color.Gray{Y: 220})
			}
		}
	}
	return img
}

// Start begins rendering frames at FPS
func (s *Synthetic) Start(publish func(Frame)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	lim := rate.NewLimiter(rate.Limit(s.FPS), 1)
	go func() {
		defer close(s.done)
		for {
			if err := lim.Wait(ctx); err != nil {
				return
			}
			t := time.Now()
			var pos mathx.Vec2
			if s.Position != nil {
				pos = s.Position()
			}
			s.seq++
			publish(Frame{Image: s.Render(pos), Seq: s.seq, Time: t})
		}
	}()
	return nil
}

// Stop ends frame production
func (s *Synthetic) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel == nil {
		return nil
	}
	s.cancel()
	<-s.done
	s.cancel = nil
	return nil
}
